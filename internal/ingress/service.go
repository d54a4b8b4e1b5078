// Package ingress turns authenticated post-call webhooks into persisted call
// records and interprets free-text replies to the follow-up prompt.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/callbridge/internal/analysis"
	"github.com/troikatech/callbridge/internal/broadcast"
	"github.com/troikatech/callbridge/internal/callindex"
	"github.com/troikatech/callbridge/internal/dedup"
	"github.com/troikatech/callbridge/internal/notify"
	"github.com/troikatech/callbridge/internal/records"
	"github.com/troikatech/callbridge/pkg/logger"
	"github.com/troikatech/callbridge/pkg/metrics"
	"github.com/troikatech/callbridge/pkg/utils"
)

var (
	ErrAuthentication   = errors.New("webhook authentication failed")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

const unknownClient = "Unknown"

// Replies sent back for inbound messages.
const (
	ReplyConfirmed    = "Thank you! Your appointment is confirmed. We look forward to speaking with you."
	ReplyRescheduled  = "Thanks! We have moved your follow-up to %s."
	ReplyReschedule   = "Thanks for letting us know. Our team will contact you to find a new time."
	ReplyPrompt       = "Please reply CONFIRM to confirm your appointment or RESCHEDULE YYYY-MM-DD to choose a new date."
	ReplyUnknownPhone = "We could not find a recent call for this number. Our team will get back to you shortly."
)

type Verifier interface {
	Verify(body []byte, signatureHeader, timestampHeader string) error
}

type Analyzer interface {
	Analyze(ctx context.Context, transcript, defaultPhone string) analysis.Result
}

type Dispatcher interface {
	Dispatch(ctx context.Context, rec *records.CallRecord) (notify.Result, error)
	Retry(ctx context.Context, rec *records.CallRecord) (notify.Result, error)
}

type Publisher interface {
	Publish(kind string, payload any)
}

type Config struct {
	// DispatchTimeout bounds one background notification dispatch.
	DispatchTimeout time.Duration
}

type Service struct {
	verifier   Verifier
	seen       dedup.Set
	index      callindex.Index
	analyzer   Analyzer
	store      records.Store
	dispatcher Dispatcher
	publisher  Publisher
	cfg        Config
	logger     *zap.Logger

	inflight sync.WaitGroup
	now      func() time.Time
}

type Deps struct {
	Verifier   Verifier
	Dedup      dedup.Set
	Index      callindex.Index
	Analyzer   Analyzer
	Store      records.Store
	Dispatcher Dispatcher
	Publisher  Publisher
}

func NewService(deps Deps, cfg Config, log *zap.Logger) *Service {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 2 * time.Minute
	}
	return &Service{
		verifier:   deps.Verifier,
		seen:       deps.Dedup,
		index:      deps.Index,
		analyzer:   deps.Analyzer,
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		publisher:  deps.Publisher,
		cfg:        cfg,
		logger:     log,
		now:        time.Now,
	}
}

// Outcome reports what a completion webhook did.
type Outcome struct {
	Status string              `json:"status"`
	CallID string              `json:"call_id,omitempty"`
	Record *records.CallRecord `json:"-"`
}

// Outcome statuses.
const (
	StatusProcessed = "success"
	StatusDuplicate = "duplicate"
	StatusIgnored   = "ignored"
)

// HandleCallComplete authenticates, de-duplicates and persists a post-call
// webhook. It returns once the record is stored; notification dispatch and
// the dashboard broadcast happen afterwards and never fail the call.
func (s *Service) HandleCallComplete(ctx context.Context, body []byte, signature, timestamp string) (Outcome, error) {
	if s.verifier != nil {
		if err := s.verifier.Verify(body, signature, timestamp); err != nil {
			metrics.WebhookEvent("unknown", "unauthorized")
			s.logger.Warn("Rejected webhook", zap.Error(err))
			return Outcome{}, fmt.Errorf("%w: %w", ErrAuthentication, err)
		}
	}

	event, err := ParseEvent(body)
	if err != nil {
		metrics.WebhookEvent("unknown", "malformed")
		return Outcome{}, err
	}

	tr, ok := event.(*Transcription)
	if !ok {
		metrics.WebhookEvent(event.EventType(), "ignored")
		s.logger.Info("Acknowledged webhook", zap.String("type", event.EventType()), logger.ConversationID(event.Conversation()))
		return Outcome{Status: StatusIgnored, CallID: event.Conversation()}, nil
	}

	convID := tr.Data.ConversationID
	log := s.logger.With(logger.ConversationID(convID))
	key := dedup.Key(event.EventType(), convID)

	claimed := true
	if s.seen != nil {
		claimed, err = s.seen.Claim(ctx, key)
		if err != nil {
			// The store write is idempotent per call_id and sends are claimed
			// per channel, so a replay only costs one more analysis.
			log.Warn("Dedup unavailable, processing anyway", zap.Error(err))
			claimed = true
		}
	}
	if !claimed {
		metrics.WebhookEvent(event.EventType(), "duplicate")
		log.Info("Duplicate webhook ignored")
		return Outcome{Status: StatusDuplicate, CallID: convID}, nil
	}

	rec, err := s.persist(ctx, tr, log)
	if err != nil {
		metrics.WebhookEvent(event.EventType(), "error")
		if s.seen != nil {
			if rerr := s.seen.Release(context.WithoutCancel(ctx), key); rerr != nil {
				log.Warn("Failed to release dedup key", zap.Error(rerr))
			}
		}
		return Outcome{}, err
	}
	metrics.WebhookEvent(event.EventType(), "processed")

	s.dispatchAsync(rec)
	if s.publisher != nil {
		s.publisher.Publish(broadcast.EventCallCompleted, rec)
	}
	return Outcome{Status: StatusProcessed, CallID: rec.CallID, Record: rec}, nil
}

func (s *Service) persist(ctx context.Context, tr *Transcription, log *zap.Logger) (*records.CallRecord, error) {
	data := tr.Data
	clientName, phone := s.callParties(ctx, data, log)
	transcript := data.TranscriptText()

	var result analysis.Result
	if s.analyzer != nil {
		result = s.analyzer.Analyze(ctx, transcript, phone)
	}

	sentiment, converted := data.outcome()
	now := s.now().UTC()
	rec := &records.CallRecord{
		CallID:      data.ConversationID,
		ClientName:  clientName,
		PhoneNumber: phone,
		Transcript:  transcript,
		Insights: records.Insights{
			Topics:      data.topics(),
			DurationSec: data.Metadata.CallDurationSecs,
			Sentiment:   sentiment,
		},
		Summary:          result.Summary,
		FollowUpDate:     result.FollowUpDate,
		ConversionStatus: converted,
		NotificationPreferences: records.NotificationPreferences{
			NotifyEmail:    result.NotifyEmail,
			NotifyWhatsApp: result.NotifyWhatsApp,
			EmailAddress:   result.EmailAddress,
			WhatsAppNumber: result.WhatsAppNumber,
		},
		Timestamp: tr.Timestamp,
		CreatedAt: now,
		UpdatedAt: now,
	}
	data.NotificationPreferences.apply(&rec.NotificationPreferences)
	prefs := &rec.NotificationPreferences
	if prefs.NotifyWhatsApp && prefs.WhatsAppNumber == "" {
		prefs.WhatsAppNumber = phone
	}
	if prefs.WhatsAppNumber != "" {
		prefs.WhatsAppNumber = utils.NormalizePhone(prefs.WhatsAppNumber)
	}

	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	stored, err := s.store.CreateOrReplace(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("persist call record: %w", err)
	}
	log.Info("Call record stored",
		logger.CallID(stored.CallID),
		zap.Bool("has_summary", stored.Summary != ""),
		zap.Bool("notify_email", prefs.NotifyEmail),
		zap.Bool("notify_whatsapp", prefs.NotifyWhatsApp),
	)
	return stored, nil
}

// callParties prefers the metadata recorded when the call was placed and
// falls back to the conversation's dynamic variables.
func (s *Service) callParties(ctx context.Context, data TranscriptionData, log *zap.Logger) (string, string) {
	name := data.DynamicVariable("client_name")
	phone := data.DynamicVariable("phone_number")

	if s.index != nil {
		meta, ok, err := s.index.ByConversation(ctx, data.ConversationID)
		switch {
		case err != nil:
			log.Warn("Call metadata lookup failed", zap.Error(err))
		case ok:
			if meta.ClientName != "" {
				name = meta.ClientName
			}
			if meta.PhoneNumber != "" {
				phone = meta.PhoneNumber
			}
		default:
			log.Debug("No call metadata for conversation")
		}
	}

	if name == "" {
		name = unknownClient
	}
	if phone != "" {
		phone = utils.NormalizePhone(phone)
	}
	return name, phone
}

func (s *Service) dispatchAsync(rec *records.CallRecord) {
	if s.dispatcher == nil {
		return
	}
	prefs := rec.NotificationPreferences
	if !prefs.Wants(records.ChannelEmail) && !prefs.Wants(records.ChannelWhatsApp) {
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DispatchTimeout)
		defer cancel()
		if _, err := s.dispatcher.Dispatch(ctx, rec); err != nil {
			s.logger.Error("Notification dispatch failed", logger.CallID(rec.CallID), zap.Error(err))
		}
	}()
}

// Redispatch re-runs notification dispatch for a stored record, retrying
// failed channels. Channels already delivered or in flight are skipped.
func (s *Service) Redispatch(ctx context.Context, callID string) (notify.Result, error) {
	if s.dispatcher == nil {
		return notify.Result{}, fmt.Errorf("notifications are not configured")
	}
	rec, err := s.store.Get(ctx, callID)
	if err != nil {
		return notify.Result{}, err
	}
	return s.dispatcher.Retry(ctx, rec)
}

// Wait blocks until background dispatches finish or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var (
	confirmWord    = regexp.MustCompile(`(?i)\bconfirm\b`)
	rescheduleWord = regexp.MustCompile(`(?i)\breschedule\b`)
	dateToken      = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
)

// HandleInboundReply applies a CONFIRM or RESCHEDULE reply to the latest
// record for the sender and returns the acknowledgement text. It never
// creates records.
func (s *Service) HandleInboundReply(ctx context.Context, from, body string) (string, error) {
	phone := utils.NormalizePhone(utils.StripWhatsAppPrefix(from))
	log := s.logger.With(logger.MaskPhone("from", phone))

	confirm := confirmWord.MatchString(body)
	reschedule := rescheduleWord.MatchString(body)
	if confirm == reschedule {
		return ReplyPrompt, nil
	}

	rec, err := s.store.FindLatestByPhone(ctx, phone)
	if errors.Is(err, records.ErrNotFound) {
		log.Info("Reply from unknown number")
		return ReplyUnknownPhone, nil
	}
	if err != nil {
		return "", fmt.Errorf("find record for reply: %w", err)
	}

	if confirm {
		if _, err := s.store.Update(ctx, rec.CallID, func(r *records.CallRecord) error {
			r.ConversionStatus = true
			return nil
		}); err != nil {
			return "", fmt.Errorf("confirm call %s: %w", rec.CallID, err)
		}
		log.Info("Appointment confirmed", logger.CallID(rec.CallID))
		return ReplyConfirmed, nil
	}

	date := ""
	if token := dateToken.FindString(body); token != "" {
		if _, err := records.ParseDate(token); err == nil {
			date = token
		}
	}
	if _, err := s.store.Update(ctx, rec.CallID, func(r *records.CallRecord) error {
		r.FollowUpDate = date
		return nil
	}); err != nil {
		return "", fmt.Errorf("reschedule call %s: %w", rec.CallID, err)
	}
	log.Info("Follow-up rescheduled", logger.CallID(rec.CallID), zap.String("follow_up_date", date))
	if date == "" {
		return ReplyReschedule, nil
	}
	return fmt.Sprintf(ReplyRescheduled, date), nil
}
