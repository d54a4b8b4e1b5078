// Package notify delivers the post-call summary over e-mail and WhatsApp
// with an at-most-once guarantee per record and channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/troikatech/callbridge/internal/records"
	"github.com/troikatech/callbridge/pkg/logger"
	"github.com/troikatech/callbridge/pkg/metrics"
	"go.uber.org/zap"
)

// Attempt statuses.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// ErrAttachmentTooLarge fails an e-mail attempt whose attachment exceeds the limit.
var ErrAttachmentTooLarge = errors.New("attachment exceeds size limit")

// WhatsAppSender returns the provider message id once the message was accepted.
type WhatsAppSender interface {
	SendWhatsApp(ctx context.Context, to, body, mediaURL string) (string, error)
}

// Attempt is the outcome of one channel send.
type Attempt struct {
	Channel     records.Channel `json:"channel"`
	Target      string          `json:"target"`
	Status      string          `json:"status"`
	ProviderRef string          `json:"provider_ref,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type Result struct {
	Preferences records.NotificationPreferences `json:"notification_preferences"`
	Attempts    []Attempt                       `json:"attempts"`
}

type Config struct {
	SendTimeout time.Duration
	// PublicBaseURL prefixes document links in WhatsApp messages.
	PublicBaseURL      string
	BrochurePath       string
	MaxAttachmentBytes int64
}

type Dispatcher struct {
	store    records.Store
	email    EmailSender
	whatsapp WhatsAppSender
	cfg      Config
	logger   *zap.Logger
}

// NewDispatcher builds a dispatcher. A nil sender makes every attempt on
// that channel fail with "channel not configured".
func NewDispatcher(store records.Store, email EmailSender, whatsapp WhatsAppSender, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 20 * time.Second
	}
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = 20 << 20
	}
	return &Dispatcher{store: store, email: email, whatsapp: whatsapp, cfg: cfg, logger: logger}
}

// Dispatch sends every requested channel of rec that was never attempted,
// in parallel, and returns the persisted preferences afterwards. A channel is
// claimed in the store before its send, so concurrent or repeated dispatches
// never send twice. Failed sends are recorded, not retried.
func (d *Dispatcher) Dispatch(ctx context.Context, rec *records.CallRecord) (Result, error) {
	return d.dispatch(ctx, rec, records.ClaimFirstAttempt)
}

// Retry is Dispatch for an operator: channels whose last attempt failed are
// sent again as well.
func (d *Dispatcher) Retry(ctx context.Context, rec *records.CallRecord) (Result, error) {
	return d.dispatch(ctx, rec, records.ClaimRetry)
}

func (d *Dispatcher) dispatch(ctx context.Context, rec *records.CallRecord, scope records.ClaimScope) (Result, error) {
	channels := []records.Channel{records.ChannelEmail, records.ChannelWhatsApp}
	attempts := make([]*Attempt, len(channels))

	var wg sync.WaitGroup
	for i, ch := range channels {
		if !rec.NotificationPreferences.Wants(ch) {
			continue
		}
		wg.Add(1)
		go func(i int, ch records.Channel) {
			defer wg.Done()
			attempts[i] = d.dispatchChannel(ctx, rec, ch, scope)
		}(i, ch)
	}
	wg.Wait()

	result := Result{Attempts: []Attempt{}}
	for _, a := range attempts {
		if a != nil {
			result.Attempts = append(result.Attempts, *a)
		}
	}

	latest, err := d.store.Get(ctx, rec.CallID)
	if err != nil {
		return result, fmt.Errorf("reload record after dispatch: %w", err)
	}
	result.Preferences = latest.NotificationPreferences
	return result, nil
}

func (d *Dispatcher) dispatchChannel(ctx context.Context, rec *records.CallRecord, ch records.Channel, scope records.ClaimScope) *Attempt {
	log := d.logger.With(logger.CallID(rec.CallID), logger.Channel(string(ch)))

	claimed, err := d.store.ClaimNotification(ctx, rec.CallID, ch, scope)
	if err != nil {
		log.Error("Failed to claim notification", zap.Error(err))
		return nil
	}
	if !claimed {
		log.Debug("Notification already attempted or in flight")
		return nil
	}

	target := rec.NotificationPreferences.Target(ch)
	attempt := &Attempt{Channel: ch, Target: target}

	var ref string
	switch {
	case target == "":
		err = fmt.Errorf("missing %s", missingWhat(ch))
	default:
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		ref, err = d.send(sendCtx, rec, ch, target)
		cancel()
	}

	if err != nil {
		attempt.Status, attempt.Error = StatusFailed, err.Error()
		metrics.NotificationAttempt(string(ch), StatusFailed)
		log.Warn("Notification failed", zap.Error(err))
		if ferr := d.store.FailNotification(context.WithoutCancel(ctx), rec.CallID, ch, err.Error()); ferr != nil {
			log.Error("Failed to record notification failure", zap.Error(ferr))
		}
		return attempt
	}

	attempt.Status, attempt.ProviderRef = StatusSent, ref
	metrics.NotificationAttempt(string(ch), StatusSent)
	// The provider accepted the message. If this write is lost the channel
	// stays in "sending" and is never picked up again: an under-count, not a
	// second send.
	if cerr := d.store.CompleteNotification(context.WithoutCancel(ctx), rec.CallID, ch, ref); cerr != nil {
		log.Error("Notification sent but delivery flag not persisted", zap.String("provider_ref", ref), zap.Error(cerr))
	}
	log.Info("Notification sent", zap.String("provider_ref", ref))
	return attempt
}

func missingWhat(ch records.Channel) string {
	if ch == records.ChannelEmail {
		return "email address"
	}
	return "whatsapp number"
}

func (d *Dispatcher) send(ctx context.Context, rec *records.CallRecord, ch records.Channel, target string) (string, error) {
	switch ch {
	case records.ChannelEmail:
		return d.sendEmail(ctx, rec, target)
	case records.ChannelWhatsApp:
		return d.sendWhatsApp(ctx, rec, target)
	}
	return "", fmt.Errorf("unknown channel %q", ch)
}

func (d *Dispatcher) sendEmail(ctx context.Context, rec *records.CallRecord, to string) (string, error) {
	if d.email == nil {
		return "", fmt.Errorf("email channel not configured")
	}
	c := contentFor(rec, "")
	html, err := emailHTML(c)
	if err != nil {
		return "", err
	}
	attachments, err := d.emailAttachments(rec)
	if err != nil {
		return "", err
	}
	return d.email.SendEmail(ctx, EmailMessage{
		To:          to,
		ToName:      rec.ClientName,
		Subject:     emailSubject(c),
		Text:        emailText(c),
		HTML:        html,
		Attachments: attachments,
	})
}

func (d *Dispatcher) emailAttachments(rec *records.CallRecord) ([]Attachment, error) {
	summary, err := RenderSummaryPDF(rec)
	if err != nil {
		return nil, err
	}
	out := []Attachment{{Name: "Call_Summary.pdf", ContentType: "application/pdf", Data: summary}}

	if d.cfg.BrochurePath != "" {
		data, err := os.ReadFile(d.cfg.BrochurePath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			d.logger.Warn("Brochure file not found, sending without it", zap.String("path", d.cfg.BrochurePath))
		case err != nil:
			return nil, fmt.Errorf("read brochure: %w", err)
		default:
			out = append(out, Attachment{Name: filepath.Base(d.cfg.BrochurePath), ContentType: "application/pdf", Data: data})
		}
	}

	for _, a := range out {
		if int64(len(a.Data)) > d.cfg.MaxAttachmentBytes {
			return nil, fmt.Errorf("%w: %s is %d bytes", ErrAttachmentTooLarge, a.Name, len(a.Data))
		}
	}
	return out, nil
}

func (d *Dispatcher) sendWhatsApp(ctx context.Context, rec *records.CallRecord, to string) (string, error) {
	if d.whatsapp == nil {
		return "", fmt.Errorf("whatsapp channel not configured")
	}
	c := contentFor(rec, d.documentURL(rec))
	sid, err := d.whatsapp.SendWhatsApp(ctx, to, whatsAppBody(c), c.DocumentURL)
	if err != nil {
		return "", err
	}
	if c.FollowUpDate != "" {
		if _, err := d.whatsapp.SendWhatsApp(ctx, to, followUpPrompt(c), ""); err != nil {
			d.logger.Warn("Follow-up prompt not sent", logger.CallID(rec.CallID), zap.Error(err))
		}
	}
	return sid, nil
}

// documentURL links the brochure when one is configured, else the per-call summary.
func (d *Dispatcher) documentURL(rec *records.CallRecord) string {
	if d.cfg.PublicBaseURL == "" {
		return ""
	}
	if d.cfg.BrochurePath != "" {
		if _, err := os.Stat(d.cfg.BrochurePath); err == nil {
			return d.cfg.PublicBaseURL + "/static/brochure.pdf"
		}
	}
	return d.cfg.PublicBaseURL + "/static/calls/" + url.PathEscape(rec.CallID) + "/summary.pdf"
}
