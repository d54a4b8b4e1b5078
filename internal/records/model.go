package records

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DateLayout is the wire and storage format of follow-up dates.
const DateLayout = "2006-01-02"

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
)

func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelWhatsApp
}

// Per-channel delivery status. A channel moves "" -> sending -> sent|failed;
// failed may be claimed again by an operator re-dispatch, sent is final.
const (
	DeliveryPending = ""
	DeliverySending = "sending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
)

// ClaimScope selects which delivery states a claim may take over.
type ClaimScope int

const (
	// ClaimFirstAttempt only claims channels that were never attempted.
	ClaimFirstAttempt ClaimScope = iota
	// ClaimRetry also claims channels whose last attempt failed.
	ClaimRetry
)

func (s ClaimScope) allows(status string) bool {
	switch status {
	case DeliveryPending:
		return true
	case DeliveryFailed:
		return s == ClaimRetry
	}
	return false
}

type TranscriptTurn struct {
	Role    string `json:"role" bson:"role"`
	Message string `json:"message" bson:"message"`
}

type Insights struct {
	Topics      []string `json:"topics" bson:"topics"`
	DurationSec int      `json:"duration_sec" bson:"duration_sec"`
	Sentiment   string   `json:"sentiment,omitempty" bson:"sentiment,omitempty"`
}

type NotificationPreferences struct {
	NotifyEmail    bool   `json:"notify_email" bson:"notify_email"`
	NotifyWhatsApp bool   `json:"notify_whatsapp" bson:"notify_whatsapp"`
	EmailAddress   string `json:"email_address,omitempty" bson:"email_address,omitempty"`
	WhatsAppNumber string `json:"whatsapp_number,omitempty" bson:"whatsapp_number,omitempty"`

	EmailSent    bool `json:"email_sent" bson:"email_sent"`
	WhatsAppSent bool `json:"whatsapp_sent" bson:"whatsapp_sent"`

	EmailStatus         string `json:"email_status,omitempty" bson:"email_status"`
	WhatsAppStatus      string `json:"whatsapp_status,omitempty" bson:"whatsapp_status"`
	EmailError          string `json:"email_error,omitempty" bson:"email_error,omitempty"`
	WhatsAppError       string `json:"whatsapp_error,omitempty" bson:"whatsapp_error,omitempty"`
	EmailProviderRef    string `json:"email_provider_ref,omitempty" bson:"email_provider_ref,omitempty"`
	WhatsAppProviderRef string `json:"whatsapp_provider_ref,omitempty" bson:"whatsapp_provider_ref,omitempty"`
}

// Wants reports whether a send on channel is requested and not yet delivered.
func (p NotificationPreferences) Wants(ch Channel) bool {
	switch ch {
	case ChannelEmail:
		return p.NotifyEmail && !p.EmailSent
	case ChannelWhatsApp:
		return p.NotifyWhatsApp && !p.WhatsAppSent
	}
	return false
}

// Target is the address a channel sends to.
func (p NotificationPreferences) Target(ch Channel) string {
	if ch == ChannelEmail {
		return p.EmailAddress
	}
	return p.WhatsAppNumber
}

func (p NotificationPreferences) Status(ch Channel) string {
	if ch == ChannelEmail {
		return p.EmailStatus
	}
	return p.WhatsAppStatus
}

func (p NotificationPreferences) Sent(ch Channel) bool {
	if ch == ChannelEmail {
		return p.EmailSent
	}
	return p.WhatsAppSent
}

func (p *NotificationPreferences) markSending(ch Channel) {
	if ch == ChannelEmail {
		p.EmailStatus = DeliverySending
		return
	}
	p.WhatsAppStatus = DeliverySending
}

func (p *NotificationPreferences) markSent(ch Channel, ref string) {
	if ch == ChannelEmail {
		p.EmailSent, p.EmailStatus, p.EmailProviderRef, p.EmailError = true, DeliverySent, ref, ""
		return
	}
	p.WhatsAppSent, p.WhatsAppStatus, p.WhatsAppProviderRef, p.WhatsAppError = true, DeliverySent, ref, ""
}

func (p *NotificationPreferences) markFailed(ch Channel, reason string) {
	if ch == ChannelEmail {
		p.EmailStatus, p.EmailError = DeliveryFailed, reason
		return
	}
	p.WhatsAppStatus, p.WhatsAppError = DeliveryFailed, reason
}

// CallRecord is created once per completed call. Only the notification
// delivery state, conversion_status and follow_up_date change afterwards.
type CallRecord struct {
	CallID                  string                  `json:"call_id" bson:"call_id"`
	ClientName              string                  `json:"client_name" bson:"client_name"`
	PhoneNumber             string                  `json:"phone_number" bson:"phone_number"`
	Transcript              string                  `json:"transcript" bson:"transcript"`
	Insights                Insights                `json:"insights" bson:"insights"`
	Summary                 string                  `json:"summary,omitempty" bson:"summary,omitempty"`
	FollowUpDate            string                  `json:"follow_up_date,omitempty" bson:"follow_up_date,omitempty"`
	ConversionStatus        bool                    `json:"conversion_status" bson:"conversion_status"`
	NotificationPreferences NotificationPreferences `json:"notification_preferences" bson:"notification_preferences"`
	Timestamp               time.Time               `json:"timestamp" bson:"timestamp"`
	CreatedAt               time.Time               `json:"created_at" bson:"created_at"`
	UpdatedAt               time.Time               `json:"updated_at" bson:"updated_at"`
	Version                 int64                   `json:"-" bson:"version"`
}

// Validate checks the invariants a record must hold before it is stored.
func (r *CallRecord) Validate() error {
	if strings.TrimSpace(r.CallID) == "" {
		return fmt.Errorf("call_id is required")
	}
	if r.Insights.DurationSec < 0 {
		return fmt.Errorf("insights.duration_sec must be >= 0")
	}
	if r.FollowUpDate != "" {
		if _, err := ParseDate(r.FollowUpDate); err != nil {
			return fmt.Errorf("follow_up_date: %w", err)
		}
	}
	return nil
}

// Clone returns a deep copy so callers never share slices with the store.
func (r *CallRecord) Clone() *CallRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Insights.Topics = append([]string(nil), r.Insights.Topics...)
	return &out
}

// NormalizeTopics trims, de-duplicates and sorts topics so they behave as a set.
func NormalizeTopics(topics []string) []string {
	seen := make(map[string]struct{}, len(topics))
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func ParseDate(value string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", value)
	}
	return t, nil
}

type Page struct {
	Records  []*CallRecord `json:"calls"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
	Total    int64         `json:"total"`
}

type Summary struct {
	Total          int64   `json:"total_calls"`
	Conversions    int64   `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
}

// NewSummary computes the conversion rate rounded to four decimals.
func NewSummary(total, conversions int64) Summary {
	s := Summary{Total: total, Conversions: conversions}
	if total > 0 {
		rate := float64(conversions) / float64(total)
		s.ConversionRate = float64(int64(rate*10000+0.5)) / 10000
	}
	return s
}
