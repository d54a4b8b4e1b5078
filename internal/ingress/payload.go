package ingress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/troikatech/callbridge/internal/records"
)

// Post-call event types.
const (
	TypeTranscription     = "post_call_transcription"
	TypeAudio             = "post_call_audio"
	TypeInitiationFailure = "call_initiation_failure"
)

// Event is one decoded webhook payload. It is either a *Transcription or an
// *Acknowledgement.
type Event interface {
	EventType() string
	Conversation() string
}

type Transcription struct {
	Timestamp time.Time
	Data      TranscriptionData
}

func (t *Transcription) EventType() string    { return TypeTranscription }
func (t *Transcription) Conversation() string { return t.Data.ConversationID }

// Acknowledgement is an event that is accepted but not processed.
type Acknowledgement struct {
	Type           string
	ConversationID string
}

func (a *Acknowledgement) EventType() string    { return a.Type }
func (a *Acknowledgement) Conversation() string { return a.ConversationID }

type envelope struct {
	Type           string          `json:"type"`
	EventTimestamp int64           `json:"event_timestamp"`
	Data           json.RawMessage `json:"data"`
}

type TranscriptionData struct {
	ConversationID string                    `json:"conversation_id"`
	AgentID        string                    `json:"agent_id,omitempty"`
	Transcript     *[]records.TranscriptTurn `json:"transcript"`
	Metadata       struct {
		CallDurationSecs int `json:"call_duration_secs"`
	} `json:"metadata"`
	Analysis *struct {
		CallSuccessful   string `json:"call_successful"`
		CallSummaryTitle string `json:"call_summary_title"`
	} `json:"analysis,omitempty"`
	InitiationData *struct {
		DynamicVariables map[string]any `json:"dynamic_variables"`
	} `json:"conversation_initiation_client_data,omitempty"`
	NotificationPreferences *PreferenceOverrides `json:"notification_preferences,omitempty"`
}

// PreferenceOverrides are client-supplied notification settings. Each field
// that is present replaces the analyzer-derived value.
type PreferenceOverrides struct {
	NotifyEmail    *bool   `json:"notify_email,omitempty"`
	NotifyWhatsApp *bool   `json:"notify_whatsapp,omitempty"`
	EmailAddress   *string `json:"email_address,omitempty"`
	WhatsAppNumber *string `json:"whatsapp_number,omitempty"`
}

// ParseEvent decodes a post-call webhook body. Every error wraps
// ErrMalformedPayload.
func ParseEvent(body []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	switch env.Type {
	case TypeTranscription:
		if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
			return nil, fmt.Errorf("%w: data is required", ErrMalformedPayload)
		}
		var data TranscriptionData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: data: %v", ErrMalformedPayload, err)
		}
		if strings.TrimSpace(data.ConversationID) == "" {
			return nil, fmt.Errorf("%w: data.conversation_id is required", ErrMalformedPayload)
		}
		if data.Transcript == nil {
			return nil, fmt.Errorf("%w: data.transcript is required", ErrMalformedPayload)
		}
		if data.Metadata.CallDurationSecs < 0 {
			return nil, fmt.Errorf("%w: data.metadata.call_duration_secs must be >= 0", ErrMalformedPayload)
		}
		ts := time.Now().UTC()
		if env.EventTimestamp > 0 {
			ts = time.Unix(env.EventTimestamp, 0).UTC()
		}
		return &Transcription{Timestamp: ts, Data: data}, nil

	case TypeAudio, TypeInitiationFailure:
		var data struct {
			ConversationID string `json:"conversation_id"`
		}
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &data); err != nil {
				return nil, fmt.Errorf("%w: data: %v", ErrMalformedPayload, err)
			}
		}
		return &Acknowledgement{Type: env.Type, ConversationID: data.ConversationID}, nil

	case "":
		return nil, fmt.Errorf("%w: type is required", ErrMalformedPayload)
	}
	return nil, fmt.Errorf("%w: unknown event type %q", ErrMalformedPayload, env.Type)
}

// TranscriptText renders one "Role: message" line per turn.
func (d TranscriptionData) TranscriptText() string {
	if d.Transcript == nil {
		return ""
	}
	var b strings.Builder
	for _, turn := range *d.Transcript {
		msg := strings.TrimSpace(turn.Message)
		if msg == "" {
			continue
		}
		role := strings.ToLower(strings.TrimSpace(turn.Role))
		if role != "" {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(msg)
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}

// DynamicVariable returns a string dynamic variable from the initiation data.
func (d TranscriptionData) DynamicVariable(name string) string {
	if d.InitiationData == nil {
		return ""
	}
	if v, ok := d.InitiationData.DynamicVariables[name].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// Sentiment and conversion come from the provider's own call evaluation.
func (d TranscriptionData) outcome() (sentiment string, converted bool) {
	if d.Analysis == nil {
		return "", false
	}
	switch d.Analysis.CallSuccessful {
	case "success":
		return "positive", true
	case "failure":
		return "negative", false
	}
	return "neutral", false
}

func (d TranscriptionData) topics() []string {
	if d.Analysis == nil {
		return nil
	}
	return records.NormalizeTopics([]string{d.Analysis.CallSummaryTitle})
}

func (o *PreferenceOverrides) apply(p *records.NotificationPreferences) {
	if o == nil {
		return
	}
	if o.NotifyEmail != nil {
		p.NotifyEmail = *o.NotifyEmail
	}
	if o.NotifyWhatsApp != nil {
		p.NotifyWhatsApp = *o.NotifyWhatsApp
	}
	if o.EmailAddress != nil {
		p.EmailAddress = strings.TrimSpace(*o.EmailAddress)
	}
	if o.WhatsAppNumber != nil {
		p.WhatsAppNumber = strings.TrimSpace(*o.WhatsAppNumber)
	}
}
