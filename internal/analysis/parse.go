package analysis

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/troikatech/callbridge/internal/records"
	"github.com/troikatech/callbridge/pkg/utils"
)

type wireResult struct {
	Summary        string `json:"summary"`
	FollowUpDate   string `json:"follow_up_date"`
	NotifyEmail    bool   `json:"notify_email"`
	NotifyWhatsApp bool   `json:"notify_whatsapp"`
	EmailAddress   string `json:"email_address"`
	WhatsAppNumber string `json:"whatsapp_number"`
}

var (
	labelSummary  = regexp.MustCompile(`(?s)SUMMARY:\s*(.+?)(?:FOLLOW_UP_DATE:|$)`)
	labelDate     = regexp.MustCompile(`(?i)FOLLOW_UP_DATE:\s*(\d{4}-\d{2}-\d{2}|NONE)`)
	labelEmail    = regexp.MustCompile(`(?i)NOTIFY_EMAIL:\s*(YES|NO)`)
	labelWhatsApp = regexp.MustCompile(`(?i)NOTIFY_WHATSAPP:\s*(YES|NO)`)
	labelAddress  = regexp.MustCompile(`(?i)EMAIL_ADDRESS:\s*([^\n]+)`)
	labelNumber   = regexp.MustCompile(`(?i)WHATSAPP_NUMBER:\s*([^\n]+)`)
)

// parseResponse accepts the JSON object the model is asked for, optionally
// wrapped in a code fence, and falls back to the "LABEL: value" line format.
func parseResponse(raw string) (Result, error) {
	text := stripFence(strings.TrimSpace(raw))
	if text == "" {
		return Result{}, fmt.Errorf("empty response")
	}

	var w wireResult
	if strings.HasPrefix(text, "{") {
		if err := json.Unmarshal([]byte(text), &w); err != nil {
			return Result{}, fmt.Errorf("decode analysis json: %w", err)
		}
	} else {
		var ok bool
		if w, ok = parseLabelled(text); !ok {
			return Result{}, fmt.Errorf("response has neither json nor labelled fields")
		}
	}
	return w.clean(), nil
}

func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimPrefix(text, "json")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

func parseLabelled(text string) (wireResult, bool) {
	m := labelSummary.FindStringSubmatch(text)
	if m == nil {
		return wireResult{}, false
	}
	w := wireResult{Summary: strings.TrimSpace(m[1])}
	if m := labelDate.FindStringSubmatch(text); m != nil && !strings.EqualFold(m[1], "NONE") {
		w.FollowUpDate = m[1]
	}
	if m := labelEmail.FindStringSubmatch(text); m != nil {
		w.NotifyEmail = strings.EqualFold(m[1], "YES")
	}
	if m := labelWhatsApp.FindStringSubmatch(text); m != nil {
		w.NotifyWhatsApp = strings.EqualFold(m[1], "YES")
	}
	if m := labelAddress.FindStringSubmatch(text); m != nil {
		w.EmailAddress = m[1]
	}
	if m := labelNumber.FindStringSubmatch(text); m != nil {
		w.WhatsAppNumber = m[1]
	}
	return w, true
}

// clean drops values that do not hold up: invalid dates, addresses without
// an @, and numbers without digits.
func (w wireResult) clean() Result {
	r := Result{
		Summary:        strings.TrimSpace(w.Summary),
		NotifyEmail:    w.NotifyEmail,
		NotifyWhatsApp: w.NotifyWhatsApp,
	}
	if d := strings.TrimSpace(w.FollowUpDate); d != "" {
		if _, err := records.ParseDate(d); err == nil {
			r.FollowUpDate = d
		}
	}
	if addr := strings.TrimSpace(w.EmailAddress); addr != "" && !strings.EqualFold(addr, "NONE") && strings.Contains(addr, "@") {
		r.EmailAddress = strings.TrimRight(addr, ".,;:")
	}
	if num := strings.TrimSpace(w.WhatsAppNumber); num != "" && !strings.EqualFold(num, "NONE") {
		if n := utils.NormalizePhone(num); strings.TrimPrefix(n, "+") != "" {
			r.WhatsAppNumber = n
		}
	}
	return r
}
