package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/troikatech/callbridge/internal/records"
)

// content is the fixed payload every channel carries.
type content struct {
	CallID       string
	ClientName   string
	Summary      string
	FollowUpDate string
	DocumentURL  string
}

func contentFor(rec *records.CallRecord, documentURL string) content {
	c := content{
		CallID:       rec.CallID,
		ClientName:   rec.ClientName,
		Summary:      strings.TrimSpace(rec.Summary),
		FollowUpDate: rec.FollowUpDate,
		DocumentURL:  documentURL,
	}
	if c.ClientName == "" {
		c.ClientName = "there"
	}
	if c.Summary == "" {
		c.Summary = "Thank you for taking our call. A member of our team will be in touch."
	}
	return c
}

func emailSubject(c content) string {
	return "Your Call Summary - " + c.ClientName
}

func emailText(c content) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", c.ClientName)
	b.WriteString("Thank you for your recent call. Here's a summary of our conversation:\n\n")
	b.WriteString("CALL SUMMARY:\n")
	b.WriteString(c.Summary)
	b.WriteString("\n")
	if c.FollowUpDate != "" {
		fmt.Fprintf(&b, "\nSCHEDULED FOLLOW-UP: %s\n", c.FollowUpDate)
	}
	b.WriteString("\nThe call summary and our brochure are attached.\n")
	b.WriteString("\nThis is an automated message. If you have any questions, please call us back.\n")
	return b.String()
}

var emailHTMLTemplate = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1.0"></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
  <div style="background: #667eea; padding: 24px; border-radius: 10px 10px 0 0;">
    <h1 style="color: white; margin: 0; font-size: 22px;">Your Call Summary</h1>
  </div>
  <div style="background: #f9f9f9; padding: 24px; border: 1px solid #eee; border-top: none; border-radius: 0 0 10px 10px;">
    <p>Hello {{.ClientName}},</p>
    <p>Thank you for your recent call. Here's a summary of our conversation:</p>
    <div style="background: white; padding: 16px; border-left: 4px solid #667eea; margin: 16px 0;">
      <p>{{.Summary}}</p>
    </div>
    {{- if .FollowUpDate}}
    <div style="background: #e8f4fd; padding: 12px; border-radius: 8px;">
      <strong>Scheduled follow-up:</strong> {{.FollowUpDate}}
    </div>
    {{- end}}
    <p style="color: #888; font-size: 12px; margin-top: 24px;">The call summary and our brochure are attached. This is an automated message.</p>
  </div>
</body>
</html>`))

func emailHTML(c content) (string, error) {
	var buf bytes.Buffer
	if err := emailHTMLTemplate.Execute(&buf, c); err != nil {
		return "", fmt.Errorf("render email html: %w", err)
	}
	return buf.String(), nil
}

func whatsAppBody(c content) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Call Summary for %s*\n\n", c.ClientName)
	fmt.Fprintf(&b, "Hello %s! Thank you for your recent call. Here's a summary of our conversation:\n\n", c.ClientName)
	b.WriteString(c.Summary)
	if c.FollowUpDate != "" {
		fmt.Fprintf(&b, "\n\n*Scheduled Follow-up:* %s", c.FollowUpDate)
	}
	b.WriteString("\n\n---\n_This is an automated message._")
	return b.String()
}

func followUpPrompt(c content) string {
	return fmt.Sprintf("Would you like to confirm or reschedule your follow-up on %s?\n\n"+
		"Reply with:\n*CONFIRM* to confirm the appointment\n*RESCHEDULE YYYY-MM-DD* to request a different date\n\n"+
		"Reference: %s", c.FollowUpDate, c.CallID)
}
