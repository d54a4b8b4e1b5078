package analysis

import (
	"fmt"
	"time"
)

func buildPrompt(transcript string, today time.Time) string {
	return fmt.Sprintf(`Analyze the following call transcript and extract:

1. summary: a concise summary (2-3 sentences max) of the key points discussed and the outcome.
2. follow_up_date: any follow-up date mentioned, as YYYY-MM-DD. Resolve relative dates ("tomorrow", "next week", "in 3 days") against today, %s. Empty if none.
3. notify_email: true if the caller asked to receive the call details by email ("email me the details", "send it to my email").
4. notify_whatsapp: true if the caller asked to receive the call details on WhatsApp ("message me on WhatsApp", "text me").
5. email_address: the email address the caller gave, or empty.
6. whatsapp_number: the WhatsApp number in E.164 format if the caller gave one different from the call number, or empty.

Respond with a single JSON object with exactly those keys.

Transcript:
%s`, today.Format("2006-01-02"), transcript)
}
