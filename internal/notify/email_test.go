package notify

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/troikatech/callbridge/internal/records"
)

func TestBuildMessage(t *testing.T) {
	msg, err := buildMessage("calls@example.com", "Call Assistant", EmailMessage{
		To:          "jane@example.com",
		ToName:      "Jane",
		Subject:     "Your Call Summary - Jane",
		Text:        "Hello Jane",
		HTML:        "<p>Hello Jane</p>",
		Attachments: []Attachment{{Name: "Call_Summary.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.3")}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.GetMessageID())

	var buf bytes.Buffer
	_, err = msg.WriteTo(&buf)
	require.NoError(t, err)
	raw := buf.String()
	assert.Contains(t, raw, "Subject: Your Call Summary - Jane")
	assert.Contains(t, raw, "jane@example.com")
	assert.Contains(t, raw, "Call_Summary.pdf")
	assert.Contains(t, raw, "text/html")
}

func TestBuildMessageRejectsBadRecipient(t *testing.T) {
	_, err := buildMessage("calls@example.com", "", EmailMessage{To: "not an address", Subject: "x", Text: "x"})
	assert.Error(t, err)
}

func TestEmailHTMLEscapesSummary(t *testing.T) {
	html, err := emailHTML(content{ClientName: "Jane", Summary: "<script>alert(1)</script>", FollowUpDate: "2025-03-14"})
	require.NoError(t, err)
	assert.NotContains(t, html, "<script>")
	assert.Contains(t, html, "2025-03-14")
}

func TestRenderSummaryPDF(t *testing.T) {
	data, err := RenderSummaryPDF(&records.CallRecord{
		CallID:     "conv_1",
		ClientName: "José",
		Summary:    "Wants a callback next week.",
		Insights:   records.Insights{Topics: []string{"pricing"}, DurationSec: 125},
	})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF-")))
}
