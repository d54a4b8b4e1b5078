package twilio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectStreamTwiML(t *testing.T) {
	doc, err := ConnectStreamTwiML("wss://calls.example.com/outbound-media-stream", map[string]string{
		"client_name":  "Jane",
		"phone_number": "+15551234567",
	})
	require.NoError(t, err)

	assert.Contains(t, doc, "<Connect>")
	assert.Contains(t, doc, `url="wss://calls.example.com/outbound-media-stream"`)
	assert.Contains(t, doc, `name="client_name"`)
	assert.Contains(t, doc, `value="+15551234567"`)
}

func TestMessageTwiML(t *testing.T) {
	doc, err := MessageTwiML("Thanks! Your appointment is confirmed.")
	require.NoError(t, err)
	assert.Contains(t, doc, "<Message>Thanks! Your appointment is confirmed.</Message>")
}
