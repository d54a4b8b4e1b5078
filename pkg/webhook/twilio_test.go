package webhook

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTwilioValidatorDisabled(t *testing.T) {
	v := NewTwilioValidator("", true)
	assert.False(t, v.Enabled())
	assert.True(t, v.Validate("https://calls.example.com/webhook/whatsapp_response", url.Values{}, ""))
}

func TestTwilioValidatorRejectsMissingSignature(t *testing.T) {
	v := NewTwilioValidator("auth-token", true)
	form := url.Values{"From": {"whatsapp:+15551234567"}, "Body": {"CONFIRM"}}
	assert.False(t, v.Validate("https://calls.example.com/webhook/whatsapp_response", form, ""))
	assert.False(t, v.Validate("https://calls.example.com/webhook/whatsapp_response", form, "bogus"))
}
