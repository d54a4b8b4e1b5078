package webhook

import (
	"net/url"

	twilioclient "github.com/twilio/twilio-go/client"
)

// TwilioValidator checks the X-Twilio-Signature header on form webhooks.
type TwilioValidator struct {
	validator twilioclient.RequestValidator
	enabled   bool
}

func NewTwilioValidator(authToken string, enabled bool) *TwilioValidator {
	return &TwilioValidator{
		validator: twilioclient.NewRequestValidator(authToken),
		enabled:   enabled && authToken != "",
	}
}

func (v *TwilioValidator) Enabled() bool {
	return v.enabled
}

// Validate checks signature against the full public URL Twilio posted to.
func (v *TwilioValidator) Validate(fullURL string, form url.Values, signature string) bool {
	if !v.enabled {
		return true
	}
	if signature == "" {
		return false
	}

	params := make(map[string]string, len(form))
	for key := range form {
		params[key] = form.Get(key)
	}
	return v.validator.Validate(fullURL, params, signature)
}
