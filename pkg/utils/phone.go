package utils

import (
	"regexp"
	"strings"
)

var (
	e164Regex      = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)
	maskRegex      = regexp.MustCompile(`^(\+)(\d{1,3})(\d{3})(\d+)$`)
	phoneCharRegex = regexp.MustCompile(`[^\d+]`)
)

const whatsAppPrefix = "whatsapp:"

// MaskPhoneNumber masks a phone number for logging
// Example: +15551234567 -> +1555••••4567
func MaskPhoneNumber(phone string) string {
	if phone == "" {
		return ""
	}

	phone = strings.TrimSpace(StripWhatsAppPrefix(phone))

	matches := maskRegex.FindStringSubmatch(phone)
	if len(matches) == 5 {
		countryCode := matches[2]
		first3 := matches[3]
		lastDigits := matches[4]

		if len(lastDigits) >= 4 {
			last4 := lastDigits[len(lastDigits)-4:]
			masked := strings.Repeat("•", len(lastDigits)-4)
			return "+" + countryCode + first3 + masked + last4
		}
	}

	// Fallback: mask all but last 4 characters
	if len(phone) > 4 {
		masked := strings.Repeat("•", len(phone)-4)
		return masked + phone[len(phone)-4:]
	}

	return strings.Repeat("•", len(phone))
}

// MaskEmail keeps the first character of the local part and the domain.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return strings.Repeat("•", len(email))
	}
	return email[:1] + strings.Repeat("•", at-1) + email[at:]
}

// ValidateE164 validates E.164 phone number format
func ValidateE164(phone string) bool {
	return e164Regex.MatchString(phone)
}

// NormalizePhone keeps digits and '+', prefixing '+' when a bare number
// carries at least ten digits.
func NormalizePhone(phone string) string {
	cleaned := phoneCharRegex.ReplaceAllString(StripWhatsAppPrefix(strings.TrimSpace(phone)), "")
	if cleaned == "" {
		return ""
	}

	// Only a leading '+' is meaningful.
	plus := strings.HasPrefix(cleaned, "+")
	digits := strings.ReplaceAll(cleaned, "+", "")
	if plus || len(digits) >= 10 {
		return "+" + digits
	}
	return digits
}

// StripWhatsAppPrefix removes the "whatsapp:" channel prefix Twilio puts on addresses.
func StripWhatsAppPrefix(address string) string {
	if strings.HasPrefix(strings.ToLower(address), whatsAppPrefix) {
		return address[len(whatsAppPrefix):]
	}
	return address
}

// WhatsAppAddress formats a number as a Twilio WhatsApp address.
func WhatsAppAddress(phone string) string {
	return whatsAppPrefix + StripWhatsAppPrefix(phone)
}
