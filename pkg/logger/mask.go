package logger

import (
	"github.com/troikatech/callbridge/pkg/utils"
	"go.uber.org/zap"
)

// MaskPhone creates a zap field that masks phone numbers
func MaskPhone(key, phone string) zap.Field {
	return zap.String(key, utils.MaskPhoneNumber(phone))
}

func MaskEmail(key, email string) zap.Field {
	return zap.String(key, utils.MaskEmail(email))
}
