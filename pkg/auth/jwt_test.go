package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParse(t *testing.T) {
	token, expiresAt, err := GenerateAccessToken("ops-1", "ops@example.com", RoleAdmin, "secret", "callbridge", "dashboard", time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)

	claims, err := ParseToken(token, "secret", "callbridge", "dashboard")
	require.NoError(t, err)
	assert.Equal(t, "ops-1", claims.Subject)
	assert.Equal(t, RoleAdmin, claims.Role)
}

func TestParseRejects(t *testing.T) {
	token, _, err := GenerateAccessToken("ops-1", "ops@example.com", RoleOperator, "secret", "callbridge", "dashboard", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name     string
		secret   string
		issuer   string
		audience string
	}{
		{"wrong secret", "other", "callbridge", "dashboard"},
		{"wrong issuer", "secret", "someone-else", "dashboard"},
		{"wrong audience", "secret", "callbridge", "public"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseToken(token, tt.secret, tt.issuer, tt.audience)
			assert.Error(t, err)
		})
	}

	_, _, err = GenerateAccessToken("ops-1", "", RoleOperator, "", "callbridge", "dashboard", time.Hour)
	assert.Error(t, err)
}
