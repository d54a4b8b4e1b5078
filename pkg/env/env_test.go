package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WEBHOOK_TOLERANCE", "")
	t.Setenv("SESSION_GRACE_PERIOD", "250ms")
	t.Setenv("PUBLIC_BASE_URL", "https://calls.example.com/")

	cfg, err := Load("does-not-exist.env")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.WebhookTolerance)
	assert.Equal(t, 250*time.Millisecond, cfg.SessionGracePeriod)
	assert.Equal(t, "gemini-2.5-flash", cfg.GeminiModel)
	assert.Equal(t, "https://calls.example.com", cfg.PublicBaseURL)
	assert.Equal(t, "wss://calls.example.com/outbound-media-stream", cfg.MediaStreamURL())
}

func TestValidate(t *testing.T) {
	valid := Config{
		AppEnv:                      "development",
		StoreDriver:                 "memory",
		ElevenLabsAPIKey:            "key",
		ElevenLabsAgentID:           "agent",
		TwilioAccountSID:            "AC123",
		TwilioAuthToken:             "token",
		PublicBaseURL:               "https://calls.example.com",
		SessionMaxConsecutiveErrors: 3,
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing agent", mutate: func(c *Config) { c.ElevenLabsAgentID = "" }, wantErr: "ELEVENLABS_AGENT_ID"},
		{name: "production needs webhook secret", mutate: func(c *Config) { c.AppEnv = "production" }, wantErr: "ELEVENLABS_WEBHOOK_SECRET"},
		{name: "unknown store driver", mutate: func(c *Config) { c.StoreDriver = "sqlite" }, wantErr: "STORE_DRIVER"},
		{name: "error threshold", mutate: func(c *Config) { c.SessionMaxConsecutiveErrors = 0 }, wantErr: "SESSION_MAX_CONSECUTIVE_ERRORS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
