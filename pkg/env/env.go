package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv             string
	AppPort            string
	LogLevel           string
	CORSAllowedOrigins string
	// PublicBaseURL is the externally reachable https origin used for TwiML
	// callbacks, media stream URLs and document links.
	PublicBaseURL string

	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	APIRateLimitRPM int

	RedisURL string

	StoreDriver string
	MongoURI    string
	DBName      string

	// Conversational AI (ElevenLabs)
	ElevenLabsAPIKey        string
	ElevenLabsAgentID       string
	ElevenLabsBaseURL       string
	ElevenLabsWebhookSecret string
	WebhookTolerance        time.Duration
	DedupWindow             time.Duration
	AIInputAudioFormat      string
	AIOutputAudioFormat     string

	SessionStartTimeout         time.Duration
	SessionGracePeriod          time.Duration
	SessionMaxConsecutiveErrors int
	CallMetadataTTL             time.Duration

	// Transcript analysis (Gemini)
	GeminiAPIKey    string
	GeminiModel     string
	AnalyzerTimeout time.Duration

	TwilioAccountSID      string
	TwilioAuthToken       string
	TwilioPhoneNumber     string
	TwilioWhatsAppNumber  string
	TwilioValidateWebhook bool
	TwilioCallsPerSecond  float64

	SMTPHost      string
	SMTPPort      int
	SMTPUsername  string
	SMTPPassword  string
	EmailFrom     string
	EmailFromName string

	NotifySendTimeout        time.Duration
	NotifyRedispatchSchedule string
	BrochureFilePath         string
	MaxAttachmentBytes       int64

	OTELEndpoint string
	OTELEnabled  bool
}

func Load(envFile string) (*Config, error) {
	if envFile != "" {
		// A missing .env is fine: production runs on plain environment variables.
		if err := godotenv.Load(envFile); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		AppEnv:             getEnv("APP_ENV", "development"),
		AppPort:            getEnv("APP_PORT", "8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		PublicBaseURL:      strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),

		JWTSecret:       getEnv("JWT_SECRET", ""),
		JWTIssuer:       getEnv("JWT_ISSUER", "callbridge"),
		JWTAudience:     getEnv("JWT_AUDIENCE", "callbridge-dashboard"),
		APIRateLimitRPM: getEnvInt("API_RATE_LIMIT_RPM", 180),

		RedisURL: getEnv("REDIS_URL", ""),

		StoreDriver: getEnv("STORE_DRIVER", "mongo"),
		MongoURI:    getEnv("MONGO_URI", "mongodb://localhost:27017"),
		DBName:      getEnv("DB_NAME", "callbridge"),

		ElevenLabsAPIKey:        getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsAgentID:       getEnv("ELEVENLABS_AGENT_ID", ""),
		ElevenLabsBaseURL:       getEnv("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsWebhookSecret: getEnv("ELEVENLABS_WEBHOOK_SECRET", ""),
		WebhookTolerance:        getEnvDuration("WEBHOOK_TOLERANCE", 30*time.Minute),
		DedupWindow:             getEnvDuration("DEDUP_WINDOW", 24*time.Hour),
		AIInputAudioFormat:      getEnv("AI_INPUT_AUDIO_FORMAT", "ulaw_8000"),
		AIOutputAudioFormat:     getEnv("AI_OUTPUT_AUDIO_FORMAT", "ulaw_8000"),

		SessionStartTimeout:         getEnvDuration("SESSION_START_TIMEOUT", 10*time.Second),
		SessionGracePeriod:          getEnvDuration("SESSION_GRACE_PERIOD", 400*time.Millisecond),
		SessionMaxConsecutiveErrors: getEnvInt("SESSION_MAX_CONSECUTIVE_ERRORS", 5),
		CallMetadataTTL:             getEnvDuration("CALL_METADATA_TTL", 6*time.Hour),

		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		GeminiModel:     getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		AnalyzerTimeout: getEnvDuration("ANALYZER_TIMEOUT", 30*time.Second),

		TwilioAccountSID:      getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:       getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioPhoneNumber:     getEnv("TWILIO_PHONE_NUMBER", ""),
		TwilioWhatsAppNumber:  getEnv("TWILIO_WHATSAPP_NUMBER", ""),
		TwilioValidateWebhook: getEnvBool("TWILIO_VALIDATE_WEBHOOKS", false),
		TwilioCallsPerSecond:  getEnvFloat("TWILIO_CALLS_PER_SECOND", 1),

		SMTPHost:      getEnv("SMTP_HOST", "smtp.gmail.com"),
		SMTPPort:      getEnvInt("SMTP_PORT", 587),
		SMTPUsername:  getEnv("SMTP_USERNAME", ""),
		SMTPPassword:  getEnv("SMTP_PASSWORD", ""),
		EmailFrom:     getEnv("EMAIL_FROM", ""),
		EmailFromName: getEnv("EMAIL_FROM_NAME", "Call Assistant"),

		NotifySendTimeout:        getEnvDuration("NOTIFY_SEND_TIMEOUT", 20*time.Second),
		NotifyRedispatchSchedule: getEnv("NOTIFY_REDISPATCH_SCHEDULE", ""),
		BrochureFilePath:         getEnv("BROCHURE_FILE_PATH", ""),
		MaxAttachmentBytes:       int64(getEnvInt("MAX_ATTACHMENT_BYTES", 20<<20)),

		OTELEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELEnabled:  getEnvBool("OTEL_ENABLED", false),
	}

	if cfg.EmailFrom == "" {
		cfg.EmailFrom = cfg.SMTPUsername
	}

	return cfg, nil
}

// Validate reports every missing setting the enabled components need.
func (c *Config) Validate() error {
	var missing []string
	require := func(name, value string) {
		if value == "" {
			missing = append(missing, name)
		}
	}

	require("ELEVENLABS_API_KEY", c.ElevenLabsAPIKey)
	require("ELEVENLABS_AGENT_ID", c.ElevenLabsAgentID)
	require("TWILIO_ACCOUNT_SID", c.TwilioAccountSID)
	require("TWILIO_AUTH_TOKEN", c.TwilioAuthToken)
	require("PUBLIC_BASE_URL", c.PublicBaseURL)
	if c.StoreDriver == "mongo" {
		require("MONGO_URI", c.MongoURI)
	}
	if c.IsProduction() {
		require("ELEVENLABS_WEBHOOK_SECRET", c.ElevenLabsWebhookSecret)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if c.StoreDriver != "mongo" && c.StoreDriver != "memory" {
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}
	if c.SessionMaxConsecutiveErrors < 1 {
		return fmt.Errorf("SESSION_MAX_CONSECUTIVE_ERRORS must be at least 1")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// MediaStreamURL is the websocket URL Twilio connects the call audio to.
func (c *Config) MediaStreamURL() string {
	base := c.PublicBaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/outbound-media-stream"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(strValue)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(strValue, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(strValue)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(strValue)
	if err != nil {
		return defaultValue
	}
	return value
}
