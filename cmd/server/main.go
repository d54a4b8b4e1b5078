package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/troikatech/callbridge/internal/analysis"
	"github.com/troikatech/callbridge/internal/api"
	"github.com/troikatech/callbridge/internal/api/handlers"
	"github.com/troikatech/callbridge/internal/broadcast"
	"github.com/troikatech/callbridge/internal/callindex"
	"github.com/troikatech/callbridge/internal/dedup"
	"github.com/troikatech/callbridge/internal/ingress"
	"github.com/troikatech/callbridge/internal/jobs"
	"github.com/troikatech/callbridge/internal/notify"
	"github.com/troikatech/callbridge/internal/records"
	"github.com/troikatech/callbridge/internal/session"
	"github.com/troikatech/callbridge/pkg/audio"
	"github.com/troikatech/callbridge/pkg/audit"
	"github.com/troikatech/callbridge/pkg/elevenlabs"
	"github.com/troikatech/callbridge/pkg/env"
	"github.com/troikatech/callbridge/pkg/logger"
	"github.com/troikatech/callbridge/pkg/mongo"
	"github.com/troikatech/callbridge/pkg/otel"
	"github.com/troikatech/callbridge/pkg/retry"
	"github.com/troikatech/callbridge/pkg/twilio"
	"github.com/troikatech/callbridge/pkg/webhook"
)

const serviceVersion = "1.0.0"

// Server owns the long-lived components and their shutdown order.
type Server struct {
	cfg          *env.Config
	http         *http.Server
	redisClient  *redis.Client
	mongoClient  *mongo.Client
	ingress      *ingress.Service
	redispatcher *jobs.Redispatcher
	// cancelSessions ends live call sessions and the broadcast relay.
	cancelSessions context.CancelFunc
	log            *zap.Logger
}

func main() {
	cfg, err := env.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(cfg.LogLevel, cfg.AppEnv); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Log.Fatal("Invalid configuration", zap.Error(err))
	}

	if cfg.OTELEnabled {
		shutdown, err := otel.InitTracing(context.Background(), "callbridge", serviceVersion, cfg.OTELEndpoint)
		if err != nil {
			logger.Log.Warn("Failed to initialize OpenTelemetry", zap.Error(err))
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(ctx)
			}()
			logger.Log.Info("OpenTelemetry tracing enabled", zap.String("endpoint", cfg.OTELEndpoint))
		}
	}

	logger.Log.Info("Starting callbridge",
		zap.String("env", cfg.AppEnv),
		zap.String("port", cfg.AppPort),
		zap.String("store", cfg.StoreDriver),
	)

	srv, err := newServer(cfg, logger.Log)
	if err != nil {
		logger.Log.Fatal("Failed to start", zap.Error(err))
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", srv.http.Addr))
		if err := srv.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	srv.shutdown()
}

func newServer(cfg *env.Config, log *zap.Logger) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s := &Server{cfg: cfg, log: log}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		client := redis.NewClient(opt)
		if err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}); err != nil {
			return nil, err
		}
		s.redisClient = client
		log.Info("Connected to Redis")
	} else {
		log.Warn("REDIS_URL not set, using in-process dedup and call index")
	}

	if cfg.StoreDriver == "mongo" {
		err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
			client, err := mongo.NewClient(ctx, cfg.MongoURI, cfg.DBName, log)
			if err != nil {
				return err
			}
			s.mongoClient = client
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	store, err := records.NewStore(ctx, cfg.StoreDriver, s.mongoClient, log.Named("records"))
	if err != nil {
		return nil, err
	}

	var (
		seen  dedup.Set
		index callindex.Index
	)
	if s.redisClient != nil {
		seen = dedup.NewRedisSet(s.redisClient, cfg.DedupWindow)
		index = callindex.NewRedisIndex(s.redisClient, cfg.CallMetadataTTL)
	} else {
		seen = dedup.NewMemorySet(cfg.DedupWindow)
		index = callindex.NewMemoryIndex(cfg.CallMetadataTTL)
	}

	baseCtx, cancelSessions := context.WithCancel(context.Background())
	s.cancelSessions = cancelSessions

	hub := broadcast.NewHub(32, log.Named("broadcast"))
	if s.redisClient != nil {
		relay := broadcast.NewRedisRelay(s.redisClient, hub, log.Named("broadcast"))
		go relay.Run(baseCtx)
	}

	voice := elevenlabs.NewClient(elevenlabs.Config{
		APIKey:  cfg.ElevenLabsAPIKey,
		AgentID: cfg.ElevenLabsAgentID,
		BaseURL: cfg.ElevenLabsBaseURL,
	}, log.Named("elevenlabs"))

	phone := twilio.NewClient(twilio.Config{
		AccountSID:     cfg.TwilioAccountSID,
		AuthToken:      cfg.TwilioAuthToken,
		PhoneNumber:    cfg.TwilioPhoneNumber,
		WhatsAppNumber: cfg.TwilioWhatsAppNumber,
		CallsPerSecond: cfg.TwilioCallsPerSecond,
	}, log.Named("twilio"))

	transcoder, err := audio.NewTranscoder(cfg.AIInputAudioFormat, cfg.AIOutputAudioFormat)
	if err != nil {
		return nil, err
	}

	coordinator := session.NewCoordinator(
		session.ElevenLabsDialer{Client: voice},
		phone,
		hub,
		index,
		transcoder,
		session.Config{
			StartTimeout:         cfg.SessionStartTimeout,
			GracePeriod:          cfg.SessionGracePeriod,
			MaxConsecutiveErrors: cfg.SessionMaxConsecutiveErrors,
		},
		log.Named("session"),
	)

	var model analysis.Model
	if cfg.GeminiAPIKey != "" {
		gemini, err := analysis.NewGeminiModel(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, err
		}
		model = gemini
	} else {
		log.Warn("GEMINI_API_KEY not set, transcripts are stored without analysis")
	}
	analyzer := analysis.NewGateway(model, analysis.Config{Timeout: cfg.AnalyzerTimeout}, log.Named("analysis"))

	var email notify.EmailSender
	if cfg.SMTPUsername != "" {
		sender, err := notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.EmailFrom,
			FromName: cfg.EmailFromName,
			Timeout:  cfg.NotifySendTimeout,
		})
		if err != nil {
			return nil, err
		}
		email = sender
	} else {
		log.Warn("SMTP credentials not set, e-mail notifications are disabled")
	}

	var whatsapp notify.WhatsAppSender
	if cfg.TwilioWhatsAppNumber != "" {
		whatsapp = phone
	}

	dispatcher := notify.NewDispatcher(store, email, whatsapp, notify.Config{
		SendTimeout:        cfg.NotifySendTimeout,
		PublicBaseURL:      cfg.PublicBaseURL,
		BrochurePath:       cfg.BrochureFilePath,
		MaxAttachmentBytes: cfg.MaxAttachmentBytes,
	}, log.Named("notify"))

	s.ingress = ingress.NewService(ingress.Deps{
		Verifier:   webhook.NewVerifier(cfg.ElevenLabsWebhookSecret, cfg.WebhookTolerance),
		Dedup:      seen,
		Index:      index,
		Analyzer:   analyzer,
		Store:      store,
		Dispatcher: dispatcher,
		Publisher:  hub,
	}, ingress.Config{}, log.Named("ingress"))

	s.redispatcher = jobs.NewRedispatcher(store, dispatcher, jobs.Config{
		Schedule: cfg.NotifyRedispatchSchedule,
	}, log.Named("jobs"))
	if err := s.redispatcher.Start(); err != nil {
		return nil, err
	}

	h := handlers.NewHandler(handlers.Deps{
		Config:          cfg,
		Store:           store,
		Ingress:         s.ingress,
		Coordinator:     coordinator,
		Calls:           phone,
		Index:           index,
		Hub:             hub,
		Knowledge:       voice,
		TwilioValidator: webhook.NewTwilioValidator(cfg.TwilioAuthToken, cfg.TwilioValidateWebhook),
		Redis:           s.redisClient,
		Audit:           audit.New(s.mongoClient, log.Named("audit")),
		BaseContext:     baseCtx,
		Logger:          log.Named("api"),
	})

	router := api.NewRouter(h, api.RouterOptions{
		Config:    cfg,
		Redis:     s.redisClient,
		Logger:    log,
		AccessLog: !cfg.IsProduction(),
	})

	s.http = &http.Server{
		Addr:        ":" + cfg.AppPort,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Knowledge base uploads and webhook processing run inside the request.
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// shutdown stops intake first, then ends live sessions, then drains the
// notification work that is already running.
func (s *Server) shutdown() {
	s.log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		s.log.Error("HTTP server forced to shutdown", zap.Error(err))
	}
	s.cancelSessions()

	s.redispatcher.Stop(ctx)
	if err := s.ingress.Wait(ctx); err != nil {
		s.log.Warn("Notification dispatches still running at exit", zap.Error(err))
	}

	if s.mongoClient != nil {
		if err := s.mongoClient.Disconnect(ctx); err != nil {
			s.log.Warn("Failed to disconnect MongoDB", zap.Error(err))
		}
	}
	if s.redisClient != nil {
		_ = s.redisClient.Close()
	}
	s.log.Info("Server exited")
}
