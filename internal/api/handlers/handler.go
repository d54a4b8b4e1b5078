package handlers

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/troikatech/callbridge/internal/broadcast"
	"github.com/troikatech/callbridge/internal/callindex"
	"github.com/troikatech/callbridge/internal/ingress"
	"github.com/troikatech/callbridge/internal/records"
	"github.com/troikatech/callbridge/internal/session"
	"github.com/troikatech/callbridge/pkg/audit"
	"github.com/troikatech/callbridge/pkg/elevenlabs"
	"github.com/troikatech/callbridge/pkg/env"
	"github.com/troikatech/callbridge/pkg/twilio"
	"github.com/troikatech/callbridge/pkg/webhook"
)

// CallPlacer places outbound calls.
type CallPlacer interface {
	InitiateCall(ctx context.Context, req twilio.InitiateCallRequest) (string, error)
}

// KnowledgeBase manages the agent's knowledge base documents.
type KnowledgeBase interface {
	UploadDocument(ctx context.Context, filename string, content io.Reader) (elevenlabs.Document, error)
	ComputeRAGIndex(ctx context.Context, documentID string) (elevenlabs.RAGIndexStatus, error)
	AttachDocument(ctx context.Context, doc elevenlabs.Document) error
}

type Deps struct {
	Config          *env.Config
	Store           records.Store
	Ingress         *ingress.Service
	Coordinator     *session.Coordinator
	Calls           CallPlacer
	Index           callindex.Index
	Hub             *broadcast.Hub
	Knowledge       KnowledgeBase
	TwilioValidator *webhook.TwilioValidator
	Redis           *redis.Client
	Audit           *audit.Logger
	// BaseContext is cancelled at shutdown and ends live sessions.
	BaseContext context.Context
	Logger      *zap.Logger
}

type Handler struct {
	cfg             *env.Config
	store           records.Store
	ingress         *ingress.Service
	coordinator     *session.Coordinator
	calls           CallPlacer
	index           callindex.Index
	hub             *broadcast.Hub
	knowledge       KnowledgeBase
	twilioValidator *webhook.TwilioValidator
	redisClient     *redis.Client
	audit           *audit.Logger
	baseCtx         context.Context
	logger          *zap.Logger
	upgrader        websocket.Upgrader
}

func NewHandler(d Deps) *Handler {
	if d.BaseContext == nil {
		d.BaseContext = context.Background()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Handler{
		cfg:             d.Config,
		store:           d.Store,
		ingress:         d.Ingress,
		coordinator:     d.Coordinator,
		calls:           d.Calls,
		index:           d.Index,
		hub:             d.Hub,
		knowledge:       d.Knowledge,
		twilioValidator: d.TwilioValidator,
		redisClient:     d.Redis,
		audit:           d.Audit,
		baseCtx:         d.BaseContext,
		logger:          d.Logger,
		upgrader:        newUpgrader(d.Config, d.Logger),
	}
}

// newUpgrader accepts Twilio media streams (which send no Origin) and the
// dashboard origins allowed by CORS.
func newUpgrader(cfg *env.Config, log *zap.Logger) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || cfg == nil || !cfg.IsProduction() || cfg.CORSAllowedOrigins == "*" {
				return true
			}
			for _, allowed := range strings.Split(cfg.CORSAllowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					return true
				}
			}
			if cfg.PublicBaseURL != "" && origin == cfg.PublicBaseURL {
				return true
			}
			log.Warn("WebSocket connection rejected - invalid origin",
				zap.String("origin", origin),
				zap.String("remote_addr", r.RemoteAddr),
			)
			return false
		},
	}
}

func (h *Handler) recordAction(c *gin.Context, action audit.Action, resourceType, resourceID string, metadata map[string]any) {
	_ = h.audit.Log(c.Request.Context(), c.GetString("operator"), action, resourceType, resourceID, metadata)
}
