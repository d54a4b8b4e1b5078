package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/troikatech/callbridge/pkg/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestTraceMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(TraceMiddleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, c.GetString("trace_id")) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(traceIDHeader, "abc-123")
	r.ServeHTTP(w, req)

	assert.Equal(t, "abc-123", w.Body.String())
	assert.Equal(t, "abc-123", w.Header().Get(traceIDHeader))
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestAuthMiddleware(t *testing.T) {
	cfg := AuthConfig{Secret: "secret", Issuer: "callbridge", Audience: "dashboard"}
	token, _, err := auth.GenerateAccessToken("ops-1", "ops@example.com", auth.RoleOperator, cfg.Secret, cfg.Issuer, cfg.Audience, time.Hour)
	assert.NoError(t, err)

	r := gin.New()
	r.GET("/api/calls", AuthMiddleware(cfg), func(c *gin.Context) { c.String(http.StatusOK, c.GetString("operator")) })
	r.POST("/api/knowledge-base", AuthMiddleware(cfg), RoleMiddleware(auth.RoleAdmin), func(c *gin.Context) { c.Status(http.StatusCreated) })

	tests := []struct {
		name   string
		method string
		path   string
		header string
		want   int
	}{
		{"no header", http.MethodGet, "/api/calls", "", http.StatusUnauthorized},
		{"bad scheme", http.MethodGet, "/api/calls", "Basic abc", http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/api/calls", "Bearer nope", http.StatusUnauthorized},
		{"valid", http.MethodGet, "/api/calls", "Bearer " + token, http.StatusOK},
		{"operator cannot upload", http.MethodPost, "/api/knowledge-base", "Bearer " + token, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestAuthMiddlewareQueryToken(t *testing.T) {
	cfg := AuthConfig{Secret: "secret", Issuer: "callbridge", Audience: "dashboard", QueryParam: "token"}
	token, _, err := auth.GenerateAccessToken("ops-1", "ops@example.com", auth.RoleOperator, cfg.Secret, cfg.Issuer, cfg.Audience, time.Hour)
	assert.NoError(t, err)

	r := gin.New()
	r.GET("/ws/dashboard", AuthMiddleware(cfg), func(c *gin.Context) { c.String(http.StatusOK, c.GetString("operator")) })

	tests := []struct {
		name string
		path string
		want int
	}{
		{"missing", "/ws/dashboard", http.StatusUnauthorized},
		{"empty", "/ws/dashboard?token=", http.StatusUnauthorized},
		{"forged", "/ws/dashboard?token=nope", http.StatusUnauthorized},
		{"valid", "/ws/dashboard?token=" + token, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestAuthMiddlewareOpenWithoutSecret(t *testing.T) {
	r := gin.New()
	r.POST("/api/knowledge-base", AuthMiddleware(AuthConfig{}), RoleMiddleware(auth.RoleAdmin), func(c *gin.Context) { c.Status(http.StatusCreated) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/knowledge-base", nil))
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestRequestSizeLimit(t *testing.T) {
	r := gin.New()
	r.Use(RequestSizeLimit(8))
	r.POST("/webhook", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("0123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("0123")))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestValidateCallIDParam(t *testing.T) {
	r := gin.New()
	r.GET("/api/call/:call_id", ValidateCallIDParam("call_id"), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/call/conv_01abc-XYZ", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/call/conv%24where", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSecurityHeaders(t *testing.T) {
	r := gin.New()
	r.Use(SecurityHeaders())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}
