package test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/troikatech/callbridge/internal/analysis"
	"github.com/troikatech/callbridge/internal/api"
	"github.com/troikatech/callbridge/internal/api/handlers"
	"github.com/troikatech/callbridge/internal/broadcast"
	"github.com/troikatech/callbridge/internal/callindex"
	"github.com/troikatech/callbridge/internal/dedup"
	"github.com/troikatech/callbridge/internal/ingress"
	"github.com/troikatech/callbridge/internal/records"
	"github.com/troikatech/callbridge/pkg/auth"
	"github.com/troikatech/callbridge/pkg/elevenlabs"
	"github.com/troikatech/callbridge/pkg/env"
	"github.com/troikatech/callbridge/pkg/twilio"
	"github.com/troikatech/callbridge/pkg/webhook"
)

const webhookSecret = "whsec_router"

type staticAnalyzer struct{ result analysis.Result }

func (a staticAnalyzer) Analyze(ctx context.Context, transcript, defaultPhone string) analysis.Result {
	return a.result
}

type fakePlacer struct {
	mu   sync.Mutex
	reqs []twilio.InitiateCallRequest
}

func (f *fakePlacer) InitiateCall(ctx context.Context, req twilio.InitiateCallRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return "CA123", nil
}

type fakeKnowledge struct {
	uploaded []string
	attached []string
}

func (f *fakeKnowledge) UploadDocument(ctx context.Context, filename string, content io.Reader) (elevenlabs.Document, error) {
	f.uploaded = append(f.uploaded, filename)
	return elevenlabs.Document{ID: "doc_1", Name: filename}, nil
}

func (f *fakeKnowledge) ComputeRAGIndex(ctx context.Context, documentID string) (elevenlabs.RAGIndexStatus, error) {
	return elevenlabs.RAGIndexStatus{Status: "processing"}, nil
}

func (f *fakeKnowledge) AttachDocument(ctx context.Context, doc elevenlabs.Document) error {
	f.attached = append(f.attached, doc.ID)
	return nil
}

type testServer struct {
	router    *gin.Engine
	store     *records.MemoryStore
	index     *callindex.MemoryIndex
	placer    *fakePlacer
	knowledge *fakeKnowledge
}

func buildTestServer(t *testing.T, jwtSecret string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &env.Config{
		AppEnv:             "test",
		CORSAllowedOrigins: "*",
		PublicBaseURL:      "https://calls.example.com",
		JWTSecret:          jwtSecret,
		JWTIssuer:          "callbridge",
		JWTAudience:        "callbridge-dashboard",
	}
	log := zap.NewNop()
	s := &testServer{
		store:     records.NewMemoryStore(),
		index:     callindex.NewMemoryIndex(time.Hour),
		placer:    &fakePlacer{},
		knowledge: &fakeKnowledge{},
	}
	hub := broadcast.NewHub(8, log)
	svc := ingress.NewService(ingress.Deps{
		Verifier:  webhook.NewVerifier(webhookSecret, 30*time.Minute),
		Dedup:     dedup.NewMemorySet(time.Hour),
		Index:     s.index,
		Analyzer:  staticAnalyzer{result: analysis.Result{Summary: "Interested in the premium plan.", FollowUpDate: "2026-11-02"}},
		Store:     s.store,
		Publisher: hub,
	}, ingress.Config{}, log)

	h := handlers.NewHandler(handlers.Deps{
		Config:          cfg,
		Store:           s.store,
		Ingress:         svc,
		Calls:           s.placer,
		Index:           s.index,
		Hub:             hub,
		Knowledge:       s.knowledge,
		TwilioValidator: webhook.NewTwilioValidator("", false),
		Logger:          log,
	})
	s.router = api.NewRouter(h, api.RouterOptions{Config: cfg, Logger: log})
	return s
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func transcription(t *testing.T, convID string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"type": "post_call_transcription",
		"data": map[string]any{
			"conversation_id": convID,
			"transcript":      []map[string]string{{"role": "agent", "message": "Hi Asha"}},
			"metadata":        map[string]any{"call_duration_secs": 42},
			"conversation_initiation_client_data": map[string]any{
				"dynamic_variables": map[string]any{"client_name": "Asha", "phone_number": "+15551234567"},
			},
		},
	})
	require.NoError(t, err)
	return body
}

func signedWebhook(body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook/call_complete", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(handlers.HeaderSignature, webhook.SignatureHeader(webhookSecret, time.Now().Unix(), body))
	return req
}

func TestRoutesRegistered(t *testing.T) {
	s := buildTestServer(t, "")

	registered := map[string]bool{}
	for _, r := range s.router.Routes() {
		registered[r.Method+" "+r.Path] = true
	}

	expected := []string{
		"GET /health",
		"GET /metrics",
		"POST /webhook/call_complete",
		"POST /webhook/whatsapp_response",
		"GET /outbound-call-twiml",
		"POST /outbound-call-twiml",
		"GET /outbound-media-stream",
		"GET /ws/dashboard",
		"GET /static/brochure.pdf",
		"GET /static/calls/:call_id/summary.pdf",
		"POST /api/initiate_call",
		"POST /api/knowledge-base",
		"GET /api/calls",
		"GET /api/calls/summary",
		"GET /api/call/:call_id",
		"POST /api/call/:call_id/dispatch",
	}
	for _, route := range expected {
		assert.True(t, registered[route], "route %s not registered", route)
	}
}

func TestHealthWithoutRedis(t *testing.T) {
	s := buildTestServer(t, "")

	w := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp handlers.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "healthy", resp.Services["store"])
	assert.Equal(t, "disabled", resp.Services["redis"])
}

func TestCallCompleteWebhook(t *testing.T) {
	s := buildTestServer(t, "")

	w := s.do(signedWebhook(transcription(t, "conv_router")))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"success"`)

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/call/conv_router", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var rec records.CallRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "Asha", rec.ClientName)
	assert.Equal(t, 42, rec.Insights.DurationSec)
	assert.Equal(t, "2026-11-02", rec.FollowUpDate)

	// Replays are acknowledged without a second write.
	w = s.do(signedWebhook(transcription(t, "conv_router")))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"duplicate"`)
}

func TestCallCompleteWebhookErrors(t *testing.T) {
	s := buildTestServer(t, "")

	tests := []struct {
		name   string
		req    func() *http.Request
		status int
	}{
		{
			name: "bad signature",
			req: func() *http.Request {
				req := signedWebhook(transcription(t, "conv_x"))
				req.Header.Set(handlers.HeaderSignature, "t=1,v0=deadbeef")
				return req
			},
			status: http.StatusUnauthorized,
		},
		{
			name:   "malformed",
			req:    func() *http.Request { return signedWebhook([]byte(`{"type":"post_call_transcription"}`)) },
			status: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(tt.req())
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Header().Get("Content-Type"), "application/problem+json")
		})
	}
}

func TestInitiateCall(t *testing.T) {
	s := buildTestServer(t, "")

	w := s.do(jsonRequest(http.MethodPost, "/api/initiate_call", `{"number":"+1 (555) 123-4567","client_name":"Asha"}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"call_sid":"CA123"`)

	require.Len(t, s.placer.reqs, 1)
	assert.Equal(t, "+15551234567", s.placer.reqs[0].To)
	u, err := url.Parse(s.placer.reqs[0].TwiMLURL)
	require.NoError(t, err)
	assert.Equal(t, "/outbound-call-twiml", u.Path)
	assert.Equal(t, "Asha", u.Query().Get("client_name"))
	assert.Equal(t, "+15551234567", u.Query().Get("phone_number"))

	meta, ok, err := s.index.ByCallSID(context.Background(), "CA123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Asha", meta.ClientName)
}

func TestInitiateCallRejectsBadNumber(t *testing.T) {
	s := buildTestServer(t, "")

	for _, body := range []string{`{"number":"12"}`, `{"client_name":"x"}`, `not json`} {
		w := s.do(jsonRequest(http.MethodPost, "/api/initiate_call", body))
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	assert.Empty(t, s.placer.reqs)
}

func TestOutboundCallTwiML(t *testing.T) {
	s := buildTestServer(t, "")

	w := s.do(httptest.NewRequest(http.MethodGet, "/outbound-call-twiml?client_name=Asha&phone_number=%2B15551234567", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `url="wss://calls.example.com/outbound-media-stream"`)
	assert.Contains(t, body, `name="client_name"`)
	assert.Contains(t, body, `value="Asha"`)
}

func TestWhatsAppReplyConfirms(t *testing.T) {
	s := buildTestServer(t, "")
	require.Equal(t, http.StatusOK, s.do(signedWebhook(transcription(t, "conv_reply"))).Code)

	form := url.Values{"From": {"whatsapp:+15551234567"}, "Body": {"confirm"}}
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp_response", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	w := s.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/xml")
	assert.Contains(t, w.Body.String(), "<Message>")
	assert.Contains(t, w.Body.String(), "confirmed")

	rec, err := s.store.Get(context.Background(), "conv_reply")
	require.NoError(t, err)
	assert.True(t, rec.ConversionStatus)
}

func TestWhatsAppReplyWithBadFormGetsPrompt(t *testing.T) {
	s := buildTestServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp_response", strings.NewReader("From=%zz&Body=confirm"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	w := s.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/xml")
	assert.Contains(t, w.Body.String(), "RESCHEDULE YYYY-MM-DD")
}

func TestDashboardRequiresTokenWhenConfigured(t *testing.T) {
	const secret = "dashboard-secret"
	s := buildTestServer(t, secret)

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/calls", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, _, err := auth.GenerateAccessToken("ops", "ops@example.com", auth.RoleOperator, secret, "callbridge", "callbridge-dashboard", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/calls", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = s.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"calls"`)
}

func TestDashboardStreamRequiresTokenWhenConfigured(t *testing.T) {
	const secret = "dashboard-secret"
	s := buildTestServer(t, secret)
	srv := httptest.NewServer(s.router)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/dashboard"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL+"?token=forged", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, _, err := auth.GenerateAccessToken("ops", "ops@example.com", auth.RoleOperator, secret, "callbridge", "callbridge-dashboard", time.Hour)
	require.NoError(t, err)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token="+url.QueryEscape(token), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	require.NoError(t, conn.Close())
}

func TestListCallsPagination(t *testing.T) {
	s := buildTestServer(t, "")

	tests := []struct {
		query  string
		status int
	}{
		{"", http.StatusOK},
		{"?page=2&page_size=10", http.StatusOK},
		{"?page=0", http.StatusBadRequest},
		{"?page_size=101", http.StatusBadRequest},
		{"?page_size=abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		w := s.do(httptest.NewRequest(http.MethodGet, "/api/calls"+tt.query, nil))
		assert.Equal(t, tt.status, w.Code, tt.query)
	}
}

func TestGetCallNotFoundAndInvalidID(t *testing.T) {
	s := buildTestServer(t, "")

	assert.Equal(t, http.StatusNotFound, s.do(httptest.NewRequest(http.MethodGet, "/api/call/missing", nil)).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(httptest.NewRequest(http.MethodGet, "/api/call/bad%20id", nil)).Code)
}

func TestSummaryPDF(t *testing.T) {
	s := buildTestServer(t, "")
	require.Equal(t, http.StatusOK, s.do(signedWebhook(transcription(t, "conv_pdf"))).Code)

	w := s.do(httptest.NewRequest(http.MethodGet, "/static/calls/conv_pdf/summary.pdf", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("%PDF")))
}

func TestKnowledgeUpload(t *testing.T) {
	s := buildTestServer(t, "")

	upload := func(name string) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = part.Write([]byte("pricing: premium plan"))
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/knowledge-base", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return s.do(req)
	}

	w := upload("pricing.exe")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, s.knowledge.uploaded)

	w = upload("pricing.md")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"document_id":"doc_1"`)
	assert.Equal(t, []string{"pricing.md"}, s.knowledge.uploaded)
	assert.Equal(t, []string{"doc_1"}, s.knowledge.attached)
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}
