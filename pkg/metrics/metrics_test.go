package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestWebhookEventCounter(t *testing.T) {
	before := testutil.ToFloat64(webhookEvents.WithLabelValues("call_complete", "duplicate"))
	WebhookEvent("call_complete", "duplicate")
	after := testutil.ToFloat64(webhookEvents.WithLabelValues("call_complete", "duplicate"))
	assert.Equal(t, before+1, after)
}

func TestSessionGauge(t *testing.T) {
	start := testutil.ToFloat64(activeSessions)
	SessionStarted()
	assert.Equal(t, start+1, testutil.ToFloat64(activeSessions))
	SessionEnded("COMPLETED")
	assert.Equal(t, start, testutil.ToFloat64(activeSessions))
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordRequest("/health", "GET", 200, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "callbridge_http_requests_total")
}
