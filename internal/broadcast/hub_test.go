package broadcast

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishReachesObservers(t *testing.T) {
	h := NewHub(4, zap.NewNop())
	a, b := h.Register(), h.Register()

	h.Publish(EventCallCompleted, map[string]string{"call_id": "conv_1"})

	for _, o := range []*Observer{a, b} {
		var msg struct {
			Event string            `json:"event"`
			Data  map[string]string `json:"data"`
		}
		require.NoError(t, json.Unmarshal(<-o.Messages(), &msg))
		assert.Equal(t, EventCallCompleted, msg.Event)
		assert.Equal(t, "conv_1", msg.Data["call_id"])
	}
}

func TestSlowObserverIsDropped(t *testing.T) {
	h := NewHub(1, zap.NewNop())
	slow := h.Register()
	fast := h.Register()

	h.Publish(EventCallInProgress, nil)
	<-fast.Messages()
	h.Publish(EventCallInProgress, nil)

	assert.Equal(t, 1, h.Count())
	<-slow.Messages()
	_, open := <-slow.Messages()
	assert.False(t, open, "dropped observer's channel is closed")
}

func TestPublishWithoutObservers(t *testing.T) {
	h := NewHub(1, zap.NewNop())
	assert.NotPanics(t, func() { h.Publish(EventKnowledgeBaseUpload, map[string]string{"name": "faq.pdf"}) })
}

func TestRelayIgnoresOwnMessages(t *testing.T) {
	h := NewHub(4, zap.NewNop())
	r := &RedisRelay{hub: h, origin: "me", logger: zap.NewNop()}
	o := h.Register()

	own, _ := json.Marshal(envelope{Origin: "me", Message: json.RawMessage(`{"event":"call_completed"}`)})
	other, _ := json.Marshal(envelope{Origin: "peer", Message: json.RawMessage(`{"event":"call_in_progress"}`)})
	r.handle(own)
	r.handle(other)

	assert.JSONEq(t, `{"event":"call_in_progress"}`, string(<-o.Messages()))
	select {
	case extra := <-o.Messages():
		t.Fatalf("unexpected message %s", extra)
	default:
	}
}

func TestPublishDoesNotWaitForRelay(t *testing.T) {
	h := NewHub(4, zap.NewNop())
	r := &RedisRelay{hub: h, origin: "me", outbox: make(chan []byte, 1), logger: zap.NewNop()}
	h.attach(r)
	o := h.Register()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Publish(EventCallInProgress, nil)
		h.Publish(EventCallCompleted, nil)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on the relay")
	}

	assert.Len(t, r.outbox, 1, "a full outbox drops instead of blocking")
	assert.Contains(t, string(<-o.Messages()), EventCallInProgress)
	assert.Contains(t, string(<-o.Messages()), EventCallCompleted)
}

func TestServeStreamsEvents(t *testing.T) {
	h := NewHub(4, zap.NewNop())
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Serve(conn)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, 5*time.Millisecond)
	h.Publish(EventCallInProgress, map[string]string{"call_sid": "CA1"})

	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, EventCallInProgress, msg.Event)

	conn.Close()
	assert.Eventually(t, func() bool { return h.Count() == 0 }, time.Second, 5*time.Millisecond)
}
