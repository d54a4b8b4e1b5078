package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/troikatech/callbridge/pkg/metrics"
)

const (
	relayChannel = "callbridge:dashboard"
	relayBacklog = 256
)

type envelope struct {
	Origin  string          `json:"origin"`
	Message json.RawMessage `json:"message"`
}

// RedisRelay shares hub events between instances behind a load balancer.
// An instance ignores its own messages since it already delivered them locally.
// Outgoing events queue in a bounded outbox; a full outbox drops the event.
type RedisRelay struct {
	client  *redis.Client
	hub     *Hub
	origin  string
	channel string
	outbox  chan []byte
	logger  *zap.Logger
}

// NewRedisRelay attaches a relay to hub. Call Run to start receiving.
func NewRedisRelay(client *redis.Client, hub *Hub, logger *zap.Logger) *RedisRelay {
	r := &RedisRelay{
		client:  client,
		hub:     hub,
		origin:  uuid.NewString(),
		channel: relayChannel,
		outbox:  make(chan []byte, relayBacklog),
		logger:  logger,
	}
	hub.attach(r)
	return r
}

func (r *RedisRelay) forward(message []byte) {
	select {
	case r.outbox <- message:
	default:
		metrics.BroadcastDropped()
		r.logger.Warn("Relay outbox full, dropping dashboard event")
	}
}

func (r *RedisRelay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-r.outbox:
			data, err := json.Marshal(envelope{Origin: r.origin, Message: message})
			if err != nil {
				continue
			}
			pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err = r.client.Publish(pubCtx, r.channel, data).Err()
			cancel()
			if err != nil {
				r.logger.Warn("Failed to relay dashboard event", zap.Error(err))
			}
		}
	}
}

// Run publishes this instance's events and delivers those of other
// instances until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) {
	go r.publishLoop(ctx)

	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.handle([]byte(msg.Payload))
		}
	}
}

func (r *RedisRelay) handle(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.logger.Warn("Dropping malformed relay message", zap.Error(err))
		return
	}
	if env.Origin == r.origin {
		return
	}
	r.hub.deliver(env.Message)
}
