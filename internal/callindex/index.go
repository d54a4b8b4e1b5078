// Package callindex keeps short-lived call metadata that links a telephony
// call to its AI conversation, so the post-call webhook can recover the
// client name and number when the provider does not echo them back.
package callindex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

type Metadata struct {
	CallSID        string `json:"call_sid"`
	ClientName     string `json:"client_name"`
	PhoneNumber    string `json:"phone_number"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type Index interface {
	Put(ctx context.Context, meta Metadata) error
	LinkConversation(ctx context.Context, conversationID, callSID string) error
	ByCallSID(ctx context.Context, callSID string) (Metadata, bool, error)
	ByConversation(ctx context.Context, conversationID string) (Metadata, bool, error)
}

type RedisIndex struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisIndex(client *redis.Client, ttl time.Duration) *RedisIndex {
	return &RedisIndex{client: client, ttl: ttl}
}

func callKey(sid string) string        { return "callbridge:call:" + sid }
func conversationKey(id string) string { return "callbridge:conversation:" + id }

func (x *RedisIndex) Put(ctx context.Context, meta Metadata) error {
	if meta.CallSID == "" {
		return fmt.Errorf("call sid is required")
	}
	key := callKey(meta.CallSID)
	pipe := x.client.TxPipeline()
	pipe.HSet(ctx, key,
		"call_sid", meta.CallSID,
		"client_name", meta.ClientName,
		"phone_number", meta.PhoneNumber,
	)
	pipe.Expire(ctx, key, x.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store call metadata: %w", err)
	}
	return nil
}

func (x *RedisIndex) LinkConversation(ctx context.Context, conversationID, callSID string) error {
	pipe := x.client.TxPipeline()
	pipe.Set(ctx, conversationKey(conversationID), callSID, x.ttl)
	pipe.HSet(ctx, callKey(callSID), "call_sid", callSID, "conversation_id", conversationID)
	pipe.Expire(ctx, callKey(callSID), x.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("link conversation: %w", err)
	}
	return nil
}

func (x *RedisIndex) ByCallSID(ctx context.Context, callSID string) (Metadata, bool, error) {
	values, err := x.client.HGetAll(ctx, callKey(callSID)).Result()
	if err != nil {
		return Metadata{}, false, fmt.Errorf("load call metadata: %w", err)
	}
	if len(values) == 0 {
		return Metadata{}, false, nil
	}
	return Metadata{
		CallSID:        values["call_sid"],
		ClientName:     values["client_name"],
		PhoneNumber:    values["phone_number"],
		ConversationID: values["conversation_id"],
	}, true, nil
}

func (x *RedisIndex) ByConversation(ctx context.Context, conversationID string) (Metadata, bool, error) {
	sid, err := x.client.Get(ctx, conversationKey(conversationID)).Result()
	if errors.Is(err, redis.Nil) {
		return Metadata{}, false, nil
	}
	if err != nil {
		return Metadata{}, false, fmt.Errorf("resolve conversation: %w", err)
	}
	return x.ByCallSID(ctx, sid)
}

type MemoryIndex struct {
	calls         *cache.Cache
	conversations *cache.Cache
}

func NewMemoryIndex(ttl time.Duration) *MemoryIndex {
	return &MemoryIndex{
		calls:         cache.New(ttl, 10*time.Minute),
		conversations: cache.New(ttl, 10*time.Minute),
	}
}

func (x *MemoryIndex) Put(ctx context.Context, meta Metadata) error {
	if meta.CallSID == "" {
		return fmt.Errorf("call sid is required")
	}
	if existing, ok := x.calls.Get(meta.CallSID); ok && meta.ConversationID == "" {
		meta.ConversationID = existing.(Metadata).ConversationID
	}
	x.calls.SetDefault(meta.CallSID, meta)
	return nil
}

func (x *MemoryIndex) LinkConversation(ctx context.Context, conversationID, callSID string) error {
	meta := Metadata{CallSID: callSID}
	if existing, ok := x.calls.Get(callSID); ok {
		meta = existing.(Metadata)
	}
	meta.ConversationID = conversationID
	x.calls.SetDefault(callSID, meta)
	x.conversations.SetDefault(conversationID, callSID)
	return nil
}

func (x *MemoryIndex) ByCallSID(ctx context.Context, callSID string) (Metadata, bool, error) {
	v, ok := x.calls.Get(callSID)
	if !ok {
		return Metadata{}, false, nil
	}
	return v.(Metadata), true, nil
}

func (x *MemoryIndex) ByConversation(ctx context.Context, conversationID string) (Metadata, bool, error) {
	sid, ok := x.conversations.Get(conversationID)
	if !ok {
		return Metadata{}, false, nil
	}
	return x.ByCallSID(ctx, sid.(string))
}
