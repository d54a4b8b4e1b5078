package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Inbound conversation event types.
const (
	EventInitiationMetadata = "conversation_initiation_metadata"
	EventAudio              = "audio"
	EventInterruption       = "interruption"
	EventPing               = "ping"
	EventUserTranscript     = "user_transcript"
	EventAgentResponse      = "agent_response"
	EventClientToolCall     = "client_tool_call"
)

var (
	// ErrConversationEnded is returned by ReadEvent when the agent closed the
	// conversation normally.
	ErrConversationEnded = errors.New("conversation ended")
	// ErrMalformedEvent marks a single undecodable message.
	ErrMalformedEvent = errors.New("malformed conversation event")
)

// Event is one decoded inbound message. Only the fields relevant to Type are set.
type Event struct {
	Type           string
	ConversationID string
	Audio          []byte
	EventID        int64
	Text           string
	ToolName       string
	ToolCallID     string
}

type inbound struct {
	Type                           string `json:"type"`
	ConversationInitiationMetadata *struct {
		ConversationID string `json:"conversation_id"`
	} `json:"conversation_initiation_metadata_event"`
	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int64  `json:"event_id"`
	} `json:"audio_event"`
	PingEvent *struct {
		EventID int64 `json:"event_id"`
	} `json:"ping_event"`
	InterruptionEvent *struct {
		EventID int64 `json:"event_id"`
	} `json:"interruption_event"`
	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event"`
	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event"`
	ClientToolCall *struct {
		ToolName   string `json:"tool_name"`
		ToolCallID string `json:"tool_call_id"`
	} `json:"client_tool_call"`
}

type DialOptions struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
}

// Conversation is an open agent conversation websocket. ReadEvent must be
// called from one goroutine; sends are serialised internally.
type Conversation struct {
	conn      *websocket.Conn
	opts      DialOptions
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial opens the conversation websocket at a signed URL.
func Dial(ctx context.Context, signedURL string, opts DialOptions) (*Conversation, error) {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, signedURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial conversation: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial conversation: %w", err)
	}
	return &Conversation{conn: conn, opts: opts}, nil
}

// SendInitiation passes per-call dynamic variables to the agent.
func (c *Conversation) SendInitiation(vars map[string]string) error {
	return c.write(map[string]any{
		"type":              "conversation_initiation_client_data",
		"dynamic_variables": vars,
	})
}

func (c *Conversation) SendAudio(chunk []byte) error {
	return c.write(map[string]string{
		"user_audio_chunk": base64.StdEncoding.EncodeToString(chunk),
	})
}

func (c *Conversation) SendPong(eventID int64) error {
	return c.write(map[string]any{"type": "pong", "event_id": eventID})
}

func (c *Conversation) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadEvent blocks for the next message. Malformed messages are returned as
// errors without closing the conversation.
func (c *Conversation) ReadEvent() (Event, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)); err != nil {
		return Event{}, err
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return Event{}, ErrConversationEnded
		}
		return Event{}, err
	}
	return decodeEvent(data)
}

func decodeEvent(data []byte) (Event, error) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	ev := Event{Type: msg.Type}
	switch msg.Type {
	case EventInitiationMetadata:
		if msg.ConversationInitiationMetadata != nil {
			ev.ConversationID = msg.ConversationInitiationMetadata.ConversationID
		}
	case EventAudio:
		if msg.AudioEvent == nil {
			return ev, nil
		}
		audio, err := base64.StdEncoding.DecodeString(msg.AudioEvent.AudioBase64)
		if err != nil {
			return Event{Type: msg.Type}, fmt.Errorf("%w: agent audio: %v", ErrMalformedEvent, err)
		}
		ev.Audio, ev.EventID = audio, msg.AudioEvent.EventID
	case EventPing:
		if msg.PingEvent != nil {
			ev.EventID = msg.PingEvent.EventID
		}
	case EventInterruption:
		if msg.InterruptionEvent != nil {
			ev.EventID = msg.InterruptionEvent.EventID
		}
	case EventUserTranscript:
		if msg.UserTranscriptionEvent != nil {
			ev.Text = msg.UserTranscriptionEvent.UserTranscript
		}
	case EventAgentResponse:
		if msg.AgentResponseEvent != nil {
			ev.Text = msg.AgentResponseEvent.AgentResponse
		}
	case EventClientToolCall:
		if msg.ClientToolCall != nil {
			ev.ToolName, ev.ToolCallID = msg.ClientToolCall.ToolName, msg.ClientToolCall.ToolCallID
		}
	}
	return ev, nil
}

// Close ends the conversation with a normal closure. Safe to call more than once.
func (c *Conversation) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
