// Package twilio wraps the Twilio REST API, TwiML documents and the Media
// Streams websocket protocol.
package twilio

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Media stream event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
	EventStop      = "stop"
)

var (
	// ErrStreamStopped is returned by ReadFrame after Twilio sent "stop".
	ErrStreamStopped = errors.New("media stream stopped")
	// ErrMalformedEvent marks a single undecodable event; the stream stays usable.
	ErrMalformedEvent = errors.New("malformed media stream event")
)

type streamMessage struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *startPayload `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *markPayload  `json:"mark,omitempty"`
	Stop      *stopPayload  `json:"stop,omitempty"`
}

type startPayload struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

type stopPayload struct {
	CallSID string `json:"callSid"`
}

// StreamStart describes the call a media stream belongs to.
type StreamStart struct {
	StreamSID        string
	CallSID          string
	CustomParameters map[string]string
}

// Frame is one inbound media stream event. Audio is raw 8 kHz μ-law.
type Frame struct {
	Event string
	Audio []byte
	Mark  string
}

type StreamOptions struct {
	// ReadTimeout bounds the silence between two inbound events.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// MediaStream is one Twilio Media Streams websocket. Reads must come from a
// single goroutine; writes are serialised internally.
type MediaStream struct {
	conn      *websocket.Conn
	opts      StreamOptions
	writeMu   sync.Mutex
	streamSID string
	closeOnce sync.Once
}

func NewMediaStream(conn *websocket.Conn, opts StreamOptions) *MediaStream {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &MediaStream{conn: conn, opts: opts}
}

// AwaitStart consumes events until the start event arrives.
func (s *MediaStream) AwaitStart() (StreamStart, error) {
	for {
		msg, err := s.read()
		if err != nil {
			return StreamStart{}, err
		}
		switch msg.Event {
		case EventStart:
			if msg.Start == nil {
				return StreamStart{}, fmt.Errorf("start event without payload")
			}
			s.streamSID = msg.Start.StreamSID
			if s.streamSID == "" {
				s.streamSID = msg.StreamSID
			}
			return StreamStart{
				StreamSID:        s.streamSID,
				CallSID:          msg.Start.CallSID,
				CustomParameters: msg.Start.CustomParameters,
			}, nil
		case EventStop:
			return StreamStart{}, ErrStreamStopped
		}
	}
}

// ReadFrame returns the next media, mark or dtmf event. A stop event is
// reported as ErrStreamStopped.
func (s *MediaStream) ReadFrame() (Frame, error) {
	for {
		msg, err := s.read()
		if err != nil {
			return Frame{}, err
		}
		switch msg.Event {
		case EventMedia:
			if msg.Media == nil {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				return Frame{Event: EventMedia}, fmt.Errorf("%w: media payload: %v", ErrMalformedEvent, err)
			}
			return Frame{Event: EventMedia, Audio: audio}, nil
		case EventMark:
			f := Frame{Event: EventMark}
			if msg.Mark != nil {
				f.Mark = msg.Mark.Name
			}
			return f, nil
		case EventStop:
			return Frame{Event: EventStop}, ErrStreamStopped
		case EventDTMF:
			return Frame{Event: EventDTMF}, nil
		}
	}
}

func (s *MediaStream) read() (streamMessage, error) {
	var msg streamMessage
	if err := s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout)); err != nil {
		return msg, err
	}
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return msg, nil
}

// SendAudio plays μ-law audio to the caller.
func (s *MediaStream) SendAudio(audio []byte) error {
	return s.write(streamMessage{
		Event:     EventMedia,
		StreamSID: s.streamSID,
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(audio)},
	})
}

// SendClear discards audio Twilio has buffered but not yet played.
func (s *MediaStream) SendClear() error {
	return s.write(streamMessage{Event: "clear", StreamSID: s.streamSID})
}

func (s *MediaStream) write(msg streamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal closure frame and closes the connection. Safe to call
// more than once.
func (s *MediaStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
