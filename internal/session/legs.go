package session

import (
	"context"
	"errors"
)

var (
	// ErrLegEnded is returned by a leg read after the remote side ended the
	// call normally (telephony stop, agent close).
	ErrLegEnded = errors.New("leg ended normally")
	// ErrBadFrame marks one undecodable inbound frame. The leg stays usable.
	ErrBadFrame = errors.New("bad frame")
	// ErrSignedURL is returned when no AI session URL could be obtained.
	ErrSignedURL = errors.New("ai session url unavailable")
	// ErrStartFailed wraps every failure that prevents a session from bridging.
	ErrStartFailed = errors.New("session start failed")
)

type TelephonyEventKind int

const (
	TelephonyAudio TelephonyEventKind = iota
	TelephonyMark
	TelephonyOther
)

type TelephonyEvent struct {
	Kind  TelephonyEventKind
	Audio []byte
}

// TelephonyLeg is the caller side of a call. Reads come from a single goroutine.
type TelephonyLeg interface {
	ReadEvent() (TelephonyEvent, error)
	WriteAudio(audio []byte) error
	// WriteClear drops audio the provider buffered but has not played yet.
	WriteClear() error
	Close() error
}

type AIEventKind int

const (
	AIOther AIEventKind = iota
	AIMetadata
	AIAudio
	AIInterruption
	AIPing
	AIUserTranscript
	AIAgentResponse
	AIToolCall
)

type AIEvent struct {
	Kind           AIEventKind
	ConversationID string
	Audio          []byte
	EventID        int64
	Text           string
	ToolName       string
}

// AILeg is an open conversation with the AI engine.
type AILeg interface {
	ReadEvent() (AIEvent, error)
	SendInitiation(vars map[string]string) error
	SendAudio(audio []byte) error
	SendPong(eventID int64) error
	Close() error
}

// AIDialer obtains a signed session URL and opens the AI leg. A URL failure
// must wrap ErrSignedURL.
type AIDialer interface {
	Dial(ctx context.Context) (AILeg, error)
}

// CallTerminator hangs up the telephony call.
type CallTerminator interface {
	EndCall(ctx context.Context, callSID string) error
}

type Publisher interface {
	Publish(kind string, payload any)
}

// ConversationLinker remembers which call an AI conversation belongs to.
type ConversationLinker interface {
	LinkConversation(ctx context.Context, conversationID, callSID string) error
}
