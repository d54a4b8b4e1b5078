package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/troikatech/callbridge/pkg/elevenlabs"
	"github.com/troikatech/callbridge/pkg/twilio"
)

// endCallTool is the agent tool that hangs up.
const endCallTool = "end_call"

// TwilioLeg adapts a Twilio media stream to the telephony leg contract.
func TwilioLeg(stream *twilio.MediaStream) TelephonyLeg {
	return twilioLeg{stream: stream}
}

type twilioLeg struct {
	stream *twilio.MediaStream
}

func (l twilioLeg) ReadEvent() (TelephonyEvent, error) {
	frame, err := l.stream.ReadFrame()
	switch {
	case errors.Is(err, twilio.ErrStreamStopped):
		return TelephonyEvent{}, ErrLegEnded
	case errors.Is(err, twilio.ErrMalformedEvent):
		return TelephonyEvent{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	case err != nil:
		return TelephonyEvent{}, err
	}
	switch frame.Event {
	case twilio.EventMedia:
		return TelephonyEvent{Kind: TelephonyAudio, Audio: frame.Audio}, nil
	case twilio.EventMark:
		return TelephonyEvent{Kind: TelephonyMark}, nil
	}
	return TelephonyEvent{Kind: TelephonyOther}, nil
}

func (l twilioLeg) WriteAudio(audio []byte) error { return l.stream.SendAudio(audio) }
func (l twilioLeg) WriteClear() error             { return l.stream.SendClear() }
func (l twilioLeg) Close() error                  { return l.stream.Close() }

// ElevenLabsDialer opens agent conversations through signed URLs.
type ElevenLabsDialer struct {
	Client  *elevenlabs.Client
	Options elevenlabs.DialOptions
}

func (d ElevenLabsDialer) Dial(ctx context.Context) (AILeg, error) {
	url, err := d.Client.GetSignedURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignedURL, err)
	}
	conv, err := elevenlabs.Dial(ctx, url, d.Options)
	if err != nil {
		return nil, err
	}
	return elevenLabsLeg{conv: conv}, nil
}

type elevenLabsLeg struct {
	conv *elevenlabs.Conversation
}

func (l elevenLabsLeg) ReadEvent() (AIEvent, error) {
	ev, err := l.conv.ReadEvent()
	switch {
	case errors.Is(err, elevenlabs.ErrConversationEnded):
		return AIEvent{}, ErrLegEnded
	case errors.Is(err, elevenlabs.ErrMalformedEvent):
		return AIEvent{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	case err != nil:
		return AIEvent{}, err
	}

	out := AIEvent{EventID: ev.EventID, Text: ev.Text}
	switch ev.Type {
	case elevenlabs.EventInitiationMetadata:
		out.Kind, out.ConversationID = AIMetadata, ev.ConversationID
	case elevenlabs.EventAudio:
		out.Kind, out.Audio = AIAudio, ev.Audio
	case elevenlabs.EventInterruption:
		out.Kind = AIInterruption
	case elevenlabs.EventPing:
		out.Kind = AIPing
	case elevenlabs.EventUserTranscript:
		out.Kind = AIUserTranscript
	case elevenlabs.EventAgentResponse:
		out.Kind = AIAgentResponse
	case elevenlabs.EventClientToolCall:
		out.Kind, out.ToolName = AIToolCall, ev.ToolName
	}
	return out, nil
}

func (l elevenLabsLeg) SendInitiation(vars map[string]string) error {
	return l.conv.SendInitiation(vars)
}
func (l elevenLabsLeg) SendAudio(audio []byte) error { return l.conv.SendAudio(audio) }
func (l elevenLabsLeg) SendPong(eventID int64) error { return l.conv.SendPong(eventID) }
func (l elevenLabsLeg) Close() error                 { return l.conv.Close() }
