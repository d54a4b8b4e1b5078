package audio

import "fmt"

// Audio formats as named by the conversational AI provider.
const (
	FormatMuLaw8k = "ulaw_8000"
	FormatPCM8k   = "pcm_8000"
	FormatPCM16k  = "pcm_16000"
)

// Transcoder converts frames between the telephony leg (always μ-law 8kHz)
// and whatever the AI leg is configured to speak. Implementations are
// stateless and safe for concurrent use.
type Transcoder interface {
	ToAI(frame []byte) []byte
	ToCaller(frame []byte) []byte
}

type transcoder struct {
	toAI     func([]byte) []byte
	toCaller func([]byte) []byte
}

func (t transcoder) ToAI(frame []byte) []byte     { return t.toAI(frame) }
func (t transcoder) ToCaller(frame []byte) []byte { return t.toCaller(frame) }

// NewTranscoder builds the conversion pair for the AI leg's input and output formats.
func NewTranscoder(aiInput, aiOutput string) (Transcoder, error) {
	toAI, err := fromMuLaw(aiInput)
	if err != nil {
		return nil, err
	}
	toCaller, err := toMuLaw(aiOutput)
	if err != nil {
		return nil, err
	}
	return transcoder{toAI: toAI, toCaller: toCaller}, nil
}

// Passthrough is used when both legs speak μ-law 8kHz.
func Passthrough() Transcoder {
	return transcoder{toAI: identity, toCaller: identity}
}

func identity(frame []byte) []byte { return frame }

func fromMuLaw(format string) (func([]byte) []byte, error) {
	switch format {
	case FormatMuLaw8k, "":
		return identity, nil
	case FormatPCM8k:
		return DecodeMuLawToPCM16, nil
	case FormatPCM16k:
		return func(frame []byte) []byte {
			return Resample8kTo16k(DecodeMuLawToPCM16(frame))
		}, nil
	default:
		return nil, fmt.Errorf("unsupported AI input audio format %q", format)
	}
}

func toMuLaw(format string) (func([]byte) []byte, error) {
	switch format {
	case FormatMuLaw8k, "":
		return identity, nil
	case FormatPCM8k:
		return EncodePCM16ToMuLaw, nil
	case FormatPCM16k:
		return func(frame []byte) []byte {
			return EncodePCM16ToMuLaw(Resample16kTo8k(frame))
		}, nil
	default:
		return nil, fmt.Errorf("unsupported AI output audio format %q", format)
	}
}
