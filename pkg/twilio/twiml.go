package twilio

import (
	"fmt"
	"sort"

	"github.com/twilio/twilio-go/twiml"
)

// ConnectStreamTwiML answers a call by connecting its audio to the media
// stream websocket. params are handed back in the stream's start event.
func ConnectStreamTwiML(streamURL string, params map[string]string) (string, error) {
	var inner []twiml.Element
	for _, name := range sortedKeys(params) {
		inner = append(inner, twiml.VoiceParameter{Name: name, Value: params[name]})
	}
	doc, err := twiml.Voice([]twiml.Element{
		twiml.VoiceConnect{
			InnerElements: []twiml.Element{
				twiml.VoiceStream{Url: streamURL, InnerElements: inner},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("build connect twiml: %w", err)
	}
	return doc, nil
}

// MessageTwiML is the reply to an inbound message webhook.
func MessageTwiML(body string) (string, error) {
	doc, err := twiml.Messages([]twiml.Element{
		twiml.MessagingMessage{Body: body},
	})
	if err != nil {
		return "", fmt.Errorf("build message twiml: %w", err)
	}
	return doc, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
