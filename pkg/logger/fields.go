package logger

import "go.uber.org/zap"

// Field keys shared by every component so log queries can join a call's
// session, webhook and notification lines.
const (
	KeyCallSID        = "call_sid"
	KeyConversationID = "conversation_id"
	KeyCallID         = "call_id"
	KeyChannel        = "channel"
)

func CallSID(sid string) zap.Field {
	return zap.String(KeyCallSID, sid)
}

func ConversationID(id string) zap.Field {
	return zap.String(KeyConversationID, id)
}

func CallID(id string) zap.Field {
	return zap.String(KeyCallID, id)
}

func Channel(channel string) zap.Field {
	return zap.String(KeyChannel, channel)
}
