package callerr

import (
	"context"
	"errors"
	"strings"
)

type rule struct {
	t        Type
	keywords []string
}

// rules are checked in order; the first rule with a matching keyword wins.
// More specific phrases precede looser ones ("connection failed" before
// "websocket", "permission" before "camera").
var rules = []rule{
	{TokenExpired, []string{"token expired", "jwt expired", "token is expired"}},
	{Unauthorized, []string{"unauthorized", "unauthenticated", "forbidden", "invalid token"}},

	{MediaPermissionDenied, []string{"permission denied", "notallowederror", "not allowed", "permission"}},

	{RoomNotFound, []string{"room not found", "no such room"}},
	{RoomFull, []string{"room full", "room is full"}},
	{ParticipantLimitExceeded, []string{"participant limit", "too many participants"}},

	{ConnectionFailed, []string{"connection failed", "failed to connect"}},
	{ConnectionLost, []string{"connection lost", "connection closed", "disconnected"}},
	{WebSocketError, []string{"websocket"}},

	{TimeoutError, []string{"timeout", "timed out", "deadline exceeded"}},

	{ScreenShareError, []string{"screen", "display"}},
	{MediaDeviceNotFound, []string{"device not found", "notfounderror", "no device", "camera", "microphone", "device"}},
	{MediaStreamError, []string{"stream", "track"}},

	{TransportError, []string{"transport", "dtls"}},
	{ProducerError, []string{"producer", "produce"}},
	{ConsumerError, []string{"consumer", "consume"}},
	{RTPCapabilitiesError, []string{"capabilit", "codec"}},

	{NetworkError, []string{"network", "offline", "connection refused", "no route to host", "unreachable"}},
}

// Classify converts err into a CallError. An err that already wraps a
// CallError is returned as is.
func Classify(err error, c Context) *CallError {
	if err == nil {
		return nil
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	return New(classifyType(err), err.Error(), err, c)
}

func classifyType(err error) Type {
	if errors.Is(err, context.DeadlineExceeded) {
		return TimeoutError
	}
	msg := strings.ToLower(err.Error())
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(msg, kw) {
				return r.t
			}
		}
	}
	return UnknownError
}
