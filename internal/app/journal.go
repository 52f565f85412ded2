package app

import (
	"sync"

	"github.com/petervdpas/confcall/internal/call"
	"github.com/petervdpas/confcall/internal/callerr"
)

type journal interface {
	RecordError(roomID string, ce *callerr.CallError) error
	RecordStatus(roomID, from, to string) error
}

type callEvents interface {
	OnStateChange(fn func(call.State)) func()
	OnError(fn func(*callerr.CallError)) func()
}

// Record writes every status change and error of c into j until the
// returned func is called. Journal write failures are logged only.
func Record(j journal, c callEvents) func() {
	var (
		mu     sync.Mutex
		room   string
		status = call.StatusIdle
	)
	unsubState := c.OnStateChange(func(s call.State) {
		mu.Lock()
		defer mu.Unlock()
		if s.RoomID != "" {
			room = s.RoomID
		}
		if s.Status == status {
			return
		}
		if err := j.RecordStatus(room, string(status), string(s.Status)); err != nil {
			log.Warnf("APP: journal status: %v", err)
		}
		status = s.Status
	})
	unsubErr := c.OnError(func(ce *callerr.CallError) {
		mu.Lock()
		r := room
		mu.Unlock()
		if ce.Context.RoomID != "" {
			r = ce.Context.RoomID
		}
		if err := j.RecordError(r, ce); err != nil {
			log.Warnf("APP: journal error: %v", err)
		}
	})
	return func() {
		unsubState()
		unsubErr()
	}
}
