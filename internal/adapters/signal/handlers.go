// Package signal provides the client side of the signaling transport.
package signal

import (
	"errors"
	"sync"

	"github.com/groovia/livecall/internal/protocol"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

// handlers dispatches events sequentially on the caller's goroutine.
type handlers struct {
	mu sync.RWMutex
	m  map[protocol.EventName][]func(protocol.Event)
}

func newHandlers() *handlers {
	return &handlers{m: make(map[protocol.EventName][]func(protocol.Event))}
}

func (h *handlers) on(name protocol.EventName, fn func(protocol.Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.m[name] = append(h.m[name], fn)
}

func (h *handlers) dispatch(ev protocol.Event) {
	h.mu.RLock()
	fns := h.m[ev.Event()]
	h.mu.RUnlock()

	if len(fns) == 0 {
		log.Debug().Str("module", "signal").Str("event", string(ev.Event())).Msg("no handler")
		return
	}
	for _, fn := range fns {
		call(ev, fn)
	}
}

func call(ev protocol.Event, fn func(protocol.Event)) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "signal").Str("event", string(ev.Event())).Interface("panic", r).Msg("handler panicked")
		}
	}()
	fn(ev)
}
