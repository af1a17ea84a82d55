package session

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/specwright/specwright/api/pkg/types"
)

// Emitter owns a session's outbound event channel with a closed latch:
// once the subscriber is gone, emission becomes a silent no-op rather
// than an error path into session logic.
type Emitter struct {
	mu     sync.Mutex
	ch     chan types.Event
	closed bool
}

func NewEmitter(buffer int) *Emitter {
	if buffer <= 0 {
		buffer = 256
	}
	return &Emitter{ch: make(chan types.Event, buffer)}
}

// Events is the subscriber's end; it closes when the session tears
// down.
func (e *Emitter) Events() <-chan types.Event {
	return e.ch
}

// Emit delivers best-effort: dropped silently when closed, dropped with
// a log line when the subscriber stalls past the buffer.
func (e *Emitter) Emit(event types.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.ch <- event:
	default:
		log.Debug().
			Str("type", string(event.Type)).
			Str("spec_id", event.SpecID).
			Msg("dropping event for slow subscriber")
	}
}

// Close is idempotent.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.ch)
}
