// Package timer runs one periodic clock per active session. Scheduling goes
// through clockwork so tests drive ticks with a fake clock.
package timer

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// TickHandler receives each tick for a session. Returning true stops the
// session's clock; the handle is removed before the next tick is scheduled.
type TickHandler interface {
	OnTick(sessionID uuid.UUID) (stop bool)
}

// handle owns one periodic tick goroutine. Cancellation is idempotent:
// closing the cancel channel is guarded by once, so cancelling twice or
// cancelling a handle whose goroutine already exited is a no-op.
type handle struct {
	cancel chan struct{}
	once   sync.Once
}

func (h *handle) stop() {
	h.once.Do(func() { close(h.cancel) })
}

// Engine starts and cancels per-session clocks.
type Engine struct {
	clock    clockwork.Clock
	interval time.Duration

	mu      sync.Mutex
	handles map[uuid.UUID]*handle
	handler TickHandler
}

// NewEngine creates an engine ticking every interval on the given clock.
func NewEngine(clock clockwork.Clock, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = time.Second
	}
	return &Engine{
		clock:    clock,
		interval: interval,
		handles:  make(map[uuid.UUID]*handle),
	}
}

// SetHandler binds the tick handler. Must be called before Start; split from
// the constructor because the coordinator that handles ticks also owns the
// engine.
func (e *Engine) SetHandler(h TickHandler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

// Start launches the clock for a session. Starting an already-running
// session's clock is a no-op.
func (e *Engine) Start(sessionID uuid.UUID) {
	e.mu.Lock()
	if _, exists := e.handles[sessionID]; exists {
		e.mu.Unlock()
		return
	}
	h := &handle{cancel: make(chan struct{})}
	e.handles[sessionID] = h
	handler := e.handler
	e.mu.Unlock()

	go e.run(sessionID, h, handler)

	log.Debug().
		Str("session_id", sessionID.String()).
		Dur("interval", e.interval).
		Msg("session clock started")
}

// Cancel stops the clock for a session. Cancelling an unknown or
// already-cancelled session is a no-op.
func (e *Engine) Cancel(sessionID uuid.UUID) {
	e.mu.Lock()
	h, ok := e.handles[sessionID]
	delete(e.handles, sessionID)
	e.mu.Unlock()

	if !ok {
		return
	}
	h.stop()
	log.Debug().Str("session_id", sessionID.String()).Msg("session clock cancelled")
}

// ActiveCount returns how many session clocks are running.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handles)
}

// run drives one session's ticks. Each tick is scheduled relative to the
// previous one; drift is not compensated.
func (e *Engine) run(sessionID uuid.UUID, h *handle, handler TickHandler) {
	ticker := e.clock.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.cancel:
			return
		case <-ticker.Chan():
			// Cancellation takes priority over a simultaneous tick.
			select {
			case <-h.cancel:
				return
			default:
			}
			if handler == nil {
				continue
			}
			if handler.OnTick(sessionID) {
				e.Cancel(sessionID)
				return
			}
		}
	}
}
