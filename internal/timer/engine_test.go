package timer

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// recordingHandler counts ticks per session and signals each one.
type recordingHandler struct {
	mu        sync.Mutex
	ticks     map[uuid.UUID]int
	stopAfter int // stop a session's clock after this many ticks; 0 means never
	tickCh    chan uuid.UUID
}

func newRecordingHandler(stopAfter int) *recordingHandler {
	return &recordingHandler{
		ticks:     make(map[uuid.UUID]int),
		stopAfter: stopAfter,
		tickCh:    make(chan uuid.UUID, 64),
	}
}

func (h *recordingHandler) OnTick(sessionID uuid.UUID) bool {
	h.mu.Lock()
	h.ticks[sessionID]++
	n := h.ticks[sessionID]
	h.mu.Unlock()
	h.tickCh <- sessionID
	return h.stopAfter > 0 && n >= h.stopAfter
}

func (h *recordingHandler) count(sessionID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ticks[sessionID]
}

func waitTick(t *testing.T, h *recordingHandler) {
	t.Helper()
	select {
	case <-h.tickCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tick")
	}
}

func TestTicksAdvanceWithClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	engine := NewEngine(clock, time.Second)
	handler := newRecordingHandler(0)
	engine.SetHandler(handler)

	id := uuid.New()
	engine.Start(id)
	clock.BlockUntil(1)

	for i := 1; i <= 3; i++ {
		clock.Advance(time.Second)
		waitTick(t, handler)
		if got := handler.count(id); got != i {
			t.Fatalf("expected %d ticks, got %d", i, got)
		}
	}

	engine.Cancel(id)
	if engine.ActiveCount() != 0 {
		t.Fatalf("expected no running clocks, got %d", engine.ActiveCount())
	}
}

func TestHandlerStopRemovesHandle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	engine := NewEngine(clock, time.Second)
	handler := newRecordingHandler(2)
	engine.SetHandler(handler)

	id := uuid.New()
	engine.Start(id)
	clock.BlockUntil(1)

	clock.Advance(time.Second)
	waitTick(t, handler)
	clock.Advance(time.Second)
	waitTick(t, handler)

	// The second tick asked the engine to stop; the handle disappears once
	// the goroutine unwinds.
	deadline := time.After(2 * time.Second)
	for engine.ActiveCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("clock still running after handler requested stop")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	// A further advance produces no more ticks.
	clock.Advance(time.Second)
	select {
	case <-handler.tickCh:
		t.Fatal("received tick after stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	engine := NewEngine(clock, time.Second)
	engine.SetHandler(newRecordingHandler(0))

	// Cancelling a clock that never started is a no-op.
	engine.Cancel(uuid.New())

	id := uuid.New()
	engine.Start(id)
	clock.BlockUntil(1)

	engine.Cancel(id)
	engine.Cancel(id)

	if engine.ActiveCount() != 0 {
		t.Fatalf("expected no running clocks, got %d", engine.ActiveCount())
	}
}

func TestStartIsIdempotentPerSession(t *testing.T) {
	clock := clockwork.NewFakeClock()
	engine := NewEngine(clock, time.Second)
	handler := newRecordingHandler(0)
	engine.SetHandler(handler)

	id := uuid.New()
	engine.Start(id)
	engine.Start(id)
	if engine.ActiveCount() != 1 {
		t.Fatalf("expected a single clock, got %d", engine.ActiveCount())
	}

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	waitTick(t, handler)

	select {
	case <-handler.tickCh:
		t.Fatal("duplicate start produced a second ticker")
	case <-time.After(50 * time.Millisecond):
	}

	engine.Cancel(id)
}

func TestIndependentSessionClocks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	engine := NewEngine(clock, time.Second)
	handler := newRecordingHandler(0)
	engine.SetHandler(handler)

	a, b := uuid.New(), uuid.New()
	engine.Start(a)
	engine.Start(b)
	clock.BlockUntil(2)

	// Cancelling one session's clock leaves the other ticking.
	engine.Cancel(a)
	clock.Advance(time.Second)
	waitTick(t, handler)

	if handler.count(a) != 0 {
		t.Fatalf("cancelled session ticked %d times", handler.count(a))
	}
	if handler.count(b) != 1 {
		t.Fatalf("expected one tick for live session, got %d", handler.count(b))
	}

	engine.Cancel(b)
}
