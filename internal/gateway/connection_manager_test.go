package gateway

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/playgrid/spotdiff/internal/events"
)

// newTestConn registers a connection without a transport; delivery is
// observed on the Send channel.
func newTestConn(cm *ConnectionManager, participantID string, sendBuffer int) *Connection {
	conn := &Connection{
		ID:            uuid.New().String(),
		Manager:       cm,
		Send:          make(chan []byte, sendBuffer),
		done:          make(chan struct{}),
		participantID: participantID,
	}
	cm.mu.Lock()
	cm.conns[conn] = true
	cm.mu.Unlock()
	return conn
}

func recvEvent(t *testing.T, conn *Connection) *events.Event {
	t.Helper()
	select {
	case data, ok := <-conn.Send:
		if !ok {
			t.Fatal("send channel closed")
		}
		var ev events.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("unmarshal delivered event: %v", err)
		}
		return &ev
	default:
		t.Fatal("no event delivered")
		return nil
	}
}

func assertNoEvent(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case data := <-conn.Send:
		t.Fatalf("unexpected delivery: %s", data)
	default:
	}
}

func TestSessionBroadcastReachesBoundConnections(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	sessionID := uuid.New()

	alice := newTestConn(cm, "alice", 8)
	bob := newTestConn(cm, "bob", 8)
	outsider := newTestConn(cm, "carol", 8)

	cm.Bind(alice, sessionID, "alice")
	cm.Bind(bob, sessionID, "bob")
	cm.Bind(outsider, uuid.New(), "carol")

	cm.handleBroadcast(broadcastMessage{
		sessionID: sessionID,
		event:     events.New(events.TypeTick, sessionID, events.TickPayload{TimeSec: 1}),
	})

	for _, conn := range []*Connection{alice, bob} {
		ev := recvEvent(t, conn)
		if ev.Type != events.TypeTick {
			t.Fatalf("expected tick, got %q", ev.Type)
		}
	}
	assertNoEvent(t, outsider)
}

func TestParticipantTargetedDelivery(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	sessionID := uuid.New()

	alice := newTestConn(cm, "alice", 8)
	bob := newTestConn(cm, "bob", 8)
	cm.Bind(alice, sessionID, "alice")
	cm.Bind(bob, sessionID, "bob")

	cm.handleBroadcast(broadcastMessage{
		sessionID:     sessionID,
		participantID: "alice",
		event:         events.New(events.TypeMiss, sessionID, nil),
	})

	if ev := recvEvent(t, alice); ev.Type != events.TypeMiss {
		t.Fatalf("expected miss, got %q", ev.Type)
	}
	assertNoEvent(t, bob)
}

func TestPerRecipientDeliveryOrder(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	sessionID := uuid.New()

	conn := newTestConn(cm, "alice", 16)
	cm.Bind(conn, sessionID, "alice")

	for i := 1; i <= 5; i++ {
		cm.handleBroadcast(broadcastMessage{
			sessionID: sessionID,
			event:     events.New(events.TypeTick, sessionID, events.TickPayload{TimeSec: i}),
		})
	}

	for i := 1; i <= 5; i++ {
		ev := recvEvent(t, conn)
		var payload events.TickPayload
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			t.Fatalf("unmarshal tick payload: %v", err)
		}
		if payload.TimeSec != i {
			t.Fatalf("out-of-order delivery: expected tick %d, got %d", i, payload.TimeSec)
		}
	}
}

func TestRoomBroadcast(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())

	member := newTestConn(cm, "alice", 8)
	other := newTestConn(cm, "bob", 8)
	cm.JoinRoom(member, "lobby")

	cm.handleBroadcast(broadcastMessage{
		room:  "lobby",
		event: events.New(events.TypeChat, uuid.Nil, events.ChatPayload{Room: "lobby", From: "alice", Text: "hi"}),
	})

	if ev := recvEvent(t, member); ev.Type != events.TypeChat {
		t.Fatalf("expected chat, got %q", ev.Type)
	}
	assertNoEvent(t, other)

	cm.LeaveRoom(member, "lobby")
	cm.handleBroadcast(broadcastMessage{
		room:  "lobby",
		event: events.New(events.TypeChat, uuid.Nil, nil),
	})
	assertNoEvent(t, member)
}

func TestUnbindStopsSessionDelivery(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	sessionID := uuid.New()

	conn := newTestConn(cm, "alice", 8)
	cm.Bind(conn, sessionID, "alice")
	cm.Unbind(conn)

	if _, _, bound := conn.Binding(); bound {
		t.Fatal("connection still bound after unbind")
	}

	cm.handleBroadcast(broadcastMessage{
		sessionID: sessionID,
		event:     events.New(events.TypeTick, sessionID, nil),
	})
	assertNoEvent(t, conn)
}

func TestSlowConsumerIsDropped(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	sessionID := uuid.New()

	slow := newTestConn(cm, "alice", 1)
	healthy := newTestConn(cm, "bob", 8)
	cm.Bind(slow, sessionID, "alice")
	cm.Bind(healthy, sessionID, "bob")

	// First delivery fills the slow consumer's buffer; the second overflows
	// it and evicts the connection.
	cm.handleBroadcast(broadcastMessage{sessionID: sessionID, event: events.New(events.TypeTick, sessionID, nil)})
	cm.handleBroadcast(broadcastMessage{sessionID: sessionID, event: events.New(events.TypeTick, sessionID, nil)})

	if got := cm.Stats()["total_connections"]; got != 1 {
		t.Fatalf("expected slow consumer to be evicted, got %d connections", got)
	}

	// The healthy recipient got both deliveries.
	recvEvent(t, healthy)
	recvEvent(t, healthy)

	// The slow consumer keeps its one buffered message; its channel stays
	// open and further sends are refused instead of panicking.
	<-slow.Send
	if slow.trySend([]byte("late")) {
		t.Fatal("expected send to dropped connection to be refused")
	}
	select {
	case <-slow.done:
	default:
		t.Fatal("expected write pump shutdown signal after drop")
	}
}

func TestSendAfterDropIsRefused(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	sessionID := uuid.New()

	conn := newTestConn(cm, "alice", 8)
	cm.Bind(conn, sessionID, "alice")

	// A writer that kept a reference from before the drop must have its
	// send refused, never panic.
	cm.drop(conn)
	if conn.trySend([]byte("late")) {
		t.Fatal("expected send to dropped connection to be refused")
	}

	cm.handleBroadcast(broadcastMessage{
		sessionID: sessionID,
		event:     events.New(events.TypeTick, sessionID, nil),
	})
	assertNoEvent(t, conn)
}

func TestDropIsIdempotent(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	conn := newTestConn(cm, "alice", 1)
	cm.Bind(conn, uuid.New(), "alice")
	cm.JoinRoom(conn, "lobby")

	cm.drop(conn)
	cm.drop(conn)

	stats := cm.Stats()
	if stats["total_connections"] != 0 || stats["active_sessions"] != 0 || stats["chat_rooms"] != 0 {
		t.Fatalf("expected empty pools after drop, got %v", stats)
	}
}

func TestBroadcastToEmptySessionIsNoOp(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	cm.handleBroadcast(broadcastMessage{
		sessionID: uuid.New(),
		event:     events.New(events.TypeTick, uuid.New(), nil),
	})
	// Nothing to assert beyond not panicking; no recipients, no work.
}

func TestStatsCounts(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	a := newTestConn(cm, "alice", 1)
	b := newTestConn(cm, "bob", 1)
	cm.Bind(a, uuid.New(), "alice")
	cm.JoinRoom(b, "lobby")

	stats := cm.Stats()
	if stats["total_connections"] != 2 {
		t.Fatalf("expected 2 connections, got %d", stats["total_connections"])
	}
	if stats["active_sessions"] != 1 {
		t.Fatalf("expected 1 session pool, got %d", stats["active_sessions"])
	}
	if stats["chat_rooms"] != 1 {
		t.Fatalf("expected 1 room, got %d", stats["chat_rooms"])
	}
}
