package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/playgrid/spotdiff/internal/events"
)

// ConnectionManager owns every live WebSocket connection, the per-session
// connection pools, and chat-room membership. It is the broadcast relay:
// events submitted for a recipient are delivered in submission order via the
// connection's send channel; there is no backlog for disconnected recipients.
type ConnectionManager struct {
	mu           sync.RWMutex
	conns        map[*Connection]bool
	sessionConns map[uuid.UUID]map[*Connection]bool
	rooms        map[string]map[*Connection]bool

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan broadcastMessage
	router      MessageRouter
}

// Connection represents one WebSocket client. A connection starts unbound
// and is bound to a (session, participant) pair by a successful join.
type Connection struct {
	ID      string
	Manager *ConnectionManager
	Send    chan []byte

	ws          *websocket.Conn
	ConnectedAt time.Time
	LastPing    time.Time
	done        chan struct{}

	mu            sync.Mutex
	closed        bool
	sessionID     uuid.UUID
	participantID string
}

// trySend queues data for the write pump. Returns false when the connection
// is closed or its buffer is full. The send channel itself is never closed;
// teardown is signalled through the closed flag, so a writer racing a drop
// cannot panic the process.
func (c *Connection) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// Binding returns the connection's session binding, if any.
func (c *Connection) Binding() (sessionID uuid.UUID, participantID string, bound bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.participantID, c.sessionID != uuid.Nil
}

// ParticipantID returns the participant identity attached at upgrade time or
// by a join.
func (c *Connection) ParticipantID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantID
}

// ConnectionConfig holds WebSocket transport settings.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket transport settings.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// ClientMessage is the inbound protocol envelope.
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MessageRouter dispatches inbound client messages and transport closes.
type MessageRouter interface {
	HandleMessage(ctx context.Context, conn *Connection, msg ClientMessage)
	HandleDisconnect(conn *Connection)
}

type broadcastMessage struct {
	sessionID     uuid.UUID
	participantID string // optional: restrict session delivery to one participant
	room          string // set for room delivery instead of session delivery
	event         *events.Event
}

// NewConnectionManager creates the connection manager.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		conns:        make(map[*Connection]bool),
		sessionConns: make(map[uuid.UUID]map[*Connection]bool),
		rooms:        make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcastMessage, 1000),
	}
}

// SetRouter binds the inbound message router. Must be called before the
// first upgrade.
func (cm *ConnectionManager) SetRouter(r MessageRouter) {
	cm.router = r
}

// Start processes broadcast messages until the context is cancelled.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket connection and
// starts its read/write pumps.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, participantID string) error {
	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	conn := &Connection{
		ID:            uuid.New().String(),
		Manager:       cm,
		Send:          make(chan []byte, 256),
		ws:            ws,
		ConnectedAt:   time.Now(),
		LastPing:      time.Now(),
		done:          make(chan struct{}),
		participantID: participantID,
	}

	cm.mu.Lock()
	cm.conns[conn] = true
	cm.mu.Unlock()

	go conn.writePump()
	go conn.readPump()

	log.Info().
		Str("connection_id", conn.ID).
		Str("participant_id", participantID).
		Msg("WebSocket connection established")

	return nil
}

// Bind attaches a connection to a session's participant slot so session
// broadcasts reach it.
func (cm *ConnectionManager) Bind(conn *Connection, sessionID uuid.UUID, participantID string) {
	conn.mu.Lock()
	conn.sessionID = sessionID
	conn.participantID = participantID
	conn.mu.Unlock()

	cm.mu.Lock()
	if cm.sessionConns[sessionID] == nil {
		cm.sessionConns[sessionID] = make(map[*Connection]bool)
	}
	cm.sessionConns[sessionID][conn] = true
	cm.mu.Unlock()

	log.Debug().
		Str("connection_id", conn.ID).
		Str("session_id", sessionID.String()).
		Str("participant_id", participantID).
		Msg("connection bound to session")
}

// Unbind detaches a connection from its session, leaving it connected and
// free to join another session.
func (cm *ConnectionManager) Unbind(conn *Connection) {
	conn.mu.Lock()
	sessionID := conn.sessionID
	conn.sessionID = uuid.Nil
	conn.mu.Unlock()

	if sessionID == uuid.Nil {
		return
	}

	cm.mu.Lock()
	if pool, ok := cm.sessionConns[sessionID]; ok {
		delete(pool, conn)
		if len(pool) == 0 {
			delete(cm.sessionConns, sessionID)
		}
	}
	cm.mu.Unlock()
}

// JoinRoom adds the connection to a named chat room.
func (cm *ConnectionManager) JoinRoom(conn *Connection, room string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.rooms[room] == nil {
		cm.rooms[room] = make(map[*Connection]bool)
	}
	cm.rooms[room][conn] = true
}

// LeaveRoom removes the connection from a room. Leaving a room the
// connection is not in is a no-op.
func (cm *ConnectionManager) LeaveRoom(conn *Connection, room string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if members, ok := cm.rooms[room]; ok {
		delete(members, conn)
		if len(members) == 0 {
			delete(cm.rooms, room)
		}
	}
}

// InRoom reports whether the connection is a member of the room.
func (cm *ConnectionManager) InRoom(conn *Connection, room string) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.rooms[room][conn]
}

// NotifySession queues an event for every connection bound to the session.
func (cm *ConnectionManager) NotifySession(sessionID uuid.UUID, ev *events.Event) {
	cm.enqueue(broadcastMessage{sessionID: sessionID, event: ev})
}

// NotifyParticipant queues an event for a single participant of a session.
func (cm *ConnectionManager) NotifyParticipant(sessionID uuid.UUID, participantID string, ev *events.Event) {
	cm.enqueue(broadcastMessage{sessionID: sessionID, participantID: participantID, event: ev})
}

// NotifyRoom queues an event for every current member of a chat room.
func (cm *ConnectionManager) NotifyRoom(room string, ev *events.Event) {
	cm.enqueue(broadcastMessage{room: room, event: ev})
}

func (cm *ConnectionManager) enqueue(msg broadcastMessage) {
	select {
	case cm.broadcastCh <- msg:
	default:
		log.Warn().
			Str("event_type", string(msg.event.Type)).
			Msg("broadcast channel full, dropping message")
	}
}

// handleBroadcast resolves recipients under the read lock, then delivers
// without holding it.
func (cm *ConnectionManager) handleBroadcast(message broadcastMessage) {
	cm.mu.RLock()
	var targets []*Connection
	if message.room != "" {
		for conn := range cm.rooms[message.room] {
			targets = append(targets, conn)
		}
	} else {
		for conn := range cm.sessionConns[message.sessionID] {
			if message.participantID != "" && conn.ParticipantID() != message.participantID {
				continue
			}
			targets = append(targets, conn)
		}
	}
	cm.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(message.event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for _, conn := range targets {
		if !conn.trySend(data) {
			// Slow or dead consumer: drop it rather than block the relay.
			log.Warn().
				Str("connection_id", conn.ID).
				Msg("connection send buffer full, closing connection")
			cm.drop(conn)
		}
	}
}

// drop removes a connection from every pool and signals its write pump to
// exit. Safe to call more than once per connection.
func (cm *ConnectionManager) drop(conn *Connection) {
	cm.mu.Lock()
	if !cm.conns[conn] {
		cm.mu.Unlock()
		return
	}
	delete(cm.conns, conn)
	for id, pool := range cm.sessionConns {
		delete(pool, conn)
		if len(pool) == 0 {
			delete(cm.sessionConns, id)
		}
	}
	for room, members := range cm.rooms {
		delete(members, conn)
		if len(members) == 0 {
			delete(cm.rooms, room)
		}
	}
	cm.mu.Unlock()

	// The send channel stays open: writers that still hold a reference
	// observe the closed flag and back off instead of racing a close.
	conn.mu.Lock()
	conn.closed = true
	conn.mu.Unlock()
	close(conn.done)

	if conn.ws != nil {
		conn.ws.Close()
	}

	log.Info().
		Str("connection_id", conn.ID).
		Msg("connection unregistered")
}

// disconnect tears a connection down and notifies the router so session
// cleanup runs exactly once.
func (cm *ConnectionManager) disconnect(conn *Connection) {
	cm.mu.RLock()
	alive := cm.conns[conn]
	cm.mu.RUnlock()

	cm.drop(conn)
	if alive && cm.router != nil {
		cm.router.HandleDisconnect(conn)
	}
}

// Stats returns connection counts for the info endpoint.
func (cm *ConnectionManager) Stats() map[string]int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return map[string]int{
		"total_connections": len(cm.conns),
		"active_sessions":   len(cm.sessionConns),
		"chat_rooms":        len(cm.rooms),
	}
}

// writePump sends queued messages and pings to the peer.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message := <-c.Send:
			c.ws.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump reads client messages and routes them until the transport closes.
func (c *Connection) readPump() {
	defer c.Manager.disconnect(c)

	c.ws.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().
				Str("connection_id", c.ID).
				Msg("dropping malformed client message")
			c.ws.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
			continue
		}

		if c.Manager.router != nil {
			c.Manager.router.HandleMessage(context.Background(), c, msg)
		}
		c.ws.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
