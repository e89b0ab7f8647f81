package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Handler receives connection lifecycle callbacks and raw client messages.
type Handler interface {
	OnConnect(connID string)
	OnDisconnect(connID string)
	OnMessage(connID string, raw []byte)
}

// Event is the wire envelope for every server-to-client message.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
	TS   int64  `json:"ts"`
}

type client struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

// Server owns the WebSocket connections and their room subscriptions. It
// implements the coordinator's Transport; per-connection send queues are
// bounded and a client that cannot keep up loses messages rather than
// stalling the room.
type Server struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	handler Handler
	clients map[string]*client
	members map[string]map[string]*client
	roomOf  map[string]string
}

func NewServer() *Server {
	return &Server{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  map[string]*client{},
		members:  map[string]map[string]*client{},
		roomOf:   map[string]string{},
	}
}

// SetHandler binds the message handler. The coordinator and the server
// reference each other, so this runs after both are constructed.
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *Server) getHandler() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.HandleWS(w, r)
}

func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, 64)}

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	go s.writeLoop(c)
	if h := s.getHandler(); h != nil {
		h.OnConnect(c.id)
	}
	s.readLoop(c)
}

func (s *Server) readLoop(c *client) {
	defer func() {
		s.unregister(c)
		_ = c.conn.Close()
		if h := s.getHandler(); h != nil {
			h.OnDisconnect(c.id)
		}
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if h := s.getHandler(); h != nil {
			h.OnMessage(c.id, raw)
		}
	}
}

func (s *Server) writeLoop(c *client) {
	for raw := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.conn.Close()
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.id]; !ok {
		return
	}
	delete(s.clients, c.id)
	s.dropFromRoomLocked(c.id)
	c.close()
}

func (s *Server) dropFromRoomLocked(connID string) {
	room, ok := s.roomOf[connID]
	if !ok {
		return
	}
	delete(s.roomOf, connID)
	if set := s.members[room]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(s.members, room)
		}
	}
}

func encode(event string, payload any) []byte {
	raw, err := json.Marshal(Event{Type: event, Data: payload, TS: time.Now().UnixMilli()})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode event")
		return nil
	}
	return raw
}

// enqueue queues a frame for the write loop. It serializes against close:
// a broadcast racing a disconnect drops the frame instead of sending on a
// closed channel.
func (c *client) enqueue(raw []byte) {
	if raw == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- raw:
	default:
		log.Warn().Str("conn", c.id).Msg("send queue full, dropping event")
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Broadcast fans an event out to every connection in a room.
func (s *Server) Broadcast(roomCode, event string, payload any) {
	raw := encode(event, payload)

	s.mu.Lock()
	targets := make([]*client, 0, len(s.members[roomCode]))
	for _, c := range s.members[roomCode] {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.enqueue(raw)
	}
}

// Send delivers an event to one connection.
func (s *Server) Send(connID, event string, payload any) {
	s.mu.Lock()
	c := s.clients[connID]
	s.mu.Unlock()
	if c == nil {
		return
	}
	c.enqueue(encode(event, payload))
}

// Subscribe adds a connection to a room's fan-out set. A connection lives
// in at most one room.
func (s *Server) Subscribe(connID, roomCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[connID]
	if !ok {
		return
	}
	s.dropFromRoomLocked(connID)
	if s.members[roomCode] == nil {
		s.members[roomCode] = map[string]*client{}
	}
	s.members[roomCode][connID] = c
	s.roomOf[connID] = roomCode
}

func (s *Server) Unsubscribe(connID, roomCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropFromRoomLocked(connID)
}

// CloseConn tears a connection down; the read loop's exit path reports the
// disconnect to the handler.
func (s *Server) CloseConn(connID string) {
	s.mu.Lock()
	c := s.clients[connID]
	s.mu.Unlock()
	if c != nil {
		_ = c.conn.Close()
	}
}

// ConnCount reports the number of live connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
