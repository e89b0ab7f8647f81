package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"trivion/internal/game"
	"trivion/internal/heartbeat"
	"trivion/internal/questions"
	"trivion/internal/rooms"
)

// Transport is everything the coordinator needs from the connection layer.
// Its Broadcast and Send methods satisfy game.Broadcaster, so one adapter
// serves both the sessions and the coordinator.
type Transport interface {
	Broadcast(roomCode, event string, payload any)
	Send(connID, event string, payload any)
	Subscribe(connID, roomCode string)
	Unsubscribe(connID, roomCode string)
	CloseConn(connID string)
}

type connState struct {
	roomCode string
	playerID string
	role     game.Role
}

// Coordinator routes client messages to rooms and owns the connection
// lifecycle: admission, heartbeats, disconnection grace and reconnection.
type Coordinator struct {
	transport Transport
	registry  *rooms.Registry
	monitor   *heartbeat.Monitor
	clock     clockwork.Clock
	defaults  []game.Question
	grace     time.Duration

	mu    sync.Mutex
	conns map[string]*connState
}

func New(transport Transport, registry *rooms.Registry, hbCfg heartbeat.Config, clock clockwork.Clock, defaults []game.Question) *Coordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c := &Coordinator{
		transport: transport,
		registry:  registry,
		clock:     clock,
		defaults:  defaults,
		grace:     hbCfg.Grace,
		conns:     map[string]*connState{},
	}
	c.monitor = heartbeat.NewMonitor(hbCfg, clock, c.onProbe, c.onStale, c.onForfeit)
	return c
}

// Run drives the liveness sweeps until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	c.monitor.Run(ctx)
}

func (c *Coordinator) Monitor() *heartbeat.Monitor {
	return c.monitor
}

// OnConnect registers a fresh connection.
func (c *Coordinator) OnConnect(connID string) {
	c.monitor.Touch(connID)
	c.transport.Send(connID, "welcome", map[string]any{
		"conn_id":     connID,
		"server_time": c.clock.Now().UnixMilli(),
	})
}

// OnDisconnect opens the reconnection grace window for whoever was behind
// the connection.
func (c *Coordinator) OnDisconnect(connID string) {
	c.monitor.Forget(connID)
	c.detach(connID, true)
}

// OnMessage dispatches one client message. A panicking handler fails only
// this message; the connection and the room live on.
func (c *Coordinator) OnMessage(connID string, raw []byte) {
	c.monitor.Touch(connID)

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("conn", connID).Msg("message handler panicked")
			c.sendError(connID, "internal_error")
		}
	}()

	env, ok := decode[Envelope](raw)
	if !ok {
		c.sendError(connID, "bad_json")
		return
	}

	switch env.Type {
	case "ping", "heartbeat":
		c.transport.Send(connID, "pong", map[string]any{"server_time": c.clock.Now().UnixMilli()})
	case "create_room":
		c.handleCreateRoom(connID, raw)
	case "list_rooms":
		c.transport.Send(connID, "rooms", map[string]any{"rooms": c.registry.List()})
	case "join":
		c.handleJoin(connID, raw)
	case "reconnect":
		c.handleReconnect(connID, raw)
	case "answer":
		c.handleAnswer(connID, raw)
	case "state":
		c.handleState(connID)
	case "leave":
		c.detach(connID, false)
	case "start_game", "next_question", "show_podium", "show_leaderboard", "end_game", "close_room",
		"add_question", "remove_question", "set_questions", "clear_questions", "list_questions":
		c.handleAdmin(connID, env.Type, raw)
	default:
		c.sendError(connID, "unknown_type")
	}
}

func (c *Coordinator) sendError(connID, code string) {
	c.transport.Send(connID, "error", map[string]any{"error": code})
}

func (c *Coordinator) stateFor(connID string) (*connState, *rooms.Room) {
	c.mu.Lock()
	st := c.conns[connID]
	c.mu.Unlock()
	if st == nil {
		return nil, nil
	}
	room, err := c.registry.Get(st.roomCode)
	if err != nil {
		return st, nil
	}
	return st, room
}

func (c *Coordinator) handleCreateRoom(connID string, raw []byte) {
	msg, ok := decode[CreateRoomMessage](raw)
	if !ok {
		c.sendError(connID, "bad_json")
		return
	}
	qs := msg.Questions
	for _, q := range qs {
		if err := questions.Validate(q); err != nil {
			c.sendError(connID, "invalid_question")
			return
		}
	}
	if len(qs) == 0 {
		qs = c.defaults
	}
	public := true
	if msg.Public != nil {
		public = *msg.Public
	}
	room, err := c.registry.CreateRoom(msg.Name, public, msg.Password, qs)
	if err != nil {
		c.sendError(connID, err.Error())
		return
	}
	c.transport.Send(connID, "room_created", map[string]any{
		"room":         room.Code,
		"name":         room.Name,
		"public":       room.Public,
		"has_password": room.HasPassword(),
	})
}

func (c *Coordinator) handleJoin(connID string, raw []byte) {
	msg, ok := decode[JoinMessage](raw)
	if !ok {
		c.sendError(connID, "bad_json")
		return
	}

	c.mu.Lock()
	_, already := c.conns[connID]
	c.mu.Unlock()
	if already {
		c.sendError(connID, "already_in_room")
		return
	}

	role := game.RolePlayer
	if msg.Role == string(game.RoleAdmin) {
		role = game.RoleAdmin
	}

	room, p, err := c.registry.Admit(msg.Room, msg.Name, msg.Password, connID, role)
	if err != nil {
		c.sendError(connID, err.Error())
		return
	}

	c.mu.Lock()
	c.conns[connID] = &connState{roomCode: room.Code, playerID: p.ID, role: role}
	c.mu.Unlock()
	c.transport.Subscribe(connID, room.Code)

	c.transport.Send(connID, "joined", map[string]any{
		"player_id": p.ID,
		"name":      p.Name,
		"room":      room.Code,
		"role":      string(role),
		"waiting":   p.Waiting,
		"state":     room.Session.Snapshot(),
	})

	event := "player_joined"
	if p.Waiting {
		event = "player_waiting"
	}
	c.transport.Broadcast(room.Code, event, map[string]any{
		"player_id": p.ID,
		"name":      p.Name,
		"players":   room.Session.PlayerSummaries(),
	})
	log.Info().Str("room", room.Code).Str("player", p.Name).Bool("waiting", p.Waiting).Msg("player joined")
}

func (c *Coordinator) handleReconnect(connID string, raw []byte) {
	msg, ok := decode[ReconnectMessage](raw)
	if !ok {
		c.sendError(connID, "bad_json")
		return
	}

	rec, claimed := c.monitor.Claim(msg.PlayerID)
	if !claimed {
		c.transport.Send(connID, "reconnect_failed", map[string]any{"reason": "grace_expired"})
		return
	}
	room, err := c.registry.Get(rec.RoomCode)
	if err != nil {
		c.transport.Send(connID, "reconnect_failed", map[string]any{"reason": "room_gone"})
		return
	}

	// snapshot before Readmit: once the player is back in the session,
	// its fields belong to the session lock
	p := rec.Player
	playerID, name, score, waiting, role := p.ID, p.Name, p.Score, p.Waiting, p.Role
	room.Session.Readmit(p, connID)

	c.mu.Lock()
	c.conns[connID] = &connState{roomCode: room.Code, playerID: playerID, role: role}
	c.mu.Unlock()
	c.transport.Subscribe(connID, room.Code)

	c.transport.Send(connID, "reconnect_ok", map[string]any{
		"player_id": playerID,
		"name":      name,
		"score":     score,
		"room":      room.Code,
		"waiting":   waiting,
		"state":     room.Session.Snapshot(),
	})
	c.transport.Broadcast(room.Code, "player_reconnected", map[string]any{
		"player_id": playerID,
		"name":      name,
	})
	log.Info().Str("room", room.Code).Str("player", name).Msg("player reconnected")
}

func (c *Coordinator) handleAnswer(connID string, raw []byte) {
	msg, ok := decode[AnswerMessage](raw)
	if !ok {
		c.sendError(connID, "bad_json")
		return
	}
	st, room := c.stateFor(connID)
	if st == nil || room == nil {
		c.sendError(connID, "not_in_room")
		return
	}
	accepted, err := room.Session.SubmitAnswer(connID, msg.Answer, msg.Seq)
	if err != nil {
		c.sendError(connID, err.Error())
		return
	}
	c.transport.Send(connID, "answer_ack", map[string]any{"accepted": accepted})
}

func (c *Coordinator) handleState(connID string) {
	_, room := c.stateFor(connID)
	if room == nil {
		c.sendError(connID, "not_in_room")
		return
	}
	c.transport.Send(connID, "state", room.Session.Snapshot())
}

func (c *Coordinator) handleAdmin(connID, op string, raw []byte) {
	st, room := c.stateFor(connID)
	if st == nil || room == nil {
		c.sendError(connID, "not_in_room")
		return
	}
	if st.role != game.RoleAdmin {
		c.sendError(connID, "not_admin")
		return
	}
	s := room.Session

	// transitions with built-in pacing run off the read loop
	switch op {
	case "start_game":
		c.spawn(connID, s.Start)
	case "next_question":
		c.spawn(connID, s.Next)
	case "show_podium":
		c.spawn(connID, s.ShowPodium)
	case "show_leaderboard":
		c.reportErr(connID, s.ShowLeaderboard)
	case "end_game":
		c.spawnReset(room.Code, s.EndGame)
	case "close_room":
		c.closeRoom(room)
	case "add_question":
		msg, ok := decode[QuestionMessage](raw)
		if !ok {
			c.sendError(connID, "bad_json")
			return
		}
		if err := questions.Validate(msg.Question); err != nil {
			c.sendError(connID, "invalid_question")
			return
		}
		if err := s.AddQuestion(msg.Question); err != nil {
			c.sendError(connID, err.Error())
			return
		}
		c.sendQuestions(connID, s)
	case "remove_question":
		msg, ok := decode[QuestionMessage](raw)
		if !ok {
			c.sendError(connID, "bad_json")
			return
		}
		if err := s.RemoveQuestion(msg.Index); err != nil {
			c.sendError(connID, err.Error())
			return
		}
		c.sendQuestions(connID, s)
	case "set_questions":
		msg, ok := decode[SetQuestionsMessage](raw)
		if !ok {
			c.sendError(connID, "bad_json")
			return
		}
		for _, q := range msg.Questions {
			if err := questions.Validate(q); err != nil {
				c.sendError(connID, "invalid_question")
				return
			}
		}
		if err := s.SetQuestions(msg.Questions); err != nil {
			c.sendError(connID, err.Error())
			return
		}
		c.sendQuestions(connID, s)
	case "clear_questions":
		if err := s.ClearQuestions(); err != nil {
			c.sendError(connID, err.Error())
			return
		}
		c.sendQuestions(connID, s)
	case "list_questions":
		c.sendQuestions(connID, s)
	}
}

// reportErr relays a failed transition to the admin. Requests that merely
// arrive in the wrong state are dropped without a reply.
func (c *Coordinator) reportErr(connID string, fn func() error) {
	if err := fn(); err != nil && !errors.Is(err, game.ErrWrongState) {
		c.sendError(connID, err.Error())
	}
}

// spawn runs a paced transition off the read loop. A panic fails only this
// room's transition; the caller gets the same reply as any internal failure.
func (c *Coordinator) spawn(connID string, fn func() error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("conn", connID).Msg("transition panicked")
				c.sendError(connID, "internal_error")
			}
		}()
		c.reportErr(connID, fn)
	}()
}

// spawnReset runs a game reset in the background with the same panic
// containment as spawn.
func (c *Coordinator) spawnReset(roomCode string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("room", roomCode).Msg("game reset panicked")
			}
		}()
		fn()
	}()
}

func (c *Coordinator) sendQuestions(connID string, s *game.Session) {
	c.transport.Send(connID, "questions", map[string]any{"questions": s.Questions()})
}

func (c *Coordinator) closeRoom(room *rooms.Room) {
	room.Session.Finish()
	c.transport.Broadcast(room.Code, "room_closed", map[string]any{"room": room.Code})

	c.mu.Lock()
	var members []string
	for connID, st := range c.conns {
		if st.roomCode == room.Code {
			members = append(members, connID)
			delete(c.conns, connID)
		}
	}
	c.mu.Unlock()

	for _, connID := range members {
		c.transport.Unsubscribe(connID, room.Code)
		c.transport.CloseConn(connID)
	}
	c.monitor.DropRoom(room.Code)
	if err := c.registry.CloseRoom(room.Code); err != nil {
		log.Warn().Err(err).Str("room", room.Code).Msg("close room")
	}
}

// detach removes the connection's player from their room. With park set the
// player gets a grace window to reconnect; otherwise the departure is final.
func (c *Coordinator) detach(connID string, park bool) {
	c.mu.Lock()
	st := c.conns[connID]
	delete(c.conns, connID)
	c.mu.Unlock()
	if st == nil {
		return
	}
	c.transport.Unsubscribe(connID, st.roomCode)

	room, err := c.registry.Get(st.roomCode)
	if err != nil {
		return
	}
	p, ok := room.Session.RemoveByConn(connID)
	if !ok {
		return
	}

	if park {
		c.monitor.Park(heartbeat.Record{Player: p, RoomCode: room.Code})
		c.transport.Broadcast(room.Code, "player_disconnected", map[string]any{
			"player_id":     p.ID,
			"name":          p.Name,
			"waiting":       p.Waiting,
			"grace_seconds": int(c.grace / time.Second),
		})
	} else {
		c.transport.Broadcast(room.Code, "player_left", map[string]any{
			"player_id": p.ID,
			"name":      p.Name,
			"waiting":   p.Waiting,
		})
		if c.registry.DeleteIfEmpty(room.Code) {
			return
		}
	}
	c.forceLobbyIfAbandoned(room)
}

// onProbe is fired by the monitor for every live connection on each sweep.
func (c *Coordinator) onProbe(connID string) {
	c.transport.Send(connID, "ping", map[string]any{"server_time": c.clock.Now().UnixMilli()})
}

// onStale is fired by the monitor for connections that stopped answering.
func (c *Coordinator) onStale(connID string) {
	c.detach(connID, true)
	c.transport.CloseConn(connID)
}

// onForfeit is fired when a parked player's grace window lapses.
func (c *Coordinator) onForfeit(rec heartbeat.Record) {
	room, err := c.registry.Get(rec.RoomCode)
	if err != nil {
		return
	}
	c.transport.Broadcast(rec.RoomCode, "player_left", map[string]any{
		"player_id": rec.Player.ID,
		"name":      rec.Player.Name,
		"waiting":   rec.Player.Waiting,
		"reason":    "grace_expired",
	})
	if c.registry.DeleteIfEmpty(rec.RoomCode) {
		return
	}
	c.forceLobbyIfAbandoned(room)
}

// forceLobbyIfAbandoned resets a game that lost its last active player.
// EndGame can block on pacing, so it runs off the caller's goroutine.
func (c *Coordinator) forceLobbyIfAbandoned(room *rooms.Room) {
	if room.Session.State() == game.StateLobby {
		return
	}
	if room.Session.ActiveCount() > 0 {
		return
	}
	log.Info().Str("room", room.Code).Msg("no active players left, resetting to lobby")
	c.spawnReset(room.Code, room.Session.EndGame)
}
