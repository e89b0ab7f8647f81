package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"trivion/internal/game"
)

// Config sets the liveness probing cadence and the reconnection grace
// window.
type Config struct {
	ProbeInterval time.Duration
	Timeout       time.Duration
	Grace         time.Duration
}

func DefaultConfig() Config {
	return Config{
		ProbeInterval: 10 * time.Second,
		Timeout:       20 * time.Second,
		Grace:         10 * time.Second,
	}
}

// Record parks a departed player for the duration of the grace window so a
// reconnecting client can resume the same seat. The whole Player is kept:
// reconnection must restore score, role, waiting flag and any answer
// already submitted this question.
type Record struct {
	Player   *game.Player
	RoomCode string
}

type pending struct {
	rec   Record
	timer clockwork.Timer
}

// Monitor tracks connection liveness and parks disconnected players until
// their grace window runs out. Claim and the expiry callback race for each
// record; whichever takes it first under the mutex wins and the loser is a
// no-op.
type Monitor struct {
	cfg       Config
	clock     clockwork.Clock
	onProbe   func(connID string)
	onStale   func(connID string)
	onForfeit func(rec Record)

	mu       sync.Mutex
	lastSeen map[string]time.Time
	parked   map[string]*pending
}

// NewMonitor wires the callbacks: onProbe fires each sweep for every live
// connection so the caller can send a liveness ping, onStale for
// connections that stopped answering, onForfeit for parked players whose
// grace window lapsed without a reconnect.
func NewMonitor(cfg Config, clock clockwork.Clock, onProbe, onStale func(connID string), onForfeit func(rec Record)) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Monitor{
		cfg:       cfg,
		clock:     clock,
		onProbe:   onProbe,
		onStale:   onStale,
		onForfeit: onForfeit,
		lastSeen:  map[string]time.Time{},
		parked:    map[string]*pending{},
	}
}

// Touch records proof of life for a connection.
func (m *Monitor) Touch(connID string) {
	m.mu.Lock()
	m.lastSeen[connID] = m.clock.Now()
	m.mu.Unlock()
}

// Forget stops tracking a connection, typically after a clean close.
func (m *Monitor) Forget(connID string) {
	m.mu.Lock()
	delete(m.lastSeen, connID)
	m.mu.Unlock()
}

// Run sweeps for stale connections until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.sweep()
		}
	}
}

func (m *Monitor) sweep() {
	now := m.clock.Now()
	var stale, live []string

	m.mu.Lock()
	for connID, seen := range m.lastSeen {
		if now.Sub(seen) > m.cfg.Timeout {
			stale = append(stale, connID)
			delete(m.lastSeen, connID)
		} else {
			live = append(live, connID)
		}
	}
	m.mu.Unlock()

	for _, connID := range stale {
		log.Warn().Str("conn", connID).Msg("connection stale, no heartbeat")
		if m.onStale != nil {
			m.onStale(connID)
		}
	}
	if m.onProbe != nil {
		for _, connID := range live {
			m.onProbe(connID)
		}
	}
}

// Park opens a grace window for a disconnected player. A second Park for
// the same player replaces the first record and restarts the window.
func (m *Monitor) Park(rec Record) {
	id := rec.Player.ID

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.parked[id]; ok {
		old.timer.Stop()
	}
	p := &pending{rec: rec}
	p.timer = m.clock.AfterFunc(m.cfg.Grace, func() { m.expire(id) })
	m.parked[id] = p
}

func (m *Monitor) expire(playerID string) {
	m.mu.Lock()
	p, ok := m.parked[playerID]
	if ok {
		delete(m.parked, playerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	log.Info().Str("player", playerID).Str("name", p.rec.Player.Name).Str("room", p.rec.RoomCode).Msg("grace window expired")
	if m.onForfeit != nil {
		m.onForfeit(p.rec)
	}
}

// Claim atomically takes a parked record for reconnection. It fails once
// the window has expired, however narrowly.
func (m *Monitor) Claim(playerID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.parked[playerID]
	if !ok {
		return Record{}, false
	}
	delete(m.parked, playerID)
	p.timer.Stop()
	return p.rec, true
}

// Drop discards a parked record without firing the forfeit callback.
func (m *Monitor) Drop(playerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.parked[playerID]; ok {
		p.timer.Stop()
		delete(m.parked, playerID)
	}
}

// DropRoom discards every parked record for a room. Called when the room
// itself is closed, so lapsing grace windows have nothing left to forfeit.
func (m *Monitor) DropRoom(roomCode string) {
	m.mu.Lock()
	var ids []string
	for id, p := range m.parked {
		if p.rec.RoomCode == roomCode {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Drop(id)
	}
}

func (m *Monitor) ParkedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.parked)
}
