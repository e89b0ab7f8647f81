package rooms

import (
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"trivion/internal/game"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 6
	maxNameRunes = 15

	// codeAttempts bounds the collision retry loop; 36^6 codes make
	// exhaustion a configuration error, not a runtime condition.
	codeAttempts = 100
)

// DefaultDenylist blocks reserved and impersonation-prone display names.
// Matching is word-wise and case-insensitive.
var DefaultDenylist = []string{
	"admin", "administrator", "moderator", "host", "server", "system",
}

// Room pairs a join code with its game session. The password hash never
// leaves this package.
type Room struct {
	Code         string
	Name         string
	Public       bool
	CreatedAt    time.Time
	Session      *game.Session
	passwordHash []byte
}

func (r *Room) HasPassword() bool {
	return len(r.passwordHash) > 0
}

func (r *Room) CheckPassword(password string) error {
	if len(r.passwordHash) == 0 {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword(r.passwordHash, []byte(password)); err != nil {
		return ErrWrongPassword
	}
	return nil
}

// RoomInfo is the public listing entry for a room.
type RoomInfo struct {
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Players     int       `json:"players"`
	State       string    `json:"state"`
	HasPassword bool      `json:"has_password"`
	CreatedAt   time.Time `json:"created_at"`
}

// Registry owns every live room. Rooms are created on demand and deleted
// when the last participant leaves or an admin closes them.
type Registry struct {
	bc       game.Broadcaster
	clock    clockwork.Clock
	timing   game.Timing
	sink     game.MatchSink
	denylist map[string]struct{}

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry(bc game.Broadcaster, clock clockwork.Clock, timing game.Timing, sink game.MatchSink, denylist []string) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	dl := make(map[string]struct{}, len(denylist))
	for _, w := range denylist {
		dl[strings.ToLower(w)] = struct{}{}
	}
	return &Registry{
		bc:       bc,
		clock:    clock,
		timing:   timing,
		sink:     sink,
		denylist: dl,
		rooms:    map[string]*Room{},
	}
}

func randomCode() string {
	b := make([]byte, codeLength)
	for i := range b {
		b[i] = codeAlphabet[rand.IntN(len(codeAlphabet))]
	}
	return string(b)
}

// CreateRoom allocates a fresh code, hashes the optional password and seeds
// the session's question list. Private rooms stay out of the public
// directory but are joinable by anyone holding the code.
func (r *Registry) CreateRoom(name string, public bool, password string, questions []game.Question) (*Room, error) {
	var hash []byte
	if password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		hash = h
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var code string
	for i := 0; ; i++ {
		if i == codeAttempts {
			return nil, ErrCodeExhausted
		}
		code = randomCode()
		if _, exists := r.rooms[code]; !exists {
			break
		}
	}

	if strings.TrimSpace(name) == "" {
		name = code
	}
	room := &Room{
		Code:         code,
		Name:         strings.TrimSpace(name),
		Public:       public,
		CreatedAt:    r.clock.Now(),
		Session:      game.NewSession(code, r.bc, r.clock, r.timing, r.sink),
		passwordHash: hash,
	}
	if len(questions) > 0 {
		if err := room.Session.SetQuestions(questions); err != nil {
			return nil, err
		}
	}
	r.rooms[code] = room

	log.Info().Str("room", code).Str("name", room.Name).Bool("public", public).Bool("password", room.HasPassword()).Msg("room created")
	return room, nil
}

// Get resolves a code to its room. Codes are case-insensitive on the wire.
func (r *Registry) Get(code string) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// ValidateName enforces the display-name policy: trimmed, 1 to 15 runes,
// and no denylisted word.
func (r *Registry) ValidateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if n := utf8.RuneCountInString(name); n == 0 || n > maxNameRunes {
		return "", ErrNameInvalid
	}
	for _, word := range strings.Fields(strings.ToLower(name)) {
		if _, blocked := r.denylist[word]; blocked {
			return "", ErrNameRejected
		}
	}
	return name, nil
}

// Admit runs the full admission pipeline for a connection: room lookup,
// password check, name policy, uniqueness, then roster insertion. Lookup
// and insertion happen under the registry lock so the player cannot land
// in a room DeleteIfEmpty is concurrently removing.
func (r *Registry) Admit(code, name, password, connID string, role game.Role) (*Room, *game.Player, error) {
	room, err := r.Get(code)
	if err != nil {
		return nil, nil, err
	}
	// bcrypt is slow; verify before taking the registry lock
	if err := room.CheckPassword(password); err != nil {
		return nil, nil, err
	}
	name, err = r.ValidateName(name)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[room.Code]
	if !ok {
		return nil, nil, ErrRoomNotFound
	}
	if room.Session.NameTaken(name) {
		return nil, nil, ErrNameTaken
	}
	p := room.Session.AddPlayer(name, connID, role)
	return room, p, nil
}

// DeleteIfEmpty drops a room once its last participant is gone. Parked
// players waiting out a grace window do not count as participants, so the
// caller decides when emptiness is final. The occupancy check and the
// delete share one critical section; an Admit cannot slip in between.
func (r *Registry) DeleteIfEmpty(code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))

	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[code]
	if !ok || room.Session.PlayerCount() > 0 {
		return false
	}
	delete(r.rooms, code)
	log.Info().Str("room", code).Msg("room deleted, last participant left")
	return true
}

// CloseRoom removes a room outright, regardless of occupancy.
func (r *Registry) CloseRoom(code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	code = strings.ToUpper(strings.TrimSpace(code))
	if _, ok := r.rooms[code]; !ok {
		return ErrRoomNotFound
	}
	delete(r.rooms, code)
	log.Info().Str("room", code).Msg("room closed")
	return nil
}

// List snapshots the public room directory. Private rooms are omitted.
func (r *Registry) List() []RoomInfo {
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		if room.Public {
			rooms = append(rooms, room)
		}
	}
	r.mu.Unlock()

	out := make([]RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, RoomInfo{
			Code:        room.Code,
			Name:        room.Name,
			Players:     room.Session.PlayerCount(),
			State:       string(room.Session.State()),
			HasPassword: room.HasPassword(),
			CreatedAt:   room.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
