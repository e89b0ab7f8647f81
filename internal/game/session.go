package game

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotInLobby    = errors.New("game_already_running")
	ErrNoPlayers     = errors.New("no_active_players")
	ErrNoQuestions   = errors.New("no_questions")
	ErrInvalidAnswer = errors.New("invalid_answer")
	ErrBadIndex      = errors.New("question_index_out_of_range")
	ErrWrongState    = errors.New("wrong_state")
)

// Timing groups the pacing knobs of a session. Durations are configurable so
// tests can run the full flow in milliseconds.
type Timing struct {
	CountdownTicks int
	TickInterval   time.Duration
	ResultsGrace   time.Duration
	PodiumLead     time.Duration
	PodiumSpacing  time.Duration
	SerializeAdmin bool
	BasePoints     int
}

func DefaultTiming() Timing {
	return Timing{
		CountdownTicks: 3,
		TickInterval:   time.Second,
		ResultsGrace:   500 * time.Millisecond,
		PodiumLead:     2 * time.Second,
		PodiumSpacing:  1500 * time.Millisecond,
		SerializeAdmin: true,
		BasePoints:     DefaultBasePoints,
	}
}

// Session is the state machine for one room's quiz. All mutable state is
// guarded by mu; adminMu serializes admin transitions so a "next" and an
// "end" issued back-to-back cannot interleave mid-transition.
type Session struct {
	roomCode string
	bc       Broadcaster
	clock    clockwork.Clock
	timing   Timing
	lamport  LamportClock
	sink     MatchSink

	adminMu sync.Mutex

	mu            sync.Mutex
	state         State
	questions     []Question
	current       int
	questionStart time.Time
	players       map[string]*Player
	waiting       map[string]*Player
	byConn        map[string]string
	timer         *timerHandle
}

func NewSession(roomCode string, bc Broadcaster, clock clockwork.Clock, timing Timing, sink MatchSink) *Session {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if timing.TickInterval <= 0 {
		timing.TickInterval = time.Second
	}
	if timing.BasePoints <= 0 {
		timing.BasePoints = DefaultBasePoints
	}
	return &Session{
		roomCode: roomCode,
		bc:       bc,
		clock:    clock,
		timing:   timing,
		sink:     sink,
		state:    StateLobby,
		current:  -1,
		players:  map[string]*Player{},
		waiting:  map[string]*Player{},
		byConn:   map[string]string{},
	}
}

func (s *Session) broadcast(event string, payload any) {
	if s.bc != nil {
		s.bc.Broadcast(s.roomCode, event, payload)
	}
}

func (s *Session) lockAdmin() func() {
	if !s.timing.SerializeAdmin {
		return func() {}
	}
	s.adminMu.Lock()
	return s.adminMu.Unlock
}

// Start begins the quiz. Valid only from the lobby with at least one active
// player and a non-empty question list.
func (s *Session) Start() error {
	defer s.lockAdmin()()

	s.mu.Lock()
	if s.state != StateLobby {
		s.mu.Unlock()
		return ErrWrongState
	}
	if s.activeCountLocked() < 1 {
		s.mu.Unlock()
		return ErrNoPlayers
	}
	if len(s.questions) == 0 {
		s.mu.Unlock()
		return ErrNoQuestions
	}
	s.current = -1
	s.mu.Unlock()

	s.advance()
	return nil
}

// Next moves from RESULTS to the next question, or to the podium when the
// question list is exhausted. Any other state is a no-op.
func (s *Session) Next() error {
	defer s.lockAdmin()()

	s.mu.Lock()
	if s.state != StateResults {
		s.mu.Unlock()
		return ErrWrongState
	}
	s.mu.Unlock()

	s.advance()
	return nil
}

// advance runs the countdown and opens the next question. Callers hold the
// admin lock; mu is taken only around state mutations so the broadcaster and
// other rooms are never blocked by the pacing sleeps.
func (s *Session) advance() {
	s.mu.Lock()
	if s.current >= len(s.questions)-1 {
		s.mu.Unlock()
		s.showPodium()
		return
	}
	for _, p := range s.players {
		p.resetForQuestion()
	}
	s.current++
	s.state = StateCountdown
	q := s.questions[s.current]
	index, total := s.current, len(s.questions)
	s.mu.Unlock()

	for i := s.timing.CountdownTicks; i > 0; i-- {
		s.broadcast("countdown", map[string]any{"seconds": i})
		s.clock.Sleep(s.timing.TickInterval)
		s.mu.Lock()
		aborted := s.state != StateCountdown
		s.mu.Unlock()
		if aborted {
			return
		}
	}

	s.mu.Lock()
	s.state = StateQuestion
	s.questionStart = s.clock.Now()
	s.timer = newTimerHandle()
	timer := s.timer
	seq := s.lamport.Tick()
	s.broadcast("question", map[string]any{
		"index":    index,
		"total":    total,
		"question": q.payload(false),
		"seq":      seq,
	})
	s.mu.Unlock()

	go s.guard(func() { s.runTimer(timer, q.TimeLimit) })
}

// guard confines a panic to this session's background task; the room keeps
// running and other rooms never notice.
func (s *Session) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("room", s.roomCode).Msg("session task panicked")
		}
	}()
	fn()
}

// runTimer ticks the remaining seconds down and triggers the results once
// the window closes. Cancellation (all answered early, or a forced end)
// stops it silently.
func (s *Session) runTimer(t *timerHandle, seconds int) {
	for remaining := seconds; remaining > 0; remaining-- {
		s.broadcast("timer", map[string]any{"remaining": remaining})
		select {
		case <-t.Cancelled():
			return
		case <-s.clock.After(s.timing.TickInterval):
		}
	}
	s.broadcast("timer", map[string]any{"remaining": 0})
	select {
	case <-t.Cancelled():
		return
	case <-s.clock.After(s.timing.ResultsGrace):
	}
	s.showResults()
}

// SubmitAnswer arbitrates one answer submission. Acceptance requires an open
// question and a known active player who has not answered yet; everything
// else is a silent no-op so client retries are safe. The returned bool
// reports whether the answer was recorded.
func (s *Session) SubmitAnswer(connID string, answer int, clientSeq uint64) (bool, error) {
	s.mu.Lock()
	if s.state != StateQuestion {
		s.mu.Unlock()
		return false, nil
	}
	p := s.playerByConnLocked(connID)
	if p == nil || p.Waiting || p.Role == RoleAdmin || p.Answered() {
		s.mu.Unlock()
		return false, nil
	}
	q := s.questions[s.current]
	if answer < 0 || answer >= len(q.Options) {
		s.mu.Unlock()
		return false, ErrInvalidAnswer
	}

	seq := s.lamport.Observe(clientSeq)
	a := answer
	p.CurrentAnswer = &a
	p.AnswerTime = s.clock.Now()

	answered, total := s.answerProgressLocked()
	s.broadcast("player_answered", map[string]any{
		"player_id":      p.ID,
		"answered_count": answered,
		"total_players":  total,
		"seq":            seq,
	})

	var timer *timerHandle
	if total > 0 && answered == total {
		timer = s.timer
	}
	s.mu.Unlock()

	if timer != nil {
		timer.Cancel()
		go s.guard(func() {
			s.clock.Sleep(s.timing.ResultsGrace)
			s.showResults()
		})
	}
	return true, nil
}

type playerResult struct {
	PlayerID       string `json:"player_id"`
	PlayerName     string `json:"player_name"`
	Answer         *int   `json:"answer"`
	Correct        bool   `json:"correct"`
	PointsEarned   int    `json:"points_earned"`
	ResponseTimeMS int    `json:"response_time_ms"`
	TimeBonusPct   int    `json:"time_bonus_percent"`
	TotalScore     int    `json:"total_score"`
}

// showResults closes the question, scores every active player and broadcasts
// the ranked outcome. Both the timer and the all-answered fast path funnel
// here; the state guard makes the second arrival a no-op.
func (s *Session) showResults() {
	s.mu.Lock()
	if s.state != StateQuestion {
		s.mu.Unlock()
		return
	}
	s.state = StateResults
	q := s.questions[s.current]
	maxMS := float64(q.TimeLimit) * 1000

	results := make([]playerResult, 0, len(s.players))
	for _, p := range s.players {
		if p.Role == RoleAdmin {
			continue
		}
		correct := false
		points, bonus := 0, 0
		var responseMS float64
		if p.Answered() {
			correct = *p.CurrentAnswer == q.Correct
			if !p.AnswerTime.IsZero() && !s.questionStart.IsZero() {
				responseMS = float64(p.AnswerTime.Sub(s.questionStart)) / float64(time.Millisecond)
				points = Score(correct, responseMS, maxMS, s.timing.BasePoints)
				bonus = TimeBonusPercent(responseMS, maxMS)
			}
		}
		p.Score += points
		p.LastPoints = points
		p.History = append(p.History, correct)

		results = append(results, playerResult{
			PlayerID:       p.ID,
			PlayerName:     p.Name,
			Answer:         p.CurrentAnswer,
			Correct:        correct,
			PointsEarned:   points,
			ResponseTimeMS: int(responseMS),
			TimeBonusPct:   bonus,
			TotalScore:     p.Score,
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].TotalScore > results[j].TotalScore
	})

	distribution := make([]int, len(q.Options))
	for _, p := range s.players {
		if p.Role == RoleAdmin || !p.Answered() {
			continue
		}
		if a := *p.CurrentAnswer; a >= 0 && a < len(distribution) {
			distribution[a]++
		}
	}

	ranking := make([]RankEntry, len(results))
	for i, r := range results {
		ranking[i] = RankEntry{Position: i + 1, PlayerID: r.PlayerID, Name: r.PlayerName, Score: r.TotalScore}
	}
	hasMore := s.current < len(s.questions)-1
	seq := s.lamport.Tick()

	s.broadcast("results", map[string]any{
		"correct_answer": q.Correct,
		"results":        results,
		"ranking":        ranking,
		"distribution":   distribution,
		"has_more":       hasMore,
		"seq":            seq,
	})
	s.mu.Unlock()
}

// showPodium reveals the top three one place at a time, then hands the final
// ranking to the match sink. A forced end mid-reveal aborts the remaining
// steps.
func (s *Session) showPodium() {
	s.mu.Lock()
	s.state = StatePodium
	ranking := s.rankingLocked()
	s.mu.Unlock()

	top := ranking
	if len(top) > 3 {
		top = top[:3]
	}

	s.broadcast("podium_intro", map[string]any{"places": len(top)})
	if !s.podiumPause(s.timing.PodiumLead) {
		return
	}
	for _, pos := range []int{2, 1, 0} {
		if pos >= len(ranking) {
			continue
		}
		if !s.podiumPause(s.timing.PodiumSpacing) {
			return
		}
		s.broadcast("podium_place", map[string]any{
			"position": pos + 1,
			"player":   ranking[pos],
		})
	}
	if !s.podiumPause(s.timing.PodiumLead) {
		return
	}
	s.broadcast("podium", map[string]any{
		"podium":  top,
		"ranking": ranking,
	})

	if s.sink != nil {
		if err := s.sink.SaveMatch(s.roomCode, ranking); err != nil {
			log.Error().Err(err).Str("room", s.roomCode).Msg("save match failed")
		}
	}
}

func (s *Session) podiumPause(d time.Duration) bool {
	s.clock.Sleep(d)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StatePodium
}

// ShowPodium jumps from RESULTS straight to the podium reveal, ending the
// quiz early even when questions remain.
func (s *Session) ShowPodium() error {
	defer s.lockAdmin()()

	s.mu.Lock()
	if s.state != StateResults {
		s.mu.Unlock()
		return ErrWrongState
	}
	s.mu.Unlock()

	s.showPodium()
	return nil
}

// ShowLeaderboard broadcasts the full ranking. Valid only from the podium.
func (s *Session) ShowLeaderboard() error {
	defer s.lockAdmin()()

	s.mu.Lock()
	if s.state != StatePodium {
		s.mu.Unlock()
		return ErrWrongState
	}
	s.state = StateLeaderboard
	ranking := s.rankingLocked()
	s.broadcast("leaderboard", map[string]any{"leaderboard": ranking})
	s.mu.Unlock()
	return nil
}

// EndGame cancels any running timer, migrates the waiting roster into the
// active one with scores reset, zeroes everyone and returns to the lobby.
// It always broadcasts the reset, whatever state it was called in.
func (s *Session) EndGame() {
	defer s.lockAdmin()()

	s.mu.Lock()
	s.timer.Cancel()
	s.timer = nil

	for id, p := range s.waiting {
		p.Waiting = false
		s.players[id] = p
	}
	s.waiting = map[string]*Player{}

	for _, p := range s.players {
		p.Score = 0
		p.History = nil
		p.resetForQuestion()
	}
	s.state = StateLobby
	s.current = -1
	s.questionStart = time.Time{}
	snapshot := s.snapshotLocked()
	s.broadcast("game_ended", map[string]any{"state": snapshot})
	s.mu.Unlock()
}

// Finish terminates the session for good: the room is being closed. Any
// running timer stops and in-flight podium reveals see the state change and
// abort.
func (s *Session) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer.Cancel()
	s.timer = nil
	s.state = StateFinished
}

// === roster ===

// AddPlayer admits a participant. Joining a running game as a player lands
// in the waiting roster until the next full game.
func (s *Session) AddPlayer(name, connID string, role Role) *Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := NewPlayer(name, connID, role)
	if s.state != StateLobby && role == RolePlayer {
		p.Waiting = true
		s.waiting[p.ID] = p
	} else {
		s.players[p.ID] = p
	}
	s.byConn[connID] = p.ID
	return p
}

// Readmit restores a disconnected player under a new connection. The whole
// record comes back: score, role, waiting flag and any answer already
// submitted for the current question.
func (s *Session) Readmit(p *Player, connID string) *Player {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropByIDLocked(p.ID)

	p.ConnID = connID
	if p.Waiting {
		s.waiting[p.ID] = p
	} else {
		s.players[p.ID] = p
	}
	s.byConn[connID] = p.ID
	return p
}

// RemoveByConn detaches the player bound to a connection from either roster.
func (s *Session) RemoveByConn(connID string) (*Player, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byConn[connID]
	if !ok {
		return nil, false
	}
	delete(s.byConn, connID)
	if p, ok := s.players[id]; ok {
		delete(s.players, id)
		return p, true
	}
	if p, ok := s.waiting[id]; ok {
		delete(s.waiting, id)
		return p, true
	}
	return nil, false
}

func (s *Session) dropByIDLocked(id string) {
	for _, m := range []map[string]*Player{s.players, s.waiting} {
		if p, ok := m[id]; ok {
			delete(m, id)
			if s.byConn[p.ConnID] == id {
				delete(s.byConn, p.ConnID)
			}
		}
	}
}

func (s *Session) PlayerByConn(connID string) (*Player, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.playerByConnLocked(connID)
	return p, p != nil
}

func (s *Session) playerByConnLocked(connID string) *Player {
	id, ok := s.byConn[connID]
	if !ok {
		return nil
	}
	if p, ok := s.players[id]; ok {
		return p
	}
	return s.waiting[id]
}

// NameTaken reports whether a display name is already used in the room,
// case-insensitively, across both rosters.
func (s *Session) NameTaken(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range []map[string]*Player{s.players, s.waiting} {
		for _, p := range m {
			if strings.EqualFold(p.Name, name) {
				return true
			}
		}
	}
	return false
}

func (s *Session) activeCountLocked() int {
	n := 0
	for _, p := range s.players {
		if p.Role == RolePlayer && !p.Waiting {
			n++
		}
	}
	return n
}

func (s *Session) answerProgressLocked() (answered, total int) {
	for _, p := range s.players {
		if p.Role != RolePlayer || p.Waiting {
			continue
		}
		total++
		if p.Answered() {
			answered++
		}
	}
	return answered, total
}

func (s *Session) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCountLocked()
}

func (s *Session) PlayerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.players) + len(s.waiting)
}

func (s *Session) WaitingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting)
}

func (s *Session) AnswerStats() (answered, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answerProgressLocked()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) CurrentIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Session) Ranking() []RankEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rankingLocked()
}

func (s *Session) rankingLocked() []RankEntry {
	ps := make([]*Player, 0, len(s.players))
	for _, p := range s.players {
		if p.Role == RolePlayer {
			ps = append(ps, p)
		}
	}
	return rankPlayers(ps)
}

// Snapshot serializes the session for state-resync events.
func (s *Session) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() map[string]any {
	players := make([]map[string]any, 0, len(s.players)+len(s.waiting))
	for _, p := range s.players {
		players = append(players, p.summary())
	}
	for _, p := range s.waiting {
		players = append(players, p.summary())
	}
	snap := map[string]any{
		"state":            string(s.state),
		"players":          players,
		"current_question": s.current,
		"total_questions":  len(s.questions),
	}
	if s.state == StateQuestion && s.current >= 0 && s.current < len(s.questions) {
		snap["question"] = s.questions[s.current].payload(false)
	}
	return snap
}

func (s *Session) PlayerSummaries() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	players := make([]map[string]any, 0, len(s.players)+len(s.waiting))
	for _, p := range s.players {
		players = append(players, p.summary())
	}
	for _, p := range s.waiting {
		players = append(players, p.summary())
	}
	return players
}

// Seq exposes the session's logical clock value for event consumers.
func (s *Session) Seq() uint64 {
	return s.lamport.Value()
}

// === question list (pre-game CRUD only) ===

func (s *Session) SetQuestions(qs []Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateLobby {
		return ErrNotInLobby
	}
	s.questions = append([]Question(nil), qs...)
	return nil
}

func (s *Session) AddQuestion(q Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateLobby {
		return ErrNotInLobby
	}
	if q.TimeLimit <= 0 {
		q.TimeLimit = 20
	}
	s.questions = append(s.questions, q)
	return nil
}

func (s *Session) RemoveQuestion(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateLobby {
		return ErrNotInLobby
	}
	if index < 0 || index >= len(s.questions) {
		return ErrBadIndex
	}
	s.questions = append(s.questions[:index], s.questions[index+1:]...)
	return nil
}

func (s *Session) ClearQuestions() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateLobby {
		return ErrNotInLobby
	}
	s.questions = nil
	return nil
}

func (s *Session) Questions() []Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Question(nil), s.questions...)
}
