package game

import (
	"sync"
	"testing"
	"time"
)

type fakeBroadcast struct {
	mu     sync.Mutex
	events []capturedEvent
}

type capturedEvent struct {
	Room    string
	Event   string
	Payload any
}

func (f *fakeBroadcast) Broadcast(roomCode, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, capturedEvent{Room: roomCode, Event: event, Payload: payload})
}

func (f *fakeBroadcast) Send(connID, event string, payload any) {}

func (f *fakeBroadcast) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

func (f *fakeBroadcast) last(event string) (capturedEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].Event == event {
			return f.events[i], true
		}
	}
	return capturedEvent{}, false
}

type fakeSink struct {
	mu      sync.Mutex
	rooms   []string
	ranking []RankEntry
}

func (f *fakeSink) SaveMatch(roomCode string, ranking []RankEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = append(f.rooms, roomCode)
	f.ranking = ranking
	return nil
}

func testTiming() Timing {
	return Timing{
		CountdownTicks: 1,
		TickInterval:   time.Millisecond,
		ResultsGrace:   time.Millisecond,
		PodiumLead:     time.Millisecond,
		PodiumSpacing:  time.Millisecond,
		SerializeAdmin: true,
		BasePoints:     1000,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func twoQuestions() []Question {
	return []Question{
		{Text: "q1", Options: []string{"a", "b", "c"}, Correct: 1, TimeLimit: 1000},
		{Text: "q2", Options: []string{"a", "b"}, Correct: 0, TimeLimit: 1000},
	}
}

func TestStartRequirements(t *testing.T) {
	bc := &fakeBroadcast{}
	s := NewSession("ABCD12", bc, nil, testTiming(), nil)

	if err := s.Start(); err != ErrNoPlayers {
		t.Fatalf("Start without players: got %v, want %v", err, ErrNoPlayers)
	}

	s.AddPlayer("alice", "c1", RolePlayer)
	if err := s.Start(); err != ErrNoQuestions {
		t.Fatalf("Start without questions: got %v, want %v", err, ErrNoQuestions)
	}

	if err := s.SetQuestions(twoQuestions()); err != nil {
		t.Fatalf("SetQuestions: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.State(); got != StateQuestion {
		t.Fatalf("state after Start = %q, want %q", got, StateQuestion)
	}

	if err := s.Start(); err != ErrWrongState {
		t.Fatalf("second Start: got %v, want %v", err, ErrWrongState)
	}
	s.EndGame()
}

func TestCountdownPrecedesQuestion(t *testing.T) {
	bc := &fakeBroadcast{}
	s := NewSession("ABCD12", bc, nil, testTiming(), nil)
	s.AddPlayer("alice", "c1", RolePlayer)
	s.SetQuestions(twoQuestions())

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if bc.count("countdown") == 0 {
		t.Fatal("no countdown event before the question opened")
	}
	q, ok := bc.last("question")
	if !ok {
		t.Fatal("question event missing")
	}
	payload := q.Payload.(map[string]any)
	qp := payload["question"].(map[string]any)
	if _, leaked := qp["correct"]; leaked {
		t.Fatal("question broadcast leaked the correct answer index")
	}
	s.EndGame()
}

func TestAllAnsweredFinishesQuestionEarly(t *testing.T) {
	bc := &fakeBroadcast{}
	s := NewSession("ABCD12", bc, nil, testTiming(), nil)
	s.AddPlayer("alice", "c1", RolePlayer)
	s.AddPlayer("bob", "c2", RolePlayer)
	s.SetQuestions(twoQuestions())

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ok, err := s.SubmitAnswer("c1", 1, 0)
	if err != nil || !ok {
		t.Fatalf("first answer: ok=%v err=%v", ok, err)
	}
	if got := s.State(); got != StateQuestion {
		t.Fatalf("state after one of two answers = %q, want %q", got, StateQuestion)
	}

	ok, err = s.SubmitAnswer("c2", 0, 0)
	if err != nil || !ok {
		t.Fatalf("second answer: ok=%v err=%v", ok, err)
	}
	waitFor(t, "results after all answered", func() bool { return s.State() == StateResults })

	ev, ok := bc.last("results")
	if !ok {
		t.Fatal("results event missing")
	}
	payload := ev.Payload.(map[string]any)
	if payload["correct_answer"] != 1 {
		t.Fatalf("correct_answer = %v, want 1", payload["correct_answer"])
	}
	if payload["has_more"] != true {
		t.Fatal("has_more should be true with a question remaining")
	}
	results := payload["results"].([]playerResult)
	if len(results) != 2 {
		t.Fatalf("results has %d entries, want 2", len(results))
	}
	if results[0].PlayerName != "alice" || !results[0].Correct {
		t.Fatalf("expected alice correct and ranked first, got %+v", results[0])
	}
	if results[1].PointsEarned != 0 {
		t.Fatalf("incorrect answer earned %d points, want 0", results[1].PointsEarned)
	}
	dist := payload["distribution"].([]int)
	if dist[0] != 1 || dist[1] != 1 || dist[2] != 0 {
		t.Fatalf("distribution = %v, want [1 1 0]", dist)
	}
	s.EndGame()
}

func TestTimerExpiryScoresUnanswered(t *testing.T) {
	bc := &fakeBroadcast{}
	s := NewSession("ABCD12", bc, nil, testTiming(), nil)
	s.AddPlayer("alice", "c1", RolePlayer)
	s.AddPlayer("bob", "c2", RolePlayer)
	qs := twoQuestions()
	qs[0].TimeLimit = 2
	s.SetQuestions(qs[:1])

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.SubmitAnswer("c1", 1, 0); err != nil {
		t.Fatalf("answer: %v", err)
	}

	waitFor(t, "results after timer expiry", func() bool { return s.State() == StateResults })

	ev, _ := bc.last("results")
	payload := ev.Payload.(map[string]any)
	results := payload["results"].([]playerResult)
	var bob playerResult
	for _, r := range results {
		if r.PlayerName == "bob" {
			bob = r
		}
	}
	if bob.Answer != nil || bob.PointsEarned != 0 || bob.Correct {
		t.Fatalf("unanswered player scored %+v, want zero points and no answer", bob)
	}
	if payload["has_more"] != false {
		t.Fatal("has_more should be false on the last question")
	}
	s.EndGame()
}

func TestSubmitAnswerArbitration(t *testing.T) {
	bc := &fakeBroadcast{}
	s := NewSession("ABCD12", bc, nil, testTiming(), nil)
	s.AddPlayer("alice", "c1", RolePlayer)
	s.AddPlayer("bob", "c2", RolePlayer)
	admin := s.AddPlayer("host", "c3", RoleAdmin)
	_ = admin
	s.SetQuestions(twoQuestions())

	if ok, _ := s.SubmitAnswer("c1", 0, 0); ok {
		t.Fatal("answer accepted in the lobby")
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := s.SubmitAnswer("c1", 99, 0); err != ErrInvalidAnswer {
		t.Fatalf("out-of-range answer: got %v, want %v", err, ErrInvalidAnswer)
	}
	if ok, _ := s.SubmitAnswer("c3", 0, 0); ok {
		t.Fatal("admin answer accepted")
	}
	if ok, _ := s.SubmitAnswer("unknown-conn", 0, 0); ok {
		t.Fatal("answer from unknown connection accepted")
	}

	if ok, _ := s.SubmitAnswer("c1", 0, 0); !ok {
		t.Fatal("first answer rejected")
	}
	if ok, _ := s.SubmitAnswer("c1", 1, 0); ok {
		t.Fatal("second answer from the same player accepted")
	}
	p, _ := s.PlayerByConn("c1")
	if p.CurrentAnswer == nil || *p.CurrentAnswer != 0 {
		t.Fatal("first answer was not the one retained")
	}
	s.EndGame()
}

func TestAnswerObservesClientSequence(t *testing.T) {
	bc := &fakeBroadcast{}
	s := NewSession("ABCD12", bc, nil, testTiming(), nil)
	s.AddPlayer("alice", "c1", RolePlayer)
	s.AddPlayer("bob", "c2", RolePlayer)
	s.SetQuestions(twoQuestions())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := s.SubmitAnswer("c1", 0, 40); err != nil {
		t.Fatalf("answer: %v", err)
	}
	ev, _ := bc.last("player_answered")
	seq := ev.Payload.(map[string]any)["seq"].(uint64)
	if seq != 41 {
		t.Fatalf("seq after observing 40 = %d, want 41", seq)
	}
	if s.Seq() < 41 {
		t.Fatalf("session clock = %d, want >= 41", s.Seq())
	}
	s.EndGame()
}

func TestMidGameJoinWaitsUntilNextGame(t *testing.T) {
	bc := &fakeBroadcast{}
	s := NewSession("ABCD12", bc, nil, testTiming(), nil)
	s.AddPlayer("alice", "c1", RolePlayer)
	s.SetQuestions(twoQuestions())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	late := s.AddPlayer("carol", "c9", RolePlayer)
	if !late.Waiting {
		t.Fatal("mid-game joiner should be waiting")
	}
	if s.WaitingCount() != 1 {
		t.Fatalf("WaitingCount = %d, want 1", s.WaitingCount())
	}
	if ok, _ := s.SubmitAnswer("c9", 0, 0); ok {
		t.Fatal("waiting player answer accepted")
	}

	s.EndGame()
	if s.WaitingCount() != 0 {
		t.Fatal("waiting roster not migrated on game end")
	}
	p, ok := s.PlayerByConn("c9")
	if !ok || p.Waiting {
		t.Fatal("migrated player should be active after reset")
	}
	if p.Score != 0 {
		t.Fatalf("migrated player score = %d, want 0", p.Score)
	}
}

func TestEndGameResetsAndBroadcasts(t *testing.T) {
	bc := &fakeBroadcast{}
	s := NewSession("ABCD12", bc, nil, testTiming(), nil)
	s.AddPlayer("alice", "c1", RolePlayer)
	s.SetQuestions(twoQuestions())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.SubmitAnswer("c1", 1, 0); err != nil {
		t.Fatalf("answer: %v", err)
	}
	waitFor(t, "results", func() bool { return s.State() == StateResults })

	s.EndGame()
	if got := s.State(); got != StateLobby {
		t.Fatalf("state after EndGame = %q, want %q", got, StateLobby)
	}
	p, _ := s.PlayerByConn("c1")
	if p.Score != 0 || p.History != nil {
		t.Fatalf("player not reset: score=%d history=%v", p.Score, p.History)
	}
	if bc.count("game_ended") != 1 {
		t.Fatal("game_ended not broadcast")
	}

	// idempotent from the lobby, still confirms
	s.EndGame()
	if bc.count("game_ended") != 2 {
		t.Fatal("EndGame in the lobby should still broadcast the reset")
	}
}

func TestPodiumAndLeaderboardFlow(t *testing.T) {
	bc := &fakeBroadcast{}
	sink := &fakeSink{}
	s := NewSession("ABCD12", bc, nil, testTiming(), sink)
	s.AddPlayer("alice", "c1", RolePlayer)
	s.AddPlayer("bob", "c2", RolePlayer)
	s.SetQuestions(twoQuestions()[:1])
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.SubmitAnswer("c1", 1, 0)
	s.SubmitAnswer("c2", 0, 0)
	waitFor(t, "results", func() bool { return s.State() == StateResults })

	if err := s.ShowLeaderboard(); err != ErrWrongState {
		t.Fatalf("leaderboard from results: got %v, want %v", err, ErrWrongState)
	}

	if err := s.Next(); err != nil {
		t.Fatalf("Next past the last question: %v", err)
	}
	waitFor(t, "podium event", func() bool { return bc.count("podium") == 1 })

	if bc.count("podium_intro") != 1 {
		t.Fatal("podium_intro missing")
	}
	if bc.count("podium_place") != 2 {
		t.Fatalf("podium_place count = %d, want 2", bc.count("podium_place"))
	}

	sink.mu.Lock()
	rooms, ranking := sink.rooms, sink.ranking
	sink.mu.Unlock()
	if len(rooms) != 1 || rooms[0] != "ABCD12" {
		t.Fatalf("sink rooms = %v, want [ABCD12]", rooms)
	}
	if len(ranking) != 2 || ranking[0].Name != "alice" {
		t.Fatalf("persisted ranking = %+v, want alice first", ranking)
	}

	if err := s.ShowLeaderboard(); err != nil {
		t.Fatalf("ShowLeaderboard: %v", err)
	}
	if got := s.State(); got != StateLeaderboard {
		t.Fatalf("state = %q, want %q", got, StateLeaderboard)
	}
	if err := s.ShowLeaderboard(); err != ErrWrongState {
		t.Fatalf("second ShowLeaderboard: got %v, want %v", err, ErrWrongState)
	}
}

func TestReadmitKeepsIdentityAndScore(t *testing.T) {
	bc := &fakeBroadcast{}
	s := NewSession("ABCD12", bc, nil, testTiming(), nil)
	p := s.AddPlayer("alice", "c1", RolePlayer)
	p.Score = 750

	gone, ok := s.RemoveByConn("c1")
	if !ok || gone.ID != p.ID {
		t.Fatal("RemoveByConn did not return the player")
	}

	back := s.Readmit(gone, "c2")
	if back.ID != p.ID || back.Score != 750 {
		t.Fatalf("readmitted player = %+v, want same ID and score", back)
	}
	if _, found := s.PlayerByConn("c1"); found {
		t.Fatal("stale connection still resolves")
	}
	got, found := s.PlayerByConn("c2")
	if !found || got.ID != p.ID {
		t.Fatal("new connection does not resolve to the player")
	}
}

func TestReadmitMidQuestionKeepsAnswer(t *testing.T) {
	bc := &fakeBroadcast{}
	s := NewSession("ABCD12", bc, nil, testTiming(), nil)
	s.AddPlayer("alice", "c1", RolePlayer)
	s.AddPlayer("bob", "c2", RolePlayer)
	s.SetQuestions(twoQuestions())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if ok, _ := s.SubmitAnswer("c1", 1, 0); !ok {
		t.Fatal("answer rejected")
	}
	gone, _ := s.RemoveByConn("c1")

	back := s.Readmit(gone, "c1b")
	if back.CurrentAnswer == nil || *back.CurrentAnswer != 1 {
		t.Fatal("submitted answer lost across reconnection")
	}
	if back.Waiting {
		t.Fatal("active player demoted to waiting on reconnect")
	}
	if ok, _ := s.SubmitAnswer("c1b", 0, 0); ok {
		t.Fatal("reconnected player answered the same question twice")
	}
	s.EndGame()
}

func TestShowPodiumCutsGameShort(t *testing.T) {
	bc := &fakeBroadcast{}
	s := NewSession("ABCD12", bc, nil, testTiming(), nil)
	s.AddPlayer("alice", "c1", RolePlayer)
	s.SetQuestions(twoQuestions())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := s.ShowPodium(); err != ErrWrongState {
		t.Fatalf("podium from question: got %v, want %v", err, ErrWrongState)
	}

	s.SubmitAnswer("c1", 1, 0)
	waitFor(t, "results", func() bool { return s.State() == StateResults })

	if err := s.ShowPodium(); err != nil {
		t.Fatalf("ShowPodium: %v", err)
	}
	if bc.count("podium") != 1 {
		t.Fatal("podium not broadcast")
	}
	if got := s.State(); got != StatePodium {
		t.Fatalf("state = %q, want %q", got, StatePodium)
	}
}

func TestFinishStopsEverything(t *testing.T) {
	bc := &fakeBroadcast{}
	s := NewSession("ABCD12", bc, nil, testTiming(), nil)
	s.AddPlayer("alice", "c1", RolePlayer)
	s.SetQuestions(twoQuestions())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s.Finish()
	if got := s.State(); got != StateFinished {
		t.Fatalf("state = %q, want %q", got, StateFinished)
	}

	before := bc.count("results")
	time.Sleep(20 * time.Millisecond)
	if bc.count("results") != before {
		t.Fatal("cancelled timer still produced results")
	}
}

func TestNameTakenIsCaseInsensitive(t *testing.T) {
	s := NewSession("ABCD12", &fakeBroadcast{}, nil, testTiming(), nil)
	s.AddPlayer("Alice", "c1", RolePlayer)
	if !s.NameTaken("aLiCe") {
		t.Fatal("name collision not detected case-insensitively")
	}
	if s.NameTaken("bob") {
		t.Fatal("free name reported taken")
	}
}

func TestQuestionCRUDLockedOutsideLobby(t *testing.T) {
	s := NewSession("ABCD12", &fakeBroadcast{}, nil, testTiming(), nil)
	s.AddPlayer("alice", "c1", RolePlayer)

	if err := s.AddQuestion(Question{Text: "x", Options: []string{"a", "b"}, Correct: 0}); err != nil {
		t.Fatalf("AddQuestion: %v", err)
	}
	if got := s.Questions(); len(got) != 1 || got[0].TimeLimit != 20 {
		t.Fatalf("Questions() = %+v, want one question with the default time limit", got)
	}
	if err := s.RemoveQuestion(5); err != ErrBadIndex {
		t.Fatalf("RemoveQuestion(5): got %v, want %v", err, ErrBadIndex)
	}

	s.SetQuestions(twoQuestions())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.AddQuestion(Question{Text: "y"}); err != ErrNotInLobby {
		t.Fatalf("AddQuestion mid-game: got %v, want %v", err, ErrNotInLobby)
	}
	if err := s.SetQuestions(nil); err != ErrNotInLobby {
		t.Fatalf("SetQuestions mid-game: got %v, want %v", err, ErrNotInLobby)
	}
	if err := s.ClearQuestions(); err != ErrNotInLobby {
		t.Fatalf("ClearQuestions mid-game: got %v, want %v", err, ErrNotInLobby)
	}
	s.EndGame()
}
