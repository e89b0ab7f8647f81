package store

import (
	"context"
	"os"
	"testing"
	"time"

	"trivion/internal/game"
)

// Integration tests run only against a real database.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	s, err := New(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestSaveAndLoadMatch(t *testing.T) {
	s := testStore(t)
	ranking := []game.RankEntry{
		{Position: 1, PlayerID: "p1", Name: "alice", Score: 2000},
		{Position: 2, PlayerID: "p2", Name: "bob", Score: 1500},
	}
	if err := s.SaveMatch("TESTRM", ranking); err != nil {
		t.Fatalf("SaveMatch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	matches, err := s.RecentMatches(ctx, 5)
	if err != nil {
		t.Fatalf("RecentMatches: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("no matches returned after save")
	}

	var found *Match
	for i := range matches {
		if matches[i].RoomCode == "TESTRM" {
			found = &matches[i]
			break
		}
	}
	if found == nil {
		t.Fatal("saved match not listed")
	}
	if len(found.Players) != 2 || found.Players[0].Name != "alice" {
		t.Fatalf("match players = %+v", found.Players)
	}

	got, err := s.GetMatch(ctx, found.ID)
	if err != nil {
		t.Fatalf("GetMatch: %v", err)
	}
	if got.Players[1].Score != 1500 {
		t.Fatalf("second place score = %d, want 1500", got.Players[1].Score)
	}

	if _, err := s.GetMatch(ctx, "nope"); err != ErrNotFound {
		t.Fatalf("GetMatch miss: got %v, want %v", err, ErrNotFound)
	}
}

func TestSyncQuestionsReplacesBank(t *testing.T) {
	s := testStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first := []game.Question{
		{Text: "one", Options: []string{"a", "b"}, Correct: 0, TimeLimit: 20},
		{Text: "two", Options: []string{"a", "b", "c"}, Correct: 2, TimeLimit: 15},
	}
	if err := s.SyncQuestions(ctx, first); err != nil {
		t.Fatalf("SyncQuestions: %v", err)
	}

	second := []game.Question{
		{Text: "only", Options: []string{"x", "y"}, Correct: 1, TimeLimit: 10},
	}
	if err := s.SyncQuestions(ctx, second); err != nil {
		t.Fatalf("SyncQuestions resync: %v", err)
	}

	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT count(*) FROM question_bank`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("question_bank rows = %d, want 1", n)
	}
}
