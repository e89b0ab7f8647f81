package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"trivion/internal/game"
)

var ErrNotFound = errors.New("not found")

const saveTimeout = 5 * time.Second

// Store persists finished matches. It implements game.MatchSink; the game
// core only ever sees that interface.
type Store struct {
	DB *sql.DB
}

func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

// Migrate creates the match tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS matches (
			id         TEXT PRIMARY KEY,
			room_code  TEXT NOT NULL,
			played_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS match_players (
			match_id  TEXT NOT NULL REFERENCES matches(id) ON DELETE CASCADE,
			position  INT NOT NULL,
			player_id TEXT NOT NULL,
			name      TEXT NOT NULL,
			score     INT NOT NULL,
			PRIMARY KEY (match_id, position)
		);
		CREATE INDEX IF NOT EXISTS idx_matches_room_code ON matches(room_code);
		CREATE TABLE IF NOT EXISTS question_bank (
			position   INT PRIMARY KEY,
			text       TEXT NOT NULL,
			options    JSONB NOT NULL,
			correct    INT NOT NULL,
			time_limit INT NOT NULL
		);
	`)
	return err
}

// SyncQuestions replaces the persisted question bank with the given set, so
// the database always mirrors what the server booted with.
func (s *Store) SyncQuestions(ctx context.Context, qs []game.Question) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM question_bank`); err != nil {
		return err
	}
	for i, q := range qs {
		opts, err := json.Marshal(q.Options)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO question_bank (position, text, options, correct, time_limit) VALUES ($1, $2, $3, $4, $5)`,
			i, q.Text, opts, q.Correct, q.TimeLimit); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveMatch records a final ranking. The session calls this without a
// context, so the write runs under its own timeout.
func (s *Store) SaveMatch(roomCode string, ranking []game.RankEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	id := NewID()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO matches (id, room_code) VALUES ($1, $2)`, id, roomCode); err != nil {
		return err
	}
	for _, entry := range ranking {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO match_players (match_id, position, player_id, name, score) VALUES ($1, $2, $3, $4, $5)`,
			id, entry.Position, entry.PlayerID, entry.Name, entry.Score); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Match is one persisted game outcome.
type Match struct {
	ID       string       `json:"id"`
	RoomCode string       `json:"room_code"`
	PlayedAt time.Time    `json:"played_at"`
	Players  []MatchEntry `json:"players"`
}

type MatchEntry struct {
	Position int    `json:"position"`
	PlayerID string `json:"player_id"`
	Name     string `json:"name"`
	Score    int    `json:"score"`
}

// RecentMatches lists the latest finished games, newest first.
func (s *Store) RecentMatches(ctx context.Context, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, room_code, played_at FROM matches ORDER BY played_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.RoomCode, &m.PlayedAt); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range matches {
		players, err := s.matchPlayers(ctx, matches[i].ID)
		if err != nil {
			return nil, err
		}
		matches[i].Players = players
	}
	return matches, nil
}

// GetMatch loads one match with its full ranking.
func (s *Store) GetMatch(ctx context.Context, id string) (*Match, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, room_code, played_at FROM matches WHERE id = $1`, id)
	var m Match
	if err := row.Scan(&m.ID, &m.RoomCode, &m.PlayedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	players, err := s.matchPlayers(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	m.Players = players
	return &m, nil
}

func (s *Store) matchPlayers(ctx context.Context, matchID string) ([]MatchEntry, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT position, player_id, name, score FROM match_players WHERE match_id = $1 ORDER BY position`, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var players []MatchEntry
	for rows.Next() {
		var p MatchEntry
		if err := rows.Scan(&p.Position, &p.PlayerID, &p.Name, &p.Score); err != nil {
			return nil, err
		}
		players = append(players, p)
	}
	return players, rows.Err()
}
