package game

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateLobby       State = "lobby"
	StateCountdown   State = "countdown"
	StateQuestion    State = "question"
	StateResults     State = "results"
	StatePodium      State = "podium"
	StateLeaderboard State = "leaderboard"
	StateFinished    State = "finished"
)

type Role string

const (
	RolePlayer Role = "player"
	RoleAdmin  Role = "admin"
)

// Player is the long-lived roster entry for one participant. The stable ID
// survives reconnection; ConnID is rebound each time the transport changes.
type Player struct {
	ID            string
	Name          string
	ConnID        string
	Score         int
	CurrentAnswer *int
	AnswerTime    time.Time
	LastPoints    int
	History       []bool
	Role          Role
	Waiting       bool
}

func NewPlayer(name, connID string, role Role) *Player {
	return &Player{
		ID:     uuid.NewString(),
		Name:   name,
		ConnID: connID,
		Role:   role,
	}
}

func (p *Player) resetForQuestion() {
	p.CurrentAnswer = nil
	p.AnswerTime = time.Time{}
	p.LastPoints = 0
}

func (p *Player) Answered() bool {
	return p.CurrentAnswer != nil
}

func (p *Player) summary() map[string]any {
	return map[string]any{
		"id":          p.ID,
		"name":        p.Name,
		"score":       p.Score,
		"last_points": p.LastPoints,
		"role":        string(p.Role),
		"answered":    p.Answered(),
		"waiting":     p.Waiting,
	}
}

// Question is immutable once the game leaves the lobby.
type Question struct {
	Text      string   `json:"text"`
	Options   []string `json:"options"`
	Correct   int      `json:"correct"`
	TimeLimit int      `json:"time_limit"`
}

// payload serializes the question for broadcast. The correct index is
// withheld unless the round is already resolved.
func (q Question) payload(withAnswer bool) map[string]any {
	d := map[string]any{
		"text":       q.Text,
		"options":    q.Options,
		"time_limit": q.TimeLimit,
	}
	if withAnswer {
		d["correct"] = q.Correct
	}
	return d
}

type RankEntry struct {
	Position int    `json:"position"`
	PlayerID string `json:"player_id"`
	Name     string `json:"name"`
	Score    int    `json:"score"`
}

func rankPlayers(players []*Player) []RankEntry {
	sort.SliceStable(players, func(i, j int) bool {
		return players[i].Score > players[j].Score
	})
	out := make([]RankEntry, len(players))
	for i, p := range players {
		out[i] = RankEntry{Position: i + 1, PlayerID: p.ID, Name: p.Name, Score: p.Score}
	}
	return out
}
