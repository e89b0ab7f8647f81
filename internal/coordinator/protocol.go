package coordinator

import (
	"encoding/json"

	"trivion/internal/game"
)

// Envelope is the common shape of every client message. Type selects the
// handler; the remaining fields are read by whichever handler needs them.
type Envelope struct {
	Type string `json:"type"`
	Seq  uint64 `json:"seq,omitempty"`
}

type CreateRoomMessage struct {
	Type      string          `json:"type"`
	Name      string          `json:"name,omitempty"`
	Public    *bool           `json:"public,omitempty"`
	Password  string          `json:"password,omitempty"`
	Questions []game.Question `json:"questions,omitempty"`
}

type JoinMessage struct {
	Type     string `json:"type"`
	Room     string `json:"room"`
	Name     string `json:"name"`
	Password string `json:"password,omitempty"`
	Role     string `json:"role,omitempty"`
}

type AnswerMessage struct {
	Type   string `json:"type"`
	Answer int    `json:"answer"`
	Seq    uint64 `json:"seq,omitempty"`
}

type ReconnectMessage struct {
	Type     string `json:"type"`
	PlayerID string `json:"player_id"`
}

type QuestionMessage struct {
	Type     string        `json:"type"`
	Question game.Question `json:"question"`
	Index    int           `json:"index,omitempty"`
}

type SetQuestionsMessage struct {
	Type      string          `json:"type"`
	Questions []game.Question `json:"questions"`
}

func decode[T any](raw []byte) (T, bool) {
	var msg T
	if err := json.Unmarshal(raw, &msg); err != nil {
		var zero T
		return zero, false
	}
	return msg, true
}
