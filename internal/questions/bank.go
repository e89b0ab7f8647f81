package questions

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"trivion/internal/game"
)

const defaultTimeLimit = 20

var ErrEmptyBank = errors.New("question_bank_empty")

// fallback keeps a room startable when no bank file is configured or the
// configured one cannot be read.
var fallback = []game.Question{
	{
		Text:      "Which planet is known as the red planet?",
		Options:   []string{"Venus", "Mars", "Jupiter", "Mercury"},
		Correct:   1,
		TimeLimit: defaultTimeLimit,
	},
	{
		Text:      "How many continents are there?",
		Options:   []string{"5", "6", "7", "8"},
		Correct:   2,
		TimeLimit: defaultTimeLimit,
	},
	{
		Text:      "What is the largest ocean on Earth?",
		Options:   []string{"Atlantic", "Indian", "Arctic", "Pacific"},
		Correct:   3,
		TimeLimit: defaultTimeLimit,
	},
}

// Default returns a copy of the built-in question set.
func Default() []game.Question {
	return append([]game.Question(nil), fallback...)
}

// Validate checks a single question for broadcastability.
func Validate(q game.Question) error {
	if q.Text == "" {
		return errors.New("question text is empty")
	}
	if len(q.Options) < 2 {
		return fmt.Errorf("question %q needs at least 2 options, has %d", q.Text, len(q.Options))
	}
	if q.Correct < 0 || q.Correct >= len(q.Options) {
		return fmt.Errorf("question %q correct index %d out of range", q.Text, q.Correct)
	}
	return nil
}

// Load reads a JSON question bank. Entries without a time limit get the
// default; any invalid entry fails the whole load so a broken bank is
// noticed at startup, not mid-game.
func Load(path string) ([]game.Question, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var qs []game.Question
	if err := json.Unmarshal(raw, &qs); err != nil {
		return nil, fmt.Errorf("parse question bank %s: %w", path, err)
	}
	if len(qs) == 0 {
		return nil, ErrEmptyBank
	}
	for i := range qs {
		if qs[i].TimeLimit <= 0 {
			qs[i].TimeLimit = defaultTimeLimit
		}
		if err := Validate(qs[i]); err != nil {
			return nil, fmt.Errorf("question bank %s entry %d: %w", path, i, err)
		}
	}
	return qs, nil
}

// LoadOrDefault falls back to the built-in set when the path is empty or
// the file cannot be used.
func LoadOrDefault(path string) []game.Question {
	if path == "" {
		return Default()
	}
	qs, err := Load(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("question bank unavailable, using built-in set")
		return Default()
	}
	log.Info().Int("questions", len(qs)).Str("path", path).Msg("question bank loaded")
	return qs
}
