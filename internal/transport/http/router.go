package http

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v3"

	"trivion/internal/game"
	"trivion/internal/logging"
	"trivion/internal/questions"
	"trivion/internal/rooms"
	"trivion/internal/store"
)

var (
	roomsCreatedTotal  = expvar.NewInt("rooms_created_total")
	matchQueriesTotal  = expvar.NewInt("match_queries_total")
	matchQueryErrTotal = expvar.NewInt("match_query_errors_total")
)

// MatchReader is the slice of the store the REST surface needs. Nil means
// match history is disabled.
type MatchReader interface {
	RecentMatches(ctx context.Context, limit int) ([]store.Match, error)
	GetMatch(ctx context.Context, id string) (*store.Match, error)
}

// NewRouter builds the REST and WebSocket surface. wsHandler is the
// upgraded game socket; matches may be nil when no database is configured.
func NewRouter(reg *rooms.Registry, matches MatchReader, wsHandler http.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.With(apiLogMiddleware()).Get("/healthz", healthHandler(reg))

	r.Route("/api", func(r chi.Router) {
		r.Use(apiLogMiddleware())
		r.Get("/rooms", listRoomsHandler(reg))
		r.Post("/rooms", createRoomHandler(reg))
		r.Get("/rooms/{code}", roomStateHandler(reg))
		r.Get("/rooms/{code}/questions", listQuestionsHandler(reg))
		r.Post("/rooms/{code}/questions", addQuestionHandler(reg))
		r.Delete("/rooms/{code}/questions", clearQuestionsHandler(reg))
		r.Delete("/rooms/{code}/questions/{index}", removeQuestionHandler(reg))
		r.Get("/matches", matchesHandler(matches))
		r.Get("/matches/{match_id}", matchHandler(matches))
	})

	r.Handle("/debug/vars", expvar.Handler())
	r.Get("/ws", wsHandler.ServeHTTP)
	return r
}

func apiLogMiddleware() func(http.Handler) http.Handler {
	return httplog.RequestLogger(
		slog.New(slog.NewJSONHandler(logging.Writer(), &slog.HandlerOptions{})),
		&httplog.Options{
			Level:  slog.LevelInfo,
			Schema: httplog.Schema{ResponseStatus: "status", ResponseDuration: "duration_ms"},
		},
	)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]any{"error": code})
}

func healthHandler(reg *rooms.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "rooms": reg.Count()})
	}
}

func listRoomsHandler(reg *rooms.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"rooms": reg.List()})
	}
}

func createRoomHandler(reg *rooms.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name      string          `json:"name"`
			Public    *bool           `json:"public"`
			Password  string          `json:"password"`
			Questions []game.Question `json:"questions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_json")
			return
		}
		for _, q := range req.Questions {
			if err := questions.Validate(q); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_question")
				return
			}
		}
		qs := req.Questions
		if len(qs) == 0 {
			qs = questions.Default()
		}
		public := true
		if req.Public != nil {
			public = *req.Public
		}
		room, err := reg.CreateRoom(req.Name, public, req.Password, qs)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		roomsCreatedTotal.Add(1)
		writeJSON(w, http.StatusCreated, map[string]any{
			"room":         room.Code,
			"name":         room.Name,
			"public":       room.Public,
			"has_password": room.HasPassword(),
		})
	}
}

func roomStateHandler(reg *rooms.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room, err := reg.Get(chi.URLParam(r, "code"))
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"room":         room.Code,
			"name":         room.Name,
			"has_password": room.HasPassword(),
			"created_at":   room.CreatedAt,
			"state":        room.Session.Snapshot(),
			"ranking":      room.Session.Ranking(),
		})
	}
}

func listQuestionsHandler(reg *rooms.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room, err := reg.Get(chi.URLParam(r, "code"))
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"questions": room.Session.Questions()})
	}
}

func addQuestionHandler(reg *rooms.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room, err := reg.Get(chi.URLParam(r, "code"))
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		var q game.Question
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			writeError(w, http.StatusBadRequest, "bad_json")
			return
		}
		if err := questions.Validate(q); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_question")
			return
		}
		if err := room.Session.AddQuestion(q); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"questions": room.Session.Questions()})
	}
}

func clearQuestionsHandler(reg *rooms.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room, err := reg.Get(chi.URLParam(r, "code"))
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if err := room.Session.ClearQuestions(); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"questions": room.Session.Questions()})
	}
}

func removeQuestionHandler(reg *rooms.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room, err := reg.Get(chi.URLParam(r, "code"))
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		index, err := strconv.Atoi(chi.URLParam(r, "index"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_index")
			return
		}
		if err := room.Session.RemoveQuestion(index); err != nil {
			status := http.StatusConflict
			if errors.Is(err, game.ErrBadIndex) {
				status = http.StatusNotFound
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"questions": room.Session.Questions()})
	}
}

func matchesHandler(matches MatchReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if matches == nil {
			writeError(w, http.StatusNotFound, "match_history_disabled")
			return
		}
		matchQueriesTotal.Add(1)
		items, err := matches.RecentMatches(r.Context(), 20)
		if err != nil {
			matchQueryErrTotal.Add(1)
			writeError(w, http.StatusInternalServerError, "match_query_failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"matches": items})
	}
}

func matchHandler(matches MatchReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if matches == nil {
			writeError(w, http.StatusNotFound, "match_history_disabled")
			return
		}
		matchQueriesTotal.Add(1)
		m, err := matches.GetMatch(r.Context(), chi.URLParam(r, "match_id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "match_not_found")
				return
			}
			matchQueryErrTotal.Add(1)
			writeError(w, http.StatusInternalServerError, "match_query_failed")
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}
