// Package api wires the HTTP surface: health, the websocket chat
// endpoint, a buffered one-shot chat endpoint, and profile reads.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/calorisense/calorisense/internal/dispatch"
	"github.com/calorisense/calorisense/internal/storage"
	"github.com/calorisense/calorisense/internal/workingset"
)

// Dispatcher handles one user message. Implemented by dispatch.Dispatcher.
type Dispatcher interface {
	Handle(ctx context.Context, userID, message string, sink dispatch.StreamSink) (dispatch.Result, error)
}

// Deps holds the router's collaborators. AuthToken empty disables auth.
type Deps struct {
	Dispatcher Dispatcher
	WorkingSet *workingset.WorkingSet
	ChatWS     http.HandlerFunc
	AuthToken  string
}

// NewRouter builds the HTTP handler. /health is always open; everything
// else sits behind bearer auth when a token is configured.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		if deps.AuthToken != "" {
			r.Use(BearerAuth(deps.AuthToken))
		}
		if deps.ChatWS != nil {
			r.Get("/chat/ws/{userID}", deps.ChatWS)
		}
		r.Get("/chat/answer", handleAnswer(deps.Dispatcher))
		r.Get("/profile/{userID}", handleProfile(deps.WorkingSet))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleAnswer is the buffered variant of the chat endpoint: the reply
// is returned whole instead of streamed, for clients without websocket
// support.
func handleAnswer(d Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		message := r.URL.Query().Get("message")
		if userID == "" || message == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id and message are required")
			return
		}

		res, err := d.Handle(r.Context(), userID, message, nil)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "handling message: %v", err)
			return
		}

		out := map[string]any{"reply": res.Reply}
		if res.InfoUpdated {
			out["intent"] = res.Intent.String()
			out["info_updated"] = true
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func handleProfile(ws *workingset.WorkingSet) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")

		entry, err := ws.Get(userID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading profile: %v", err)
			return
		}

		var profile storage.ProfileRecord
		var goal storage.GoalRecord
		var intake storage.DailyIntakeRecord
		today := entry.Intake()
		entry.Mutate(func() {
			profile = *entry.Profile
			goal = *entry.Goal
			intake = *today
		})

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"profile":      profile,
			"goal":         goal,
			"daily_intake": intake,
		})
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
