package status

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ytrelay/yt-relay/server/internal/kv"
	"github.com/ytrelay/yt-relay/server/internal/process"
	"github.com/ytrelay/yt-relay/server/internal/queue"
)

type Status struct {
	Capacity int                  `json:"capacity"`
	Running  int                  `json:"running"`
	Active   []process.Invocation `json:"active"`
}

func ApplyRouter(mdb *kv.Store, limiter *queue.Limiter) func(chi.Router) {
	return func(r chi.Router) {
		r.Get("/", Handler(mdb, limiter))
		r.Get("/{id}", InvocationHandler(mdb))
	}
}

// InvocationHandler reports a single running invocation, 404 once it exited.
func InvocationHandler(mdb *kv.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inv, err := mdb.Get(chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(inv); err != nil {
			slog.Error("failed to encode invocation", slog.Any("err", err))
		}
	}
}

func Handler(mdb *kv.Store, limiter *queue.Limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active := mdb.All()

		s := Status{
			Running: len(active),
			Active:  active,
		}
		if limiter != nil {
			s.Capacity = limiter.Capacity()
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s); err != nil {
			slog.Error("failed to encode status", slog.Any("err", err))
		}
	}
}
