package rest

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ytrelay/yt-relay/server/internal/metadata"
	"github.com/ytrelay/yt-relay/server/internal/process"
	"github.com/ytrelay/yt-relay/server/internal/relay"
)

type Handler struct {
	service *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{service: svc}
}

// ApplyRouter mounts the UI facing API. Every route spawning a tool holds
// a limiter slot for its whole duration.
func ApplyRouter(args *ContainerArgs) func(chi.Router) {
	h := NewHandler(NewService(args.Supervisor, args.Config, args.Version))

	return func(r chi.Router) {
		if args.Hub != nil {
			r.Handle("/events", args.Hub)
		}

		limit := func(next http.Handler) http.Handler { return next }
		if args.Limiter != nil {
			limit = args.Limiter.Middleware
		}

		// a bad request is answered before it queues for a slot
		r.With(requireURL(missingURLJSON), limit).Get("/info", h.Info)
		r.With(requireURL(missingURLText), limit).Get("/download", h.Download)
		r.With(limit).Get("/version", h.Version)
	}
}

func requireURL(reject http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("url") == "" {
				reject(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func missingURLJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "URL is required"})
}

func missingURLText(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "URL is required", http.StatusBadRequest)
}

func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")

	meta, err := h.service.Info(r.Context(), url)
	if err != nil {
		body := describe(err)
		slog.Error("failed to fetch video info",
			slog.String("url", url),
			slog.Any("err", err),
		)
		writeJSON(w, http.StatusInternalServerError, body)
		return
	}

	writeJSON(w, http.StatusOK, meta)
}

func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	url := query.Get("url")

	req := relay.DownloadRequest{
		URL:    url,
		Format: relay.ParseFormat(query.Get("format")),
	}

	ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

	err := h.service.Download(r.Context(), req, ww)
	if err == nil {
		return
	}

	if ww.BytesWritten() > 0 {
		// headers and part of the body are gone: a clean end of stream
		// would pass a truncated file off as complete
		slog.Error("download failed mid-stream, aborting response",
			slog.String("url", url),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Any("err", err),
		)
		panic(http.ErrAbortHandler)
	}

	if r.Context().Err() != nil {
		slog.Warn("client went away before download started", slog.String("url", url))
		return
	}

	slog.Error("download failed", slog.String("url", url), slog.Any("err", err))

	w.Header().Del("Content-Disposition")
	http.Error(w, "Download failed", http.StatusInternalServerError)
}

func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	relayVersion, extractorVersion, err := h.service.GetVersion(r.Context())
	if err != nil {
		slog.Error("failed to query extractor version", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Error:   "Failed to query extractor version",
			Details: err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, versionBody{
		Relay:     relayVersion,
		Extractor: extractorVersion,
	})
}

func describe(err error) errorBody {
	var (
		extraction *metadata.ExtractionError
		unparsable *metadata.UnparsableError
		spawn      *process.SpawnError
	)

	switch {
	case errors.As(err, &extraction):
		return errorBody{Error: "Failed to fetch video info", Details: extraction.Stderr}
	case errors.Is(err, metadata.ErrEmptyOutput):
		return errorBody{Error: "No valid JSON in response", Details: "yt-dlp did not return any output"}
	case errors.As(err, &unparsable):
		details := unparsable.Stdout
		if details == "" {
			details = unparsable.Stderr
		}
		return errorBody{Error: "No valid JSON in response", Details: details}
	case errors.As(err, &spawn):
		return errorBody{Error: "Failed to fetch video info", Details: spawn.Error()}
	default:
		return errorBody{Error: "Failed to fetch video info", Details: err.Error()}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.Any("err", err))
	}
}
