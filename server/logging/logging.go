package logging

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/ytrelay/yt-relay/server/config"
)

// New builds the process-wide logger. The returned closer releases the log
// file when file logging is enabled and is a no-op otherwise.
func New(conf config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	logWriters := []io.Writer{os.Stdout}

	var closer io.Closer = nopCloser{}

	if conf.EnableFileLogging {
		fd, err := os.OpenFile(conf.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		logWriters = append(logWriters, fd)
		closer = fd
	}

	return slog.New(NewHandler(io.MultiWriter(logWriters...), conf)), closer, nil
}

func NewHandler(w io.Writer, conf config.LoggingConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(conf.Level)}

	if strings.EqualFold(conf.Format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// RequestLogger is the chi middleware logging one line per served request.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			slog.Info("request served",
				slog.String("id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("elapsed", time.Since(start)),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
