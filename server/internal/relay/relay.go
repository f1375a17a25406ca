package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ytrelay/yt-relay/server/config"
	"github.com/ytrelay/yt-relay/server/internal/metadata"
	"github.com/ytrelay/yt-relay/server/internal/process"
)

type Format string

const (
	FormatVideo Format = "video"
	FormatAudio Format = "audio"
)

// ParseFormat maps the UI query value. Anything but mp3/audio is video.
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "mp3", "audio":
		return FormatAudio
	default:
		return FormatVideo
	}
}

func (f Format) Extension() string {
	if f == FormatAudio {
		return ".mp3"
	}
	return ".mp4"
}

func (f Format) ContentType() string {
	if f == FormatAudio {
		return "audio/mpeg"
	}
	return "video/mp4"
}

type DownloadRequest struct {
	URL    string
	Format Format
}

// TitleResolver returns the raw title of url, empty when it has none.
type TitleResolver interface {
	Title(ctx context.Context, url string) (string, error)
}

type Streamer interface {
	Stream(ctx context.Context, task process.Task) (*process.Stream, error)
}

type Relay struct {
	resolver TitleResolver
	streamer Streamer
	conf     config.Config
}

func New(resolver TitleResolver, streamer Streamer, conf config.Config) *Relay {
	return &Relay{
		resolver: resolver,
		streamer: streamer,
		conf:     conf,
	}
}

// Stream resolves the title, sets the attachment headers and copies the
// extractor output into w. Headers are only staged: if an error is returned
// and nothing was written yet, the caller may still answer with an error
// status. Once bytes went out, the only recourse is aborting the response.
func (r *Relay) Stream(ctx context.Context, req DownloadRequest, w http.ResponseWriter) error {
	title, err := r.resolver.Title(ctx, req.URL)
	if err != nil {
		return fmt.Errorf("resolving title: %w", err)
	}

	name := SanitizeTitle(title)

	h := w.Header()
	h.Set("Content-Disposition", ContentDisposition(name, req.Format.Extension()))
	h.Set("Content-Type", req.Format.ContentType())

	slog.Info("starting download",
		slog.String("url", req.URL),
		slog.String("title", name),
		slog.String("format", string(req.Format)),
	)

	st, err := r.streamer.Stream(ctx, process.Task{
		Command: r.conf.Paths.DownloaderPath,
		Args:    r.Args(req.Format),
		URL:     req.URL,
		Kind:    "download",
		Timeout: r.conf.Extractor.DownloadTimeout,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := io.Copy(&flushWriter{w: w, rc: http.NewResponseController(w)}, st)
	if err != nil {
		return fmt.Errorf("relaying stream after %d of %d bytes: %w", n, st.BytesRead(), err)
	}

	if _, err := st.Wait(); err != nil {
		return err
	}

	slog.Info("download completed",
		slog.String("url", req.URL),
		slog.Int64("bytes", n),
	)

	return nil
}

// Args returns the extractor options for a download of format f.
func (r *Relay) Args(f Format) []string {
	args := []string{"--no-playlist", "--no-warnings", "--no-progress"}
	args = append(args, metadata.IdentityArgs(r.conf.Extractor)...)

	switch f {
	case FormatAudio:
		args = append(args, "-x", "--audio-format", "mp3")
	default:
		args = append(args, "-f", "best[ext=mp4]/best")
	}

	if tp := r.conf.Paths.TranscoderPath; tp != "" {
		args = append(args, "--ffmpeg-location", tp)
	}

	return append(args, "-o", "-")
}

// flushWriter pushes every chunk to the client as soon as it is read.
type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	// not every writer supports flushing (e.g. some test recorders)
	_ = f.rc.Flush()
	return n, nil
}
