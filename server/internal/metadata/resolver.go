package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/ytrelay/yt-relay/server/config"
	"github.com/ytrelay/yt-relay/server/internal/process"
)

const excerptSize = 500

var supportedContainers = []string{"mp4", "webm", "m4a"}

// Runner is the buffered half of the process supervisor.
type Runner interface {
	Run(ctx context.Context, task process.Task) (*process.Result, error)
}

type Resolver struct {
	runner    Runner
	command   string
	conf      config.ExtractorConfig
	extractor DocumentExtractor
}

type ResolverOption func(*Resolver)

// WithDocumentExtractor swaps the strategy used to locate the JSON dump.
func WithDocumentExtractor(fn DocumentExtractor) ResolverOption {
	return func(r *Resolver) { r.extractor = fn }
}

func NewResolver(runner Runner, command string, conf config.ExtractorConfig, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		runner:    runner,
		command:   command,
		conf:      conf,
		extractor: LastDocument,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IdentityArgs are shared by every extractor invocation: the pinned client
// identity and the certificate policy.
func IdentityArgs(conf config.ExtractorConfig) []string {
	args := []string{}
	if conf.NoCheckCertificates {
		args = append(args, "--no-check-certificates")
	}
	if conf.UserAgent != "" {
		args = append(args, "--user-agent", conf.UserAgent)
	}
	if conf.Referer != "" {
		args = append(args, "--referer", conf.Referer)
	}
	return args
}

func (r *Resolver) Resolve(ctx context.Context, url string) (*VideoMetadata, error) {
	info, err := r.fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	meta := normalize(info)

	slog.Info("metadata fetched",
		slog.String("url", url),
		slog.String("title", meta.Title),
		slog.Int("formats", len(meta.Formats)),
	)

	return meta, nil
}

// Title returns the title exactly as the extractor reported it, empty when
// the document has none.
func (r *Resolver) Title(ctx context.Context, url string) (string, error) {
	info, err := r.fetch(ctx, url)
	if err != nil {
		return "", err
	}
	if info.Title == nil {
		return "", nil
	}
	return *info.Title, nil
}

func (r *Resolver) fetch(ctx context.Context, url string) (*rawInfo, error) {
	args := append([]string{
		"--dump-json",
		"--no-playlist",
		"--no-warnings",
		"--quiet",
	}, IdentityArgs(r.conf)...)

	slog.Info("retrieving metadata", slog.String("url", url))

	res, err := r.runner.Run(ctx, process.Task{
		Command: r.command,
		Args:    args,
		URL:     url,
		Kind:    "metadata",
		Timeout: r.conf.MetadataTimeout,
	})

	var exitErr *process.ExitError
	switch {
	case errors.As(err, &exitErr):
		return nil, &ExtractionError{
			ExitCode: exitErr.ExitCode,
			Stderr:   tail(exitErr.Stderr, excerptSize*4),
		}
	case err != nil:
		return nil, fmt.Errorf("fetching metadata: %w", err)
	}

	if len(bytes.TrimSpace(res.Stdout)) == 0 {
		return nil, ErrEmptyOutput
	}

	doc, ok := r.extractor(res.Stdout)
	if !ok {
		return nil, r.unparsable(res)
	}

	var info rawInfo
	if err := json.Unmarshal(doc, &info); err != nil {
		slog.Error("metadata document does not match the expected shape",
			slog.String("url", url),
			slog.Any("err", err),
		)
		return nil, r.unparsable(res)
	}

	return &info, nil
}

func (r *Resolver) unparsable(res *process.Result) error {
	return &UnparsableError{
		Stdout: head(string(res.Stdout), excerptSize),
		Stderr: tail(string(res.Stderr), excerptSize),
	}
}

func normalize(info *rawInfo) *VideoMetadata {
	meta := &VideoMetadata{
		Title:    UnknownTitle,
		Duration: info.Duration,
		Formats:  make([]FormatDescriptor, 0, len(info.Formats)),
	}

	if info.Title != nil && *info.Title != "" {
		meta.Title = *info.Title
	}

	meta.Thumbnail = thumbnail(info)

	for _, f := range info.Formats {
		if !slices.Contains(supportedContainers, f.Ext) {
			continue
		}
		meta.Formats = append(meta.Formats, FormatDescriptor{
			ID:        f.FormatID,
			Quality:   quality(f),
			Container: f.Ext,
			HasAudio:  hasCodec(f.ACodec),
			HasVideo:  hasCodec(f.VCodec),
			URL:       f.URL,
		})
	}

	return meta
}

// thumbnails are listed by increasing resolution, the last one is the best
func thumbnail(info *rawInfo) *string {
	if info.Thumbnail != nil && *info.Thumbnail != "" {
		return info.Thumbnail
	}
	if n := len(info.Thumbnails); n > 0 {
		if u := info.Thumbnails[n-1].URL; u != nil && *u != "" {
			return u
		}
	}
	return nil
}

func quality(f rawFormat) string {
	if f.FormatNote != "" {
		return f.FormatNote
	}
	if f.Height != nil && *f.Height > 0 {
		return fmt.Sprintf("%dp", int(*f.Height))
	}
	return "unknown"
}

func hasCodec(codec *string) bool {
	return codec != nil && *codec != "none"
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[len(s)-n:], "")
}
