package metadata

import (
	"errors"
	"fmt"
)

const UnknownTitle = "Unknown Title"

// VideoMetadata is the normalized view of a yt-dlp dump sent to the UI.
type VideoMetadata struct {
	Title     string             `json:"title"`
	Thumbnail *string            `json:"thumbnail"`
	Duration  *float64           `json:"duration"`
	Formats   []FormatDescriptor `json:"formats"`
}

type FormatDescriptor struct {
	ID        string `json:"itag"`
	Quality   string `json:"quality"`
	Container string `json:"container"`
	HasAudio  bool   `json:"hasAudio"`
	HasVideo  bool   `json:"hasVideo"`
	URL       string `json:"url,omitempty"`
}

// raw subset of `yt-dlp --dump-json`
type rawInfo struct {
	Title      *string        `json:"title"`
	Thumbnail  *string        `json:"thumbnail"`
	Thumbnails []rawThumbnail `json:"thumbnails"`
	Duration   *float64       `json:"duration"`
	Formats    []rawFormat    `json:"formats"`
}

type rawThumbnail struct {
	URL *string `json:"url"`
}

type rawFormat struct {
	FormatID   string   `json:"format_id"`
	FormatNote string   `json:"format_note"`
	Height     *float64 `json:"height"`
	Ext        string   `json:"ext"`
	ACodec     *string  `json:"acodec"`
	VCodec     *string  `json:"vcodec"`
	URL        string   `json:"url"`
}

// ErrEmptyOutput means the extractor exited cleanly without printing anything.
var ErrEmptyOutput = errors.New("extractor produced no output")

// ExtractionError is a metadata run that exited with a non-zero status.
type ExtractionError struct {
	ExitCode int
	Stderr   string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("metadata extraction failed with exit code %d", e.ExitCode)
}

// UnparsableError carries excerpts of output that held no JSON document.
type UnparsableError struct {
	Stdout string
	Stderr string
}

func (e *UnparsableError) Error() string {
	return "no valid JSON document in extractor output"
}
