package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ytrelay/yt-relay/server/config"
	"github.com/ytrelay/yt-relay/server/internal/metadata"
	"github.com/ytrelay/yt-relay/server/internal/process"
	"github.com/ytrelay/yt-relay/server/internal/queue"
	"golang.org/x/sys/unix"
)

const sampleDump = `{"title":"Test","thumbnail":"http://t/img.jpg","duration":120,"formats":[{"format_id":"18","height":360,"ext":"mp4","acodec":"aac","vcodec":"h264","url":"http://x"}]}`

type extractor struct {
	path   string
	marker string
}

// spawned reports whether the fake extractor ran at least once.
func (e extractor) spawned() bool {
	_, err := os.Stat(e.marker)
	return err == nil
}

// fakeExtractor writes a shell script answering like yt-dlp: metadata is
// the snippet run for --dump-json, download the one run for a download.
func fakeExtractor(t *testing.T, metadata, download string) extractor {
	t.Helper()

	dir := t.TempDir()
	e := extractor{
		path:   filepath.Join(dir, "yt-dlp"),
		marker: filepath.Join(dir, "spawned"),
	}

	script := "#!/bin/sh\n" +
		"echo run >> " + e.marker + "\n" +
		"case \" $* \" in\n" +
		"  *\" --dump-json \"*)\n" + metadata + "\n  ;;\n" +
		"  *\" --version \"*)\n    echo 2024.01.01\n  ;;\n" +
		"  *)\n" + download + "\n  ;;\n" +
		"esac\n"

	require.NoError(t, os.WriteFile(e.path, []byte(script), 0o755))
	return e
}

func newTestServer(t *testing.T, tool string) *httptest.Server {
	t.Helper()

	limiter, err := queue.NewLimiter(4, time.Second)
	require.NoError(t, err)

	return newLimitedServer(t, tool, limiter)
}

func newLimitedServer(t *testing.T, tool string, limiter *queue.Limiter) *httptest.Server {
	t.Helper()

	conf := config.Default()
	conf.Paths.DownloaderPath = tool

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/api", ApplyRouter(&ContainerArgs{
		Config:     conf,
		Supervisor: process.New(process.WithWaitDelay(time.Second)),
		Limiter:    limiter,
		Version:    "test",
	}))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, srv *httptest.Server, path string, query url.Values) *http.Response {
	t.Helper()

	resp, err := http.Get(srv.URL + path + "?" + query.Encode())
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestInfo(t *testing.T) {
	tool := fakeExtractor(t, "printf '%s\\n' '"+sampleDump+"'", "exit 1")
	srv := newTestServer(t, tool.path)

	resp := get(t, srv, "/api/info", url.Values{"url": {"https://example.com/watch?v=abc"}})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{
		"title":"Test",
		"thumbnail":"http://t/img.jpg",
		"duration":120,
		"formats":[{"itag":"18","quality":"360p","container":"mp4","hasAudio":true,"hasVideo":true,"url":"http://x"}]
	}`, readBody(t, resp))
}

func TestInfoNoisyOutput(t *testing.T) {
	tool := fakeExtractor(t,
		"echo '[youtube] abc: Downloading webpage'\n    printf '%s\\n' '"+sampleDump+"'",
		"exit 1")
	srv := newTestServer(t, tool.path)

	resp := get(t, srv, "/api/info", url.Values{"url": {"u"}})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var meta metadata.VideoMetadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
	assert.Equal(t, "Test", meta.Title)
}

func TestMissingURL(t *testing.T) {
	tool := fakeExtractor(t, "exit 0", "exit 0")
	srv := newTestServer(t, tool.path)

	resp := get(t, srv, "/api/info", url.Values{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.JSONEq(t, `{"error":"URL is required"}`, readBody(t, resp))

	resp = get(t, srv, "/api/download", url.Values{"format": {"mp3"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "URL is required\n", readBody(t, resp))

	assert.False(t, tool.spawned())
}

func TestMissingURLWhileBusy(t *testing.T) {
	tool := fakeExtractor(t, "exit 0", "exit 0")

	limiter, err := queue.NewLimiter(1, 10*time.Second)
	require.NoError(t, err)
	release, err := limiter.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	srv := newLimitedServer(t, tool.path, limiter)
	start := time.Now()

	resp := get(t, srv, "/api/info", url.Values{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = get(t, srv, "/api/download", url.Values{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, tool.spawned())
}

func TestInfoFailures(t *testing.T) {
	tests := []struct {
		name     string
		metadata string
		error    string
		details  string
	}{
		{"non-zero exit", "echo 'ERROR: Unsupported URL' >&2; exit 1", "Failed to fetch video info", "ERROR: Unsupported URL"},
		{"empty output", "exit 0", "No valid JSON in response", "yt-dlp did not return any output"},
		{"garbage", "echo 'definitely not json'", "No valid JSON in response", "definitely not json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := fakeExtractor(t, tt.metadata, "exit 1")
			srv := newTestServer(t, tool.path)

			resp := get(t, srv, "/api/info", url.Values{"url": {"u"}})
			assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

			var body errorBody
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.error, body.Error)
			assert.Contains(t, body.Details, tt.details)
		})
	}
}

func TestInfoMissingExecutable(t *testing.T) {
	srv := newTestServer(t, filepath.Join(t.TempDir(), "yt-dlp"))

	resp := get(t, srv, "/api/info", url.Values{"url": {"u"}})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Failed to fetch video info", body.Error)
	assert.Contains(t, body.Details, "cannot start")
}

func TestDownloadVideo(t *testing.T) {
	tool := fakeExtractor(t,
		`printf '%s\n' '{"title":"Cool Video! (Remix) #1"}'`,
		"printf 'MP4-BYTES'")
	srv := newTestServer(t, tool.path)

	resp := get(t, srv, "/api/download", url.Values{"url": {"u"}, "format": {"mp4"}})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename="Cool Video Remix 1.mp4"`, resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "MP4-BYTES", readBody(t, resp))
}

func TestDownloadUntitled(t *testing.T) {
	tool := fakeExtractor(t, `printf '%s\n' '{"formats":[]}'`, "printf 'MP4-BYTES'")
	srv := newTestServer(t, tool.path)

	resp := get(t, srv, "/api/download", url.Values{"url": {"u"}})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `attachment; filename="video.mp4"`, resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "MP4-BYTES", readBody(t, resp))
}

func TestDownloadAudio(t *testing.T) {
	tool := fakeExtractor(t,
		`printf '%s\n' '{"title":"Song"}'`,
		`case " $* " in *" --audio-format mp3 "*) printf 'ID3-BYTES';; *) exit 1;; esac`)
	srv := newTestServer(t, tool.path)

	resp := get(t, srv, "/api/download", url.Values{"url": {"u"}, "format": {"mp3"}})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/mpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename="Song.mp3"`, resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "ID3-BYTES", readBody(t, resp))
}

func TestDownloadFailsBeforeFirstByte(t *testing.T) {
	tool := fakeExtractor(t,
		`printf '%s\n' '{"title":"t"}'`,
		"echo 'ERROR: HTTP Error 403' >&2; exit 1")
	srv := newTestServer(t, tool.path)

	resp := get(t, srv, "/api/download", url.Values{"url": {"u"}})

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Empty(t, resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "Download failed\n", readBody(t, resp))
}

func TestDownloadFailsAfterBytes(t *testing.T) {
	tool := fakeExtractor(t,
		`printf '%s\n' '{"title":"t"}'`,
		"printf 'first-chunk'; sleep 0.2; exit 1")
	srv := newTestServer(t, tool.path)

	resp := get(t, srv, "/api/download", url.Values{"url": {"u"}})

	// the status line went out with the first chunk
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF) || strings.Contains(err.Error(), "EOF"))
	assert.Equal(t, "first-chunk", string(body))
}

func TestDownloadClientDisconnectKillsExtractor(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid")
	tool := fakeExtractor(t,
		`printf '%s\n' '{"title":"t"}'`,
		"echo $$ > "+pidFile+"; printf 'x'; sleep 30")
	srv := newTestServer(t, tool.path)

	resp, err := http.Get(srv.URL + "/api/download?url=u")
	require.NoError(t, err)

	first := make([]byte, 1)
	_, err = io.ReadFull(resp.Body, first)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	raw, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, err)

	// reaped by the supervisor once the request context is gone
	assert.Eventually(t, func() bool {
		return errors.Is(unix.Kill(pid, 0), unix.ESRCH)
	}, 5*time.Second, 50*time.Millisecond)
}

func TestDownloadMetadataFailure(t *testing.T) {
	tool := fakeExtractor(t, "exit 2", "printf 'never'")
	srv := newTestServer(t, tool.path)

	resp := get(t, srv, "/api/download", url.Values{"url": {"u"}})

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Download failed\n", readBody(t, resp))
}

func TestVersion(t *testing.T) {
	tool := fakeExtractor(t, "exit 1", "exit 1")
	srv := newTestServer(t, tool.path)

	resp := get(t, srv, "/api/version", url.Values{})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"relay":"test","extractor":"2024.01.01"}`, readBody(t, resp))
}
