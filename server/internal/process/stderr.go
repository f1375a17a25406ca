package process

import (
	"bytes"
	"log/slog"
	"sync"
)

const stderrTailSize = 8 << 10

// stderrSink logs every complete line written by the child and keeps the
// last stderrTailSize bytes for error reports.
type stderrSink struct {
	id  string
	url string

	mu      sync.Mutex
	pending []byte
	tail    []byte
}

func newStderrSink(id, url string) *stderrSink {
	return &stderrSink{id: id, url: url}
}

func (s *stderrSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tail = append(s.tail, p...)
	if over := len(s.tail) - stderrTailSize; over > 0 {
		s.tail = s.tail[over:]
	}

	s.pending = append(s.pending, p...)
	for {
		i := bytes.IndexAny(s.pending, "\r\n")
		if i < 0 {
			break
		}
		s.log(s.pending[:i])
		s.pending = s.pending[i+1:]
	}

	// a tool spamming one endless line must not grow this forever
	if len(s.pending) > stderrTailSize {
		s.log(s.pending)
		s.pending = nil
	}

	return len(p), nil
}

func (s *stderrSink) log(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	slog.Warn("tool stderr",
		slog.String("id", shortId(s.id)),
		slog.String("url", s.url),
		slog.String("line", string(line)),
	)
}

// flush logs a trailing line without newline once the child is gone.
func (s *stderrSink) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log(s.pending)
	s.pending = nil
}

func (s *stderrSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.tail)
}
