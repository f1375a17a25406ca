package queue

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrRejected is returned when no slot became free within the admission
// timeout.
var ErrRejected = errors.New("too many concurrent requests")

// Limiter bounds how many requests may drive external tools at once.
// Requests beyond the limit wait for a slot up to the admission timeout.
type Limiter struct {
	concurrency int64
	timeout     time.Duration
	sem         *semaphore.Weighted
}

func NewLimiter(concurrency int, timeout time.Duration) (*Limiter, error) {
	if concurrency <= 0 {
		return nil, errors.New("invalid queue size")
	}

	return &Limiter{
		concurrency: int64(concurrency),
		timeout:     timeout,
		sem:         semaphore.NewWeighted(int64(concurrency)),
	}, nil
}

// Acquire blocks until a slot is free. The returned release func must be
// called exactly once.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if l.timeout <= 0 {
		if !l.sem.TryAcquire(1) {
			return nil, ErrRejected
		}
		return l.release, nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrRejected
		}
		return nil, err
	}

	return l.release, nil
}

func (l *Limiter) release() { l.sem.Release(1) }

func (l *Limiter) Capacity() int { return int(l.concurrency) }

// Middleware admits a request only while a slot is held for its whole
// lifetime.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		release, err := l.Acquire(r.Context())
		if err != nil {
			if errors.Is(err, ErrRejected) {
				slog.Warn("request rejected, queue full",
					slog.String("path", r.URL.Path),
					slog.Int64("capacity", l.concurrency),
				)
				w.Header().Set("Retry-After", strconv.Itoa(int(max(l.timeout, time.Second)/time.Second)))
				http.Error(w, "Server busy, try again later", http.StatusServiceUnavailable)
			}
			// otherwise the client went away while waiting
			return
		}
		defer release()

		next.ServeHTTP(w, r)
	})
}
