package kv

import (
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/asaskevich/EventBus"
	"github.com/ytrelay/yt-relay/server/internal/process"
)

// In-Memory Thread-Safe table of the tool invocations currently running.
// It is fed by the supervisor lifecycle events.
type Store struct {
	table map[string]process.Invocation
	mu    sync.RWMutex
}

func NewStore() *Store {
	return &Store{
		table: make(map[string]process.Invocation),
	}
}

// Get an invocation given its id
func (m *Store) Get(id string) (process.Invocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.table[id]
	if !ok {
		return process.Invocation{}, errors.New("no process found for the given key")
	}

	return entry, nil
}

// Store an invocation and return its id
func (m *Store) Set(inv process.Invocation) string {
	m.mu.Lock()
	m.table[inv.ID] = inv
	m.mu.Unlock()

	return inv.ID
}

// Removes an invocation, given its id
func (m *Store) Delete(id string) {
	m.mu.Lock()
	delete(m.table, id)
	m.mu.Unlock()
}

func (m *Store) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	running := make([]string, 0, len(m.table))
	for id := range m.table {
		running = append(running, id)
	}

	return running
}

// Returns a snapshot of all running invocations, oldest first
func (m *Store) All() []process.Invocation {
	m.mu.RLock()
	running := make([]process.Invocation, 0, len(m.table))
	for _, v := range m.table {
		running = append(running, v)
	}
	m.mu.RUnlock()

	slices.SortFunc(running, func(a, b process.Invocation) int {
		return a.StartedAt.Compare(b.StartedAt)
	})

	return running
}

// KillAll terminates every invocation still registered. Used on shutdown
// once in-flight requests had their chance to finish.
func (m *Store) KillAll() {
	for _, inv := range m.All() {
		if inv.Kill == nil {
			continue
		}
		if err := inv.Kill(); err != nil {
			slog.Warn("failed killing process",
				slog.String("id", inv.ID),
				slog.Any("err", err),
			)
			continue
		}
		slog.Info("successfully killed process", slog.String("id", inv.ID))
	}
}

// EventListener keeps the table in sync with the supervisor events.
func (m *Store) EventListener(bus EventBus.Bus) error {
	if err := bus.Subscribe(process.TopicStarted, m.onStarted); err != nil {
		return err
	}
	return bus.Subscribe(process.TopicExited, m.onExited)
}

func (m *Store) onStarted(inv process.Invocation) { m.Set(inv) }

func (m *Store) onExited(inv process.Invocation) { m.Delete(inv.ID) }
