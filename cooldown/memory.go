package cooldown

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type entry struct {
	mu        sync.Mutex
	expiresAt time.Time
	// dead is set once Sweep removed the entry from the map; holders must retry.
	dead bool
}

// Memory is an in-process Backend with one lock per key. The map lock is held
// only to look up entries, never while waiting on a key.
type Memory struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{entries: make(map[Key]*entry)}
}

// Acquire implements Backend.
func (m *Memory) Acquire(ctx context.Context, keys []Key, now time.Time, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	sorted := make([]Key, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })

	for {
		held := m.lockEntries(sorted)
		if held == nil {
			continue
		}
		ok := true
		for _, e := range held {
			if now.Before(e.expiresAt) {
				ok = false
				break
			}
		}
		if ok {
			exp := now.Add(ttl)
			for _, e := range held {
				e.expiresAt = exp
			}
		}
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
		}
		return ok, nil
	}
}

// lockEntries locks the entries for keys in order. It returns nil, with nothing
// held, when one of them was swept concurrently.
func (m *Memory) lockEntries(keys []Key) []*entry {
	m.mu.Lock()
	held := make([]*entry, len(keys))
	for i, k := range keys {
		e, ok := m.entries[k]
		if !ok {
			e = &entry{}
			m.entries[k] = e
		}
		held[i] = e
	}
	m.mu.Unlock()

	for i, e := range held {
		e.mu.Lock()
		if e.dead {
			for j := i; j >= 0; j-- {
				held[j].mu.Unlock()
			}
			return nil
		}
	}
	return held
}

// Remaining implements Inspector. An expired record is pruned on the way out.
func (m *Memory) Remaining(ctx context.Context, k Key, now time.Time) (time.Duration, error) {
	m.mu.Lock()
	e, ok := m.entries[k]
	m.mu.Unlock()
	if !ok {
		return 0, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return 0, nil
	}
	if d := e.expiresAt.Sub(now); d > 0 {
		return d, nil
	}
	// Sweep only TryLocks entries, so taking the map lock while holding e is safe.
	m.mu.Lock()
	if m.entries[k] == e {
		delete(m.entries, k)
	}
	m.mu.Unlock()
	e.dead = true
	return 0, nil
}

// Sweep drops records expired at now and returns how many were removed.
// Entries currently locked by Acquire are skipped.
func (m *Memory) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, e := range m.entries {
		if !e.mu.TryLock() {
			continue
		}
		if !now.Before(e.expiresAt) {
			e.dead = true
			delete(m.entries, k)
			removed++
		}
		e.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// RunJanitor sweeps every interval until ctx is cancelled.
func (m *Memory) RunJanitor(ctx context.Context, clock clockwork.Clock, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := m.Sweep(clock.Now()); n > 0 {
				slog.Debug("cooldown sweep", slog.String("component", "cooldown"), slog.Int("removed", n))
			}
		}
	}
}
