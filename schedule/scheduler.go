// Package schedule fires per-channel timer announcements. Due timers become
// synthetic chat events submitted to the same dispatcher entry point as chat
// traffic, so announcements share lane ordering and the outbound budget.
package schedule

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/onnwee/chatwarden/chat"
	"github.com/onnwee/chatwarden/state"
	"github.com/onnwee/chatwarden/telemetry"
)

// TickInterval is how often Run evaluates the schedule.
const TickInterval = time.Second

// TimerStore is the part of state.Store the scheduler reads and writes.
type TimerStore interface {
	Channels() []string
	GetChannelConfig(channel string) state.ChannelConfig
	UpdateChannelConfig(ctx context.Context, channel string, mutator func(*state.ChannelConfig) error) error
	Generation() uint64
}

// Submitter accepts synthetic events.
type Submitter interface {
	SubmitEvent(ev chat.Event) bool
}

type entry struct {
	channel string
	id      string
	message string
	every   time.Duration
	next    time.Time
}

// Scheduler keeps a working copy of every channel's timers and rebuilds it
// whenever the store's generation moves.
type Scheduler struct {
	store TimerStore
	sink  Submitter
	clock clockwork.Clock

	mu      sync.Mutex
	entries []*entry
	gen     uint64
	built   bool
}

// New returns a Scheduler. A nil clock uses the real clock.
func New(store TimerStore, sink Submitter, clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{store: store, sink: sink, clock: clock}
}

// rebuild reloads timers from the store. Timers that never had a NextFireAt are
// scheduled one interval from now. A working NextFireAt later than the stored one
// is kept so a slow write-back never makes a timer fire twice.
func (s *Scheduler) rebuild(now time.Time) {
	prev := make(map[string]time.Time, len(s.entries))
	for _, e := range s.entries {
		prev[e.channel+"/"+e.id] = e.next
	}
	s.gen = s.store.Generation()
	s.entries = s.entries[:0]
	for _, ch := range s.store.Channels() {
		cfg := s.store.GetChannelConfig(ch)
		for _, t := range cfg.Timers {
			if t.Interval <= 0 {
				continue
			}
			next := t.NextFireAt
			if p, ok := prev[ch+"/"+t.ID]; ok && p.After(next) {
				next = p
			}
			if next.IsZero() {
				next = now.Add(t.Interval)
			}
			s.entries = append(s.entries, &entry{channel: ch, id: t.ID, message: t.Message, every: t.Interval, next: next})
		}
	}
	sort.Slice(s.entries, func(i, j int) bool {
		if !s.entries[i].next.Equal(s.entries[j].next) {
			return s.entries[i].next.Before(s.entries[j].next)
		}
		return s.entries[i].channel < s.entries[j].channel
	})
	s.built = true
}

// advance returns the next fire time after a fire at now. Missed slots are
// skipped: the result is the latest slot <= now when one interval is not enough.
func advance(next time.Time, every time.Duration, now time.Time) time.Time {
	n := next.Add(every)
	if n.After(now) {
		return n
	}
	missed := now.Sub(next) / every
	return next.Add(missed * every)
}

// Tick fires every timer due at now, at most once each, and returns how many
// events were accepted by the sink.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	if !s.built || s.store.Generation() != s.gen {
		s.rebuild(now)
	}
	var due []*entry
	for _, e := range s.entries {
		if !e.next.After(now) {
			due = append(due, e)
		}
	}
	updates := make(map[string]map[string]time.Time)
	fired := 0
	for _, e := range due {
		ev := chat.Event{
			ID:        uuid.NewString(),
			Channel:   e.channel,
			Sender:    chat.UserRef{Login: e.channel, Roles: chat.NewRoleSet(chat.RoleBroadcaster)},
			Kind:      chat.KindMessage,
			Text:      e.message,
			Timestamp: now,
			Origin:    chat.OriginTimer,
		}
		if s.sink.SubmitEvent(ev) {
			fired++
			telemetry.IncCounter(telemetry.TimerFires)
		} else {
			slog.Warn("timer announcement not accepted", slog.String("component", "scheduler"), slog.String("channel", e.channel), slog.String("timer", e.id))
		}
		e.next = advance(e.next, e.every, now)
		if updates[e.channel] == nil {
			updates[e.channel] = make(map[string]time.Time)
		}
		updates[e.channel][e.id] = e.next
	}
	s.mu.Unlock()

	for ch, next := range updates {
		s.writeBack(ctx, ch, next)
	}
	return fired
}

func (s *Scheduler) writeBack(ctx context.Context, channel string, next map[string]time.Time) {
	err := s.store.UpdateChannelConfig(ctx, channel, func(cfg *state.ChannelConfig) error {
		for i := range cfg.Timers {
			if n, ok := next[cfg.Timers[i].ID]; ok && n.After(cfg.Timers[i].NextFireAt) {
				cfg.Timers[i].NextFireAt = n
			}
		}
		return nil
	})
	if err != nil {
		slog.Warn("timer write-back failed", slog.String("component", "scheduler"), slog.String("channel", channel), slog.Any("err", err))
	}
}

// Pending returns the number of timers in the working schedule.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run ticks every TickInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(TickInterval)
	defer ticker.Stop()
	slog.Info("scheduler started", slog.String("component", "scheduler"))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.Chan():
			s.Tick(ctx, now)
		}
	}
}
