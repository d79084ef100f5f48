// Package state owns per-channel configuration: enabled commands and timers.
// The Store is the only writer; readers always receive copies.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/chatwarden/chat"
	"github.com/onnwee/chatwarden/telemetry"
)

// Catalog is the set of registered command triggers.
type Catalog interface {
	Triggers() []string
	Has(trigger string) bool
}

// Record is the persisted form of a channel config. Disabled commands are
// stored instead of enabled ones so newly registered commands start enabled.
type Record struct {
	Channel   string
	Disabled  []string
	Timers    []TimerSpec
	UpdatedAt time.Time
}

// Repository persists channel configs.
type Repository interface {
	LoadAll(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, rec Record) error
}

type channelState struct {
	mu      sync.RWMutex
	cfg     ChannelConfig
	version uint64

	// saveMu orders flushes of this channel.
	saveMu       sync.Mutex
	savedVersion atomic.Uint64
}

// Store holds channel configs in memory and optionally writes them through to a Repository.
type Store struct {
	catalog Catalog
	repo    Repository
	clock   clockwork.Clock

	mu         sync.RWMutex
	channels   map[string]*channelState
	generation atomic.Uint64
}

// NewStore returns a Store. repo may be nil for memory-only operation.
func NewStore(catalog Catalog, repo Repository) *Store {
	return &Store{
		catalog:  catalog,
		repo:     repo,
		clock:    clockwork.NewRealClock(),
		channels: make(map[string]*channelState),
	}
}

// WithClock sets the clock used for persisted UpdatedAt stamps.
func (s *Store) WithClock(c clockwork.Clock) *Store {
	s.clock = c
	return s
}

func (s *Store) defaultConfig(channel string) ChannelConfig {
	cfg := ChannelConfig{Channel: channel, EnabledCommands: make(map[string]bool)}
	for _, t := range s.catalog.Triggers() {
		cfg.EnabledCommands[t] = true
	}
	return cfg
}

// Load replaces in-memory state with the repository contents. Triggers that are
// no longer registered and invalid timers are dropped.
func (s *Store) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	recs, err := s.repo.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load channel configs: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		ch := chat.NormalizeChannel(rec.Channel)
		if ch == "" {
			continue
		}
		cfg := s.defaultConfig(ch)
		for _, d := range rec.Disabled {
			cfg.Disable(d)
		}
		for _, t := range rec.Timers {
			if t.Interval <= 0 || t.Message == "" || t.ID == "" {
				slog.Warn("dropping invalid stored timer", slog.String("component", "state"), slog.String("channel", ch), slog.String("timer", t.ID))
				continue
			}
			cfg.Timers = append(cfg.Timers, t)
		}
		cs := &channelState{cfg: cfg, version: 1}
		cs.savedVersion.Store(1)
		s.channels[ch] = cs
	}
	s.generation.Add(1)
	slog.Info("channel configs loaded", slog.String("component", "state"), slog.Int("channels", len(recs)))
	return nil
}

func (s *Store) lookup(channel string) *channelState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels[channel]
}

func (s *Store) getOrCreate(channel string) *channelState {
	if cs := s.lookup(channel); cs != nil {
		return cs
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs, ok := s.channels[channel]; ok {
		return cs
	}
	cs := &channelState{cfg: s.defaultConfig(channel)}
	s.channels[channel] = cs
	return cs
}

// GetChannelConfig returns a copy of the channel's config; unseen channels get
// the default with every registered command enabled.
func (s *Store) GetChannelConfig(channel string) ChannelConfig {
	channel = chat.NormalizeChannel(channel)
	cs := s.lookup(channel)
	if cs == nil {
		return s.defaultConfig(channel)
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.cfg.Clone()
}

// IsEnabled reports whether trigger is enabled in channel.
func (s *Store) IsEnabled(channel, trigger string) bool {
	channel = chat.NormalizeChannel(channel)
	cs := s.lookup(channel)
	if cs == nil {
		return s.catalog.Has(trigger)
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.cfg.IsEnabled(trigger)
}

// Channels lists channels with stored state, sorted.
func (s *Store) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Generation changes whenever any channel config is committed.
func (s *Store) Generation() uint64 { return s.generation.Load() }

// UpdateChannelConfig applies mutator to a copy of the channel's config under the
// channel's exclusive lock. The copy is committed only if mutator succeeds and the
// result validates. Committed configs are flushed to the repository; a failed
// flush leaves the channel dirty for RunFlusher and does not fail the update.
func (s *Store) UpdateChannelConfig(ctx context.Context, channel string, mutator func(*ChannelConfig) error) error {
	channel = chat.NormalizeChannel(channel)
	if channel == "" {
		return errors.New("state: empty channel")
	}
	cs := s.getOrCreate(channel)

	cs.mu.Lock()
	next := cs.cfg.Clone()
	if err := mutator(&next); err != nil {
		cs.mu.Unlock()
		return err
	}
	next.Channel = channel
	if err := next.validate(s.catalog); err != nil {
		cs.mu.Unlock()
		return err
	}
	cs.cfg = next
	cs.version++
	cs.mu.Unlock()
	s.generation.Add(1)

	if err := s.flushChannel(ctx, channel, cs); err != nil {
		telemetry.IncCounter(telemetry.StateFlushErrors)
		slog.Warn("channel config flush failed; will retry", slog.String("component", "state"), slog.String("channel", channel), slog.Any("err", err))
	}
	return nil
}

func (s *Store) record(channel string, cfg ChannelConfig) Record {
	rec := Record{Channel: channel, Timers: cfg.Timers, UpdatedAt: s.clock.Now().UTC()}
	for _, t := range s.catalog.Triggers() {
		if !cfg.IsEnabled(t) {
			rec.Disabled = append(rec.Disabled, t)
		}
	}
	return rec
}

func (s *Store) flushChannel(ctx context.Context, channel string, cs *channelState) error {
	if s.repo == nil {
		return nil
	}
	cs.saveMu.Lock()
	defer cs.saveMu.Unlock()

	cs.mu.RLock()
	version := cs.version
	cfg := cs.cfg.Clone()
	cs.mu.RUnlock()
	if cs.savedVersion.Load() >= version {
		return nil
	}
	if err := s.repo.Save(ctx, s.record(channel, cfg)); err != nil {
		return err
	}
	cs.savedVersion.Store(version)
	return nil
}

// Dirty lists channels whose latest config has not been persisted.
func (s *Store) Dirty() []string {
	if s.repo == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for ch, cs := range s.channels {
		cs.mu.RLock()
		v := cs.version
		cs.mu.RUnlock()
		if cs.savedVersion.Load() < v {
			out = append(out, ch)
		}
	}
	sort.Strings(out)
	return out
}

// Flush persists every dirty channel and returns the joined errors.
func (s *Store) Flush(ctx context.Context) error {
	var errs []error
	for _, ch := range s.Dirty() {
		if cs := s.lookup(ch); cs != nil {
			if err := s.flushChannel(ctx, ch, cs); err != nil {
				telemetry.IncCounter(telemetry.StateFlushErrors)
				errs = append(errs, fmt.Errorf("flush %s: %w", ch, err))
			}
		}
	}
	return errors.Join(errs...)
}

// RunFlusher retries dirty channels every interval until ctx is cancelled, then
// makes a final attempt.
func (s *Store) RunFlusher(ctx context.Context, every time.Duration) {
	if s.repo == nil {
		return
	}
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := s.clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Flush(fctx); err != nil {
				slog.Warn("final channel config flush failed", slog.String("component", "state"), slog.Any("err", err))
			}
			cancel()
			return
		case <-ticker.Chan():
			if err := s.Flush(ctx); err != nil {
				slog.Warn("channel config flush failed", slog.String("component", "state"), slog.Any("err", err))
			}
		}
	}
}
