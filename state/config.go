package state

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknownCommand is returned when a config references an unregistered trigger.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrInvalidTimer is returned for timers with a non-positive interval or no message.
	ErrInvalidTimer = errors.New("invalid timer")
)

// TimerSpec is a periodic announcement.
type TimerSpec struct {
	ID         string
	Interval   time.Duration
	Message    string
	NextFireAt time.Time
}

// ChannelConfig is the mutable per-channel configuration.
type ChannelConfig struct {
	Channel         string
	EnabledCommands map[string]bool
	Timers          []TimerSpec
}

// Clone returns a deep copy.
func (c ChannelConfig) Clone() ChannelConfig {
	out := ChannelConfig{
		Channel:         c.Channel,
		EnabledCommands: make(map[string]bool, len(c.EnabledCommands)),
		Timers:          make([]TimerSpec, len(c.Timers)),
	}
	for k, v := range c.EnabledCommands {
		if v {
			out.EnabledCommands[k] = true
		}
	}
	copy(out.Timers, c.Timers)
	return out
}

// IsEnabled reports whether trigger is enabled.
func (c ChannelConfig) IsEnabled(trigger string) bool { return c.EnabledCommands[trigger] }

// Enable turns trigger on.
func (c *ChannelConfig) Enable(trigger string) {
	if c.EnabledCommands == nil {
		c.EnabledCommands = make(map[string]bool)
	}
	c.EnabledCommands[strings.ToLower(trigger)] = true
}

// Disable turns trigger off.
func (c *ChannelConfig) Disable(trigger string) {
	delete(c.EnabledCommands, strings.ToLower(trigger))
}

// Enabled lists enabled triggers, sorted.
func (c ChannelConfig) Enabled() []string {
	out := make([]string, 0, len(c.EnabledCommands))
	for t, on := range c.EnabledCommands {
		if on {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// AddTimer appends a timer first firing at first and returns it.
func (c *ChannelConfig) AddTimer(interval time.Duration, message string, first time.Time) TimerSpec {
	ts := TimerSpec{ID: uuid.NewString(), Interval: interval, Message: strings.TrimSpace(message), NextFireAt: first}
	c.Timers = append(c.Timers, ts)
	return ts
}

// RemoveTimer deletes the timer whose ID equals id or starts with it (min. 4 chars).
func (c *ChannelConfig) RemoveTimer(id string) bool {
	for i, t := range c.Timers {
		if t.ID == id || (len(id) >= 4 && strings.HasPrefix(t.ID, id)) {
			c.Timers = append(c.Timers[:i], c.Timers[i+1:]...)
			return true
		}
	}
	return false
}

// Timer returns the timer with id.
func (c ChannelConfig) Timer(id string) (TimerSpec, bool) {
	for _, t := range c.Timers {
		if t.ID == id {
			return t, true
		}
	}
	return TimerSpec{}, false
}

func (c ChannelConfig) validate(cat Catalog) error {
	for t, on := range c.EnabledCommands {
		if on && !cat.Has(t) {
			return fmt.Errorf("%w: %q", ErrUnknownCommand, t)
		}
	}
	ids := make(map[string]bool, len(c.Timers))
	for _, t := range c.Timers {
		if t.Interval <= 0 {
			return fmt.Errorf("%w: interval %v must be positive", ErrInvalidTimer, t.Interval)
		}
		if strings.TrimSpace(t.Message) == "" {
			return fmt.Errorf("%w: empty message", ErrInvalidTimer)
		}
		if t.ID == "" || ids[t.ID] {
			return fmt.Errorf("%w: missing or duplicate id %q", ErrInvalidTimer, t.ID)
		}
		ids[t.ID] = true
	}
	return nil
}
