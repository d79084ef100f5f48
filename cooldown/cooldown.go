// Package cooldown enforces per-command and per-user cooldowns and the global
// outbound message budget.
//
// Cooldown checks compare against the triggering event's timestamp rather than
// the wall clock, so replays and delayed lanes see the same windows. A check
// over several keys succeeds only if every key has elapsed, in which case all
// of them are set atomically.
package cooldown

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/chatwarden/telemetry"
)

// Key identifies a cooldown record. UserID is empty for channel-wide records.
type Key struct {
	Channel string
	Command string
	UserID  string
}

func (k Key) String() string {
	if k.UserID == "" {
		return k.Channel + ":" + k.Command
	}
	return k.Channel + ":" + k.Command + ":" + k.UserID
}

// Record is a cooldown entry as stored by a backend.
type Record struct {
	Key       Key
	ExpiresAt time.Time
}

// Rule is the cooldown configuration of a command.
type Rule struct {
	Cooldown time.Duration
	PerUser  bool
}

// Backend performs the all-or-nothing check-and-set over keys.
type Backend interface {
	// Acquire returns true and records now+ttl for every key when all keys have
	// expired at now; otherwise it changes nothing and returns false.
	Acquire(ctx context.Context, keys []Key, now time.Time, ttl time.Duration) (bool, error)
}

// Inspector is implemented by backends that can report how long a key has left.
type Inspector interface {
	Remaining(ctx context.Context, k Key, now time.Time) (time.Duration, error)
}

var (
	_ Inspector = (*Memory)(nil)
	_ Inspector = (*Redis)(nil)
)

// Limiter applies Rules against a Backend.
type Limiter struct {
	backend Backend
}

// NewLimiter returns a Limiter over b.
func NewLimiter(b Backend) *Limiter {
	return &Limiter{backend: b}
}

// KeysFor returns the keys a rule checks: the channel-wide key and, for per-user
// rules, the sender's key.
func KeysFor(channel, command, userID string, perUser bool) []Key {
	keys := []Key{{Channel: channel, Command: command}}
	if perUser && userID != "" {
		keys = append(keys, Key{Channel: channel, Command: command, UserID: userID})
	}
	return keys
}

// TryAcquire reports whether command may run now. A zero cooldown always succeeds
// and records nothing. Backend failures count as "on cooldown".
func (l *Limiter) TryAcquire(ctx context.Context, channel, command, userID string, rule Rule, now time.Time) bool {
	if rule.Cooldown <= 0 {
		return true
	}
	ok, err := l.backend.Acquire(ctx, KeysFor(channel, command, userID, rule.PerUser), now, rule.Cooldown)
	if err != nil {
		telemetry.IncCounter(telemetry.CooldownErrors)
		slog.Warn("cooldown backend failed; treating as on cooldown",
			slog.String("component", "cooldown"),
			slog.String("channel", channel),
			slog.String("command", command),
			slog.Any("err", err))
		return false
	}
	return ok
}

// Remaining returns how long command stays on cooldown for userID at now: the
// longest of the rule's keys. It is zero when the backend is not an Inspector or
// the lookup fails.
func (l *Limiter) Remaining(ctx context.Context, channel, command, userID string, rule Rule, now time.Time) time.Duration {
	in, ok := l.backend.(Inspector)
	if !ok {
		return 0
	}
	var longest time.Duration
	for _, k := range KeysFor(channel, command, userID, rule.PerUser) {
		d, err := in.Remaining(ctx, k, now)
		if err != nil {
			slog.Debug("cooldown lookup failed", slog.String("component", "cooldown"), slog.String("key", k.String()), slog.Any("err", err))
			return 0
		}
		longest = max(longest, d)
	}
	return longest
}
