// Package oauth keeps the bot's user token fresh. Tokens live in a TokenStore
// (the oauth_tokens table in production); a Refresher wakes on a jittered
// interval and refreshes when expiry falls within a window, handing the new
// access token to the chat client.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/chatwarden/db"
	"github.com/onnwee/chatwarden/twitchapi"
)

// ProviderTwitchBot keys the chat bot's token.
const ProviderTwitchBot = "twitch_bot"

// TokenStore persists tokens by provider.
type TokenStore interface {
	GetToken(ctx context.Context, provider string) (db.Token, bool, error)
	SaveToken(ctx context.Context, provider string, tok db.Token) error
}

// RefreshFunc exchanges a refresh token for a new token.
type RefreshFunc func(ctx context.Context, refreshToken string) (db.Token, error)

// Options tune a Refresher. Zero values select the defaults.
type Options struct {
	// Interval between checks (default 5m).
	Interval time.Duration
	// Window refreshes tokens expiring within it (default 15m).
	Window time.Duration
	Clock  clockwork.Clock
	// OnToken receives every newly refreshed token.
	OnToken func(db.Token)
	// DisableJitter makes checks run exactly every Interval.
	DisableJitter bool
}

// Refresher refreshes one provider's token.
type Refresher struct {
	store    TokenStore
	provider string
	refresh  RefreshFunc
	opts     Options
}

// NewRefresher returns a Refresher for provider.
func NewRefresher(store TokenStore, provider string, fn RefreshFunc, opts Options) *Refresher {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Window <= 0 {
		opts.Window = 15 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Refresher{store: store, provider: provider, refresh: fn, opts: opts}
}

// Seed stores tok when nothing is stored yet and returns the token in effect.
// A stored token wins over tok since it may already have been rotated.
func (r *Refresher) Seed(ctx context.Context, tok db.Token) (db.Token, error) {
	cur, ok, err := r.store.GetToken(ctx, r.provider)
	if err != nil {
		return db.Token{}, err
	}
	if ok && cur.AccessToken != "" {
		return cur, nil
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return db.Token{}, nil
	}
	if err := r.store.SaveToken(ctx, r.provider, tok); err != nil {
		return db.Token{}, fmt.Errorf("seed %s token: %w", r.provider, err)
	}
	return tok, nil
}

// Check refreshes the token when it expires within the window or its expiry is
// unknown. It reports whether a refresh happened.
func (r *Refresher) Check(ctx context.Context) (bool, error) {
	cur, ok, err := r.store.GetToken(ctx, r.provider)
	if err != nil {
		return false, err
	}
	if !ok || cur.RefreshToken == "" {
		return false, nil
	}
	if !cur.Expiry.IsZero() && cur.Expiry.Sub(r.opts.Clock.Now()) > r.opts.Window {
		return false, nil
	}
	rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	next, err := r.refresh(rctx, cur.RefreshToken)
	cancel()
	if err != nil {
		return false, fmt.Errorf("refresh %s: %w", r.provider, err)
	}
	if next.AccessToken == "" {
		return false, errors.New("refresh returned an empty access token")
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	if next.Scope == "" {
		next.Scope = cur.Scope
	}
	next.Scope = strings.TrimSpace(next.Scope)
	if err := r.store.SaveToken(ctx, r.provider, next); err != nil {
		return false, fmt.Errorf("persist %s token: %w", r.provider, err)
	}
	slog.Info("token refreshed", slog.String("component", "oauth"), slog.String("provider", r.provider), slog.Time("expires_at", next.Expiry))
	if r.opts.OnToken != nil {
		r.opts.OnToken(next)
	}
	return true, nil
}

func (r *Refresher) sleep() time.Duration {
	if r.opts.DisableJitter {
		return r.opts.Interval
	}
	// ±20% of interval, never below half of it.
	jitterRange := int64(r.opts.Interval / 5)
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	d := r.opts.Interval + time.Duration(rand.Int63n(jitterRange*2+1)-jitterRange)
	if d < r.opts.Interval/2 {
		d = r.opts.Interval / 2
	}
	return d
}

// Run checks immediately and then on every interval until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) error {
	for {
		if _, err := r.Check(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("token refresh failed", slog.String("component", "oauth"), slog.String("provider", r.provider), slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.opts.Clock.After(r.sleep()):
		}
	}
}

// MemoryStore is a TokenStore for running without a database.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]db.Token
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{tokens: make(map[string]db.Token)} }

// GetToken implements TokenStore.
func (m *MemoryStore) GetToken(ctx context.Context, provider string) (db.Token, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[provider]
	return t, ok, nil
}

// SaveToken implements TokenStore.
func (m *MemoryStore) SaveToken(ctx context.Context, provider string, tok db.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[provider] = tok
	return nil
}

// TwitchRefresh adapts a twitchapi.Refresher to a RefreshFunc.
func TwitchRefresh(tr *twitchapi.Refresher) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (db.Token, error) {
		res, err := tr.Refresh(ctx, refreshToken)
		if err != nil {
			return db.Token{}, err
		}
		return db.Token{AccessToken: res.AccessToken, RefreshToken: res.RefreshToken, Expiry: res.Expiry, Scope: res.Scope}, nil
	}
}
