package cooldown

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Twitch allows 20 messages per 30 seconds for accounts that are not moderators.
const (
	DefaultBudgetMessages = 20
	DefaultBudgetWindow   = 30 * time.Second
)

// Budget is the global outbound message budget shared by all channels.
type Budget struct {
	lim *rate.Limiter
}

// NewBudget allows messages per window, with bursts up to messages.
// A non-positive messages value disables the budget.
func NewBudget(messages int, window time.Duration) *Budget {
	if messages <= 0 {
		return &Budget{lim: rate.NewLimiter(rate.Inf, 0)}
	}
	if window <= 0 {
		window = DefaultBudgetWindow
	}
	return &Budget{lim: rate.NewLimiter(rate.Every(window/time.Duration(messages)), messages)}
}

// Wait blocks until a message may be sent or ctx ends.
func (b *Budget) Wait(ctx context.Context) error { return b.lim.Wait(ctx) }
