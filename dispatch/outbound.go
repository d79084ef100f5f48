package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/chatwarden/chat"
	"github.com/onnwee/chatwarden/cooldown"
	"github.com/onnwee/chatwarden/telemetry"
)

// DefaultOutboundBuffer bounds each channel's reply queue.
const DefaultOutboundBuffer = 32

// Sender delivers a reply to chat.
type Sender interface {
	Send(ctx context.Context, r chat.Reply) error
}

// Outbound is the outbound reply queue: one FIFO worker per channel, all sharing
// the global Budget and a circuit breaker around the Sender. Failed sends are
// logged and not retried.
type Outbound struct {
	sender Sender
	budget *cooldown.Budget
	cb     *gobreaker.CircuitBreaker
	buffer int

	mu      sync.Mutex
	queues  map[string]chan chat.Reply
	group   *errgroup.Group
	ctx     context.Context
	stopped bool
}

// NewOutbound returns an Outbound. budget may be nil for no global limit.
func NewOutbound(sender Sender, budget *cooldown.Budget, buffer int) *Outbound {
	if buffer <= 0 {
		buffer = DefaultOutboundBuffer
	}
	if budget == nil {
		budget = cooldown.NewBudget(0, 0)
	}
	return &Outbound{
		sender: sender,
		budget: budget,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "chat-outbound",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("outbound circuit state change",
					slog.String("component", "outbound"),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
				telemetry.UpdateCircuitGauge(to == gobreaker.StateOpen)
			},
		}),
		buffer: buffer,
		queues: make(map[string]chan chat.Reply),
	}
}

// Start enables workers. They stop when ctx is cancelled.
func (o *Outbound) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.group, o.ctx = errgroup.WithContext(ctx)
}

// Wait stops accepting replies and blocks until every worker has exited.
func (o *Outbound) Wait() error {
	o.mu.Lock()
	o.stopped = true
	g := o.group
	o.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Enqueue queues r behind earlier replies for the same channel. It never blocks;
// a full queue drops r.
func (o *Outbound) Enqueue(r chat.Reply) bool {
	q, ok := o.queue(r.Channel)
	if !ok {
		telemetry.RecordOutboundDrop("stopped")
		return false
	}
	select {
	case q <- r:
		return true
	default:
		telemetry.RecordOutboundDrop("queue_full")
		slog.Warn("outbound queue full; dropping reply", slog.String("component", "outbound"), slog.String("channel", r.Channel))
		return false
	}
}

func (o *Outbound) queue(channel string) (chan chat.Reply, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.group == nil || o.stopped || o.ctx.Err() != nil {
		return nil, false
	}
	if q, ok := o.queues[channel]; ok {
		return q, true
	}
	q := make(chan chat.Reply, o.buffer)
	o.queues[channel] = q
	ctx := o.ctx
	o.group.Go(func() error {
		o.work(ctx, q)
		return nil
	})
	return q, true
}

func (o *Outbound) work(ctx context.Context, q <-chan chat.Reply) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-q:
			o.deliver(ctx, r)
		}
	}
}

func (o *Outbound) deliver(ctx context.Context, r chat.Reply) {
	if err := o.budget.Wait(ctx); err != nil {
		telemetry.RecordOutboundDrop("budget")
		return
	}
	_, err := o.cb.Execute(func() (interface{}, error) {
		return nil, o.sender.Send(ctx, r)
	})
	switch {
	case err == nil:
		telemetry.IncCounter(telemetry.OutboundSent)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		telemetry.RecordOutboundDrop("circuit_open")
		slog.Debug("outbound circuit open; dropping reply", slog.String("component", "outbound"), slog.String("channel", r.Channel))
	default:
		telemetry.IncCounter(telemetry.OutboundFailed)
		slog.Warn("send failed", slog.String("component", "outbound"), slog.String("channel", r.Channel), slog.Any("err", err))
	}
}

// CircuitState reports the breaker state, for health reporting.
func (o *Outbound) CircuitState() string { return o.cb.State().String() }
