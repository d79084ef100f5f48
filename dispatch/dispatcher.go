// Package dispatch routes normalized chat events to commands.
//
// Every channel gets its own lane: a goroutine with a bounded queue that handles
// that channel's events one at a time, so replies leave in the order events
// arrived. Lanes of different channels run concurrently. When a lane's queue is
// full the newest event is dropped.
//
// Per event the dispatcher resolves the command, checks the sender's role, the
// channel's enabled set and the cooldowns, then runs the handler under a timeout
// and hands its replies to the Outbox.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/chatwarden/chat"
	"github.com/onnwee/chatwarden/command"
	"github.com/onnwee/chatwarden/cooldown"
	"github.com/onnwee/chatwarden/telemetry"
)

const (
	DefaultHandlerTimeout = 5 * time.Second
	DefaultLaneBuffer     = 64

	// AnnounceTrigger names the internal command that posts timer messages.
	AnnounceTrigger = "_announce"
)

// Outbox accepts replies for delivery. Enqueue must not block.
type Outbox interface {
	Enqueue(r chat.Reply) bool
}

// EnabledChecker reports whether a command is enabled in a channel.
type EnabledChecker interface {
	IsEnabled(channel, trigger string) bool
}

// Config tunes a Dispatcher.
type Config struct {
	HandlerTimeout time.Duration
	LaneBuffer     int
	// OnResult, if set, is called from the lane goroutine after each event.
	OnResult func(Result)
}

// Dispatcher is the event router.
type Dispatcher struct {
	norm     *chat.Normalizer
	registry *command.Registry
	enabled  EnabledChecker
	limiter  *cooldown.Limiter
	out      Outbox
	cfg      Config
	announce command.Definition

	mu      sync.Mutex
	lanes   map[string]chan chat.Event
	group   *errgroup.Group
	ctx     context.Context
	stopped bool
}

// New builds a Dispatcher. limiter may be nil to disable cooldowns.
func New(norm *chat.Normalizer, registry *command.Registry, enabled EnabledChecker, limiter *cooldown.Limiter, out Outbox, cfg Config) *Dispatcher {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultHandlerTimeout
	}
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = DefaultLaneBuffer
	}
	return &Dispatcher{
		norm:     norm,
		registry: registry,
		enabled:  enabled,
		limiter:  limiter,
		out:      out,
		cfg:      cfg,
		announce: command.Definition{
			Trigger:       AnnounceTrigger,
			MinRole:       chat.RoleViewer,
			AlwaysEnabled: true,
			Hidden:        true,
			Handler: command.HandlerFunc(func(ctx context.Context, inv *command.Invocation) error {
				inv.Say(inv.Event.Text)
				return nil
			}),
		},
		lanes: make(map[string]chan chat.Event),
	}
}

// Start enables lanes. They stop when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.group, d.ctx = errgroup.WithContext(ctx)
}

// Wait stops accepting events and blocks until every lane has exited. Lanes exit
// once the context passed to Start is cancelled.
func (d *Dispatcher) Wait() error {
	d.mu.Lock()
	d.stopped = true
	g := d.group
	d.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Submit normalizes raw and queues it on its channel's lane. It never blocks and
// reports whether the event was queued.
func (d *Dispatcher) Submit(raw any) bool {
	ev, err := d.norm.Normalize(raw)
	if err != nil {
		d.finish(context.Background(), Result{Outcome: OutcomeMalformed, Err: err})
		slog.Debug("discarding malformed event", slog.String("component", "dispatch"), slog.Any("err", err))
		return false
	}
	return d.SubmitEvent(ev)
}

// SubmitEvent queues an already normalized event.
func (d *Dispatcher) SubmitEvent(ev chat.Event) bool {
	telemetry.RecordEvent(ev.Kind.String())
	lane, ok := d.lane(ev.Channel)
	if !ok {
		d.finish(context.Background(), Result{EventID: ev.ID, Channel: ev.Channel, Outcome: OutcomeShutdown})
		return false
	}
	select {
	case lane <- ev:
		return true
	default:
		slog.Warn("lane full; dropping event",
			slog.String("component", "dispatch"),
			slog.String("channel", ev.Channel),
			slog.String("event_id", ev.ID))
		d.finish(context.Background(), Result{EventID: ev.ID, Channel: ev.Channel, Outcome: OutcomeShed})
		return false
	}
}

func (d *Dispatcher) lane(channel string) (chan chat.Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.group == nil || d.stopped || d.ctx.Err() != nil {
		return nil, false
	}
	if l, ok := d.lanes[channel]; ok {
		return l, true
	}
	l := make(chan chat.Event, d.cfg.LaneBuffer)
	d.lanes[channel] = l
	ctx := d.ctx
	telemetry.AddLanes(1)
	d.group.Go(func() error {
		defer telemetry.AddLanes(-1)
		d.runLane(ctx, channel, l)
		return nil
	})
	return l, true
}

func (d *Dispatcher) runLane(ctx context.Context, channel string, events <-chan chat.Event) {
	slog.Debug("lane started", slog.String("component", "dispatch"), slog.String("channel", channel))
	for {
		select {
		case <-ctx.Done():
			if n := len(events); n > 0 {
				slog.Info("lane stopped with queued events", slog.String("component", "dispatch"), slog.String("channel", channel), slog.Int("dropped", n))
			}
			return
		case ev := <-events:
			d.process(ctx, ev)
		}
	}
}

// process runs one event through resolve, authorize, enable/cooldown checks and execution.
func (d *Dispatcher) process(ctx context.Context, ev chat.Event) {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, span := telemetry.StartSpan(ctx, "chatwarden/dispatch", "dispatch.event",
		telemetry.ChannelAttr(ev.Channel), telemetry.EventKindAttr(ev.Kind.String()))
	defer span.End()

	start := time.Now()
	res := d.handle(ctx, ev)
	if telemetry.DispatchDuration != nil {
		telemetry.DispatchDuration.Observe(time.Since(start).Seconds())
	}

	span.SetAttributes(telemetry.OutcomeAttr(string(res.Outcome)))
	if res.Trigger != "" {
		span.SetAttributes(telemetry.CommandAttr(res.Trigger))
	}
	if res.Err != nil && (res.Outcome == OutcomeFault || res.Outcome == OutcomeTimeout) {
		telemetry.RecordError(span, res.Err)
	} else {
		telemetry.SetSpanSuccess(span)
	}
	d.finish(ctx, res)
}

func (d *Dispatcher) handle(ctx context.Context, ev chat.Event) Result {
	res := Result{EventID: ev.ID, Channel: ev.Channel}

	def, args, ok := d.resolve(ev)
	if !ok {
		res.Outcome = OutcomeNoMatch
		return res
	}
	res.Trigger = def.Trigger

	if !ev.Sender.Roles.Satisfies(def.MinRole) {
		res.Outcome = OutcomeRole
		return res
	}
	if !def.AlwaysEnabled && d.enabled != nil && !d.enabled.IsEnabled(ev.Channel, def.Trigger) {
		res.Outcome = OutcomeDisabled
		return res
	}
	if d.limiter != nil {
		userID := ev.Sender.ID
		if userID == "" {
			userID = ev.Sender.Login
		}
		rule := cooldown.Rule{Cooldown: def.Cooldown, PerUser: def.PerUser}
		if !d.limiter.TryAcquire(ctx, ev.Channel, def.Trigger, userID, rule, ev.Timestamp) {
			res.Outcome = OutcomeCooldown
			res.RetryAfter = d.limiter.Remaining(ctx, ev.Channel, def.Trigger, userID, rule, ev.Timestamp)
			return res
		}
	}

	replies, err := d.execute(ctx, def, ev, args)
	if err != nil {
		res.Err = err
		switch {
		case errors.Is(err, ErrHandlerTimeout):
			res.Outcome = OutcomeTimeout
		case ctx.Err() != nil:
			res.Outcome = OutcomeShutdown
		default:
			res.Outcome = OutcomeFault
		}
		return res
	}

	for _, r := range replies {
		if d.out == nil || !d.out.Enqueue(r) {
			continue
		}
		res.Replies++
	}
	if len(replies) > 0 {
		res.Outcome = OutcomeReplied
	} else {
		res.Outcome = OutcomeExecuted
	}
	return res
}

func (d *Dispatcher) resolve(ev chat.Event) (command.Definition, []string, bool) {
	if ev.Origin == chat.OriginTimer {
		return d.announce, nil, ev.Text != ""
	}
	if ev.Kind != chat.KindMessage {
		return command.Definition{}, nil, false
	}
	return d.registry.Resolve(ev.Text)
}

// execute runs the handler in its own goroutine so a stuck handler cannot hold the
// lane past the timeout. Replies emitted after the deadline are discarded.
func (d *Dispatcher) execute(ctx context.Context, def command.Definition, ev chat.Event, args []string) ([]chat.Reply, error) {
	hctx, cancel := context.WithTimeout(ctx, d.cfg.HandlerTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		replies []chat.Reply
		closed  bool
	)
	emit := func(r chat.Reply) {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			replies = append(replies, r)
		}
	}
	seal := func() []chat.Reply {
		mu.Lock()
		defer mu.Unlock()
		closed = true
		return replies
	}

	inv := command.NewInvocation(ev, def.Trigger, args, emit)
	done := make(chan error, 1)
	start := time.Now()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				slog.Error("command handler panic",
					slog.String("component", "dispatch"),
					slog.String("command", def.Trigger),
					slog.Any("panic", p),
					slog.String("stack", string(debug.Stack())))
				done <- fmt.Errorf("panic: %v", p)
			}
		}()
		done <- def.Handler.Handle(hctx, inv)
	}()

	select {
	case err := <-done:
		telemetry.ObserveHandler(def.Trigger, time.Since(start))
		out := seal()
		if err == nil {
			return out, nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil && hctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s exceeded %v", ErrHandlerTimeout, def.Trigger, d.cfg.HandlerTimeout)
		}
		return nil, &HandlerFault{Trigger: def.Trigger, Cause: err}
	case <-hctx.Done():
		seal()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s exceeded %v", ErrHandlerTimeout, def.Trigger, d.cfg.HandlerTimeout)
	}
}

func (d *Dispatcher) finish(ctx context.Context, res Result) {
	telemetry.RecordOutcome(string(res.Outcome))
	logger := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "dispatch"),
		slog.String("channel", res.Channel),
		slog.String("event_id", res.EventID),
		slog.String("command", res.Trigger),
		slog.String("outcome", string(res.Outcome)))
	switch res.Outcome {
	case OutcomeFault, OutcomeTimeout:
		logger.Warn("command dropped", slog.Any("err", res.Err))
	case OutcomeReplied, OutcomeExecuted:
		logger.Debug("command handled", slog.Int("replies", res.Replies))
	case OutcomeNoMatch, OutcomeMalformed:
	case OutcomeCooldown:
		logger.Debug("command on cooldown", slog.Duration("retry_after", res.RetryAfter))
	default:
		logger.Debug("command dropped")
	}
	if d.cfg.OnResult != nil {
		d.cfg.OnResult(res)
	}
}
