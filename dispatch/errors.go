package dispatch

import (
	"errors"
	"fmt"
	"time"
)

// ErrHandlerTimeout is returned when a handler exceeds its time budget.
var ErrHandlerTimeout = errors.New("handler timeout")

// HandlerFault wraps an error returned (or panic raised) by a command handler.
type HandlerFault struct {
	Trigger string
	Cause   error
}

func (e *HandlerFault) Error() string {
	return fmt.Sprintf("command %q failed: %v", e.Trigger, e.Cause)
}

func (e *HandlerFault) Unwrap() error { return e.Cause }

// Outcome is the terminal state of one dispatched event.
type Outcome string

const (
	// OutcomeReplied means the handler ran and at least one reply was queued.
	OutcomeReplied Outcome = "replied"
	// OutcomeExecuted means the handler ran without replying.
	OutcomeExecuted Outcome = "executed"

	OutcomeMalformed Outcome = "dropped_malformed"
	OutcomeNoMatch   Outcome = "dropped_no_match"
	OutcomeRole      Outcome = "dropped_role"
	OutcomeDisabled  Outcome = "dropped_disabled"
	OutcomeCooldown  Outcome = "dropped_cooldown"
	OutcomeFault     Outcome = "dropped_fault"
	OutcomeTimeout   Outcome = "dropped_timeout"
	OutcomeShed      Outcome = "dropped_shed"
	OutcomeShutdown  Outcome = "dropped_shutdown"
)

// Dropped reports whether o ends without running a handler to completion.
func (o Outcome) Dropped() bool { return o != OutcomeReplied && o != OutcomeExecuted }

// Result describes how an event was handled.
type Result struct {
	EventID string
	Channel string
	Trigger string
	Outcome Outcome
	Replies int
	Err     error

	// RetryAfter is how long the command stays on cooldown, for OutcomeCooldown.
	RetryAfter time.Duration
}
