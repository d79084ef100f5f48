// Package command holds chat command definitions and the registry that maps
// triggers and aliases to them.
package command

import (
	"context"
	"time"

	"github.com/onnwee/chatwarden/chat"
)

// Handler executes a resolved command. Replies are emitted through the Invocation.
type Handler interface {
	Handle(ctx context.Context, inv *Invocation) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, inv *Invocation) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, inv *Invocation) error { return f(ctx, inv) }

// Definition describes a registered command.
type Definition struct {
	// Trigger is the canonical name, stored lower-case without the prefix.
	Trigger string
	// Aliases resolve to the same definition and share the trigger namespace.
	Aliases []string
	MinRole chat.Role
	// Cooldown of zero disables rate limiting for the command.
	Cooldown time.Duration
	// PerUser adds a per-sender cooldown on top of the channel-wide one.
	PerUser bool
	// AlwaysEnabled commands ignore per-channel enable/disable settings.
	AlwaysEnabled bool
	// Hidden commands are omitted from command listings.
	Hidden      bool
	Description string
	Handler     Handler
}

// Names returns the trigger followed by the aliases.
func (d Definition) Names() []string {
	out := make([]string, 0, 1+len(d.Aliases))
	out = append(out, d.Trigger)
	return append(out, d.Aliases...)
}

// Invocation is the context passed to a Handler for one event.
type Invocation struct {
	Event chat.Event
	// Trigger is the canonical trigger of the resolved definition.
	Trigger string
	Args    []string

	emit func(chat.Reply)
}

// NewInvocation builds an invocation whose replies are delivered to emit in call order.
func NewInvocation(ev chat.Event, trigger string, args []string, emit func(chat.Reply)) *Invocation {
	return &Invocation{Event: ev, Trigger: trigger, Args: args, emit: emit}
}

// Say posts text to the invoking channel.
func (inv *Invocation) Say(text string) { inv.send(chat.ReplySay, text) }

// Action posts text as a /me action.
func (inv *Invocation) Action(text string) { inv.send(chat.ReplyAction, text) }

// Reply answers the triggering message in a reply thread.
func (inv *Invocation) Reply(text string) { inv.send(chat.ReplyThread, text) }

func (inv *Invocation) send(kind chat.ReplyKind, text string) {
	if inv.emit == nil || text == "" {
		return
	}
	r := chat.Reply{Channel: inv.Event.Channel, Kind: kind, Text: text}
	if kind == chat.ReplyThread {
		r.ParentID = inv.Event.ID
	}
	inv.emit(r)
}

// shift returns a copy of inv with the first argument consumed.
func (inv *Invocation) shift() *Invocation {
	c := *inv
	if len(c.Args) > 0 {
		c.Args = c.Args[1:]
	}
	return &c
}
