// Package builtin registers the commands every channel gets: ping, the command
// listing and the moderator tools for toggling commands and managing timers.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/chatwarden/chat"
	"github.com/onnwee/chatwarden/command"
	"github.com/onnwee/chatwarden/state"
)

const (
	// MinTimerInterval is the shortest interval !timer add accepts.
	MinTimerInterval = 60 * time.Second
	// MaxTimers caps timers per channel.
	MaxTimers = 10

	pingCooldown     = 10 * time.Second
	commandsCooldown = 5 * time.Second
)

// ConfigStore is the slice of state.Store the admin commands use.
type ConfigStore interface {
	GetChannelConfig(channel string) state.ChannelConfig
	UpdateChannelConfig(ctx context.Context, channel string, mutator func(*state.ChannelConfig) error) error
}

// Register adds the built-in commands to reg.
func Register(reg *command.Registry, store ConfigStore) error {
	b := &builtins{reg: reg, store: store}
	defs := []command.Definition{
		{
			Trigger:     "ping",
			Aliases:     []string{"test"},
			Cooldown:    pingCooldown,
			Description: "check the bot is alive",
			Handler:     command.HandlerFunc(b.ping),
		},
		{
			Trigger:       "commands",
			Aliases:       []string{"help"},
			Cooldown:      commandsCooldown,
			AlwaysEnabled: true,
			Description:   "list commands enabled in this channel",
			Handler:       command.HandlerFunc(b.commands),
		},
		{
			Trigger:       "cmd",
			MinRole:       chat.RoleModerator,
			AlwaysEnabled: true,
			Description:   "enable or disable a command",
			Handler: command.NewGroup().
				Add("enable", chat.RoleModerator, command.HandlerFunc(b.enable)).
				Add("disable", chat.RoleModerator, command.HandlerFunc(b.disable)),
		},
		{
			Trigger:       "timer",
			MinRole:       chat.RoleModerator,
			AlwaysEnabled: true,
			Description:   "manage periodic announcements",
			Handler: command.NewGroup().
				Add("add", chat.RoleModerator, command.HandlerFunc(b.timerAdd)).
				Add("remove", chat.RoleModerator, command.HandlerFunc(b.timerRemove)).
				Add("list", chat.RoleModerator, command.HandlerFunc(b.timerList)),
		},
	}
	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			return fmt.Errorf("register %s: %w", d.Trigger, err)
		}
	}
	return nil
}

type builtins struct {
	reg   *command.Registry
	store ConfigStore
}

func (b *builtins) ping(ctx context.Context, inv *command.Invocation) error {
	inv.Say("pong")
	return nil
}

func (b *builtins) commands(ctx context.Context, inv *command.Invocation) error {
	cfg := b.store.GetChannelConfig(inv.Event.Channel)
	var names []string
	for _, d := range b.reg.Definitions() {
		if d.Hidden || !inv.Event.Sender.Roles.Satisfies(d.MinRole) {
			continue
		}
		if !d.AlwaysEnabled && !cfg.IsEnabled(d.Trigger) {
			continue
		}
		names = append(names, b.reg.Prefix()+d.Trigger)
	}
	if len(names) == 0 {
		inv.Reply("no commands enabled")
		return nil
	}
	inv.Reply("commands: " + strings.Join(names, " "))
	return nil
}

func (b *builtins) enable(ctx context.Context, inv *command.Invocation) error {
	return b.toggle(ctx, inv, true)
}

func (b *builtins) disable(ctx context.Context, inv *command.Invocation) error {
	return b.toggle(ctx, inv, false)
}

func (b *builtins) toggle(ctx context.Context, inv *command.Invocation, on bool) error {
	verb := "disable"
	if on {
		verb = "enable"
	}
	if len(inv.Args) == 0 {
		inv.Reply("usage: " + b.reg.Prefix() + "cmd " + verb + " <command>")
		return nil
	}
	def, ok := b.reg.Lookup(inv.Args[0])
	if !ok || def.Hidden {
		inv.Reply("unknown command " + inv.Args[0])
		return nil
	}
	if def.AlwaysEnabled {
		inv.Reply(b.reg.Prefix() + def.Trigger + " is always enabled")
		return nil
	}
	err := b.store.UpdateChannelConfig(ctx, inv.Event.Channel, func(c *state.ChannelConfig) error {
		if on {
			c.Enable(def.Trigger)
		} else {
			c.Disable(def.Trigger)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", verb, def.Trigger, err)
	}
	auditLog(inv, verb+" command", slog.String("command", def.Trigger))
	inv.Reply(b.reg.Prefix() + def.Trigger + " " + verb + "d")
	return nil
}

// parseInterval accepts whole seconds ("300") or a Go duration ("5m").
func parseInterval(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

var errTooManyTimers = errors.New("too many timers")

func (b *builtins) timerAdd(ctx context.Context, inv *command.Invocation) error {
	usage := "usage: " + b.reg.Prefix() + "timer add <seconds> <message>"
	if len(inv.Args) < 2 {
		inv.Reply(usage)
		return nil
	}
	every, err := parseInterval(inv.Args[0])
	if err != nil {
		inv.Reply(usage)
		return nil
	}
	if every < MinTimerInterval {
		inv.Reply(fmt.Sprintf("interval must be at least %s", MinTimerInterval))
		return nil
	}
	msg := strings.Join(inv.Args[1:], " ")
	var added state.TimerSpec
	err = b.store.UpdateChannelConfig(ctx, inv.Event.Channel, func(c *state.ChannelConfig) error {
		if len(c.Timers) >= MaxTimers {
			return errTooManyTimers
		}
		added = c.AddTimer(every, msg, inv.Event.Timestamp.Add(every))
		return nil
	})
	switch {
	case errors.Is(err, errTooManyTimers):
		inv.Reply(fmt.Sprintf("this channel already has %d timers", MaxTimers))
		return nil
	case errors.Is(err, state.ErrInvalidTimer):
		inv.Reply(usage)
		return nil
	case err != nil:
		return fmt.Errorf("add timer: %w", err)
	}
	auditLog(inv, "add timer", slog.String("timer_id", added.ID), slog.Duration("interval", every))
	inv.Reply(fmt.Sprintf("timer %s added, every %s", shortID(added.ID), every))
	return nil
}

func (b *builtins) timerRemove(ctx context.Context, inv *command.Invocation) error {
	if len(inv.Args) == 0 {
		inv.Reply("usage: " + b.reg.Prefix() + "timer remove <id>")
		return nil
	}
	id := inv.Args[0]
	removed := false
	err := b.store.UpdateChannelConfig(ctx, inv.Event.Channel, func(c *state.ChannelConfig) error {
		removed = c.RemoveTimer(id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove timer: %w", err)
	}
	if !removed {
		inv.Reply("no timer " + id)
		return nil
	}
	auditLog(inv, "remove timer", slog.String("timer_id", id))
	inv.Reply("timer " + id + " removed")
	return nil
}

func (b *builtins) timerList(ctx context.Context, inv *command.Invocation) error {
	timers := b.store.GetChannelConfig(inv.Event.Channel).Timers
	if len(timers) == 0 {
		inv.Reply("no timers")
		return nil
	}
	parts := make([]string, 0, len(timers))
	for _, t := range timers {
		parts = append(parts, fmt.Sprintf("%s every %s: %s", shortID(t.ID), t.Interval, truncate(t.Message, 40)))
	}
	inv.Reply(strings.Join(parts, " | "))
	return nil
}

// auditLog records a moderator's config change.
func auditLog(inv *command.Invocation, action string, attrs ...any) {
	args := append([]any{
		slog.String("component", "builtin"),
		slog.String("channel", inv.Event.Channel),
		slog.String("by", inv.Event.Sender.Name()),
		slog.String("by_id", inv.Event.Sender.ID),
	}, attrs...)
	slog.Info(action, args...)
}

// shortID is the prefix users type to remove a timer.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
