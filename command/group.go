package command

import (
	"context"
	"sort"
	"strings"

	"github.com/onnwee/chatwarden/chat"
)

type child struct {
	minRole chat.Role
	handler Handler
}

// Group routes on the first argument to child handlers, e.g. "!timer add ...".
// Unknown or missing children go to Fallback, or a usage line listing the children.
type Group struct {
	children map[string]child
	// Fallback handles invocations without a matching child. It sees the full argument list.
	Fallback Handler
}

// NewGroup returns an empty Group.
func NewGroup() *Group {
	return &Group{children: make(map[string]child)}
}

// Add registers a child. Invokers below minRole are ignored silently.
func (g *Group) Add(name string, minRole chat.Role, h Handler) *Group {
	g.children[strings.ToLower(name)] = child{minRole: minRole, handler: h}
	return g
}

// Children lists child names, sorted.
func (g *Group) Children() []string {
	out := make([]string, 0, len(g.children))
	for n := range g.children {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Handle implements Handler.
func (g *Group) Handle(ctx context.Context, inv *Invocation) error {
	if len(inv.Args) > 0 {
		if c, ok := g.children[strings.ToLower(inv.Args[0])]; ok {
			if !inv.Event.Sender.Roles.Satisfies(c.minRole) {
				return nil
			}
			return c.handler.Handle(ctx, inv.shift())
		}
	}
	if g.Fallback != nil {
		return g.Fallback.Handle(ctx, inv)
	}
	inv.Reply("usage: " + inv.Trigger + " <" + strings.Join(g.Children(), "|") + ">")
	return nil
}
