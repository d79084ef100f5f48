package command

import (
	"context"
	"strings"
	"testing"

	"github.com/onnwee/chatwarden/chat"
)

func invoke(t *testing.T, h Handler, roles chat.RoleSet, args ...string) []chat.Reply {
	t.Helper()
	var out []chat.Reply
	ev := chat.Event{ID: "m", Channel: "c", Sender: chat.UserRef{Roles: roles}}
	if err := h.Handle(context.Background(), NewInvocation(ev, "timer", args, func(r chat.Reply) { out = append(out, r) })); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	return out
}

func TestGroupRoutesChildren(t *testing.T) {
	var gotArgs []string
	g := NewGroup().
		Add("add", chat.RoleModerator, HandlerFunc(func(ctx context.Context, inv *Invocation) error {
			gotArgs = inv.Args
			inv.Say("added")
			return nil
		})).
		Add("list", chat.RoleViewer, HandlerFunc(func(ctx context.Context, inv *Invocation) error {
			inv.Say("listed")
			return nil
		}))

	out := invoke(t, g, chat.NewRoleSet(chat.RoleModerator), "ADD", "60", "hello")
	if len(out) != 1 || out[0].Text != "added" {
		t.Fatalf("replies = %+v", out)
	}
	if strings.Join(gotArgs, " ") != "60 hello" {
		t.Fatalf("child args = %v", gotArgs)
	}

	if out := invoke(t, g, chat.NewRoleSet(), "add", "60", "x"); len(out) != 0 {
		t.Fatalf("viewer reached moderator child: %+v", out)
	}
	if out := invoke(t, g, chat.NewRoleSet(), "list"); len(out) != 1 || out[0].Text != "listed" {
		t.Fatalf("list replies = %+v", out)
	}
}

func TestGroupInvalidChild(t *testing.T) {
	g := NewGroup().Add("b", chat.RoleViewer, noop).Add("a", chat.RoleViewer, noop)

	out := invoke(t, g, chat.NewRoleSet(), "nope")
	if len(out) != 1 || out[0].Text != "usage: timer <a|b>" || out[0].Kind != chat.ReplyThread {
		t.Fatalf("usage reply = %+v", out)
	}

	var fallbackArgs []string
	g.Fallback = HandlerFunc(func(ctx context.Context, inv *Invocation) error {
		fallbackArgs = inv.Args
		return nil
	})
	if out := invoke(t, g, chat.NewRoleSet(), "nope", "x"); len(out) != 0 {
		t.Fatalf("fallback produced default usage: %+v", out)
	}
	if strings.Join(fallbackArgs, " ") != "nope x" {
		t.Fatalf("fallback args = %v", fallbackArgs)
	}
}
