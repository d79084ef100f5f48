package command

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chatwarden/chat"
)

var noop = HandlerFunc(func(context.Context, *Invocation) error { return nil })

func TestResolve(t *testing.T) {
	r := NewRegistry("")
	r.MustRegister(
		Definition{Trigger: "hello", Aliases: []string{"hi"}, Handler: noop},
		Definition{Trigger: "!ping", Handler: noop},
	)

	tests := []struct {
		text        string
		wantTrigger string
		wantArgs    []string
		wantOK      bool
	}{
		{"!Hello world", "hello", []string{"world"}, true},
		{"  !HELLO   a  b ", "hello", []string{"a", "b"}, true},
		{"!hi", "hello", []string{}, true},
		{"!ping", "ping", []string{}, true},
		{"hello !ping", "", nil, false},
		{"ping", "", nil, false},
		{"!", "", nil, false},
		{"", "", nil, false},
		{"!unknown x", "", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			d, args, ok := r.Resolve(tt.text)
			if ok != tt.wantOK {
				t.Fatalf("Resolve(%q) ok = %v, want %v", tt.text, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if d.Trigger != tt.wantTrigger {
				t.Fatalf("trigger = %q, want %q", d.Trigger, tt.wantTrigger)
			}
			if len(args) != len(tt.wantArgs) || (len(args) > 0 && !reflect.DeepEqual(args, tt.wantArgs)) {
				t.Fatalf("args = %q, want %q", args, tt.wantArgs)
			}
		})
	}
}

func TestCustomPrefix(t *testing.T) {
	r := NewRegistry("?")
	r.MustRegister(Definition{Trigger: "ping", Handler: noop})
	if _, _, ok := r.Resolve("!ping"); ok {
		t.Fatal("resolved with wrong prefix")
	}
	if _, _, ok := r.Resolve("?PING"); !ok {
		t.Fatal("did not resolve ?PING")
	}
}

func TestRegisterDuplicateLeavesRegistryUnchanged(t *testing.T) {
	r := NewRegistry("")
	r.MustRegister(Definition{Trigger: "ping", Aliases: []string{"p"}, Handler: noop, Cooldown: time.Second})

	cases := []Definition{
		{Trigger: "PING", Handler: noop},
		{Trigger: "pong", Aliases: []string{"x", "p"}, Handler: noop},
		{Trigger: "p", Handler: noop},
		{Trigger: "dup", Aliases: []string{"d", "d"}, Handler: noop},
	}
	for _, d := range cases {
		err := r.Register(d)
		if !errors.Is(err, ErrDuplicateTrigger) {
			t.Fatalf("Register(%q) err = %v, want ErrDuplicateTrigger", d.Trigger, err)
		}
	}
	if got := r.Triggers(); !reflect.DeepEqual(got, []string{"ping"}) {
		t.Fatalf("triggers = %v, want [ping]", got)
	}
	if _, ok := r.Lookup("x"); ok {
		t.Fatal("alias from failed registration leaked")
	}
	d, _ := r.Lookup("ping")
	if d.Cooldown != time.Second {
		t.Fatalf("original definition modified: %+v", d)
	}
}

func TestRegisterInvalid(t *testing.T) {
	r := NewRegistry("")
	cases := map[string]Definition{
		"empty trigger":     {Trigger: " ", Handler: noop},
		"prefix only":       {Trigger: "!", Handler: noop},
		"nil handler":       {Trigger: "a"},
		"negative cooldown": {Trigger: "a", Handler: noop, Cooldown: -time.Second},
		"space in trigger":  {Trigger: "a b", Handler: noop},
		"empty alias":       {Trigger: "a", Aliases: []string{""}, Handler: noop},
	}
	for name, d := range cases {
		t.Run(name, func(t *testing.T) {
			if err := r.Register(d); !errors.Is(err, ErrInvalidDefinition) {
				t.Fatalf("err = %v, want ErrInvalidDefinition", err)
			}
		})
	}
}

func TestSeal(t *testing.T) {
	r := NewRegistry("")
	r.MustRegister(Definition{Trigger: "a", Handler: noop})
	r.Seal()
	if !r.Sealed() {
		t.Fatal("Sealed() = false")
	}
	if err := r.Register(Definition{Trigger: "b", Handler: noop}); !errors.Is(err, ErrRegistrySealed) {
		t.Fatalf("err = %v, want ErrRegistrySealed", err)
	}
	if !r.Has("A") || r.Has("b") {
		t.Fatal("Has wrong after seal")
	}
}

func TestConcurrentResolve(t *testing.T) {
	r := NewRegistry("")
	r.MustRegister(Definition{Trigger: "a", Handler: noop})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if _, _, ok := r.Resolve("!a"); !ok {
					t.Error("resolve failed")
					return
				}
			}
		}()
	}
	_ = r.Register(Definition{Trigger: "b", Handler: noop})
	r.Seal()
	wg.Wait()
}

func TestDefinitionsSorted(t *testing.T) {
	r := NewRegistry("")
	r.MustRegister(
		Definition{Trigger: "zeta", Handler: noop},
		Definition{Trigger: "alpha", Handler: noop},
	)
	defs := r.Definitions()
	if len(defs) != 2 || defs[0].Trigger != "alpha" || defs[1].Trigger != "zeta" {
		t.Fatalf("definitions = %+v", defs)
	}
}

func TestInvocationReplies(t *testing.T) {
	var got []chat.Reply
	ev := chat.Event{ID: "m1", Channel: "chan"}
	inv := NewInvocation(ev, "ping", nil, func(r chat.Reply) { got = append(got, r) })
	inv.Say("one")
	inv.Action("two")
	inv.Reply("three")
	inv.Say("")

	want := []chat.Reply{
		{Channel: "chan", Kind: chat.ReplySay, Text: "one"},
		{Channel: "chan", Kind: chat.ReplyAction, Text: "two"},
		{Channel: "chan", Kind: chat.ReplyThread, Text: "three", ParentID: "m1"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("replies = %+v, want %+v", got, want)
	}
}
