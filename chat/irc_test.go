package chat

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

type fakeConn struct {
	mu       sync.Mutex
	said     []string
	replies  []string
	joined   []string
	departed []string
	token    string
	connect  chan error
}

func newFakeConn() *fakeConn { return &fakeConn{connect: make(chan error, 1)} }

func (f *fakeConn) Say(channel, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.said = append(f.said, channel+"|"+text)
}

func (f *fakeConn) Reply(channel, parent, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, channel+"|"+parent+"|"+text)
}

func (f *fakeConn) Join(channels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, channels...)
}

func (f *fakeConn) Depart(channel string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.departed = append(f.departed, channel)
}

func (f *fakeConn) SetIRCToken(token string) { f.token = token }
func (f *fakeConn) Connect() error { return <-f.connect }
func (f *fakeConn) Disconnect() error {
	f.connect <- errors.New("disconnected")
	return nil
}

func TestClientSendRequiresConnection(t *testing.T) {
	c := newClient(newFakeConn(), nil, nil)
	err := c.Send(context.Background(), Reply{Channel: "c", Text: "hi"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestClientSendKinds(t *testing.T) {
	fc := newFakeConn()
	c := newClient(fc, []string{"#Chan"}, nil)
	c.onConnect()

	ctx := context.Background()
	if err := c.Send(ctx, Reply{Channel: "#Chan", Kind: ReplySay, Text: "hello"}); err != nil {
		t.Fatalf("say: %v", err)
	}
	if err := c.Send(ctx, Reply{Channel: "chan", Kind: ReplyAction, Text: "waves"}); err != nil {
		t.Fatalf("action: %v", err)
	}
	if err := c.Send(ctx, Reply{Channel: "chan", Kind: ReplyThread, Text: "pong", ParentID: "m1"}); err != nil {
		t.Fatalf("thread: %v", err)
	}
	if err := c.Send(ctx, Reply{Channel: "chan", Kind: ReplySay}); err == nil {
		t.Fatal("expected error for empty reply")
	}

	if len(fc.said) != 2 || fc.said[0] != "chan|hello" || fc.said[1] != "chan|\x01ACTION waves\x01" {
		t.Fatalf("said = %q", fc.said)
	}
	if len(fc.replies) != 1 || fc.replies[0] != "chan|m1|pong" {
		t.Fatalf("replies = %q", fc.replies)
	}
	if len(fc.joined) != 1 || fc.joined[0] != "chan" {
		t.Fatalf("joined on connect = %v", fc.joined)
	}
}

func TestClientTruncatesLongMessages(t *testing.T) {
	fc := newFakeConn()
	c := newClient(fc, nil, nil)
	c.onConnect()
	if err := c.Send(context.Background(), Reply{Channel: "c", Text: strings.Repeat("é", 600)}); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := strings.TrimPrefix(fc.said[0], "c|")
	if n := len([]rune(got)); n != maxMessageLen {
		t.Fatalf("sent %d runes, want %d", n, maxMessageLen)
	}
}

func TestClientJoinPart(t *testing.T) {
	fc := newFakeConn()
	c := newClient(fc, []string{"a"}, nil)

	c.Join("#B")
	if len(fc.joined) != 0 {
		t.Fatalf("joined while offline: %v", fc.joined)
	}
	c.onConnect()
	if got := strings.Join(fc.joined, ","); got != "a,b" {
		t.Fatalf("joined on connect = %q", got)
	}
	c.Join("c")
	c.Join("c")
	c.Part("a")
	c.Part("nope")
	if got := strings.Join(c.Channels(), ","); got != "b,c" {
		t.Fatalf("channels = %q", got)
	}
	if len(fc.departed) != 1 || fc.departed[0] != "a" {
		t.Fatalf("departed = %v", fc.departed)
	}
	if got := strings.Join(fc.joined, ","); got != "a,b,c" {
		t.Fatalf("joined = %q", got)
	}
}

func TestClientRunStopsOnCancel(t *testing.T) {
	fc := newFakeConn()
	c := newClient(fc, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if c.Connected() {
		t.Fatal("still connected after Run returned")
	}
}

func TestClientForwardsToSink(t *testing.T) {
	var got []any
	c := newClient(newFakeConn(), nil, func(raw any) { got = append(got, raw) })
	c.forward("x")
	if len(got) != 1 {
		t.Fatalf("sink got %d payloads", len(got))
	}
}

func TestClientSetToken(t *testing.T) {
	fc := newFakeConn()
	c := newClient(fc, nil, nil)
	c.SetToken("abc")
	if fc.token != "oauth:abc" {
		t.Fatalf("token = %q", fc.token)
	}
	c.SetToken("oauth:def")
	if fc.token != "oauth:def" {
		t.Fatalf("token = %q", fc.token)
	}
}

func TestNewClientLogsInWithOAuthPrefix(t *testing.T) {
	for _, token := range []string{"rawaccesstoken", "oauth:rawaccesstoken"} {
		t.Run(token, func(t *testing.T) {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				t.Fatal(err)
			}
			defer ln.Close()

			pass := make(chan string, 1)
			go func() {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				defer conn.Close()
				r := bufio.NewReader(conn)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					line = strings.TrimRight(line, "\r\n")
					if strings.HasPrefix(line, "PASS ") {
						pass <- line
						_, _ = conn.Write([]byte(":tmi.twitch.tv 001 bot :Welcome, GLHF!\r\n"))
					}
				}
			}()

			c := NewClient("bot", token, nil, nil)
			irc := c.conn.(*twitch.Client)
			irc.IrcAddress = ln.Addr().String()
			irc.TLS = false

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- c.Run(ctx) }()

			select {
			case got := <-pass:
				if got != "PASS oauth:rawaccesstoken" {
					t.Errorf("login line = %q", got)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("no PASS line received")
			}

			deadline := time.Now().Add(2 * time.Second)
			for !c.Connected() && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}
			cancel()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("Run did not return after cancel")
			}
		})
	}
}
