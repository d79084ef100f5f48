package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// ErrNotConnected is returned by Send while the IRC connection is down.
var ErrNotConnected = errors.New("chat: not connected")

// maxMessageLen is Twitch's per-message character limit.
const maxMessageLen = 500

// Sink receives raw provider payloads for normalization.
type Sink func(raw any)

// conn is the subset of the go-twitch-irc client used after construction.
type conn interface {
	Say(channel, text string)
	Reply(channel, parentMsgID, text string)
	Join(channels ...string)
	Depart(channel string)
	SetIRCToken(token string)
	Connect() error
	Disconnect() error
}

// Client wraps go-twitch-irc: it forwards PRIVMSG, JOIN, PART and USERNOTICE
// payloads to a Sink and sends Replies back to chat.
type Client struct {
	conn      conn
	sink      Sink
	connected atomic.Bool

	mu       sync.Mutex
	channels map[string]struct{}
}

// NewClient builds an IRC client for the bot account. channels are joined on
// every (re)connect. The token may be given with or without its "oauth:" prefix.
func NewClient(username, oauthToken string, channels []string, sink Sink) *Client {
	irc := twitch.NewClient(username, "oauth:"+trimOAuthPrefix(oauthToken))
	c := newClient(irc, channels, sink)

	irc.OnPrivateMessage(func(m twitch.PrivateMessage) { c.forward(m) })
	irc.OnUserNoticeMessage(func(m twitch.UserNoticeMessage) { c.forward(m) })
	irc.OnUserJoinMessage(func(m twitch.UserJoinMessage) { c.forward(m) })
	irc.OnUserPartMessage(func(m twitch.UserPartMessage) { c.forward(m) })
	irc.OnConnect(c.onConnect)
	irc.OnReconnectMessage(func(m twitch.ReconnectMessage) {
		slog.Info("chat: server requested reconnect", slog.String("component", "chat_irc"))
	})
	return c
}

func newClient(cn conn, channels []string, sink Sink) *Client {
	c := &Client{conn: cn, sink: sink, channels: make(map[string]struct{})}
	for _, ch := range channels {
		if ch = NormalizeChannel(ch); ch != "" {
			c.channels[ch] = struct{}{}
		}
	}
	return c
}

func (c *Client) forward(raw any) {
	if c.sink != nil {
		c.sink(raw)
	}
}

func (c *Client) onConnect() {
	c.connected.Store(true)
	chans := c.Channels()
	slog.Info("chat: connected", slog.String("component", "chat_irc"), slog.Any("channels", chans))
	if len(chans) > 0 {
		c.conn.Join(chans...)
	}
}

// Run connects and blocks until ctx is cancelled or the connection fails.
func (c *Client) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.conn.Connect()
	}()

	select {
	case <-ctx.Done():
		c.connected.Store(false)
		if err := c.conn.Disconnect(); err != nil {
			slog.Debug("chat: disconnect", slog.Any("err", err))
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		c.connected.Store(false)
		return err
	}
}

// Send writes r to chat. Failures are returned to the caller and never retried here.
func (c *Client) Send(ctx context.Context, r Reply) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.connected.Load() {
		return ErrNotConnected
	}
	channel := NormalizeChannel(r.Channel)
	if channel == "" {
		return errors.New("chat: reply without channel")
	}
	text := truncate(r.Text, maxMessageLen)
	if text == "" {
		return errors.New("chat: empty reply")
	}
	switch r.Kind {
	case ReplySay:
		c.conn.Say(channel, text)
	case ReplyAction:
		c.conn.Say(channel, "\x01ACTION "+text+"\x01")
	case ReplyThread:
		if r.ParentID == "" {
			c.conn.Say(channel, text)
		} else {
			c.conn.Reply(channel, r.ParentID, text)
		}
	default:
		return fmt.Errorf("chat: unknown reply kind %d", r.Kind)
	}
	return nil
}

// Join adds channel to the joined set and joins it if connected.
func (c *Client) Join(channel string) {
	channel = NormalizeChannel(channel)
	if channel == "" {
		return
	}
	c.mu.Lock()
	_, already := c.channels[channel]
	c.channels[channel] = struct{}{}
	c.mu.Unlock()
	if !already && c.connected.Load() {
		c.conn.Join(channel)
	}
}

// Part leaves channel.
func (c *Client) Part(channel string) {
	channel = NormalizeChannel(channel)
	c.mu.Lock()
	_, ok := c.channels[channel]
	delete(c.channels, channel)
	c.mu.Unlock()
	if ok && c.connected.Load() {
		c.conn.Depart(channel)
	}
}

// Channels returns the joined channels, sorted.
func (c *Client) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Connected reports whether the IRC session is up.
func (c *Client) Connected() bool { return c.connected.Load() }

// SetToken swaps the IRC password used on the next (re)connect.
func (c *Client) SetToken(token string) {
	c.conn.SetIRCToken("oauth:" + trimOAuthPrefix(token))
}

func trimOAuthPrefix(tok string) string {
	if len(tok) > 6 && tok[:6] == "oauth:" {
		return tok[6:]
	}
	return tok
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
