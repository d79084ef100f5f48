package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/chatwarden/twitchapi"
)

// StreamLister returns the live streams among logins.
type StreamLister interface {
	GetStreams(ctx context.Context, logins ...string) ([]twitchapi.Stream, error)
}

// StreamWatcher polls Helix for live status and reports transitions as StreamStatus
// payloads to a Sink. The first observation of an offline channel is not reported.
type StreamWatcher struct {
	lister   StreamLister
	channels func() []string
	interval time.Duration
	clock    clockwork.Clock
	sink     Sink

	live map[string]bool
}

// NewStreamWatcher returns a watcher polling channels() every interval (default 60s).
func NewStreamWatcher(lister StreamLister, channels func() []string, interval time.Duration, clock clockwork.Clock, sink Sink) *StreamWatcher {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StreamWatcher{
		lister:   lister,
		channels: channels,
		interval: interval,
		clock:    clock,
		sink:     sink,
		live:     make(map[string]bool),
	}
}

// Poll performs one status check. It is not safe to call concurrently with Run.
func (w *StreamWatcher) Poll(ctx context.Context) error {
	chans := w.channels()
	if len(chans) == 0 {
		return nil
	}
	streams, err := w.lister.GetStreams(ctx, chans...)
	if err != nil {
		return err
	}
	online := make(map[string]twitchapi.Stream, len(streams))
	for _, s := range streams {
		online[NormalizeChannel(s.UserLogin)] = s
	}
	now := w.clock.Now().UTC()
	for _, ch := range chans {
		ch = NormalizeChannel(ch)
		s, isLive := online[ch]
		was, seen := w.live[ch]
		w.live[ch] = isLive
		if seen && was == isLive {
			continue
		}
		if !seen && !isLive {
			continue
		}
		slog.Info("stream status changed", slog.String("component", "stream_watcher"), slog.String("channel", ch), slog.Bool("online", isLive))
		w.sink(StreamStatus{Channel: ch, Online: isLive, Title: s.Title, StartedAt: s.StartedAt, At: now})
	}
	return nil
}

// Run polls until ctx is cancelled.
func (w *StreamWatcher) Run(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()
	slog.Info("stream watcher started", slog.String("component", "stream_watcher"), slog.Duration("interval", w.interval))
	for {
		if err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			slog.Debug("stream watcher: streams request", slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}
