package chat_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/chatwarden/chat"
	"github.com/onnwee/chatwarden/testutil"
	"github.com/onnwee/chatwarden/twitchapi"
)

func TestStreamWatcherAgainstHelix(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	started := time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)

	helix := &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{
			ClientID:     "cid",
			ClientSecret: "secret",
			HTTPClient:   mock.Client(),
			TokenURL:     mock.TokenURL(),
		},
		ClientID:   "cid",
		HTTPClient: mock.Client(),
		Backoff:    time.Millisecond,
	}

	norm := chat.NewNormalizer(clockwork.NewFakeClockAt(started))
	var events []chat.Event
	w := chat.NewStreamWatcher(helix, func() []string { return []string{"alpha", "beta"} }, time.Minute,
		clockwork.NewFakeClockAt(started.Add(time.Hour)), func(raw any) {
			ev, err := norm.Normalize(raw)
			if err != nil {
				t.Errorf("Normalize(%T): %v", raw, err)
				return
			}
			events = append(events, ev)
		})

	ctx := context.Background()
	if err := w.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("offline channels emitted %+v", events)
	}

	mock.SetLive("beta", testutil.MockStream{Title: "speedruns", Viewers: 12, StartedAt: started})
	if err := w.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(events) != 1 || events[0].Kind != chat.KindStreamOnline || events[0].Channel != "beta" {
		t.Fatalf("online events = %+v", events)
	}

	mock.SetOffline("beta")
	if err := w.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(events) != 2 || events[1].Kind != chat.KindStreamOffline {
		t.Fatalf("offline events = %+v", events)
	}

	if n := mock.TokenCalls.Load(); n != 1 {
		t.Fatalf("token requests = %d, want 1 (cached)", n)
	}
}
