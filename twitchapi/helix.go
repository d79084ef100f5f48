// Package twitchapi contains minimal helpers to interact with the Twitch Helix API
// (live stream lookup) and the Twitch OAuth endpoints.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const (
	helixBaseURL = "https://api.twitch.tv/helix"
	// helixMaxRetries bounds attempts for 401/429/5xx responses.
	helixMaxRetries = 3
	// helixMaxLogins is the Helix cap on user_login parameters per request.
	helixMaxLogins = 100
)

// HelixClient provides the Helix calls the bot needs.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
	// Backoff is the base delay between retries (default 500ms).
	Backoff time.Duration
}

// Stream is a live stream as reported by GET /helix/streams.
type Stream struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	UserLogin   string    `json:"user_login"`
	Title       string    `json:"title"`
	ViewerCount int       `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// GetStreams returns the live streams among logins. Offline channels are absent from the result.
func (hc *HelixClient) GetStreams(ctx context.Context, logins ...string) ([]Stream, error) {
	if len(logins) == 0 {
		return nil, nil
	}
	var out []Stream
	for start := 0; start < len(logins); start += helixMaxLogins {
		end := start + helixMaxLogins
		if end > len(logins) {
			end = len(logins)
		}
		q := url.Values{}
		for _, l := range logins[start:end] {
			q.Add("user_login", l)
		}
		q.Set("first", fmt.Sprintf("%d", helixMaxLogins))
		var body struct {
			Data []Stream `json:"data"`
		}
		if err := hc.get(ctx, "/streams", q, &body); err != nil {
			return nil, err
		}
		out = append(out, body.Data...)
	}
	return out, nil
}

// get performs an authenticated GET, retrying once on 401 with a fresh token and
// with linear backoff on 429/5xx.
func (hc *HelixClient) get(ctx context.Context, path string, q url.Values, out any) error {
	backoff := hc.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	refreshed := false
	var lastErr error
	for attempt := 1; attempt <= helixMaxRetries+1; attempt++ {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, helixBaseURL+path, nil)
		if err != nil {
			return err
		}
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := hc.http().Do(req)
		if err != nil {
			return err
		}
		status := resp.StatusCode
		if status == http.StatusOK {
			err = json.NewDecoder(resp.Body).Decode(out)
			closeBody(resp)
			return err
		}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		closeBody(resp)
		lastErr = fmt.Errorf("helix %s: %s: %s", path, resp.Status, string(b))

		switch {
		case status == http.StatusUnauthorized && !refreshed:
			refreshed = true
			hc.AppTokenSource.Invalidate()
			continue
		case status == http.StatusTooManyRequests || status >= 500:
			if attempt > helixMaxRetries {
				return lastErr
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff * time.Duration(attempt)):
			}
		default:
			return lastErr
		}
	}
	return lastErr
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
