package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestHelix(server *httptest.Server) *HelixClient {
	ts := &TokenSource{ClientID: "test-client-id", ClientSecret: "test-secret"}
	ts.SetToken("test-token", time.Now().Add(time.Hour))
	return &HelixClient{
		AppTokenSource: ts,
		ClientID:       "test-client-id",
		Backoff:        time.Millisecond,
		HTTPClient: &http.Client{Transport: &rewriteTransport{
			Transport: http.DefaultTransport,
			host:      server.URL,
		}},
	}
}

func TestHelixClient_GetStreams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/helix/streams" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Client-Id") != "test-client-id" {
			t.Errorf("missing or wrong Client-Id header")
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("missing or wrong Authorization header")
		}
		logins := r.URL.Query()["user_login"]
		if len(logins) != 2 || logins[0] != "livechannel" || logins[1] != "quietchannel" {
			t.Errorf("user_login = %v, want [livechannel quietchannel]", logins)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]string{{
				"id":         "s1",
				"user_login": "livechannel",
				"title":      "Live Now",
				"started_at": "2024-10-15T14:30:00Z",
			}},
		})
	}))
	defer server.Close()

	streams, err := newTestHelix(server).GetStreams(context.Background(), "livechannel", "quietchannel")
	if err != nil {
		t.Fatalf("GetStreams() error = %v", err)
	}
	if len(streams) != 1 {
		t.Fatalf("expected 1 stream, got %d", len(streams))
	}
	if streams[0].Title != "Live Now" || streams[0].UserLogin != "livechannel" {
		t.Fatalf("stream = %+v", streams[0])
	}
	want := time.Date(2024, 10, 15, 14, 30, 0, 0, time.UTC)
	if !streams[0].StartedAt.Equal(want) {
		t.Fatalf("started_at = %v, want %v", streams[0].StartedAt, want)
	}
}

func TestHelixClient_GetStreamsNoLogins(t *testing.T) {
	client := &HelixClient{}
	streams, err := client.GetStreams(context.Background())
	if err != nil || streams != nil {
		t.Fatalf("GetStreams() = %v, %v; want nil, nil", streams, err)
	}
}

func TestHelixClient_GetStreamsBatches(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if n := len(r.URL.Query()["user_login"]); n > helixMaxLogins {
			t.Errorf("request carried %d logins, max %d", n, helixMaxLogins)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
	}))
	defer server.Close()

	logins := make([]string, helixMaxLogins+5)
	for i := range logins {
		logins[i] = "chan" + strings.Repeat("x", i%7)
	}
	if _, err := newTestHelix(server).GetStreams(context.Background(), logins...); err != nil {
		t.Fatalf("GetStreams() error = %v", err)
	}
	if requests != 2 {
		t.Fatalf("requests = %d, want 2", requests)
	}
}

func TestHelixClient_401RefreshRetry(t *testing.T) {
	tokenRequests := 0
	streamAttempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/token":
			tokenRequests++
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "fresh-token", "expires_in": 3600, "token_type": "bearer"})
		case "/helix/streams":
			streamAttempts++
			if r.Header.Get("Authorization") != "Bearer fresh-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []map[string]string{{"user_login": "c"}}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := newTestHelix(server)
	client.AppTokenSource.SetToken("stale-token", time.Now().Add(time.Hour))
	client.AppTokenSource.TokenURL = server.URL + "/oauth2/token"

	streams, err := client.GetStreams(context.Background(), "c")
	if err != nil {
		t.Fatalf("GetStreams() error = %v", err)
	}
	if len(streams) != 1 {
		t.Fatalf("expected 1 stream, got %d", len(streams))
	}
	if tokenRequests != 1 {
		t.Fatalf("expected exactly one token refresh, got %d", tokenRequests)
	}
	if streamAttempts != 2 {
		t.Fatalf("expected 2 stream attempts, got %d", streamAttempts)
	}
}

func TestHelixClient_RetriesServerErrors(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if attempts == 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
	}))
	defer server.Close()

	if _, err := newTestHelix(server).GetStreams(context.Background(), "c"); err != nil {
		t.Fatalf("GetStreams() error = %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestHelixClient_GivesUpAfterMaxRetries(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestHelix(server).GetStreams(context.Background(), "c")
	if err == nil {
		t.Fatal("expected error after retries")
	}
	if attempts != helixMaxRetries+1 {
		t.Fatalf("attempts = %d, want %d", attempts, helixMaxRetries+1)
	}
}

func TestHelixClient_ClientErrorNotRetried(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"bad"}`))
	}))
	defer server.Close()

	_, err := newTestHelix(server).GetStreams(context.Background(), "c")
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("err = %v, want 400 error", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

// rewriteTransport rewrites all requests to use the test server
type rewriteTransport struct {
	Transport http.RoundTripper
	host      string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	if t.host != "" {
		host := strings.TrimPrefix(t.host, "http://")
		host = strings.TrimPrefix(host, "https://")
		req.URL.Host = host
	}
	return t.Transport.RoundTrip(req)
}
