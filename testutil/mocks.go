package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// MockTwitchServer serves the Helix and OAuth endpoints the bot calls. Point
// clients at it with TokenURL (OAuth) and a transport rewriting api.twitch.tv
// to URL (Helix).
type MockTwitchServer struct {
	*httptest.Server

	mu       sync.Mutex
	live     map[string]MockStream
	handlers map[string]http.HandlerFunc

	// TokenCalls counts requests to the token endpoint.
	TokenCalls atomic.Int32
}

// MockStream is a live stream served by /helix/streams.
type MockStream struct {
	Title     string
	Viewers   int
	StartedAt time.Time
}

// NewMockTwitchServer starts a server. It issues app tokens on /oauth2/token and
// reports no live streams until SetLive is called.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		live:     make(map[string]MockStream),
		handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.Close)
	return m
}

// TokenURL is the OAuth token endpoint of the server.
func (m *MockTwitchServer) TokenURL() string { return m.URL + "/oauth2/token" }

// Handle overrides the handler for path.
func (m *MockTwitchServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	m.handlers[path] = h
	m.mu.Unlock()
}

// SetLive marks login live with s.
func (m *MockTwitchServer) SetLive(login string, s MockStream) {
	m.mu.Lock()
	m.live[login] = s
	m.mu.Unlock()
}

// SetOffline removes login from the live set.
func (m *MockTwitchServer) SetOffline(login string) {
	m.mu.Lock()
	delete(m.live, login)
	m.mu.Unlock()
}

func (m *MockTwitchServer) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	h, ok := m.handlers[r.URL.Path]
	m.mu.Unlock()
	if ok {
		h(w, r)
		return
	}
	switch r.URL.Path {
	case "/oauth2/token":
		m.token(w, r)
	case "/helix/streams":
		m.streams(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (m *MockTwitchServer) token(w http.ResponseWriter, r *http.Request) {
	m.TokenCalls.Add(1)
	_ = r.ParseForm()
	resp := map[string]interface{}{
		"access_token": "mock-access-token",
		"expires_in":   3600,
		"token_type":   "bearer",
	}
	if r.Form.Get("grant_type") == "refresh_token" {
		resp["access_token"] = "mock-refreshed-token"
		resp["refresh_token"] = "mock-rotated-refresh"
		resp["scope"] = []string{"chat:read", "chat:edit"}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp) //nolint:errcheck // test mock response
}

func (m *MockTwitchServer) streams(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") == "" || r.Header.Get("Client-Id") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	m.mu.Lock()
	var data []map[string]interface{}
	for _, login := range r.URL.Query()["user_login"] {
		s, ok := m.live[login]
		if !ok {
			continue
		}
		data = append(data, map[string]interface{}{
			"id":           "stream-" + login,
			"user_id":      "id-" + login,
			"user_login":   login,
			"title":        s.Title,
			"viewer_count": s.Viewers,
			"started_at":   s.StartedAt.UTC().Format(time.RFC3339),
		})
	}
	m.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data}) //nolint:errcheck // test mock response
}

// RewriteTransport sends every request to the mock server regardless of host.
type RewriteTransport struct {
	Target string
	Base   http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (rt *RewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := rt.Base
	if base == nil {
		base = http.DefaultTransport
	}
	target, err := http.NewRequest(req.Method, rt.Target+req.URL.Path, req.Body)
	if err != nil {
		return nil, err
	}
	target.URL.RawQuery = req.URL.RawQuery
	target.Header = req.Header.Clone()
	return base.RoundTrip(target.WithContext(req.Context()))
}

// Client returns an http.Client routed to the mock server.
func (m *MockTwitchServer) Client() *http.Client {
	return &http.Client{Transport: &RewriteTransport{Target: m.URL}, Timeout: 5 * time.Second}
}
