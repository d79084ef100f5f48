package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/chatwarden/command"
	"github.com/onnwee/chatwarden/command/builtin"
	"github.com/onnwee/chatwarden/state"
	"github.com/onnwee/chatwarden/telemetry"
)

func newTestServer(t *testing.T, opts Options) (http.Handler, *state.Store) {
	t.Helper()
	reg := command.NewRegistry("!")
	store := state.NewStore(reg, nil)
	if err := builtin.Register(reg, store); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	reg.Seal()
	opts.Store = store
	opts.Catalog = reg
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewMux(ctx, opts), store
}

func do(h http.Handler, method, path, body string, mod func(*http.Request)) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if mod != nil {
		mod(req)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	h, _ := newTestServer(t, Options{})
	rr := do(h, http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rr.Code, rr.Body.String())
	}
}

func TestReadyzReportsFirstFailure(t *testing.T) {
	var ran []string
	h, _ := newTestServer(t, Options{Checks: []Check{
		{Name: "database", Fn: func(context.Context) error { ran = append(ran, "database"); return nil }},
		{Name: "chat", Fn: func(context.Context) error { ran = append(ran, "chat"); return errors.New("not connected") }},
		{Name: "outbound", Fn: func(context.Context) error { ran = append(ran, "outbound"); return nil }},
	}})
	rr := do(h, http.MethodGet, "/readyz", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["failed_check"] != "chat" || body["error"] != "not connected" {
		t.Fatalf("body = %v", body)
	}
	if strings.Join(ran, ",") != "database,chat" {
		t.Fatalf("checks ran = %v", ran)
	}
}

func TestReadyzAllPassing(t *testing.T) {
	h, _ := newTestServer(t, Options{Checks: []Check{{Name: "ok", Fn: func(context.Context) error { return nil }}}})
	rr := do(h, http.MethodGet, "/readyz", "", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"ready"`) {
		t.Fatalf("readyz = %d %s", rr.Code, rr.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	telemetry.Init()
	h, _ := newTestServer(t, Options{})
	rr := do(h, http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "chatwarden_") {
		t.Fatalf("metrics = %d", rr.Code)
	}
}

func TestCorrelationID(t *testing.T) {
	h, _ := newTestServer(t, Options{})
	rr := do(h, http.MethodGet, "/healthz", "", func(r *http.Request) { r.Header.Set("X-Correlation-ID", "abc-123") })
	if got := rr.Header().Get("X-Correlation-ID"); got != "abc-123" {
		t.Fatalf("correlation id = %q", got)
	}
	rr = do(h, http.MethodGet, "/healthz", "", nil)
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Fatal("no correlation id generated")
	}
}

func TestAdminAuth(t *testing.T) {
	h, _ := newTestServer(t, Options{AdminToken: "s3cret", AdminUsername: "admin", AdminPassword: "pw"})
	tests := []struct {
		name string
		mod  func(*http.Request)
		want int
	}{
		{"none", nil, http.StatusUnauthorized},
		{"bad token", func(r *http.Request) { r.Header.Set("X-Admin-Token", "nope") }, http.StatusUnauthorized},
		{"token", func(r *http.Request) { r.Header.Set("X-Admin-Token", "s3cret") }, http.StatusOK},
		{"basic", func(r *http.Request) { r.SetBasicAuth("admin", "pw") }, http.StatusOK},
		{"bad basic", func(r *http.Request) { r.SetBasicAuth("admin", "wrong") }, http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(h, http.MethodGet, "/channels", "", tc.mod)
			if rr.Code != tc.want {
				t.Fatalf("status = %d, want %d", rr.Code, tc.want)
			}
			if tc.want == http.StatusUnauthorized && rr.Header().Get("WWW-Authenticate") == "" {
				t.Fatal("missing WWW-Authenticate")
			}
		})
	}
	// Probes stay open.
	if rr := do(h, http.MethodGet, "/healthz", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("healthz behind auth: %d", rr.Code)
	}
}

func TestChannelGetDefaults(t *testing.T) {
	h, _ := newTestServer(t, Options{})
	rr := do(h, http.MethodGet, "/channels/Alpha", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var v channelView
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	if v.Channel != "alpha" || len(v.Timers) != 0 {
		t.Fatalf("view = %+v", v)
	}
	for _, c := range v.Commands {
		if !c.Enabled {
			t.Errorf("%s disabled by default", c.Trigger)
		}
	}
}

func TestCommandToggle(t *testing.T) {
	h, store := newTestServer(t, Options{})

	rr := do(h, http.MethodPut, "/channels/alpha/commands/test", `{"enabled":false}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("disable via alias = %d %s", rr.Code, rr.Body.String())
	}
	if store.IsEnabled("alpha", "ping") {
		t.Fatal("ping still enabled in store")
	}

	rr = do(h, http.MethodGet, "/channels", "", nil)
	var list struct {
		Channels []channelSummary `json:"channels"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Channels) != 1 || list.Channels[0].Channel != "alpha" || strings.Join(list.Channels[0].Disabled, ",") != "ping" {
		t.Fatalf("channels = %+v", list.Channels)
	}

	rr = do(h, http.MethodPut, "/channels/alpha/commands/ping", `{"enabled":true}`, nil)
	if rr.Code != http.StatusOK || !store.IsEnabled("alpha", "ping") {
		t.Fatalf("re-enable = %d", rr.Code)
	}
}

func TestCommandToggleRejects(t *testing.T) {
	h, _ := newTestServer(t, Options{})
	tests := []struct {
		name, path, body string
		want             int
	}{
		{"unknown command", "/channels/alpha/commands/nope", `{"enabled":false}`, http.StatusNotFound},
		{"always enabled", "/channels/alpha/commands/commands", `{"enabled":false}`, http.StatusBadRequest},
		{"missing field", "/channels/alpha/commands/ping", `{}`, http.StatusBadRequest},
		{"bad json", "/channels/alpha/commands/ping", `enabled`, http.StatusBadRequest},
		{"unknown field", "/channels/alpha/commands/ping", `{"enabled":true,"x":1}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if rr := do(h, http.MethodPut, tc.path, tc.body, nil); rr.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tc.want, rr.Body.String())
			}
		})
	}
	if rr := do(h, http.MethodPost, "/channels/alpha/commands/ping", `{"enabled":true}`, nil); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST = %d", rr.Code)
	}
}

func TestAdminRateLimit(t *testing.T) {
	h, _ := newTestServer(t, Options{AdminRateLimit: 2})
	from := func(ip string) func(*http.Request) {
		return func(r *http.Request) { r.RemoteAddr = ip + ":5555" }
	}
	for i := 0; i < 2; i++ {
		if rr := do(h, http.MethodGet, "/channels", "", from("10.0.0.1")); rr.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i, rr.Code)
		}
	}
	rr := do(h, http.MethodGet, "/channels", "", from("10.0.0.1"))
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") == "" {
		t.Fatalf("third request = %d", rr.Code)
	}
	if rr := do(h, http.MethodGet, "/channels", "", from("10.0.0.2")); rr.Code != http.StatusOK {
		t.Fatalf("other ip = %d", rr.Code)
	}
	// Probes are not limited.
	for i := 0; i < 5; i++ {
		if rr := do(h, http.MethodGet, "/healthz", "", from("10.0.0.1")); rr.Code != http.StatusOK {
			t.Fatalf("healthz limited: %d", rr.Code)
		}
	}
}

func TestClientIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	tests := []struct {
		name, remote, forwarded, want string
	}{
		{"no header", "192.0.2.1:1234", "", "192.0.2.1"},
		{"untrusted peer ignores header", "192.0.2.1:1234", "203.0.113.5", "192.0.2.1"},
		{"trusted proxy", "10.0.0.1:1234", "203.0.113.5", "203.0.113.5"},
		{"spoofed left entry", "10.0.0.1:1234", "198.51.100.7, 203.0.113.5", "203.0.113.5"},
		{"proxy chain", "10.0.0.1:1234", "203.0.113.5, 10.0.0.9", "203.0.113.5"},
		{"all hops trusted", "10.0.0.1:1234", "10.0.0.9", "10.0.0.9"},
		{"trusted peer without header", "10.0.0.1:1234", "", "10.0.0.1"},
		{"ipv6", "[2001:db8::1]:443", "203.0.113.5", "2001:db8::1"},
		{"no port", "192.0.2.1", "", "192.0.2.1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.remote
			if tc.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if got := clientIP(r, trusted); got != tc.want {
				t.Errorf("clientIP(%q, %q) = %q, want %q", tc.remote, tc.forwarded, got, tc.want)
			}
		})
	}
}

func TestAdminRateLimitIgnoresForgedForwardedFor(t *testing.T) {
	h, _ := newTestServer(t, Options{AdminRateLimit: 2})
	for i := 0; i < 2; i++ {
		do(h, http.MethodGet, "/channels", "", func(r *http.Request) {
			r.RemoteAddr = "192.0.2.50:5555"
			r.Header.Set("X-Forwarded-For", "203.0.113."+strconv.Itoa(i))
		})
	}
	rr := do(h, http.MethodGet, "/channels", "", func(r *http.Request) {
		r.RemoteAddr = "192.0.2.50:5555"
		r.Header.Set("X-Forwarded-For", "203.0.113.99")
	})
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("rotating X-Forwarded-For bypassed the limit: %d", rr.Code)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := newIPRateLimiter(10, nil)
	now := rl.now()
	rl.now = func() time.Time { return now }
	rl.allow("a")
	rl.now = func() time.Time { return now.Add(5 * time.Minute) }
	rl.allow("b")
	rl.cleanup()
	if _, ok := rl.visitors["a"]; ok {
		t.Fatal("idle visitor kept")
	}
	if _, ok := rl.visitors["b"]; !ok {
		t.Fatal("active visitor dropped")
	}
	if newIPRateLimiter(0, nil) != nil {
		t.Fatal("zero limit should disable the limiter")
	}
}
