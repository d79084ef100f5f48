// Package server exposes the HTTP API: liveness and readiness probes, Prometheus
// metrics and the admin endpoints for per-channel command configuration.
// Every request gets a correlation ID in its context for consistent logging.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/chatwarden/command"
	"github.com/onnwee/chatwarden/state"
	"github.com/onnwee/chatwarden/telemetry"
)

// ChannelStore is the part of state.Store the admin API reads and mutates.
type ChannelStore interface {
	Channels() []string
	GetChannelConfig(channel string) state.ChannelConfig
	UpdateChannelConfig(ctx context.Context, channel string, mutator func(*state.ChannelConfig) error) error
}

// Catalog is the part of command.Registry the admin API reads.
type Catalog interface {
	Lookup(name string) (command.Definition, bool)
	Definitions() []command.Definition
}

// Check is a named readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Options wires the server to the running engine.
type Options struct {
	Store   ChannelStore
	Catalog Catalog
	Checks  []Check

	AdminToken    string
	AdminUsername string
	AdminPassword string
	// AdminRateLimit is requests per minute per client IP; 0 disables limiting.
	AdminRateLimit int
	// TrustedProxies are the peers whose X-Forwarded-For header is believed.
	TrustedProxies []netip.Prefix
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter's cleanup goroutine.
func NewMux(ctx context.Context, opts Options) http.Handler {
	authCfg := newAuthConfig(opts.AdminToken, opts.AdminUsername, opts.AdminPassword)
	limiter := newIPRateLimiter(opts.AdminRateLimit, opts.TrustedProxies)
	if limiter != nil {
		go limiter.cleanupLoop(ctx)
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return adminAuth(rateLimitMiddleware(h, limiter), authCfg)
	}

	h := NewHandlers(opts.Store, opts.Catalog, opts.Checks)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)

	mux.Handle("GET /channels", admin(h.HandleChannelsList))
	mux.Handle("GET /channels/{channel}", admin(h.HandleChannelGet))
	mux.Handle("PUT /channels/{channel}/commands/{trigger}", admin(h.HandleCommandToggle))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		req := r.WithContext(ctx)
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(rec, req)

		// The mux fills in the matched pattern.
		if req.Pattern != "" {
			span.SetName(req.Pattern)
			span.SetAttributes(telemetry.HTTPRouteAttr(req.Pattern))
		}
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.String("component", "http"), slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("component", "http"), slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.String("component", "http"), slog.Any("err", err))
		return err
	}
	return nil
}
