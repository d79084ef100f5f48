// Command chatwarden is the chat bot entrypoint. It:
//   - Loads configuration and initializes structured logging.
//   - Optionally connects to Postgres, runs migrations and loads channel configs.
//   - Builds the command registry, cooldown limiter and dispatcher.
//   - Connects to Twitch chat and starts the timer scheduler, stream watcher
//     and OAuth token refresher.
//   - Exposes an HTTP server with /healthz, /readyz, /metrics and the admin API.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/chatwarden/chat"
	"github.com/onnwee/chatwarden/command"
	"github.com/onnwee/chatwarden/command/builtin"
	"github.com/onnwee/chatwarden/config"
	"github.com/onnwee/chatwarden/cooldown"
	"github.com/onnwee/chatwarden/crypto"
	"github.com/onnwee/chatwarden/db"
	"github.com/onnwee/chatwarden/dispatch"
	"github.com/onnwee/chatwarden/oauth"
	"github.com/onnwee/chatwarden/schedule"
	"github.com/onnwee/chatwarden/server"
	"github.com/onnwee/chatwarden/state"
	"github.com/onnwee/chatwarden/telemetry"
	"github.com/onnwee/chatwarden/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("chatwarden", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		if errors.Is(err, command.ErrDuplicateTrigger) {
			slog.Error("command registration failed", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Error("chatwarden exited with error", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// setupLogging configures the default logger. Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))
}

func run(ctx context.Context, cfg *config.Config) error {
	clock := clockwork.NewRealClock()

	// Registry first: state validates triggers against it.
	reg := command.NewRegistry(cfg.CommandPrefix)

	var (
		database *sql.DB
		repo     state.Repository
	)
	if cfg.DBDsn != "" {
		var err error
		database, err = openDatabase(ctx, cfg.DBDsn)
		if err != nil {
			return err
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		repo = db.NewChannelRepository(database)
	} else {
		slog.Warn("DB_DSN not set; channel configs and tokens are kept in memory only", slog.String("component", "state"))
	}

	store := state.NewStore(reg, repo).WithClock(clock)
	if err := builtin.Register(reg, store); err != nil {
		return err
	}
	reg.Seal()
	slog.Info("commands registered", slog.Int("count", len(reg.Triggers())), slog.String("prefix", reg.Prefix()))

	if err := store.Load(ctx); err != nil {
		return fmt.Errorf("load channel configs: %w", err)
	}

	backend, err := cooldownBackend(cfg)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if mem, ok := backend.(*cooldown.Memory); ok {
		g.Go(func() error {
			mem.RunJanitor(gctx, clock, time.Minute)
			return nil
		})
	}
	g.Go(func() error {
		store.RunFlusher(gctx, 30*time.Second)
		return nil
	})

	// Chat client; the sink is bound once the dispatcher exists.
	var disp *dispatch.Dispatcher
	token, refresher, err := setupTokens(ctx, cfg, database)
	if err != nil {
		return err
	}
	client := chat.NewClient(cfg.TwitchBotUsername, token, cfg.TwitchChannels, func(raw any) {
		disp.Submit(raw)
	})

	out := dispatch.NewOutbound(client, cooldown.NewBudget(cfg.OutboundBudget, cfg.OutboundWindow), cfg.OutboundBuffer)
	disp = dispatch.New(chat.NewNormalizer(clock), reg, store, cooldown.NewLimiter(backend), out, dispatch.Config{
		HandlerTimeout: cfg.HandlerTimeout,
		LaneBuffer:     cfg.LaneBuffer,
	})

	startWorkers(gctx, g, out, disp)
	g.Go(func() error {
		slog.Info("connecting to chat", slog.String("component", "chat"), slog.Any("channels", cfg.TwitchChannels))
		err := client.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("chat connection: %w", err)
	})
	g.Go(func() error {
		err := schedule.New(store, disp, clock).Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if refresher != nil {
		refresher.OnToken(func(tok db.Token) { client.SetToken(tok.AccessToken) })
		g.Go(func() error {
			if err := refresher.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if cfg.StreamWatchEnabled() {
		helix := &twitchapi.HelixClient{
			AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
			ClientID:       cfg.TwitchClientID,
		}
		watcher := chat.NewStreamWatcher(helix, client.Channels, cfg.StreamPollInterval, clock, func(raw any) { disp.Submit(raw) })
		g.Go(func() error {
			if err := watcher.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	} else {
		slog.Info("stream watcher disabled (missing TWITCH_CLIENT_ID/TWITCH_CLIENT_SECRET)", slog.String("component", "stream"))
	}

	checks := []server.Check{
		{Name: "chat", Fn: func(context.Context) error {
			if !client.Connected() {
				return errors.New("chat not connected")
			}
			return nil
		}},
		{Name: "outbound", Fn: func(context.Context) error {
			if s := out.CircuitState(); s == "open" {
				return errors.New("outbound circuit open")
			}
			return nil
		}},
	}
	if database != nil {
		checks = append([]server.Check{{Name: "database", Fn: database.PingContext}}, checks...)
	}
	handler := server.NewMux(gctx, server.Options{
		Store:          store,
		Catalog:        reg,
		Checks:         checks,
		AdminToken:     cfg.AdminToken,
		AdminUsername:  cfg.AdminUsername,
		AdminPassword:  cfg.AdminPassword,
		AdminRateLimit: cfg.AdminRateLimit,
		TrustedProxies: cfg.TrustedProxies,
	})
	g.Go(func() error { return server.Start(gctx, cfg.HTTPAddr, handler) })

	slog.Info("chatwarden started", slog.Int("channel_count", len(cfg.TwitchChannels)))
	err = g.Wait()
	slog.Info("shutting down")
	return err
}

// openDatabase connects and applies migrations using the dual-system approach:
// versioned migrations first, then the embedded SQL fallback.
func openDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("failed to migrate db (both versioned and embedded SQL failed): %w", err)
		}
		slog.Info("embedded SQL migration completed", slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed successfully", slog.String("component", "db_migrate"))
	}
	return database, nil
}

func cooldownBackend(cfg *config.Config) (cooldown.Backend, error) {
	if cfg.CooldownBackend != config.CooldownRedis {
		slog.Info("initializing in-memory cooldowns", slog.String("component", "cooldown"))
		return cooldown.NewMemory(), nil
	}
	rdb, err := cooldown.NewRedisClient(cfg.RedisAddr)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	slog.Info("initializing redis cooldowns", slog.String("component", "cooldown"), slog.String("addr", cfg.RedisAddr))
	return cooldown.NewRedis(rdb, "chatwarden:cooldown"), nil
}

// setupTokens returns the chat access token and, when a refresh token is
// configured, a Refresher that keeps it fresh. Tokens are persisted (sealed
// when ENCRYPTION_KEY is set) if a database is available.
func setupTokens(ctx context.Context, cfg *config.Config, database *sql.DB) (string, *tokenRefresher, error) {
	if cfg.TwitchRefreshToken == "" {
		return cfg.TwitchOAuthToken, nil, nil
	}

	var store oauth.TokenStore = oauth.NewMemoryStore()
	if database != nil {
		var sealer *crypto.Sealer
		if cfg.EncryptionKey != "" {
			s, err := crypto.NewSealer(cfg.EncryptionKey)
			if err != nil {
				return "", nil, fmt.Errorf("ENCRYPTION_KEY: %w", err)
			}
			sealer = s
		} else {
			slog.Warn("ENCRYPTION_KEY not set; oauth tokens are stored in plaintext", slog.String("component", "oauth"))
		}
		store = db.NewTokenStore(database, sealer)
	}

	tr := &tokenRefresher{}
	r := oauth.NewRefresher(store, oauth.ProviderTwitchBot, oauth.TwitchRefresh(&twitchapi.Refresher{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
	}), oauth.Options{OnToken: tr.deliver})
	tr.Refresher = r

	tok, err := r.Seed(ctx, db.Token{
		AccessToken:  strings.TrimPrefix(cfg.TwitchOAuthToken, "oauth:"),
		RefreshToken: cfg.TwitchRefreshToken,
	})
	if err != nil {
		return "", nil, err
	}
	// Refresh before connecting when the token is missing or close to expiry.
	if _, err := r.Check(ctx); err != nil {
		slog.Warn("initial token refresh failed", slog.String("component", "oauth"), slog.Any("err", err))
	}
	if cur, ok, err := store.GetToken(ctx, oauth.ProviderTwitchBot); err == nil && ok {
		tok = cur
	}
	if tok.AccessToken == "" {
		return "", nil, errors.New("no chat access token available after refresh")
	}
	return tok.AccessToken, tr, nil
}

// tokenRefresher lets the chat client subscribe to refreshed tokens after the
// Refresher has been built.
type tokenRefresher struct {
	*oauth.Refresher
	onToken func(db.Token)
}

func (t *tokenRefresher) OnToken(fn func(db.Token)) { t.onToken = fn }

func (t *tokenRefresher) deliver(tok db.Token) {
	if t.onToken != nil {
		t.onToken(tok)
	}
}

// worker is a pool that accepts work as soon as Start returns.
type worker interface {
	Start(ctx context.Context)
	Wait() error
}

// startWorkers starts each pool before returning, so producers launched
// afterwards never see a pool that is not yet accepting. The pools are drained
// on the group once ctx is cancelled.
func startWorkers(ctx context.Context, g *errgroup.Group, ws ...worker) {
	for _, w := range ws {
		w.Start(ctx)
		g.Go(func() error {
			<-ctx.Done()
			if err := w.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
}
