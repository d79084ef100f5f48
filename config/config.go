// Package config loads environment variables into a typed Config used across
// the service. Defaults let the binary start locally with only chat credentials
// set; use Validate before connecting to chat.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// Cooldown backends.
const (
	CooldownMemory = "memory"
	CooldownRedis  = "redis"
)

type Config struct {
	// Twitch chat
	TwitchBotUsername  string
	TwitchOAuthToken   string
	TwitchChannels     []string
	TwitchClientID     string
	TwitchClientSecret string
	TwitchRefreshToken string

	// Dispatch
	CommandPrefix  string
	HandlerTimeout time.Duration
	LaneBuffer     int
	OutboundBuffer int
	OutboundBudget int
	OutboundWindow time.Duration

	// Cooldowns
	CooldownBackend string
	RedisAddr       string

	// Persistence
	DBDsn         string
	EncryptionKey string

	// Stream watcher
	StreamPollInterval time.Duration

	// HTTP
	HTTPAddr      string
	AdminToken    string
	AdminUsername string
	AdminPassword string
	// AdminRateLimit is requests per minute per client IP on the admin API; 0 disables.
	AdminRateLimit int
	// TrustedProxies lists proxies allowed to set X-Forwarded-For.
	TrustedProxies []netip.Prefix
}

// Load reads environment variables and applies defaults. Malformed numbers or
// durations are errors; missing credentials are not (see Validate).
func Load() (*Config, error) {
	cfg := &Config{
		TwitchBotUsername:  strings.ToLower(strings.TrimSpace(os.Getenv("TWITCH_BOT_USERNAME"))),
		TwitchOAuthToken:   os.Getenv("TWITCH_OAUTH_TOKEN"),
		TwitchChannels:     splitList(os.Getenv("TWITCH_CHANNELS")),
		TwitchClientID:     os.Getenv("TWITCH_CLIENT_ID"),
		TwitchClientSecret: os.Getenv("TWITCH_CLIENT_SECRET"),
		TwitchRefreshToken: os.Getenv("TWITCH_REFRESH_TOKEN"),
		CommandPrefix:      envOr("COMMAND_PREFIX", "!"),
		CooldownBackend:    strings.ToLower(envOr("COOLDOWN_BACKEND", CooldownMemory)),
		RedisAddr:          envOr("REDIS_ADDR", "localhost:6379"),
		DBDsn:              os.Getenv("DB_DSN"),
		EncryptionKey:      os.Getenv("ENCRYPTION_KEY"),
		HTTPAddr:           envOr("HTTP_ADDR", ":8080"),
		AdminToken:         os.Getenv("ADMIN_TOKEN"),
		AdminUsername:      os.Getenv("ADMIN_USERNAME"),
		AdminPassword:      os.Getenv("ADMIN_PASSWORD"),
	}
	// Older deployments configured a single channel.
	if len(cfg.TwitchChannels) == 0 {
		cfg.TwitchChannels = splitList(os.Getenv("TWITCH_CHANNEL"))
	}

	var errs []error
	cfg.HandlerTimeout = durationEnv("HANDLER_TIMEOUT", 5*time.Second, &errs)
	cfg.OutboundWindow = durationEnv("OUTBOUND_WINDOW", 30*time.Second, &errs)
	cfg.StreamPollInterval = durationEnv("STREAM_POLL_INTERVAL", 60*time.Second, &errs)
	cfg.LaneBuffer = intEnv("LANE_BUFFER", 64, &errs)
	cfg.OutboundBuffer = intEnv("OUTBOUND_BUFFER", 32, &errs)
	cfg.OutboundBudget = intEnv("OUTBOUND_BUDGET", 20, &errs)
	cfg.AdminRateLimit = intEnv("ADMIN_RATE_LIMIT", 30, &errs)
	cfg.TrustedProxies = prefixesEnv("TRUSTED_PROXIES", &errs)

	switch cfg.CooldownBackend {
	case CooldownMemory, CooldownRedis:
	default:
		errs = append(errs, fmt.Errorf("invalid COOLDOWN_BACKEND %q (memory|redis)", cfg.CooldownBackend))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields required to connect to chat.
func (c *Config) Validate() error {
	var missing []string
	if c.TwitchBotUsername == "" {
		missing = append(missing, "TWITCH_BOT_USERNAME")
	}
	if c.TwitchOAuthToken == "" && c.TwitchRefreshToken == "" {
		missing = append(missing, "TWITCH_OAUTH_TOKEN")
	}
	if len(c.TwitchChannels) == 0 {
		missing = append(missing, "TWITCH_CHANNELS")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing twitch env: require %s", strings.Join(missing, ", "))
	}
	if c.TwitchRefreshToken != "" && (c.TwitchClientID == "" || c.TwitchClientSecret == "") {
		return errors.New("TWITCH_REFRESH_TOKEN requires TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET")
	}
	if (c.AdminUsername == "") != (c.AdminPassword == "") {
		return errors.New("ADMIN_USERNAME and ADMIN_PASSWORD must be set together")
	}
	return nil
}

// StreamWatchEnabled reports whether Helix credentials are present.
func (c *Config) StreamWatchEnabled() bool {
	return c.TwitchClientID != "" && c.TwitchClientSecret != ""
}

// AdminEnabled reports whether the admin API has any credential configured.
func (c *Config) AdminEnabled() bool {
	return c.AdminToken != "" || (c.AdminUsername != "" && c.AdminPassword != "")
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func splitList(v string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range strings.Split(v, ",") {
		p = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(p), "#"))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func durationEnv(key string, def time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare integers are seconds.
		n, nerr := strconv.Atoi(v)
		if nerr != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
			return def
		}
		d = time.Duration(n) * time.Second
	}
	if d < 0 {
		*errs = append(*errs, fmt.Errorf("invalid %s %q: negative", key, v))
		return def
	}
	return d
}

func intEnv(key string, def int, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		*errs = append(*errs, fmt.Errorf("invalid %s %q: want a non-negative integer", key, v))
		return def
	}
	return n
}

// prefixesEnv parses a comma list of CIDRs or bare addresses.
func prefixesEnv(key string, errs *[]error) []netip.Prefix {
	var out []netip.Prefix
	for _, p := range strings.Split(os.Getenv(key), ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.Contains(p, "/") {
			pfx, err := netip.ParsePrefix(p)
			if err != nil {
				*errs = append(*errs, fmt.Errorf("invalid %s entry %q: %w", key, p, err))
				continue
			}
			out = append(out, pfx.Masked())
			continue
		}
		addr, err := netip.ParseAddr(p)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s entry %q: %w", key, p, err))
			continue
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out
}
