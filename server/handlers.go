// Package server exposes the HTTP API handlers.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/chatwarden/chat"
	"github.com/onnwee/chatwarden/command"
	"github.com/onnwee/chatwarden/state"
	"github.com/onnwee/chatwarden/telemetry"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	store   ChannelStore
	catalog Catalog
	checks  []Check
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(store ChannelStore, catalog Catalog, checks []Check) *Handlers {
	return &Handlers{store: store, catalog: catalog, checks: checks}
}

type commandView struct {
	Trigger         string   `json:"trigger"`
	Aliases         []string `json:"aliases,omitempty"`
	Description     string   `json:"description,omitempty"`
	MinRole         string   `json:"min_role"`
	CooldownSeconds float64  `json:"cooldown_seconds"`
	PerUser         bool     `json:"per_user"`
	AlwaysEnabled   bool     `json:"always_enabled"`
	Enabled         bool     `json:"enabled"`
}

type timerView struct {
	ID              string    `json:"id"`
	IntervalSeconds int64     `json:"interval_seconds"`
	Message         string    `json:"message"`
	NextFireAt      time.Time `json:"next_fire_at"`
}

type channelView struct {
	Channel  string        `json:"channel"`
	Commands []commandView `json:"commands"`
	Timers   []timerView   `json:"timers"`
}

type channelSummary struct {
	Channel  string   `json:"channel"`
	Disabled []string `json:"disabled"`
	Timers   int      `json:"timers"`
}

func (h *Handlers) view(cfg state.ChannelConfig) channelView {
	out := channelView{Channel: cfg.Channel, Commands: []commandView{}, Timers: []timerView{}}
	for _, d := range h.catalog.Definitions() {
		if d.Hidden {
			continue
		}
		out.Commands = append(out.Commands, commandView{
			Trigger:         d.Trigger,
			Aliases:         d.Aliases,
			Description:     d.Description,
			MinRole:         d.MinRole.String(),
			CooldownSeconds: d.Cooldown.Seconds(),
			PerUser:         d.PerUser,
			AlwaysEnabled:   d.AlwaysEnabled,
			Enabled:         d.AlwaysEnabled || cfg.IsEnabled(d.Trigger),
		})
	}
	for _, t := range cfg.Timers {
		out.Timers = append(out.Timers, timerView{
			ID:              t.ID,
			IntervalSeconds: int64(t.Interval / time.Second),
			Message:         t.Message,
			NextFireAt:      t.NextFireAt,
		})
	}
	return out
}

// HandleChannelsList lists channels with stored configuration.
func (h *Handlers) HandleChannelsList(w http.ResponseWriter, r *http.Request) {
	out := []channelSummary{}
	for _, ch := range h.store.Channels() {
		cfg := h.store.GetChannelConfig(ch)
		sum := channelSummary{Channel: ch, Disabled: []string{}, Timers: len(cfg.Timers)}
		for _, d := range h.catalog.Definitions() {
			if !d.Hidden && !d.AlwaysEnabled && !cfg.IsEnabled(d.Trigger) {
				sum.Disabled = append(sum.Disabled, d.Trigger)
			}
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": out})
}

// HandleChannelGet returns one channel's commands and timers. Channels without
// stored state report the defaults.
func (h *Handlers) HandleChannelGet(w http.ResponseWriter, r *http.Request) {
	channel := chat.NormalizeChannel(r.PathValue("channel"))
	if channel == "" {
		writeError(w, http.StatusBadRequest, "channel required")
		return
	}
	writeJSON(w, http.StatusOK, h.view(h.store.GetChannelConfig(channel)))
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// HandleCommandToggle enables or disables a command in a channel.
func (h *Handlers) HandleCommandToggle(w http.ResponseWriter, r *http.Request) {
	channel := chat.NormalizeChannel(r.PathValue("channel"))
	if channel == "" {
		writeError(w, http.StatusBadRequest, "channel required")
		return
	}
	var req toggleRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
		return
	}

	def, ok := h.catalog.Lookup(r.PathValue("trigger"))
	if !ok || def.Hidden {
		writeError(w, http.StatusNotFound, "unknown command")
		return
	}
	if def.AlwaysEnabled && !*req.Enabled {
		writeError(w, http.StatusBadRequest, def.Trigger+" is always enabled")
		return
	}

	on := *req.Enabled
	err := h.store.UpdateChannelConfig(r.Context(), channel, func(c *state.ChannelConfig) error {
		if def.AlwaysEnabled {
			return nil
		}
		if on {
			c.Enable(def.Trigger)
		} else {
			c.Disable(def.Trigger)
		}
		return nil
	})
	if errors.Is(err, state.ErrUnknownCommand) {
		writeError(w, http.StatusNotFound, "unknown command")
		return
	}
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("command toggle failed", slog.String("component", "http"), slog.String("channel", channel), slog.String("command", def.Trigger), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("command toggled", slog.String("component", "http"), slog.String("channel", channel), slog.String("command", def.Trigger), slog.Bool("enabled", on))
	writeJSON(w, http.StatusOK, h.view(h.store.GetChannelConfig(channel)))
}

var _ Catalog = (*command.Registry)(nil)
