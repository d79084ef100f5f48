package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/onnwee/chatwarden/state"
)

type timerRow struct {
	ID         string    `json:"id"`
	IntervalMS int64     `json:"interval_ms"`
	Message    string    `json:"message"`
	NextFireAt time.Time `json:"next_fire_at"`
}

// ChannelRepository stores state.Record rows in channel_configs.
type ChannelRepository struct{ DB *sql.DB }

// NewChannelRepository returns a repository over db.
func NewChannelRepository(db *sql.DB) *ChannelRepository { return &ChannelRepository{DB: db} }

// LoadAll returns every stored channel config.
func (r *ChannelRepository) LoadAll(ctx context.Context) ([]state.Record, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT channel, disabled_commands, timers, updated_at FROM channel_configs ORDER BY channel`)
	if err != nil {
		return nil, fmt.Errorf("query channel_configs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []state.Record
	for rows.Next() {
		var (
			rec           state.Record
			disabled, tms []byte
		)
		if err := rows.Scan(&rec.Channel, &disabled, &tms, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan channel_configs: %w", err)
		}
		if err := json.Unmarshal(disabled, &rec.Disabled); err != nil {
			return nil, fmt.Errorf("channel %s: disabled_commands: %w", rec.Channel, err)
		}
		var trs []timerRow
		if err := json.Unmarshal(tms, &trs); err != nil {
			return nil, fmt.Errorf("channel %s: timers: %w", rec.Channel, err)
		}
		for _, tr := range trs {
			rec.Timers = append(rec.Timers, state.TimerSpec{
				ID:         tr.ID,
				Interval:   time.Duration(tr.IntervalMS) * time.Millisecond,
				Message:    tr.Message,
				NextFireAt: tr.NextFireAt,
			})
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Save upserts rec. A row written with a later updated_at is left alone, so
// an out-of-order flush cannot roll a channel back.
func (r *ChannelRepository) Save(ctx context.Context, rec state.Record) error {
	disabled := rec.Disabled
	if disabled == nil {
		disabled = []string{}
	}
	dj, err := json.Marshal(disabled)
	if err != nil {
		return err
	}
	trs := make([]timerRow, 0, len(rec.Timers))
	for _, t := range rec.Timers {
		trs = append(trs, timerRow{ID: t.ID, IntervalMS: t.Interval.Milliseconds(), Message: t.Message, NextFireAt: t.NextFireAt.UTC()})
	}
	tj, err := json.Marshal(trs)
	if err != nil {
		return err
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO channel_configs(channel, disabled_commands, timers, updated_at)
		VALUES($1, $2::jsonb, $3::jsonb, $4)
		ON CONFLICT(channel) DO UPDATE SET
			disabled_commands=EXCLUDED.disabled_commands,
			timers=EXCLUDED.timers,
			updated_at=EXCLUDED.updated_at
		WHERE channel_configs.updated_at <= EXCLUDED.updated_at`,
		rec.Channel, string(dj), string(tj), updated)
	if err != nil {
		return fmt.Errorf("upsert channel_configs %s: %w", rec.Channel, err)
	}
	return nil
}
