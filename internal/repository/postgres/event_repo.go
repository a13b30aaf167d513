package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/mailkeeper/internal/errs"
	"github.com/and161185/mailkeeper/internal/model"
	"github.com/and161185/mailkeeper/internal/repository"
)

// EventRepo appends lifecycle events to the events table.
type EventRepo struct{ db *DB }

var _ repository.EventSink = (*EventRepo)(nil)

// NewEventRepo constructs an event sink.
func NewEventRepo(db *DB) *EventRepo { return &EventRepo{db: db} }

// Append inserts one event row.
func (r *EventRepo) Append(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	const q = `
INSERT INTO events (actor_id, account_id, kind, payload, created_at)
VALUES ($1, $2, $3, $4, $5)`
	if _, err := r.db.Pool.Exec(ctx, q, ev.ActorID, ev.AccountID, string(ev.Kind), payload, ts); err != nil {
		return errs.Transient(err)
	}
	return nil
}

// LogRepo is the app_logs time-series table.
type LogRepo struct{ db *DB }

var (
	_ repository.LogStore  = (*LogRepo)(nil)
	_ repository.LogWriter = (*LogRepo)(nil)
)

var logColumns = []string{"date", "level", "message", "fields"}

// NewLogRepo constructs a log store.
func NewLogRepo(db *DB) *LogRepo { return &LogRepo{db: db} }

// DeleteLogsBefore removes log rows dated at or before cutoff.
func (r *LogRepo) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM app_logs WHERE date <= $1`
	tag, err := r.db.Pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, errs.Transient(err)
	}
	return tag.RowsAffected(), nil
}

// AppendLogs copies a batch of entries into app_logs.
func (r *LogRepo) AppendLogs(ctx context.Context, entries []model.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	src := pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
		e := entries[i]
		fields, err := json.Marshal(e.Fields)
		if err != nil || e.Fields == nil {
			fields = []byte("{}")
		}
		return []any{e.Date, e.Level, e.Message, fields}, nil
	})
	if _, err := r.db.Pool.CopyFrom(ctx, pgx.Identifier{"app_logs"}, logColumns, src); err != nil {
		return errs.Transient(err)
	}
	return nil
}
