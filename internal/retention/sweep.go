// Package retention purges old application log records on a daily schedule.
package retention

import (
	"context"
	"time"

	"github.com/and161185/mailkeeper/internal/repository"
)

// Horizon is how long log records are kept.
const Horizon = 92 * 24 * time.Hour

// Sweeper deletes log records older than the horizon.
type Sweeper struct {
	store   repository.LogStore
	horizon time.Duration
	now     func() time.Time
}

// NewSweeper constructs a Sweeper with the default horizon.
func NewSweeper(store repository.LogStore) *Sweeper {
	return &Sweeper{store: store, horizon: Horizon, now: time.Now}
}

// Cutoff returns the newest date that is deleted by a sweep at now.
func (s *Sweeper) Cutoff(now time.Time) time.Time {
	return now.Add(-s.horizon)
}

// Sweep deletes every record with date <= now - horizon and returns how many went.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	return s.store.DeleteLogsBefore(ctx, s.Cutoff(s.now()))
}
