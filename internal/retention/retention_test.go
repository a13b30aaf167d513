package retention

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/and161185/mailkeeper/internal/repository"
	"github.com/and161185/mailkeeper/internal/repository/memory"
)

func TestSweep_DeletesAtOrBeforeHorizon(t *testing.T) {
	st := memory.New()
	d := time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)
	cutoff := d.Add(-92 * 24 * time.Hour)

	st.AddLog(memory.LogRecord{Date: cutoff.Add(-24 * time.Hour), Message: "old"})
	st.AddLog(memory.LogRecord{Date: cutoff, Message: "edge"})
	st.AddLog(memory.LogRecord{Date: cutoff.Add(time.Second), Message: "young"})
	st.AddLog(memory.LogRecord{Date: d, Message: "today"})

	s := NewSweeper(st)
	s.now = func() time.Time { return d }
	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	left := st.Logs()
	require.Len(t, left, 2)
	for _, rec := range left {
		require.True(t, rec.Date.After(cutoff), rec.Message)
	}
	require.Equal(t, time.Date(2026, 7, 14, 0, 0, 0, 0, time.UTC), s.Cutoff(d))
}

type failingLogs struct{ calls atomic.Int32 }

var _ repository.LogStore = (*failingLogs)(nil)

func (f *failingLogs) DeleteLogsBefore(context.Context, time.Time) (int64, error) {
	f.calls.Add(1)
	return 0, errors.New("influx down")
}

func TestScheduler_TickLogsFailureWithoutRetry(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	fl := &failingLogs{}
	s, err := NewScheduler(NewSweeper(fl), SchedulerOptions{}, zap.New(core))
	require.NoError(t, err)

	s.Tick()
	require.Equal(t, int32(1), fl.calls.Load())
	require.Equal(t, 1, logs.FilterMessage("retention sweep failed").Len())
}

func TestScheduler_InvalidSpec(t *testing.T) {
	_, err := NewScheduler(NewSweeper(memory.New()), SchedulerOptions{Spec: "every day"}, zaptest.NewLogger(t))
	require.Error(t, err)
}

type panicLogs struct{ calls atomic.Int32 }

func (p *panicLogs) DeleteLogsBefore(context.Context, time.Time) (int64, error) {
	p.calls.Add(1)
	panic("boom")
}

func TestScheduler_RecoversPanicsAndStops(t *testing.T) {
	pl := &panicLogs{}
	// seconds-resolution descriptor so the job fires during the test
	s, err := NewScheduler(NewSweeper(pl), SchedulerOptions{Spec: "@every 1s"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	s.Start()
	require.Eventually(t, func() bool { return pl.calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestScheduler_DefaultSpecIsDaily(t *testing.T) {
	sched, err := cron.ParseStandard(DefaultSchedule)
	require.NoError(t, err)
	from := time.Date(2026, 10, 14, 13, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC), sched.Next(from))
}
