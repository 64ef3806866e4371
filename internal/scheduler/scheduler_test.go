package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNextRun_MatchesMinuteHourAndWeekday(t *testing.T) {
	// Wednesday 2025-01-15 10:30 UTC.
	now := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		expr string
		want time.Time
	}{
		{"every minute", "* * * * *", time.Date(2025, 1, 15, 10, 31, 0, 0, time.UTC)},
		{"top of hour", "0 * * * *", time.Date(2025, 1, 15, 11, 0, 0, 0, time.UTC)},
		{"daily 6am", "0 6 * * *", time.Date(2025, 1, 16, 6, 0, 0, 0, time.UTC)},
		{"weekday list", "0 9 * * 1,5", time.Date(2025, 1, 17, 9, 0, 0, 0, time.UTC)},
		{"range", "15 8-11 * * *", time.Date(2025, 1, 15, 11, 15, 0, 0, time.UTC)},
		{"step", "*/20 * * * *", time.Date(2025, 1, 15, 10, 40, 0, 0, time.UTC)},
		{"monday", "0 7 * * 1", time.Date(2025, 1, 20, 7, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextRun(tt.expr, now)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.After(now))
		})
	}
}

func TestNextRun_StrictlyAfterNow(t *testing.T) {
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	got := NextRun("0 10 * * *", now)
	assert.Equal(t, time.Date(2025, 1, 16, 10, 0, 0, 0, time.UTC), got)
}

func TestNextRun_MalformedFallsBackToNextHour(t *testing.T) {
	now := time.Date(2025, 1, 15, 10, 42, 17, 0, time.UTC)
	for _, expr := range []string{"", "not a cron", "61 * * * *", "* * *"} {
		assert.Equal(t, time.Date(2025, 1, 15, 11, 0, 0, 0, time.UTC), NextRun(expr, now), expr)
	}
}

func TestNextRun_DayOfMonthAndMonthAreNotEvaluated(t *testing.T) {
	// Wednesday 2026-10-14 10:00 UTC.
	now := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		expr string
		want time.Time
	}{
		{"both day fields restricted", "0 9 15 * 1", time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)},
		{"month restricted", "0 0 1 3 *", time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)},
		{"day of month only", "30 6 1 * *", time.Date(2026, 10, 15, 6, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextRun(tt.expr, now)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, time.Monday, NextRun("0 9 15 * 1", now).Weekday())
}

func TestNextRun_InvalidDayFieldsStillFallBack(t *testing.T) {
	now := time.Date(2026, 10, 14, 10, 42, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 10, 14, 11, 0, 0, 0, time.UTC), NextRun("0 9 32 * 1", now))
	assert.Equal(t, time.Date(2026, 10, 14, 11, 0, 0, 0, time.UTC), NextRun("0 9 * 13 1", now))
}

func TestFallbackInstants(t *testing.T) {
	now := time.Date(2025, 12, 31, 23, 42, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), TopOfNextHour(now))
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), MidnightNextDay(now))
}

func TestParseSchedule(t *testing.T) {
	assert.NoError(t, ParseSchedule("0 6 * * 1-5"))
	assert.Error(t, ParseSchedule("0 6 * *"))
}

func TestLoop_TickSkipsWhenBusy(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var runs int32

	l := NewLoop("busy", time.Hour, func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		close(started)
		<-release
		return nil
	}, quietLogger())

	done := make(chan bool)
	go func() { done <- l.Tick(context.Background()) }()
	<-started

	assert.False(t, l.Tick(context.Background()), "overlapping tick must be skipped")
	close(release)
	assert.True(t, <-done)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestLoop_TickErrorAndPanicAreContained(t *testing.T) {
	l := NewLoop("err", time.Hour, func(context.Context) error {
		return errors.New("store down")
	}, quietLogger())
	assert.True(t, l.Tick(context.Background()))

	p := NewLoop("panic", time.Hour, func(context.Context) error {
		panic("boom")
	}, quietLogger())
	assert.NotPanics(t, func() { p.Tick(context.Background()) })
	// The guard is released after a panic.
	assert.NotPanics(t, func() { p.Tick(context.Background()) })
}

func TestLoop_StartStop(t *testing.T) {
	var runs int32
	l := NewLoop("fast", 10*time.Millisecond, func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}, quietLogger())

	require.NoError(t, l.Start(context.Background()))
	require.Error(t, l.Start(context.Background()))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 2 }, time.Second, 5*time.Millisecond)
	l.Stop()
	l.Stop()
}

func TestLoop_RejectsNonPositiveInterval(t *testing.T) {
	l := NewLoop("zero", 0, func(context.Context) error { return nil }, quietLogger())
	assert.Error(t, l.Start(context.Background()))
}
