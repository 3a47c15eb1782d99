package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProfile() BackoffProfile {
	return BackoffProfile{
		Name:           "test",
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       1 * time.Second,
		InitialTimeout: 200 * time.Millisecond,
		MaxTimeout:     800 * time.Millisecond,
		Multiplier:     2.0,
		MaxAttempts:    5,
	}
}

func TestBackoffSchedule(t *testing.T) {
	// The wait before attempt n+1: initial delay growing by the
	// multiplier, capped at the max.
	bo := testProfile().newBackOff()
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1 * time.Second,
		1 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, bo.NextBackOff(), "wait %d", i)
	}
}

func TestBackoffScheduleResets(t *testing.T) {
	bo := testProfile().newBackOff()
	bo.NextBackOff()
	bo.NextBackOff()
	bo.Reset()
	assert.Equal(t, 100*time.Millisecond, bo.NextBackOff())
}

func TestBackoffTimeout(t *testing.T) {
	p := testProfile()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 800 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Timeout(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoffNeverExceedsMax(t *testing.T) {
	p := testProfile()
	bo := p.newBackOff()
	for n := 1; n <= 50; n++ {
		assert.LessOrEqual(t, bo.NextBackOff(), p.MaxDelay, "wait %d", n)
		assert.LessOrEqual(t, p.Timeout(n), p.MaxTimeout, "attempt %d", n)
	}
}

func TestBackoffNormalizedClamps(t *testing.T) {
	p := BackoffProfile{
		Name:           "bad",
		InitialDelay:   2 * time.Second,
		MaxDelay:       1 * time.Second,
		InitialTimeout: 4 * time.Second,
		MaxTimeout:     1 * time.Second,
		Multiplier:     0.5,
		MaxAttempts:    0,
	}.normalized()

	assert.Equal(t, 2.0, p.Multiplier)
	assert.Equal(t, 1, p.MaxAttempts)
	assert.Equal(t, p.InitialDelay, p.MaxDelay)
	assert.Equal(t, p.InitialTimeout, p.MaxTimeout)
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	p := testProfile()
	p.InitialDelay = time.Millisecond
	p.MaxDelay = time.Millisecond

	calls := 0
	got, ok := retry(context.Background(), p, func(ctx context.Context, timeout time.Duration) (int, bool) {
		calls++
		if calls < 3 {
			return 0, false
		}
		return 42, true
	})
	require.True(t, ok)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustionIsNotAnError(t *testing.T) {
	p := testProfile()
	p.InitialDelay = time.Millisecond
	p.MaxDelay = time.Millisecond
	p.MaxAttempts = 3

	calls := 0
	_, ok := retry(context.Background(), p, func(ctx context.Context, timeout time.Duration) (int, bool) {
		calls++
		return 0, false
	})
	assert.False(t, ok)
	assert.Equal(t, 3, calls)
}

func TestRetryGrowingTimeouts(t *testing.T) {
	p := testProfile()
	p.InitialDelay = time.Millisecond
	p.MaxDelay = time.Millisecond

	var timeouts []time.Duration
	retry(context.Background(), p, func(ctx context.Context, timeout time.Duration) (struct{}, bool) {
		timeouts = append(timeouts, timeout)
		return struct{}{}, false
	})
	require.Len(t, timeouts, p.MaxAttempts)
	for i := 1; i < len(timeouts); i++ {
		assert.GreaterOrEqual(t, timeouts[i], timeouts[i-1])
	}
}

func TestRetryCancelledContext(t *testing.T) {
	p := testProfile()
	p.InitialDelay = time.Hour
	p.MaxDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, ok := retry(ctx, p, func(ctx context.Context, timeout time.Duration) (int, bool) {
			calls++
			return 0, false
		})
		assert.False(t, ok)
	}()

	// First attempt runs immediately; the second would wait an hour.
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not abort on cancel")
	}
	assert.Equal(t, 1, calls)
}
