package main

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffProfile holds the per-operation-class retry tuning. The delay
// between attempts grows exponentially from InitialDelay; the per-attempt
// timeout grows from InitialTimeout.
type BackoffProfile struct {
	Name           string
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	InitialTimeout time.Duration
	MaxTimeout     time.Duration
	Multiplier     float64
	MaxAttempts    int
}

// normalized clamps inconsistent bounds instead of failing: a profile from
// a bad config file should degrade, not kill the process.
func (p BackoffProfile) normalized() BackoffProfile {
	if p.Multiplier <= 1.0 {
		logger.Warn().Str("profile", p.Name).Float64("multiplier", p.Multiplier).
			Msg("backoff multiplier must exceed 1.0, using 2.0")
		p.Multiplier = 2.0
	}
	if p.MaxAttempts < 1 {
		logger.Warn().Str("profile", p.Name).Int("maxAttempts", p.MaxAttempts).
			Msg("backoff maxAttempts must be at least 1, using 1")
		p.MaxAttempts = 1
	}
	if p.MaxDelay < p.InitialDelay {
		logger.Warn().Str("profile", p.Name).
			Dur("initialDelay", p.InitialDelay).Dur("maxDelay", p.MaxDelay).
			Msg("backoff maxDelay below initialDelay, clamping")
		p.MaxDelay = p.InitialDelay
	}
	if p.MaxTimeout < p.InitialTimeout {
		logger.Warn().Str("profile", p.Name).
			Dur("initialTimeout", p.InitialTimeout).Dur("maxTimeout", p.MaxTimeout).
			Msg("backoff maxTimeout below initialTimeout, clamping")
		p.MaxTimeout = p.InitialTimeout
	}
	return p
}

// newBackOff builds the delay schedule: no wait before the first attempt,
// then InitialDelay growing by Multiplier up to MaxDelay. Randomization is
// disabled so retry timing stays deterministic per profile.
func (p BackoffProfile) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialDelay
	bo.MaxInterval = p.MaxDelay
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = 0
	return bo
}

// Timeout returns the per-attempt operation timeout for attempt n (1-based).
func (p BackoffProfile) Timeout(n int) time.Duration {
	d := time.Duration(float64(p.InitialTimeout) * math.Pow(p.Multiplier, float64(n-1)))
	if d > p.MaxTimeout || d < 0 {
		return p.MaxTimeout
	}
	return d
}

var errAttemptFailed = errors.New("attempt yielded no result")

// retry drives op under the profile: each attempt gets its computed timeout,
// and the loop stops on the first successful attempt. Exhaustion is not an
// error; the zero result is returned with ok=false. Cancelling ctx aborts
// the sequence immediately, including mid-wait.
func retry[T any](ctx context.Context, p BackoffProfile, op func(ctx context.Context, timeout time.Duration) (T, bool)) (T, bool) {
	var zero T
	if ctx.Err() != nil {
		return zero, false
	}
	attempt := 0
	operation := func() (T, error) {
		attempt++
		v, ok := op(ctx, p.Timeout(attempt))
		if !ok {
			return v, errAttemptFailed
		}
		return v, nil
	}
	v, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)))
	if err != nil {
		return zero, false
	}
	return v, true
}

// BackoffProfiles groups the tuned profiles for each operation class.
type BackoffProfiles struct {
	Init     BackoffProfile
	Battery  BackoffProfile
	Metadata BackoffProfile
	Features BackoffProfile
	Ping     BackoffProfile
	Receiver BackoffProfile
}

// defaultProfiles returns the tuning used when the config file does not
// override a class. Pings are short and aggressive; whole-device init is
// patient because sleeping devices wake slowly.
func defaultProfiles() BackoffProfiles {
	return BackoffProfiles{
		Init: BackoffProfile{
			Name:           "init",
			InitialDelay:   250 * time.Millisecond,
			MaxDelay:       4 * time.Second,
			InitialTimeout: 2 * time.Second,
			MaxTimeout:     8 * time.Second,
			Multiplier:     2.0,
			MaxAttempts:    4,
		},
		Battery: BackoffProfile{
			Name:           "battery",
			InitialDelay:   200 * time.Millisecond,
			MaxDelay:       2 * time.Second,
			InitialTimeout: 1 * time.Second,
			MaxTimeout:     4 * time.Second,
			Multiplier:     2.0,
			MaxAttempts:    3,
		},
		Metadata: BackoffProfile{
			Name:           "metadata",
			InitialDelay:   150 * time.Millisecond,
			MaxDelay:       2 * time.Second,
			InitialTimeout: 1 * time.Second,
			MaxTimeout:     4 * time.Second,
			Multiplier:     2.0,
			MaxAttempts:    3,
		},
		Features: BackoffProfile{
			Name:           "features",
			InitialDelay:   150 * time.Millisecond,
			MaxDelay:       2 * time.Second,
			InitialTimeout: 1 * time.Second,
			MaxTimeout:     3 * time.Second,
			Multiplier:     2.0,
			MaxAttempts:    3,
		},
		Ping: BackoffProfile{
			Name:           "ping",
			InitialDelay:   100 * time.Millisecond,
			MaxDelay:       500 * time.Millisecond,
			InitialTimeout: 400 * time.Millisecond,
			MaxTimeout:     1 * time.Second,
			Multiplier:     1.5,
			MaxAttempts:    2,
		},
		Receiver: BackoffProfile{
			Name:           "receiver",
			InitialDelay:   250 * time.Millisecond,
			MaxDelay:       2 * time.Second,
			InitialTimeout: 1 * time.Second,
			MaxTimeout:     4 * time.Second,
			Multiplier:     2.0,
			MaxAttempts:    3,
		},
	}
}

// normalized applies the clamping rules to every profile in the set.
func (b BackoffProfiles) normalized() BackoffProfiles {
	b.Init = b.Init.normalized()
	b.Battery = b.Battery.normalized()
	b.Metadata = b.Metadata.normalized()
	b.Features = b.Features.normalized()
	b.Ping = b.Ping.normalized()
	b.Receiver = b.Receiver.normalized()
	return b
}
