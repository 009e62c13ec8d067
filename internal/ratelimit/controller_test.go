package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func TestRecordLimited_ExponentialBackoff(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	c := New(Config{InitialWait: 100 * time.Millisecond, MaxWait: time.Second, BackoffMultiplier: 2, MaxRaises: 5})
	c.setNow(clock.now)

	c.RecordLimited("binance")
	w := c.windows["binance"]
	assert.Equal(t, 100*time.Millisecond, w.waitUntil.Sub(clock.t))

	c.RecordLimited("binance")
	w = c.windows["binance"]
	assert.Equal(t, 200*time.Millisecond, w.waitUntil.Sub(clock.t))

	c.RecordLimited("binance")
	w = c.windows["binance"]
	assert.Equal(t, 400*time.Millisecond, w.waitUntil.Sub(clock.t))
}

func TestRecordLimited_CapsAtMaxWait(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	c := New(Config{InitialWait: time.Second, MaxWait: 5 * time.Second, BackoffMultiplier: 2, MaxRaises: 10})
	c.setNow(clock.now)

	for i := 0; i < 6; i++ {
		c.RecordLimited("binance")
	}
	w := c.windows["binance"]
	assert.Equal(t, 5*time.Second, w.waitUntil.Sub(clock.t))
}

func TestIsLimited_TrueUntilWaitUntilThenFalse(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	c := New(DefaultConfig())
	c.setNow(clock.now)

	c.RecordLimited("binance")
	assert.True(t, c.IsLimited("binance"))

	clock.advance(2 * time.Second)
	assert.False(t, c.IsLimited("binance"), "should clear itself once waitUntil has passed, without explicit Clear")
}

func TestClear_DoesNotShortenWaitUntil(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	c := New(Config{InitialWait: 5 * time.Second, MaxWait: 30 * time.Second, BackoffMultiplier: 2, MaxRaises: 5})
	c.setNow(clock.now)

	c.RecordLimited("binance")
	require.True(t, c.IsLimited("binance"))

	c.Clear("binance")
	assert.True(t, c.IsLimited("binance"), "Clear must not shorten an already-started window")
	assert.Equal(t, 0, c.ConsecutiveErrors("binance"))
}

func TestWaitIfLimited_WaitsThenReturns(t *testing.T) {
	c := New(Config{InitialWait: 30 * time.Millisecond, MaxWait: time.Second, BackoffMultiplier: 2, MaxRaises: 5})
	c.RecordLimited("binance")

	start := time.Now()
	err := c.WaitIfLimited(context.Background(), "binance")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestWaitIfLimited_ContextCanceled(t *testing.T) {
	c := New(Config{InitialWait: time.Second, MaxWait: 5 * time.Second, BackoffMultiplier: 2, MaxRaises: 5})
	c.RecordLimited("binance")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := c.WaitIfLimited(ctx, "binance")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
