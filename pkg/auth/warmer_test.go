package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWarmerRejectsBadSchedule(t *testing.T) {
	_, err := NewWarmer(NewTokenCache(time.Minute), "not a cron")
	assert.Error(t, err)
}

func TestWarmerNext(t *testing.T) {
	w, err := NewWarmer(NewTokenCache(time.Minute), "*/5 * * * *")
	require.NoError(t, err)

	ref := time.Date(2026, 3, 1, 10, 2, 30, 0, time.UTC)
	next, err := w.Next(ref)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC), next)
}

func TestWarmAll(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c := newTestCache(clock)
	ok := &countingFetcher{expiry: time.Hour, now: clock.Now}
	bad := &countingFetcher{err: errors.New("boom"), now: clock.Now}
	c.Register("a", ok)
	c.Register("b", bad)

	w, err := NewWarmer(c, "@hourly")
	require.NoError(t, err)

	assert.Equal(t, 1, w.WarmAll(context.Background()))
	assert.Equal(t, 1, w.WarmAll(context.Background()))
	assert.EqualValues(t, 1, ok.calls.Load())
	assert.EqualValues(t, 2, bad.calls.Load())
}
