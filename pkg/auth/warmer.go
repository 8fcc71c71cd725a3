// MobaiGate - channel gateway for local AI assistants
// License: MIT
//
// Copyright (c) 2026 MobaiGate contributors

package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/zhaopengme/mobaigate/pkg/logger"
)

// Warmer refreshes every registered token on a cron schedule so request paths
// rarely pay for a fetch.
type Warmer struct {
	cache *TokenCache
	expr  string
	now   func() time.Time
}

func NewWarmer(cache *TokenCache, expr string) (*Warmer, error) {
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid token refresh schedule %q", expr)
	}
	return &Warmer{cache: cache, expr: expr, now: time.Now}, nil
}

// Next returns the first tick strictly after ref.
func (w *Warmer) Next(ref time.Time) (time.Time, error) {
	return gronx.NextTickAfter(w.expr, ref, false)
}

// WarmAll calls GetOrRefresh for every channel and returns how many failed.
// Tokens still outside the margin are returned from cache untouched.
func (w *Warmer) WarmAll(ctx context.Context) int {
	failed := 0
	for _, id := range w.cache.Channels() {
		if _, err := w.cache.GetOrRefresh(ctx, id); err != nil {
			failed++
			logger.WarnCF("auth", "Token warm-up failed", map[string]interface{}{
				"channel": id,
				"error":   err.Error(),
			})
		}
	}
	return failed
}

// Run blocks until ctx is done.
func (w *Warmer) Run(ctx context.Context) {
	logger.InfoCF("auth", "Token warmer started", map[string]interface{}{
		"schedule": w.expr,
	})
	for {
		next, err := w.Next(w.now())
		if err != nil {
			logger.ErrorCF("auth", "Token warmer stopped", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			w.WarmAll(ctx)
		}
	}
}
