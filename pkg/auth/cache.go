// MobaiGate - channel gateway for local AI assistants
// License: MIT
//
// Copyright (c) 2026 MobaiGate contributors

package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zhaopengme/mobaigate/pkg/errs"
	"github.com/zhaopengme/mobaigate/pkg/logger"
)

const DefaultMargin = 60 * time.Second

// refreshTimeout bounds a refresh that outlives the caller that started it.
const refreshTimeout = 30 * time.Second

// TokenCache stores one access token per channel. Reads of a valid token
// take only the read lock; refreshes are collapsed per channel so at most one
// fetch is in flight regardless of the number of callers.
type TokenCache struct {
	mu       sync.RWMutex
	entries  map[string]AccessToken
	fetchers map[string]Fetcher
	group    singleflight.Group
	margin   time.Duration
	now      func() time.Time
}

func NewTokenCache(margin time.Duration) *TokenCache {
	if margin < 0 {
		margin = DefaultMargin
	}
	return &TokenCache{
		entries:  make(map[string]AccessToken),
		fetchers: make(map[string]Fetcher),
		margin:   margin,
		now:      time.Now,
	}
}

func (c *TokenCache) Register(channelID string, f Fetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchers[channelID] = f
}

// Channels returns the registered channel ids in sorted order.
func (c *TokenCache) Channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.fetchers))
	for id := range c.fetchers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Peek returns the cached entry without refreshing, even if it is stale.
func (c *TokenCache) Peek(channelID string) (AccessToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.entries[channelID]
	return t, ok
}

// Invalidate drops the cached token so the next GetOrRefresh fetches.
func (c *TokenCache) Invalidate(channelID string) {
	c.mu.Lock()
	delete(c.entries, channelID)
	c.mu.Unlock()
	logger.DebugCF("auth", "Token invalidated", map[string]interface{}{
		"channel": channelID,
	})
}

func (c *TokenCache) GetOrRefresh(ctx context.Context, channelID string) (AccessToken, error) {
	c.mu.RLock()
	tok, ok := c.entries[channelID]
	_, registered := c.fetchers[channelID]
	c.mu.RUnlock()

	if ok && !tok.NeedsRefresh(c.now(), c.margin) {
		return tok, nil
	}
	if !registered {
		return AccessToken{}, errs.New(errs.ErrConfig, channelID, "token", errors.New("no token fetcher registered"))
	}

	ch := c.group.DoChan(channelID, func() (interface{}, error) {
		// The refresh is shared, so one caller giving up must not cancel it.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return c.refresh(fctx, channelID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return AccessToken{}, res.Err
		}
		return res.Val.(AccessToken), nil
	case <-ctx.Done():
		return AccessToken{}, errs.New(errs.ErrTransport, channelID, "token", ctx.Err())
	}
}

func (c *TokenCache) refresh(ctx context.Context, channelID string) (AccessToken, error) {
	c.mu.RLock()
	f := c.fetchers[channelID]
	cur, ok := c.entries[channelID]
	c.mu.RUnlock()

	// Another flight may have stored a fresh token between our read and now.
	if ok && !cur.NeedsRefresh(c.now(), c.margin) {
		return cur, nil
	}
	if f == nil {
		return AccessToken{}, errs.New(errs.ErrConfig, channelID, "token", errors.New("no token fetcher registered"))
	}

	start := c.now()
	ot, err := f.FetchToken(ctx)
	if err != nil {
		logger.WarnCF("auth", "Token refresh failed", map[string]interface{}{
			"channel": channelID,
			"error":   err.Error(),
		})
		if errs.KindOf(err) != nil {
			return AccessToken{}, err
		}
		return AccessToken{}, errs.New(errs.ErrTransport, channelID, "token", err)
	}
	if ot == nil || ot.AccessToken == "" {
		return AccessToken{}, errs.New(errs.ErrAuth, channelID, "token", errors.New("empty access token"))
	}

	tok := AccessToken{ChannelID: channelID, Value: ot.AccessToken, ExpiresAt: ot.Expiry}
	if tok.ExpiresAt.IsZero() {
		return AccessToken{}, errs.New(errs.ErrAuth, channelID, "token", errors.New("token has no expiry"))
	}
	if tok.IsExpired(c.now()) {
		return AccessToken{}, errs.New(errs.ErrAuth, channelID, "token",
			fmt.Errorf("token already expired at %s", tok.ExpiresAt.Format(time.RFC3339)))
	}

	c.mu.Lock()
	c.entries[channelID] = tok
	c.mu.Unlock()

	logger.InfoCF("auth", "Token refreshed", map[string]interface{}{
		"channel":    channelID,
		"expires_in": tok.ExpiresAt.Sub(start).Round(time.Second).String(),
	})
	return tok, nil
}
