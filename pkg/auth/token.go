// MobaiGate - channel gateway for local AI assistants
// License: MIT
//
// Copyright (c) 2026 MobaiGate contributors

package auth

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// AccessToken is a platform access token owned by one channel.
type AccessToken struct {
	ChannelID string
	Value     string
	ExpiresAt time.Time
}

func (t AccessToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// NeedsRefresh reports whether the token expires within margin of now.
func (t AccessToken) NeedsRefresh(now time.Time, margin time.Duration) bool {
	return !t.ExpiresAt.Add(-margin).After(now)
}

// Fetcher performs one network round trip to obtain a new token.
type Fetcher interface {
	FetchToken(ctx context.Context) (*oauth2.Token, error)
}

type FetcherFunc func(ctx context.Context) (*oauth2.Token, error)

func (f FetcherFunc) FetchToken(ctx context.Context) (*oauth2.Token, error) {
	return f(ctx)
}

// ExpiresIn turns a platform's "expires_in" seconds into an oauth2 token.
func ExpiresIn(value string, seconds int64, now time.Time) *oauth2.Token {
	return &oauth2.Token{
		AccessToken: value,
		TokenType:   "Bearer",
		ExpiresIn:   seconds,
		Expiry:      now.Add(time.Duration(seconds) * time.Second),
	}
}
