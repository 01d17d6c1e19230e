// Package twitchapi contains the Twitch Helix client and OAuth helpers: app
// access tokens, per-tenant user tokens, channel/stream metadata, and EventSub
// subscription management.
package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/endpoints"
)

// AppTokenSource fetches and caches a Twitch app access (client credentials)
// token. App tokens serve public Helix reads (users, streams, channels); they
// cannot authorize websocket EventSub subscriptions, which need a user token.
type AppTokenSource struct {
	ClientID     string
	ClientSecret string
	TokenURL     string       // override for tests; defaults to the Twitch id endpoint
	HTTPClient   *http.Client // override for tests

	mu sync.Mutex
	ts oauth2.TokenSource
}

func (a *AppTokenSource) source(ctx context.Context) (oauth2.TokenSource, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ts != nil {
		return a.ts, nil
	}
	if a.ClientID == "" || a.ClientSecret == "" {
		return nil, errors.New("missing client id/secret for twitch app token")
	}
	tokenURL := a.TokenURL
	if tokenURL == "" {
		tokenURL = endpoints.Twitch.TokenURL
	}
	cfg := &clientcredentials.Config{
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		TokenURL:     tokenURL,
	}
	if a.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, a.HTTPClient)
	}
	// the oauth2 token source caches and refreshes on its own
	a.ts = cfg.TokenSource(ctx)
	return a.ts, nil
}

// Get returns a valid (fresh or cached) app access token.
func (a *AppTokenSource) Get(ctx context.Context) (string, error) {
	ts, err := a.source(ctx)
	if err != nil {
		return "", err
	}
	tok, err := ts.Token()
	if err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", errors.New("empty access_token in twitch response")
	}
	return tok.AccessToken, nil
}

// UserTokenSource yields a tenant's stored user access token. Implemented by
// the db store; fakes implement it in tests.
type UserTokenSource interface {
	UserToken(ctx context.Context, tenantID string) (string, error)
}

// StaticUserTokens is a fixed tenant→token map, used in tests and one-off tools.
type StaticUserTokens map[string]string

func (s StaticUserTokens) UserToken(_ context.Context, tenantID string) (string, error) {
	tok, ok := s[tenantID]
	if !ok || tok == "" {
		return "", errors.New("no user token for tenant " + tenantID)
	}
	return tok, nil
}
