// Package oauth provides token refresh scheduling for the per-tenant Twitch
// user tokens persisted in the oauth_tokens table (provider "twitch:<tenant>").
// It performs jittered sweeps and refreshes any token whose expiry falls
// within a configured window.
package oauth

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/onnwee/tallyboard/backend/db"
	"github.com/onnwee/tallyboard/backend/twitchapi"
	"golang.org/x/oauth2"
)

// RefreshFunc performs provider-specific refresh and returns (access, refresh, expiry, scope).
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// TwitchRefresher adapts the Twitch OAuth refresh grant to a RefreshFunc.
func TwitchRefresher(cfg *oauth2.Config) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		tok, err := twitchapi.RefreshUserToken(ctx, cfg, refreshToken)
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		return tok.AccessToken, tok.RefreshToken, tok.Expiry, "", nil
	}
}

// StartRefresher launches a goroutine that periodically sweeps tenant token
// rows and refreshes any that expire within the window.
// interval: how often to wake up and sweep.
// window: refresh when remaining lifetime <= window.
func StartRefresher(ctx context.Context, dbc *sql.DB, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Add per-iteration jitter (±20% of interval) for scheduling diversity.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			Sweep(ctx, dbc, window, fn)
		}
	}()
}

// Sweep refreshes every tenant token row inside the expiry window. Token
// columns may be encrypted at rest, so reads and writes go through the db
// helpers rather than touching the columns directly.
func Sweep(ctx context.Context, dbc *sql.DB, window time.Duration, fn RefreshFunc) {
	rows, err := dbc.QueryContext(ctx,
		`SELECT provider FROM oauth_tokens WHERE provider LIKE 'twitch:%' AND expires_at <= NOW() + make_interval(secs => $1)`,
		window.Seconds())
	if err != nil {
		slog.Warn("token sweep query failed", slog.Any("err", err))
		return
	}
	var providers []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err == nil {
			providers = append(providers, p)
		}
	}
	rows.Close()

	for _, provider := range providers {
		if ctx.Err() != nil {
			return
		}
		refreshOne(ctx, dbc, provider, fn)
	}
}

func refreshOne(ctx context.Context, dbc *sql.DB, provider string, fn RefreshFunc) {
	_, rt, _, scope, err := db.GetOAuthToken(ctx, dbc, provider)
	if err != nil {
		slog.Warn("token read failed", slog.String("provider", provider), slog.Any("err", err))
		return
	}
	if rt == "" {
		return
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	newAT, newRT, newExp, newScope, err := fn(ctx2, rt)
	cancel()
	if err != nil {
		slog.Warn("token refresh failed", slog.String("provider", provider), slog.Any("err", err))
		return
	}
	if newRT == "" {
		newRT = rt
	}
	if newScope == "" {
		newScope = scope
	}
	if err := db.UpsertOAuthToken(ctx, dbc, provider, newAT, newRT, newExp, strings.TrimSpace(newScope)); err != nil {
		slog.Warn("token persist failed", slog.String("provider", provider), slog.Any("err", err))
		return
	}
	slog.Info("token refreshed", slog.String("provider", provider))
}
