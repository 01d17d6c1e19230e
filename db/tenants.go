package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTenantNotFound is returned when a tenant id has no row.
var ErrTenantNotFound = errors.New("tenant not found")

// Tenant is one broadcaster account. ID is the Twitch login used everywhere
// as the tenant key; TwitchUserID is the numeric id required by Helix.
type Tenant struct {
	ID           string
	TwitchUserID string
	DisplayName  string
	WebhookURL   string
	Features     []string
	Enabled      bool
}

// HasFeature reports whether the tenant has the given flag enabled.
func (t *Tenant) HasFeature(flag string) bool {
	for _, f := range t.Features {
		if f == flag {
			return true
		}
	}
	return false
}

// Store wraps the database with tenant, counter, and stream-state accessors.
// It is the concrete implementation behind the connection manager's store interface.
type Store struct {
	DB *sql.DB
}

// NewStore returns a Store over the given database handle.
func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

// GetTenant loads one tenant row. Returns ErrTenantNotFound when absent.
func (s *Store) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, COALESCE(twitch_user_id,''), COALESCE(display_name,''), COALESCE(webhook_url,''), COALESCE(features,''), enabled
		 FROM tenants WHERE id=$1`, tenantID)
	var t Tenant
	var features string
	if err := row.Scan(&t.ID, &t.TwitchUserID, &t.DisplayName, &t.WebhookURL, &features, &t.Enabled); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTenantNotFound
		}
		return nil, err
	}
	t.Features = splitFeatures(features)
	return &t, nil
}

// ListEnabledTenants returns all tenants with enabled=true.
func (s *Store) ListEnabledTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, COALESCE(twitch_user_id,''), COALESCE(display_name,''), COALESCE(webhook_url,''), COALESCE(features,''), enabled
		 FROM tenants WHERE enabled=TRUE ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Tenant
	for rows.Next() {
		var t Tenant
		var features string
		if err := rows.Scan(&t.ID, &t.TwitchUserID, &t.DisplayName, &t.WebhookURL, &features, &t.Enabled); err != nil {
			return nil, err
		}
		t.Features = splitFeatures(features)
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertTenant inserts or updates a tenant row (OAuth onboarding path).
func (s *Store) UpsertTenant(ctx context.Context, t Tenant) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO tenants (id, twitch_user_id, display_name, webhook_url, features, enabled, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,NOW())
		 ON CONFLICT (id) DO UPDATE SET
		   twitch_user_id=EXCLUDED.twitch_user_id,
		   display_name=EXCLUDED.display_name,
		   webhook_url=EXCLUDED.webhook_url,
		   features=EXCLUDED.features,
		   enabled=EXCLUDED.enabled,
		   updated_at=NOW()`,
		t.ID, t.TwitchUserID, t.DisplayName, t.WebhookURL, strings.Join(t.Features, ","), t.Enabled)
	return err
}

// HasFeature checks a single feature flag without loading the whole tenant.
func (s *Store) HasFeature(ctx context.Context, tenantID, flag string) (bool, error) {
	t, err := s.GetTenant(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return t.HasFeature(flag), nil
}

// GetLiveSession returns the persisted live flag and stream session id for a tenant.
func (s *Store) GetLiveSession(ctx context.Context, tenantID string) (bool, string, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT live, COALESCE(live_session_id,'') FROM tenants WHERE id=$1`, tenantID)
	var live bool
	var sid string
	if err := row.Scan(&live, &sid); err != nil {
		if err == sql.ErrNoRows {
			return false, "", ErrTenantNotFound
		}
		return false, "", err
	}
	return live, sid, nil
}

// SetLiveSession atomically updates the live flag and session id for a tenant.
func (s *Store) SetLiveSession(ctx context.Context, tenantID string, active bool, sessionID string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE tenants SET live=$1, live_session_id=$2, updated_at=NOW() WHERE id=$3`,
		active, sessionID, tenantID)
	if err != nil {
		return err
	}
	return requireRow(res, tenantID)
}

// GetNotifiedSessionID returns the last stream session id a notification was sent for.
func (s *Store) GetNotifiedSessionID(ctx context.Context, tenantID string) (string, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(notified_session_id,'') FROM tenants WHERE id=$1`, tenantID)
	var sid string
	if err := row.Scan(&sid); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrTenantNotFound
		}
		return "", err
	}
	return sid, nil
}

// SetNotifiedSessionID records the stream session id used for notification dedup.
func (s *Store) SetNotifiedSessionID(ctx context.Context, tenantID, sessionID string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE tenants SET notified_session_id=$1, updated_at=NOW() WHERE id=$2`,
		sessionID, tenantID)
	if err != nil {
		return err
	}
	return requireRow(res, tenantID)
}

// ResetStreamState clears both the live flag and the notification dedup record.
// Administrative escape hatch and the manual-stop path.
func (s *Store) ResetStreamState(ctx context.Context, tenantID string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE tenants SET live=FALSE, live_session_id='', notified_session_id='', updated_at=NOW() WHERE id=$1`,
		tenantID)
	if err != nil {
		return err
	}
	return requireRow(res, tenantID)
}

// UpsertTenantToken stores the tenant's Twitch user token under provider "twitch:<tenant>".
func (s *Store) UpsertTenantToken(ctx context.Context, tenantID, access, refresh string, expiry time.Time, scope string) error {
	return UpsertOAuthToken(ctx, s.DB, tenantProvider(tenantID), access, refresh, expiry, scope)
}

// GetTenantToken returns the tenant's stored Twitch user token.
func (s *Store) GetTenantToken(ctx context.Context, tenantID string) (access, refresh string, expiry time.Time, scope string, err error) {
	return GetOAuthToken(ctx, s.DB, tenantProvider(tenantID))
}

// UserToken returns the tenant's current access token, satisfying the Helix
// client's per-tenant token source.
func (s *Store) UserToken(ctx context.Context, tenantID string) (string, error) {
	access, _, _, _, err := s.GetTenantToken(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("user token for %s: %w", tenantID, err)
	}
	if access == "" {
		return "", fmt.Errorf("no user token stored for tenant %s", tenantID)
	}
	return access, nil
}

func tenantProvider(tenantID string) string { return "twitch:" + tenantID }

func splitFeatures(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func requireRow(res sql.Result, tenantID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	return nil
}
