package eventsub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/tallyboard/backend/db"
	"github.com/onnwee/tallyboard/backend/telemetry"
	"github.com/onnwee/tallyboard/backend/twitchapi"
)

// kindSpec describes one subscription kind: its Helix version, the feature
// flag that gates it (empty means always provisioned), and how to build the
// condition for a tenant.
type kindSpec struct {
	kind      string
	version   string
	feature   string
	condition func(broadcasterID string) map[string]string
}

func broadcasterOnly(id string) map[string]string {
	return map[string]string{"broadcaster_user_id": id}
}

// channel.follow v2 additionally requires a moderator; the broadcaster
// moderates their own channel.
func broadcasterAsModerator(id string) map[string]string {
	return map[string]string{"broadcaster_user_id": id, "moderator_user_id": id}
}

var coreKinds = []kindSpec{
	{kind: KindStreamOnline, version: "1", condition: broadcasterOnly},
	{kind: KindStreamOffline, version: "1", condition: broadcasterOnly},
}

var gatedKinds = []kindSpec{
	{kind: KindFollow, version: "2", feature: "alerts", condition: broadcasterAsModerator},
	{kind: KindSubscribe, version: "1", feature: "alerts", condition: broadcasterOnly},
	{kind: KindSubGift, version: "1", feature: "alerts", condition: broadcasterOnly},
	{kind: KindCheer, version: "1", feature: "bits", condition: broadcasterOnly},
	{kind: KindRedemption, version: "1", feature: "channel_points", condition: broadcasterOnly},
}

// provisioner creates a tenant's subscription set on a fresh session,
// sweeping any stale handles left by a previous session first.
type provisioner struct {
	helix       HelixAPI
	attempts    int
	backoff     time.Duration
	interDelete time.Duration
}

// cleanupStale lists the tenant's existing subscriptions and deletes them
// one by one, pausing between deletes to stay under per-request limits.
// Individual delete failures are logged, not fatal; a re-list afterwards
// confirms the subscription ceiling was actually freed.
func (p *provisioner) cleanupStale(ctx context.Context, tenantID string) error {
	list, err := p.helix.ListEventSubSubscriptions(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	if len(list.Subscriptions) == 0 {
		return nil
	}
	slog.Info("eventsub: sweeping stale subscriptions",
		"tenant_id", tenantID, "count", len(list.Subscriptions), "total_cost", list.TotalCost)
	for _, sub := range list.Subscriptions {
		if err := p.helix.DeleteEventSubSubscription(ctx, tenantID, sub.ID); err != nil {
			slog.Warn("eventsub: stale subscription delete failed",
				"tenant_id", tenantID, "subscription_id", sub.ID, "type", sub.Type, "error", err)
		}
		if !sleepCtx(ctx, p.interDelete) {
			return ctx.Err()
		}
	}
	verify, err := p.helix.ListEventSubSubscriptions(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("verify cleanup: %w", err)
	}
	if len(verify.Subscriptions) > 0 {
		slog.Warn("eventsub: stale subscriptions remain after sweep",
			"tenant_id", tenantID, "remaining", len(verify.Subscriptions), "total_cost", verify.TotalCost)
	}
	return nil
}

// createWithRetry creates one subscription, retrying only on upstream rate
// limiting with exponential backoff.
func (p *provisioner) createWithRetry(ctx context.Context, tenantID string, req twitchapi.SubscriptionRequest) (*twitchapi.Subscription, error) {
	var sub *twitchapi.Subscription
	err := retryWithBackoff(ctx, p.attempts, p.backoff, twitchapi.IsRateLimit, func() error {
		s, err := p.helix.CreateEventSubSubscription(ctx, tenantID, req)
		if err != nil {
			if twitchapi.IsRateLimit(err) {
				telemetry.SubscriptionRetries.Inc()
				slog.Warn("eventsub: subscription create rate limited",
					"tenant_id", tenantID, "type", req.Type)
			}
			return err
		}
		sub = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// provision runs the full sequence for a fresh session: cleanup, then the
// stream lifecycle pair (required), then the tenant's feature-gated kinds
// (best effort). Returns kind -> upstream subscription id.
func (p *provisioner) provision(ctx context.Context, tenant *db.Tenant, sessionID string) (map[string]string, error) {
	if err := p.cleanupStale(ctx, tenant.ID); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(coreKinds))
	for _, spec := range coreKinds {
		sub, err := p.createWithRetry(ctx, tenant.ID, twitchapi.SubscriptionRequest{
			Type:      spec.kind,
			Version:   spec.version,
			Condition: spec.condition(tenant.TwitchUserID),
			SessionID: sessionID,
		})
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", spec.kind, err)
		}
		out[spec.kind] = sub.ID
		telemetry.SubscriptionsCreated.Inc()
	}
	for _, spec := range gatedKinds {
		if !tenant.HasFeature(spec.feature) {
			continue
		}
		sub, err := p.createWithRetry(ctx, tenant.ID, twitchapi.SubscriptionRequest{
			Type:      spec.kind,
			Version:   spec.version,
			Condition: spec.condition(tenant.TwitchUserID),
			SessionID: sessionID,
		})
		if err != nil {
			// optional kinds must not block the session coming up
			slog.Warn("eventsub: optional subscription skipped",
				"tenant_id", tenant.ID, "type", spec.kind, "error", err)
			continue
		}
		out[spec.kind] = sub.ID
		telemetry.SubscriptionsCreated.Inc()
	}
	slog.Info("eventsub: subscriptions provisioned",
		"tenant_id", tenant.ID, "session_id", sessionID, "count", len(out))
	return out, nil
}
