package eventsub

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/onnwee/tallyboard/backend/bus"
	"github.com/onnwee/tallyboard/backend/telemetry"
)

// handleNotification routes a decoded notification frame. Stream lifecycle
// events go through the reconciler; the feature-gated kinds fan out to the
// overlay bus, with cheers additionally feeding the persistent bits
// counter.
func (r *Registry) handleNotification(ctx context.Context, c *tenantConn, msg *Message) {
	tenantID := c.tenantID
	switch msg.SubscriptionType {
	case KindStreamOnline:
		var ev StreamOnlineEvent
		if err := json.Unmarshal(msg.Event, &ev); err != nil {
			slog.Warn("eventsub: bad stream.online payload", "tenant_id", tenantID, "error", err)
			return
		}
		if err := c.rec.OnStreamOnline(ctx, ev); err != nil {
			slog.Error("eventsub: stream online handling failed",
				"tenant_id", tenantID, "session_id", ev.ID, "error", err)
		}

	case KindStreamOffline:
		c.rec.OnStreamOffline(ctx)

	case KindFollow:
		var ev FollowEvent
		if err := json.Unmarshal(msg.Event, &ev); err != nil {
			slog.Warn("eventsub: bad follow payload", "tenant_id", tenantID, "error", err)
			return
		}
		r.pub.Publish(tenantID, bus.Event{
			Type:     bus.TypeNewFollower,
			TenantID: tenantID,
			Data:     map[string]any{"user_name": ev.UserName},
		})

	case KindSubscribe:
		var ev SubscribeEvent
		if err := json.Unmarshal(msg.Event, &ev); err != nil {
			slog.Warn("eventsub: bad subscribe payload", "tenant_id", tenantID, "error", err)
			return
		}
		// gifted subs arrive again via channel.subscription.gift
		if ev.IsGift {
			return
		}
		r.pub.Publish(tenantID, bus.Event{
			Type:     bus.TypeNewSub,
			TenantID: tenantID,
			Data:     map[string]any{"user_name": ev.UserName, "tier": ev.Tier},
		})

	case KindSubGift:
		var ev SubGiftEvent
		if err := json.Unmarshal(msg.Event, &ev); err != nil {
			slog.Warn("eventsub: bad gift payload", "tenant_id", tenantID, "error", err)
			return
		}
		r.pub.Publish(tenantID, bus.Event{
			Type:     bus.TypeGiftSub,
			TenantID: tenantID,
			Data:     map[string]any{"user_name": ev.UserName, "tier": ev.Tier, "total": ev.Total},
		})

	case KindCheer:
		var ev CheerEvent
		if err := json.Unmarshal(msg.Event, &ev); err != nil {
			slog.Warn("eventsub: bad cheer payload", "tenant_id", tenantID, "error", err)
			return
		}
		name := ev.UserName
		if ev.IsAnonymous {
			name = "anonymous"
		}
		value, err := r.store.IncrementCounter(ctx, tenantID, "bits", int64(ev.Bits))
		if err != nil {
			slog.Warn("eventsub: bits counter update failed", "tenant_id", tenantID, "error", err)
		} else {
			telemetry.CounterIncrements.Inc()
			r.pub.Publish(tenantID, bus.Event{
				Type:     bus.TypeCounterUpdate,
				TenantID: tenantID,
				Data:     map[string]any{"name": "bits", "value": value},
			})
		}
		r.pub.Publish(tenantID, bus.Event{
			Type:     bus.TypeCheer,
			TenantID: tenantID,
			Data:     map[string]any{"user_name": name, "bits": ev.Bits, "message": ev.Message},
		})

	case KindRedemption:
		var ev RedemptionEvent
		if err := json.Unmarshal(msg.Event, &ev); err != nil {
			slog.Warn("eventsub: bad redemption payload", "tenant_id", tenantID, "error", err)
			return
		}
		r.pub.Publish(tenantID, bus.Event{
			Type:     bus.TypeRedemption,
			TenantID: tenantID,
			Data: map[string]any{
				"user_name": ev.UserName,
				"reward":    ev.Reward.Title,
				"cost":      ev.Reward.Cost,
				"input":     ev.UserInput,
			},
		})

	default:
		slog.Debug("eventsub: unhandled notification kind",
			"tenant_id", tenantID, "type", msg.SubscriptionType)
	}
}
