package eventsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/tallyboard/backend/bus"
	"github.com/onnwee/tallyboard/backend/notify"
	"github.com/onnwee/tallyboard/backend/telemetry"
	"github.com/onnwee/tallyboard/backend/twitchapi"
)

// recState tracks where a tenant's session-start notification is in its
// assembly pipeline.
type recState int

const (
	recNoSession recState = iota
	recAwaitingCore
	recAwaitingAux
	recReady
	recDispatched
	recSuppressed
)

// Metadata fetches and webhook delivery run inline on the tenant's read
// loop, so every outbound call carries a deadline: a hung upstream must
// never park the read loop past these bounds.
const (
	auxFetchTimeout   = 10 * time.Second
	notifySendTimeout = 15 * time.Second
)

func (s recState) String() string {
	switch s {
	case recNoSession:
		return "no_session"
	case recAwaitingCore:
		return "awaiting_core"
	case recAwaitingAux:
		return "awaiting_aux"
	case recReady:
		return "ready"
	case recDispatched:
		return "dispatched"
	case recSuppressed:
		return "suppressed"
	default:
		return "unknown"
	}
}

// PendingNotification is the notification being assembled for the current
// broadcast session. Core fields come from the stream.online event itself;
// aux fields come from a follow-up channel metadata fetch and fall back to
// configured defaults when that fetch fails.
type PendingNotification struct {
	SessionID    string
	StartedAt    time.Time
	Title        string
	Category     string
	ThumbnailURL string
	ViewerCount  int
	HasAuxData   bool
	CreatedAt    time.Time
}

// reconciler assembles and dispatches at most one session-start
// notification per broadcast session for a single tenant. Dedup is keyed on
// the upstream session id and persisted, so it survives process restarts
// and mid-stream reconnects.
type reconciler struct {
	tenantID        string
	store           Store
	helix           HelixAPI
	notifier        Notifier
	pub             Publisher
	defaultTitle    string
	defaultCategory string
	auxRetryDelay   time.Duration

	mu      sync.Mutex
	state   recState
	pending *PendingNotification
}

func newReconciler(tenantID string, store Store, helix HelixAPI, notifier Notifier, pub Publisher, defaultTitle, defaultCategory string) *reconciler {
	return &reconciler{
		tenantID:        tenantID,
		store:           store,
		helix:           helix,
		notifier:        notifier,
		pub:             pub,
		defaultTitle:    defaultTitle,
		defaultCategory: defaultCategory,
		auxRetryDelay:   time.Second,
	}
}

func (r *reconciler) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.String()
}

// OnStreamOnline handles a stream.online event. The dedup check runs before
// any metadata work so a reconnect replay costs nothing.
func (r *reconciler) OnStreamOnline(ctx context.Context, ev StreamOnlineEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	notified, err := r.store.GetNotifiedSessionID(ctx, r.tenantID)
	if err != nil {
		return fmt.Errorf("dedup lookup: %w", err)
	}
	if ev.ID != "" && notified == ev.ID {
		r.state = recSuppressed
		telemetry.NotificationsSuppressed.Inc()
		slog.Info("notify: duplicate session start suppressed",
			"tenant_id", r.tenantID, "session_id", ev.ID)
		return nil
	}

	// the live flag is recorded regardless of whether the notification
	// ends up dispatched or suppressed later
	if err := r.store.SetLiveSession(ctx, r.tenantID, true, ev.ID); err != nil {
		slog.Warn("notify: live flag persist failed", "tenant_id", r.tenantID, "error", err)
	}

	r.state = recAwaitingCore
	r.pending = &PendingNotification{
		SessionID: ev.ID,
		StartedAt: ev.StartedAt,
		CreatedAt: time.Now(),
	}
	r.state = recAwaitingAux
	r.publishStatus("pending")

	tenant, err := r.store.GetTenant(ctx, r.tenantID)
	if err != nil {
		r.pending = nil
		r.state = recNoSession
		return fmt.Errorf("load tenant: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, auxFetchTimeout)
	info, err := r.fetchChannelInfo(fetchCtx, tenant.TwitchUserID)
	if err != nil {
		slog.Warn("notify: channel metadata unavailable, using defaults",
			"tenant_id", r.tenantID, "error", err)
		r.pending.Title = r.defaultTitle
		r.pending.Category = r.defaultCategory
	} else {
		r.pending.Title = info.Title
		r.pending.Category = info.Category
		r.pending.HasAuxData = true
	}

	// thumbnail and viewer count are cosmetic; one best-effort fetch
	if s, serr := r.helix.GetStream(fetchCtx, tenant.TwitchUserID); serr == nil && s != nil {
		r.pending.ThumbnailURL = s.ThumbnailURL
		r.pending.ViewerCount = s.ViewerCount
	}
	cancel()

	r.state = recReady
	return r.dispatchLocked(ctx, tenant.WebhookURL)
}

// OnStreamOffline clears the live flag and drops any half-assembled
// notification. The dedup id is kept: a new broadcast gets a new session id
// anyway, and keeping it guards against an offline/online flap replaying
// the old one.
func (r *reconciler) OnStreamOffline(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.SetLiveSession(ctx, r.tenantID, false, ""); err != nil {
		slog.Warn("notify: live flag clear failed", "tenant_id", r.tenantID, "error", err)
	}
	r.pending = nil
	r.state = recNoSession
	r.publishStatus("offline")
}

// fetchChannelInfo tries the channel metadata endpoint with a single
// retry. Any error here downgrades the notification to defaults rather
// than blocking it.
func (r *reconciler) fetchChannelInfo(ctx context.Context, broadcasterID string) (*twitchapi.ChannelInfo, error) {
	var info *twitchapi.ChannelInfo
	err := retryWithBackoff(ctx, 2, r.auxRetryDelay, func(error) bool { return true }, func() error {
		ci, err := r.helix.GetChannelInfo(ctx, broadcasterID)
		if err != nil {
			return err
		}
		info = ci
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// dispatchLocked sends the pending notification and persists the dedup id
// on success. Callers hold r.mu.
func (r *reconciler) dispatchLocked(ctx context.Context, webhookURL string) error {
	p := r.pending
	n := notify.Notification{
		Kind:         notify.KindSessionStart,
		TenantID:     r.tenantID,
		SessionID:    p.SessionID,
		Title:        p.Title,
		Category:     p.Category,
		StartedAt:    p.StartedAt,
		ThumbnailURL: p.ThumbnailURL,
		ViewerCount:  p.ViewerCount,
	}
	sendCtx, cancel := context.WithTimeout(ctx, notifySendTimeout)
	defer cancel()
	var sendErr error
	telemetry.TimeFunc(telemetry.NotifyDuration, func() {
		sendErr = r.notifier.Send(sendCtx, webhookURL, n)
	})
	if sendErr != nil {
		telemetry.NotificationsFailed.Inc()
		slog.Error("notify: dispatch failed",
			"tenant_id", r.tenantID, "session_id", p.SessionID, "error", sendErr)
		r.publishStatus("failed")
		// dedup id deliberately not persisted: a later reconnect may
		// retry and the per-session at-most-once bound still holds
		r.pending = nil
		r.state = recNoSession
		return sendErr
	}
	telemetry.NotificationsSent.Inc()
	if err := r.store.SetNotifiedSessionID(ctx, r.tenantID, p.SessionID); err != nil {
		slog.Warn("notify: dedup persist failed", "tenant_id", r.tenantID, "error", err)
	}
	slog.Info("notify: session start dispatched",
		"tenant_id", r.tenantID, "session_id", p.SessionID, "title", n.Title, "category", n.Category)
	r.publishStatus("sent")
	r.pending = nil
	r.state = recDispatched
	return nil
}

func (r *reconciler) publishStatus(status string) {
	r.pub.Publish(r.tenantID, bus.Event{
		Type:     bus.TypeSessionStatus,
		TenantID: r.tenantID,
		Data:     map[string]any{"status": status},
	})
}
