package eventsub

import (
	"context"

	"github.com/onnwee/tallyboard/backend/bus"
	"github.com/onnwee/tallyboard/backend/db"
	"github.com/onnwee/tallyboard/backend/notify"
	"github.com/onnwee/tallyboard/backend/twitchapi"
)

// Store is the slice of tenant persistence the registry needs.
// *db.Store satisfies it.
type Store interface {
	GetTenant(ctx context.Context, tenantID string) (*db.Tenant, error)
	SetLiveSession(ctx context.Context, tenantID string, live bool, sessionID string) error
	GetNotifiedSessionID(ctx context.Context, tenantID string) (string, error)
	SetNotifiedSessionID(ctx context.Context, tenantID, sessionID string) error
	ResetStreamState(ctx context.Context, tenantID string) error
	IncrementCounter(ctx context.Context, tenantID, name string, delta int64) (int64, error)
}

// HelixAPI is the subset of the Helix client used for provisioning and
// metadata fetches. *twitchapi.HelixClient satisfies it.
type HelixAPI interface {
	CreateEventSubSubscription(ctx context.Context, tenantID string, req twitchapi.SubscriptionRequest) (*twitchapi.Subscription, error)
	DeleteEventSubSubscription(ctx context.Context, tenantID, subscriptionID string) error
	ListEventSubSubscriptions(ctx context.Context, tenantID string) (*twitchapi.SubscriptionList, error)
	GetChannelInfo(ctx context.Context, broadcasterID string) (*twitchapi.ChannelInfo, error)
	GetStream(ctx context.Context, userID string) (*twitchapi.Stream, error)
}

// Notifier delivers assembled notifications. *notify.WebhookSender
// satisfies it.
type Notifier interface {
	Send(ctx context.Context, webhookURL string, n notify.Notification) error
}

// Publisher fans events out to connected overlay clients. *bus.Bus
// satisfies it.
type Publisher interface {
	Publish(room string, ev bus.Event)
}

var (
	_ Store     = (*db.Store)(nil)
	_ HelixAPI  = (*twitchapi.HelixClient)(nil)
	_ Notifier  = (*notify.WebhookSender)(nil)
	_ Publisher = (*bus.Bus)(nil)
)
