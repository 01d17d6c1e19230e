package eventsub

import (
	"encoding/json"
	"fmt"
	"time"
)

// Websocket frame types as reported in metadata.message_type.
const (
	MessageWelcome      = "session_welcome"
	MessageKeepalive    = "session_keepalive"
	MessageNotification = "notification"
	MessageReconnect    = "session_reconnect"
	MessageRevocation   = "revocation"
)

// Subscription kinds. The stream lifecycle pair is always provisioned;
// the rest are gated by tenant feature flags.
const (
	KindStreamOnline  = "stream.online"
	KindStreamOffline = "stream.offline"
	KindFollow        = "channel.follow"
	KindSubscribe     = "channel.subscribe"
	KindSubGift       = "channel.subscription.gift"
	KindCheer         = "channel.cheer"
	KindRedemption    = "channel.channel_points_custom_reward_redemption.add"
)

// Message is a decoded EventSub websocket frame, flattened from the
// metadata/payload envelope to what the read loop actually needs.
type Message struct {
	Type             string
	SessionID        string
	KeepaliveSeconds int
	ReconnectURL     string
	SubscriptionID   string
	SubscriptionType string
	Event            json.RawMessage
}

func decodeMessage(raw []byte) (*Message, error) {
	var env struct {
		Metadata struct {
			MessageType      string `json:"message_type"`
			SubscriptionType string `json:"subscription_type"`
		} `json:"metadata"`
		Payload struct {
			Session *struct {
				ID                      string `json:"id"`
				KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
				ReconnectURL            string `json:"reconnect_url"`
			} `json:"session"`
			Subscription *struct {
				ID   string `json:"id"`
				Type string `json:"type"`
			} `json:"subscription"`
			Event json.RawMessage `json:"event"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode eventsub frame: %w", err)
	}
	if env.Metadata.MessageType == "" {
		return nil, fmt.Errorf("eventsub frame missing message_type")
	}
	msg := &Message{Type: env.Metadata.MessageType, Event: env.Payload.Event}
	if s := env.Payload.Session; s != nil {
		msg.SessionID = s.ID
		msg.KeepaliveSeconds = s.KeepaliveTimeoutSeconds
		msg.ReconnectURL = s.ReconnectURL
	}
	if sub := env.Payload.Subscription; sub != nil {
		msg.SubscriptionID = sub.ID
		msg.SubscriptionType = sub.Type
	}
	if msg.SubscriptionType == "" {
		msg.SubscriptionType = env.Metadata.SubscriptionType
	}
	return msg, nil
}

// StreamOnlineEvent is the payload of a stream.online notification. ID is
// the upstream broadcast session id used for notification dedup.
type StreamOnlineEvent struct {
	ID                string    `json:"id"`
	BroadcasterUserID string    `json:"broadcaster_user_id"`
	BroadcasterLogin  string    `json:"broadcaster_user_login"`
	Type              string    `json:"type"`
	StartedAt         time.Time `json:"started_at"`
}

type FollowEvent struct {
	UserName string `json:"user_name"`
}

type SubscribeEvent struct {
	UserName string `json:"user_name"`
	Tier     string `json:"tier"`
	IsGift   bool   `json:"is_gift"`
}

type SubGiftEvent struct {
	UserName string `json:"user_name"`
	Tier     string `json:"tier"`
	Total    int    `json:"total"`
}

type CheerEvent struct {
	UserName    string `json:"user_name"`
	Bits        int    `json:"bits"`
	Message     string `json:"message"`
	IsAnonymous bool   `json:"is_anonymous"`
}

type RedemptionEvent struct {
	UserName  string `json:"user_name"`
	UserInput string `json:"user_input"`
	Reward    struct {
		Title string `json:"title"`
		Cost  int    `json:"cost"`
	} `json:"reward"`
}
