// Package bus is the in-process publish/subscribe fan-out that feeds overlay
// clients. Events are keyed by tenant room; a slow subscriber drops events
// rather than blocking publishers or the inbound event stream.
package bus

import (
	"log/slog"
	"sync"
)

// Event is one message published to a tenant room.
type Event struct {
	Type     string         `json:"type"`
	TenantID string         `json:"tenant_id"`
	Data     map[string]any `json:"data,omitempty"`
}

// Well-known event types published to overlay clients.
const (
	TypeSessionStatus = "sessionStatusChanged"
	TypeCounterUpdate = "counterUpdate"
	TypeNewFollower   = "newFollower"
	TypeNewSub        = "newSubscription"
	TypeGiftSub       = "giftSubscription"
	TypeCheer         = "cheer"
	TypeRedemption    = "channelPointRedemption"
)

const subscriberBuffer = 16

// Bus fans events out to per-room subscribers.
type Bus struct {
	mu    sync.RWMutex
	rooms map[string]map[chan Event]struct{}
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{rooms: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers a consumer for one room. The returned cancel function
// must be called to release the subscription; the channel is closed by it.
func (b *Bus) Subscribe(room string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	subs, ok := b.rooms[room]
	if !ok {
		subs = make(map[chan Event]struct{})
		b.rooms[room] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if subs, ok := b.rooms[room]; ok {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.rooms, room)
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of the room. Full subscriber
// buffers are skipped.
func (b *Bus) Publish(room string, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.rooms[room] {
		select {
		case ch <- ev:
		default:
			slog.Debug("bus: dropping event for slow subscriber", slog.String("room", room), slog.String("type", ev.Type))
		}
	}
}

// SubscriberCount returns the number of active subscribers for a room.
func (b *Bus) SubscriberCount(room string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[room])
}
