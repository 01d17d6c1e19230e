package eventsub

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/tallyboard/backend/bus"
	"github.com/onnwee/tallyboard/backend/twitchapi"
)

func newTestReconciler(store *fakeStore, helix *fakeHelix, notifier *fakeNotifier) *reconciler {
	r := newReconciler("t1", store, helix, notifier, bus.New(), "Live now", "Unknown")
	r.auxRetryDelay = time.Millisecond
	return r
}

func TestOnStreamOnlineDispatchesWithMetadata(t *testing.T) {
	store := newFakeStore(testTenant("t1"))
	helix := &fakeHelix{
		channelInfo: &twitchapi.ChannelInfo{Title: "Speedrun Sunday", Category: "Celeste"},
		stream:      &twitchapi.Stream{ViewerCount: 42, ThumbnailURL: "https://thumb.example.com/1.jpg"},
	}
	notifier := &fakeNotifier{}
	rec := newTestReconciler(store, helix, notifier)

	started := time.Date(2026, 9, 1, 18, 0, 0, 0, time.UTC)
	err := rec.OnStreamOnline(context.Background(), StreamOnlineEvent{ID: "abc123", StartedAt: started})
	if err != nil {
		t.Fatalf("OnStreamOnline: %v", err)
	}
	n, ok := notifier.lastSent()
	if !ok {
		t.Fatal("no notification dispatched")
	}
	if n.Title != "Speedrun Sunday" || n.Category != "Celeste" {
		t.Fatalf("notification carried %q/%q, want fetched metadata", n.Title, n.Category)
	}
	if n.SessionID != "abc123" || !n.StartedAt.Equal(started) {
		t.Fatalf("core fields wrong: %+v", n)
	}
	if n.ViewerCount != 42 {
		t.Fatalf("viewer count = %d, want 42", n.ViewerCount)
	}
	if store.notifiedID("t1") != "abc123" {
		t.Fatal("dedup id not persisted after dispatch")
	}
	if !store.isLive("t1") {
		t.Fatal("live flag not set")
	}
	if rec.State() != "dispatched" {
		t.Fatalf("state = %s, want dispatched", rec.State())
	}
}

func TestOnStreamOnlineBoundsOutboundCalls(t *testing.T) {
	store := newFakeStore(testTenant("t1"))
	helix := &fakeHelix{
		channelInfo: &twitchapi.ChannelInfo{Title: "Speedrun Sunday", Category: "Celeste"},
	}
	notifier := &fakeNotifier{}
	rec := newTestReconciler(store, helix, notifier)

	// the caller's context has no deadline; the reconciler must add one
	// before any metadata fetch or webhook send
	err := rec.OnStreamOnline(context.Background(), StreamOnlineEvent{ID: "abc123"})
	if err != nil {
		t.Fatalf("OnStreamOnline: %v", err)
	}

	helix.mu.Lock()
	deadlines := append([]bool(nil), helix.channelDeadlines...)
	helix.mu.Unlock()
	if len(deadlines) == 0 {
		t.Fatal("channel metadata never fetched")
	}
	for i, ok := range deadlines {
		if !ok {
			t.Fatalf("metadata fetch %d ran without a deadline", i)
		}
	}

	notifier.mu.Lock()
	sendDeadlines := append([]bool(nil), notifier.deadlines...)
	notifier.mu.Unlock()
	if len(sendDeadlines) != 1 || !sendDeadlines[0] {
		t.Fatalf("webhook send deadlines = %v, want one bounded send", sendDeadlines)
	}
}

func TestOnStreamOnlineSuppressesDuplicateSession(t *testing.T) {
	store := newFakeStore(testTenant("t1"))
	store.notified["t1"] = "abc123"
	helix := &fakeHelix{channelInfo: &twitchapi.ChannelInfo{Title: "ignored"}}
	notifier := &fakeNotifier{}
	rec := newTestReconciler(store, helix, notifier)

	err := rec.OnStreamOnline(context.Background(), StreamOnlineEvent{ID: "abc123"})
	if err != nil {
		t.Fatalf("OnStreamOnline: %v", err)
	}
	if notifier.sentCount() != 0 {
		t.Fatal("duplicate session must not notify")
	}
	// dedup fires before any metadata work
	if helix.channelCalls != 0 {
		t.Fatalf("channelCalls = %d, want 0", helix.channelCalls)
	}
	if rec.State() != "suppressed" {
		t.Fatalf("state = %s, want suppressed", rec.State())
	}
}

func TestOnStreamOnlineNewSessionAfterOldDedup(t *testing.T) {
	store := newFakeStore(testTenant("t1"))
	store.notified["t1"] = "abc123"
	helix := &fakeHelix{channelInfo: &twitchapi.ChannelInfo{Title: "Back again", Category: "Just Chatting"}}
	notifier := &fakeNotifier{}
	rec := newTestReconciler(store, helix, notifier)

	if err := rec.OnStreamOnline(context.Background(), StreamOnlineEvent{ID: "def456"}); err != nil {
		t.Fatalf("OnStreamOnline: %v", err)
	}
	if notifier.sentCount() != 1 {
		t.Fatal("a new session id must notify")
	}
	if store.notifiedID("t1") != "def456" {
		t.Fatal("dedup id should advance to the new session")
	}
}

func TestOnStreamOnlineFallsBackToDefaults(t *testing.T) {
	store := newFakeStore(testTenant("t1"))
	helix := &fakeHelix{channelFails: 10} // every fetch fails
	notifier := &fakeNotifier{}
	rec := newTestReconciler(store, helix, notifier)

	if err := rec.OnStreamOnline(context.Background(), StreamOnlineEvent{ID: "abc123"}); err != nil {
		t.Fatalf("OnStreamOnline: %v", err)
	}
	n, ok := notifier.lastSent()
	if !ok {
		t.Fatal("notification must still go out with defaults")
	}
	if n.Title != "Live now" || n.Category != "Unknown" {
		t.Fatalf("notification carried %q/%q, want configured defaults", n.Title, n.Category)
	}
	// initial fetch plus exactly one retry
	if helix.channelCalls != 2 {
		t.Fatalf("channelCalls = %d, want 2", helix.channelCalls)
	}
}

func TestOnStreamOnlineRetryRecoversMetadata(t *testing.T) {
	store := newFakeStore(testTenant("t1"))
	helix := &fakeHelix{
		channelFails: 1, // first fetch fails, retry succeeds
		channelInfo:  &twitchapi.ChannelInfo{Title: "Recovered", Category: "Art"},
	}
	notifier := &fakeNotifier{}
	rec := newTestReconciler(store, helix, notifier)

	if err := rec.OnStreamOnline(context.Background(), StreamOnlineEvent{ID: "abc123"}); err != nil {
		t.Fatalf("OnStreamOnline: %v", err)
	}
	n, _ := notifier.lastSent()
	if n.Title != "Recovered" {
		t.Fatalf("title = %q, want metadata from the retry", n.Title)
	}
}

func TestDispatchFailureDoesNotPersistDedup(t *testing.T) {
	store := newFakeStore(testTenant("t1"))
	helix := &fakeHelix{channelInfo: &twitchapi.ChannelInfo{Title: "x", Category: "y"}}
	notifier := &fakeNotifier{fails: 1}
	rec := newTestReconciler(store, helix, notifier)

	if err := rec.OnStreamOnline(context.Background(), StreamOnlineEvent{ID: "abc123"}); err == nil {
		t.Fatal("expected dispatch error to surface")
	}
	if store.notifiedID("t1") != "" {
		t.Fatal("failed dispatch must not write the dedup id")
	}

	// a replay of the same session may retry and still notifies at most once
	if err := rec.OnStreamOnline(context.Background(), StreamOnlineEvent{ID: "abc123"}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if notifier.sentCount() != 1 {
		t.Fatalf("sent = %d, want exactly 1", notifier.sentCount())
	}
	if store.notifiedID("t1") != "abc123" {
		t.Fatal("dedup id should persist after the successful retry")
	}
}

func TestOnStreamOfflineClearsLiveKeepsDedup(t *testing.T) {
	store := newFakeStore(testTenant("t1"))
	helix := &fakeHelix{channelInfo: &twitchapi.ChannelInfo{Title: "x", Category: "y"}}
	notifier := &fakeNotifier{}
	rec := newTestReconciler(store, helix, notifier)

	if err := rec.OnStreamOnline(context.Background(), StreamOnlineEvent{ID: "abc123"}); err != nil {
		t.Fatalf("OnStreamOnline: %v", err)
	}
	rec.OnStreamOffline(context.Background())
	if store.isLive("t1") {
		t.Fatal("live flag should be cleared")
	}
	if store.notifiedID("t1") != "abc123" {
		t.Fatal("dedup id survives session end")
	}
	if rec.State() != "no_session" {
		t.Fatalf("state = %s, want no_session", rec.State())
	}
}

func TestStatusEventsPublishedToRoom(t *testing.T) {
	store := newFakeStore(testTenant("t1"))
	helix := &fakeHelix{channelInfo: &twitchapi.ChannelInfo{Title: "x", Category: "y"}}
	notifier := &fakeNotifier{}
	b := bus.New()
	rec := newReconciler("t1", store, helix, notifier, b, "Live now", "Unknown")
	rec.auxRetryDelay = time.Millisecond

	events, cancel := b.Subscribe("t1")
	defer cancel()

	if err := rec.OnStreamOnline(context.Background(), StreamOnlineEvent{ID: "abc123"}); err != nil {
		t.Fatalf("OnStreamOnline: %v", err)
	}

	var statuses []string
	for len(statuses) < 2 {
		select {
		case ev := <-events:
			if ev.Type == bus.TypeSessionStatus {
				statuses = append(statuses, ev.Data["status"].(string))
			}
		case <-time.After(time.Second):
			t.Fatalf("statuses so far: %v", statuses)
		}
	}
	if statuses[0] != "pending" || statuses[1] != "sent" {
		t.Fatalf("statuses = %v, want [pending sent]", statuses)
	}
}
