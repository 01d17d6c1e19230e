package chat

import (
	"context"
	"os"
	"sync"
	"testing"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/tallyboard/backend/bus"
	"github.com/onnwee/tallyboard/backend/db"
	"github.com/onnwee/tallyboard/backend/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	os.Exit(m.Run())
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in    string
		name  string
		delta int64
		ok    bool
	}{
		{"!deaths+", "deaths", 1, true},
		{"!deaths-", "deaths", -1, true},
		{"!deaths", "deaths", 0, true},
		{"!Deaths+", "deaths", 1, true},
		{"  !win_count+  ", "win_count", 1, true},
		{"!bits2+", "bits2", 1, true},
		{"hello", "", 0, false},
		{"!", "", 0, false},
		{"!+", "", 0, false},
		{"!deaths plus", "", 0, false},
		{"!dea ths+", "", 0, false},
		{"!deaths!", "", 0, false},
		{"!wayyyyyyyyyyyyyyyyyyyyyyyyyyytoolongname+", "", 0, false},
	}
	for _, tc := range cases {
		name, delta, ok := parseCommand(tc.in)
		if name != tc.name || delta != tc.delta || ok != tc.ok {
			t.Errorf("parseCommand(%q) = (%q, %d, %v), want (%q, %d, %v)",
				tc.in, name, delta, ok, tc.name, tc.delta, tc.ok)
		}
	}
}

type stubStore struct {
	mu       sync.Mutex
	counters map[string]int64
}

func (s *stubStore) ListEnabledTenants(context.Context) ([]db.Tenant, error) { return nil, nil }

func (s *stubStore) IncrementCounter(_ context.Context, tenantID, name string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counters == nil {
		s.counters = map[string]int64{}
	}
	s.counters[tenantID+"/"+name] += delta
	return s.counters[tenantID+"/"+name], nil
}

func (s *stubStore) GetCounter(_ context.Context, tenantID, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[tenantID+"/"+name], nil
}

func modMessage(channel, text string) twitch.PrivateMessage {
	return twitch.PrivateMessage{
		Channel: channel,
		Message: text,
		User:    twitch.User{Name: "mod1", Badges: map[string]int{"moderator": 1}},
	}
}

func viewerMessage(channel, text string) twitch.PrivateMessage {
	return twitch.PrivateMessage{
		Channel: channel,
		Message: text,
		User:    twitch.User{Name: "viewer1", Badges: map[string]int{}},
	}
}

func newTestBot(store Store, pub Publisher) (*Bot, *[]string) {
	var said []string
	bot := &Bot{
		store: store,
		pub:   pub,
		say:   func(_, text string) { said = append(said, text) },
	}
	return bot, &said
}

func TestModeratorIncrementsCounter(t *testing.T) {
	store := &stubStore{}
	b := bus.New()
	bot, said := newTestBot(store, b)

	events, cancel := b.Subscribe("streamer1")
	defer cancel()

	bot.handleMessage(context.Background(), modMessage("streamer1", "!deaths+"))

	if v, _ := store.GetCounter(context.Background(), "streamer1", "deaths"); v != 1 {
		t.Fatalf("counter = %d, want 1", v)
	}
	if len(*said) != 1 || (*said)[0] != "deaths: 1" {
		t.Fatalf("said = %v", *said)
	}
	ev := <-events
	if ev.Type != bus.TypeCounterUpdate || ev.Data["value"] != int64(1) {
		t.Fatalf("event = %+v", ev)
	}
}

func TestViewerCannotMutate(t *testing.T) {
	store := &stubStore{}
	bot, said := newTestBot(store, bus.New())

	bot.handleMessage(context.Background(), viewerMessage("streamer1", "!deaths+"))

	if v, _ := store.GetCounter(context.Background(), "streamer1", "deaths"); v != 0 {
		t.Fatalf("counter = %d, want 0", v)
	}
	if len(*said) != 0 {
		t.Fatalf("bot replied to an unauthorized mutation: %v", *said)
	}
}

func TestAnyoneCanRead(t *testing.T) {
	store := &stubStore{}
	_, _ = store.IncrementCounter(context.Background(), "streamer1", "deaths", 12)
	bot, said := newTestBot(store, bus.New())

	bot.handleMessage(context.Background(), viewerMessage("streamer1", "!deaths"))

	if len(*said) != 1 || (*said)[0] != "deaths: 12" {
		t.Fatalf("said = %v", *said)
	}
}

func TestDecrementAndChannelScoping(t *testing.T) {
	store := &stubStore{}
	bot, _ := newTestBot(store, bus.New())

	bot.handleMessage(context.Background(), modMessage("streamer1", "!deaths+"))
	bot.handleMessage(context.Background(), modMessage("streamer1", "!deaths+"))
	bot.handleMessage(context.Background(), modMessage("streamer1", "!deaths-"))
	bot.handleMessage(context.Background(), modMessage("streamer2", "!deaths+"))

	if v, _ := store.GetCounter(context.Background(), "streamer1", "deaths"); v != 1 {
		t.Fatalf("streamer1 deaths = %d, want 1", v)
	}
	if v, _ := store.GetCounter(context.Background(), "streamer2", "deaths"); v != 1 {
		t.Fatalf("streamer2 deaths = %d, want 1", v)
	}
}

func TestBroadcasterIsElevated(t *testing.T) {
	u := twitch.User{Badges: map[string]int{"broadcaster": 1}}
	if !isElevated(u) {
		t.Fatal("broadcaster should be elevated")
	}
	if isElevated(twitch.User{Badges: map[string]int{"subscriber": 3}}) {
		t.Fatal("subscriber badge must not elevate")
	}
}
