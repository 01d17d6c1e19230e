package eventsub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/tallyboard/backend/db"
	"github.com/onnwee/tallyboard/backend/notify"
	"github.com/onnwee/tallyboard/backend/telemetry"
	"github.com/onnwee/tallyboard/backend/twitchapi"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	os.Exit(m.Run())
}

type fakeStore struct {
	mu         sync.Mutex
	tenants    map[string]*db.Tenant
	live       map[string]bool
	liveSess   map[string]string
	notified   map[string]string
	counters   map[string]int64
	resetCalls int
}

func newFakeStore(tenants ...*db.Tenant) *fakeStore {
	s := &fakeStore{
		tenants:  map[string]*db.Tenant{},
		live:     map[string]bool{},
		liveSess: map[string]string{},
		notified: map[string]string{},
		counters: map[string]int64{},
	}
	for _, t := range tenants {
		s.tenants[t.ID] = t
	}
	return s
}

func (s *fakeStore) GetTenant(_ context.Context, tenantID string) (*db.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, db.ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) SetLiveSession(_ context.Context, tenantID string, live bool, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[tenantID] = live
	s.liveSess[tenantID] = sessionID
	return nil
}

func (s *fakeStore) GetNotifiedSessionID(_ context.Context, tenantID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notified[tenantID], nil
}

func (s *fakeStore) SetNotifiedSessionID(_ context.Context, tenantID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified[tenantID] = sessionID
	return nil
}

func (s *fakeStore) ResetStreamState(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetCalls++
	s.live[tenantID] = false
	s.liveSess[tenantID] = ""
	s.notified[tenantID] = ""
	return nil
}

func (s *fakeStore) IncrementCounter(_ context.Context, tenantID, name string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantID + "/" + name
	s.counters[key] += delta
	return s.counters[key], nil
}

func (s *fakeStore) notifiedID(tenantID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notified[tenantID]
}

func (s *fakeStore) isLive(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[tenantID]
}

type fakeHelix struct {
	mu          sync.Mutex
	existing    []twitchapi.Subscription
	created     []twitchapi.SubscriptionRequest
	createTimes []time.Time
	deleted     []string
	listCalls   int
	nextID      int

	rateLimited int              // first N creates return RateLimitError
	failKinds   map[string]error // per-kind create failures

	channelInfo  *twitchapi.ChannelInfo
	channelFails int // first N GetChannelInfo calls error
	channelCalls int
	stream       *twitchapi.Stream

	channelDeadlines []bool // per GetChannelInfo call: ctx carried a deadline
}

func (h *fakeHelix) CreateEventSubSubscription(_ context.Context, _ string, req twitchapi.SubscriptionRequest) (*twitchapi.Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.createTimes = append(h.createTimes, time.Now())
	if h.rateLimited > 0 {
		h.rateLimited--
		return nil, &twitchapi.RateLimitError{RetryAfter: time.Millisecond}
	}
	if err, ok := h.failKinds[req.Type]; ok {
		return nil, err
	}
	h.created = append(h.created, req)
	h.nextID++
	return &twitchapi.Subscription{
		ID:     fmt.Sprintf("sub-%d", h.nextID),
		Type:   req.Type,
		Status: "enabled",
	}, nil
}

func (h *fakeHelix) DeleteEventSubSubscription(_ context.Context, _ string, subscriptionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deleted = append(h.deleted, subscriptionID)
	return nil
}

func (h *fakeHelix) ListEventSubSubscriptions(_ context.Context, _ string) (*twitchapi.SubscriptionList, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listCalls++
	var remaining []twitchapi.Subscription
	for _, sub := range h.existing {
		gone := false
		for _, id := range h.deleted {
			if id == sub.ID {
				gone = true
				break
			}
		}
		if !gone {
			remaining = append(remaining, sub)
		}
	}
	return &twitchapi.SubscriptionList{Subscriptions: remaining}, nil
}

func (h *fakeHelix) GetChannelInfo(ctx context.Context, broadcasterID string) (*twitchapi.ChannelInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channelCalls++
	_, hasDeadline := ctx.Deadline()
	h.channelDeadlines = append(h.channelDeadlines, hasDeadline)
	if h.channelFails > 0 {
		h.channelFails--
		return nil, errors.New("helix unavailable")
	}
	if h.channelInfo == nil {
		return nil, errors.New("no channel info configured")
	}
	cp := *h.channelInfo
	cp.BroadcasterID = broadcasterID
	return &cp, nil
}

func (h *fakeHelix) GetStream(_ context.Context, _ string) (*twitchapi.Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stream == nil {
		return nil, nil
	}
	cp := *h.stream
	return &cp, nil
}

func (h *fakeHelix) createdKinds() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	kinds := make([]string, 0, len(h.created))
	for _, req := range h.created {
		kinds = append(kinds, req.Type)
	}
	return kinds
}

func (h *fakeHelix) deletedIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.deleted...)
}

type fakeNotifier struct {
	mu        sync.Mutex
	sent      []notify.Notification
	fails     int // first N sends error
	deadlines []bool
}

func (n *fakeNotifier) Send(ctx context.Context, _ string, notif notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, hasDeadline := ctx.Deadline()
	n.deadlines = append(n.deadlines, hasDeadline)
	if n.fails > 0 {
		n.fails--
		return errors.New("webhook endpoint returned 500")
	}
	n.sent = append(n.sent, notif)
	return nil
}

func (n *fakeNotifier) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func (n *fakeNotifier) lastSent() (notify.Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		return notify.Notification{}, false
	}
	return n.sent[len(n.sent)-1], true
}

var errSessionClosed = errors.New("session closed")

type fakeSession struct {
	id        string
	keepalive atomic.Int64
	frames    chan *Message
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{
		id:     id,
		frames: make(chan *Message, 16),
		closed: make(chan struct{}),
	}
}

func (s *fakeSession) ID() string            { return s.id }
func (s *fakeSession) KeepaliveSeconds() int { return int(s.keepalive.Load()) }
func (s *fakeSession) setKeepalive(n int)    { s.keepalive.Store(int64(n)) }

func (s *fakeSession) Read() (*Message, error) {
	select {
	case m := <-s.frames:
		return m, nil
	case <-s.closed:
		return nil, errSessionClosed
	}
}

func (s *fakeSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// fakeDialer hands out a fresh session per dial and counts dials.
type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	dialErr  error
}

func (d *fakeDialer) dial(_ context.Context, _ string) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	s := newFakeSession(fmt.Sprintf("ws-sess-%d", len(d.sessions)+1))
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *fakeDialer) session(i int) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.sessions) {
		return nil
	}
	return d.sessions[i]
}

// gateDialer holds every dial open until released, widening the bring-up
// window so lifecycle races can be exercised deterministically.
type gateDialer struct {
	fakeDialer
	gate    chan struct{}
	started chan struct{}
}

func newGateDialer() *gateDialer {
	return &gateDialer{
		gate:    make(chan struct{}),
		started: make(chan struct{}, 4),
	}
}

func (g *gateDialer) dial(ctx context.Context, url string) (Session, error) {
	g.started <- struct{}{}
	<-g.gate
	return g.fakeDialer.dial(ctx, url)
}

func testTenant(id string, features ...string) *db.Tenant {
	return &db.Tenant{
		ID:           id,
		TwitchUserID: "9001",
		DisplayName:  id,
		WebhookURL:   "https://hooks.example.com/" + id,
		Features:     features,
		Enabled:      true,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
