package eventsub

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/tallyboard/backend/bus"
	"github.com/onnwee/tallyboard/backend/telemetry"
)

// State is a tenant connection's lifecycle phase.
type State int

const (
	StateDisconnected State = iota
	StateProvisioning
	StateActive
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateProvisioning:
		return "provisioning"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config tunes the registry. Zero values pick the defaults below.
type Config struct {
	// URL is the EventSub websocket endpoint.
	URL string
	// ReconnectDelay is the pause between teardown and redial.
	ReconnectDelay time.Duration
	// HealthGrace is added on top of the advertised keepalive interval
	// before the watchdog declares the session dead.
	HealthGrace time.Duration
	// InterDeleteDelay spaces out stale-subscription deletes.
	InterDeleteDelay time.Duration
	// ProvisionAttempts and ProvisionBackoff shape the rate-limit retry
	// loop for subscription creation.
	ProvisionAttempts int
	ProvisionBackoff  time.Duration
	// DefaultTitle and DefaultCategory fill notifications when channel
	// metadata cannot be fetched.
	DefaultTitle    string
	DefaultCategory string
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = "wss://eventsub.wss.twitch.tv/ws"
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.HealthGrace <= 0 {
		c.HealthGrace = 5 * time.Second
	}
	if c.InterDeleteDelay < 0 {
		c.InterDeleteDelay = 0
	}
	if c.ProvisionAttempts <= 0 {
		c.ProvisionAttempts = 3
	}
	if c.ProvisionBackoff <= 0 {
		c.ProvisionBackoff = 2 * time.Second
	}
	if c.DefaultTitle == "" {
		c.DefaultTitle = "Live now"
	}
	if c.DefaultCategory == "" {
		c.DefaultCategory = "Unknown"
	}
	return c
}

// Registry owns one EventSub session per subscribed tenant and serializes
// lifecycle transitions per tenant via an in-flight guard.
type Registry struct {
	cfg      Config
	store    Store
	helix    HelixAPI
	notifier Notifier
	pub      Publisher
	dial     Dialer

	mu       sync.Mutex
	tenants  map[string]*tenantConn
	inflight map[string]struct{}
}

type tenantConn struct {
	tenantID string
	stopping atomic.Bool

	mu       sync.Mutex
	state    State
	sess     Session
	subs     map[string]string // kind -> upstream subscription id
	health   *healthTimer
	rec      *reconciler
	lastSeen time.Time
}

// Status is a point-in-time snapshot of a tenant connection.
type Status struct {
	TenantID    string    `json:"tenant_id"`
	State       string    `json:"state"`
	SessionID   string    `json:"session_id,omitempty"`
	Kinds       []string  `json:"kinds,omitempty"`
	NotifyState string    `json:"notify_state,omitempty"`
	LastSeen    time.Time `json:"last_seen,omitempty"`
}

// New builds a Registry. A nil dialer uses the real websocket dialer.
func New(cfg Config, store Store, helix HelixAPI, notifier Notifier, pub Publisher, dial Dialer) *Registry {
	if dial == nil {
		dial = DialWebsocket
	}
	return &Registry{
		cfg:      cfg.withDefaults(),
		store:    store,
		helix:    helix,
		notifier: notifier,
		pub:      pub,
		dial:     dial,
		tenants:  make(map[string]*tenantConn),
		inflight: make(map[string]struct{}),
	}
}

// Subscribe brings up a session for the tenant: dial, provision, start the
// watchdog and read loop. It is a no-op when the tenant already has a live
// or in-progress session.
func (r *Registry) Subscribe(ctx context.Context, tenantID string) error {
	r.mu.Lock()
	if _, busy := r.inflight[tenantID]; busy {
		r.mu.Unlock()
		slog.Debug("eventsub: subscribe already in flight", "tenant_id", tenantID)
		return nil
	}
	if c, ok := r.tenants[tenantID]; ok {
		c.mu.Lock()
		st := c.state
		c.mu.Unlock()
		if st == StateActive || st == StateProvisioning {
			r.mu.Unlock()
			slog.Debug("eventsub: session already up", "tenant_id", tenantID, "state", st.String())
			return nil
		}
	}
	r.inflight[tenantID] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inflight, tenantID)
		r.mu.Unlock()
	}()

	tenant, err := r.store.GetTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", tenantID, err)
	}
	if !tenant.Enabled {
		return fmt.Errorf("subscribe %s: tenant disabled", tenantID)
	}
	if tenant.TwitchUserID == "" {
		return fmt.Errorf("subscribe %s: no linked twitch account", tenantID)
	}

	c := &tenantConn{
		tenantID: tenantID,
		state:    StateProvisioning,
		subs:     map[string]string{},
		rec: newReconciler(tenantID, r.store, r.helix, r.notifier, r.pub,
			r.cfg.DefaultTitle, r.cfg.DefaultCategory),
	}
	r.mu.Lock()
	r.tenants[tenantID] = c
	r.mu.Unlock()

	sess, err := r.dial(ctx, r.cfg.URL)
	if err != nil {
		r.dropConn(tenantID, c)
		return fmt.Errorf("subscribe %s: %w", tenantID, err)
	}

	prov := &provisioner{
		helix:       r.helix,
		attempts:    r.cfg.ProvisionAttempts,
		backoff:     r.cfg.ProvisionBackoff,
		interDelete: r.cfg.InterDeleteDelay,
	}
	var provisioned map[string]string
	var provErr error
	telemetry.TimeFunc(telemetry.ProvisionDuration, func() {
		provisioned, provErr = prov.provision(ctx, tenant, sess.ID())
	})
	if provErr != nil {
		_ = sess.Close()
		r.dropConn(tenantID, c)
		return fmt.Errorf("subscribe %s: %w", tenantID, provErr)
	}

	// A manual Unsubscribe may have raced the dial/provision phase and
	// removed the entry; if so this bring-up lost and must undo itself,
	// or it would leave an untracked session live. Holding r.mu across
	// the transition means any teardown lands strictly before or after
	// the session is visible.
	r.mu.Lock()
	if cur, tracked := r.tenants[tenantID]; !tracked || cur != c || c.stopping.Load() {
		r.mu.Unlock()
		for kind, id := range provisioned {
			if err := r.helix.DeleteEventSubSubscription(ctx, tenantID, id); err != nil {
				slog.Warn("eventsub: subscription delete failed",
					"tenant_id", tenantID, "type", kind, "error", err)
			}
		}
		_ = sess.Close()
		slog.Info("eventsub: bring-up aborted by concurrent stop", "tenant_id", tenantID)
		return nil
	}
	watchdog := r.watchdogFor(sess)
	c.mu.Lock()
	c.sess = sess
	c.subs = provisioned
	c.state = StateActive
	c.lastSeen = time.Now()
	c.health = newHealthTimer(func() { r.onHealthTimeout(tenantID) })
	c.health.Start(watchdog)
	c.mu.Unlock()
	r.mu.Unlock()

	go r.readLoop(c, sess)

	slog.Info("eventsub: session established",
		"tenant_id", tenantID, "session_id", sess.ID(), "keepalive_s", sess.KeepaliveSeconds())
	r.publishStatus(tenantID, "connected")
	r.updateSessionGauge()
	return nil
}

// Unsubscribe tears the tenant's session down: stop the watchdog, delete
// the subscription handles best-effort, close the socket. Manual stops also
// clear the persisted stream state (including the notification dedup id);
// automatic reconnect teardowns keep it. Idempotent.
func (r *Registry) Unsubscribe(ctx context.Context, tenantID string, manual bool) error {
	r.mu.Lock()
	c, ok := r.tenants[tenantID]
	if ok {
		delete(r.tenants, tenantID)
	}
	r.mu.Unlock()
	if !ok {
		slog.Debug("eventsub: unsubscribe with no session", "tenant_id", tenantID)
		return nil
	}

	c.stopping.Store(true)
	c.mu.Lock()
	if c.health != nil {
		c.health.Stop()
	}
	sess := c.sess
	subs := make(map[string]string, len(c.subs))
	for k, v := range c.subs {
		subs[k] = v
	}
	c.state = StateStopped
	c.mu.Unlock()

	for kind, id := range subs {
		if err := r.helix.DeleteEventSubSubscription(ctx, tenantID, id); err != nil {
			slog.Warn("eventsub: subscription delete failed",
				"tenant_id", tenantID, "type", kind, "error", err)
		}
	}
	if sess != nil {
		_ = sess.Close()
	}

	if manual {
		if err := r.store.ResetStreamState(ctx, tenantID); err != nil {
			slog.Warn("eventsub: stream state reset failed", "tenant_id", tenantID, "error", err)
		}
		r.publishStatus(tenantID, "disabled")
	}
	slog.Info("eventsub: session torn down", "tenant_id", tenantID, "manual", manual)
	r.updateSessionGauge()
	return nil
}

// ForceReconnect tears down and re-establishes the tenant's session after
// the configured delay. Used by the watchdog, upstream reconnect requests,
// and the admin surface.
func (r *Registry) ForceReconnect(ctx context.Context, tenantID string) {
	telemetry.Reconnects.Inc()
	if err := r.Unsubscribe(ctx, tenantID, false); err != nil {
		slog.Warn("eventsub: reconnect teardown failed", "tenant_id", tenantID, "error", err)
	}
	if !sleepCtx(ctx, r.cfg.ReconnectDelay) {
		return
	}
	if err := r.Subscribe(ctx, tenantID); err != nil {
		slog.Error("eventsub: reconnect failed", "tenant_id", tenantID, "error", err)
		r.publishStatus(tenantID, "reconnect_failed")
	}
}

// Status reports the snapshot for one tenant, or ok=false when no session
// exists.
func (r *Registry) Status(tenantID string) (Status, bool) {
	r.mu.Lock()
	c, ok := r.tenants[tenantID]
	r.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return c.snapshot(), true
}

// StatusAll reports snapshots for every tracked tenant, sorted by tenant id.
func (r *Registry) StatusAll() []Status {
	r.mu.Lock()
	conns := make([]*tenantConn, 0, len(r.tenants))
	for _, c := range r.tenants {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	out := make([]Status, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

func (c *tenantConn) snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		TenantID: c.tenantID,
		State:    c.state.String(),
		LastSeen: c.lastSeen,
	}
	if c.sess != nil {
		st.SessionID = c.sess.ID()
	}
	if c.rec != nil {
		st.NotifyState = c.rec.State()
	}
	for kind := range c.subs {
		st.Kinds = append(st.Kinds, kind)
	}
	sort.Strings(st.Kinds)
	return st
}

// watchdogFor derives the health deadline from the session's advertised
// keepalive interval plus the configured grace.
func (r *Registry) watchdogFor(sess Session) time.Duration {
	return time.Duration(sess.KeepaliveSeconds())*time.Second + r.cfg.HealthGrace
}

// readLoop pumps frames off the session until a transport error or
// teardown. Every frame, keepalives included, feeds the watchdog with the
// session's current keepalive interval.
func (r *Registry) readLoop(c *tenantConn, sess Session) {
	for {
		msg, err := sess.Read()
		if err != nil {
			if c.stopping.Load() {
				return
			}
			c.mu.Lock()
			c.state = StateReconnecting
			c.mu.Unlock()
			slog.Warn("eventsub: transport error, reconnecting",
				"tenant_id", c.tenantID, "error", err)
			go r.ForceReconnect(context.Background(), c.tenantID)
			return
		}

		telemetry.EventReceived(msg.Type)
		c.mu.Lock()
		c.lastSeen = time.Now()
		if c.health != nil {
			c.health.Reset(r.watchdogFor(sess))
		}
		c.mu.Unlock()

		switch msg.Type {
		case MessageWelcome, MessageKeepalive:
			// welcome is consumed at dial time; keepalives only feed
			// the watchdog
		case MessageReconnect:
			c.mu.Lock()
			c.state = StateReconnecting
			c.mu.Unlock()
			slog.Info("eventsub: upstream requested reconnect", "tenant_id", c.tenantID)
			go r.ForceReconnect(context.Background(), c.tenantID)
			return
		case MessageRevocation:
			r.handleRevocation(c, msg)
		case MessageNotification:
			r.handleNotification(context.Background(), c, msg)
		default:
			slog.Debug("eventsub: unhandled frame", "tenant_id", c.tenantID, "type", msg.Type)
		}
	}
}

func (r *Registry) handleRevocation(c *tenantConn, msg *Message) {
	telemetry.SubscriptionsRevoked.Inc()
	c.mu.Lock()
	delete(c.subs, msg.SubscriptionType)
	remaining := len(c.subs)
	c.mu.Unlock()
	slog.Warn("eventsub: subscription revoked",
		"tenant_id", c.tenantID, "type", msg.SubscriptionType,
		"subscription_id", msg.SubscriptionID, "remaining", remaining)
}

// onHealthTimeout runs on the watchdog's timer goroutine; the reconnect
// cycle is handed off so the timer is never blocked.
func (r *Registry) onHealthTimeout(tenantID string) {
	r.mu.Lock()
	c, ok := r.tenants[tenantID]
	r.mu.Unlock()
	if !ok || c.stopping.Load() {
		return
	}
	telemetry.HealthTimeouts.Inc()
	slog.Warn("eventsub: keepalive window elapsed, reconnecting", "tenant_id", tenantID)
	go r.ForceReconnect(context.Background(), tenantID)
}

// dropConn removes the tenant entry if it still points at this connection.
func (r *Registry) dropConn(tenantID string, c *tenantConn) {
	r.mu.Lock()
	if cur, ok := r.tenants[tenantID]; ok && cur == c {
		delete(r.tenants, tenantID)
	}
	r.mu.Unlock()
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	r.updateSessionGauge()
}

func (r *Registry) publishStatus(tenantID, status string) {
	r.pub.Publish(tenantID, bus.Event{
		Type:     bus.TypeSessionStatus,
		TenantID: tenantID,
		Data:     map[string]any{"status": status},
	})
}

func (r *Registry) updateSessionGauge() {
	r.mu.Lock()
	n := 0
	for _, c := range r.tenants {
		c.mu.Lock()
		if c.state == StateActive {
			n++
		}
		c.mu.Unlock()
	}
	r.mu.Unlock()
	telemetry.SetSessionsActive(n)
}
