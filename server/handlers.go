// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/onnwee/tallyboard/backend/bus"
	"github.com/onnwee/tallyboard/backend/config"
	"github.com/onnwee/tallyboard/backend/db"
	"github.com/onnwee/tallyboard/backend/eventsub"
	"github.com/onnwee/tallyboard/backend/twitchapi"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
)

// TenantStore is the persistence surface the handlers need. *db.Store
// satisfies it.
type TenantStore interface {
	GetTenant(ctx context.Context, tenantID string) (*db.Tenant, error)
	UpsertTenant(ctx context.Context, t db.Tenant) error
	ListEnabledTenants(ctx context.Context) ([]db.Tenant, error)
	IncrementCounter(ctx context.Context, tenantID, name string, delta int64) (int64, error)
	SetCounter(ctx context.Context, tenantID, name string, value int64) error
	GetCounter(ctx context.Context, tenantID, name string) (int64, error)
	ListCounters(ctx context.Context, tenantID string) ([]db.Counter, error)
	UpsertTenantToken(ctx context.Context, tenantID, access, refresh string, expiry time.Time, scope string) error
	ResetStreamState(ctx context.Context, tenantID string) error
}

// ConnectionManager is the registry surface the tenant lifecycle and admin
// endpoints drive. *eventsub.Registry satisfies it.
type ConnectionManager interface {
	Subscribe(ctx context.Context, tenantID string) error
	Unsubscribe(ctx context.Context, tenantID string, manual bool) error
	ForceReconnect(ctx context.Context, tenantID string)
	Status(tenantID string) (eventsub.Status, bool)
	StatusAll() []eventsub.Status
}

// IdentityClient resolves which account a freshly exchanged user token
// belongs to. *twitchapi.HelixClient satisfies it.
type IdentityClient interface {
	GetTokenOwner(ctx context.Context, accessToken string) (*twitchapi.User, error)
}

// Deps carries everything the HTTP layer needs.
type Deps struct {
	DB      *sql.DB
	Store   TenantStore
	Manager ConnectionManager
	Bus     *bus.Bus
	Cfg     config.Config
	Helix   IdentityClient
}

// oauthState binds a pending OAuth flow to the tenant that started it.
type oauthState struct {
	tenantID string
	expiry   time.Time
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps       Deps
	ctx        context.Context
	stateStore map[string]oauthState
	stateMu    sync.RWMutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	return &Handlers{
		deps:       deps,
		ctx:        ctx,
		stateStore: make(map[string]oauthState),
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, st := range h.stateStore {
		if now.After(st.expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
func (h *Handlers) addOAuthState(state, tenantID string, expiry time.Time) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	// Clean expired states periodically to prevent unbounded growth
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}

	// If we're still over the limit after cleanup, refuse to add more
	if len(h.stateStore) >= maxOAuthStates {
		// Don't add the state - this will cause the OAuth flow to fail
		// which is better than a memory exhaustion attack
		return
	}

	h.stateStore[state] = oauthState{tenantID: tenantID, expiry: expiry}
}

// takeOAuthState consumes a state and returns the tenant that started the
// flow, or ok=false for unknown or expired states.
func (h *Handlers) takeOAuthState(state string) (string, bool) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	st, ok := h.stateStore[state]
	if !ok {
		return "", false
	}
	delete(h.stateStore, state)
	if time.Now().After(st.expiry) {
		return "", false
	}
	return st.tenantID, true
}
