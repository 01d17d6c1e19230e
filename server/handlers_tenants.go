package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/tallyboard/backend/bus"
	"github.com/onnwee/tallyboard/backend/db"
	"github.com/onnwee/tallyboard/backend/telemetry"
)

// tenantView is the JSON shape for tenant CRUD.
type tenantView struct {
	ID           string   `json:"id"`
	TwitchUserID string   `json:"twitch_user_id,omitempty"`
	DisplayName  string   `json:"display_name"`
	WebhookURL   string   `json:"webhook_url,omitempty"`
	Features     []string `json:"features"`
	Enabled      bool     `json:"enabled"`
}

func viewOf(t *db.Tenant) tenantView {
	features := t.Features
	if features == nil {
		features = []string{}
	}
	return tenantView{
		ID:           t.ID,
		TwitchUserID: t.TwitchUserID,
		DisplayName:  t.DisplayName,
		WebhookURL:   t.WebhookURL,
		Features:     features,
		Enabled:      t.Enabled,
	}
}

// HandleTenantsList returns all enabled tenants.
func (h *Handlers) HandleTenantsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenants, err := h.deps.Store.ListEnabledTenants(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]tenantView, 0, len(tenants))
	for i := range tenants {
		out = append(out, viewOf(&tenants[i]))
	}
	writeJSON(w, out)
}

// HandleTenantsDispatcher routes /tenants/{id}[/...] to the right handler:
//
//	GET,PUT /tenants/{id}
//	GET     /tenants/{id}/status
//	POST    /tenants/{id}/start | stop | reconnect
//	GET     /tenants/{id}/counters
//	GET,PUT /tenants/{id}/counters/{name}
//	POST    /tenants/{id}/counters/{name}/increment
func (h *Handlers) HandleTenantsDispatcher(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tenants/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	tenantID := parts[0]

	switch {
	case len(parts) == 1:
		h.handleTenant(w, r, tenantID)
	case len(parts) == 2 && parts[1] == "status":
		h.handleTenantStatus(w, r, tenantID)
	case len(parts) == 2 && (parts[1] == "start" || parts[1] == "stop" || parts[1] == "reconnect"):
		h.handleTenantLifecycle(w, r, tenantID, parts[1])
	case len(parts) == 2 && parts[1] == "counters":
		h.handleCountersList(w, r, tenantID)
	case len(parts) == 3 && parts[1] == "counters":
		h.handleCounter(w, r, tenantID, parts[2])
	case len(parts) == 4 && parts[1] == "counters" && parts[3] == "increment":
		h.handleCounterIncrement(w, r, tenantID, parts[2])
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleTenant(w http.ResponseWriter, r *http.Request, tenantID string) {
	switch r.Method {
	case http.MethodGet:
		t, err := h.deps.Store.GetTenant(r.Context(), tenantID)
		if err != nil {
			if errors.Is(err, db.ErrTenantNotFound) {
				http.Error(w, "tenant not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, viewOf(t))

	case http.MethodPut:
		var body tenantView
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		t := db.Tenant{
			ID:           tenantID,
			TwitchUserID: body.TwitchUserID,
			DisplayName:  body.DisplayName,
			WebhookURL:   body.WebhookURL,
			Features:     body.Features,
			Enabled:      body.Enabled,
		}
		if err := h.deps.Store.UpsertTenant(r.Context(), t); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, viewOf(&t))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) handleTenantStatus(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, ok := h.deps.Manager.Status(tenantID)
	if !ok {
		writeJSON(w, map[string]string{"tenant_id": tenantID, "state": "disconnected"})
		return
	}
	writeJSON(w, st)
}

func (h *Handlers) handleTenantLifecycle(w http.ResponseWriter, r *http.Request, tenantID, action string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch action {
	case "start":
		if err := h.deps.Manager.Subscribe(r.Context(), tenantID); err != nil {
			if errors.Is(err, db.ErrTenantNotFound) {
				http.Error(w, "tenant not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	case "stop":
		if err := h.deps.Manager.Unsubscribe(r.Context(), tenantID, true); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	case "reconnect":
		// reconnect waits out the backoff delay, run it off-request
		go h.deps.Manager.ForceReconnect(context.WithoutCancel(r.Context()), tenantID)
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]string{"status": "reconnecting", "tenant_id": tenantID})
		return
	}
	writeJSON(w, map[string]string{"status": "ok", "tenant_id": tenantID, "action": action})
}

func (h *Handlers) handleCountersList(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	counters, err := h.deps.Store.ListCounters(r.Context(), tenantID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if counters == nil {
		counters = []db.Counter{}
	}
	writeJSON(w, counters)
}

func (h *Handlers) handleCounter(w http.ResponseWriter, r *http.Request, tenantID, name string) {
	switch r.Method {
	case http.MethodGet:
		value, err := h.deps.Store.GetCounter(r.Context(), tenantID, name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"name": name, "value": value})

	case http.MethodPut:
		var body struct {
			Value int64 `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		if err := h.deps.Store.SetCounter(r.Context(), tenantID, name, body.Value); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		h.publishCounter(tenantID, name, body.Value)
		writeJSON(w, map[string]any{"name": name, "value": body.Value})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) handleCounterIncrement(w http.ResponseWriter, r *http.Request, tenantID, name string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	delta := int64(1)
	if r.Body != nil && r.ContentLength != 0 {
		var body struct {
			Delta *int64 `json:"delta"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		if body.Delta != nil {
			delta = *body.Delta
		}
	}
	value, err := h.deps.Store.IncrementCounter(r.Context(), tenantID, name, delta)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.CounterIncrements.Inc()
	h.publishCounter(tenantID, name, value)
	writeJSON(w, map[string]any{"name": name, "value": value})
}

// publishCounter pushes a counter change to the tenant's overlay room.
func (h *Handlers) publishCounter(tenantID, name string, value int64) {
	if h.deps.Bus == nil {
		return
	}
	h.deps.Bus.Publish(tenantID, bus.Event{
		Type:     bus.TypeCounterUpdate,
		TenantID: tenantID,
		Data:     map[string]any{"name": name, "value": value},
	})
	slog.Debug("counter updated", slog.String("tenant", tenantID), slog.String("name", name), slog.Int64("value", value))
}
