package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/tallyboard/backend/db"
	"github.com/onnwee/tallyboard/backend/overlay"
)

// HandleOverlayDispatcher routes /overlay/{tenant} to the page and
// /overlay/{tenant}/events to its SSE stream.
func (h *Handlers) HandleOverlayDispatcher(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/overlay/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	tenantID := parts[0]
	switch {
	case len(parts) == 1:
		h.handleOverlayPage(w, r, tenantID)
	case len(parts) == 2 && parts[1] == "events":
		h.handleOverlayEvents(w, r, tenantID)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleOverlayPage(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant, err := h.deps.Store.GetTenant(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, db.ErrTenantNotFound) {
			http.Error(w, "tenant not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	counters, err := h.deps.Store.ListCounters(r.Context(), tenantID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data := overlay.PageData{
		TenantID:    tenant.ID,
		DisplayName: tenant.DisplayName,
		EventsPath:  fmt.Sprintf("/overlay/%s/events", tenant.ID),
	}
	for _, c := range counters {
		data.Counters = append(data.Counters, overlay.CounterView{Name: c.Name, Value: c.Value})
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := overlay.Render(w, data); err != nil {
		slog.Warn("overlay render failed", slog.String("tenant", tenantID), slog.Any("err", err))
	}
}

// handleOverlayEvents streams the tenant's room over Server-Sent Events.
// Each bus event becomes one SSE message; a periodic comment keeps proxies
// from closing the idle connection.
func (h *Handlers) handleOverlayEvents(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if h.deps.Bus == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}

	events, cancel := h.deps.Bus.Subscribe(tenantID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				slog.Warn("overlay event marshal failed", slog.Any("err", err))
				continue
			}
			_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
