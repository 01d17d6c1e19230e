package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/onnwee/tallyboard/backend/db"
)

// HandleAdminEventSubStatus reports every tracked tenant connection.
func (h *Handlers) HandleAdminEventSubStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]any{"sessions": h.deps.Manager.StatusAll()})
}

// HandleAdminEventSubReconnect force-cycles one tenant's session
// (?tenant=) or, with no parameter, every tracked session.
func (h *Handlers) HandleAdminEventSubReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := context.WithoutCancel(r.Context())
	if tenant := r.URL.Query().Get("tenant"); tenant != "" {
		go h.deps.Manager.ForceReconnect(ctx, tenant)
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]string{"status": "reconnecting", "tenant_id": tenant})
		return
	}
	all := h.deps.Manager.StatusAll()
	for _, st := range all {
		go h.deps.Manager.ForceReconnect(ctx, st.TenantID)
	}
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]any{"status": "reconnecting", "count": len(all)})
}

// HandleAdminStreamStateReset clears a tenant's live flag and notification
// dedup so the next stream.online is treated as a fresh session. Escape hatch
// for stuck dedup state after manual intervention on the Twitch side.
func (h *Handlers) HandleAdminStreamStateReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		http.Error(w, "missing tenant parameter", http.StatusBadRequest)
		return
	}
	if err := h.deps.Store.ResetStreamState(r.Context(), tenant); err != nil {
		if errors.Is(err, db.ErrTenantNotFound) {
			http.Error(w, "tenant not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "reset", "tenant_id": tenant})
}
