package server

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
)

// HandleConfig handles GET and PUT requests for safe configuration keys.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	// Only allow GET/PUT for known keys; secrets must not be exposed here.
	safeKeys := map[string]bool{
		"LOG_LEVEL":                   true,
		"LOG_FORMAT":                  true,
		"EVENTSUB_WS_URL":             true,
		"EVENTSUB_RECONNECT_DELAY":    true,
		"EVENTSUB_HEALTH_GRACE":       true,
		"EVENTSUB_INTER_DELETE_DELAY": true,
		"EVENTSUB_PROVISION_ATTEMPTS": true,
		"EVENTSUB_PROVISION_BACKOFF":  true,
		"NOTIFY_DEFAULT_TITLE":        true,
		"NOTIFY_DEFAULT_CATEGORY":     true,
	}
	switch r.Method {
	case http.MethodGet:
		// Return safe keys with values from kv override if present
		out := map[string]string{}
		for k := range safeKeys {
			var v string
			if h.deps.DB != nil {
				_ = h.deps.DB.QueryRowContext(r.Context(), `SELECT value FROM kv WHERE key=$1`, "cfg:"+k).Scan(&v)
			}
			if v == "" {
				v = os.Getenv(k)
			}
			if v != "" {
				out[k] = v
			}
		}
		writeJSON(w, out)
	case http.MethodPut:
		if h.deps.DB == nil {
			http.Error(w, "config overrides unavailable", http.StatusServiceUnavailable)
			return
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		applied := map[string]string{}
		for k, v := range body {
			key := strings.ToUpper(strings.TrimSpace(k))
			if !safeKeys[key] {
				continue
			}
			if _, err := h.deps.DB.ExecContext(r.Context(),
				`INSERT INTO kv (key, value) VALUES ($1, $2)
				 ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value`,
				"cfg:"+key, v); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			applied[key] = v
		}
		writeJSON(w, map[string]any{"status": "ok", "applied": applied})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleStatus reports a global service summary.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions := h.deps.Manager.StatusAll()
	active := 0
	for _, st := range sessions {
		if st.State == "active" {
			active++
		}
	}
	tenants, err := h.deps.Store.ListEnabledTenants(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"tenants_enabled": len(tenants),
		"sessions_total":  len(sessions),
		"sessions_active": active,
		"sessions":        sessions,
	})
}
