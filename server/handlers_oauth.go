package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/onnwee/tallyboard/backend/db"
	"github.com/onnwee/tallyboard/backend/twitchapi"
)

// HandleTwitchOAuthStart initiates the Twitch OAuth flow for a tenant by
// redirecting to Twitch. ?tenant= names the tenant being onboarded; when
// omitted the tenant id is derived from the authorizing account's login at
// callback time.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	cfg := h.deps.Cfg
	if cfg.TwitchClientID == "" || cfg.TwitchRedirectURI == "" {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	tenantID := r.URL.Query().Get("tenant")
	st := uuid.NewString()
	h.addOAuthState(st, tenantID, time.Now().Add(10*time.Minute))
	oc := twitchapi.OAuthConfig(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchRedirectURI, cfg.TwitchScopes)
	authURL, err := twitchapi.BuildAuthorizeURL(oc, st)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleTwitchOAuthCallback handles the OAuth callback from Twitch: it
// exchanges the code, resolves the authorizing account, upserts the tenant
// row and stores the per-tenant token.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	cfg := h.deps.Cfg
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", 400)
		return
	}
	tenantID, ok := h.takeOAuthState(st)
	if !ok {
		http.Error(w, "invalid state", 400)
		return
	}
	ctx := r.Context()
	oc := twitchapi.OAuthConfig(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchRedirectURI, cfg.TwitchScopes)
	tok, err := twitchapi.ExchangeAuthCode(ctx, oc, code)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	// resolve the account that just authorized
	owner, err := h.deps.Helix.GetTokenOwner(ctx, tok.AccessToken)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if tenantID == "" {
		tenantID = strings.ToLower(owner.Login)
	}

	// ensure the tenant row exists and carries the linked account; an
	// onboarding upsert keeps any previously stored features/webhook
	tenant, err := h.deps.Store.GetTenant(ctx, tenantID)
	if err != nil {
		tenant = &db.Tenant{ID: tenantID, Enabled: true}
	}
	tenant.TwitchUserID = owner.ID
	if tenant.DisplayName == "" {
		tenant.DisplayName = owner.DisplayName
	}
	if err := h.deps.Store.UpsertTenant(ctx, *tenant); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	if err := h.deps.Store.UpsertTenantToken(ctx, tenantID,
		tok.AccessToken, tok.RefreshToken, tok.Expiry, cfg.TwitchScopes); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	slog.Info("tenant linked via oauth",
		slog.String("tenant", tenantID), slog.String("twitch_user_id", owner.ID))
	writeJSON(w, map[string]any{
		"status":         "ok",
		"tenant_id":      tenantID,
		"twitch_user_id": owner.ID,
		"expires_at":     tok.Expiry,
	})
}
