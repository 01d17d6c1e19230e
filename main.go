// Command backend is the main entrypoint for the tallyboard API and the
// EventSub connection manager. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Restores EventSub sessions for every enabled tenant.
//   - Starts the chat command bot and the OAuth token refresher.
//   - Exposes the HTTP API with tenant, counter, overlay, and admin endpoints.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/onnwee/tallyboard/backend/bus"
	"github.com/onnwee/tallyboard/backend/chat"
	"github.com/onnwee/tallyboard/backend/config"
	"github.com/onnwee/tallyboard/backend/db"
	"github.com/onnwee/tallyboard/backend/eventsub"
	"github.com/onnwee/tallyboard/backend/notify"
	"github.com/onnwee/tallyboard/backend/oauth"
	"github.com/onnwee/tallyboard/backend/server"
	"github.com/onnwee/tallyboard/backend/telemetry"
	"github.com/onnwee/tallyboard/backend/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load("backend/.env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateTwitchReady(); err != nil {
		slog.Error("twitch credentials missing", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("tallyboard", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}
	store := db.NewStore(database)

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Twitch API clients: app token for public reads, per-tenant user tokens
	// (from the OAuth onboarding flow) for EventSub subscription management.
	appTokens := &twitchapi.AppTokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	helix := &twitchapi.HelixClient{
		ClientID:   cfg.TwitchClientID,
		AppTokens:  appTokens,
		UserTokens: store,
	}
	if _, err := appTokens.Get(ctx); err != nil {
		slog.Warn("twitch app token fetch failed", slog.Any("err", err))
	}

	notifier := &notify.WebhookSender{DefaultURL: cfg.WebhookURL}
	events := bus.New()

	manager := eventsub.New(eventsub.Config{
		URL:               cfg.EventSubURL,
		ReconnectDelay:    cfg.ReconnectDelay,
		HealthGrace:       cfg.HealthGrace,
		InterDeleteDelay:  cfg.InterDeleteDelay,
		ProvisionAttempts: cfg.ProvisionAttempts,
		ProvisionBackoff:  cfg.ProvisionBackoff,
		DefaultTitle:      cfg.DefaultStreamTitle,
		DefaultCategory:   cfg.DefaultCategory,
	}, store, helix, notifier, events, nil)

	// Restore sessions for every enabled tenant. Failures are per-tenant and
	// non-fatal; a tenant can be restarted later through the lifecycle API.
	go func() {
		tenants, err := store.ListEnabledTenants(ctx)
		if err != nil {
			slog.Error("tenant restore list failed", slog.Any("err", err))
			return
		}
		for _, t := range tenants {
			if err := manager.Subscribe(ctx, t.ID); err != nil {
				slog.Warn("tenant restore failed", slog.String("tenant", t.ID), slog.Any("err", err))
			}
		}
	}()

	// Chat command bot (skipped when creds are absent).
	go chat.Start(ctx, store, events, cfg.ChatBotUsername, cfg.ChatBotToken)

	// Per-tenant user token refresher.
	oc := twitchapi.OAuthConfig(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchRedirectURI, cfg.TwitchScopes)
	oauth.StartRefresher(ctx, database, 5*time.Minute, 15*time.Minute, oauth.TwitchRefresher(oc))

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server
	deps := server.Deps{
		DB:      database,
		Store:   store,
		Manager: manager,
		Bus:     events,
		Cfg:     *cfg,
		Helix:   helix,
	}
	go func() {
		if err := server.Start(ctx, deps, cfg.ListenAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")

	// Best-effort session teardown so Twitch drops subscriptions promptly.
	teardown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, st := range manager.StatusAll() {
		_ = manager.Unsubscribe(teardown, st.TenantID, false)
	}
}
