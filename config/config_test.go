package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("EVENTSUB_WS_URL", "")
	t.Setenv("DB_DSN", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.EventSubURL != "wss://eventsub.wss.twitch.tv/ws" {
		t.Errorf("EventSubURL = %q, want production endpoint", cfg.EventSubURL)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.HealthGrace != 5*time.Second {
		t.Errorf("HealthGrace = %v, want 5s", cfg.HealthGrace)
	}
	if cfg.ProvisionAttempts != 3 {
		t.Errorf("ProvisionAttempts = %d, want 3", cfg.ProvisionAttempts)
	}
	if cfg.ProvisionBackoff != 2*time.Second {
		t.Errorf("ProvisionBackoff = %v, want 2s", cfg.ProvisionBackoff)
	}
	if cfg.DBDsn == "" {
		t.Errorf("expected default db dsn, got empty")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("EVENTSUB_RECONNECT_DELAY", "7s")
	t.Setenv("EVENTSUB_PROVISION_ATTEMPTS", "5")
	t.Setenv("NOTIFY_DEFAULT_TITLE", "On air")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ReconnectDelay != 7*time.Second {
		t.Errorf("ReconnectDelay = %v, want 7s", cfg.ReconnectDelay)
	}
	if cfg.ProvisionAttempts != 5 {
		t.Errorf("ProvisionAttempts = %d, want 5", cfg.ProvisionAttempts)
	}
	if cfg.DefaultStreamTitle != "On air" {
		t.Errorf("DefaultStreamTitle = %q, want On air", cfg.DefaultStreamTitle)
	}
}

func TestLoadInvalidDurationFallsBack(t *testing.T) {
	t.Setenv("EVENTSUB_HEALTH_GRACE", "not-a-duration")
	cfg, _ := Load()
	if cfg.HealthGrace != 5*time.Second {
		t.Errorf("HealthGrace = %v, want default 5s on invalid input", cfg.HealthGrace)
	}
}

func TestValidateTwitchReady(t *testing.T) {
	t.Setenv("TWITCH_CLIENT_ID", "cid")
	t.Setenv("TWITCH_CLIENT_SECRET", "secret")
	cfg, _ := Load()
	if err := cfg.ValidateTwitchReady(); err != nil {
		t.Errorf("expected valid twitch config, got %v", err)
	}
	if err := os.Unsetenv("TWITCH_CLIENT_SECRET"); err != nil {
		t.Fatalf("failed to unset TWITCH_CLIENT_SECRET: %v", err)
	}
	cfg, _ = Load()
	if err := cfg.ValidateTwitchReady(); err == nil {
		t.Errorf("expected error when missing twitch envs")
	}
}

func TestValidateChatReady(t *testing.T) {
	t.Setenv("CHAT_BOT_USERNAME", "bot")
	t.Setenv("CHAT_BOT_TOKEN", "oauth:token")
	cfg, _ := Load()
	if err := cfg.ValidateChatReady(); err != nil {
		t.Errorf("expected valid chat config, got %v", err)
	}
	if err := os.Unsetenv("CHAT_BOT_TOKEN"); err != nil {
		t.Fatalf("failed to unset CHAT_BOT_TOKEN: %v", err)
	}
	cfg, _ = Load()
	if err := cfg.ValidateChatReady(); err == nil {
		t.Errorf("expected error when missing chat envs")
	}
}
