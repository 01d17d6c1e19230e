// Package chat runs the Twitch IRC bot that drives per-tenant counters
// from chat commands.
//
// The bot joins every enabled tenant's channel (the tenant id is the
// channel login) and understands three command forms:
//   - !<name>+  increments the counter (broadcaster and moderators only)
//   - !<name>-  decrements the counter (broadcaster and moderators only)
//   - !<name>   replies with the current value (anyone)
//
// Counter changes are persisted and fanned out to the tenant's overlay
// room, so chat-driven counters and REST-driven counters share one view.
//
// Credentials: the IRC client requires a bot username and an OAuth token
// with chat:read/chat:edit scopes (CHAT_BOT_USERNAME, CHAT_BOT_TOKEN).
// When unset the bot is skipped and counters remain REST-only.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/tallyboard/backend/bus"
	"github.com/onnwee/tallyboard/backend/db"
	"github.com/onnwee/tallyboard/backend/telemetry"
)

// Store is the persistence slice the bot needs. *db.Store satisfies it.
type Store interface {
	ListEnabledTenants(ctx context.Context) ([]db.Tenant, error)
	IncrementCounter(ctx context.Context, tenantID, name string, delta int64) (int64, error)
	GetCounter(ctx context.Context, tenantID, name string) (int64, error)
}

// Publisher fans counter updates out to overlay clients.
type Publisher interface {
	Publish(room string, ev bus.Event)
}

var _ Store = (*db.Store)(nil)

// Bot handles counter commands across all joined channels.
type Bot struct {
	store Store
	pub   Publisher
	say   func(channel, text string)
}

// Start connects the bot and blocks until ctx is cancelled. Returns
// immediately when credentials are not configured.
func Start(ctx context.Context, store Store, pub Publisher, username, token string) {
	if username == "" || token == "" {
		slog.Info("chat bot creds not set; skipping counter commands")
		return
	}
	client := twitch.NewClient(username, token)
	bot := &Bot{store: store, pub: pub, say: client.Say}

	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		bot.handleMessage(ctx, msg)
	})

	tenants, err := store.ListEnabledTenants(ctx)
	if err != nil {
		slog.Error("chat bot could not list tenants", slog.Any("err", err))
		return
	}
	for _, t := range tenants {
		client.Join(t.ID)
	}
	slog.Info("chat bot joining channels", slog.Int("count", len(tenants)))

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		client.Disconnect()
		close(done)
	}()

	if err := client.Connect(); err != nil {
		slog.Error("twitch chat connect error", slog.Any("err", err))
	}
	<-done
}

// handleMessage parses and executes one chat line. Non-commands are
// ignored silently.
func (b *Bot) handleMessage(ctx context.Context, msg twitch.PrivateMessage) {
	name, delta, ok := parseCommand(msg.Message)
	if !ok {
		return
	}
	tenantID := strings.ToLower(msg.Channel)

	if delta == 0 {
		value, err := b.store.GetCounter(ctx, tenantID, name)
		if err != nil {
			slog.Warn("counter read failed", slog.String("tenant", tenantID), slog.String("name", name), slog.Any("err", err))
			return
		}
		b.say(msg.Channel, fmt.Sprintf("%s: %d", name, value))
		return
	}

	if !isElevated(msg.User) {
		return
	}
	value, err := b.store.IncrementCounter(ctx, tenantID, name, delta)
	if err != nil {
		slog.Warn("counter update failed", slog.String("tenant", tenantID), slog.String("name", name), slog.Any("err", err))
		return
	}
	telemetry.CounterIncrements.Inc()
	if b.pub != nil {
		b.pub.Publish(tenantID, bus.Event{
			Type:     bus.TypeCounterUpdate,
			TenantID: tenantID,
			Data:     map[string]any{"name": name, "value": value},
		})
	}
	b.say(msg.Channel, fmt.Sprintf("%s: %d", name, value))
}

// parseCommand recognizes !name, !name+ and !name-. Returns delta 0 for a
// read. Counter names are limited to letters, digits and underscores.
func parseCommand(text string) (name string, delta int64, ok bool) {
	text = strings.TrimSpace(text)
	if len(text) < 2 || text[0] != '!' {
		return "", 0, false
	}
	// commands take no arguments
	if strings.ContainsAny(text, " \t") {
		return "", 0, false
	}
	body := text[1:]
	switch body[len(body)-1] {
	case '+':
		delta = 1
		body = body[:len(body)-1]
	case '-':
		delta = -1
		body = body[:len(body)-1]
	}
	if !validCounterName(body) {
		return "", 0, false
	}
	return strings.ToLower(body), delta, true
}

func validCounterName(s string) bool {
	if len(s) == 0 || len(s) > 32 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}

// isElevated reports whether the sender may mutate counters: the
// broadcaster or a moderator.
func isElevated(u twitch.User) bool {
	if u.Badges == nil {
		return false
	}
	return u.Badges["broadcaster"] > 0 || u.Badges["moderator"] > 0
}
