package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestCreateEventSubSubscription(t *testing.T) {
	hc := newTestHelix(t, map[string]http.HandlerFunc{
		"/helix/eventsub/subscriptions": func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				t.Errorf("method = %s, want POST", r.Method)
			}
			if got := r.Header.Get("Authorization"); got != "Bearer user-tok" {
				t.Errorf("Authorization = %q, want user token", got)
			}
			var body struct {
				Type      string            `json:"type"`
				Condition map[string]string `json:"condition"`
				Transport map[string]string `json:"transport"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.Type != "stream.online" || body.Transport["session_id"] != "sess-1" {
				t.Errorf("unexpected request body: %+v", body)
			}
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{{"id": "sub-1", "type": "stream.online", "status": "enabled", "cost": 1}},
			})
		},
	})
	sub, err := hc.CreateEventSubSubscription(context.Background(), "t1", SubscriptionRequest{
		Type:      "stream.online",
		Version:   "1",
		Condition: map[string]string{"broadcaster_user_id": "12345"},
		SessionID: "sess-1",
	})
	if err != nil {
		t.Fatalf("CreateEventSubSubscription: %v", err)
	}
	if sub.ID != "sub-1" || sub.Cost != 1 {
		t.Errorf("sub = %+v", sub)
	}
}

func TestCreateEventSubSubscriptionRateLimited(t *testing.T) {
	hc := newTestHelix(t, map[string]http.HandlerFunc{
		"/helix/eventsub/subscriptions": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
		},
	})
	_, err := hc.CreateEventSubSubscription(context.Background(), "t1", SubscriptionRequest{Type: "channel.follow", Version: "2", SessionID: "sess-1"})
	if !IsRateLimit(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.RetryAfter != 3*time.Second {
		t.Errorf("RetryAfter = %v, want 3s", rl.RetryAfter)
	}
}

func TestCreateEventSubSubscriptionOtherError(t *testing.T) {
	hc := newTestHelix(t, map[string]http.HandlerFunc{
		"/helix/eventsub/subscriptions": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"Bad Request"}`, http.StatusBadRequest)
		},
	})
	_, err := hc.CreateEventSubSubscription(context.Background(), "t1", SubscriptionRequest{Type: "stream.online", Version: "1", SessionID: "s"})
	if err == nil {
		t.Fatal("expected error")
	}
	if IsRateLimit(err) {
		t.Error("400 must not classify as rate limit")
	}
}

func TestDeleteEventSubSubscription(t *testing.T) {
	deleted := ""
	hc := newTestHelix(t, map[string]http.HandlerFunc{
		"/helix/eventsub/subscriptions": func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodDelete {
				t.Errorf("method = %s, want DELETE", r.Method)
			}
			deleted = r.URL.Query().Get("id")
			w.WriteHeader(http.StatusNoContent)
		},
	})
	if err := hc.DeleteEventSubSubscription(context.Background(), "t1", "sub-9"); err != nil {
		t.Fatalf("DeleteEventSubSubscription: %v", err)
	}
	if deleted != "sub-9" {
		t.Errorf("deleted id = %q, want sub-9", deleted)
	}
}

func TestDeleteEventSubSubscriptionGoneIsOK(t *testing.T) {
	hc := newTestHelix(t, map[string]http.HandlerFunc{
		"/helix/eventsub/subscriptions": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		},
	})
	if err := hc.DeleteEventSubSubscription(context.Background(), "t1", "sub-9"); err != nil {
		t.Errorf("delete of missing subscription should be a no-op, got %v", err)
	}
}

func TestListEventSubSubscriptionsPagination(t *testing.T) {
	page := 0
	hc := newTestHelix(t, map[string]http.HandlerFunc{
		"/helix/eventsub/subscriptions": func(w http.ResponseWriter, r *http.Request) {
			page++
			switch page {
			case 1:
				if r.URL.Query().Get("after") != "" {
					t.Error("first page should not carry a cursor")
				}
				_ = json.NewEncoder(w).Encode(map[string]any{
					"data":           []map[string]any{{"id": "sub-1", "type": "stream.online", "cost": 1}},
					"total_cost":     2,
					"max_total_cost": 10,
					"pagination":     map[string]string{"cursor": "next"},
				})
			case 2:
				if r.URL.Query().Get("after") != "next" {
					t.Errorf("cursor = %q, want next", r.URL.Query().Get("after"))
				}
				_ = json.NewEncoder(w).Encode(map[string]any{
					"data":           []map[string]any{{"id": "sub-2", "type": "stream.offline", "cost": 1}},
					"total_cost":     2,
					"max_total_cost": 10,
					"pagination":     map[string]string{},
				})
			default:
				t.Errorf("unexpected page %d", page)
			}
		},
	})
	list, err := hc.ListEventSubSubscriptions(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ListEventSubSubscriptions: %v", err)
	}
	if len(list.Subscriptions) != 2 || list.TotalCost != 2 || list.MaxTotalCost != 10 {
		t.Errorf("list = %+v", list)
	}
}

func TestIsRateLimitWrapped(t *testing.T) {
	err := fmt.Errorf("provisioning: %w", &RateLimitError{})
	if !IsRateLimit(err) {
		t.Error("wrapped RateLimitError not detected")
	}
	if IsRateLimit(errors.New("other")) {
		t.Error("plain error misclassified as rate limit")
	}
}
