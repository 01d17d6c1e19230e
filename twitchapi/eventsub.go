package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// SubscriptionRequest describes one EventSub subscription to create over the
// websocket transport identified by SessionID.
type SubscriptionRequest struct {
	Type      string
	Version   string
	Condition map[string]string
	SessionID string
}

// Subscription is one upstream EventSub subscription with its cost against the
// shared ceiling.
type Subscription struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Cost      int       `json:"cost"`
	CreatedAt time.Time `json:"created_at"`
}

// SubscriptionList is the result of listing a credential's subscriptions,
// including the aggregate cost bookkeeping Twitch reports.
type SubscriptionList struct {
	Subscriptions []Subscription
	TotalCost     int
	MaxTotalCost  int
}

// RateLimitError marks a 429 from the subscriptions endpoint. Only this error
// class is retried by the provisioner.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("eventsub rate limited (retry after %s)", e.RetryAfter)
	}
	return "eventsub rate limited"
}

// IsRateLimit reports whether err is (or wraps) a RateLimitError.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// CreateEventSubSubscription creates one subscription bound to the tenant's
// websocket session. Returns a RateLimitError on 429 so callers can back off.
func (hc *HelixClient) CreateEventSubSubscription(ctx context.Context, tenantID string, sub SubscriptionRequest) (*Subscription, error) {
	payload := map[string]any{
		"type":      sub.Type,
		"version":   sub.Version,
		"condition": sub.Condition,
		"transport": map[string]string{
			"method":     "websocket",
			"session_id": sub.SessionID,
		},
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := hc.userRequest(ctx, tenantID, http.MethodPost, "/helix/eventsub/subscriptions", bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{RetryAfter: retryAfter(resp)}
	}
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("eventsub create %s failed: %s: %s", sub.Type, resp.Status, string(b))
	}
	var body struct {
		Data []Subscription `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("eventsub create %s: empty response", sub.Type)
	}
	return &body.Data[0], nil
}

// DeleteEventSubSubscription removes one subscription by id.
func (hc *HelixClient) DeleteEventSubSubscription(ctx context.Context, tenantID, id string) error {
	if id == "" {
		return fmt.Errorf("subscription id empty")
	}
	req, err := hc.userRequest(ctx, tenantID, http.MethodDelete, "/helix/eventsub/subscriptions", nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	q.Set("id", id)
	req.URL.RawQuery = q.Encode()
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	// 404 means already gone, which is fine for cleanup
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("eventsub delete %s failed: %s: %s", id, resp.Status, string(b))
	}
	return nil
}

// ListEventSubSubscriptions lists all subscriptions owned by the tenant's
// credentials, following pagination.
func (hc *HelixClient) ListEventSubSubscriptions(ctx context.Context, tenantID string) (*SubscriptionList, error) {
	out := &SubscriptionList{}
	cursor := ""
	for {
		req, err := hc.userRequest(ctx, tenantID, http.MethodGet, "/helix/eventsub/subscriptions", nil)
		if err != nil {
			return nil, err
		}
		if cursor != "" {
			q := req.URL.Query()
			q.Set("after", cursor)
			req.URL.RawQuery = q.Encode()
		}
		resp, err := hc.http().Do(req)
		if err != nil {
			return nil, err
		}
		var body struct {
			Data         []Subscription `json:"data"`
			TotalCost    int            `json:"total_cost"`
			MaxTotalCost int            `json:"max_total_cost"`
			Pagination   struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			closeBody(resp)
			return nil, fmt.Errorf("eventsub list failed: %s: %s", resp.Status, string(b))
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			closeBody(resp)
			return nil, err
		}
		closeBody(resp)
		out.Subscriptions = append(out.Subscriptions, body.Data...)
		out.TotalCost = body.TotalCost
		out.MaxTotalCost = body.MaxTotalCost
		if body.Pagination.Cursor == "" {
			return out, nil
		}
		cursor = body.Pagination.Cursor
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return 0
}
