package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultBaseURL is the production Helix API root.
const DefaultBaseURL = "https://api.twitch.tv"

// HelixClient provides the Helix methods the service needs: user id
// resolution, stream/channel metadata, and EventSub subscription management.
type HelixClient struct {
	ClientID   string
	AppTokens  *AppTokenSource
	UserTokens UserTokenSource
	BaseURL    string       // override for tests
	HTTPClient *http.Client // override for tests
}

// defaultHTTPClient bounds every Helix call; http.DefaultClient has no
// timeout and a hung request would park the caller's read loop.
var defaultHTTPClient = &http.Client{Timeout: 15 * time.Second}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return defaultHTTPClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return DefaultBaseURL
}

// appRequest builds a request authorized with the app access token.
func (hc *HelixClient) appRequest(ctx context.Context, method, path string) (*http.Request, error) {
	tok, err := hc.AppTokens.Get(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, hc.base()+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	return req, nil
}

// userRequest builds a request authorized with a tenant's user token.
func (hc *HelixClient) userRequest(ctx context.Context, tenantID, method, path string, body io.Reader) (*http.Request, error) {
	tok, err := hc.UserTokens.UserToken(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, hc.base()+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	return req, nil
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	req, err := hc.appRequest(ctx, http.MethodGet, "/helix/users")
	if err != nil {
		return "", err
	}
	q := req.URL.Query()
	q.Set("login", login)
	req.URL.RawQuery = q.Encode()
	resp, err := hc.http().Do(req)
	if err != nil {
		return "", err
	}
	defer closeBody(resp)
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// User identifies a Twitch account.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// GetTokenOwner resolves the account a user access token belongs to. Used
// after an OAuth exchange to learn which broadcaster just linked.
func (hc *HelixClient) GetTokenOwner(ctx context.Context, accessToken string) (*User, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("access token empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+"/helix/users", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Client-Id", hc.ClientID)
	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("helix users: status %d", resp.StatusCode)
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("token owner not found")
	}
	return &body.Data[0], nil
}

// ChannelInfo is the broadcaster's current title and category.
type ChannelInfo struct {
	BroadcasterID string
	Title         string
	Category      string
}

// GetChannelInfo fetches the channel's title and category (game name).
func (hc *HelixClient) GetChannelInfo(ctx context.Context, broadcasterID string) (*ChannelInfo, error) {
	if broadcasterID == "" {
		return nil, fmt.Errorf("broadcasterID empty")
	}
	req, err := hc.appRequest(ctx, http.MethodGet, "/helix/channels")
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("broadcaster_id", broadcasterID)
	req.URL.RawQuery = q.Encode()
	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("helix channels request failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		Data []struct {
			BroadcasterID string `json:"broadcaster_id"`
			Title         string `json:"title"`
			GameName      string `json:"game_name"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("channel not found")
	}
	return &ChannelInfo{
		BroadcasterID: body.Data[0].BroadcasterID,
		Title:         body.Data[0].Title,
		Category:      body.Data[0].GameName,
	}, nil
}

// Stream is one live stream as reported by /helix/streams.
type Stream struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	GameName     string    `json:"game_name"`
	ViewerCount  int       `json:"viewer_count"`
	ThumbnailURL string    `json:"thumbnail_url"`
	StartedAt    time.Time `json:"started_at"`
}

// GetStream returns the live stream for a user id, or nil when offline.
func (hc *HelixClient) GetStream(ctx context.Context, userID string) (*Stream, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID empty")
	}
	req, err := hc.appRequest(ctx, http.MethodGet, "/helix/streams")
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("user_id", userID)
	req.URL.RawQuery = q.Encode()
	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("helix streams request failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	return &body.Data[0], nil
}
