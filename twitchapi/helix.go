// Package twitchapi contains minimal helpers for the Twitch Helix and OAuth APIs: live
// stream lookup with an app access token, and validation/refresh of the bot's user token.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const helixStreamsURL = "https://api.twitch.tv/helix/streams"

// HelixClient provides the Helix calls the bot needs.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// Stream is a live stream as returned by /helix/streams.
type Stream struct {
	ID        string
	UserLogin string
	Title     string
	GameName  string
	StartedAt time.Time
}

// GetStreams returns the live streams among logins (at most 100 per call).
// Offline channels are simply absent from the result.
func (hc *HelixClient) GetStreams(ctx context.Context, logins ...string) ([]Stream, error) {
	if len(logins) == 0 {
		return nil, fmt.Errorf("logins empty")
	}
	if len(logins) > 100 {
		return nil, fmt.Errorf("too many logins: %d > 100", len(logins))
	}
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return nil, err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, helixStreamsURL, nil)
	q := req.URL.Query()
	for _, l := range logins {
		q.Add("user_login", strings.ToLower(l))
	}
	q.Set("first", "100")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("helix streams failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		Data []struct {
			ID        string    `json:"id"`
			UserLogin string    `json:"user_login"`
			Title     string    `json:"title"`
			GameName  string    `json:"game_name"`
			Type      string    `json:"type"`
			StartedAt time.Time `json:"started_at"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	out := make([]Stream, 0, len(body.Data))
	for _, s := range body.Data {
		if s.Type != "" && s.Type != "live" {
			continue
		}
		out = append(out, Stream{ID: s.ID, UserLogin: s.UserLogin, Title: s.Title, GameName: s.GameName, StartedAt: s.StartedAt})
	}
	return out, nil
}

// IsLive reports whether login is currently streaming.
func (hc *HelixClient) IsLive(ctx context.Context, login string) (bool, error) {
	if login == "" {
		return false, fmt.Errorf("login empty")
	}
	streams, err := hc.GetStreams(ctx, login)
	if err != nil {
		return false, err
	}
	for _, s := range streams {
		if strings.EqualFold(s.UserLogin, login) {
			return true, nil
		}
	}
	return false, nil
}
