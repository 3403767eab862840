package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// MockTwitchServer creates a test server that mocks Twitch Helix and OAuth responses.
// Pair it with RewriteTransport so requests to api.twitch.tv / id.twitch.tv land here.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
	calls    atomic.Int64
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.calls.Add(1)
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Calls returns how many requests the server has handled.
func (m *MockTwitchServer) Calls() int64 { return m.calls.Load() }

// Client returns an http.Client whose requests are all sent to the mock server.
func (m *MockTwitchServer) Client() *http.Client {
	return &http.Client{Transport: &RewriteTransport{Transport: http.DefaultTransport, Host: m.URL}}
}

// MockStreamsResponse adds a handler for /helix/streams that reports the given logins live.
func (m *MockTwitchServer) MockStreamsResponse(liveLogins ...string) {
	m.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
		requested := map[string]bool{}
		for _, l := range r.URL.Query()["user_login"] {
			requested[l] = true
		}
		data := []map[string]interface{}{}
		for _, l := range liveLogins {
			if requested[l] {
				data = append(data, map[string]interface{}{
					"id":         "s-" + l,
					"user_login": l,
					"type":       "live",
					"title":      l + " stream",
					"started_at": "2024-05-01T10:00:00Z",
				})
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data}) //nolint:errcheck // test mock response
	}
}

// MockOAuthTokenResponse adds a handler for the OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		}
		if r.FormValue("grant_type") == "refresh_token" {
			response["refresh_token"] = "new-refresh-token"
			response["scope"] = []string{"chat:read", "chat:edit"}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockValidateResponse adds a handler for /oauth2/validate accepting only validToken.
func (m *MockTwitchServer) MockValidateResponse(validToken, login string) {
	m.Handlers["/oauth2/validate"] = func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "OAuth "+validToken {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"status":401,"message":"invalid access token"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck // test mock response
			"client_id":  "test-client-id",
			"login":      login,
			"user_id":    "1001",
			"scopes":     []string{"chat:read", "chat:edit"},
			"expires_in": 3600,
		})
	}
}

// RewriteTransport rewrites all requests to use the test server
type RewriteTransport struct {
	Transport http.RoundTripper
	Host      string
}

func (t *RewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	if t.Host != "" {
		host := strings.TrimPrefix(t.Host, "http://")
		host = strings.TrimPrefix(host, "https://")
		req.URL.Host = host
	}
	return t.Transport.RoundTrip(req)
}
