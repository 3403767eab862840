package twitchapi

import (
	"context"
	"testing"

	"github.com/onnwee/songid/testutil"
)

func TestTokenSourceCachesAppToken(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockOAuthTokenResponse("app-token-123", 3600)

	ts := &TokenSource{ClientID: "cid", ClientSecret: "secret", HTTPClient: m.Client()}
	ctx := context.Background()
	first, err := ts.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if first != "app-token-123" {
		t.Errorf("Get() = %q, want app-token-123", first)
	}
	second, err := ts.Get(ctx)
	if err != nil || second != first {
		t.Errorf("cached Get() = %q, %v", second, err)
	}
	if got := m.Calls(); got != 1 {
		t.Errorf("token endpoint calls = %d, want 1", got)
	}
}

func TestTokenSourceErrors(t *testing.T) {
	if _, err := (&TokenSource{}).Get(context.Background()); err == nil {
		t.Error("missing credentials should error")
	}

	m := testutil.NewMockTwitchServer(t) // no handler: token endpoint 404s
	ts := &TokenSource{ClientID: "cid", ClientSecret: "secret", HTTPClient: m.Client()}
	if _, err := ts.Get(context.Background()); err == nil {
		t.Error("failed token request should error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ts.Get(ctx); err == nil {
		t.Error("cancelled context should error")
	}
}
