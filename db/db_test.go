package db_test

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/songid/crypto"
	"github.com/onnwee/songid/db"
	"github.com/onnwee/songid/testutil"
)

func TestConnectRequiresDSN(t *testing.T) {
	if _, err := db.Connect(context.Background(), ""); err == nil {
		t.Error("Connect(\"\") should error")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	if err := db.Migrate(context.Background(), database); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
	v, dirty, err := db.MigrationVersion(database)
	if err != nil {
		t.Fatalf("MigrationVersion() error = %v", err)
	}
	if v < 1 || dirty {
		t.Errorf("version = %d dirty = %v", v, dirty)
	}
}

func TestTokenStorePlaintext(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := &db.TokenStore{DB: database}

	if _, ok, err := store.LoadToken(ctx, db.ProviderTwitchBot); ok || err != nil {
		t.Fatalf("LoadToken() on empty table = ok %v err %v", ok, err)
	}

	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	in := db.Token{Access: "a1", Refresh: "r1", Expiry: exp, Scope: []string{"chat:read", "chat:edit"}}
	if err := store.SaveToken(ctx, db.ProviderTwitchBot, in); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}
	got, ok, err := store.LoadToken(ctx, db.ProviderTwitchBot)
	if err != nil || !ok {
		t.Fatalf("LoadToken() = ok %v err %v", ok, err)
	}
	if got.Access != "a1" || got.Refresh != "r1" || !got.Expiry.Equal(exp) || len(got.Scope) != 2 {
		t.Errorf("LoadToken() = %+v", got)
	}
}

func TestTokenStoreEncrypted(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	sealer, err := crypto.NewAESSealer(base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")))
	if err != nil {
		t.Fatal(err)
	}
	store := &db.TokenStore{DB: database, Sealer: sealer}
	if err := store.SaveToken(ctx, db.ProviderTwitchBot, db.Token{Access: "secret-access", Refresh: "secret-refresh"}); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	var raw string
	var version int
	if err := database.QueryRow(`SELECT access_token, encryption_version FROM oauth_tokens WHERE provider=$1`, db.ProviderTwitchBot).Scan(&raw, &version); err != nil {
		t.Fatal(err)
	}
	if version != 1 || strings.Contains(raw, "secret-access") {
		t.Errorf("stored row not encrypted: version=%d raw=%q", version, raw)
	}

	got, ok, err := store.LoadToken(ctx, db.ProviderTwitchBot)
	if err != nil || !ok || got.Access != "secret-access" || got.Refresh != "secret-refresh" {
		t.Errorf("LoadToken() = %+v ok=%v err=%v", got, ok, err)
	}

	plain := &db.TokenStore{DB: database}
	if _, _, err := plain.LoadToken(ctx, db.ProviderTwitchBot); err == nil {
		t.Error("reading an encrypted row without a sealer should error")
	}
}

func TestMentionStore(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := &db.MentionStore{DB: database}
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for i, ch := range []string{"alpha", "beta", "alpha"} {
		if err := store.RecordMention(ctx, ch, "viewer", "hey songbot", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("RecordMention() error = %v", err)
		}
	}

	all, err := store.RecentMentions(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentMentions() error = %v", err)
	}
	if len(all) != 3 || !all[0].At.Equal(base.Add(2*time.Minute)) {
		t.Errorf("RecentMentions(all) = %+v", all)
	}
	alpha, _ := store.RecentMentions(ctx, "alpha", 10)
	if len(alpha) != 2 {
		t.Errorf("RecentMentions(alpha) len = %d, want 2", len(alpha))
	}
}
