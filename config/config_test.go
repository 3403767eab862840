package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("API_URL", "")
	t.Setenv("API_WS_URL", "")
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("COOLDOWN_SAFETY_RESET", "")
	t.Setenv("JOIN_DELAY", "")
	t.Setenv("HOST_COMMANDS", "")
	t.Setenv("MENTION_TRIGGERS", "")
	t.Setenv("TWITCH_BOT_USERNAME", "SongBot")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Env != EnvDevelopment {
		t.Errorf("Env = %q, want %q", cfg.Env, EnvDevelopment)
	}
	if cfg.APIWSURL != "ws://api:3000/graphql" {
		t.Errorf("APIWSURL = %q, want ws://api:3000/graphql", cfg.APIWSURL)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.SafetyReset != 10*time.Second || cfg.JoinDelay != 10*time.Second {
		t.Errorf("unexpected durations: reset=%v delay=%v", cfg.SafetyReset, cfg.JoinDelay)
	}
	if len(cfg.HostCommands) != 3 || cfg.HostCommands[0] != "!song" {
		t.Errorf("HostCommands = %v", cfg.HostCommands)
	}
	if len(cfg.MentionTriggers) != 1 || cfg.MentionTriggers[0] != "songbot" {
		t.Errorf("MentionTriggers = %v, want [songbot]", cfg.MentionTriggers)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown env", "ENV", "staging"},
		{"bad duration", "COOLDOWN_SAFETY_RESET", "ten"},
		{"negative duration", "JOIN_DELAY", "-1s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.val)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("TWITCH_BOT_USERNAME", "bot")
	t.Setenv("TWITCH_OAUTH_TOKEN", "oauth:token")
	t.Setenv("API_SECRET", "s3cret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
	if !cfg.IsProduction() {
		t.Errorf("expected production")
	}

	cfg.TwitchOAuthToken = ""
	if err := cfg.Validate(); err == nil {
		t.Errorf("expected error without token or DB")
	}
	cfg.DBDsn = "postgres://localhost/songid"
	if err := cfg.Validate(); err != nil {
		t.Errorf("stored token via DB should validate, got %v", err)
	}
	cfg.APISecret = ""
	if err := cfg.Validate(); err == nil {
		t.Errorf("expected error without API_SECRET")
	}
}

func TestHelixEnabled(t *testing.T) {
	c := &Config{TwitchClientID: "id"}
	if c.HelixEnabled() {
		t.Errorf("helix should need both id and secret")
	}
	c.TwitchClientSecret = "secret"
	if !c.HelixEnabled() {
		t.Errorf("helix should be enabled")
	}
}

func TestLoadTokenAndBotFlags(t *testing.T) {
	t.Setenv("TWITCH_REFRESH_TOKEN", "  refresh-123 ")
	t.Setenv("TWITCH_VERIFIED_BOT", "1")
	t.Setenv("ENCRYPTION_KEY", "a2V5")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.TwitchRefreshToken != "refresh-123" {
		t.Errorf("TwitchRefreshToken = %q", cfg.TwitchRefreshToken)
	}
	if !cfg.TwitchVerifiedBot {
		t.Error("TwitchVerifiedBot = false, want true")
	}
	if cfg.EncryptionKey != "a2V5" {
		t.Errorf("EncryptionKey = %q", cfg.EncryptionKey)
	}
}
