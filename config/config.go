// Package config loads environment variables and provides a typed Config used across the bot.
// It applies sensible defaults so the binary can run locally with minimal setup.
// Use Validate before connecting to chat.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Environment names accepted in ENV.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env string

	// Twitch
	TwitchBotUsername  string
	TwitchOAuthToken   string
	TwitchRefreshToken string
	TwitchClientID     string
	TwitchClientSecret string
	TwitchVerifiedBot  bool

	// Remote configuration / identification API
	APIURL    string
	APIWSURL  string
	APISecret string

	// Database (optional; enables mention log and token store)
	DBDsn         string
	EncryptionKey string

	// HTTP
	HTTPAddr string

	// Dispatcher
	SafetyReset     time.Duration
	JoinDelay       time.Duration
	JoinTimeout     time.Duration
	HostCommands    []string
	MentionTriggers []string
}

// Load reads environment variables and applies defaults. Missing optional variables disable
// features (live checks, token refresh, mention log). Use Validate for required fields.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Env = strings.ToLower(os.Getenv("ENV"))
	switch cfg.Env {
	case "":
		cfg.Env = EnvDevelopment
	case EnvDevelopment, EnvProduction:
	default:
		return nil, fmt.Errorf("invalid ENV %q: want %s or %s", cfg.Env, EnvDevelopment, EnvProduction)
	}

	cfg.TwitchBotUsername = strings.ToLower(strings.TrimSpace(os.Getenv("TWITCH_BOT_USERNAME")))
	cfg.TwitchOAuthToken = strings.TrimSpace(os.Getenv("TWITCH_OAUTH_TOKEN"))
	cfg.TwitchRefreshToken = strings.TrimSpace(os.Getenv("TWITCH_REFRESH_TOKEN"))
	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.TwitchVerifiedBot = os.Getenv("TWITCH_VERIFIED_BOT") == "1"

	cfg.APIURL = os.Getenv("API_URL")
	if cfg.APIURL == "" {
		cfg.APIURL = "http://api:3000/graphql"
	}
	cfg.APIWSURL = os.Getenv("API_WS_URL")
	if cfg.APIWSURL == "" {
		cfg.APIWSURL = strings.Replace(strings.Replace(cfg.APIURL, "https://", "wss://", 1), "http://", "ws://", 1)
	}
	cfg.APISecret = os.Getenv("API_SECRET")

	cfg.DBDsn = os.Getenv("DB_DSN")
	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	var err error
	if cfg.SafetyReset, err = durationEnv("COOLDOWN_SAFETY_RESET", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.JoinDelay, err = durationEnv("JOIN_DELAY", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.JoinTimeout, err = durationEnv("JOIN_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	cfg.HostCommands = splitList(os.Getenv("HOST_COMMANDS"))
	if len(cfg.HostCommands) == 0 {
		cfg.HostCommands = []string{"!song", "!id", "!identify"}
	}
	cfg.MentionTriggers = splitList(os.Getenv("MENTION_TRIGGERS"))
	if len(cfg.MentionTriggers) == 0 && cfg.TwitchBotUsername != "" {
		cfg.MentionTriggers = []string{cfg.TwitchBotUsername}
	}

	return cfg, nil
}

// Validate checks the fields required to run the bot.
func (c *Config) Validate() error {
	if c.TwitchBotUsername == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_BOT_USERNAME")
	}
	if c.TwitchOAuthToken == "" && c.DBDsn == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_OAUTH_TOKEN or DB_DSN with a stored token")
	}
	if c.APISecret == "" {
		return fmt.Errorf("missing api env: require API_SECRET")
	}
	return nil
}

// HelixEnabled reports whether app credentials for Helix calls are present.
func (c *Config) HelixEnabled() bool {
	return c.TwitchClientID != "" && c.TwitchClientSecret != ""
}

// IsProduction reports whether ENV=production.
func (c *Config) IsProduction() bool { return c.Env == EnvProduction }

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s (duration): %q", key, v)
	}
	return d, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
