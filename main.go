// Command songid is the chat bot entrypoint. It:
//   - Loads configuration and initializes structured logging, metrics and tracing.
//   - Optionally connects to Postgres for the bot token row and the mention log.
//   - Bulk-loads channel configuration from the remote API and subscribes to changes.
//   - Connects to Twitch chat, joins the enabled channels and dispatches triggers.
//   - Exposes /healthz, /readyz, /metrics and the secret-protected /channels API.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/songid/channels"
	"github.com/onnwee/songid/chat"
	"github.com/onnwee/songid/config"
	"github.com/onnwee/songid/crypto"
	"github.com/onnwee/songid/db"
	"github.com/onnwee/songid/dispatch"
	"github.com/onnwee/songid/identify"
	"github.com/onnwee/songid/oauth"
	"github.com/onnwee/songid/remote"
	"github.com/onnwee/songid/server"
	"github.com/onnwee/songid/telemetry"
	"github.com/onnwee/songid/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Tracing is optional; it only exports when OTEL_EXPORTER_OTLP_ENDPOINT is set.
	shutdownTracing, err := telemetry.InitTracing("songid", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpClient := &http.Client{Timeout: 30 * time.Second}

	// Optional database: token row + mention log.
	var (
		database *sql.DB
		tokens   *db.TokenStore
		mentions *db.MentionStore
	)
	if cfg.DBDsn != "" {
		database, err = db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			slog.Error("failed to open db", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
		tokens = &db.TokenStore{DB: database}
		if cfg.EncryptionKey != "" {
			sealer, err := crypto.NewAESSealer(cfg.EncryptionKey)
			if err != nil {
				slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
				os.Exit(1)
			}
			tokens.Sealer = sealer
		}
		mentions = &db.MentionStore{DB: database}
	}

	token, err := resolveToken(ctx, cfg, tokens)
	if err != nil {
		slog.Error("no usable chat token", slog.Any("err", err))
		os.Exit(1)
	}
	checkToken(ctx, httpClient, cfg.TwitchBotUsername, token)

	// Remote configuration service.
	api := &remote.Client{URL: cfg.APIURL, Secret: cfg.APISecret, HTTPClient: httpClient}
	feed := &remote.Feed{URL: cfg.APIWSURL, Secret: cfg.APISecret}

	source := &channels.GraphQLSource{API: api}
	cache := channels.NewCache(source)
	cache.SingleChannel = !cfg.IsProduction()
	names, err := cache.BulkLoad(ctx)
	if err != nil {
		slog.Error("initial channel load failed", slog.Any("err", err))
		os.Exit(1)
	}

	dcfg := dispatch.Config{
		Cache:           cache,
		Identifier:      &identify.Gateway{API: api},
		BotName:         cfg.TwitchBotUsername,
		HostCommands:    cfg.HostCommands,
		MentionTriggers: cfg.MentionTriggers,
		SafetyReset:     cfg.SafetyReset,
	}
	if mentions != nil {
		dcfg.Mentions = mentions
	}
	if cfg.HelixEnabled() {
		helix := &twitchapi.HelixClient{
			AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret, HTTPClient: httpClient},
			ClientID:       cfg.TwitchClientID,
			HTTPClient:     httpClient,
		}
		dcfg.Live = twitchapi.NewLiveCache(helix, 30*time.Second)
	} else {
		slog.Info("live checks disabled (missing TWITCH_CLIENT_ID/TWITCH_CLIENT_SECRET)")
	}

	dispatcher := dispatch.New(dcfg)
	client := chat.NewClient(cfg.TwitchBotUsername, token, dispatcher, chat.Options{
		JoinTimeout: cfg.JoinTimeout,
		Verified:    cfg.TwitchVerifiedBot,
	})
	dispatcher.SetSender(client)
	rec := channels.NewReconciler(client, cache, source)
	dispatcher.SetDisabler(rec)

	// Bot token refresher (needs app credentials to run the refresh grant and a DB to persist).
	if tokens != nil && cfg.HelixEnabled() {
		refresher := &oauth.Refresher{
			Store:    tokens,
			Provider: db.ProviderTwitchBot,
			Refresh: func(rctx context.Context, refreshToken string) (db.Token, error) {
				res, err := twitchapi.RefreshToken(rctx, httpClient, cfg.TwitchClientID, cfg.TwitchClientSecret, refreshToken)
				if err != nil {
					return db.Token{}, err
				}
				return db.Token{Access: res.AccessToken, Refresh: res.RefreshToken, Expiry: res.Expiry, Scope: res.Scope}, nil
			},
			OnRefresh: func(t db.Token) { client.SetToken(t.Access) },
		}
		if refreshed, err := refresher.Check(ctx); err != nil {
			slog.Warn("startup token refresh failed", slog.String("component", "oauth_refresh"), slog.Any("err", err))
		} else if refreshed {
			slog.Info("chat token refreshed at startup", slog.String("component", "oauth_refresh"))
		}
		refresher.Start(ctx)
	}

	channels.Listen(feed, cache, rec)
	go func() {
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("subscription feed exited", slog.Any("err", err))
		}
	}()
	go func() {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("chat client exited", slog.Any("err", err))
			stop()
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-client.Ready():
		}
		if err := client.Join(ctx, cfg.TwitchBotUsername); err != nil {
			slog.Warn("failed to join host channel", slog.String("channel", cfg.TwitchBotUsername), slog.Any("err", err))
		}
		slog.Info("waiting before initial joins", slog.Duration("delay", cfg.JoinDelay), slog.Int("channels", len(names)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.JoinDelay):
		}
		rec.JoinAll(ctx, names)
	}()

	startPprof()

	deps := server.Deps{
		Cache:         cache,
		Membership:    rec,
		Chat:          client,
		DB:            database,
		Secret:        cfg.APISecret,
		RequireSecret: cfg.IsProduction(),
	}
	if mentions != nil {
		deps.Mentions = mentions
	}
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, server.NewMux(ctx, deps)); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	dispatcher.Wait()
	rec.Wait()
}

var errMissingToken = errors.New("no stored token and TWITCH_OAUTH_TOKEN is empty")

// resolveToken prefers the stored token row and seeds it from env on first run.
func resolveToken(ctx context.Context, cfg *config.Config, store *db.TokenStore) (string, error) {
	if store == nil {
		return cfg.TwitchOAuthToken, nil
	}
	tok, ok, err := store.LoadToken(ctx, db.ProviderTwitchBot)
	if err != nil {
		return "", err
	}
	if ok && tok.Access != "" {
		return tok.Access, nil
	}
	if cfg.TwitchOAuthToken == "" {
		return "", errMissingToken
	}
	seed := db.Token{Access: strings.TrimPrefix(cfg.TwitchOAuthToken, "oauth:"), Refresh: cfg.TwitchRefreshToken}
	if err := store.SaveToken(ctx, db.ProviderTwitchBot, seed); err != nil {
		slog.Warn("failed to seed stored token", slog.String("component", "oauth"), slog.Any("err", err))
	}
	return cfg.TwitchOAuthToken, nil
}

// checkToken warns when the token belongs to another account or cannot chat.
func checkToken(ctx context.Context, hc *http.Client, bot, token string) {
	vctx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()
	info, err := twitchapi.ValidateToken(vctx, hc, strings.TrimPrefix(token, "oauth:"))
	if err != nil {
		slog.Warn("chat token validation failed", slog.String("component", "oauth"), slog.Any("err", err))
		return
	}
	if !strings.EqualFold(info.Login, bot) {
		slog.Warn("chat token belongs to a different account", slog.String("component", "oauth"), slog.String("login", info.Login), slog.String("bot", bot))
	}
	if !info.HasScope("chat:edit") {
		slog.Warn("chat token lacks chat:edit scope; replies will fail", slog.String("component", "oauth"))
	}
}

func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
		srv := &http.Server{
			Addr:              pprofAddr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
