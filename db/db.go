// Package db provides the Postgres connection, schema migration, the bot token row
// and the mention log. The database is optional: the bot runs without it, losing
// token persistence and mention history.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/songid/crypto"
)

// ProviderTwitchBot keys the bot's chat token in oauth_tokens.
const ProviderTwitchBot = "twitch_bot"

// Connect opens a pgx-backed pool and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("db dsn empty")
	}
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dbx.PingContext(pingCtx); err != nil {
		_ = dbx.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return dbx, nil
}

// Token is a stored OAuth token.
type Token struct {
	Access  string
	Refresh string
	Expiry  time.Time
	Scope   []string
}

// TokenStore persists OAuth tokens in oauth_tokens. With a Sealer, tokens are
// written encrypted (encryption_version 1); plaintext rows remain readable.
type TokenStore struct {
	DB     *sql.DB
	Sealer crypto.Sealer
}

// SaveToken upserts the token row for provider.
func (s *TokenStore) SaveToken(ctx context.Context, provider string, t Token) error {
	access, refresh := t.Access, t.Refresh
	version := 0
	if s.Sealer != nil {
		var err error
		if access, err = s.Sealer.Seal(t.Access); err != nil {
			return fmt.Errorf("seal access token: %w", err)
		}
		if refresh, err = s.Sealer.Seal(t.Refresh); err != nil {
			return fmt.Errorf("seal refresh token: %w", err)
		}
		version = 1
	}
	var expiry any
	if !t.Expiry.IsZero() {
		expiry = t.Expiry
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,NOW())
		ON CONFLICT(provider) DO UPDATE SET
			access_token=EXCLUDED.access_token,
			refresh_token=EXCLUDED.refresh_token,
			expires_at=EXCLUDED.expires_at,
			scope=EXCLUDED.scope,
			encryption_version=EXCLUDED.encryption_version,
			updated_at=NOW()`,
		provider, access, refresh, expiry, strings.Join(t.Scope, " "), version)
	if err != nil {
		return fmt.Errorf("save %s token: %w", provider, err)
	}
	return nil
}

// LoadToken returns the stored token for provider. ok is false when no row exists.
func (s *TokenStore) LoadToken(ctx context.Context, provider string) (tok Token, ok bool, err error) {
	var (
		access, refresh, scope string
		expiry                 sql.NullTime
		version                int
	)
	err = s.DB.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope, encryption_version FROM oauth_tokens WHERE provider=$1`,
		provider).Scan(&access, &refresh, &expiry, &scope, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, fmt.Errorf("load %s token: %w", provider, err)
	}
	if version == 1 {
		if s.Sealer == nil {
			return Token{}, false, fmt.Errorf("%s token is encrypted but ENCRYPTION_KEY is not configured", provider)
		}
		if access, err = s.Sealer.Open(access); err != nil {
			return Token{}, false, fmt.Errorf("open access token: %w", err)
		}
		if refresh, err = s.Sealer.Open(refresh); err != nil {
			return Token{}, false, fmt.Errorf("open refresh token: %w", err)
		}
	}
	tok = Token{Access: access, Refresh: refresh, Scope: strings.Fields(scope)}
	if expiry.Valid {
		tok.Expiry = expiry.Time
	}
	return tok, true, nil
}

// Mention is one logged chat message that named the bot.
type Mention struct {
	Channel string    `json:"channel"`
	Sender  string    `json:"sender"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// MentionStore appends to and reads the mentions table.
type MentionStore struct {
	DB *sql.DB
}

// RecordMention inserts one mention row.
func (s *MentionStore) RecordMention(ctx context.Context, channel, sender, message string, at time.Time) error {
	if _, err := s.DB.ExecContext(ctx,
		`INSERT INTO mentions(channel, sender, message, created_at) VALUES($1,$2,$3,$4)`,
		channel, sender, message, at); err != nil {
		return fmt.Errorf("record mention: %w", err)
	}
	slog.Debug("mention recorded", slog.String("component", "db"), slog.String("channel", channel), slog.String("sender", sender))
	return nil
}

// RecentMentions returns up to limit mentions, newest first. An empty channel
// matches every channel.
func (s *MentionStore) RecentMentions(ctx context.Context, channel string, limit int) ([]Mention, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT channel, sender, message, created_at FROM mentions
		 WHERE ($1 = '' OR channel = $1)
		 ORDER BY created_at DESC LIMIT $2`, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("query mentions: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	out := []Mention{}
	for rows.Next() {
		var m Mention
		if err := rows.Scan(&m.Channel, &m.Sender, &m.Message, &m.At); err != nil {
			return nil, fmt.Errorf("scan mention: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
