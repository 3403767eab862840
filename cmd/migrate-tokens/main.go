// Package main seals plaintext OAuth token rows (encryption_version=0) with
// ENCRYPTION_KEY so they are stored as AES-256-GCM ciphertext (version 1).
//
// Usage:
//
//	migrate-tokens [--dry-run] [--provider PROVIDER]
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
//
// Example:
//
//	export ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	./migrate-tokens --dry-run
//	./migrate-tokens
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/onnwee/songid/crypto"
	"github.com/onnwee/songid/db"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be sealed without making changes")
	provider := flag.String("provider", "", "Seal only this provider's row (default: all)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}
	sealer, err := crypto.NewAESSealer(os.Getenv("ENCRYPTION_KEY"))
	if err != nil {
		slog.Error("failed to initialize sealer", slog.Any("err", err))
		os.Exit(1)
	}

	ctx := context.Background()
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() { _ = database.Close() }()

	if err := sealTokens(ctx, database, sealer, *dryRun, *provider); err != nil {
		slog.Error("migration failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := reportStatus(ctx, database); err != nil {
		slog.Warn("status report failed", slog.Any("err", err))
	}
	slog.Info("migration completed successfully")
}

// sealTokens rewrites every plaintext row through a sealing TokenStore.
func sealTokens(ctx context.Context, database *sql.DB, sealer crypto.Sealer, dryRun bool, only string) error {
	providers, err := plaintextProviders(ctx, database, only)
	if err != nil {
		return err
	}
	if len(providers) == 0 {
		slog.Info("no plaintext tokens found")
		return nil
	}
	slog.Info("found plaintext tokens", slog.Int("count", len(providers)), slog.Bool("dry_run", dryRun))

	plain := &db.TokenStore{DB: database}
	sealed := &db.TokenStore{DB: database, Sealer: sealer}
	failed := 0
	for _, p := range providers {
		log := slog.With(slog.String("provider", p))
		if dryRun {
			log.Info("would seal token (dry-run)")
			continue
		}
		tok, ok, err := plain.LoadToken(ctx, p)
		if err == nil && ok {
			err = sealed.SaveToken(ctx, p, tok)
		}
		if err != nil {
			log.Error("failed to seal token", slog.Any("err", err))
			failed++
			continue
		}
		log.Info("sealed token")
	}
	if failed > 0 {
		return fmt.Errorf("migration completed with %d errors", failed)
	}
	return nil
}

func plaintextProviders(ctx context.Context, database *sql.DB, only string) ([]string, error) {
	rows, err := database.QueryContext(ctx,
		`SELECT provider FROM oauth_tokens WHERE encryption_version = 0 AND ($1 = '' OR provider = $1) ORDER BY provider`, only)
	if err != nil {
		return nil, fmt.Errorf("query plaintext tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// reportStatus logs the row count per encryption_version.
func reportStatus(ctx context.Context, database *sql.DB) error {
	rows, err := database.QueryContext(ctx,
		`SELECT encryption_version, COUNT(*) FROM oauth_tokens GROUP BY encryption_version ORDER BY encryption_version`)
	if err != nil {
		return fmt.Errorf("query status: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var version, count int
		if err := rows.Scan(&version, &count); err != nil {
			return fmt.Errorf("scan status: %w", err)
		}
		desc := "plaintext"
		if version == 1 {
			desc = "encrypted (AES-256-GCM)"
		}
		slog.Info("token encryption status", slog.Int("encryption_version", version), slog.String("description", desc), slog.Int("count", count))
	}
	return rows.Err()
}
