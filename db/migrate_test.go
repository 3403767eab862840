package db

import (
	"io"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
)

func TestEmbeddedMigrations(t *testing.T) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		t.Fatalf("iofs.New() error = %v", err)
	}
	defer func() { _ = src.Close() }()

	first, err := src.First()
	if err != nil || first != 1 {
		t.Fatalf("First() = %d, %v", first, err)
	}

	up, _, err := src.ReadUp(first)
	if err != nil {
		t.Fatalf("ReadUp() error = %v", err)
	}
	defer func() { _ = up.Close() }()
	body, _ := io.ReadAll(up)
	for _, table := range []string{"oauth_tokens", "mentions"} {
		if !strings.Contains(string(body), table) {
			t.Errorf("up migration missing table %s", table)
		}
	}

	down, _, err := src.ReadDown(first)
	if err != nil {
		t.Fatalf("ReadDown() error = %v", err)
	}
	_ = down.Close()
}
