package store

import (
	"context"
	"io/fs"
	"strings"
	"testing"
)

func TestMigrationsAreEmbeddedInOrder(t *testing.T) {
	entries, err := fs.ReadDir(Migrations(), ".")
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("migrations = %d, want 2", len(entries))
	}
	if entries[0].Name() != "00001_voice_sessions.sql" || entries[1].Name() != "00002_voice_usage.sql" {
		t.Fatalf("unexpected migration order: %s, %s", entries[0].Name(), entries[1].Name())
	}
	for _, e := range entries {
		raw, err := fs.ReadFile(Migrations(), e.Name())
		if err != nil {
			t.Fatalf("ReadFile(%s) error = %v", e.Name(), err)
		}
		if !strings.Contains(string(raw), "-- +goose Up") || !strings.Contains(string(raw), "-- +goose Down") {
			t.Fatalf("%s is missing goose annotations", e.Name())
		}
	}
}

func TestOpenPostgresRequiresURL(t *testing.T) {
	if _, err := OpenPostgres(context.Background(), "  ", nil); err == nil {
		t.Fatalf("expected error for empty url")
	}
}
