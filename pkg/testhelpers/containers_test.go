//go:build integration

package testhelpers

import (
	"context"
	"testing"
)

func TestTestDB_Connection(t *testing.T) {
	testDB := GetTestDB(t)

	ctx := context.Background()

	var tableCount int
	err := testDB.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = 'inventory' AND table_type = 'BASE TABLE'").
		Scan(&tableCount)
	if err != nil {
		t.Fatalf("failed to count tables: %v", err)
	}

	if tableCount != 1 {
		t.Errorf("expected 1 table in fixture schema, got %d", tableCount)
	}
}

func TestTestDB_ConnectionConfig(t *testing.T) {
	testDB := GetTestDB(t)

	cfg := testDB.ConnectionConfig("container")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("container config should validate: %v", err)
	}
	if cfg.Port != testDB.Port {
		t.Errorf("expected port %d, got %d", testDB.Port, cfg.Port)
	}
}
