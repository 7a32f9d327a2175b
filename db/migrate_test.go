package db

import (
	"strings"
	"testing"
)

func TestMigrationNamesSorted(t *testing.T) {
	names, err := MigrationNames()
	if err != nil {
		t.Fatalf("migration names: %v", err)
	}
	if len(names) < 3 {
		t.Fatalf("expected embedded migrations, got %v", names)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("migrations out of order: %v", names)
		}
	}
}

func TestLedgerMigrationGuardsActiveDisputes(t *testing.T) {
	data, err := migrations.ReadFile("migrations/0001_ledger.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sql := string(data)
	for _, want := range []string{
		"disputes_one_active_per_transaction",
		"WHERE status <> 'resolved'",
		"escrow_tracking_number_immutable",
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("ledger migration missing %q", want)
		}
	}
}
