package migrate_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/angelmondragon/unilevel-ledger/pkg/migrate"
)

func readMigration(t *testing.T, suffix string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join("migrations", "*_"+suffix+".sql"))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one %s migration, found %d", suffix, len(matches))
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	return string(data)
}

func TestLedgerMigrationsContainConstraints(t *testing.T) {
	cases := map[string][]string{
		"create_accounts": {
			"CREATE TABLE IF NOT EXISTS accounts",
			"FOREIGN KEY (sponsor_id) REFERENCES accounts(id)",
			"CHECK (internal_balance >= 0)",
			"CHECK (pending_inactive >= 0)",
			"CHECK (unlocked_level BETWEEN 0 AND 10)",
			"DROP TABLE IF EXISTS accounts",
		},
		"create_settlement_batches": {
			"CREATE TABLE IF NOT EXISTS settlement_batches",
			"status settlement_status NOT NULL DEFAULT 'uncommitted'",
			"idx_settlement_batches_round_id",
			"DROP TABLE IF EXISTS settlement_batches",
		},
		"create_ledger_state": {
			"CREATE TABLE IF NOT EXISTS ledger_state",
			"CHECK (id = 1)",
			"CHECK (min_solvency_bps >= 10000)",
			"DROP TABLE IF EXISTS ledger_state",
		},
		"add_ledger_state_treasury_window": {
			"ADD COLUMN IF NOT EXISTS treasury_used numeric(20,6) NOT NULL DEFAULT 0",
			"ADD COLUMN IF NOT EXISTS treasury_window_started_at timestamptz NULL",
			"DROP COLUMN IF EXISTS treasury_used",
		},
		"create_audit_events": {
			"CREATE TABLE IF NOT EXISTS audit_events",
			"data jsonb NULL",
			"DROP TABLE IF EXISTS audit_events",
		},
	}

	for suffix, checks := range cases {
		content := readMigration(t, suffix)
		for _, sub := range checks {
			if !strings.Contains(content, sub) {
				t.Errorf("%s: missing expected statement %q", suffix, sub)
			}
		}
	}
}

func TestMigrationsDirIsValid(t *testing.T) {
	if err := migrate.ValidateDir("migrations"); err != nil {
		t.Fatalf("validate migrations: %v", err)
	}
}

func TestCreateSQLMigration(t *testing.T) {
	dir := t.TempDir()
	path, err := migrate.CreateSQLMigration(dir, "Add Payout Index!")
	if err != nil {
		t.Fatalf("create migration: %v", err)
	}
	if !strings.HasSuffix(path, "_add_payout_index.sql") {
		t.Fatalf("unexpected filename %s", path)
	}
	if err := migrate.ValidateDir(dir); err != nil {
		t.Fatalf("generated migration should validate: %v", err)
	}

	if _, err := migrate.CreateSQLMigration(dir, "  "); err == nil {
		t.Fatal("expected blank name to be rejected")
	}
}

func TestCreateSQLMigrationTemplates(t *testing.T) {
	cases := map[string][]string{
		"Create payout_receipts": {
			"CREATE TABLE IF NOT EXISTS payout_receipts (",
			"DROP TABLE IF EXISTS payout_receipts;",
		},
		"add ledger_state reserve note": {
			"ALTER TABLE ledger_state\n    ADD COLUMN IF NOT EXISTS",
			"ALTER TABLE ledger_state\n    DROP COLUMN IF EXISTS",
		},
		"index accounts sponsor": {
			"ALTER TABLE accounts",
		},
		"backfill something": {
			"-- backfill_something",
			"-- rollback backfill_something",
		},
	}

	for name, want := range cases {
		dir := t.TempDir()
		path, err := migrate.CreateSQLMigration(dir, name)
		if err != nil {
			t.Fatalf("%s: create migration: %v", name, err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		body := string(data)
		for _, sub := range want {
			if !strings.Contains(body, sub) {
				t.Errorf("%s: missing %q in\n%s", name, sub, body)
			}
		}
		if err := migrate.ValidateDir(dir); err != nil {
			t.Errorf("%s: generated migration should validate: %v", name, err)
		}
	}
}

func TestValidateDirRejectsBadNames(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "001_init.sql"), []byte("-- +goose Up\n-- +goose Down\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := migrate.ValidateDir(dir); err == nil {
		t.Fatal("expected invalid filename to fail validation")
	}
}

func TestValidateDirRejectsSwappedSections(t *testing.T) {
	dir := t.TempDir()
	body := "-- +goose Down\nDROP TABLE x;\n-- +goose Up\nCREATE TABLE x ();\n"
	if err := os.WriteFile(filepath.Join(dir, "20260101000000_swap.sql"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := migrate.ValidateDir(dir); err == nil {
		t.Fatal("expected swapped sections to fail validation")
	}
}
