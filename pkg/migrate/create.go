package migrate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/angelmondragon/unilevel-ledger/pkg/db/models"
)

var nameSanitizeRe = regexp.MustCompile(`[^a-z0-9_]+`)

// CreateSQLMigration writes <dir>/<YYYYMMDDHHMMSS>_<name>.sql with a goose
// skeleton shaped by the name: create_<table> gets a CREATE/DROP pair and a
// name mentioning a ledger table gets ALTER stubs for it.
func CreateSQLMigration(dir string, name string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("dir is required")
	}
	safe := sanitizeName(name)
	if safe == "" {
		return "", fmt.Errorf("name %q results in empty sanitized filename", name)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %q: %w", dir, err)
	}

	version := time.Now().UTC().Format("20060102150405")
	fullpath := filepath.Join(dir, fmt.Sprintf("%s_%s.sql", version, safe))
	if _, err := os.Stat(fullpath); err == nil {
		return "", fmt.Errorf("migration already exists: %s", fullpath)
	}

	if err := os.WriteFile(fullpath, []byte(migrationTemplate(safe)), 0o644); err != nil {
		return "", fmt.Errorf("write migration %q: %w", fullpath, err)
	}
	return fullpath, nil
}

func sanitizeName(name string) string {
	safe := strings.ToLower(strings.TrimSpace(name))
	safe = strings.ReplaceAll(safe, " ", "_")
	safe = nameSanitizeRe.ReplaceAllString(safe, "_")
	return strings.Trim(safe, "_")
}

func migrationTemplate(name string) string {
	var up, down string
	switch table := strings.TrimPrefix(name, "create_"); {
	case table != name && table != "":
		up = fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    id uuid PRIMARY KEY,\n    created_at timestamptz NOT NULL DEFAULT now()\n);", table)
		down = fmt.Sprintf("DROP TABLE IF EXISTS %s;", table)
	default:
		if t := ledgerTable(name); t != "" {
			up = fmt.Sprintf("ALTER TABLE %s\n    ADD COLUMN IF NOT EXISTS -- column definition\n;", t)
			down = fmt.Sprintf("ALTER TABLE %s\n    DROP COLUMN IF EXISTS -- column name\n;", t)
		} else {
			up = "-- " + name
			down = "-- rollback " + name
		}
	}
	return fmt.Sprintf("%s\n-- +goose StatementBegin\n%s\n-- +goose StatementEnd\n\n%s\n-- +goose StatementBegin\n%s\n-- +goose StatementEnd\n",
		upMarker, up, downMarker, down)
}

type tabler interface {
	TableName() string
}

// ledgerTable returns the ledger table named inside name, preferring the
// longest match so ledger_state wins over a shorter prefix.
func ledgerTable(name string) string {
	var tables []string
	for _, m := range models.All() {
		if t, ok := m.(tabler); ok {
			tables = append(tables, t.TableName())
		}
	}
	sort.Slice(tables, func(i, j int) bool { return len(tables[i]) > len(tables[j]) })

	padded := "_" + name + "_"
	for _, t := range tables {
		if strings.Contains(padded, "_"+t+"_") {
			return t
		}
	}
	return ""
}
