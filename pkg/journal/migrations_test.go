package journal

import (
	"os"
	"path/filepath"
	"testing"
)

const migrationsTestPrefix = "journal:migrations_test"

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("%s - failed to write %s: %v", migrationsTestPrefix, name, err)
		}
	}
}

func TestLoadMigrations_SortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"0002_index.sql": "CREATE INDEX i ON t(a);",
		"0001_table.sql": "CREATE TABLE t (a INT);",
		"README.md":      "# notes",
		"0003_drop.sql~": "DROP TABLE t;",
	})
	if err := os.Mkdir(filepath.Join(dir, "0000_dir.sql"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := LoadMigrations(dir)
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", migrationsTestPrefix, err)
	}
	if len(got) != 2 {
		t.Fatalf("%s - expected 2 migrations, got %d", migrationsTestPrefix, len(got))
	}
	if got[0].Name != "0001_table.sql" || got[0].SQL != "CREATE TABLE t (a INT);" {
		t.Errorf("%s - first migration = %+v", migrationsTestPrefix, got[0])
	}
	if got[1].Name != "0002_index.sql" {
		t.Errorf("%s - second migration = %s", migrationsTestPrefix, got[1].Name)
	}
}

func TestLoadMigrations_MissingDir(t *testing.T) {
	if _, err := LoadMigrations(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Errorf("%s - expected error for a missing directory", migrationsTestPrefix)
	}
}

func TestLoadMigrations_RepositoryMigrations(t *testing.T) {
	got, err := LoadMigrations(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatalf("%s - repository migrations: %v", migrationsTestPrefix, err)
	}
	if len(got) == 0 || got[0].Name != "0001_executions.sql" {
		t.Errorf("%s - unexpected repository migrations %v", migrationsTestPrefix, got)
	}
}

func TestPending(t *testing.T) {
	all := []Migration{{Name: "0001.sql"}, {Name: "0002.sql"}, {Name: "0003.sql"}}
	got := Pending(all, map[string]bool{"0001.sql": true, "0003.sql": true})
	if len(got) != 1 || got[0].Name != "0002.sql" {
		t.Errorf("%s - Pending = %v", migrationsTestPrefix, got)
	}
	if len(Pending(all, nil)) != 3 {
		t.Errorf("%s - nothing applied means everything pending", migrationsTestPrefix)
	}
}
