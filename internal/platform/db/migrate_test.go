package db

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeMigrations(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestParseMigrationName(t *testing.T) {
	tests := []struct {
		name    string
		version int
		ok      bool
	}{
		{"001_bookings.sql", 1, true},
		{"010_booking_notes.sql", 10, true},
		{"2_x.sql", 2, true},
		{"README.md", 0, false},
		{"bookings.sql", 0, false},
		{"abc_bookings.sql", 0, false},
		{"000_zero.sql", 0, false},
		{"001_bookings.sql.bak", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := parseMigrationName(tt.name)
			if v != tt.version || ok != tt.ok {
				t.Errorf("parseMigrationName(%q) = %d, %v; want %d, %v", tt.name, v, ok, tt.version, tt.ok)
			}
		})
	}
}

func TestLoadMigrations_SortsAndChecksums(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"003_reminders.sql": "CREATE TABLE reminders (id UUID PRIMARY KEY);",
		"001_bookings.sql":  "CREATE TABLE bookings (id UUID PRIMARY KEY);",
		"002_indexes.sql":   "CREATE INDEX bookings_start ON bookings (id);",
		"notes.txt":         "not a migration",
	})
	if err := os.Mkdir(filepath.Join(dir, "004_dir.sql"), 0o755); err != nil {
		t.Fatal(err)
	}

	migrations, err := NewMigrator(nil, dir).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	for i, want := range []string{"001_bookings.sql", "002_indexes.sql", "003_reminders.sql"} {
		if migrations[i].Name != want || migrations[i].Version != i+1 {
			t.Errorf("migration %d: got %d %s, want %s", i, migrations[i].Version, migrations[i].Name, want)
		}
	}
	if migrations[0].Checksum != checksum("CREATE TABLE bookings (id UUID PRIMARY KEY);") {
		t.Error("checksum does not match file content")
	}
	if len(migrations[0].Checksum) != 64 {
		t.Errorf("expected hex sha256, got %q", migrations[0].Checksum)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"002_a.sql": "SELECT 1;",
		"002_b.sql": "SELECT 2;",
	})
	_, err := NewMigrator(nil, dir).LoadMigrations()
	if err == nil || !strings.Contains(err.Error(), "share version 2") {
		t.Fatalf("expected duplicate version error, got %v", err)
	}
}

func TestLoadMigrations_EmptyAndMissingDir(t *testing.T) {
	migrations, err := NewMigrator(nil, t.TempDir()).LoadMigrations()
	if err != nil || len(migrations) != 0 {
		t.Errorf("empty dir: got %d migrations, err %v", len(migrations), err)
	}

	if _, err := NewMigrator(nil, filepath.Join(t.TempDir(), "missing")).LoadMigrations(); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestPending(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "001_bookings.sql", Checksum: checksum("a")},
		{Version: 2, Name: "002_indexes.sql", Checksum: checksum("b")},
		{Version: 3, Name: "003_reminders.sql", Checksum: checksum("c")},
	}

	todo, err := pending(migrations, map[int]appliedMigration{
		1: {checksum: checksum("a")},
	})
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(todo) != 2 || todo[0].Version != 2 || todo[1].Version != 3 {
		t.Errorf("expected versions 2 and 3 pending, got %+v", todo)
	}

	_, err = pending(migrations, map[int]appliedMigration{
		1: {checksum: checksum("edited")},
	})
	if err == nil || !strings.Contains(err.Error(), "001_bookings.sql") {
		t.Errorf("expected modified migration error, got %v", err)
	}
}

func TestStatusOf(t *testing.T) {
	at := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	migrations := []Migration{
		{Version: 1, Name: "001_bookings.sql", Checksum: checksum("a")},
		{Version: 2, Name: "002_indexes.sql", Checksum: checksum("b")},
		{Version: 3, Name: "003_reminders.sql", Checksum: checksum("c")},
	}
	applied := map[int]appliedMigration{
		1: {checksum: checksum("a"), appliedAt: at},
		// CHAR(64) comes back space padded on some drivers
		2: {checksum: checksum("edited") + " ", appliedAt: at},
	}

	statuses := statusOf(migrations, applied)
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].Modified || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("001: unexpected status %+v", statuses[0])
	}
	if !statuses[1].Applied || !statuses[1].Modified {
		t.Errorf("002: expected applied and modified, got %+v", statuses[1])
	}
	if statuses[2].Applied || statuses[2].AppliedAt != nil {
		t.Errorf("003: expected pending, got %+v", statuses[2])
	}
}

func TestRepositoryMigrations(t *testing.T) {
	migrations, err := NewMigrator(nil, "../../../migrations").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}
	if len(migrations) == 0 || migrations[0].Version != 1 {
		t.Fatalf("expected migrations starting at version 1, got %+v", migrations)
	}
	if !strings.Contains(migrations[0].SQL, "bookings_no_overlap") {
		t.Error("expected the bookings migration to define the overlap constraint")
	}
}
