package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if s.Path() != path {
		t.Errorf("Path() = %q, want %q", s.Path(), path)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	for _, table := range Tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM properties").Scan(&n); err != nil {
		t.Fatalf("count properties: %v", err)
	}
	if n != 1 {
		t.Errorf("properties has %d rows after reopening, want 1", n)
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

// Pragma tests

func TestPragma_JournalMode(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("journal_mode", "wal"); err != nil {
		t.Error(err)
	}
}

func TestPragma_Synchronous(t *testing.T) {
	s := createTestStore(t)
	// NORMAL = 1
	if err := s.verifyPragma("synchronous", "1"); err != nil {
		t.Error(err)
	}
}

func TestPragma_BusyTimeout(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("busy_timeout", "5000"); err != nil {
		t.Error(err)
	}
}

// Schema table tests

func TestSchema_JobsTable(t *testing.T) {
	s := createTestStore(t)

	columns := getTableColumns(t, s.db, "jobs")
	expected := []string{
		"id", "rev", "kind", "handler_type", "handler_config", "due_date",
		"lock_owner", "lock_expiration", "retries", "exclusive", "execution_id",
		"process_instance_id", "exception_message", "created_at",
	}
	for _, col := range expected {
		if !contains(columns, col) {
			t.Errorf("jobs table missing column %q", col)
		}
	}
}

func TestSchema_ExecutionsTable(t *testing.T) {
	s := createTestStore(t)

	columns := getTableColumns(t, s.db, "executions")
	expected := []string{
		"id", "rev", "process_instance_id", "parent_id", "definition_id",
		"activity_id", "business_key", "is_active", "is_concurrent", "is_scope",
	}
	for _, col := range expected {
		if !contains(columns, col) {
			t.Errorf("executions table missing column %q", col)
		}
	}
}

func TestSchema_JobsIndexes(t *testing.T) {
	s := createTestStore(t)

	indexes := getTableIndexes(t, s.db, "jobs")
	for _, idx := range []string{"idx_jobs_acquire", "idx_jobs_execution", "idx_jobs_instance"} {
		if !contains(indexes, idx) {
			t.Errorf("jobs table missing index %q", idx)
		}
	}
}

// Constraint tests

func TestConstraint_LockOwnerAndExpirationTogether(t *testing.T) {
	s := createTestStore(t)

	_, err := s.db.Exec(`
		INSERT INTO jobs (id, kind, handler_type, lock_owner, created_at)
		VALUES ('j1', 'message', 'noop', 'node-a', 0)
	`)
	if err == nil {
		t.Error("expected CHECK violation for lock_owner without lock_expiration")
	}
}

func TestConstraint_TimerNeedsDueDate(t *testing.T) {
	s := createTestStore(t)

	_, err := s.db.Exec(`
		INSERT INTO jobs (id, kind, handler_type, created_at)
		VALUES ('j1', 'timer', 'timer-signal', 0)
	`)
	if err == nil {
		t.Error("expected CHECK violation for timer without due_date")
	}
}

func TestConstraint_RetriesNotNegative(t *testing.T) {
	s := createTestStore(t)

	_, err := s.db.Exec(`
		INSERT INTO jobs (id, kind, handler_type, retries, created_at)
		VALUES ('j1', 'message', 'noop', -1, 0)
	`)
	if err == nil {
		t.Error("expected CHECK violation for negative retries")
	}
}

// Migration tests

func TestMigration_SchemaVersion(t *testing.T) {
	s := createTestStore(t)

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("failed to get user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}
}

func TestMigration_UpgradeFromV0(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	// Simulate a v0 database: no version property, user_version 0
	if _, err := s.db.Exec("DELETE FROM properties"); err != nil {
		t.Fatalf("delete properties: %v", err)
	}
	if _, err := s.db.Exec("PRAGMA user_version = 0"); err != nil {
		t.Fatalf("reset user_version: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	var value string
	if err := s.db.QueryRow("SELECT value FROM properties WHERE name = ?", SchemaVersionProperty).Scan(&value); err != nil {
		t.Fatalf("schema.version property missing after upgrade: %v", err)
	}
	if value != "2" {
		t.Errorf("schema.version = %q, want %q", value, "2")
	}
}

func TestMigration_UpgradeFromV1AddsJobFailures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	// Simulate a v1 database: jobs without the failures column
	if _, err := s.db.Exec("ALTER TABLE jobs DROP COLUMN failures"); err != nil {
		t.Fatalf("drop failures: %v", err)
	}
	if _, err := s.db.Exec("UPDATE properties SET value = '1' WHERE name = ?", SchemaVersionProperty); err != nil {
		t.Fatalf("reset schema.version: %v", err)
	}
	if _, err := s.db.Exec("PRAGMA user_version = 1"); err != nil {
		t.Fatalf("reset user_version: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM pragma_table_info('jobs') WHERE name = 'failures'").Scan(&n); err != nil {
		t.Fatalf("table info: %v", err)
	}
	if n != 1 {
		t.Errorf("jobs.failures missing after upgrade")
	}

	var value string
	if err := s.db.QueryRow("SELECT value FROM properties WHERE name = ?", SchemaVersionProperty).Scan(&value); err != nil {
		t.Fatalf("schema.version: %v", err)
	}
	if value != "2" {
		t.Errorf("schema.version = %q, want %q", value, "2")
	}
}

func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func getTableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		t.Fatalf("failed to get table info for %q: %v", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			t.Fatalf("failed to scan column info: %v", err)
		}
		columns = append(columns, name)
	}
	return columns
}

func getTableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=?", table)
	if err != nil {
		t.Fatalf("failed to get indexes for %q: %v", table, err)
	}
	defer rows.Close()

	var indexes []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("failed to scan index name: %v", err)
		}
		indexes = append(indexes, name)
	}
	return indexes
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
