package database

import (
	"path/filepath"
	"testing"
)

// TestMigrationBackwardCompatibility upgrades a database written before
// submission timestamps were tracked.
func TestMigrationBackwardCompatibility(t *testing.T) {
	db := setupTestDB(t)
	defer func() { _ = db.Close() }()

	if err := createMigrationsTable(db); err != nil {
		t.Fatalf("failed to create migrations table: %v", err)
	}
	for _, m := range migrations[:len(migrations)-1] {
		if err := m.up(db); err != nil {
			t.Fatalf("failed to apply %s: %v", m.name, err)
		}
		if err := recordMigration(db, m.name, 1); err != nil {
			t.Fatalf("failed to record %s: %v", m.name, err)
		}
	}

	_, err := db.Exec(`
		INSERT INTO templates (id, name, job_name, default_env) VALUES ('tpl-1', 'Smoke', 'smoke-job', 'staging');
		INSERT INTO executions (id, template_id, status, queue_reference) VALUES ('exec-1', 'tpl-1', 'QUEUED', 'http://ci/queue/item/9/');
	`)
	if err != nil {
		t.Fatalf("failed to seed old data: %v", err)
	}

	if err := runMigrations(db); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	var batch int
	err = db.QueryRow(`SELECT batch FROM migrations WHERE migration = '007_add_executions_submitted_at'`).Scan(&batch)
	if err != nil {
		t.Fatalf("failed to read batch: %v", err)
	}
	if batch != 2 {
		t.Errorf("expected upgrade to run in batch 2, got %d", batch)
	}

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM executions WHERE id = 'exec-1' AND submitted_at IS NOT NULL`).Scan(&count)
	if err != nil {
		t.Fatalf("failed to query migrated execution: %v", err)
	}
	if count != 1 {
		t.Error("existing queued execution should be backfilled as submitted")
	}

	// executions survive deletion of their template
	if _, err := db.Exec(`DELETE FROM templates WHERE id = 'tpl-1'`); err != nil {
		t.Fatalf("failed to delete template: %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM executions`).Scan(&count); err != nil {
		t.Fatalf("failed to count executions: %v", err)
	}
	if count != 1 {
		t.Errorf("expected execution history to survive, got %d rows", count)
	}
}

func TestNew_FileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "testflow.db")

	db, err := New(path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	var mode string
	if err := db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("failed to read journal mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("expected wal journal mode, got %q", mode)
	}

	var fk int
	if err := db.QueryRow(`PRAGMA foreign_keys`).Scan(&fk); err != nil {
		t.Fatalf("failed to read foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Error("expected foreign keys to be enabled")
	}

	var timeout int
	if err := db.QueryRow(`PRAGMA busy_timeout`).Scan(&timeout); err != nil {
		t.Fatalf("failed to read busy_timeout: %v", err)
	}
	if timeout != 5000 {
		t.Errorf("expected busy_timeout 5000, got %d", timeout)
	}
}

func TestNewMemory_SchedulesCascadeWithTemplate(t *testing.T) {
	db, err := NewMemory()
	if err != nil {
		t.Fatalf("failed to open memory database: %v", err)
	}
	defer db.Close()

	_, err = db.Exec(`
		INSERT INTO templates (id, name, job_name, default_env) VALUES ('tpl-1', 'Nightly', 'nightly', 'prod');
		INSERT INTO schedules (id, template_id, cron_expression) VALUES ('sch-1', 'tpl-1', '0 2 * * *');
	`)
	if err != nil {
		t.Fatalf("failed to seed: %v", err)
	}

	if _, err := db.Exec(`DELETE FROM templates WHERE id = 'tpl-1'`); err != nil {
		t.Fatalf("failed to delete template: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schedules`).Scan(&count); err != nil {
		t.Fatalf("failed to count schedules: %v", err)
	}
	if count != 0 {
		t.Errorf("expected schedules to cascade, %d remain", count)
	}
}
