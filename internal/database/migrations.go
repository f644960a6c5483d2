package database

import (
	"database/sql"

	"github.com/cockroachdb/errors"
)

type migration struct {
	name string
	up   func(*sql.DB) error
}

func execAll(stmts ...string) func(*sql.DB) error {
	return func(db *sql.DB) error {
		for _, stmt := range stmts {
			if _, err := db.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	}
}

var migrations = []migration{
	{"001_create_templates", execAll(`CREATE TABLE IF NOT EXISTS templates (
		id TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		job_name TEXT NOT NULL,
		default_env TEXT NOT NULL,
		available_envs TEXT NOT NULL DEFAULT '[]',
		params TEXT NOT NULL DEFAULT '{}',
		auto_notify BOOLEAN NOT NULL DEFAULT FALSE,
		notification_ids TEXT NOT NULL DEFAULT '[]',
		last_used DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`)},

	{"002_create_schedules", execAll(`CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		template_id TEXT NOT NULL,
		cron_expression TEXT NOT NULL,
		target_env TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (template_id) REFERENCES templates(id) ON DELETE CASCADE
	)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_template_id ON schedules(template_id)`,
	)},

	// Executions outlive their template so history survives template deletion.
	{"003_create_executions", execAll(`CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		template_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'QUEUED',
		trigger_kind TEXT NOT NULL DEFAULT 'MANUAL',
		queue_reference TEXT,
		build_number INTEGER,
		env TEXT NOT NULL DEFAULT '',
		triggered_by TEXT NOT NULL DEFAULT '',
		should_notify BOOLEAN NOT NULL DEFAULT FALSE,
		start_time DATETIME,
		duration INTEGER,
		result_stats TEXT,
		report_url TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_template_id ON executions(template_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions(created_at)`,
	)},

	{"004_create_notification_configs", execAll(`CREATE TABLE IF NOT EXISTS notification_configs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		webhook_url TEXT NOT NULL DEFAULT '',
		secret TEXT NOT NULL DEFAULT '',
		smtp TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`)},

	{"005_create_system_configs", execAll(`CREATE TABLE IF NOT EXISTS system_configs (
		id TEXT PRIMARY KEY,
		type_name TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
		`CREATE INDEX IF NOT EXISTS idx_system_configs_type_name ON system_configs(type_name)`,
	)},

	{"006_create_audit_logs", execAll(`CREATE TABLE IF NOT EXISTS audit_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT,
		ip_address TEXT,
		user_agent TEXT,
		details TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_resource ON audit_logs(resource_type, resource_id)`,
	)},

	{"007_add_executions_submitted_at", addExecutionsSubmittedAtColumn},
}

func createMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS migrations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		migration TEXT UNIQUE NOT NULL,
		batch INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`)
	return err
}

func recordMigration(db *sql.DB, name string, batch int) error {
	_, err := db.Exec(`INSERT INTO migrations (migration, batch) VALUES (?, ?)`, name, batch)
	return err
}

func hasMigrationRun(db *sql.DB, name string) (bool, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM migrations WHERE migration = ?`, name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func nextBatch(db *sql.DB) (int, error) {
	var batch sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(batch) FROM migrations`).Scan(&batch); err != nil {
		return 0, err
	}
	return int(batch.Int64) + 1, nil
}

func runMigrations(db *sql.DB) error {
	if err := createMigrationsTable(db); err != nil {
		return errors.Wrap(err, "create migrations table")
	}

	batch, err := nextBatch(db)
	if err != nil {
		return errors.Wrap(err, "read migration batch")
	}

	for _, m := range migrations {
		done, err := hasMigrationRun(db, m.name)
		if err != nil {
			return errors.Wrapf(err, "check migration %s", m.name)
		}
		if done {
			continue
		}
		if err := m.up(db); err != nil {
			return errors.Wrapf(err, "run migration %s", m.name)
		}
		if err := recordMigration(db, m.name, batch); err != nil {
			return errors.Wrapf(err, "record migration %s", m.name)
		}
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// addExecutionsSubmittedAtColumn adds the submission timestamp used to tell a
// QUEUED execution that is still being submitted from one whose originator died.
// Rows that already carry a queue reference were evidently submitted.
func addExecutionsSubmittedAtColumn(db *sql.DB) error {
	exists, err := columnExists(db, "executions", "submitted_at")
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if _, err := db.Exec(`ALTER TABLE executions ADD COLUMN submitted_at DATETIME`); err != nil {
		return err
	}
	_, err = db.Exec(`UPDATE executions SET submitted_at = created_at
		WHERE queue_reference IS NOT NULL AND queue_reference != ''`)
	return err
}
