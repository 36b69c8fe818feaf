package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DBPair holds separate read and write connections for optimal SQLite concurrency.
// With WAL mode, readers don't block writers and vice versa.
// Using separate pools allows concurrent reads while serializing writes.
type DBPair struct {
	reader *sql.DB // Multiple connections for concurrent reads
	writer *sql.DB // Single connection for serialized writes
}

// Reader returns the read-only database connection pool.
func (p *DBPair) Reader() *sql.DB { return p.reader }

// Writer returns the read-write database connection pool.
func (p *DBPair) Writer() *sql.DB { return p.writer }

// Close closes both database connections.
func (p *DBPair) Close() error {
	var errs []error
	if err := p.reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close reader: %w", err))
	}
	if err := p.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close writer: %w", err))
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Init opens the SQLite database with optimal connection pooling for concurrency.
// Returns a DBPair with separate reader and writer pools.
func Init(dbPath string) (*DBPair, error) {
	if dbPath == "" {
		return nil, errors.New("db path is required")
	}

	if err := ensureDir(dbPath); err != nil {
		return nil, err
	}

	// Writer: Single connection, handles all writes
	// - _journal=WAL: Write-ahead logging for concurrent reads
	// - _busy_timeout=5000: Wait up to 5 seconds for locks
	// - cache=shared: Share cache between connections for consistency
	// - mode=rwc: Read-write-create mode
	writerConnStr := fmt.Sprintf("%s?_journal=WAL&_busy_timeout=5000&cache=shared&mode=rwc", dbPath)
	writer, err := sql.Open("sqlite3", writerConnStr)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	writer.SetMaxOpenConns(1) // SQLite serializes writes anyway
	writer.SetMaxIdleConns(1) // Keep one connection warm
	writer.SetConnMaxLifetime(time.Hour)

	// Apply PRAGMAs on writer (affects the database)
	if _, err := writer.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		writer.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := writer.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		writer.Close()
		return nil, fmt.Errorf("set foreign_keys: %w", err)
	}

	// Reader: Multiple connections for concurrent reads
	// - mode=ro: Read-only mode
	readerConnStr := fmt.Sprintf("%s?_journal=WAL&_busy_timeout=5000&cache=shared&mode=ro", dbPath)
	reader, err := sql.Open("sqlite3", readerConnStr)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	reader.SetMaxOpenConns(4) // Allow 4 concurrent readers
	reader.SetMaxIdleConns(2) // Keep 2 connections warm
	reader.SetConnMaxLifetime(time.Hour)

	// Apply schema using writer
	if _, err := writer.Exec(schemaSQL); err != nil {
		reader.Close()
		writer.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := runMigrations(writer); err != nil {
		reader.Close()
		writer.Close()
		return nil, err
	}

	return &DBPair{reader: reader, writer: writer}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func runMigrations(db *sql.DB) error {
	jobsColumns, err := tableColumns(db, "production_jobs")
	if err != nil {
		return err
	}

	if !jobsColumns["division"] {
		if _, err := db.Exec("ALTER TABLE production_jobs ADD COLUMN division TEXT"); err != nil {
			return fmt.Errorf("add production_jobs.division: %w", err)
		}
		if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_production_jobs_division ON production_jobs(division) WHERE division IS NOT NULL"); err != nil {
			return fmt.Errorf("create idx_production_jobs_division: %w", err)
		}
	}

	if !jobsColumns["proof_approved_at"] {
		if _, err := db.Exec("ALTER TABLE production_jobs ADD COLUMN proof_approved_at TEXT"); err != nil {
			return fmt.Errorf("add production_jobs.proof_approved_at: %w", err)
		}
		if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_production_jobs_proof_approved ON production_jobs(proof_approved_at) WHERE proof_approved_at IS NOT NULL"); err != nil {
			return fmt.Errorf("create idx_production_jobs_proof_approved: %w", err)
		}
	}

	stageColumns, err := tableColumns(db, "job_stage_instances")
	if err != nil {
		return err
	}

	if !stageColumns["part_assignment"] {
		if _, err := db.Exec("ALTER TABLE job_stage_instances ADD COLUMN part_assignment TEXT"); err != nil {
			return fmt.Errorf("add job_stage_instances.part_assignment: %w", err)
		}
	}

	if !stageColumns["dependency_group"] {
		if _, err := db.Exec("ALTER TABLE job_stage_instances ADD COLUMN dependency_group TEXT"); err != nil {
			return fmt.Errorf("add job_stage_instances.dependency_group: %w", err)
		}
	}

	if !stageColumns["scheduled_minutes"] {
		if _, err := db.Exec("ALTER TABLE job_stage_instances ADD COLUMN scheduled_minutes REAL"); err != nil {
			return fmt.Errorf("add job_stage_instances.scheduled_minutes: %w", err)
		}
	}

	if !stageColumns["schedule_status"] {
		if _, err := db.Exec("ALTER TABLE job_stage_instances ADD COLUMN schedule_status TEXT"); err != nil {
			return fmt.Errorf("add job_stage_instances.schedule_status: %w", err)
		}
		if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_stage_instances_schedule_status ON job_stage_instances(schedule_status) WHERE schedule_status IS NOT NULL"); err != nil {
			return fmt.Errorf("create idx_stage_instances_schedule_status: %w", err)
		}
	}

	shiftColumns, err := tableColumns(db, "shifts")
	if err != nil {
		return err
	}

	if !shiftColumns["is_working_day"] {
		if _, err := db.Exec("ALTER TABLE shifts ADD COLUMN is_working_day INTEGER NOT NULL DEFAULT 1"); err != nil {
			return fmt.Errorf("add shifts.is_working_day: %w", err)
		}
	}

	runsColumns, err := tableColumns(db, "schedule_runs")
	if err != nil {
		return err
	}

	if !runsColumns["source"] {
		if _, err := db.Exec("ALTER TABLE schedule_runs ADD COLUMN source TEXT NOT NULL DEFAULT 'manual'"); err != nil {
			return fmt.Errorf("add schedule_runs.source: %w", err)
		}
	}

	if !runsColumns["base_start"] {
		if _, err := db.Exec("ALTER TABLE schedule_runs ADD COLUMN base_start TEXT"); err != nil {
			return fmt.Errorf("add schedule_runs.base_start: %w", err)
		}
	}

	// Migrate job_stage_instances to add ON DELETE CASCADE for job_id FK
	if err := migrateStageInstancesFK(db); err != nil {
		return err
	}

	if err := backfillScheduleStatus(db); err != nil {
		return err
	}

	return nil
}

// migrateStageInstancesFK recreates job_stage_instances with ON DELETE CASCADE
// on the job_id FK so that deleting a job removes its stage rows.
// This is safe: wrapped in transaction, verifies row counts before dropping old table.
func migrateStageInstancesFK(db *sql.DB) error {
	// Check if migration is needed by looking at the table's SQL definition
	var tableSql string
	err := db.QueryRow("SELECT sql FROM sqlite_master WHERE type='table' AND name='job_stage_instances'").Scan(&tableSql)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil // Table doesn't exist, schema will create it correctly
		}
		return fmt.Errorf("check job_stage_instances schema: %w", err)
	}

	// If already has ON DELETE CASCADE, skip migration
	if strings.Contains(tableSql, "ON DELETE CASCADE") {
		return nil
	}

	// Start transaction for atomic migration
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	// Count existing rows
	var originalCount int
	if err := tx.QueryRow("SELECT COUNT(*) FROM job_stage_instances").Scan(&originalCount); err != nil {
		return fmt.Errorf("count original rows: %w", err)
	}

	// Create new table with correct FK constraint
	_, err = tx.Exec(`
		CREATE TABLE job_stage_instances_new (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			production_stage_id TEXT NOT NULL,
			stage_order INTEGER,
			status TEXT NOT NULL DEFAULT 'pending',
			estimated_minutes REAL,
			setup_minutes REAL,
			part_assignment TEXT,
			dependency_group TEXT,
			scheduled_start_at TEXT,
			scheduled_end_at TEXT,
			scheduled_minutes REAL,
			schedule_status TEXT,
			updated_at TEXT NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (job_id) REFERENCES production_jobs(id) ON DELETE CASCADE,
			FOREIGN KEY (production_stage_id) REFERENCES production_stages(id)
		)
	`)
	if err != nil {
		return fmt.Errorf("create new table: %w", err)
	}

	// Copy all data
	_, err = tx.Exec(`
		INSERT INTO job_stage_instances_new (id, job_id, production_stage_id, stage_order, status,
			estimated_minutes, setup_minutes, part_assignment, dependency_group,
			scheduled_start_at, scheduled_end_at, scheduled_minutes, schedule_status, updated_at)
		SELECT id, job_id, production_stage_id, stage_order, status,
			estimated_minutes, setup_minutes, part_assignment, dependency_group,
			scheduled_start_at, scheduled_end_at, scheduled_minutes, schedule_status, updated_at
		FROM job_stage_instances
	`)
	if err != nil {
		return fmt.Errorf("copy data: %w", err)
	}

	// Verify row count matches
	var newCount int
	if err := tx.QueryRow("SELECT COUNT(*) FROM job_stage_instances_new").Scan(&newCount); err != nil {
		return fmt.Errorf("count new rows: %w", err)
	}
	if newCount != originalCount {
		return fmt.Errorf("row count mismatch: original=%d, new=%d", originalCount, newCount)
	}

	// Drop old table and rename new one
	if _, err := tx.Exec("DROP TABLE job_stage_instances"); err != nil {
		return fmt.Errorf("drop old table: %w", err)
	}
	if _, err := tx.Exec("ALTER TABLE job_stage_instances_new RENAME TO job_stage_instances"); err != nil {
		return fmt.Errorf("rename table: %w", err)
	}

	// Recreate indexes
	if _, err := tx.Exec("CREATE INDEX IF NOT EXISTS idx_stage_instances_job ON job_stage_instances(job_id)"); err != nil {
		return fmt.Errorf("create job index: %w", err)
	}
	if _, err := tx.Exec("CREATE INDEX IF NOT EXISTS idx_stage_instances_stage ON job_stage_instances(production_stage_id)"); err != nil {
		return fmt.Errorf("create stage index: %w", err)
	}
	if _, err := tx.Exec("CREATE INDEX IF NOT EXISTS idx_stage_instances_schedule_status ON job_stage_instances(schedule_status) WHERE schedule_status IS NOT NULL"); err != nil {
		return fmt.Errorf("create schedule_status index: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// backfillScheduleStatus marks rows planned before schedule_status existed.
// Idempotent; only touches rows that hold a start time but no status.
func backfillScheduleStatus(db *sql.DB) error {
	_, err := db.Exec(`
    UPDATE job_stage_instances
    SET schedule_status = 'scheduled', updated_at = ?
    WHERE scheduled_start_at IS NOT NULL
      AND (schedule_status IS NULL OR schedule_status = '')
  `, nowISO())
	if err != nil {
		return fmt.Errorf("backfill schedule_status: %w", err)
	}
	return nil
}

func tableColumns(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var defaultVal sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		columns[name] = true
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return columns, nil
}

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z07:00")
}
