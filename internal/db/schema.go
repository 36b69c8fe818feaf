package db

const schemaSQL = `
-- ===========================================================================
-- WORKING CALENDAR (shifts, breaks, public holidays)
-- ===========================================================================

CREATE TABLE IF NOT EXISTS shifts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  day_of_week INTEGER NOT NULL CHECK (day_of_week BETWEEN 1 AND 7),
  start_time TEXT NOT NULL,
  end_time TEXT NOT NULL,
  is_working_day INTEGER NOT NULL DEFAULT 1,
  created_at TEXT NOT NULL DEFAULT (datetime('now')),
  updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_shifts_day ON shifts(day_of_week);

CREATE TABLE IF NOT EXISTS shift_breaks (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  start_time TEXT NOT NULL,
  minutes INTEGER NOT NULL CHECK (minutes > 0),
  created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS public_holidays (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  holiday_date TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- ==========================================================================
-- PRODUCTION (stages, routes, jobs, per-job stage instances)
-- ==========================================================================

CREATE TABLE IF NOT EXISTS production_stages (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS stage_routes (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  category_id TEXT NOT NULL,
  production_stage_id TEXT NOT NULL,
  stage_order INTEGER NOT NULL,
  FOREIGN KEY (production_stage_id) REFERENCES production_stages(id)
);

CREATE INDEX IF NOT EXISTS idx_stage_routes_category ON stage_routes(category_id, stage_order);

CREATE TABLE IF NOT EXISTS production_jobs (
  id TEXT PRIMARY KEY,
  wo_no TEXT NOT NULL,
  customer TEXT,
  qty INTEGER,
  due_date TEXT,
  division TEXT,
  category_id TEXT,
  proof_approved_at TEXT,
  created_at TEXT NOT NULL DEFAULT (datetime('now')),
  updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_production_jobs_wo ON production_jobs(wo_no);
CREATE INDEX IF NOT EXISTS idx_production_jobs_division ON production_jobs(division) WHERE division IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_production_jobs_proof_approved ON production_jobs(proof_approved_at) WHERE proof_approved_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS job_stage_instances (
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
);

CREATE INDEX IF NOT EXISTS idx_stage_instances_job ON job_stage_instances(job_id);
CREATE INDEX IF NOT EXISTS idx_stage_instances_stage ON job_stage_instances(production_stage_id);
CREATE INDEX IF NOT EXISTS idx_stage_instances_start ON job_stage_instances(scheduled_start_at) WHERE scheduled_start_at IS NOT NULL;
-- Note: idx_stage_instances_schedule_status index is created in migrations after column is added

-- ==========================================================================
-- SCHEDULE RUNS (one row per scheduler invocation)
-- ==========================================================================

CREATE TABLE IF NOT EXISTS schedule_runs (
  run_id TEXT PRIMARY KEY,
  started_at TEXT NOT NULL,
  finished_at TEXT,
  status TEXT NOT NULL DEFAULT 'RUNNING',
  source TEXT NOT NULL DEFAULT 'manual',
  base_start TEXT,
  scheduled_count INTEGER NOT NULL DEFAULT 0,
  applied_count INTEGER NOT NULL DEFAULT 0,
  options TEXT NOT NULL DEFAULT '{}',
  failures TEXT NOT NULL DEFAULT '[]',
  error TEXT
);

CREATE INDEX IF NOT EXISTS idx_schedule_runs_started ON schedule_runs(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_schedule_runs_status ON schedule_runs(status);
CREATE INDEX IF NOT EXISTS idx_schedule_runs_source ON schedule_runs(source);

-- ==========================================================================
-- SETTINGS (global app configuration)
-- ==========================================================================

CREATE TABLE IF NOT EXISTS settings (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Insert default scheduler policy settings
INSERT OR IGNORE INTO settings (key, value) VALUES
  ('auto_run_enabled', 'false'),
  ('auto_run_only_if_unset', 'true'),
  ('horizon_days', '365');
`
