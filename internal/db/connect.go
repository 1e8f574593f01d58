package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens a DB and ensures the schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite"
		if dsn == "" {
			dsn = "file:flightpath.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx"
		if dsn == "" {
			dsn = "postgres://localhost:5432/flightpath?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	dbh, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	if err := dbh.PingContext(ctx); err != nil {
		return nil, err
	}
	if err := EnsureSchema(ctx, dbh, driver); err != nil {
		return nil, err
	}
	return dbh, nil
}

// EnsureSchema creates all tables when missing. Exported so store tests can
// run against a fresh in-memory sqlite database.
func EnsureSchema(ctx context.Context, dbh *sql.DB, driver Driver) error {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = schemaSQLite
	case DriverPostgres:
		schema = schemaPostgres
	default:
		return fmt.Errorf("unsupported driver: %s", driver)
	}
	_, err := dbh.ExecContext(ctx, schema)
	return err
}

const schemaSQLite = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS learning_pathways (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS assessment_templates (
  id TEXT PRIMARY KEY,
  pathway_id TEXT NOT NULL,
  name TEXT NOT NULL,
  type TEXT NOT NULL,                -- PLACEMENT|SPEAKING|WRITING
  rubric_json TEXT NOT NULL DEFAULT '{}',
  version INTEGER NOT NULL DEFAULT 1,
  published_at BIGINT,
  active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS assessment_configs (
  template_id TEXT PRIMARY KEY REFERENCES assessment_templates(id),
  adaptive_params_json TEXT NOT NULL DEFAULT '{}',
  speaking_params_json TEXT NOT NULL DEFAULT '{}',
  writing_params_json TEXT NOT NULL DEFAULT '{}',
  active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS template_items (
  template_id TEXT NOT NULL REFERENCES assessment_templates(id),
  item_id TEXT NOT NULL,
  ord INTEGER NOT NULL,
  PRIMARY KEY (template_id, item_id),
  UNIQUE (template_id, ord)
);

CREATE TABLE IF NOT EXISTS items (
  id TEXT PRIMARY KEY,
  item_type TEXT NOT NULL,
  content_json TEXT NOT NULL,
  skill_areas_json TEXT NOT NULL DEFAULT '[]',
  target_cefr TEXT NOT NULL DEFAULT 'B1',
  irt_a REAL NOT NULL,
  irt_b REAL NOT NULL,
  irt_c REAL NOT NULL DEFAULT 0,
  active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS assigned_assessments (
  id TEXT PRIMARY KEY,
  template_id TEXT NOT NULL REFERENCES assessment_templates(id),
  test_taker_id TEXT NOT NULL,
  test_taker_type TEXT NOT NULL DEFAULT 'student',
  assigned_by TEXT,
  assigned_at BIGINT NOT NULL,
  due_at BIGINT,
  status TEXT NOT NULL,              -- PENDING|IN_PROGRESS|COMPLETED|EXPIRED
  notes TEXT
);

CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  assigned_id TEXT NOT NULL REFERENCES assigned_assessments(id),
  current_ability REAL NOT NULL DEFAULT 0,
  standard_error REAL NOT NULL DEFAULT 1,
  questions_answered INTEGER NOT NULL DEFAULT 0,
  current_index INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL,              -- IN_PROGRESS|COMPLETED|CANCELLED|EXPIRED
  template_snapshot_json TEXT NOT NULL,
  rubric_snapshot_json TEXT NOT NULL DEFAULT '{}',
  started_at BIGINT NOT NULL,
  completed_at BIGINT,
  expires_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_assigned ON sessions(assigned_id, status);

CREATE TABLE IF NOT EXISTS responses (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL REFERENCES sessions(id),
  item_id TEXT NOT NULL,
  idx INTEGER NOT NULL,
  response_json TEXT NOT NULL DEFAULT '{}',
  is_correct INTEGER,
  raw_score REAL,
  presented_at BIGINT NOT NULL,
  submitted_at BIGINT,
  time_taken_s INTEGER,
  media_key TEXT,
  asr_transcript TEXT,
  UNIQUE (session_id, item_id),
  UNIQUE (session_id, idx)
);

CREATE TABLE IF NOT EXISTS results (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL UNIQUE REFERENCES sessions(id),
  proficiency_level TEXT NOT NULL,
  skill_scores_json TEXT NOT NULL DEFAULT '{}',
  overall_score REAL NOT NULL,
  result_type TEXT NOT NULL,         -- P|S|W
  information_json TEXT NOT NULL DEFAULT '{}',
  validated INTEGER NOT NULL DEFAULT 0,
  created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS recommended_items (
  id TEXT PRIMARY KEY,
  result_id TEXT NOT NULL REFERENCES results(id),
  content_id TEXT NOT NULL,
  content_type TEXT NOT NULL,        -- course|lesson
  target_skill TEXT NOT NULL,
  skill_gap_size REAL,
  rationale TEXT,
  priority_order INTEGER NOT NULL,
  source TEXT NOT NULL,              -- AUTO|MANUAL
  overridden_by TEXT,
  overridden_at BIGINT,
  created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recommended_result ON recommended_items(result_id, priority_order);

CREATE TABLE IF NOT EXISTS courses (
  id TEXT PRIMARY KEY,
  pathway_id TEXT NOT NULL,
  title TEXT NOT NULL,
  target_cefr TEXT NOT NULL,
  primary_skill TEXT NOT NULL,
  secondary_skills_json TEXT NOT NULL DEFAULT '[]',
  prerequisites_json TEXT NOT NULL DEFAULT '[]',
  difficulty_order INTEGER NOT NULL DEFAULT 0,
  active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS lessons (
  id TEXT PRIMARY KEY,
  course_id TEXT NOT NULL REFERENCES courses(id),
  title TEXT NOT NULL,
  target_skills_json TEXT NOT NULL DEFAULT '[]',
  ord INTEGER NOT NULL DEFAULT 0,
  active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS audit_log (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  actor_id TEXT NOT NULL,
  actor_type TEXT NOT NULL,
  action TEXT NOT NULL,
  entity_type TEXT NOT NULL,
  entity_id TEXT NOT NULL,
  details TEXT NOT NULL DEFAULT '{}',
  created_at BIGINT NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS learning_pathways (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS assessment_templates (
  id TEXT PRIMARY KEY,
  pathway_id TEXT NOT NULL,
  name TEXT NOT NULL,
  type TEXT NOT NULL,
  rubric_json TEXT NOT NULL DEFAULT '{}',
  version INTEGER NOT NULL DEFAULT 1,
  published_at BIGINT,
  active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS assessment_configs (
  template_id TEXT PRIMARY KEY REFERENCES assessment_templates(id),
  adaptive_params_json TEXT NOT NULL DEFAULT '{}',
  speaking_params_json TEXT NOT NULL DEFAULT '{}',
  writing_params_json TEXT NOT NULL DEFAULT '{}',
  active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS template_items (
  template_id TEXT NOT NULL REFERENCES assessment_templates(id),
  item_id TEXT NOT NULL,
  ord INTEGER NOT NULL,
  PRIMARY KEY (template_id, item_id),
  UNIQUE (template_id, ord)
);

CREATE TABLE IF NOT EXISTS items (
  id TEXT PRIMARY KEY,
  item_type TEXT NOT NULL,
  content_json TEXT NOT NULL,
  skill_areas_json TEXT NOT NULL DEFAULT '[]',
  target_cefr TEXT NOT NULL DEFAULT 'B1',
  irt_a DOUBLE PRECISION NOT NULL,
  irt_b DOUBLE PRECISION NOT NULL,
  irt_c DOUBLE PRECISION NOT NULL DEFAULT 0,
  active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS assigned_assessments (
  id TEXT PRIMARY KEY,
  template_id TEXT NOT NULL REFERENCES assessment_templates(id),
  test_taker_id TEXT NOT NULL,
  test_taker_type TEXT NOT NULL DEFAULT 'student',
  assigned_by TEXT,
  assigned_at BIGINT NOT NULL,
  due_at BIGINT,
  status TEXT NOT NULL,
  notes TEXT
);

CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  assigned_id TEXT NOT NULL REFERENCES assigned_assessments(id),
  current_ability DOUBLE PRECISION NOT NULL DEFAULT 0,
  standard_error DOUBLE PRECISION NOT NULL DEFAULT 1,
  questions_answered INTEGER NOT NULL DEFAULT 0,
  current_index INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  template_snapshot_json TEXT NOT NULL,
  rubric_snapshot_json TEXT NOT NULL DEFAULT '{}',
  started_at BIGINT NOT NULL,
  completed_at BIGINT,
  expires_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_assigned ON sessions(assigned_id, status);

CREATE TABLE IF NOT EXISTS responses (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL REFERENCES sessions(id),
  item_id TEXT NOT NULL,
  idx INTEGER NOT NULL,
  response_json TEXT NOT NULL DEFAULT '{}',
  is_correct BOOLEAN,
  raw_score DOUBLE PRECISION,
  presented_at BIGINT NOT NULL,
  submitted_at BIGINT,
  time_taken_s INTEGER,
  media_key TEXT,
  asr_transcript TEXT,
  UNIQUE (session_id, item_id),
  UNIQUE (session_id, idx)
);

CREATE TABLE IF NOT EXISTS results (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL UNIQUE REFERENCES sessions(id),
  proficiency_level TEXT NOT NULL,
  skill_scores_json TEXT NOT NULL DEFAULT '{}',
  overall_score DOUBLE PRECISION NOT NULL,
  result_type TEXT NOT NULL,
  information_json TEXT NOT NULL DEFAULT '{}',
  validated BOOLEAN NOT NULL DEFAULT FALSE,
  created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS recommended_items (
  id TEXT PRIMARY KEY,
  result_id TEXT NOT NULL REFERENCES results(id),
  content_id TEXT NOT NULL,
  content_type TEXT NOT NULL,
  target_skill TEXT NOT NULL,
  skill_gap_size DOUBLE PRECISION,
  rationale TEXT,
  priority_order INTEGER NOT NULL,
  source TEXT NOT NULL,
  overridden_by TEXT,
  overridden_at BIGINT,
  created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recommended_result ON recommended_items(result_id, priority_order);

CREATE TABLE IF NOT EXISTS courses (
  id TEXT PRIMARY KEY,
  pathway_id TEXT NOT NULL,
  title TEXT NOT NULL,
  target_cefr TEXT NOT NULL,
  primary_skill TEXT NOT NULL,
  secondary_skills_json TEXT NOT NULL DEFAULT '[]',
  prerequisites_json TEXT NOT NULL DEFAULT '[]',
  difficulty_order INTEGER NOT NULL DEFAULT 0,
  active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS lessons (
  id TEXT PRIMARY KEY,
  course_id TEXT NOT NULL REFERENCES courses(id),
  title TEXT NOT NULL,
  target_skills_json TEXT NOT NULL DEFAULT '[]',
  ord INTEGER NOT NULL DEFAULT 0,
  active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS audit_log (
  seq BIGSERIAL PRIMARY KEY,
  actor_id TEXT NOT NULL,
  actor_type TEXT NOT NULL,
  action TEXT NOT NULL,
  entity_type TEXT NOT NULL,
  entity_id TEXT NOT NULL,
  details TEXT NOT NULL DEFAULT '{}',
  created_at BIGINT NOT NULL
);
`
