// Package store provides SQL persistence for the signal engine.
// SQLite is the default backend; PostgreSQL is reached through pgx.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax for a database driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "pgx"
)

// Rebind rewrites ? placeholders to $n for PostgreSQL.
// Queries must not contain literal question marks.
func (d Dialect) Rebind(q string) string {
	if d != DialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// schemaV1 is written in the subset of SQL shared by SQLite and PostgreSQL:
// text keys, BIGINT unix-millisecond timestamps, DOUBLE PRECISION weights.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS battles (
	id         TEXT PRIMARY KEY,
	slug       TEXT NOT NULL UNIQUE,
	title      TEXT NOT NULL,
	category   TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'active',
	created_at BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS battle_options (
	id         TEXT PRIMARY KEY,
	battle_id  TEXT NOT NULL,
	label      TEXT NOT NULL,
	image_url  TEXT NOT NULL DEFAULT '',
	entity_id  TEXT NOT NULL DEFAULT '',
	category   TEXT NOT NULL DEFAULT '',
	sort_order INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_options_battle ON battle_options(battle_id, sort_order);

CREATE TABLE IF NOT EXISTS battle_instances (
	id         TEXT PRIMARY KEY,
	battle_id  TEXT NOT NULL,
	version    INTEGER NOT NULL DEFAULT 1,
	created_at BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_instances_battle ON battle_instances(battle_id, version);

CREATE TABLE IF NOT EXISTS signal_events (
	id                   TEXT PRIMARY KEY,
	client_event_id      TEXT NOT NULL UNIQUE,
	source_type          TEXT NOT NULL,
	source_id            TEXT NOT NULL DEFAULT '',
	event_type           TEXT NOT NULL DEFAULT '',
	battle_id            TEXT NOT NULL DEFAULT '',
	battle_instance_id   TEXT NOT NULL DEFAULT '',
	option_id            TEXT NOT NULL DEFAULT '',
	weight               DOUBLE PRECISION NOT NULL DEFAULT 1.0,
	value                INTEGER NOT NULL DEFAULT 0,
	meta_json            TEXT NOT NULL DEFAULT '{}',
	user_id              TEXT NOT NULL DEFAULT '',
	anon_id              TEXT NOT NULL DEFAULT '',
	user_tier            TEXT NOT NULL DEFAULT 'free',
	profile_completeness INTEGER NOT NULL DEFAULT 0,
	created_at           BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signals_battle_time ON signal_events(battle_id, created_at);
CREATE INDEX IF NOT EXISTS idx_signals_user_time ON signal_events(user_id, anon_id, created_at);

CREATE TABLE IF NOT EXISTS depth_definitions (
	entity_id      TEXT PRIMARY KEY,
	questions_json TEXT NOT NULL DEFAULT '[]',
	updated_at     BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS depth_answers (
	id           TEXT PRIMARY KEY,
	option_id    TEXT NOT NULL,
	question_key TEXT NOT NULL,
	answer_value TEXT NOT NULL,
	user_id      TEXT NOT NULL DEFAULT '',
	created_at   BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_depth_answers_option ON depth_answers(option_id, question_key);
CREATE INDEX IF NOT EXISTS idx_depth_answers_key ON depth_answers(question_key);

CREATE TABLE IF NOT EXISTS user_profiles (
	user_id    TEXT PRIMARY KEY,
	stage      INTEGER NOT NULL DEFAULT 0,
	tier       TEXT NOT NULL DEFAULT 'free',
	age_bucket TEXT NOT NULL DEFAULT '',
	gender     TEXT NOT NULL DEFAULT '',
	commune    TEXT NOT NULL DEFAULT '',
	invite_ok  INTEGER NOT NULL DEFAULT 0,
	updated_at BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS kv_entries (
	kv_key     TEXT PRIMARY KEY,
	kv_value   TEXT NOT NULL,
	updated_at BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS session_snapshots (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	mode        TEXT NOT NULL,
	position    INTEGER NOT NULL DEFAULT 0,
	completed   INTEGER NOT NULL DEFAULT 0,
	batch_index INTEGER NOT NULL DEFAULT 0,
	state_json  TEXT NOT NULL DEFAULT '{}',
	created_at  BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_snapshots ON session_snapshots(session_id, created_at);

CREATE TABLE IF NOT EXISTS audit_records (
	id            TEXT PRIMARY KEY,
	subject       TEXT NOT NULL,
	action        TEXT NOT NULL,
	battle_id     TEXT NOT NULL DEFAULT '',
	gate          TEXT NOT NULL DEFAULT '',
	allowed       INTEGER NOT NULL DEFAULT 1,
	severity      TEXT NOT NULL DEFAULT 'info',
	blockers_json TEXT NOT NULL DEFAULT '[]',
	request_json  TEXT NOT NULL DEFAULT '{}',
	created_at    BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_records(subject, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_battle ON audit_records(battle_id, allowed);
`

// Open connects to the database named by driver ("sqlite" or "pgx") and runs
// the schema migration.
func Open(driver, dsn string) (*sql.DB, Dialect, error) {
	switch Dialect(driver) {
	case DialectSQLite:
		db, err := NewDB(dsn)
		return db, DialectSQLite, err
	case DialectPostgres:
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, "", fmt.Errorf("open database: %w", err)
		}
		if err := migrate(db); err != nil {
			db.Close()
			return nil, "", fmt.Errorf("migrate schema: %w", err)
		}
		return db, DialectPostgres, nil
	default:
		return nil, "", fmt.Errorf("unsupported driver %q", driver)
	}
}

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL allows concurrent readers but a single writer.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

// migrate executes the schema one statement at a time; the pgx driver
// rejects multi-statement strings in the extended protocol.
func migrate(db *sql.DB) error {
	ctx := context.Background()
	for _, stmt := range strings.Split(schemaV1, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%.40s: %w", stmt, err)
		}
	}
	return nil
}
