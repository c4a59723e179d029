// Package store owns the sqlite-backed schema shared by the task, session,
// worktree, credential, and durable-stream components: projects, tasks,
// agents, sessions, worktrees, sandbox_instances, plan_sessions, audit_logs,
// api_keys, and stream_events.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaVersion = 1

// DB wraps the shared sqlite connection. Individual components (tasks,
// session, worktree, streams, credentials) each own their table's queries
// against this connection rather than funneling every operation through one
// god-object, but they share one file and one migration ledger.
type DB struct {
	*sql.DB
}

// Open opens (creating if absent) the sqlite database at path and applies
// the schema migration if it hasn't run yet.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1) // sqlite3 driver: single-writer discipline, matches teacher's store.

	db := &DB{DB: conn}
	if err := db.migrate(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func (d *DB) migrate(ctx context.Context) error {
	var current int
	_ = d.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&current)
	if current >= schemaVersion {
		return nil
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			worktree_root TEXT NOT NULL,
			default_branch TEXT NOT NULL DEFAULT 'main',
			allowed_tools TEXT NOT NULL DEFAULT '[]',
			max_turns INTEGER NOT NULL DEFAULT 50,
			max_concurrent_agents INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			column_name TEXT NOT NULL DEFAULT 'backlog',
			position INTEGER NOT NULL DEFAULT 0,
			labels TEXT NOT NULL DEFAULT '[]',
			plan TEXT,
			plan_options TEXT,
			last_agent_status TEXT,
			agent_id TEXT,
			session_id TEXT,
			worktree_id TEXT,
			completed_at TIMESTAMP,
			approved_at TIMESTAMP,
			approved_by TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_project_column ON tasks(project_id, column_name);`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			agent_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'idle',
			current_task_id TEXT,
			model TEXT,
			max_turns INTEGER NOT NULL DEFAULT 50,
			allowed_tools TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			task_id TEXT,
			agent_id TEXT,
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			closed_at TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS worktrees (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			task_id TEXT,
			session_id TEXT,
			agent_id TEXT,
			branch TEXT NOT NULL,
			base_branch TEXT NOT NULL,
			path TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS sandbox_instances (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			status TEXT NOT NULL DEFAULT 'creating',
			backend TEXT NOT NULL DEFAULT 'docker',
			container_ref TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS plan_sessions (
			task_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			plan TEXT NOT NULL,
			sdk_session_id TEXT,
			allowed_prompts TEXT NOT NULL DEFAULT '[]',
			turn_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			kind TEXT PRIMARY KEY,
			access_token TEXT NOT NULL,
			refresh_token TEXT,
			expires_at INTEGER,
			scope TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS stream_events (
			stream_id TEXT NOT NULL,
			offset INTEGER NOT NULL,
			type TEXT NOT NULL,
			timestamp_ms INTEGER NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (stream_id, offset)
		);`,
		`CREATE TABLE IF NOT EXISTS streams (
			id TEXT PRIMARY KEY,
			next_offset INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}

	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration stmt: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
