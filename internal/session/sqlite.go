package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/atelier-dev/atelier/internal/common/errors"
	"github.com/atelier-dev/atelier/internal/common/logger"
)

// SQLiteDirectory persists entries in a single-table database so session
// metadata survives restarts. One writer connection keeps sqlite happy
// under concurrency.
type SQLiteDirectory struct {
	db  *sqlx.DB
	log *logger.Logger
}

// NewSQLiteDirectory opens the database at path, creating the file and its
// parent directory when missing, and bootstraps the schema.
func NewSQLiteDirectory(path string, log *logger.Logger) (*SQLiteDirectory, error) {
	if path == "" {
		return nil, apperrors.Configuration("session directory sqlite path is empty")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperrors.Internal("create session directory parent", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, apperrors.Internal("open session directory", err)
	}
	// Single writer; sqlite serializes writes anyway and one connection
	// avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, apperrors.Internal("ping session directory", err)
	}

	d := &SQLiteDirectory{db: db, log: log.WithComponent("session_directory")}
	if err := d.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *SQLiteDirectory) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id   TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		provider     TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'active',
		created_at   TIMESTAMP NOT NULL,
		expires_at   TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
	`
	if _, err := d.db.Exec(schema); err != nil {
		return apperrors.Internal("create sessions table", err)
	}
	// Migrations for databases created before these columns existed.
	if err := d.ensureColumn("sessions", "provider", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return apperrors.Internal("migrate sessions.provider", err)
	}
	if err := d.ensureColumn("sessions", "status", "TEXT NOT NULL DEFAULT 'active'"); err != nil {
		return apperrors.Internal("migrate sessions.status", err)
	}
	return nil
}

// ensureColumn adds a column when a pre-existing database lacks it.
func (d *SQLiteDirectory) ensureColumn(table, column, definition string) error {
	var cols []struct {
		CID     int            `db:"cid"`
		Name    string         `db:"name"`
		Type    string         `db:"type"`
		NotNull int            `db:"notnull"`
		Default sql.NullString `db:"dflt_value"`
		PK      int            `db:"pk"`
	}
	if err := d.db.Select(&cols, fmt.Sprintf("PRAGMA table_info(%s)", table)); err != nil {
		return err
	}
	for _, c := range cols {
		if c.Name == column {
			return nil
		}
	}
	_, err := d.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}

func (d *SQLiteDirectory) Put(ctx context.Context, e Entry) error {
	const q = `
	INSERT INTO sessions (session_id, workspace_id, provider, status, created_at, expires_at)
	VALUES (:session_id, :workspace_id, :provider, :status, :created_at, :expires_at)
	ON CONFLICT(session_id) DO UPDATE SET
		workspace_id = excluded.workspace_id,
		provider     = excluded.provider,
		status       = excluded.status,
		created_at   = excluded.created_at,
		expires_at   = excluded.expires_at
	`
	if _, err := d.db.NamedExecContext(ctx, q, e); err != nil {
		return apperrors.Internal("put session entry", err)
	}
	return nil
}

func (d *SQLiteDirectory) Get(ctx context.Context, sessionID string) (*Entry, error) {
	var e Entry
	err := d.db.GetContext(ctx, &e,
		`SELECT session_id, workspace_id, provider, status, created_at, expires_at
		 FROM sessions WHERE session_id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("session entry", sessionID)
	}
	if err != nil {
		return nil, apperrors.Internal("get session entry", err)
	}
	return &e, nil
}

func (d *SQLiteDirectory) List(ctx context.Context) ([]Entry, error) {
	now := time.Now().UTC()
	if _, err := d.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < ?`, now); err != nil {
		d.log.WithError(err).Warn("Failed to purge stale session entries")
	}
	var out []Entry
	err := d.db.SelectContext(ctx, &out,
		`SELECT session_id, workspace_id, provider, status, created_at, expires_at
		 FROM sessions ORDER BY created_at DESC, session_id ASC`)
	if err != nil {
		return nil, apperrors.Internal("list session entries", err)
	}
	return out, nil
}

func (d *SQLiteDirectory) SetStatus(ctx context.Context, sessionID, status string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE session_id = ?`, status, sessionID)
	if err != nil {
		return apperrors.Internal("update session status", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NotFound("session entry", sessionID)
	}
	return nil
}

func (d *SQLiteDirectory) Delete(ctx context.Context, sessionID string) error {
	if _, err := d.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return apperrors.Internal("delete session entry", err)
	}
	return nil
}

func (d *SQLiteDirectory) Close() error {
	return d.db.Close()
}
