package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite is a ScriptStore backed by a SQLite database
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: keeps :memory: databases shared and writes serialized
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, now: time.Now}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// OpenInMemory opens a private in-memory database
func OpenInMemory() (*SQLite, error) {
	return OpenSQLite(":memory:")
}

// Close closes the database
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) initSchema() error {
	schema := `
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS scripts (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		project TEXT NOT NULL,
		script TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_scripts_project_created
		ON scripts (project, created_at DESC, seq DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save stores a new version of a project's script
func (s *SQLite) Save(ctx context.Context, project, script string) (*Script, error) {
	if project == "" {
		return nil, fmt.Errorf("project is required")
	}

	rec := &Script{
		ID:        uuid.New().String(),
		Project:   project,
		Script:    script,
		CreatedAt: s.now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scripts (id, project, script, created_at)
		VALUES (?, ?, ?, ?)
	`, rec.ID, rec.Project, rec.Script, rec.CreatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to insert script: %w", err)
	}

	return rec, nil
}

// Latest returns the newest script of a project, or ErrNotFound
func (s *SQLite) Latest(ctx context.Context, project string) (*Script, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project, script, created_at
		FROM scripts
		WHERE project = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, project)

	rec, err := scanScript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// History returns up to limit scripts of a project, newest first
func (s *SQLite) History(ctx context.Context, project string, limit int) ([]*Script, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project, script, created_at
		FROM scripts
		WHERE project = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ?
	`, project, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query scripts: %w", err)
	}
	defer rows.Close()

	var scripts []*Script
	for rows.Next() {
		rec, err := scanScript(rows)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, rec)
	}

	return scripts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanScript(row scanner) (*Script, error) {
	var rec Script
	var createdAt int64
	if err := row.Scan(&rec.ID, &rec.Project, &rec.Script, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan script: %w", err)
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	return &rec, nil
}
