package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for lookups of unknown rows.
var ErrNotFound = errors.New("not found")

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Storage = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure directories exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The audit subscriber and the cleaner write from different goroutines.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		db:  db,
		now: time.Now,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			repo TEXT NOT NULL,
			op TEXT NOT NULL,
			success INTEGER NOT NULL,
			kind TEXT,
			code TEXT,
			status INTEGER,
			exit_code INTEGER,
			duration_ms INTEGER,
			error TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions(created_at);`,
		`CREATE TABLE IF NOT EXISTS repositories (
			name TEXT PRIMARY KEY,
			title TEXT,
			url TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS configuration (
			key TEXT PRIMARY KEY,
			value TEXT
		);`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Configuration Implementation

func (s *SQLiteStore) SetConfig(key, value string) error {
	query := `INSERT INTO configuration (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	_, err := s.db.Exec(query, key, value)
	return err
}

// GetConfig returns "" for an unset key.
func (s *SQLiteStore) GetConfig(key string) (string, error) {
	query := `SELECT value FROM configuration WHERE key = ?`
	row := s.db.QueryRow(query, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

func (s *SQLiteStore) ListConfig() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM configuration ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Execution Implementation

// RecordExecution inserts exec, assigning an id and timestamp when unset.
func (s *SQLiteStore) RecordExecution(exec *Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = s.now()
	}

	query := `INSERT INTO executions (id, repo, op, success, kind, code, status, exit_code, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query, exec.ID, exec.Repo, exec.Op, exec.Success, exec.Kind, exec.Code,
		exec.Status, exec.ExitCode, exec.DurationMs, exec.Error, exec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// ListExecutions returns executions newest first.
func (s *SQLiteStore) ListExecutions(filter ExecutionFilter) ([]*Execution, error) {
	query := `SELECT id, repo, op, success, kind, code, status, exit_code, duration_ms, error, created_at FROM executions`
	var args []any
	if filter.Repo != "" {
		query += ` WHERE repo = ?`
		args = append(args, filter.Repo)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		var e Execution
		var created int64
		var kind, code, errMsg sql.NullString
		if err := rows.Scan(&e.ID, &e.Repo, &e.Op, &e.Success, &kind, &code, &e.Status, &e.ExitCode, &e.DurationMs, &errMsg, &created); err != nil {
			return nil, err
		}
		e.Kind, e.Code, e.Error = kind.String, code.String, errMsg.String
		e.CreatedAt = time.UnixMilli(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DeleteExecutionsBefore prunes audit rows older than cutoff.
func (s *SQLiteStore) DeleteExecutionsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM executions WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune executions: %w", err)
	}
	return res.RowsAffected()
}

// Repository Implementation

// AddRepository registers repo, updating title and url if it already exists.
func (s *SQLiteStore) AddRepository(repo *Repository) error {
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = s.now()
	}
	query := `INSERT INTO repositories (name, title, url, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET title = excluded.title, url = excluded.url`
	_, err := s.db.Exec(query, repo.Name, repo.Title, repo.URL, repo.CreatedAt.UnixMilli())
	return err
}

func (s *SQLiteStore) GetRepository(name string) (*Repository, error) {
	row := s.db.QueryRow(`SELECT name, title, url, created_at FROM repositories WHERE name = ?`, name)

	var repo Repository
	var created int64
	if err := row.Scan(&repo.Name, &repo.Title, &repo.URL, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: repository %s", ErrNotFound, name)
		}
		return nil, err
	}
	repo.CreatedAt = time.UnixMilli(created)
	return &repo, nil
}

func (s *SQLiteStore) ListRepositories() ([]*Repository, error) {
	rows, err := s.db.Query(`SELECT name, title, url, created_at FROM repositories ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Repository
	for rows.Next() {
		var repo Repository
		var created int64
		if err := rows.Scan(&repo.Name, &repo.Title, &repo.URL, &created); err != nil {
			return nil, err
		}
		repo.CreatedAt = time.UnixMilli(created)
		out = append(out, &repo)
	}
	return out, rows.Err()
}
