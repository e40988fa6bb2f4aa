// Package project provides SQLite-backed project persistence and the service
// that enforces the project state machine on top of it.
package project

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wyvernlabs/wyvern/pkg/models"
)

// DB wraps an SQLite connection holding the project registry.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// DefaultDBPath returns the project registry path under XDG data.
func DefaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "wyvern", "wyvern.db")
}

// Open opens the registry at path, creating parent directories as needed.
// WAL mode is enabled for concurrent reads.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Projects},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

const migrationV1Projects = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL,
	execution_state TEXT NOT NULL DEFAULT 'running',
	specification_path TEXT NOT NULL,
	output_dir TEXT NOT NULL,
	task_files TEXT,
	pending_areas TEXT,
	error_message TEXT,
	spec_hash TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	analyzed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);
`

const projectColumns = `id, name, status, execution_state, specification_path, output_dir,
	task_files, pending_areas, error_message, spec_hash, created_at, updated_at, analyzed_at`

// CreateProject inserts a new project row. The name must be unique.
func (db *DB) CreateProject(p *models.Project) error {
	taskFiles, pendingAreas, err := marshalProjectBlobs(p)
	if err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	_, err = db.conn.Exec(`
		INSERT INTO projects (`+projectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, string(p.Status), string(p.ExecutionState), p.SpecificationPath, p.OutputDir,
		taskFiles, pendingAreas, p.ErrorMessage, p.SpecHash,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt), formatNullableTime(p.AnalyzedAt))
	if err != nil {
		return fmt.Errorf("create project %s: %w", p.Name, err)
	}
	return nil
}

// GetProject retrieves a project by id. Returns nil, nil when absent.
func (db *DB) GetProject(id string) (*models.Project, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	row := db.conn.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// GetProjectByName retrieves a project by its unique name. Returns nil, nil
// when absent.
func (db *DB) GetProjectByName(name string) (*models.Project, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	row := db.conn.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE name = ?`, name)
	return scanProject(row)
}

// UpdateProject rewrites every mutable column of a project row.
func (db *DB) UpdateProject(p *models.Project) error {
	taskFiles, pendingAreas, err := marshalProjectBlobs(p)
	if err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	_, err = db.conn.Exec(`
		UPDATE projects SET status = ?, execution_state = ?, specification_path = ?, output_dir = ?,
			task_files = ?, pending_areas = ?, error_message = ?, spec_hash = ?,
			updated_at = ?, analyzed_at = ?
		WHERE id = ?
	`, string(p.Status), string(p.ExecutionState), p.SpecificationPath, p.OutputDir,
		taskFiles, pendingAreas, p.ErrorMessage, p.SpecHash,
		formatTime(p.UpdatedAt), formatNullableTime(p.AnalyzedAt), p.ID)
	if err != nil {
		return fmt.Errorf("update project %s: %w", p.Name, err)
	}
	return nil
}

// DeleteProject removes a project row by id.
func (db *DB) DeleteProject(id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, err := db.conn.Exec("DELETE FROM projects WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

// ListProjects lists every project, optionally filtered by status.
func (db *DB) ListProjects(status *models.ProjectStatus) ([]*models.Project, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = db.conn.Query(`SELECT `+projectColumns+` FROM projects WHERE status = ? ORDER BY created_at`, string(*status))
	} else {
		rows, err = db.conn.Query(`SELECT ` + projectColumns + ` FROM projects ORDER BY created_at`)
	}
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*models.Project, error) {
	var p models.Project
	var taskFiles, pendingAreas, errorMessage, specHash sql.NullString
	var createdAt, updatedAt string
	var analyzedAt sql.NullString

	err := row.Scan(&p.ID, &p.Name, &p.Status, &p.ExecutionState, &p.SpecificationPath, &p.OutputDir,
		&taskFiles, &pendingAreas, &errorMessage, &specHash, &createdAt, &updatedAt, &analyzedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}

	if taskFiles.Valid && taskFiles.String != "" {
		if err := json.Unmarshal([]byte(taskFiles.String), &p.TaskFiles); err != nil {
			return nil, fmt.Errorf("decode task files for %s: %w", p.Name, err)
		}
	}
	if pendingAreas.Valid && pendingAreas.String != "" {
		if err := json.Unmarshal([]byte(pendingAreas.String), &p.PendingAreas); err != nil {
			return nil, fmt.Errorf("decode pending areas for %s: %w", p.Name, err)
		}
	}
	p.ErrorMessage = errorMessage.String
	p.SpecHash = specHash.String
	p.CreatedAt, _ = parseTime(createdAt)
	p.UpdatedAt, _ = parseTime(updatedAt)
	p.AnalyzedAt = parseNullableTime(analyzedAt)
	return &p, nil
}

func marshalProjectBlobs(p *models.Project) (taskFiles, pendingAreas string, err error) {
	if len(p.TaskFiles) > 0 {
		b, err := json.Marshal(p.TaskFiles)
		if err != nil {
			return "", "", fmt.Errorf("encode task files for %s: %w", p.Name, err)
		}
		taskFiles = string(b)
	}
	if len(p.PendingAreas) > 0 {
		b, err := json.Marshal(p.PendingAreas)
		if err != nil {
			return "", "", fmt.Errorf("encode pending areas for %s: %w", p.Name, err)
		}
		pendingAreas = string(b)
	}
	return taskFiles, pendingAreas, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}
