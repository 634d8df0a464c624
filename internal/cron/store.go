package cron

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store durably persists cron jobs. The scheduler is its only writer.
type Store struct {
	db   *sql.DB
	path string
}

// OpenStore creates or opens the job store at <dir>/cron.db.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cron dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "cron.db"))
	if err != nil {
		return nil, fmt.Errorf("open cron store: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS cron_jobs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		schedule TEXT NOT NULL,
		payload TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT '{}',
		delete_after_run INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cron table: %w", err)
	}
	return &Store{db: db, path: dir}, nil
}

// Dir returns the store directory (lock files live under it).
func (s *Store) Dir() string {
	return s.path
}

// Close releases the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put inserts or replaces a job row.
func (s *Store) Put(job *Job) error {
	schedule, err := json.Marshal(job.Schedule)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return err
	}
	state, err := json.Marshal(job.State)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO cron_jobs
		(id, name, enabled, schedule, payload, state, delete_after_run, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			schedule = excluded.schedule,
			payload = excluded.payload,
			state = excluded.state,
			delete_after_run = excluded.delete_after_run,
			updated_at = excluded.updated_at`,
		job.ID, job.Name, job.Enabled, string(schedule), string(payload), string(state),
		job.DeleteAfterRun, job.CreatedAt.UTC(), job.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}
	return nil
}

// Get returns a job by id, or nil when absent.
func (s *Store) Get(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT id, name, enabled, schedule, payload, state, delete_after_run, created_at, updated_at
		FROM cron_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// Delete removes a job row.
func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM cron_jobs WHERE id = ?`, id)
	return err
}

// List returns jobs ordered by creation time. With enabledOnly, disabled
// jobs are filtered out.
func (s *Store) List(enabledOnly bool) ([]*Job, error) {
	query := `SELECT id, name, enabled, schedule, payload, state, delete_after_run, created_at, updated_at
		FROM cron_jobs`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at ASC`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var schedule, payload, state string
	var createdAt, updatedAt time.Time
	if err := row.Scan(&job.ID, &job.Name, &job.Enabled, &schedule, &payload, &state,
		&job.DeleteAfterRun, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(schedule), &job.Schedule); err != nil {
		return nil, fmt.Errorf("job %s schedule corrupt: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
		return nil, fmt.Errorf("job %s payload corrupt: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(state), &job.State); err != nil {
		return nil, fmt.Errorf("job %s state corrupt: %w", job.ID, err)
	}
	job.CreatedAt = createdAt
	job.UpdatedAt = updatedAt
	return &job, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
