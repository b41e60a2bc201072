package scheduler

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLiteJobStorage persists jobs in the scheduler_jobs table of the shared
// database. The table is created by the database migrations.
type SQLiteJobStorage struct {
	db *sql.DB
}

// NewSQLiteJobStorage creates a storage on db.
func NewSQLiteJobStorage(db *sql.DB) *SQLiteJobStorage {
	return &SQLiteJobStorage{db: db}
}

// Save inserts or updates a job.
func (s *SQLiteJobStorage) Save(job *Job) error {
	params := []byte("{}")
	if len(job.Params) > 0 {
		var err error
		if params, err = json.Marshal(job.Params); err != nil {
			return fmt.Errorf("encode params of job %q: %w", job.ID, err)
		}
	}
	var lastRun sql.NullString
	if job.LastRunAt != nil {
		lastRun = sql.NullString{String: job.LastRunAt.UTC().Format(time.RFC3339), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO scheduler_jobs
			(id, kind, owner_id, schedule, params, enabled, last_run, last_error, run_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			owner_id = excluded.owner_id,
			schedule = excluded.schedule,
			params = excluded.params,
			enabled = excluded.enabled,
			last_run = excluded.last_run,
			last_error = excluded.last_error,
			run_count = excluded.run_count`,
		job.ID,
		job.Kind,
		job.Owner,
		job.Schedule,
		string(params),
		boolToInt(job.Enabled),
		lastRun,
		job.LastError,
		job.RunCount,
		job.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save job %q: %w", job.ID, err)
	}
	return nil
}

// Delete removes a job by id.
func (s *SQLiteJobStorage) Delete(id string) error {
	if _, err := s.db.Exec("DELETE FROM scheduler_jobs WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete job %q: %w", id, err)
	}
	return nil
}

// LoadAll reads every persisted job.
func (s *SQLiteJobStorage) LoadAll() ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT id, kind, owner_id, schedule, params, enabled, last_run, last_error, run_count, created_at
		FROM scheduler_jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var (
			j         Job
			params    string
			enabled   int
			lastRun   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&j.ID, &j.Kind, &j.Owner, &j.Schedule, &params, &enabled,
			&lastRun, &j.LastError, &j.RunCount, &createdAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &j.Params); err != nil {
			return nil, fmt.Errorf("decode params of job %q: %w", j.ID, err)
		}
		if len(j.Params) == 0 {
			j.Params = nil
		}
		j.Enabled = enabled != 0
		j.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if lastRun.Valid {
			t, _ := time.Parse(time.RFC3339, lastRun.String)
			j.LastRunAt = &t
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
