// Package jobstore provides persistent storage for snapshot render job
// state and results using SQLite.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// JobStatus represents the current state of a snapshot job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// SnapshotParams contains the parameters for a snapshot job.
type SnapshotParams struct {
	VolumeID string            `json:"volume_id"`
	Plane    string            `json:"plane"`
	Options  map[string]string `json:"options,omitempty"`
}

// SnapshotProgress represents the progress of a snapshot job.
type SnapshotProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// SnapshotJob represents a snapshot render job.
type SnapshotJob struct {
	ID         string           `json:"job_id"`
	VolumeID   string           `json:"volume_id"`
	Status     JobStatus        `json:"status"`
	Params     SnapshotParams   `json:"params"`
	Progress   SnapshotProgress `json:"progress"`
	OutputDir  string           `json:"output_dir,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// SliceResult records one rendered slice file of a completed job.
type SliceResult struct {
	Plane string `json:"plane"`
	Index int    `json:"index"`
	Path  string `json:"path"`
}

// Store provides persistent storage for snapshot jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based snapshot job store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshot_jobs (
		job_id TEXT PRIMARY KEY,
		volume_id TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		output_dir TEXT DEFAULT '',
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_snapshot_jobs_volume ON snapshot_jobs(volume_id);
	CREATE INDEX IF NOT EXISTS idx_snapshot_jobs_status ON snapshot_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_snapshot_jobs_finished ON snapshot_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS snapshot_slices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		plane TEXT NOT NULL,
		slice_index INTEGER NOT NULL,
		path TEXT NOT NULL,
		FOREIGN KEY (job_id) REFERENCES snapshot_jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_snapshot_slices_job ON snapshot_slices(job_id, slice_index);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateJob creates a new job record with status=queued.
func (s *Store) CreateJob(job *SnapshotJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO snapshot_jobs (job_id, volume_id, status, params_json, phase, done, total, output_dir, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.VolumeID,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Phase,
		job.Progress.Done,
		job.Progress.Total,
		job.OutputDir,
		job.Error,
		job.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID. A missing job returns (nil, nil).
func (s *Store) GetJob(jobID string) (*SnapshotJob, error) {
	row := s.db.QueryRow(`
		SELECT job_id, volume_id, status, params_json, phase, done, total, output_dir, error, created_at, started_at, finished_at
		FROM snapshot_jobs WHERE job_id = ?
	`, jobID)

	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// UpdateJobStatus updates the job status and optional error message.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE snapshot_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE snapshot_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), now, jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE snapshot_jobs SET phase = ?, done = ?, total = ?
		WHERE job_id = ?
	`, phase, done, total, jobID)
	return err
}

// SetJobOutput records where a job's rendered slices were written.
func (s *Store) SetJobOutput(jobID, outputDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE snapshot_jobs SET output_dir = ?
		WHERE job_id = ?
	`, outputDir, jobID)
	return err
}

// InsertSlices inserts rendered slice records in a batch transaction.
func (s *Store) InsertSlices(jobID string, slices []SliceResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO snapshot_slices (job_id, plane, slice_index, path)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sl := range slices {
		if _, err := stmt.Exec(jobID, sl.Plane, sl.Index, sl.Path); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// QuerySlices returns a job's rendered slice records in index order.
func (s *Store) QuerySlices(jobID string) ([]SliceResult, error) {
	rows, err := s.db.Query(`
		SELECT plane, slice_index, path
		FROM snapshot_slices
		WHERE job_id = ?
		ORDER BY slice_index ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slices []SliceResult
	for rows.Next() {
		var sl SliceResult
		if err := rows.Scan(&sl.Plane, &sl.Index, &sl.Path); err != nil {
			return nil, err
		}
		slices = append(slices, sl)
	}
	return slices, rows.Err()
}

// ListJobsByVolume returns all jobs for a volume, newest first.
func (s *Store) ListJobsByVolume(volumeID string) ([]*SnapshotJob, error) {
	rows, err := s.db.Query(`
		SELECT job_id, volume_id, status, params_json, phase, done, total, output_dir, error, created_at, started_at, finished_at
		FROM snapshot_jobs WHERE volume_id = ?
		ORDER BY created_at DESC
	`, volumeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*SnapshotJob, error) {
	rows, err := s.db.Query(`
		SELECT job_id, volume_id, status, params_json, phase, done, total, output_dir, error, created_at, started_at, finished_at
		FROM snapshot_jobs WHERE status = ?
		ORDER BY created_at ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// MarkRunningAsFailed marks all running jobs as failed (for restart
// recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE snapshot_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, now, string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes finished jobs older than retentionDays.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)
	res, err := s.db.Exec(`
		DELETE FROM snapshot_jobs
		WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteJob removes a job and its slice records.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM snapshot_slices WHERE job_id = ?", jobID); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM snapshot_jobs WHERE job_id = ?", jobID)
	return err
}

func scanJob(scan func(...interface{}) error) (*SnapshotJob, error) {
	var job SnapshotJob
	var paramsJSON string
	var createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := scan(
		&job.ID,
		&job.VolumeID,
		&job.Status,
		&paramsJSON,
		&job.Progress.Phase,
		&job.Progress.Done,
		&job.Progress.Total,
		&job.OutputDir,
		&job.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}

	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	if startedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, startedAtStr.String)
		job.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
		job.FinishedAt = &t
	}

	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*SnapshotJob, error) {
	var jobs []*SnapshotJob
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
