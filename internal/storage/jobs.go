package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type jobRow struct {
	ID        string `db:"id"`
	Queue     string `db:"queue"`
	Payload   string `db:"payload"`
	Status    string `db:"status"`
	LastError string `db:"last_error"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

func (r jobRow) toJob() (Job, error) {
	j := Job{ID: r.ID, Queue: r.Queue, Payload: r.Payload, Status: r.Status, LastError: r.LastError}
	var err error
	if j.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", r.ID, err)
	}
	if j.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", r.ID, err)
	}
	return j, nil
}

// EnqueueJob appends a pending job to queue and returns its id.
func (s *Store) EnqueueJob(ctx context.Context, queue, payload string) (string, error) {
	id := uuid.NewString()
	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO jobs (id, queue, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		id, queue, payload, JobPending, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueueing job on %s: %w", queue, err)
	}
	return id, nil
}

// ClaimNextJob marks the oldest pending job of queue running and returns it.
// It returns nil when the queue is empty.
func (s *Store) ClaimNextJob(ctx context.Context, queue string) (*Job, error) {
	lock := ""
	if s.dialect == DialectPostgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	var row jobRow
	err = tx.GetContext(ctx, &row, s.q(`
		SELECT id, queue, payload, status, last_error, created_at, updated_at
		FROM jobs
		WHERE queue = ? AND status = ?
		ORDER BY created_at ASC
		LIMIT 1`+lock), queue, JobPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	now := formatTime(s.now())
	res, err := tx.ExecContext(ctx, s.q(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
		JobRunning, now, row.ID, JobPending)
	if err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	row.Status = JobRunning
	row.UpdatedAt = now
	j, err := row.toJob()
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CompleteJob acknowledges a running job.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	return s.finishJob(ctx, id, JobCompleted, "")
}

// FailJob negatively acknowledges a job. Failed jobs are never retried.
func (s *Store) FailJob(ctx context.Context, id, errMsg string) error {
	return s.finishJob(ctx, id, JobFailed, errMsg)
}

func (s *Store) finishJob(ctx context.Context, id, status, errMsg string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`),
		status, errMsg, formatTime(s.now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT id, queue, payload, status, last_error, created_at, updated_at
		FROM jobs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	return row.toJob()
}

// ListJobs returns the jobs of queue in creation order. An empty status
// matches every status.
func (s *Store) ListJobs(ctx context.Context, queue, status string) ([]Job, error) {
	query := `SELECT id, queue, payload, status, last_error, created_at, updated_at FROM jobs WHERE queue = ?`
	args := []any{queue}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at ASC"

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toJob()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}
