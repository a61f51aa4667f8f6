// Package queue implements the durable, deduplicating, priority job
// queue every pipeline stage enqueues work through. SQLite has no
// SELECT ... FOR UPDATE SKIP LOCKED, so ClaimNext relies on a single
// UPDATE ... WHERE status='pending' statement plus SQLite's inherent
// single-writer serialization to make the claim atomic instead.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/insiderwatch/pipeline/internal/pipeline"
)

// Job is a claimed unit of work.
type Job struct {
	JobID       int64
	JobType     string
	Priority    int
	DedupeKey   string
	Payload     map[string]any
	Attempts    int
	MaxAttempts int
}

// EnqueueParams configures a new (or possibly deduped) job.
type EnqueueParams struct {
	JobType         string
	DedupeKey       string
	Payload         map[string]any
	Priority        int // higher claims first; default 100
	MaxAttempts     int // default 3
	RunAfter        string
	RequeueIfExists bool // reset a terminal (success/error) job back to pending
}

// Enqueue inserts a new pending job. A dedupe_key collision with an
// existing job is a no-op unless RequeueIfExists is set and the
// existing job has already reached a terminal state (pending/running
// jobs are left alone either way, so an in-flight job is never reset
// out from under itself).
func Enqueue(ctx context.Context, db *sql.DB, p EnqueueParams) error {
	if p.Priority == 0 {
		p.Priority = 100
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("queue: marshal payload: %w", err)
	}
	now := pipeline.UTCNowISO()

	var runAfter sql.NullString
	if p.RunAfter != "" {
		runAfter = sql.NullString{String: p.RunAfter, Valid: true}
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO jobs (job_type, status, priority, dedupe_key, payload_json, attempts, max_attempts, last_error, created_at, updated_at, run_after)
		VALUES (?, 'pending', ?, ?, ?, 0, ?, NULL, ?, ?, ?)
		ON CONFLICT(dedupe_key) DO NOTHING`,
		p.JobType, p.Priority, p.DedupeKey, string(payloadJSON), p.MaxAttempts, now, now, runAfter,
	)
	if err != nil {
		return fmt.Errorf("queue: insert job: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	if !p.RequeueIfExists {
		return nil
	}

	var status string
	err = db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE dedupe_key = ?`, p.DedupeKey).Scan(&status)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue: load existing job: %w", err)
	}
	if status == "pending" || status == "running" {
		return nil
	}

	_, err = db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'pending', priority = ?, payload_json = ?, attempts = 0,
		    max_attempts = ?, last_error = NULL, updated_at = ?, run_after = ?
		WHERE dedupe_key = ?`,
		p.Priority, string(payloadJSON), p.MaxAttempts, now, runAfter, p.DedupeKey,
	)
	if err != nil {
		return fmt.Errorf("queue: requeue job: %w", err)
	}
	return nil
}

// ClaimNext atomically claims the highest-priority eligible pending
// job (oldest first within a priority band), optionally restricted to
// a set of job types (the two-role worker runtime's role filter).
func ClaimNext(ctx context.Context, db *sql.DB, allowedJobTypes []string) (*Job, error) {
	now := pipeline.UTCNowISO()

	typeFilter := ""
	args := []any{now}
	if len(allowedJobTypes) > 0 {
		types := append([]string(nil), allowedJobTypes...)
		sort.Strings(types)
		placeholders := ""
		for i, t := range types {
			if i > 0 {
				placeholders += ","
			}
			placeholders += "?"
			args = append(args, t)
		}
		typeFilter = " AND job_type IN (" + placeholders + ")"
	}

	var jobID int64
	err := db.QueryRowContext(ctx, `
		SELECT job_id FROM jobs
		WHERE status = 'pending' AND (run_after IS NULL OR run_after <= ?)`+typeFilter+`
		ORDER BY priority DESC, created_at ASC, job_id ASC
		LIMIT 1`,
		args...,
	).Scan(&jobID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: select candidate: %w", err)
	}

	res, err := db.ExecContext(ctx,
		`UPDATE jobs SET status = 'running', updated_at = ? WHERE job_id = ? AND status = 'pending'`,
		now, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: claim job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race to another worker between the SELECT and the
		// UPDATE; the caller should simply poll again.
		return nil, nil
	}

	var j Job
	var payloadJSON string
	err = db.QueryRowContext(ctx, `
		SELECT job_id, job_type, priority, dedupe_key, payload_json, attempts, max_attempts
		FROM jobs WHERE job_id = ?`, jobID,
	).Scan(&j.JobID, &j.JobType, &j.Priority, &j.DedupeKey, &payloadJSON, &j.Attempts, &j.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("queue: load claimed job: %w", err)
	}
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &j.Payload); err != nil {
			return nil, fmt.Errorf("queue: unmarshal payload: %w", err)
		}
	}
	return &j, nil
}

// MarkSuccess marks a job complete.
func MarkSuccess(ctx context.Context, db *sql.DB, jobID int64) error {
	_, err := db.ExecContext(ctx, `UPDATE jobs SET status = 'success', updated_at = ? WHERE job_id = ?`,
		pipeline.UTCNowISO(), jobID)
	return err
}

// MarkDeferred returns a running job to pending without consuming an
// attempt — used when a handler can't proceed yet for a reason outside
// its control (e.g. waiting on an upstream job), not because it
// failed.
func MarkDeferred(ctx context.Context, db *sql.DB, jobID int64, reason string, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		retryAfter = 30 * time.Second
	}
	runAfter := time.Now().UTC().Add(retryAfter).Truncate(time.Second).Format("2006-01-02T15:04:05Z")
	_, err := db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', last_error = ?, updated_at = ?, run_after = ? WHERE job_id = ?`,
		truncateError(reason), pipeline.UTCNowISO(), runAfter, jobID,
	)
	return err
}

// MarkError records a failed attempt, moving the job to the terminal
// 'error' status once attempts reach max_attempts, or back to pending
// with a backoff delay otherwise.
func MarkError(ctx context.Context, db *sql.DB, jobID int64, errMsg string, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		retryAfter = 60 * time.Second
	}

	var attempts, maxAttempts int
	err := db.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE job_id = ?`, jobID).
		Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue: load job for error: %w", err)
	}
	attempts++

	now := pipeline.UTCNowISO()
	if attempts >= maxAttempts {
		_, err = db.ExecContext(ctx,
			`UPDATE jobs SET status = 'error', attempts = ?, last_error = ?, updated_at = ? WHERE job_id = ?`,
			attempts, truncateError(errMsg), now, jobID,
		)
		return err
	}

	runAfter := time.Now().UTC().Add(retryAfter).Truncate(time.Second).Format("2006-01-02T15:04:05Z")
	_, err = db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, updated_at = ?, run_after = ? WHERE job_id = ?`,
		attempts, truncateError(errMsg), now, runAfter, jobID,
	)
	return err
}

func truncateError(s string) string {
	const max = 5000
	if len(s) > max {
		return s[:max]
	}
	return s
}
