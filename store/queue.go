package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fieldsync/models"

	"go.uber.org/zap"
)

// PendingQueue is the durable, ordered collection of submissions waiting for
// confirmation. It is the only writer of pending_submissions.
type PendingQueue struct {
	store  *Store
	logger *zap.Logger
}

// NewPendingQueue returns the queue view over s.
func NewPendingQueue(s *Store) *PendingQueue {
	return &PendingQueue{store: s, logger: s.logger.Named("queue")}
}

// Enqueue appends a submission and returns its local id. Local ids grow
// monotonically and are never reused, so they double as the queue order.
func (q *PendingQueue) Enqueue(ctx context.Context, sub models.PendingSubmission) (int64, error) {
	if len(sub.Payload) == 0 {
		return 0, errors.New("submission payload is empty")
	}
	meta, err := json.Marshal(sub.Metadata)
	if err != nil {
		return 0, fmt.Errorf("encode submission metadata: %w", err)
	}
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	res, err := q.store.db.ExecContext(ctx, `
		INSERT INTO pending_submissions (created_at, payload, content_type, metadata, user_id)
		VALUES (?, ?, ?, ?, ?)
	`, formatTime(createdAt), sub.Payload, sub.ContentType, string(meta), sub.Metadata.UserID)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue submission: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read submission id: %w", err)
	}

	q.logger.Debug("submission enqueued", zap.Int64("local_id", id), zap.String("path", sub.Metadata.Path))
	return id, nil
}

// ListAll returns every queued and rejected submission, oldest first.
func (q *PendingQueue) ListAll(ctx context.Context) ([]models.PendingSubmission, error) {
	return q.list(ctx, true, `ORDER BY local_id ASC`)
}

// ListQueued returns the submissions a drain should attempt, oldest first.
func (q *PendingQueue) ListQueued(ctx context.Context) ([]models.PendingSubmission, error) {
	return q.list(ctx, true, `WHERE state = ? ORDER BY local_id ASC`, models.QueueStateQueued)
}

// Summaries lists every submission without loading payloads.
func (q *PendingQueue) Summaries(ctx context.Context) ([]models.PendingSubmission, error) {
	return q.list(ctx, false, `ORDER BY local_id ASC`)
}

// Get loads one submission with its payload.
func (q *PendingQueue) Get(ctx context.Context, localID int64) (models.PendingSubmission, error) {
	subs, err := q.list(ctx, true, `WHERE local_id = ?`, localID)
	if err != nil {
		return models.PendingSubmission{}, err
	}
	if len(subs) == 0 {
		return models.PendingSubmission{}, ErrNotFound
	}
	return subs[0], nil
}

// Remove deletes one submission. It returns ErrNotFound when the entry was
// already gone.
func (q *PendingQueue) Remove(ctx context.Context, localID int64) error {
	res, err := q.store.db.ExecContext(ctx, `DELETE FROM pending_submissions WHERE local_id = ?`, localID)
	if err != nil {
		return fmt.Errorf("failed to remove submission %d: %w", localID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns how many submissions are waiting and how many were rejected.
func (q *PendingQueue) Count(ctx context.Context) (queued, rejected int, err error) {
	rows, err := q.store.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM pending_submissions GROUP BY state`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count submissions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return 0, 0, fmt.Errorf("scan submission count: %w", err)
		}
		switch models.QueueState(state) {
		case models.QueueStateQueued:
			queued = n
		case models.QueueStateRejected:
			rejected = n
		}
	}
	return queued, rejected, rows.Err()
}

// RecordFailure bumps the attempt counter of a submission and stores the
// failure reason; reject moves it out of the drain set. It returns the new
// attempt count.
func (q *PendingQueue) RecordFailure(ctx context.Context, localID int64, reason string, reject bool) (int, error) {
	state := models.QueueStateQueued
	if reject {
		state = models.QueueStateRejected
	}
	var attempts int
	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pending_submissions
			SET attempts = attempts + 1, last_error = ?, state = ?
			WHERE local_id = ?
		`, reason, state, localID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return tx.QueryRowContext(ctx, `SELECT attempts FROM pending_submissions WHERE local_id = ?`, localID).Scan(&attempts)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to record failure for submission %d: %w", localID, err)
	}
	return attempts, nil
}

// Requeue puts a rejected submission back into the drain set with a fresh
// attempt budget.
func (q *PendingQueue) Requeue(ctx context.Context, localID int64) error {
	res, err := q.store.db.ExecContext(ctx, `
		UPDATE pending_submissions SET state = ?, attempts = 0, last_error = ''
		WHERE local_id = ?
	`, models.QueueStateQueued, localID)
	if err != nil {
		return fmt.Errorf("failed to requeue submission %d: %w", localID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *PendingQueue) list(ctx context.Context, withPayload bool, clause string, args ...any) ([]models.PendingSubmission, error) {
	payloadCol := `x''`
	if withPayload {
		payloadCol = `payload`
	}
	rows, err := q.store.db.QueryContext(ctx, `
		SELECT local_id, created_at, `+payloadCol+`, content_type, metadata, state, attempts, last_error
		FROM pending_submissions `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	defer rows.Close()

	subs := []models.PendingSubmission{}
	for rows.Next() {
		var (
			sub       models.PendingSubmission
			createdAt string
			meta      string
			state     string
		)
		if err := rows.Scan(&sub.LocalID, &createdAt, &sub.Payload, &sub.ContentType, &meta, &state, &sub.Attempts, &sub.LastError); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &sub.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of submission %d: %w", sub.LocalID, err)
		}
		sub.CreatedAt = parseTime(createdAt)
		sub.State = models.QueueState(state)
		if !withPayload {
			sub.Payload = nil
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return subs, nil
}
