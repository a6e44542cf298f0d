package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/digkill/promptor/internal/database"
	"github.com/digkill/promptor/internal/models"
)

type OutboxRepository struct {
	q database.Querier
}

func NewOutboxRepository(db *database.DB) *OutboxRepository {
	return &OutboxRepository{q: db}
}

func (r *OutboxRepository) WithTx(tx *sql.Tx) *OutboxRepository {
	return &OutboxRepository{q: tx}
}

// Enqueue stores a task due immediately. Call it on a tx-bound repository so the
// task commits together with the state change that produced it.
func (r *OutboxRepository) Enqueue(ctx context.Context, kind string, payload any, now time.Time) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", kind, err)
	}
	id := ulid.Make().String()
	const query = `
INSERT INTO outbox_tasks (id, kind, payload, status, attempts, next_attempt_at, last_error, created_at, updated_at)
VALUES (?, ?, ?, ?, 0, ?, '', ?, ?)`
	ms := toMillis(now)
	if _, err := r.q.ExecContext(ctx, query, id, kind, string(data), models.OutboxPending, ms, ms, ms); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return id, nil
}

const outboxColumns = `id, kind, payload, status, attempts, next_attempt_at, last_error, created_at, updated_at`

func scanTask(row rowScanner) (*models.OutboxTask, error) {
	var t models.OutboxTask
	var payload string
	var next, created, updated int64
	if err := row.Scan(&t.ID, &t.Kind, &payload, &t.Status, &t.Attempts, &next, &t.LastError, &created, &updated); err != nil {
		return nil, err
	}
	t.Payload = []byte(payload)
	t.NextAttemptAt = fromMillis(next)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return &t, nil
}

// Due lists pending tasks whose next attempt time has passed, oldest first.
func (r *OutboxRepository) Due(ctx context.Context, now time.Time, limit int) ([]models.OutboxTask, error) {
	const query = `SELECT ` + outboxColumns + ` FROM outbox_tasks WHERE status = ? AND next_attempt_at <= ? ORDER BY next_attempt_at ASC, id ASC LIMIT ?`
	rows, err := r.q.QueryContext(ctx, query, models.OutboxPending, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}
	defer rows.Close()

	tasks := []models.OutboxTask{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// Claim leases a task by bumping its attempt counter and pushing next_attempt_at
// to leaseUntil. It reports false when another worker got there first.
func (r *OutboxRepository) Claim(ctx context.Context, id string, attempts int, leaseUntil, now time.Time) (bool, error) {
	const query = `
UPDATE outbox_tasks SET attempts = attempts + 1, next_attempt_at = ?, updated_at = ?
WHERE id = ? AND status = ? AND attempts = ?`
	res, err := r.q.ExecContext(ctx, query, toMillis(leaseUntil), toMillis(now), id, models.OutboxPending, attempts)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *OutboxRepository) MarkDone(ctx context.Context, id string, now time.Time) error {
	const query = `UPDATE outbox_tasks SET status = ?, last_error = '', updated_at = ? WHERE id = ?`
	if _, err := r.q.ExecContext(ctx, query, models.OutboxDone, toMillis(now), id); err != nil {
		return fmt.Errorf("mark task done: %w", err)
	}
	return nil
}

func (r *OutboxRepository) Reschedule(ctx context.Context, id string, next time.Time, lastErr string, now time.Time) error {
	const query = `UPDATE outbox_tasks SET next_attempt_at = ?, last_error = ?, updated_at = ? WHERE id = ?`
	if _, err := r.q.ExecContext(ctx, query, toMillis(next), lastErr, toMillis(now), id); err != nil {
		return fmt.Errorf("reschedule task: %w", err)
	}
	return nil
}

func (r *OutboxRepository) MarkDead(ctx context.Context, id string, lastErr string, now time.Time) error {
	const query = `UPDATE outbox_tasks SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`
	if _, err := r.q.ExecContext(ctx, query, models.OutboxDead, lastErr, toMillis(now), id); err != nil {
		return fmt.Errorf("mark task dead: %w", err)
	}
	return nil
}

func (r *OutboxRepository) GetByID(ctx context.Context, id string) (*models.OutboxTask, error) {
	t, err := scanTask(r.q.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox_tasks WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (r *OutboxRepository) ListByKind(ctx context.Context, kind string) ([]models.OutboxTask, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+outboxColumns+` FROM outbox_tasks WHERE kind = ? ORDER BY id ASC`, kind)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []models.OutboxTask{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}
