package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"studyflow/internal/domain"
)

const taskCols = `id,type,user_id,payload,priority,attempts,max_attempts,state,next_run_at,visibility_timeout,idempotency_key,created_at,updated_at`

// Enqueue inserts a queued task. If an idempotency key is set and a task with
// that key already exists, the existing task's ID is returned instead.
func (s *Store) Enqueue(ctx context.Context, t domain.Task) (string, error) {
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	if t.Priority == 0 {
		t.Priority = 5
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = 3
	}
	if t.VisibilityTimeout == 0 {
		t.VisibilityTimeout = 60
	}

	if t.IdempotencyKey != nil {
		var existingID string
		err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id FROM tasks WHERE idempotency_key = ?`), *t.IdempotencyKey).Scan(&existingID)
		if err == nil {
			return existingID, nil
		}
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO tasks (id,type,user_id,payload,priority,state,attempts,max_attempts,next_run_at,visibility_timeout,idempotency_key,created_at,updated_at)
VALUES (?,?,?,?,?,'queued',0,?,?,?,?,?,?)`),
		id, t.Type, t.UserID, t.Payload, t.Priority, t.MaxAttempts, now, t.VisibilityTimeout, t.IdempotencyKey, now, now)
	if err != nil && isUnique(err) {
		// Lost an idempotency race; return the winner.
		if t.IdempotencyKey != nil {
			var existingID string
			if serr := s.db.QueryRowContext(ctx, s.rebind(`SELECT id FROM tasks WHERE idempotency_key = ?`), *t.IdempotencyKey).Scan(&existingID); serr == nil {
				return existingID, nil
			}
		}
		return "", ErrConflict
	}
	return id, err
}

// Lease is the window during which a leased task is considered in flight.
type Lease struct{ Until time.Time }

// LeaseNext claims the highest-priority due task in a serializable
// transaction and marks it running. Returns ErrEmpty when nothing is due.
func (s *Store) LeaseNext(ctx context.Context, now time.Time) (domain.Task, Lease, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.Task{}, Lease{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, s.rebind(`
SELECT `+taskCols+`
FROM tasks
WHERE state='queued' AND next_run_at <= ?
ORDER BY priority DESC, created_at ASC
LIMIT 1`), now)
	var t domain.Task
	t, err = scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return domain.Task{}, Lease{}, errors.Join(ErrEmpty, tx.Rollback())
	}
	if err != nil {
		return domain.Task{}, Lease{}, err
	}

	leaseUntil := now.Add(time.Duration(t.VisibilityTimeout) * time.Second)
	_, err = tx.ExecContext(ctx, s.rebind(`UPDATE tasks SET state='running', updated_at=? WHERE id=?`), time.Now().UTC(), t.ID)
	if err != nil {
		return domain.Task{}, Lease{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Task{}, Lease{}, err
	}
	t.State = domain.TaskRunning
	return t, Lease{Until: leaseUntil}, nil
}

// Retry records a failed attempt and either requeues the task with the given
// delay or, when attempts are exhausted, moves it to failed.
func (s *Store) Retry(ctx context.Context, id, errStr string, delay time.Duration) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO task_attempts(task_id, success, error, finished_at) VALUES (?,0,?,?)`), id, errStr, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
UPDATE tasks
SET attempts = attempts + 1,
    state = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
    next_run_at = ?,
    updated_at = ?
WHERE id = ?`), now.Add(delay), now, id); err != nil {
		return err
	}
	return tx.Commit()
}

// Succeed records a successful attempt and moves the task to succeeded.
func (s *Store) Succeed(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO task_attempts(task_id, success, error, finished_at) VALUES (?,1,'',?)`), id, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE tasks SET attempts = attempts + 1, state='succeeded', updated_at=? WHERE id=?`), now, id); err != nil {
		return err
	}
	return tx.Commit()
}

// Fail hard-fails the task: records the attempt and stops retrying.
func (s *Store) Fail(ctx context.Context, id, errStr string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO task_attempts(task_id, success, error, finished_at) VALUES (?,0,?,?)`), id, errStr, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE tasks SET attempts = attempts + 1, state='failed', updated_at=? WHERE id=?`), now, id); err != nil {
		return err
	}
	return tx.Commit()
}

// RecoverStale requeues running tasks whose visibility timeout has lapsed,
// typically after a worker crash.
func (s *Store) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, updated_at, visibility_timeout FROM tasks WHERE state='running'`))
	if err != nil {
		return 0, err
	}
	var stale []string
	for rows.Next() {
		var id string
		var updated time.Time
		var vt int
		if err := rows.Scan(&id, &updated, &vt); err != nil {
			continue
		}
		if now.Sub(updated) > time.Duration(vt)*time.Second {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	n := 0
	for _, id := range stale {
		res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE tasks SET state='queued', next_run_at=?, updated_at=? WHERE id=? AND state='running'`), now, now, id)
		if err != nil {
			return n, err
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			n++
		}
	}
	return n, nil
}

// Get returns one task by ID, ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+taskCols+` FROM tasks WHERE id=?`), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

// ListRecentTasks returns the most recently created tasks, newest first.
func (s *Store) ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+taskCols+` FROM tasks ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var idem sql.NullString
	err := row.Scan(&t.ID, &t.Type, &t.UserID, &t.Payload, &t.Priority, &t.Attempts, &t.MaxAttempts, &t.State, &t.NextRunAt, &t.VisibilityTimeout, &idem, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	if idem.Valid {
		s := idem.String
		t.IdempotencyKey = &s
	}
	return t, nil
}
