package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"studyflow/internal/domain"
)

const scheduleCols = `id,name,cron_expr,task_type,payload,priority,max_attempts,enabled,last_run,next_run,created_at,updated_at`

// UpsertScheduleByName registers a periodic entry keyed by name: re-registering
// the same name replaces the cron expression and task rather than duplicating.
func (s *Store) UpsertScheduleByName(ctx context.Context, sch domain.Schedule) (string, error) {
	existing, err := s.getScheduleByName(ctx, sch.Name)
	now := time.Now().UTC()
	if err == nil {
		_, uerr := s.db.ExecContext(ctx, s.rebind(`
UPDATE schedules SET cron_expr=?,task_type=?,payload=?,priority=?,max_attempts=?,enabled=?,next_run=?,updated_at=?
WHERE id=?`), sch.CronExpr, sch.TaskType, sch.Payload, sch.Priority, sch.MaxAttempts, b2i(sch.Enabled), sch.NextRun, now, existing.ID)
		return existing.ID, uerr
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	id := sch.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	if sch.Priority == 0 {
		sch.Priority = 5
	}
	if sch.MaxAttempts == 0 {
		sch.MaxAttempts = 3
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
INSERT INTO schedules (id,name,cron_expr,task_type,payload,priority,max_attempts,enabled,last_run,next_run,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`),
		id, sch.Name, sch.CronExpr, sch.TaskType, sch.Payload, sch.Priority, sch.MaxAttempts, b2i(sch.Enabled), sch.LastRun, sch.NextRun, now, now)
	return id, err
}

func (s *Store) getScheduleByName(ctx context.Context, name string) (domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+scheduleCols+` FROM schedules WHERE name=?`), name)
	sch, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, ErrNotFound
	}
	return sch, err
}

// ListSchedules returns all periodic entries, ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleCols+` FROM schedules ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// GetDueSchedules returns enabled entries whose next_run is at or before now.
func (s *Store) GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT `+scheduleCols+` FROM schedules WHERE enabled=? AND next_run <= ? ORDER BY next_run`), 1, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// UpdateScheduleLastRun advances a schedule's run bookkeeping after enqueue.
func (s *Store) UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE schedules SET last_run=?,next_run=?,updated_at=? WHERE id=?`), lastRun, nextRun, time.Now().UTC(), id)
	return err
}

func collectSchedules(rows *sql.Rows) ([]domain.Schedule, error) {
	var schedules []domain.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sch)
	}
	return schedules, rows.Err()
}

// enabled is stored as 0/1 for driver portability.
func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanSchedule(row scanner) (domain.Schedule, error) {
	var sch domain.Schedule
	var lastRun sql.NullTime
	err := row.Scan(&sch.ID, &sch.Name, &sch.CronExpr, &sch.TaskType, &sch.Payload, &sch.Priority, &sch.MaxAttempts, &sch.Enabled, &lastRun, &sch.NextRun, &sch.CreatedAt, &sch.UpdatedAt)
	if err != nil {
		return domain.Schedule{}, err
	}
	if lastRun.Valid {
		sch.LastRun = &lastRun.Time
	}
	return sch, nil
}
