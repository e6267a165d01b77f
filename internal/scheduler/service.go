package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"studyflow/internal/domain"
	"studyflow/internal/store"
)

// Service fires task invocations on cron schedules. It performs no business
// logic itself: when an entry is due it enqueues the named task and advances
// next_run.
type Service struct {
	store    *store.Store
	interval time.Duration
}

func NewService(st *store.Store, checkInterval time.Duration) *Service {
	if checkInterval <= 0 {
		checkInterval = 15 * time.Second
	}
	return &Service{store: st, interval: checkInterval}
}

// Bootstrap upserts the static schedule table by name, so restarting a
// worker replaces entries rather than duplicating them.
func (s *Service) Bootstrap(ctx context.Context, entries []domain.Schedule) error {
	now := time.Now()
	for _, entry := range entries {
		sched, err := cron.ParseStandard(entry.CronExpr)
		if err != nil {
			return fmt.Errorf("schedule %s: invalid cron %q: %w", entry.Name, entry.CronExpr, err)
		}
		entry.Enabled = true
		entry.NextRun = sched.Next(now)
		if _, err := s.store.UpsertScheduleByName(ctx, entry); err != nil {
			return fmt.Errorf("schedule %s: %w", entry.Name, err)
		}
		log.Info().Str("schedule", entry.Name).Str("cron", entry.CronExpr).Time("next_run", entry.NextRun).Msg("schedule registered")
	}
	return nil
}

// Run polls for due entries until ctx is canceled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("schedule service started")

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.processDueSchedules(ctx, now)
		}
	}
}

func (s *Service) processDueSchedules(ctx context.Context, now time.Time) {
	schedules, err := s.store.GetDueSchedules(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due schedules")
		return
	}

	for _, schedule := range schedules {
		if err := s.processSchedule(ctx, schedule, now); err != nil {
			log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to process schedule")
		}
	}
}

func (s *Service) processSchedule(ctx context.Context, schedule domain.Schedule, now time.Time) error {
	cronSchedule, err := cron.ParseStandard(schedule.CronExpr)
	if err != nil {
		log.Error().Err(err).Str("cron_expr", schedule.CronExpr).Msg("invalid cron expression")
		return err
	}

	task := domain.Task{
		Type:        schedule.TaskType,
		Payload:     schedule.Payload,
		Priority:    schedule.Priority,
		MaxAttempts: schedule.MaxAttempts,
	}

	taskID, err := s.store.Enqueue(ctx, task)
	if err != nil {
		log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to enqueue scheduled task")
		return err
	}

	nextRun := cronSchedule.Next(now)
	if err := s.store.UpdateScheduleLastRun(ctx, schedule.ID, now, nextRun); err != nil {
		log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to update schedule run times")
		return err
	}

	log.Info().
		Str("schedule_id", schedule.ID).
		Str("schedule_name", schedule.Name).
		Str("task_id", taskID).
		Time("next_run", nextRun).
		Msg("scheduled task enqueued")

	return nil
}

// ValidateCronExpression validates a cron expression.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
