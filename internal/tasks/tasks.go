// Package tasks holds the concrete background task bodies: AI content
// generation, digests, and queue/bus maintenance. Every handler tolerates
// re-execution; idempotency is enforced with unique keys on the invocation ID.
package tasks

import (
	"time"

	"studyflow/internal/domain"
	"studyflow/internal/task"
)

// Task names. The event action tags the frontend listens for are declared on
// each Definition and deliberately decoupled from these.
const (
	TypeCourseGenerate    = "course.generate"
	TypeScheduleGenerate  = "schedule.generate"
	TypeResourceRecommend = "resource.recommend"
	TypeDigestDaily       = "digest.daily"
	TypeDigestWeekly      = "digest.weekly"
	TypeEventsPrune       = "events.prune"
	TypeTasksRecover      = "tasks.recover"
)

// Options carries the knobs maintenance tasks need.
type Options struct {
	EventRetention time.Duration
}

// RegisterAll builds the closed task catalog.
func RegisterAll(reg *task.Registry, opts Options) {
	if opts.EventRetention <= 0 {
		opts.EventRetention = 24 * time.Hour
	}

	reg.Register(task.Definition{
		Name:           TypeCourseGenerate,
		Description:    "Generate a course outline from a topic via the AI completer",
		Category:       "ai",
		Tags:           []string{"course", "generation"},
		Action:         "course_ready",
		FailureMessage: "Course generation failed. Please try again.",
		Handler:        generateCourse,
	})
	reg.Register(task.Definition{
		Name:           TypeScheduleGenerate,
		Description:    "Create study schedule blocks from a requested plan",
		Category:       "ai",
		Tags:           []string{"schedule", "generation"},
		Action:         "schedule_ready",
		FailureMessage: "Schedule creation failed. Please try again.",
		Handler:        generateSchedule,
	})
	reg.Register(task.Definition{
		Name:           TypeResourceRecommend,
		Description:    "Search the web for study resources matching the user's topics",
		Category:       "ai",
		Tags:           []string{"resources", "search"},
		Action:         "resources_ready",
		FailureMessage: "Resource recommendation failed. Please try again.",
		Handler:        recommendResources,
	})
	reg.Register(task.Definition{
		Name:        TypeDigestDaily,
		Description: "Notify users about schedule blocks in the next 24 hours",
		Category:    "digest",
		Tags:        []string{"periodic"},
		Action:      "digest",
		Handler:     digestHandler(24 * time.Hour),
	})
	reg.Register(task.Definition{
		Name:        TypeDigestWeekly,
		Description: "Notify users about schedule blocks in the next 7 days",
		Category:    "digest",
		Tags:        []string{"periodic"},
		Action:      "digest",
		Handler:     digestHandler(7 * 24 * time.Hour),
	})
	reg.Register(task.Definition{
		Name:        TypeEventsPrune,
		Description: "Delete bus events older than the retention window",
		Category:    "maintenance",
		Tags:        []string{"periodic", "bus"},
		Handler:     pruneEvents(opts.EventRetention),
	})
	reg.Register(task.Definition{
		Name:        TypeTasksRecover,
		Description: "Requeue running tasks whose visibility timeout lapsed",
		Category:    "maintenance",
		Tags:        []string{"periodic", "queue"},
		Handler:     recoverStale,
	})
}

// PeriodicSchedules is the static schedule table, registered at worker start.
func PeriodicSchedules() []domain.Schedule {
	empty := []byte(`{}`)
	return []domain.Schedule{
		{Name: "events-prune-hourly", CronExpr: "0 * * * *", TaskType: TypeEventsPrune, Payload: empty, MaxAttempts: 1},
		{Name: "tasks-recover", CronExpr: "*/15 * * * *", TaskType: TypeTasksRecover, Payload: empty, MaxAttempts: 1},
		{Name: "digest-daily", CronExpr: "0 6 * * *", TaskType: TypeDigestDaily, Payload: empty, MaxAttempts: 2},
		{Name: "digest-weekly", CronExpr: "0 7 * * 1", TaskType: TypeDigestWeekly, Payload: empty, MaxAttempts: 2},
	}
}
