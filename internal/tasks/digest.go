package tasks

import (
	"context"
	"fmt"
	"time"

	"studyflow/internal/task"
)

type digestPayload struct {
	UpcomingBlocks int       `json:"upcoming_blocks"`
	WindowEnd      time.Time `json:"window_end"`
}

// digestHandler notifies every user with schedule blocks in the coming
// window. Pure fan-out: one event per user, nothing persisted.
func digestHandler(window time.Duration) task.Handler {
	return func(ctx context.Context, env *task.Env, _ task.Invocation) error {
		now := time.Now().UTC()
		counts, err := env.Store.UsersWithBlocksBetween(ctx, now, now.Add(window))
		if err != nil {
			return fmt.Errorf("select upcoming blocks: %w", err)
		}

		for _, uc := range counts {
			rep := env.Reporter(uc.UserID, "digest")
			rep.Success(
				fmt.Sprintf("You have %d study blocks coming up.", uc.Count),
				digestPayload{UpcomingBlocks: uc.Count, WindowEnd: now.Add(window)},
			)
		}
		env.Log.Info().Int("users", len(counts)).Dur("window", window).Msg("digest sent")
		return nil
	}
}
