package tasks

import (
	"context"
	"time"

	"studyflow/internal/task"
)

// pruneEvents ages out bus rows past the retention window. Anything pruned
// undelivered was at-most-once by design.
func pruneEvents(retention time.Duration) task.Handler {
	return func(ctx context.Context, env *task.Env, _ task.Invocation) error {
		n, err := env.Store.PruneEvents(ctx, time.Now().UTC().Add(-retention))
		if err != nil {
			return err
		}
		env.Log.Info().Int64("pruned", n).Msg("events pruned")
		return nil
	}
}

// recoverStale requeues tasks stuck in running, e.g. after a worker crash.
func recoverStale(ctx context.Context, env *task.Env, _ task.Invocation) error {
	n, err := env.Store.RecoverStale(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if n > 0 {
		env.Log.Info().Int("recovered", n).Msg("stale tasks requeued")
	}
	return nil
}
