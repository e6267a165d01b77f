package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"studyflow/internal/domain"
	"studyflow/internal/store"
	"studyflow/internal/task"
)

// ScheduleArgs is the payload of schedule.generate.
type ScheduleArgs struct {
	Blocks []BlockInput `json:"blocks"`
}

// BlockInput is one requested study block.
type BlockInput struct {
	Title    string    `json:"title"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

// BlockResult is the per-item outcome reported in the aggregate event.
type BlockResult struct {
	Idx   int    `json:"idx"`
	Title string `json:"title"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

const maxBlocks = 50

// generateSchedule creates the requested blocks one by one. Blocks that fail
// validation are reported, not rolled back: the aggregate error event lists
// every per-item result so the user can see which blocks were created.
func generateSchedule(ctx context.Context, env *task.Env, inv task.Invocation) error {
	var args ScheduleArgs
	if err := json.Unmarshal(inv.Args, &args); err != nil {
		return task.Permanent(fmt.Errorf("decode args: %w", err), "Schedule request was invalid.")
	}
	if len(args.Blocks) == 0 || len(args.Blocks) > maxBlocks {
		return task.Permanent(fmt.Errorf("got %d blocks, want 1..%d", len(args.Blocks), maxBlocks),
			"Schedule request was invalid: between 1 and 50 blocks are required.")
	}

	rep := env.Reporter(inv.UserID, "schedule_ready")
	rep.Processing("Creating your study schedule.")

	results := make([]BlockResult, 0, len(args.Blocks))
	failures := 0
	for i, block := range args.Blocks {
		rep.Progress((i+1)*100/len(args.Blocks), fmt.Sprintf("Block %d of %d", i+1, len(args.Blocks)))

		res := BlockResult{Idx: i, Title: block.Title, OK: true}
		if err := validateBlock(block); err != nil {
			res.OK = false
			res.Error = err.Error()
			results = append(results, res)
			failures++
			continue
		}

		_, err := env.Store.InsertScheduleBlock(ctx, domain.ScheduleBlock{
			UserID:   inv.UserID,
			TaskID:   inv.ID,
			Idx:      i,
			Title:    block.Title,
			StartsAt: block.StartsAt.UTC(),
			EndsAt:   block.EndsAt.UTC(),
		})
		if errors.Is(err, store.ErrConflict) {
			// Already created by a prior attempt of this invocation.
			err = nil
		}
		if err != nil {
			// Infrastructure failure: let the retry policy re-run the whole
			// task; the (task_id, idx) guard keeps created blocks unique.
			return fmt.Errorf("persist block %d: %w", i, err)
		}
		results = append(results, res)
	}

	if failures > 0 {
		env.Log.Warn().Int("failed", failures).Int("total", len(args.Blocks)).Msg("schedule partially created")
		return task.PermanentData(
			fmt.Errorf("%d of %d blocks invalid", failures, len(args.Blocks)),
			fmt.Sprintf("%d of %d schedule blocks could not be created.", failures, len(args.Blocks)),
			results,
		)
	}

	rep.Success("Your study schedule is ready.", results)
	env.Log.Info().Int("blocks", len(args.Blocks)).Msg("schedule created")
	return nil
}

func validateBlock(b BlockInput) error {
	if strings.TrimSpace(b.Title) == "" {
		return errors.New("title is required")
	}
	if b.StartsAt.IsZero() || b.EndsAt.IsZero() {
		return errors.New("starts_at and ends_at are required")
	}
	if !b.EndsAt.After(b.StartsAt) {
		return errors.New("ends_at must be after starts_at")
	}
	return nil
}
