package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"studyflow/internal/domain"
	"studyflow/internal/store"
	"studyflow/internal/task"
)

// ResourceArgs is the payload of resource.recommend.
type ResourceArgs struct {
	Topics []string `json:"topics"`
	Limit  int      `json:"limit"`
}

func recommendResources(ctx context.Context, env *task.Env, inv task.Invocation) error {
	var args ResourceArgs
	if err := json.Unmarshal(inv.Args, &args); err != nil {
		return task.Permanent(fmt.Errorf("decode args: %w", err), "Resource request was invalid.")
	}
	if len(args.Topics) == 0 {
		return task.Permanent(errors.New("topics are required"), "Resource request was invalid: at least one topic is required.")
	}
	if args.Limit <= 0 || args.Limit > 10 {
		args.Limit = 5
	}

	rep := env.Reporter(inv.UserID, "resources_ready")
	rep.Processing("Looking for study resources.")

	var saved []domain.Resource
	for i, topic := range args.Topics {
		rep.Progress((i+1)*100/len(args.Topics), fmt.Sprintf("Searching %q", topic))

		results, err := env.Search.Search(ctx, "study resources for "+topic, args.Limit)
		if err != nil {
			return fmt.Errorf("search %q: %w", topic, err)
		}
		for _, hit := range results {
			if hit.URL == "" {
				continue
			}
			res, err := env.Store.InsertResource(ctx, domain.Resource{
				UserID:  inv.UserID,
				TaskID:  inv.ID,
				Topic:   topic,
				Title:   hit.Title,
				URL:     hit.URL,
				Snippet: hit.Snippet,
			})
			if errors.Is(err, store.ErrConflict) {
				// Duplicate URL from a prior attempt or overlapping topics.
				continue
			}
			if err != nil {
				return fmt.Errorf("persist resource: %w", err)
			}
			saved = append(saved, res)
		}
	}

	rep.Success("Your study resources are ready.", saved)
	env.Log.Info().Int("resources", len(saved)).Msg("resources recommended")
	return nil
}
