package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"studyflow/internal/domain"
	"studyflow/internal/store"
	"studyflow/internal/task"
)

// CourseArgs is the payload of course.generate.
type CourseArgs struct {
	Topic string `json:"topic"`
	Level string `json:"level"`
}

// courseOutline is the shape we ask the completer to produce.
type courseOutline struct {
	Title string `json:"title"`
	Units []struct {
		Title   string `json:"title"`
		Summary string `json:"summary"`
	} `json:"units"`
}

func generateCourse(ctx context.Context, env *task.Env, inv task.Invocation) error {
	var args CourseArgs
	if err := json.Unmarshal(inv.Args, &args); err != nil {
		return task.Permanent(fmt.Errorf("decode args: %w", err), "Course request was invalid.")
	}
	if strings.TrimSpace(args.Topic) == "" {
		return task.Permanent(errors.New("topic is required"), "Course request was invalid: a topic is required.")
	}
	if args.Level == "" {
		args.Level = "beginner"
	}

	rep := env.Reporter(inv.UserID, "course_ready")
	rep.Processing("Generating your course. This can take a minute.")

	// A prior attempt may already have persisted the result.
	if existing, err := env.Store.GetCourseByTaskID(ctx, inv.ID); err == nil {
		rep.Success("Your course is ready.", existing)
		return nil
	}

	raw, err := env.AI.Complete(ctx, coursePrompt(args.Topic, args.Level))
	if err != nil {
		return fmt.Errorf("completion: %w", err)
	}
	var outline courseOutline
	if err := json.Unmarshal([]byte(extractJSON(raw)), &outline); err != nil || outline.Title == "" || len(outline.Units) == 0 {
		// Model flake; a retry usually produces parseable output.
		return fmt.Errorf("parse outline: %w", errors.Join(err, errors.New("empty or invalid outline")))
	}

	outlineRaw, _ := json.Marshal(outline)
	course, err := env.Store.InsertCourse(ctx, domain.Course{
		UserID:  inv.UserID,
		TaskID:  inv.ID,
		Topic:   args.Topic,
		Level:   args.Level,
		Title:   outline.Title,
		Outline: outlineRaw,
	})
	if errors.Is(err, store.ErrConflict) {
		// Raced with a duplicate delivery of this invocation.
		course, err = env.Store.GetCourseByTaskID(ctx, inv.ID)
	}
	if err != nil {
		return fmt.Errorf("persist course: %w", err)
	}

	rep.Success("Your course is ready.", course)
	env.Log.Info().Str("course_id", course.ID).Str("topic", args.Topic).Msg("course generated")
	return nil
}

func coursePrompt(topic, level string) string {
	return fmt.Sprintf(`Design a study course outline for the topic %q at %s level.
Respond with only a JSON object: {"title": string, "units": [{"title": string, "summary": string}]}.
Produce between 4 and 8 units.`, topic, level)
}

// extractJSON tolerates completions that wrap the JSON object in prose or a
// code fence.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
