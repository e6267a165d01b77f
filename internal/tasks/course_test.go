package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"studyflow/internal/ai"
	"studyflow/internal/domain"
	"studyflow/internal/task"
)

const outlineJSON = `{"title":"Go from Zero","units":[
  {"title":"Basics","summary":"Syntax and tooling."},
  {"title":"Types","summary":"Structs and interfaces."},
  {"title":"Concurrency","summary":"Goroutines and channels."},
  {"title":"Testing","summary":"The testing package."}]}`

func courseInvocation(t *testing.T, topic string) task.Invocation {
	t.Helper()
	args, err := json.Marshal(CourseArgs{Topic: topic})
	require.NoError(t, err)
	return task.Invocation{ID: "tsk_course", UserID: "u1", Args: args, Attempt: 1, MaxAttempts: 3}
}

func TestGenerateCoursePersistsAndReports(t *testing.T) {
	st := newTestStore(t)
	env := newTestEnv(t, st, fakeCompleter{out: "Sure! Here it is:\n```json\n" + outlineJSON + "\n```"}, nil)

	require.NoError(t, generateCourse(context.Background(), env, courseInvocation(t, "golang")))

	courses, err := st.ListCourses(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, courses, 1)
	require.Equal(t, "Go from Zero", courses[0].Title)
	require.Equal(t, "beginner", courses[0].Level)

	msgs := decodeEvents(t, st)
	require.Len(t, msgs, 2)
	require.Equal(t, domain.EventProcessing, msgs[0].Type)
	require.Equal(t, domain.EventSuccess, msgs[1].Type)
	require.Equal(t, "course_ready", msgs[1].Action)
}

func TestGenerateCourseRerunReusesPersistedResult(t *testing.T) {
	st := newTestStore(t)
	inv := courseInvocation(t, "golang")

	env := newTestEnv(t, st, fakeCompleter{out: outlineJSON}, nil)
	require.NoError(t, generateCourse(context.Background(), env, inv))

	// Re-execution must not call the completer again or create a second row.
	env = newTestEnv(t, st, fakeCompleter{err: errors.New("must not be called")}, nil)
	require.NoError(t, generateCourse(context.Background(), env, inv))

	courses, err := st.ListCourses(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, courses, 1)
}

func TestGenerateCourseMalformedCompletionIsTransient(t *testing.T) {
	st := newTestStore(t)
	env := newTestEnv(t, st, fakeCompleter{out: "I cannot help with that."}, nil)

	err := generateCourse(context.Background(), env, courseInvocation(t, "golang"))
	require.Error(t, err)
	_, ok := task.AsPermanent(err)
	require.False(t, ok, "a model flake should be retried")

	courses, listErr := st.ListCourses(context.Background(), "u1")
	require.NoError(t, listErr)
	require.Empty(t, courses)
}

func TestGenerateCourseCompleterErrorIsTransient(t *testing.T) {
	st := newTestStore(t)
	env := newTestEnv(t, st, fakeCompleter{err: ai.ErrRateLimited}, nil)

	err := generateCourse(context.Background(), env, courseInvocation(t, "golang"))
	require.ErrorIs(t, err, ai.ErrRateLimited)
	_, ok := task.AsPermanent(err)
	require.False(t, ok)
}

func TestGenerateCourseRejectsMissingTopic(t *testing.T) {
	st := newTestStore(t)
	env := newTestEnv(t, st, fakeCompleter{out: outlineJSON}, nil)

	err := generateCourse(context.Background(), env, courseInvocation(t, "  "))
	_, ok := task.AsPermanent(err)
	require.True(t, ok)
}

func TestExtractJSON(t *testing.T) {
	require.Equal(t, `{"a":1}`, extractJSON("```json\n{\"a\":1}\n```"))
	require.Equal(t, `{"a":1}`, extractJSON(`{"a":1}`))
	require.Equal(t, "no braces here", extractJSON("no braces here"))
}
