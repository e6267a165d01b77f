package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"studyflow/internal/domain"
)

func TestUpsertScheduleByNameReplaces(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	next := time.Now().UTC().Add(time.Hour)

	entry := domain.Schedule{Name: "events-prune", CronExpr: "0 * * * *", TaskType: "events.prune", Payload: []byte(`{}`), Enabled: true, NextRun: next}
	id1, err := st.UpsertScheduleByName(ctx, entry)
	require.NoError(t, err)

	entry.CronExpr = "30 * * * *"
	id2, err := st.UpsertScheduleByName(ctx, entry)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	schedules, err := st.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	require.Equal(t, "30 * * * *", schedules[0].CronExpr)
}

func TestGetDueSchedules(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := st.UpsertScheduleByName(ctx, domain.Schedule{Name: "due", CronExpr: "* * * * *", TaskType: "t", Payload: []byte(`{}`), Enabled: true, NextRun: now.Add(-time.Minute)})
	require.NoError(t, err)
	_, err = st.UpsertScheduleByName(ctx, domain.Schedule{Name: "future", CronExpr: "* * * * *", TaskType: "t", Payload: []byte(`{}`), Enabled: true, NextRun: now.Add(time.Hour)})
	require.NoError(t, err)
	_, err = st.UpsertScheduleByName(ctx, domain.Schedule{Name: "disabled", CronExpr: "* * * * *", TaskType: "t", Payload: []byte(`{}`), Enabled: false, NextRun: now.Add(-time.Minute)})
	require.NoError(t, err)

	due, err := st.GetDueSchedules(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "due", due[0].Name)

	require.NoError(t, st.UpdateScheduleLastRun(ctx, due[0].ID, now, now.Add(time.Minute)))
	due, err = st.GetDueSchedules(ctx, now)
	require.NoError(t, err)
	require.Empty(t, due)
}
