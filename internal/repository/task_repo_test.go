package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compose-paas/backend/internal/db"
	"github.com/compose-paas/backend/internal/model"
)

func setupTestRepo(t *testing.T) *TaskRepository {
	t.Helper()
	testDB, err := db.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { testDB.Close() })
	return NewTaskRepository(testDB)
}

func finishedTask(id, app string, start time.Time, exitCode int) model.TaskDetails {
	finish := start.Add(time.Minute)
	state := model.TaskFinished
	if exitCode != 0 {
		state = model.TaskFailed
	}
	return model.TaskDetails{
		ID:         id,
		Command:    "up",
		AppName:    app,
		State:      state,
		StartTime:  start,
		FinishTime: &finish,
		ExitCode:   &exitCode,
	}
}

func TestRecordAndGet(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	d := finishedTask("t1", "myapp", start, 0)
	d.Warnings = []string{"watcher handle failed: boom"}
	require.NoError(t, repo.RecordTask(ctx, d))

	got, err := repo.GetByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "myapp", got.AppName)
	assert.Equal(t, model.TaskFinished, got.State)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.True(t, start.Equal(got.StartTime))
	require.NotNil(t, got.FinishTime)
	assert.True(t, d.FinishTime.Equal(*got.FinishTime))
	assert.Equal(t, d.Warnings, got.Warnings)

	_, err = repo.GetByID(ctx, "missing")
	assert.True(t, model.IsCode(err, model.CodeNotFound))
}

func TestRecordTwiceUpdates(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	d := finishedTask("t1", "myapp", time.Now(), 0)
	require.NoError(t, repo.RecordTask(ctx, d))

	d.State = model.TaskFailed
	d.Warnings = []string{"late failure"}
	require.NoError(t, repo.RecordTask(ctx, d))

	got, err := repo.GetByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, got.State)
	assert.Equal(t, []string{"late failure"}, got.Warnings)

	all, err := repo.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestListByApp(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		app := "myapp"
		if i%2 == 1 {
			app = "shop"
		}
		require.NoError(t, repo.RecordTask(ctx, finishedTask(fmt.Sprintf("t%d", i), app, base.Add(time.Duration(i)*time.Hour), 0)))
	}

	mine, err := repo.List(ctx, "myapp", 0)
	require.NoError(t, err)
	require.Len(t, mine, 3)
	assert.Equal(t, []string{"t4", "t2", "t0"}, []string{mine[0].ID, mine[1].ID, mine[2].ID})

	limited, err := repo.List(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "t4", limited[0].ID)

	none, err := repo.List(ctx, "ghost", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeleteFinishedBefore(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.RecordTask(ctx, finishedTask("old", "myapp", base, 0)))
	require.NoError(t, repo.RecordTask(ctx, finishedTask("new", "myapp", base.Add(48*time.Hour), 1)))

	n, err := repo.DeleteFinishedBefore(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.GetByID(ctx, "old")
	assert.True(t, model.IsCode(err, model.CodeNotFound))
	_, err = repo.GetByID(ctx, "new")
	assert.NoError(t, err)
}

// Recorded tasks are read back with the same observable fields.
func TestRecordRoundTripProperty(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	var n int
	properties.Property("recorded task is retrievable", prop.ForAll(
		func(app, command string, exitCode int, cancelled bool) bool {
			n++
			id := fmt.Sprintf("task-%d", n)
			d := finishedTask(id, app, time.Now().Truncate(time.Second), exitCode)
			d.Command = command
			d.Cancelled = cancelled

			if err := repo.RecordTask(ctx, d); err != nil {
				t.Logf("failed to record task: %v", err)
				return false
			}
			got, err := repo.GetByID(ctx, id)
			if err != nil {
				t.Logf("failed to get task: %v", err)
				return false
			}
			return got.AppName == app &&
				got.Command == command &&
				got.State == d.State &&
				got.Cancelled == cancelled &&
				got.ExitCode != nil && *got.ExitCode == exitCode
		},
		gen.Identifier(),
		gen.AlphaString(),
		gen.IntRange(0, 255),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
