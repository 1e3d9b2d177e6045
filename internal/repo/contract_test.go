package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BuzzLyutic/triage/internal/model"
)

// runContract exercises behaviour every TaskRepository must share. newRepo
// returns an empty store.
func runContract(t *testing.T, newRepo func(t *testing.T) TaskRepository) {
	t.Run("append monotonicity", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			created, err := r.Insert(ctx, model.NewTask{Description: fmt.Sprintf("task %d", i)})
			require.NoError(t, err)
			assert.Equal(t, i, created.Position)
			assert.Nil(t, created.Priority)
			assert.NotZero(t, created.ID)
			assert.False(t, created.CreatedAt.IsZero())
		}

		tasks, err := r.ListByPartition(ctx, model.Inbox)
		require.NoError(t, err)
		require.Len(t, tasks, 5)
		for i, task := range tasks {
			assert.Equal(t, fmt.Sprintf("task %d", i), task.Description)
			assert.Equal(t, i, task.Position)
		}
	})

	t.Run("partitions keep their own sequences", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()
		do := model.PriorityDo

		inbox := insert(t, r, "inbox", nil)
		first := insert(t, r, "first do", &do)
		second := insert(t, r, "second do", &do)

		assert.Equal(t, 0, inbox.Position)
		assert.Equal(t, 0, first.Position)
		assert.Equal(t, 1, second.Position)
		require.NotNil(t, second.Priority)
		assert.Equal(t, do, *second.Priority)

		tasks, err := r.ListByPartition(ctx, model.Partition(do))
		require.NoError(t, err)
		assert.Equal(t, []int64{first.ID, second.ID}, ids(tasks))
	})

	t.Run("get missing task", func(t *testing.T) {
		r := newRepo(t)
		_, err := r.Get(context.Background(), 4242)
		assert.ErrorIs(t, err, ErrorNotFound)
	})

	t.Run("update priority moves task between partitions", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()
		decide := model.PriorityDecide

		a := insert(t, r, "A", nil)
		b := insert(t, r, "B", nil)
		c := insert(t, r, "C", nil)
		existing := insert(t, r, "already decided", &decide)

		updated, err := r.UpdatePriority(ctx, b.ID, decide)
		require.NoError(t, err)
		require.NotNil(t, updated.Priority)
		assert.Equal(t, decide, *updated.Priority)
		assert.Equal(t, 1, updated.Position)

		assertOrder(t, r, model.Inbox, a.ID, c.ID)
		assertOrder(t, r, model.Partition(decide), existing.ID, b.ID)
	})

	t.Run("triage is one way", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()

		a := insert(t, r, "A", nil)
		_, err := r.UpdatePriority(ctx, a.ID, model.PriorityDo)
		require.NoError(t, err)

		_, err = r.UpdatePriority(ctx, a.ID, model.PriorityDelete)
		assert.ErrorIs(t, err, ErrorConflict)

		_, err = r.UpdatePriority(ctx, 4242, model.PriorityDelete)
		assert.ErrorIs(t, err, ErrorNotFound)
	})

	t.Run("update positions end to end", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()

		a := insert(t, r, "A", nil)
		b := insert(t, r, "B", nil)
		c := insert(t, r, "C", nil)
		d := insert(t, r, "D", nil)

		err := r.UpdatePositions(ctx, model.Inbox, []model.PositionUpdate{
			{ID: c.ID, Position: 1},
			{ID: d.ID, Position: 2},
			{ID: b.ID, Position: 3},
		})
		require.NoError(t, err)

		assertOrder(t, r, model.Inbox, a.ID, c.ID, d.ID, b.ID)
	})

	t.Run("update positions is atomic", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()

		a := insert(t, r, "A", nil)
		b := insert(t, r, "B", nil)
		c := insert(t, r, "C", nil)
		before := positions(t, r, model.Inbox)

		// The second update targets a missing row and fails mid-batch.
		err := r.UpdatePositions(ctx, model.Inbox, []model.PositionUpdate{
			{ID: b.ID, Position: 2},
			{ID: 4242, Position: 1},
			{ID: c.ID, Position: 1},
		})
		assert.ErrorIs(t, err, ErrorConflict)
		assert.Equal(t, before, positions(t, r, model.Inbox))

		// A task from another partition fails the same way.
		other := insert(t, r, "other", ptr(model.PriorityDelegate))
		err = r.UpdatePositions(ctx, model.Inbox, []model.PositionUpdate{
			{ID: a.ID, Position: 1},
			{ID: other.ID, Position: 0},
		})
		assert.ErrorIs(t, err, ErrorConflict)
		assert.Equal(t, before, positions(t, r, model.Inbox))
	})

	t.Run("update positions rejects a batch that leaves duplicates", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()

		a := insert(t, r, "A", nil)
		insert(t, r, "B", nil)
		before := positions(t, r, model.Inbox)

		err := r.UpdatePositions(ctx, model.Inbox, []model.PositionUpdate{{ID: a.ID, Position: 1}})
		assert.ErrorIs(t, err, ErrorConflict)
		assert.Equal(t, before, positions(t, r, model.Inbox))
	})

	t.Run("update description", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()

		a := insert(t, r, "draft", nil)
		updated, err := r.UpdateDescription(ctx, a.ID, "final")
		require.NoError(t, err)
		assert.Equal(t, "final", updated.Description)
		assert.Equal(t, a.Position, updated.Position)

		_, err = r.UpdateDescription(ctx, 4242, "x")
		assert.ErrorIs(t, err, ErrorNotFound)
	})

	t.Run("toggle completed", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()
		now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

		a := insert(t, r, "A", nil)
		assert.False(t, a.Completed())

		done, err := r.ToggleCompleted(ctx, a.ID, now)
		require.NoError(t, err)
		require.NotNil(t, done.CompletedAt)
		assert.True(t, now.Equal(*done.CompletedAt))

		undone, err := r.ToggleCompleted(ctx, a.ID, now.Add(time.Hour))
		require.NoError(t, err)
		assert.Nil(t, undone.CompletedAt)
		assert.Equal(t, a.Position, undone.Position)

		_, err = r.ToggleCompleted(ctx, 4242, now)
		assert.ErrorIs(t, err, ErrorNotFound)
	})

	t.Run("delete closes the gap", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()

		a := insert(t, r, "A", nil)
		b := insert(t, r, "B", nil)
		c := insert(t, r, "C", nil)

		require.NoError(t, r.Delete(ctx, a.ID))
		assertOrder(t, r, model.Inbox, b.ID, c.ID)

		_, err := r.Get(ctx, a.ID)
		assert.ErrorIs(t, err, ErrorNotFound)
		assert.ErrorIs(t, r.Delete(ctx, a.ID), ErrorNotFound)

		next := insert(t, r, "D", nil)
		assert.Equal(t, 2, next.Position)
	})

	t.Run("stats", func(t *testing.T) {
		r := newRepo(t)
		ctx := context.Background()

		a := insert(t, r, "A", nil)
		insert(t, r, "B", nil)
		insert(t, r, "C", ptr(model.PriorityDo))
		_, err := r.ToggleCompleted(ctx, a.ID, time.Now())
		require.NoError(t, err)

		stats, err := r.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.TotalTasks)
		assert.Equal(t, 1, stats.Completed)
		assert.Equal(t, 2, stats.ByPartition[model.Inbox])
		assert.Equal(t, 1, stats.ByPartition[model.Partition(model.PriorityDo)])
		assert.Equal(t, 0, stats.ByPartition[model.Partition(model.PriorityDelete)])
	})
}

func insert(t *testing.T, r TaskRepository, description string, p *model.Priority) model.Task {
	t.Helper()
	task, err := r.Insert(context.Background(), model.NewTask{Description: description, Priority: p})
	require.NoError(t, err)
	return task
}

func ids(tasks []model.Task) []int64 {
	out := make([]int64, len(tasks))
	for i, task := range tasks {
		out[i] = task.ID
	}
	return out
}

func positions(t *testing.T, r TaskRepository, p model.Partition) map[int64]int {
	t.Helper()
	tasks, err := r.ListByPartition(context.Background(), p)
	require.NoError(t, err)
	out := make(map[int64]int, len(tasks))
	for _, task := range tasks {
		out[task.ID] = task.Position
	}
	return out
}

func assertOrder(t *testing.T, r TaskRepository, p model.Partition, want ...int64) {
	t.Helper()
	tasks, err := r.ListByPartition(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, want, ids(tasks))
	for i, task := range tasks {
		assert.Equal(t, i, task.Position, "task %d", task.ID)
	}
}

func ptr(p model.Priority) *model.Priority { return &p }
