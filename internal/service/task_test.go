package service

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/triage/internal/events"
	"github.com/BuzzLyutic/triage/internal/metrics"
	"github.com/BuzzLyutic/triage/internal/model"
	"github.com/BuzzLyutic/triage/internal/quadrant"
	"github.com/BuzzLyutic/triage/internal/reorder"
	"github.com/BuzzLyutic/triage/internal/repo"
	"github.com/BuzzLyutic/triage/internal/worker"
)

// MockTaskRepository - мок репозитория
type MockTaskRepository struct {
	mock.Mock
}

func (m *MockTaskRepository) Insert(ctx context.Context, t model.NewTask) (model.Task, error) {
	args := m.Called(ctx, t)
	return args.Get(0).(model.Task), args.Error(1)
}

func (m *MockTaskRepository) Get(ctx context.Context, id int64) (model.Task, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.Task), args.Error(1)
}

func (m *MockTaskRepository) ListByPartition(ctx context.Context, p model.Partition) ([]model.Task, error) {
	args := m.Called(ctx, p)
	return args.Get(0).([]model.Task), args.Error(1)
}

func (m *MockTaskRepository) UpdatePriority(ctx context.Context, id int64, p model.Priority) (model.Task, error) {
	args := m.Called(ctx, id, p)
	return args.Get(0).(model.Task), args.Error(1)
}

func (m *MockTaskRepository) UpdatePositions(ctx context.Context, p model.Partition, updates []model.PositionUpdate) error {
	args := m.Called(ctx, p, updates)
	return args.Error(0)
}

func (m *MockTaskRepository) UpdateDescription(ctx context.Context, id int64, description string) (model.Task, error) {
	args := m.Called(ctx, id, description)
	return args.Get(0).(model.Task), args.Error(1)
}

func (m *MockTaskRepository) ToggleCompleted(ctx context.Context, id int64, now time.Time) (model.Task, error) {
	args := m.Called(ctx, id, now)
	return args.Get(0).(model.Task), args.Error(1)
}

func (m *MockTaskRepository) Delete(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockTaskRepository) Stats(ctx context.Context) (repo.Stats, error) {
	args := m.Called(ctx)
	return args.Get(0).(repo.Stats), args.Error(1)
}

var fixedNow = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

func newService(t *testing.T, r repo.TaskRepository, opts ...Option) *TaskService {
	t.Helper()
	d := worker.NewDispatcher(zap.NewNop(), 8)
	d.Start()
	t.Cleanup(d.Stop)

	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewTaskService(r, d, zap.NewNop(), opts...)
}

func prio(p model.Priority) *model.Priority { return &p }

func TestTaskService_Create(t *testing.T) {
	tests := []struct {
		name        string
		description string
		setupMock   func(*MockTaskRepository)
		wantErr     error
	}{
		{
			name:        "successful creation",
			description: "  Write blog post ",
			setupMock: func(m *MockTaskRepository) {
				m.On("Insert", mock.Anything, mock.MatchedBy(func(t model.NewTask) bool {
					return t.Description == "Write blog post" && t.Priority == nil && t.CreatedAt.Equal(fixedNow)
				})).Return(model.Task{ID: 1, Description: "Write blog post", Position: 0}, nil)
			},
		},
		{
			name:        "validation error - empty description",
			description: "",
			setupMock:   func(m *MockTaskRepository) {},
			wantErr:     ErrValidation,
		},
		{
			name:        "validation error - whitespace description",
			description: " \t ",
			setupMock:   func(m *MockTaskRepository) {},
			wantErr:     ErrValidation,
		},
		{
			name:        "store failure",
			description: "Task",
			setupMock: func(m *MockTaskRepository) {
				m.On("Insert", mock.Anything, mock.Anything).Return(model.Task{}, errors.New("disk I/O error"))
			},
			wantErr: errors.New("disk I/O error"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockRepo := new(MockTaskRepository)
			tt.setupMock(mockRepo)

			service := newService(t, mockRepo)
			result, err := service.Create(context.Background(), tt.description)

			switch {
			case errors.Is(tt.wantErr, ErrValidation):
				assert.ErrorIs(t, err, ErrValidation)
			case tt.wantErr != nil:
				assert.EqualError(t, err, tt.wantErr.Error())
			default:
				require.NoError(t, err)
				assert.NotZero(t, result.ID)
			}

			mockRepo.AssertExpectations(t)
		})
	}
}

func TestTaskService_CreateIn(t *testing.T) {
	mockRepo := new(MockTaskRepository)
	mockRepo.On("Insert", mock.Anything, mock.MatchedBy(func(t model.NewTask) bool {
		return t.Priority != nil && *t.Priority == model.PriorityDelegate
	})).Return(model.Task{ID: 3, Description: "Book flights", Priority: prio(model.PriorityDelegate)}, nil)

	service := newService(t, mockRepo)
	ch, unsub := service.Bus().Subscribe(model.Partition(model.PriorityDelegate), 1)
	defer unsub()

	task, err := service.CreateIn(context.Background(), "Book flights", prio(model.PriorityDelegate))
	require.NoError(t, err)
	assert.Equal(t, int64(3), task.ID)
	assert.Equal(t, events.Change{Partition: model.Partition(model.PriorityDelegate), Kind: events.KindCreated, TaskID: 3}, <-ch)

	_, err = service.CreateIn(context.Background(), "Bad bucket", prio("someday"))
	assert.ErrorIs(t, err, ErrValidation)
	mockRepo.AssertExpectations(t)
}

func TestTaskService_Rename(t *testing.T) {
	t.Run("updates description", func(t *testing.T) {
		mockRepo := new(MockTaskRepository)
		mockRepo.On("UpdateDescription", mock.Anything, int64(1), "Updated").
			Return(model.Task{ID: 1, Description: "Updated"}, nil)

		service := newService(t, mockRepo)
		task, deleted, err := service.Rename(context.Background(), 1, " Updated ")

		require.NoError(t, err)
		assert.False(t, deleted)
		assert.Equal(t, "Updated", task.Description)
		mockRepo.AssertExpectations(t)
	})

	t.Run("empty description deletes", func(t *testing.T) {
		mockRepo := new(MockTaskRepository)
		mockRepo.On("Get", mock.Anything, int64(1)).Return(model.Task{ID: 1, Description: "Old"}, nil)
		mockRepo.On("Delete", mock.Anything, int64(1)).Return(nil)

		service := newService(t, mockRepo)
		ch, unsub := service.Bus().Subscribe(model.Inbox, 1)
		defer unsub()

		task, deleted, err := service.Rename(context.Background(), 1, "   ")

		require.NoError(t, err)
		assert.True(t, deleted)
		assert.Equal(t, int64(1), task.ID)
		assert.Equal(t, events.KindDeleted, (<-ch).Kind)
		mockRepo.AssertNotCalled(t, "UpdateDescription", mock.Anything, mock.Anything, mock.Anything)
		mockRepo.AssertExpectations(t)
	})

	t.Run("missing task", func(t *testing.T) {
		mockRepo := new(MockTaskRepository)
		mockRepo.On("UpdateDescription", mock.Anything, int64(9), "x").Return(model.Task{}, repo.ErrorNotFound)

		service := newService(t, mockRepo)
		_, _, err := service.Rename(context.Background(), 9, "x")
		assert.ErrorIs(t, err, repo.ErrorNotFound)
	})
}

func TestTaskService_Toggle(t *testing.T) {
	mockRepo := new(MockTaskRepository)
	mockRepo.On("ToggleCompleted", mock.Anything, int64(2), fixedNow).
		Return(model.Task{ID: 2, CompletedAt: &fixedNow}, nil)

	service := newService(t, mockRepo)
	task, err := service.Toggle(context.Background(), 2)

	require.NoError(t, err)
	assert.True(t, task.Completed())
	mockRepo.AssertExpectations(t)
}

func TestTaskService_Triage(t *testing.T) {
	t.Run("cancelled decision never touches the store", func(t *testing.T) {
		mockRepo := new(MockTaskRepository)
		m := metrics.New()
		service := newService(t, mockRepo, WithMetrics(m))

		task, committed, err := service.Triage(context.Background(), 1, quadrant.Decision{Distance: 10})

		require.NoError(t, err)
		assert.False(t, committed)
		assert.Zero(t, task.ID)
		assert.Equal(t, 1.0, promtest.ToFloat64(m.DragCancels))
		mockRepo.AssertNotCalled(t, "UpdatePriority", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("committed decision is one priority update", func(t *testing.T) {
		mockRepo := new(MockTaskRepository)
		mockRepo.On("UpdatePriority", mock.Anything, int64(1), model.PriorityDecide).
			Return(model.Task{ID: 1, Priority: prio(model.PriorityDecide)}, nil).Once()

		m := metrics.New()
		service := newService(t, mockRepo, WithMetrics(m))
		all, unsub := service.Bus().SubscribeAll(4)
		defer unsub()

		task, committed, err := service.Triage(context.Background(), 1,
			quadrant.Decision{Priority: model.PriorityDecide, Commit: true, Distance: 200})

		require.NoError(t, err)
		assert.True(t, committed)
		assert.Equal(t, model.PriorityDecide, *task.Priority)
		assert.Equal(t, 1.0, promtest.ToFloat64(m.Triage.WithLabelValues("decide")))
		assert.Equal(t, model.Inbox, (<-all).Partition)
		assert.Equal(t, model.Partition(model.PriorityDecide), (<-all).Partition)
		mockRepo.AssertExpectations(t)
	})

	t.Run("store failure leaves the gesture uncommitted", func(t *testing.T) {
		mockRepo := new(MockTaskRepository)
		mockRepo.On("UpdatePriority", mock.Anything, int64(1), model.PriorityDo).
			Return(model.Task{}, errors.New("database is locked")).Once()

		service := newService(t, mockRepo)
		all, unsub := service.Bus().SubscribeAll(4)
		defer unsub()

		_, committed, err := service.Triage(context.Background(), 1,
			quadrant.Decision{Priority: model.PriorityDo, Commit: true, Distance: 200})

		assert.Error(t, err)
		assert.False(t, committed)
		assert.Len(t, all, 0)
		mockRepo.AssertExpectations(t)
	})
}

func TestTaskService_Drag(t *testing.T) {
	t.Run("path independence", func(t *testing.T) {
		mockRepo := new(MockTaskRepository)
		service := newService(t, mockRepo)

		_, d, err := service.Drag(context.Background(), 1, []quadrant.Displacement{
			{DX: -150, DY: -150}, // past the radius in do
			{DX: -40, DY: -10},
			{DX: 6, DY: -8}, // released at distance 10 in decide
		})

		require.NoError(t, err)
		assert.False(t, d.Commit)
		mockRepo.AssertNotCalled(t, "UpdatePriority", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("release past the radius commits", func(t *testing.T) {
		mockRepo := new(MockTaskRepository)
		mockRepo.On("UpdatePriority", mock.Anything, int64(5), model.PriorityDelegate).
			Return(model.Task{ID: 5, Priority: prio(model.PriorityDelegate)}, nil).Once()
		service := newService(t, mockRepo)

		task, d, err := service.Drag(context.Background(), 5, []quadrant.Displacement{
			{DX: -10, DY: 10},
			{DX: -100, DY: 100},
		})

		require.NoError(t, err)
		assert.True(t, d.Commit)
		assert.Equal(t, int64(5), task.ID)
		mockRepo.AssertExpectations(t)
	})

	t.Run("no samples", func(t *testing.T) {
		service := newService(t, new(MockTaskRepository))
		_, _, err := service.Drag(context.Background(), 5, nil)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("non-finite samples never reach the store", func(t *testing.T) {
		streams := [][]quadrant.Displacement{
			{{DX: math.Inf(-1), DY: -1}},
			{{DX: math.NaN(), DY: 3}, {DX: -200, DY: -200}},
			{{DX: -200, DY: math.Inf(1)}},
		}
		for _, samples := range streams {
			mockRepo := new(MockTaskRepository)
			service := newService(t, mockRepo)

			_, _, err := service.Drag(context.Background(), 5, samples)
			assert.ErrorIs(t, err, ErrValidation)
			mockRepo.AssertNotCalled(t, "UpdatePriority", mock.Anything, mock.Anything, mock.Anything)
		}
	})

	t.Run("decision with infinite distance", func(t *testing.T) {
		mockRepo := new(MockTaskRepository)
		service := newService(t, mockRepo)

		_, committed, err := service.Triage(context.Background(), 5,
			quadrant.Decision{Priority: model.PriorityDo, Commit: true, Distance: math.Inf(1)})
		assert.ErrorIs(t, err, ErrValidation)
		assert.False(t, committed)
		mockRepo.AssertNotCalled(t, "UpdatePriority", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestTaskService_Reorder(t *testing.T) {
	stored := []model.Task{
		{ID: 10, Position: 0},
		{ID: 11, Position: 1},
		{ID: 12, Position: 2},
		{ID: 13, Position: 3},
	}

	t.Run("commits the shifted range", func(t *testing.T) {
		mockRepo := new(MockTaskRepository)
		after := []model.Task{{ID: 10, Position: 0}, {ID: 12, Position: 1}, {ID: 13, Position: 2}, {ID: 11, Position: 3}}
		mockRepo.On("ListByPartition", mock.Anything, model.Inbox).Return(stored, nil).Once()
		mockRepo.On("UpdatePositions", mock.Anything, model.Inbox, []model.PositionUpdate{
			{ID: 12, Position: 1},
			{ID: 13, Position: 2},
			{ID: 11, Position: 3},
		}).Return(nil).Once()
		mockRepo.On("ListByPartition", mock.Anything, model.Inbox).Return(after, nil).Once()

		service := newService(t, mockRepo)
		ch, unsub := service.Bus().Subscribe(model.Inbox, 1)
		defer unsub()

		result, err := service.Reorder(context.Background(), model.Inbox, []int64{10, 11, 12, 13}, 1, 3)

		require.NoError(t, err)
		assert.Equal(t, after, result)
		assert.Equal(t, events.KindReordered, (<-ch).Kind)
		mockRepo.AssertExpectations(t)
	})

	t.Run("stale order is refused", func(t *testing.T) {
		mockRepo := new(MockTaskRepository)
		mockRepo.On("ListByPartition", mock.Anything, model.Inbox).Return(stored, nil).Once()

		service := newService(t, mockRepo)
		_, err := service.Reorder(context.Background(), model.Inbox, []int64{11, 10, 12, 13}, 0, 1)

		assert.ErrorIs(t, err, ErrStale)
		assert.ErrorIs(t, err, repo.ErrorConflict)
		mockRepo.AssertNotCalled(t, "UpdatePositions", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("index out of range", func(t *testing.T) {
		mockRepo := new(MockTaskRepository)
		mockRepo.On("ListByPartition", mock.Anything, model.Inbox).Return(stored, nil).Once()

		service := newService(t, mockRepo)
		_, err := service.Reorder(context.Background(), model.Inbox, nil, 0, 4)

		assert.ErrorIs(t, err, ErrValidation)
		assert.ErrorIs(t, err, reorder.ErrIndexOutOfRange)
	})

	t.Run("batch failure is reported once", func(t *testing.T) {
		mockRepo := new(MockTaskRepository)
		mockRepo.On("ListByPartition", mock.Anything, model.Inbox).Return(stored, nil).Once()
		mockRepo.On("UpdatePositions", mock.Anything, model.Inbox, mock.Anything).
			Return(errors.New("disk I/O error")).Once()

		m := metrics.New()
		service := newService(t, mockRepo, WithMetrics(m))
		_, err := service.Reorder(context.Background(), model.Inbox, nil, 3, 0)

		assert.Error(t, err)
		assert.Equal(t, 1.0, promtest.ToFloat64(m.Reorders.WithLabelValues("inbox", "error")))
		mockRepo.AssertExpectations(t)
	})

	t.Run("unknown partition", func(t *testing.T) {
		service := newService(t, new(MockTaskRepository))
		_, err := service.Reorder(context.Background(), model.Partition("someday"), nil, 0, 1)
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestTaskService_Stats(t *testing.T) {
	mockRepo := new(MockTaskRepository)
	expectedStats := repo.Stats{
		ByPartition: map[model.Partition]int{
			model.Inbox:                       5,
			model.Partition(model.PriorityDo): 2,
		},
		Completed:  3,
		TotalTasks: 7,
	}

	mockRepo.On("Stats", mock.Anything).Return(expectedStats, nil)

	service := newService(t, mockRepo)
	stats, err := service.Stats(context.Background())

	require.NoError(t, err)
	assert.Equal(t, expectedStats, stats)
	mockRepo.AssertExpectations(t)
}

func TestTaskService_Validate(t *testing.T) {
	service := &TaskService{}

	tests := []struct {
		name    string
		task    model.NewTask
		wantErr bool
	}{
		{
			name:    "valid task",
			task:    model.NewTask{Description: "Valid"},
			wantErr: false,
		},
		{
			name:    "valid task with priority",
			task:    model.NewTask{Description: "Valid", Priority: prio(model.PriorityDelete)},
			wantErr: false,
		},
		{
			name:    "empty description",
			task:    model.NewTask{Description: ""},
			wantErr: true,
		},
		{
			name:    "unknown priority",
			task:    model.NewTask{Description: "Task", Priority: prio("urgent")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := service.validate(tt.task)
			if tt.wantErr {
				assert.Error(t, err)
				assert.ErrorIs(t, err, ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
