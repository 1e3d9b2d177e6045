package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/triage/internal/events"
	"github.com/BuzzLyutic/triage/internal/metrics"
	"github.com/BuzzLyutic/triage/internal/model"
	"github.com/BuzzLyutic/triage/internal/quadrant"
	"github.com/BuzzLyutic/triage/internal/reorder"
	"github.com/BuzzLyutic/triage/internal/repo"
	"github.com/BuzzLyutic/triage/internal/worker"
)

var (
	ErrValidation = errors.New("validation error")
	// ErrStale means the caller's view of a partition no longer matches the store.
	ErrStale = fmt.Errorf("%w: stale order", repo.ErrorConflict)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("priority", func(fl validator.FieldLevel) bool {
		return model.Priority(fl.Field().String()).Valid()
	})
	return v
}

type TaskService struct {
	repo       repo.TaskRepository
	dispatcher *worker.Dispatcher
	logger     *zap.Logger
	bus        *events.Bus
	metrics    *metrics.Metrics
	classifier *quadrant.Classifier
	now        func() time.Time
}

type Option func(*TaskService)

func WithBus(bus *events.Bus) Option {
	return func(s *TaskService) { s.bus = bus }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *TaskService) { s.metrics = m }
}

func WithClassifier(c *quadrant.Classifier) Option {
	return func(s *TaskService) { s.classifier = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *TaskService) { s.now = now }
}

// NewTaskService wires the store behind the dispatcher. The dispatcher must
// already be started.
func NewTaskService(r repo.TaskRepository, d *worker.Dispatcher, logger *zap.Logger, opts ...Option) *TaskService {
	s := &TaskService{
		repo:       r,
		dispatcher: d,
		logger:     logger,
		bus:        events.NewBus(),
		metrics:    metrics.New(),
		classifier: quadrant.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TaskService) Bus() *events.Bus { return s.bus }

func (s *TaskService) Classifier() *quadrant.Classifier { return s.classifier }

// Create adds a task to the end of the inbox.
func (s *TaskService) Create(ctx context.Context, description string) (model.Task, error) {
	return s.CreateIn(ctx, description, nil)
}

// CreateIn adds a task to the end of a partition; nil means the inbox.
func (s *TaskService) CreateIn(ctx context.Context, description string, p *model.Priority) (model.Task, error) {
	nt := model.NewTask{
		Description: strings.TrimSpace(description),
		Priority:    p,
		CreatedAt:   s.now(),
	}
	if err := s.validate(nt); err != nil { // rejected before any store call
		return model.Task{}, err
	}

	var t model.Task
	err := s.mutate(ctx, "insert", func(ctx context.Context) (err error) {
		t, err = s.repo.Insert(ctx, nt)
		return err
	})
	if err != nil {
		return model.Task{}, err
	}

	s.publish(t.Partition(), events.KindCreated, t.ID)
	return t, nil
}

func (s *TaskService) Get(ctx context.Context, id int64) (model.Task, error) {
	return s.repo.Get(ctx, id)
}

func (s *TaskService) List(ctx context.Context, p model.Partition) ([]model.Task, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: unknown partition %q", ErrValidation, p)
	}
	return s.repo.ListByPartition(ctx, p)
}

// Rename replaces the description. An empty description deletes the task
// and reports deleted=true.
func (s *TaskService) Rename(ctx context.Context, id int64, description string) (t model.Task, deleted bool, err error) {
	description = strings.TrimSpace(description)
	if description == "" {
		if err := s.Delete(ctx, id); err != nil {
			return model.Task{}, false, err
		}
		return model.Task{ID: id}, true, nil
	}

	err = s.mutate(ctx, "update_description", func(ctx context.Context) (err error) {
		t, err = s.repo.UpdateDescription(ctx, id, description)
		return err
	})
	if err != nil {
		return model.Task{}, false, err
	}

	s.publish(t.Partition(), events.KindUpdated, t.ID)
	return t, false, nil
}

func (s *TaskService) Toggle(ctx context.Context, id int64) (model.Task, error) {
	var t model.Task
	err := s.mutate(ctx, "toggle_completed", func(ctx context.Context) (err error) {
		t, err = s.repo.ToggleCompleted(ctx, id, s.now())
		return err
	})
	if err != nil {
		return model.Task{}, err
	}

	s.publish(t.Partition(), events.KindCompleted, t.ID)
	return t, nil
}

func (s *TaskService) Delete(ctx context.Context, id int64) error {
	var t model.Task
	err := s.mutate(ctx, "delete", func(ctx context.Context) (err error) {
		if t, err = s.repo.Get(ctx, id); err != nil {
			return err
		}
		return s.repo.Delete(ctx, id)
	})
	if err != nil {
		return err
	}

	s.publish(t.Partition(), events.KindDeleted, id)
	return nil
}

// Triage commits a classifier decision. A cancelled decision touches
// nothing and returns committed=false.
func (s *TaskService) Triage(ctx context.Context, id int64, d quadrant.Decision) (t model.Task, committed bool, err error) {
	if !d.Commit {
		s.metrics.DragCancels.Inc()
		s.logger.Debug("Drag cancelled", zap.Int64("task_id", id), zap.Float64("distance", d.Distance))
		return model.Task{}, false, nil
	}
	if !d.Priority.Valid() {
		return model.Task{}, false, fmt.Errorf("%w: unknown priority %q", ErrValidation, d.Priority)
	}
	if math.IsNaN(d.Distance) || math.IsInf(d.Distance, 0) {
		return model.Task{}, false, fmt.Errorf("%w: non-finite drag distance", ErrValidation)
	}

	err = s.mutate(ctx, "update_priority", func(ctx context.Context) (err error) {
		t, err = s.repo.UpdatePriority(ctx, id, d.Priority)
		return err
	})
	if err != nil {
		return model.Task{}, false, err
	}

	s.metrics.Triage.WithLabelValues(string(d.Priority)).Inc()
	s.logger.Info("Task triaged",
		zap.Int64("task_id", t.ID),
		zap.String("priority", string(d.Priority)),
		zap.Float64("distance", d.Distance),
	)
	s.publish(model.Inbox, events.KindTriaged, t.ID)
	s.publish(t.Partition(), events.KindTriaged, t.ID)
	return t, true, nil
}

// Drag runs a sample stream through the classifier. The last sample is the
// release; the ones before it only drive the preview.
func (s *TaskService) Drag(ctx context.Context, id int64, samples []quadrant.Displacement) (model.Task, quadrant.Decision, error) {
	if len(samples) == 0 {
		return model.Task{}, quadrant.Decision{}, fmt.Errorf("%w: drag without samples", ErrValidation)
	}
	for i, sample := range samples {
		if !sample.Finite() {
			return model.Task{}, quadrant.Decision{}, fmt.Errorf("%w: drag sample %d is not finite", ErrValidation, i)
		}
	}

	g := s.classifier.Begin()
	for _, sample := range samples[:len(samples)-1] {
		g.Update(sample)
	}
	d := g.Release(samples[len(samples)-1])

	t, _, err := s.Triage(ctx, id, d)
	return t, d, err
}

// Reorder moves the task at rank from to rank to within partition p. ids is
// the caller's current order; when it differs from the stored one the move
// is refused with ErrStale. A nil ids uses the stored order.
func (s *TaskService) Reorder(ctx context.Context, p model.Partition, ids []int64, from, to int) ([]model.Task, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: unknown partition %q", ErrValidation, p)
	}

	var (
		updates []model.PositionUpdate
		result  []model.Task
	)
	err := s.mutate(ctx, "update_positions", func(ctx context.Context) error {
		current, err := s.repo.ListByPartition(ctx, p)
		if err != nil {
			return err
		}

		entries := make([]reorder.Entry, len(current))
		stored := make([]int64, len(current))
		for i, t := range current {
			entries[i] = reorder.Entry{ID: t.ID, Position: t.Position}
			stored[i] = t.ID
		}
		if ids != nil && !slices.Equal(ids, stored) {
			return ErrStale
		}

		updates, err = reorder.Plan(entries, from, to)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrValidation, err)
		}
		if err := s.repo.UpdatePositions(ctx, p, updates); err != nil {
			return err
		}

		result, err = s.repo.ListByPartition(ctx, p)
		return err
	})

	s.metrics.Reorders.WithLabelValues(string(p), resultLabel(err)).Inc()
	if err != nil {
		return nil, err
	}

	s.metrics.ReorderRows.Observe(float64(len(updates)))
	if len(updates) > 0 {
		s.publish(p, events.KindReordered, 0)
	}
	return result, nil
}

func (s *TaskService) Stats(ctx context.Context) (repo.Stats, error) {
	return s.repo.Stats(ctx)
}

func (s *TaskService) mutate(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := s.dispatcher.Submit(ctx, op, fn)
	s.metrics.ObserveMutation(op, start, err)
	if err != nil && !errors.Is(err, ErrValidation) {
		s.logger.Warn("mutation failed", zap.String("op", op), zap.Error(err))
	}
	return err
}

func (s *TaskService) publish(p model.Partition, kind events.Kind, id int64) {
	s.bus.Publish(events.Change{Partition: p, Kind: kind, TaskID: id})
}

func (s *TaskService) validate(t model.NewTask) error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
