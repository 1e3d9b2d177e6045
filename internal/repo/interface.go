package repo

import (
	"context"
	"errors"
	"time"

	"github.com/BuzzLyutic/triage/internal/model"
)

var (
	ErrorNotFound = errors.New("not found")
	ErrorConflict = errors.New("conflict")
)

// TaskRepository is the local task store. Every method that moves a task
// between positions or partitions runs in one transaction.
type TaskRepository interface {
	// Insert appends the task at the end of its partition.
	Insert(ctx context.Context, t model.NewTask) (model.Task, error)
	Get(ctx context.Context, id int64) (model.Task, error)
	ListByPartition(ctx context.Context, p model.Partition) ([]model.Task, error)
	// UpdatePriority triages an inbox task: it leaves the inbox, the gap it
	// leaves is closed and it is appended to the priority bucket.
	UpdatePriority(ctx context.Context, id int64, p model.Priority) (model.Task, error)
	// UpdatePositions applies a reorder batch. Either every update lands
	// and the partition stays dense, or nothing changes.
	UpdatePositions(ctx context.Context, p model.Partition, updates []model.PositionUpdate) error
	UpdateDescription(ctx context.Context, id int64, description string) (model.Task, error)
	ToggleCompleted(ctx context.Context, id int64, now time.Time) (model.Task, error)
	// Delete removes the task and closes the gap in its partition.
	Delete(ctx context.Context, id int64) error
	Stats(ctx context.Context) (Stats, error)
}

type Stats struct {
	ByPartition map[model.Partition]int `json:"by_partition"`
	Completed   int                     `json:"completed"`
	TotalTasks  int                     `json:"total_tasks"`
}

func newStats() Stats {
	s := Stats{ByPartition: make(map[model.Partition]int, len(model.Partitions))}
	for _, p := range model.Partitions {
		s.ByPartition[p] = 0
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func priorityArg(p *model.Priority) any {
	if p == nil {
		return nil
	}
	return string(*p)
}
