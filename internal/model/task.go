package model

import (
	"fmt"
	"strings"
	"time"
)

type Priority string

const (
	PriorityDo       Priority = "do"
	PriorityDecide   Priority = "decide"
	PriorityDelegate Priority = "delegate"
	PriorityDelete   Priority = "delete"
)

// Priorities lists the four quadrants in matrix order.
var Priorities = []Priority{PriorityDo, PriorityDecide, PriorityDelegate, PriorityDelete}

func (p Priority) Valid() bool {
	switch p {
	case PriorityDo, PriorityDecide, PriorityDelegate, PriorityDelete:
		return true
	}
	return false
}

func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// Partition is the set of tasks sharing a triage state. Positions are dense within it.
type Partition string

const Inbox Partition = "inbox"

// Partitions lists the inbox followed by the four priority buckets.
var Partitions = []Partition{Inbox, Partition(PriorityDo), Partition(PriorityDecide), Partition(PriorityDelegate), Partition(PriorityDelete)}

func PartitionOf(p *Priority) Partition {
	if p == nil {
		return Inbox
	}
	return Partition(*p)
}

// Priority returns nil for the inbox.
func (p Partition) Priority() *Priority {
	if p == Inbox {
		return nil
	}
	pr := Priority(p)
	return &pr
}

func (p Partition) Valid() bool {
	return p == Inbox || Priority(p).Valid()
}

func ParsePartition(s string) (Partition, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" || v == string(Inbox) {
		return Inbox, nil
	}
	pr, err := ParsePriority(v)
	if err != nil {
		return "", err
	}
	return Partition(pr), nil
}

type Task struct {
	ID          int64      `json:"id"`
	Description string     `json:"description"`
	Priority    *Priority  `json:"priority"`
	Position    int        `json:"position"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

func (t Task) Partition() Partition {
	return PartitionOf(t.Priority)
}

func (t Task) Completed() bool {
	return t.CompletedAt != nil
}

type NewTask struct {
	Description string    `validate:"required"`
	Priority    *Priority `validate:"omitempty,priority"`
	CreatedAt   time.Time
}

type PositionUpdate struct {
	ID       int64 `json:"id"`
	Position int   `json:"position"`
}
