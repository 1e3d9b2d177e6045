// Package events notifies live views that a partition changed and should be
// re-read.
package events

import (
	"sync"

	"github.com/BuzzLyutic/triage/internal/model"
)

type Kind string

const (
	KindCreated   Kind = "created"
	KindUpdated   Kind = "updated"
	KindCompleted Kind = "completed"
	KindTriaged   Kind = "triaged"
	KindReordered Kind = "reordered"
	KindDeleted   Kind = "deleted"
)

type Change struct {
	Partition model.Partition `json:"partition"`
	Kind      Kind            `json:"kind"`
	TaskID    int64           `json:"task_id,omitempty"`
}

type subscriber struct {
	ch  chan Change
	all bool
	p   model.Partition
}

// Bus fans changes out to subscribers. Publish never blocks: when a
// subscriber's buffer is full the change is dropped, since the pending
// notification already tells the view to re-read.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe receives changes to partition p. The returned func unsubscribes
// and closes the channel.
func (b *Bus) Subscribe(p model.Partition, buffer int) (<-chan Change, func()) {
	return b.add(&subscriber{p: p}, buffer)
}

// SubscribeAll receives changes to every partition.
func (b *Bus) SubscribeAll(buffer int) (<-chan Change, func()) {
	return b.add(&subscriber{all: true}, buffer)
}

func (b *Bus) add(s *subscriber, buffer int) (<-chan Change, func()) {
	if buffer < 1 {
		buffer = 1
	}
	s.ch = make(chan Change, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *Bus) Publish(c Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if !s.all && s.p != c.Partition {
			continue
		}
		select {
		case s.ch <- c:
		default:
		}
	}
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
