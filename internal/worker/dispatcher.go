package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrStopped    = errors.New("dispatcher stopped")
	ErrNotStarted = errors.New("dispatcher not started")
)

type job struct {
	ctx      context.Context
	name     string
	fn       func(context.Context) error
	done     chan error
	enqueued time.Time
}

// Dispatcher is the store's single writer. Mutations run one at a time in
// the order they were submitted. Call Start before the first Submit.
type Dispatcher struct {
	logger  *zap.Logger
	jobs    chan job
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	started bool
}

func NewDispatcher(logger *zap.Logger, queueSize int) *Dispatcher {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Dispatcher{
		logger: logger,
		jobs:   make(chan job, queueSize),
	}
}

func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true

	d.logger.Debug("Starting mutation dispatcher", zap.Int("queue", cap(d.jobs)))
	d.wg.Add(1)
	go d.run()
}

// Stop runs every mutation already queued, then returns. Later submits fail
// with ErrStopped.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	started := d.started
	d.mu.Unlock()

	if !started {
		return
	}
	d.wg.Wait()
	d.logger.Debug("Mutation dispatcher stopped")
}

// Submit queues fn and waits for its result. A ctx cancelled before the
// mutation is queued aborts it; once queued it runs to completion with a
// context that is no longer cancellable. Submit before Start fails with
// ErrNotStarted.
func (d *Dispatcher) Submit(ctx context.Context, name string, fn func(context.Context) error) error {
	j := job{
		ctx:      ctx,
		name:     name,
		fn:       fn,
		done:     make(chan error, 1),
		enqueued: time.Now(),
	}

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return ErrStopped
	}
	if !d.started {
		d.mu.RUnlock()
		return ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		d.mu.RUnlock()
		return err
	}
	select {
	case d.jobs <- j:
	case <-ctx.Done():
		d.mu.RUnlock()
		return ctx.Err()
	}
	d.mu.RUnlock()

	return <-j.done
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for j := range d.jobs {
		j.done <- d.execute(j)
	}
}

func (d *Dispatcher) execute(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mutation %s panicked: %v", j.name, r)
			d.logger.Error("mutation panicked", zap.String("mutation", j.name), zap.Any("panic", r))
		}
	}()

	start := time.Now()
	err = j.fn(context.WithoutCancel(j.ctx))
	d.logger.Debug("Mutation applied",
		zap.String("mutation", j.name),
		zap.Duration("queued", start.Sub(j.enqueued)),
		zap.Duration("took", time.Since(start)),
		zap.Error(err),
	)
	return err
}
