package app

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/artpar/utter/ports"
)

var (
	ErrRunnerFull    = errors.New("runner: queue full")
	ErrRunnerStopped = errors.New("runner: stopped")
)

// Unit is one piece of background work. ctx belongs to the runner, not to
// the request that queued the unit.
type Unit struct {
	Name string
	Run  func(ctx context.Context)
}

// Runner executes units on a bounded pool of workers.
type Runner struct {
	queue   chan Unit
	workers int
	metrics ports.Metrics
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	closed    bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewRunner creates a runner. Call Start before submitting.
func NewRunner(workers, queueSize int, metrics ports.Metrics, logger zerolog.Logger) *Runner {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		queue:   make(chan Unit, queueSize),
		workers: workers,
		metrics: orNop(metrics),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers.
func (r *Runner) Start() {
	r.startOnce.Do(func() {
		for i := 0; i < r.workers; i++ {
			r.wg.Add(1)
			go r.work()
		}
	})
}

// Submit queues a unit without blocking.
func (r *Runner) Submit(u Unit) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRunnerStopped
	}
	select {
	case r.queue <- u:
		r.metrics.RunnerQueueDepth(len(r.queue))
		return nil
	default:
		return ErrRunnerFull
	}
}

// Stop stops accepting units and waits for queued ones to finish. When ctx
// ends first, running units are cancelled and ctx's error is returned.
func (r *Runner) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

func (r *Runner) work() {
	defer r.wg.Done()
	for u := range r.queue {
		r.metrics.RunnerQueueDepth(len(r.queue))
		r.run(u)
	}
}

func (r *Runner) run(u Unit) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Str("unit", u.Name).Msg("background unit panicked")
		}
	}()
	u.Run(r.ctx)
}
