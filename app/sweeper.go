package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/utter/domain/provider"
	"github.com/artpar/utter/domain/task"
	"github.com/artpar/utter/ports"
)

const sweepBatch = 100

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	Interval        time.Duration
	StaleAfter      time.Duration // sync_background tasks
	AsyncStaleAfter time.Duration // async_poll tasks
}

// Sweeper fails tasks that stopped making progress, e.g. after a crash
// killed their background unit or the client stopped polling.
type Sweeper struct {
	orch   *Orchestrator
	tasks  ports.TaskStore
	clock  ports.Clock
	cfg    SweeperConfig
	logger zerolog.Logger

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewSweeper creates a sweeper. Call Start to run it periodically.
func NewSweeper(orch *Orchestrator, cfg SweeperConfig, logger zerolog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.AsyncStaleAfter <= 0 {
		cfg.AsyncStaleAfter = 2 * time.Hour
	}
	return &Sweeper{
		orch:   orch,
		tasks:  orch.tasks,
		clock:  orch.clock,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start runs the sweep loop until Close.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.loop()
}

func (s *Sweeper) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Interval)
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error().Err(err).Msg("task sweep failed")
			}
			cancel()
		case <-s.stopCh:
			return
		}
	}
}

// Sweep fails every stale task once and returns how many it failed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()
	swept := 0
	for mode, age := range map[provider.Mode]time.Duration{
		provider.ModeSyncBackground: s.cfg.StaleAfter,
		provider.ModeAsyncPoll:      s.cfg.AsyncStaleAfter,
	} {
		stale, err := s.tasks.ListStale(ctx, mode, now.Add(-age), sweepBatch)
		if err != nil {
			return swept, err
		}
		for _, t := range stale {
			if mode == provider.ModeAsyncPoll && t.JobHandle != "" {
				if gw, ok := s.orch.gateways.Gateway(t.Provider, t.Type); ok {
					_ = gw.Cancel(ctx, provider.Handle{ID: t.JobHandle})
				}
			}
			if s.orch.failTask(ctx, t, "Task timed out. Please try again.", task.ProviderFailed) {
				swept++
				s.logger.Warn().
					Str("task_id", t.ID).
					Str("mode", string(mode)).
					Time("updated_at", t.UpdatedAt).
					Msg("stale task failed")
			}
		}
	}
	return swept, nil
}

// Close stops the loop.
func (s *Sweeper) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
	})
	return nil
}
