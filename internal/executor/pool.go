package executor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/domain"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/metrics"
)

// Claimer hands out pending items.
type Claimer interface {
	Claim(ctx context.Context) (*domain.ClaimedItem, error)
}

// Pool runs a fixed number of workers that claim and execute items. Workers
// poll the store and are woken early by Notify.
type Pool struct {
	claimer      Claimer
	runner       *Runner
	concurrency  int
	pollInterval time.Duration
	wake         chan struct{}
	logger       zerolog.Logger
}

// NewPool constructs a pool of concurrency workers.
func NewPool(claimer Claimer, runner *Runner, concurrency int, pollInterval time.Duration, logger zerolog.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Pool{
		claimer:      claimer,
		runner:       runner,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		wake:         make(chan struct{}, concurrency),
		logger:       logger,
	}
}

// Notify wakes idle workers. It never blocks.
func (p *Pool) Notify() {
	for i := 0; i < p.concurrency; i++ {
		select {
		case p.wake <- struct{}{}:
		default:
			return
		}
	}
}

// Run blocks until ctx is cancelled. In-flight items finish reporting
// before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info().Int("concurrency", p.concurrency).Msg("worker: pool started")
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		worker := i
		g.Go(func() error {
			p.loop(ctx, worker)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info().Msg("worker: pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, worker int) {
	log := p.logger.With().Int("worker", worker).Logger()
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		p.Drain(ctx, log)
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

// Drain claims and runs items until none are available.
func (p *Pool) Drain(ctx context.Context, log zerolog.Logger) int {
	ran := 0
	for ctx.Err() == nil {
		claimed, err := p.claimer.Claim(ctx)
		if errors.Is(err, domain.ErrNoItemAvailable) {
			return ran
		}
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("worker: failed to claim item")
			}
			return ran
		}
		metrics.WorkersBusy.Inc()
		if err := p.runner.Run(ctx, *claimed); err != nil {
			log.Error().Err(err).Str("item_id", claimed.Item.ID).Msg("worker: item bookkeeping failed")
		}
		metrics.WorkersBusy.Dec()
		ran++
	}
	return ran
}
