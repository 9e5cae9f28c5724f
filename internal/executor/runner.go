package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/domain"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/metrics"
)

const maxErrorLen = 500

// Reporter receives terminal item results.
type Reporter interface {
	CompleteItem(ctx context.Context, itemID, artifactRef string, attempts int, cost int64) (*domain.ItemResult, error)
	FailItem(ctx context.Context, itemID, reason string, attempts int) (*domain.ItemResult, error)
}

// RunnerConfig bounds item execution.
type RunnerConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	// BackOff builds the retry schedule for one item.
	BackOff func() backoff.BackOff
}

// Runner executes one claimed item with timeouts and retries.
type Runner struct {
	registry Registry
	reporter Reporter
	pricing  domain.Pricing
	cfg      RunnerConfig
	logger   zerolog.Logger
}

// NewRunner constructs a Runner.
func NewRunner(registry Registry, reporter Reporter, pricing domain.Pricing, cfg RunnerConfig, logger zerolog.Logger) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackOff == nil {
		cfg.BackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			return b
		}
	}
	return &Runner{registry: registry, reporter: reporter, pricing: pricing, cfg: cfg, logger: logger}
}

// Run executes the item until it succeeds, fails permanently or exhausts its
// attempts, then reports the result. Failures never propagate to siblings.
func (r *Runner) Run(ctx context.Context, claimed domain.ClaimedItem) error {
	item, job := claimed.Item, claimed.Job
	log := r.logger.With().Str("job_id", job.ID).Str("item_id", item.ID).Str("type", string(job.Type)).Logger()
	started := time.Now()

	attempts := 0
	ref, err := r.execute(ctx, claimed, &attempts, log)

	metrics.ItemAttempts.WithLabelValues(string(job.Type)).Observe(float64(attempts))
	metrics.ItemDuration.WithLabelValues(string(job.Type)).Observe(time.Since(started).Seconds())

	// Results are recorded even when the worker is shutting down.
	reportCtx := context.WithoutCancel(ctx)
	if err != nil {
		reason := truncate(err.Error(), maxErrorLen)
		log.Warn().Err(err).Int("attempts", attempts).Msg("executor: item failed")
		if _, rerr := r.reporter.FailItem(reportCtx, item.ID, reason, attempts); rerr != nil {
			return fmt.Errorf("report failed item %s: %w", item.ID, rerr)
		}
		return nil
	}
	cost, cerr := r.pricing.CostPerItem(job.Type)
	if cerr != nil {
		return cerr
	}
	log.Debug().Int("attempts", attempts).Str("artifact", ref).Msg("executor: item completed")
	if _, rerr := r.reporter.CompleteItem(reportCtx, item.ID, ref, attempts, cost); rerr != nil {
		return fmt.Errorf("report completed item %s: %w", item.ID, rerr)
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, claimed domain.ClaimedItem, attempts *int, log zerolog.Logger) (string, error) {
	exec, ok := r.registry[claimed.Job.Type]
	if !ok {
		*attempts = 1
		return "", domain.Permanent(fmt.Errorf("%w: %q", domain.ErrUnsupportedJobType, claimed.Job.Type))
	}
	return backoff.Retry(ctx, func() (string, error) {
		*attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
		ref, err := exec.Execute(attemptCtx, claimed)
		if err == nil {
			return ref, nil
		}
		if !Retryable(err) {
			return "", backoff.Permanent(err)
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = domain.Transient(fmt.Errorf("attempt timed out after %s: %w", r.cfg.Timeout, err))
		}
		return "", err
	},
		backoff.WithBackOff(r.cfg.BackOff()),
		backoff.WithMaxTries(uint(r.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Info().Err(err).Int("attempt", *attempts).Dur("retry_in", next).Msg("executor: transient failure, retrying")
		}),
	)
}

// Retryable reports whether err is worth another attempt. Explicitly
// permanent failures, unsafe content and invalid input are not; timeouts and
// unclassified errors are.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, domain.ErrPermanentExecution),
		errors.Is(err, domain.ErrUnsafeContent),
		errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
