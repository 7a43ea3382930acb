package backtester

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/workers"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"go.uber.org/zap"
)

// PairError ties an error to the pair that caused it
type PairError struct {
	Pair types.Pair
	Err  error
}

func (e *PairError) Error() string { return fmt.Sprintf("%s: %v", e.Pair, e.Err) }

func (e *PairError) Unwrap() error { return e.Err }

// PairOutcome is the result of one pair of a batch
type PairOutcome struct {
	Pair   types.Pair
	RunID  string
	Result *types.Result
	Err    error
}

// Batch runs several independent pairs on a bounded worker pool
type Batch struct {
	logger      *zap.Logger
	runner      *Runner
	parallelism int
}

// NewBatch creates a batch executor; parallelism below 1 runs pairs one by one
func NewBatch(logger *zap.Logger, runner *Runner, parallelism int) *Batch {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Batch{logger: logger, runner: runner, parallelism: parallelism}
}

// ErrDuplicateRun is returned when two pairs of a batch would share a run id
// and therefore a ledger namespace
var ErrDuplicateRun = errors.New("duplicate run")

// Validate checks every pair up front so a bad entry fails the batch before
// any candle is loaded
func (b *Batch) Validate(pairs []types.Pair, now time.Time) error {
	var errs []error
	seen := make(map[string]int, len(pairs))
	for i, p := range pairs {
		if err := p.Validate(); err != nil {
			errs = append(errs, &PairError{Pair: p, Err: err})
			continue
		}
		if !b.runner.Strategies().Has(p.Strategy) {
			errs = append(errs, &PairError{Pair: p, Err: fmt.Errorf("strategy %q is not registered", p.Strategy)})
			continue
		}
		id := RunID(p, now)
		if first, ok := seen[id]; ok {
			errs = append(errs, &PairError{Pair: p, Err: fmt.Errorf("%w: pair %d repeats pair %d", ErrDuplicateRun, i, first)})
			continue
		}
		seen[id] = i
	}
	return errors.Join(errs...)
}

// Run executes every pair and returns their outcomes in input order. A
// failing pair does not affect the others.
func (b *Batch) Run(ctx context.Context, pairs []types.Pair, now time.Time) ([]PairOutcome, error) {
	if err := b.Validate(pairs, now); err != nil {
		return nil, err
	}

	pool := workers.NewPool(b.logger, &workers.PoolConfig{
		Name:          "backtest",
		NumWorkers:    b.parallelism,
		QueueSize:     len(pairs),
		PanicRecovery: true,
	})
	pool.Start()
	defer pool.Stop()

	outcomes := make([]PairOutcome, len(pairs))
	tasks := make([]workers.Task, len(pairs))
	for i, p := range pairs {
		i, p := i, p
		outcomes[i] = PairOutcome{Pair: p, RunID: RunID(p, now)}
		// runs follow the caller's context rather than the pool's
		tasks[i] = workers.TaskFunc(func(context.Context) error {
			res, err := b.runner.RunWithID(ctx, outcomes[i].RunID, p, now, nil)
			outcomes[i].Result = res
			return err
		})
	}

	b.logger.Info("Running backtest batch",
		zap.Int("pairs", len(pairs)),
		zap.Int("parallelism", b.parallelism))

	for i, err := range pool.Run(ctx, tasks) {
		if err != nil {
			outcomes[i].Err = &PairError{Pair: pairs[i], Err: err}
			b.logger.Warn("Pair failed", zap.String("pair", pairs[i].String()), zap.Error(err))
		}
	}
	return outcomes, nil
}
