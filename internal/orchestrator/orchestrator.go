// Package orchestrator coordinates walk-forward backtest batches: many
// strategies stepped through consecutive date windows, with checkpoint
// reuse, filtering between windows and per-strategy failure isolation.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/quantkit/tradeledger/internal/backtest"
	"github.com/quantkit/tradeledger/internal/checkpoint"
	"github.com/quantkit/tradeledger/internal/workers"
	"github.com/quantkit/tradeledger/pkg/types"
)

// RunFunc simulates one strategy over one window. resume carries the
// cumulative state of the preceding windows and may be nil for the first
// window.
type RunFunc func(ctx context.Context, window types.DateRange, resume *types.BacktestRun) (types.BacktestRun, error)

// Candidate is one strategy entered into a batch.
type Candidate struct {
	AlgorithmID string
	Run         RunFunc
}

// FilterFunc inspects the cumulative results after a window and returns
// the algorithm ids allowed to continue. Results of dropped strategies
// are released immediately.
type FilterFunc func(results map[string]types.BacktestRun) []string

// Options controls batch execution.
type Options struct {
	// ContinueOnError isolates strategy failures: the failing strategy
	// yields an empty run and is withdrawn, the batch keeps going.
	ContinueOnError bool
	// Workers is the parallelism per window. <= 0 means one per CPU.
	Workers int
	// WindowFilter runs after every window except the last.
	WindowFilter FilterFunc
	// FinalFilter runs once after the last window.
	FinalFilter FilterFunc
}

// Orchestrator runs walk-forward batches. The checkpoint store is
// optional; without it every window is computed fresh.
type Orchestrator struct {
	logger *zap.Logger
	store  *checkpoint.Store
}

// New creates an orchestrator. store may be nil.
func New(logger *zap.Logger, store *checkpoint.Store) *Orchestrator {
	return &Orchestrator{
		logger: logger.Named("orchestrator"),
		store:  store,
	}
}

// RunBatch steps every candidate through the windows in order. Within a
// window candidates run in parallel; windows themselves are sequential
// because each resumes from the previous one's terminal state. The
// returned map holds one cumulative run per surviving candidate, plus an
// empty run per candidate that failed under ContinueOnError.
func (o *Orchestrator) RunBatch(ctx context.Context, candidates []Candidate, windows []types.DateRange, opts Options) (map[string]types.BacktestRun, error) {
	if len(windows) == 0 {
		return map[string]types.BacktestRun{}, nil
	}

	pool := workers.NewPool(o.logger, opts.Workers)
	pool.Start()
	defer pool.Stop()

	active := make([]Candidate, len(candidates))
	copy(active, candidates)

	history := make(map[string][]types.BacktestRun)
	results := make(map[string]types.BacktestRun)

	for wi, window := range windows {
		o.logger.Info("running window",
			zap.Int("window", wi+1),
			zap.Int("windows", len(windows)),
			zap.Int("candidates", len(active)),
			zap.Time("start", window.Start),
			zap.Time("end", window.End),
		)

		var mu sync.Mutex
		var failed []string

		jobs := make([]workers.Job, 0, len(active))
		for _, c := range active {
			c := c
			window := window
			resume := cumulativeOf(history[c.AlgorithmID])
			job := workers.JobFunc(func(ctx context.Context) error {
				run, err := o.runWindow(ctx, c, window, resume)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed = append(failed, c.AlgorithmID)
					return fmt.Errorf("%s: %w", c.AlgorithmID, err)
				}
				history[c.AlgorithmID] = append(history[c.AlgorithmID], run)
				return nil
			})
			jobs = append(jobs, job)
		}

		errs := pool.RunAll(ctx, jobs)
		if errs != nil && !opts.ContinueOnError {
			for _, err := range errs {
				if err != nil {
					return nil, err
				}
			}
		}

		for _, id := range failed {
			o.logger.Warn("strategy withdrawn after failure", zap.String("algorithm", id))
			results[id] = types.BacktestRun{AlgorithmID: id}
			active = withdraw(active, id)
			delete(history, id)
		}

		for id, runs := range history {
			results[id] = backtest.CombineRuns(runs)
		}

		filter := opts.WindowFilter
		if wi == len(windows)-1 {
			filter = opts.FinalFilter
		}
		if filter != nil {
			active = o.applyFilter(ctx, filter, active, history, results)
		}
	}

	return results, nil
}

// runWindow computes or recalls one (candidate, window) cell. A cached
// checkpoint bypasses simulation entirely.
func (o *Orchestrator) runWindow(ctx context.Context, c Candidate, window types.DateRange, resume *types.BacktestRun) (types.BacktestRun, error) {
	if o.store != nil {
		cached, ok, err := o.store.Load(ctx, c.AlgorithmID, window)
		if err != nil {
			return types.BacktestRun{}, err
		}
		if ok {
			o.logger.Debug("checkpoint hit",
				zap.String("algorithm", c.AlgorithmID),
				zap.Time("start", window.Start),
			)
			return cached, nil
		}
	}

	run, err := c.Run(ctx, window, resume)
	if err != nil {
		return types.BacktestRun{}, err
	}

	if o.store != nil {
		if err := o.store.Save(ctx, run); err != nil {
			return types.BacktestRun{}, err
		}
	}
	return run, nil
}

// applyFilter keeps only the candidates the filter names and releases
// everything belonging to the dropped ones.
func (o *Orchestrator) applyFilter(ctx context.Context, filter FilterFunc, active []Candidate, history map[string][]types.BacktestRun, results map[string]types.BacktestRun) []Candidate {
	snapshot := make(map[string]types.BacktestRun, len(active))
	for _, c := range active {
		if run, ok := results[c.AlgorithmID]; ok {
			snapshot[c.AlgorithmID] = run
		}
	}

	keep := make(map[string]bool)
	for _, id := range filter(snapshot) {
		keep[id] = true
	}

	kept := active[:0]
	for _, c := range active {
		if keep[c.AlgorithmID] {
			kept = append(kept, c)
			continue
		}
		o.logger.Info("strategy filtered out", zap.String("algorithm", c.AlgorithmID))
		delete(history, c.AlgorithmID)
		delete(results, c.AlgorithmID)
		if o.store != nil {
			if err := o.store.Delete(ctx, c.AlgorithmID); err != nil {
				o.logger.Warn("failed to release checkpoints",
					zap.String("algorithm", c.AlgorithmID),
					zap.Error(err),
				)
			}
		}
	}
	return kept
}

func cumulativeOf(runs []types.BacktestRun) *types.BacktestRun {
	if len(runs) == 0 {
		return nil
	}
	combined := backtest.CombineRuns(runs)
	return &combined
}

func withdraw(candidates []Candidate, id string) []Candidate {
	out := candidates[:0]
	for _, c := range candidates {
		if c.AlgorithmID != id {
			out = append(out, c)
		}
	}
	return out
}
