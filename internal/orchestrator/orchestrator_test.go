package orchestrator_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantkit/tradeledger/internal/checkpoint"
	"github.com/quantkit/tradeledger/internal/orchestrator"
	"github.com/quantkit/tradeledger/pkg/types"
)

var batchStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func twoWindows() []types.DateRange {
	mid := batchStart.AddDate(0, 1, 0)
	return []types.DateRange{
		{Start: batchStart, End: mid},
		{Start: mid, End: batchStart.AddDate(0, 2, 0)},
	}
}

// recorder tracks every window a candidate was asked to simulate.
type recorder struct {
	mu      sync.Mutex
	windows []types.DateRange
	resumes []*types.BacktestRun
}

func (r *recorder) candidate(id string, final int64) orchestrator.Candidate {
	return orchestrator.Candidate{
		AlgorithmID: id,
		Run: func(_ context.Context, window types.DateRange, resume *types.BacktestRun) (types.BacktestRun, error) {
			r.mu.Lock()
			r.windows = append(r.windows, window)
			r.resumes = append(r.resumes, resume)
			r.mu.Unlock()
			return types.BacktestRun{
				AlgorithmID: id,
				StartDate:   window.Start,
				EndDate:     window.End,
				Metrics: types.BacktestMetrics{
					InitialBalance: decimal.NewFromInt(1000),
					FinalValue:     decimal.NewFromInt(final),
				},
				CreatedAt: window.End,
			}, nil
		},
	}
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}

func TestRunBatchStepsWindowsSequentially(t *testing.T) {
	rec := &recorder{}
	o := orchestrator.New(zap.NewNop(), nil)

	results, err := o.RunBatch(context.Background(), []orchestrator.Candidate{rec.candidate("algo-1", 1100)}, twoWindows(), orchestrator.Options{})
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}

	if rec.calls() != 2 {
		t.Fatalf("run calls = %d, want 2", rec.calls())
	}
	if rec.resumes[0] != nil {
		t.Error("first window should start fresh")
	}
	if rec.resumes[1] == nil {
		t.Fatal("second window should resume from the first")
	}
	if !rec.resumes[1].EndDate.Equal(twoWindows()[0].End) {
		t.Errorf("resume end = %s, want first window end", rec.resumes[1].EndDate)
	}

	run, ok := results["algo-1"]
	if !ok {
		t.Fatal("missing cumulative result")
	}
	if !run.StartDate.Equal(batchStart) || !run.EndDate.Equal(twoWindows()[1].End) {
		t.Errorf("combined range = %s..%s, want full span", run.StartDate, run.EndDate)
	}
}

func TestRunBatchReusesCheckpoints(t *testing.T) {
	store, err := checkpoint.Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	windows := twoWindows()
	cached := types.BacktestRun{
		AlgorithmID: "algo-1",
		StartDate:   windows[0].Start,
		EndDate:     windows[0].End,
		Metrics:     types.BacktestMetrics{InitialBalance: decimal.NewFromInt(1000), FinalValue: decimal.NewFromInt(1500)},
		CreatedAt:   windows[0].End,
	}
	if err := store.Save(context.Background(), cached); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	rec := &recorder{}
	o := orchestrator.New(zap.NewNop(), store)

	results, err := o.RunBatch(context.Background(), []orchestrator.Candidate{rec.candidate("algo-1", 1100)}, windows, orchestrator.Options{})
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}

	// Window one was a checkpoint hit; only window two simulated.
	if rec.calls() != 1 {
		t.Fatalf("run calls = %d, want 1", rec.calls())
	}
	if !rec.windows[0].Start.Equal(windows[1].Start) {
		t.Errorf("simulated window = %s, want second window", rec.windows[0].Start)
	}
	if rec.resumes[0] == nil || !rec.resumes[0].Metrics.FinalValue.Equal(decimal.NewFromInt(1500)) {
		t.Error("second window should resume from the cached run")
	}

	// The fresh window is checkpointed for the next batch.
	if _, ok, _ := store.Load(context.Background(), "algo-1", windows[1]); !ok {
		t.Error("second window should be checkpointed")
	}
	if _, ok := results["algo-1"]; !ok {
		t.Error("missing cumulative result")
	}
}

func TestRunBatchContinueOnErrorWithdrawsStrategy(t *testing.T) {
	healthy := &recorder{}
	failing := orchestrator.Candidate{
		AlgorithmID: "broken",
		Run: func(context.Context, types.DateRange, *types.BacktestRun) (types.BacktestRun, error) {
			return types.BacktestRun{}, errors.New("data gap")
		},
	}

	o := orchestrator.New(zap.NewNop(), nil)
	results, err := o.RunBatch(context.Background(),
		[]orchestrator.Candidate{failing, healthy.candidate("algo-1", 1100)},
		twoWindows(),
		orchestrator.Options{ContinueOnError: true},
	)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}

	broken, ok := results["broken"]
	if !ok {
		t.Fatal("withdrawn strategy should still report an empty run")
	}
	if broken.AlgorithmID != "broken" || len(broken.Orders) != 0 {
		t.Errorf("withdrawn run = %+v, want empty", broken)
	}
	if healthy.calls() != 2 {
		t.Errorf("healthy calls = %d, want 2", healthy.calls())
	}
}

func TestRunBatchStopsOnErrorByDefault(t *testing.T) {
	failing := orchestrator.Candidate{
		AlgorithmID: "broken",
		Run: func(context.Context, types.DateRange, *types.BacktestRun) (types.BacktestRun, error) {
			return types.BacktestRun{}, errors.New("data gap")
		},
	}

	o := orchestrator.New(zap.NewNop(), nil)
	if _, err := o.RunBatch(context.Background(), []orchestrator.Candidate{failing}, twoWindows(), orchestrator.Options{}); err == nil {
		t.Fatal("expected first failure to abort the batch")
	}
}

func TestRunBatchWindowFilterReleasesDropped(t *testing.T) {
	store, err := checkpoint.Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	winner := &recorder{}
	loser := &recorder{}

	o := orchestrator.New(zap.NewNop(), store)
	results, err := o.RunBatch(context.Background(),
		[]orchestrator.Candidate{winner.candidate("winner", 1500), loser.candidate("loser", 900)},
		twoWindows(),
		orchestrator.Options{
			WindowFilter: func(results map[string]types.BacktestRun) []string {
				var keep []string
				for id, run := range results {
					if run.Metrics.FinalValue.GreaterThan(decimal.NewFromInt(1000)) {
						keep = append(keep, id)
					}
				}
				return keep
			},
		},
	)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}

	if _, ok := results["loser"]; ok {
		t.Error("filtered strategy should be released from the results")
	}
	if _, ok := results["winner"]; !ok {
		t.Error("surviving strategy missing")
	}
	if loser.calls() != 1 {
		t.Errorf("loser calls = %d, want 1 (dropped after first window)", loser.calls())
	}
	if winner.calls() != 2 {
		t.Errorf("winner calls = %d, want 2", winner.calls())
	}
	if _, ok, _ := store.Load(context.Background(), "loser", twoWindows()[0]); ok {
		t.Error("dropped strategy's checkpoints should be deleted")
	}
	if _, ok, _ := store.Load(context.Background(), "winner", twoWindows()[0]); !ok {
		t.Error("surviving strategy's checkpoints should remain")
	}
}
