package workers_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/quantkit/tradeledger/internal/workers"
)

func TestRunAllReportsErrorsPositionally(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), 2)
	pool.Start()
	defer pool.Stop()

	boom := errors.New("boom")
	jobs := []workers.Job{
		workers.JobFunc(func(context.Context) error { return nil }),
		workers.JobFunc(func(context.Context) error { return boom }),
		workers.JobFunc(func(context.Context) error { return nil }),
	}

	errs := pool.RunAll(context.Background(), jobs)
	if errs == nil {
		t.Fatal("expected an error slice")
	}
	if len(errs) != len(jobs) {
		t.Fatalf("errs = %d, want %d", len(errs), len(jobs))
	}
	if errs[0] != nil || errs[2] != nil {
		t.Errorf("unexpected errors: %v", errs)
	}
	if !errors.Is(errs[1], boom) {
		t.Errorf("errs[1] = %v, want boom", errs[1])
	}
}

func TestRunAllNilOnSuccess(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), 2)
	pool.Start()
	defer pool.Stop()

	var ran atomic.Int64
	jobs := make([]workers.Job, 8)
	for i := range jobs {
		jobs[i] = workers.JobFunc(func(context.Context) error {
			ran.Add(1)
			return nil
		})
	}

	if errs := pool.RunAll(context.Background(), jobs); errs != nil {
		t.Fatalf("errs = %v, want nil", errs)
	}
	if ran.Load() != 8 {
		t.Errorf("ran = %d, want 8", ran.Load())
	}
	if pool.Completed() != 8 {
		t.Errorf("completed = %d, want 8", pool.Completed())
	}
}

func TestPanickingJobIsIsolated(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), 1)
	pool.Start()
	defer pool.Stop()

	jobs := []workers.Job{
		workers.JobFunc(func(context.Context) error { panic("bad job") }),
		workers.JobFunc(func(context.Context) error { return nil }),
	}

	errs := pool.RunAll(context.Background(), jobs)
	if errs == nil || errs[0] == nil {
		t.Fatal("expected the panic to surface as an error")
	}
	if errs[1] != nil {
		t.Errorf("job after panic failed: %v", errs[1])
	}
	if pool.Failed() != 1 {
		t.Errorf("failed = %d, want 1", pool.Failed())
	}
}

func TestSubmitToStoppedPool(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), 1)

	err := <-pool.Submit(context.Background(), workers.JobFunc(func(context.Context) error { return nil }))
	if !errors.Is(err, workers.ErrPoolStopped) {
		t.Errorf("err = %v, want ErrPoolStopped", err)
	}
}

func TestConcurrentSubmitDuringStop(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), 2)
	pool.Start()

	var wg sync.WaitGroup
	results := make([]<-chan error, 32)
	for i := range results {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			results[i] = pool.Submit(context.Background(), workers.JobFunc(func(context.Context) error { return nil }))
		}()
	}
	go pool.Stop()
	wg.Wait()

	// Every submission resolves exactly once: either it ran, or the
	// pool refused it. Neither outcome may panic.
	for i, done := range results {
		if err := <-done; err != nil && !errors.Is(err, workers.ErrPoolStopped) {
			t.Errorf("result %d = %v, want nil or ErrPoolStopped", i, err)
		}
	}
}

func TestCanceledContextSkipsJob(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), 1)
	pool.Start()
	defer pool.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	errs := pool.RunAll(ctx, []workers.Job{
		workers.JobFunc(func(context.Context) error { ran = true; return nil }),
	})
	if errs == nil || !errors.Is(errs[0], context.Canceled) {
		t.Fatalf("errs = %v, want context.Canceled", errs)
	}
	if ran {
		t.Error("job body should not run under a canceled context")
	}
}
