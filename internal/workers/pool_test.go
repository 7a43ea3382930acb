package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

func TestPoolRunKeepsOrder(t *testing.T) {
	p := NewPool(zap.NewNop(), &PoolConfig{Name: "test", NumWorkers: 3, QueueSize: 1, PanicRecovery: true})
	p.Start()
	defer p.Stop()

	boom := errors.New("boom")
	var ran atomic.Int32
	tasks := make([]Task, 10)
	for i := range tasks {
		i := i
		tasks[i] = TaskFunc(func(ctx context.Context) error {
			ran.Add(1)
			switch i {
			case 3:
				return boom
			case 7:
				panic("strategy exploded")
			}
			return nil
		})
	}

	errs := p.Run(context.Background(), tasks)
	if ran.Load() != 10 {
		t.Fatalf("Expected 10 tasks to run, got %d", ran.Load())
	}
	for i, err := range errs {
		switch i {
		case 3:
			if !errors.Is(err, boom) {
				t.Errorf("Task 3: expected boom, got %v", err)
			}
		case 7:
			var pe *PanicError
			if !errors.As(err, &pe) {
				t.Errorf("Task 7: expected PanicError, got %v", err)
			}
		default:
			if err != nil {
				t.Errorf("Task %d: unexpected error %v", i, err)
			}
		}
	}

	stats := p.Stats()
	if stats.TasksSubmitted != 10 || stats.TasksCompleted != 8 || stats.TasksFailed != 2 || stats.PanicRecovered != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p := NewPool(zap.NewNop(), nil)
	p.Start()
	p.Stop()

	if _, err := p.Submit(context.Background(), TaskFunc(func(context.Context) error { return nil })); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("Expected ErrPoolStopped, got %v", err)
	}
	if p.IsRunning() {
		t.Error("Pool should not be running after Stop")
	}
}
