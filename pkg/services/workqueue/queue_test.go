package workqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pipeflow-io/pipeflow-engine/pkg/apperrors"
	"github.com/pipeflow-io/pipeflow-engine/pkg/retry"
)

type fakeTask struct {
	BaseTask
	execute func(ctx context.Context, enqueuer TaskEnqueuer) error
}

func newFakeTask(name, entityKey string, execute func(ctx context.Context, enqueuer TaskEnqueuer) error) *fakeTask {
	return &fakeTask{
		BaseTask: NewBaseTask(name, entityKey),
		execute:  execute,
	}
}

func (t *fakeTask) Execute(ctx context.Context, enqueuer TaskEnqueuer) error {
	return t.execute(ctx, enqueuer)
}

func TestQueue_RunsTasksToCompletion(t *testing.T) {
	q := New(zap.NewNop())

	var mu sync.Mutex
	ran := 0
	for i := 0; i < 5; i++ {
		q.Enqueue(newFakeTask("job", "entity", func(context.Context, TaskEnqueuer) error {
			mu.Lock()
			ran++
			mu.Unlock()
			return nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("wait failed: %v", err)
	}

	if ran != 5 {
		t.Errorf("expected 5 runs, got %d", ran)
	}
	if p := q.Progress(); p.Completed != 5 {
		t.Errorf("expected 5 completed, got %+v", p)
	}
}

func TestQueue_SerializesPerEntityKey(t *testing.T) {
	q := New(zap.NewNop(), WithStrategy(NewKeyedStrategy(8)))

	var mu sync.Mutex
	running := 0
	maxRunning := 0
	var order []int

	for i := 0; i < 4; i++ {
		i := i
		q.Enqueue(newFakeTask("sync", "source-1", func(context.Context, TaskEnqueuer) error {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			order = append(order, i)
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()
			return nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("wait failed: %v", err)
	}

	if maxRunning != 1 {
		t.Errorf("tasks for the same entity overlapped: max running %d", maxRunning)
	}
	for i, got := range order {
		if got != i {
			t.Errorf("FIFO order violated: position %d ran task %d", i, got)
		}
	}
}

func TestQueue_DifferentKeysRunInParallel(t *testing.T) {
	q := New(zap.NewNop(), WithStrategy(NewKeyedStrategy(4)))

	started := make(chan string, 2)
	release := make(chan struct{})

	for _, key := range []string{"source-1", "source-2"} {
		key := key
		q.Enqueue(newFakeTask("sync", key, func(ctx context.Context, _ TaskEnqueuer) error {
			started <- key
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}))
	}

	// Both must start before either finishes.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("tasks for different entities did not run in parallel")
		}
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
}

func TestQueue_RetriesRetryableErrors(t *testing.T) {
	q := New(zap.NewNop(), WithRetryConfig(&retry.Config{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}))

	var mu sync.Mutex
	attempts := 0
	q.Enqueue(newFakeTask("sync", "source-1", func(context.Context, TaskEnqueuer) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return &apperrors.FetchError{Source: "test", Err: errors.New("transient")}
		}
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestQueue_DoesNotRetryTerminalErrors(t *testing.T) {
	q := New(zap.NewNop(), WithRetryConfig(&retry.Config{
		MaxRetries:   5,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}))

	var mu sync.Mutex
	attempts := 0
	q.Enqueue(newFakeTask("sync", "source-1", func(context.Context, TaskEnqueuer) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return &apperrors.AuthError{Provider: "test", Err: errors.New("revoked")}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := q.Wait(ctx)
	if err == nil {
		t.Fatal("expected task failure")
	}
	if attempts != 1 {
		t.Errorf("auth error should not be retried, got %d attempts", attempts)
	}
	if !q.HasFailures() {
		t.Error("expected HasFailures")
	}
}

func TestQueue_TaskCanEnqueueFollowUp(t *testing.T) {
	q := New(zap.NewNop())

	var mu sync.Mutex
	cascadeRan := false

	q.Enqueue(newFakeTask("sync", "source-1", func(_ context.Context, enqueuer TaskEnqueuer) error {
		enqueuer.Enqueue(newFakeTask("refresh", "model-1", func(context.Context, TaskEnqueuer) error {
			mu.Lock()
			cascadeRan = true
			mu.Unlock()
			return nil
		}))
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if !cascadeRan {
		t.Error("follow-up task did not run")
	}
}

func TestQueue_PrunesFinishedTasks(t *testing.T) {
	q := New(zap.NewNop())

	var mu sync.Mutex
	ran := 0
	total := doneHistoryLimit + 20
	for i := 0; i < total; i++ {
		q.Enqueue(newFakeTask("sync", "source-1", func(context.Context, TaskEnqueuer) error {
			mu.Lock()
			ran++
			mu.Unlock()
			return nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("wait failed: %v", err)
	}

	if ran != total {
		t.Errorf("expected %d runs, got %d", total, ran)
	}
	if got := len(q.GetTasks()); got > doneHistoryLimit {
		t.Errorf("finished task history grew to %d entries, cap is %d", got, doneHistoryLimit)
	}
}

func TestQueue_CancelMarksPendingCancelled(t *testing.T) {
	q := New(zap.NewNop(), WithStrategy(NewKeyedStrategy(1)))

	blocker := make(chan struct{})
	q.Enqueue(newFakeTask("sync", "a", func(ctx context.Context, _ TaskEnqueuer) error {
		select {
		case <-blocker:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))
	q.Enqueue(newFakeTask("sync", "b", func(context.Context, TaskEnqueuer) error {
		t.Error("pending task should not run after cancel")
		return nil
	}))

	// The first task occupies the single worker slot; cancel while it runs.
	time.Sleep(10 * time.Millisecond)
	q.Cancel()
	close(blocker)

	deadline := time.After(2 * time.Second)
	for !q.IsComplete() {
		select {
		case <-deadline:
			t.Fatal("queue did not settle after cancel")
		case <-time.After(5 * time.Millisecond):
		}
	}

	p := q.Progress()
	if p.Cancelled == 0 {
		t.Errorf("expected cancelled tasks, got %+v", p)
	}
}
