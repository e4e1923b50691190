package orchestrator

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lalithlochan/beacon/internal/redis"
	"github.com/lalithlochan/beacon/internal/scheduled"
)

var errBoom = errors.New("boom")

type fakeScanner struct {
	mu      sync.Mutex
	calls   []string
	failing map[string]error
	panics  map[string]bool
	block   chan struct{}
}

func (f *fakeScanner) record(ctx context.Context, name string) error {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	block := f.block
	f.mu.Unlock()

	if block != nil && name == "task_due_soon" {
		<-block
	}
	if f.panics[name] {
		panic(name + " exploded")
	}
	return f.failing[name]
}

func (f *fakeScanner) TasksDueSoon(ctx context.Context, now time.Time) error {
	return f.record(ctx, "task_due_soon")
}

func (f *fakeScanner) OverdueTasks(ctx context.Context, now time.Time) error {
	return f.record(ctx, "task_overdue")
}

func (f *fakeScanner) ProjectDeadlines(ctx context.Context, now time.Time) error {
	return f.record(ctx, "project_deadline")
}

func (f *fakeScanner) SprintsEnding(ctx context.Context, now time.Time) error {
	return f.record(ctx, "sprint_ending")
}

func (f *fakeScanner) Milestones(ctx context.Context, now time.Time) error {
	return f.record(ctx, "milestone")
}

func (f *fakeScanner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeProcessor struct {
	scanner *fakeScanner
	err     error
}

func (f *fakeProcessor) ProcessDue(ctx context.Context, now time.Time) (*scheduled.ProcessReport, error) {
	if err := f.scanner.record(ctx, "scheduled"); err != nil {
		return nil, err
	}
	return &scheduled.ProcessReport{Processed: 1, Delivered: 1}, f.err
}

type fakeLocker struct {
	acquireErr error
	acquired   int
	released   int
}

func (f *fakeLocker) Acquire(ctx context.Context, name string) (*redis.Lease, error) {
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	f.acquired++
	return &redis.Lease{}, nil
}

func (f *fakeLocker) Release(ctx context.Context, lease *redis.Lease) error {
	f.released++
	return nil
}

var allFamilies = []string{
	"task_due_soon",
	"task_overdue",
	"project_deadline",
	"sprint_ending",
	"milestone",
	"scheduled",
}

func TestRun_FixedOrder(t *testing.T) {
	scanner := &fakeScanner{}
	o := New(scanner, &fakeProcessor{scanner: scanner}, nil, zap.NewNop())

	o.Run(context.Background())

	if got := scanner.Calls(); !reflect.DeepEqual(got, allFamilies) {
		t.Errorf("expected order %v, got %v", allFamilies, got)
	}
}

func TestRun_FailingFamilyDoesNotStopOthers(t *testing.T) {
	scanner := &fakeScanner{failing: map[string]error{"task_overdue": errBoom, "milestone": errBoom}}
	o := New(scanner, &fakeProcessor{scanner: scanner}, nil, zap.NewNop())

	o.Run(context.Background())

	if got := scanner.Calls(); !reflect.DeepEqual(got, allFamilies) {
		t.Errorf("expected every family to run, got %v", got)
	}
}

func TestRun_PanickingFamilyIsIsolated(t *testing.T) {
	scanner := &fakeScanner{panics: map[string]bool{"project_deadline": true}}
	o := New(scanner, &fakeProcessor{scanner: scanner}, nil, zap.NewNop())

	o.Run(context.Background())

	if got := scanner.Calls(); !reflect.DeepEqual(got, allFamilies) {
		t.Errorf("expected every family to run after a panic, got %v", got)
	}
}

func TestRun_ScheduledReportWithError(t *testing.T) {
	scanner := &fakeScanner{}
	o := New(scanner, &fakeProcessor{scanner: scanner, err: errBoom}, nil, zap.NewNop())

	// Must not panic or propagate.
	o.Run(context.Background())
}

func TestRun_LeavesScheduledReportLoggingToProcessor(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	scanner := &fakeScanner{}
	o := New(scanner, &fakeProcessor{scanner: scanner}, nil, zap.New(core))

	o.Run(context.Background())

	if n := logs.FilterMessage("scheduled notifications processed").Len(); n != 0 {
		t.Errorf("orchestrator logged the scheduled report %d times", n)
	}
	if logs.FilterMessage("engine run finished").Len() != 1 {
		t.Errorf("expected one run summary, got %v", logs.All())
	}
}

func TestRun_CancelledContextStopsBetweenFamilies(t *testing.T) {
	scanner := &fakeScanner{}
	o := New(scanner, &fakeProcessor{scanner: scanner}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o.Run(ctx)

	if got := scanner.Calls(); len(got) != 0 {
		t.Errorf("expected no family to run, got %v", got)
	}
}

func TestRun_LockHeldSkips(t *testing.T) {
	scanner := &fakeScanner{}
	locker := &fakeLocker{acquireErr: redis.ErrLockHeld}
	o := New(scanner, &fakeProcessor{scanner: scanner}, locker, zap.NewNop())

	o.Run(context.Background())

	if got := scanner.Calls(); len(got) != 0 {
		t.Errorf("expected run to be skipped, got %v", got)
	}
	if locker.released != 0 {
		t.Errorf("expected no release without a lease, got %d", locker.released)
	}
}

func TestRun_LockErrorSkips(t *testing.T) {
	scanner := &fakeScanner{}
	o := New(scanner, &fakeProcessor{scanner: scanner}, &fakeLocker{acquireErr: errBoom}, zap.NewNop())

	o.Run(context.Background())

	if got := scanner.Calls(); len(got) != 0 {
		t.Errorf("expected run to be skipped, got %v", got)
	}
}

func TestRun_ReleasesLock(t *testing.T) {
	scanner := &fakeScanner{}
	locker := &fakeLocker{}
	o := New(scanner, &fakeProcessor{scanner: scanner}, locker, zap.NewNop())

	o.Run(context.Background())

	if locker.acquired != 1 || locker.released != 1 {
		t.Errorf("expected one acquire and one release, got %d/%d", locker.acquired, locker.released)
	}
}

func TestRun_OverlappingRunsWithRedisLock(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	port, _ := strconv.Atoi(mr.Port())
	client, err := redis.New(context.Background(), redis.Config{Host: mr.Host(), Port: port}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()
	locker := redis.NewLocker(client, zap.NewNop(), time.Minute)

	block := make(chan struct{})
	first := &fakeScanner{block: block}
	second := &fakeScanner{}
	o1 := New(first, &fakeProcessor{scanner: first}, locker, zap.NewNop())
	o2 := New(second, &fakeProcessor{scanner: second}, locker, zap.NewNop())

	done := make(chan struct{})
	go func() {
		o1.Run(context.Background())
		close(done)
	}()

	// Wait until the first run holds the lock and is inside a family.
	deadline := time.Now().Add(2 * time.Second)
	for len(first.Calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first run never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	o2.Run(context.Background())
	if got := second.Calls(); len(got) != 0 {
		t.Errorf("overlapping run should be skipped, got %v", got)
	}

	close(block)
	<-done

	o2.Run(context.Background())
	if got := second.Calls(); !reflect.DeepEqual(got, allFamilies) {
		t.Errorf("run after release should execute every family, got %v", got)
	}
}
