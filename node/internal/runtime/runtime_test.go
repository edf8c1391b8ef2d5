package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/salazarsebas/iasppt/internal/coordinator"
	"github.com/salazarsebas/iasppt/internal/ledger"
	"github.com/salazarsebas/iasppt/internal/nodegrpc"
	"github.com/salazarsebas/iasppt/internal/registry"
	"github.com/salazarsebas/iasppt/internal/scheduler"
	"github.com/salazarsebas/iasppt/internal/settlement"
	"github.com/salazarsebas/iasppt/internal/state"
	"github.com/salazarsebas/iasppt/internal/verify"
	"github.com/salazarsebas/iasppt/node/internal/config"
	"github.com/salazarsebas/iasppt/node/internal/executor"
	"github.com/salazarsebas/iasppt/node/internal/prover"
	"github.com/salazarsebas/iasppt/node/internal/registration"
	"github.com/salazarsebas/iasppt/pkg/coordapi"
)

type stubRunner struct {
	mu    sync.Mutex
	runs  []uint64
	err   error
	block chan struct{}
}

func (s *stubRunner) Run(ctx context.Context, t executor.Task) (string, error) {
	s.mu.Lock()
	s.runs = append(s.runs, t.ID)
	s.mu.Unlock()
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.err != nil {
		return "", s.err
	}
	return "file:///artifacts/out.json", nil
}

func (s *stubRunner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

func startCoordinator(t *testing.T) (*coordinator.Coordinator, string) {
	t.Helper()
	l := ledger.New(ledger.Options{})
	reg := registry.New(l, registry.Options{})
	hash, err := verify.NewHashMatch(verify.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	coord := coordinator.New(coordinator.Deps{
		Store:    state.NewMemoryStore(),
		Ledger:   l,
		Registry: reg,
		Engine:   scheduler.NewEngine(reg, scheduler.Options{}),
		Settler:  settlement.New(l, reg, hash, settlement.Options{}),
	}, coordinator.Options{
		Owner:    "operator",
		Defaults: state.Params{MinStake: ledger.Tokens(1), MaxTasksPerNode: 10, TaskTimeout: time.Hour},
	})
	g := nodegrpc.NewGRPCServer(nodegrpc.NewServer(coord, nil), nil)
	lis, _, err := nodegrpc.Serve(g, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	t.Cleanup(g.Stop)
	return coord, lis.Addr().String()
}

func submit(t *testing.T, coord *coordinator.Coordinator) state.TaskRecord {
	t.Helper()
	task, err := coord.SubmitTask(context.Background(), coordinator.Call{Caller: "alice"}, coordinator.TaskRequest{
		Payload:  state.Payload{TaskType: "inference", ModelRef: "ollama:llama3", InputRef: "hello", RequiredClass: "cpu"},
		Budget:   ledger.Tokens(1),
		Priority: scheduler.PriorityNormal,
		Deadline: time.Now().UTC().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return task
}

func TestRuntimeCompletesAssignedTask(t *testing.T) {
	coord, addr := startCoordinator(t)
	client, err := nodegrpc.Dial(addr, "")
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	cfg := config.Config{NodeID: "n1", Endpoint: "n1:7000", ComputeClasses: []string{"cpu"}, Stake: "2", MaxParallelTasks: 2}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := registration.Register(ctx, client, cfg, "", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	task := submit(t, coord)

	p, err := prover.New("sha256", "")
	if err != nil {
		t.Fatal(err)
	}
	runner := &stubRunner{}
	rt := New(cfg, client, runner, p, nil, nil)
	if err := rt.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	rt.Wait()

	got, err := coord.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != state.TaskCompleted || got.ResultRef != "file:///artifacts/out.json" {
		t.Fatalf("expected completed task, got %+v", got)
	}
	if err := rt.Poll(ctx); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	rt.Wait()
	if runner.count() != 1 {
		t.Fatalf("expected a single run, got %d", runner.count())
	}
}

func TestRuntimeLeavesFailedExecutionToTimeout(t *testing.T) {
	coord, addr := startCoordinator(t)
	client, err := nodegrpc.Dial(addr, "")
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	cfg := config.Config{NodeID: "n1", Endpoint: "n1:7000", ComputeClasses: []string{"cpu"}, Stake: "2", MaxParallelTasks: 1}
	ctx := context.Background()
	if _, err := registration.Register(ctx, client, cfg, "", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	task := submit(t, coord)
	p, _ := prover.New("sha256", "")
	runner := &stubRunner{err: errors.New("backend down")}
	rt := New(cfg, client, runner, p, nil, nil)

	for i := 0; i < 2; i++ {
		if err := rt.Poll(ctx); err != nil {
			t.Fatalf("poll: %v", err)
		}
		rt.Wait()
	}
	got, _ := coord.GetTask(ctx, task.ID)
	if got.Status != state.TaskExecuting {
		t.Fatalf("expected task to stay executing, got %s", got.Status)
	}
	if runner.count() != 1 {
		t.Fatalf("failed task should not be retried locally, ran %d times", runner.count())
	}
}

type fakeCoordinator struct {
	mu    sync.Mutex
	tasks []coordapi.Task
	notes []coordapi.Notification
	acks  int
}

func (f *fakeCoordinator) ListAssigned(context.Context, string) ([]coordapi.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]coordapi.Task(nil), f.tasks...), nil
}

func (f *fakeCoordinator) Acknowledge(_ context.Context, _ string, id uint64) (coordapi.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks++
	return coordapi.Task{TaskID: id, Status: "Executing"}, nil
}

func (f *fakeCoordinator) SubmitResult(context.Context, coordapi.ResultSubmission) (coordapi.SubmitResultResponse, error) {
	return coordapi.SubmitResultResponse{Accepted: true}, nil
}

func (f *fakeCoordinator) Notifications(context.Context, string, int) ([]coordapi.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.notes
	f.notes = nil
	return out, nil
}

func TestRuntimeRespectsParallelismAndCancellation(t *testing.T) {
	fc := &fakeCoordinator{tasks: []coordapi.Task{
		{TaskID: 1, Status: "Assigned", TaskType: "inference"},
		{TaskID: 2, Status: "Executing", TaskType: "inference"},
	}}
	runner := &stubRunner{block: make(chan struct{})}
	p, _ := prover.New("sha256", "")
	rt := New(config.Config{NodeID: "n1", MaxParallelTasks: 1}, fc, runner, p, nil, nil)
	ctx := context.Background()

	if err := rt.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return runner.count() == 1 })
	if fc.acks != 1 {
		t.Fatalf("expected assigned task to be acknowledged once, got %d", fc.acks)
	}

	fc.mu.Lock()
	all := fc.tasks
	fc.tasks = all[:1]
	fc.notes = []coordapi.Notification{{Kind: "task_cancelled", TaskID: 1}}
	fc.mu.Unlock()
	if err := rt.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	rt.Wait()

	fc.mu.Lock()
	fc.tasks = all
	fc.mu.Unlock()
	if err := rt.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	close(runner.block)
	rt.Wait()
	if runner.count() != 2 {
		t.Fatalf("expected the second task to run after the first was cancelled, got %d runs", runner.count())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
