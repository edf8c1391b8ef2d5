package settlement

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"cosmossdk.io/math"

	"github.com/salazarsebas/iasppt/internal/errcode"
	"github.com/salazarsebas/iasppt/internal/ledger"
	"github.com/salazarsebas/iasppt/internal/registry"
	"github.com/salazarsebas/iasppt/internal/scheduler"
	"github.com/salazarsebas/iasppt/internal/state"
	"github.com/salazarsebas/iasppt/internal/verify"
)

var (
	t0     = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	params = state.Params{MinStake: ledger.Tokens(100), MaxTasksPerNode: 10, TaskTimeout: time.Hour}
)

type fixture struct {
	t       *testing.T
	store   *state.MemoryStore
	ledger  *ledger.Ledger
	reg     *registry.Registry
	engine  *scheduler.Engine
	settler *Settler
	hash    *verify.HashMatch
}

func flatRewards() RewardPolicy {
	p := DefaultRewardPolicy()
	p.UptimeBonusMax = math.LegacyZeroDec()
	return p
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	l := ledger.New(ledger.Options{})
	reg := registry.New(l, registry.Options{Reputation: registry.DefaultReputation()})
	hash, _ := verify.NewHashMatch(verify.SHA256)
	return &fixture{
		t:       t,
		store:   state.NewMemoryStore(),
		ledger:  l,
		reg:     reg,
		engine:  scheduler.NewEngine(reg, scheduler.Options{}),
		settler: New(l, reg, hash, opts),
		hash:    hash,
	}
}

func (f *fixture) do(fn func(ctx context.Context, tx state.Tx) error) error {
	ctx := context.Background()
	return f.store.Update(ctx, func(tx state.Tx) error { return fn(ctx, tx) })
}

// assigned registers node n1, submits one task and assigns it.
func (f *fixture) assigned(budget math.Int) state.TaskRecord {
	f.t.Helper()
	var task state.TaskRecord
	err := f.do(func(ctx context.Context, tx state.Tx) error {
		if _, err := f.reg.Register(ctx, tx, registry.Registration{
			NodeID:     "n1",
			Capability: state.Capability{ComputeClasses: []string{"cpu"}},
			Endpoint:   "10.0.0.1:9000",
			Stake:      ledger.Tokens(200),
		}, params, t0); err != nil {
			return err
		}
		var err error
		task, err = f.engine.Submit(ctx, tx, scheduler.Submission{
			Requester: "alice",
			Payload:   state.Payload{TaskType: "inference", ModelRef: "m", InputRef: "in"},
			Budget:    budget,
			Priority:  scheduler.PriorityNormal,
			Deadline:  t0.Add(2 * time.Hour),
		}, t0)
		if err != nil {
			return err
		}
		_, err = f.engine.AssignPending(ctx, tx, params, t0)
		return err
	})
	if err != nil {
		f.t.Fatalf("setup: %v", err)
	}
	return task
}

func (f *fixture) submit(sub Submission, at time.Time) (Outcome, error) {
	var out Outcome
	err := f.do(func(ctx context.Context, tx state.Tx) error {
		var err error
		out, err = f.settler.SubmitResult(ctx, tx, sub, at)
		return err
	})
	return out, err
}

func (f *fixture) view(fn func(ctx context.Context, tx state.Tx)) {
	ctx := context.Background()
	_ = f.store.View(ctx, func(tx state.Tx) error { fn(ctx, tx); return nil })
}

func TestAcceptedResultPaysOnce(t *testing.T) {
	f := newFixture(t, Options{Rewards: flatRewards()})
	task := f.assigned(ledger.Tokens(10))
	sub := Submission{NodeID: "n1", TaskID: task.ID, OutputRef: "file:///out/1", Proof: f.hash.Commit(task.ID, "n1", "file:///out/1")}

	out, err := f.submit(sub, t0.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	want, _ := ledger.ParseTokens("5.5")
	if !out.Accepted || !out.Reward.Equal(want) {
		t.Fatalf("expected accepted reward %s, got %+v", want, out)
	}
	if _, err := f.submit(sub, t0.Add(31*time.Minute)); !errors.Is(err, errcode.ErrAlreadySettled) {
		t.Fatalf("expected AlreadySettled, got %v", err)
	}

	f.view(func(ctx context.Context, tx state.Tx) {
		rewards, _ := tx.ListRewards(ctx, "n1")
		if len(rewards) != 1 || !rewards[0].Amount.Equal(want) {
			t.Fatalf("expected exactly one reward entry, got %+v", rewards)
		}
		acct, _, _ := tx.GetStake(ctx, "n1")
		if !acct.Available.Equal(want) || !acct.Locked.Equal(ledger.Tokens(200)) {
			t.Fatalf("unexpected account %+v", acct)
		}
		n, _, _ := tx.GetNode(ctx, "n1")
		if n.Reputation != 110 || n.AssignedTasks != 0 || n.CompletedTasks != 1 || !n.TotalEarned.Equal(want) {
			t.Fatalf("unexpected node after completion %+v", n)
		}
		got, _, _ := tx.GetTask(ctx, task.ID)
		if got.Status != state.TaskCompleted || ResultOf(got).Ref != "file:///out/1" {
			t.Fatalf("unexpected task %+v", got)
		}
	})
}

func TestSubmitResultRejectionOrder(t *testing.T) {
	f := newFixture(t, Options{})
	task := f.assigned(ledger.Tokens(10))
	good := Submission{NodeID: "n1", TaskID: task.ID, OutputRef: "out", Proof: f.hash.Commit(task.ID, "n1", "out")}

	cases := []struct {
		name string
		sub  Submission
		at   time.Time
		want error
	}{
		{"unknown task", Submission{NodeID: "n1", TaskID: 99, OutputRef: "out", Proof: "p"}, t0, errcode.ErrUnknownTask},
		{"not assignee", Submission{NodeID: "n2", TaskID: task.ID, OutputRef: "out", Proof: "p"}, t0, errcode.ErrNotAssignee},
		{"deadline", good, t0.Add(61 * time.Minute), errcode.ErrDeadlineExceeded},
		{"proof too long", Submission{NodeID: "n1", TaskID: task.ID, OutputRef: "out", Proof: strings.Repeat("p", MaxProofLen+1)}, t0, errcode.ErrInvalidProof},
		{"output too long", Submission{NodeID: "n1", TaskID: task.ID, OutputRef: strings.Repeat("o", MaxOutputRefLen+1), Proof: "p"}, t0, errcode.ErrInvalidProof},
	}
	for _, tc := range cases {
		if _, err := f.submit(tc.sub, tc.at); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	f.view(func(ctx context.Context, tx state.Tx) {
		got, _, _ := tx.GetTask(ctx, task.ID)
		if got.Status != state.TaskAssigned {
			t.Fatalf("rejected calls must leave task untouched, got %s", got.Status)
		}
	})
}

func TestVerificationFailureSlashesAndFails(t *testing.T) {
	f := newFixture(t, Options{Slashing: SlashPolicy{OnVerifyFailure: true, VerifyFailureFraction: math.LegacyNewDecWithPrec(1, 1)}})
	task := f.assigned(ledger.Tokens(10))
	out, err := f.submit(Submission{NodeID: "n1", TaskID: task.ID, OutputRef: "out", Proof: strings.Repeat("0", 64)}, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Accepted || !out.Slashed.Equal(ledger.Tokens(20)) {
		t.Fatalf("expected rejection with 20 token slash, got %+v", out)
	}
	f.view(func(ctx context.Context, tx state.Tx) {
		got, _, _ := tx.GetTask(ctx, task.ID)
		if got.Status != state.TaskFailed || !strings.HasPrefix(got.ErrorRef, "verification failed") {
			t.Fatalf("unexpected task %+v", got)
		}
		n, _, _ := tx.GetNode(ctx, "n1")
		if n.Reputation != 50 || n.FailedTasks != 1 || n.AssignedTasks != 0 {
			t.Fatalf("unexpected node %+v", n)
		}
		acct, _, _ := tx.GetStake(ctx, "n1")
		if !acct.Locked.Equal(ledger.Tokens(180)) || !acct.TotalSlashed.Equal(ledger.Tokens(20)) {
			t.Fatalf("unexpected account %+v", acct)
		}
		if _, paid, _ := tx.GetReward(ctx, task.ID); paid {
			t.Fatalf("failed task must not be paid")
		}
	})
	if _, err := f.submit(Submission{NodeID: "n1", TaskID: task.ID, OutputRef: "out", Proof: "p"}, t0.Add(2*time.Minute)); !errors.Is(err, errcode.ErrTaskNotExecuting) {
		t.Fatalf("expected TaskNotExecuting after failure, got %v", err)
	}
}

type erroringVerifier struct{}

func (erroringVerifier) Verify(context.Context, verify.Claim) (verify.Verdict, error) {
	return verify.Verdict{}, errors.New("oracle unreachable")
}

func TestVerifierErrorCountsAsRejection(t *testing.T) {
	f := newFixture(t, Options{})
	f.settler = New(f.ledger, f.reg, erroringVerifier{}, Options{})
	task := f.assigned(ledger.Tokens(10))
	out, err := f.submit(Submission{NodeID: "n1", TaskID: task.ID, OutputRef: "out", Proof: "p"}, t0)
	if err != nil {
		t.Fatalf("verifier errors must not fail the call: %v", err)
	}
	if out.Accepted || !strings.Contains(out.Reason, "oracle unreachable") {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestResolvePenaltiesOnCompletion(t *testing.T) {
	f := newFixture(t, Options{Rewards: flatRewards()})
	task := f.assigned(ledger.Tokens(10))
	if err := f.do(func(ctx context.Context, tx state.Tx) error {
		if _, err := f.reg.Register(ctx, tx, registry.Registration{
			NodeID: "late", Capability: state.Capability{ComputeClasses: []string{"cpu"}}, Endpoint: "10.0.0.2:9000", Stake: ledger.Tokens(100),
		}, params, t0); err != nil {
			return err
		}
		tk, _, _ := tx.GetTask(ctx, task.ID)
		tk.TimedOutNodes = []string{"late"}
		return tx.PutTask(ctx, tk)
	}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	out, err := f.submit(Submission{NodeID: "n1", TaskID: task.ID, OutputRef: "out", Proof: f.hash.Commit(task.ID, "n1", "out")}, t0)
	if err != nil || !out.Accepted {
		t.Fatalf("submit: %+v err=%v", out, err)
	}
	if len(out.Penalized) != 1 || out.Penalized[0] != "late" {
		t.Fatalf("expected late node penalised, got %v", out.Penalized)
	}
	f.view(func(ctx context.Context, tx state.Tx) {
		n, _, _ := tx.GetNode(ctx, "late")
		if n.Reputation != 50 {
			t.Fatalf("expected one timeout penalty, got reputation %d", n.Reputation)
		}
	})
}

func TestRewardPolicyCompute(t *testing.T) {
	p := DefaultRewardPolicy()
	task := state.TaskRecord{Budget: ledger.Tokens(10), Payload: state.Payload{TaskType: "inference"}}
	node := state.NodeRecord{Reputation: 100, ActiveSince: t0}
	got := p.Compute(task, node, 1000, t0.Add(12*time.Hour))
	want, _ := ledger.ParseTokens("5.775")
	if !got.Equal(want) {
		t.Fatalf("expected %s got %s", want, got)
	}

	p.TypeFactors = map[string]math.LegacyDec{"inference": math.LegacyNewDec(3)}
	node.Reputation = 1000
	if got := p.Compute(task, node, 1000, t0.Add(48*time.Hour)); !got.Equal(task.Budget) {
		t.Fatalf("reward must be capped at budget, got %s", got)
	}
	p.CapAtBudget = false
	if got := p.Compute(task, node, 1000, t0.Add(48*time.Hour)); !got.Equal(ledger.Tokens(33)) {
		t.Fatalf("uncapped reward expected 33 tokens, got %s", got)
	}
}

func TestResultOf(t *testing.T) {
	cases := map[state.TaskStatus]ResultStatus{
		state.TaskCompleted:    ResultReady,
		state.TaskFailed:       ResultFailed,
		state.TaskCancelled:    ResultNotApplicable,
		state.TaskExecuting:    ResultNotReady,
		state.TaskReassignable: ResultNotReady,
	}
	for status, want := range cases {
		if got := ResultOf(state.TaskRecord{Status: status}).Status; got != want {
			t.Fatalf("%s: expected %s got %s", status, want, got)
		}
	}
}
