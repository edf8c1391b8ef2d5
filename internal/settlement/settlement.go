// Package settlement accepts or rejects results and moves the money and
// reputation that follow from either outcome.
package settlement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cosmossdk.io/math"

	"github.com/salazarsebas/iasppt/internal/errcode"
	"github.com/salazarsebas/iasppt/internal/ledger"
	"github.com/salazarsebas/iasppt/internal/observability"
	"github.com/salazarsebas/iasppt/internal/registry"
	"github.com/salazarsebas/iasppt/internal/scheduler"
	"github.com/salazarsebas/iasppt/internal/state"
	"github.com/salazarsebas/iasppt/internal/verify"
)

const (
	MaxProofLen     = 1024
	MaxOutputRefLen = 10000
)

type SlashPolicy struct {
	OnVerifyFailure       bool
	VerifyFailureFraction math.LegacyDec
	OnTimeout             bool
	TimeoutFraction       math.LegacyDec
}

type Options struct {
	Rewards  RewardPolicy
	Slashing SlashPolicy
}

type Settler struct {
	ledger   *ledger.Ledger
	registry *registry.Registry
	verifier verify.Verifier
	opts     Options
}

func New(l *ledger.Ledger, reg *registry.Registry, v verify.Verifier, opts Options) *Settler {
	if opts.Rewards.ReputationFloor.IsNil() {
		opts.Rewards = DefaultRewardPolicy()
	}
	if v == nil {
		v = verify.AcceptAll{}
	}
	return &Settler{ledger: l, registry: reg, verifier: v, opts: opts}
}

type Submission struct {
	NodeID    string
	TaskID    uint64
	Proof     string
	OutputRef string
}

type Outcome struct {
	Task     state.TaskRecord
	Accepted bool
	Reason   string
	Reward   math.Int
	Slashed  math.Int
	// Penalized lists the nodes that received a timeout penalty when the
	// task resolved.
	Penalized []string
}

// SubmitResult settles a result. Rejections by the verifier are outcomes, not
// errors; an error means the call itself was refused and nothing changed.
func (s *Settler) SubmitResult(ctx context.Context, tx state.Tx, sub Submission, now time.Time) (Outcome, error) {
	ctx, span := observability.StartSpan(ctx, "settlement.submit_result",
		observability.NodeID(sub.NodeID),
		observability.TaskID(sub.TaskID),
	)
	defer span.End()

	task, err := scheduler.GetTask(ctx, tx, sub.TaskID)
	if err != nil {
		return Outcome{}, err
	}
	if task.Assignee != sub.NodeID {
		return Outcome{}, errcode.New(errcode.NotAssignee, "task %d is not assigned to %s", sub.TaskID, sub.NodeID)
	}
	if _, paid, err := tx.GetReward(ctx, task.ID); err != nil {
		return Outcome{}, err
	} else if paid || task.Status == state.TaskCompleted {
		return Outcome{}, errcode.New(errcode.AlreadySettled, "task %d is already settled", task.ID)
	}
	if !task.Status.Held() {
		return Outcome{}, errcode.New(errcode.TaskNotExecuting, "task %d is %s", task.ID, task.Status)
	}
	if now.After(task.ExecutionDeadline) {
		return Outcome{}, errcode.New(errcode.DeadlineExceeded, "task %d execution deadline passed at %s", task.ID, task.ExecutionDeadline.Format(time.RFC3339))
	}
	if err := checkLimits(sub); err != nil {
		return Outcome{}, err
	}
	node, err := s.registry.Get(ctx, tx, sub.NodeID)
	if err != nil {
		return Outcome{}, err
	}

	verdict, verr := s.verifier.Verify(ctx, verify.Claim{
		TaskID:    task.ID,
		NodeID:    node.ID,
		OutputRef: sub.OutputRef,
		Proof:     sub.Proof,
		PublicKey: node.PublicKey,
	})
	if verr != nil {
		verdict = verify.Reject("verifier error: %v", verr)
	}
	if !verdict.Accepted {
		return s.reject(ctx, tx, task, verdict.Reason, now)
	}
	return s.accept(ctx, tx, task, node, sub, now)
}

func checkLimits(sub Submission) error {
	if strings.TrimSpace(sub.Proof) == "" || len(sub.Proof) > MaxProofLen {
		return errcode.New(errcode.InvalidProof, "proof must be 1..%d bytes", MaxProofLen)
	}
	if strings.TrimSpace(sub.OutputRef) == "" || len(sub.OutputRef) > MaxOutputRefLen {
		return errcode.New(errcode.InvalidProof, "output reference must be 1..%d bytes", MaxOutputRefLen)
	}
	return nil
}

func (s *Settler) accept(ctx context.Context, tx state.Tx, task state.TaskRecord, node state.NodeRecord, sub Submission, now time.Time) (Outcome, error) {
	reward := s.opts.Rewards.Compute(task, node, s.registry.Reputation().Ceiling, now)

	task.Status = state.TaskCompleted
	task.ResultRef = sub.OutputRef
	task.ProofHash = sub.Proof
	task.Reward = reward
	task.CompletedAt = now
	task.UpdatedAt = now
	if err := tx.PutTask(ctx, task); err != nil {
		return Outcome{}, err
	}

	node, err := s.registry.Release(ctx, tx, node.ID, now)
	if err != nil {
		return Outcome{}, err
	}
	s.registry.Reward(&node)
	node.CompletedTasks++
	node.TotalEarned = node.TotalEarned.Add(reward)
	if err := tx.PutNode(ctx, node); err != nil {
		return Outcome{}, err
	}
	if _, err := s.ledger.Credit(ctx, tx, node.ID, reward, now); err != nil {
		return Outcome{}, err
	}
	if err := tx.AppendReward(ctx, state.RewardEntry{TaskID: task.ID, NodeID: node.ID, Amount: reward, CreatedAt: now}); err != nil {
		return Outcome{}, fmt.Errorf("append reward for task %d: %w", task.ID, err)
	}
	penalized, err := s.ResolvePenalties(ctx, tx, task, now)
	if err != nil {
		return Outcome{}, err
	}
	if err := tx.AppendAudit(ctx, state.AuditEventRecord{
		Action:    "result_accepted",
		Actor:     node.ID,
		Resource:  fmt.Sprintf("task/%d", task.ID),
		Result:    "completed",
		Details:   fmt.Sprintf("reward=%s output=%s", reward, sub.OutputRef),
		CreatedAt: now,
	}); err != nil {
		return Outcome{}, err
	}
	observability.Default.IncCounter("settlement_results_total", map[string]string{"outcome": "accepted"}, 1)
	return Outcome{Task: task, Accepted: true, Reason: "accepted", Reward: reward, Slashed: math.ZeroInt(), Penalized: penalized}, nil
}

func (s *Settler) reject(ctx context.Context, tx state.Tx, task state.TaskRecord, reason string, now time.Time) (Outcome, error) {
	task.Status = state.TaskFailed
	task.ErrorRef = "verification failed: " + reason
	task.CompletedAt = now
	task.UpdatedAt = now
	if err := tx.PutTask(ctx, task); err != nil {
		return Outcome{}, err
	}
	node, err := s.registry.Release(ctx, tx, task.Assignee, now)
	if err != nil {
		return Outcome{}, err
	}
	s.registry.Penalize(&node)
	node.FailedTasks++
	if err := tx.PutNode(ctx, node); err != nil {
		return Outcome{}, err
	}
	slashed := math.ZeroInt()
	if s.opts.Slashing.OnVerifyFailure {
		slashed, err = s.SlashFraction(ctx, tx, node.ID, s.opts.Slashing.VerifyFailureFraction, "verify_failure", task.ID, now)
		if err != nil {
			return Outcome{}, err
		}
	}
	penalized, err := s.ResolvePenalties(ctx, tx, task, now)
	if err != nil {
		return Outcome{}, err
	}
	if err := tx.AppendAudit(ctx, state.AuditEventRecord{
		Action:    "result_rejected",
		Actor:     node.ID,
		Resource:  fmt.Sprintf("task/%d", task.ID),
		Result:    "failed",
		Details:   fmt.Sprintf("reason=%s slashed=%s", reason, slashed),
		CreatedAt: now,
	}); err != nil {
		return Outcome{}, err
	}
	observability.Default.IncCounter("settlement_results_total", map[string]string{"outcome": "rejected"}, 1)
	return Outcome{Task: task, Accepted: false, Reason: reason, Reward: math.ZeroInt(), Slashed: slashed, Penalized: penalized}, nil
}

// ResolvePenalties applies one timeout penalty to every node that missed the
// task. Call it once, when the task reaches Completed or Failed.
func (s *Settler) ResolvePenalties(ctx context.Context, tx state.Tx, task state.TaskRecord, now time.Time) ([]string, error) {
	if len(task.TimedOutNodes) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(task.TimedOutNodes))
	for _, id := range task.TimedOutNodes {
		node, ok, err := tx.GetNode(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		s.registry.Penalize(&node)
		node.UpdatedAt = now
		if err := tx.PutNode(ctx, node); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := tx.AppendAudit(ctx, state.AuditEventRecord{
		Action:    "timeout_penalties",
		Actor:     "settlement",
		Resource:  fmt.Sprintf("task/%d", task.ID),
		Result:    string(task.Status),
		Details:   "nodes=" + strings.Join(out, "|"),
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// SlashFraction burns fraction of the node's locked stake. A zero result is
// not an error.
func (s *Settler) SlashFraction(ctx context.Context, tx state.Tx, nodeID string, fraction math.LegacyDec, reason string, taskID uint64, now time.Time) (math.Int, error) {
	if fraction.IsNil() || !fraction.IsPositive() {
		return math.ZeroInt(), nil
	}
	acct, err := s.ledger.Account(ctx, tx, nodeID)
	if err != nil {
		return math.ZeroInt(), err
	}
	amount := math.LegacyNewDecFromInt(acct.Locked).Mul(fraction).TruncateInt()
	if !amount.IsPositive() {
		return math.ZeroInt(), nil
	}
	slashed, _, err := s.ledger.Slash(ctx, tx, ledger.SlashRequest{NodeID: nodeID, Amount: amount, Reason: reason, TaskID: taskID}, now)
	return slashed, err
}

// SlashTimeout applies the configured timeout slash to the last assignee of a
// task whose retries ran out.
func (s *Settler) SlashTimeout(ctx context.Context, tx state.Tx, nodeID string, taskID uint64, now time.Time) (math.Int, error) {
	if !s.opts.Slashing.OnTimeout {
		return math.ZeroInt(), nil
	}
	return s.SlashFraction(ctx, tx, nodeID, s.opts.Slashing.TimeoutFraction, "timeout", taskID, now)
}

type ResultStatus string

const (
	ResultReady         ResultStatus = "Ready"
	ResultFailed        ResultStatus = "Failed"
	ResultNotApplicable ResultStatus = "NotApplicable"
	ResultNotReady      ResultStatus = "NotReady"
)

type ResultView struct {
	Status ResultStatus
	Ref    string
}

// ResultOf projects a task onto what its requester may retrieve.
func ResultOf(task state.TaskRecord) ResultView {
	switch task.Status {
	case state.TaskCompleted:
		return ResultView{Status: ResultReady, Ref: task.ResultRef}
	case state.TaskFailed:
		return ResultView{Status: ResultFailed, Ref: task.ErrorRef}
	case state.TaskCancelled:
		return ResultView{Status: ResultNotApplicable}
	default:
		return ResultView{Status: ResultNotReady}
	}
}
