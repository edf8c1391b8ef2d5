// Package supervisor enforces liveness. It runs after every state-changing
// call against that call's timestamp; nothing here owns a timer.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/salazarsebas/iasppt/internal/ledger"
	"github.com/salazarsebas/iasppt/internal/observability"
	"github.com/salazarsebas/iasppt/internal/registry"
	"github.com/salazarsebas/iasppt/internal/scheduler"
	"github.com/salazarsebas/iasppt/internal/settlement"
	"github.com/salazarsebas/iasppt/internal/state"
)

const (
	ReasonHeartbeat  = "heartbeat_expired"
	ReasonStake      = "stake_below_minimum"
	ReasonDeadline   = "execution_deadline"
	ReasonSuspension = "assignee_suspended"
	ReasonMinStake   = "min_stake_raised"
)

type EventKind string

const (
	EventNodeSuspended EventKind = "node_suspended"
	EventTaskRequeued  EventKind = "task_requeued"
	EventTaskFailed    EventKind = "task_failed"
	EventTaskAssigned  EventKind = "task_assigned"
)

// Event describes one transition made by a sweep, for notifying the affected
// node and requester.
type Event struct {
	Kind      EventKind
	NodeID    string
	TaskID    uint64
	Requester string
	Detail    string
}

type Report struct {
	Suspended   []string
	Requeued    []uint64
	Failed      []uint64
	Assignments []scheduler.Assignment
	Events      []Event
}

func (r *Report) add(e Event) { r.Events = append(r.Events, e) }

type Supervisor struct {
	ledger   *ledger.Ledger
	registry *registry.Registry
	engine   *scheduler.Engine
	settler  *settlement.Settler
}

func New(l *ledger.Ledger, reg *registry.Registry, engine *scheduler.Engine, settler *settlement.Settler) *Supervisor {
	return &Supervisor{ledger: l, registry: reg, engine: engine, settler: settler}
}

// Sweep suspends dead or under-collateralised nodes, times out tasks, fails
// pending tasks whose requester deadline passed and then runs the assignment
// pass.
func (s *Supervisor) Sweep(ctx context.Context, tx state.Tx, params state.Params, now time.Time) (Report, error) {
	ctx, span := observability.StartSpan(ctx, "supervisor.sweep", observability.KeyAt.String(now.Format(time.RFC3339)))
	defer span.End()

	var rep Report
	if err := s.suspendNodes(ctx, tx, params, now, &rep); err != nil {
		return Report{}, err
	}
	if err := s.timeoutTasks(ctx, tx, now, &rep); err != nil {
		return Report{}, err
	}
	if err := s.expireWaiting(ctx, tx, now, &rep); err != nil {
		return Report{}, err
	}
	assigned, err := s.engine.AssignPending(ctx, tx, params, now)
	if err != nil {
		return Report{}, fmt.Errorf("assignment pass: %w", err)
	}
	rep.Assignments = assigned
	for _, a := range assigned {
		rep.add(Event{Kind: EventTaskAssigned, NodeID: a.NodeID, TaskID: a.TaskID, Requester: a.Requester})
	}
	span.SetAttributes(
		attribute.Int("suspended", len(rep.Suspended)),
		attribute.Int("requeued", len(rep.Requeued)),
		attribute.Int("failed", len(rep.Failed)),
		attribute.Int("assigned", len(rep.Assignments)),
	)
	return rep, nil
}

func (s *Supervisor) suspendNodes(ctx context.Context, tx state.Tx, params state.Params, now time.Time, rep *Report) error {
	nodes, err := tx.ListNodes(ctx)
	if err != nil {
		return err
	}
	grace := s.engine.HeartbeatGrace()
	for _, n := range nodes {
		if n.Status != state.NodeActive {
			continue
		}
		reason := ""
		if now.Sub(n.LastHeartbeat) > grace {
			reason = ReasonHeartbeat
		} else {
			acct, err := s.ledger.Account(ctx, tx, n.ID)
			if err != nil {
				return err
			}
			if !params.MinStake.IsNil() && acct.Locked.LT(params.MinStake) {
				reason = ReasonStake
			}
		}
		if reason == "" {
			continue
		}
		if _, err := s.registry.Suspend(ctx, tx, n, reason, now); err != nil {
			return err
		}
		rep.Suspended = append(rep.Suspended, n.ID)
		rep.add(Event{Kind: EventNodeSuspended, NodeID: n.ID, Detail: reason})
	}
	return nil
}

// EnforceMinStake suspends active nodes whose locked stake no longer covers
// params.MinStake and hands their tasks back to the queue. The nodes did not
// miss anything, so no attempt is charged and they stay eligible for those
// tasks once reinstated.
func (s *Supervisor) EnforceMinStake(ctx context.Context, tx state.Tx, params state.Params, now time.Time) (Report, error) {
	var rep Report
	if params.MinStake.IsNil() {
		return rep, nil
	}
	nodes, err := tx.ListNodes(ctx)
	if err != nil {
		return Report{}, err
	}
	for _, n := range nodes {
		if n.Status != state.NodeActive {
			continue
		}
		acct, err := s.ledger.Account(ctx, tx, n.ID)
		if err != nil {
			return Report{}, err
		}
		if acct.Locked.GTE(params.MinStake) {
			continue
		}
		if _, err := s.registry.Suspend(ctx, tx, n, ReasonStake, now); err != nil {
			return Report{}, err
		}
		rep.Suspended = append(rep.Suspended, n.ID)
		rep.add(Event{Kind: EventNodeSuspended, NodeID: n.ID, Detail: ReasonMinStake})

		held, err := tx.ListTasks(ctx, state.TaskFilter{
			Statuses: []state.TaskStatus{state.TaskAssigned, state.TaskExecuting},
			Assignee: n.ID,
		})
		if err != nil {
			return Report{}, err
		}
		for _, task := range held {
			if _, err := s.registry.Release(ctx, tx, n.ID, now); err != nil {
				return Report{}, err
			}
			task.Status = state.TaskReassignable
			task.Assignee = ""
			task.ExecutionDeadline = time.Time{}
			task.UpdatedAt = now
			if err := tx.PutTask(ctx, task); err != nil {
				return Report{}, err
			}
			rep.Requeued = append(rep.Requeued, task.ID)
			rep.add(Event{Kind: EventTaskRequeued, NodeID: n.ID, TaskID: task.ID, Requester: task.Requester, Detail: ReasonMinStake})
			if err := audit(ctx, tx, task, "task_requeued", fmt.Sprintf("node=%s reason=%s", n.ID, ReasonMinStake), now); err != nil {
				return Report{}, err
			}
		}
	}
	return rep, nil
}

func (s *Supervisor) timeoutTasks(ctx context.Context, tx state.Tx, now time.Time, rep *Report) error {
	held, err := tx.ListTasks(ctx, state.TaskFilter{Statuses: []state.TaskStatus{state.TaskAssigned, state.TaskExecuting}})
	if err != nil {
		return err
	}
	for _, task := range held {
		reason := ""
		if now.After(task.ExecutionDeadline) {
			reason = ReasonDeadline
		} else {
			node, ok, err := tx.GetNode(ctx, task.Assignee)
			if err != nil {
				return err
			}
			if !ok || node.Status != state.NodeActive {
				reason = ReasonSuspension
			}
		}
		if reason == "" {
			continue
		}
		if err := s.timeout(ctx, tx, task, reason, now, rep); err != nil {
			return err
		}
	}
	return nil
}

// timeout frees the assignee and either requeues the task or, once retries
// are spent, fails it. Penalties for every missed attempt land when the task
// resolves.
func (s *Supervisor) timeout(ctx context.Context, tx state.Tx, task state.TaskRecord, reason string, now time.Time, rep *Report) error {
	nodeID := task.Assignee
	if _, err := s.registry.Release(ctx, tx, nodeID, now); err != nil {
		return err
	}
	if !task.TimedOut(nodeID) {
		task.TimedOutNodes = append(task.TimedOutNodes, nodeID)
	}
	task.Retries++
	task.UpdatedAt = now
	observability.Default.IncCounter("supervisor_task_timeouts_total", map[string]string{"reason": reason}, 1)

	if task.Retries < task.MaxRetries {
		task.Status = state.TaskReassignable
		task.Assignee = ""
		task.ExecutionDeadline = time.Time{}
		if err := tx.PutTask(ctx, task); err != nil {
			return err
		}
		rep.Requeued = append(rep.Requeued, task.ID)
		rep.add(Event{Kind: EventTaskRequeued, NodeID: nodeID, TaskID: task.ID, Requester: task.Requester, Detail: reason})
		return audit(ctx, tx, task, "task_requeued", fmt.Sprintf("node=%s reason=%s retries=%d", nodeID, reason, task.Retries), now)
	}

	task.Status = state.TaskFailed
	task.ErrorRef = fmt.Sprintf("timed out after %d attempts", task.Retries)
	task.CompletedAt = now
	if err := tx.PutTask(ctx, task); err != nil {
		return err
	}
	if _, err := s.settler.ResolvePenalties(ctx, tx, task, now); err != nil {
		return err
	}
	slashed, err := s.settler.SlashTimeout(ctx, tx, nodeID, task.ID, now)
	if err != nil {
		return err
	}
	rep.Failed = append(rep.Failed, task.ID)
	rep.add(Event{Kind: EventTaskFailed, NodeID: nodeID, TaskID: task.ID, Requester: task.Requester, Detail: task.ErrorRef})
	return audit(ctx, tx, task, "task_failed", fmt.Sprintf("node=%s reason=%s slashed=%s", nodeID, reason, slashed), now)
}

// expireWaiting fails never-assigned tasks whose requester deadline passed.
// Reassignable tasks keep their retry budget and fail only through timeout.
func (s *Supervisor) expireWaiting(ctx context.Context, tx state.Tx, now time.Time, rep *Report) error {
	waiting, err := tx.ListTasks(ctx, state.TaskFilter{Statuses: []state.TaskStatus{state.TaskPending}})
	if err != nil {
		return err
	}
	for _, task := range waiting {
		if task.Deadline.IsZero() || task.Deadline.After(now) {
			continue
		}
		task.Status = state.TaskFailed
		task.ErrorRef = "deadline expired"
		task.CompletedAt = now
		task.UpdatedAt = now
		if err := tx.PutTask(ctx, task); err != nil {
			return err
		}
		if _, err := s.settler.ResolvePenalties(ctx, tx, task, now); err != nil {
			return err
		}
		rep.Failed = append(rep.Failed, task.ID)
		rep.add(Event{Kind: EventTaskFailed, TaskID: task.ID, Requester: task.Requester, Detail: task.ErrorRef})
		if err := audit(ctx, tx, task, "task_expired", "deadline="+task.Deadline.Format(time.RFC3339), now); err != nil {
			return err
		}
	}
	return nil
}

func audit(ctx context.Context, tx state.Tx, task state.TaskRecord, action, details string, now time.Time) error {
	return tx.AppendAudit(ctx, state.AuditEventRecord{
		Action:    action,
		Actor:     "supervisor",
		Resource:  fmt.Sprintf("task/%d", task.ID),
		Result:    string(task.Status),
		Details:   details,
		CreatedAt: now,
	})
}
