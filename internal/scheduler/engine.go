package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"cosmossdk.io/math"

	"github.com/salazarsebas/iasppt/internal/errcode"
	"github.com/salazarsebas/iasppt/internal/observability"
	"github.com/salazarsebas/iasppt/internal/policy"
	"github.com/salazarsebas/iasppt/internal/registry"
	"github.com/salazarsebas/iasppt/internal/state"
)

// Named priority levels on the 1..10 scale.
const (
	PriorityLow    = 1
	PriorityNormal = 2
	PriorityHigh   = 3
	PriorityUrgent = 4
)

const (
	MaxDescriptionLen = 1000
	MaxRefLen         = 500
)

var DefaultTaskTypes = []string{"inference", "text_generation", "classification", "embedding"}

type Options struct {
	MinPriority int
	MaxPriority int
	MaxRetries  int
	// HeartbeatGrace is how stale a heartbeat may be before the node stops
	// receiving work.
	HeartbeatGrace time.Duration
	// TaskTimeouts overrides Params.TaskTimeout per task type. A task type
	// missing from the map is not accepted.
	TaskTimeouts map[string]time.Duration
	PolicyEngine *policy.Engine
}

type Engine struct {
	registry *registry.Registry
	opts     Options
	policy   *policy.Engine
}

func NewEngine(reg *registry.Registry, opts Options) *Engine {
	if opts.MinPriority <= 0 {
		opts.MinPriority = 1
	}
	if opts.MaxPriority < opts.MinPriority {
		opts.MaxPriority = 10
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.HeartbeatGrace <= 0 {
		opts.HeartbeatGrace = 5 * time.Minute
	}
	if len(opts.TaskTimeouts) == 0 {
		opts.TaskTimeouts = map[string]time.Duration{}
		for _, t := range DefaultTaskTypes {
			opts.TaskTimeouts[t] = 0
		}
	}
	p := opts.PolicyEngine
	if p == nil {
		p = policy.NewAllowAll()
	}
	return &Engine{registry: reg, opts: opts, policy: p}
}

func (e *Engine) HeartbeatGrace() time.Duration { return e.opts.HeartbeatGrace }

type Submission struct {
	Requester string
	Payload   state.Payload
	Budget    math.Int
	Priority  int
	Deadline  time.Time
}

type Assignment struct {
	TaskID            uint64
	NodeID            string
	Requester         string
	ExecutionDeadline time.Time
}

// Submit validates and stores a Pending task. The caller runs the assignment
// pass afterwards.
func (e *Engine) Submit(ctx context.Context, tx state.Tx, sub Submission, now time.Time) (state.TaskRecord, error) {
	ctx, span := observability.StartSpan(ctx, "scheduler.submit",
		observability.Requester(sub.Requester),
		observability.TaskType(sub.Payload.TaskType),
	)
	defer span.End()

	if err := e.validate(sub, now); err != nil {
		return state.TaskRecord{}, err
	}
	if !e.policy.IsNoop() {
		open, err := tx.ListTasks(ctx, state.TaskFilter{
			Requester: sub.Requester,
			Statuses:  []state.TaskStatus{state.TaskPending, state.TaskAssigned, state.TaskExecuting, state.TaskReassignable},
		})
		if err != nil {
			return state.TaskRecord{}, err
		}
		decision := e.policy.EvaluateSubmit(policy.SubmitInput{
			Requester:     sub.Requester,
			TaskType:      sub.Payload.TaskType,
			Model:         sub.Payload.ModelRef,
			RequiredClass: sub.Payload.RequiredClass,
			Priority:      sub.Priority,
			OpenTasks:     len(open),
		})
		if !decision.Allowed {
			observability.Default.IncCounter("scheduler_policy_denials_total", map[string]string{"reason": decision.ReasonCode}, 1)
			return state.TaskRecord{}, errcode.New(errcode.PolicyDenied, "%s", decision.Message)
		}
	}
	id, err := tx.NextTaskID(ctx)
	if err != nil {
		return state.TaskRecord{}, err
	}
	task := state.TaskRecord{
		ID:          id,
		Requester:   sub.Requester,
		Payload:     sub.Payload,
		Budget:      sub.Budget,
		Priority:    sub.Priority,
		Status:      state.TaskPending,
		Deadline:    sub.Deadline,
		MaxRetries:  e.opts.MaxRetries,
		Reward:      math.ZeroInt(),
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if err := tx.PutTask(ctx, task); err != nil {
		return state.TaskRecord{}, err
	}
	observability.Default.IncCounter("scheduler_tasks_submitted_total", map[string]string{"task_type": sub.Payload.TaskType}, 1)
	return task, nil
}

func (e *Engine) validate(sub Submission, now time.Time) error {
	if strings.TrimSpace(sub.Requester) == "" {
		return errcode.New(errcode.InvalidTask, "requester is required")
	}
	if sub.Budget.IsNil() || !sub.Budget.IsPositive() {
		return errcode.New(errcode.InvalidTask, "budget must be greater than zero")
	}
	if !sub.Deadline.After(now) {
		return errcode.New(errcode.InvalidTask, "deadline must be in the future")
	}
	if sub.Priority < e.opts.MinPriority || sub.Priority > e.opts.MaxPriority {
		return errcode.New(errcode.InvalidTask, "priority must be within %d..%d", e.opts.MinPriority, e.opts.MaxPriority)
	}
	if _, ok := e.opts.TaskTimeouts[sub.Payload.TaskType]; !ok {
		return errcode.New(errcode.InvalidTask, "unsupported task type %q", sub.Payload.TaskType)
	}
	if len(sub.Payload.Description) > MaxDescriptionLen {
		return errcode.New(errcode.InvalidTask, "description exceeds %d characters", MaxDescriptionLen)
	}
	if len(sub.Payload.ModelRef) > MaxRefLen || len(sub.Payload.InputRef) > MaxRefLen {
		return errcode.New(errcode.InvalidTask, "model and input references must not exceed %d characters", MaxRefLen)
	}
	return nil
}

// Timeout is the execution allowance for a task type.
func (e *Engine) Timeout(taskType string, params state.Params) time.Duration {
	if d := e.opts.TaskTimeouts[taskType]; d > 0 {
		return d
	}
	return params.TaskTimeout
}

// ExecutionDeadline is recomputed on every (re)assignment from the task type
// timeout. The requester deadline only bounds how long a task may wait for
// its first assignment.
func (e *Engine) ExecutionDeadline(task state.TaskRecord, params state.Params, now time.Time) time.Time {
	return now.Add(e.Timeout(task.Payload.TaskType, params))
}

// AssignPending hands waiting tasks to eligible nodes, highest priority first
// and oldest first within a priority.
func (e *Engine) AssignPending(ctx context.Context, tx state.Tx, params state.Params, now time.Time) ([]Assignment, error) {
	waiting, err := tx.ListTasks(ctx, state.TaskFilter{Statuses: []state.TaskStatus{state.TaskPending, state.TaskReassignable}})
	if err != nil {
		return nil, err
	}
	if len(waiting) == 0 {
		return nil, nil
	}
	sort.SliceStable(waiting, func(i, j int) bool {
		if waiting[i].Priority != waiting[j].Priority {
			return waiting[i].Priority > waiting[j].Priority
		}
		return waiting[i].ID < waiting[j].ID
	})
	nodes, err := tx.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	crit := Criteria{
		Now:             now,
		HeartbeatGrace:  e.opts.HeartbeatGrace,
		MaxTasksPerNode: params.MaxTasksPerNode,
		MinReputation:   e.registry.Reputation().Threshold,
	}

	var out []Assignment
	for _, task := range waiting {
		if !task.Deadline.After(now) {
			continue
		}
		candidates := make([]state.NodeRecord, 0, len(nodes))
		for _, n := range nodes {
			if !Eligible(task, n, crit) {
				continue
			}
			if !e.policy.IsNoop() {
				d := e.policy.EvaluateAssignment(policy.AssignmentInput{
					Requester:   task.Requester,
					TaskType:    task.Payload.TaskType,
					Model:       task.Payload.ModelRef,
					Priority:    task.Priority,
					Node:        n.ID,
					NodeClasses: n.Capability.ComputeClasses,
				})
				if !d.Allowed {
					continue
				}
			}
			candidates = append(candidates, n)
		}
		chosen, ok := SelectNode(task, candidates)
		if !ok {
			continue
		}
		task.Status = state.TaskAssigned
		task.Assignee = chosen.ID
		task.AssignedAt = now
		task.ExecutionDeadline = e.ExecutionDeadline(task, params, now)
		task.UpdatedAt = now
		if err := tx.PutTask(ctx, task); err != nil {
			return nil, err
		}
		chosen.AssignedTasks++
		chosen.UpdatedAt = now
		if err := tx.PutNode(ctx, chosen); err != nil {
			return nil, err
		}
		for i := range nodes {
			if nodes[i].ID == chosen.ID {
				nodes[i] = chosen
				break
			}
		}
		out = append(out, Assignment{TaskID: task.ID, NodeID: chosen.ID, Requester: task.Requester, ExecutionDeadline: task.ExecutionDeadline})
		observability.Default.IncCounter("scheduler_assignments_total", map[string]string{"task_type": task.Payload.TaskType}, 1)
	}
	return out, nil
}

// Acknowledge moves an Assigned task to Executing. Acknowledging a task that
// is already Executing is a no-op.
func (e *Engine) Acknowledge(ctx context.Context, tx state.Tx, nodeID string, taskID uint64, now time.Time) (state.TaskRecord, error) {
	task, err := GetTask(ctx, tx, taskID)
	if err != nil {
		return state.TaskRecord{}, err
	}
	if task.Assignee != nodeID {
		return state.TaskRecord{}, errcode.New(errcode.NotAssignee, "task %d is not assigned to %s", taskID, nodeID)
	}
	if !task.Status.Held() {
		return state.TaskRecord{}, errcode.New(errcode.TaskNotExecuting, "task %d is %s", taskID, task.Status)
	}
	if task.Status == state.TaskExecuting {
		return task, nil
	}
	task.Status = state.TaskExecuting
	task.StartedAt = now
	task.UpdatedAt = now
	if err := tx.PutTask(ctx, task); err != nil {
		return state.TaskRecord{}, err
	}
	return task, nil
}

// Cancel withdraws a task that has not started executing. The assignee, if
// any, is freed without penalty.
func (e *Engine) Cancel(ctx context.Context, tx state.Tx, requester string, taskID uint64, now time.Time) (state.TaskRecord, string, error) {
	task, err := GetTask(ctx, tx, taskID)
	if err != nil {
		return state.TaskRecord{}, "", err
	}
	if task.Requester != requester {
		return state.TaskRecord{}, "", errcode.New(errcode.NotRequester, "task %d belongs to another requester", taskID)
	}
	switch task.Status {
	case state.TaskPending, state.TaskAssigned, state.TaskReassignable:
	default:
		return state.TaskRecord{}, "", errcode.New(errcode.NotCancellable, "task %d is %s", taskID, task.Status)
	}
	freed := ""
	if task.Status == state.TaskAssigned {
		freed = task.Assignee
		if _, err := e.registry.Release(ctx, tx, freed, now); err != nil {
			return state.TaskRecord{}, "", err
		}
	}
	task.Status = state.TaskCancelled
	task.Assignee = ""
	task.CompletedAt = now
	task.UpdatedAt = now
	if err := tx.PutTask(ctx, task); err != nil {
		return state.TaskRecord{}, "", err
	}
	if err := tx.AppendAudit(ctx, state.AuditEventRecord{
		Action:    "task_cancelled",
		Actor:     requester,
		Resource:  fmt.Sprintf("task/%d", taskID),
		Result:    "cancelled",
		Details:   "freed_node=" + freed,
		CreatedAt: now,
	}); err != nil {
		return state.TaskRecord{}, "", err
	}
	observability.Default.IncCounter("scheduler_tasks_cancelled_total", nil, 1)
	return task, freed, nil
}

// GetTask returns the task or UnknownTask.
func GetTask(ctx context.Context, tx state.Tx, taskID uint64) (state.TaskRecord, error) {
	task, ok, err := tx.GetTask(ctx, taskID)
	if err != nil {
		return state.TaskRecord{}, err
	}
	if !ok {
		return state.TaskRecord{}, errcode.New(errcode.UnknownTask, "task %d does not exist", taskID)
	}
	return task, nil
}
