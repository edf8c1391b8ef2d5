// Package coordinator is the call surface of the coordination core. Every
// entry point runs under one lock, applies its operation in one store
// transaction and then runs the liveness sweep in a second one, so calls
// observe a strict total order and a rejected call leaves no trace.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel/codes"

	"github.com/salazarsebas/iasppt/internal/errcode"
	"github.com/salazarsebas/iasppt/internal/ledger"
	"github.com/salazarsebas/iasppt/internal/observability"
	"github.com/salazarsebas/iasppt/internal/registry"
	"github.com/salazarsebas/iasppt/internal/scheduler"
	"github.com/salazarsebas/iasppt/internal/settlement"
	"github.com/salazarsebas/iasppt/internal/state"
	"github.com/salazarsebas/iasppt/internal/supervisor"
)

// Call identifies who is calling and the timestamp all time comparisons of
// the call are made against. A zero At is stamped with the wall clock.
type Call struct {
	Caller string
	At     time.Time
}

type Deps struct {
	Store    state.Store
	Outbox   state.Outbox
	Ledger   *ledger.Ledger
	Registry *registry.Registry
	Engine   *scheduler.Engine
	Settler  *settlement.Settler
	Logger   hclog.Logger
}

type Options struct {
	Owner string
	// Defaults seed the persisted parameters the first time the store is used.
	Defaults state.Params
	Clock    func() time.Time
}

type Coordinator struct {
	mu         sync.Mutex
	store      state.Store
	outbox     state.Outbox
	ledger     *ledger.Ledger
	registry   *registry.Registry
	engine     *scheduler.Engine
	settler    *settlement.Settler
	supervisor *supervisor.Supervisor
	logger     hclog.Logger
	owner      string
	defaults   state.Params
	clock      func() time.Time
}

func New(deps Deps, opts Options) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	outbox := deps.Outbox
	if outbox == nil {
		outbox = state.NewMemoryOutbox(0)
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Coordinator{
		store:      deps.Store,
		outbox:     outbox,
		ledger:     deps.Ledger,
		registry:   deps.Registry,
		engine:     deps.Engine,
		settler:    deps.Settler,
		supervisor: supervisor.New(deps.Ledger, deps.Registry, deps.Engine, deps.Settler),
		logger:     logger.Named("coordinator"),
		owner:      opts.Owner,
		defaults:   opts.Defaults,
		clock:      clock,
	}
}

func (c *Coordinator) Owner() string { return c.owner }

type opFunc func(ctx context.Context, tx state.Tx, params state.Params, now time.Time) ([]state.Notification, error)

// exec runs one entry point. Admin operations are allowed while paused.
func (c *Coordinator) exec(ctx context.Context, call Call, op string, admin bool, fn opFunc) error {
	return c.execThen(ctx, call, op, admin, fn, nil)
}

// execThen is exec with a read that runs after the sweep while the lock is
// still held, so the caller sees the state the sweep left behind.
func (c *Coordinator) execThen(ctx context.Context, call Call, op string, admin bool, fn opFunc, after func(ctx context.Context) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := call.At
	if now.IsZero() {
		now = c.clock()
	}
	ctx, span := observability.StartSpan(ctx, "coordinator."+op,
		observability.KeyOp.String(op),
		observability.Caller(call.Caller),
		observability.KeyAt.String(now.Format(time.RFC3339Nano)),
	)
	defer span.End()
	started := time.Now()

	var notes []state.Notification
	err := c.store.Update(ctx, func(tx state.Tx) error {
		params, err := c.loadParams(ctx, tx)
		if err != nil {
			return err
		}
		if params.Paused && !admin {
			return errcode.New(errcode.Paused, "coordination is paused")
		}
		notes, err = fn(ctx, tx, params, now)
		return err
	})
	if err != nil {
		notes = nil
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	_, swept, serr := c.sweepLocked(ctx, now)
	if serr != nil {
		c.logger.Error("liveness sweep failed", "op", op, "error", serr)
	}
	c.publish(ctx, append(notes, swept...))
	if err == nil && after != nil {
		err = after(ctx)
	}

	outcome := "ok"
	if err != nil {
		outcome = string(errcode.CodeOf(err))
		if outcome == "" {
			outcome = "internal"
		}
		c.logger.Debug("call rejected", "op", op, "caller", call.Caller, "error", err)
	}
	observability.Default.ObserveCall(op, outcome, time.Since(started))
	return err
}

func (c *Coordinator) sweepLocked(ctx context.Context, now time.Time) (supervisor.Report, []state.Notification, error) {
	var rep supervisor.Report
	err := c.store.Update(ctx, func(tx state.Tx) error {
		params, err := c.loadParams(ctx, tx)
		if err != nil {
			return err
		}
		if params.Paused {
			return nil
		}
		rep, err = c.supervisor.Sweep(ctx, tx, params, now)
		return err
	})
	if err != nil {
		return supervisor.Report{}, nil, err
	}
	notes := make([]state.Notification, 0, len(rep.Events)*2)
	for _, ev := range rep.Events {
		notes = append(notes, eventNotes(ev, now)...)
	}
	return rep, notes, nil
}

func eventNotes(ev supervisor.Event, now time.Time) []state.Notification {
	var out []state.Notification
	if ev.NodeID != "" {
		out = append(out, note(string(ev.Kind), NodeRecipient(ev.NodeID), ev.TaskID, ev.NodeID, ev.Detail, now))
	}
	if ev.Requester != "" {
		out = append(out, note(string(ev.Kind), RequesterRecipient(ev.Requester), ev.TaskID, ev.NodeID, ev.Detail, now))
	}
	return out
}

func NodeRecipient(id string) string      { return "node:" + id }
func RequesterRecipient(id string) string { return "requester:" + id }

func note(kind, recipient string, taskID uint64, nodeID, detail string, now time.Time) state.Notification {
	return state.Notification{
		ID:        uuid.NewString(),
		Kind:      kind,
		Recipient: recipient,
		TaskID:    taskID,
		NodeID:    nodeID,
		Detail:    detail,
		CreatedAt: now,
	}
}

// publish hands committed notifications to the outbox. A failure here does
// not undo the call; daemons fall back to polling their assignments.
func (c *Coordinator) publish(ctx context.Context, notes []state.Notification) {
	if len(notes) == 0 {
		return
	}
	if err := c.outbox.Publish(ctx, notes); err != nil {
		c.logger.Warn("publish notifications failed", "count", len(notes), "error", err)
		observability.Default.IncCounter("coordinator_notification_errors_total", nil, 1)
	}
}

// SeedParams persists the configured defaults unless params already exist.
func (c *Coordinator) SeedParams(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Update(ctx, func(tx state.Tx) error {
		_, err := c.loadParams(ctx, tx)
		return err
	})
}

// currentParams is loadParams for read-only transactions: it never writes.
func (c *Coordinator) currentParams(ctx context.Context, tx state.Tx) (state.Params, error) {
	p, ok, err := tx.GetParams(ctx)
	if err != nil {
		return state.Params{}, err
	}
	if !ok {
		return c.defaults, nil
	}
	return p, nil
}

func (c *Coordinator) loadParams(ctx context.Context, tx state.Tx) (state.Params, error) {
	p, ok, err := tx.GetParams(ctx)
	if err != nil {
		return state.Params{}, err
	}
	if ok {
		return p, nil
	}
	if err := tx.PutParams(ctx, c.defaults); err != nil {
		return state.Params{}, fmt.Errorf("seed params: %w", err)
	}
	return c.defaults, nil
}

type RegisterRequest struct {
	Capability state.Capability
	Endpoint   string
	PublicKey  string
	Stake      math.Int
}

// Register bonds the caller as a node.
func (c *Coordinator) Register(ctx context.Context, call Call, req RegisterRequest) (state.NodeRecord, error) {
	var node state.NodeRecord
	err := c.execThen(ctx, call, "register", false, func(ctx context.Context, tx state.Tx, params state.Params, now time.Time) ([]state.Notification, error) {
		var err error
		node, err = c.registry.Register(ctx, tx, registry.Registration{
			NodeID:     call.Caller,
			Capability: req.Capability,
			Endpoint:   req.Endpoint,
			PublicKey:  req.PublicKey,
			Stake:      req.Stake,
		}, params, now)
		return nil, err
	}, c.reloadNode(&node))
	if err != nil {
		return state.NodeRecord{}, err
	}
	return node, nil
}

func (c *Coordinator) Heartbeat(ctx context.Context, call Call) (state.NodeRecord, error) {
	var node state.NodeRecord
	err := c.execThen(ctx, call, "heartbeat", false, func(ctx context.Context, tx state.Tx, _ state.Params, now time.Time) ([]state.Notification, error) {
		var err error
		node, err = c.registry.Heartbeat(ctx, tx, call.Caller, now)
		return nil, err
	}, c.reloadNode(&node))
	if err != nil {
		return state.NodeRecord{}, err
	}
	return node, nil
}

func (c *Coordinator) Deactivate(ctx context.Context, call Call) (state.NodeRecord, error) {
	var node state.NodeRecord
	err := c.exec(ctx, call, "deactivate", false, func(ctx context.Context, tx state.Tx, _ state.Params, now time.Time) ([]state.Notification, error) {
		var err error
		node, err = c.registry.Deactivate(ctx, tx, call.Caller, now)
		return nil, err
	})
	return node, err
}

func (c *Coordinator) Deposit(ctx context.Context, call Call, amount math.Int) (state.StakeAccount, error) {
	var acct state.StakeAccount
	err := c.exec(ctx, call, "deposit", false, func(ctx context.Context, tx state.Tx, _ state.Params, now time.Time) ([]state.Notification, error) {
		var err error
		acct, err = c.registry.Deposit(ctx, tx, call.Caller, amount, now)
		return nil, err
	})
	return acct, err
}

func (c *Coordinator) Withdraw(ctx context.Context, call Call, amount math.Int) (state.StakeAccount, error) {
	var acct state.StakeAccount
	err := c.exec(ctx, call, "withdraw", false, func(ctx context.Context, tx state.Tx, params state.Params, now time.Time) ([]state.Notification, error) {
		var err error
		acct, err = c.registry.Withdraw(ctx, tx, call.Caller, amount, params, now)
		return nil, err
	})
	return acct, err
}

type TaskRequest struct {
	Payload  state.Payload
	Budget   math.Int
	Priority int
	Deadline time.Time
}

// SubmitTask stores a task for the caller and returns it as it stands after
// the assignment pass that follows.
func (c *Coordinator) SubmitTask(ctx context.Context, call Call, req TaskRequest) (state.TaskRecord, error) {
	var task state.TaskRecord
	err := c.execThen(ctx, call, "submit_task", false, func(ctx context.Context, tx state.Tx, _ state.Params, now time.Time) ([]state.Notification, error) {
		var err error
		task, err = c.engine.Submit(ctx, tx, scheduler.Submission{
			Requester: call.Caller,
			Payload:   req.Payload,
			Budget:    req.Budget,
			Priority:  req.Priority,
			Deadline:  req.Deadline,
		}, now)
		return nil, err
	}, func(ctx context.Context) error {
		var err error
		task, err = c.GetTask(ctx, task.ID)
		return err
	})
	if err != nil {
		return state.TaskRecord{}, err
	}
	return task, nil
}

func (c *Coordinator) CancelTask(ctx context.Context, call Call, taskID uint64) (state.TaskRecord, error) {
	var task state.TaskRecord
	err := c.exec(ctx, call, "cancel_task", false, func(ctx context.Context, tx state.Tx, _ state.Params, now time.Time) ([]state.Notification, error) {
		var (
			freed string
			err   error
		)
		task, freed, err = c.engine.Cancel(ctx, tx, call.Caller, taskID, now)
		if err != nil || freed == "" {
			return nil, err
		}
		return []state.Notification{note("task_cancelled", NodeRecipient(freed), taskID, freed, "cancelled by requester", now)}, nil
	})
	return task, err
}

func (c *Coordinator) AcknowledgeTask(ctx context.Context, call Call, taskID uint64) (state.TaskRecord, error) {
	var task state.TaskRecord
	err := c.exec(ctx, call, "acknowledge_task", false, func(ctx context.Context, tx state.Tx, _ state.Params, now time.Time) ([]state.Notification, error) {
		var err error
		task, err = c.engine.Acknowledge(ctx, tx, call.Caller, taskID, now)
		return nil, err
	})
	return task, err
}

type ResultRequest struct {
	TaskID    uint64
	Proof     string
	OutputRef string
}

// SubmitResult settles the caller's result. A rejected verification is a
// successful call with Outcome.Accepted false.
func (c *Coordinator) SubmitResult(ctx context.Context, call Call, req ResultRequest) (settlement.Outcome, error) {
	var out settlement.Outcome
	err := c.exec(ctx, call, "submit_result", false, func(ctx context.Context, tx state.Tx, _ state.Params, now time.Time) ([]state.Notification, error) {
		var err error
		out, err = c.settler.SubmitResult(ctx, tx, settlement.Submission{
			NodeID:    call.Caller,
			TaskID:    req.TaskID,
			Proof:     req.Proof,
			OutputRef: req.OutputRef,
		}, now)
		if err != nil {
			return nil, err
		}
		kind, detail := "task_completed", "reward="+out.Reward.String()
		if !out.Accepted {
			kind, detail = "task_failed", out.Reason
		}
		return []state.Notification{note(kind, RequesterRecipient(out.Task.Requester), req.TaskID, call.Caller, detail, now)}, nil
	})
	return out, err
}

// Sweep runs the liveness pass on its own. Anyone may trigger it.
func (c *Coordinator) Sweep(ctx context.Context, call Call) (supervisor.Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := call.At
	if now.IsZero() {
		now = c.clock()
	}
	ctx, span := observability.StartSpan(ctx, "coordinator.sweep", observability.KeyOp.String("sweep"), observability.Caller(call.Caller))
	defer span.End()
	started := time.Now()

	var paused bool
	if err := c.store.View(ctx, func(tx state.Tx) error {
		p, err := c.currentParams(ctx, tx)
		paused = p.Paused
		return err
	}); err != nil {
		return supervisor.Report{}, err
	}
	if paused {
		return supervisor.Report{}, errcode.New(errcode.Paused, "coordination is paused")
	}
	rep, notes, err := c.sweepLocked(ctx, now)
	if err != nil {
		span.RecordError(err)
		return supervisor.Report{}, err
	}
	c.publish(ctx, notes)
	observability.Default.ObserveCall("sweep", "ok", time.Since(started))
	return rep, nil
}

// Notifications drains up to max pending notifications for recipient.
func (c *Coordinator) Notifications(ctx context.Context, recipient string, max int) ([]state.Notification, error) {
	return c.outbox.Drain(ctx, recipient, max)
}

// reloadNode replaces node with the record the sweep after the call left.
func (c *Coordinator) reloadNode(node *state.NodeRecord) func(context.Context) error {
	return func(ctx context.Context) error {
		if view, err := c.GetNode(ctx, node.ID); err == nil {
			*node = view.Node
		}
		return nil
	}
}
