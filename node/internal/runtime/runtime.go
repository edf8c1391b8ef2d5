// Package runtime drives the node: it polls its assignments, runs them and
// submits results with a proof.
package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/salazarsebas/iasppt/internal/observability"
	"github.com/salazarsebas/iasppt/node/internal/config"
	"github.com/salazarsebas/iasppt/node/internal/executor"
	"github.com/salazarsebas/iasppt/node/internal/heartbeat"
	"github.com/salazarsebas/iasppt/node/internal/prover"
	"github.com/salazarsebas/iasppt/pkg/coordapi"
)

// Coordinator is the subset of the node service the runtime calls.
type Coordinator interface {
	ListAssigned(ctx context.Context, nodeID string) ([]coordapi.Task, error)
	Acknowledge(ctx context.Context, nodeID string, taskID uint64) (coordapi.Task, error)
	SubmitResult(ctx context.Context, in coordapi.ResultSubmission) (coordapi.SubmitResultResponse, error)
	Notifications(ctx context.Context, nodeID string, max int) ([]coordapi.Notification, error)
}

type Runner interface {
	Run(ctx context.Context, t executor.Task) (string, error)
}

type Runtime struct {
	cfg    config.Config
	coord  Coordinator
	runner Runner
	prover prover.Prover
	hb     *heartbeat.Loop
	logger hclog.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	running map[uint64]context.CancelFunc
	// tried holds tasks this process already ran or gave up on. They stay
	// out of the poll until the coordinator stops listing them.
	tried map[uint64]bool
}

func New(cfg config.Config, coord Coordinator, runner Runner, p prover.Prover, hb *heartbeat.Loop, logger hclog.Logger) *Runtime {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	parallel := cfg.MaxParallelTasks
	if parallel < 1 {
		parallel = 1
	}
	return &Runtime{
		cfg:     cfg,
		coord:   coord,
		runner:  runner,
		prover:  p,
		hb:      hb,
		logger:  logger.Named("runtime"),
		sem:     make(chan struct{}, parallel),
		running: map[uint64]context.CancelFunc{},
		tried:   map[uint64]bool{},
	}
}

// Run polls until ctx ends, then waits for in-flight tasks.
func (r *Runtime) Run(ctx context.Context) error {
	if r.hb != nil {
		if err := r.hb.Start(ctx); err != nil {
			return err
		}
		defer r.hb.Stop()
	}
	interval := r.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return nil
		case <-t.C:
			if err := r.Poll(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("poll failed", "error", err)
			}
		}
	}
}

// Poll handles pending notifications and starts any new assignment that
// fits under the parallelism limit.
func (r *Runtime) Poll(ctx context.Context) error {
	if err := r.drainNotifications(ctx); err != nil {
		r.logger.Debug("notifications unavailable", "error", err)
	}
	tasks, err := r.coord.ListAssigned(ctx, r.cfg.NodeID)
	if err != nil {
		return err
	}
	listed := make(map[uint64]bool, len(tasks))
	for _, t := range tasks {
		listed[t.TaskID] = true
	}

	r.mu.Lock()
	for id := range r.tried {
		if !listed[id] {
			delete(r.tried, id)
		}
	}
	r.mu.Unlock()

	observability.Default.SetGauge("node_assigned_tasks", map[string]string{"node": r.cfg.NodeID}, float64(len(tasks)))
	for _, t := range tasks {
		if !r.claim(t.TaskID) {
			continue
		}
		select {
		case r.sem <- struct{}{}:
		default:
			r.release(t.TaskID, false)
			return nil
		}
		taskCtx, cancel := context.WithCancel(ctx)
		r.mu.Lock()
		r.running[t.TaskID] = cancel
		r.mu.Unlock()
		r.wg.Add(1)
		go func(t coordapi.Task) {
			defer r.wg.Done()
			defer func() { <-r.sem }()
			defer cancel()
			r.execute(taskCtx, t)
		}(t)
	}
	return nil
}

// Wait blocks until every started task has finished.
func (r *Runtime) Wait() { r.wg.Wait() }

func (r *Runtime) claim(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tried[id] {
		return false
	}
	if _, ok := r.running[id]; ok {
		return false
	}
	r.tried[id] = true
	return true
}

func (r *Runtime) release(id uint64, done bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, id)
	if !done {
		delete(r.tried, id)
	}
}

func (r *Runtime) execute(ctx context.Context, t coordapi.Task) {
	defer r.release(t.TaskID, true)
	log := r.logger.With("task", t.TaskID, "type", t.TaskType)

	if t.Status == "Assigned" {
		if _, err := r.coord.Acknowledge(ctx, r.cfg.NodeID, t.TaskID); err != nil {
			log.Warn("acknowledge failed", "error", err)
			r.count("ack_failed")
			return
		}
	}
	ctx, span := observability.StartSpan(ctx, "node.execute",
		observability.NodeID(r.cfg.NodeID),
		observability.TaskID(t.TaskID),
		observability.TaskType(t.TaskType),
	)
	defer span.End()
	started := time.Now()
	outputRef, err := r.runner.Run(ctx, executor.Task{
		ID:            t.TaskID,
		Type:          t.TaskType,
		RequiredClass: t.RequiredClass,
		ModelRef:      t.ModelRef,
		InputRef:      t.InputRef,
		Description:   t.Description,
	})
	if ctx.Err() != nil {
		log.Info("task withdrawn while running")
		r.count("withdrawn")
		return
	}
	if err != nil {
		// There is no failure report; the coordinator requeues on timeout.
		log.Error("execution failed, leaving task to time out", "error", err)
		r.count("execution_failed")
		return
	}
	res, err := r.coord.SubmitResult(ctx, coordapi.ResultSubmission{
		NodeID:    r.cfg.NodeID,
		TaskID:    t.TaskID,
		OutputRef: outputRef,
		Proof:     r.prover.Prove(t.TaskID, r.cfg.NodeID, outputRef),
	})
	if err != nil {
		log.Error("submit result failed", "error", err)
		r.count("submit_failed")
		return
	}
	if !res.Accepted {
		log.Warn("result rejected", "reason", res.Reason, "slashed", res.Slashed)
		r.count("rejected")
		return
	}
	log.Info("result accepted", "reward", res.Reward, "duration", time.Since(started))
	r.count("accepted")
}

// drainNotifications cancels local work the coordinator has taken away.
func (r *Runtime) drainNotifications(ctx context.Context) error {
	notes, err := r.coord.Notifications(ctx, r.cfg.NodeID, 100)
	if err != nil {
		return err
	}
	for _, n := range notes {
		switch n.Kind {
		case "task_cancelled", "task_requeued", "task_failed":
			r.mu.Lock()
			cancel, ok := r.running[n.TaskID]
			r.mu.Unlock()
			if ok {
				r.logger.Info("stopping task", "task", n.TaskID, "reason", n.Kind)
				cancel()
			}
		case "node_suspended":
			r.logger.Warn("node suspended by coordinator", "detail", n.Detail)
		}
	}
	return nil
}

func (r *Runtime) count(outcome string) {
	observability.Default.IncCounter("node_tasks_total", map[string]string{"outcome": outcome}, 1)
}
