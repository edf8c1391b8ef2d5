package coordinator

import (
	"context"
	"time"

	"cosmossdk.io/math"

	"github.com/salazarsebas/iasppt/internal/errcode"
	"github.com/salazarsebas/iasppt/internal/scheduler"
	"github.com/salazarsebas/iasppt/internal/settlement"
	"github.com/salazarsebas/iasppt/internal/state"
)

// Queries read a consistent snapshot and never run the sweep.

type NodeView struct {
	Node  state.NodeRecord
	Stake state.StakeAccount
}

type Stats struct {
	ActiveNodes       int
	TotalNodes        int
	PendingTasks      int
	CompletedTasks    int
	TotalTasks        int
	AverageCompletion time.Duration
	TotalStaked       math.Int
	TotalRewards      math.Int
}

func (c *Coordinator) view(ctx context.Context, fn func(tx state.Tx) error) error {
	return c.store.View(ctx, fn)
}

func (c *Coordinator) GetTaskResult(ctx context.Context, taskID uint64) (settlement.ResultView, error) {
	task, err := c.GetTask(ctx, taskID)
	if err != nil {
		return settlement.ResultView{}, err
	}
	return settlement.ResultOf(task), nil
}

func (c *Coordinator) GetTask(ctx context.Context, taskID uint64) (state.TaskRecord, error) {
	var task state.TaskRecord
	err := c.view(ctx, func(tx state.Tx) error {
		var err error
		task, err = scheduler.GetTask(ctx, tx, taskID)
		return err
	})
	return task, err
}

func (c *Coordinator) ListTasks(ctx context.Context, filter state.TaskFilter) ([]state.TaskRecord, error) {
	var tasks []state.TaskRecord
	err := c.view(ctx, func(tx state.Tx) error {
		var err error
		tasks, err = tx.ListTasks(ctx, filter)
		return err
	})
	return tasks, err
}

func (c *Coordinator) GetNode(ctx context.Context, nodeID string) (NodeView, error) {
	var v NodeView
	err := c.view(ctx, func(tx state.Tx) error {
		node, ok, err := tx.GetNode(ctx, nodeID)
		if err != nil {
			return err
		}
		if !ok {
			return errcode.New(errcode.UnknownNode, "node %s is not registered", nodeID)
		}
		acct, err := c.ledger.Account(ctx, tx, nodeID)
		if err != nil {
			return err
		}
		v = NodeView{Node: node, Stake: acct}
		return nil
	})
	return v, err
}

func (c *Coordinator) ListActiveNodes(ctx context.Context) ([]NodeView, error) {
	var out []NodeView
	err := c.view(ctx, func(tx state.Tx) error {
		nodes, err := tx.ListNodes(ctx)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if n.Status != state.NodeActive {
				continue
			}
			acct, err := c.ledger.Account(ctx, tx, n.ID)
			if err != nil {
				return err
			}
			out = append(out, NodeView{Node: n, Stake: acct})
		}
		return nil
	})
	return out, err
}

func (c *Coordinator) ListRewards(ctx context.Context, nodeID string) ([]state.RewardEntry, error) {
	var out []state.RewardEntry
	err := c.view(ctx, func(tx state.Tx) error {
		var err error
		out, err = tx.ListRewards(ctx, nodeID)
		return err
	})
	return out, err
}

func (c *Coordinator) GetNetworkStats(ctx context.Context) (Stats, error) {
	st := Stats{TotalStaked: math.ZeroInt(), TotalRewards: math.ZeroInt()}
	err := c.view(ctx, func(tx state.Tx) error {
		nodes, err := tx.ListNodes(ctx)
		if err != nil {
			return err
		}
		st.TotalNodes = len(nodes)
		for _, n := range nodes {
			if n.Status == state.NodeActive {
				st.ActiveNodes++
			}
			if !n.TotalEarned.IsNil() {
				st.TotalRewards = st.TotalRewards.Add(n.TotalEarned)
			}
			acct, err := c.ledger.Account(ctx, tx, n.ID)
			if err != nil {
				return err
			}
			st.TotalStaked = st.TotalStaked.Add(acct.Locked)
		}
		tasks, err := tx.ListTasks(ctx, state.TaskFilter{})
		if err != nil {
			return err
		}
		st.TotalTasks = len(tasks)
		var elapsed time.Duration
		for _, t := range tasks {
			switch {
			case t.Status.Waiting():
				st.PendingTasks++
			case t.Status == state.TaskCompleted:
				st.CompletedTasks++
				elapsed += t.CompletedAt.Sub(t.SubmittedAt)
			}
		}
		if st.CompletedTasks > 0 {
			st.AverageCompletion = elapsed / time.Duration(st.CompletedTasks)
		}
		return nil
	})
	return st, err
}

func (c *Coordinator) Params(ctx context.Context) (state.Params, error) {
	var p state.Params
	err := c.view(ctx, func(tx state.Tx) error {
		var err error
		p, err = c.currentParams(ctx, tx)
		return err
	})
	return p, err
}

func (c *Coordinator) AuditEvents(ctx context.Context, q state.AuditQuery) ([]state.AuditEventRecord, error) {
	return c.store.ListAuditEvents(ctx, q)
}
