// Package registry tracks node membership, liveness timestamps and
// reputation. Collateral lives in the ledger; the registry decides which floor
// applies to it.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cosmossdk.io/math"

	"github.com/salazarsebas/iasppt/internal/errcode"
	"github.com/salazarsebas/iasppt/internal/ledger"
	"github.com/salazarsebas/iasppt/internal/observability"
	"github.com/salazarsebas/iasppt/internal/state"
)

const (
	MaxEndpointLen = 200
	MaxSpecsLen    = 500
)

type Options struct {
	RequireUniqueEndpoint bool
	Reputation            Reputation
}

type Registry struct {
	ledger *ledger.Ledger
	opts   Options
}

func New(l *ledger.Ledger, opts Options) *Registry {
	if opts.Reputation == (Reputation{}) {
		opts.Reputation = DefaultReputation()
	}
	return &Registry{ledger: l, opts: opts}
}

func (r *Registry) Reputation() Reputation { return r.opts.Reputation }

type Registration struct {
	NodeID     string
	Capability state.Capability
	Endpoint   string
	PublicKey  string
	Stake      math.Int
}

// Register admits a node as Active and locks its stake. A Deactivated node may
// register again and keeps its reputation and counters.
func (r *Registry) Register(ctx context.Context, tx state.Tx, reg Registration, params state.Params, now time.Time) (state.NodeRecord, error) {
	if reg.Stake.IsNil() || reg.Stake.LT(params.MinStake) {
		return state.NodeRecord{}, errcode.New(errcode.InsufficientStake,
			"stake must be at least %s", params.MinStake)
	}
	existing, found, err := tx.GetNode(ctx, reg.NodeID)
	if err != nil {
		return state.NodeRecord{}, err
	}
	if found && existing.Status != state.NodeDeactivated {
		return state.NodeRecord{}, errcode.New(errcode.DuplicateNode, "node %s is already registered", reg.NodeID)
	}
	if err := validate(reg); err != nil {
		return state.NodeRecord{}, err
	}
	if r.opts.RequireUniqueEndpoint {
		nodes, err := tx.ListNodes(ctx)
		if err != nil {
			return state.NodeRecord{}, err
		}
		for _, n := range nodes {
			if n.ID != reg.NodeID && n.Status != state.NodeDeactivated && n.Endpoint == reg.Endpoint {
				return state.NodeRecord{}, errcode.New(errcode.DuplicateEndpoint,
					"endpoint %s is already used by node %s", reg.Endpoint, n.ID)
			}
		}
	}

	node := state.NodeRecord{
		ID:          reg.NodeID,
		Reputation:  r.opts.Reputation.Baseline,
		TotalEarned: math.ZeroInt(),
	}
	if found {
		node = existing
	}
	node.Capability = reg.Capability
	node.Endpoint = reg.Endpoint
	node.PublicKey = reg.PublicKey
	node.Status = state.NodeActive
	node.SuspendReason = ""
	node.LastHeartbeat = now
	node.RegisteredAt = now
	node.ActiveSince = now
	node.AssignedTasks = 0
	node.UpdatedAt = now
	if err := tx.PutNode(ctx, node); err != nil {
		return state.NodeRecord{}, err
	}
	if _, err := r.ledger.Deposit(ctx, tx, reg.NodeID, reg.Stake, now); err != nil {
		return state.NodeRecord{}, err
	}
	if err := tx.AppendAudit(ctx, state.AuditEventRecord{
		Action:    "node_registered",
		Actor:     reg.NodeID,
		Resource:  "node/" + reg.NodeID,
		Result:    "active",
		Details:   fmt.Sprintf("endpoint=%s classes=%s reregistered=%t", reg.Endpoint, strings.Join(reg.Capability.ComputeClasses, "|"), found),
		CreatedAt: now,
	}); err != nil {
		return state.NodeRecord{}, err
	}
	observability.Default.IncCounter("nodes_registered_total", nil, 1)
	return node, nil
}

func validate(reg Registration) error {
	if strings.TrimSpace(reg.NodeID) == "" {
		return errcode.New(errcode.InvalidNode, "node id is required")
	}
	if strings.TrimSpace(reg.Endpoint) == "" {
		return errcode.New(errcode.InvalidNode, "endpoint is required")
	}
	if len(reg.Endpoint) > MaxEndpointLen {
		return errcode.New(errcode.InvalidNode, "endpoint exceeds %d characters", MaxEndpointLen)
	}
	if len(reg.Capability.GPUSpecs) > MaxSpecsLen || len(reg.Capability.CPUSpecs) > MaxSpecsLen {
		return errcode.New(errcode.InvalidNode, "hardware specs exceed %d characters", MaxSpecsLen)
	}
	if len(reg.Capability.ComputeClasses) == 0 {
		return errcode.New(errcode.InvalidNode, "at least one compute class is required")
	}
	for _, c := range reg.Capability.ComputeClasses {
		if strings.TrimSpace(c) == "" {
			return errcode.New(errcode.InvalidNode, "compute class names must not be empty")
		}
	}
	if reg.Capability.MaxConcurrentTasks < 0 {
		return errcode.New(errcode.InvalidNode, "max concurrent tasks must not be negative")
	}
	return nil
}

// Get returns the node or UnknownNode.
func (r *Registry) Get(ctx context.Context, tx state.Tx, nodeID string) (state.NodeRecord, error) {
	node, ok, err := tx.GetNode(ctx, nodeID)
	if err != nil {
		return state.NodeRecord{}, err
	}
	if !ok {
		return state.NodeRecord{}, errcode.New(errcode.UnknownNode, "node %s is not registered", nodeID)
	}
	return node, nil
}

// Heartbeat records liveness. Repeating it with the same timestamp leaves the
// record unchanged.
func (r *Registry) Heartbeat(ctx context.Context, tx state.Tx, nodeID string, now time.Time) (state.NodeRecord, error) {
	node, err := r.Get(ctx, tx, nodeID)
	if err != nil {
		return state.NodeRecord{}, err
	}
	switch node.Status {
	case state.NodeSuspended:
		return state.NodeRecord{}, errcode.New(errcode.NodeSuspended, "node %s is suspended: %s", nodeID, node.SuspendReason)
	case state.NodeDeactivated:
		return state.NodeRecord{}, errcode.New(errcode.NodeInactive, "node %s is deactivated", nodeID)
	}
	if now.After(node.LastHeartbeat) {
		node.LastHeartbeat = now
		node.UpdatedAt = now
	}
	if err := tx.PutNode(ctx, node); err != nil {
		return state.NodeRecord{}, err
	}
	return node, nil
}

func (r *Registry) Deactivate(ctx context.Context, tx state.Tx, nodeID string, now time.Time) (state.NodeRecord, error) {
	node, err := r.Get(ctx, tx, nodeID)
	if err != nil {
		return state.NodeRecord{}, err
	}
	if node.Status == state.NodeDeactivated {
		return state.NodeRecord{}, errcode.New(errcode.NodeInactive, "node %s is already deactivated", nodeID)
	}
	if node.AssignedTasks > 0 {
		return state.NodeRecord{}, errcode.New(errcode.PendingTasks, "node %s still holds %d tasks", nodeID, node.AssignedTasks)
	}
	node.Status = state.NodeDeactivated
	node.UpdatedAt = now
	if err := tx.PutNode(ctx, node); err != nil {
		return state.NodeRecord{}, err
	}
	if _, err := r.ledger.Unlock(ctx, tx, nodeID, now); err != nil {
		return state.NodeRecord{}, err
	}
	if err := tx.AppendAudit(ctx, state.AuditEventRecord{
		Action:    "node_deactivated",
		Actor:     nodeID,
		Resource:  "node/" + nodeID,
		Result:    "deactivated",
		CreatedAt: now,
	}); err != nil {
		return state.NodeRecord{}, err
	}
	return node, nil
}

// Suspend takes an Active node out of assignment.
func (r *Registry) Suspend(ctx context.Context, tx state.Tx, node state.NodeRecord, reason string, now time.Time) (state.NodeRecord, error) {
	node.Status = state.NodeSuspended
	node.SuspendReason = reason
	node.UpdatedAt = now
	if err := tx.PutNode(ctx, node); err != nil {
		return state.NodeRecord{}, err
	}
	if err := tx.AppendAudit(ctx, state.AuditEventRecord{
		Action:    "node_suspended",
		Actor:     "supervisor",
		Resource:  "node/" + node.ID,
		Result:    "suspended",
		Details:   "reason=" + reason,
		CreatedAt: now,
	}); err != nil {
		return state.NodeRecord{}, err
	}
	observability.Default.IncCounter("nodes_suspended_total", map[string]string{"reason": reason}, 1)
	return node, nil
}

// WithdrawFloor is the locked stake a node must keep: MinStake while bonded,
// nothing once Deactivated.
func WithdrawFloor(node state.NodeRecord, params state.Params) math.Int {
	if node.Status == state.NodeDeactivated {
		return math.ZeroInt()
	}
	return params.MinStake
}

func (r *Registry) Deposit(ctx context.Context, tx state.Tx, nodeID string, amount math.Int, now time.Time) (state.StakeAccount, error) {
	if _, err := r.Get(ctx, tx, nodeID); err != nil {
		return state.StakeAccount{}, err
	}
	return r.ledger.Deposit(ctx, tx, nodeID, amount, now)
}

func (r *Registry) Withdraw(ctx context.Context, tx state.Tx, nodeID string, amount math.Int, params state.Params, now time.Time) (state.StakeAccount, error) {
	node, err := r.Get(ctx, tx, nodeID)
	if err != nil {
		return state.StakeAccount{}, err
	}
	return r.ledger.Withdraw(ctx, tx, nodeID, amount, WithdrawFloor(node, params), now)
}

// Reward applies the completion gain.
func (r *Registry) Reward(node *state.NodeRecord) {
	node.Reputation = r.opts.Reputation.Gain(node.Reputation)
}

// Penalize applies the failure, timeout or slashing loss.
func (r *Registry) Penalize(node *state.NodeRecord) {
	node.Reputation = r.opts.Reputation.Lose(node.Reputation)
}

// Release frees one task slot on the node. Releasing a node that holds no
// tasks is a no-op.
func (r *Registry) Release(ctx context.Context, tx state.Tx, nodeID string, now time.Time) (state.NodeRecord, error) {
	node, err := r.Get(ctx, tx, nodeID)
	if err != nil {
		return state.NodeRecord{}, err
	}
	if node.AssignedTasks == 0 {
		return node, nil
	}
	node.AssignedTasks--
	node.UpdatedAt = now
	if err := tx.PutNode(ctx, node); err != nil {
		return state.NodeRecord{}, err
	}
	return node, nil
}
