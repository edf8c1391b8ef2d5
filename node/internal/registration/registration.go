// Package registration enrols the node with the coordinator on startup.
package registration

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/salazarsebas/iasppt/internal/errcode"
	"github.com/salazarsebas/iasppt/node/internal/config"
	"github.com/salazarsebas/iasppt/pkg/coordapi"
)

type Registrar interface {
	Register(ctx context.Context, in coordapi.RegisterNodeRequest) (coordapi.Node, error)
	Heartbeat(ctx context.Context, nodeID string) (coordapi.Node, error)
}

// Register enrols the node. A node the coordinator already knows is confirmed
// with a heartbeat instead; a suspended node is reported as an error since it
// has to deactivate before it can come back.
func Register(ctx context.Context, r Registrar, cfg config.Config, publicKey string, logger hclog.Logger) (coordapi.Node, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	req := coordapi.RegisterNodeRequest{
		NodeID:             cfg.NodeID,
		ComputeClasses:     cfg.ComputeClasses,
		GPUSpecs:           cfg.GPUSpecs,
		CPUSpecs:           cfg.CPUSpecs,
		MaxConcurrentTasks: cfg.MaxParallelTasks,
		Endpoint:           cfg.Endpoint,
		PublicKey:          publicKey,
		Stake:              cfg.Stake,
	}
	node, err := r.Register(ctx, req)
	if err == nil {
		logger.Info("registered", "node", node.NodeID, "status", node.Status, "endpoint", node.Endpoint)
		return node, nil
	}
	if !errors.Is(err, errcode.ErrDuplicateNode) {
		return coordapi.Node{}, fmt.Errorf("register node %s: %w", cfg.NodeID, err)
	}
	node, err = r.Heartbeat(ctx, cfg.NodeID)
	if err != nil {
		return coordapi.Node{}, fmt.Errorf("confirm registration of %s: %w", cfg.NodeID, err)
	}
	if node.Status == "Suspended" {
		return node, fmt.Errorf("node %s is suspended (%s); deactivate and withdraw before registering again", cfg.NodeID, node.SuspendReason)
	}
	logger.Info("already registered", "node", node.NodeID, "status", node.Status)
	return node, nil
}
