package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/salazarsebas/iasppt/internal/config"
	"github.com/salazarsebas/iasppt/internal/coordinator"
	"github.com/salazarsebas/iasppt/internal/ledger"
	"github.com/salazarsebas/iasppt/internal/state"
)

func TestControlPlaneFromDefaults(t *testing.T) {
	ctx := context.Background()
	cp, err := NewControlPlane(ctx, config.Default(), hclog.NewNullLogger())
	if err != nil {
		t.Fatalf("new control plane: %v", err)
	}
	defer cp.Close(ctx)

	p, err := cp.Coordinator.Params(ctx)
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if !p.MinStake.Equal(ledger.Tokens(100)) || p.MaxTasksPerNode != 10 || p.TaskTimeout != time.Hour {
		t.Fatalf("params not seeded from config: %+v", p)
	}
	now := time.Now().UTC()
	_, err = cp.Coordinator.Register(ctx, coordinator.Call{Caller: "n1", At: now}, coordinator.RegisterRequest{
		Capability: state.Capability{ComputeClasses: []string{"cpu"}},
		Endpoint:   "10.0.0.1:9000",
		Stake:      ledger.Tokens(100),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
}

func TestControlPlaneRejectsUnknownBackends(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Store.Backend = "sqlite"
	if _, err := NewControlPlane(ctx, cfg, hclog.NewNullLogger()); err == nil {
		t.Fatalf("expected store backend error")
	}
	cfg = config.Default()
	cfg.Outbox.Backend = "kafka"
	if _, err := NewControlPlane(ctx, cfg, hclog.NewNullLogger()); err == nil {
		t.Fatalf("expected outbox backend error")
	}
	cfg = config.Default()
	cfg.Store.Backend = "postgres"
	if _, err := NewControlPlane(ctx, cfg, hclog.NewNullLogger()); err == nil {
		t.Fatalf("expected missing dsn error")
	}
}
