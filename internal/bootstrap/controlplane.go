package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cosmossdk.io/math"
	"github.com/hashicorp/go-hclog"

	"github.com/salazarsebas/iasppt/internal/config"
	"github.com/salazarsebas/iasppt/internal/coordinator"
	"github.com/salazarsebas/iasppt/internal/ledger"
	"github.com/salazarsebas/iasppt/internal/policy"
	"github.com/salazarsebas/iasppt/internal/registry"
	"github.com/salazarsebas/iasppt/internal/scheduler"
	"github.com/salazarsebas/iasppt/internal/settlement"
	"github.com/salazarsebas/iasppt/internal/state"
	"github.com/salazarsebas/iasppt/internal/verify"
)

// ControlPlane is the wired coordination core plus the resources it owns.
type ControlPlane struct {
	Coordinator *coordinator.Coordinator
	Store       state.Store
	Outbox      state.Outbox
	Verifier    verify.Verifier
	Policy      *policy.Engine
}

func NewControlPlane(ctx context.Context, cfg config.Config, logger hclog.Logger) (*ControlPlane, error) {
	store, err := newStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	outbox, err := newOutbox(cfg.Outbox)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	verifier, err := verify.New(ctx, cfg.Verifier.Mode, cfg.Verifier.AttestationModule)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("verifier: %w", err)
	}
	pol, err := policy.LoadFile(cfg.PolicyFile)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("policy: %w", err)
	}

	l := ledger.New(ledger.Options{StrictSlash: cfg.Slashing.Strict})
	reg := registry.New(l, registry.Options{
		RequireUniqueEndpoint: cfg.Registry.RequireUniqueEndpoint,
		Reputation: registry.Reputation{
			Floor:     cfg.Registry.Reputation.Floor,
			Ceiling:   cfg.Registry.Reputation.Ceiling,
			Baseline:  cfg.Registry.Reputation.Baseline,
			GainStep:  cfg.Registry.Reputation.Gain,
			LossStep:  cfg.Registry.Reputation.Loss,
			Threshold: cfg.Registry.Reputation.Threshold,
		},
	})
	timeouts := make(map[string]time.Duration, len(cfg.Scheduler.TaskTypes))
	factors := make(map[string]math.LegacyDec, len(cfg.Scheduler.TaskTypes))
	for name, tt := range cfg.Scheduler.TaskTypes {
		timeouts[name] = tt.Timeout
		if !tt.RewardFactor.IsNil() {
			factors[name] = tt.RewardFactor.LegacyDec
		}
	}
	engine := scheduler.NewEngine(reg, scheduler.Options{
		MinPriority:    cfg.Scheduler.MinPriority,
		MaxPriority:    cfg.Scheduler.MaxPriority,
		MaxRetries:     cfg.Scheduler.MaxRetries,
		HeartbeatGrace: cfg.Scheduler.HeartbeatGrace,
		TaskTimeouts:   timeouts,
		PolicyEngine:   pol,
	})
	settler := settlement.New(l, reg, verifier, settlement.Options{
		Rewards: settlement.RewardPolicy{
			TypeFactors:     factors,
			ReputationFloor: cfg.Rewards.ReputationFloor.LegacyDec,
			UptimeBonusMax:  cfg.Rewards.UptimeBonusMax.LegacyDec,
			UptimeWindow:    cfg.Rewards.UptimeWindow,
			CapAtBudget:     cfg.Rewards.CapAtBudget,
		},
		Slashing: settlement.SlashPolicy{
			OnVerifyFailure:       cfg.Slashing.OnVerifyFailure,
			VerifyFailureFraction: cfg.Slashing.VerifyFailureFraction.LegacyDec,
			OnTimeout:             cfg.Slashing.OnTimeout,
			TimeoutFraction:       cfg.Slashing.TimeoutFraction.LegacyDec,
		},
	})
	coord := coordinator.New(coordinator.Deps{
		Store:    store,
		Outbox:   outbox,
		Ledger:   l,
		Registry: reg,
		Engine:   engine,
		Settler:  settler,
		Logger:   logger,
	}, coordinator.Options{
		Owner: cfg.Owner,
		Defaults: state.Params{
			MinStake:        cfg.Params.MinStake.Int,
			MaxTasksPerNode: cfg.Params.MaxTasksPerNode,
			TaskTimeout:     cfg.Params.TaskTimeout,
		},
	})
	if err := coord.SeedParams(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("seed params: %w", err)
	}
	logger.Info("control plane ready",
		"store", cfg.Store.Backend,
		"outbox", cfg.Outbox.Backend,
		"verifier", cfg.Verifier.Mode,
		"policy", !pol.IsNoop(),
	)
	return &ControlPlane{Coordinator: coord, Store: store, Outbox: outbox, Verifier: verifier, Policy: pol}, nil
}

// Close releases the store and, when it holds one, the verifier runtime.
func (cp *ControlPlane) Close(ctx context.Context) error {
	var errs []error
	if c, ok := cp.Verifier.(interface{ Close(context.Context) error }); ok {
		errs = append(errs, c.Close(ctx))
	}
	if c, ok := cp.Outbox.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, cp.Store.Close())
	return errors.Join(errs...)
}

func newStore(cfg config.StoreConfig) (state.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return state.NewMemoryStore(), nil
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("IAS_POSTGRES_DSN is required when the store backend is postgres")
		}
		return state.NewPostgresStore(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}

func newOutbox(cfg config.OutboxConfig) (state.Outbox, error) {
	switch cfg.Backend {
	case "", "memory":
		return state.NewMemoryOutbox(cfg.MaxDepth), nil
	case "redis":
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "127.0.0.1:6379"
		}
		return state.NewRedisOutbox(state.RedisOutboxConfig{
			Addr:     addr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.RedisKey,
			Timeout:  cfg.RedisTimeout,
			MaxDepth: cfg.MaxDepth,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported outbox backend %q", cfg.Backend)
	}
}
