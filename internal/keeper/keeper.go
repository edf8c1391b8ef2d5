// Package keeper drives the liveness sweep on a cron schedule so stale nodes
// and expired tasks are handled even when no calls arrive.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"

	"github.com/salazarsebas/iasppt/internal/coordinator"
	"github.com/salazarsebas/iasppt/internal/errcode"
	"github.com/salazarsebas/iasppt/internal/observability"
	"github.com/salazarsebas/iasppt/internal/supervisor"
)

// Identity is the caller recorded for scheduled sweeps.
const Identity = "keeper"

type Sweeper interface {
	Sweep(ctx context.Context, call coordinator.Call) (supervisor.Report, error)
}

type Keeper struct {
	sweeper Sweeper
	cron    *cron.Cron
	logger  hclog.Logger
	timeout time.Duration
}

// New validates schedule (seconds field optional, descriptors such as
// "@every 30s" accepted) and prepares the job without starting it.
func New(sweeper Sweeper, schedule string, logger hclog.Logger) (*Keeper, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("keeper")
	cronLogger := cron.PrintfLogger(logger.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true}))
	c := cron.New(
		cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	k := &Keeper{sweeper: sweeper, cron: c, logger: logger, timeout: 30 * time.Second}
	if _, err := c.AddFunc(schedule, k.tick); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return k, nil
}

func (k *Keeper) Start() {
	k.cron.Start()
	k.logger.Info("sweep schedule started", "entries", len(k.cron.Entries()))
}

// Stop halts the schedule and waits for a running sweep or ctx, whichever
// comes first.
func (k *Keeper) Stop(ctx context.Context) {
	done := k.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (k *Keeper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	_, _ = k.RunOnce(ctx)
}

// RunOnce performs one sweep. A paused coordinator is not an error.
func (k *Keeper) RunOnce(ctx context.Context) (supervisor.Report, error) {
	rep, err := k.sweeper.Sweep(ctx, coordinator.Call{Caller: Identity})
	switch {
	case errors.Is(err, errcode.ErrPaused):
		k.logger.Debug("sweep skipped while paused")
		observability.Default.IncCounter("keeper_sweeps_total", map[string]string{"outcome": "paused"}, 1)
		return supervisor.Report{}, nil
	case err != nil:
		k.logger.Error("sweep failed", "error", err)
		observability.Default.IncCounter("keeper_sweeps_total", map[string]string{"outcome": "error"}, 1)
		return supervisor.Report{}, err
	}
	observability.Default.IncCounter("keeper_sweeps_total", map[string]string{"outcome": "ok"}, 1)
	if len(rep.Events) > 0 {
		k.logger.Info("sweep applied",
			"suspended", len(rep.Suspended),
			"requeued", len(rep.Requeued),
			"failed", len(rep.Failed),
			"assigned", len(rep.Assignments),
		)
	}
	return rep, nil
}
