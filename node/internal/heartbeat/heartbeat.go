// Package heartbeat keeps the node live on the coordinator.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"

	"github.com/salazarsebas/iasppt/internal/errcode"
	"github.com/salazarsebas/iasppt/internal/observability"
	"github.com/salazarsebas/iasppt/pkg/coordapi"
)

type Beater interface {
	Heartbeat(ctx context.Context, nodeID string) (coordapi.Node, error)
}

type Loop struct {
	beater   Beater
	nodeID   string
	interval time.Duration
	retries  int
	backoff  time.Duration
	logger   hclog.Logger

	mu   sync.Mutex
	cron *cron.Cron
	last coordapi.Node
}

func New(b Beater, nodeID string, interval time.Duration, retries int, logger hclog.Logger) *Loop {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if retries < 0 {
		retries = 0
	}
	return &Loop{
		beater:   b,
		nodeID:   nodeID,
		interval: interval,
		retries:  retries,
		backoff:  time.Second,
		logger:   logger.Named("heartbeat"),
	}
}

// Beat sends one heartbeat, retrying transport failures and Paused up to the
// configured retry count. Other coordinator errors are returned at once.
func (l *Loop) Beat(ctx context.Context) (coordapi.Node, error) {
	var lastErr error
	for attempt := 0; attempt <= l.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return coordapi.Node{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * l.backoff):
			}
		}
		node, err := l.beater.Heartbeat(ctx, l.nodeID)
		if err == nil {
			l.mu.Lock()
			l.last = node
			l.mu.Unlock()
			observability.Default.IncCounter("node_heartbeats_total", map[string]string{"outcome": "ok"}, 1)
			if node.Status == "Suspended" {
				l.logger.Warn("coordinator reports node suspended", "reason", node.SuspendReason)
			}
			return node, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		l.logger.Debug("heartbeat attempt failed", "attempt", attempt+1, "error", err)
	}
	observability.Default.IncCounter("node_heartbeats_total", map[string]string{"outcome": "error"}, 1)
	return coordapi.Node{}, fmt.Errorf("heartbeat %s: %w", l.nodeID, lastErr)
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	code := errcode.CodeOf(err)
	return code == "" || code == errcode.Paused
}

// Last is the node record returned by the latest successful heartbeat.
func (l *Loop) Last() coordapi.Node {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Start schedules heartbeats every interval until ctx ends or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc("@every "+l.interval.String(), func() {
		if _, err := l.Beat(ctx); err != nil && ctx.Err() == nil {
			l.logger.Error("heartbeat failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule heartbeat: %w", err)
	}
	l.mu.Lock()
	l.cron = c
	l.mu.Unlock()
	c.Start()
	go func() {
		<-ctx.Done()
		l.Stop()
	}()
	return nil
}

func (l *Loop) Stop() {
	l.mu.Lock()
	c := l.cron
	l.cron = nil
	l.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
