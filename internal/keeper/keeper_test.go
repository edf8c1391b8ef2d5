package keeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/salazarsebas/iasppt/internal/coordinator"
	"github.com/salazarsebas/iasppt/internal/errcode"
	"github.com/salazarsebas/iasppt/internal/supervisor"
)

type fakeSweeper struct {
	calls  atomic.Int32
	err    error
	caller atomic.Value
}

func (f *fakeSweeper) Sweep(_ context.Context, call coordinator.Call) (supervisor.Report, error) {
	f.calls.Add(1)
	f.caller.Store(call.Caller)
	if f.err != nil {
		return supervisor.Report{}, f.err
	}
	return supervisor.Report{Suspended: []string{"n1"}, Events: []supervisor.Event{{Kind: supervisor.EventNodeSuspended, NodeID: "n1"}}}, nil
}

func TestRunOnce(t *testing.T) {
	f := &fakeSweeper{}
	k, err := New(f, "@every 1h", nil)
	if err != nil {
		t.Fatalf("new keeper: %v", err)
	}
	rep, err := k.RunOnce(context.Background())
	if err != nil || len(rep.Suspended) != 1 {
		t.Fatalf("unexpected report %+v err=%v", rep, err)
	}
	if got := f.caller.Load(); got != Identity {
		t.Fatalf("expected caller %q, got %v", Identity, got)
	}
}

func TestPausedIsNotAnError(t *testing.T) {
	k, err := New(&fakeSweeper{err: errcode.New(errcode.Paused, "coordination is paused")}, "@every 1h", nil)
	if err != nil {
		t.Fatalf("new keeper: %v", err)
	}
	if _, err := k.RunOnce(context.Background()); err != nil {
		t.Fatalf("expected paused sweep to be skipped quietly, got %v", err)
	}

	boom := errors.New("store down")
	k, _ = New(&fakeSweeper{err: boom}, "@every 1h", nil)
	if _, err := k.RunOnce(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestScheduleRunsSweeps(t *testing.T) {
	f := &fakeSweeper{}
	k, err := New(f, "@every 1s", nil)
	if err != nil {
		t.Fatalf("new keeper: %v", err)
	}
	k.Start()
	defer k.Stop(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for f.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected at least one scheduled sweep")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestInvalidSchedule(t *testing.T) {
	if _, err := New(&fakeSweeper{}, "every now and then", nil); err == nil {
		t.Fatalf("expected invalid schedule error")
	}
}
