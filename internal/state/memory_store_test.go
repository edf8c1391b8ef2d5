package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"cosmossdk.io/math"
)

func TestMemoryStoreUpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	boom := errors.New("boom")
	err := s.Update(ctx, func(tx Tx) error {
		if err := tx.PutNode(ctx, NodeRecord{ID: "n1", Status: NodeActive}); err != nil {
			return err
		}
		if _, err := tx.NextTaskID(ctx); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, AuditEventRecord{Action: "node_registered"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	_ = s.View(ctx, func(tx Tx) error {
		if _, ok, _ := tx.GetNode(ctx, "n1"); ok {
			t.Fatalf("node must not be visible after rollback")
		}
		return nil
	})
	var id uint64
	if err := s.Update(ctx, func(tx Tx) error {
		var err error
		id, err = tx.NextTaskID(ctx)
		return err
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if id != 1 {
		t.Fatalf("task id sequence must not advance on rollback, got %d", id)
	}
	audits, _ := s.ListAuditEvents(ctx, AuditQuery{})
	if len(audits) != 0 {
		t.Fatalf("expected no audit events after rollback, got %d", len(audits))
	}
}

func TestMemoryStoreOverlayReadsOwnWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Unix(1700000000, 0).UTC()
	if err := s.Update(ctx, func(tx Tx) error {
		for _, id := range []string{"b", "a"} {
			if err := tx.PutNode(ctx, NodeRecord{ID: id, Status: NodeActive, Capability: Capability{ComputeClasses: []string{"cpu"}}}); err != nil {
				return err
			}
		}
		return tx.PutTask(ctx, TaskRecord{ID: 1, Status: TaskPending, SubmittedAt: now})
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := s.Update(ctx, func(tx Tx) error {
		if err := tx.PutNode(ctx, NodeRecord{ID: "c", Status: NodeSuspended}); err != nil {
			return err
		}
		nodes, err := tx.ListNodes(ctx)
		if err != nil {
			return err
		}
		if len(nodes) != 3 || nodes[0].ID != "a" || nodes[2].ID != "c" {
			t.Fatalf("unexpected node listing: %+v", nodes)
		}
		task, _, _ := tx.GetTask(ctx, 1)
		task.Status = TaskAssigned
		task.Assignee = "a"
		if err := tx.PutTask(ctx, task); err != nil {
			return err
		}
		assigned, err := tx.ListTasks(ctx, TaskFilter{Assignee: "a", Statuses: []TaskStatus{TaskAssigned}})
		if err != nil {
			return err
		}
		if len(assigned) != 1 {
			t.Fatalf("expected staged task in filtered listing, got %d", len(assigned))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestMemoryStoreCloneIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	classes := []string{"cpu"}
	_ = s.Update(ctx, func(tx Tx) error {
		return tx.PutNode(ctx, NodeRecord{ID: "n1", Capability: Capability{ComputeClasses: classes}})
	})
	classes[0] = "mutated"
	_ = s.View(ctx, func(tx Tx) error {
		n, _, _ := tx.GetNode(ctx, "n1")
		if n.Capability.ComputeClasses[0] != "cpu" {
			t.Fatalf("stored node aliased caller slice")
		}
		return nil
	})
}

func TestMemoryStoreRewardIsUniquePerTask(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	entry := RewardEntry{TaskID: 7, NodeID: "n1", Amount: math.NewInt(5)}
	if err := s.Update(ctx, func(tx Tx) error { return tx.AppendReward(ctx, entry) }); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := s.Update(ctx, func(tx Tx) error { return tx.AppendReward(ctx, entry) }); err == nil {
		t.Fatalf("expected duplicate reward append to fail")
	}
	_ = s.View(ctx, func(tx Tx) error {
		rewards, _ := tx.ListRewards(ctx, "n1")
		if len(rewards) != 1 || !rewards[0].Amount.Equal(math.NewInt(5)) {
			t.Fatalf("unexpected rewards %+v", rewards)
		}
		return nil
	})
}

func TestMemoryStoreAuditChain(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Unix(1700000000, 0).UTC()
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		if err := s.Update(ctx, func(tx Tx) error {
			return tx.AppendAudit(ctx, AuditEventRecord{Action: "stake_slashed", Actor: "settlement", Resource: "node/n1", CreatedAt: at})
		}); err != nil {
			t.Fatalf("append audit: %v", err)
		}
	}
	events, err := s.ListAuditEvents(ctx, AuditQuery{Limit: 10})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(events) != 3 || events[0].ID != 3 {
		t.Fatalf("expected newest-first listing of 3 events, got %+v", events)
	}
	oldestFirst := []AuditEventRecord{events[2], events[1], events[0]}
	if err := VerifyAuditChain(oldestFirst); err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	oldestFirst[1].Details = "tampered"
	if err := VerifyAuditChain(oldestFirst); err == nil {
		t.Fatalf("expected tampering to break the chain")
	}
}
