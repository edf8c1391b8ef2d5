package state

import (
	"context"
	"os"
	"testing"
	"time"

	"cosmossdk.io/math"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestPostgresStoreIntegrationRoundTrip(t *testing.T) {
	dsn := os.Getenv("IAS_POSTGRES_DSN_INTEGRATION")
	if dsn == "" {
		t.Skip("set IAS_POSTGRES_DSN_INTEGRATION to run Postgres integration tests")
	}
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	nodeID := "itest-" + now.Format("20060102150405.000000")
	var taskID uint64
	err = store.Update(ctx, func(tx Tx) error {
		if err := tx.PutNode(ctx, NodeRecord{
			ID:            nodeID,
			Capability:    Capability{ComputeClasses: []string{"cpu"}},
			Endpoint:      "10.0.0.1:9000",
			Status:        NodeActive,
			Reputation:    100,
			LastHeartbeat: now,
			RegisteredAt:  now,
			ActiveSince:   now,
			TotalEarned:   math.ZeroInt(),
			UpdatedAt:     now,
		}); err != nil {
			return err
		}
		acct := NewStakeAccount(nodeID)
		acct.Locked = math.NewInt(1000)
		acct.UpdatedAt = now
		if err := tx.PutStake(ctx, acct); err != nil {
			return err
		}
		id, err := tx.NextTaskID(ctx)
		if err != nil {
			return err
		}
		taskID = id
		if err := tx.PutTask(ctx, TaskRecord{
			ID: id, Requester: "alice", Payload: Payload{TaskType: "inference"}, Budget: math.NewInt(10),
			Priority: 2, Status: TaskAssigned, Assignee: nodeID, Deadline: now.Add(time.Hour),
			TimedOutNodes: []string{"other"}, Reward: math.ZeroInt(), SubmittedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		if err := tx.AppendReward(ctx, RewardEntry{TaskID: id, NodeID: nodeID, Amount: math.NewInt(7), CreatedAt: now}); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, AuditEventRecord{Action: "integration_test", Actor: "itest", Resource: "node/" + nodeID, Result: "ok", CreatedAt: now})
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	err = store.View(ctx, func(tx Tx) error {
		n, ok, err := tx.GetNode(ctx, nodeID)
		if err != nil || !ok {
			t.Fatalf("get node ok=%v err=%v", ok, err)
		}
		if n.Capability.ComputeClasses[0] != "cpu" {
			t.Fatalf("unexpected capability %+v", n.Capability)
		}
		task, ok, err := tx.GetTask(ctx, taskID)
		if err != nil || !ok {
			t.Fatalf("get task ok=%v err=%v", ok, err)
		}
		if !task.Budget.Equal(math.NewInt(10)) || !task.TimedOut("other") {
			t.Fatalf("unexpected task %+v", task)
		}
		acct, _, err := tx.GetStake(ctx, nodeID)
		if err != nil || !acct.Locked.Equal(math.NewInt(1000)) {
			t.Fatalf("unexpected stake %+v err=%v", acct, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	if err := store.Update(ctx, func(tx Tx) error {
		return tx.AppendReward(ctx, RewardEntry{TaskID: taskID, NodeID: nodeID, Amount: math.NewInt(7), CreatedAt: now})
	}); err == nil {
		t.Fatalf("expected duplicate reward to fail")
	}

	audits, err := store.ListAuditEvents(ctx, AuditQuery{Limit: 5, Action: "integration_test", Resource: "node/" + nodeID})
	if err != nil {
		t.Fatalf("list audit events: %v", err)
	}
	if len(audits) != 1 || audits[0].EventHash == "" {
		t.Fatalf("expected one hashed audit event, got %+v", audits)
	}
}
