package state

import (
	"bufio"
	"context"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestMemoryOutboxDrainOrderAndDepth(t *testing.T) {
	ctx := context.Background()
	o := NewMemoryOutbox(2)
	notes := []Notification{
		{ID: "1", Kind: "task_assigned", Recipient: "n1", TaskID: 1},
		{ID: "2", Kind: "task_assigned", Recipient: "n1", TaskID: 2},
		{ID: "3", Kind: "task_assigned", Recipient: "n1", TaskID: 3},
		{ID: "4", Kind: "task_completed", Recipient: "alice", TaskID: 1},
	}
	if err := o.Publish(ctx, notes); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if o.Depth("n1") != 2 {
		t.Fatalf("expected depth capped at 2, got %d", o.Depth("n1"))
	}
	got, err := o.Drain(ctx, "n1", 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(got) != 2 || got[0].TaskID != 2 || got[1].TaskID != 3 {
		t.Fatalf("unexpected drained notifications %+v", got)
	}
	if again, _ := o.Drain(ctx, "n1", 10); len(again) != 0 {
		t.Fatalf("drain must remove returned notifications")
	}
	if got, _ := o.Drain(ctx, "alice", 1); len(got) != 1 || got[0].Kind != "task_completed" {
		t.Fatalf("unexpected requester notifications %+v", got)
	}
}

// fakeRedis implements the list commands the outbox uses.
type fakeRedis struct {
	mu    sync.Mutex
	lists map[string][]string
}

func startFakeRedis(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	f := &fakeRedis{lists: map[string][]string{}}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return ln.Addr().String()
}

func (f *fakeRedis) serve(conn net.Conn) {
	defer conn.Close()
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	for {
		v, err := readRESP(rw)
		if err != nil {
			return
		}
		args, _ := v.([]string)
		if len(args) == 0 {
			return
		}
		f.mu.Lock()
		reply := f.exec(args)
		f.mu.Unlock()
		_, _ = rw.WriteString(reply)
		_ = rw.Flush()
	}
}

func (f *fakeRedis) exec(args []string) string {
	switch args[0] {
	case "RPUSH":
		f.lists[args[1]] = append(f.lists[args[1]], args[2:]...)
		return ":" + strconv.Itoa(len(f.lists[args[1]])) + "\r\n"
	case "LTRIM":
		start, _ := strconv.Atoi(args[2])
		l := f.lists[args[1]]
		if start < 0 && -start < len(l) {
			f.lists[args[1]] = l[len(l)+start:]
		}
		return "+OK\r\n"
	case "LPOP":
		l := f.lists[args[1]]
		if len(l) == 0 {
			return "$-1\r\n"
		}
		v := l[0]
		f.lists[args[1]] = l[1:]
		return "$" + strconv.Itoa(len(v)) + "\r\n" + v + "\r\n"
	default:
		return "-ERR unknown command\r\n"
	}
}

func TestRedisOutboxAgainstFakeServer(t *testing.T) {
	addr := startFakeRedis(t)
	ctx := context.Background()
	o := NewRedisOutbox(RedisOutboxConfig{Addr: addr, Key: "ias:test", MaxDepth: 2, Timeout: time.Second})
	err := o.Publish(ctx, []Notification{
		{ID: "a", Kind: "task_assigned", Recipient: "n1", TaskID: 1},
		{ID: "b", Kind: "task_assigned", Recipient: "n1", TaskID: 2},
		{ID: "c", Kind: "task_assigned", Recipient: "n1", TaskID: 3},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, err := o.Drain(ctx, "n1", 5)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Fatalf("unexpected drained notifications %+v", got)
	}
}

func TestRedisOutboxIntegration(t *testing.T) {
	addr := os.Getenv("IAS_REDIS_ADDR_INTEGRATION")
	if addr == "" {
		t.Skip("set IAS_REDIS_ADDR_INTEGRATION to run Redis integration tests")
	}
	ctx := context.Background()
	o := NewRedisOutbox(RedisOutboxConfig{Addr: addr, Key: "ias:test:integration:" + strconv.FormatInt(time.Now().UnixNano(), 10)})
	if err := o.Publish(ctx, []Notification{{ID: "x", Kind: "task_assigned", Recipient: "n1", TaskID: 9}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, err := o.Drain(ctx, "n1", 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(got) != 1 || got[0].TaskID != 9 {
		t.Fatalf("unexpected notifications %+v", got)
	}
}
