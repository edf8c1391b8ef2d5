package registration

import (
	"context"
	"errors"
	"testing"

	"github.com/salazarsebas/iasppt/internal/errcode"
	"github.com/salazarsebas/iasppt/node/internal/config"
	"github.com/salazarsebas/iasppt/pkg/coordapi"
)

type fakeRegistrar struct {
	registerErr error
	status      string
	got         coordapi.RegisterNodeRequest
}

func (f *fakeRegistrar) Register(_ context.Context, in coordapi.RegisterNodeRequest) (coordapi.Node, error) {
	f.got = in
	if f.registerErr != nil {
		return coordapi.Node{}, f.registerErr
	}
	return coordapi.Node{NodeID: in.NodeID, Status: "Active", Endpoint: in.Endpoint}, nil
}

func (f *fakeRegistrar) Heartbeat(_ context.Context, nodeID string) (coordapi.Node, error) {
	return coordapi.Node{NodeID: nodeID, Status: f.status, SuspendReason: "heartbeat timeout"}, nil
}

func testConfig() config.Config {
	return config.Config{
		NodeID:           "n1",
		Endpoint:         "10.0.0.5:7000",
		ComputeClasses:   []string{"gpu-a100"},
		MaxParallelTasks: 4,
		Stake:            "100",
	}
}

func TestRegisterSendsNodeConfig(t *testing.T) {
	f := &fakeRegistrar{}
	node, err := Register(context.Background(), f, testConfig(), "abcd", nil)
	if err != nil || node.Status != "Active" {
		t.Fatalf("register: %+v err=%v", node, err)
	}
	if f.got.MaxConcurrentTasks != 4 || f.got.PublicKey != "abcd" || f.got.Stake != "100" || f.got.ComputeClasses[0] != "gpu-a100" {
		t.Fatalf("unexpected request: %+v", f.got)
	}
}

func TestRegisterAcceptsKnownNode(t *testing.T) {
	f := &fakeRegistrar{registerErr: errcode.New(errcode.DuplicateNode, "node n1 already registered"), status: "Active"}
	if _, err := Register(context.Background(), f, testConfig(), "", nil); err != nil {
		t.Fatalf("expected known node to be accepted: %v", err)
	}
}

func TestRegisterRejectsSuspendedNode(t *testing.T) {
	f := &fakeRegistrar{registerErr: errcode.New(errcode.DuplicateNode, "dup"), status: "Suspended"}
	if _, err := Register(context.Background(), f, testConfig(), "", nil); err == nil {
		t.Fatalf("expected suspended node error")
	}
}

func TestRegisterPropagatesOtherErrors(t *testing.T) {
	f := &fakeRegistrar{registerErr: errcode.New(errcode.InsufficientStake, "too little")}
	if _, err := Register(context.Background(), f, testConfig(), "", nil); !errors.Is(err, errcode.ErrInsufficientStake) {
		t.Fatalf("expected InsufficientStake, got %v", err)
	}
}
