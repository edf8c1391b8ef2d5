package nodegrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/salazarsebas/iasppt/internal/errcode"
	"github.com/salazarsebas/iasppt/pkg/coordapi"
)

// Client calls the node service. Errors carrying a coordinator code come
// back as *errcode.Error so errors.Is works across the wire.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr. Without extra options the connection is plaintext.
func Dial(addr, token string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	if token != "" {
		base = append(base, grpc.WithUnaryInterceptor(bearerInterceptor(token)))
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) Register(ctx context.Context, in coordapi.RegisterNodeRequest) (coordapi.Node, error) {
	var out coordapi.Node
	err := c.invoke(ctx, "Register", &in, &out)
	return out, err
}

func (c *Client) Heartbeat(ctx context.Context, nodeID string) (coordapi.Node, error) {
	var out coordapi.Node
	err := c.invoke(ctx, "Heartbeat", &coordapi.NodeRef{NodeID: nodeID}, &out)
	return out, err
}

func (c *Client) Deactivate(ctx context.Context, nodeID string) (coordapi.Node, error) {
	var out coordapi.Node
	err := c.invoke(ctx, "Deactivate", &coordapi.NodeRef{NodeID: nodeID}, &out)
	return out, err
}

func (c *Client) Deposit(ctx context.Context, nodeID, amount string) (coordapi.Stake, error) {
	var out coordapi.Stake
	err := c.invoke(ctx, "Deposit", &coordapi.StakeChange{NodeID: nodeID, Amount: amount}, &out)
	return out, err
}

func (c *Client) Withdraw(ctx context.Context, nodeID, amount string) (coordapi.Stake, error) {
	var out coordapi.Stake
	err := c.invoke(ctx, "Withdraw", &coordapi.StakeChange{NodeID: nodeID, Amount: amount}, &out)
	return out, err
}

func (c *Client) ListAssigned(ctx context.Context, nodeID string) ([]coordapi.Task, error) {
	var out coordapi.ListTasksResponse
	if err := c.invoke(ctx, "ListAssigned", &coordapi.NodeRef{NodeID: nodeID}, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *Client) Acknowledge(ctx context.Context, nodeID string, taskID uint64) (coordapi.Task, error) {
	var out coordapi.Task
	err := c.invoke(ctx, "Acknowledge", &coordapi.TaskRef{NodeID: nodeID, TaskID: taskID}, &out)
	return out, err
}

func (c *Client) SubmitResult(ctx context.Context, in coordapi.ResultSubmission) (coordapi.SubmitResultResponse, error) {
	var out coordapi.SubmitResultResponse
	err := c.invoke(ctx, "SubmitResult", &in, &out)
	return out, err
}

func (c *Client) Notifications(ctx context.Context, nodeID string, max int) ([]coordapi.Notification, error) {
	var out coordapi.NotificationsResponse
	if err := c.invoke(ctx, "Notifications", &coordapi.NotificationsRequest{NodeID: nodeID, Max: max}, &out); err != nil {
		return nil, err
	}
	return out.Notifications, nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	var trailer metadata.MD
	err := c.conn.Invoke(ctx, "/"+serviceName+"/"+method, in, out, grpc.Trailer(&trailer))
	if err == nil {
		return nil
	}
	if vals := trailer.Get(errorCodeKey); len(vals) > 0 {
		return errcode.New(errcode.Code(vals[0]), status.Convert(err).Message())
	}
	return err
}

func bearerInterceptor(token string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
