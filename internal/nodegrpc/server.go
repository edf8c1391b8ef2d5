// Package nodegrpc serves the node-facing subset of the coordinator over gRPC
// and provides the client node daemons use.
package nodegrpc

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/salazarsebas/iasppt/internal/api"
	"github.com/salazarsebas/iasppt/internal/coordinator"
	"github.com/salazarsebas/iasppt/internal/errcode"
	"github.com/salazarsebas/iasppt/internal/observability"
	"github.com/salazarsebas/iasppt/internal/state"
	"github.com/salazarsebas/iasppt/pkg/coordapi"
)

const (
	serviceName = "ias.node.v1.NodeService"
	// errorCodeKey carries the coordinator error code in the trailer.
	errorCodeKey = "ias-error-code"
)

// NodeService is the set of calls a node makes against the coordinator.
type NodeService interface {
	Register(context.Context, *coordapi.RegisterNodeRequest) (*coordapi.Node, error)
	Heartbeat(context.Context, *coordapi.NodeRef) (*coordapi.Node, error)
	Deactivate(context.Context, *coordapi.NodeRef) (*coordapi.Node, error)
	Deposit(context.Context, *coordapi.StakeChange) (*coordapi.Stake, error)
	Withdraw(context.Context, *coordapi.StakeChange) (*coordapi.Stake, error)
	ListAssigned(context.Context, *coordapi.NodeRef) (*coordapi.ListTasksResponse, error)
	Acknowledge(context.Context, *coordapi.TaskRef) (*coordapi.Task, error)
	SubmitResult(context.Context, *coordapi.ResultSubmission) (*coordapi.SubmitResultResponse, error)
	Notifications(context.Context, *coordapi.NotificationsRequest) (*coordapi.NotificationsResponse, error)
}

type Server struct {
	coord  *coordinator.Coordinator
	logger hclog.Logger
}

var _ NodeService = (*Server)(nil)

func NewServer(coord *coordinator.Coordinator, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{coord: coord, logger: logger.Named("grpc")}
}

// Credentials maps bearer tokens to the node id they may act as. AnyNode
// grants every node id and is meant for operator tooling.
type Credentials map[string]string

const AnyNode = "*"

// NewGRPCServer builds a grpc.Server with the node service registered. Empty
// credentials disable the bearer check.
func NewGRPCServer(srv *Server, creds Credentials, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(
		tracingInterceptor(srv.logger),
		errorInterceptor(),
		authInterceptor(creds),
	))
	g := grpc.NewServer(opts...)
	g.RegisterService(&serviceDesc, srv)
	return g
}

// Serve listens on addr and serves until the server is stopped.
func Serve(g *grpc.Server, addr string) (net.Listener, <-chan error, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	done := make(chan error, 1)
	go func() {
		done <- g.Serve(lis)
	}()
	return lis, done, nil
}

func (s *Server) Register(ctx context.Context, in *coordapi.RegisterNodeRequest) (*coordapi.Node, error) {
	nodeID := strings.TrimSpace(in.NodeID)
	if nodeID == "" {
		return nil, errcode.New(errcode.InvalidNode, "node_id is required")
	}
	req, err := api.RegisterRequest(*in)
	if err != nil {
		return nil, err
	}
	node, err := s.coord.Register(ctx, coordinator.Call{Caller: nodeID}, req)
	if err != nil {
		return nil, err
	}
	return s.nodeView(ctx, node), nil
}

func (s *Server) Heartbeat(ctx context.Context, in *coordapi.NodeRef) (*coordapi.Node, error) {
	node, err := s.coord.Heartbeat(ctx, coordinator.Call{Caller: in.NodeID})
	if err != nil {
		return nil, err
	}
	return s.nodeView(ctx, node), nil
}

func (s *Server) Deactivate(ctx context.Context, in *coordapi.NodeRef) (*coordapi.Node, error) {
	node, err := s.coord.Deactivate(ctx, coordinator.Call{Caller: in.NodeID})
	if err != nil {
		return nil, err
	}
	return s.nodeView(ctx, node), nil
}

func (s *Server) Deposit(ctx context.Context, in *coordapi.StakeChange) (*coordapi.Stake, error) {
	amt, err := api.ParseAmount(in.Amount)
	if err != nil {
		return nil, err
	}
	acct, err := s.coord.Deposit(ctx, coordinator.Call{Caller: in.NodeID}, amt)
	if err != nil {
		return nil, err
	}
	out := api.StakeToWire(acct)
	return &out, nil
}

func (s *Server) Withdraw(ctx context.Context, in *coordapi.StakeChange) (*coordapi.Stake, error) {
	amt, err := api.ParseAmount(in.Amount)
	if err != nil {
		return nil, err
	}
	acct, err := s.coord.Withdraw(ctx, coordinator.Call{Caller: in.NodeID}, amt)
	if err != nil {
		return nil, err
	}
	out := api.StakeToWire(acct)
	return &out, nil
}

// ListAssigned returns the tasks the node holds, oldest first.
func (s *Server) ListAssigned(ctx context.Context, in *coordapi.NodeRef) (*coordapi.ListTasksResponse, error) {
	tasks, err := s.coord.ListTasks(ctx, state.TaskFilter{
		Statuses: []state.TaskStatus{state.TaskAssigned, state.TaskExecuting},
		Assignee: in.NodeID,
	})
	if err != nil {
		return nil, err
	}
	out := api.TasksToWire(tasks)
	return &out, nil
}

func (s *Server) Acknowledge(ctx context.Context, in *coordapi.TaskRef) (*coordapi.Task, error) {
	task, err := s.coord.AcknowledgeTask(ctx, coordinator.Call{Caller: in.NodeID}, in.TaskID)
	if err != nil {
		return nil, err
	}
	out := api.TaskToWire(task)
	return &out, nil
}

func (s *Server) SubmitResult(ctx context.Context, in *coordapi.ResultSubmission) (*coordapi.SubmitResultResponse, error) {
	res, err := s.coord.SubmitResult(ctx, coordinator.Call{Caller: in.NodeID}, coordinator.ResultRequest{
		TaskID:    in.TaskID,
		Proof:     in.Proof,
		OutputRef: in.OutputRef,
	})
	if err != nil {
		return nil, err
	}
	out := api.OutcomeToWire(res)
	return &out, nil
}

func (s *Server) Notifications(ctx context.Context, in *coordapi.NotificationsRequest) (*coordapi.NotificationsResponse, error) {
	max := in.Max
	if max <= 0 {
		max = 100
	}
	notes, err := s.coord.Notifications(ctx, coordinator.NodeRecipient(in.NodeID), max)
	if err != nil {
		return nil, err
	}
	out := api.NotificationsToWire(notes)
	return &out, nil
}

func (s *Server) nodeView(ctx context.Context, node state.NodeRecord) *coordapi.Node {
	view, err := s.coord.GetNode(ctx, node.ID)
	if err != nil {
		out := api.NodeToWire(node, nil)
		return &out
	}
	out := api.NodeViewToWire(view)
	return &out
}

func tracingInterceptor(logger hclog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		method := info.FullMethod
		if idx := strings.LastIndex(method, "/"); idx >= 0 {
			method = method[idx+1:]
		}
		ctx, span := observability.StartSpan(ctx, "grpc."+method,
			attribute.String("rpc.service", serviceName),
			observability.NodeID(requestNode(req)),
		)
		defer span.End()
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		span.SetAttributes(attribute.String("rpc.grpc.status_code", code.String()))
		logger.Debug("rpc", "method", method, "code", code.String(), "duration", time.Since(start))
		observability.Default.IncCounter("grpc_requests_total", map[string]string{"method": method, "code": code.String()}, 1)
		return resp, err
	}
}

// authInterceptor resolves the bearer token to a node id and rejects
// requests naming any other node.
func authInterceptor(creds Credentials) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if len(creds) == 0 {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		var got string
		if vals := md.Get("authorization"); len(vals) > 0 {
			got = strings.TrimSpace(strings.TrimPrefix(vals[0], "Bearer "))
		}
		if got == "" {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}
		bound, ok := lookupToken(creds, got)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		if bound != AnyNode {
			if nodeID := requestNode(req); nodeID != bound {
				return nil, errcode.New(errcode.NotNode, "token is bound to node %s, request names %q", bound, nodeID)
			}
		}
		return handler(ctx, req)
	}
}

func lookupToken(creds Credentials, token string) (string, bool) {
	for t, nodeID := range creds {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return nodeID, true
		}
	}
	return "", false
}

// requestNode is the node a request acts for.
func requestNode(req any) string {
	switch r := req.(type) {
	case *coordapi.RegisterNodeRequest:
		return strings.TrimSpace(r.NodeID)
	case *coordapi.NodeRef:
		return r.NodeID
	case *coordapi.StakeChange:
		return r.NodeID
	case *coordapi.TaskRef:
		return r.NodeID
	case *coordapi.ResultSubmission:
		return r.NodeID
	case *coordapi.NotificationsRequest:
		return r.NodeID
	default:
		return ""
	}
}

// errorInterceptor turns coordinator errors into gRPC statuses and records
// the error code in the trailer so clients can rebuild it.
func errorInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}
		var e *errcode.Error
		if !errors.As(err, &e) {
			if _, ok := status.FromError(err); ok {
				return nil, err
			}
			return nil, status.Error(codes.Internal, err.Error())
		}
		_ = grpc.SetTrailer(ctx, metadata.Pairs(errorCodeKey, string(e.Code)))
		return nil, status.Error(grpcCode(e.Code), e.Message)
	}
}

func grpcCode(code errcode.Code) codes.Code {
	if code == errcode.RateLimited {
		return codes.ResourceExhausted
	}
	switch errcode.ClassOf(code) {
	case errcode.ClassValidation:
		return codes.InvalidArgument
	case errcode.ClassAuthorization:
		return codes.PermissionDenied
	case errcode.ClassConflict:
		return codes.FailedPrecondition
	case errcode.ClassNotFound:
		return codes.NotFound
	case errcode.ClassUnavailable:
		return codes.Unavailable
	default:
		return codes.Unknown
	}
}

func unary[Req any, Resp any](name string, call func(NodeService, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			svc := srv.(NodeService)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(svc, ctx, req.(*Req))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*NodeService)(nil),
	Methods: []grpc.MethodDesc{
		unary("Register", NodeService.Register),
		unary("Heartbeat", NodeService.Heartbeat),
		unary("Deactivate", NodeService.Deactivate),
		unary("Deposit", NodeService.Deposit),
		unary("Withdraw", NodeService.Withdraw),
		unary("ListAssigned", NodeService.ListAssigned),
		unary("Acknowledge", NodeService.Acknowledge),
		unary("SubmitResult", NodeService.SubmitResult),
		unary("Notifications", NodeService.Notifications),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: serviceName,
}
