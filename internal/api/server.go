package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/salazarsebas/iasppt/internal/coordinator"
	"github.com/salazarsebas/iasppt/internal/errcode"
	"github.com/salazarsebas/iasppt/internal/ledger"
	"github.com/salazarsebas/iasppt/internal/observability"
	"github.com/salazarsebas/iasppt/internal/state"
	"github.com/salazarsebas/iasppt/pkg/coordapi"
)

const (
	maxBodyBytes         = 1 << 20
	defaultNotifications = 100
	defaultListLimit     = 100
)

type Options struct {
	Logger                   hclog.Logger
	SubmitPerRequesterPerMin int
	SubmitGlobalPerMin       int
	// Now feeds the rate limiter and relative deadlines.
	Now func() time.Time
}

type Server struct {
	coord   *coordinator.Coordinator
	auth    *authorizer
	safety  *adminSafety
	limiter *submitLimiter
	logger  hclog.Logger
	now     func() time.Time
}

func NewServer(coord *coordinator.Coordinator, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Server{
		coord:   coord,
		auth:    newAuthorizerFromEnv(),
		safety:  newAdminSafetyFromEnv(),
		limiter: newSubmitLimiter(opts.SubmitPerRequesterPerMin, opts.SubmitGlobalPerMin),
		logger:  logger.Named("http"),
		now:     now,
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/v1/metrics/prometheus", s.handleMetricsPrometheus).Methods(http.MethodGet)

	r.HandleFunc("/v1/nodes", s.handleRegisterNode).Methods(http.MethodPost)
	r.HandleFunc("/v1/nodes", s.handleListNodes).Methods(http.MethodGet)
	r.HandleFunc("/v1/nodes/{id}", s.handleGetNode).Methods(http.MethodGet)
	r.HandleFunc("/v1/nodes/{id}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/v1/nodes/{id}/deactivate", s.handleDeactivate).Methods(http.MethodPost)
	r.HandleFunc("/v1/nodes/{id}/deposit", s.handleDeposit).Methods(http.MethodPost)
	r.HandleFunc("/v1/nodes/{id}/withdraw", s.handleWithdraw).Methods(http.MethodPost)
	r.HandleFunc("/v1/nodes/{id}/tasks", s.handleNodeTasks).Methods(http.MethodGet)
	r.HandleFunc("/v1/nodes/{id}/tasks/{task}/ack", s.handleAcknowledge).Methods(http.MethodPost)
	r.HandleFunc("/v1/nodes/{id}/tasks/{task}/result", s.handleSubmitResult).Methods(http.MethodPost)
	r.HandleFunc("/v1/nodes/{id}/rewards", s.handleNodeRewards).Methods(http.MethodGet)
	r.HandleFunc("/v1/nodes/{id}/notifications", s.handleNodeNotifications).Methods(http.MethodGet)

	r.HandleFunc("/v1/tasks", s.handleSubmitTask).Methods(http.MethodPost)
	r.HandleFunc("/v1/tasks", s.handleListTasks).Methods(http.MethodGet)
	r.HandleFunc("/v1/tasks/pending", s.handlePendingTasks).Methods(http.MethodGet)
	r.HandleFunc("/v1/tasks/{task}", s.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/v1/tasks/{task}/result", s.handleTaskResult).Methods(http.MethodGet)
	r.HandleFunc("/v1/tasks/{task}/cancel", s.handleCancelTask).Methods(http.MethodPost)
	r.HandleFunc("/v1/requesters/{id}/notifications", s.handleRequesterNotifications).Methods(http.MethodGet)

	r.HandleFunc("/v1/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/v1/params", s.handleParams).Methods(http.MethodGet)
	r.HandleFunc("/v1/admin/params", s.handleUpdateParams).Methods(http.MethodPatch)
	r.HandleFunc("/v1/admin/pause", s.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/v1/admin/unpause", s.handleUnpause).Methods(http.MethodPost)
	r.HandleFunc("/v1/admin/sweep", s.handleSweep).Methods(http.MethodPost)
	r.HandleFunc("/v1/admin/audit", s.handleAuditEvents).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return withRequestID(withTracing(s.withLogging(r)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScopes(w, r, "metrics", "operator"); !ok {
		return
	}
	s.refreshNetworkGauges(r)
	writeJSON(w, http.StatusOK, observability.Default.Snapshot())
}

// refreshNetworkGauges samples the network view at scrape time. A failed read
// leaves the previous values in place.
func (s *Server) refreshNetworkGauges(r *http.Request) {
	st, err := s.coord.GetNetworkStats(r.Context())
	if err != nil {
		s.logger.Warn("network stats for metrics", "error", err)
		return
	}
	observability.Default.RecordNetwork(observability.NetworkGauges{
		ActiveNodes:    st.ActiveNodes,
		TotalNodes:     st.TotalNodes,
		PendingTasks:   st.PendingTasks,
		CompletedTasks: st.CompletedTasks,
		TotalTasks:     st.TotalTasks,
		TotalStaked:    tokenFloat(st.TotalStaked),
		TotalRewards:   tokenFloat(st.TotalRewards),
		AvgCompletion:  st.AverageCompletion,
	})
}

func tokenFloat(v math.Int) float64 {
	f, err := strconv.ParseFloat(ledger.FormatTokens(v), 64)
	if err != nil {
		return 0
	}
	return f
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScopes(w, r, "metrics", "operator"); !ok {
		return
	}
	s.refreshNetworkGauges(r)
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
}

// Node lifecycle and stake. The path id is the caller.

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req coordapi.RegisterNodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	nodeID := strings.TrimSpace(req.NodeID)
	if nodeID == "" {
		writeError(w, http.StatusBadRequest, "node_id is required")
		return
	}
	if !s.requireNode(w, r, nodeID) {
		return
	}
	in, err := RegisterRequest(req)
	if err != nil {
		s.writeCoordError(w, err)
		return
	}
	node, err := s.coord.Register(r.Context(), coordinator.Call{Caller: nodeID}, in)
	if err != nil {
		s.writeCoordError(w, err)
		return
	}
	s.writeNode(w, r, http.StatusCreated, node)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := s.pathNode(w, r)
	if !ok {
		return
	}
	node, err := s.coord.Heartbeat(r.Context(), coordinator.Call{Caller: nodeID})
	if err != nil {
		s.writeCoordError(w, err)
		return
	}
	s.writeNode(w, r, http.StatusOK, node)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := s.pathNode(w, r)
	if !ok {
		return
	}
	node, err := s.coord.Deactivate(r.Context(), coordinator.Call{Caller: nodeID})
	if err != nil {
		s.writeCoordError(w, err)
		return
	}
	s.writeNode(w, r, http.StatusOK, node)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleStakeChange(w, r, s.coord.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleStakeChange(w, r, s.coord.Withdraw)
}

type stakeOp func(ctx context.Context, call coordinator.Call, amount math.Int) (state.StakeAccount, error)

func (s *Server) handleStakeChange(w http.ResponseWriter, r *http.Request, op stakeOp) {
	nodeID, ok := s.pathNode(w, r)
	if !ok {
		return
	}
	var req coordapi.AmountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amt, err := ParseAmount(req.Amount)
	if err != nil {
		s.writeCoordError(w, err)
		return
	}
	acct, err := op(r.Context(), coordinator.Call{Caller: nodeID}, amt)
	if err != nil {
		s.writeCoordError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StakeToWire(acct))
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := s.pathNode(w, r)
	if !ok {
		return
	}
	taskID, ok := pathTask(w, r)
	if !ok {
		return
	}
	task, err := s.coord.AcknowledgeTask(r.Context(), coordinator.Call{Caller: nodeID}, taskID)
	if err != nil {
		s.writeCoordError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TaskToWire(task))
}

func (s *Server) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := s.pathNode(w, r)
	if !ok {
		return
	}
	taskID, ok := pathTask(w, r)
	if !ok {
		return
	}
	var req coordapi.SubmitResultRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	out, err := s.coord.SubmitResult(r.Context(), coordinator.Call{Caller: nodeID}, coordinator.ResultRequest{
		TaskID:    taskID,
		Proof:     req.Proof,
		OutputRef: req.OutputRef,
	})
	if err != nil {
		s.writeCoordError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OutcomeToWire(out))
}

func (s *Server) handleNodeNotifications(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := s.pathNode(w, r)
	if !ok {
		return
	}
	s.drain(w, r, coordinator.NodeRecipient(nodeID))
}

// Node queries. Any authenticated caller may read.

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScopes(w, r); !ok {
		return
	}
	view, err := s.coord.GetNode(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeCoordError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NodeViewToWire(view))
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScopes(w, r); !ok {
		return
	}
	views, err := s.coord.ListActiveNodes(r.Context())
	if err != nil {
		s.writeCoordError(w, err)
		return
	}
	out := coordapi.ListNodesResponse{Nodes: make([]coordapi.Node, 0, len(views))}
	for _, v := range views {
		out.Nodes = append(out.Nodes, NodeViewToWire(v))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleNodeTasks(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScopes(w, r); !ok {
		return
	}
	s.listTasks(w, r, state.TaskFilter{
		Statuses: []state.TaskStatus{state.TaskAssigned, state.TaskExecuting},
		Assignee: mux.Vars(r)["id"],
	})
}

func (s *Server) handleNodeRewards(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScopes(w, r); !ok {
		return
	}
	nodeID := mux.Vars(r)["id"]
	entries, err := s.coord.ListRewards(r.Context(), nodeID)
	if err != nil {
		s.writeCoordError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RewardsToWire(nodeID, entries))
}

// Requester operations.

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	requester, ok := s.requester(w, r)
	if !ok {
		return
	}
	var req coordapi.SubmitTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	now := s.now()
	if !s.limiter.allow(requester, now) {
		observability.Default.IncCounter("submit_rate_limited_total", map[string]string{"requester": requester}, 1)
		s.writeCoordError(w, errcode.New(errcode.RateLimited, "submit rate limit exceeded for %q", requester))
		return
	}
	in, err := TaskRequest(req, now)
	if err != nil {
		s.writeCoordError(w, err)
		return
	}
	task, err := s.coord.SubmitTask(r.Context(), coordinator.Call{Caller: requester}, in)
	if err != nil {
		s.writeCoordError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, TaskToWire(task))
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	requester, ok := s.requester(w, r)
	if !ok {
		return
	}
	taskID, ok := pathTask(w, r)
	if !ok {
		return
	}
	task, err := s.coord.CancelTask(r.Context(), coordinator.Call{Caller: requester}, taskID)
	if err != nil {
		s.writeCoordError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TaskToWire(task))
}

func (s *Server) handleRequesterNotifications(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireScopes(w, r)
	if !ok {
		return
	}
	requester := mux.Vars(r)["id"]
	if !p.canActAsRequester(requester) {
		writeError(w, http.StatusForbidden, "requester access denied")
		return
	}
	s.drain(w, r, coordinator.RequesterRecipient(requester))
}

// Task queries.

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScopes(w, r); !ok {
		return
	}
	taskID, ok := pathTask(w, r)
	if !ok {
		return
	}
	task, err := s.coord.GetTask(r.Context(), taskID)
	if err != nil {
		s.writeCoordError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TaskToWire(task))
}

func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScopes(w, r); !ok {
		return
	}
	taskID, ok := pathTask(w, r)
	if !ok {
		return
	}
	view, err := s.coord.GetTaskResult(r.Context(), taskID)
	if err != nil {
		s.writeCoordError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResultToWire(taskID, view))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScopes(w, r); !ok {
		return
	}
	q := r.URL.Query()
	statuses, err := parseStatuses(q.Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.listTasks(w, r, state.TaskFilter{
		Statuses:  statuses,
		Assignee:  strings.TrimSpace(q.Get("assignee")),
		Requester: strings.TrimSpace(q.Get("requester")),
	})
}

func (s *Server) handlePendingTasks(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScopes(w, r); !ok {
		return
	}
	s.listTasks(w, r, state.TaskFilter{Statuses: []state.TaskStatus{state.TaskPending, state.TaskReassignable}})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request, filter state.TaskFilter) {
	limit, ok := queryInt(w, r, "limit", defaultListLimit)
	if !ok {
		return
	}
	filter.Limit = limit
	tasks, err := s.coord.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeCoordError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TasksToWire(tasks))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScopes(w, r); !ok {
		return
	}
	stats, err := s.coord.GetNetworkStats(r.Context())
	if err != nil {
		s.writeCoordError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatsToWire(stats))
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScopes(w, r); !ok {
		return
	}
	p, err := s.coord.Params(r.Context())
	if err != nil {
		s.writeCoordError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ParamsToWire(p))
}

// Administration. The operator scope acts as the owner.

func (s *Server) handleUpdateParams(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireOperator(w, r, true)
	if !ok {
		return
	}
	var req coordapi.UpdateParamsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	upd, err := ParamsUpdate(req)
	if err != nil {
		s.recordAdmin(p, "update_params", "rejected")
		s.writeCoordError(w, err)
		return
	}
	params, err := s.coord.UpdateParams(r.Context(), coordinator.Call{Caller: s.coord.Owner()}, upd)
	if err != nil {
		s.recordAdmin(p, "update_params", "rejected")
		s.writeCoordError(w, err)
		return
	}
	s.recordAdmin(p, "update_params", "ok")
	writeJSON(w, http.StatusOK, ParamsToWire(params))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.handleSetPaused(w, r, "pause", s.coord.Pause)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.handleSetPaused(w, r, "unpause", s.coord.Unpause)
}

func (s *Server) handleSetPaused(w http.ResponseWriter, r *http.Request, action string, op func(context.Context, coordinator.Call) error) {
	p, ok := s.requireOperator(w, r, true)
	if !ok {
		return
	}
	if err := op(r.Context(), coordinator.Call{Caller: s.coord.Owner()}); err != nil {
		s.recordAdmin(p, action, "rejected")
		s.writeCoordError(w, err)
		return
	}
	s.recordAdmin(p, action, "ok")
	params, err := s.coord.Params(r.Context())
	if err != nil {
		s.writeCoordError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ParamsToWire(params))
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireOperator(w, r, false)
	if !ok {
		return
	}
	if !s.safety.allowSweep(s.now()) {
		s.recordAdmin(p, "sweep", "rate_limited")
		s.writeCoordError(w, errcode.New(errcode.RateLimited, "manual sweep rate limit exceeded"))
		return
	}
	rep, err := s.coord.Sweep(r.Context(), coordinator.Call{Caller: p.id})
	if err != nil {
		s.recordAdmin(p, "sweep", "rejected")
		s.writeCoordError(w, err)
		return
	}
	s.recordAdmin(p, "sweep", "ok")
	writeJSON(w, http.StatusOK, SweepToWire(rep))
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScopes(w, r, "operator"); !ok {
		return
	}
	q := r.URL.Query()
	from, to, err := parseTimeRange(q.Get("from"), q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, ok := queryInt(w, r, "limit", 50)
	if !ok {
		return
	}
	offset := 0
	if raw := strings.TrimSpace(q.Get("offset")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = v
	}
	events, err := s.coord.AuditEvents(r.Context(), state.AuditQuery{
		Limit:    limit,
		Offset:   offset,
		Action:   strings.TrimSpace(q.Get("action")),
		Actor:    strings.TrimSpace(q.Get("actor")),
		Resource: strings.TrimSpace(q.Get("resource")),
		From:     from,
		To:       to,
	})
	if err != nil {
		s.writeCoordError(w, err)
		return
	}
	if strings.EqualFold(strings.TrimSpace(q.Get("format")), "csv") {
		writeAuditCSV(w, events)
		return
	}
	out := make([]coordapi.AuditEvent, 0, len(events))
	for _, e := range events {
		out = append(out, coordapi.AuditEvent{
			ID:        e.ID,
			Action:    e.Action,
			Actor:     e.Actor,
			Resource:  e.Resource,
			Result:    e.Result,
			Details:   e.Details,
			PrevHash:  e.PrevHash,
			EventHash: e.EventHash,
			CreatedAt: coordapi.FormatTime(e.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, coordapi.ListAuditEventsResponse{
		Returned: len(out),
		Limit:    limit,
		Offset:   offset,
		Events:   out,
	})
}

func (s *Server) drain(w http.ResponseWriter, r *http.Request, recipient string) {
	max, ok := queryInt(w, r, "max", defaultNotifications)
	if !ok {
		return
	}
	notes, err := s.coord.Notifications(r.Context(), recipient, max)
	if err != nil {
		s.writeCoordError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NotificationsToWire(notes))
}

func (s *Server) writeNode(w http.ResponseWriter, r *http.Request, status int, node state.NodeRecord) {
	view, err := s.coord.GetNode(r.Context(), node.ID)
	if err != nil {
		writeJSON(w, status, NodeToWire(node, nil))
		return
	}
	writeJSON(w, status, NodeViewToWire(view))
}

func (s *Server) writeCoordError(w http.ResponseWriter, err error) {
	status := StatusForError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, ErrorBody(err))
}

func (s *Server) recordAdmin(p principal, action, result string) {
	s.logger.Info("admin action", "actor", p.id, "action", action, "result", result)
	observability.Default.IncCounter("admin_actions_total", map[string]string{
		"actor":  p.id,
		"action": action,
		"result": result,
	}, 1)
}

// Authorization helpers.

func (s *Server) requireScopes(w http.ResponseWriter, r *http.Request, scopes ...string) (principal, bool) {
	p, code, msg := s.auth.authorize(r, scopes...)
	if code != http.StatusOK {
		writeError(w, code, msg)
		return principal{}, false
	}
	return p, true
}

func (s *Server) requireNode(w http.ResponseWriter, r *http.Request, nodeID string) bool {
	p, ok := s.requireScopes(w, r)
	if !ok {
		return false
	}
	if !p.canActAsNode(nodeID) {
		writeError(w, http.StatusForbidden, "node access denied")
		return false
	}
	return true
}

func (s *Server) pathNode(w http.ResponseWriter, r *http.Request) (string, bool) {
	nodeID := mux.Vars(r)["id"]
	return nodeID, s.requireNode(w, r, nodeID)
}

// requester resolves the requester a call acts for: the X-IAS-Requester
// header, or the one requester the token is bound to.
func (s *Server) requester(w http.ResponseWriter, r *http.Request) (string, bool) {
	p, ok := s.requireScopes(w, r)
	if !ok {
		return "", false
	}
	id := strings.TrimSpace(r.Header.Get("X-IAS-Requester"))
	if id == "" {
		id = p.requesterIdentity()
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "requester identity required (X-IAS-Requester)")
		return "", false
	}
	if !p.canActAsRequester(id) {
		writeError(w, http.StatusForbidden, "requester access denied")
		return "", false
	}
	return id, true
}

func (s *Server) requireOperator(w http.ResponseWriter, r *http.Request, confirm bool) (principal, bool) {
	p, ok := s.requireScopes(w, r, "operator")
	if !ok {
		return principal{}, false
	}
	if confirm && !s.safety.confirmed(r.Header.Get("X-IAS-Confirm")) {
		writeError(w, http.StatusPreconditionRequired, "confirmation token required (X-IAS-Confirm)")
		return principal{}, false
	}
	return p, true
}

func pathTask(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := mux.Vars(r)["task"]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid task id %q", raw))
		return 0, false
	}
	return id, true
}

func queryInt(w http.ResponseWriter, r *http.Request, key string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		writeError(w, http.StatusBadRequest, key+" must be a positive integer")
		return 0, false
	}
	return v, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
		return false
	}
	return true
}

func parseTimeRange(fromRaw, toRaw string) (time.Time, time.Time, error) {
	parse := func(raw string) (time.Time, error) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, errors.New("time filters must be RFC3339")
		}
		return t.UTC(), nil
	}
	from, err := parse(fromRaw)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parse(toRaw)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, to, nil
}

func writeAuditCSV(w http.ResponseWriter, events []state.AuditEventRecord) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "created_at", "action", "actor", "resource", "result", "details", "prev_hash", "event_hash"})
	for _, e := range events {
		_ = cw.Write([]string{
			strconv.FormatInt(e.ID, 10),
			e.CreatedAt.Format(time.RFC3339),
			e.Action,
			e.Actor,
			e.Resource,
			e.Result,
			e.Details,
			e.PrevHash,
			e.EventHash,
		})
	}
	cw.Flush()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, coordapi.ErrorResponse{Error: msg})
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-ID", id)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
			"request_id", r.Header.Get("X-Request-ID"),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
			attribute.String("http.request_id", r.Header.Get("X-Request-ID")),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		if span.SpanContext().HasTraceID() {
			sw.Header().Set("X-Trace-ID", span.SpanContext().TraceID().String())
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}
