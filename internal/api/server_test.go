package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/salazarsebas/iasppt/internal/coordinator"
	"github.com/salazarsebas/iasppt/internal/errcode"
	"github.com/salazarsebas/iasppt/internal/ledger"
	"github.com/salazarsebas/iasppt/internal/observability"
	"github.com/salazarsebas/iasppt/internal/registry"
	"github.com/salazarsebas/iasppt/internal/scheduler"
	"github.com/salazarsebas/iasppt/internal/settlement"
	"github.com/salazarsebas/iasppt/internal/state"
	"github.com/salazarsebas/iasppt/internal/verify"
	"github.com/salazarsebas/iasppt/pkg/coordapi"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	h     http.Handler
	clock *testClock
	hash  *verify.HashMatch
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)}
	l := ledger.New(ledger.Options{})
	reg := registry.New(l, registry.Options{RequireUniqueEndpoint: true})
	engine := scheduler.NewEngine(reg, scheduler.Options{})
	hash, err := verify.NewHashMatch(verify.SHA256)
	if err != nil {
		t.Fatalf("hash verifier: %v", err)
	}
	coord := coordinator.New(coordinator.Deps{
		Store:    state.NewMemoryStore(),
		Outbox:   state.NewMemoryOutbox(0),
		Ledger:   l,
		Registry: reg,
		Engine:   engine,
		Settler:  settlement.New(l, reg, hash, settlement.Options{}),
	}, coordinator.Options{
		Owner:    "operator",
		Defaults: state.Params{MinStake: ledger.Tokens(1), MaxTasksPerNode: 10, TaskTimeout: time.Hour},
		Clock:    clock.Now,
	})
	opts.Now = clock.Now
	return &harness{h: NewServer(coord, opts).Handler(), clock: clock, hash: hash}
}

type reqOpt func(*http.Request)

func withToken(token string) reqOpt {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func asRequester(id string) reqOpt {
	return func(r *http.Request) { r.Header.Set("X-IAS-Requester", id) }
}

func withHeader(k, v string) reqOpt {
	return func(r *http.Request) { r.Header.Set(k, v) }
}

func (h *harness) do(t *testing.T, method, path string, reqBody any, opts ...reqOpt) *httptest.ResponseRecorder {
	t.Helper()
	var body []byte
	switch v := reqBody.(type) {
	case nil:
	case []byte:
		body = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		body = b
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, o := range opts {
		o(req)
	}
	w := httptest.NewRecorder()
	h.h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v body=%s", err, w.Body.String())
	}
	return out
}

func registerBody(id string) coordapi.RegisterNodeRequest {
	return coordapi.RegisterNodeRequest{
		NodeID:         id,
		ComputeClasses: []string{"gpu-a100"},
		Endpoint:       id + ".example:9000",
		Stake:          "1",
	}
}

func taskBody() coordapi.SubmitTaskRequest {
	return coordapi.SubmitTaskRequest{
		TaskType:        "inference",
		ModelRef:        "model://llama",
		InputRef:        "ipfs://in",
		RequiredClass:   "gpu-a100",
		Budget:          "0.1",
		DeadlineSeconds: 3600,
	}
}

func TestNodeAndTaskLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t, Options{})

	w := h.do(t, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK || w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("health: code=%d request id=%q", w.Code, w.Header().Get("X-Request-ID"))
	}

	w = h.do(t, http.MethodPost, "/v1/nodes", registerBody("n1"))
	if w.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d body=%s", w.Code, w.Body.String())
	}
	node := decode[coordapi.Node](t, w)
	if node.Status != string(state.NodeActive) || node.Stake == nil || node.Stake.Locked != "1" {
		t.Fatalf("unexpected registered node: %+v", node)
	}

	w = h.do(t, http.MethodPost, "/v1/tasks", taskBody(), asRequester("alice"))
	if w.Code != http.StatusCreated {
		t.Fatalf("submit: expected 201, got %d body=%s", w.Code, w.Body.String())
	}
	task := decode[coordapi.Task](t, w)
	if task.Status != string(state.TaskAssigned) || task.Assignee != "n1" || task.Requester != "alice" {
		t.Fatalf("expected task assigned to n1 after submit, got %+v", task)
	}

	w = h.do(t, http.MethodGet, "/v1/nodes/n1/tasks", nil)
	if got := decode[coordapi.ListTasksResponse](t, w); got.Returned != 1 || got.Tasks[0].TaskID != task.TaskID {
		t.Fatalf("expected one assigned task for n1, got %+v", got)
	}
	w = h.do(t, http.MethodGet, "/v1/nodes/n1/notifications", nil)
	if got := decode[coordapi.NotificationsResponse](t, w); len(got.Notifications) != 1 || got.Notifications[0].Kind != "task_assigned" {
		t.Fatalf("expected task_assigned notification, got %+v", got)
	}

	h.clock.Advance(time.Minute)
	w = h.do(t, http.MethodPost, "/v1/nodes/n1/tasks/1/ack", nil)
	if got := decode[coordapi.Task](t, w); got.Status != string(state.TaskExecuting) {
		t.Fatalf("expected Executing after ack, got %+v", got)
	}

	h.clock.Advance(time.Minute)
	out := "s3://results/1"
	w = h.do(t, http.MethodPost, "/v1/nodes/n1/tasks/1/result", coordapi.SubmitResultRequest{
		Proof:     h.hash.Commit(task.TaskID, "n1", out),
		OutputRef: out,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("result: expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	res := decode[coordapi.SubmitResultResponse](t, w)
	if !res.Accepted || res.Status != string(state.TaskCompleted) || res.Reward == "0" {
		t.Fatalf("expected accepted result with reward, got %+v", res)
	}

	w = h.do(t, http.MethodGet, "/v1/tasks/1/result", nil)
	if got := decode[coordapi.TaskResultResponse](t, w); got.Status != string(settlement.ResultReady) || got.Ref != out {
		t.Fatalf("unexpected task result: %+v", got)
	}
	w = h.do(t, http.MethodGet, "/v1/requesters/alice/notifications", nil)
	if got := decode[coordapi.NotificationsResponse](t, w); len(got.Notifications) != 2 || got.Notifications[0].Kind != "task_assigned" || got.Notifications[1].Kind != "task_completed" {
		t.Fatalf("expected task_assigned then task_completed for alice, got %+v", got)
	}
	w = h.do(t, http.MethodGet, "/v1/nodes/n1/rewards", nil)
	if got := decode[coordapi.ListRewardsResponse](t, w); len(got.Rewards) != 1 || got.Total != res.Reward {
		t.Fatalf("unexpected rewards: %+v", got)
	}
	w = h.do(t, http.MethodGet, "/v1/stats", nil)
	stats := decode[coordapi.StatsResponse](t, w)
	if stats.CompletedTasks != 1 || stats.ActiveNodes != 1 || stats.AverageCompletionSeconds != 120 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	w = h.do(t, http.MethodPost, "/v1/nodes/n1/deactivate", nil)
	if got := decode[coordapi.Node](t, w); got.Status != string(state.NodeDeactivated) {
		t.Fatalf("expected Deactivated after deactivate, got %+v", got)
	}
	w = h.do(t, http.MethodPost, "/v1/nodes/n1/withdraw", coordapi.AmountRequest{Amount: "1"})
	if w.Code != http.StatusOK {
		t.Fatalf("withdraw: expected 200, got %d body=%s", w.Code, w.Body.String())
	}
}

func TestErrorsMapToStatus(t *testing.T) {
	h := newHarness(t, Options{})
	if w := h.do(t, http.MethodPost, "/v1/tasks", taskBody()); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without requester identity, got %d", w.Code)
	}
	if w := h.do(t, http.MethodPost, "/v1/tasks", []byte(`{"budget":`), asRequester("alice")); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", w.Code)
	}
	w := h.do(t, http.MethodGet, "/v1/tasks/99", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d", w.Code)
	}
	if got := decode[coordapi.ErrorResponse](t, w); got.Code != string(errcode.UnknownTask) || got.Class != string(errcode.ClassNotFound) {
		t.Fatalf("unexpected error body: %+v", got)
	}

	h.do(t, http.MethodPost, "/v1/tasks", taskBody(), asRequester("alice"))
	if w := h.do(t, http.MethodPost, "/v1/tasks/1/cancel", nil, asRequester("bob")); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cancel by another requester, got %d", w.Code)
	}
	if w := h.do(t, http.MethodPost, "/v1/tasks/1/cancel", nil, asRequester("alice")); w.Code != http.StatusOK {
		t.Fatalf("expected cancel by requester to succeed, got %d body=%s", w.Code, w.Body.String())
	}
	if w := h.do(t, http.MethodPost, "/v1/tasks/1/cancel", nil, asRequester("alice")); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for second cancel, got %d", w.Code)
	}
	if w := h.do(t, http.MethodPost, "/v1/nodes/n1/deposit", coordapi.AmountRequest{Amount: "lots"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid amount, got %d", w.Code)
	}
	if w := h.do(t, http.MethodDelete, "/v1/tasks", nil); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
	if w := h.do(t, http.MethodGet, "/v1/tasks?status=Unknown", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status filter, got %d", w.Code)
	}
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{errors.New("boom"), http.StatusInternalServerError},
		{errcode.New(errcode.RateLimited, "slow down"), http.StatusTooManyRequests},
		{errcode.New(errcode.Paused, "paused"), http.StatusServiceUnavailable},
		{errcode.New(errcode.NotOwner, "no"), http.StatusForbidden},
		{errcode.New(errcode.InsufficientBalance, "short"), http.StatusConflict},
		{errcode.New(errcode.InvalidAmount, "bad"), http.StatusBadRequest},
		{errcode.New(errcode.UnknownNode, "who"), http.StatusNotFound},
	}
	for _, tc := range cases {
		if got := StatusForError(tc.err); got != tc.want {
			t.Fatalf("StatusForError(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestAuthScopes(t *testing.T) {
	t.Setenv("IAS_API_TOKENS", "n1-token:node:n1,alice-token:requester:alice,ops-token:operator,metrics-token:metrics,fleet-token:placeholder")
	t.Setenv("IAS_API_TOKEN_ROLES", "fleet-token=fleet")
	h := newHarness(t, Options{})

	if w := h.do(t, http.MethodGet, "/v1/metrics", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	if w := h.do(t, http.MethodGet, "/v1/metrics", nil, withToken("nope")); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown token, got %d", w.Code)
	}
	if w := h.do(t, http.MethodGet, "/v1/metrics", nil, withToken("metrics-token")); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for metrics token, got %d", w.Code)
	}
	if w := h.do(t, http.MethodPost, "/v1/nodes", registerBody("n2"), withToken("n1-token")); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 registering n2 with n1 token, got %d", w.Code)
	}
	if w := h.do(t, http.MethodPost, "/v1/nodes", registerBody("n1"), withToken("n1-token")); w.Code != http.StatusCreated {
		t.Fatalf("expected 201 registering n1 with its token, got %d body=%s", w.Code, w.Body.String())
	}
	if w := h.do(t, http.MethodPost, "/v1/nodes", registerBody("n3"), withToken("fleet-token")); w.Code != http.StatusCreated {
		t.Fatalf("expected fleet role to act as any node, got %d body=%s", w.Code, w.Body.String())
	}

	// alice's token is bound to one requester, so no header is needed.
	w := h.do(t, http.MethodPost, "/v1/tasks", taskBody(), withToken("alice-token"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected submit with requester token to succeed, got %d body=%s", w.Code, w.Body.String())
	}
	if got := decode[coordapi.Task](t, w); got.Requester != "alice" {
		t.Fatalf("expected requester alice, got %q", got.Requester)
	}
	if w := h.do(t, http.MethodPost, "/v1/tasks", taskBody(), withToken("alice-token"), asRequester("bob")); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 acting as bob with alice token, got %d", w.Code)
	}
	if w := h.do(t, http.MethodGet, "/v1/requesters/bob/notifications", nil, withToken("alice-token")); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 draining bob's notifications, got %d", w.Code)
	}

	if w := h.do(t, http.MethodPost, "/v1/admin/pause", nil, withToken("alice-token")); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for pause without operator scope, got %d", w.Code)
	}
	w = h.do(t, http.MethodPost, "/v1/admin/pause", nil, withToken("ops-token"))
	if got := decode[coordapi.Params](t, w); w.Code != http.StatusOK || !got.Paused {
		t.Fatalf("expected paused params, got %d %+v", w.Code, got)
	}
	if w := h.do(t, http.MethodPost, "/v1/tasks", taskBody(), withToken("alice-token")); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while paused, got %d", w.Code)
	}
	if w := h.do(t, http.MethodPost, "/v1/admin/unpause", nil, withToken("ops-token")); w.Code != http.StatusOK {
		t.Fatalf("expected unpause to succeed, got %d", w.Code)
	}
}

func TestSubmitRateLimit(t *testing.T) {
	h := newHarness(t, Options{SubmitPerRequesterPerMin: 1})
	if w := h.do(t, http.MethodPost, "/v1/tasks", taskBody(), asRequester("alice")); w.Code != http.StatusCreated {
		t.Fatalf("first submit: expected 201, got %d", w.Code)
	}
	w := h.do(t, http.MethodPost, "/v1/tasks", taskBody(), asRequester("alice"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on second submit, got %d", w.Code)
	}
	if got := decode[coordapi.ErrorResponse](t, w); got.Code != string(errcode.RateLimited) {
		t.Fatalf("unexpected error code %q", got.Code)
	}
	if w := h.do(t, http.MethodPost, "/v1/tasks", taskBody(), asRequester("bob")); w.Code != http.StatusCreated {
		t.Fatalf("other requesters are not limited, got %d", w.Code)
	}
	h.clock.Advance(61 * time.Second)
	if w := h.do(t, http.MethodPost, "/v1/tasks", taskBody(), asRequester("alice")); w.Code != http.StatusCreated {
		t.Fatalf("expected submit after the window to succeed, got %d", w.Code)
	}
}

func TestAdminParamsAndConfirmToken(t *testing.T) {
	t.Setenv("IAS_ADMIN_CONFIRM_TOKEN", "yes-really")
	h := newHarness(t, Options{})

	patch := []byte(`{"max_tasks_per_node":5,"task_timeout_seconds":1800}`)
	if w := h.do(t, http.MethodPatch, "/v1/admin/params", patch); w.Code != http.StatusPreconditionRequired {
		t.Fatalf("expected 428 without confirmation, got %d", w.Code)
	}
	w := h.do(t, http.MethodPatch, "/v1/admin/params", patch, withHeader("X-IAS-Confirm", "yes-really"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected params update to succeed, got %d body=%s", w.Code, w.Body.String())
	}
	if got := decode[coordapi.Params](t, w); got.MaxTasksPerNode != 5 || got.TaskTimeoutSeconds != 1800 {
		t.Fatalf("unexpected params: %+v", got)
	}
	bad := []byte(`{"max_tasks_per_node":1000}`)
	if w := h.do(t, http.MethodPatch, "/v1/admin/params", bad, withHeader("X-IAS-Confirm", "yes-really")); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out of range params, got %d", w.Code)
	}

	w = h.do(t, http.MethodGet, "/v1/admin/audit?format=csv", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Header().Get("Content-Type"), "text/csv") {
		t.Fatalf("expected csv audit export, got %d %s", w.Code, w.Header().Get("Content-Type"))
	}
	body := w.Body.String()
	if !strings.HasPrefix(body, "id,created_at,action,actor") || !strings.Contains(body, "params_updated") {
		t.Fatalf("unexpected audit csv: %s", body)
	}
	w = h.do(t, http.MethodGet, "/v1/admin/audit?action=params_updated&limit=10", nil)
	if got := decode[coordapi.ListAuditEventsResponse](t, w); got.Returned != 1 || got.Events[0].Actor != "operator" {
		t.Fatalf("unexpected audit events: %+v", got)
	}
	if w := h.do(t, http.MethodGet, "/v1/admin/audit?from=yesterday", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad time filter, got %d", w.Code)
	}
}

func TestManualSweepIsRateLimited(t *testing.T) {
	t.Setenv("IAS_ADMIN_SWEEP_RATE_LIMIT_PER_MIN", "1")
	h := newHarness(t, Options{})
	w := h.do(t, http.MethodPost, "/v1/admin/sweep", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected first sweep to succeed, got %d body=%s", w.Code, w.Body.String())
	}
	if w := h.do(t, http.MethodPost, "/v1/admin/sweep", nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for second sweep, got %d", w.Code)
	}
}

func TestMetricsPrometheusEndpoint(t *testing.T) {
	observability.Default.Reset()
	h := newHarness(t, Options{})
	h.do(t, http.MethodPost, "/v1/nodes", registerBody("n1"))

	w := h.do(t, http.MethodGet, "/v1/metrics/prometheus", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Fatalf("unexpected content type: %s", ct)
	}
	body := w.Body.String()
	for _, want := range []string{
		`coordinator_calls_total{op="register",outcome="ok"} 1`,
		`coordinator_call_duration_seconds_count{op="register"} 1`,
		`network_nodes{status="active"} 1`,
		"# TYPE coordinator_call_duration_seconds histogram",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in body: %s", want, body)
		}
	}
}
