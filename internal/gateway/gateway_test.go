package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/toolgate/toolgate/internal/admission"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/event"
	"github.com/toolgate/toolgate/internal/notify"
	"github.com/toolgate/toolgate/internal/react"
	"github.com/toolgate/toolgate/internal/rule"
	"github.com/toolgate/toolgate/internal/tool"
	"github.com/toolgate/toolgate/internal/workflow"
)

const testToken = "test-token-1234"

type fixture struct {
	server    *Server
	http      *httptest.Server
	manager   *admission.Manager
	workflows *workflow.Engine
	bus       *event.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg := tool.NewRegistry()
	for _, d := range []tool.Descriptor{
		{Name: "echo", Category: tool.CategoryUtility, Permission: tool.PermissionAuto},
		{Name: "guarded_write", Category: tool.CategoryFilesystem, Permission: tool.PermissionUserApproval},
		{Name: "blocked", Category: tool.CategorySystem, Permission: tool.PermissionDenied},
	} {
		if err := reg.Register(d); err != nil {
			t.Fatal(err)
		}
	}

	bus := event.NewBus(0, nil)
	wf := workflow.NewEngine(workflow.Config{
		Rules:    rule.NewSet(),
		Bus:      bus,
		Notifier: &notify.MemoryNotifier{},
	})
	t.Cleanup(wf.Close)

	executor := tool.RunFunc(func(_ context.Context, name string, _ map[string]any) (tool.Result, error) {
		return tool.Result{Success: true, Output: name + " ok"}, nil
	})
	manager := admission.NewManager(admission.Config{
		Registry:  reg,
		Executor:  executor,
		Workflows: wf,
		Bus:       bus,
	})

	reasoner := react.NewEngine(react.Config{
		Complete: func(_ context.Context, _ string) (string, error) {
			return "ANSWER: all done", nil
		},
		Runner: manager,
	})

	srv := New(Config{
		Gateway: config.GatewayConfig{
			Auth: config.AuthConfig{BearerToken: testToken, BasicUser: "ops", BasicPass: "hunter2"},
		},
		Manager:   manager,
		Workflows: wf,
		Reasoner:  reasoner,
		Bus:       bus,
	})
	ts := httptest.NewServer(srv.router())
	t.Cleanup(ts.Close)

	return &fixture{server: srv, http: ts, manager: manager, workflows: wf, bus: bus}
}

func (f *fixture) do(t *testing.T, method, path string, body any, auth bool) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, f.http.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func TestHealthIsPublic(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp := f.do(t, "GET", "/health", nil, false)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAPIRequiresAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp := f.do(t, "GET", "/api/executions", nil, false)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	resp = f.do(t, "GET", "/api/executions", nil, true)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer status = %d, want 200", resp.StatusCode)
	}

	// Basic auth is an alternative credential.
	req, _ := http.NewRequest("GET", f.http.URL+"/api/executions", nil)
	req.SetBasicAuth("ops", "hunter2")
	basicResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	basicResp.Body.Close()
	if basicResp.StatusCode != http.StatusOK {
		t.Fatalf("basic status = %d, want 200", basicResp.StatusCode)
	}

	// Wrong token fails closed.
	req, _ = http.NewRequest("GET", f.http.URL+"/api/executions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	badResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	badResp.Body.Close()
	if badResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", badResp.StatusCode)
	}
}

func TestSubmitAndInspectExecution(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp := f.do(t, "POST", "/api/executions", submitPayload{Tool: "echo"}, true)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202", resp.StatusCode)
	}
	ex := decode[admission.Execution](t, resp)
	if ex.Status != admission.StatusApproved {
		t.Fatalf("execution status = %s, want approved", ex.Status)
	}

	resp = f.do(t, "GET", "/api/executions/"+ex.ID, nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	got := decode[admission.Execution](t, resp)
	if got.ID != ex.ID {
		t.Fatalf("got execution %s, want %s", got.ID, ex.ID)
	}
}

func TestSubmitErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp := f.do(t, "POST", "/api/executions", submitPayload{Tool: "no_such"}, true)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown tool status = %d, want 404", resp.StatusCode)
	}

	resp = f.do(t, "POST", "/api/executions", submitPayload{Tool: "blocked"}, true)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("denied tool status = %d, want 403", resp.StatusCode)
	}

	resp = f.do(t, "POST", "/api/executions", map[string]any{}, true)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty tool status = %d, want 400", resp.StatusCode)
	}
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp := f.do(t, "POST", "/api/executions", submitPayload{Tool: "guarded_write", Role: "user"}, true)
	ex := decode[admission.Execution](t, resp)
	if ex.Status != admission.StatusPending || ex.RequestID == "" {
		t.Fatalf("execution = %+v, want pending with request", ex)
	}

	resp = f.do(t, "GET", "/api/approvals?status=pending", nil, true)
	pending := decode[[]workflow.Request](t, resp)
	if len(pending) != 1 || pending[0].ID != ex.RequestID {
		t.Fatalf("pending approvals = %+v", pending)
	}

	resp = f.do(t, "POST", fmt.Sprintf("/api/approvals/%s/approve", ex.RequestID),
		decisionPayload{Actor: "user"}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d, want 200", resp.StatusCode)
	}
	req := decode[workflow.Request](t, resp)
	if req.Status != workflow.RequestApproved {
		t.Fatalf("request status = %s, want approved", req.Status)
	}

	got, _ := f.manager.Get(ex.ID)
	if got.Status != admission.StatusApproved {
		t.Fatalf("execution status = %s, want approved", got.Status)
	}
}

func TestRejectValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp := f.do(t, "POST", "/api/executions", submitPayload{Tool: "guarded_write", Role: "user"}, true)
	ex := decode[admission.Execution](t, resp)

	// Missing actor.
	resp = f.do(t, "POST", fmt.Sprintf("/api/approvals/%s/reject", ex.RequestID),
		decisionPayload{Reason: "nope"}, true)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing actor status = %d, want 400", resp.StatusCode)
	}

	// Missing reason.
	resp = f.do(t, "POST", fmt.Sprintf("/api/approvals/%s/reject", ex.RequestID),
		decisionPayload{Actor: "user"}, true)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing reason status = %d, want 400", resp.StatusCode)
	}

	// Unknown request.
	resp = f.do(t, "POST", "/api/approvals/unknown/reject",
		decisionPayload{Actor: "user", Reason: "nope"}, true)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown request status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelExecution(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp := f.do(t, "POST", "/api/executions", submitPayload{Tool: "guarded_write", Role: "user"}, true)
	ex := decode[admission.Execution](t, resp)

	resp = f.do(t, "DELETE", "/api/executions/"+ex.ID, nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200", resp.StatusCode)
	}
	got := decode[admission.Execution](t, resp)
	if got.Status != admission.StatusError || got.ErrorCode != "cancelled" {
		t.Fatalf("execution = %+v, want cancelled", got)
	}

	resp = f.do(t, "DELETE", "/api/executions/"+ex.ID, nil, true)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", resp.StatusCode)
	}
}

func TestRunEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp := f.do(t, "POST", "/api/runs", runPayload{Goal: "say hi"}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run status = %d, want 200", resp.StatusCode)
	}
	res := decode[react.Result](t, resp)
	if res.Answer != "all done" {
		t.Fatalf("answer = %q", res.Answer)
	}
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + f.http.URL[len("http"):] + "/api/events"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// An execution submitted after the subscription must arrive as an event.
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = f.manager.Submit(context.Background(), admission.SubmitInput{ToolName: "echo"})
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev event.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if ev.Type == event.ExecutionRequested {
			return
		}
	}
}
