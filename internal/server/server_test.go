package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/avolkov/drafthorse/internal/build"
	"github.com/avolkov/drafthorse/internal/engine"
	"github.com/avolkov/drafthorse/internal/store"
)

const testPlan = `Repo skeleton:
- Create studio/ directory
- studio/README.md => studio scaffolding

Spec:
- The service must expose a health endpoint.

Acceptance criteria:
- GET /health must return 200.
`

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	cfg := engine.DefaultConfig()
	cfg.BackoffBaseMS = 1
	cfg.NodeTimeoutMS = 5000
	s := New(cfg, st)
	ts := httptest.NewServer(s.httpSrv.Handler)
	t.Cleanup(func() {
		ts.Close()
		s.registry.CancelAll("test teardown")
	})
	return s, ts
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func submit(t *testing.T, ts *httptest.Server, planText, idemKey string) SubmitBuildResponse {
	t.Helper()
	resp, data := postJSON(t, ts.URL+"/builds",
		SubmitBuildRequest{Plan: planText, TenantID: "acme"},
		map[string]string{"Idempotency-Key": idemKey})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: got %d, body %s", resp.StatusCode, data)
	}
	var out SubmitBuildResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	return out
}

// pollBuild polls GET /builds/{id} until the build reaches one of the wanted
// statuses or the deadline passes.
func pollBuild(t *testing.T, ts *httptest.Server, buildID string, want ...build.BuildStatus) BuildView {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		var view BuildView
		if code := getJSON(t, ts.URL+"/builds/"+buildID, &view); code != http.StatusOK {
			t.Fatalf("poll: status %d", code)
		}
		for _, w := range want {
			if view.Status == w {
				return view
			}
		}
		if view.Status.Terminal() {
			t.Fatalf("build reached terminal status %s while waiting for %v", view.Status, want)
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %v, last status %s", want, view.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubmitAndPoll(t *testing.T) {
	_, ts := newTestServer(t)

	out := submit(t, ts, testPlan, "plan-1")
	if !out.Accepted || out.BuildID == "" {
		t.Fatalf("submit response: %+v", out)
	}

	view := pollBuild(t, ts, out.BuildID, build.BuildSucceeded)
	if !view.Bootable {
		t.Fatal("succeeded build must be bootable")
	}
	for id, node := range view.Nodes {
		if node.Status != build.NodeSucceeded {
			t.Errorf("node %s: got %s", id, node.Status)
		}
	}
}

func TestSubmit_Idempotent(t *testing.T) {
	_, ts := newTestServer(t)

	first := submit(t, ts, testPlan, "plan-1")
	pollBuild(t, ts, first.BuildID, build.BuildSucceeded)

	resp, data := postJSON(t, ts.URL+"/builds",
		SubmitBuildRequest{Plan: testPlan, TenantID: "acme"},
		map[string]string{"Idempotency-Key": "plan-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resubmit: got %d want 200, body %s", resp.StatusCode, data)
	}
	var second SubmitBuildResponse
	if err := json.Unmarshal(data, &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if second.Accepted {
		t.Fatal("resubmission must not be accepted as new")
	}
	if second.BuildID != first.BuildID {
		t.Fatalf("build id changed: %s vs %s", second.BuildID, first.BuildID)
	}
}

func TestSubmit_Rejections(t *testing.T) {
	_, ts := newTestServer(t)

	cases := []struct {
		name    string
		body    SubmitBuildRequest
		headers map[string]string
	}{
		{"missing idempotency key",
			SubmitBuildRequest{Plan: testPlan, TenantID: "acme"},
			nil},
		{"missing tenant",
			SubmitBuildRequest{Plan: testPlan},
			map[string]string{"Idempotency-Key": "k"}},
		{"missing plan",
			SubmitBuildRequest{TenantID: "acme"},
			map[string]string{"Idempotency-Key": "k"}},
		{"unparseable plan",
			SubmitBuildRequest{Plan: "no headings here at all", TenantID: "acme"},
			map[string]string{"Idempotency-Key": "k"}},
		{"unsupported format",
			SubmitBuildRequest{Plan: testPlan, Format: "docx", TenantID: "acme"},
			map[string]string{"Idempotency-Key": "k"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, data := postJSON(t, ts.URL+"/builds", tc.body, tc.headers)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("got %d want 400, body %s", resp.StatusCode, data)
			}
		})
	}
}

func TestGetBuild_NotFound(t *testing.T) {
	_, ts := newTestServer(t)
	if code := getJSON(t, ts.URL+"/builds/bld_missing", nil); code != http.StatusNotFound {
		t.Fatalf("got %d want 404", code)
	}
}

// scriptedHandler fails with err for the first fails calls, then succeeds.
type scriptedHandler struct {
	mu    sync.Mutex
	err   error
	fails int
	calls int
}

func (h *scriptedHandler) Execute(ctx context.Context, exec *engine.Execution, node *build.TaskNode) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.calls <= h.fails {
		return nil, h.err
	}
	return nil, nil
}

func TestGateApproveFlow(t *testing.T) {
	s, ts := newTestServer(t)
	s.engine.Registry.Register(build.TaskDefineSpec, &scriptedHandler{
		err:   build.NewStepError(build.KindTestFailure, "assertion failed"),
		fails: 3,
	})

	out := submit(t, ts, "Spec:\n- Flaky until approved.\n", "plan-1")
	pollBuild(t, ts, out.BuildID, build.BuildEscalated)

	var gates []build.EscalationGate
	if code := getJSON(t, ts.URL+"/builds/"+out.BuildID+"/gates", &gates); code != http.StatusOK {
		t.Fatalf("list gates: status %d", code)
	}
	if len(gates) != 1 {
		t.Fatalf("open gates: got %d want 1", len(gates))
	}
	if gates[0].RequiredRole != "builder-admin" {
		t.Fatalf("required role: got %q", gates[0].RequiredRole)
	}

	resp, data := postJSON(t, ts.URL+"/gates/"+gates[0].GateID+"/approve",
		GateDecisionRequest{DecidedBy: "alex"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: got %d, body %s", resp.StatusCode, data)
	}

	pollBuild(t, ts, out.BuildID, build.BuildSucceeded)

	// The gate is now resolved; approving again conflicts.
	resp, _ = postJSON(t, ts.URL+"/gates/"+gates[0].GateID+"/approve",
		GateDecisionRequest{DecidedBy: "alex"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double approve: got %d want 409", resp.StatusCode)
	}
}

func TestGateRejectFlow(t *testing.T) {
	s, ts := newTestServer(t)
	s.engine.Registry.Register(build.TaskDefineSpec, &scriptedHandler{
		err:   build.NewStepError(build.KindTestFailure, "assertion failed"),
		fails: 100,
	})

	out := submit(t, ts, "Spec:\n- Doomed.\n", "plan-1")
	pollBuild(t, ts, out.BuildID, build.BuildEscalated)

	var gates []build.EscalationGate
	getJSON(t, ts.URL+"/builds/"+out.BuildID+"/gates", &gates)
	if len(gates) != 1 {
		t.Fatalf("open gates: got %d want 1", len(gates))
	}

	resp, data := postJSON(t, ts.URL+"/gates/"+gates[0].GateID+"/reject",
		GateDecisionRequest{DecidedBy: "alex"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reject: got %d, body %s", resp.StatusCode, data)
	}

	view := pollBuild(t, ts, out.BuildID, build.BuildFailed)
	if view.FailureReason == "" {
		t.Fatal("rejected build must carry a failure reason")
	}
}

func TestGateDecision_NotFound(t *testing.T) {
	_, ts := newTestServer(t)
	resp, _ := postJSON(t, ts.URL+"/gates/gate_missing/approve",
		GateDecisionRequest{DecidedBy: "alex"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("got %d want 404", resp.StatusCode)
	}
}

func TestCancelBuild(t *testing.T) {
	_, ts := newTestServer(t)

	out := submit(t, ts, "Repo skeleton:\n- src/\n- wait 2s\n\nSpec:\n- Never reached.\n", "plan-1")

	resp, data := postJSON(t, ts.URL+"/builds/"+out.BuildID+"/cancel", map[string]string{}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: got %d, body %s", resp.StatusCode, data)
	}

	pollBuild(t, ts, out.BuildID, build.BuildCancelled)

	// Once finished, a second cancel has nothing to stop.
	resp, _ = postJSON(t, ts.URL+"/builds/"+out.BuildID+"/cancel", map[string]string{}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("cancel finished build: got %d want 409", resp.StatusCode)
	}
}

func TestEvents_HistoryAfterCompletion(t *testing.T) {
	_, ts := newTestServer(t)

	out := submit(t, ts, testPlan, "plan-1")
	pollBuild(t, ts, out.BuildID, build.BuildSucceeded)

	resp, err := http.Get(ts.URL + "/builds/" + out.BuildID + "/events")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: got %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "build_succeeded") {
		t.Fatal("event history missing build_succeeded")
	}
	if !strings.Contains(string(body), "event: done") {
		t.Fatal("finished build's stream must end with a done marker")
	}
}

func TestCSRF_CrossOriginPostBlocked(t *testing.T) {
	_, ts := newTestServer(t)

	resp, _ := postJSON(t, ts.URL+"/builds",
		SubmitBuildRequest{Plan: testPlan, TenantID: "acme"},
		map[string]string{"Idempotency-Key": "k", "Origin": "https://evil.example"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-origin POST: got %d want 403", resp.StatusCode)
	}

	resp, data := postJSON(t, ts.URL+"/builds",
		SubmitBuildRequest{Plan: testPlan, TenantID: "acme"},
		map[string]string{"Idempotency-Key": "k", "Origin": "http://localhost:3000"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("local-origin POST: got %d, body %s", resp.StatusCode, data)
	}

	// GETs are never origin-gated.
	if code := getJSON(t, ts.URL+"/health", nil); code != http.StatusOK {
		t.Fatalf("health: got %d", code)
	}
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)
	var out map[string]any
	if code := getJSON(t, ts.URL+"/health", &out); code != http.StatusOK {
		t.Fatalf("got %d want 200", code)
	}
	if out["status"] != "ok" {
		t.Fatalf("body: %v", out)
	}
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster()
	events, done, unsub := b.Subscribe()
	defer unsub()

	b.Send(map[string]any{"event": "node_started"})
	select {
	case ev := <-events:
		if ev["event"] != "node_started" {
			t.Fatalf("event: got %v", ev["event"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	b.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done channel not closed")
	}
	// Sends after close are dropped, not panics.
	b.Send(map[string]any{"event": "late"})

	// Subscribing to a closed broadcaster yields a closed channel.
	ch, _, _ := b.Subscribe()
	if _, ok := <-ch; ok {
		t.Fatal("closed broadcaster must return a closed channel")
	}
}

func TestWriteSSE_SkipsEventsReplayedFromHistory(t *testing.T) {
	b := NewBroadcaster()
	events, done, unsub := b.Subscribe()
	defer unsub()

	// node_started landed in the durable feed after the subscription was
	// taken, so it shows up both in the history snapshot and on the live
	// channel; the client must see it exactly once.
	history := []map[string]any{
		{"event": "build_running", "seq": 1},
		{"event": "node_started", "node_id": "wait-1", "seq": 2},
	}
	b.Send(map[string]any{"event": "node_started", "node_id": "wait-1", "seq": 2})
	b.Send(map[string]any{"event": "build_succeeded", "seq": 3})
	b.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/builds/b/events", nil)
	WriteSSE(rec, req, history, events, done)

	body := rec.Body.String()
	if got := strings.Count(body, "node_started"); got != 1 {
		t.Fatalf("node_started delivered %d times, want exactly once:\n%s", got, body)
	}
	if !strings.Contains(body, "build_succeeded") {
		t.Fatal("live-only event missing from stream")
	}
	if !strings.Contains(body, "event: done") {
		t.Fatal("stream must end with a done marker")
	}
}
