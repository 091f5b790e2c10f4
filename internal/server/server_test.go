package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Dicklesworthstone/agent-mail/internal/config"
	"github.com/Dicklesworthstone/agent-mail/internal/model"
	"github.com/Dicklesworthstone/agent-mail/internal/runtime"
)

func newTestRuntime(t *testing.T) *runtime.Runtime {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.CoalesceDelay = 10 * time.Millisecond
	cfg.DebounceWindow = 10 * time.Millisecond
	rt, err := runtime.New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
	return rt
}

func call(t *testing.T, d *Dispatcher, tool string, params any) (any, *ProtocolError) {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	resp := d.Handle(context.Background(), Request{Tool: tool, Params: raw})
	return resp.Result, resp.Error
}

func mustCall(t *testing.T, d *Dispatcher, tool string, params any) any {
	t.Helper()
	result, perr := call(t, d, tool, params)
	if perr != nil {
		t.Fatalf("%s: %s: %s", tool, perr.Code, perr.Message)
	}
	return result
}

func setupProject(t *testing.T, d *Dispatcher, agents ...string) {
	t.Helper()
	mustCall(t, d, "ensure_project", map[string]any{"human_key": "/r1"})
	for _, name := range agents {
		mustCall(t, d, "register_agent", map[string]any{
			"project_key": "/r1", "name": name, "program": "claude-code", "model": "opus",
		})
	}
}

func TestToolSurfaceRegistered(t *testing.T) {
	rt := newTestRuntime(t)
	d := NewDispatcher(rt)
	names := d.ToolNames()
	if len(names) < 30 {
		t.Fatalf("tool count = %d, want the full surface", len(names))
	}
	for _, want := range []string{
		"ensure_project", "register_agent", "create_agent_identity", "whois",
		"send_message", "reply_message", "fetch_inbox", "acknowledge_message",
		"reserve_paths", "release_reservations", "force_release_file_reservation",
		"search_messages", "macro_start_session", "install_precommit_guard",
	} {
		found := false
		for _, n := range names {
			if n == want {
				found = true
			}
		}
		if !found {
			t.Errorf("tool %q missing", want)
		}
	}
}

func TestSendFetchRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)
	d := NewDispatcher(rt)
	setupProject(t, d, "GreenCastle", "BlueLake")

	mustCall(t, d, "send_message", map[string]any{
		"project_key": "/r1", "sender_name": "GreenCastle",
		"to": []string{"BlueLake"}, "subject": "hi", "body_md": "body",
	})

	result := mustCall(t, d, "fetch_inbox", map[string]any{
		"project_key": "/r1", "agent_name": "BlueLake", "include_bodies": true,
	})
	inbox, ok := result.([]model.InboxMessage)
	if !ok {
		t.Fatalf("inbox type = %T", result)
	}
	if len(inbox) != 1 || inbox[0].Subject != "hi" || inbox[0].From != "GreenCastle" {
		t.Fatalf("inbox = %+v", inbox)
	}

	// A second fetch with identical filters hits the cache.
	before := rt.Cache.Snapshot().Hits
	mustCall(t, d, "fetch_inbox", map[string]any{
		"project_key": "/r1", "agent_name": "BlueLake", "include_bodies": true,
	})
	if rt.Cache.Snapshot().Hits <= before {
		t.Fatal("second identical fetch did not hit the cache")
	}
}

func TestReadYourWritesThroughDispatcher(t *testing.T) {
	rt := newTestRuntime(t)
	d := NewDispatcher(rt)
	setupProject(t, d, "GreenCastle", "BlueLake")

	fetch := func() []model.InboxMessage {
		res := mustCall(t, d, "fetch_inbox", map[string]any{
			"project_key": "/r1", "agent_name": "BlueLake",
		})
		return res.([]model.InboxMessage)
	}
	if n := len(fetch()); n != 0 {
		t.Fatalf("initial inbox = %d", n)
	}
	mustCall(t, d, "send_message", map[string]any{
		"project_key": "/r1", "sender_name": "GreenCastle",
		"to": []string{"BlueLake"}, "subject": "w", "body_md": "b",
	})
	// The write committed; the very next read must observe it.
	if n := len(fetch()); n != 1 {
		t.Fatalf("inbox after write = %d, want 1 (read-your-writes)", n)
	}
}

func TestErrorsCarryKinds(t *testing.T) {
	rt := newTestRuntime(t)
	d := NewDispatcher(rt)
	setupProject(t, d, "GreenCastle")

	_, perr := call(t, d, "reply_message", map[string]any{
		"project_key": "/r1", "sender_name": "GreenCastle",
		"message_id": 999999, "body_md": "b",
	})
	if perr == nil || perr.Code != "NOT_FOUND" {
		t.Fatalf("reply to missing message: %+v", perr)
	}

	_, perr = call(t, d, "register_agent", map[string]any{
		"project_key": "/r1", "name": "not a valid name",
	})
	if perr == nil || perr.Code != "VALIDATION" {
		t.Fatalf("bad name: %+v", perr)
	}

	_, perr = call(t, d, "no_such_tool", map[string]any{})
	if perr == nil || perr.Code != "NOT_FOUND" {
		t.Fatalf("unknown tool: %+v", perr)
	}
}

func TestReservationConflictOverDispatcher(t *testing.T) {
	rt := newTestRuntime(t)
	d := NewDispatcher(rt)
	setupProject(t, d, "GreenCastle", "BlueLake")

	mustCall(t, d, "reserve_paths", map[string]any{
		"project_key": "/r1", "agent_name": "GreenCastle",
		"paths": []string{"src/**"}, "ttl_seconds": 3600,
	})
	_, perr := call(t, d, "reserve_paths", map[string]any{
		"project_key": "/r1", "agent_name": "BlueLake",
		"paths": []string{"src/auth/mod.rs"}, "ttl_seconds": 3600,
	})
	if perr == nil || perr.Code != "CONFLICT" {
		t.Fatalf("want CONFLICT, got %+v", perr)
	}
	if perr.Details == nil || perr.Details["conflicts"] == nil {
		t.Fatal("conflict error must list the offending reservations")
	}
}

func TestCreateAgentIdentityGeneratesValidName(t *testing.T) {
	rt := newTestRuntime(t)
	d := NewDispatcher(rt)
	result := mustCall(t, d, "create_agent_identity", map[string]any{
		"project_key": "/r1", "program": "claude-code", "model": "opus",
	})
	agent, ok := result.(*model.Agent)
	if !ok {
		t.Fatalf("result type = %T", result)
	}
	if agent.Name == "" || agent.ID == 0 {
		t.Fatalf("agent = %+v", agent)
	}
}

func TestResourceURIs(t *testing.T) {
	rt := newTestRuntime(t)
	d := NewDispatcher(rt)
	setupProject(t, d, "GreenCastle", "BlueLake")
	mustCall(t, d, "send_message", map[string]any{
		"project_key": "/r1", "sender_name": "GreenCastle",
		"to": []string{"BlueLake"}, "subject": "s", "body_md": "b",
	})

	ctx := context.Background()
	for _, uri := range []string{
		"mail://projects",
		"mail://agents/r1",
		"mail://inbox/r1/BlueLake?limit=10",
		"mail://outbox/r1/GreenCastle",
		"mail://reservations/r1",
		"mail://metrics",
		"mail://health",
		"mail://statistics/r1",
	} {
		if _, err := d.readResource(ctx, uri); err != nil {
			t.Errorf("resource %s: %v", uri, err)
		}
	}
	if _, err := d.readResource(ctx, "mail://no/such/thing/here"); !model.IsKind(err, model.KindNotFound) {
		t.Errorf("unknown resource should be NOT_FOUND, got %v", err)
	}
}

func TestStdioRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)
	d := NewDispatcher(rt)

	in := strings.NewReader(
		`{"id":1,"tool":"ensure_project","params":{"human_key":"/r1"}}` + "\n" +
			`{"id":2,"tool":"health_check"}` + "\n")
	var out strings.Builder
	if err := d.ServeStdio(context.Background(), in, &out); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("responses = %d:\n%s", len(lines), out.String())
	}
	seen := map[string]bool{}
	for _, line := range lines {
		var resp struct {
			ID     json.RawMessage `json:"id"`
			Result any             `json:"result"`
			Error  *ProtocolError  `json:"error"`
		}
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("bad response line %q: %v", line, err)
		}
		if resp.Error != nil {
			t.Fatalf("unexpected error: %+v", resp.Error)
		}
		seen[string(resp.ID)] = true
	}
	if !seen["1"] || !seen["2"] {
		t.Fatalf("correlation ids mismatched: %v", seen)
	}
}

func TestHTTPBinding(t *testing.T) {
	rt := newTestRuntime(t)
	d := NewDispatcher(rt)
	cfg := rt.Cfg
	s := NewHTTPServer(d, cfg)

	ts := httptest.NewServer(s.server.Handler)
	defer ts.Close()

	// RPC call.
	body := strings.NewReader(`{"id":1,"tool":"ensure_project","params":{"human_key":"/r1"}}`)
	resp, err := http.Post(ts.URL+"/rpc", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rpc status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Polling endpoint.
	resp, err = http.Get(ts.URL + "/mail/ws-state?since=0&limit=10")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ws-state status = %d", resp.StatusCode)
	}
	var state struct {
		Seq    int64     `json:"seq"`
		Events []wsEvent `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	// Upgrade attempts get 501.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/mail/ws-state", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("upgrade status = %d, want 501", resp.StatusCode)
	}
	resp.Body.Close()

	// Ingress events are accepted and truncated.
	big := strings.Repeat("k", 5000)
	resp, err = http.Post(ts.URL+"/mail/ws-input", "application/json",
		strings.NewReader(fmt.Sprintf(`{"kind":"keystroke","data":%q}`, big)))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ws-input status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestShutdownRejectsNewCallsAndFlushes(t *testing.T) {
	rt := newTestRuntime(t)
	d := NewDispatcher(rt)
	setupProject(t, d, "GreenCastle", "BlueLake")

	const n = 50
	for i := 0; i < n; i++ {
		mustCall(t, d, "send_message", map[string]any{
			"project_key": "/r1", "sender_name": "GreenCastle",
			"to": []string{"BlueLake"}, "subject": "m" + strconv.Itoa(i), "body_md": "b",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := rt.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	// New calls are rejected with SHUTDOWN.
	_, perr := call(t, d, "health_check", map[string]any{})
	if perr == nil || perr.Code != "SHUTDOWN" {
		t.Fatalf("post-shutdown call: %+v", perr)
	}

	// Every accepted message reached Git HEAD: the canonical file for all n
	// messages exists in the committed tree, and no lock files remain.
	repo, err := rt.Archive.Repo("r1")
	if err != nil {
		t.Fatal(err)
	}
	head := repo.Head()
	if head == "" {
		t.Fatal("no HEAD after shutdown")
	}
	lsTree := exec.Command("git", "ls-tree", "-r", "--name-only", "HEAD")
	lsTree.Dir = repo.Dir()
	out, err := lsTree.Output()
	if err != nil {
		t.Fatal(err)
	}
	committed := 0
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "messages/") {
			committed++
		}
	}
	if committed != n {
		t.Fatalf("messages in HEAD = %d, want %d", committed, n)
	}
	if _, err := filepath.Glob(filepath.Join(repo.Dir(), ".git", "*.lock")); err != nil {
		t.Fatal(err)
	}
	locks, _ := filepath.Glob(filepath.Join(repo.Dir(), ".git", "*.lock"))
	if len(locks) != 0 {
		t.Fatalf("lock files remain: %v", locks)
	}
	if depth := rt.Queue.Depth(); depth != 0 {
		t.Fatalf("queue depth = %d", depth)
	}
}
