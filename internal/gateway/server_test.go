package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/undoablehq/undoable/internal/actions"
	"github.com/undoablehq/undoable/internal/agent"
	"github.com/undoablehq/undoable/internal/approval"
	"github.com/undoablehq/undoable/internal/bus"
	"github.com/undoablehq/undoable/internal/channels"
	"github.com/undoablehq/undoable/internal/config"
	"github.com/undoablehq/undoable/internal/providers"
	"github.com/undoablehq/undoable/internal/runs"
	"github.com/undoablehq/undoable/internal/scheduler"
	"github.com/undoablehq/undoable/internal/sessions"
	"github.com/undoablehq/undoable/internal/store"
	"github.com/undoablehq/undoable/internal/store/file"
	"github.com/undoablehq/undoable/internal/sysprompt"
	"github.com/undoablehq/undoable/internal/tools"
	"github.com/undoablehq/undoable/internal/tracing"
	"github.com/undoablehq/undoable/internal/usage"
	"github.com/undoablehq/undoable/pkg/protocol"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// stubProvider answers every chat with a fixed completion so runs finish
// immediately.
type stubProvider struct{ content string }

func (p *stubProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return p.ChatStream(ctx, req, nil)
}

func (p *stubProvider) ChatStream(_ context.Context, _ providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	if onChunk != nil && p.content != "" {
		onChunk(providers.StreamChunk{Content: p.content})
	}
	return &providers.ChatResponse{Content: p.content, FinishReason: "stop"}, nil
}

func (p *stubProvider) DefaultModel() string { return "stub-1" }
func (p *stubProvider) Name() string         { return "stub" }

type gatewayFixture struct {
	srv      *Server
	ts       *httptest.Server
	runs     *runs.Manager
	bus      *bus.Bus
	settings *config.Settings
	sched    *scheduler.Scheduler
	token    string
}

func newGateway(t *testing.T, token string, rpm int) *gatewayFixture {
	t.Helper()
	dir := t.TempDir()

	settings := config.Default()
	settings.DataDir = dir
	settings.Gateway.Token = token
	settings.Gateway.RateLimitRPM = rpm

	st, err := file.NewRunStore(filepath.Join(dir, "runs"))
	if err != nil {
		t.Fatal(err)
	}
	b := bus.New()
	t.Cleanup(b.Close)
	mgr, err := runs.NewManager(st, b)
	if err != nil {
		t.Fatal(err)
	}

	reg := tools.NewRegistry()
	log := actions.NewLog()
	undo := actions.NewUndoService(log)
	gate := approval.NewGate(b)
	modeFn := func() string { return protocol.ApprovalModeOff }
	pipe := tools.NewPipeline(reg, gate, log, undo, modeFn, 2*time.Second)

	sess, err := sessions.Open(filepath.Join(dir, "sessions"))
	if err != nil {
		t.Fatal(err)
	}
	tracker, err := usage.Open(filepath.Join(dir, "usage.json"))
	if err != nil {
		t.Fatal(err)
	}

	exec := agent.New(agent.Config{
		Runs:      mgr,
		Pipeline:  pipe,
		Registry:  reg,
		Provider:  &stubProvider{content: "done"},
		Prompt:    sysprompt.New(sysprompt.LoadSkills(filepath.Join(dir, "skills"))),
		Sessions:  sess,
		Log:       log,
		Undo:      undo,
		Usage:     tracker,
		Traces:    tracing.NewCollector(16),
		Workspace: dir,
	})

	jobStore, err := scheduler.OpenStore(filepath.Join(dir, "scheduler-jobs.json"))
	if err != nil {
		t.Fatal(err)
	}
	sched := scheduler.New(jobStore, func(context.Context, *scheduler.Job) scheduler.Outcome {
		return scheduler.Outcome{Status: scheduler.StatusOK}
	})

	chans := channels.NewManager(settings, mgr, b, exec)

	srv := NewServer(settings, mgr, exec, b)
	srv.SetScheduler(sched)
	srv.SetChannels(chans)
	srv.SetApprovals(gate)
	srv.SetActions(log, undo)
	srv.SetUsage(tracker)
	srv.SetVersion("test")
	srv.SetSettingsPath(filepath.Join(dir, "daemon-settings.json"))

	ts := httptest.NewServer(srv.BuildMux())
	t.Cleanup(ts.Close)

	return &gatewayFixture{
		srv: srv, ts: ts, runs: mgr, bus: b,
		settings: settings, sched: sched, token: token,
	}
}

// do sends an authenticated JSON request and returns the status plus the
// raw body.
func (f *gatewayFixture) do(t *testing.T, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, data
}

func decode(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
}

func TestAuthGate(t *testing.T) {
	f := newGateway(t, "secret", 0)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"malformed header", "secret", http.StatusUnauthorized},
		{"valid token", "Bearer secret", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest("GET", f.ts.URL+"/health", nil)
			if err != nil {
				t.Fatal(err)
			}
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestNoTokenConfiguredMeansOpen(t *testing.T) {
	f := newGateway(t, "", 0)
	status, body := f.do(t, "GET", "/health", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	var health map[string]interface{}
	decode(t, body, &health)
	if health["status"] != "ok" || health["version"] != "test" {
		t.Errorf("health = %v", health)
	}
}

func TestCreateRunAndFetch(t *testing.T) {
	f := newGateway(t, "tok", 0)

	status, body := f.do(t, "POST", "/runs", map[string]string{"instruction": "say hi"})
	if status != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", status, body)
	}
	var run store.Run
	decode(t, body, &run)
	if run.ID == "" || run.Instruction != "say hi" {
		t.Fatalf("run = %+v", run)
	}

	// The stub provider answers instantly, so the run completes on its own.
	waitFor(t, func() bool {
		got, err := f.runs.Get(run.ID)
		return err == nil && got.Status == protocol.StatusCompleted
	})

	status, body = f.do(t, "GET", "/runs/"+run.ID, nil)
	if status != http.StatusOK {
		t.Fatalf("get status = %d", status)
	}
	var fetched store.Run
	decode(t, body, &fetched)
	if fetched.ID != run.ID || fetched.Status != protocol.StatusCompleted {
		t.Errorf("fetched = %+v", fetched)
	}

	status, body = f.do(t, "GET", "/runs", nil)
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	var list struct {
		Runs []store.Run `json:"runs"`
	}
	decode(t, body, &list)
	if len(list.Runs) != 1 || list.Runs[0].ID != run.ID {
		t.Errorf("list = %+v", list.Runs)
	}
}

func TestCreateRunRequiresInstruction(t *testing.T) {
	f := newGateway(t, "tok", 0)
	status, _ := f.do(t, "POST", "/runs", map[string]string{"instruction": ""})
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
}

func TestGetRunNotFound(t *testing.T) {
	f := newGateway(t, "tok", 0)
	status, _ := f.do(t, "GET", "/runs/run-missing", nil)
	if status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
}

func TestRunActionsAndDelete(t *testing.T) {
	f := newGateway(t, "tok", 0)

	run, err := f.runs.Create(runs.CreateParams{Instruction: "sit still"})
	if err != nil {
		t.Fatal(err)
	}

	status, _ := f.do(t, "POST", "/runs/"+run.ID+"/actions", map[string]string{"action": "resume"})
	if status != http.StatusBadRequest {
		t.Errorf("resume on created run: status = %d, want 400", status)
	}

	status, _ = f.do(t, "DELETE", "/runs/"+run.ID, nil)
	if status != http.StatusConflict {
		t.Errorf("delete non-terminal: status = %d, want 409", status)
	}

	status, body := f.do(t, "POST", "/runs/"+run.ID+"/actions", map[string]string{"action": "cancel"})
	if status != http.StatusOK {
		t.Fatalf("cancel status = %d: %s", status, body)
	}
	var cancelled store.Run
	decode(t, body, &cancelled)
	if cancelled.Status != protocol.StatusCancelled {
		t.Errorf("status after cancel = %s", cancelled.Status)
	}

	status, _ = f.do(t, "DELETE", "/runs/"+run.ID, nil)
	if status != http.StatusOK {
		t.Fatalf("delete terminal: status = %d", status)
	}
	status, _ = f.do(t, "GET", "/runs/"+run.ID, nil)
	if status != http.StatusNotFound {
		t.Errorf("get after delete: status = %d, want 404", status)
	}
}

func TestRunActionUnknownVerb(t *testing.T) {
	f := newGateway(t, "tok", 0)
	run, err := f.runs.Create(runs.CreateParams{Instruction: "x"})
	if err != nil {
		t.Fatal(err)
	}
	status, _ := f.do(t, "POST", "/runs/"+run.ID+"/actions", map[string]string{"action": "explode"})
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
}

func TestRunEventsStreamsReplayThenLive(t *testing.T) {
	f := newGateway(t, "tok", 0)

	run, err := f.runs.Create(runs.CreateParams{Instruction: "emit things"})
	if err != nil {
		t.Fatal(err)
	}
	// Publish is synchronous through the persistence sink, so both events
	// are durable before the request below.
	f.runs.Emit(run.ID, protocol.EventLLMToken, map[string]interface{}{"content": "plan"})
	f.runs.Emit(run.ID, protocol.EventToolCall, map[string]interface{}{"name": "echo"})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", f.ts.URL+"/runs/"+run.ID+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	events := make(chan bus.Event, 8)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev bus.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				continue
			}
			events <- ev
		}
	}()

	read := func() bus.Event {
		select {
		case ev := <-events:
			return ev
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
			return bus.Event{}
		}
	}

	first, second := read(), read()
	if first.Type != protocol.EventLLMToken || first.Seq != 1 {
		t.Errorf("first = %s seq %d", first.Type, first.Seq)
	}
	if second.Type != protocol.EventToolCall || second.Seq != 2 {
		t.Errorf("second = %s seq %d", second.Type, second.Seq)
	}

	// An event published after the replay arrives over the live path.
	f.runs.Emit(run.ID, protocol.EventRunCompleted, nil)
	third := read()
	if third.Type != protocol.EventRunCompleted || third.Seq != 3 {
		t.Errorf("third = %s seq %d", third.Type, third.Seq)
	}
}

func TestRPCEnvelope(t *testing.T) {
	f := newGateway(t, "tok", 0)

	type envelope struct {
		OK     bool                   `json:"ok"`
		Result map[string]interface{} `json:"result"`
		Error  *rpcError              `json:"error"`
	}

	t.Run("health", func(t *testing.T) {
		status, body := f.do(t, "POST", "/gateway", map[string]interface{}{"method": "health"})
		if status != http.StatusOK {
			t.Fatalf("status = %d", status)
		}
		var env envelope
		decode(t, body, &env)
		if !env.OK || env.Result["status"] != "ok" {
			t.Errorf("envelope = %+v", env)
		}
	})

	t.Run("unknown method", func(t *testing.T) {
		status, body := f.do(t, "POST", "/gateway", map[string]interface{}{"method": "bogus"})
		if status != http.StatusOK {
			t.Fatalf("status = %d, want 200 with error envelope", status)
		}
		var env envelope
		decode(t, body, &env)
		if env.OK || env.Error == nil || env.Error.Code != protocol.CodeValidation {
			t.Errorf("envelope = %+v", env)
		}
	})

	t.Run("missing run maps to NotFound", func(t *testing.T) {
		_, body := f.do(t, "POST", "/gateway", map[string]interface{}{
			"method": "runs.get",
			"params": map[string]string{"id": "run-missing"},
		})
		var env envelope
		decode(t, body, &env)
		if env.OK || env.Error == nil || env.Error.Code != protocol.CodeNotFound {
			t.Errorf("envelope = %+v", env)
		}
	})

	t.Run("runs.create launches", func(t *testing.T) {
		_, body := f.do(t, "POST", "/gateway", map[string]interface{}{
			"method": "runs.create",
			"params": map[string]string{"instruction": "via rpc"},
		})
		var env envelope
		decode(t, body, &env)
		if !env.OK {
			t.Fatalf("envelope = %+v", env)
		}
		id, _ := env.Result["id"].(string)
		if id == "" {
			t.Fatalf("result = %+v", env.Result)
		}
		waitFor(t, func() bool {
			run, err := f.runs.Get(id)
			return err == nil && run.Status == protocol.StatusCompleted
		})
	})

	t.Run("status snapshot", func(t *testing.T) {
		_, body := f.do(t, "POST", "/gateway", map[string]interface{}{"method": "status"})
		var env envelope
		decode(t, body, &env)
		if !env.OK || env.Result["version"] != "test" {
			t.Errorf("envelope = %+v", env)
		}
		if _, ok := env.Result["scheduler"]; !ok {
			t.Error("status missing scheduler summary")
		}
	})
}

func TestJobsLifecycle(t *testing.T) {
	f := newGateway(t, "tok", 0)

	job := map[string]interface{}{
		"name":     "tick",
		"enabled":  true,
		"schedule": map[string]interface{}{"kind": "every", "everyMs": 60_000},
		"payload":  map[string]interface{}{"kind": "event", "text": "tick"},
	}
	status, body := f.do(t, "POST", "/jobs", job)
	if status != http.StatusCreated {
		t.Fatalf("create status = %d: %s", status, body)
	}
	var created scheduler.Job
	decode(t, body, &created)
	if created.ID == "" || created.State.NextRunAtMs == 0 {
		t.Fatalf("created = %+v", created)
	}

	status, body = f.do(t, "GET", "/jobs", nil)
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	var list struct {
		Jobs []scheduler.Job `json:"jobs"`
	}
	decode(t, body, &list)
	if len(list.Jobs) != 1 || list.Jobs[0].Name != "tick" {
		t.Fatalf("jobs = %+v", list.Jobs)
	}

	job["name"] = "tock"
	job["enabled"] = false
	status, body = f.do(t, "PUT", "/jobs/"+created.ID, job)
	if status != http.StatusOK {
		t.Fatalf("update status = %d: %s", status, body)
	}
	var updated scheduler.Job
	decode(t, body, &updated)
	if updated.Name != "tock" || updated.Enabled || updated.State.NextRunAtMs != 0 {
		t.Errorf("updated = %+v", updated)
	}

	status, body = f.do(t, "GET", "/jobs/status", nil)
	if status != http.StatusOK {
		t.Fatalf("status route = %d", status)
	}
	var summary map[string]interface{}
	decode(t, body, &summary)
	if summary["jobs"].(float64) != 1 || summary["enabled"].(float64) != 0 {
		t.Errorf("summary = %+v", summary)
	}

	status, _ = f.do(t, "DELETE", "/jobs/"+created.ID, nil)
	if status != http.StatusOK {
		t.Fatalf("delete status = %d", status)
	}
	status, _ = f.do(t, "DELETE", "/jobs/"+created.ID, nil)
	if status != http.StatusNotFound {
		t.Errorf("double delete status = %d, want 404", status)
	}
}

func TestJobValidationRejected(t *testing.T) {
	f := newGateway(t, "tok", 0)
	status, body := f.do(t, "POST", "/jobs", map[string]interface{}{
		"name":     "bad",
		"schedule": map[string]interface{}{"kind": "cron", "expr": "not a cron"},
		"payload":  map[string]interface{}{"kind": "event", "text": "x"},
	})
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400: %s", status, body)
	}
}

func TestChannelsRoutes(t *testing.T) {
	f := newGateway(t, "tok", 0)

	status, body := f.do(t, "GET", "/channels", nil)
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	var list struct {
		Channels []channels.Status `json:"channels"`
	}
	decode(t, body, &list)
	if len(list.Channels) == 0 {
		t.Fatal("no channel statuses")
	}

	status, body = f.do(t, "PUT", "/channels/telegram", map[string]interface{}{
		"enabled": false,
		"token":   "tg-secret",
	})
	if status != http.StatusOK {
		t.Fatalf("set status = %d: %s", status, body)
	}

	cfg, ok := f.settings.Channel("telegram")
	if !ok || cfg.Token != "tg-secret" {
		t.Fatalf("stored config = %+v ok=%v", cfg, ok)
	}

	// The echoed config masks the token; echoing the mask back keeps the
	// stored secret.
	status, body = f.do(t, "GET", "/channels/telegram", nil)
	if status != http.StatusOK {
		t.Fatalf("get status = %d", status)
	}
	var view struct {
		Config config.ChannelConfig `json:"config"`
	}
	decode(t, body, &view)
	if view.Config.Token != "***" {
		t.Errorf("token = %q, want masked", view.Config.Token)
	}

	status, _ = f.do(t, "PUT", "/channels/telegram", map[string]interface{}{
		"enabled": false,
		"token":   "***",
	})
	if status != http.StatusOK {
		t.Fatal("re-put failed")
	}
	cfg, _ = f.settings.Channel("telegram")
	if cfg.Token != "tg-secret" {
		t.Errorf("token after masked echo = %q, want original", cfg.Token)
	}

	// Start of a channel with no registered adapter and no factory fails.
	status, _ = f.do(t, "POST", "/channels/telegram/start", nil)
	if status != http.StatusBadRequest {
		t.Errorf("start status = %d, want 400", status)
	}
}

func TestRateLimitAnswers429(t *testing.T) {
	f := newGateway(t, "tok", 60) // burst 5, 1 req/s refill

	var ok, limited int
	for i := 0; i < 10; i++ {
		status, _ := f.do(t, "GET", "/health", nil)
		switch status {
		case http.StatusOK:
			ok++
		case http.StatusTooManyRequests:
			limited++
		default:
			t.Fatalf("unexpected status %d", status)
		}
	}
	if ok == 0 || limited == 0 {
		t.Errorf("ok = %d, limited = %d; want both nonzero", ok, limited)
	}
}

func TestCanvasWithoutHostConfigured(t *testing.T) {
	f := newGateway(t, "tok", 0)
	status, _ := f.do(t, "GET", "/canvas/ws", nil)
	if status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", status)
	}
}

func TestCanvasProxiesFrames(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	defer upstream.Close()

	f := newGateway(t, "tok", 0)
	f.settings.Gateway.CanvasHost = strings.TrimPrefix(upstream.URL, "http://")

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/canvas/ws"
	header := http.Header{"Authorization": []string{"Bearer tok"}}
	client, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v (resp %v)", err, resp)
	}
	defer client.Close()
	client.SetReadDeadline(time.Now().Add(3 * time.Second))

	if err := client.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	mt, data, err := client.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if mt != websocket.TextMessage || string(data) != "ping" {
		t.Errorf("echo = type %d %q", mt, data)
	}
}

func TestStartRefusesOpenBindWithoutToken(t *testing.T) {
	f := newGateway(t, "", 0)
	f.settings.Gateway.Host = "0.0.0.0"

	err := f.srv.Start(context.Background())
	if err == nil {
		t.Fatal("expected refusal")
	}
	if !strings.Contains(err.Error(), "refusing to bind") {
		t.Errorf("err = %v", err)
	}
}

func TestApprovalsOverRPC(t *testing.T) {
	f := newGateway(t, "tok", 0)

	_, body := f.do(t, "POST", "/gateway", map[string]interface{}{"method": "approvals.list"})
	var env struct {
		OK     bool `json:"ok"`
		Result struct {
			Approvals []approval.Pending `json:"approvals"`
		} `json:"result"`
	}
	decode(t, body, &env)
	if !env.OK || len(env.Result.Approvals) != 0 {
		t.Errorf("envelope = %+v", env)
	}

	_, body = f.do(t, "POST", "/gateway", map[string]interface{}{
		"method": "approvals.resolve",
		"params": map[string]interface{}{"id": "appr-missing", "allow": true},
	})
	var fail struct {
		OK    bool      `json:"ok"`
		Error *rpcError `json:"error"`
	}
	decode(t, body, &fail)
	if fail.OK || fail.Error == nil {
		t.Errorf("envelope = %+v", fail)
	}
}

func TestUsageOverRPC(t *testing.T) {
	f := newGateway(t, "tok", 0)
	_, body := f.do(t, "POST", "/gateway", map[string]interface{}{"method": "usage"})
	var env struct {
		OK     bool                   `json:"ok"`
		Result map[string]interface{} `json:"result"`
	}
	decode(t, body, &env)
	if !env.OK {
		t.Fatalf("envelope = %+v", env)
	}
	if _, ok := env.Result["totals"]; !ok {
		t.Error("usage missing totals")
	}
}

func TestListRunsFilteredByJob(t *testing.T) {
	f := newGateway(t, "tok", 0)

	if _, err := f.runs.Create(runs.CreateParams{Instruction: "a", JobID: "job-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.runs.Create(runs.CreateParams{Instruction: "b"}); err != nil {
		t.Fatal(err)
	}

	status, body := f.do(t, "GET", "/runs?job=job-1", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var list struct {
		Runs []store.Run `json:"runs"`
	}
	decode(t, body, &list)
	if len(list.Runs) != 1 || list.Runs[0].JobID != "job-1" {
		t.Errorf("filtered = %+v", list.Runs)
	}
}

func TestRPCExecListEmptyWithoutRegistry(t *testing.T) {
	f := newGateway(t, "tok", 0)
	_, body := f.do(t, "POST", "/gateway", map[string]interface{}{"method": "exec.list"})
	var env struct {
		OK     bool `json:"ok"`
		Result struct {
			Running  []interface{} `json:"running"`
			Finished []interface{} `json:"finished"`
		} `json:"result"`
	}
	decode(t, body, &env)
	if !env.OK || len(env.Result.Running) != 0 || len(env.Result.Finished) != 0 {
		t.Errorf("envelope = %+v", env)
	}
}

func TestMethodNotAllowedOnRoutes(t *testing.T) {
	f := newGateway(t, "tok", 0)
	req, err := http.NewRequest("PATCH", f.ts.URL+"/runs", bytes.NewReader([]byte("{}")))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestHealthReportsVersion(t *testing.T) {
	f := newGateway(t, "", 0)
	f.srv.SetVersion("9.9.9")
	status, body := f.do(t, "GET", "/health", nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if !bytes.Contains(body, []byte("9.9.9")) {
		t.Errorf("body = %s", body)
	}
}
