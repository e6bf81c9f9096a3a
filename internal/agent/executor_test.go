package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/undoablehq/undoable/internal/actions"
	"github.com/undoablehq/undoable/internal/approval"
	"github.com/undoablehq/undoable/internal/bus"
	"github.com/undoablehq/undoable/internal/providers"
	"github.com/undoablehq/undoable/internal/runs"
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

// scriptStep is one provider turn. A non-nil block makes the call wait for
// the test (or context cancellation) before returning.
type scriptStep struct {
	resp  *providers.ChatResponse
	err   error
	block chan struct{}
}

// scriptedProvider replays a fixed sequence of responses and captures each
// request it saw. Content is delivered through onChunk the way a streaming
// provider would.
type scriptedProvider struct {
	mu    sync.Mutex
	steps []scriptStep
	reqs  []providers.ChatRequest
}

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return p.ChatStream(ctx, req, nil)
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	p.mu.Lock()
	if len(p.steps) == 0 {
		p.mu.Unlock()
		return nil, errors.New("scripted provider exhausted")
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()

	if step.block != nil {
		select {
		case <-step.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.err != nil {
		return nil, step.err
	}
	if onChunk != nil && step.resp.Content != "" {
		onChunk(providers.StreamChunk{Content: step.resp.Content})
	}
	return step.resp, nil
}

func (p *scriptedProvider) DefaultModel() string { return "scripted-1" }
func (p *scriptedProvider) Name() string         { return "scripted" }

func (p *scriptedProvider) requests() []providers.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]providers.ChatRequest(nil), p.reqs...)
}

// echoTool returns its text argument. block lets a test hold the call in
// flight, started signals the first call entered, fail turns every call
// into an error result.
type echoTool struct {
	category string
	block    chan struct{}
	started  chan struct{}
	fail     bool

	once sync.Once
}

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "Echo text back" }
func (t *echoTool) Category() string    { return t.category }
func (t *echoTool) Undoable() bool      { return false }

func (t *echoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text": map[string]interface{}{"type": "string"},
		},
		"required": []string{"text"},
	}
}

func (t *echoTool) Execute(_ context.Context, args map[string]interface{}) *tools.Result {
	if t.started != nil {
		t.once.Do(func() { close(t.started) })
	}
	if t.block != nil {
		<-t.block
	}
	if t.fail {
		return tools.ErrorResult("echo broke")
	}
	text, _ := args["text"].(string)
	return tools.NewResult(text)
}

func echoCall(id, text string) providers.ToolCall {
	return providers.ToolCall{ID: id, Name: "echo", Arguments: map[string]interface{}{"text": text}}
}

type fixture struct {
	exec     *Executor
	runs     *runs.Manager
	bus      *bus.Bus
	provider *scriptedProvider
	registry *tools.Registry
	gate     *approval.Gate
	log      *actions.Log
	undo     *actions.UndoService
	sessions *sessions.Store
	usage    *usage.Tracker
	traces   *tracing.Collector
	dir      string
}

func newFixture(t *testing.T, provider *scriptedProvider, mode string, maxIterations int) *fixture {
	t.Helper()
	dir := t.TempDir()

	st, err := file.NewRunStore(filepath.Join(dir, "runs"))
	if err != nil {
		t.Fatal(err)
	}
	b := bus.New()
	t.Cleanup(b.Close)
	m, err := runs.NewManager(st, b)
	if err != nil {
		t.Fatal(err)
	}

	reg := tools.NewRegistry()
	log := actions.NewLog()
	undo := actions.NewUndoService(log)
	gate := approval.NewGate(b)
	modeFn := func() string { return mode }
	pipe := tools.NewPipeline(reg, gate, log, undo, modeFn, 2*time.Second)

	sess, err := sessions.Open(filepath.Join(dir, "sessions"))
	if err != nil {
		t.Fatal(err)
	}
	tracker, err := usage.Open(filepath.Join(dir, "usage.json"))
	if err != nil {
		t.Fatal(err)
	}

	exec := New(Config{
		Runs:          m,
		Pipeline:      pipe,
		Registry:      reg,
		Provider:      provider,
		Prompt:        sysprompt.New(sysprompt.LoadSkills(filepath.Join(dir, "skills"))),
		Sessions:      sess,
		Log:           log,
		Undo:          undo,
		Usage:         tracker,
		Traces:        tracing.NewCollector(64),
		ApprovalMode:  modeFn,
		MaxIterations: maxIterations,
		Workspace:     dir,
	})

	return &fixture{
		exec: exec, runs: m, bus: b, provider: provider,
		registry: reg, gate: gate, log: log, undo: undo,
		sessions: sess, usage: tracker, traces: exec.traces, dir: dir,
	}
}

func (f *fixture) create(t *testing.T, instruction, sessionID string) *store.Run {
	t.Helper()
	run, err := f.runs.Create(runs.CreateParams{UserID: "u", Instruction: instruction, SessionID: sessionID})
	if err != nil {
		t.Fatal(err)
	}
	return run
}

func (f *fixture) eventTypes(t *testing.T, runID string) []string {
	t.Helper()
	events, err := f.runs.Events(runID, 0)
	if err != nil {
		t.Fatal(err)
	}
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func (f *fixture) countEvents(runID, eventType string) int {
	events, _ := f.runs.Events(runID, 0)
	n := 0
	for _, ev := range events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func (f *fixture) lastEvent(t *testing.T, runID, eventType string) bus.Event {
	t.Helper()
	events, _ := f.runs.Events(runID, 0)
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == eventType {
			return events[i]
		}
	}
	t.Fatalf("no %s event for %s", eventType, runID)
	return bus.Event{}
}

func TestHappyPathRun(t *testing.T) {
	provider := &scriptedProvider{steps: []scriptStep{
		{resp: &providers.ChatResponse{ToolCalls: []providers.ToolCall{echoCall("call-1", "hello")}}},
		{resp: &providers.ChatResponse{Content: "Done"}},
	}}
	f := newFixture(t, provider, protocol.ApprovalModeOff, 5)
	f.registry.Register(&echoTool{category: protocol.CategoryRead})
	run := f.create(t, "echo hello", "")

	if err := f.exec.Execute(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := f.runs.Get(run.ID)
	if got.Status != protocol.StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}

	want := []string{
		protocol.EventStatusChanged, // planning
		protocol.EventActionProgress,
		protocol.EventToolCall,
		protocol.EventToolResult,
		protocol.EventActionProgress,
		protocol.EventLLMToken,
		protocol.EventRunCompleted,
		protocol.EventStatusChanged, // completed
	}
	types := f.eventTypes(t, run.ID)
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (full: %v)", i, types[i], want[i], types)
		}
	}

	if ev := f.lastEvent(t, run.ID, protocol.EventToolResult); ev.Payload["result"] != "hello" {
		t.Errorf("tool result payload = %v, want hello", ev.Payload["result"])
	}
	if ev := f.lastEvent(t, run.ID, protocol.EventRunCompleted); ev.Payload["content"] != "Done" {
		t.Errorf("completed payload = %v, want Done", ev.Payload["content"])
	}

	// The second request must carry the correlated tool result.
	reqs := provider.requests()
	if len(reqs) != 2 {
		t.Fatalf("provider saw %d requests, want 2", len(reqs))
	}
	if reqs[0].Messages[0].Role != "system" {
		t.Errorf("first message role = %q, want system", reqs[0].Messages[0].Role)
	}
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != "tool" || last.ToolCallID != "call-1" || last.Content != "hello" {
		t.Errorf("tool message = %+v, want role=tool id=call-1 content=hello", last)
	}
}

func TestCancelMidFlightDiscardsResult(t *testing.T) {
	tool := &echoTool{category: protocol.CategoryRead, block: make(chan struct{}), started: make(chan struct{})}
	provider := &scriptedProvider{steps: []scriptStep{
		{resp: &providers.ChatResponse{ToolCalls: []providers.ToolCall{echoCall("call-1", "hello")}}},
		{resp: &providers.ChatResponse{Content: "Done"}},
	}}
	f := newFixture(t, provider, protocol.ApprovalModeOff, 5)
	f.registry.Register(tool)
	run := f.create(t, "echo hello", "")

	done := make(chan error, 1)
	go func() { done <- f.exec.Execute(context.Background(), run.ID) }()

	// Cancel lands while the tool is in flight.
	<-tool.started
	if _, err := f.exec.Cancel(run.ID, "user cancel"); err != nil {
		t.Fatal(err)
	}
	close(tool.block)

	if err := <-done; !errors.Is(err, errRunCancelled) {
		t.Fatalf("Execute error = %v, want errRunCancelled", err)
	}

	got, _ := f.runs.Get(run.ID)
	if got.Status != protocol.StatusCancelled {
		t.Fatalf("status = %q, want cancelled", got.Status)
	}

	// The tool finished and its result is on record, but the loop stopped:
	// one iteration, one cancelled status change, no completion.
	if n := f.countEvents(run.ID, protocol.EventActionProgress); n != 1 {
		t.Errorf("ACTION_PROGRESS count = %d, want 1", n)
	}
	if n := f.countEvents(run.ID, protocol.EventToolResult); n != 1 {
		t.Errorf("TOOL_RESULT count = %d, want 1", n)
	}
	if n := f.countEvents(run.ID, protocol.EventRunCompleted); n != 0 {
		t.Errorf("RUN_COMPLETED count = %d, want 0", n)
	}
	cancelled := 0
	events, _ := f.runs.Events(run.ID, 0)
	for _, ev := range events {
		if ev.Type == protocol.EventStatusChanged && ev.Payload["status"] == protocol.StatusCancelled {
			cancelled++
		}
	}
	if cancelled != 1 {
		t.Errorf("STATUS_CHANGED(cancelled) count = %d, want exactly 1", cancelled)
	}
}

func TestApprovalDenyContinuesRun(t *testing.T) {
	provider := &scriptedProvider{steps: []scriptStep{
		{resp: &providers.ChatResponse{ToolCalls: []providers.ToolCall{echoCall("call-1", "hello")}}},
		{resp: &providers.ChatResponse{Content: "Skipped it"}},
	}}
	f := newFixture(t, provider, protocol.ApprovalModeMutate, 5)
	f.registry.Register(&echoTool{category: protocol.CategoryMutate})
	run := f.create(t, "mutate something", "")

	done := make(chan error, 1)
	go func() { done <- f.exec.Execute(context.Background(), run.ID) }()

	waitFor(t, func() bool { return len(f.gate.Pending()) == 1 })

	got, _ := f.runs.Get(run.ID)
	if got.Status != protocol.StatusApprovalRequired {
		t.Errorf("status while gate armed = %q, want approval_required", got.Status)
	}

	pending := f.gate.Pending()[0]
	if pending.RunID != run.ID || pending.ToolName != "echo" {
		t.Fatalf("pending = %+v", pending)
	}
	if err := f.gate.Resolve(pending.ID, false); err != nil {
		t.Fatal(err)
	}

	if err := <-done; err != nil {
		t.Fatal(err)
	}

	got, _ = f.runs.Get(run.ID)
	if got.Status != protocol.StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if n := f.countEvents(run.ID, protocol.EventApprovalRequested); n != 1 {
		t.Errorf("TOOL_APPROVAL_REQUESTED count = %d, want 1", n)
	}

	ev := f.lastEvent(t, run.ID, protocol.EventToolResult)
	if ev.Payload["error"] != true || ev.Payload["code"] != protocol.CodePolicyDenied {
		t.Errorf("denied tool result payload = %v, want error=true code=PolicyDenied", ev.Payload)
	}
}

func TestPauseParksBeforeDispatch(t *testing.T) {
	llmGate := make(chan struct{})
	provider := &scriptedProvider{steps: []scriptStep{
		{resp: &providers.ChatResponse{ToolCalls: []providers.ToolCall{echoCall("call-1", "hello")}}, block: llmGate},
		{resp: &providers.ChatResponse{Content: "Done"}},
	}}
	f := newFixture(t, provider, protocol.ApprovalModeOff, 5)
	f.registry.Register(&echoTool{category: protocol.CategoryRead})
	run := f.create(t, "echo hello", "")

	done := make(chan error, 1)
	go func() { done <- f.exec.Execute(context.Background(), run.ID) }()

	// Pause lands while the LLM call is in flight, then the response arrives.
	waitFor(t, func() bool { return len(provider.requests()) == 1 })
	if _, err := f.exec.Pause(run.ID); err != nil {
		t.Fatal(err)
	}
	close(llmGate)

	// The loop emits TOOL_CALL, then parks at the pre-dispatch checkpoint.
	waitFor(t, func() bool { return f.countEvents(run.ID, protocol.EventToolCall) == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := f.countEvents(run.ID, protocol.EventToolResult); n != 0 {
		t.Fatalf("tool dispatched while paused: %d results", n)
	}
	got, _ := f.runs.Get(run.ID)
	if got.Status != protocol.StatusPaused || got.PausedFrom != protocol.StatusPlanning {
		t.Fatalf("paused run = %q (from %q), want paused from planning", got.Status, got.PausedFrom)
	}

	if _, err := f.exec.Resume(run.ID); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	got, _ = f.runs.Get(run.ID)
	if got.Status != protocol.StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}

	var statuses []string
	events, _ := f.runs.Events(run.ID, 0)
	for _, ev := range events {
		if ev.Type == protocol.EventStatusChanged {
			statuses = append(statuses, ev.Payload["status"].(string))
		}
	}
	want := []string{protocol.StatusPlanning, protocol.StatusPaused, protocol.StatusPlanning, protocol.StatusCompleted}
	if len(statuses) != len(want) {
		t.Fatalf("status sequence = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("status %d = %s, want %s", i, statuses[i], want[i])
		}
	}
}

func TestMaxIterationsEmitsWarningAndCompletes(t *testing.T) {
	provider := &scriptedProvider{steps: []scriptStep{
		{resp: &providers.ChatResponse{Content: "Working on it", ToolCalls: []providers.ToolCall{echoCall("c1", "a")}}},
		{resp: &providers.ChatResponse{Content: "Still working", ToolCalls: []providers.ToolCall{echoCall("c2", "b")}}},
	}}
	f := newFixture(t, provider, protocol.ApprovalModeOff, 2)
	f.registry.Register(&echoTool{category: protocol.CategoryRead})
	run := f.create(t, "never finishes", "")

	if err := f.exec.Execute(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := f.runs.Get(run.ID)
	if got.Status != protocol.StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if n := f.countEvents(run.ID, protocol.EventRunWarning); n != 1 {
		t.Errorf("RUN_WARNING count = %d, want 1", n)
	}
	if ev := f.lastEvent(t, run.ID, protocol.EventRunCompleted); ev.Payload["content"] != "Still working" {
		t.Errorf("completed content = %v, want last streamed content", ev.Payload["content"])
	}

	// Content renders before the tool calls it arrived with.
	types := f.eventTypes(t, run.ID)
	firstToken, firstCall := -1, -1
	for i, typ := range types {
		if typ == protocol.EventLLMToken && firstToken == -1 {
			firstToken = i
		}
		if typ == protocol.EventToolCall && firstCall == -1 {
			firstCall = i
		}
	}
	if firstToken == -1 || firstCall == -1 || firstToken > firstCall {
		t.Errorf("LLM_TOKEN at %d, TOOL_CALL at %d; want content rendered first", firstToken, firstCall)
	}
}

func TestToolErrorContinuesLoop(t *testing.T) {
	provider := &scriptedProvider{steps: []scriptStep{
		{resp: &providers.ChatResponse{ToolCalls: []providers.ToolCall{echoCall("call-1", "x")}}},
		{resp: &providers.ChatResponse{Content: "Recovered"}},
	}}
	f := newFixture(t, provider, protocol.ApprovalModeOff, 5)
	f.registry.Register(&echoTool{category: protocol.CategoryRead, fail: true})
	run := f.create(t, "try it", "")

	if err := f.exec.Execute(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := f.runs.Get(run.ID)
	if got.Status != protocol.StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	ev := f.lastEvent(t, run.ID, protocol.EventToolResult)
	if ev.Payload["error"] != true {
		t.Errorf("tool result error flag = %v, want true", ev.Payload["error"])
	}

	// The failure text reaches the model on the next turn.
	reqs := provider.requests()
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != "tool" || last.Content != "echo broke" {
		t.Errorf("tool message = %+v, want the error text", last)
	}
}

func TestLLMFailureFailsRun(t *testing.T) {
	provider := &scriptedProvider{steps: []scriptStep{
		{err: errors.New("provider down")},
	}}
	f := newFixture(t, provider, protocol.ApprovalModeOff, 5)
	run := f.create(t, "doomed", "")

	err := f.exec.Execute(context.Background(), run.ID)
	if err == nil {
		t.Fatal("Execute should fail when the provider does")
	}

	got, _ := f.runs.Get(run.ID)
	if got.Status != protocol.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.Error == "" {
		t.Error("run error is empty")
	}
	ev := f.lastEvent(t, run.ID, protocol.EventRunFailed)
	if msg, _ := ev.Payload["error"].(string); msg == "" {
		t.Errorf("RUN_FAILED payload = %v, want an error message", ev.Payload)
	}
}

func TestSessionTranscriptPersistsAndPrepends(t *testing.T) {
	const sessionID = "chat:telegram:42"

	provider := &scriptedProvider{steps: []scriptStep{
		{resp: &providers.ChatResponse{Content: "Hi there"}},
		{resp: &providers.ChatResponse{Content: "Again"}},
	}}
	f := newFixture(t, provider, protocol.ApprovalModeOff, 5)

	first := f.create(t, "hello", sessionID)
	if err := f.exec.Execute(context.Background(), first.ID); err != nil {
		t.Fatal(err)
	}

	history := f.sessions.History(sessionID, 0)
	if len(history) != 2 || history[0].Role != "user" || history[1].Content != "Hi there" {
		t.Fatalf("history after first run = %+v", history)
	}

	second := f.create(t, "hello again", sessionID)
	if err := f.exec.Execute(context.Background(), second.ID); err != nil {
		t.Fatal(err)
	}

	// The second run's request replays the prior exchange after the system
	// prompt and before the new instruction.
	reqs := provider.requests()
	msgs := reqs[1].Messages
	roles := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	want := []string{"system", "user", "assistant", "user"}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles = %v, want %v", roles, want)
		}
	}
	if msgs[len(msgs)-1].Content != "hello again" {
		t.Errorf("last message = %q, want the new instruction", msgs[len(msgs)-1].Content)
	}

	if got := len(f.sessions.History(sessionID, 0)); got != 4 {
		t.Errorf("history length after second run = %d, want 4", got)
	}
}

func TestInstructionMediaAttachesImages(t *testing.T) {
	provider := &scriptedProvider{steps: []scriptStep{
		{resp: &providers.ChatResponse{Content: "A cat"}},
	}}
	f := newFixture(t, provider, protocol.ApprovalModeOff, 5)

	img := filepath.Join(f.dir, "photo.png")
	if err := os.WriteFile(img, []byte{0x89, 'P', 'N', 'G'}, 0o644); err != nil {
		t.Fatal(err)
	}
	run := f.create(t, "what is in this picture?\nMEDIA:"+img, "")

	if err := f.exec.Execute(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}

	msgs := provider.requests()[0].Messages
	user := msgs[len(msgs)-1]
	if len(user.Images) != 1 || user.Images[0].MimeType != "image/png" {
		t.Fatalf("user message images = %+v, want one png attachment", user.Images)
	}
}

func TestUsageAndSpansRecorded(t *testing.T) {
	provider := &scriptedProvider{steps: []scriptStep{
		{resp: &providers.ChatResponse{
			Content: "Done",
			Usage:   &providers.Usage{PromptTokens: 10, CompletionTokens: 3, TotalTokens: 13},
		}},
	}}
	f := newFixture(t, provider, protocol.ApprovalModeOff, 5)
	run := f.create(t, "quick", "")

	if err := f.exec.Execute(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}

	recs := f.usage.Recent(0)
	if len(recs) != 1 {
		t.Fatalf("usage records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.RunID != run.ID || rec.Provider != "scripted" || rec.TotalTokens != 13 {
		t.Errorf("usage record = %+v", rec)
	}

	spans := f.traces.Trace(run.ID)
	var kinds []string
	for _, s := range spans {
		kinds = append(kinds, s.Type)
	}
	if len(spans) != 2 || spans[0].Type != tracing.SpanLLM || spans[1].Type != tracing.SpanRun {
		t.Fatalf("span kinds = %v, want [llm_call run]", kinds)
	}
	if spans[0].InputTokens != 10 || spans[0].OutputTokens != 3 {
		t.Errorf("llm span tokens = %d/%d, want 10/3", spans[0].InputTokens, spans[0].OutputTokens)
	}
	if spans[1].ParentID != "" {
		t.Errorf("run span parent = %q, want root", spans[1].ParentID)
	}
	if spans[0].ParentID != spans[1].ID {
		t.Errorf("llm span parent = %q, want run span %q", spans[0].ParentID, spans[1].ID)
	}
}

func TestExecuteRejectsConcurrentRun(t *testing.T) {
	llmGate := make(chan struct{})
	provider := &scriptedProvider{steps: []scriptStep{
		{resp: &providers.ChatResponse{Content: "Done"}, block: llmGate},
	}}
	f := newFixture(t, provider, protocol.ApprovalModeOff, 5)
	run := f.create(t, "slow", "")

	done := make(chan error, 1)
	go func() { done <- f.exec.Execute(context.Background(), run.ID) }()
	waitFor(t, func() bool { return f.exec.ActiveRuns() == 1 })

	if err := f.exec.Execute(context.Background(), run.ID); err == nil {
		t.Error("second Execute for the same run should fail")
	}

	close(llmGate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
