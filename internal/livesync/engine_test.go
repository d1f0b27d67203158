package livesync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaydash/internal/dashstate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type fakeRemote struct {
	mu              sync.Mutex
	orchestrator    map[string]any
	orchestratorErr error
	agents          []map[string]any
	workflows       []map[string]any
	workflowEvents  map[string][]dashstate.EventRecord
	chat            []dashstate.ChatRecord
	history         []dashstate.EventRecord
	sendErr         error
	autocomplete    []dashstate.AutocompleteItem
	autocompleteErr error

	agentCalls int
	sent       []SendChatRequest
	updates    []AutocompleteUpdateRequest
}

func (f *fakeRemote) GetOrchestrator(context.Context) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orchestrator, f.orchestratorErr
}

func (f *fakeRemote) ListAgents(context.Context) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agentCalls++
	return f.agents, nil
}

func (f *fakeRemote) GetAgent(_ context.Context, id string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, agent := range f.agents {
		if agent["id"] == id {
			return agent, nil
		}
	}
	return nil, &HTTPError{StatusCode: http.StatusNotFound, Message: "not found"}
}

func (f *fakeRemote) ListWorkflows(context.Context, ListWorkflowsRequest) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workflows, nil
}

func (f *fakeRemote) GetWorkflow(_ context.Context, id string) (map[string]any, error) {
	return map[string]any{"id": id, "status": "in_progress"}, nil
}

func (f *fakeRemote) ListWorkflowEvents(_ context.Context, req WorkflowEventsRequest) (WorkflowEventsPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	events := f.workflowEvents[req.WorkflowID]
	return WorkflowEventsPage{Events: events, Count: len(events)}, nil
}

func (f *fakeRemote) GetWorkflowSummary(context.Context, string) (map[string]any, error) {
	return map[string]any{}, nil
}

func (f *fakeRemote) SendChat(_ context.Context, req SendChatRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return f.sendErr
}

func (f *fakeRemote) LoadChat(context.Context, string, int) (ChatHistory, error) {
	return ChatHistory{Messages: f.chat, TurnCount: len(f.chat)}, nil
}

func (f *fakeRemote) ListEvents(context.Context, EventHistoryRequest) (EventHistory, error) {
	return EventHistory{Events: f.history, Count: len(f.history)}, nil
}

func (f *fakeRemote) GenerateAutocomplete(context.Context, string, string) (AutocompleteResponse, error) {
	return AutocompleteResponse{Autocompletes: f.autocomplete}, f.autocompleteErr
}

func (f *fakeRemote) UpdateAutocomplete(_ context.Context, req AutocompleteUpdateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, req)
	return nil
}

func (f *fakeRemote) agentCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agentCalls
}

// delayRecorder fires every scheduled callback immediately and remembers the
// requested delays.
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) afterFunc(d time.Duration, fn func()) Timer {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return time.AfterFunc(0, fn)
}

func (r *delayRecorder) snapshot() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		orchestrator: map[string]any{"id": "orch_1", "name": "orchestrator"},
		agents:       []map[string]any{{"id": "a1", "name": "builder", "status": "idle"}},
		workflows:    []map[string]any{{"id": "wf_1", "status": "in_progress", "orchestrator_agent_id": "orch_1"}},
	}
}

func TestStartFailsWithoutSessionIdentity(t *testing.T) {
	remote := newFakeRemote()
	remote.orchestratorErr = errors.New("connection refused")
	engine, err := New(Config{SocketURL: "ws://127.0.0.1:1/ws"}, Options{Client: remote})
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	if err := engine.Start(context.Background()); !errors.Is(err, ErrSessionIdentity) {
		t.Fatalf("expected ErrSessionIdentity, got %v", err)
	}
	if engine.Store().Len() != 0 {
		t.Fatalf("expected no backfill without a session")
	}
}

func TestEngineDegradesToPollingAfterReconnectBudget(t *testing.T) {
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer rejecting.Close()

	remote := newFakeRemote()
	timers := &delayRecorder{}
	engine, err := New(Config{
		SocketURL:            wsURL(rejecting),
		PollingInterval:      20 * time.Millisecond,
		MaxReconnectAttempts: 5,
	}, Options{Client: remote, AfterFunc: timers.afterFunc})
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer engine.Disconnect()

	waitFor(t, "degraded to polling", func() bool { return engine.Health().Snapshot().DegradedToPolling })
	state := engine.Health().Snapshot()
	if state.IsOpen || state.RetryCount != 5 {
		t.Fatalf("expected closed connection with 5 retries, got %+v", state)
	}
	if engine.Health().Status() != "polling" {
		t.Fatalf("expected polling status, got %s", engine.Health().Status())
	}

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 16 * time.Second}
	got := timers.snapshot()
	if len(got) != len(want) {
		t.Fatalf("expected %d reconnect timers, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delay %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	backfillCalls := 1
	waitFor(t, "polling ticks", func() bool { return remote.agentCallCount() >= backfillCalls+2 })
	if _, ok := engine.Store().Entity(dashstate.EntityAgent, "a1"); !ok {
		t.Fatalf("expected agent from backfill and polling")
	}

	engine.Disconnect()
	after := remote.agentCallCount()
	time.Sleep(60 * time.Millisecond)
	if remote.agentCallCount() != after {
		t.Fatalf("expected polling to stop after disconnect")
	}
	if s := engine.Health().Snapshot(); s != (ConnectionState{}) {
		t.Fatalf("expected connection state reset after disconnect, got %+v", s)
	}
}

func TestEngineReconnectsAfterLiveDrop(t *testing.T) {
	var (
		mu       sync.Mutex
		accepted int
	)
	drop := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		mu.Lock()
		accepted++
		mu.Unlock()
		select {
		case <-drop:
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	acceptedCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return accepted
	}

	remote := newFakeRemote()
	timers := &delayRecorder{}
	engine, err := New(Config{SocketURL: wsURL(server)}, Options{Client: remote, AfterFunc: timers.afterFunc})
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer engine.Disconnect()

	waitFor(t, "first connection", func() bool { return engine.Health().Snapshot().IsOpen })
	for round := 2; round <= 3; round++ {
		drop <- struct{}{}
		waitFor(t, "reconnected socket", func() bool {
			return acceptedCount() == round && engine.Health().Snapshot().IsOpen
		})
	}

	state := engine.Health().Snapshot()
	if state.RetryCount != 0 || state.DegradedToPolling {
		t.Fatalf("expected connected state with retries reset, got %+v", state)
	}
	if engine.Health().Status() != "connected" {
		t.Fatalf("expected connected status, got %s", engine.Health().Status())
	}
	want := []time.Duration{2 * time.Second, 2 * time.Second}
	got := timers.snapshot()
	if len(got) != len(want) {
		t.Fatalf("expected %d reconnect timers, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delay %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestEngineIngestsSocketFrames(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		_ = wsjson.Write(ctx, conn, map[string]any{"type": "connection_established", "client_id": "c1"})
		_ = wsjson.Write(ctx, conn, map[string]any{"type": "agent_created", "agent": map[string]any{"id": "a2", "name": "tester"}})
		_ = wsjson.Write(ctx, conn, map[string]any{"type": "mystery_frame"})
		_ = wsjson.Write(ctx, conn, map[string]any{
			"type":   "adw_event",
			"adw_id": "wf_1",
			"event":  map[string]any{"id": "e1", "event_type": "StepStart", "adw_step": "build", "summary": "building"},
		})
		<-release
	}))
	defer server.Close()
	defer close(release)

	remote := newFakeRemote()
	engine, err := New(Config{SocketURL: wsURL(server)}, Options{Client: remote})
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer engine.Disconnect()

	waitFor(t, "workflow event", func() bool {
		_, ok := engine.Store().Event("e1")
		return ok
	})
	if _, ok := engine.Store().Entity(dashstate.EntityAgent, "a2"); !ok {
		t.Fatalf("expected agent from socket frame")
	}
	if !engine.Health().Snapshot().IsOpen {
		t.Fatalf("expected open connection")
	}
	if !engine.Health().IsHealthy(time.Now()) {
		t.Fatalf("expected healthy connection after recent frames")
	}
	if events := engine.Store().WorkflowEvents("wf_1", "build"); len(events) != 1 {
		t.Fatalf("expected one build step event, got %d", len(events))
	}
	if got := engine.Session().OrchestratorID; got != "orch_1" {
		t.Fatalf("expected session orch_1, got %q", got)
	}
}

func TestSendChatFailureAddsSystemMessage(t *testing.T) {
	remote := newFakeRemote()
	remote.sendErr = errors.New("backend down")
	engine := startOffline(t, remote)

	msg, err := engine.SendChat(context.Background(), "hello")
	if !errors.Is(err, ErrChatNotSent) {
		t.Fatalf("expected ErrChatNotSent, got %v", err)
	}
	if msg.ClientRequestID == "" {
		t.Fatalf("expected optimistic message with request id")
	}
	waitFor(t, "system error message", func() bool { return len(engine.Store().ChatMessages()) == 2 })
	messages := engine.Store().ChatMessages()
	if messages[1].Sender != dashstate.SenderSystem || messages[1].Content != "Error: backend down" {
		t.Fatalf("expected system error message, got %+v", messages[1])
	}
	if len(remote.sent) != 1 || remote.sent[0].OrchestratorAgentID != "orch_1" || remote.sent[0].ClientRequestID != msg.ClientRequestID {
		t.Fatalf("expected request forwarded with session and request id, got %+v", remote.sent)
	}
	if _, err := engine.SendChat(context.Background(), "   "); !errors.Is(err, dashstate.ErrInvalidInput) {
		t.Fatalf("expected empty message rejected, got %v", err)
	}
}

func TestSendChatFailureShowsBackendMessage(t *testing.T) {
	remote := newFakeRemote()
	remote.sendErr = fmt.Errorf("wrapped: %w", &HTTPError{Route: "send_chat", StatusCode: http.StatusServiceUnavailable, Message: "orchestrator busy"})
	engine := startOffline(t, remote)

	_, err := engine.SendChat(context.Background(), "hello")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected the backend error to stay reachable, got %v", err)
	}
	waitFor(t, "system error message", func() bool { return len(engine.Store().ChatMessages()) == 2 })
	if got := engine.Store().ChatMessages()[1].Content; got != "Error: orchestrator busy" {
		t.Fatalf("expected backend message in chat, got %q", got)
	}
}

func TestGenerateAutocompleteSetsFlags(t *testing.T) {
	remote := newFakeRemote()
	remote.autocomplete = []dashstate.AutocompleteItem{{Completion: "deploy", Reasoning: "common"}}
	engine := startOffline(t, remote)

	items, err := engine.GenerateAutocomplete(context.Background(), "dep")
	if err != nil {
		t.Fatalf("generate autocomplete failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one suggestion, got %d", len(items))
	}
	waitFor(t, "autocomplete flags", func() bool {
		flags := engine.Store().Flags()
		return !flags.AutocompleteLoading && len(flags.AutocompleteItems) == 1
	})

	remote.autocompleteErr = errors.New("model unavailable")
	if _, err := engine.GenerateAutocomplete(context.Background(), "dep"); err == nil {
		t.Fatalf("expected autocomplete failure")
	}
	waitFor(t, "autocomplete error", func() bool {
		flags := engine.Store().Flags()
		return !flags.AutocompleteLoading && flags.AutocompleteError == "model unavailable"
	})

	if err := engine.UpdateAutocomplete(context.Background(), AutocompleteUpdateRequest{CompletionType: "autocomplete", Autocomplete: "deploy"}); err != nil {
		t.Fatalf("update autocomplete failed: %v", err)
	}
	if len(remote.updates) != 1 || remote.updates[0].OrchestratorAgentID != "orch_1" {
		t.Fatalf("expected update forwarded with session id, got %+v", remote.updates)
	}
}

func TestLoadWorkflowEventsBackfillsIndexes(t *testing.T) {
	remote := newFakeRemote()
	remote.workflowEvents = map[string][]dashstate.EventRecord{
		"wf_2": {
			{ID: "w1", EventType: "StepStart", Step: "plan"},
			{ID: "w2", EventType: "StepEnd", Step: "plan"},
			{ID: "w3", EventType: "WorkflowStart"},
		},
	}
	engine := startOffline(t, remote)

	applied, err := engine.LoadWorkflowEvents(context.Background(), "wf_2")
	if err != nil {
		t.Fatalf("load workflow events failed: %v", err)
	}
	if applied != 3 {
		t.Fatalf("expected 3 events applied, got %d", applied)
	}
	if _, ok := engine.Store().Entity(dashstate.EntityWorkflow, "wf_2"); !ok {
		t.Fatalf("expected workflow entity refreshed")
	}
	if got := len(engine.Store().WorkflowEvents("wf_2", "plan")); got != 2 {
		t.Fatalf("expected 2 plan events, got %d", got)
	}
	if got := len(engine.Store().WorkflowEvents("wf_2", dashstate.WorkflowStepDefault)); got != 1 {
		t.Fatalf("expected 1 workflow-level event, got %d", got)
	}
	again, err := engine.LoadWorkflowEvents(context.Background(), "wf_2")
	if err != nil || again != 0 {
		t.Fatalf("expected reload to be idempotent, got %d %v", again, err)
	}
	if err := engine.Store().CheckInvariants(); err != nil {
		t.Fatalf("invariants violated: %v", err)
	}
}

// startOffline starts an engine whose socket never connects and whose
// reconnect timers never fire.
func startOffline(t *testing.T, remote *fakeRemote) *Engine {
	t.Helper()
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(rejecting.Close)
	engine, err := New(Config{SocketURL: wsURL(rejecting)}, Options{
		Client:    remote,
		AfterFunc: func(time.Duration, func()) Timer { return time.NewTimer(time.Hour) },
	})
	if err != nil {
		t.Fatalf("new engine failed: %v", err)
	}
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(engine.Disconnect)
	return engine
}
