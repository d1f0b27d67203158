package livesync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaydash/internal/dashstate"
)

var (
	ErrEngineStopped = errors.New("engine is not running")
	ErrChatNotSent   = errors.New("chat message not sent")
)

const (
	DefaultPageSize           = 100
	DefaultWorkflowEventLimit = 2000
	actionQueueSize           = 256
)

type Logger interface {
	Printf(format string, args ...any)
}

// Timer is the handle returned by an AfterFunc.
type Timer interface {
	Stop() bool
}

// Preferences is reloaded once during Start.
type Preferences interface {
	Reload() error
}

type Config struct {
	SocketURL            string
	RestBaseURL          string
	Token                string
	PollingInterval      time.Duration
	HeartbeatInterval    time.Duration
	MaxReconnectAttempts int
	BaseBackoff          time.Duration
	MaxBackoff           time.Duration
	HealthyThreshold     time.Duration
	PageSize             int
	PulseDuration        time.Duration
	AutocompleteCeiling  time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.SocketURL) == "" {
		c.SocketURL = "ws://127.0.0.1:8000/ws"
	}
	if c.PollingInterval <= 0 {
		c.PollingInterval = DefaultPollingInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.HealthyThreshold <= 0 {
		c.HealthyThreshold = DefaultHealthyThreshold
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.AutocompleteCeiling <= 0 {
		c.AutocompleteCeiling = dashstate.DefaultAutocompleteCeiling
	}
	return c
}

type Options struct {
	Logger      Logger
	Client      RemoteClient
	Store       *dashstate.Store
	Preferences Preferences
	Header      http.Header
	Now         func() time.Time
	AfterFunc   func(time.Duration, func()) Timer
}

type Session struct {
	OrchestratorID string         `json:"orchestratorId"`
	Name           string         `json:"name,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

// Engine owns every live-sync component. All store and health mutation runs
// on the goroutine started by Start; I/O runs elsewhere and posts back.
type Engine struct {
	cfg         Config
	client      RemoteClient
	store       *dashstate.Store
	ingestor    *dashstate.Ingestor
	health      *HealthStore
	controller  *Controller
	poller      *Poller
	preferences Preferences
	header      http.Header
	logger      Logger
	now         func() time.Time
	afterFunc   func(time.Duration, func()) Timer

	actions chan func()
	stopped chan struct{}

	mu      sync.RWMutex
	session Session
	cancel  context.CancelFunc
	started bool

	// loop-owned
	runCtx         context.Context
	conn           *Conn
	connGen        uint64
	reconnectTimer Timer
	timerGen       uint64
}

func New(cfg Config, opts Options) (*Engine, error) {
	cfg = cfg.withDefaults()
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	afterFunc := opts.AfterFunc
	if afterFunc == nil {
		afterFunc = func(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }
	}
	client := opts.Client
	if client == nil {
		client = NewHTTPClient(cfg.RestBaseURL, cfg.Token, nil)
	}
	store := opts.Store
	if store == nil {
		store = dashstate.NewStoreWithOptions(dashstate.StoreOptions{PulseDuration: cfg.PulseDuration, Now: now})
	}

	e := &Engine{
		cfg:         cfg,
		client:      client,
		store:       store,
		health:      NewHealthStore(cfg.HealthyThreshold),
		controller:  NewController(Backoff{Base: cfg.BaseBackoff, Max: cfg.MaxBackoff}, cfg.MaxReconnectAttempts),
		preferences: opts.Preferences,
		header:      opts.Header,
		logger:      opts.Logger,
		now:         now,
		afterFunc:   afterFunc,
		actions:     make(chan func(), actionQueueSize),
		stopped:     make(chan struct{}),
	}
	ingestor, err := dashstate.NewIngestor(store, dashstate.IngestorOptions{
		Logger:              opts.Logger,
		Now:                 now,
		AutocompleteCeiling: cfg.AutocompleteCeiling,
		AfterFunc: func(d time.Duration, fn func()) {
			e.afterFunc(d, func() { e.post(fn) })
		},
	})
	if err != nil {
		return nil, err
	}
	e.ingestor = ingestor
	e.poller = NewPoller(e.pollOnce, opts.Logger)
	return e, nil
}

func (e *Engine) Store() *dashstate.Store {
	return e.store
}

func (e *Engine) Ingestor() *dashstate.Ingestor {
	return e.ingestor
}

func (e *Engine) Health() *HealthStore {
	return e.health
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Session() Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session
}

// Done is closed when the loop exits.
func (e *Engine) Done() <-chan struct{} {
	return e.stopped
}

// Start resolves the session identity, backfills the store, opens the socket
// and starts the loop. The loop runs until ctx is cancelled or Disconnect.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	orchestrator, err := e.client.GetOrchestrator(ctx)
	if err != nil {
		if errors.Is(err, ErrSessionIdentity) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrSessionIdentity, err)
	}
	id, _ := orchestrator["id"].(string)
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: orchestrator has no id", ErrSessionIdentity)
	}
	name, _ := orchestrator["name"].(string)
	e.mu.Lock()
	e.session = Session{OrchestratorID: id, Name: name, Attributes: orchestrator}
	e.mu.Unlock()
	e.ingestor.ApplyEntities(dashstate.EntityOrchestrator, []map[string]any{orchestrator})

	if e.preferences != nil {
		if err := e.preferences.Reload(); err != nil {
			e.logf("livesync: load preferences: %v", err)
		}
	}
	e.backfill(ctx, id)

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	e.runCtx = runCtx
	go e.loop(runCtx)
	e.post(e.connect)
	return nil
}

// Run starts the engine and blocks until the loop exits.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-e.stopped
	return nil
}

// Disconnect stops the loop, closes the socket and cancels any pending
// reconnect or polling. It blocks until the loop has exited.
func (e *Engine) Disconnect() {
	e.mu.RLock()
	cancel := e.cancel
	e.mu.RUnlock()
	if cancel == nil {
		return
	}
	cancel()
	<-e.stopped
}

func (e *Engine) backfill(ctx context.Context, orchestratorID string) {
	if agents, err := e.client.ListAgents(ctx); err != nil {
		e.logf("livesync: backfill agents: %v", err)
	} else {
		e.ingestor.ApplyEntities(dashstate.EntityAgent, agents)
	}
	workflows, err := e.client.ListWorkflows(ctx, ListWorkflowsRequest{OrchestratorAgentID: orchestratorID, Limit: e.cfg.PageSize})
	if err != nil {
		e.logf("livesync: backfill workflows: %v", err)
	} else {
		e.ingestor.ApplyEntities(dashstate.EntityWorkflow, workflows)
	}
	if chat, err := e.client.LoadChat(ctx, orchestratorID, e.cfg.PageSize); err != nil {
		e.logf("livesync: backfill chat: %v", err)
	} else {
		e.ingestor.ApplyChatHistory(chat.Messages)
	}
	if history, err := e.client.ListEvents(ctx, EventHistoryRequest{Limit: e.cfg.PageSize}); err != nil {
		e.logf("livesync: backfill events: %v", err)
	} else {
		e.ingestor.ApplyHistory(history.Events)
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.stopped)
	for {
		select {
		case <-ctx.Done():
			e.teardown()
			return
		case fn := <-e.actions:
			fn()
		}
	}
}

func (e *Engine) teardown() {
	e.connGen++
	if e.conn != nil {
		go e.conn.Close()
		e.conn = nil
	}
	e.stopReconnectTimer()
	e.poller.Stop()
	e.controller.Reset()
	e.health.Reset()
	e.logf("livesync: disconnected")
}

// post queues fn for the loop. It reports false once the loop has exited.
func (e *Engine) post(fn func()) bool {
	select {
	case e.actions <- fn:
		return true
	case <-e.stopped:
		return false
	}
}

func (e *Engine) postCtx(ctx context.Context, fn func()) bool {
	select {
	case e.actions <- fn:
		return true
	case <-ctx.Done():
		return false
	case <-e.stopped:
		return false
	}
}

// call runs fn on the loop and waits for it to finish.
func (e *Engine) call(ctx context.Context, fn func()) error {
	e.mu.RLock()
	running := e.cancel != nil
	e.mu.RUnlock()
	if !running {
		return ErrEngineStopped
	}
	done := make(chan struct{})
	if !e.postCtx(ctx, func() {
		defer close(done)
		fn()
	}) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrEngineStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrEngineStopped
	}
}

func (e *Engine) connect() {
	e.connGen++
	gen := e.connGen
	conn := NewConn(e.cfg.SocketURL, TransportOptions{
		Header:            e.header,
		HeartbeatInterval: e.cfg.HeartbeatInterval,
		Logger:            e.logger,
	})
	conn.OnFrame(func(raw []byte) {
		e.post(func() {
			if gen == e.connGen {
				e.handleFrame(raw)
			}
		})
	})
	conn.OnClose(func(err error) {
		e.post(func() { e.handleClose(gen, err) })
	})
	e.conn = conn

	ctx := e.runCtx
	go func() {
		err := conn.Open(ctx)
		e.post(func() {
			if gen != e.connGen || e.conn != conn {
				go conn.Close()
				return
			}
			if err != nil {
				e.handleClose(gen, err)
				return
			}
			// A socket that dropped before this ack ran reports through OnClose.
			select {
			case <-conn.Done():
				return
			default:
			}
			e.handleOpen()
		})
	}()
}

func (e *Engine) handleOpen() {
	e.controller.Opened()
	e.stopReconnectTimer()
	e.poller.Stop()
	e.health.SetOpen(true)
	e.health.ResetRetry()
	e.logf("livesync: connected to %s", e.cfg.SocketURL)
}

func (e *Engine) handleClose(gen uint64, cause error) {
	if gen != e.connGen {
		return
	}
	e.conn = nil
	e.health.SetOpen(false)
	decision := e.controller.Closed()
	switch decision.Action {
	case ActionReconnect:
		e.health.SetRetryCount(decision.Attempt)
		e.logf("livesync: connection lost (%v), reconnecting in %s (attempt %d)", cause, decision.Delay, decision.Attempt)
		e.scheduleReconnect(decision.Delay)
	case ActionPoll:
		e.logf("livesync: max reconnection attempts reached, falling back to polling every %s", e.cfg.PollingInterval)
		e.stopReconnectTimer()
		e.health.SetDegraded(true)
		e.poller.Start(e.runCtx, e.cfg.PollingInterval)
	}
}

func (e *Engine) scheduleReconnect(delay time.Duration) {
	e.stopReconnectTimer()
	e.timerGen++
	gen := e.timerGen
	e.reconnectTimer = e.afterFunc(delay, func() {
		e.post(func() {
			if gen != e.timerGen {
				return
			}
			e.reconnectTimer = nil
			e.connect()
		})
	})
}

func (e *Engine) stopReconnectTimer() {
	e.timerGen++
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer = nil
	}
}

func (e *Engine) handleFrame(raw []byte) {
	e.health.MarkMessage(e.now())
	_, err := e.ingestor.Ingest(raw)
	switch {
	case errors.Is(err, dashstate.ErrUnknownFrame):
		e.logf("livesync: warning: %v", err)
	case err != nil:
		e.logf("livesync: dropped frame: %v", err)
	}
}

func (e *Engine) pollOnce(ctx context.Context) error {
	agents, err := e.client.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	session := e.Session()
	workflows, err := e.client.ListWorkflows(ctx, ListWorkflowsRequest{OrchestratorAgentID: session.OrchestratorID, Limit: e.cfg.PageSize})
	if err != nil {
		e.logf("livesync: polling workflows: %v", err)
		workflows = nil
	}
	e.postCtx(ctx, func() {
		e.ingestor.ApplyEntities(dashstate.EntityAgent, agents)
		e.ingestor.ApplyEntities(dashstate.EntityWorkflow, workflows)
	})
	return nil
}

// SendChat appends an optimistic message and posts it. A failed post adds a
// system error message to the transcript.
func (e *Engine) SendChat(ctx context.Context, content string) (dashstate.ChatMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return dashstate.ChatMessage{}, fmt.Errorf("%w: message is empty", dashstate.ErrInvalidInput)
	}
	var local dashstate.ChatMessage
	if err := e.call(ctx, func() { local = e.store.AddLocalChat(content) }); err != nil {
		return dashstate.ChatMessage{}, err
	}
	err := e.client.SendChat(ctx, SendChatRequest{
		Message:             content,
		OrchestratorAgentID: e.Session().OrchestratorID,
		ClientRequestID:     local.ClientRequestID,
	})
	if err != nil {
		e.post(func() { e.store.AddSystemChat("Error: " + chatFailureText(err)) })
		return local, fmt.Errorf("%w: %w", ErrChatNotSent, err)
	}
	return local, nil
}

// chatFailureText is the backend's own message when it sent one.
func chatFailureText(err error) string {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.Message != "" {
		return httpErr.Message
	}
	return err.Error()
}

// GenerateAutocomplete raises the loading flag, requests suggestions and
// records the outcome on the UI flags.
func (e *Engine) GenerateAutocomplete(ctx context.Context, input string) ([]dashstate.AutocompleteItem, error) {
	if err := e.call(ctx, func() { e.ingestor.BeginAutocomplete() }); err != nil {
		return nil, err
	}
	resp, err := e.client.GenerateAutocomplete(ctx, input, e.Session().OrchestratorID)
	if err != nil {
		e.post(func() { e.store.FinishAutocomplete(nil, err.Error()) })
		return nil, err
	}
	items := resp.Autocompletes
	if items == nil {
		items = []dashstate.AutocompleteItem{}
	}
	e.post(func() { e.store.FinishAutocomplete(items, "") })
	return items, nil
}

func (e *Engine) UpdateAutocomplete(ctx context.Context, req AutocompleteUpdateRequest) error {
	if req.OrchestratorAgentID == "" {
		req.OrchestratorAgentID = e.Session().OrchestratorID
	}
	return e.client.UpdateAutocomplete(ctx, req)
}

// LoadWorkflowEvents refreshes one workflow and backfills its events.
func (e *Engine) LoadWorkflowEvents(ctx context.Context, workflowID string) (int, error) {
	workflowID = strings.TrimSpace(workflowID)
	if workflowID == "" {
		return 0, fmt.Errorf("%w: workflow id is required", dashstate.ErrInvalidInput)
	}
	workflow, err := e.client.GetWorkflow(ctx, workflowID)
	if err != nil {
		return 0, err
	}
	page, err := e.client.ListWorkflowEvents(ctx, WorkflowEventsRequest{
		WorkflowID:     workflowID,
		Limit:          DefaultWorkflowEventLimit,
		IncludePayload: true,
	})
	if err != nil {
		return 0, err
	}
	applied := 0
	err = e.call(ctx, func() {
		if workflow != nil {
			if _, ok := workflow["id"]; !ok {
				workflow["id"] = workflowID
			}
			e.ingestor.ApplyEntities(dashstate.EntityWorkflow, []map[string]any{workflow})
		}
		applied = e.ingestor.ApplyWorkflowEvents(workflowID, page.Events)
	})
	return applied, err
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
