package livesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaydash/internal/dashstate"
)

var (
	ErrSessionIdentity = errors.New("session identity unavailable")
	ErrNotOpen         = errors.New("connection not open")
)

// HTTPError is a non-2xx answer from the collaborator backend.
type HTTPError struct {
	Route      string
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	prefix := fmt.Sprintf("backend returned %d", e.StatusCode)
	if e.Route != "" {
		prefix = e.Route + ": " + prefix
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", prefix, e.Code, e.Message)
	}
	return prefix + ": " + e.Message
}

type ListWorkflowsRequest struct {
	OrchestratorAgentID string `json:"orchestrator_agent_id,omitempty"`
	Status              string `json:"status,omitempty"`
	Limit               int    `json:"limit,omitempty"`
}

type WorkflowEventsRequest struct {
	WorkflowID     string `json:"adw_id"`
	Limit          int    `json:"limit,omitempty"`
	EventType      string `json:"event_type,omitempty"`
	IncludePayload bool   `json:"include_payload"`
}

type WorkflowEventsPage struct {
	Events       []dashstate.EventRecord            `json:"events"`
	EventsByStep map[string][]dashstate.EventRecord `json:"events_by_step"`
	Count        int                                `json:"count"`
}

type EventHistoryRequest struct {
	AgentID    string `json:"agent_id,omitempty"`
	TaskSlug   string `json:"task_slug,omitempty"`
	EventTypes string `json:"event_types,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
}

type EventHistory struct {
	Events []dashstate.EventRecord `json:"events"`
	Count  int                     `json:"count"`
}

type ChatHistory struct {
	Messages  []dashstate.ChatRecord `json:"messages"`
	TurnCount int                    `json:"turn_count"`
}

type SendChatRequest struct {
	Message             string `json:"message"`
	OrchestratorAgentID string `json:"orchestrator_agent_id"`
	ClientRequestID     string `json:"client_request_id,omitempty"`
}

type AutocompleteResponse struct {
	Autocompletes []dashstate.AutocompleteItem `json:"autocompletes"`
}

type AutocompleteUpdateRequest struct {
	OrchestratorAgentID  string `json:"orchestrator_agent_id"`
	CompletionType       string `json:"completion_type"`
	UserInputOnEnter     string `json:"user_input_on_enter,omitempty"`
	UserInputBeforeEnter string `json:"user_input_before_completion,omitempty"`
	Autocomplete         string `json:"autocomplete_item,omitempty"`
	Reasoning            string `json:"reasoning,omitempty"`
}

// RemoteClient is the REST surface of the orchestration backend.
type RemoteClient interface {
	GetOrchestrator(ctx context.Context) (map[string]any, error)
	ListAgents(ctx context.Context) ([]map[string]any, error)
	GetAgent(ctx context.Context, agentID string) (map[string]any, error)
	ListWorkflows(ctx context.Context, req ListWorkflowsRequest) ([]map[string]any, error)
	GetWorkflow(ctx context.Context, workflowID string) (map[string]any, error)
	ListWorkflowEvents(ctx context.Context, req WorkflowEventsRequest) (WorkflowEventsPage, error)
	GetWorkflowSummary(ctx context.Context, workflowID string) (map[string]any, error)
	SendChat(ctx context.Context, req SendChatRequest) error
	LoadChat(ctx context.Context, orchestratorID string, limit int) (ChatHistory, error)
	ListEvents(ctx context.Context, req EventHistoryRequest) (EventHistory, error)
	GenerateAutocomplete(ctx context.Context, userInput, orchestratorID string) (AutocompleteResponse, error)
	UpdateAutocomplete(ctx context.Context, req AutocompleteUpdateRequest) error
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	backoff    Backoff
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		backoff:    Backoff{Base: 100 * time.Millisecond, Max: 2 * time.Second},
	}
}

// Collaborator routes. Reads and query-style POSTs are safe to resend; chat
// and autocomplete posts have side effects on the backend and are not.
var (
	routeOrchestrator   = route{name: "get_orchestrator", method: http.MethodGet, replay: true}
	routeAgents         = route{name: "list_agents", method: http.MethodGet, replay: true}
	routeAgent          = route{name: "get_agent", method: http.MethodGet, replay: true}
	routeWorkflows      = route{name: "list_adws", method: http.MethodPost, replay: true}
	routeWorkflow       = route{name: "get_adw", method: http.MethodGet, replay: true}
	routeWorkflowEvents = route{name: "adw_events", method: http.MethodPost, replay: true}
	routeWorkflowSum    = route{name: "adw_summary", method: http.MethodGet, replay: true}
	routeSendChat       = route{name: "send_chat", method: http.MethodPost}
	routeLoadChat       = route{name: "load_chat", method: http.MethodPost, replay: true}
	routeEvents         = route{name: "get_events", method: http.MethodPost, replay: true}
	routeAutocomplete   = route{name: "autocomplete_generate", method: http.MethodPost}
	routeAutoUpdate     = route{name: "autocomplete_update", method: http.MethodPost}
)

type route struct {
	name   string
	method string
	replay bool
}

func (c *HTTPClient) GetOrchestrator(ctx context.Context) (map[string]any, error) {
	var resp struct {
		Orchestrator map[string]any `json:"orchestrator"`
	}
	if err := c.do(ctx, routeOrchestrator, "/get_orchestrator", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Orchestrator == nil {
		return nil, fmt.Errorf("%w: response has no orchestrator", ErrSessionIdentity)
	}
	return resp.Orchestrator, nil
}

func (c *HTTPClient) ListAgents(ctx context.Context) ([]map[string]any, error) {
	var raw json.RawMessage
	if err := c.do(ctx, routeAgents, "/agents", nil, &raw); err != nil {
		return nil, err
	}
	return decodeList(raw, "agents")
}

func (c *HTTPClient) GetAgent(ctx context.Context, agentID string) (map[string]any, error) {
	var agent map[string]any
	if err := c.do(ctx, routeAgent, "/agents/"+url.PathEscape(agentID), nil, &agent); err != nil {
		return nil, err
	}
	return agent, nil
}

func (c *HTTPClient) ListWorkflows(ctx context.Context, req ListWorkflowsRequest) ([]map[string]any, error) {
	var raw json.RawMessage
	if err := c.do(ctx, routeWorkflows, "/adws", req, &raw); err != nil {
		return nil, err
	}
	return decodeList(raw, "adws")
}

func (c *HTTPClient) GetWorkflow(ctx context.Context, workflowID string) (map[string]any, error) {
	var resp struct {
		Adw map[string]any `json:"adw"`
	}
	if err := c.do(ctx, routeWorkflow, "/adws/"+url.PathEscape(workflowID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Adw, nil
}

func (c *HTTPClient) ListWorkflowEvents(ctx context.Context, req WorkflowEventsRequest) (WorkflowEventsPage, error) {
	var page WorkflowEventsPage
	err := c.do(ctx, routeWorkflowEvents, "/adws/"+url.PathEscape(req.WorkflowID)+"/events", req, &page)
	return page, err
}

func (c *HTTPClient) GetWorkflowSummary(ctx context.Context, workflowID string) (map[string]any, error) {
	var summary map[string]any
	err := c.do(ctx, routeWorkflowSum, "/adws/"+url.PathEscape(workflowID)+"/summary", nil, &summary)
	return summary, err
}

// SendChat posts one chat message. It is sent at most once: a dropped
// connection or 5xx may mean the backend already queued it.
func (c *HTTPClient) SendChat(ctx context.Context, req SendChatRequest) error {
	return c.do(ctx, routeSendChat, "/send_chat", req, nil)
}

func (c *HTTPClient) LoadChat(ctx context.Context, orchestratorID string, limit int) (ChatHistory, error) {
	body := map[string]any{"orchestrator_agent_id": orchestratorID}
	if limit > 0 {
		body["limit"] = limit
	}
	var history ChatHistory
	err := c.do(ctx, routeLoadChat, "/load_chat", body, &history)
	return history, err
}

func (c *HTTPClient) ListEvents(ctx context.Context, req EventHistoryRequest) (EventHistory, error) {
	var history EventHistory
	err := c.do(ctx, routeEvents, "/get_events", req, &history)
	return history, err
}

func (c *HTTPClient) GenerateAutocomplete(ctx context.Context, userInput, orchestratorID string) (AutocompleteResponse, error) {
	var resp AutocompleteResponse
	err := c.do(ctx, routeAutocomplete, "/autocomplete-generate", map[string]any{
		"user_input":            userInput,
		"orchestrator_agent_id": orchestratorID,
	}, &resp)
	return resp, err
}

func (c *HTTPClient) UpdateAutocomplete(ctx context.Context, req AutocompleteUpdateRequest) error {
	return c.do(ctx, routeAutoUpdate, "/autocomplete-update", req, nil)
}

// decodeList accepts either a bare JSON array or an object wrapping it under key.
func decodeList(raw json.RawMessage, key string) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var list []map[string]any
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, err
	}
	inner, ok := wrapped[key]
	if !ok {
		return nil, nil
	}
	var list []map[string]any
	if err := json.Unmarshal(inner, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// do sends one request to the collaborator. A 429 is always retried since the
// backend rejected the call before acting on it; transport failures and 5xx
// are retried only for routes marked replay.
func (c *HTTPClient) do(ctx context.Context, rt route, requestPath string, body any, out any) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", rt.name, err)
		}
		payload = encoded
	}

	for attempt := 0; ; attempt++ {
		resp, err := c.send(ctx, rt.method, requestPath, payload)
		if err != nil {
			if rt.replay && attempt < c.maxRetries && ctx.Err() == nil {
				if pauseErr := pause(ctx, c.nextDelay(attempt, "")); pauseErr != nil {
					return fmt.Errorf("%s: %w", rt.name, pauseErr)
				}
				continue
			}
			return fmt.Errorf("%s: %w", rt.name, err)
		}
		data, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return fmt.Errorf("%s: read response: %w", rt.name, err)
		}

		if resp.StatusCode/100 == 2 {
			if out == nil || len(bytes.TrimSpace(data)) == 0 {
				return nil
			}
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("%s: decode response: %w", rt.name, err)
			}
			return nil
		}

		retry := resp.StatusCode == http.StatusTooManyRequests || (rt.replay && resp.StatusCode >= 500)
		if retry && attempt < c.maxRetries {
			if pauseErr := pause(ctx, c.nextDelay(attempt, resp.Header.Get("Retry-After"))); pauseErr != nil {
				return fmt.Errorf("%s: %w", rt.name, pauseErr)
			}
			continue
		}
		return newHTTPError(rt.name, resp.StatusCode, data)
	}
}

func (c *HTTPClient) send(ctx context.Context, method, requestPath string, payload []byte) (*http.Response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, reader)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Correlation-Id", "relaydash_"+uuid.NewString())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

// newHTTPError reads the backend's error body, which is either the FastAPI
// {"detail": ...} shape or {"code", "message"}.
func newHTTPError(routeName string, status int, data []byte) *HTTPError {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Detail  any    `json:"detail"`
	}
	_ = json.Unmarshal(data, &body)
	message := body.Message
	if message == "" {
		switch detail := body.Detail.(type) {
		case string:
			message = detail
		case nil:
		default:
			if encoded, err := json.Marshal(detail); err == nil {
				message = string(encoded)
			}
		}
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &HTTPError{Route: routeName, StatusCode: status, Code: body.Code, Message: message}
}

// nextDelay is the wait before retry number attempt+1. Retry-After wins when
// present, capped at the client's maximum.
func (c *HTTPClient) nextDelay(attempt int, retryAfter string) time.Duration {
	if wait := parseRetryAfter(retryAfter); wait > 0 {
		return min(wait, c.backoff.Max)
	}
	return c.backoff.Delay(attempt)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(max(seconds, 0)) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		return max(time.Until(at), 0)
	}
	return 0
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
