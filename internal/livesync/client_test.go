package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/agents" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"a1","name":"builder","status":"idle"}]`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	agents, err := client.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if len(agents) != 1 || agents[0]["id"] != "a1" {
		t.Fatalf("expected agent a1, got %+v", agents)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientSurfacesClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"ADW not found"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", server.Client())
	_, err := client.GetWorkflow(context.Background(), "missing")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusNotFound || httpErr.Message != "ADW not found" {
		t.Fatalf("expected 404 ADW not found, got %+v", httpErr)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected 4xx not to be retried, got %d calls", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientWorkflowEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/adws/wf_1/events" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request body failed: %v", err)
		}
		if body["adw_id"] != "wf_1" || body["include_payload"] != true {
			t.Fatalf("expected adw_id and include_payload in body, got %+v", body)
		}
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Fatalf("expected correlation id header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"events":[{"id":"e1","event_type":"StepStart","adw_step":"build"}],"events_by_step":{},"count":1}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", server.Client())
	page, err := client.ListWorkflowEvents(context.Background(), WorkflowEventsRequest{WorkflowID: "wf_1", Limit: 10, IncludePayload: true})
	if err != nil {
		t.Fatalf("list workflow events failed: %v", err)
	}
	if page.Count != 1 || len(page.Events) != 1 || page.Events[0].ID != "e1" {
		t.Fatalf("expected one event e1, got %+v", page)
	}
}

func TestHTTPClientOrchestratorIdentity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", server.Client())
	if _, err := client.GetOrchestrator(context.Background()); !errors.Is(err, ErrSessionIdentity) {
		t.Fatalf("expected ErrSessionIdentity, got %v", err)
	}
}

func TestHTTPClientSendChatCarriesRequestID(t *testing.T) {
	var got SendChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/send_chat" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "tok", server.Client())
	err := client.SendChat(context.Background(), SendChatRequest{Message: "hi", OrchestratorAgentID: "orch", ClientRequestID: "req_1"})
	if err != nil {
		t.Fatalf("send chat failed: %v", err)
	}
	if got.ClientRequestID != "req_1" || got.Message != "hi" {
		t.Fatalf("expected request id and message forwarded, got %+v", got)
	}
}

func TestDecodeListAcceptsWrappedAndBareArrays(t *testing.T) {
	bare, err := decodeList(json.RawMessage(`[{"id":"x"}]`), "adws")
	if err != nil || len(bare) != 1 {
		t.Fatalf("expected bare array to decode, got %v %v", bare, err)
	}
	wrapped, err := decodeList(json.RawMessage(`{"status":"success","adws":[{"id":"x"},{"id":"y"}],"count":2}`), "adws")
	if err != nil || len(wrapped) != 2 {
		t.Fatalf("expected wrapped array to decode, got %v %v", wrapped, err)
	}
	empty, err := decodeList(json.RawMessage(`null`), "adws")
	if err != nil || empty != nil {
		t.Fatalf("expected null to decode to nil, got %v %v", empty, err)
	}
}

func TestNextDelayHonoursRetryAfter(t *testing.T) {
	client := NewHTTPClient("http://example.invalid", "", nil)
	if got := client.nextDelay(1, "1"); got != time.Second {
		t.Fatalf("expected 1s from Retry-After, got %s", got)
	}
	if got := client.nextDelay(1, "120"); got != client.backoff.Max {
		t.Fatalf("expected Retry-After to be capped at %s, got %s", client.backoff.Max, got)
	}
	if got := client.nextDelay(2, ""); got != 4*client.backoff.Base {
		t.Fatalf("expected doubled base delay, got %s", got)
	}
	if got := client.nextDelay(10, "soon"); got != client.backoff.Max {
		t.Fatalf("expected unparseable Retry-After to fall back to capped backoff, got %s", got)
	}
}

func TestHTTPClientDoesNotResendChatAfterServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"detail":"orchestrator unreachable"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", server.Client())
	err := client.SendChat(context.Background(), SendChatRequest{Message: "hi", OrchestratorAgentID: "orch_1", ClientRequestID: "req_1"})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 HTTPError, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected chat to be posted once, got %d", got)
	}
	if !strings.HasPrefix(err.Error(), "send_chat: backend returned 502") || httpErr.Message != "orchestrator unreachable" {
		t.Fatalf("expected route-named error with backend detail, got %q", err.Error())
	}
}

func TestHTTPClientResendsChatAfterRateLimit(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", server.Client())
	if err := client.SendChat(context.Background(), SendChatRequest{Message: "hi", ClientRequestID: "req_1"}); err != nil {
		t.Fatalf("expected rate-limited chat to go through on retry, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected two posts, got %d", got)
	}
}

func TestHTTPClientSendsDistinctCorrelationIDs(t *testing.T) {
	seen := make(chan string, 2)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get("X-Correlation-Id")
		_, _ = w.Write([]byte(`{"status":"success","agent":{"id":"a1"}}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", server.Client())
	for i := 0; i < 2; i++ {
		if _, err := client.GetAgent(context.Background(), "a1"); err != nil {
			t.Fatalf("get agent: %v", err)
		}
	}
	first, second := <-seen, <-seen
	if !strings.HasPrefix(first, "relaydash_") || first == second {
		t.Fatalf("expected distinct relaydash_ correlation ids, got %q and %q", first, second)
	}
}
