package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaydash/internal/dashstate"
	"github.com/agentworkforce/relaydash/internal/livesync"
	"github.com/agentworkforce/relaydash/internal/prefs"
)

const defaultEventLimit = 200

type Logger interface {
	Printf(format string, args ...any)
}

// Backend is the engine surface the consumer API reads and drives.
// *livesync.Engine satisfies it.
type Backend interface {
	Store() *dashstate.Store
	Health() *livesync.HealthStore
	Session() livesync.Session
	SendChat(ctx context.Context, content string) (dashstate.ChatMessage, error)
	GenerateAutocomplete(ctx context.Context, input string) ([]dashstate.AutocompleteItem, error)
	LoadWorkflowEvents(ctx context.Context, workflowID string) (int, error)
}

type Preferences interface {
	ChatWidth() prefs.Width
	SetChatWidth(prefs.Width) error
	Toggle() (prefs.Width, error)
}

type ServerConfig struct {
	JWTSecret       string
	Session         string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	RequestTimeout  time.Duration
	StreamBuffer    int
	OriginPatterns  []string
	Logger          Logger
}

type Server struct {
	backend     Backend
	prefs       Preferences
	cfg         ServerConfig
	rateLimiter *rateLimiter
	streams     sync.WaitGroup
	shutdown    chan struct{}
	closeOnce   sync.Once
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(backend Backend, preferences Preferences) *Server {
	return NewServerWithConfig(backend, preferences, ServerConfig{})
}

func NewServerWithConfig(backend Backend, preferences Preferences, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.Session == "" {
		cfg.Session = "local"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 256
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		backend:     backend,
		prefs:       preferences,
		cfg:         cfg,
		rateLimiter: limiter,
		shutdown:    make(chan struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = "corr_" + uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "connection" && r.Method == http.MethodGet:
		requiredScope, route = ScopeRead, "connection"
	case len(parts) == 2 && parts[1] == "agents" && r.Method == http.MethodGet:
		requiredScope, route = ScopeRead, "agents"
	case len(parts) == 4 && parts[1] == "agents" && parts[3] == "tasks" && r.Method == http.MethodGet:
		requiredScope, route = ScopeRead, "agent_tasks"
	case len(parts) == 2 && parts[1] == "workflows" && r.Method == http.MethodGet:
		requiredScope, route = ScopeRead, "workflows"
	case len(parts) == 4 && parts[1] == "workflows" && parts[3] == "events" && r.Method == http.MethodGet:
		requiredScope, route = ScopeRead, "workflow_events"
	case len(parts) == 4 && parts[1] == "workflows" && parts[3] == "refresh" && r.Method == http.MethodPost:
		requiredScope, route = ScopeWrite, "workflow_refresh"
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		requiredScope, route = ScopeRead, "events"
	case len(parts) == 2 && parts[1] == "chat" && r.Method == http.MethodGet:
		requiredScope, route = ScopeRead, "chat"
	case len(parts) == 2 && parts[1] == "chat" && r.Method == http.MethodPost:
		requiredScope, route = ScopeWrite, "send_chat"
	case len(parts) == 2 && parts[1] == "autocomplete" && r.Method == http.MethodPost:
		requiredScope, route = ScopeWrite, "autocomplete"
	case len(parts) == 2 && parts[1] == "stats" && r.Method == http.MethodGet:
		requiredScope, route = ScopeRead, "stats"
	case len(parts) == 3 && parts[1] == "preferences" && parts[2] == "chat-width" && r.Method == http.MethodGet:
		requiredScope, route = ScopeRead, "get_chat_width"
	case len(parts) == 3 && parts[1] == "preferences" && parts[2] == "chat-width" && r.Method == http.MethodPut:
		requiredScope, route = ScopeWrite, "put_chat_width"
	case len(parts) == 2 && parts[1] == "stream" && r.Method == http.MethodGet:
		requiredScope, route = ScopeRead, "stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && route == "stream" {
		// Browsers cannot set headers on a WebSocket handshake.
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, s.cfg.Session, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && route != "stream" {
		key := claims.Session + "|" + claims.Subject
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "connection":
		s.handleConnection(w)
	case "agents":
		s.handleAgents(w)
	case "agent_tasks":
		s.handleAgentTasks(w, parts[2])
	case "workflows":
		s.handleWorkflows(w)
	case "workflow_events":
		s.handleWorkflowEvents(w, r, parts[2])
	case "workflow_refresh":
		s.handleWorkflowRefresh(w, r, parts[2], correlationID)
	case "events":
		s.handleEvents(w, r, correlationID)
	case "chat":
		s.handleChat(w)
	case "send_chat":
		s.handleSendChat(w, r, correlationID)
	case "autocomplete":
		s.handleAutocomplete(w, r, correlationID)
	case "stats":
		writeJSON(w, http.StatusOK, s.backend.Store().Stats())
	case "get_chat_width":
		s.handleGetChatWidth(w, correlationID)
	case "put_chat_width":
		s.handlePutChatWidth(w, r, correlationID)
	case "stream":
		s.handleStream(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type connectionResponse struct {
	Status  string                   `json:"status"`
	Healthy bool                     `json:"healthy"`
	State   livesync.ConnectionState `json:"state"`
	Session livesync.Session         `json:"session"`
}

func (s *Server) handleConnection(w http.ResponseWriter) {
	health := s.backend.Health()
	state := health.Snapshot()
	writeJSON(w, http.StatusOK, connectionResponse{
		Status:  state.Status(),
		Healthy: state.Healthy(time.Now(), health.Threshold()),
		State:   state,
		Session: s.backend.Session(),
	})
}

func (s *Server) handleAgents(w http.ResponseWriter) {
	store := s.backend.Store()
	writeJSON(w, http.StatusOK, map[string]any{
		"agents":  store.Entities(dashstate.EntityAgent),
		"pulsing": store.PulsingAgents(time.Now()),
	})
}

func (s *Server) handleAgentTasks(w http.ResponseWriter, agentID string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agentId": agentID,
		"tasks":   s.backend.Store().TasksForAgent(agentID),
	})
}

func (s *Server) handleWorkflows(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"workflows": s.backend.Store().Entities(dashstate.EntityWorkflow),
	})
}

func (s *Server) handleWorkflowEvents(w http.ResponseWriter, r *http.Request, workflowID string) {
	store := s.backend.Store()
	step := strings.TrimSpace(r.URL.Query().Get("step"))
	writeJSON(w, http.StatusOK, map[string]any{
		"workflowId": workflowID,
		"step":       step,
		"steps":      store.WorkflowSteps(workflowID),
		"events":     store.WorkflowEvents(workflowID, step),
	})
}

func (s *Server) handleWorkflowRefresh(w http.ResponseWriter, r *http.Request, workflowID, correlationID string) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	loaded, err := s.backend.LoadWorkflowEvents(ctx, workflowID)
	if err != nil {
		s.writeBackendError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"workflowId": workflowID,
		"loaded":     loaded,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	filter, err := dashstate.ParseFilter(query.Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid filter", correlationID)
		return
	}
	after, err := parseOptionalUint(query.Get("after"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid after cursor", correlationID)
		return
	}
	filter.AfterSeq = after
	filter.Limit = parseBoundedInt(query.Get("limit"), defaultEventLimit, 1, 5000)

	events := s.backend.Store().Events(filter)
	var nextCursor uint64
	if len(events) > 0 {
		nextCursor = events[len(events)-1].Seq
	} else {
		nextCursor = after
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":     events,
		"nextCursor": nextCursor,
	})
}

func (s *Server) handleChat(w http.ResponseWriter) {
	store := s.backend.Store()
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": store.ChatMessages(),
		"flags":    store.Flags(),
	})
}

type sendChatRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleSendChat(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req sendChatRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	msg, err := s.backend.SendChat(ctx, req.Message)
	if err != nil {
		s.writeBackendError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"message": msg})
}

type autocompleteRequest struct {
	Input string `json:"input"`
}

func (s *Server) handleAutocomplete(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req autocompleteRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	items, err := s.backend.GenerateAutocomplete(ctx, req.Input)
	if err != nil {
		s.writeBackendError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type chatWidthResponse struct {
	Width  prefs.Width `json:"width"`
	Pixels int         `json:"pixels"`
}

func (s *Server) handleGetChatWidth(w http.ResponseWriter, correlationID string) {
	if s.prefs == nil {
		writeError(w, http.StatusNotFound, "not_found", "preferences are disabled", correlationID)
		return
	}
	width := s.prefs.ChatWidth()
	writeJSON(w, http.StatusOK, chatWidthResponse{Width: width, Pixels: width.Pixels()})
}

type putChatWidthRequest struct {
	Width  string `json:"width"`
	Toggle bool   `json:"toggle"`
}

func (s *Server) handlePutChatWidth(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.prefs == nil {
		writeError(w, http.StatusNotFound, "not_found", "preferences are disabled", correlationID)
		return
	}
	var req putChatWidthRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	var width prefs.Width
	switch {
	case req.Toggle:
		next, err := s.prefs.Toggle()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
			return
		}
		width = next
	default:
		parsed, ok := prefs.ParseWidth(req.Width)
		if !ok {
			writeError(w, http.StatusBadRequest, "bad_request", "width must be one of sm, md, lg", correlationID)
			return
		}
		if err := s.prefs.SetChatWidth(parsed); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
			return
		}
		width = parsed
	}
	writeJSON(w, http.StatusOK, chatWidthResponse{Width: width, Pixels: width.Pixels()})
}

func (s *Server) writeBackendError(w http.ResponseWriter, err error, correlationID string) {
	var httpErr *livesync.HTTPError
	switch {
	case errors.Is(err, dashstate.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, livesync.ErrEngineStopped):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error(), correlationID)
	case errors.As(err, &httpErr):
		if httpErr.StatusCode == http.StatusNotFound {
			writeError(w, http.StatusNotFound, "not_found", httpErr.Message, correlationID)
			return
		}
		writeError(w, http.StatusBadGateway, "upstream_error", httpErr.Error(), correlationID)
	default:
		s.logf("httpapi: request %s failed: %v", correlationID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

// Wait blocks until every open stream handler has returned.
func (s *Server) Wait() {
	s.streams.Wait()
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseOptionalUint(raw string) (uint64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	return strconv.ParseUint(trimmed, 10, 64)
}
