package dashstate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Wire type names, in the server's underscore spelling. Hyphenated spellings
// and the adw_* aliases of workflow_* are folded onto these by canonicalType.
const (
	TypeAgentCreated               = "agent_created"
	TypeAgentUpdated               = "agent_updated"
	TypeAgentUpdate                = "agent_update"
	TypeTaskUpdate                 = "task_update"
	TypeAgentDeleted               = "agent_deleted"
	TypeAgentStatusChanged         = "agent_status_changed"
	TypeAgentSummaryUpdate         = "agent_summary_update"
	TypeAgentLog                   = "agent_log"
	TypeOrchestratorChat           = "orchestrator_chat"
	TypeThinkingBlock              = "thinking_block"
	TypeToolUseBlock               = "tool_use_block"
	TypeOrchestratorUpdated        = "orchestrator_updated"
	TypeWorkflowCreated            = "workflow_created"
	TypeWorkflowUpdated            = "workflow_updated"
	TypeWorkflowEvent              = "workflow_event"
	TypeWorkflowStepChange         = "workflow_step_change"
	TypeWorkflowEventSummaryUpdate = "workflow_event_summary_update"
	TypeAutocompleteStarted        = "autocomplete_started"
	TypeAutocompleteCompleted      = "autocomplete_completed"
	TypeChatStream                 = "chat_stream"
	TypeChatTyping                 = "chat_typing"
	TypeHeartbeat                  = "heartbeat"
	TypePong                       = "pong"
	TypeConnectionEstablished      = "connection_established"
	TypeError                      = "error"
)

var typeAliases = map[string]string{
	"agent_status_change": TypeAgentStatusChanged,
	"ping_ack":            TypePong,
	"chat_message":        TypeOrchestratorChat,
}

func canonicalType(raw string) string {
	t := strings.ToLower(strings.TrimSpace(raw))
	t = strings.ReplaceAll(t, "-", "_")
	if strings.HasPrefix(t, "adw_") {
		t = "workflow_" + strings.TrimPrefix(t, "adw_")
	}
	if alias, ok := typeAliases[t]; ok {
		return alias
	}
	return t
}

// Frame is one decoded inbound message. The concrete types below form a closed
// set; Decode is the only place raw JSON is turned into one of them.
type Frame interface {
	FrameType() string
}

type AgentCreated struct {
	Agent map[string]any
}

type AgentUpdated struct {
	AgentID string
	Patch   map[string]any
}

type TaskUpdated struct {
	Task map[string]any
}

type AgentDeleted struct {
	AgentID string
}

type AgentStatusChanged struct {
	AgentID   string
	OldStatus string
	NewStatus string
}

type AgentSummaryUpdate struct {
	AgentID string
	Summary string
}

type AgentLog struct {
	Log EventRecord
}

type OrchestratorChat struct {
	Chat ChatRecord
}

type ThinkingBlock struct {
	Block BlockRecord
}

type ToolUseBlock struct {
	Block BlockRecord
}

type OrchestratorUpdated struct {
	Orchestrator map[string]any
}

type WorkflowCreated struct {
	Workflow map[string]any
}

type WorkflowUpdated struct {
	WorkflowID string
	Patch      map[string]any
}

type WorkflowEvent struct {
	WorkflowID string
	Event      EventRecord
}

type WorkflowStepChange struct {
	WorkflowID string
	EventID    string
	Step       string
	EventType  string
	Payload    map[string]any
	Timestamp  time.Time
}

type WorkflowEventSummaryUpdate struct {
	WorkflowID string
	EventID    string
	Summary    string
}

type AutocompleteStarted struct{}

type AutocompleteCompleted struct {
	Items []AutocompleteItem
}

type ChatStream struct {
	Chunk      string
	IsComplete bool
}

type ChatTyping struct {
	IsTyping bool
}

type Heartbeat struct {
	Timestamp         time.Time
	ActiveConnections int
}

type ConnectionEstablished struct {
	ClientID string
}

type ServerError struct {
	Message string
}

func (AgentCreated) FrameType() string               { return TypeAgentCreated }
func (AgentUpdated) FrameType() string               { return TypeAgentUpdated }
func (TaskUpdated) FrameType() string                { return TypeTaskUpdate }
func (AgentDeleted) FrameType() string               { return TypeAgentDeleted }
func (AgentStatusChanged) FrameType() string         { return TypeAgentStatusChanged }
func (AgentSummaryUpdate) FrameType() string         { return TypeAgentSummaryUpdate }
func (AgentLog) FrameType() string                   { return TypeAgentLog }
func (OrchestratorChat) FrameType() string           { return TypeOrchestratorChat }
func (ThinkingBlock) FrameType() string              { return TypeThinkingBlock }
func (ToolUseBlock) FrameType() string               { return TypeToolUseBlock }
func (OrchestratorUpdated) FrameType() string        { return TypeOrchestratorUpdated }
func (WorkflowCreated) FrameType() string            { return TypeWorkflowCreated }
func (WorkflowUpdated) FrameType() string            { return TypeWorkflowUpdated }
func (WorkflowEvent) FrameType() string              { return TypeWorkflowEvent }
func (WorkflowStepChange) FrameType() string         { return TypeWorkflowStepChange }
func (WorkflowEventSummaryUpdate) FrameType() string { return TypeWorkflowEventSummaryUpdate }
func (AutocompleteStarted) FrameType() string        { return TypeAutocompleteStarted }
func (AutocompleteCompleted) FrameType() string      { return TypeAutocompleteCompleted }
func (ChatStream) FrameType() string                 { return TypeChatStream }
func (ChatTyping) FrameType() string                 { return TypeChatTyping }
func (Heartbeat) FrameType() string                  { return TypeHeartbeat }
func (ConnectionEstablished) FrameType() string      { return TypeConnectionEstablished }
func (ServerError) FrameType() string                { return TypeError }

// EventRecord is the server's log/event row, shared by agent logs, workflow
// events and the event history endpoint.
type EventRecord struct {
	ID            string         `json:"id"`
	AgentID       string         `json:"agent_id"`
	AgentName     string         `json:"agent_name"`
	TaskSlug      string         `json:"task_slug"`
	EventType     string         `json:"event_type"`
	EventCategory string         `json:"event_category"`
	Content       string         `json:"content"`
	Summary       string         `json:"summary"`
	Payload       map[string]any `json:"payload"`
	Step          string         `json:"adw_step"`
	ParentLogID   string         `json:"parent_log_id"`
	SourceType    string         `json:"sourceType"`
	Message       string         `json:"message"`
	SenderType    string         `json:"sender_type"`
	Timestamp     WireTime       `json:"timestamp"`
	CreatedAt     WireTime       `json:"created_at"`
}

type ChatRecord struct {
	ID                  string         `json:"id"`
	OrchestratorAgentID string         `json:"orchestrator_agent_id"`
	SenderType          string         `json:"sender_type"`
	ReceiverType        string         `json:"receiver_type"`
	AgentID             string         `json:"agent_id"`
	Message             string         `json:"message"`
	ClientRequestID     string         `json:"client_request_id"`
	Metadata            map[string]any `json:"metadata"`
	Timestamp           WireTime       `json:"timestamp"`
	CreatedAt           WireTime       `json:"created_at"`
}

type BlockRecord struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Thinking  string         `json:"thinking"`
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
	Timestamp WireTime       `json:"timestamp"`
}

type AutocompleteItem struct {
	Completion string `json:"completion"`
	Reasoning  string `json:"reasoning,omitempty"`
}

// WireTime accepts ISO-8601 strings (with or without zone) and epoch numbers.
// Unparseable values decode to the zero time rather than failing the frame.
type WireTime struct {
	time.Time
}

func (t *WireTime) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "" || raw == "null" {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		if parsed, ok := ParseTimestamp(s); ok {
			t.Time = parsed
		}
		return nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value <= 0 {
		return nil
	}
	if value < 1e12 {
		t.Time = time.Unix(0, int64(value*float64(time.Second))).UTC()
		return nil
	}
	t.Time = time.UnixMilli(int64(value)).UTC()
	return nil
}

func (t WireTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses server timestamps. Zone-less values are taken as UTC.
func ParseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}

const frameSchemaURL = "relaydash-frame.json"

const frameSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "agent_id": {"type": ["string", "null"]},
    "adw_id": {"type": ["string", "null"]},
    "workflow_id": {"type": ["string", "null"]},
    "log": {"type": "object"},
    "event": {"type": "object"},
    "data": {"type": "object"},
    "agent": {"type": "object"},
    "adw": {"type": "object"},
    "workflow": {"type": "object"},
    "orchestrator": {"type": "object"},
    "payload": {"type": ["object", "null"]}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"pattern": "^(adw|workflow)[_-]event$"}}},
      "then": {"required": ["event"]}
    },
    {
      "if": {"properties": {"type": {"pattern": "^(adw|workflow)[_-]event[_-]summary[_-]update$"}}},
      "then": {
        "required": ["event_id", "summary"],
        "properties": {"event_id": {"type": "string", "minLength": 1}, "summary": {"type": "string"}}
      }
    },
    {
      "if": {"properties": {"type": {"pattern": "^(thinking|tool[_-]use)[_-]block$"}}},
      "then": {"required": ["data"]}
    }
  ]
}`

// Decoder validates the envelope of inbound frames and converts them to typed
// variants. A Decoder is safe for concurrent use.
type Decoder struct {
	schema *jsonschema.Schema
}

func NewDecoder() (*Decoder, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(frameSchema))
	if err != nil {
		return nil, fmt.Errorf("parse frame schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(frameSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add frame schema: %w", err)
	}
	schema, err := compiler.Compile(frameSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}
	return &Decoder{schema: schema}, nil
}

// Decode returns ErrMalformedFrame for frames that fail the envelope schema or
// do not parse, and ErrUnknownFrame for well-formed frames of a type this
// decoder does not handle.
func (d *Decoder) Decode(raw []byte) (Frame, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := d.schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	frameType := canonicalType(envelope.Type)
	frame, err := decodeTyped(frameType, raw)
	if err != nil {
		return nil, err
	}
	return frame, nil
}

func decodeTyped(frameType string, raw []byte) (Frame, error) {
	switch frameType {
	case TypeAgentCreated:
		var w struct {
			Agent map[string]any `json:"agent"`
		}
		if err := unmarshalFrame(raw, &w); err != nil {
			return nil, err
		}
		return AgentCreated{Agent: w.Agent}, nil
	case TypeAgentUpdated:
		var w struct {
			AgentID string         `json:"agent_id"`
			Agent   map[string]any `json:"agent"`
		}
		if err := unmarshalFrame(raw, &w); err != nil {
			return nil, err
		}
		if w.AgentID == "" {
			w.AgentID = stringField(w.Agent, "id")
		}
		return AgentUpdated{AgentID: w.AgentID, Patch: w.Agent}, nil
	case TypeAgentUpdate:
		var w struct {
			Data struct {
				Agent map[string]any `json:"agent"`
			} `json:"data"`
		}
		if err := unmarshalFrame(raw, &w); err != nil {
			return nil, err
		}
		return AgentUpdated{AgentID: stringField(w.Data.Agent, "id"), Patch: w.Data.Agent}, nil
	case TypeTaskUpdate:
		var w struct {
			Data struct {
				Task map[string]any `json:"task"`
			} `json:"data"`
		}
		if err := unmarshalFrame(raw, &w); err != nil {
			return nil, err
		}
		return TaskUpdated{Task: w.Data.Task}, nil
	case TypeAgentDeleted:
		var w struct {
			AgentID string `json:"agent_id"`
		}
		if err := unmarshalFrame(raw, &w); err != nil {
			return nil, err
		}
		return AgentDeleted{AgentID: w.AgentID}, nil
	case TypeAgentStatusChanged:
		var w struct {
			AgentID   string `json:"agent_id"`
			OldStatus string `json:"old_status"`
			NewStatus string `json:"new_status"`
		}
		if err := unmarshalFrame(raw, &w); err != nil {
			return nil, err
		}
		return AgentStatusChanged{AgentID: w.AgentID, OldStatus: w.OldStatus, NewStatus: w.NewStatus}, nil
	case TypeAgentSummaryUpdate:
		var w struct {
			AgentID string `json:"agent_id"`
			Summary string `json:"summary"`
		}
		if err := unmarshalFrame(raw, &w); err != nil {
			return nil, err
		}
		return AgentSummaryUpdate{AgentID: w.AgentID, Summary: w.Summary}, nil
	case TypeAgentLog:
		var w struct {
			Log *EventRecord `json:"log"`
		}
		if err := unmarshalFrame(raw, &w); err != nil {
			return nil, err
		}
		if w.Log != nil {
			return AgentLog{Log: *w.Log}, nil
		}
		var flat EventRecord
		if err := unmarshalFrame(raw, &flat); err != nil {
			return nil, err
		}
		return AgentLog{Log: flat}, nil
	case TypeOrchestratorChat:
		return decodeChat(raw)
	case TypeThinkingBlock, TypeToolUseBlock:
		var w struct {
			Data BlockRecord `json:"data"`
		}
		if err := unmarshalFrame(raw, &w); err != nil {
			return nil, err
		}
		if frameType == TypeThinkingBlock {
			return ThinkingBlock{Block: w.Data}, nil
		}
		return ToolUseBlock{Block: w.Data}, nil
	case TypeOrchestratorUpdated:
		var w struct {
			Orchestrator map[string]any `json:"orchestrator"`
		}
		if err := unmarshalFrame(raw, &w); err != nil {
			return nil, err
		}
		return OrchestratorUpdated{Orchestrator: w.Orchestrator}, nil
	case TypeWorkflowCreated:
		var w struct {
			Adw      map[string]any `json:"adw"`
			Workflow map[string]any `json:"workflow"`
		}
		if err := unmarshalFrame(raw, &w); err != nil {
			return nil, err
		}
		if w.Adw == nil {
			w.Adw = w.Workflow
		}
		return WorkflowCreated{Workflow: w.Adw}, nil
	case TypeWorkflowUpdated:
		var w struct {
			workflowRef
			Adw      map[string]any `json:"adw"`
			Workflow map[string]any `json:"workflow"`
		}
		if err := unmarshalFrame(raw, &w); err != nil {
			return nil, err
		}
		if w.Adw == nil {
			w.Adw = w.Workflow
		}
		id := w.id()
		if id == "" {
			id = stringField(w.Adw, "id")
		}
		return WorkflowUpdated{WorkflowID: id, Patch: w.Adw}, nil
	case TypeWorkflowEvent:
		var w struct {
			workflowRef
			Event EventRecord `json:"event"`
		}
		if err := unmarshalFrame(raw, &w); err != nil {
			return nil, err
		}
		return WorkflowEvent{WorkflowID: w.id(), Event: w.Event}, nil
	case TypeWorkflowStepChange:
		var w struct {
			workflowRef
			EventID   string         `json:"event_id"`
			Step      string         `json:"step"`
			EventType string         `json:"event_type"`
			Payload   map[string]any `json:"payload"`
			Timestamp WireTime       `json:"timestamp"`
		}
		if err := unmarshalFrame(raw, &w); err != nil {
			return nil, err
		}
		return WorkflowStepChange{
			WorkflowID: w.id(),
			EventID:    w.EventID,
			Step:       w.Step,
			EventType:  w.EventType,
			Payload:    w.Payload,
			Timestamp:  w.Timestamp.Time,
		}, nil
	case TypeWorkflowEventSummaryUpdate:
		var w struct {
			workflowRef
			EventID string `json:"event_id"`
			Summary string `json:"summary"`
		}
		if err := unmarshalFrame(raw, &w); err != nil {
			return nil, err
		}
		return WorkflowEventSummaryUpdate{WorkflowID: w.id(), EventID: w.EventID, Summary: w.Summary}, nil
	case TypeAutocompleteStarted:
		return AutocompleteStarted{}, nil
	case TypeAutocompleteCompleted:
		var w struct {
			Autocompletes []AutocompleteItem `json:"autocompletes"`
		}
		if err := unmarshalFrame(raw, &w); err != nil {
			return nil, err
		}
		return AutocompleteCompleted{Items: w.Autocompletes}, nil
	case TypeChatStream:
		var w struct {
			Chunk      string `json:"chunk"`
			IsComplete bool   `json:"is_complete"`
		}
		if err := unmarshalFrame(raw, &w); err != nil {
			return nil, err
		}
		return ChatStream{Chunk: w.Chunk, IsComplete: w.IsComplete}, nil
	case TypeChatTyping:
		var w struct {
			IsTyping bool `json:"is_typing"`
		}
		if err := unmarshalFrame(raw, &w); err != nil {
			return nil, err
		}
		return ChatTyping{IsTyping: w.IsTyping}, nil
	case TypeHeartbeat, TypePong:
		var w struct {
			Timestamp         WireTime `json:"timestamp"`
			ActiveConnections int      `json:"active_connections"`
		}
		if err := unmarshalFrame(raw, &w); err != nil {
			return nil, err
		}
		return Heartbeat{Timestamp: w.Timestamp.Time, ActiveConnections: w.ActiveConnections}, nil
	case TypeConnectionEstablished:
		var w struct {
			ClientID string `json:"client_id"`
		}
		if err := unmarshalFrame(raw, &w); err != nil {
			return nil, err
		}
		return ConnectionEstablished{ClientID: w.ClientID}, nil
	case TypeError:
		var w struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if err := unmarshalFrame(raw, &w); err != nil {
			return nil, err
		}
		if w.Message == "" {
			w.Message = w.Error
		}
		return ServerError{Message: w.Message}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, frameType)
	}
}

func decodeChat(raw []byte) (Frame, error) {
	var w struct {
		Message json.RawMessage `json:"message"`
		Chat    *ChatRecord     `json:"chat"`
	}
	if err := unmarshalFrame(raw, &w); err != nil {
		return nil, err
	}
	if w.Chat != nil {
		return OrchestratorChat{Chat: *w.Chat}, nil
	}
	trimmed := bytes.TrimSpace(w.Message)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var record ChatRecord
		if err := unmarshalFrame(trimmed, &record); err != nil {
			return nil, err
		}
		return OrchestratorChat{Chat: record}, nil
	}
	var flat ChatRecord
	if err := unmarshalFrame(raw, &flat); err != nil {
		return nil, err
	}
	return OrchestratorChat{Chat: flat}, nil
}

type workflowRef struct {
	AdwID      string `json:"adw_id"`
	WorkflowID string `json:"workflow_id"`
}

func (r workflowRef) id() string {
	if r.AdwID != "" {
		return r.AdwID
	}
	return r.WorkflowID
}

func unmarshalFrame(raw []byte, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
