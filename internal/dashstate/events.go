package dashstate

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrUnknownFrame   = errors.New("unknown frame type")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotFound       = errors.New("not found")
)

// WorkflowStepDefault is the step bucket for workflow events that carry no step.
const WorkflowStepDefault = "_workflow"

type Kind string

const (
	KindAgentLog              Kind = "agent-log"
	KindChat                  Kind = "chat"
	KindThinking              Kind = "thinking"
	KindToolUse               Kind = "tool-use"
	KindWorkflowEvent         Kind = "workflow-event"
	KindWorkflowStepChange    Kind = "workflow-step-change"
	KindWorkflowSummaryUpdate Kind = "workflow-summary-update"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityDebug   Severity = "debug"
	SeveritySuccess Severity = "success"
)

type EntityRefs struct {
	AgentID      string `json:"agentId,omitempty"`
	WorkflowID   string `json:"workflowId,omitempty"`
	WorkflowStep string `json:"workflowStep,omitempty"`
}

// CanonicalEvent is the single record shape every inbound frame is reduced to
// before it reaches the store.
type CanonicalEvent struct {
	ID         string         `json:"id"`
	Seq        uint64         `json:"seq"`
	Kind       Kind           `json:"kind"`
	Refs       EntityRefs     `json:"refs"`
	Severity   Severity       `json:"severity"`
	Summary    string         `json:"summary"`
	Category   string         `json:"category,omitempty"`
	EventType  string         `json:"eventType,omitempty"`
	AgentName  string         `json:"agentName,omitempty"`
	Tokens     int64          `json:"tokens,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

func (e CanonicalEvent) step() string {
	if e.Refs.WorkflowStep == "" {
		return WorkflowStepDefault
	}
	return e.Refs.WorkflowStep
}

// ClassifySeverity maps an event category and type to a severity. Hook events
// are informational unless their type names an error.
func ClassifySeverity(category, eventType string) Severity {
	lowered := strings.ToLower(eventType)
	if strings.EqualFold(category, "hook") {
		if strings.Contains(lowered, "error") {
			return SeverityError
		}
		return SeverityInfo
	}
	switch {
	case strings.Contains(lowered, "error"):
		return SeverityError
	case strings.Contains(lowered, "warn"):
		return SeverityWarning
	case strings.Contains(lowered, "success"):
		return SeveritySuccess
	case strings.Contains(lowered, "debug"):
		return SeverityDebug
	default:
		return SeverityInfo
	}
}

// Filter selects a projection of the flat event stream.
type Filter struct {
	Mode     string
	Category string
	AfterSeq uint64
	Limit    int
}

const (
	FilterAll      = "all"
	FilterErrors   = "errors"
	FilterCategory = "category"
)

// ParseFilter accepts "all", "errors", "hooks", "responses" or "category:<name>".
func ParseFilter(raw string) (Filter, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "" || raw == FilterAll:
		return Filter{Mode: FilterAll}, nil
	case raw == FilterErrors:
		return Filter{Mode: FilterErrors}, nil
	case raw == "hooks":
		return Filter{Mode: FilterCategory, Category: "hook"}, nil
	case raw == "responses":
		return Filter{Mode: FilterCategory, Category: "response"}, nil
	case strings.HasPrefix(raw, FilterCategory+":"):
		category := strings.TrimSpace(strings.TrimPrefix(raw, FilterCategory+":"))
		if category == "" {
			return Filter{}, ErrInvalidInput
		}
		return Filter{Mode: FilterCategory, Category: category}, nil
	default:
		return Filter{}, ErrInvalidInput
	}
}

// Match reports whether ev belongs to the projection.
func (f Filter) Match(ev CanonicalEvent) bool {
	if f.AfterSeq > 0 && ev.Seq <= f.AfterSeq {
		return false
	}
	switch f.Mode {
	case FilterErrors:
		return ev.Severity == SeverityError
	case FilterCategory:
		return strings.EqualFold(ev.Category, f.Category)
	default:
		return true
	}
}
