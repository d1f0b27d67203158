package dashstate

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

type EntityKind string

const (
	EntityAgent        EntityKind = "agent"
	EntityTask         EntityKind = "task"
	EntityWorkflow     EntityKind = "workflow"
	EntityOrchestrator EntityKind = "orchestrator"
)

func ParseEntityKind(raw string) (EntityKind, bool) {
	switch EntityKind(strings.ToLower(strings.TrimSpace(raw))) {
	case EntityAgent:
		return EntityAgent, true
	case EntityTask:
		return EntityTask, true
	case EntityWorkflow, "adw":
		return EntityWorkflow, true
	case EntityOrchestrator:
		return EntityOrchestrator, true
	default:
		return "", false
	}
}

// Entity is a mirrored server-side record. Known fields are lifted out of the
// merge patch; everything else lands in Attributes.
type Entity struct {
	ID           string         `json:"id"`
	Kind         EntityKind     `json:"kind"`
	Name         string         `json:"name,omitempty"`
	Status       string         `json:"status,omitempty"`
	ParentID     string         `json:"parentId,omitempty"`
	Summary      string         `json:"summary,omitempty"`
	CurrentStep  string         `json:"currentStep,omitempty"`
	Archived     bool           `json:"archived,omitempty"`
	InputTokens  int64          `json:"inputTokens"`
	OutputTokens int64          `json:"outputTokens"`
	TotalCost    float64        `json:"totalCost"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	UpdatedAt    time.Time      `json:"updatedAt"`

	order uint64
}

var parentKeys = map[EntityKind][]string{
	EntityTask:     {"agent_id", "agentId", "parent_id"},
	EntityWorkflow: {"orchestrator_agent_id", "parent_id"},
	EntityAgent:    {"orchestrator_agent_id", "parent_id"},
}

// merge applies a partial patch. Attributes is replaced rather than mutated so
// copies handed to readers stay stable.
func (e *Entity) merge(patch map[string]any) {
	if len(patch) == 0 {
		return
	}
	attrs := make(map[string]any, len(e.Attributes)+len(patch))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	for key, value := range patch {
		switch key {
		case "id":
			continue
		case "name":
			if s, ok := value.(string); ok {
				e.Name = s
			}
		case "status", "new_status":
			if s, ok := value.(string); ok {
				e.Status = s
			}
		case "latest_summary", "summary":
			if s, ok := value.(string); ok {
				e.Summary = s
			}
		case "current_step":
			if s, ok := value.(string); ok {
				e.CurrentStep = s
			}
		case "archived":
			if b, ok := value.(bool); ok {
				e.Archived = b
			}
		case "input_tokens":
			if n, ok := numberValue(value); ok {
				e.InputTokens = int64(n)
			}
		case "output_tokens":
			if n, ok := numberValue(value); ok {
				e.OutputTokens = int64(n)
			}
		case "total_cost":
			if n, ok := numberValue(value); ok {
				e.TotalCost = n
			}
		default:
			attrs[key] = value
		}
	}
	for _, key := range parentKeys[e.Kind] {
		if s, ok := patch[key].(string); ok && s != "" {
			e.ParentID = s
			break
		}
	}
	e.Attributes = attrs
}

func numberValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// ExtractTokens reads the token count the server attaches to event payloads.
func ExtractTokens(payload map[string]any) int64 {
	for _, key := range []string{"tokens", "input_tokens", "output_tokens"} {
		if n, ok := numberValue(payload[key]); ok && n != 0 {
			return int64(n)
		}
	}
	return 0
}

type Stats struct {
	Active  int     `json:"active"`
	Running int     `json:"running"`
	Logs    int     `json:"logs"`
	Cost    float64 `json:"cost"`
}
