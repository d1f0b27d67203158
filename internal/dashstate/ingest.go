package dashstate

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	DefaultAutocompleteCeiling = 10 * time.Second
	thinkingPreviewLen         = 100
	fileTrackingEventType      = "FileTrackingBlock"
)

type Logger interface {
	Printf(format string, args ...any)
}

type IngestorOptions struct {
	Logger              Logger
	Now                 func() time.Time
	AutocompleteCeiling time.Duration
	// AfterFunc schedules the autocomplete ceiling. It defaults to
	// time.AfterFunc; the engine routes it through its loop instead.
	AfterFunc func(time.Duration, func())
}

// Ingestor turns inbound frames into store mutations. Socket frames, polling
// snapshots and REST backfills all pass through the same Apply path, and each
// canonical event it produces takes the next value of a process-local
// sequence counter.
type Ingestor struct {
	store     *Store
	decoder   *Decoder
	logger    Logger
	now       func() time.Time
	ceiling   time.Duration
	afterFunc func(time.Duration, func())
	seq       atomic.Uint64
}

func NewIngestor(store *Store, opts IngestorOptions) (*Ingestor, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	decoder, err := NewDecoder()
	if err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ceiling := opts.AutocompleteCeiling
	if ceiling <= 0 {
		ceiling = DefaultAutocompleteCeiling
	}
	afterFunc := opts.AfterFunc
	if afterFunc == nil {
		afterFunc = func(d time.Duration, fn func()) { time.AfterFunc(d, fn) }
	}
	return &Ingestor{
		store:     store,
		decoder:   decoder,
		logger:    opts.Logger,
		now:       now,
		ceiling:   ceiling,
		afterFunc: afterFunc,
	}, nil
}

func (in *Ingestor) Store() *Store {
	return in.store
}

// LastSeq reports the most recently assigned sequence number.
func (in *Ingestor) LastSeq() uint64 {
	return in.seq.Load()
}

func (in *Ingestor) nextSeq() uint64 {
	return in.seq.Add(1)
}

// Ingest decodes one raw frame and applies it. It returns the stream entry the
// frame inserted or updated, or nil when the frame only touched entities, chat
// or flags (or repeated an event already stored). Decode failures are returned
// untouched (ErrMalformedFrame, ErrUnknownFrame) and leave the store as it was.
func (in *Ingestor) Ingest(raw []byte) (*CanonicalEvent, error) {
	frame, err := in.decoder.Decode(raw)
	if err != nil {
		return nil, err
	}
	return in.Apply(frame), nil
}

// Apply routes a typed frame to the store and reports the stream entry it
// changed, if any.
func (in *Ingestor) Apply(frame Frame) *CanonicalEvent {
	var changed *CanonicalEvent
	switch f := frame.(type) {
	case AgentCreated:
		in.upsert(EntityAgent, stringField(f.Agent, "id"), f.Agent)
	case AgentUpdated:
		in.upsert(EntityAgent, f.AgentID, f.Patch)
	case TaskUpdated:
		in.upsert(EntityTask, stringField(f.Task, "id"), f.Task)
	case AgentDeleted:
		if f.AgentID != "" {
			in.store.RemoveEntity(EntityAgent, f.AgentID)
		}
	case AgentStatusChanged:
		if f.NewStatus != "" {
			in.upsert(EntityAgent, f.AgentID, map[string]any{"status": f.NewStatus})
		}
	case AgentSummaryUpdate:
		if f.Summary != "" {
			in.upsert(EntityAgent, f.AgentID, map[string]any{"latest_summary": f.Summary})
		}
	case AgentLog:
		changed, _ = in.applyLog(f.Log, true)
	case OrchestratorChat:
		changed, _ = in.applyChat(f.Chat, true)
	case ThinkingBlock:
		in.store.TriggerPulse(f.Block.AgentID)
		ev := in.blockEvent(f.Block, KindThinking)
		changed = in.applyEvent(ev)
		in.store.MergeRemoteChat(ChatMessage{
			ID:        ev.ID,
			Sender:    SenderSystem,
			Kind:      ChatThinking,
			Content:   f.Block.Thinking,
			Timestamp: ev.OccurredAt,
		})
	case ToolUseBlock:
		in.store.TriggerPulse(f.Block.AgentID)
		ev := in.blockEvent(f.Block, KindToolUse)
		changed = in.applyEvent(ev)
		in.store.MergeRemoteChat(ChatMessage{
			ID:        ev.ID,
			Sender:    SenderSystem,
			Kind:      ChatToolUse,
			ToolName:  f.Block.ToolName,
			ToolInput: f.Block.ToolInput,
			Timestamp: ev.OccurredAt,
		})
	case OrchestratorUpdated:
		in.applyOrchestrator(f.Orchestrator)
	case WorkflowCreated:
		in.upsert(EntityWorkflow, stringField(f.Workflow, "id"), f.Workflow)
	case WorkflowUpdated:
		in.upsert(EntityWorkflow, f.WorkflowID, f.Patch)
	case WorkflowEvent:
		changed = in.applyWorkflowEvent(f.WorkflowID, f.Event, true)
	case WorkflowStepChange:
		changed = in.applyStepChange(f)
	case WorkflowEventSummaryUpdate:
		if f.EventID == "" || f.Summary == "" {
			return nil
		}
		ev := CanonicalEvent{
			ID:         f.EventID,
			Seq:        in.nextSeq(),
			Kind:       KindWorkflowSummaryUpdate,
			Refs:       EntityRefs{WorkflowID: f.WorkflowID},
			Severity:   SeverityInfo,
			Summary:    f.Summary,
			OccurredAt: in.now(),
		}
		changed = in.applyEvent(ev)
		if changed == nil {
			if _, known := in.store.Event(f.EventID); !known {
				in.logf("dashstate: summary update for unknown event %s dropped", f.EventID)
			}
		}
	case AutocompleteStarted:
		in.BeginAutocomplete()
	case AutocompleteCompleted:
		in.store.FinishAutocomplete(f.Items, "")
	case ChatStream:
		in.store.SetTyping(!f.IsComplete)
	case ChatTyping:
		in.store.SetTyping(f.IsTyping)
	case ServerError:
		in.logf("dashstate: server error frame: %s", f.Message)
		in.store.SetTyping(false)
	case ConnectionEstablished:
		in.logf("dashstate: session established as client %s", f.ClientID)
	case Heartbeat:
	default:
		in.logf("dashstate: no handler for frame %T", frame)
	}
	return changed
}

// applyEvent stores ev and returns the resulting stream entry, or nil when the
// store already held an identical one.
func (in *Ingestor) applyEvent(ev CanonicalEvent) *CanonicalEvent {
	m, ok := in.store.ApplyEvent(ev)
	if !ok {
		return nil
	}
	return m.Event
}

// BeginAutocomplete raises the loading flag and arms the ceiling timer that
// force-clears it if no completion arrives.
func (in *Ingestor) BeginAutocomplete() uint64 {
	gen := in.store.BeginAutocomplete()
	in.afterFunc(in.ceiling, func() {
		if in.store.ExpireAutocomplete(gen) {
			in.logf("dashstate: autocomplete loading cleared after %s", in.ceiling)
		}
	})
	return gen
}

// ApplyHistory backfills the flat stream from the event history endpoint.
// Chat rows only land in the stream; the transcript comes from ApplyChatHistory.
func (in *Ingestor) ApplyHistory(records []EventRecord) int {
	applied := 0
	for _, rec := range records {
		var changed bool
		switch rec.SourceType {
		case "orchestrator_chat":
			chat := ChatRecord{
				ID:         rec.ID,
				SenderType: rec.SenderType,
				AgentID:    rec.AgentID,
				Message:    rec.Message,
				Metadata:   rec.Payload,
				Timestamp:  rec.Timestamp,
				CreatedAt:  rec.CreatedAt,
			}
			_, changed = in.applyChat(chat, false)
		default:
			_, changed = in.applyLog(rec, false)
		}
		if changed {
			applied++
		}
	}
	return applied
}

func (in *Ingestor) ApplyChatHistory(records []ChatRecord) int {
	applied := 0
	now := in.now()
	for _, rec := range records {
		if _, ok := in.store.MergeRemoteChat(chatFromRecord(rec, now)); ok {
			applied++
		}
	}
	return applied
}

// ApplyWorkflowEvents backfills one workflow's events without pulsing agents.
func (in *Ingestor) ApplyWorkflowEvents(workflowID string, records []EventRecord) int {
	applied := 0
	for _, rec := range records {
		if in.applyWorkflowEvent(workflowID, rec, false) != nil {
			applied++
		}
	}
	return applied
}

func (in *Ingestor) ApplyEntities(kind EntityKind, records []map[string]any) int {
	applied := 0
	for _, rec := range records {
		if in.upsert(kind, stringField(rec, "id"), rec) {
			applied++
		}
	}
	return applied
}

func (in *Ingestor) upsert(kind EntityKind, id string, patch map[string]any) bool {
	if id == "" {
		in.logf("dashstate: %s frame without id dropped", kind)
		return false
	}
	if _, err := in.store.UpsertEntity(kind, id, patch); err != nil {
		in.logf("dashstate: upsert %s %s: %v", kind, id, err)
		return false
	}
	return true
}

func (in *Ingestor) applyOrchestrator(patch map[string]any) {
	id := stringField(patch, "id")
	if id == "" {
		current := in.store.Entities(EntityOrchestrator)
		if len(current) == 0 {
			in.logf("dashstate: orchestrator update before session identity dropped")
			return
		}
		id = current[0].ID
	}
	in.upsert(EntityOrchestrator, id, patch)
}

// applyLog reports the stream entry it changed and whether anything in the
// store changed; file tracking blocks change a log's attachments only.
func (in *Ingestor) applyLog(rec EventRecord, live bool) (*CanonicalEvent, bool) {
	if rec.EventType == fileTrackingEventType {
		if rec.ParentLogID == "" {
			in.logf("dashstate: file tracking block without parent log id dropped")
			return nil, false
		}
		in.store.SetFileTracking(rec.ParentLogID, rec.Payload)
		return nil, true
	}
	if live && rec.AgentID != "" && pulseWorthy(rec.EventType, rec.EventCategory, false) {
		in.store.TriggerPulse(rec.AgentID)
	}
	changed := in.applyEvent(in.recordEvent(rec, KindAgentLog, ""))
	return changed, changed != nil
}

func (in *Ingestor) applyWorkflowEvent(workflowID string, rec EventRecord, live bool) *CanonicalEvent {
	if workflowID == "" {
		in.logf("dashstate: workflow event without workflow id dropped")
		return nil
	}
	if live && rec.AgentID != "" && pulseWorthy(rec.EventType, rec.EventCategory, true) {
		in.store.TriggerPulse(rec.AgentID)
	}
	if rec.EventCategory == "" {
		rec.EventCategory = "hook"
	}
	ev := in.recordEvent(rec, KindWorkflowEvent, workflowID)
	if ev.AgentName == "" {
		ev.AgentName = rec.Step
	}
	if ev.AgentName == "" {
		short := workflowID
		if len(short) > 8 {
			short = short[:8]
		}
		ev.AgentName = "ADW:" + short
	}
	return in.applyEvent(ev)
}

func (in *Ingestor) applyStepChange(f WorkflowStepChange) *CanonicalEvent {
	if f.WorkflowID == "" || f.Step == "" {
		in.logf("dashstate: step change without workflow or step dropped")
		return nil
	}
	in.upsert(EntityWorkflow, f.WorkflowID, map[string]any{"current_step": f.Step})
	occurred := f.Timestamp
	seq := in.nextSeq()
	id := f.EventID
	if id == "" {
		if occurred.IsZero() {
			id = fmt.Sprintf("%s:step:%s:seq-%d", f.WorkflowID, f.Step, seq)
		} else {
			id = fmt.Sprintf("%s:step:%s:%d", f.WorkflowID, f.Step, occurred.UnixNano())
		}
	}
	if occurred.IsZero() {
		occurred = in.now()
	}
	eventType := f.EventType
	if eventType == "" {
		eventType = "StepChange"
	}
	return in.applyEvent(CanonicalEvent{
		ID:         id,
		Seq:        seq,
		Kind:       KindWorkflowStepChange,
		Refs:       EntityRefs{WorkflowID: f.WorkflowID, WorkflowStep: f.Step},
		Severity:   ClassifySeverity("", eventType),
		Summary:    fmt.Sprintf("Step: %s", f.Step),
		EventType:  eventType,
		Payload:    f.Payload,
		OccurredAt: occurred,
	})
}

func (in *Ingestor) applyChat(rec ChatRecord, toTranscript bool) (*CanonicalEvent, bool) {
	msg := chatFromRecord(rec, in.now())
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	payload := map[string]any{}
	for k, v := range rec.Metadata {
		payload[k] = v
	}
	if rec.SenderType != "" {
		payload["sender_type"] = rec.SenderType
	}
	if rec.ReceiverType != "" {
		payload["receiver_type"] = rec.ReceiverType
	}
	if rec.OrchestratorAgentID != "" {
		payload["orchestrator_agent_id"] = rec.OrchestratorAgentID
	}
	event := in.applyEvent(CanonicalEvent{
		ID:         msg.ID,
		Seq:        in.nextSeq(),
		Kind:       KindChat,
		Refs:       EntityRefs{AgentID: rec.AgentID},
		Severity:   SeverityInfo,
		Summary:    rec.Message,
		Payload:    payload,
		OccurredAt: msg.Timestamp,
	})
	changed := event != nil
	if toTranscript {
		msg.Kind = ChatText
		msg.Content = rec.Message
		if _, ok := in.store.MergeRemoteChat(msg); ok {
			changed = true
		}
	}
	return event, changed
}

func (in *Ingestor) recordEvent(rec EventRecord, kind Kind, workflowID string) CanonicalEvent {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	occurred := rec.Timestamp.Time
	if occurred.IsZero() {
		occurred = rec.CreatedAt.Time
	}
	if occurred.IsZero() {
		occurred = in.now()
	}
	summary := firstNonEmpty(rec.Summary, rec.Content, stringField(rec.Payload, "summary"), rec.EventType)
	if summary == "" {
		summary = "Agent event"
	}
	return CanonicalEvent{
		ID:   id,
		Seq:  in.nextSeq(),
		Kind: kind,
		Refs: EntityRefs{
			AgentID:      rec.AgentID,
			WorkflowID:   workflowID,
			WorkflowStep: rec.Step,
		},
		Severity:   ClassifySeverity(rec.EventCategory, rec.EventType),
		Summary:    summary,
		Category:   rec.EventCategory,
		EventType:  rec.EventType,
		AgentName:  rec.AgentName,
		Tokens:     ExtractTokens(rec.Payload),
		Payload:    rec.Payload,
		OccurredAt: occurred,
	}
}

func (in *Ingestor) blockEvent(block BlockRecord, kind Kind) CanonicalEvent {
	id := block.ID
	if id == "" {
		id = uuid.NewString()
	}
	occurred := block.Timestamp.Time
	if occurred.IsZero() {
		occurred = in.now()
	}
	payload := map[string]any{}
	var summary string
	if kind == KindThinking {
		payload["thinking"] = block.Thinking
		summary = "Thinking: " + truncateRunes(block.Thinking, thinkingPreviewLen)
	} else {
		payload["tool_name"] = block.ToolName
		if block.ToolInput != nil {
			payload["tool_input"] = block.ToolInput
		}
		summary = "Tool: " + block.ToolName
	}
	return CanonicalEvent{
		ID:         id,
		Seq:        in.nextSeq(),
		Kind:       kind,
		Refs:       EntityRefs{AgentID: block.AgentID},
		Severity:   SeverityInfo,
		Summary:    summary,
		Payload:    payload,
		OccurredAt: occurred,
	}
}

func pulseWorthy(eventType, category string, includeText bool) bool {
	t := strings.ToLower(eventType)
	if strings.Contains(t, "tool") || strings.Contains(t, "hook") || strings.EqualFold(category, "hook") {
		return true
	}
	return includeText && (strings.Contains(t, "thinking") || strings.Contains(t, "text"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func (in *Ingestor) logf(format string, args ...any) {
	if in.logger == nil {
		return
	}
	in.logger.Printf(format, args...)
}

// truncateRunes keeps at most limit runes of s and marks the cut with "...".
func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "..."
}
