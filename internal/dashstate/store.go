package dashstate

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpRemove Op = "remove"
)

type Collection string

const (
	CollectionEvents       Collection = "events"
	CollectionAgents       Collection = "agents"
	CollectionTasks        Collection = "tasks"
	CollectionWorkflows    Collection = "workflows"
	CollectionOrchestrator Collection = "orchestrator"
	CollectionChat         Collection = "chat"
	CollectionFlags        Collection = "flags"
	CollectionPulse        Collection = "pulse"
	CollectionFileTracking Collection = "file-tracking"
)

func collectionFor(kind EntityKind) Collection {
	switch kind {
	case EntityAgent:
		return CollectionAgents
	case EntityTask:
		return CollectionTasks
	case EntityWorkflow:
		return CollectionWorkflows
	default:
		return CollectionOrchestrator
	}
}

// Mutation describes one committed change. Observers receive mutations in
// commit order.
type Mutation struct {
	Op         Op              `json:"op"`
	Collection Collection      `json:"collection"`
	Key        string          `json:"key"`
	Event      *CanonicalEvent `json:"event,omitempty"`
	Entity     *Entity         `json:"entity,omitempty"`
	Chat       *ChatMessage    `json:"chat,omitempty"`
	Flags      *UIFlags        `json:"flags,omitempty"`
}

type StoreOptions struct {
	PulseDuration time.Duration
	Now           func() time.Time
}

// Store holds the mirrored view: the flat event stream, its derived indexes,
// entity collections, the chat transcript and transient UI flags.
//
// Observers run synchronously after the state lock is released. They may read
// from the store but must not mutate it.
type Store struct {
	emitMu sync.Mutex
	mu     sync.RWMutex

	stream         []*CanonicalEvent
	byID           map[string]*CanonicalEvent
	byWorkflow     map[string][]*CanonicalEvent
	byWorkflowStep map[string]map[string][]*CanonicalEvent
	tombstones     map[string]struct{}

	entities     map[EntityKind]map[string]*Entity
	tasksByAgent map[string][]string
	entityOrder  uint64

	chat        []*ChatMessage
	chatIndex   map[string]*ChatMessage
	chatRequest map[string]*ChatMessage

	flags           UIFlags
	autocompleteGen uint64

	pulses        map[string]time.Time
	pulseDuration time.Duration
	fileTracking  map[string]map[string]any

	observers    map[int]func(Mutation)
	nextObserver int
	now          func() time.Time
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	pulse := opts.PulseDuration
	if pulse <= 0 {
		pulse = 2 * time.Second
	}
	return &Store{
		byID:           map[string]*CanonicalEvent{},
		byWorkflow:     map[string][]*CanonicalEvent{},
		byWorkflowStep: map[string]map[string][]*CanonicalEvent{},
		tombstones:     map[string]struct{}{},
		entities: map[EntityKind]map[string]*Entity{
			EntityAgent:        {},
			EntityTask:         {},
			EntityWorkflow:     {},
			EntityOrchestrator: {},
		},
		tasksByAgent:  map[string][]string{},
		chatIndex:     map[string]*ChatMessage{},
		chatRequest:   map[string]*ChatMessage{},
		pulses:        map[string]time.Time{},
		pulseDuration: pulse,
		fileTracking:  map[string]map[string]any{},
		observers:     map[int]func(Mutation){},
		now:           now,
	}
}

// Subscribe registers fn for every subsequent mutation and returns a function
// that unregisters it.
func (s *Store) Subscribe(fn func(Mutation)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = fn
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

// update runs fn under the state lock and then delivers the mutations it
// produced. emitMu keeps delivery in commit order across goroutines.
func (s *Store) update(fn func() []Mutation) []Mutation {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Lock()
	muts := fn()
	var observers []func(Mutation)
	if len(muts) > 0 && len(s.observers) > 0 {
		ids := make([]int, 0, len(s.observers))
		for id := range s.observers {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		observers = make([]func(Mutation), 0, len(ids))
		for _, id := range ids {
			observers = append(observers, s.observers[id])
		}
	}
	s.mu.Unlock()
	for _, m := range muts {
		for _, fn := range observers {
			fn(m)
		}
	}
	return muts
}

// ApplyEvent merges one canonical event. A new id is inserted at its sequence
// position in the stream and every index; an existing id is either a targeted
// update (summary rewrite, step move) or a no-op. The bool reports whether the
// store changed.
func (s *Store) ApplyEvent(ev CanonicalEvent) (Mutation, bool) {
	if strings.TrimSpace(ev.ID) == "" {
		return Mutation{}, false
	}
	muts := s.update(func() []Mutation {
		if existing, ok := s.byID[ev.ID]; ok {
			return s.mergeExistingLocked(existing, ev)
		}
		if ev.Kind == KindWorkflowSummaryUpdate {
			return nil
		}
		stored := ev
		s.insertStreamLocked(&stored)
		return []Mutation{{Op: OpInsert, Collection: CollectionEvents, Key: stored.ID, Event: copyEvent(&stored)}}
	})
	if len(muts) == 0 {
		return Mutation{}, false
	}
	return muts[0], true
}

func (s *Store) mergeExistingLocked(existing *CanonicalEvent, ev CanonicalEvent) []Mutation {
	switch ev.Kind {
	case KindWorkflowSummaryUpdate:
		if ev.Summary == "" || existing.Summary == ev.Summary {
			return nil
		}
		existing.Summary = ev.Summary
	case KindWorkflowStepChange:
		if ev.Refs.WorkflowStep == "" || existing.Refs.WorkflowStep == ev.Refs.WorkflowStep {
			return nil
		}
		s.unindexLocked(existing)
		existing.Refs.WorkflowStep = ev.Refs.WorkflowStep
		s.indexLocked(existing)
	default:
		return nil
	}
	return []Mutation{{Op: OpUpdate, Collection: CollectionEvents, Key: existing.ID, Event: copyEvent(existing)}}
}

func (s *Store) insertStreamLocked(ev *CanonicalEvent) {
	s.stream = insertBySeq(s.stream, ev)
	s.byID[ev.ID] = ev
	s.indexLocked(ev)
}

func (s *Store) indexLocked(ev *CanonicalEvent) {
	workflowID := ev.Refs.WorkflowID
	if workflowID == "" {
		return
	}
	if _, dead := s.tombstones[workflowID]; dead {
		return
	}
	s.byWorkflow[workflowID] = insertBySeq(s.byWorkflow[workflowID], ev)
	steps := s.byWorkflowStep[workflowID]
	if steps == nil {
		steps = map[string][]*CanonicalEvent{}
		s.byWorkflowStep[workflowID] = steps
	}
	step := ev.step()
	steps[step] = insertBySeq(steps[step], ev)
}

func (s *Store) unindexLocked(ev *CanonicalEvent) {
	workflowID := ev.Refs.WorkflowID
	if workflowID == "" {
		return
	}
	s.byWorkflow[workflowID] = removeByID(s.byWorkflow[workflowID], ev.ID)
	if len(s.byWorkflow[workflowID]) == 0 {
		delete(s.byWorkflow, workflowID)
	}
	steps := s.byWorkflowStep[workflowID]
	if steps == nil {
		return
	}
	step := ev.step()
	steps[step] = removeByID(steps[step], ev.ID)
	if len(steps[step]) == 0 {
		delete(steps, step)
	}
	if len(steps) == 0 {
		delete(s.byWorkflowStep, workflowID)
	}
}

func (s *Store) rebuildWorkflowIndexLocked(workflowID string) {
	delete(s.byWorkflow, workflowID)
	delete(s.byWorkflowStep, workflowID)
	for _, ev := range s.stream {
		if ev.Refs.WorkflowID == workflowID {
			s.indexLocked(ev)
		}
	}
}

func insertBySeq(list []*CanonicalEvent, ev *CanonicalEvent) []*CanonicalEvent {
	idx := sort.Search(len(list), func(i int) bool { return list[i].Seq > ev.Seq })
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = ev
	return list
}

func removeByID(list []*CanonicalEvent, id string) []*CanonicalEvent {
	for i, ev := range list {
		if ev.ID == id {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

func copyEvent(ev *CanonicalEvent) *CanonicalEvent {
	c := *ev
	return &c
}

// UpsertEntity merges patch into the entity, creating it when absent.
func (s *Store) UpsertEntity(kind EntityKind, id string, patch map[string]any) (Entity, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Entity{}, fmt.Errorf("%w: entity id is required", ErrInvalidInput)
	}
	if _, ok := s.entities[kind]; !ok {
		return Entity{}, fmt.Errorf("%w: unknown entity kind %q", ErrInvalidInput, kind)
	}
	var result Entity
	s.update(func() []Mutation {
		collection := s.entities[kind]
		ent, exists := collection[id]
		op := OpUpdate
		if !exists {
			s.entityOrder++
			ent = &Entity{ID: id, Kind: kind, order: s.entityOrder}
			collection[id] = ent
			op = OpInsert
		}
		oldParent := ent.ParentID
		ent.merge(patch)
		ent.UpdatedAt = s.now()
		if kind == EntityTask && (!exists || oldParent != ent.ParentID) {
			if exists {
				s.removeTaskRefLocked(oldParent, id)
			}
			if ent.ParentID != "" {
				s.tasksByAgent[ent.ParentID] = append(s.tasksByAgent[ent.ParentID], id)
			}
		}
		if kind == EntityWorkflow {
			if _, dead := s.tombstones[id]; dead {
				delete(s.tombstones, id)
				s.rebuildWorkflowIndexLocked(id)
			}
		}
		result = *ent
		snapshot := *ent
		return []Mutation{{Op: op, Collection: collectionFor(kind), Key: id, Entity: &snapshot}}
	})
	return result, nil
}

func (s *Store) removeTaskRefLocked(agentID, taskID string) {
	if agentID == "" {
		return
	}
	ids := s.tasksByAgent[agentID]
	for i, id := range ids {
		if id == taskID {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.tasksByAgent, agentID)
		return
	}
	s.tasksByAgent[agentID] = ids
}

// RemoveEntity deletes an entity and cascades to its per-parent collections:
// an agent takes its tasks with it, a workflow its event and step indexes. A
// removed workflow id stays tombstoned until the workflow is upserted again.
func (s *Store) RemoveEntity(kind EntityKind, id string) bool {
	muts := s.update(func() []Mutation {
		collection, ok := s.entities[kind]
		if !ok {
			return nil
		}
		ent, exists := collection[id]
		var muts []Mutation
		switch kind {
		case EntityAgent:
			for _, taskID := range s.tasksByAgent[id] {
				task := s.entities[EntityTask][taskID]
				if task == nil {
					continue
				}
				delete(s.entities[EntityTask], taskID)
				snapshot := *task
				muts = append(muts, Mutation{Op: OpRemove, Collection: CollectionTasks, Key: taskID, Entity: &snapshot})
			}
			delete(s.tasksByAgent, id)
			delete(s.pulses, id)
		case EntityTask:
			if exists {
				s.removeTaskRefLocked(ent.ParentID, id)
			}
		case EntityWorkflow:
			_, indexed := s.byWorkflow[id]
			if !exists && !indexed {
				return nil
			}
			delete(s.byWorkflow, id)
			delete(s.byWorkflowStep, id)
			s.tombstones[id] = struct{}{}
		}
		if exists {
			delete(collection, id)
			snapshot := *ent
			muts = append(muts, Mutation{Op: OpRemove, Collection: collectionFor(kind), Key: id, Entity: &snapshot})
		} else if kind == EntityWorkflow {
			muts = append(muts, Mutation{Op: OpRemove, Collection: CollectionWorkflows, Key: id})
		}
		return muts
	})
	return len(muts) > 0
}

func (s *Store) Entity(kind EntityKind, id string) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ent, ok := s.entities[kind][id]
	if !ok {
		return Entity{}, false
	}
	return *ent, true
}

// Entities lists one collection in first-seen order.
func (s *Store) Entities(kind EntityKind) []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entitiesLocked(s.entities[kind])
}

func (s *Store) entitiesLocked(collection map[string]*Entity) []Entity {
	out := make([]Entity, 0, len(collection))
	for _, ent := range collection {
		out = append(out, *ent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

func (s *Store) TasksForAgent(agentID string) []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.tasksByAgent[agentID]
	out := make([]Entity, 0, len(ids))
	for _, id := range ids {
		if task, ok := s.entities[EntityTask][id]; ok {
			out = append(out, *task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

func (s *Store) Event(id string) (CanonicalEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.byID[id]
	if !ok {
		return CanonicalEvent{}, false
	}
	return *ev, true
}

// Events projects the flat stream through filter. With a Limit and no
// AfterSeq the newest entries are returned; with AfterSeq the oldest entries
// after that cursor are.
func (s *Store) Events(filter Filter) []CanonicalEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CanonicalEvent, 0, len(s.stream))
	for _, ev := range s.stream {
		if filter.Match(*ev) {
			out = append(out, *ev)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		if filter.AfterSeq > 0 {
			out = out[:filter.Limit]
		} else {
			out = out[len(out)-filter.Limit:]
		}
	}
	return out
}

// WorkflowEvents returns the workflow's events in stream order, optionally
// restricted to one step.
func (s *Store) WorkflowEvents(workflowID, step string) []CanonicalEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []*CanonicalEvent
	if step == "" {
		list = s.byWorkflow[workflowID]
	} else {
		list = s.byWorkflowStep[workflowID][step]
	}
	out := make([]CanonicalEvent, 0, len(list))
	for _, ev := range list {
		out = append(out, *ev)
	}
	return out
}

// WorkflowSteps lists the workflow's step buckets ordered by their earliest event.
func (s *Store) WorkflowSteps(workflowID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	steps := s.byWorkflowStep[workflowID]
	out := make([]string, 0, len(steps))
	for step := range steps {
		out = append(out, step)
	}
	sort.Slice(out, func(i, j int) bool {
		return steps[out[i]][0].Seq < steps[out[j]][0].Seq
	})
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.stream)
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := Stats{Logs: len(s.stream)}
	for _, agent := range s.entities[EntityAgent] {
		if !agent.Archived && agent.Status != "complete" {
			stats.Active++
		}
		if agent.Status == "executing" {
			stats.Running++
		}
		stats.Cost += agent.TotalCost
	}
	return stats
}

// CheckInvariants verifies stream ordering, index partitioning and entity
// uniqueness. It is meant for tests and debug endpoints.
func (s *Store) CheckInvariants() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.byID) != len(s.stream) {
		return fmt.Errorf("stream has %d entries but id index has %d", len(s.stream), len(s.byID))
	}
	wantWorkflow := map[string][]string{}
	wantStep := map[string]map[string][]string{}
	for i, ev := range s.stream {
		if i > 0 && s.stream[i-1].Seq > ev.Seq {
			return fmt.Errorf("stream out of order at %d: %d > %d", i, s.stream[i-1].Seq, ev.Seq)
		}
		if s.byID[ev.ID] != ev {
			return fmt.Errorf("id index mismatch for %s", ev.ID)
		}
		workflowID := ev.Refs.WorkflowID
		if workflowID == "" {
			continue
		}
		if _, dead := s.tombstones[workflowID]; dead {
			continue
		}
		wantWorkflow[workflowID] = append(wantWorkflow[workflowID], ev.ID)
		if wantStep[workflowID] == nil {
			wantStep[workflowID] = map[string][]string{}
		}
		wantStep[workflowID][ev.step()] = append(wantStep[workflowID][ev.step()], ev.ID)
	}
	if len(wantWorkflow) != len(s.byWorkflow) {
		return fmt.Errorf("workflow index has %d keys, want %d", len(s.byWorkflow), len(wantWorkflow))
	}
	for workflowID, ids := range wantWorkflow {
		if err := sameIDs(ids, s.byWorkflow[workflowID]); err != nil {
			return fmt.Errorf("workflow %s: %w", workflowID, err)
		}
		steps := s.byWorkflowStep[workflowID]
		if len(steps) != len(wantStep[workflowID]) {
			return fmt.Errorf("workflow %s has %d steps, want %d", workflowID, len(steps), len(wantStep[workflowID]))
		}
		for step, stepIDs := range wantStep[workflowID] {
			if err := sameIDs(stepIDs, steps[step]); err != nil {
				return fmt.Errorf("workflow %s step %s: %w", workflowID, step, err)
			}
		}
	}
	if len(s.byWorkflowStep) != len(wantStep) {
		return fmt.Errorf("step index has %d workflows, want %d", len(s.byWorkflowStep), len(wantStep))
	}
	bucketed := map[string]string{}
	for agentID, ids := range s.tasksByAgent {
		for _, id := range ids {
			if prev, dup := bucketed[id]; dup {
				return fmt.Errorf("task %s in buckets %s and %s", id, prev, agentID)
			}
			bucketed[id] = agentID
		}
	}
	for id, task := range s.entities[EntityTask] {
		if task.ParentID == "" {
			continue
		}
		if bucketed[id] != task.ParentID {
			return fmt.Errorf("task %s not in bucket for agent %s", id, task.ParentID)
		}
		delete(bucketed, id)
	}
	if len(bucketed) > 0 {
		return fmt.Errorf("%d stale task bucket entries", len(bucketed))
	}
	return nil
}

func sameIDs(want []string, got []*CanonicalEvent) error {
	if len(want) != len(got) {
		return fmt.Errorf("index has %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i] {
			return fmt.Errorf("index position %d is %s, want %s", i, got[i].ID, want[i])
		}
	}
	return nil
}

// SetFileTracking records the file-change block attached to a parent log entry.
func (s *Store) SetFileTracking(parentLogID string, payload map[string]any) {
	if parentLogID == "" {
		return
	}
	s.update(func() []Mutation {
		_, existed := s.fileTracking[parentLogID]
		s.fileTracking[parentLogID] = payload
		op := OpInsert
		if existed {
			op = OpUpdate
		}
		return []Mutation{{Op: op, Collection: CollectionFileTracking, Key: parentLogID}}
	})
}

func (s *Store) FileTracking(parentLogID string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.fileTracking[parentLogID]
	return payload, ok
}
