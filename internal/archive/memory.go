package archive

import (
	"context"
	"sort"
	"sync"

	"github.com/agentworkforce/relaydash/internal/dashstate"
)

type Memory struct {
	mu     sync.Mutex
	events map[string]dashstate.CanonicalEvent
}

func NewMemory() *Memory {
	return &Memory{events: map[string]dashstate.CanonicalEvent{}}
}

func (m *Memory) Append(_ context.Context, events []dashstate.CanonicalEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		if ev.ID == "" {
			return ErrInvalidInput
		}
		m.events[ev.ID] = ev
	}
	return nil
}

// Events returns the archived events ordered by sequence number.
func (m *Memory) Events() []dashstate.CanonicalEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]dashstate.CanonicalEvent, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (m *Memory) Close() error {
	return nil
}
