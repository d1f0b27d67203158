package dashstate

import (
	"sort"
	"time"
)

// UIFlags are transient request/indicator states. They are never persisted.
type UIFlags struct {
	Typing              bool               `json:"typing"`
	AutocompleteLoading bool               `json:"autocompleteLoading"`
	AutocompleteError   string             `json:"autocompleteError,omitempty"`
	AutocompleteItems   []AutocompleteItem `json:"autocompleteItems,omitempty"`
}

func (s *Store) Flags() UIFlags {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flagsLocked()
}

func (s *Store) flagsLocked() UIFlags {
	f := s.flags
	if f.AutocompleteItems != nil {
		f.AutocompleteItems = append([]AutocompleteItem(nil), f.AutocompleteItems...)
	}
	return f
}

func (s *Store) setFlags(change func(*UIFlags) bool) {
	s.update(func() []Mutation {
		if !change(&s.flags) {
			return nil
		}
		snapshot := s.flagsLocked()
		return []Mutation{{Op: OpUpdate, Collection: CollectionFlags, Key: "ui", Flags: &snapshot}}
	})
}

func (s *Store) SetTyping(typing bool) {
	s.setFlags(func(f *UIFlags) bool {
		if f.Typing == typing {
			return false
		}
		f.Typing = typing
		return true
	})
}

// BeginAutocomplete raises the loading flag and returns a generation token for
// ExpireAutocomplete.
func (s *Store) BeginAutocomplete() uint64 {
	var gen uint64
	s.setFlags(func(f *UIFlags) bool {
		s.autocompleteGen++
		gen = s.autocompleteGen
		f.AutocompleteLoading = true
		f.AutocompleteError = ""
		return true
	})
	return gen
}

// FinishAutocomplete clears the loading flag. Nil items leave the previous
// suggestions in place.
func (s *Store) FinishAutocomplete(items []AutocompleteItem, errText string) {
	s.setFlags(func(f *UIFlags) bool {
		s.autocompleteGen++
		f.AutocompleteLoading = false
		f.AutocompleteError = errText
		if items != nil {
			f.AutocompleteItems = append([]AutocompleteItem(nil), items...)
		}
		return true
	})
}

// ExpireAutocomplete force-clears a loading flag that is still held by gen.
func (s *Store) ExpireAutocomplete(gen uint64) bool {
	expired := false
	s.setFlags(func(f *UIFlags) bool {
		if gen != s.autocompleteGen || !f.AutocompleteLoading {
			return false
		}
		f.AutocompleteLoading = false
		expired = true
		return true
	})
	return expired
}

func (s *Store) ClearAutocomplete() {
	s.setFlags(func(f *UIFlags) bool {
		f.AutocompleteItems = nil
		f.AutocompleteError = ""
		return true
	})
}

// TriggerPulse marks an agent as active until now plus the pulse duration.
// Expiry is evaluated lazily by readers.
func (s *Store) TriggerPulse(agentID string) {
	if agentID == "" {
		return
	}
	s.update(func() []Mutation {
		now := s.now()
		for id, until := range s.pulses {
			if !now.Before(until) {
				delete(s.pulses, id)
			}
		}
		s.pulses[agentID] = now.Add(s.pulseDuration)
		return []Mutation{{Op: OpUpdate, Collection: CollectionPulse, Key: agentID}}
	})
}

func (s *Store) IsPulsing(agentID string, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	until, ok := s.pulses[agentID]
	return ok && now.Before(until)
}

func (s *Store) PulsingAgents(now time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.pulses))
	for id, until := range s.pulses {
		if now.Before(until) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
