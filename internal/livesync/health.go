package livesync

import (
	"sync"
	"time"
)

const DefaultHealthyThreshold = 60 * time.Second

type ConnectionState struct {
	IsOpen            bool      `json:"isOpen"`
	RetryCount        int       `json:"retryCount"`
	LastMessageAt     time.Time `json:"lastMessageAt,omitzero"`
	DegradedToPolling bool      `json:"degradedToPolling"`
}

// Status returns the display label: polling, connected, reconnecting or disconnected.
func (s ConnectionState) Status() string {
	switch {
	case s.DegradedToPolling:
		return StatePolling.String()
	case s.IsOpen:
		return StateConnected.String()
	case s.RetryCount > 0:
		return StateReconnecting.String()
	default:
		return StateDisconnected.String()
	}
}

func (s ConnectionState) Healthy(now time.Time, threshold time.Duration) bool {
	if !s.IsOpen || s.LastMessageAt.IsZero() {
		return false
	}
	return now.Sub(s.LastMessageAt) < threshold
}

type HealthStore struct {
	threshold time.Duration

	mu        sync.RWMutex
	state     ConnectionState
	observers map[int]func(ConnectionState)
	nextID    int
}

func NewHealthStore(threshold time.Duration) *HealthStore {
	if threshold <= 0 {
		threshold = DefaultHealthyThreshold
	}
	return &HealthStore{threshold: threshold, observers: map[int]func(ConnectionState){}}
}

func (h *HealthStore) Snapshot() ConnectionState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *HealthStore) IsHealthy(now time.Time) bool {
	return h.Snapshot().Healthy(now, h.threshold)
}

func (h *HealthStore) Status() string {
	return h.Snapshot().Status()
}

func (h *HealthStore) Threshold() time.Duration {
	return h.threshold
}

// Subscribe registers fn for every state change and returns its cancel func.
func (h *HealthStore) Subscribe(fn func(ConnectionState)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.observers[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.observers, id)
		h.mu.Unlock()
	}
}

func (h *HealthStore) SetOpen(open bool) {
	h.update(func(s *ConnectionState) {
		s.IsOpen = open
		if open {
			s.DegradedToPolling = false
		}
	})
}

func (h *HealthStore) SetRetryCount(n int) {
	if n < 0 {
		n = 0
	}
	h.update(func(s *ConnectionState) { s.RetryCount = n })
}

func (h *HealthStore) MarkMessage(at time.Time) {
	h.update(func(s *ConnectionState) { s.LastMessageAt = at })
}

func (h *HealthStore) SetDegraded(degraded bool) {
	h.update(func(s *ConnectionState) {
		s.DegradedToPolling = degraded
		if degraded {
			s.IsOpen = false
		}
	})
}

// ResetRetry clears the retry counter and leaves polling mode.
func (h *HealthStore) ResetRetry() {
	h.update(func(s *ConnectionState) {
		s.RetryCount = 0
		s.DegradedToPolling = false
	})
}

func (h *HealthStore) Reset() {
	h.update(func(s *ConnectionState) { *s = ConnectionState{} })
}

func (h *HealthStore) update(fn func(*ConnectionState)) {
	h.mu.Lock()
	before := h.state
	fn(&h.state)
	after := h.state
	if before == after {
		h.mu.Unlock()
		return
	}
	observers := make([]func(ConnectionState), 0, len(h.observers))
	for _, obs := range h.observers {
		observers = append(observers, obs)
	}
	h.mu.Unlock()
	for _, obs := range observers {
		obs(after)
	}
}
