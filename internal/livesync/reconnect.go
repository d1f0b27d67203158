package livesync

import "time"

const (
	DefaultBaseBackoff          = 2 * time.Second
	DefaultMaxBackoff           = 16 * time.Second
	DefaultMaxReconnectAttempts = 5
)

type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateReconnecting
	StatePolling
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StatePolling:
		return "polling"
	default:
		return "disconnected"
	}
}

type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns min(Base * 2^attempt, Max).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBaseBackoff
	}
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = DefaultMaxBackoff
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

type Action int

const (
	ActionNone Action = iota
	ActionReconnect
	ActionPoll
)

type Decision struct {
	Action  Action
	Delay   time.Duration
	Attempt int
}

// Controller holds the reconnection state machine. It performs no I/O and
// owns no timers; the engine acts on the decisions it returns.
type Controller struct {
	backoff     Backoff
	maxAttempts int
	state       State
	attempt     int
}

func NewController(backoff Backoff, maxAttempts int) *Controller {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxReconnectAttempts
	}
	return &Controller{backoff: backoff, maxAttempts: maxAttempts}
}

func (c *Controller) State() State {
	return c.state
}

func (c *Controller) Attempt() int {
	return c.attempt
}

func (c *Controller) Opened() {
	c.state = StateConnected
	c.attempt = 0
}

// Closed records a lost connection or a failed reconnect and decides what
// happens next.
func (c *Controller) Closed() Decision {
	switch c.state {
	case StatePolling:
		return Decision{Action: ActionNone, Attempt: c.attempt}
	}
	c.state = StateDisconnected
	if c.attempt >= c.maxAttempts {
		c.state = StatePolling
		return Decision{Action: ActionPoll, Attempt: c.attempt}
	}
	delay := c.backoff.Delay(c.attempt)
	c.attempt++
	c.state = StateReconnecting
	return Decision{Action: ActionReconnect, Delay: delay, Attempt: c.attempt}
}

func (c *Controller) Reset() {
	c.state = StateDisconnected
	c.attempt = 0
}
