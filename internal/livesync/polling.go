package livesync

import (
	"context"
	"errors"
	"sync"
	"time"
)

const DefaultPollingInterval = 30 * time.Second

// Poller runs fetch on a fixed interval until stopped. Only one loop runs at a time.
type Poller struct {
	fetch  func(context.Context) error
	logger Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPoller(fetch func(context.Context) error, logger Logger) *Poller {
	return &Poller{fetch: fetch, logger: logger}
}

// Start replaces any running loop with a new one ticking at interval.
func (p *Poller) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollingInterval
	}
	p.Stop()

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := p.fetch(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
					p.logf("livesync: polling tick failed: %v", err)
				}
			}
		}
	}()
}

// Stop cancels the running loop and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Poller) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
