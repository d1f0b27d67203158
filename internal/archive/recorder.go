package archive

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/relaydash/internal/dashstate"
)

const (
	defaultQueueSize     = 1024
	defaultBatchSize     = 64
	defaultFlushInterval = 500 * time.Millisecond
)

type Logger interface {
	Printf(format string, args ...any)
}

type RecorderOptions struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	Logger        Logger
}

// Recorder copies inserted and updated events from a store into an archive.
// The store observer never blocks: a full queue drops the event and counts it.
type Recorder struct {
	archive       Archive
	queue         chan dashstate.CanonicalEvent
	batchSize     int
	flushInterval time.Duration
	logger        Logger

	dropped  atomic.Uint64
	written  atomic.Uint64
	failures atomic.Uint64

	runOnce sync.Once
	done    chan struct{}
}

func NewRecorder(archive Archive, opts RecorderOptions) (*Recorder, error) {
	if archive == nil {
		return nil, fmt.Errorf("archive is required")
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := opts.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	return &Recorder{
		archive:       archive,
		queue:         make(chan dashstate.CanonicalEvent, queueSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        opts.Logger,
		done:          make(chan struct{}),
	}, nil
}

// Attach subscribes the recorder to store mutations and returns the cancel func.
func (r *Recorder) Attach(store *dashstate.Store) func() {
	return store.Subscribe(r.Observe)
}

func (r *Recorder) Observe(m dashstate.Mutation) {
	if m.Collection != dashstate.CollectionEvents || m.Event == nil {
		return
	}
	if m.Op != dashstate.OpInsert && m.Op != dashstate.OpUpdate {
		return
	}
	select {
	case r.queue <- *m.Event:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Recorder) Written() uint64 {
	return r.written.Load()
}

func (r *Recorder) Failures() uint64 {
	return r.failures.Load()
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	r.runOnce.Do(func() {
		defer close(r.done)
		ticker := time.NewTicker(r.flushInterval)
		defer ticker.Stop()

		batch := make([]dashstate.CanonicalEvent, 0, r.batchSize)
		flush := func(flushCtx context.Context) {
			if len(batch) == 0 {
				return
			}
			if err := r.archive.Append(flushCtx, batch); err != nil {
				r.failures.Add(1)
				r.logf("archive: append %d events failed: %v", len(batch), err)
			} else {
				r.written.Add(uint64(len(batch)))
			}
			batch = batch[:0]
		}

		for {
			select {
			case <-ctx.Done():
				for {
					select {
					case ev := <-r.queue:
						batch = append(batch, ev)
						if len(batch) >= r.batchSize {
							flush(context.Background())
						}
					default:
						flush(context.Background())
						return
					}
				}
			case ev := <-r.queue:
				batch = append(batch, ev)
				if len(batch) >= r.batchSize {
					flush(ctx)
				}
			case <-ticker.C:
				flush(ctx)
			}
		}
	})
}

// Done is closed once Run has returned.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

func (r *Recorder) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
