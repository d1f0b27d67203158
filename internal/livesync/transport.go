package livesync

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	defaultReadLimit         = 4 << 20
	defaultWriteTimeout      = 10 * time.Second
)

type TransportOptions struct {
	Header            http.Header
	HeartbeatInterval time.Duration
	ReadLimit         int64
	HTTPClient        *http.Client
	Logger            Logger
}

// Conn owns one physical socket. A closed Conn is never reopened.
type Conn struct {
	url       string
	header    http.Header
	heartbeat time.Duration
	readLimit int64
	client    *http.Client
	logger    Logger

	mu      sync.Mutex
	ws      *websocket.Conn
	open    bool
	cancel  context.CancelFunc
	onFrame func([]byte)
	onClose func(error)

	closeOnce sync.Once
	done      chan struct{}
}

func NewConn(socketURL string, opts TransportOptions) *Conn {
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	readLimit := opts.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	return &Conn{
		url:       socketURL,
		header:    opts.Header,
		heartbeat: heartbeat,
		readLimit: readLimit,
		client:    opts.HTTPClient,
		logger:    opts.Logger,
		done:      make(chan struct{}),
	}
}

func (c *Conn) OnFrame(fn func([]byte)) {
	c.mu.Lock()
	c.onFrame = fn
	c.mu.Unlock()
}

func (c *Conn) OnClose(fn func(error)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Open dials the socket and starts the read and heartbeat loops.
func (c *Conn) Open(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrNotOpen
	default:
	}
	ws, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPHeader: c.header,
		HTTPClient: c.client,
	})
	if err != nil {
		return err
	}
	ws.SetReadLimit(c.readLimit)

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.ws = ws
	c.open = true
	c.cancel = cancel
	c.mu.Unlock()

	go c.readLoop(runCtx, ws)
	go c.heartbeatLoop(runCtx)
	return nil
}

func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send writes v as a JSON text frame. It is a no-op when the socket is not open.
func (c *Conn) Send(ctx context.Context, v any) error {
	c.mu.Lock()
	ws, open := c.ws, c.open
	c.mu.Unlock()
	if !open || ws == nil {
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, ws, v); err != nil {
		c.shutdown(err)
		return err
	}
	return nil
}

// Close is idempotent. The close handler observes a nil error.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				err = nil
			}
			c.shutdown(err)
			return
		}
		c.mu.Lock()
		fn := c.onFrame
		c.mu.Unlock()
		if fn != nil {
			fn(data)
		}
	}
}

func (c *Conn) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Send(ctx, map[string]string{"type": "ping"}); err != nil {
				if !errors.Is(err, context.Canceled) {
					c.logf("livesync: heartbeat failed: %v", err)
				}
				return
			}
		}
	}
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		ws := c.ws
		cancel := c.cancel
		handler := c.onClose
		c.open = false
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if ws != nil {
			if cause == nil {
				_ = ws.Close(websocket.StatusNormalClosure, "")
			} else {
				_ = ws.CloseNow()
			}
		}
		close(c.done)
		if handler != nil {
			handler(cause)
		}
	})
}

func (c *Conn) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
