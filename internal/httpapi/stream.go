package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaydash/internal/dashstate"
	"github.com/agentworkforce/relaydash/internal/livesync"
)

const streamWriteTimeout = 10 * time.Second

const (
	StreamHello      = "hello"
	StreamMutation   = "mutation"
	StreamConnection = "connection"
)

// StreamMessage is one frame of the /v1/stream feed. Seq is per consumer and
// starts at 1 with the hello frame.
type StreamMessage struct {
	Type         string                    `json:"type"`
	Seq          uint64                    `json:"seq"`
	Status       string                    `json:"status,omitempty"`
	LastEventSeq uint64                    `json:"lastEventSeq,omitempty"`
	Session      *livesync.Session         `json:"session,omitempty"`
	Mutation     *dashstate.Mutation       `json:"mutation,omitempty"`
	Connection   *livesync.ConnectionState `json:"connection,omitempty"`
}

// streamConsumer is one subscriber's private queue. push runs on the engine
// loop and must never block; a full queue marks the consumer as overflowed.
type streamConsumer struct {
	queue        chan StreamMessage
	overflow     chan struct{}
	overflowOnce sync.Once
}

func newStreamConsumer(size int) *streamConsumer {
	return &streamConsumer{
		queue:    make(chan StreamMessage, size),
		overflow: make(chan struct{}),
	}
}

func (c *streamConsumer) push(msg StreamMessage) {
	select {
	case <-c.overflow:
		return
	default:
	}
	select {
	case c.queue <- msg:
	default:
		c.overflowOnce.Do(func() { close(c.overflow) })
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logf("httpapi: stream handshake failed: %v", err)
		return
	}
	s.streams.Add(1)
	defer s.streams.Done()

	consumer := newStreamConsumer(s.cfg.StreamBuffer)
	store := s.backend.Store()
	health := s.backend.Health()
	cancelMutations := store.Subscribe(func(m dashstate.Mutation) {
		consumer.push(StreamMessage{Type: StreamMutation, Mutation: &m})
	})
	defer cancelMutations()
	cancelHealth := health.Subscribe(func(state livesync.ConnectionState) {
		consumer.push(StreamMessage{Type: StreamConnection, Status: state.Status(), Connection: &state})
	})
	defer cancelHealth()

	ctx := conn.CloseRead(r.Context())

	state := health.Snapshot()
	session := s.backend.Session()
	hello := StreamMessage{
		Type:         StreamHello,
		Seq:          1,
		Status:       state.Status(),
		LastEventSeq: lastEventSeq(store),
		Session:      &session,
		Connection:   &state,
	}
	if err := s.writeStream(ctx, conn, hello); err != nil {
		return
	}

	seq := hello.Seq
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-s.closing():
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-consumer.overflow:
			s.logf("httpapi: closing stream consumer that fell behind (buffer %d)", s.cfg.StreamBuffer)
			_ = conn.Close(websocket.StatusPolicyViolation, "consumer fell behind")
			return
		case msg := <-consumer.queue:
			seq++
			msg.Seq = seq
			if err := s.writeStream(ctx, conn, msg); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeStream(ctx context.Context, conn *websocket.Conn, msg StreamMessage) error {
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, conn, msg); err != nil {
		conn.CloseNow()
		return err
	}
	return nil
}

// CloseStreams ends every open /v1/stream connection with a going-away status.
// Hijacked connections are not closed by http.Server.Shutdown.
func (s *Server) CloseStreams() {
	s.closeOnce.Do(func() { close(s.shutdown) })
}

func (s *Server) closing() <-chan struct{} {
	return s.shutdown
}

func lastEventSeq(store *dashstate.Store) uint64 {
	latest := store.Events(dashstate.Filter{Mode: dashstate.FilterAll, Limit: 1})
	if len(latest) == 0 {
		return 0
	}
	return latest[0].Seq
}
