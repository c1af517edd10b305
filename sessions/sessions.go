package sessions

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/mcp-sse-go/internal/jsonrpc"
)

var (
	// ErrSessionNotFound indicates the session id is not registered. Expected
	// after teardown; callers should not treat it as a server fault.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDuplicateSession indicates a Register call with an id that is already
	// live. With 128-bit random ids this is an invariant violation.
	ErrDuplicateSession = errors.New("session already registered")

	// ErrSessionClosed indicates the session was torn down while the caller
	// was blocked on one of its queues.
	ErrSessionClosed = errors.New("session closed")

	// ErrSlowConsumer indicates the outbound queue stayed full past the send
	// deadline. The connection is considered unhealthy and is closed.
	ErrSlowConsumer = errors.New("outbound queue full: slow consumer")
)

// EventKind tags an Envelope with its wire-level event type.
type EventKind string

const (
	// KindEndpoint is the handshake announcement carrying the session's
	// private reply-to URL. Always the first frame on a stream.
	KindEndpoint EventKind = "endpoint"
	// KindMessage carries an opaque protocol message payload.
	KindMessage EventKind = "message"
	// KindKeepalive keeps idle connections alive through intermediaries.
	KindKeepalive EventKind = "keepalive"
	// KindError carries a best-effort terminal error payload.
	KindError EventKind = "error"
)

// Envelope is a protocol message in flight on a session's outbound path.
// Payload is opaque to the transport. For KindEndpoint it is the literal
// reply-to URL bytes; for KindMessage and KindError it is single-line JSON.
type Envelope struct {
	Kind    EventKind
	Payload []byte
}

// Config bounds a session's queues and send patience.
type Config struct {
	// InboundCap bounds messages accepted from POSTs ahead of the runtime.
	InboundCap int
	// OutboundCap bounds envelopes accepted from the runtime ahead of the wire.
	OutboundCap int
	// SendTimeout is how long Send waits for an outbound slot before the
	// session is declared unhealthy and closed.
	SendTimeout time.Duration
}

// DefaultConfig mirrors the transport defaults.
func DefaultConfig() Config {
	return Config{InboundCap: 16, OutboundCap: 32, SendTimeout: 5 * time.Second}
}

// Session is the per-connection rendezvous between the POST dispatcher, the
// protocol runtime, and the stream writer loop.
type Session struct {
	id          string
	inbound     chan *jsonrpc.AnyMessage
	outbound    chan Envelope
	sendTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession mints a session with a fresh 128-bit random id rendered as 32
// lowercase hex characters.
func NewSession(cfg Config) *Session {
	if cfg.InboundCap <= 0 {
		cfg.InboundCap = DefaultConfig().InboundCap
	}
	if cfg.OutboundCap <= 0 {
		cfg.OutboundCap = DefaultConfig().OutboundCap
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultConfig().SendTimeout
	}
	u := uuid.New()
	return &Session{
		id:          hex.EncodeToString(u[:]),
		inbound:     make(chan *jsonrpc.AnyMessage, cfg.InboundCap),
		outbound:    make(chan Envelope, cfg.OutboundCap),
		sendTimeout: cfg.SendTimeout,
		closed:      make(chan struct{}),
	}
}

// ID returns the session's hex identifier.
func (s *Session) ID() string {
	return s.id
}

// Deliver forwards one inbound message toward the runtime, waiting for queue
// room until ctx expires. The dispatcher bounds ctx so a stalled runtime
// cannot pin a POST forever.
func (s *Session) Deliver(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	select {
	case s.inbound <- msg:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv yields the next inbound message. It returns ErrSessionClosed once the
// session is torn down, ending the runtime's consumption loop.
func (s *Session) Recv(ctx context.Context) (*jsonrpc.AnyMessage, error) {
	select {
	case msg := <-s.inbound:
		return msg, nil
	case <-s.closed:
		// Drain anything the dispatcher committed before the latch closed so
		// accepted POSTs (204 already sent) are not silently dropped.
		select {
		case msg := <-s.inbound:
			return msg, nil
		default:
			return nil, ErrSessionClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send enqueues one opaque protocol message for the stream writer. A full
// queue is tolerated until the send timeout; past that the peer is deemed a
// slow consumer and the session is closed.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	return s.enqueue(ctx, Envelope{Kind: KindMessage, Payload: payload})
}

func (s *Session) enqueue(ctx context.Context, env Envelope) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	t := time.NewTimer(s.sendTimeout)
	defer t.Stop()

	select {
	case s.outbound <- env:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		s.Close()
		return ErrSlowConsumer
	}
}

// Outbound exposes the envelope queue for the stream writer loop's select.
// The loop is the queue's only consumer, which preserves per-session order.
func (s *Session) Outbound() <-chan Envelope {
	return s.outbound
}

// Done is closed when the session is torn down.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Close latches the session closed and wakes all blocked callers. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}
