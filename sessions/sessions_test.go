package sessions

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-go/internal/jsonrpc"
)

func mustMessage(t *testing.T, raw string) *jsonrpc.AnyMessage {
	t.Helper()
	var msg jsonrpc.AnyMessage
	if err := msg.UnmarshalJSON([]byte(raw)); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	return &msg
}

func TestSession_IDFormat(t *testing.T) {
	t.Parallel()

	a := NewSession(DefaultConfig())
	b := NewSession(DefaultConfig())

	if len(a.ID()) != 32 {
		t.Fatalf("expected 32 hex chars, got %d (%q)", len(a.ID()), a.ID())
	}
	for _, c := range a.ID() {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			t.Fatalf("unexpected character %q in session id %q", c, a.ID())
		}
	}
	if a.ID() == b.ID() {
		t.Fatalf("two sessions minted the same id %q", a.ID())
	}
}

func TestSession_DeliverRecvOrder(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	sess := NewSession(DefaultConfig())
	defer sess.Close()

	want := []string{"first", "second", "third"}
	for i, method := range want {
		msg := mustMessage(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":%q}`, i+1, method))
		if err := sess.Deliver(ctx, msg); err != nil {
			t.Fatalf("deliver %q: %v", method, err)
		}
	}

	for _, method := range want {
		got, err := sess.Recv(ctx)
		if err != nil {
			t.Fatalf("recv %q: %v", method, err)
		}
		if got.Method != method {
			t.Fatalf("expected method %q, got %q", method, got.Method)
		}
	}
}

func TestSession_RecvDrainsCommittedAfterClose(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	sess := NewSession(DefaultConfig())

	if err := sess.Deliver(ctx, mustMessage(t, `{"jsonrpc":"2.0","id":1,"method":"a"}`)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := sess.Deliver(ctx, mustMessage(t, `{"jsonrpc":"2.0","id":2,"method":"b"}`)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	sess.Close()

	// Messages accepted before close must still drain.
	for _, want := range []string{"a", "b"} {
		got, err := sess.Recv(ctx)
		if err != nil {
			t.Fatalf("recv %q after close: %v", want, err)
		}
		if got.Method != want {
			t.Fatalf("expected method %q, got %q", want, got.Method)
		}
	}
	if _, err := sess.Recv(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestSession_DeliverAfterClose(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	sess := NewSession(DefaultConfig())
	sess.Close()

	err := sess.Deliver(ctx, mustMessage(t, `{"jsonrpc":"2.0","id":1,"method":"a"}`))
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestSession_DeliverBackpressure(t *testing.T) {
	t.Parallel()

	sess := NewSession(Config{InboundCap: 1, OutboundCap: 1, SendTimeout: time.Second})
	defer sess.Close()

	if err := sess.Deliver(t.Context(), mustMessage(t, `{"jsonrpc":"2.0","id":1,"method":"a"}`)); err != nil {
		t.Fatalf("deliver into empty queue: %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	err := sess.Deliver(ctx, mustMessage(t, `{"jsonrpc":"2.0","id":2,"method":"b"}`))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded on full queue, got %v", err)
	}
}

func TestSession_SendSlowConsumerClosesSession(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	sess := NewSession(Config{InboundCap: 1, OutboundCap: 1, SendTimeout: 50 * time.Millisecond})

	if err := sess.Send(ctx, []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`)); err != nil {
		t.Fatalf("send into empty queue: %v", err)
	}

	// Nobody drains the queue, so the second send must trip the deadline and
	// declare the session unhealthy.
	err := sess.Send(ctx, []byte(`{"jsonrpc":"2.0","id":2,"result":{}}`))
	if !errors.Is(err, ErrSlowConsumer) {
		t.Fatalf("expected ErrSlowConsumer, got %v", err)
	}

	select {
	case <-sess.Done():
	default:
		t.Fatal("session should be closed after a slow-consumer send")
	}

	if err := sess.Send(ctx, []byte(`{}`)); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed after close, got %v", err)
	}
}

func TestSession_SendObservableOnOutbound(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	sess := NewSession(DefaultConfig())
	defer sess.Close()

	payload := []byte(`{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`)
	if err := sess.Send(ctx, payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case env := <-sess.Outbound():
		if env.Kind != KindMessage {
			t.Fatalf("expected %q envelope, got %q", KindMessage, env.Kind)
		}
		if string(env.Payload) != string(payload) {
			t.Fatalf("payload mismatch: %s", env.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no envelope on outbound queue")
	}
}

func TestSession_CloseIdempotent(t *testing.T) {
	t.Parallel()

	sess := NewSession(DefaultConfig())
	sess.Close()
	sess.Close()

	select {
	case <-sess.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestSession_RecvHonorsContext(t *testing.T) {
	t.Parallel()

	sess := NewSession(DefaultConfig())
	defer sess.Close()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := sess.Recv(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
