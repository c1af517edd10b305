package streamhttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/ggoodman/mcp-sse-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-go/internal/logctx"
	"github.com/ggoodman/mcp-sse-go/sessions"
)

// handleStream owns one connection's lifecycle: negotiate the encoding, mint
// and register a session, announce the reply-to URL, then run the stream
// writer loop until the client disconnects, the runtime finishes, or a write
// fails. Registration happens before the handshake is flushed: the instant
// the reply-to URL is visible, a POST to it must already resolve.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	accepted := eventStreamMediaTypes
	if h.encoding == EncodingNDJSON {
		accepted = ndjsonMediaTypes
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, accepted); err != nil {
		h.log.DebugContext(ctx, "stream.accept.reject", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusNotAcceptable, "accept header does not allow "+accepted[0].String())
		return
	}

	sess := sessions.NewSession(h.sessionCfg)
	if err := h.registry.Register(sess); err != nil {
		h.log.ErrorContext(ctx, "session.register.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to register session")
		return
	}
	// Backstop for exit paths before the explicit teardown below; both calls
	// are idempotent.
	defer func() {
		h.registry.Unregister(sess.ID())
		sess.Close()
	}()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Encoding: string(h.encoding)})

	enc, err := h.newEncoder(w, r)
	if err != nil {
		h.log.ErrorContext(ctx, "stream.upgrade.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "response writer does not support streaming")
		return
	}

	replyTo := h.replyToURL(r, sess.ID())
	if err := enc.WriteEnvelope(sessions.Envelope{Kind: sessions.KindEndpoint, Payload: []byte(replyTo)}); err != nil {
		h.log.DebugContext(ctx, "stream.write.fail", slog.String("err", err.Error()))
		return
	}
	h.countFrame(sessions.KindEndpoint)
	h.log.InfoContext(ctx, "stream.start", slog.String("endpoint", replyTo))
	if h.metrics != nil {
		h.metrics.ActiveStreams.WithLabelValues(string(h.encoding)).Inc()
		defer h.metrics.ActiveStreams.WithLabelValues(string(h.encoding)).Dec()
	}

	start := time.Now()
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runDone := make(chan error, 1)
	go func() { runDone <- h.runner.Run(runCtx, sess) }()

	keepalive := time.NewTimer(h.keepaliveInterval)
	defer keepalive.Stop()

	var reason string
	awaited := false

loop:
	for {
		select {
		case <-ctx.Done():
			reason = "disconnect"
			break loop

		case <-sess.Done():
			reason = "session closed"
			break loop

		case err := <-runDone:
			awaited = true
			h.drainOutbound(enc, sess)
			if err != nil && !errors.Is(err, context.Canceled) {
				// One best-effort error frame; the failure stays contained to
				// this session.
				h.log.ErrorContext(ctx, "runtime.fail", slog.String("err", err.Error()))
				h.writeErrorFrame(ctx, enc)
				reason = "runtime error"
			} else {
				reason = "runtime finished"
			}
			break loop

		case env := <-sess.Outbound():
			if err := enc.WriteEnvelope(env); err != nil {
				h.log.DebugContext(ctx, "stream.write.fail", slog.String("err", err.Error()))
				reason = "write failed"
				break loop
			}
			h.countFrame(env.Kind)
			keepalive.Reset(h.keepaliveInterval)

		case <-keepalive.C:
			env := sessions.Envelope{
				Kind:    sessions.KindKeepalive,
				Payload: strconv.AppendInt(nil, time.Since(start).Nanoseconds(), 10),
			}
			if err := enc.WriteEnvelope(env); err != nil {
				h.log.DebugContext(ctx, "stream.write.fail", slog.String("err", err.Error()))
				reason = "write failed"
				break loop
			}
			h.countFrame(sessions.KindKeepalive)
			keepalive.Reset(h.keepaliveInterval)
		}
	}

	// Ordered teardown: stop correlating POSTs, wake queue blockers, cancel
	// the runtime, then wait for it. No goroutine outlives the connection.
	h.registry.Unregister(sess.ID())
	sess.Close()
	cancelRun()
	if !awaited {
		<-runDone
	}

	h.log.InfoContext(ctx, "stream.close",
		slog.String("reason", reason),
		slog.Duration("dur", time.Since(start)))
	if h.metrics != nil {
		h.metrics.StreamDuration.WithLabelValues(string(h.encoding)).Observe(time.Since(start).Seconds())
	}
}

func (h *Handler) newEncoder(w http.ResponseWriter, r *http.Request) (frameEncoder, error) {
	if h.encoding == EncodingNDJSON {
		return newNDJSONEncoder(w)
	}
	return newSSEEncoder(w, r)
}

// drainOutbound flushes envelopes the runtime enqueued before finishing.
// Best-effort: the first write failure abandons the rest.
func (h *Handler) drainOutbound(enc frameEncoder, sess *sessions.Session) {
	for {
		select {
		case env := <-sess.Outbound():
			if err := enc.WriteEnvelope(env); err != nil {
				return
			}
			h.countFrame(env.Kind)
		default:
			return
		}
	}
}

func (h *Handler) writeErrorFrame(ctx context.Context, enc frameEncoder) {
	resp := jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := enc.WriteEnvelope(sessions.Envelope{Kind: sessions.KindError, Payload: payload}); err != nil {
		h.log.DebugContext(ctx, "stream.write.fail", slog.String("err", err.Error()))
		return
	}
	h.countFrame(sessions.KindError)
}

func (h *Handler) countFrame(kind sessions.EventKind) {
	if h.metrics != nil {
		h.metrics.Frames.WithLabelValues(string(h.encoding), string(kind)).Inc()
	}
}
