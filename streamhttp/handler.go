package streamhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ggoodman/mcp-sse-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-go/internal/logctx"
	"github.com/ggoodman/mcp-sse-go/sessions"
)

// Encoding selects the wire framing for a Handler's stream endpoint.
type Encoding string

const (
	// EncodingSSE frames the stream as Server-Sent Events.
	EncodingSSE Encoding = "sse"
	// EncodingNDJSON frames the stream as newline-delimited JSON.
	EncodingNDJSON Encoding = "ndjson"
)

// Runner drives the protocol conversation for one session. It is invoked once
// per accepted stream on its own goroutine and must return when ctx is
// canceled or the session's inbound source reports closure. A non-nil error
// is surfaced to the client as a best-effort error frame before teardown; it
// never affects other sessions.
type Runner interface {
	Run(ctx context.Context, sess *sessions.Session) error
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context, sess *sessions.Session) error

func (f RunnerFunc) Run(ctx context.Context, sess *sessions.Session) error {
	return f(ctx, sess)
}

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
	ndjsonMediaType      = contenttype.NewMediaType("application/x-ndjson")

	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
	ndjsonMediaTypes      = []contenttype.MediaType{ndjsonMediaType}
)

const (
	defaultStreamPath        = "/sse"
	defaultMessagePath       = "/messages"
	defaultKeepaliveInterval = 15 * time.Second
	defaultForwardTimeout    = 5 * time.Second
	defaultMaxBodyBytes      = 1 << 20
)

// Option configures a Handler.
type Option func(*newConfig)

type newConfig struct {
	logger            *slog.Logger
	encoding          Encoding
	streamPath        string
	messagePath       string
	serverName        string
	keepaliveInterval time.Duration
	forwardTimeout    time.Duration
	sessionCfg        sessions.Config
	maxBodyBytes      int64
	metrics           *Metrics
}

// WithLogger sets the base logger. Records are enriched with request and
// session attributes via logctx.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithEncoding selects the stream framing. Default is EncodingSSE.
func WithEncoding(e Encoding) Option {
	return func(c *newConfig) { c.encoding = e }
}

// WithStreamPath sets the GET path that opens a stream. Default "/sse".
func WithStreamPath(p string) Option {
	return func(c *newConfig) { c.streamPath = p }
}

// WithMessagePath sets the POST path announced in the handshake and served by
// the inbound dispatcher. Default "/messages".
func WithMessagePath(p string) Option {
	return func(c *newConfig) { c.messagePath = p }
}

// WithServerName sets the name reported in logs.
func WithServerName(name string) Option {
	return func(c *newConfig) { c.serverName = name }
}

// WithKeepaliveInterval sets the idle interval between keepalive frames.
// Default 15s.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(c *newConfig) { c.keepaliveInterval = d }
}

// WithForwardTimeout bounds how long a POST waits for inbound queue room
// before the dispatcher answers 503. Default 5s.
func WithForwardTimeout(d time.Duration) Option {
	return func(c *newConfig) { c.forwardTimeout = d }
}

// WithSendTimeout bounds how long the runtime's Send waits for outbound queue
// room before the connection is declared unhealthy. Default 5s.
func WithSendTimeout(d time.Duration) Option {
	return func(c *newConfig) { c.sessionCfg.SendTimeout = d }
}

// WithQueueBounds sets the per-session inbound and outbound queue capacities.
// Defaults 16 and 32.
func WithQueueBounds(inbound, outbound int) Option {
	return func(c *newConfig) {
		c.sessionCfg.InboundCap = inbound
		c.sessionCfg.OutboundCap = outbound
	}
}

// WithMaxBodyBytes caps the accepted POST body size. Default 1 MiB.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) { c.maxBodyBytes = n }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(c *newConfig) { c.metrics = m }
}

// Handler is one transport configuration: a stream endpoint, its message
// endpoint, and the registry correlating the two. It holds all transport
// state; nothing is process-global.
type Handler struct {
	log      *slog.Logger
	runner   Runner
	registry *sessions.Registry
	mux      *http.ServeMux
	metrics  *Metrics

	encoding    Encoding
	streamPath  string
	messagePath string

	keepaliveInterval time.Duration
	forwardTimeout    time.Duration
	sessionCfg        sessions.Config
	maxBodyBytes      int64
}

// New constructs a Handler serving one stream/message endpoint pair.
func New(runner Runner, opts ...Option) (*Handler, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}

	cfg := &newConfig{
		logger:            slog.Default(),
		encoding:          EncodingSSE,
		streamPath:        defaultStreamPath,
		messagePath:       defaultMessagePath,
		serverName:        "mcp-sse-go",
		keepaliveInterval: defaultKeepaliveInterval,
		forwardTimeout:    defaultForwardTimeout,
		maxBodyBytes:      defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	switch cfg.encoding {
	case EncodingSSE, EncodingNDJSON:
	default:
		return nil, fmt.Errorf("unknown encoding %q", cfg.encoding)
	}
	if !strings.HasPrefix(cfg.streamPath, "/") || !strings.HasPrefix(cfg.messagePath, "/") {
		return nil, fmt.Errorf("stream and message paths must be absolute")
	}
	if cfg.streamPath == cfg.messagePath {
		return nil, fmt.Errorf("stream and message paths must differ")
	}

	base := cfg.logger
	if cfg.serverName != "" {
		base = base.With(slog.String("server", cfg.serverName))
	}
	log := slog.New(logctx.Handler{Handler: base.Handler()})

	h := &Handler{
		log:               log,
		runner:            runner,
		registry:          sessions.NewRegistry(),
		metrics:           cfg.metrics,
		encoding:          cfg.encoding,
		streamPath:        cfg.streamPath,
		messagePath:       cfg.messagePath,
		keepaliveInterval: cfg.keepaliveInterval,
		forwardTimeout:    cfg.forwardTimeout,
		sessionCfg:        cfg.sessionCfg,
		maxBodyBytes:      cfg.maxBodyBytes,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("GET %s", h.streamPath), h.handleStream)
	mux.HandleFunc(fmt.Sprintf("POST %s", h.messagePath), h.handleMessage)
	h.mux = mux
	return h, nil
}

// Registry exposes the handler's session registry. Intended for health
// reporting and tests.
func (h *Handler) Registry() *sessions.Registry {
	return h.registry
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// handleMessage is the inbound dispatcher: it correlates a POSTed JSON-RPC
// message to the session named by the session_id query parameter and forwards
// it with a bounded wait. It never blocks past the forward timeout.
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if h.registry == nil {
		// Zero-value Handler mounted without New; the transport is not ready
		// to correlate anything.
		writeJSONError(w, http.StatusServiceUnavailable, "transport not initialized")
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		h.log.DebugContext(ctx, "http.post.reject", slog.String("reason", "missing session_id"))
		h.countInbound("bad_request")
		writeJSONError(w, http.StatusBadRequest, "missing session_id query parameter")
		return
	}
	if !isHexString(sessionID) {
		h.log.DebugContext(ctx, "http.post.reject", slog.String("reason", "malformed session_id"))
		h.countInbound("bad_request")
		writeJSONError(w, http.StatusBadRequest, "malformed session_id query parameter")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID, Encoding: string(h.encoding)})

	if ct := r.Header.Get("Content-Type"); ct != "" {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			h.log.DebugContext(ctx, "http.post.reject", slog.String("reason", "content type"))
			h.countInbound("bad_request")
			writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.log.DebugContext(ctx, "http.post.reject", slog.String("reason", "body too large"))
			h.countInbound("bad_request")
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.log.DebugContext(ctx, "http.post.reject", slog.String("err", err.Error()))
		h.countInbound("bad_request")
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		// Malformed payloads are rejected here; nothing reaches the session.
		h.log.DebugContext(ctx, "http.post.reject", slog.String("err", err.Error()))
		h.countInbound("bad_request")
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		return
	}

	sess, err := h.registry.Lookup(sessionID)
	if err != nil {
		// Expected after teardown or for stale URLs; not a server fault.
		h.log.DebugContext(ctx, "session.lookup.miss")
		h.countInbound("not_found")
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}

	fwdCtx, cancel := context.WithTimeout(ctx, h.forwardTimeout)
	defer cancel()

	switch err := sess.Deliver(fwdCtx, &msg); {
	case err == nil:
		h.countInbound("accepted")
		h.log.DebugContext(ctx, "http.post.forward",
			slog.String("rpc_method", msg.Method),
			slog.Duration("dur", time.Since(start)))
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, sessions.ErrSessionClosed):
		h.log.DebugContext(ctx, "session.lookup.closed")
		h.countInbound("not_found")
		writeJSONError(w, http.StatusNotFound, "session closed")
	case errors.Is(err, context.DeadlineExceeded):
		h.log.WarnContext(ctx, "http.post.backpressure", slog.Duration("dur", time.Since(start)))
		h.countInbound("backpressure")
		w.Header().Set("Retry-After", "1")
		writeJSONError(w, http.StatusServiceUnavailable, "session is not accepting messages, retry later")
	default:
		// Client abandoned the POST; nothing useful can be written.
		h.log.DebugContext(ctx, "http.post.abandoned", slog.String("err", err.Error()))
		h.countInbound("abandoned")
	}
}

func (h *Handler) countInbound(outcome string) {
	if h.metrics != nil {
		h.metrics.InboundMessages.WithLabelValues(string(h.encoding), outcome).Inc()
	}
}

// replyToURL reconstructs the public URL for this session's message endpoint
// from the inbound request. The scheme honors the first X-Forwarded-Proto
// value so handshakes published through a TLS-terminating proxy remain
// POSTable; the host is echoed verbatim, port included.
func (h *Handler) replyToURL(r *http.Request, sessionID string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		if fwd = strings.TrimSpace(fwd); fwd != "" {
			scheme = fwd
		}
	}
	return fmt.Sprintf("%s://%s%s?session_id=%s", scheme, r.Host, h.messagePath, sessionID)
}

func isHexString(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// writeJSONError emits a minimal JSON body for HTTP-layer rejections that
// happen before (or instead of) any stream frame.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

var _ http.Handler = (*Handler)(nil)
