package mcpruntime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/ggoodman/mcp-sse-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-go/internal/logctx"
	"github.com/ggoodman/mcp-sse-go/mcp"
	"github.com/ggoodman/mcp-sse-go/sessions"
	"github.com/ggoodman/mcp-sse-go/streamhttp"
)

// resourceNotFoundCode is the MCP error code for resources/read misses.
const resourceNotFoundCode jsonrpc.ErrorCode = -32002

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the runtime's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.log = l }
}

// WithServerInfo sets the implementation info reported by initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(r *Runtime) { r.info = info }
}

// WithInstructions sets the instructions string reported by initialize.
func WithInstructions(s string) Option {
	return func(r *Runtime) { r.instructions = s }
}

// WithTools registers callable tools.
func WithTools(tools ...StaticTool) Option {
	return func(r *Runtime) {
		for _, t := range tools {
			r.tools = append(r.tools, t.Descriptor)
			r.toolHandlers[t.Descriptor.Name] = t.Handler
		}
	}
}

// WithResources attaches a resource provider.
func WithResources(p ResourceProvider) Option {
	return func(r *Runtime) { r.resources = p }
}

// Runtime is an MCP protocol engine shared by all sessions of a transport.
type Runtime struct {
	log          *slog.Logger
	info         mcp.ImplementationInfo
	instructions string

	tools        []mcp.Tool
	toolHandlers map[string]ToolHandler
	resources    ResourceProvider

	mu   sync.Mutex
	subs map[*sessions.Session]context.Context
}

// NewRuntime constructs a Runtime with the given tools and resources.
func NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{
		log:          slog.Default(),
		info:         mcp.ImplementationInfo{Name: "mcp-sse-go", Version: "0.0.0"},
		toolHandlers: make(map[string]ToolHandler),
		subs:         make(map[*sessions.Session]context.Context),
	}
	for _, opt := range opts {
		opt(r)
	}
	// Session contexts carry request and session attributes; the wrapped
	// handler folds them into every record.
	r.log = slog.New(logctx.Handler{Handler: r.log.Handler()})
	return r
}

// Run drives one session's protocol conversation until the session closes or
// ctx is canceled. It implements streamhttp.Runner.
func (r *Runtime) Run(ctx context.Context, sess *sessions.Session) error {
	r.addSub(ctx, sess)
	defer r.removeSub(sess)

	for {
		msg, err := sess.Recv(ctx)
		if err != nil {
			if errors.Is(err, sessions.ErrSessionClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("receive inbound message: %w", err)
		}

		mctx := logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
			Method: msg.Method,
			ID:     msg.ID.String(),
			Type:   msg.Type(),
		})

		switch msg.Type() {
		case "response":
			// This server never issues client-bound requests, so responses
			// have nothing to correlate with.
			r.log.DebugContext(mctx, "rpc.response.ignored")
		case "notification":
			r.handleNotification(mctx, msg)
		default:
			resp := r.handleRequest(mctx, msg)
			payload, err := json.Marshal(resp)
			if err != nil {
				return fmt.Errorf("marshal response: %w", err)
			}
			if err := sess.Send(ctx, payload); err != nil {
				if errors.Is(err, sessions.ErrSessionClosed) {
					return nil
				}
				return fmt.Errorf("send response: %w", err)
			}
		}
	}
}

func (r *Runtime) handleNotification(ctx context.Context, msg *jsonrpc.AnyMessage) {
	switch mcp.Method(msg.Method) {
	case mcp.InitializedNotificationMethod:
		r.log.InfoContext(ctx, "mcp.initialized")
	case mcp.CancelledNotificationMethod:
		r.log.DebugContext(ctx, "mcp.cancelled")
	default:
		r.log.DebugContext(ctx, "rpc.notification.ignored")
	}
}

func (r *Runtime) handleRequest(ctx context.Context, msg *jsonrpc.AnyMessage) *jsonrpc.Response {
	result, rpcErr := r.dispatch(ctx, msg)
	if rpcErr != nil {
		return rpcErr
	}
	resp, err := jsonrpc.NewResultResponse(msg.ID, result)
	if err != nil {
		r.log.ErrorContext(ctx, "rpc.result.marshal.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return resp
}

// dispatch resolves one request to a result or a JSON-RPC error response.
// Handler panics are contained to the failing request.
func (r *Runtime) dispatch(ctx context.Context, msg *jsonrpc.AnyMessage) (result any, rpcErr *jsonrpc.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.ErrorContext(ctx, "rpc.handler.panic", slog.Any("panic", rec))
			result = nil
			rpcErr = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
	}()

	switch mcp.Method(msg.Method) {
	case mcp.InitializeMethod:
		var req mcp.InitializeRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			return nil, jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil)
		}
		return r.initializeResult(ctx, &req), nil

	case mcp.PingMethod:
		return mcp.EmptyResult{}, nil

	case mcp.ToolsListMethod:
		return mcp.ListToolsResult{Tools: slices.Clone(r.tools)}, nil

	case mcp.ToolsCallMethod:
		var req mcp.CallToolRequestReceived
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			return nil, jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/call params", nil)
		}
		handler, ok := r.toolHandlers[req.Name]
		if !ok {
			return nil, jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("unknown tool: %s", req.Name), nil)
		}
		res, err := handler(ctx, &req)
		if err != nil {
			r.log.ErrorContext(ctx, "tool.call.fail", slog.String("tool", req.Name), slog.String("err", err.Error()))
			return nil, jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, "tool execution failed", nil)
		}
		return res, nil

	case mcp.ResourcesListMethod:
		if r.resources == nil {
			return mcp.ListResourcesResult{Resources: []mcp.Resource{}}, nil
		}
		list, err := r.resources.List(ctx)
		if err != nil {
			r.log.ErrorContext(ctx, "resources.list.fail", slog.String("err", err.Error()))
			return nil, jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, "failed to list resources", nil)
		}
		return mcp.ListResourcesResult{Resources: list}, nil

	case mcp.ResourcesReadMethod:
		var req mcp.ReadResourceRequest
		if err := json.Unmarshal(msg.Params, &req); err != nil {
			return nil, jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInvalidParams, "invalid resources/read params", nil)
		}
		if r.resources == nil {
			return nil, jsonrpc.NewErrorResponse(msg.ID, resourceNotFoundCode, "resource not found", map[string]string{"uri": req.URI})
		}
		contents, err := r.resources.Read(ctx, req.URI)
		if err != nil {
			if errors.Is(err, ErrResourceNotFound) {
				return nil, jsonrpc.NewErrorResponse(msg.ID, resourceNotFoundCode, "resource not found", map[string]string{"uri": req.URI})
			}
			r.log.ErrorContext(ctx, "resources.read.fail", slog.String("err", err.Error()))
			return nil, jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, "failed to read resource", nil)
		}
		return mcp.ReadResourceResult{Contents: contents}, nil

	default:
		return nil, jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", msg.Method), nil)
	}
}

func (r *Runtime) initializeResult(ctx context.Context, req *mcp.InitializeRequest) *mcp.InitializeResult {
	version := mcp.LatestProtocolVersion
	if slices.Contains(mcp.SupportedProtocolVersions, req.ProtocolVersion) {
		version = req.ProtocolVersion
	}
	r.log.InfoContext(ctx, "mcp.initialize",
		slog.String("client", req.ClientInfo.Name),
		slog.String("client_version", req.ClientInfo.Version),
		slog.String("protocol_version", version))

	caps := mcp.ServerCapabilities{
		Tools: &struct {
			ListChanged bool `json:"listChanged"`
		}{},
	}
	if r.resources != nil {
		_, watchable := r.resources.(ResourceWatcher)
		caps.Resources = &struct {
			ListChanged bool `json:"listChanged"`
			Subscribe   bool `json:"subscribe"`
		}{ListChanged: watchable}
	}

	return &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    caps,
		ServerInfo:      r.info,
		Instructions:    r.instructions,
	}
}

// Watch observes the resource provider for changes and broadcasts
// notifications/resources/list_changed to every live session. It blocks until
// ctx is canceled; callers run it as a background goroutine alongside the
// HTTP server. A Runtime without a watchable provider returns immediately.
func (r *Runtime) Watch(ctx context.Context) error {
	if r.resources == nil {
		return nil
	}
	watcher, ok := r.resources.(ResourceWatcher)
	if !ok {
		return nil
	}
	return watcher.Watch(ctx, func() {
		r.notifyResourcesChanged(ctx)
	})
}

func (r *Runtime) notifyResourcesChanged(ctx context.Context) {
	note, err := jsonrpc.NewNotification(string(mcp.ResourcesListChangedNotificationMethod), nil)
	if err != nil {
		return
	}
	payload, err := json.Marshal(note)
	if err != nil {
		return
	}

	r.mu.Lock()
	targets := make(map[*sessions.Session]context.Context, len(r.subs))
	for sess, sctx := range r.subs {
		targets[sess] = sctx
	}
	r.mu.Unlock()

	for sess, sctx := range targets {
		if err := sess.Send(sctx, payload); err != nil {
			// Session teardown races the broadcast; the transport cleans up.
			r.log.DebugContext(ctx, "resources.notify.skip",
				slog.String("session_id", sess.ID()),
				slog.String("err", err.Error()))
		}
	}
}

func (r *Runtime) addSub(ctx context.Context, sess *sessions.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sess] = ctx
}

func (r *Runtime) removeSub(sess *sessions.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, sess)
}

var _ streamhttp.Runner = (*Runtime)(nil)
