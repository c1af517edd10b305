// Package mcpruntime implements a minimal MCP server runtime that drives a
// streamhttp session: it consumes decoded JSON-RPC messages from the session's
// inbound source, dispatches initialize/ping/tools/resources requests, and
// writes responses and server-initiated notifications to the outbound sink.
// One Runtime serves all sessions; Run is invoked once per connection by the
// transport.
package mcpruntime
