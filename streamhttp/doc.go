// Package streamhttp implements a session-addressed streaming HTTP transport
// for MCP. It mounts as a standard net/http handler and turns two one-way HTTP
// exchanges into one logical duplex conversation: a long-lived GET response
// streams server-to-client frames (SSE or NDJSON), while client-to-server
// messages arrive as separate POSTs correlated to the stream by a session_id
// query parameter.
//
// Responsibilities
//   - Session minting & registration (sessions.Registry; registered before the
//     handshake frame is flushed so an immediate POST cannot race the stream)
//   - Handshake announcement of the per-session reply-to URL as the first frame
//   - Single-writer stream loop: outbound envelopes, idle keepalives, prompt
//     teardown on disconnect
//   - Inbound dispatch: decode, validate, and forward POSTed JSON-RPC messages
//     to the owning session with a bounded wait
//
// Construction
//
//	h, err := streamhttp.New(
//	    runner, // drives the protocol conversation per session
//	    streamhttp.WithEncoding(streamhttp.EncodingSSE),
//	    streamhttp.WithStreamPath("/sse"),
//	    streamhttp.WithMessagePath("/messages"),
//	)
//
// Each Handler owns one transport configuration and one registry; processes
// that expose both SSE and NDJSON mount two handlers. All state lives on the
// Handler, so construction at startup replaces any notion of a process-global
// transport.
//
// The protocol runtime is a collaborator behind the Runner interface: the
// transport hands it a per-connection inbound source and outbound sink and
// otherwise treats message payloads as opaque.
package streamhttp
