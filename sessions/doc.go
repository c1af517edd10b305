// Package sessions holds the per-connection session object and the process-wide
// session registry that correlates inbound POSTs with live streams.
//
// A Session is created by the streaming transport when a client opens its GET
// stream. It carries two bounded queues: an inbound queue of decoded JSON-RPC
// messages (fed by the POST dispatcher, drained by the protocol runtime) and an
// outbound queue of envelopes (fed by the runtime, drained by the stream writer
// loop). Both directions preserve per-session FIFO order. A closed latch makes
// teardown observable to everything blocked on either queue.
//
// The Registry is the only state shared across connections. Lookups are
// lock-free reads; registering or removing one session never serializes
// traffic on unrelated sessions.
package sessions
