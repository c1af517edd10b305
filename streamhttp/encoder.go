package streamhttp

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tmaxmax/go-sse"

	"github.com/ggoodman/mcp-sse-go/sessions"
)

// frameEncoder renders envelopes into wire frames for one live stream. Frames
// are flushed individually so intermediaries see them promptly. Implementations
// are not safe for concurrent use; the stream loop is the single writer.
type frameEncoder interface {
	WriteEnvelope(env sessions.Envelope) error
}

// sseEncoder frames envelopes as Server-Sent Events via go-sse.
//
// Wire shapes:
//
//	event: endpoint\ndata: <reply-to URL, byte-exact>\n\n
//	event: message\ndata: <single-line JSON>\n\n
//	: ping - <elapsed>\n\n
//	event: error\ndata: <single-line JSON>\n\n
//
// The endpoint payload is written exactly as constructed: not JSON-quoted and
// not percent-encoded. Clients concatenate data bytes verbatim, so any
// re-encoding here would corrupt the URL they POST back to.
type sseEncoder struct {
	sess *sse.Session
}

func newSSEEncoder(w http.ResponseWriter, r *http.Request) (*sseEncoder, error) {
	// go-sse sets Content-Type; the rest steer proxies away from buffering
	// or closing the idle stream.
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		return nil, fmt.Errorf("upgrade to event stream: %w", err)
	}
	return &sseEncoder{sess: sess}, nil
}

func (e *sseEncoder) WriteEnvelope(env sessions.Envelope) error {
	msg := &sse.Message{}
	switch env.Kind {
	case sessions.KindKeepalive:
		msg.AppendComment("ping - " + string(env.Payload))
	default:
		msg.Type = sse.Type(string(env.Kind))
		msg.AppendData(string(env.Payload))
	}
	if err := e.sess.Send(msg); err != nil {
		return fmt.Errorf("send %s frame: %w", env.Kind, err)
	}
	if err := e.sess.Flush(); err != nil {
		return fmt.Errorf("flush %s frame: %w", env.Kind, err)
	}
	return nil
}

// ndjsonEncoder frames envelopes as newline-delimited JSON: one object per
// line. The handshake is {"endpoint":"<reply-to URL>"}; keepalives are a bare
// newline, which line-splitting clients skip.
type ndjsonEncoder struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newNDJSONEncoder(w http.ResponseWriter) (*ndjsonEncoder, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", ndjsonMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &ndjsonEncoder{w: w, flusher: flusher}, nil
}

func (e *ndjsonEncoder) WriteEnvelope(env sessions.Envelope) error {
	var line []byte
	switch env.Kind {
	case sessions.KindEndpoint:
		b, err := json.Marshal(struct {
			Endpoint string `json:"endpoint"`
		}{Endpoint: string(env.Payload)})
		if err != nil {
			return fmt.Errorf("marshal endpoint line: %w", err)
		}
		line = b
	case sessions.KindKeepalive:
		line = nil
	default:
		line = env.Payload
	}
	if len(line) > 0 {
		if _, err := e.w.Write(line); err != nil {
			return fmt.Errorf("write %s line: %w", env.Kind, err)
		}
	}
	if _, err := e.w.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("write %s line: %w", env.Kind, err)
	}
	e.flusher.Flush()
	return nil
}

var (
	_ frameEncoder = (*sseEncoder)(nil)
	_ frameEncoder = (*ndjsonEncoder)(nil)
)
