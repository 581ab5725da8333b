package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/mcp"
)

// ContentType is the media type of a rendered chunk stream.
const ContentType = "application/x-ndjson"

// Response renders a chunk stream as newline-delimited JSON-RPC responses,
// one self-contained envelope per chunk, all carrying the same request id.
type Response struct {
	id  json.RawMessage
	seq Seq
	log *slog.Logger
}

// ResponseOption configures a Response.
type ResponseOption func(*Response)

// WithResponseLogger sets the logger used to report write failures.
func WithResponseLogger(log *slog.Logger) ResponseOption {
	return func(r *Response) {
		if log != nil {
			r.log = log
		}
	}
}

// NewResponse prepares seq for rendering. id is the JSON encoding of the
// originating request id; nil renders as null.
func NewResponse(id json.RawMessage, seq Seq, opts ...ResponseOption) *Response {
	r := &Response{id: id, seq: seq, log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetHeaders applies the headers of an incremental, uncached, long-lived body.
func (r *Response) SetHeaders(h http.Header) {
	h.Set("Content-Type", ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

type envelope struct {
	JSONRPCVersion string             `json:"jsonrpc"`
	ID             json.RawMessage    `json:"id"`
	Result         mcp.StreamingChunk `json:"result"`
}

type flusher interface {
	Flush()
}

// Render writes every chunk of the guarded stream to w, flushing after each
// line when w supports it. A producer failure is written as one final error
// chunk, so a successful Render always ends with a terminal chunk. The
// returned error reports a failed write (typically a gone client) or
// cancellation of ctx.
func (r *Response) Render(ctx context.Context, w io.Writer) error {
	fl, _ := w.(flusher)
	id := r.id
	if len(id) == 0 {
		id = json.RawMessage("null")
	}

	for chunk := range Guard(ctx, r.seq) {
		line, err := json.Marshal(envelope{JSONRPCVersion: jsonrpc.ProtocolVersion, ID: id, Result: chunk})
		if err != nil {
			// The chunk itself could not be encoded; close with an error chunk instead.
			failed := Error(jsonrpc.ErrorCodeInternalError, fmt.Sprintf("failed to encode chunk: %v", err), nil)
			line, _ = json.Marshal(envelope{JSONRPCVersion: jsonrpc.ProtocolVersion, ID: id, Result: failed})
			if werr := r.writeLine(w, fl, line); werr != nil {
				return werr
			}
			return nil
		}
		if err := r.writeLine(w, fl, line); err != nil {
			r.log.WarnContext(ctx, "streaming.render.write_fail", slog.String("err", err.Error()))
			return err
		}
	}
	return ctx.Err()
}

func (r *Response) writeLine(w io.Writer, fl flusher, line []byte) error {
	line = append(line, '\n')
	if _, err := w.Write(line); err != nil {
		return err
	}
	if fl != nil {
		fl.Flush()
	}
	return nil
}
