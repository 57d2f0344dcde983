package streaming

import (
	"context"
	"net/http"
	"sync"

	"github.com/pkg/errors"

	"github.com/tanvigunjal/multimodal-rag-client/pkg/chat"
)

// Mode selects which wire protocol a transport speaks. Callers pick a
// mode once; everything past Open is protocol-agnostic.
type Mode string

const (
	ModeSSE   Mode = "sse"
	ModeChunk Mode = "chunk"
)

// ErrNotAuthenticated is returned by Open when no token is configured.
// The check happens before any connection is dialed.
var ErrNotAuthenticated = errors.New("not authenticated")

// Callbacks receives the events of one stream. All callbacks for a
// handle are invoked sequentially from a single goroutine; exactly one
// terminal callback (OnEnd or OnError) fires per stream, and none fire
// after Close returns. Callbacks must not call Close on their own
// handle.
type Callbacks struct {
	// OnSources delivers the citations for the answer, already
	// deduplicated. At most once per stream, before any tokens.
	OnSources func(sources []chat.Source)
	// OnToken delivers one answer fragment.
	OnToken func(token string)
	// OnEnd terminates the stream with the full accumulated answer.
	OnEnd func(full string)
	// OnError terminates the stream with a display-ready message.
	OnError func(msg string)
}

// Handle is one live stream. Close is idempotent, safe after natural
// termination, and guarantees no callback runs after it returns.
type Handle interface {
	Close()
}

// Transport opens streams against the backend.
type Transport interface {
	Open(ctx context.Context, query string, cb Callbacks) (Handle, error)
}

// Config carries what both transports need.
type Config struct {
	BaseURL string
	Token   string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// NewTransport returns the transport for the given mode.
func NewTransport(mode Mode, cfg Config) (Transport, error) {
	switch mode {
	case ModeSSE:
		return NewSSEStream(cfg), nil
	case ModeChunk:
		return NewChunkStream(cfg), nil
	default:
		return nil, errors.Errorf("unknown streaming mode %q", mode)
	}
}

// emitter serializes callback delivery and enforces the terminality
// and close guarantees shared by both transports. The mutex is held
// across the callback invocation, so Close blocks until an in-flight
// callback returns.
type emitter struct {
	mu       sync.Mutex
	cb       Callbacks
	closed   bool
	terminal bool
}

func (e *emitter) sources(sources []chat.Source) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.terminal {
		return
	}
	if e.cb.OnSources != nil {
		e.cb.OnSources(sources)
	}
}

func (e *emitter) token(tok string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.terminal {
		return
	}
	if e.cb.OnToken != nil {
		e.cb.OnToken(tok)
	}
}

func (e *emitter) end(full string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.terminal {
		return
	}
	e.terminal = true
	if e.cb.OnEnd != nil {
		e.cb.OnEnd(full)
	}
}

func (e *emitter) error(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.terminal {
		return
	}
	e.terminal = true
	if e.cb.OnError != nil {
		e.cb.OnError(msg)
	}
}

// close unregisters the callbacks. Returns false when already closed.
func (e *emitter) close() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.closed = true
	e.cb = Callbacks{}
	return true
}

func (e *emitter) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// streamHandle ties an emitter to the context cancel that tears the
// connection down.
type streamHandle struct {
	emitter
	cancel context.CancelFunc
}

func (h *streamHandle) Close() {
	if h.close() {
		h.cancel()
	}
}
