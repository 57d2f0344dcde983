package streaming

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanvigunjal/multimodal-rag-client/pkg/chat"
)

// recorder captures the callback sequence of one stream.
type recorder struct {
	mu      sync.Mutex
	sources [][]chat.Source
	tokens  []string
	ends    []string
	errs    []string
	done    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnSources: func(s []chat.Source) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.sources = append(r.sources, s)
		},
		OnToken: func(tok string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.tokens = append(r.tokens, tok)
		},
		OnEnd: func(full string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.ends = append(r.ends, full)
			close(r.done)
		},
		OnError: func(msg string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, msg)
			close(r.done)
		},
	}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never terminated")
	}
}

func (r *recorder) snapshot() (sources [][]chat.Source, tokens, ends, errs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sources, r.tokens, r.ends, r.errs
}

func writeSSE(t *testing.T, w http.ResponseWriter, name, data string) {
	t.Helper()
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	require.NoError(t, err)
	w.(http.Flusher).Flush()
}

func TestSSEStreamHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "what is RAG?", r.URL.Query().Get("query"))
		assert.Equal(t, "tok-1", r.URL.Query().Get("token"))

		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(t, w, "sources", `[{"file_name":"a.pdf","type":"text","page_number":1},{"file_name":"a.pdf","type":"text","page_number":1}]`)
		writeSSE(t, w, "token", `"Retrieval"`)
		writeSSE(t, w, "token", `"-augmented "`)
		writeSSE(t, w, "token", `"generation."`)
		writeSSE(t, w, "end", "Stream ended")
	}))
	defer srv.Close()

	rec := newRecorder()
	tr := NewSSEStream(Config{BaseURL: srv.URL, Token: "tok-1"})
	h, err := tr.Open(context.Background(), "what is RAG?", rec.callbacks())
	require.NoError(t, err)
	rec.wait(t)
	h.Close()

	sources, tokens, ends, errs := rec.snapshot()
	require.Len(t, sources, 1)
	assert.Len(t, sources[0], 1, "duplicate citations are collapsed")
	assert.Equal(t, []string{"Retrieval", "-augmented ", "generation."}, tokens)
	require.Len(t, ends, 1)
	assert.Equal(t, "Retrieval-augmented generation.", ends[0])
	assert.Empty(t, errs)
}

func TestSSEMalformedEventsAreDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(t, w, "token", `"good "`)
		writeSSE(t, w, "token", `not json at all`)
		writeSSE(t, w, "sources", `{broken`)
		writeSSE(t, w, "token", `"answer"`)
		writeSSE(t, w, "end", "Stream ended")
	}))
	defer srv.Close()

	rec := newRecorder()
	tr := NewSSEStream(Config{BaseURL: srv.URL, Token: "t"})
	_, err := tr.Open(context.Background(), "q", rec.callbacks())
	require.NoError(t, err)
	rec.wait(t)

	_, tokens, ends, errs := rec.snapshot()
	assert.Equal(t, []string{"good ", "answer"}, tokens)
	require.Len(t, ends, 1)
	assert.Equal(t, "good answer", ends[0])
	assert.Empty(t, errs)
}

func TestSSETooManyConsecutiveMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(t, w, "token", `"fine"`)
		for i := 0; i < maxConsecutiveMalformed; i++ {
			writeSSE(t, w, "token", `{{{`)
		}
		// never reached by the reader
		writeSSE(t, w, "end", "Stream ended")
	}))
	defer srv.Close()

	rec := newRecorder()
	tr := NewSSEStream(Config{BaseURL: srv.URL, Token: "t"})
	_, err := tr.Open(context.Background(), "q", rec.callbacks())
	require.NoError(t, err)
	rec.wait(t)

	_, tokens, ends, errs := rec.snapshot()
	assert.Equal(t, []string{"fine"}, tokens)
	assert.Empty(t, ends)
	require.Len(t, errs, 1)
	assert.Equal(t, "too many malformed events", errs[0])
}

func TestSSEUnknownEventsIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(t, w, "heartbeat", `{}`)
		writeSSE(t, w, "token", `"hi"`)
		writeSSE(t, w, "end", "Stream ended")
	}))
	defer srv.Close()

	rec := newRecorder()
	tr := NewSSEStream(Config{BaseURL: srv.URL, Token: "t"})
	_, err := tr.Open(context.Background(), "q", rec.callbacks())
	require.NoError(t, err)
	rec.wait(t)

	_, tokens, ends, errs := rec.snapshot()
	assert.Equal(t, []string{"hi"}, tokens)
	assert.Len(t, ends, 1)
	assert.Empty(t, errs)
}

func TestSSEOpenWithoutToken(t *testing.T) {
	tr := NewSSEStream(Config{BaseURL: "http://127.0.0.1:1"})
	_, err := tr.Open(context.Background(), "q", Callbacks{})
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestSSEOpenSurfacesServerDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Could not validate credentials"}`))
	}))
	defer srv.Close()

	tr := NewSSEStream(Config{BaseURL: srv.URL, Token: "expired"})
	_, err := tr.Open(context.Background(), "q", Callbacks{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Could not validate credentials")
}

func TestSSEConnectionDropWithoutEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(t, w, "token", `"partial"`)
		// handler returns without an end event, dropping the connection
	}))
	defer srv.Close()

	rec := newRecorder()
	tr := NewSSEStream(Config{BaseURL: srv.URL, Token: "t"})
	_, err := tr.Open(context.Background(), "q", rec.callbacks())
	require.NoError(t, err)
	rec.wait(t)

	_, tokens, ends, errs := rec.snapshot()
	assert.Equal(t, []string{"partial"}, tokens)
	assert.Empty(t, ends)
	require.Len(t, errs, 1)
	assert.Equal(t, "connection lost", errs[0])
}

func TestSSECloseSuppressesLaterCallbacks(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(t, w, "token", `"first"`)
		<-release
		writeSSE(t, w, "token", `"late"`)
		writeSSE(t, w, "end", "Stream ended")
	}))
	defer srv.Close()
	defer close(release)

	firstToken := make(chan struct{})
	var once sync.Once
	rec := newRecorder()
	cb := rec.callbacks()
	inner := cb.OnToken
	cb.OnToken = func(tok string) {
		inner(tok)
		once.Do(func() { close(firstToken) })
	}

	tr := NewSSEStream(Config{BaseURL: srv.URL, Token: "t"})
	h, err := tr.Open(context.Background(), "q", cb)
	require.NoError(t, err)

	select {
	case <-firstToken:
	case <-time.After(5 * time.Second):
		t.Fatal("first token never arrived")
	}

	h.Close()
	h.Close() // idempotent

	// give the reader goroutine time to observe the late events
	time.Sleep(100 * time.Millisecond)

	_, tokens, ends, errs := rec.snapshot()
	assert.Equal(t, []string{"first"}, tokens)
	assert.Empty(t, ends)
	assert.Empty(t, errs)
}

func TestParseSSEEventMultilineData(t *testing.T) {
	lines := [][]byte{
		[]byte("event: token\n"),
		[]byte("data: \"a\n"),
		[]byte("data: b\"\n"),
	}
	ev := parseSSEEvent(lines)
	assert.Equal(t, "token", ev.name)
	assert.Equal(t, "\"a\nb\"", ev.data, "data lines join with newlines")
}
