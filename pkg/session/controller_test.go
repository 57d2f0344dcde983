package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanvigunjal/multimodal-rag-client/pkg/chat"
	"github.com/tanvigunjal/multimodal-rag-client/pkg/events"
	"github.com/tanvigunjal/multimodal-rag-client/pkg/store"
	"github.com/tanvigunjal/multimodal-rag-client/pkg/streaming"
)

// fakeHandle hands the test direct control over callback delivery
// while honoring the no-callback-after-close contract.
type fakeHandle struct {
	mu         sync.Mutex
	cb         streaming.Callbacks
	closed     bool
	suppressed int
}

func (h *fakeHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.cb = streaming.Callbacks{}
}

func (h *fakeHandle) deliver(f func(cb streaming.Callbacks)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		h.suppressed++
		return
	}
	f(h.cb)
}

func (h *fakeHandle) sources(s []chat.Source) {
	h.deliver(func(cb streaming.Callbacks) { cb.OnSources(s) })
}
func (h *fakeHandle) token(tok string) {
	h.deliver(func(cb streaming.Callbacks) { cb.OnToken(tok) })
}
func (h *fakeHandle) end(full string) {
	h.deliver(func(cb streaming.Callbacks) { cb.OnEnd(full) })
}
func (h *fakeHandle) error(msg string) {
	h.deliver(func(cb streaming.Callbacks) { cb.OnError(msg) })
}

func (h *fakeHandle) suppressedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.suppressed
}

type fakeTransport struct {
	mu      sync.Mutex
	handles []*fakeHandle
	openErr error
}

func (f *fakeTransport) Open(_ context.Context, _ string, cb streaming.Callbacks) (streaming.Handle, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	h := &fakeHandle{cb: cb}
	f.mu.Lock()
	f.handles = append(f.handles, h)
	f.mu.Unlock()
	return h, nil
}

func (f *fakeTransport) last() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[len(f.handles)-1]
}

type collectSink struct {
	mu  sync.Mutex
	evs []events.Event
}

func (s *collectSink) PublishEvent(ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evs = append(s.evs, ev)
	return nil
}

func (s *collectSink) types() []events.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.EventType, 0, len(s.evs))
	for _, ev := range s.evs {
		out = append(out, ev.Type())
	}
	return out
}

type fakeTitler struct {
	title string
	err   error
	gate  chan struct{} // when non-nil, Summarize blocks until closed
}

func (f *fakeTitler) Summarize(ctx context.Context, _ string) (string, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.title, f.err
}

func newTestController(t *testing.T, options ...ControllerOption) (*Controller, *store.ConversationStore, *fakeTransport, *collectSink) {
	t.Helper()
	dsn, err := store.SQLiteDSNForFile(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	kv, err := store.NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	conversations := store.NewConversationStore(kv)
	transport := &fakeTransport{}
	sink := &collectSink{}

	options = append(options, WithSinks(sink))
	c := NewController(conversations, func(streaming.Mode) (streaming.Transport, error) {
		return transport, nil
	}, options...)
	return c, conversations, transport, sink
}

func lastMessage(t *testing.T, s *store.ConversationStore) chat.Message {
	t.Helper()
	conv, err := s.ActiveConversation()
	require.NoError(t, err)
	msg := conv.LastMessage()
	require.NotNil(t, msg)
	return *msg
}

func TestSendHappyPath(t *testing.T) {
	c, s, transport, sink := newTestController(t)

	require.NoError(t, c.Send(context.Background(), "What is X?", streaming.ModeSSE))
	assert.True(t, c.InputDisabled())

	h := transport.last()
	h.token("X ")
	h.token("is ")
	h.token("Y.")
	h.end("X is Y.")

	conv, err := s.ActiveConversation()
	require.NoError(t, err)
	require.Len(t, conv.Messages, 3, "welcome + user + answer")
	assert.Equal(t, "What is X?", conv.Messages[1].Text)
	assert.Equal(t, "X is Y.", conv.Messages[2].Text)
	assert.False(t, conv.Messages[2].IsError)
	assert.False(t, c.InputDisabled(), "input re-enabled after end")

	assert.Equal(t, []events.EventType{
		events.EventTypeStart,
		events.EventTypePartial,
		events.EventTypePartial,
		events.EventTypePartial,
		events.EventTypeFinal,
	}, sink.types())
}

func TestSendPersistsEveryToken(t *testing.T) {
	c, s, transport, _ := newTestController(t)

	require.NoError(t, c.Send(context.Background(), "q", streaming.ModeChunk))
	h := transport.last()

	h.token("Hel")
	assert.Equal(t, "Hel", lastMessage(t, s).Text)

	h.token("lo")
	assert.Equal(t, "Hello", lastMessage(t, s).Text)

	h.end("Hello")
	assert.Equal(t, "Hello", lastMessage(t, s).Text)
}

func TestSendAttachesSources(t *testing.T) {
	c, s, transport, _ := newTestController(t)

	require.NoError(t, c.Send(context.Background(), "q", streaming.ModeSSE))
	h := transport.last()

	page := 4
	h.sources([]chat.Source{{FileName: "a.pdf", Type: chat.SourceTypeText, PageNumber: &page}})
	h.token("answer")
	h.end("answer")

	msg := lastMessage(t, s)
	require.Len(t, msg.Sources, 1)
	assert.Equal(t, "a.pdf", msg.Sources[0].FileName)
}

func TestSendErrorFinalizesErrorMessage(t *testing.T) {
	c, s, transport, sink := newTestController(t)

	require.NoError(t, c.Send(context.Background(), "q", streaming.ModeSSE))
	h := transport.last()

	h.token("Hi")
	h.error("connection lost")

	msg := lastMessage(t, s)
	assert.Equal(t, "Error: connection lost", msg.Text, "error replaces the partial text")
	assert.True(t, msg.IsError)
	assert.False(t, c.InputDisabled(), "input re-enabled after error")

	types := sink.types()
	assert.Equal(t, events.EventTypeError, types[len(types)-1])
}

func TestSendRejectsEmptyQuery(t *testing.T) {
	c, _, _, _ := newTestController(t)
	assert.ErrorIs(t, c.Send(context.Background(), "   ", streaming.ModeSSE), ErrEmptyQuery)
}

func TestSendRejectsWhileStreaming(t *testing.T) {
	c, _, transport, _ := newTestController(t)

	require.NoError(t, c.Send(context.Background(), "first", streaming.ModeSSE))
	assert.ErrorIs(t, c.Send(context.Background(), "second", streaming.ModeSSE), ErrSendInFlight)

	transport.last().end("done")
	require.NoError(t, c.Send(context.Background(), "third", streaming.ModeSSE))
}

func TestCancelLeavesPartialDraft(t *testing.T) {
	c, s, transport, sink := newTestController(t)

	require.NoError(t, c.Send(context.Background(), "q", streaming.ModeSSE))
	h := transport.last()
	h.token("partial ans")

	c.Cancel()

	msg := lastMessage(t, s)
	assert.Equal(t, "partial ans", msg.Text, "cancel never finalizes")
	assert.False(t, msg.IsError, "cancellation is not an error")
	assert.False(t, c.InputDisabled())

	types := sink.types()
	assert.Equal(t, events.EventTypeInterrupt, types[len(types)-1])

	// events arriving after cancellation are suppressed by the handle
	h.token("late")
	h.end("late")
	assert.Equal(t, 2, h.suppressedCount())
	assert.Equal(t, "partial ans", lastMessage(t, s).Text)
}

func TestSendPublishesToContextSinks(t *testing.T) {
	c, _, transport, _ := newTestController(t)

	ctxSink := &collectSink{}
	ctx := events.WithEventSinks(context.Background(), ctxSink)

	require.NoError(t, c.Send(ctx, "q", streaming.ModeSSE))
	h := transport.last()
	h.token("hi")
	h.end("hi")

	assert.Equal(t, []events.EventType{
		events.EventTypeStart,
		events.EventTypePartial,
		events.EventTypeFinal,
	}, ctxSink.types())
}

func TestCancelIsIdempotentWhenIdle(t *testing.T) {
	c, _, _, sink := newTestController(t)
	c.Cancel()
	c.Cancel()
	assert.Empty(t, sink.types())
}

func TestOpenFailureFinalizesError(t *testing.T) {
	c, s, transport, _ := newTestController(t)
	transport.openErr = streaming.ErrNotAuthenticated

	err := c.Send(context.Background(), "q", streaming.ModeSSE)
	assert.ErrorIs(t, err, streaming.ErrNotAuthenticated)

	msg := lastMessage(t, s)
	assert.True(t, msg.IsError)
	assert.False(t, c.InputDisabled(), "input re-enabled after open failure")
}

func TestUserMessageSurvivesOpenFailure(t *testing.T) {
	c, s, transport, _ := newTestController(t)
	transport.openErr = streaming.ErrNotAuthenticated

	_ = c.Send(context.Background(), "What is X?", streaming.ModeSSE)

	conv, err := s.ActiveConversation()
	require.NoError(t, err)
	require.Len(t, conv.Messages, 3)
	assert.Equal(t, "What is X?", conv.Messages[1].Text)
}

func TestTitleGenerationRenamesByConversationID(t *testing.T) {
	gate := make(chan struct{})
	titler := &fakeTitler{title: "X Topics", gate: gate}
	c, s, transport, _ := newTestController(t, WithTitler(titler))

	require.NoError(t, c.Send(context.Background(), "What is X?", streaming.ModeSSE))
	first, err := s.ActiveConversation()
	require.NoError(t, err)
	transport.last().end("answer")

	// user moves on before the title arrives
	second, err := c.NewChat()
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	close(gate)

	require.Eventually(t, func() bool {
		conv, err := s.GetConversation(first.ID)
		return err == nil && conv.Title == "X Topics"
	}, 5*time.Second, 10*time.Millisecond, "title lands on the originating conversation")

	got, err := s.GetConversation(second.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.SentinelTitle, got.Title, "late title never touches the new conversation")
}

func TestTitleGenerationFailureKeepsSentinel(t *testing.T) {
	titler := &fakeTitler{err: context.DeadlineExceeded}
	c, s, transport, _ := newTestController(t, WithTitler(titler))

	require.NoError(t, c.Send(context.Background(), "What is X?", streaming.ModeSSE))
	conv, err := s.ActiveConversation()
	require.NoError(t, err)
	transport.last().end("answer")

	time.Sleep(50 * time.Millisecond)
	got, err := s.GetConversation(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.SentinelTitle, got.Title)
}

func TestSecondQueryDoesNotTriggerTitleAgain(t *testing.T) {
	titler := &fakeTitler{title: "First Topic"}
	c, s, transport, _ := newTestController(t, WithTitler(titler))

	require.NoError(t, c.Send(context.Background(), "first", streaming.ModeSSE))
	conv, err := s.ActiveConversation()
	require.NoError(t, err)
	transport.last().end("a1")

	require.Eventually(t, func() bool {
		got, err := s.GetConversation(conv.ID)
		return err == nil && got.Title == "First Topic"
	}, 5*time.Second, 10*time.Millisecond)

	titler.title = "Second Topic"
	require.NoError(t, c.Send(context.Background(), "second", streaming.ModeSSE))
	transport.last().end("a2")

	time.Sleep(50 * time.Millisecond)
	got, err := s.GetConversation(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "First Topic", got.Title)
}

func TestSwitchConversationCancelsStream(t *testing.T) {
	c, s, transport, _ := newTestController(t)

	other, err := s.CreateConversation()
	require.NoError(t, err)
	target, err := s.CreateConversation()
	require.NoError(t, err)
	require.NoError(t, s.SetActive(other.ID))

	require.NoError(t, c.Send(context.Background(), "q", streaming.ModeSSE))
	h := transport.last()
	h.token("partial")

	require.NoError(t, c.SwitchConversation(target.ID))
	assert.False(t, c.InputDisabled())

	h.end("done")
	assert.Equal(t, 1, h.suppressedCount())

	active, err := s.ActiveConversation()
	require.NoError(t, err)
	assert.Equal(t, target.ID, active.ID)
}

func TestSwitchToMissingConversation(t *testing.T) {
	c, _, _, _ := newTestController(t)
	err := c.SwitchConversation("chat_0000000000000")
	assert.ErrorIs(t, err, store.ErrNoConversation)
}

// eagerTransport finishes the whole stream on the calling goroutine
// before Open returns, the way a very short answer can on a real
// connection.
type eagerTransport struct{}

func (eagerTransport) Open(_ context.Context, _ string, cb streaming.Callbacks) (streaming.Handle, error) {
	cb.OnToken("X is Y.")
	cb.OnEnd("X is Y.")
	return &fakeHandle{}, nil
}

func TestCancelAfterStreamEndsDuringOpen(t *testing.T) {
	dsn, err := store.SQLiteDSNForFile(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	kv, err := store.NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	sink := &collectSink{}
	c := NewController(store.NewConversationStore(kv), func(streaming.Mode) (streaming.Transport, error) {
		return eagerTransport{}, nil
	}, WithSinks(sink))

	require.NoError(t, c.Send(context.Background(), "What is X?", streaming.ModeSSE))
	assert.False(t, c.InputDisabled(), "terminal transition already re-enabled input")

	c.Cancel()

	types := sink.types()
	require.NotEmpty(t, types)
	assert.Equal(t, events.EventTypeFinal, types[len(types)-1], "final stays the terminal event")
	assert.NotContains(t, types, events.EventTypeInterrupt, "cancel after a finished stream stays silent")
}
