package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tanvigunjal/multimodal-rag-client/pkg/chat"
	"github.com/tanvigunjal/multimodal-rag-client/pkg/client"
	"github.com/tanvigunjal/multimodal-rag-client/pkg/events"
	"github.com/tanvigunjal/multimodal-rag-client/pkg/store"
	"github.com/tanvigunjal/multimodal-rag-client/pkg/streaming"
)

var (
	// ErrEmptyQuery rejects blank submissions before anything mutates.
	ErrEmptyQuery = errors.New("query is empty")
	// ErrSendInFlight rejects a send while another is streaming.
	ErrSendInFlight = errors.New("a send is already in flight")
)

// TransportFactory builds the transport for one send. The controller
// asks for a fresh transport per query so mode can change between
// sends.
type TransportFactory func(mode streaming.Mode) (streaming.Transport, error)

// Titler generates a conversation title from the first query. It is
// the only backend capability the controller needs beyond streaming;
// *client.Client satisfies it.
type Titler interface {
	Summarize(ctx context.Context, query string) (string, error)
}

var _ Titler = (*client.Client)(nil)

// titleTimeout bounds the asynchronous summarization call.
const titleTimeout = 30 * time.Second

// Controller owns the life of one chat session: it accepts queries,
// drives the active conversation's draft message from stream events,
// finalizes or errors it, and keeps at most one transport in flight.
// All stream events are republished to the registered sinks so a
// renderer observes the same sequence the store does.
type Controller struct {
	store   *store.ConversationStore
	factory TransportFactory
	titler  Titler
	sinks   []events.EventSink

	mu            sync.Mutex
	handle        streaming.Handle
	inputDisabled bool
	current       *streamState
}

// streamState accumulates the draft answer of one in-flight stream.
// Callbacks for one handle are serialized, so only cross-goroutine
// reads (Cancel's interrupt event) need the mutex.
type streamState struct {
	conversationID string
	ctx            context.Context
	meta           events.EventMetadata

	mu      sync.Mutex
	text    strings.Builder
	sources []chat.Source

	// finished is guarded by Controller.mu, not st.mu: it is what Send
	// checks before installing the handle, so it has to share a lock
	// with c.handle and c.current.
	finished bool
}

func (st *streamState) snapshot() (string, []chat.Source) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.text.String(), st.sources
}

type ControllerOption func(*Controller)

// WithSinks registers event sinks the controller republishes to.
func WithSinks(sinks ...events.EventSink) ControllerOption {
	return func(c *Controller) {
		c.sinks = append(c.sinks, sinks...)
	}
}

// WithTitler enables asynchronous title generation.
func WithTitler(t Titler) ControllerOption {
	return func(c *Controller) {
		c.titler = t
	}
}

func NewController(conversations *store.ConversationStore, factory TransportFactory, options ...ControllerOption) *Controller {
	c := &Controller{
		store:   conversations,
		factory: factory,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// InputDisabled reports whether a send is in flight.
func (c *Controller) InputDisabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputDisabled
}

// Send submits a query against the active conversation and streams
// the answer into its draft message. It returns once the stream is
// open; events arrive asynchronously until the terminal transition
// re-enables input. The user's message is persisted before the network
// is touched, so it survives any transport failure.
func (c *Controller) Send(ctx context.Context, query string, mode streaming.Mode) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return ErrEmptyQuery
	}

	c.mu.Lock()
	if c.inputDisabled {
		c.mu.Unlock()
		return ErrSendInFlight
	}
	c.inputDisabled = true
	old := c.handle
	c.handle = nil
	c.mu.Unlock()

	// The previous stream must be fully closed before a new one opens
	// so an abandoned stream can never write into the new draft.
	if old != nil {
		old.Close()
	}

	conv, err := c.store.ActiveConversation()
	if err != nil {
		c.reenableInput()
		return errors.Wrap(err, "resolving active conversation")
	}
	needsTitle := conv.Title == chat.SentinelTitle && !conv.HasUserMessages()

	if err := c.store.AppendMessage(conv.ID, chat.NewUserMessage(query)); err != nil {
		c.reenableInput()
		return errors.Wrap(err, "persisting user message")
	}
	if err := c.store.AppendMessage(conv.ID, chat.NewDraftBotMessage()); err != nil {
		c.reenableInput()
		return errors.Wrap(err, "persisting draft message")
	}

	st := &streamState{
		conversationID: conv.ID,
		ctx:            ctx,
		meta: events.EventMetadata{
			ID:             uuid.New(),
			ConversationID: conv.ID,
			Mode:           string(mode),
		},
	}

	c.publish(ctx, events.NewStartEvent(st.meta))

	transport, err := c.factory(mode)
	if err == nil {
		var h streaming.Handle
		h, err = transport.Open(ctx, query, streaming.Callbacks{
			OnSources: func(sources []chat.Source) { c.onSources(st, sources) },
			OnToken:   func(tok string) { c.onToken(st, tok) },
			OnEnd:     func(full string) { c.onEnd(st, full) },
			OnError:   func(msg string) { c.onError(st, msg) },
		})
		if err == nil {
			c.mu.Lock()
			if st.finished {
				// The terminal callback already ran on the reader
				// goroutine before Open returned. Installing the handle
				// now would let a later Cancel publish an interrupt
				// after the final event.
				c.mu.Unlock()
				h.Close()
			} else {
				c.handle = h
				c.current = st
				c.mu.Unlock()
			}
		}
	}
	if err != nil {
		// Open never fired a callback, so the draft is still empty;
		// finalize it as an error message ourselves.
		c.onError(st, err.Error())
		return err
	}

	if needsTitle && c.titler != nil {
		go c.generateTitle(conv.ID, query)
	}
	return nil
}

func (c *Controller) onSources(st *streamState, sources []chat.Source) {
	st.mu.Lock()
	st.sources = sources
	st.mu.Unlock()

	// an empty citation list is a transient state not worth persisting
	if len(sources) > 0 {
		c.persistPartial(st)
	}
	c.publish(st.ctx, events.NewSourcesEvent(st.meta, sources))
}

func (c *Controller) onToken(st *streamState, tok string) {
	st.mu.Lock()
	st.text.WriteString(tok)
	completion := st.text.String()
	st.mu.Unlock()

	// eager per-token persistence: a crash loses at most one token
	c.persistPartial(st)
	c.publish(st.ctx, events.NewPartialEvent(st.meta, tok, completion))
}

func (c *Controller) onEnd(st *streamState, full string) {
	_, sources := st.snapshot()
	final := chat.Message{Sender: chat.SenderBot, Text: full, Sources: sources}
	if err := c.store.OverwriteLastMessage(st.conversationID, final); err != nil {
		log.Error().Err(err).Str("conversation_id", st.conversationID).Msg("committing final message failed")
	}
	c.publish(st.ctx, events.NewFinalEvent(st.meta, full, sources))
	c.finishStream(st)
}

func (c *Controller) onError(st *streamState, msg string) {
	final := chat.Message{
		Sender:  chat.SenderBot,
		Text:    fmt.Sprintf("Error: %s", msg),
		IsError: true,
	}
	if err := c.store.OverwriteLastMessage(st.conversationID, final); err != nil {
		log.Error().Err(err).Str("conversation_id", st.conversationID).Msg("committing error message failed")
	}
	c.publish(st.ctx, events.NewErrorEvent(st.meta, errors.New(msg)))
	c.finishStream(st)
}

func (c *Controller) persistPartial(st *streamState) {
	text, sources := st.snapshot()
	partial := chat.Message{Sender: chat.SenderBot, Text: text, Sources: sources}
	if err := c.store.OverwriteLastMessage(st.conversationID, partial); err != nil {
		log.Warn().Err(err).Str("conversation_id", st.conversationID).Msg("persisting partial answer failed")
	}
}

// finishStream is the unconditional tail of every terminal transition:
// input is re-enabled no matter how the stream ended. Marking the state
// finished keeps Send from installing a handle whose stream already
// ended while Open was still returning.
func (c *Controller) finishStream(st *streamState) {
	c.mu.Lock()
	st.finished = true
	c.handle = nil
	c.current = nil
	c.inputDisabled = false
	c.mu.Unlock()
}

func (c *Controller) reenableInput() {
	c.mu.Lock()
	c.inputDisabled = false
	c.mu.Unlock()
}

// Cancel closes the in-flight stream, if any, without finalizing the
// draft. The partial answer stays in the store as-is; cancellation is
// not an error and never produces an error message.
func (c *Controller) Cancel() {
	c.mu.Lock()
	h := c.handle
	st := c.current
	c.handle = nil
	c.current = nil
	c.inputDisabled = false
	c.mu.Unlock()

	if h == nil {
		return
	}
	h.Close()
	if st != nil {
		text, _ := st.snapshot()
		c.publish(st.ctx, events.NewInterruptEvent(st.meta, text))
	}
}

// SwitchConversation cancels any in-flight stream and repoints the
// active conversation.
func (c *Controller) SwitchConversation(id string) error {
	if _, err := c.store.GetConversation(id); err != nil {
		return err
	}
	c.Cancel()
	return c.store.SetActive(id)
}

// NewChat cancels any in-flight stream and makes a fresh conversation
// active. Asking for a new chat while the current one is still
// untouched reuses it.
func (c *Controller) NewChat() (*chat.Conversation, error) {
	c.Cancel()
	return c.store.NewChat()
}

// generateTitle runs the asynchronous summarization side effect. The
// store write is keyed by the conversation id captured at send time,
// so a late title can never land on a conversation the user has since
// switched to.
func (c *Controller) generateTitle(conversationID string, query string) {
	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	title, err := c.titler.Summarize(ctx, query)
	if err != nil {
		log.Debug().Err(err).Str("conversation_id", conversationID).Msg("title generation failed, keeping sentinel")
		return
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return
	}
	if err := c.store.RenameConversation(conversationID, title); err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("writing generated title failed")
	}
}

// publish fans the event out to the controller's registered sinks and
// to any sinks carried by the send's context.
func (c *Controller) publish(ctx context.Context, ev events.Event) {
	for _, sink := range c.sinks {
		if err := sink.PublishEvent(ev); err != nil {
			log.Warn().Err(err).Str("event_type", string(ev.Type())).Msg("publishing event to sink failed")
		}
	}
	if ctx != nil {
		events.PublishEventToContext(ctx, ev)
	}
}
