package chat

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// SentinelTitle is the title a conversation carries until title
// generation (or an explicit rename) replaces it.
const SentinelTitle = "New Chat"

// WelcomeText seeds every new conversation with a single bot message so
// that a conversation is never empty.
const WelcomeText = "Hello! Ask me anything about your documents."

// conversationIDPrefix + unix millis gives ids that sort lexically by
// creation time.
const conversationIDPrefix = "chat_"

// Message is one entry in a conversation. Bot messages start as drafts
// (empty text, no sources) and are replaced wholesale as stream events
// arrive; they are never patched field by field.
type Message struct {
	Sender  Sender   `json:"sender"`
	Text    string   `json:"text"`
	Sources []Source `json:"sources,omitempty"`
	// IsError marks a finalized error message so renderers can
	// distinguish it from a normal answer.
	IsError bool `json:"isError,omitempty"`
}

// Conversation is the persisted unit: an id, a title and an ordered
// message sequence.
type Conversation struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Messages []Message `json:"messages"`
}

// NewUserMessage returns a finalized user message.
func NewUserMessage(text string) Message {
	return Message{Sender: SenderUser, Text: text}
}

// NewDraftBotMessage returns the empty draft appended before any
// network event arrives.
func NewDraftBotMessage() Message {
	return Message{Sender: SenderBot, Text: "", Sources: []Source{}}
}

// NewConversation allocates a conversation seeded with the welcome
// message.
func NewConversation(id string) *Conversation {
	return &Conversation{
		ID:    id,
		Title: SentinelTitle,
		Messages: []Message{
			{Sender: SenderBot, Text: WelcomeText},
		},
	}
}

// HasUserMessages reports whether the user ever wrote into this
// conversation. A conversation with only the synthetic welcome message
// is considered empty for the "new chat is a no-op" policy.
func (c *Conversation) HasUserMessages() bool {
	for _, m := range c.Messages {
		if m.Sender == SenderUser {
			return true
		}
	}
	return false
}

// LastMessage returns a pointer to the final message, or nil when the
// sequence is empty.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

var (
	idMu     sync.Mutex
	lastIDMs int64
)

// NewConversationID returns "chat_<unix-millis>". Ids are strictly
// monotonic within a process: two calls in the same millisecond get
// consecutive values, so lexical order always matches creation order.
func NewConversationID() string {
	idMu.Lock()
	defer idMu.Unlock()

	ms := time.Now().UnixMilli()
	if ms <= lastIDMs {
		ms = lastIDMs + 1
	}
	lastIDMs = ms

	return fmt.Sprintf("%s%d", conversationIDPrefix, ms)
}

// IsConversationID reports whether s looks like an id allocated by
// NewConversationID.
func IsConversationID(s string) bool {
	return strings.HasPrefix(s, conversationIDPrefix) && len(s) > len(conversationIDPrefix)
}

// SortIDsByRecency orders conversation ids newest first. The numeric
// timestamp suffix makes plain string comparison correct for same-width
// ids; compare by length first so the scheme survives the digit
// rollover.
func SortIDsByRecency(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) > len(ids[j])
		}
		return ids[i] > ids[j]
	})
}
