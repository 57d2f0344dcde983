package store

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tanvigunjal/multimodal-rag-client/pkg/chat"
)

// ErrNoConversation is returned when a conversation id is expected to
// exist but cannot be recovered.
var ErrNoConversation = errors.New("conversation not found")

// ConversationStore owns CRUD over conversations on top of a
// PersistentStore. Every mutation follows read-merge-write: the full
// history map is re-loaded from the durable store immediately before
// the mutated conversation is merged back into it, so writes landed by
// another client instance in the meantime survive. This is the only
// concurrency control on the shared store; conflicts on the same
// conversation resolve last-write-wins.
type ConversationStore struct {
	kv PersistentStore
}

func NewConversationStore(kv PersistentStore) *ConversationStore {
	return &ConversationStore{kv: kv}
}

// commit merges a single conversation slot into a freshly loaded
// history map and writes the map back.
func (s *ConversationStore) commit(conv *chat.Conversation) error {
	history, err := s.kv.LoadHistory()
	if err != nil {
		return err
	}
	history[conv.ID] = conv
	return s.kv.SaveHistory(history)
}

// CreateConversation allocates a fresh conversation, seeds it with the
// welcome message, makes it active and persists it.
func (s *ConversationStore) CreateConversation() (*chat.Conversation, error) {
	conv := chat.NewConversation(chat.NewConversationID())
	if err := s.commit(conv); err != nil {
		return nil, err
	}
	if err := s.kv.Set(ActiveChatKey, conv.ID); err != nil {
		return nil, err
	}
	log.Debug().Str("conversation_id", conv.ID).Msg("created conversation")
	return conv, nil
}

// NewChat returns the conversation a "new chat" action should land in.
// When the active conversation holds nothing but the synthetic welcome
// message it is reused, so repeated clicks do not accumulate empty
// conversations.
func (s *ConversationStore) NewChat() (*chat.Conversation, error) {
	active, err := s.ActiveConversation()
	if err == nil && active != nil && !active.HasUserMessages() {
		return active, nil
	}
	return s.CreateConversation()
}

// GetConversation loads a single conversation by id.
func (s *ConversationStore) GetConversation(id string) (*chat.Conversation, error) {
	history, err := s.kv.LoadHistory()
	if err != nil {
		return nil, err
	}
	conv, ok := history[id]
	if !ok {
		return nil, ErrNoConversation
	}
	return conv, nil
}

// ActiveConversation resolves the active pointer. A dangling or absent
// pointer is recovered by creating a fresh conversation, never
// surfaced as a fatal error.
func (s *ConversationStore) ActiveConversation() (*chat.Conversation, error) {
	id, ok, err := s.kv.Get(ActiveChatKey)
	if err != nil {
		return nil, err
	}
	if ok {
		conv, err := s.GetConversation(id)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, ErrNoConversation) {
			return nil, err
		}
		log.Warn().Str("conversation_id", id).Msg("active conversation missing from store, creating a fresh one")
	}
	return s.CreateConversation()
}

// SetActive repoints the active conversation.
func (s *ConversationStore) SetActive(id string) error {
	return s.kv.Set(ActiveChatKey, id)
}

// AppendMessage appends to the target conversation's message sequence.
// A missing conversation id is recovered by seeding a fresh
// conversation under that id so the caller's keyed write still lands.
func (s *ConversationStore) AppendMessage(id string, msg chat.Message) error {
	conv, err := s.GetConversation(id)
	if errors.Is(err, ErrNoConversation) {
		log.Warn().Str("conversation_id", id).Msg("append into missing conversation, re-seeding")
		conv = chat.NewConversation(id)
		err = nil
	}
	if err != nil {
		return err
	}
	conv.Messages = append(conv.Messages, msg)
	return s.commit(conv)
}

// OverwriteLastMessage replaces the final element of the message
// sequence, converting a draft bot message into its finalized form
// without creating a duplicate entry. It is a no-op when the target
// conversation is missing or empty.
func (s *ConversationStore) OverwriteLastMessage(id string, msg chat.Message) error {
	conv, err := s.GetConversation(id)
	if errors.Is(err, ErrNoConversation) {
		log.Warn().Str("conversation_id", id).Msg("overwrite into missing conversation, dropping")
		return nil
	}
	if err != nil {
		return err
	}
	if len(conv.Messages) == 0 {
		return nil
	}
	conv.Messages[len(conv.Messages)-1] = msg
	return s.commit(conv)
}

// RenameConversation sets the title of the conversation with the given
// id. Title generation uses this keyed write so a late result cannot
// land on whatever conversation happens to be active.
func (s *ConversationStore) RenameConversation(id string, title string) error {
	conv, err := s.GetConversation(id)
	if err != nil {
		return err
	}
	conv.Title = title
	return s.commit(conv)
}

// DeleteConversation removes the slot. When the deleted conversation
// was active, the most recently created remaining conversation becomes
// active; with nothing left a fresh conversation is created.
func (s *ConversationStore) DeleteConversation(id string) error {
	history, err := s.kv.LoadHistory()
	if err != nil {
		return err
	}
	if _, ok := history[id]; !ok {
		return ErrNoConversation
	}
	delete(history, id)
	if err := s.kv.SaveHistory(history); err != nil {
		return err
	}

	activeID, ok, err := s.kv.Get(ActiveChatKey)
	if err != nil {
		return err
	}
	if !ok || activeID != id {
		return nil
	}

	ids := make([]string, 0, len(history))
	for cid := range history {
		ids = append(ids, cid)
	}
	if len(ids) == 0 {
		_, err := s.CreateConversation()
		return err
	}
	chat.SortIDsByRecency(ids)
	log.Debug().Str("deleted", id).Str("new_active", ids[0]).Msg("reassigned active conversation")
	return s.kv.Set(ActiveChatKey, ids[0])
}

// ListRecent returns all conversations ordered newest first.
func (s *ConversationStore) ListRecent() ([]*chat.Conversation, error) {
	history, err := s.kv.LoadHistory()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(history))
	for id := range history {
		ids = append(ids, id)
	}
	chat.SortIDsByRecency(ids)

	out := make([]*chat.Conversation, 0, len(ids))
	for _, id := range ids {
		out = append(out, history[id])
	}
	return out, nil
}
