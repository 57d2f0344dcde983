package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tanvigunjal/multimodal-rag-client/pkg/chat"
)

// Record keys for the persistence layout: one JSON map of all
// conversations, plus scalar pointers.
const (
	HistoryKey    = "chatHistory"
	ActiveChatKey = "activeChatId"
	AuthTokenKey  = "authToken"
)

// PersistentStore is the durable key-value layer under the
// conversation store. The backing file is shared external state (any
// number of client processes may hold it open), so higher layers must
// re-load immediately before every merge-and-write.
type PersistentStore interface {
	// LoadHistory returns the full conversation map. A missing record
	// yields an empty map, not an error.
	LoadHistory() (map[string]*chat.Conversation, error)
	// SaveHistory overwrites the conversation map record.
	SaveHistory(history map[string]*chat.Conversation) error
	// Get returns a scalar record; ok is false when the key is absent.
	Get(key string) (value string, ok bool, err error)
	// Set writes a scalar record.
	Set(key, value string) error
	// DeleteKey removes a scalar record.
	DeleteKey(key string) error
	Close() error
}

const sqliteKVSchemaV1 = `
CREATE TABLE IF NOT EXISTS kv_records (
    key TEXT PRIMARY KEY,
    payload_json TEXT NOT NULL,
    updated_at_ms INTEGER NOT NULL DEFAULT 0
);
`

// SQLiteStore persists records in a SQLite database, one JSON payload
// per key. Keeping the whole history map in a single row preserves the
// store's key-value contract while the domain schema can evolve
// without SQL column churn.
type SQLiteStore struct {
	mu     sync.Mutex
	dsn    string
	db     *sql.DB
	closed bool
}

var _ PersistentStore = (*SQLiteStore)(nil)

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{
		dsn: dsn,
		db:  db,
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile builds a DSN with WAL journaling and a busy timeout
// so concurrent client instances degrade to waiting instead of
// failing.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (s *SQLiteStore) migrate() error {
	if s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	if _, err := s.db.Exec(sqliteKVSchemaV1); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) LoadHistory() (map[string]*chat.Conversation, error) {
	payload, ok, err := s.Get(HistoryKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]*chat.Conversation{}, nil
	}

	history := map[string]*chat.Conversation{}
	if err := json.Unmarshal([]byte(payload), &history); err != nil {
		return nil, errors.Wrap(err, "sqlite store: corrupt history record")
	}
	return history, nil
}

func (s *SQLiteStore) SaveHistory(history map[string]*chat.Conversation) error {
	payload, err := json.Marshal(history)
	if err != nil {
		return err
	}
	log.Trace().Int("num_conversations", len(history)).Msg("saving chat history")
	return s.Set(HistoryKey, string(payload))
}

func (s *SQLiteStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return "", false, err
	}

	var payload string
	err := s.db.QueryRow(`SELECT payload_json FROM kv_records WHERE key = ?`, key).Scan(&payload)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return payload, true, nil
}

func (s *SQLiteStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO kv_records (key, payload_json, updated_at_ms)
VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET payload_json = excluded.payload_json, updated_at_ms = excluded.updated_at_ms`,
		key,
		value,
		time.Now().UnixMilli(),
	)
	return err
}

func (s *SQLiteStore) DeleteKey(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM kv_records WHERE key = ?`, key)
	return err
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) ensureOpen() error {
	if s.closed {
		return errors.New("sqlite store closed")
	}
	if s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	return nil
}
