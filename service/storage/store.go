package storage

import (
	"context"
	"strconv"
	"sync"
	"time"

	"ChatGateway/tools/ids"
)

// Message is one persisted chat message.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Attachment     string
	CreatedAt      time.Time
}

// MessageStore is the external data store the gateway core consumes. The core
// only ever sees this interface; pgx backs it in production, MemoryStore in
// tests and single-process dev.
type MessageStore interface {
	SaveMessage(ctx context.Context, conversationID, senderID, content, attachment string) (*Message, error)
	MarkRead(ctx context.Context, messageID, userID string) error
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// MemoryStore keeps everything in maps; participants must be seeded by tests.
type MemoryStore struct {
	mu           sync.RWMutex
	messages     map[string]*Message
	reads        map[string]map[string]struct{} // messageID -> users
	participants map[string]map[string]struct{} // conversationID -> users
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:     make(map[string]*Message),
		reads:        make(map[string]map[string]struct{}),
		participants: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) SaveMessage(_ context.Context, conversationID, senderID, content, attachment string) (*Message, error) {
	m := &Message{
		ID:             strconv.FormatInt(ids.Generate(), 10),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Attachment:     attachment,
		CreatedAt:      time.Now().UTC(),
	}
	s.mu.Lock()
	s.messages[m.ID] = m
	s.mu.Unlock()
	return m, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, messageID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.reads[messageID]
	if r == nil {
		r = make(map[string]struct{})
		s.reads[messageID] = r
	}
	r[userID] = struct{}{}
	return nil
}

func (s *MemoryStore) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.participants[conversationID]
	if p == nil {
		return false, nil
	}
	_, ok := p[userID]
	return ok, nil
}

// AddParticipant seeds conversation membership (test/dev helper).
func (s *MemoryStore) AddParticipant(conversationID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.participants[conversationID]
	if p == nil {
		p = make(map[string]struct{})
		s.participants[conversationID] = p
	}
	p[userID] = struct{}{}
}

// WasRead reports whether userID read messageID (test helper).
func (s *MemoryStore) WasRead(messageID, userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.reads[messageID]
	if r == nil {
		return false
	}
	_, ok := r[userID]
	return ok
}
