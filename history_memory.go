package durable

import (
	"context"
	"sync"
)

var _ HistoryStore = (*MemoryHistoryStore)(nil)

// MemoryHistoryStore keeps conversation history in process memory.
type MemoryHistoryStore struct {
	mutex         sync.RWMutex
	conversations map[string][]Message
}

func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{conversations: map[string][]Message{}}
}

func (s *MemoryHistoryStore) Load(ctx context.Context, conversationID string) ([]Message, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	messages := s.conversations[conversationID]
	result := make([]Message, len(messages))
	copy(result, messages)
	return result, nil
}

func (s *MemoryHistoryStore) Append(ctx context.Context, conversationID string, messages ...Message) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.conversations[conversationID] = append(s.conversations[conversationID], messages...)
	return nil
}
