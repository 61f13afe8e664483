package conversation

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	messages []Message
	savedAt  time.Time
}

// MemoryStore keeps transcripts in process memory. When MaxEntries is set,
// the oldest transcript is evicted once the limit is reached.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	maxEntries int
	now        func() time.Time
}

// NewMemoryStore creates an empty store. maxEntries <= 0 means unbounded.
func NewMemoryStore(maxEntries int) *MemoryStore {
	return &MemoryStore{
		entries:    make(map[string]memoryEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (s *MemoryStore) Load(ctx context.Context, token string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[token]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]Message(nil), entry.messages...), nil
}

func (s *MemoryStore) Save(ctx context.Context, token string, messages []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[token]; !exists && s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		s.evictOldest()
	}
	s.entries[token] = memoryEntry{
		messages: append([]Message(nil), messages...),
		savedAt:  s.now(),
	}
	return nil
}

func (s *MemoryStore) evictOldest() {
	var (
		oldest string
		at     time.Time
	)
	for token, entry := range s.entries {
		if oldest == "" || entry.savedAt.Before(at) {
			oldest, at = token, entry.savedAt
		}
	}
	delete(s.entries, oldest)
}

func (s *MemoryStore) Delete(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, token)
	return nil
}

func (s *MemoryStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for token, entry := range s.entries {
		if entry.savedAt.Before(cutoff) {
			delete(s.entries, token)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored transcripts.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) Close() error { return nil }
