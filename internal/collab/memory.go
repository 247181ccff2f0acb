package collab

import (
	"context"
	"sync"
)

// MemoryDocumentStore is the in-process DocumentStore used when the server
// runs without Postgres, and the test double.
type MemoryDocumentStore struct {
	mu   sync.RWMutex
	docs map[string]string // "token\x00path" -> content
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{docs: make(map[string]string)}
}

var _ DocumentStore = (*MemoryDocumentStore)(nil)

func docKey(roomToken, path string) string {
	return roomToken + "\x00" + path
}

func (s *MemoryDocumentStore) Load(ctx context.Context, roomToken, path string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[docKey(roomToken, path)], nil
}

func (s *MemoryDocumentStore) Save(ctx context.Context, roomToken, path, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[docKey(roomToken, path)] = content
	return nil
}

// MemoryEventLog retains appended events in order. Used without Redis and in
// tests to assert write-through behavior.
type MemoryEventLog struct {
	mu     sync.Mutex
	events map[string][]SessionEvent
}

func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{events: make(map[string][]SessionEvent)}
}

var _ EventLog = (*MemoryEventLog)(nil)

func (l *MemoryEventLog) Append(ctx context.Context, roomToken string, ev SessionEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[roomToken] = append(l.events[roomToken], ev)
	return nil
}

// Events returns a copy of the log for one room.
func (l *MemoryEventLog) Events(roomToken string) []SessionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SessionEvent, len(l.events[roomToken]))
	copy(out, l.events[roomToken])
	return out
}
