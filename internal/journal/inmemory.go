package journal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const inMemoryMaxPerSession = 512

// InMemoryStore keeps records in process, bounded per session.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]StreamRecord
	turns   map[string][]TurnRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string][]StreamRecord),
		turns:   make(map[string][]TurnRecord),
	}
}

func (s *InMemoryStore) Record(_ context.Context, record StreamRecord) error {
	fillDefaults(&record)
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := append(s.records[record.SessionID], record)
	if len(arr) > inMemoryMaxPerSession {
		arr = append([]StreamRecord(nil), arr[len(arr)-inMemoryMaxPerSession:]...)
	}
	s.records[record.SessionID] = arr
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, sessionID string, limit int) ([]StreamRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	limit = min(limit, len(arr))
	return append([]StreamRecord(nil), arr[len(arr)-limit:]...), nil
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	fillTurnDefaults(&record)
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := append(s.turns[record.SessionID], record)
	if len(arr) > inMemoryMaxPerSession {
		arr = append([]TurnRecord(nil), arr[len(arr)-inMemoryMaxPerSession:]...)
	}
	s.turns[record.SessionID] = arr
	return nil
}

func (s *InMemoryStore) RecentTurns(_ context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	limit = min(limit, len(arr))
	return append([]TurnRecord(nil), arr[len(arr)-limit:]...), nil
}

func (s *InMemoryStore) Close() error { return nil }

func fillDefaults(r *StreamRecord) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
}

func fillTurnDefaults(r *TurnRecord) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
}

func reverse[T any](items []T) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}
