package storage

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/good-yellow-bee/threatwatch/internal/metrics"
	"github.com/good-yellow-bee/threatwatch/internal/models"
)

const backendMemory = "memory"

// MemoryRawEventStore keeps raw events in process memory. It is intended
// for development and tests; contents are lost on restart.
type MemoryRawEventStore struct {
	mu     sync.RWMutex
	events map[string]*models.RawEvent
}

// NewMemoryRawEventStore creates an empty in-memory raw event store.
func NewMemoryRawEventStore() *MemoryRawEventStore {
	return &MemoryRawEventStore{events: make(map[string]*models.RawEvent)}
}

// Open is a no-op.
func (s *MemoryRawEventStore) Open() error { return nil }

// Close is a no-op.
func (s *MemoryRawEventStore) Close() error { return nil }

// Migrate is a no-op.
func (s *MemoryRawEventStore) Migrate() error { return nil }

// Ping always succeeds.
func (s *MemoryRawEventStore) Ping(ctx context.Context) error { return nil }

// Store saves a copy of event under a new UUID reference.
func (s *MemoryRawEventStore) Store(ctx context.Context, event *models.RawEvent) (ref string, err error) {
	start := time.Now()
	defer func() { metrics.ObserveStorage("raw_store", backendMemory, start, err) }()

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("store raw event: %w", err)
	}

	stored := *event
	stored.ID = uuid.New().String()
	if stored.IngestedAt.IsZero() {
		stored.IngestedAt = time.Now().UTC()
	}
	stored.Payload = maps.Clone(event.Payload)
	stored.Context = maps.Clone(event.Context)

	s.mu.Lock()
	s.events[stored.ID] = &stored
	s.mu.Unlock()

	return stored.ID, nil
}

// Get returns a copy of the event for ref, or nil if it does not exist.
func (s *MemoryRawEventStore) Get(ctx context.Context, ref string) (*models.RawEvent, error) {
	s.mu.RLock()
	event, ok := s.events[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	out := *event
	out.Payload = maps.Clone(event.Payload)
	out.Context = maps.Clone(event.Context)
	return &out, nil
}

// Len returns the number of stored events.
func (s *MemoryRawEventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

var _ RawEventStore = (*MemoryRawEventStore)(nil)
