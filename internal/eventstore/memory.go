package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"example.com/backstage/services/lifecycle/internal/models"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store with the same append semantics as the
// database-backed one. It backs tests and local development without
// Postgres.
type MemoryStore struct {
	mu         sync.Mutex
	streams    map[streamKey][]models.Event
	nextGlobal int64
}

type streamKey struct {
	aggregateType string
	aggregateID   string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[streamKey][]models.Event),
	}
}

// Append persists one event under the store's mutex, which plays the role
// of the database's uniqueness constraint: at most one writer wins any
// given sequence number.
func (s *MemoryStore) Append(ctx context.Context, input AppendInput) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := streamKey{input.AggregateType, input.AggregateID}
	version := int64(len(s.streams[key]))

	if input.ExpectedVersion != nil && *input.ExpectedVersion != version {
		return nil, ErrConcurrencyConflict
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	s.nextGlobal++
	event := models.Event{
		ID:             uuid.New(),
		AggregateType:  input.AggregateType,
		AggregateID:    input.AggregateID,
		SequenceNumber: version + 1,
		GlobalSequence: s.nextGlobal,
		EventType:      input.EventType,
		EventData:      input.EventData,
		Metadata:       input.Metadata,
		ActorType:      input.Actor.Type,
		ActorID:        input.Actor.ID,
		OccurredAt:     occurredAt,
		RecordedAt:     time.Now().UTC(),
	}

	s.streams[key] = append(s.streams[key], event)
	return &event, nil
}

// LoadEventsAfterGlobal returns events of one aggregate type across all
// streams with a global sequence above the watermark, ascending.
func (s *MemoryStore) LoadEventsAfterGlobal(ctx context.Context, aggregateType string, afterGlobal int64, limit int) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []models.Event
	for key, stream := range s.streams {
		if key.aggregateType != aggregateType {
			continue
		}
		for _, event := range stream {
			if event.GlobalSequence > afterGlobal {
				events = append(events, event)
			}
		}
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].GlobalSequence < events[j].GlobalSequence
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// LoadEvents returns a copy of the stream ascending by sequence number.
func (s *MemoryStore) LoadEvents(ctx context.Context, aggregateType, aggregateID string) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[streamKey{aggregateType, aggregateID}]
	events := make([]models.Event, len(stream))
	copy(events, stream)
	return events, nil
}
