package eventstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/lifecycle/internal/models"

	"github.com/stretchr/testify/require"
)

func appendInput(aggregateID string, expectedVersion *int64) AppendInput {
	return AppendInput{
		AggregateType:   "company_product",
		AggregateID:     aggregateID,
		EventType:       "CompanyProductPhaseSet",
		EventData:       []byte(`{"to_phase":"prospect"}`),
		Actor:           models.SystemActor(),
		OccurredAt:      time.Now().UTC(),
		ExpectedVersion: expectedVersion,
	}
}

func TestConcurrentUnconditionalAppendsAreContiguous(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const writers = 5
	type result struct {
		seq int64
		err error
	}

	var wg sync.WaitGroup
	results := make(chan result, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			event, err := store.Append(ctx, appendInput("cp-1", nil))
			if err != nil {
				results <- result{err: err}
				return
			}
			results <- result{seq: event.SequenceNumber}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool)
	for res := range results {
		require.NoError(t, res.err)
		require.False(t, seen[res.seq], "duplicate sequence %d", res.seq)
		seen[res.seq] = true
	}
	for want := int64(1); want <= writers; want++ {
		require.True(t, seen[want], "missing sequence %d", want)
	}
}

func TestConditionalAppendRejectsStaleVersion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	zero := int64(0)
	_, err := store.Append(ctx, appendInput("cp-1", &zero))
	require.NoError(t, err)

	// Stream is now at version 1; expecting 0 must conflict.
	_, err = store.Append(ctx, appendInput("cp-1", &zero))
	require.ErrorIs(t, err, ErrConcurrencyConflict)

	one := int64(1)
	event, err := store.Append(ctx, appendInput("cp-1", &one))
	require.NoError(t, err)
	require.Equal(t, int64(2), event.SequenceNumber)
}

func TestConditionalAppendAheadOfStreamConflicts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Expecting version 3 on an empty stream would create a gap.
	three := int64(3)
	_, err := store.Append(ctx, appendInput("cp-1", &three))
	require.ErrorIs(t, err, ErrConcurrencyConflict)
}

func TestLoadEventsEmptyStream(t *testing.T) {
	store := NewMemoryStore()

	events, err := store.LoadEvents(context.Background(), "company_product", "missing")
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestStreamsAreIndependent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.Append(ctx, appendInput("cp-1", nil))
	require.NoError(t, err)
	second, err := store.Append(ctx, appendInput("cp-2", nil))
	require.NoError(t, err)

	// Per-stream sequences both start at 1; the global sequence orders
	// them across streams.
	require.Equal(t, int64(1), first.SequenceNumber)
	require.Equal(t, int64(1), second.SequenceNumber)
	require.Greater(t, second.GlobalSequence, first.GlobalSequence)
}

func TestLoadEventsAfterGlobal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Append(ctx, appendInput("cp-1", nil))
		require.NoError(t, err)
	}

	events, err := store.LoadEventsAfterGlobal(ctx, "company_product", 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, int64(2), events[0].GlobalSequence)
	require.Equal(t, int64(3), events[1].GlobalSequence)
}
