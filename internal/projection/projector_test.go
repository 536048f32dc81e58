package projection

import (
	"context"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/lifecycle/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// memoryDetailRepository is an in-memory DetailRepository for tests.
type memoryDetailRepository struct {
	mu   sync.Mutex
	rows map[string]models.WorkItemDetail
}

func newMemoryDetailRepository() *memoryDetailRepository {
	return &memoryDetailRepository{rows: make(map[string]models.WorkItemDetail)}
}

func (r *memoryDetailRepository) GetByID(ctx context.Context, workItemID string) (*models.WorkItemDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[workItemID]
	if !ok {
		return nil, nil
	}
	copied := row
	return &copied, nil
}

func (r *memoryDetailRepository) Save(ctx context.Context, detail *models.WorkItemDetail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[detail.WorkItemID] = *detail
	return nil
}

func makeWorkItemEvent(t *testing.T, workItemID string, seq int64, data EventData) models.Event {
	t.Helper()
	raw, err := EncodeEventData(data)
	require.NoError(t, err)
	return models.Event{
		ID:             uuid.New(),
		AggregateType:  AggregateType,
		AggregateID:    workItemID,
		SequenceNumber: seq,
		GlobalSequence: seq,
		EventType:      string(data.EventType()),
		EventData:      raw,
		ActorType:      models.ActorTypeSystem,
		OccurredAt:     time.Now().UTC(),
	}
}

func createdEvent(t *testing.T, workItemID string, seq int64) models.Event {
	return makeWorkItemEvent(t, workItemID, seq, WorkItemCreatedData{
		WorkItemID:  workItemID,
		SignalType:  "follow_up_due",
		Title:       "Follow up with Acme",
		CompanyID:   "company-1",
		CompanyName: "Acme Corp",
		ProductID:   "product-1",
		Queue:       "sales",
		Priority:    "high",
		TriggerID:   "msg-42",
	})
}

func TestProjectEventCreatesOpenWorkItem(t *testing.T) {
	repo := newMemoryDetailRepository()
	projector := NewProjector(repo)
	ctx := context.Background()

	applied, err := projector.ProjectEvent(ctx, createdEvent(t, "wi-1", 1))
	require.NoError(t, err)
	require.True(t, applied)

	row, err := repo.GetByID(ctx, "wi-1")
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, models.WorkItemStatusOpen, row.Status)
	require.Equal(t, "follow_up_due", row.SignalType)
	require.Equal(t, "Acme Corp", row.CompanyName)
	require.Equal(t, "msg-42", row.TriggerID)
	require.Equal(t, int64(1), row.LastEventSequence)
}

func TestProjectEventIdempotencyGuard(t *testing.T) {
	repo := newMemoryDetailRepository()
	projector := NewProjector(repo)
	ctx := context.Background()

	// Seed a row already at sequence 5.
	require.NoError(t, repo.Save(ctx, &models.WorkItemDetail{
		WorkItemID:        "wi-1",
		Status:            models.WorkItemStatusOpen,
		SignalType:        "follow_up_due",
		LastEventSequence: 5,
	}))

	notes := "stale"
	applied, err := projector.ProjectEvent(ctx, makeWorkItemEvent(t, "wi-1", 3, WorkItemResolvedData{
		WorkItemID:       "wi-1",
		ResolutionType:   "scheduling",
		ResolvedByAction: "MeetingBooked",
		ResolutionNotes:  &notes,
	}))
	require.NoError(t, err)
	require.False(t, applied)

	// The stale event left the row untouched.
	row, err := repo.GetByID(ctx, "wi-1")
	require.NoError(t, err)
	require.Equal(t, models.WorkItemStatusOpen, row.Status)
	require.Nil(t, row.ResolutionType)
	require.Equal(t, int64(5), row.LastEventSequence)

	applied, err = projector.ProjectEvent(ctx, makeWorkItemEvent(t, "wi-1", 6, WorkItemResolvedData{
		WorkItemID:       "wi-1",
		ResolutionType:   "scheduling",
		ResolvedByAction: "MeetingBooked",
	}))
	require.NoError(t, err)
	require.True(t, applied)

	row, err = repo.GetByID(ctx, "wi-1")
	require.NoError(t, err)
	require.Equal(t, models.WorkItemStatusResolved, row.Status)
	require.Equal(t, int64(6), row.LastEventSequence)
}

func TestProjectEventRejectsUnknownEventType(t *testing.T) {
	repo := newMemoryDetailRepository()
	projector := NewProjector(repo)

	event := createdEvent(t, "wi-1", 1)
	event.EventType = "WorkItemArchived"

	_, err := projector.ProjectEvent(context.Background(), event)
	require.ErrorIs(t, err, ErrUnknownEventType)
}

func TestIndependentProjectorsConverge(t *testing.T) {
	notes := "Meeting booked for follow_up_due signal"
	history := []models.Event{
		createdEvent(t, "wi-1", 1),
		makeWorkItemEvent(t, "wi-1", 2, WorkItemResolvedData{
			WorkItemID:       "wi-1",
			ResolutionType:   "scheduling",
			ResolvedByAction: "MeetingBooked",
			ResolutionNotes:  &notes,
		}),
		makeWorkItemEvent(t, "wi-1", 3, WorkItemReopenedData{
			WorkItemID:   "wi-1",
			ReopenReason: "Meeting cancelled before follow_up_due signal was addressed",
		}),
	}

	ctx := context.Background()
	var rows []*models.WorkItemDetail

	for i := 0; i < 2; i++ {
		repo := newMemoryDetailRepository()
		projector := NewProjector(repo)
		for _, event := range history {
			applied, err := projector.ProjectEvent(ctx, event)
			require.NoError(t, err)
			require.True(t, applied)
		}
		row, err := repo.GetByID(ctx, "wi-1")
		require.NoError(t, err)
		rows = append(rows, row)
	}

	require.Equal(t, models.WorkItemStatusOpen, rows[0].Status)
	require.Equal(t, rows[0].Status, rows[1].Status)
	require.Equal(t, rows[0].ResolutionType, rows[1].ResolutionType)
	require.Equal(t, rows[0].ReopenReason, rows[1].ReopenReason)
	require.Equal(t, rows[0].LastEventSequence, rows[1].LastEventSequence)
	require.Equal(t, "Meeting cancelled before follow_up_due signal was addressed", *rows[0].ReopenReason)
}

func TestProjectEventDoubleDeliveryIsSafe(t *testing.T) {
	repo := newMemoryDetailRepository()
	projector := NewProjector(repo)
	ctx := context.Background()

	event := createdEvent(t, "wi-1", 1)

	applied, err := projector.ProjectEvent(ctx, event)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = projector.ProjectEvent(ctx, event)
	require.NoError(t, err)
	require.False(t, applied)
}
