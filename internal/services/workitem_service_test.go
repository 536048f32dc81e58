package services

import (
	"context"
	"sync"
	"testing"

	"example.com/backstage/services/lifecycle/config"
	"example.com/backstage/services/lifecycle/internal/cache"
	"example.com/backstage/services/lifecycle/internal/eventstore"
	"example.com/backstage/services/lifecycle/internal/metrics"
	"example.com/backstage/services/lifecycle/internal/models"
	"example.com/backstage/services/lifecycle/internal/projection"
	"example.com/backstage/services/lifecycle/internal/resolution"
	"example.com/backstage/services/lifecycle/internal/tracing"

	"github.com/stretchr/testify/require"
)

// fakeDetailRepository is an in-memory projection.DetailRepository.
type fakeDetailRepository struct {
	mu   sync.Mutex
	rows map[string]models.WorkItemDetail
}

func newFakeDetailRepository() *fakeDetailRepository {
	return &fakeDetailRepository{rows: make(map[string]models.WorkItemDetail)}
}

func (r *fakeDetailRepository) GetByID(ctx context.Context, workItemID string) (*models.WorkItemDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[workItemID]
	if !ok {
		return nil, nil
	}
	copied := row
	return &copied, nil
}

func (r *fakeDetailRepository) Save(ctx context.Context, detail *models.WorkItemDetail) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[detail.WorkItemID] = *detail
	return nil
}

func newTestWorkItemService(t *testing.T) (*WorkItemService, *fakeDetailRepository, *eventstore.MemoryStore) {
	t.Helper()

	store := eventstore.NewMemoryStore()
	repo := newFakeDetailRepository()
	redisCache, err := cache.NewRedisCache(config.RedisConfig{Enabled: false})
	require.NoError(t, err)
	tracer, err := tracing.NewTracer(config.TracingConfig{})
	require.NoError(t, err)

	service := NewWorkItemService(store, repo, redisCache, nil, metrics.NewMetrics(), tracer)
	return service, repo, store
}

func createTestWorkItem(t *testing.T, service *WorkItemService, signalType, triggerID string) {
	t.Helper()
	_, err := service.CreateWorkItem(context.Background(), projection.WorkItemCreatedData{
		WorkItemID:  "wi-1",
		SignalType:  signalType,
		Title:       "Follow up with Acme",
		CompanyID:   "company-1",
		CompanyName: "Acme Corp",
		ProductID:   "product-1",
		Queue:       "sales",
		Priority:    "high",
		TriggerID:   triggerID,
	})
	require.NoError(t, err)
}

func TestSchedulingEventResolvesMeetingBoundSignal(t *testing.T) {
	service, repo, _ := newTestWorkItemService(t)
	ctx := context.Background()

	createTestWorkItem(t, service, resolution.SignalFollowUpDue, "")

	resolved, err := service.HandleSchedulingEvent(ctx, SchedulingEventInput{
		WorkItemID:          "wi-1",
		SchedulingEventType: resolution.SchedulingEventMeetingBooked,
		WasBooked:           true,
	})
	require.NoError(t, err)
	require.True(t, resolved)

	row, err := repo.GetByID(ctx, "wi-1")
	require.NoError(t, err)
	require.Equal(t, models.WorkItemStatusResolved, row.Status)
	require.Equal(t, "scheduling", *row.ResolutionType)
	require.Equal(t, resolution.SchedulingEventMeetingBooked, *row.ResolvedByAction)
	require.Contains(t, *row.ResolutionNotes, "Meeting booked")
}

func TestSchedulingEventDoesNotResolveMessageNeedsReply(t *testing.T) {
	service, repo, _ := newTestWorkItemService(t)
	ctx := context.Background()

	createTestWorkItem(t, service, resolution.SignalMessageNeedsReply, "msg-42")

	resolved, err := service.HandleSchedulingEvent(ctx, SchedulingEventInput{
		WorkItemID:          "wi-1",
		SchedulingEventType: resolution.SchedulingEventMeetingBooked,
		WasBooked:           true,
	})
	require.NoError(t, err)
	require.False(t, resolved)

	row, err := repo.GetByID(ctx, "wi-1")
	require.NoError(t, err)
	require.Equal(t, models.WorkItemStatusOpen, row.Status)
}

func TestMeetingCancelledReopensResolvedWorkItem(t *testing.T) {
	service, repo, _ := newTestWorkItemService(t)
	ctx := context.Background()

	createTestWorkItem(t, service, resolution.SignalFollowUpDue, "")

	resolved, err := service.HandleSchedulingEvent(ctx, SchedulingEventInput{
		WorkItemID:          "wi-1",
		SchedulingEventType: resolution.SchedulingEventMeetingBooked,
		WasBooked:           true,
	})
	require.NoError(t, err)
	require.True(t, resolved)

	reopened, err := service.HandleMeetingCancelled(ctx, SchedulingEventInput{
		WorkItemID:          "wi-1",
		SchedulingEventType: resolution.SchedulingEventMeetingCancelled,
	})
	require.NoError(t, err)
	require.True(t, reopened)

	row, err := repo.GetByID(ctx, "wi-1")
	require.NoError(t, err)
	require.Equal(t, models.WorkItemStatusOpen, row.Status)
	require.Contains(t, *row.ReopenReason, "Meeting cancelled")
	require.Equal(t, int64(3), row.LastEventSequence)
}

func TestMeetingCancelledDoesNotReopenOpportunity(t *testing.T) {
	service, repo, _ := newTestWorkItemService(t)
	ctx := context.Background()

	createTestWorkItem(t, service, resolution.SignalOpportunityDetected, "")

	resolved, err := service.HandleSchedulingEvent(ctx, SchedulingEventInput{
		WorkItemID:          "wi-1",
		SchedulingEventType: resolution.SchedulingEventSchedulingRequested,
		WasBooked:           false,
	})
	require.NoError(t, err)
	require.True(t, resolved)

	reopened, err := service.HandleMeetingCancelled(ctx, SchedulingEventInput{
		WorkItemID: "wi-1",
	})
	require.NoError(t, err)
	require.False(t, reopened)

	row, err := repo.GetByID(ctx, "wi-1")
	require.NoError(t, err)
	require.Equal(t, models.WorkItemStatusResolved, row.Status)
}

func TestReplyResolvesExactTriggerOnly(t *testing.T) {
	service, repo, _ := newTestWorkItemService(t)
	ctx := context.Background()

	createTestWorkItem(t, service, resolution.SignalMessageNeedsReply, "msg-42")

	resolved, err := service.HandleReplyEvent(ctx, ReplyEventInput{
		WorkItemID:    "wi-1",
		ReplyTargetID: "msg-99",
	})
	require.NoError(t, err)
	require.False(t, resolved)

	resolved, err = service.HandleReplyEvent(ctx, ReplyEventInput{
		WorkItemID:    "wi-1",
		ReplyTargetID: "msg-42",
	})
	require.NoError(t, err)
	require.True(t, resolved)

	row, err := repo.GetByID(ctx, "wi-1")
	require.NoError(t, err)
	require.Equal(t, models.WorkItemStatusResolved, row.Status)
	require.Equal(t, "communication", *row.ResolutionType)
}

func TestResolvedWorkItemIgnoresFurtherTriggers(t *testing.T) {
	service, _, _ := newTestWorkItemService(t)
	ctx := context.Background()

	createTestWorkItem(t, service, resolution.SignalFollowUpDue, "")

	resolved, err := service.HandleSchedulingEvent(ctx, SchedulingEventInput{
		WorkItemID:          "wi-1",
		SchedulingEventType: resolution.SchedulingEventMeetingBooked,
		WasBooked:           true,
	})
	require.NoError(t, err)
	require.True(t, resolved)

	// A second booking for an already resolved item appends nothing.
	resolved, err = service.HandleSchedulingEvent(ctx, SchedulingEventInput{
		WorkItemID:          "wi-1",
		SchedulingEventType: resolution.SchedulingEventMeetingBooked,
		WasBooked:           true,
	})
	require.NoError(t, err)
	require.False(t, resolved)
}

func TestReconcileProjectionsCatchesUpMissedEvents(t *testing.T) {
	service, repo, store := newTestWorkItemService(t)
	ctx := context.Background()

	// Events exist in the log but were never delivered to the projector.
	raw, err := projection.EncodeEventData(projection.WorkItemCreatedData{
		WorkItemID: "wi-9",
		SignalType: resolution.SignalChurnRisk,
		Title:      "Usage dropping at Globex",
	})
	require.NoError(t, err)
	_, err = store.Append(ctx, eventstore.AppendInput{
		AggregateType: projection.AggregateType,
		AggregateID:   "wi-9",
		EventType:     string(projection.EventTypeWorkItemCreated),
		EventData:     raw,
		Actor:         models.SystemActor(),
	})
	require.NoError(t, err)

	require.NoError(t, service.ReconcileProjections(ctx))

	row, err := repo.GetByID(ctx, "wi-9")
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, models.WorkItemStatusOpen, row.Status)

	// A second pass has nothing new to apply.
	require.NoError(t, service.ReconcileProjections(ctx))
	row, err = repo.GetByID(ctx, "wi-9")
	require.NoError(t, err)
	require.Equal(t, int64(1), row.LastEventSequence)
}
