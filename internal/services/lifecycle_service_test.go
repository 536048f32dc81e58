package services

import (
	"context"
	"testing"

	"example.com/backstage/services/lifecycle/config"
	"example.com/backstage/services/lifecycle/internal/cache"
	"example.com/backstage/services/lifecycle/internal/eventstore"
	"example.com/backstage/services/lifecycle/internal/lifecycle"
	"example.com/backstage/services/lifecycle/internal/metrics"
	"example.com/backstage/services/lifecycle/internal/models"
	"example.com/backstage/services/lifecycle/internal/tracing"

	"github.com/stretchr/testify/require"
)

func newTestLifecycleService(t *testing.T) (*LifecycleService, *eventstore.MemoryStore) {
	t.Helper()

	store := eventstore.NewMemoryStore()
	redisCache, err := cache.NewRedisCache(config.RedisConfig{Enabled: false})
	require.NoError(t, err)
	tracer, err := tracing.NewTracer(config.TracingConfig{})
	require.NoError(t, err)

	return NewLifecycleService(store, redisCache, metrics.NewMetrics(), tracer), store
}

func testRef() CompanyProductRef {
	return CompanyProductRef{ID: "cp-1", CompanyID: "company-1", ProductID: "product-1"}
}

func TestSetPhaseForwardSucceeds(t *testing.T) {
	service, _ := newTestLifecycleService(t)
	ctx := context.Background()
	actor := models.UserActor("user-1")

	result, err := service.SetPhase(ctx, testRef(), lifecycle.PhaseProspect, actor)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, int64(1), result.SequenceNumber)

	result, err = service.SetPhase(ctx, testRef(), lifecycle.PhaseInSales, actor)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, int64(2), result.SequenceNumber)
}

func TestSetPhaseBackwardIsRejected(t *testing.T) {
	service, _ := newTestLifecycleService(t)
	ctx := context.Background()
	actor := models.UserActor("user-1")

	result, err := service.SetPhase(ctx, testRef(), lifecycle.PhaseInSales, actor)
	require.NoError(t, err)
	require.True(t, result.Success)

	result, err = service.SetPhase(ctx, testRef(), lifecycle.PhaseProspect, actor)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, ErrCodeInvalidPhaseTransition, result.Error.Code)

	// Same phase is not a forward move either.
	result, err = service.SetPhase(ctx, testRef(), lifecycle.PhaseInSales, actor)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, ErrCodeInvalidPhaseTransition, result.Error.Code)
}

func TestSetPhaseUnknownPhaseIsRejected(t *testing.T) {
	service, _ := newTestLifecycleService(t)

	result, err := service.SetPhase(context.Background(), testRef(), lifecycle.Phase("galactic"), models.UserActor("user-1"))
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, ErrCodeInvalidPhaseTransition, result.Error.Code)
}

func TestTransitionStageWithoutProcessIsRejected(t *testing.T) {
	service, _ := newTestLifecycleService(t)

	result, err := service.TransitionStage(context.Background(), testRef(), TransitionStageInput{
		StageID:    "stage-1",
		StageName:  "Kickoff",
		StageOrder: 1,
	}, models.UserActor("user-1"))
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, ErrCodeNoActiveProcess, result.Error.Code)
}

func TestSetProcessWithInitialStageThenTransition(t *testing.T) {
	service, _ := newTestLifecycleService(t)
	ctx := context.Background()
	actor := models.UserActor("user-1")

	stageID := "stage-1"
	stageName := "Kickoff"
	result, err := service.SetProcess(ctx, testRef(), SetProcessInput{
		ProcessID:        "proc-1",
		ProcessType:      "onboarding",
		ProcessVersion:   1,
		InitialStageID:   &stageID,
		InitialStageName: &stageName,
	}, actor)
	require.NoError(t, err)
	require.True(t, result.Success)

	agg, err := service.GetCompanyProduct(ctx, testRef())
	require.NoError(t, err)
	require.True(t, agg.Exists)
	require.Equal(t, "stage-1", *agg.State.StageID)

	result, err = service.TransitionStage(ctx, testRef(), TransitionStageInput{
		StageID:    "stage-2",
		StageName:  "Discovery",
		StageOrder: 2,
	}, actor)
	require.NoError(t, err)
	require.True(t, result.Success)

	agg, err = service.GetCompanyProduct(ctx, testRef())
	require.NoError(t, err)
	require.Equal(t, "stage-2", *agg.State.StageID)
	require.Equal(t, 1, agg.State.StageTransitionCount)
}

func TestCommandConcurrencyConflictSurfacesAsFailureResult(t *testing.T) {
	service, store := newTestLifecycleService(t)
	ctx := context.Background()

	// Another writer advances the stream between our load and append by
	// racing the same command through a second service over one store.
	other := newLifecycleServiceOver(t, store)
	result, err := other.SetPhase(ctx, testRef(), lifecycle.PhaseProspect, models.UserActor("user-2"))
	require.NoError(t, err)
	require.True(t, result.Success)

	raw, err := lifecycle.EncodeEventData(lifecycle.PhaseSetData{ToPhase: lifecycle.PhaseInSales})
	require.NoError(t, err)

	// Append directly with a stale expected version, as a handler that
	// loaded before the other writer would.
	stale := int64(0)
	_, err = store.Append(ctx, eventstore.AppendInput{
		AggregateType:   lifecycle.AggregateType,
		AggregateID:     "cp-1",
		EventType:       string(lifecycle.EventTypePhaseSet),
		EventData:       raw,
		Actor:           models.UserActor("user-1"),
		ExpectedVersion: &stale,
	})
	require.ErrorIs(t, err, eventstore.ErrConcurrencyConflict)

	// Reloading and reissuing succeeds.
	result, err = service.SetPhase(ctx, testRef(), lifecycle.PhaseInSales, models.UserActor("user-1"))
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, int64(2), result.SequenceNumber)
}

// newLifecycleServiceOver builds a second service over a shared store.
func newLifecycleServiceOver(t *testing.T, store eventstore.Store) *LifecycleService {
	t.Helper()
	redisCache, err := cache.NewRedisCache(config.RedisConfig{Enabled: false})
	require.NoError(t, err)
	tracer, err := tracing.NewTracer(config.TracingConfig{})
	require.NoError(t, err)
	return NewLifecycleService(store, redisCache, metrics.NewMetrics(), tracer)
}
