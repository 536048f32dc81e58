package services

import (
	"context"
	"fmt"
	"time"

	"example.com/backstage/services/lifecycle/internal/cache"
	"example.com/backstage/services/lifecycle/internal/eventstore"
	"example.com/backstage/services/lifecycle/internal/lifecycle"
	"example.com/backstage/services/lifecycle/internal/metrics"
	"example.com/backstage/services/lifecycle/internal/models"
	"example.com/backstage/services/lifecycle/internal/tracing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Command error codes returned in failure results.
const (
	ErrCodeInvalidPhaseTransition = "invalid_phase_transition"
	ErrCodeNoActiveProcess        = "no_active_process"
	ErrCodeConcurrencyConflict    = "concurrency_conflict"
)

// stateCacheTTL bounds staleness of the cached aggregate snapshot used by
// dashboard reads. Commands never read the cache.
const stateCacheTTL = 5 * time.Minute

// CommandError is an expected business-rule or concurrency failure.
type CommandError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CommandResult is the discriminated outcome of a lifecycle command.
// Business violations populate Error; infrastructure faults are returned
// as ordinary errors instead.
type CommandResult struct {
	Success        bool          `json:"success"`
	SequenceNumber int64         `json:"sequence_number,omitempty"`
	Error          *CommandError `json:"error,omitempty"`
}

// CompanyProductRef identifies the aggregate a command targets.
type CompanyProductRef struct {
	ID        string
	CompanyID string
	ProductID string
}

// SetProcessInput carries the SetProcess command payload.
type SetProcessInput struct {
	ProcessID        string
	ProcessType      string
	ProcessVersion   int
	InitialStageID   *string
	InitialStageName *string
}

// TransitionStageInput carries the TransitionStage command payload.
type TransitionStageInput struct {
	StageID    string
	StageName  string
	StageOrder int
}

// LifecycleService is the command layer over the company-product event
// stream: load, validate against replayed state, append with an optimistic
// version check.
type LifecycleService struct {
	store   eventstore.Store
	cache   *cache.RedisCache
	metrics *metrics.Metrics
	tracer  tracing.Tracer
}

// NewLifecycleService creates a new lifecycle service
func NewLifecycleService(
	store eventstore.Store,
	redisCache *cache.RedisCache,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
) *LifecycleService {
	return &LifecycleService{
		store:   store,
		cache:   redisCache,
		metrics: metricsCollector,
		tracer:  tracer,
	}
}

// SetPhase moves the aggregate forward in the phase lattice. Setting an
// earlier or equal phase fails; the null-to-anything move always succeeds.
func (s *LifecycleService) SetPhase(ctx context.Context, ref CompanyProductRef, toPhase lifecycle.Phase, actor models.Actor) (*CommandResult, error) {
	txn := s.tracer.StartTransaction("command-set-phase")
	defer s.tracer.EndTransaction(txn)
	s.tracer.AddAttribute(txn, "company_product_id", ref.ID)
	s.tracer.AddAttribute(txn, "to_phase", string(toPhase))

	agg, err := s.loadAggregate(ctx, ref)
	if err != nil {
		return nil, err
	}

	if cmdErr := validateSetPhase(agg.State, toPhase); cmdErr != nil {
		s.metrics.IncrementCounter("commands.set_phase.rejected")
		return failure(cmdErr), nil
	}

	data := lifecycle.PhaseSetData{
		FromPhase: agg.State.Phase,
		ToPhase:   toPhase,
	}

	return s.appendCommand(ctx, ref, agg.State.Version, data, actor, "set_phase")
}

// SetProcess attaches a process to the aggregate. When an initial stage
// is supplied the single event carries it; replay reflects the stage
// without a separate stage event.
func (s *LifecycleService) SetProcess(ctx context.Context, ref CompanyProductRef, input SetProcessInput, actor models.Actor) (*CommandResult, error) {
	txn := s.tracer.StartTransaction("command-set-process")
	defer s.tracer.EndTransaction(txn)
	s.tracer.AddAttribute(txn, "company_product_id", ref.ID)
	s.tracer.AddAttribute(txn, "process_id", input.ProcessID)

	agg, err := s.loadAggregate(ctx, ref)
	if err != nil {
		return nil, err
	}

	data := lifecycle.ProcessSetData{
		ProcessID:        input.ProcessID,
		ProcessType:      input.ProcessType,
		ProcessVersion:   input.ProcessVersion,
		InitialStageID:   input.InitialStageID,
		InitialStageName: input.InitialStageName,
	}

	return s.appendCommand(ctx, ref, agg.State.Version, data, actor, "set_process")
}

// TransitionStage moves the active process to a new stage. Fails when no
// process is active.
func (s *LifecycleService) TransitionStage(ctx context.Context, ref CompanyProductRef, input TransitionStageInput, actor models.Actor) (*CommandResult, error) {
	txn := s.tracer.StartTransaction("command-transition-stage")
	defer s.tracer.EndTransaction(txn)
	s.tracer.AddAttribute(txn, "company_product_id", ref.ID)
	s.tracer.AddAttribute(txn, "stage_id", input.StageID)

	agg, err := s.loadAggregate(ctx, ref)
	if err != nil {
		return nil, err
	}

	if agg.State.ProcessID == nil {
		s.metrics.IncrementCounter("commands.transition_stage.rejected")
		return failure(&CommandError{
			Code:    ErrCodeNoActiveProcess,
			Message: "cannot transition stage: no active process on company product",
		}), nil
	}

	isProgression := true
	if agg.State.StageOrder != nil {
		isProgression = input.StageOrder > *agg.State.StageOrder
	}

	data := lifecycle.StageSetData{
		StageID:       input.StageID,
		StageName:     input.StageName,
		StageOrder:    input.StageOrder,
		IsProgression: isProgression,
		FromStageID:   agg.State.StageID,
	}

	return s.appendCommand(ctx, ref, agg.State.Version, data, actor, "transition_stage")
}

// AppendSystemEvent is the generic unconditional append primitive for
// system-generated company-product events where no prior read occurred.
func (s *LifecycleService) AppendSystemEvent(ctx context.Context, aggregateID string, data lifecycle.EventData) (*models.Event, error) {
	raw, err := lifecycle.EncodeEventData(data)
	if err != nil {
		return nil, err
	}

	event, err := s.store.Append(ctx, eventstore.AppendInput{
		AggregateType: lifecycle.AggregateType,
		AggregateID:   aggregateID,
		EventType:     string(data.EventType()),
		EventData:     raw,
		Actor:         models.SystemActor(),
		OccurredAt:    time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	s.invalidateStateCache(ctx, aggregateID)
	return event, nil
}

// GetCompanyProduct replays the aggregate for dashboard reads, serving a
// recent snapshot from cache when available.
func (s *LifecycleService) GetCompanyProduct(ctx context.Context, ref CompanyProductRef) (*lifecycle.Aggregate, error) {
	var cached lifecycle.CompanyProductState
	cacheKey := cache.GetCompanyProductCacheKey(ref.ID)
	if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
		return &lifecycle.Aggregate{State: cached, Exists: cached.Version > 0}, nil
	}

	agg, err := lifecycle.LoadAggregate(ctx, s.store, ref.ID, ref.CompanyID, ref.ProductID)
	if err != nil {
		return nil, err
	}

	if agg.Exists {
		if err := s.cache.Set(ctx, cacheKey, agg.State, stateCacheTTL); err != nil {
			log.Warn().Err(err).Str("company_product_id", ref.ID).Msg("Failed to cache aggregate state")
		}
	}

	return agg, nil
}

func (s *LifecycleService) loadAggregate(ctx context.Context, ref CompanyProductRef) (*lifecycle.Aggregate, error) {
	agg, err := lifecycle.LoadAggregate(ctx, s.store, ref.ID, ref.CompanyID, ref.ProductID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load company product aggregate")
	}
	return agg, nil
}

// appendCommand performs the conditional append shared by all commands
// and maps a lost race to a retryable failure result.
func (s *LifecycleService) appendCommand(
	ctx context.Context,
	ref CompanyProductRef,
	expectedVersion int64,
	data lifecycle.EventData,
	actor models.Actor,
	commandName string,
) (*CommandResult, error) {
	raw, err := lifecycle.EncodeEventData(data)
	if err != nil {
		return nil, err
	}

	event, err := s.store.Append(ctx, eventstore.AppendInput{
		AggregateType:   lifecycle.AggregateType,
		AggregateID:     ref.ID,
		EventType:       string(data.EventType()),
		EventData:       raw,
		Actor:           actor,
		OccurredAt:      time.Now().UTC(),
		ExpectedVersion: &expectedVersion,
	})
	if err != nil {
		if errors.Is(err, eventstore.ErrConcurrencyConflict) {
			s.metrics.IncrementCounter("commands." + commandName + ".conflicts")
			log.Info().
				Str("company_product_id", ref.ID).
				Int64("expected_version", expectedVersion).
				Msg("Concurrency conflict on command append")
			return failure(&CommandError{
				Code:    ErrCodeConcurrencyConflict,
				Message: "Concurrency conflict: company product was modified, reload and retry",
			}), nil
		}
		return nil, errors.Wrapf(err, "failed to append %s event", commandName)
	}

	s.metrics.IncrementCounter("commands." + commandName + ".applied")
	s.invalidateStateCache(ctx, ref.ID)

	log.Info().
		Str("company_product_id", ref.ID).
		Str("event_type", string(data.EventType())).
		Int64("sequence_number", event.SequenceNumber).
		Msg("Lifecycle command applied")

	return &CommandResult{
		Success:        true,
		SequenceNumber: event.SequenceNumber,
	}, nil
}

func (s *LifecycleService) invalidateStateCache(ctx context.Context, aggregateID string) {
	if err := s.cache.Delete(ctx, cache.GetCompanyProductCacheKey(aggregateID)); err != nil {
		log.Warn().Err(err).Str("company_product_id", aggregateID).Msg("Failed to invalidate aggregate state cache")
	}
}

// validateSetPhase is the pure phase-lattice check applied before any
// event is written.
func validateSetPhase(state lifecycle.CompanyProductState, toPhase lifecycle.Phase) *CommandError {
	if !toPhase.IsValid() {
		return &CommandError{
			Code:    ErrCodeInvalidPhaseTransition,
			Message: fmt.Sprintf("unknown phase %q", toPhase),
		}
	}
	if state.Phase == nil {
		return nil
	}
	if !state.Phase.CanTransitionTo(toPhase) {
		return &CommandError{
			Code:    ErrCodeInvalidPhaseTransition,
			Message: fmt.Sprintf("cannot move phase from %q to %q: transitions only move forward", *state.Phase, toPhase),
		}
	}
	return nil
}

func failure(cmdErr *CommandError) *CommandResult {
	return &CommandResult{Success: false, Error: cmdErr}
}
