package lifecycle

import (
	"context"

	"example.com/backstage/services/lifecycle/internal/eventstore"
	"example.com/backstage/services/lifecycle/internal/models"

	"github.com/pkg/errors"
)

// ErrOutOfOrderEvent indicates a replay fed an event whose sequence
// number is not exactly state.Version+1. Either the store returned rows
// unsorted or the log has a gap; both are integrity faults.
var ErrOutOfOrderEvent = errors.New("out of order event")

// CompanyProductState is the aggregate rebuilt by replay. It is never
// stored; only the event log is durable.
type CompanyProductState struct {
	ID        string
	CompanyID string
	ProductID string

	Phase *Phase

	ProcessID          *string
	ProcessType        *string
	ProcessVersion     *int
	IsProcessCompleted bool

	StageID              *string
	StageName            *string
	StageOrder           *int
	StageTransitionCount int

	// LastEventSequence and Version both track the sequence number of
	// the last applied event; Version is what commands hand back to the
	// store as ExpectedVersion.
	LastEventSequence int64
	Version           int64
}

// NewCompanyProductState returns the empty aggregate at version 0.
func NewCompanyProductState(id, companyID, productID string) CompanyProductState {
	return CompanyProductState{
		ID:        id,
		CompanyID: companyID,
		ProductID: productID,
	}
}

// ApplyEvent folds one event into the state. It trusts the log for
// business validity (commands validated before appending) but not for
// ordering or shape: a non-contiguous sequence number or an unknown
// event type is an error.
func ApplyEvent(state CompanyProductState, event models.Event) (CompanyProductState, error) {
	if event.SequenceNumber != state.Version+1 {
		return state, errors.Wrapf(ErrOutOfOrderEvent,
			"aggregate %s at version %d got sequence %d",
			state.ID, state.Version, event.SequenceNumber)
	}

	data, err := DecodeEventData(event.EventType, event.EventData)
	if err != nil {
		return state, err
	}

	switch payload := data.(type) {
	case PhaseSetData:
		phase := payload.ToPhase
		state.Phase = &phase

	case ProcessSetData:
		state.ProcessID = &payload.ProcessID
		state.ProcessType = &payload.ProcessType
		state.ProcessVersion = &payload.ProcessVersion
		state.IsProcessCompleted = false
		if payload.InitialStageID != nil {
			state.StageID = payload.InitialStageID
			state.StageName = payload.InitialStageName
			order := 1
			state.StageOrder = &order
		}

	case StageSetData:
		state.StageID = &payload.StageID
		state.StageName = &payload.StageName
		order := payload.StageOrder
		state.StageOrder = &order
		state.StageTransitionCount++

	default:
		return state, errors.Wrapf(ErrUnknownEventType, "event type %q", event.EventType)
	}

	state.LastEventSequence = event.SequenceNumber
	state.Version = event.SequenceNumber
	return state, nil
}

// ReplayEvents folds the ordered event list left to right. Given the same
// initial state and events the result is always identical; this
// determinism is the correctness property everything else leans on.
func ReplayEvents(initial CompanyProductState, events []models.Event) (CompanyProductState, error) {
	state := initial
	for _, event := range events {
		var err error
		state, err = ApplyEvent(state, event)
		if err != nil {
			return state, err
		}
	}
	return state, nil
}

// Aggregate is the result of loading and replaying one stream.
type Aggregate struct {
	State  CompanyProductState
	Events []models.Event
	Exists bool
}

// LoadAggregate reads the full stream for one company-product and replays
// it into current state. A stream with no events yields the empty state
// with Exists false.
func LoadAggregate(ctx context.Context, store eventstore.Store, id, companyID, productID string) (*Aggregate, error) {
	events, err := store.LoadEvents(ctx, AggregateType, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load company product events")
	}

	state, err := ReplayEvents(NewCompanyProductState(id, companyID, productID), events)
	if err != nil {
		return nil, err
	}

	return &Aggregate{
		State:  state,
		Events: events,
		Exists: len(events) > 0,
	}, nil
}
