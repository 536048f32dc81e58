package lifecycle

import (
	"testing"
	"time"

	"example.com/backstage/services/lifecycle/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func makeEvent(t *testing.T, aggregateID string, seq int64, data EventData) models.Event {
	t.Helper()
	raw, err := EncodeEventData(data)
	require.NoError(t, err)
	return models.Event{
		ID:             uuid.New(),
		AggregateType:  AggregateType,
		AggregateID:    aggregateID,
		SequenceNumber: seq,
		GlobalSequence: seq,
		EventType:      string(data.EventType()),
		EventData:      raw,
		ActorType:      models.ActorTypeSystem,
		OccurredAt:     time.Now().UTC(),
	}
}

func TestReplayEventsIsDeterministic(t *testing.T) {
	stageID := "stage-1"
	stageName := "Kickoff"
	events := []models.Event{
		makeEvent(t, "cp-1", 1, PhaseSetData{ToPhase: PhaseProspect}),
		makeEvent(t, "cp-1", 2, ProcessSetData{
			ProcessID:        "proc-1",
			ProcessType:      "onboarding",
			ProcessVersion:   2,
			InitialStageID:   &stageID,
			InitialStageName: &stageName,
		}),
		makeEvent(t, "cp-1", 3, StageSetData{StageID: "stage-2", StageName: "Discovery", StageOrder: 2, IsProgression: true}),
	}

	initial := NewCompanyProductState("cp-1", "company-1", "product-1")

	first, err := ReplayEvents(initial, events)
	require.NoError(t, err)

	second, err := ReplayEvents(initial, events)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, int64(3), first.Version)
	require.Equal(t, int64(3), first.LastEventSequence)
	require.Equal(t, PhaseProspect, *first.Phase)
	require.Equal(t, "proc-1", *first.ProcessID)
	require.Equal(t, "stage-2", *first.StageID)
	require.Equal(t, 2, *first.StageOrder)
	require.Equal(t, 1, first.StageTransitionCount)
}

func TestApplyEventRejectsOutOfOrderSequence(t *testing.T) {
	initial := NewCompanyProductState("cp-1", "company-1", "product-1")

	// Sequence 2 against a fresh aggregate is a gap.
	_, err := ApplyEvent(initial, makeEvent(t, "cp-1", 2, PhaseSetData{ToPhase: PhaseProspect}))
	require.ErrorIs(t, err, ErrOutOfOrderEvent)

	state, err := ApplyEvent(initial, makeEvent(t, "cp-1", 1, PhaseSetData{ToPhase: PhaseProspect}))
	require.NoError(t, err)

	// Replaying the same sequence number is a duplicate.
	_, err = ApplyEvent(state, makeEvent(t, "cp-1", 1, PhaseSetData{ToPhase: PhaseInSales}))
	require.ErrorIs(t, err, ErrOutOfOrderEvent)
}

func TestApplyEventRejectsUnknownEventType(t *testing.T) {
	initial := NewCompanyProductState("cp-1", "company-1", "product-1")
	event := makeEvent(t, "cp-1", 1, PhaseSetData{ToPhase: PhaseProspect})
	event.EventType = "CompanyProductRenamed"

	_, err := ApplyEvent(initial, event)
	require.ErrorIs(t, err, ErrUnknownEventType)
}

func TestProcessSetWithInitialStageNeedsNoStageEvent(t *testing.T) {
	stageID := "stage-1"
	stageName := "Kickoff"
	initial := NewCompanyProductState("cp-1", "company-1", "product-1")

	state, err := ApplyEvent(initial, makeEvent(t, "cp-1", 1, ProcessSetData{
		ProcessID:        "proc-1",
		ProcessType:      "sales",
		ProcessVersion:   1,
		InitialStageID:   &stageID,
		InitialStageName: &stageName,
	}))
	require.NoError(t, err)

	require.Equal(t, "stage-1", *state.StageID)
	require.Equal(t, "Kickoff", *state.StageName)
	// The initial stage is part of the process event, not a transition.
	require.Equal(t, 0, state.StageTransitionCount)
}

func TestStageTransitionCountIncrements(t *testing.T) {
	events := []models.Event{
		makeEvent(t, "cp-1", 1, ProcessSetData{ProcessID: "proc-1", ProcessType: "sales", ProcessVersion: 1}),
		makeEvent(t, "cp-1", 2, StageSetData{StageID: "s1", StageName: "One", StageOrder: 1, IsProgression: true}),
		makeEvent(t, "cp-1", 3, StageSetData{StageID: "s2", StageName: "Two", StageOrder: 2, IsProgression: true}),
		makeEvent(t, "cp-1", 4, StageSetData{StageID: "s1", StageName: "One", StageOrder: 1, IsProgression: false}),
	}

	state, err := ReplayEvents(NewCompanyProductState("cp-1", "company-1", "product-1"), events)
	require.NoError(t, err)
	require.Equal(t, 3, state.StageTransitionCount)
	require.Equal(t, "s1", *state.StageID)
}

func TestPhaseLatticeOrdering(t *testing.T) {
	require.True(t, PhaseProspect.CanTransitionTo(PhaseInSales))
	require.True(t, PhaseProspect.CanTransitionTo(PhaseChurned))
	require.False(t, PhaseInSales.CanTransitionTo(PhaseProspect))
	require.False(t, PhaseInSales.CanTransitionTo(PhaseInSales))
	require.False(t, Phase("unknown").CanTransitionTo(PhaseInSales))
	require.False(t, PhaseInSales.CanTransitionTo(Phase("unknown")))
}
