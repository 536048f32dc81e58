package lifecycle

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// AggregateType is the stream name for company-product lifecycle events.
const AggregateType = "company_product"

// EventType tags a company-product lifecycle event. The set is closed:
// adding a type without extending DecodeEventData and ApplyEvent is a
// compile-time or replay-time error, never a silent no-op.
type EventType string

const (
	EventTypePhaseSet   EventType = "CompanyProductPhaseSet"
	EventTypeProcessSet EventType = "CompanyProductProcessSet"
	EventTypeStageSet   EventType = "CompanyProductStageSet"
)

// ErrUnknownEventType indicates a corrupted log or a producer emitting a
// type this build does not know about. Integrity fault, surfaced loudly.
var ErrUnknownEventType = errors.New("unknown event type")

// EventData is the closed union of company-product event payloads.
type EventData interface {
	EventType() EventType
}

// PhaseSetData moves the aggregate forward in the phase lattice.
type PhaseSetData struct {
	FromPhase *Phase `json:"from_phase"`
	ToPhase   Phase  `json:"to_phase"`
}

func (PhaseSetData) EventType() EventType { return EventTypePhaseSet }

// ProcessSetData attaches a process to the aggregate, optionally with an
// initial stage so no separate stage event is needed.
type ProcessSetData struct {
	ProcessID        string  `json:"process_id"`
	ProcessType      string  `json:"process_type"`
	ProcessVersion   int     `json:"process_version"`
	InitialStageID   *string `json:"initial_stage_id,omitempty"`
	InitialStageName *string `json:"initial_stage_name,omitempty"`
}

func (ProcessSetData) EventType() EventType { return EventTypeProcessSet }

// StageSetData records a stage transition within the active process.
type StageSetData struct {
	StageID       string  `json:"stage_id"`
	StageName     string  `json:"stage_name"`
	StageOrder    int     `json:"stage_order"`
	IsProgression bool    `json:"is_progression"`
	FromStageID   *string `json:"from_stage_id,omitempty"`
}

func (StageSetData) EventType() EventType { return EventTypeStageSet }

// EncodeEventData marshals a payload for storage.
func EncodeEventData(data EventData) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %s payload", data.EventType())
	}
	return raw, nil
}

// DecodeEventData unmarshals a stored payload into its concrete type.
func DecodeEventData(eventType string, raw []byte) (EventData, error) {
	switch EventType(eventType) {
	case EventTypePhaseSet:
		var data PhaseSetData
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, errors.Wrapf(err, "failed to decode %s payload", eventType)
		}
		return data, nil
	case EventTypeProcessSet:
		var data ProcessSetData
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, errors.Wrapf(err, "failed to decode %s payload", eventType)
		}
		return data, nil
	case EventTypeStageSet:
		var data StageSetData
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, errors.Wrapf(err, "failed to decode %s payload", eventType)
		}
		return data, nil
	default:
		return nil, errors.Wrapf(ErrUnknownEventType, "event type %q", eventType)
	}
}
