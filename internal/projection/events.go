package projection

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// AggregateType is the stream name for work-item lifecycle events. This
// stream is disjoint from the company-product stream; the two correlate
// only by business IDs.
const AggregateType = "work_item"

// EventType tags a work-item lifecycle event.
type EventType string

const (
	EventTypeWorkItemCreated  EventType = "WorkItemCreated"
	EventTypeWorkItemResolved EventType = "WorkItemResolved"
	EventTypeWorkItemReopened EventType = "WorkItemReopened"
)

// ErrUnknownEventType indicates an event this projector does not know how
// to apply. Skipping it silently would desync the read model, so it is an
// error.
var ErrUnknownEventType = errors.New("unknown work item event type")

// EventData is the closed union of work-item event payloads.
type EventData interface {
	EventType() EventType
}

// WorkItemCreatedData opens a work item with its descriptive fields.
type WorkItemCreatedData struct {
	WorkItemID  string `json:"work_item_id"`
	SignalType  string `json:"signal_type"`
	Title       string `json:"title"`
	CompanyID   string `json:"company_id"`
	CompanyName string `json:"company_name"`
	ProductID   string `json:"product_id"`
	Queue       string `json:"queue"`
	Priority    string `json:"priority"`
	TriggerID   string `json:"trigger_id,omitempty"`
}

func (WorkItemCreatedData) EventType() EventType { return EventTypeWorkItemCreated }

// WorkItemResolvedData closes a work item.
type WorkItemResolvedData struct {
	WorkItemID       string  `json:"work_item_id"`
	ResolutionType   string  `json:"resolution_type"`
	ResolvedByAction string  `json:"resolved_by_action"`
	ResolutionNotes  *string `json:"resolution_notes,omitempty"`
}

func (WorkItemResolvedData) EventType() EventType { return EventTypeWorkItemResolved }

// WorkItemReopenedData reopens a previously resolved work item.
type WorkItemReopenedData struct {
	WorkItemID   string `json:"work_item_id"`
	ReopenReason string `json:"reopen_reason"`
}

func (WorkItemReopenedData) EventType() EventType { return EventTypeWorkItemReopened }

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
	case EventTypeWorkItemCreated:
		var data WorkItemCreatedData
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, errors.Wrapf(err, "failed to decode %s payload", eventType)
		}
		return data, nil
	case EventTypeWorkItemResolved:
		var data WorkItemResolvedData
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, errors.Wrapf(err, "failed to decode %s payload", eventType)
		}
		return data, nil
	case EventTypeWorkItemReopened:
		var data WorkItemReopenedData
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, errors.Wrapf(err, "failed to decode %s payload", eventType)
		}
		return data, nil
	default:
		return nil, errors.Wrapf(ErrUnknownEventType, "event type %q", eventType)
	}
}
