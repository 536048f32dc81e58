package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Actor types recorded on every event.
const (
	ActorTypeUser   = "user"
	ActorTypeSystem = "system"
)

// Work item statuses maintained by the projection.
const (
	WorkItemStatusOpen     = "open"
	WorkItemStatusResolved = "resolved"
)

// Event is a single row in the append-only event log. Rows are never
// updated or deleted; sequence numbers are assigned by the store and are
// contiguous per (aggregate_type, aggregate_id).
type Event struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	AggregateType  string    `gorm:"not null;uniqueIndex:idx_stream_seq,priority:1" json:"aggregate_type"`
	AggregateID    string    `gorm:"not null;uniqueIndex:idx_stream_seq,priority:2" json:"aggregate_id"`
	SequenceNumber int64     `gorm:"not null;uniqueIndex:idx_stream_seq,priority:3" json:"sequence_number"`
	GlobalSequence int64     `gorm:"autoIncrement;uniqueIndex" json:"global_sequence"`
	EventType      string    `gorm:"not null;index" json:"event_type"`
	EventData      []byte    `gorm:"type:jsonb;not null" json:"event_data"`
	Metadata       []byte    `gorm:"type:jsonb" json:"metadata"`
	ActorType      string    `gorm:"not null" json:"actor_type"`
	ActorID        *string   `json:"actor_id"`
	OccurredAt     time.Time `gorm:"not null" json:"occurred_at"`
	RecordedAt     time.Time `gorm:"autoCreateTime" json:"recorded_at"`
}

// Actor identifies who caused an event.
type Actor struct {
	Type string  `json:"type"`
	ID   *string `json:"id,omitempty"`
}

// UserActor returns an actor for the given user ID.
func UserActor(userID string) Actor {
	return Actor{Type: ActorTypeUser, ID: &userID}
}

// SystemActor returns the system actor.
func SystemActor() Actor {
	return Actor{Type: ActorTypeSystem}
}

// WorkItemDetail is the denormalized read model for a single work item.
// It is the only mutable row the core owns; LastEventSequence is the
// idempotency guard for at-least-once event delivery.
type WorkItemDetail struct {
	WorkItemID        string         `gorm:"primaryKey" json:"work_item_id"`
	CreatedAt         time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	Status            string         `gorm:"not null;index" json:"status"`
	SignalType        string         `gorm:"not null;index" json:"signal_type"`
	Title             string         `json:"title"`
	CompanyID         string         `gorm:"index" json:"company_id"`
	CompanyName       string         `json:"company_name"`
	ProductID         string         `gorm:"index" json:"product_id"`
	Queue             string         `json:"queue"`
	Priority          string         `json:"priority"`
	TriggerID         string         `json:"trigger_id"`
	ResolutionType    *string        `json:"resolution_type"`
	ResolvedByAction  *string        `json:"resolved_by_action"`
	ResolutionNotes   *string        `json:"resolution_notes"`
	ReopenReason      *string        `json:"reopen_reason"`
	LastEventSequence int64          `gorm:"not null;default:0" json:"last_event_sequence"`
	DeletedAt         gorm.DeletedAt `gorm:"index" json:"-"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Event{},
		&WorkItemDetail{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
