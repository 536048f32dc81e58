package eventstore

import (
	"context"
	"time"

	"example.com/backstage/services/lifecycle/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ErrConcurrencyConflict is returned when a conditional append loses the
// race for its target sequence number, or when the expected version no
// longer matches the stream. Callers recover by reloading and reissuing.
var ErrConcurrencyConflict = errors.New("concurrency conflict: aggregate was modified by another writer")

// maxAppendRetries bounds the retry loop for unconditional appends racing
// on the same stream.
const maxAppendRetries = 10

// AppendInput carries everything needed to persist one event. The store
// assigns ID, SequenceNumber, GlobalSequence and RecordedAt.
type AppendInput struct {
	AggregateType string
	AggregateID   string
	EventType     string
	EventData     []byte
	Metadata      []byte
	Actor         models.Actor
	OccurredAt    time.Time
	// ExpectedVersion, when set, makes the append conditional: the write
	// succeeds only if the stream is currently at exactly this version.
	// When nil the append is unconditional (last-writer-wins), reserved
	// for system-generated events where no prior read occurred.
	ExpectedVersion *int64
}

// Store is the append/query contract against the durable event log.
type Store interface {
	Append(ctx context.Context, input AppendInput) (*models.Event, error)
	LoadEvents(ctx context.Context, aggregateType, aggregateID string) ([]models.Event, error)
}

// CatchupStore additionally reads the cross-stream event feed by global
// sequence, for projection catch-up.
type CatchupStore interface {
	Store
	LoadEventsAfterGlobal(ctx context.Context, aggregateType string, afterGlobal int64, limit int) ([]models.Event, error)
}

// GormStore implements Store on top of a relational database. The
// uniqueness constraint on (aggregate_type, aggregate_id, sequence_number)
// is what serializes concurrent appenders; the store holds no locks.
type GormStore struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewGormStore creates a store over the write and read-only databases.
// The write DB must be opened with TranslateError so duplicate-key
// violations surface as gorm.ErrDuplicatedKey.
func NewGormStore(db *gorm.DB, readOnlyDB *gorm.DB) *GormStore {
	return &GormStore{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Append persists one event. Conditional appends (ExpectedVersion set)
// fail with ErrConcurrencyConflict if another writer advanced the stream;
// unconditional appends retry until they claim the next free sequence
// number.
func (s *GormStore) Append(ctx context.Context, input AppendInput) (*models.Event, error) {
	if input.ExpectedVersion != nil {
		return s.appendAt(ctx, input, *input.ExpectedVersion+1, false)
	}

	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		version, err := s.currentVersion(ctx, input.AggregateType, input.AggregateID)
		if err != nil {
			return nil, err
		}

		event, err := s.appendAt(ctx, input, version+1, true)
		if err == nil {
			return event, nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) {
			return nil, err
		}

		log.Debug().
			Str("aggregate_type", input.AggregateType).
			Str("aggregate_id", input.AggregateID).
			Int64("sequence", version+1).
			Msg("Lost append race, retrying with next sequence number")
	}

	return nil, errors.Errorf(
		"failed to append event to %s/%s after %d attempts",
		input.AggregateType, input.AggregateID, maxAppendRetries,
	)
}

// appendAt inserts the event at a fixed sequence number. For conditional
// appends the current version is re-checked first so that a stale
// ExpectedVersion ahead of the stream cannot create a gap.
func (s *GormStore) appendAt(ctx context.Context, input AppendInput, sequence int64, unconditional bool) (*models.Event, error) {
	if !unconditional {
		version, err := s.currentVersion(ctx, input.AggregateType, input.AggregateID)
		if err != nil {
			return nil, err
		}
		if version != sequence-1 {
			return nil, ErrConcurrencyConflict
		}
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	event := &models.Event{
		ID:             uuid.New(),
		AggregateType:  input.AggregateType,
		AggregateID:    input.AggregateID,
		SequenceNumber: sequence,
		EventType:      input.EventType,
		EventData:      input.EventData,
		Metadata:       input.Metadata,
		ActorType:      input.Actor.Type,
		ActorID:        input.Actor.ID,
		OccurredAt:     occurredAt,
	}

	err := s.db.WithContext(ctx).Create(event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrConcurrencyConflict
		}
		return nil, errors.Wrap(err, "failed to append event")
	}

	return event, nil
}

// currentVersion reads the highest persisted sequence number for a
// stream, zero for a stream with no events. It reads through the write
// DB: replica lag here would manifest as spurious conflicts.
func (s *GormStore) currentVersion(ctx context.Context, aggregateType, aggregateID string) (int64, error) {
	var version int64
	err := s.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("aggregate_type = ? AND aggregate_id = ?", aggregateType, aggregateID).
		Select("COALESCE(MAX(sequence_number), 0)").
		Scan(&version).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to read current stream version")
	}
	return version, nil
}

// LoadEvents reads the full stream ascending by sequence number. An
// empty stream yields an empty slice, not an error.
func (s *GormStore) LoadEvents(ctx context.Context, aggregateType, aggregateID string) ([]models.Event, error) {
	var events []models.Event
	err := s.readOnlyDB.WithContext(ctx).
		Where("aggregate_type = ? AND aggregate_id = ?", aggregateType, aggregateID).
		Order("sequence_number ASC").
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to load events")
	}
	return events, nil
}

// LoadEventsAfterGlobal reads events across all streams of one aggregate
// type with a global sequence above the given watermark, ascending. Used
// by the projection reconciliation job.
func (s *GormStore) LoadEventsAfterGlobal(ctx context.Context, aggregateType string, afterGlobal int64, limit int) ([]models.Event, error) {
	var events []models.Event
	err := s.readOnlyDB.WithContext(ctx).
		Where("aggregate_type = ? AND global_sequence > ?", aggregateType, afterGlobal).
		Order("global_sequence ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to load events after global sequence")
	}
	return events, nil
}
