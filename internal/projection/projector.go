package projection

import (
	"context"

	"example.com/backstage/services/lifecycle/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DetailRepository is the storage contract for projection rows.
type DetailRepository interface {
	// GetByID returns the row for a work item, or (nil, nil) when no row
	// exists yet.
	GetByID(ctx context.Context, workItemID string) (*models.WorkItemDetail, error)
	// Save upserts the row.
	Save(ctx context.Context, detail *models.WorkItemDetail) error
}

// Projector maintains the work-item read model. Applies are idempotent:
// redelivered or replayed events at or below the row's LastEventSequence
// are skipped without touching storage, so at-least-once delivery and
// concurrent duplicate invocations are both safe.
type Projector struct {
	repo DetailRepository
}

// NewProjector creates a projector over the given repository.
func NewProjector(repo DetailRepository) *Projector {
	return &Projector{repo: repo}
}

// ProjectEvent applies one work-item event to the read model. It returns
// true if the row was updated and false for an idempotent skip.
func (p *Projector) ProjectEvent(ctx context.Context, event models.Event) (bool, error) {
	data, err := DecodeEventData(event.EventType, event.EventData)
	if err != nil {
		return false, err
	}

	detail, err := p.repo.GetByID(ctx, event.AggregateID)
	if err != nil {
		return false, errors.Wrap(err, "failed to load work item projection")
	}

	if detail != nil && event.SequenceNumber <= detail.LastEventSequence {
		log.Debug().
			Str("work_item_id", event.AggregateID).
			Int64("sequence", event.SequenceNumber).
			Int64("last_applied", detail.LastEventSequence).
			Msg("Skipping already applied work item event")
		return false, nil
	}

	switch payload := data.(type) {
	case WorkItemCreatedData:
		detail = &models.WorkItemDetail{
			WorkItemID:  event.AggregateID,
			Status:      models.WorkItemStatusOpen,
			SignalType:  payload.SignalType,
			Title:       payload.Title,
			CompanyID:   payload.CompanyID,
			CompanyName: payload.CompanyName,
			ProductID:   payload.ProductID,
			Queue:       payload.Queue,
			Priority:    payload.Priority,
			TriggerID:   payload.TriggerID,
		}

	case WorkItemResolvedData:
		if detail == nil {
			detail = &models.WorkItemDetail{WorkItemID: event.AggregateID}
		}
		detail.Status = models.WorkItemStatusResolved
		detail.ResolutionType = &payload.ResolutionType
		detail.ResolvedByAction = &payload.ResolvedByAction
		detail.ResolutionNotes = payload.ResolutionNotes

	case WorkItemReopenedData:
		if detail == nil {
			detail = &models.WorkItemDetail{WorkItemID: event.AggregateID}
		}
		detail.Status = models.WorkItemStatusOpen
		detail.ReopenReason = &payload.ReopenReason

	default:
		return false, errors.Wrapf(ErrUnknownEventType, "event type %q", event.EventType)
	}

	detail.LastEventSequence = event.SequenceNumber

	if err := p.repo.Save(ctx, detail); err != nil {
		return false, errors.Wrap(err, "failed to save work item projection")
	}

	return true, nil
}
