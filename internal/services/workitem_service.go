package services

import (
	"context"
	"encoding/json"
	"time"

	"example.com/backstage/services/lifecycle/internal/cache"
	"example.com/backstage/services/lifecycle/internal/eventstore"
	"example.com/backstage/services/lifecycle/internal/metrics"
	"example.com/backstage/services/lifecycle/internal/models"
	"example.com/backstage/services/lifecycle/internal/projection"
	"example.com/backstage/services/lifecycle/internal/resolution"
	"example.com/backstage/services/lifecycle/internal/search"
	"example.com/backstage/services/lifecycle/internal/tracing"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Message event types consumed from the work item feed.
const (
	msgWorkItemCreated = "WorkItemCreated"
	msgReplySent       = "ReplySent"
)

// workItemCacheTTL bounds staleness of cached projection rows served to
// dashboard reads.
const workItemCacheTTL = 10 * time.Minute

// reconcileBatchSize caps how many events one reconciliation pass reads.
const reconcileBatchSize = 500

// SchedulingEventInput is a scheduling-subsystem event correlated to a
// work item.
type SchedulingEventInput struct {
	WorkItemID          string `json:"work_item_id"`
	SchedulingEventType string `json:"scheduling_event_type"`
	WasBooked           bool   `json:"was_booked"`
	MeetingID           string `json:"meeting_id"`
}

// ReplyEventInput is a communication-subsystem reply event correlated to
// a work item.
type ReplyEventInput struct {
	WorkItemID        string `json:"work_item_id"`
	ReplyTargetID     string `json:"reply_target_id"`
	IsSchedulingReply bool   `json:"is_scheduling_reply"`
}

// WorkItemService consumes the work item event feed: it appends feed
// events to the work-item stream, consults the resolution rule tables for
// scheduling and communication triggers, and drives the projector.
type WorkItemService struct {
	store     eventstore.CatchupStore
	projector *projection.Projector
	repo      projection.DetailRepository
	cache     *cache.RedisCache
	elastic   *search.ElasticClient
	metrics   *metrics.Metrics
	tracer    tracing.Tracer
}

// NewWorkItemService creates a new work item service
func NewWorkItemService(
	store eventstore.CatchupStore,
	repo projection.DetailRepository,
	redisCache *cache.RedisCache,
	elasticClient *search.ElasticClient,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
) *WorkItemService {
	return &WorkItemService{
		store:     store,
		projector: projection.NewProjector(repo),
		repo:      repo,
		cache:     redisCache,
		elastic:   elasticClient,
		metrics:   metricsCollector,
		tracer:    tracer,
	}
}

// ProcessMessage handles one message from the Service Bus feed.
// Work-item creation, scheduling events and communication replies all
// arrive on the same queue, discriminated by the envelope's ev tag.
func (s *WorkItemService) ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage, txn *newrelic.Transaction) error {
	var envelope struct {
		EventType string          `json:"ev"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(message.Body, &envelope); err != nil {
		return errors.Wrap(err, "failed to unmarshal message envelope")
	}

	s.tracer.AddAttribute(txn, "event_type", envelope.EventType)

	switch envelope.EventType {
	case msgWorkItemCreated:
		var data projection.WorkItemCreatedData
		if err := json.Unmarshal(envelope.Payload, &data); err != nil {
			return errors.Wrap(err, "failed to unmarshal work item created payload")
		}
		_, err := s.CreateWorkItem(ctx, data)
		return err

	case resolution.SchedulingEventMeetingBooked, resolution.SchedulingEventSchedulingRequested:
		var input SchedulingEventInput
		if err := json.Unmarshal(envelope.Payload, &input); err != nil {
			return errors.Wrap(err, "failed to unmarshal scheduling payload")
		}
		input.SchedulingEventType = envelope.EventType
		_, err := s.HandleSchedulingEvent(ctx, input)
		return err

	case resolution.SchedulingEventMeetingCancelled:
		var input SchedulingEventInput
		if err := json.Unmarshal(envelope.Payload, &input); err != nil {
			return errors.Wrap(err, "failed to unmarshal cancellation payload")
		}
		_, err := s.HandleMeetingCancelled(ctx, input)
		return err

	case msgReplySent:
		var input ReplyEventInput
		if err := json.Unmarshal(envelope.Payload, &input); err != nil {
			return errors.Wrap(err, "failed to unmarshal reply payload")
		}
		_, err := s.HandleReplyEvent(ctx, input)
		return err

	default:
		// Unknown feed messages are producer bugs, not poison we should
		// retry forever; log and complete.
		log.Warn().Str("event_type", envelope.EventType).Msg("Ignoring unknown feed message type")
		return nil
	}
}

// CreateWorkItem appends a WorkItemCreated event and projects it.
func (s *WorkItemService) CreateWorkItem(ctx context.Context, data projection.WorkItemCreatedData) (*models.Event, error) {
	event, err := s.appendWorkItemEvent(ctx, data.WorkItemID, data)
	if err != nil {
		return nil, err
	}

	if err := s.applyAndIndex(ctx, *event); err != nil {
		return nil, err
	}

	s.metrics.IncrementCounter("work_items.created")
	return event, nil
}

// HandleSchedulingEvent consults the scheduling rule table and, when the
// rule says the event addresses the work item's signal, emits a
// WorkItemResolved event. Returns whether the item was resolved.
func (s *WorkItemService) HandleSchedulingEvent(ctx context.Context, input SchedulingEventInput) (bool, error) {
	detail, err := s.repo.GetByID(ctx, input.WorkItemID)
	if err != nil {
		return false, errors.Wrap(err, "failed to load work item for scheduling event")
	}
	if detail == nil {
		log.Warn().Str("work_item_id", input.WorkItemID).Msg("Scheduling event for unknown work item")
		return false, nil
	}
	if detail.Status == models.WorkItemStatusResolved {
		return false, nil
	}

	decision := resolution.SchedulingResolution(detail.SignalType, input.SchedulingEventType, input.WasBooked)
	if !decision.Resolves {
		log.Debug().
			Str("work_item_id", input.WorkItemID).
			Str("signal_type", detail.SignalType).
			Str("reason", decision.Reason).
			Msg("Scheduling event does not resolve work item")
		return false, nil
	}

	notes := decision.Reason
	event, err := s.appendWorkItemEvent(ctx, input.WorkItemID, projection.WorkItemResolvedData{
		WorkItemID:       input.WorkItemID,
		ResolutionType:   "scheduling",
		ResolvedByAction: input.SchedulingEventType,
		ResolutionNotes:  &notes,
	})
	if err != nil {
		return false, err
	}

	if err := s.applyAndIndex(ctx, *event); err != nil {
		return false, err
	}

	s.metrics.IncrementCounter("work_items.resolved.scheduling")
	return true, nil
}

// HandleMeetingCancelled consults the reopen rule table and reopens the
// work item when its signal class requires a meeting to stay addressed.
func (s *WorkItemService) HandleMeetingCancelled(ctx context.Context, input SchedulingEventInput) (bool, error) {
	detail, err := s.repo.GetByID(ctx, input.WorkItemID)
	if err != nil {
		return false, errors.Wrap(err, "failed to load work item for cancellation")
	}
	if detail == nil || detail.Status != models.WorkItemStatusResolved {
		return false, nil
	}

	decision := resolution.ReopenOnCancel(detail.SignalType)
	if !decision.ShouldReopen {
		log.Debug().
			Str("work_item_id", input.WorkItemID).
			Str("reason", decision.Reason).
			Msg("Cancellation does not reopen work item")
		return false, nil
	}

	event, err := s.appendWorkItemEvent(ctx, input.WorkItemID, projection.WorkItemReopenedData{
		WorkItemID:   input.WorkItemID,
		ReopenReason: decision.Reason,
	})
	if err != nil {
		return false, err
	}

	if err := s.applyAndIndex(ctx, *event); err != nil {
		return false, err
	}

	s.metrics.IncrementCounter("work_items.reopened")
	return true, nil
}

// HandleReplyEvent consults the communication rule table for an outbound
// reply and resolves the work item when the rule matches.
func (s *WorkItemService) HandleReplyEvent(ctx context.Context, input ReplyEventInput) (bool, error) {
	detail, err := s.repo.GetByID(ctx, input.WorkItemID)
	if err != nil {
		return false, errors.Wrap(err, "failed to load work item for reply event")
	}
	if detail == nil {
		log.Warn().Str("work_item_id", input.WorkItemID).Msg("Reply event for unknown work item")
		return false, nil
	}
	if detail.Status == models.WorkItemStatusResolved {
		return false, nil
	}

	decision := resolution.ReplyResolution(detail.SignalType, input.ReplyTargetID, detail.TriggerID, input.IsSchedulingReply)
	if !decision.Resolves {
		log.Debug().
			Str("work_item_id", input.WorkItemID).
			Str("signal_type", detail.SignalType).
			Str("reason", decision.Reason).
			Msg("Reply does not resolve work item")
		return false, nil
	}

	notes := decision.Reason
	event, err := s.appendWorkItemEvent(ctx, input.WorkItemID, projection.WorkItemResolvedData{
		WorkItemID:       input.WorkItemID,
		ResolutionType:   "communication",
		ResolvedByAction: msgReplySent,
		ResolutionNotes:  &notes,
	})
	if err != nil {
		return false, err
	}

	if err := s.applyAndIndex(ctx, *event); err != nil {
		return false, err
	}

	s.metrics.IncrementCounter("work_items.resolved.communication")
	return true, nil
}

// GetWorkItem serves one projection row, read-through cached.
func (s *WorkItemService) GetWorkItem(ctx context.Context, workItemID string) (*models.WorkItemDetail, error) {
	var cached models.WorkItemDetail
	cacheKey := cache.GetWorkItemCacheKey(workItemID)
	if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
		return &cached, nil
	}

	detail, err := s.repo.GetByID(ctx, workItemID)
	if err != nil {
		return nil, err
	}
	if detail == nil {
		return nil, nil
	}

	if err := s.cache.Set(ctx, cacheKey, detail, workItemCacheTTL); err != nil {
		log.Warn().Err(err).Str("work_item_id", workItemID).Msg("Failed to cache work item detail")
	}

	return detail, nil
}

// SearchWorkItems queries the work item search index.
func (s *WorkItemService) SearchWorkItems(ctx context.Context, query map[string]interface{}) ([]map[string]interface{}, error) {
	if s.elastic == nil {
		return nil, errors.New("work item search is not configured")
	}
	return s.elastic.SearchWorkItems(ctx, query)
}

// ReconcileProjections replays the work-item event feed past the stored
// global-sequence watermark. It is the fallback for deliveries the worker
// missed; idempotent skips make overlap with live processing harmless.
func (s *WorkItemService) ReconcileProjections(ctx context.Context) error {
	txn := s.tracer.StartTransaction("reconcile-projections")
	defer s.tracer.EndTransaction(txn)

	var watermark int64
	if err := s.cache.Get(ctx, cache.GetProjectionWatermarkKey(), &watermark); err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		log.Warn().Err(err).Msg("Failed to read projection watermark, replaying from start")
	}

	events, err := s.store.LoadEventsAfterGlobal(ctx, projection.AggregateType, watermark, reconcileBatchSize)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return errors.Wrap(err, "failed to load events for reconciliation")
	}

	if len(events) == 0 {
		return nil
	}

	applied := 0
	for _, event := range events {
		ok, err := s.projector.ProjectEvent(ctx, event)
		if err != nil {
			s.tracer.RecordError(txn, err)
			return errors.Wrapf(err, "failed to project event %s during reconciliation", event.ID)
		}
		if ok {
			applied++
			s.refreshReadSide(ctx, event.AggregateID)
		}
		watermark = event.GlobalSequence
	}

	if err := s.cache.Set(ctx, cache.GetProjectionWatermarkKey(), watermark, 0); err != nil {
		log.Warn().Err(err).Msg("Failed to persist projection watermark")
	}

	s.metrics.IncrementCounterBy("projections.reconciled", int64(applied))
	log.Info().
		Int("events", len(events)).
		Int("applied", applied).
		Int64("watermark", watermark).
		Msg("Projection reconciliation pass complete")
	return nil
}

// appendWorkItemEvent appends unconditionally: feed producers never read
// the stream first, so last-writer-wins ordering by append is the
// contract (the later event decides final status).
func (s *WorkItemService) appendWorkItemEvent(ctx context.Context, workItemID string, data projection.EventData) (*models.Event, error) {
	raw, err := projection.EncodeEventData(data)
	if err != nil {
		return nil, err
	}

	event, err := s.store.Append(ctx, eventstore.AppendInput{
		AggregateType: projection.AggregateType,
		AggregateID:   workItemID,
		EventType:     string(data.EventType()),
		EventData:     raw,
		Actor:         models.SystemActor(),
		OccurredAt:    time.Now().UTC(),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to append %s event", data.EventType())
	}

	return event, nil
}

// applyAndIndex projects one event and refreshes cache and search index
// when the row changed.
func (s *WorkItemService) applyAndIndex(ctx context.Context, event models.Event) error {
	applied, err := s.projector.ProjectEvent(ctx, event)
	if err != nil {
		return err
	}
	if !applied {
		s.metrics.IncrementCounter("projections.skipped")
		return nil
	}

	s.metrics.IncrementCounter("projections.applied")
	s.refreshReadSide(ctx, event.AggregateID)
	return nil
}

// refreshReadSide re-caches and re-indexes the current row. Failures here
// are logged, not returned: the projection row is the source of truth and
// both side stores converge on the next write.
func (s *WorkItemService) refreshReadSide(ctx context.Context, workItemID string) {
	detail, err := s.repo.GetByID(ctx, workItemID)
	if err != nil || detail == nil {
		log.Warn().Err(err).Str("work_item_id", workItemID).Msg("Failed to reload work item for read-side refresh")
		return
	}

	if err := s.cache.Set(ctx, cache.GetWorkItemCacheKey(workItemID), detail, workItemCacheTTL); err != nil {
		log.Warn().Err(err).Str("work_item_id", workItemID).Msg("Failed to refresh work item cache")
	}

	if s.elastic != nil {
		if err := s.elastic.IndexWorkItem(ctx, detail); err != nil {
			log.Warn().Err(err).Str("work_item_id", workItemID).Msg("Failed to index work item")
		}
	}
}
