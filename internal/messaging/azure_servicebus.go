package messaging

import (
	"context"
	"time"

	"example.com/backstage/services/lifecycle/config"
	"example.com/backstage/services/lifecycle/internal/tracing"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// MessageHandler processes one received message within a transaction.
type MessageHandler func(ctx context.Context, message *azservicebus.ReceivedMessage, txn *newrelic.Transaction) error

// AzureServiceBus consumes the work item event feed from an Azure
// Service Bus queue
type AzureServiceBus struct {
	client    *azservicebus.Client
	receiver  *azservicebus.Receiver
	queueName string
	tracer    tracing.Tracer
}

// NewAzureServiceBus creates a new Service Bus consumer for the
// configured queue
func NewAzureServiceBus(cfg config.AzureConfig, tracer tracing.Tracer) (*AzureServiceBus, error) {
	if cfg.QueueConnStr == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	receiver, err := client.NewReceiverForQueue(cfg.QueueName, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus receiver")
	}

	return &AzureServiceBus{
		client:    client,
		receiver:  receiver,
		queueName: cfg.QueueName,
		tracer:    tracer,
	}, nil
}

// ProcessMessages receives messages in a loop until the context is
// cancelled. Handler failures abandon the message so the queue redelivers
// it; the projector's idempotency guard makes redelivery safe.
func (b *AzureServiceBus) ProcessMessages(ctx context.Context, handler MessageHandler) error {
	for {
		messages, err := b.receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("Failed to receive messages, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
				continue
			}
		}

		for _, message := range messages {
			txn := b.tracer.StartTransaction("process-work-item-message")

			if err := handler(ctx, message, txn); err != nil {
				log.Error().
					Err(err).
					Str("message_id", message.MessageID).
					Msg("Failed to process message")
				b.tracer.RecordError(txn, err)
				b.tracer.EndTransaction(txn)

				if abandonErr := b.receiver.AbandonMessage(ctx, message, nil); abandonErr != nil {
					log.Error().Err(abandonErr).Str("message_id", message.MessageID).Msg("Failed to abandon message")
				}
				continue
			}

			b.tracer.EndTransaction(txn)

			if err := b.receiver.CompleteMessage(ctx, message, nil); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to complete message")
			}
		}
	}
}

// Close closes the receiver and client
func (b *AzureServiceBus) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if b.receiver != nil {
		if err := b.receiver.Close(ctx); err != nil {
			return err
		}
	}

	if b.client != nil {
		return b.client.Close(ctx)
	}

	return nil
}
