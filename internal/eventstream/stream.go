// Package eventstream wraps the inbound device event topic. The live
// dispatcher and the storage sink each own an independent subscription, so
// both see every event the devices publish.
package eventstream

import (
	"context"
	"fmt"
	"time"

	"github.com/John-ltf/IoT-functions/config"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/sirupsen/logrus"
)

const (
	// SourceTelemetry marks an event as genuine device telemetry. Other
	// source kinds (connection lifecycle echoes, twin changes) share the
	// same stream and are skipped by consumers.
	SourceTelemetry = "Telemetry"

	propMessageSource = "iothub-message-source"
	propDeviceID      = "iothub-connection-device-id"
)

// Event is one item read from the inbound stream, together with its
// settlement callbacks. Ack completes the message; Nack returns it to the
// subscription for redelivery.
type Event struct {
	Body     []byte
	Source   string
	DeviceID string
	Enqueued time.Time

	Ack  func()
	Nack func()
}

// IsTelemetry reports whether the event's source marker indicates device
// telemetry.
func (e Event) IsTelemetry() bool {
	return e.Source == SourceTelemetry
}

// Stream is a batched reader over the inbound event topic.
type Stream interface {
	NextBatch(ctx context.Context) ([]Event, error)
	Close(ctx context.Context) error
}

// serviceBusStream implements Stream on top of an Azure Service Bus topic
// subscription.
type serviceBusStream struct {
	client    *azservicebus.Client
	receiver  *azservicebus.Receiver
	batchSize int
	log       *logrus.Logger
}

// NewServiceBusStream opens a receiver on the configured topic for the given
// subscription.
func NewServiceBusStream(cfg config.ServiceBusConfig, subscription string, log *logrus.Logger) (Stream, error) {
	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	receiver, err := client.NewReceiverForSubscription(cfg.Topic, subscription, nil)
	if err != nil {
		client.Close(context.Background())
		return nil, fmt.Errorf("failed to create receiver for subscription %s: %w", subscription, err)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}

	return &serviceBusStream{
		client:    client,
		receiver:  receiver,
		batchSize: batchSize,
		log:       log,
	}, nil
}

// NextBatch blocks until at least one message is available or the context is
// cancelled. Messages stay in FIFO order as delivered by the broker.
func (s *serviceBusStream) NextBatch(ctx context.Context) ([]Event, error) {
	messages, err := s.receiver.ReceiveMessages(ctx, s.batchSize, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}

	events := make([]Event, 0, len(messages))
	for _, msg := range messages {
		events = append(events, s.toEvent(msg))
	}
	return events, nil
}

func (s *serviceBusStream) toEvent(msg *azservicebus.ReceivedMessage) Event {
	ev := Event{
		Body:     msg.Body,
		Source:   appPropString(msg, propMessageSource),
		DeviceID: appPropString(msg, propDeviceID),
	}
	if msg.EnqueuedTime != nil {
		ev.Enqueued = *msg.EnqueuedTime
	}

	// Settlement uses a background context so a cancelled batch can still
	// finish settling items it already processed.
	ev.Ack = func() {
		if err := s.receiver.CompleteMessage(context.Background(), msg, nil); err != nil {
			s.log.WithError(err).Errorf("Failed to complete message %s", msg.MessageID)
		}
	}
	ev.Nack = func() {
		if err := s.receiver.AbandonMessage(context.Background(), msg, nil); err != nil {
			s.log.WithError(err).Errorf("Failed to abandon message %s", msg.MessageID)
		}
	}
	return ev
}

// Close shuts down the receiver and the underlying client.
func (s *serviceBusStream) Close(ctx context.Context) error {
	if err := s.receiver.Close(ctx); err != nil {
		s.log.WithError(err).Error("Error closing receiver")
	}
	return s.client.Close(ctx)
}

func appPropString(msg *azservicebus.ReceivedMessage, key string) string {
	v, ok := msg.ApplicationProperties[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprintf("%v", v)
	}
	return s
}
