// Package dispatcher holds the pipeline workers: the live fan-out consumer,
// the storage sink, and the change-feed re-broadcast loop. Each worker runs
// in its own goroutine and shares no mutable state with the others.
package dispatcher

import (
	"context"
	"time"

	"github.com/John-ltf/IoT-functions/internal/eventstream"
	"github.com/John-ltf/IoT-functions/internal/hub"
	"github.com/John-ltf/IoT-functions/internal/record"

	"github.com/sirupsen/logrus"
)

// receiveBackoff is how long a consumer waits after a stream error before
// trying again.
const receiveBackoff = 2 * time.Second

// LiveDispatcher fans inbound telemetry out to live subscribers, one
// newMessage per record, addressed to the group named after the device.
type LiveDispatcher struct {
	stream  eventstream.Stream
	builder *record.Builder
	hub     hub.Sender
	log     *logrus.Logger
}

// NewLiveDispatcher creates a live fan-out dispatcher
func NewLiveDispatcher(stream eventstream.Stream, builder *record.Builder, sender hub.Sender, log *logrus.Logger) *LiveDispatcher {
	if log == nil {
		log = logrus.New()
	}
	return &LiveDispatcher{
		stream:  stream,
		builder: builder,
		hub:     sender,
		log:     log,
	}
}

// Run consumes batches until the context is cancelled. Cancellation is
// honored between items; an item being dispatched always runs to completion.
func (d *LiveDispatcher) Run(ctx context.Context) {
	d.log.Info("Live dispatcher started")
	defer d.log.Info("Live dispatcher stopped")

	for {
		events, err := d.stream.NextBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.WithError(err).Error("Live dispatcher failed to receive batch")
			select {
			case <-time.After(receiveBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, ev := range events {
			d.dispatch(ctx, ev)
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// dispatch handles one event. Failures are isolated: a malformed event is
// dropped and logged, never allowed to abort its siblings.
func (d *LiveDispatcher) dispatch(ctx context.Context, ev eventstream.Event) {
	if !ev.IsTelemetry() {
		ev.Ack()
		return
	}

	rec, err := d.builder.Build(ev.DeviceID, ev.Body)
	if err != nil {
		d.log.WithError(err).WithField("device_id", ev.DeviceID).
			Warn("Dropping unbuildable event")
		ev.Ack()
		return
	}

	if err := d.hub.SendToGroup(ctx, rec.DeviceID, hub.EventNewMessage, rec); err != nil {
		d.log.WithError(err).WithFields(logrus.Fields{
			"device_id": rec.DeviceID,
			"record_id": rec.ID,
		}).Error("Failed to emit live record, returning event to stream")
		ev.Nack()
		return
	}

	d.log.WithFields(logrus.Fields{
		"device_id": rec.DeviceID,
		"record_id": rec.ID,
	}).Debug("New live data emitted")
	ev.Ack()
}
