package dispatcher

import (
	"context"
	"time"

	"github.com/John-ltf/IoT-functions/internal/hub"
	"github.com/John-ltf/IoT-functions/internal/repository"

	"github.com/sirupsen/logrus"
)

// ChangeFeedDispatcher re-broadcasts records to history subscribers once
// storage reports them committed. It polls for rows not yet marked
// broadcast, emits each to the history hub, then marks them. Marking after
// emit means a crash in between re-delivers on restart; duplicate
// newMessage delivery is acceptable downstream.
type ChangeFeedDispatcher struct {
	repo         repository.Repository
	hub          hub.Sender
	log          *logrus.Logger
	pollInterval time.Duration
	batchSize    int
}

// NewChangeFeedDispatcher creates a change-feed re-broadcast loop
func NewChangeFeedDispatcher(repo repository.Repository, sender hub.Sender, pollInterval time.Duration, batchSize int, log *logrus.Logger) *ChangeFeedDispatcher {
	if log == nil {
		log = logrus.New()
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ChangeFeedDispatcher{
		repo:         repo,
		hub:          sender,
		log:          log,
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}
}

// Run polls until the context is cancelled.
func (d *ChangeFeedDispatcher) Run(ctx context.Context) {
	d.log.Info("Change feed dispatcher started")
	defer d.log.Info("Change feed dispatcher stopped")

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.ProcessBatch(ctx); err != nil {
				d.log.WithError(err).Error("Failed to process change feed batch")
			}
		}
	}
}

// ProcessBatch emits one batch of newly committed records to the history
// hub. An empty feed is not an error. A record that cannot be emitted stays
// unmarked and comes around again on the next poll.
func (d *ChangeFeedDispatcher) ProcessBatch(ctx context.Context) error {
	records, err := d.repo.UnbroadcastBatch(ctx, d.batchSize)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	emitted := make([]string, 0, len(records))
	for _, rec := range records {
		if err := d.hub.SendToGroup(ctx, rec.DeviceID, hub.EventNewMessage, rec); err != nil {
			d.log.WithError(err).WithFields(logrus.Fields{
				"device_id": rec.DeviceID,
				"record_id": rec.ID,
			}).Error("Failed to emit history record")
			continue
		}
		d.log.WithFields(logrus.Fields{
			"device_id": rec.DeviceID,
			"record_id": rec.ID,
		}).Debug("New history data emitted")
		emitted = append(emitted, rec.ID)
	}

	return d.repo.MarkBroadcast(ctx, emitted)
}
