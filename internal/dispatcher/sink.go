package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/John-ltf/IoT-functions/internal/cache"
	"github.com/John-ltf/IoT-functions/internal/eventstream"
	"github.com/John-ltf/IoT-functions/internal/models"
	"github.com/John-ltf/IoT-functions/internal/record"
	"github.com/John-ltf/IoT-functions/internal/repository"

	"github.com/sirupsen/logrus"
)

const latestRecordTTL = 24 * time.Hour

// StorageSink persists inbound telemetry. It reads the same topic as the
// live dispatcher through its own subscription and builds its own records,
// so neither path ever waits on the other.
type StorageSink struct {
	stream  eventstream.Stream
	builder *record.Builder
	repo    repository.Repository
	cache   cache.RedisClient
	log     *logrus.Logger
}

// NewStorageSink creates a storage sink consumer. The cache is optional and
// only feeds the latest-record lookups.
func NewStorageSink(stream eventstream.Stream, builder *record.Builder, repo repository.Repository, cacheClient cache.RedisClient, log *logrus.Logger) *StorageSink {
	if log == nil {
		log = logrus.New()
	}
	return &StorageSink{
		stream:  stream,
		builder: builder,
		repo:    repo,
		cache:   cacheClient,
		log:     log,
	}
}

// Run consumes batches until the context is cancelled.
func (s *StorageSink) Run(ctx context.Context) {
	s.log.Info("Storage sink started")
	defer s.log.Info("Storage sink stopped")

	for {
		events, err := s.stream.NextBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.WithError(err).Error("Storage sink failed to receive batch")
			select {
			case <-time.After(receiveBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, ev := range events {
			s.persist(ctx, ev)
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// persist builds and upserts one record. A malformed event is dropped for
// good; a failed write goes back to the broker, whose redelivery policy is
// the retry mechanism.
func (s *StorageSink) persist(ctx context.Context, ev eventstream.Event) {
	if !ev.IsTelemetry() {
		ev.Ack()
		return
	}

	rec, err := s.builder.Build(ev.DeviceID, ev.Body)
	if err != nil {
		s.log.WithError(err).WithField("device_id", ev.DeviceID).
			Warn("Dropping unbuildable event")
		ev.Ack()
		return
	}

	if err := s.repo.Save(ctx, rec); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"device_id": rec.DeviceID,
			"record_id": rec.ID,
		}).Error("Failed to persist record, returning event to stream")
		ev.Nack()
		return
	}

	s.cacheLatest(ctx, rec)

	s.log.WithFields(logrus.Fields{
		"device_id": rec.DeviceID,
		"record_id": rec.ID,
	}).Debug("Record persisted")
	ev.Ack()
}

// cacheLatest keeps the most recent record per device in redis. Cache
// trouble is logged and ignored; storage is the source of truth.
func (s *StorageSink) cacheLatest(ctx context.Context, rec *models.TelemetryRecord) {
	if s.cache == nil {
		return
	}

	data, err := json.Marshal(rec)
	if err != nil {
		s.log.WithError(err).Warnf("Failed to marshal record %s for cache", rec.ID)
		return
	}

	key := cache.LatestRecordKey(rec.DeviceID)
	if err := s.cache.Set(ctx, key, string(data), latestRecordTTL); err != nil {
		s.log.WithError(err).Warnf("Failed to cache latest record for device %s", rec.DeviceID)
	}
}
