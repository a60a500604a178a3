// Package record turns raw device event payloads into canonical
// TelemetryRecord values. Building a record is a pure transformation with no
// I/O; partial normalization failures degrade the record instead of failing
// the build.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/John-ltf/IoT-functions/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// SourceTimeLayout is the fixed format devices use for the optional
	// "time" payload field.
	SourceTimeLayout = "2006-01-02:15:04:05"
	// StoredTimeLayout is the normalized ISO-8601 UTC form the field is
	// rewritten to before persisting.
	StoredTimeLayout = "2006-01-02T15:04:05.0000000Z"

	secondsPerDay = 24 * 60 * 60
)

var (
	// ErrMalformedPayload is returned when the raw event body is not a
	// JSON object. The event is dropped; the batch continues.
	ErrMalformedPayload = errors.New("malformed telemetry payload")
	// ErrMissingDeviceID is returned when the event carries no device
	// identity. Records never enter the pipeline without one.
	ErrMissingDeviceID = errors.New("missing device id")
)

// Builder constructs telemetry records from raw event bytes.
type Builder struct {
	log *logrus.Logger
}

// NewBuilder creates a record builder
func NewBuilder(log *logrus.Logger) *Builder {
	if log == nil {
		log = logrus.New()
	}
	return &Builder{log: log}
}

// Build normalizes one raw device payload into a TelemetryRecord. Only an
// unparseable body or a missing device id fail the build; a bad "time" or
// "ttl" value degrades the corresponding feature and the record stays valid.
func (b *Builder) Build(deviceID string, raw []byte) (*models.TelemetryRecord, error) {
	if deviceID == "" {
		return nil, ErrMissingDeviceID
	}

	var payload models.JSONMap
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrMalformedPayload)
	}

	rec := &models.TelemetryRecord{
		ID:       uuid.NewString(),
		DeviceID: deviceID,
		Payload:  payload,
	}

	b.normalizeTime(rec)
	b.normalizeTTL(rec)

	return rec, nil
}

// normalizeTime rewrites payload["time"] from the device layout to the
// stored ISO-8601 form and mirrors the instant into rec.Timestamp. A value
// that does not match the layout is left untouched as an opaque string.
func (b *Builder) normalizeTime(rec *models.TelemetryRecord) {
	raw, ok := rec.Payload["time"]
	if !ok {
		return
	}

	s, ok := raw.(string)
	if !ok {
		b.log.WithFields(logrus.Fields{
			"device_id": rec.DeviceID,
			"record_id": rec.ID,
		}).Warnf("Telemetry time field is not a string: %v", raw)
		return
	}

	ts, err := time.ParseInLocation(SourceTimeLayout, s, time.UTC)
	if err != nil {
		b.log.WithFields(logrus.Fields{
			"device_id": rec.DeviceID,
			"record_id": rec.ID,
		}).Warnf("Unable to parse telemetry time '%s'", s)
		return
	}

	rec.Payload["time"] = ts.Format(StoredTimeLayout)
	rec.Timestamp = &ts
}

// normalizeTTL consumes payload["ttl"], interpreted as a number of days, and
// converts it to seconds. The key is removed in every case: it is retention
// metadata, not telemetry. Zero or negative values become TTLNever, the
// storage engine's "never expire" convention.
func (b *Builder) normalizeTTL(rec *models.TelemetryRecord) {
	raw, ok := rec.Payload["ttl"]
	if !ok {
		return
	}
	delete(rec.Payload, "ttl")

	days, err := parseTTLDays(raw)
	if err != nil {
		b.log.WithFields(logrus.Fields{
			"device_id": rec.DeviceID,
			"record_id": rec.ID,
		}).Warnf("Unable to parse ttl '%v'", raw)
		return
	}

	if days > 0 {
		rec.TTLSeconds = days * secondsPerDay
	} else {
		rec.TTLSeconds = models.TTLNever
	}
}

// parseTTLDays accepts the JSON value kinds a ttl field shows up as in the
// wild: a quoted integer or a bare number.
func parseTTLDays(v interface{}) (int64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseInt(strings.TrimSpace(t), 10, 64)
	case float64:
		if t != float64(int64(t)) {
			return 0, fmt.Errorf("ttl %v is not an integer", t)
		}
		return int64(t), nil
	case json.Number:
		return t.Int64()
	default:
		return 0, fmt.Errorf("unsupported ttl type %T", v)
	}
}

// ParseTime parses a client-supplied instant, accepting both the normalized
// stored form (and any other RFC3339 string) and the raw device layout.
func ParseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.ParseInLocation(SourceTimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized time '%s'", s)
	}
	return ts, nil
}
