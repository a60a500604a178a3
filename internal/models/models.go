package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JSONMap holds the dynamic telemetry fields reported by a device. Devices
// send an arbitrary JSON object, so no fixed schema is assumed. The map is
// stored as a jsonb column.
type JSONMap map[string]interface{}

// Value implements driver.Valuer for gorm
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for gorm
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported type for JSONMap: %T", value)
	}
}

// TTLNever marks a record that must never expire. A zero TTL means the
// device asserted no expiry policy at all.
const TTLNever int64 = -1

// TelemetryRecord is the canonical normalized telemetry unit. One record is
// built per inbound device event and flows unchanged through the live
// fan-out, storage and history fan-out paths.
type TelemetryRecord struct {
	ID         string     `json:"id" gorm:"primaryKey;Column:id"`
	DeviceID   string     `json:"deviceId" gorm:"index:idx_telemetry_device_time;Column:device_id"`
	Payload    JSONMap    `json:"telemetry" gorm:"type:jsonb;Column:telemetry"`
	Timestamp  *time.Time `json:"timestamp,omitempty" gorm:"index:idx_telemetry_device_time;Column:timestamp"`
	TTLSeconds int64      `json:"ttl,omitempty" gorm:"Column:ttl_seconds"`
	CreatedAt  time.Time  `json:"created_at" gorm:"Column:created_at"`
	// Broadcast tracks whether the record has been re-emitted to history
	// subscribers after durable commit.
	Broadcast bool `json:"-" gorm:"index;Column:broadcast"`
}

// TableName overrides the gorm table name
func (TelemetryRecord) TableName() string {
	return "telemetry_records"
}

// Validate checks the structural invariants a record must satisfy before it
// enters the pipeline.
func (r *TelemetryRecord) Validate() error {
	if r.ID == "" {
		return errors.New("record id is empty")
	}
	if r.DeviceID == "" {
		return errors.New("record device id is empty")
	}
	if _, ok := r.Payload["ttl"]; ok {
		return errors.New("payload still contains ttl key")
	}
	return nil
}

// NewConnection is the greeting sent to a subscriber on its own channel
// right after the websocket handshake completes.
type NewConnection struct {
	ConnectionID   string `json:"connectionId"`
	Authentication string `json:"authentication,omitempty"`
}

// NegotiateResponse carries the connection credentials handed to a client
// that wants to attach to one of the hubs.
type NegotiateResponse struct {
	URL         string `json:"url"`
	AccessToken string `json:"accessToken"`
}
