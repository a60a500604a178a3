package record

import (
	"testing"
	"time"

	"github.com/John-ltf/IoT-functions/internal/models"

	"github.com/stretchr/testify/require"
)

func TestBuildPlainPayload(t *testing.T) {
	b := NewBuilder(nil)

	rec, err := b.Build("sensor-1", []byte(`{"temp": 21.5, "humidity": 60}`))
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	require.Equal(t, "sensor-1", rec.DeviceID)
	require.Equal(t, 21.5, rec.Payload["temp"])
	require.Equal(t, float64(60), rec.Payload["humidity"])
	require.Nil(t, rec.Timestamp)
	require.Zero(t, rec.TTLSeconds)
	require.NoError(t, rec.Validate())
}

func TestBuildGeneratesUniqueIDs(t *testing.T) {
	b := NewBuilder(nil)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		rec, err := b.Build("sensor-1", []byte(`{}`))
		require.NoError(t, err)
		require.False(t, seen[rec.ID], "id %s generated twice", rec.ID)
		seen[rec.ID] = true
	}
}

func TestBuildMalformedPayload(t *testing.T) {
	b := NewBuilder(nil)

	for _, raw := range []string{`not json`, `[1,2,3]`, `"just a string"`, `42`, ``} {
		_, err := b.Build("sensor-1", []byte(raw))
		require.ErrorIs(t, err, ErrMalformedPayload, "payload %q", raw)
	}
}

func TestBuildMissingDeviceID(t *testing.T) {
	b := NewBuilder(nil)

	_, err := b.Build("", []byte(`{"temp": 1}`))
	require.ErrorIs(t, err, ErrMissingDeviceID)
}

func TestBuildNormalizesTime(t *testing.T) {
	b := NewBuilder(nil)

	rec, err := b.Build("sensor-1", []byte(`{"time": "2024-01-01:10:00:00"}`))
	require.NoError(t, err)
	require.Equal(t, "2024-01-01T10:00:00.0000000Z", rec.Payload["time"])
	require.NotNil(t, rec.Timestamp)
	require.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), rec.Timestamp.UTC())
}

func TestBuildLeavesUnparseableTimeUntouched(t *testing.T) {
	b := NewBuilder(nil)

	cases := []struct {
		name string
		body string
		want interface{}
	}{
		{"wrong layout", `{"time": "2024-01-01 10:00:00"}`, "2024-01-01 10:00:00"},
		{"garbage", `{"time": "yesterday"}`, "yesterday"},
		{"not a string", `{"time": 1704103200}`, float64(1704103200)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, err := b.Build("sensor-1", []byte(tc.body))
			require.NoError(t, err)
			require.Equal(t, tc.want, rec.Payload["time"])
			require.Nil(t, rec.Timestamp)
		})
	}
}

func TestBuildTTLConversion(t *testing.T) {
	b := NewBuilder(nil)

	cases := []struct {
		name string
		body string
		want int64
	}{
		{"three days", `{"ttl": "3"}`, 259200},
		{"zero never expires", `{"ttl": "0"}`, models.TTLNever},
		{"negative never expires", `{"ttl": "-5"}`, models.TTLNever},
		{"numeric literal", `{"ttl": 2}`, 172800},
		{"unparseable dropped", `{"ttl": "abc"}`, 0},
		{"fractional dropped", `{"ttl": 1.5}`, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, err := b.Build("sensor-1", []byte(tc.body))
			require.NoError(t, err)
			require.Equal(t, tc.want, rec.TTLSeconds)
			require.NotContains(t, rec.Payload, "ttl")
		})
	}
}

func TestBuildEndToEndShape(t *testing.T) {
	b := NewBuilder(nil)

	raw := []byte(`{"time":"2024-01-01:10:00:00","ttl":"2","temp":21.5}`)
	rec, err := b.Build("sensor-1", raw)
	require.NoError(t, err)

	require.Equal(t, "sensor-1", rec.DeviceID)
	require.EqualValues(t, 172800, rec.TTLSeconds)
	require.Equal(t, models.JSONMap{
		"time": "2024-01-01T10:00:00.0000000Z",
		"temp": 21.5,
	}, rec.Payload)
	require.NotEmpty(t, rec.ID)
	require.NoError(t, rec.Validate())
}

func TestParseTime(t *testing.T) {
	want := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	for _, s := range []string{
		"2024-01-01:10:00:00",
		"2024-01-01T10:00:00Z",
		"2024-01-01T10:00:00.0000000Z",
	} {
		got, err := ParseTime(s)
		require.NoError(t, err, s)
		require.True(t, got.Equal(want), s)
	}

	_, err := ParseTime("last tuesday")
	require.Error(t, err)
}
