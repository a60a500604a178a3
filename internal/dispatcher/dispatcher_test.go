package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/John-ltf/IoT-functions/internal/eventstream"
	"github.com/John-ltf/IoT-functions/internal/models"
	"github.com/John-ltf/IoT-functions/internal/record"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeStream feeds pre-canned batches, then blocks until the context is
// cancelled.
type fakeStream struct {
	mu      sync.Mutex
	batches [][]eventstream.Event
}

func (f *fakeStream) NextBatch(ctx context.Context) ([]eventstream.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeStream) Close(context.Context) error { return nil }

// fakeSender records group sends in order.
type fakeSender struct {
	mu    sync.Mutex
	fail  bool
	sends []groupSend
}

type groupSend struct {
	group   string
	event   string
	payload interface{}
}

func (f *fakeSender) SendToGroup(_ context.Context, group, event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("hub unavailable")
	}
	f.sends = append(f.sends, groupSend{group: group, event: event, payload: payload})
	return nil
}

func (f *fakeSender) all() []groupSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]groupSend, len(f.sends))
	copy(out, f.sends)
	return out
}

// MockRepository is a testify mock of repository.Repository.
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Save(ctx context.Context, rec *models.TelemetryRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockRepository) History(ctx context.Context, deviceID string, since time.Time) ([]*models.TelemetryRecord, error) {
	args := m.Called(ctx, deviceID, since)
	return args.Get(0).([]*models.TelemetryRecord), args.Error(1)
}

func (m *MockRepository) Delete(ctx context.Context, deviceID, id string) (*models.TelemetryRecord, error) {
	args := m.Called(ctx, deviceID, id)
	return args.Get(0).(*models.TelemetryRecord), args.Error(1)
}

func (m *MockRepository) UnbroadcastBatch(ctx context.Context, limit int) ([]*models.TelemetryRecord, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]*models.TelemetryRecord), args.Error(1)
}

func (m *MockRepository) MarkBroadcast(ctx context.Context, ids []string) error {
	args := m.Called(ctx, ids)
	return args.Error(0)
}

func (m *MockRepository) Latest(ctx context.Context, deviceID string) (*models.TelemetryRecord, error) {
	args := m.Called(ctx, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TelemetryRecord), args.Error(1)
}

// settle tracks Ack/Nack outcomes per event.
type settle struct {
	mu     sync.Mutex
	acked  int
	nacked int
}

func (s *settle) event(body, source, device string) eventstream.Event {
	return eventstream.Event{
		Body:     []byte(body),
		Source:   source,
		DeviceID: device,
		Ack: func() {
			s.mu.Lock()
			s.acked++
			s.mu.Unlock()
		},
		Nack: func() {
			s.mu.Lock()
			s.nacked++
			s.mu.Unlock()
		},
	}
}

func runUntilDrained(t *testing.T, run func(ctx context.Context), sent func() int, want int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return sent() >= want }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestLiveDispatcherPreservesDeviceOrder(t *testing.T) {
	st := &settle{}
	stream := &fakeStream{batches: [][]eventstream.Event{{
		st.event(`{"seq": 1}`, eventstream.SourceTelemetry, "sensor-1"),
		st.event(`{"seq": 2}`, eventstream.SourceTelemetry, "sensor-1"),
	}}}
	sender := &fakeSender{}

	d := NewLiveDispatcher(stream, record.NewBuilder(nil), sender, nil)
	runUntilDrained(t, d.Run, func() int { return len(sender.all()) }, 2)

	sends := sender.all()
	require.Len(t, sends, 2)
	for i, send := range sends {
		require.Equal(t, "sensor-1", send.group)
		require.Equal(t, "newMessage", send.event)
		rec := send.payload.(*models.TelemetryRecord)
		require.Equal(t, float64(i+1), rec.Payload["seq"])
	}
	require.Equal(t, 2, st.acked)
	require.Zero(t, st.nacked)
}

func TestLiveDispatcherSkipsNonTelemetry(t *testing.T) {
	st := &settle{}
	stream := &fakeStream{batches: [][]eventstream.Event{{
		st.event(`{"kind": "echo"}`, "DeviceLifecycle", "sensor-1"),
		st.event(`{"temp": 20}`, eventstream.SourceTelemetry, "sensor-1"),
	}}}
	sender := &fakeSender{}

	d := NewLiveDispatcher(stream, record.NewBuilder(nil), sender, nil)
	runUntilDrained(t, d.Run, func() int { return len(sender.all()) }, 1)

	sends := sender.all()
	require.Len(t, sends, 1)
	require.Equal(t, "sensor-1", sends[0].group)
	require.Equal(t, 2, st.acked)
}

func TestLiveDispatcherIsolatesMalformedEvents(t *testing.T) {
	st := &settle{}
	stream := &fakeStream{batches: [][]eventstream.Event{{
		st.event(`{"temp": 1}`, eventstream.SourceTelemetry, "sensor-1"),
		st.event(`%%% not json %%%`, eventstream.SourceTelemetry, "sensor-2"),
		st.event(`{"temp": 2}`, eventstream.SourceTelemetry, "sensor-3"),
	}}}
	sender := &fakeSender{}

	d := NewLiveDispatcher(stream, record.NewBuilder(nil), sender, nil)
	runUntilDrained(t, d.Run, func() int { return len(sender.all()) }, 2)

	sends := sender.all()
	require.Len(t, sends, 2)
	require.Equal(t, "sensor-1", sends[0].group)
	require.Equal(t, "sensor-3", sends[1].group)
	// Malformed events are settled, not redelivered forever.
	require.Equal(t, 3, st.acked)
	require.Zero(t, st.nacked)
}

func TestStorageSinkPersistsRecords(t *testing.T) {
	st := &settle{}
	stream := &fakeStream{batches: [][]eventstream.Event{{
		st.event(`{"time":"2024-01-01:10:00:00","ttl":"2","temp":21.5}`, eventstream.SourceTelemetry, "sensor-1"),
	}}}

	repo := new(MockRepository)
	var saved *models.TelemetryRecord
	repo.On("Save", mock.Anything, mock.AnythingOfType("*models.TelemetryRecord")).
		Run(func(args mock.Arguments) {
			saved = args.Get(1).(*models.TelemetryRecord)
		}).Return(nil)

	sink := NewStorageSink(stream, record.NewBuilder(nil), repo, nil, nil)
	runUntilDrained(t, sink.Run, func() int {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.acked
	}, 1)

	repo.AssertExpectations(t)
	require.NotNil(t, saved)
	require.Equal(t, "sensor-1", saved.DeviceID)
	require.EqualValues(t, 172800, saved.TTLSeconds)
	require.Equal(t, "2024-01-01T10:00:00.0000000Z", saved.Payload["time"])
	require.Equal(t, 21.5, saved.Payload["temp"])
}

func TestStorageSinkReturnsEventOnWriteFailure(t *testing.T) {
	st := &settle{}
	stream := &fakeStream{batches: [][]eventstream.Event{{
		st.event(`{"temp": 1}`, eventstream.SourceTelemetry, "sensor-1"),
	}}}

	repo := new(MockRepository)
	repo.On("Save", mock.Anything, mock.Anything).Return(errors.New("db down"))

	sink := NewStorageSink(stream, record.NewBuilder(nil), repo, nil, nil)
	runUntilDrained(t, sink.Run, func() int {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.nacked
	}, 1)

	require.Equal(t, 1, st.nacked)
	require.Zero(t, st.acked)
}

func TestChangeFeedEmitsAndMarks(t *testing.T) {
	records := []*models.TelemetryRecord{
		{ID: "r-1", DeviceID: "sensor-1"},
		{ID: "r-2", DeviceID: "sensor-2"},
	}

	repo := new(MockRepository)
	repo.On("UnbroadcastBatch", mock.Anything, 100).Return(records, nil)
	repo.On("MarkBroadcast", mock.Anything, []string{"r-1", "r-2"}).Return(nil)

	sender := &fakeSender{}
	d := NewChangeFeedDispatcher(repo, sender, time.Second, 100, nil)

	require.NoError(t, d.ProcessBatch(context.Background()))

	sends := sender.all()
	require.Len(t, sends, 2)
	require.Equal(t, "sensor-1", sends[0].group)
	require.Equal(t, "sensor-2", sends[1].group)
	require.Equal(t, "newMessage", sends[0].event)
	repo.AssertExpectations(t)
}

func TestChangeFeedSkipsEmptyBatch(t *testing.T) {
	repo := new(MockRepository)
	repo.On("UnbroadcastBatch", mock.Anything, 100).Return([]*models.TelemetryRecord{}, nil)

	sender := &fakeSender{}
	d := NewChangeFeedDispatcher(repo, sender, time.Second, 100, nil)

	require.NoError(t, d.ProcessBatch(context.Background()))
	require.Empty(t, sender.all())
	repo.AssertNotCalled(t, "MarkBroadcast", mock.Anything, mock.Anything)
}

func TestChangeFeedLeavesFailedEmitsUnmarked(t *testing.T) {
	records := []*models.TelemetryRecord{{ID: "r-1", DeviceID: "sensor-1"}}

	repo := new(MockRepository)
	repo.On("UnbroadcastBatch", mock.Anything, 100).Return(records, nil)
	repo.On("MarkBroadcast", mock.Anything, []string{}).Return(nil)

	sender := &fakeSender{fail: true}
	d := NewChangeFeedDispatcher(repo, sender, time.Second, 100, nil)

	require.NoError(t, d.ProcessBatch(context.Background()))
	repo.AssertExpectations(t)
}
