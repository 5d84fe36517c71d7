package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adalog/internal/models"
)

type fakeSource struct {
	name     string
	streams  []models.StreamDescriptor
	err      error
	delay    time.Duration
	openErr  error
	openConn Conn
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Discover(ctx context.Context) ([]models.StreamDescriptor, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return append([]models.StreamDescriptor(nil), f.streams...), nil
}

func (f *fakeSource) Open(ctx context.Context, desc models.StreamDescriptor) (Conn, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.openConn, nil
}

// scriptConn replays batches, then fails with err (or blocks until closed when err is nil)
type scriptConn struct {
	mu      sync.Mutex
	batches []RawBatch
	err     error
	closed  chan struct{}
	closes  int
}

func newScriptConn(err error, batches ...RawBatch) *scriptConn {
	return &scriptConn{batches: batches, err: err, closed: make(chan struct{})}
}

func (c *scriptConn) Pull(ctx context.Context) (RawBatch, error) {
	c.mu.Lock()
	if len(c.batches) > 0 {
		b := c.batches[0]
		c.batches = c.batches[1:]
		c.mu.Unlock()
		return b, nil
	}
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return RawBatch{}, err
	}
	select {
	case <-ctx.Done():
		return RawBatch{}, ctx.Err()
	case <-c.closed:
		return RawBatch{}, errors.New("closed")
	}
}

func (c *scriptConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.closes == 1 {
		close(c.closed)
	}
	return nil
}

type recordingSink struct {
	mu      sync.Mutex
	entries []models.Entry
}

func (s *recordingSink) Push(ctx context.Context, e models.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *recordingSink) snapshot() []models.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Entry(nil), s.entries...)
}

func (s *recordingSink) count(kind models.EntryKind) int {
	n := 0
	for _, e := range s.snapshot() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestSplitID(t *testing.T) {
	tests := []struct {
		id            string
		wantTransport string
		wantSource    string
		wantOK        bool
	}{
		{"mqtt:muse-01", "mqtt", "muse-01", true},
		{"synthetic:a:b", "synthetic", "a:b", true},
		{"nocolon", "", "", false},
		{":x", "", "", false},
		{"mqtt:", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			transport, source, ok := SplitID(tt.id)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantTransport, transport)
			assert.Equal(t, tt.wantSource, source)
		})
	}
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "mqtt:a (Muse @ lab-pc)", Label(models.StreamDescriptor{ID: "mqtt:a", Name: "Muse", Hostname: "lab-pc"}))
	assert.Equal(t, "mqtt:a (Muse)", Label(models.StreamDescriptor{ID: "mqtt:a", Name: "Muse"}))
}

func TestRegistryDiscover(t *testing.T) {
	first := &fakeSource{name: "b", streams: []models.StreamDescriptor{
		{ID: "b:2", Name: "zeta"},
		{ID: "b:1", Name: "alpha"},
	}}
	second := &fakeSource{name: "a", streams: []models.StreamDescriptor{{ID: "a:1", Name: "mid"}}}
	broken := &fakeSource{name: "broken", err: errors.New("boom")}
	slow := &fakeSource{name: "slow", delay: time.Second, streams: []models.StreamDescriptor{{ID: "slow:1"}}}

	r := NewRegistry(50*time.Millisecond, first, second, broken, slow)
	found := r.Discover(context.Background())

	ids := make([]string, 0, len(found))
	for _, d := range found {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"b:1", "b:2", "a:1"}, ids)
}

func TestRegistryDiscoverEmpty(t *testing.T) {
	r := NewRegistry(time.Second)
	found := r.Discover(context.Background())
	assert.NotNil(t, found)
	assert.Empty(t, found)
}

func TestRegistryOpenRouting(t *testing.T) {
	conn := newScriptConn(nil)
	r := NewRegistry(time.Second, &fakeSource{name: "mqtt", openConn: conn})

	got, err := r.Open(context.Background(), models.StreamDescriptor{ID: "mqtt:x"})
	require.NoError(t, err)
	assert.Same(t, conn, got)

	_, err = r.Open(context.Background(), models.StreamDescriptor{ID: "lsl:x"})
	assert.ErrorIs(t, err, models.ErrSourceNotFound)

	_, err = r.Open(context.Background(), models.StreamDescriptor{ID: "bad"})
	assert.ErrorIs(t, err, models.ErrSourceNotFound)
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry(time.Second, NewSyntheticSource(DefaultSyntheticStream()))

	desc, err := r.Lookup(context.Background(), "synthetic:sine")
	require.NoError(t, err)
	assert.Equal(t, 8, desc.ChannelCount)

	_, err = r.Lookup(context.Background(), "synthetic:missing")
	assert.ErrorIs(t, err, models.ErrSourceNotFound)
}

func TestClockSyncTranslate(t *testing.T) {
	arrival := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cs := newClockSync(100)

	// Device clock at 10s when the first batch arrives
	out := cs.translate(arrival, []float64{9.98, 9.99, 10.0}, 3)
	require.Len(t, out, 3)
	assert.Equal(t, arrival, out[2])
	assert.Equal(t, arrival.Add(-20*time.Millisecond), out[0])

	// Late arrival keeps the smaller offset
	out = cs.translate(arrival.Add(500*time.Millisecond), []float64{10.01}, 1)
	assert.Equal(t, arrival.Add(10*time.Millisecond), out[0])

	// Faster arrival lowers the offset, but output never goes backwards
	out = cs.translate(arrival.Add(5*time.Millisecond), []float64{10.02}, 1)
	assert.Equal(t, arrival.Add(10*time.Millisecond), out[0])
}

func TestClockSyncSpreadWithoutDeviceTime(t *testing.T) {
	arrival := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cs := newClockSync(50)

	out := cs.translate(arrival, nil, 3)
	assert.Equal(t, []time.Time{
		arrival.Add(-40 * time.Millisecond),
		arrival.Add(-20 * time.Millisecond),
		arrival,
	}, out)
}

func TestClientStreamsGenerationTaggedEntries(t *testing.T) {
	conn := newScriptConn(nil,
		RawBatch{Timestamps: []float64{1, 1.004}, Values: [][]float64{{10, 20}, {-10, -20}}},
	)
	src := &fakeSource{name: "fake", openConn: conn}
	sink := &recordingSink{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c := NewClient(NewRegistry(time.Second, src), sink, 7, WithClock(fixedClock{now}), WithConnectTimeout(time.Second))
	require.NoError(t, c.Connect(context.Background(), models.StreamDescriptor{ID: "fake:1", SampleRate: 250}))
	assert.Equal(t, StateStreaming, c.State())

	require.Eventually(t, func() bool { return sink.count(models.EntryQuality) == 1 }, time.Second, 5*time.Millisecond)

	c.Disconnect()
	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	entries := sink.snapshot()
	require.Len(t, entries, 2)
	require.Equal(t, models.EntrySamples, entries[0].Kind)
	batch := entries[0].Samples
	assert.Equal(t, uint64(7), batch.Generation)
	assert.Equal(t, "fake:1", batch.StreamID)
	require.Len(t, batch.Samples, 2)
	assert.Equal(t, now, batch.Samples[1].Timestamp)
	assert.False(t, batch.Samples[1].Timestamp.Before(batch.Samples[0].Timestamp))

	require.Equal(t, models.EntryQuality, entries[1].Kind)
	assert.Equal(t, uint64(7), entries[1].Quality.Generation)
	assert.Equal(t, models.QualityGood, entries[1].Quality.Level)
	assert.Equal(t, 1, conn.closes)
	assert.Zero(t, sink.count(models.EntryControl))
}

func TestClientConnectFailure(t *testing.T) {
	src := &fakeSource{name: "fake", openErr: errors.New("refused")}
	c := NewClient(NewRegistry(time.Second, src), &recordingSink{}, 1)

	err := c.Connect(context.Background(), models.StreamDescriptor{ID: "fake:1"})
	assert.ErrorIs(t, err, models.ErrConnection)
	assert.Equal(t, StateDisconnected, c.State())

	err = c.Connect(context.Background(), models.StreamDescriptor{ID: "other:1"})
	assert.ErrorIs(t, err, models.ErrConnection)
	assert.ErrorIs(t, err, models.ErrSourceNotFound)
}

func TestClientReadFailureEmitsSingleError(t *testing.T) {
	conn := newScriptConn(errors.New("device unplugged"),
		RawBatch{Values: [][]float64{{1}, {2}}},
	)
	sink := &recordingSink{}
	c := NewClient(NewRegistry(time.Second, &fakeSource{name: "fake", openConn: conn}), sink, 4)

	require.NoError(t, c.Connect(context.Background(), models.StreamDescriptor{ID: "fake:1", SampleRate: 100}))
	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, 5*time.Millisecond)
	c.Disconnect()

	var controls []models.Entry
	for _, e := range sink.snapshot() {
		if e.Kind == models.EntryControl {
			controls = append(controls, e)
		}
	}
	require.Len(t, controls, 1)
	sig := controls[0].Control
	assert.Equal(t, models.ControlError, sig.Kind)
	assert.Equal(t, uint64(4), sig.Generation)
	assert.ErrorIs(t, sig.Err, models.ErrStreamRead)
	assert.Equal(t, 1, sink.count(models.EntrySamples))
}

func TestClientDisconnectStopsEntries(t *testing.T) {
	src := NewSyntheticSource(SyntheticStream{Name: "fast", ChannelCount: 2, SampleRate: 1000, BatchSize: 5, Amplitude: 10})
	sink := &recordingSink{}
	c := NewClient(NewRegistry(time.Second, src), sink, 1)

	require.NoError(t, c.Connect(context.Background(), models.StreamDescriptor{ID: "synthetic:fast", SampleRate: 1000}))
	require.Eventually(t, func() bool { return sink.count(models.EntrySamples) >= 2 }, time.Second, 5*time.Millisecond)

	c.Disconnect()
	after := len(sink.snapshot())
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, sink.snapshot(), after)
	assert.Zero(t, sink.count(models.EntryControl))

	err := c.Connect(context.Background(), models.StreamDescriptor{ID: "synthetic:fast"})
	assert.ErrorIs(t, err, models.ErrConnection)
}

func TestSyntheticFailAfter(t *testing.T) {
	src := NewSyntheticSource(SyntheticStream{Name: "flaky", ChannelCount: 1, SampleRate: 1000, BatchSize: 2, FailAfter: 1})
	conn, err := src.Open(context.Background(), models.StreamDescriptor{ID: "synthetic:flaky"})
	require.NoError(t, err)
	defer conn.Close()

	batch, err := conn.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0.001}, batch.Timestamps)

	_, err = conn.Pull(context.Background())
	assert.ErrorIs(t, err, ErrSyntheticFailure)
}

func TestClientDropsSamplesWithMismatchedChannels(t *testing.T) {
	conn := newScriptConn(errors.New("done"),
		RawBatch{Values: [][]float64{{}, {9, 9}}},
		RawBatch{Values: [][]float64{{1, 2}, {3}, {4, 5}, {}}},
	)
	sink := &recordingSink{}
	c := NewClient(NewRegistry(time.Second, &fakeSource{name: "fake", openConn: conn}), sink, 2)

	require.NoError(t, c.Connect(context.Background(), models.StreamDescriptor{ID: "fake:1", SampleRate: 100}))
	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, 5*time.Millisecond)
	c.Disconnect()

	var batches []models.SampleBatch
	for _, e := range sink.snapshot() {
		if e.Kind == models.EntrySamples {
			batches = append(batches, *e.Samples)
		}
	}
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Samples, 2)
	assert.Equal(t, []float64{1, 2}, batches[0].Samples[0].Values)
	assert.Equal(t, []float64{4, 5}, batches[0].Samples[1].Values)
}
