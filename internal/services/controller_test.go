package services

import (
	"context"
	"encoding/csv"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adalog/internal/catalog"
	"adalog/internal/metrics"
	"adalog/internal/models"
	"adalog/internal/session"
	"adalog/internal/stream"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var t0 = time.Date(2026, 4, 2, 14, 0, 0, 0, time.UTC)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func column(rows [][]string, i int) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows[1:] {
		out = append(out, r[i])
	}
	return out
}

func syntheticRegistry(streams ...stream.SyntheticStream) *stream.Registry {
	return stream.NewRegistry(time.Second, stream.NewSyntheticSource(streams...))
}

func newController(t *testing.T, opener stream.Opener, opts ...Option) (*Controller, string) {
	t.Helper()
	root := t.TempDir()
	cfg := ControllerConfig{SessionsDir: root, BufferCapacity: 64, ConnectTimeout: time.Second}
	return NewController(cfg, opener, opts...), root
}

func TestScenarioSingleWord(t *testing.T) {
	c, root := newController(t, syntheticRegistry())
	ctx := context.Background()

	sess, err := c.Start(ctx, "S1", []string{"AutomaticWriting"}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.SessionRecording, c.Status().State)
	assert.True(t, strings.HasPrefix(sess.Dir, filepath.Join(root, "S1")))

	require.NoError(t, c.PushText(ctx, models.TextEvent{Timestamp: t0, Text: "hello"}))
	require.NoError(t, c.Stop())

	rows := readCSV(t, filepath.Join(sess.Dir, session.TextFile))
	require.Len(t, rows, 2)
	assert.Equal(t, []string{t0.Format(time.RFC3339Nano), "hello"}, rows[1])

	tags := readCSV(t, filepath.Join(sess.Dir, session.TagsFile))
	require.Len(t, tags, 2)
	assert.Equal(t, "AutomaticWriting", tags[1][1])

	summary, err := os.ReadFile(filepath.Join(sess.Dir, session.TextSummary))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(summary))

	st := c.Status()
	assert.Equal(t, models.SessionIdle, st.State)
	assert.Equal(t, sess, st.Session)
	assert.NoError(t, st.Err)
}

func TestStartValidation(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		tags    []string
	}{
		{"empty subject", "", []string{"a"}},
		{"blank subject", "   ", []string{"a"}},
		{"path subject", "../x", []string{"a"}},
		{"control character subject", "S\x001", []string{"a"}},
		{"no tags", "S1", nil},
		{"blank tags", "S1", []string{" ", ","}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, root := newController(t, syntheticRegistry())
			_, err := c.Start(context.Background(), tt.subject, tt.tags, nil)
			assert.ErrorIs(t, err, models.ErrValidation)
			assert.Equal(t, models.SessionIdle, c.Status().State)

			entries, err := os.ReadDir(root)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestLifecycleErrors(t *testing.T) {
	c, _ := newController(t, syntheticRegistry())
	ctx := context.Background()

	assert.ErrorIs(t, c.Stop(), models.ErrNotRecording)
	assert.ErrorIs(t, c.PushText(ctx, models.TextEvent{Text: "x"}), models.ErrNotRecording)
	assert.ErrorIs(t, c.ReselectStream(ctx, nil), models.ErrNotRecording)

	_, err := c.Start(ctx, "S1", []string{"a"}, nil)
	require.NoError(t, err)
	_, err = c.Start(ctx, "S2", []string{"a"}, nil)
	assert.ErrorIs(t, err, models.ErrAlreadyRecording)

	require.NoError(t, c.Stop())
	assert.ErrorIs(t, c.Stop(), models.ErrNotRecording)
	assert.ErrorIs(t, c.PushText(ctx, models.TextEvent{Text: "late"}), models.ErrNotRecording)

	select {
	case <-c.Done():
	default:
		t.Fatal("Done should be closed when idle")
	}
	assert.NoError(t, c.Wait())
}

func TestStopThenStartUsesDistinctDirectories(t *testing.T) {
	// A frozen clock forces both sessions onto the same start timestamp
	c, _ := newController(t, syntheticRegistry(), WithClock(fixedClock{t0}))
	ctx := context.Background()

	first, err := c.Start(ctx, "S1", []string{"a"}, nil)
	require.NoError(t, err)
	require.NoError(t, c.PushText(ctx, models.TextEvent{Text: "first"}))
	require.NoError(t, c.Stop())

	second, err := c.Start(ctx, "S1", []string{"a"}, nil)
	require.NoError(t, err)
	require.NoError(t, c.PushText(ctx, models.TextEvent{Text: "second"}))
	require.NoError(t, c.Stop())

	assert.NotEqual(t, first.Dir, second.Dir)
	assert.Equal(t, []string{"first"}, column(readCSV(t, filepath.Join(first.Dir, session.TextFile)), 1))
	assert.Equal(t, []string{"second"}, column(readCSV(t, filepath.Join(second.Dir, session.TextFile)), 1))
}

func TestConcurrentProducersWrittenExactlyOnce(t *testing.T) {
	c, _ := newController(t, syntheticRegistry())
	c.cfg.BufferCapacity = 4
	ctx := context.Background()

	sess, err := c.Start(ctx, "S1", []string{"a"}, nil)
	require.NoError(t, err)

	const producers, words = 4, 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < words; i++ {
				assert.NoError(t, c.PushText(ctx, models.TextEvent{Text: fmt.Sprintf("w%d-%d", p, i)}))
			}
		}(p)
	}

	var drawings []string
	for i := 0; i < 5; i++ {
		ev, err := c.SaveDrawing(ctx, image.NewGray(image.Rect(0, 0, 2, 2)))
		require.NoError(t, err)
		drawings = append(drawings, ev.Filename)
	}
	wg.Wait()
	require.NoError(t, c.Stop())

	got := column(readCSV(t, filepath.Join(sess.Dir, session.TextFile)), 1)
	want := make([]string, 0, producers*words)
	for p := 0; p < producers; p++ {
		for i := 0; i < words; i++ {
			want = append(want, fmt.Sprintf("w%d-%d", p, i))
		}
	}
	sort.Strings(got)
	sort.Strings(want)
	assert.Equal(t, want, got)

	assert.Equal(t, drawings, column(readCSV(t, filepath.Join(sess.Dir, session.EEGDir, session.DrawingsFile)), 1))
	for _, name := range drawings {
		assert.FileExists(t, filepath.Join(sess.Dir, session.EEGDir, name))
	}
}

func TestStreamSamplesWritten(t *testing.T) {
	reg := syntheticRegistry(stream.SyntheticStream{Name: "sine", ChannelCount: 4, SampleRate: 1000, BatchSize: 10, Amplitude: 30})
	c, _ := newController(t, reg)
	ctx := context.Background()

	desc, err := reg.Lookup(ctx, "synthetic:sine")
	require.NoError(t, err)

	sess, err := c.Start(ctx, "S1", []string{"a"}, &desc)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.Status().Buffer.Drained >= 10 }, 2*time.Second, 5*time.Millisecond)
	st := c.Status()
	assert.Equal(t, "synthetic:sine", st.StreamID)
	assert.Equal(t, uint64(1), st.Generation)
	assert.Equal(t, "streaming", st.StreamState)
	require.NoError(t, c.Stop())

	eeg := readCSV(t, filepath.Join(sess.Dir, session.EEGDir, session.EEGFile))
	assert.Equal(t, []string{"timestamp", "ch1", "ch2", "ch3", "ch4"}, eeg[0])
	assert.Greater(t, len(eeg), 10)

	quality := readCSV(t, filepath.Join(sess.Dir, session.QualityFile))
	require.Greater(t, len(quality), 1)
	assert.Equal(t, "synthetic:sine", quality[1][1])
	assert.Equal(t, "2", quality[1][3])
}

func TestStartWithUnavailableStream(t *testing.T) {
	c, root := newController(t, syntheticRegistry())

	_, err := c.Start(context.Background(), "S1", []string{"a"}, &models.StreamDescriptor{ID: "synthetic:missing"})
	assert.ErrorIs(t, err, models.ErrConnection)
	assert.Equal(t, models.SessionIdle, c.Status().State)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReselectFencesStaleGenerations(t *testing.T) {
	reg := syntheticRegistry(
		stream.SyntheticStream{Name: "a", ChannelCount: 2, SampleRate: 1000, BatchSize: 5, Amplitude: 10},
		stream.SyntheticStream{Name: "b", ChannelCount: 2, SampleRate: 1000, BatchSize: 5, Amplitude: 10},
	)
	m := metrics.New()
	c, _ := newController(t, reg, WithMetrics(m))
	ctx := context.Background()

	a := models.StreamDescriptor{ID: "synthetic:a", SampleRate: 1000}
	b := models.StreamDescriptor{ID: "synthetic:b", SampleRate: 1000}

	sess, err := c.Start(ctx, "S1", []string{"a"}, &a)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Status().Buffer.Drained >= 4 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.ReselectStream(ctx, &b))

	// A batch from the replaced client that arrives after the switch
	c.mu.Lock()
	buf := c.run.buf
	c.mu.Unlock()
	stale := models.SampleBatch{
		StreamID:   "synthetic:a",
		Generation: 1,
		Samples:    []models.Sample{{Timestamp: t0, Values: []float64{98765.4321, 98765.4321}}},
	}
	require.NoError(t, buf.Push(ctx, models.SamplesEntry(stale)))

	require.Eventually(t, func() bool { return c.Status().Generation == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return testutil.ToFloat64(m.StaleBatches) >= 1 }, time.Second, 5*time.Millisecond)
	drained := c.Status().Buffer.Drained
	require.Eventually(t, func() bool { return c.Status().Buffer.Drained >= drained+4 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())

	eeg, err := os.ReadFile(filepath.Join(sess.Dir, session.EEGDir, session.EEGFile))
	require.NoError(t, err)
	assert.NotContains(t, string(eeg), "98765.4321")

	streams := column(readCSV(t, filepath.Join(sess.Dir, session.QualityFile)), 1)
	assert.Contains(t, streams, "synthetic:a")
	assert.Equal(t, "synthetic:b", streams[len(streams)-1])
}

func TestStreamReadErrorKeepsSessionRecording(t *testing.T) {
	reg := syntheticRegistry(stream.SyntheticStream{Name: "flaky", ChannelCount: 2, SampleRate: 1000, BatchSize: 5, Amplitude: 10, FailAfter: 2})
	m := metrics.New()
	c, _ := newController(t, reg, WithMetrics(m))
	ctx := context.Background()

	desc := models.StreamDescriptor{ID: "synthetic:flaky", SampleRate: 1000}
	sess, err := c.Start(ctx, "S1", []string{"a"}, &desc)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.Status().StreamErr != nil }, 2*time.Second, 5*time.Millisecond)
	st := c.Status()
	assert.Equal(t, models.SessionRecording, st.State)
	assert.ErrorIs(t, st.StreamErr, models.ErrStreamRead)
	assert.Equal(t, "disconnected", st.StreamState)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamErrors))

	require.NoError(t, c.PushText(ctx, models.TextEvent{Text: "still"}))
	require.NoError(t, c.Stop())

	assert.Equal(t, []string{"still"}, column(readCSV(t, filepath.Join(sess.Dir, session.TextFile)), 1))
	eeg := readCSV(t, filepath.Join(sess.Dir, session.EEGDir, session.EEGFile))
	assert.Len(t, eeg, 1+2*5)
}

func TestUpdateTags(t *testing.T) {
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.sqlite"))
	require.NoError(t, err)
	defer cat.Close()

	c, _ := newController(t, syntheticRegistry(), WithCatalog(cat))
	ctx := context.Background()

	sess, err := c.Start(ctx, "S1", []string{"AutomaticWriting"}, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, c.UpdateTags(ctx, nil), models.ErrValidation)
	require.NoError(t, c.UpdateTags(ctx, []string{"AutomaticWriting", "Eyes closed"}))
	require.Eventually(t, func() bool { return len(c.Status().Tags) == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())

	tags := column(readCSV(t, filepath.Join(sess.Dir, session.TagsFile)), 1)
	assert.Equal(t, []string{"AutomaticWriting", "AutomaticWriting, Eyes closed"}, tags)

	entry, err := cat.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, catalog.StatusCompleted, entry.Status)
	assert.Equal(t, []string{"AutomaticWriting", "Eyes closed"}, entry.Tags)
}

func TestStorageFailureEndsSession(t *testing.T) {
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.sqlite"))
	require.NoError(t, err)
	defer cat.Close()

	c, _ := newController(t, syntheticRegistry(), WithCatalog(cat))
	ctx := context.Background()

	sess, err := c.Start(ctx, "S1", []string{"a"}, nil)
	require.NoError(t, err)

	// Closing the store underneath the drain loop makes the next write fail
	c.mu.Lock()
	store := c.run.store
	c.mu.Unlock()
	require.NoError(t, store.Finalize())

	require.NoError(t, c.PushText(ctx, models.TextEvent{Text: "lost"}))
	err = c.Wait()
	require.Error(t, err)

	st := c.Status()
	assert.Equal(t, models.SessionIdle, st.State)
	assert.Error(t, st.Err)
	assert.ErrorIs(t, c.Stop(), models.ErrNotRecording)

	entry, err := cat.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusFailed, entry.Status)
}

type recordingAnnouncer struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAnnouncer) add(ev string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

func (a *recordingAnnouncer) SessionStarted(s *models.Session) {
	a.add("start:" + s.SubjectID)
}

func (a *recordingAnnouncer) SessionStopped(s *models.Session, err error) {
	a.add("stop:" + s.SubjectID)
}

func (a *recordingAnnouncer) TextCaptured(s *models.Session, ev models.TextEvent) {
	a.add("text:" + ev.Text)
}

func (a *recordingAnnouncer) QualityChanged(q models.QualitySample) {
	a.add("quality")
}

type recordingMirror struct {
	mu    sync.Mutex
	kinds []models.EntryKind
	ended bool
}

func (m *recordingMirror) SessionStarted(s *models.Session) {}

func (m *recordingMirror) SessionEnded(s *models.Session, endedAt time.Time, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = true
}

func (m *recordingMirror) Record(s *models.Session, e models.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kinds = append(m.kinds, e.Kind)
}

func TestAnnouncerAndMirrorSeeWrittenEntries(t *testing.T) {
	ann := &recordingAnnouncer{}
	mirror := &recordingMirror{}
	c, _ := newController(t, syntheticRegistry(), WithAnnouncer(ann), WithMirror(mirror))
	ctx := context.Background()

	_, err := c.Start(ctx, "S1", []string{"a"}, nil)
	require.NoError(t, err)
	require.NoError(t, c.PushText(ctx, models.TextEvent{Text: "hello"}))
	require.NoError(t, c.UpdateTags(ctx, []string{"b"}))
	require.NoError(t, c.Stop())

	assert.Equal(t, []string{"start:S1", "text:hello", "stop:S1"}, ann.events)
	assert.Equal(t, []models.EntryKind{models.EntryText, models.EntryTags}, mirror.kinds)
	assert.True(t, mirror.ended)
}
