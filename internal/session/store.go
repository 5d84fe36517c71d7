// Package session owns the on-disk layout of one recording session.
//
//	<root>/<subject>/<timestamp>[-n]/
//	  tags.csv      timestamp,tags
//	  text.csv      timestamp,content
//	  text.txt      every text payload joined by spaces, written at finalize
//	  quality.csv   timestamp,stream_id,score,level,channel_scores
//	  eeg/
//	    eeg.csv       timestamp,ch1..chN (other channel layouts go to eeg_<N>ch.csv)
//	    drawings.csv  timestamp,filename
//	    <timestamp>-<id>.png
package session

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"adalog/internal/metrics"
	"adalog/internal/models"
)

const (
	// DirTimeLayout names session directories and drawing files; it avoids ':' for portability
	DirTimeLayout = "2006-01-02T15-04-05.000000Z"

	TagsFile     = "tags.csv"
	TextFile     = "text.csv"
	TextSummary  = "text.txt"
	QualityFile  = "quality.csv"
	EEGDir       = "eeg"
	EEGFile      = "eeg.csv"
	DrawingsFile = "drawings.csv"

	maxCollisions = 1000
)

// Store exposes one append-only writer per modality for a single session.
// Append methods are driven by the drain loop; SaveDrawing may be called from any goroutine.
type Store struct {
	session *models.Session
	dir     string
	eegDir  string
	metrics *metrics.Metrics

	mu        sync.Mutex
	tags      *csvLog
	text      *csvLog
	quality   *csvLog
	drawings  *csvLog
	eeg       map[int]*csvLog // Keyed by channel count
	words     []string
	finalized bool
}

// Option configures a Store
type Option func(*Store)

// WithMetrics counts written rows per modality
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Create makes a fresh session directory under root and opens its logs.
// The directory name is the session start time; an existing directory is never reused.
// On success sess.Dir is set to the new directory.
func Create(root string, sess *models.Session, opts ...Option) (*Store, error) {
	if err := ValidateSubject(sess.SubjectID); err != nil {
		return nil, fmt.Errorf("session.Create: %w", err)
	}

	subjectDir := filepath.Join(root, sess.SubjectID)
	if err := os.MkdirAll(subjectDir, 0o755); err != nil {
		return nil, fmt.Errorf("session.Create: %w: %w", models.ErrStorage, err)
	}

	dir, err := makeUniqueDir(subjectDir, sess.StartedAt.UTC().Format(DirTimeLayout))
	if err != nil {
		return nil, fmt.Errorf("session.Create: %w: %w", models.ErrStorage, err)
	}

	s := &Store{
		session: sess,
		dir:     dir,
		eegDir:  filepath.Join(dir, EEGDir),
		eeg:     make(map[int]*csvLog),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.open(); err != nil {
		s.closeAll()
		return nil, fmt.Errorf("session.Create: %w: %w", models.ErrStorage, err)
	}

	sess.Dir = dir
	return s, nil
}

// ValidateSubject rejects subject ids that are empty or not a single path segment
func ValidateSubject(subject string) error {
	subject = strings.TrimSpace(subject)
	switch {
	case subject == "":
		return fmt.Errorf("subject is empty: %w", models.ErrValidation)
	case subject == "." || subject == "..":
		return fmt.Errorf("subject %q is not a directory name: %w", subject, models.ErrValidation)
	case strings.ContainsAny(subject, `/\`):
		return fmt.Errorf("subject %q contains a path separator: %w", subject, models.ErrValidation)
	case strings.ContainsFunc(subject, unicode.IsControl):
		return fmt.Errorf("subject %q contains a control character: %w", subject, models.ErrValidation)
	}
	return nil
}

func makeUniqueDir(parent, name string) (string, error) {
	for n := 0; n < maxCollisions; n++ {
		candidate := name
		if n > 0 {
			candidate = name + "-" + strconv.Itoa(n)
		}
		dir := filepath.Join(parent, candidate)
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("%s: too many sessions with the same start time", filepath.Join(parent, name))
}

func (s *Store) open() error {
	if err := os.Mkdir(s.eegDir, 0o755); err != nil {
		return err
	}

	var err error
	if s.tags, err = openLog(filepath.Join(s.dir, TagsFile), []string{"timestamp", "tags"}); err != nil {
		return err
	}
	if s.text, err = openLog(filepath.Join(s.dir, TextFile), []string{"timestamp", "content"}); err != nil {
		return err
	}
	if s.quality, err = openLog(filepath.Join(s.dir, QualityFile), []string{"timestamp", "stream_id", "score", "level", "channel_scores"}); err != nil {
		return err
	}
	if s.drawings, err = openLog(filepath.Join(s.eegDir, DrawingsFile), []string{"timestamp", "filename"}); err != nil {
		return err
	}
	return nil
}

// Dir returns the session directory
func (s *Store) Dir() string { return s.dir }

// Session returns the session the store belongs to
func (s *Store) Session() *models.Session { return s.session }

// AppendText logs one text entry
func (s *Store) AppendText(ev models.TextEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return fmt.Errorf("session.Store.AppendText: %w", models.ErrNotRecording)
	}

	if err := s.text.append([]string{formatTime(ev.Timestamp), ev.Text}); err != nil {
		return fmt.Errorf("session.Store.AppendText: %w: %w", models.ErrStorage, err)
	}
	s.words = append(s.words, ev.Text)
	s.metrics.Written(models.EntryText.String())
	return nil
}

// AppendTags logs the tag set in effect from ev.Timestamp
func (s *Store) AppendTags(ev models.TagEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return fmt.Errorf("session.Store.AppendTags: %w", models.ErrNotRecording)
	}

	if err := s.tags.append([]string{formatTime(ev.Timestamp), strings.Join(ev.Tags, ", ")}); err != nil {
		return fmt.Errorf("session.Store.AppendTags: %w: %w", models.ErrStorage, err)
	}
	s.metrics.Written(models.EntryTags.String())
	return nil
}

// AppendDrawing logs a drawing saved earlier with SaveDrawing
func (s *Store) AppendDrawing(ev models.DrawingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return fmt.Errorf("session.Store.AppendDrawing: %w", models.ErrNotRecording)
	}

	if err := s.drawings.append([]string{formatTime(ev.Timestamp), ev.Filename}); err != nil {
		return fmt.Errorf("session.Store.AppendDrawing: %w: %w", models.ErrStorage, err)
	}
	s.metrics.Written(models.EntryDrawing.String())
	return nil
}

// AppendSamples logs every sample of a batch, one row per sample.
// Each row goes to the log of its own channel count; samples without values are skipped.
func (s *Store) AppendSamples(batch models.SampleBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return fmt.Errorf("session.Store.AppendSamples: %w", models.ErrNotRecording)
	}

	written := false
	var row []string
	for _, sample := range batch.Samples {
		if len(sample.Values) == 0 {
			continue
		}
		l, err := s.eegLog(len(sample.Values))
		if err != nil {
			return fmt.Errorf("session.Store.AppendSamples: %w: %w", models.ErrStorage, err)
		}

		row = append(row[:0], formatTime(sample.Timestamp))
		for _, v := range sample.Values {
			row = append(row, strconv.FormatFloat(v, 'f', -1, 64))
		}
		if err := l.append(row); err != nil {
			return fmt.Errorf("session.Store.AppendSamples: %w: %w", models.ErrStorage, err)
		}
		written = true
	}
	if written {
		s.metrics.Written(models.EntrySamples.String())
	}
	return nil
}

// eegLog returns the EEG log for a channel layout, creating it on first use. Caller holds mu.
func (s *Store) eegLog(channels int) (*csvLog, error) {
	if l, ok := s.eeg[channels]; ok {
		return l, nil
	}

	name := EEGFile
	if len(s.eeg) > 0 {
		name = fmt.Sprintf("eeg_%dch.csv", channels)
	}

	header := make([]string, 0, channels+1)
	header = append(header, "timestamp")
	for ch := 1; ch <= channels; ch++ {
		header = append(header, "ch"+strconv.Itoa(ch))
	}

	l, err := openLog(filepath.Join(s.eegDir, name), header)
	if err != nil {
		return nil, err
	}
	s.eeg[channels] = l
	return l, nil
}

// AppendQuality logs one advisory quality reading
func (s *Store) AppendQuality(q models.QualitySample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return fmt.Errorf("session.Store.AppendQuality: %w", models.ErrNotRecording)
	}

	scores := make([]string, len(q.ChannelScores))
	for i, v := range q.ChannelScores {
		scores[i] = strconv.FormatFloat(v, 'f', 3, 64)
	}
	row := []string{
		formatTime(q.Timestamp),
		q.StreamID,
		strconv.FormatFloat(q.Score, 'f', 3, 64),
		strconv.Itoa(int(q.Level)),
		strings.Join(scores, ";"),
	}
	if err := s.quality.append(row); err != nil {
		return fmt.Errorf("session.Store.AppendQuality: %w: %w", models.ErrStorage, err)
	}
	s.metrics.Written(models.EntryQuality.String())
	return nil
}

// SaveDrawing writes img as a PNG in the eeg directory under a collision-free name.
// It does not log the drawing; enqueue the returned event for that.
func (s *Store) SaveDrawing(img image.Image, at time.Time) (models.DrawingEvent, error) {
	s.mu.Lock()
	finalized := s.finalized
	s.mu.Unlock()
	if finalized {
		return models.DrawingEvent{}, fmt.Errorf("session.Store.SaveDrawing: %w", models.ErrNotRecording)
	}

	name := at.UTC().Format(DirTimeLayout) + "-" + uuid.NewString()[:8] + ".png"
	path := filepath.Join(s.eegDir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return models.DrawingEvent{}, fmt.Errorf("session.Store.SaveDrawing: %w: %w", models.ErrStorage, err)
	}
	if err := errors.Join(png.Encode(f, img), f.Sync(), f.Close()); err != nil {
		_ = os.Remove(path)
		return models.DrawingEvent{}, fmt.Errorf("session.Store.SaveDrawing: %w: %w", models.ErrStorage, err)
	}

	return models.DrawingEvent{Timestamp: at, Filename: name}, nil
}

// Finalize writes the text summary, then syncs and closes every log.
// It is idempotent: later calls write nothing and return nil.
func (s *Store) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return nil
	}
	s.finalized = true

	summary := os.WriteFile(filepath.Join(s.dir, TextSummary), []byte(strings.Join(s.words, " ")), 0o644)
	if err := errors.Join(summary, s.closeAll()); err != nil {
		return fmt.Errorf("session.Store.Finalize: %w: %w", models.ErrStorage, err)
	}
	return nil
}

// Rows returns the number of data rows written per log file name
func (s *Store) Rows() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string]int{
		TagsFile:     s.tags.rows,
		TextFile:     s.text.rows,
		QualityFile:  s.quality.rows,
		DrawingsFile: s.drawings.rows,
	}
	for _, l := range s.eeg {
		out[filepath.Base(l.path)] = l.rows
	}
	return out
}

func (s *Store) closeAll() error {
	var errs []error
	for _, l := range []*csvLog{s.tags, s.text, s.quality, s.drawings} {
		if l != nil {
			errs = append(errs, l.close())
		}
	}
	for _, l := range s.eeg {
		errs = append(errs, l.close())
	}
	return errors.Join(errs...)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
