package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adalog/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "catalog.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func recordSession(t *testing.T, s *Store, subject string, tags []string, at time.Time) *models.Session {
	t.Helper()
	sess := models.NewSession(subject, tags, at)
	sess.Dir = filepath.Join("sessions", subject, at.Format(time.RFC3339))
	require.NoError(t, s.Record(context.Background(), sess))
	return sess
}

func TestRecordAndComplete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 2, 1, 9, 0, 0, 250000000, time.UTC)

	sess := recordSession(t, s, "S1", []string{"AutomaticWriting"}, start)

	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusRecording, got.Status)
	assert.Equal(t, start, got.StartedAt)
	assert.Nil(t, got.EndedAt)
	assert.Equal(t, []string{"AutomaticWriting"}, got.Tags)

	end := start.Add(time.Minute)
	require.NoError(t, s.Complete(ctx, sess.ID, end, nil))

	got, err = s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, end, *got.EndedAt)
	assert.Empty(t, got.Error)
}

func TestCompleteWithError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := recordSession(t, s, "S1", []string{"a"}, time.Now())

	require.NoError(t, s.Complete(ctx, sess.ID, time.Now(), errors.New("disk full")))

	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "disk full", got.Error)
}

func TestGetUnknown(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Get(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListAndTagSuggestions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	recordSession(t, s, "S1", []string{"AutomaticWriting", "Eyes closed"}, base)
	second := recordSession(t, s, "S1", []string{"AutomaticWriting"}, base.Add(time.Hour))
	recordSession(t, s, "S2", []string{"Drawing"}, base.Add(2*time.Hour))

	require.NoError(t, s.UpdateTags(ctx, second.ID, []string{"AutomaticWriting", "Music"}))

	entries, err := s.List(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, second.ID, entries[0].ID)
	assert.Equal(t, []string{"AutomaticWriting", "Music"}, entries[0].Tags)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	tags, err := s.TagsForSubject(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, []string{"AutomaticWriting", "Eyes closed", "Music"}, tags)

	none, err := s.TagsForSubject(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}
