package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session identifies one bounded recording interval
type Session struct {
	ID        uuid.UUID `json:"id"`
	SubjectID string    `json:"subject_id"`
	Tags      []string  `json:"tags"`       // Ordered, duplicates removed
	StartedAt time.Time `json:"started_at"` // Session clock, UTC
	Dir       string    `json:"dir"`        // Root directory owned by the session
}

// NewSession builds a session identity from raw user input.
// Subject and tags are trimmed, empty tags are dropped and duplicates keep their first position.
func NewSession(subjectID string, tags []string, startedAt time.Time) *Session {
	return &Session{
		ID:        uuid.New(),
		SubjectID: strings.TrimSpace(subjectID),
		Tags:      NormalizeTags(tags),
		StartedAt: startedAt.UTC(),
	}
}

// NormalizeTags trims tags, drops empty ones and removes duplicates preserving order
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.Trim(t, " ,\t")
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// SessionState is the Session Controller state
type SessionState string

const (
	SessionIdle      SessionState = "idle"
	SessionRecording SessionState = "recording"
)
