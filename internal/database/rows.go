package database

import (
	"time"

	"github.com/google/uuid"

	"adalog/internal/models"
)

// SessionRow is one state of a session in adalog_sessions
type SessionRow struct {
	SessionID uuid.UUID
	Subject   string
	Tags      []string
	StartedAt time.Time
	EndedAt   *time.Time
	Dir       string
	Status    string
	Error     string
	UpdatedAt time.Time
}

// SampleRow is one EEG sample
type SampleRow struct {
	SessionID uuid.UUID
	StreamID  string
	Timestamp time.Time
	Channels  []float64
}

// TextRow is one text entry
type TextRow struct {
	SessionID uuid.UUID
	Subject   string
	Timestamp time.Time
	Text      string
}

// DrawingRow is one drawing reference
type DrawingRow struct {
	SessionID uuid.UUID
	Timestamp time.Time
	Filename  string
}

// QualityRow is one quality reading
type QualityRow struct {
	SessionID     uuid.UUID
	StreamID      string
	Timestamp     time.Time
	Score         float64
	Level         uint8
	ChannelScores []float64
}

// Rows groups pending rows per table
type Rows struct {
	Sessions []SessionRow
	Samples  []SampleRow
	Texts    []TextRow
	Drawings []DrawingRow
	Quality  []QualityRow
}

// Len returns the number of rows across all tables
func (r Rows) Len() int {
	return len(r.Sessions) + len(r.Samples) + len(r.Texts) + len(r.Drawings) + len(r.Quality)
}

func (r *Rows) merge(o Rows) {
	r.Sessions = append(r.Sessions, o.Sessions...)
	r.Samples = append(r.Samples, o.Samples...)
	r.Texts = append(r.Texts, o.Texts...)
	r.Drawings = append(r.Drawings, o.Drawings...)
	r.Quality = append(r.Quality, o.Quality...)
}

func sessionRow(s *models.Session, status string, endedAt *time.Time, err error, now time.Time) SessionRow {
	row := SessionRow{
		SessionID: s.ID,
		Subject:   s.SubjectID,
		Tags:      s.Tags,
		StartedAt: s.StartedAt,
		EndedAt:   endedAt,
		Dir:       s.Dir,
		Status:    status,
		UpdatedAt: now,
	}
	if err != nil {
		row.Error = err.Error()
	}
	return row
}

// entryRows converts one captured entry into mirror rows
func entryRows(s *models.Session, e models.Entry) Rows {
	var r Rows
	switch e.Kind {
	case models.EntryText:
		r.Texts = []TextRow{{SessionID: s.ID, Subject: s.SubjectID, Timestamp: e.Text.Timestamp, Text: e.Text.Text}}
	case models.EntryDrawing:
		r.Drawings = []DrawingRow{{SessionID: s.ID, Timestamp: e.Drawing.Timestamp, Filename: e.Drawing.Filename}}
	case models.EntrySamples:
		r.Samples = make([]SampleRow, 0, len(e.Samples.Samples))
		for _, sample := range e.Samples.Samples {
			r.Samples = append(r.Samples, SampleRow{
				SessionID: s.ID,
				StreamID:  e.Samples.StreamID,
				Timestamp: sample.Timestamp,
				Channels:  sample.Values,
			})
		}
	case models.EntryQuality:
		r.Quality = []QualityRow{{
			SessionID:     s.ID,
			StreamID:      e.Quality.StreamID,
			Timestamp:     e.Quality.Timestamp,
			Score:         e.Quality.Score,
			Level:         uint8(e.Quality.Level),
			ChannelScores: e.Quality.ChannelScores,
		}}
	case models.EntryTags:
		updated := *s
		updated.Tags = e.Tags.Tags
		r.Sessions = []SessionRow{sessionRow(&updated, "recording", nil, nil, e.Tags.Timestamp)}
	}
	return r
}
