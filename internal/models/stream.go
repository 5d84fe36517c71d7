package models

import "time"

// StreamDescriptor describes one discoverable biosignal source.
// Descriptors are transient: they are revalidated on every discovery and never persisted.
type StreamDescriptor struct {
	ID           string  `json:"id"`            // "<transport>:<source id>"
	Name         string  `json:"name"`          // Friendly name
	Hostname     string  `json:"hostname"`      // Where the source runs, if known
	ChannelCount int     `json:"channel_count"` // Channels per sample
	SampleRate   float64 `json:"sample_rate"`   // Nominal rate in Hz, 0 if irregular
}

// Sample is one multi-channel measurement on the session clock
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Values    []float64 `json:"values"`
}

// SampleBatch is an ordered run of samples from one stream client.
// Timestamps are non-decreasing within the batch.
type SampleBatch struct {
	StreamID   string   `json:"stream_id"`
	Generation uint64   `json:"generation"` // Client generation that produced the batch
	Samples    []Sample `json:"samples"`
	Quality    float64  `json:"quality"` // Advisory score in [0,1]
}

// ChannelCount returns the channel count of the batch (0 when empty)
func (b *SampleBatch) ChannelCount() int {
	if len(b.Samples) == 0 {
		return 0
	}
	return len(b.Samples[0].Values)
}

// QualityLevel is the coarse signal-quality indicator
type QualityLevel int

const (
	QualityDisconnected QualityLevel = iota
	QualityBad
	QualityGood
)

// String returns a human-readable representation of the quality level
func (l QualityLevel) String() string {
	switch l {
	case QualityDisconnected:
		return "disconnected"
	case QualityBad:
		return "bad"
	case QualityGood:
		return "good"
	default:
		return "unknown"
	}
}

// QualitySample is an advisory signal-quality reading. It never gates sample writes.
type QualitySample struct {
	Timestamp     time.Time    `json:"timestamp"`
	StreamID      string       `json:"stream_id"`
	Generation    uint64       `json:"generation"`
	Score         float64      `json:"score"` // Mean of ChannelScores, in [0,1]
	Level         QualityLevel `json:"level"`
	ChannelScores []float64    `json:"channel_scores"`
}
