// Package quality scores biosignal batches from their raw signal characteristics.
package quality

import (
	"math"
	"time"

	"adalog/internal/models"
)

// Config holds thresholds for signal analysis. Amplitudes are in the stream's native unit (microvolts for EEG).
type Config struct {
	FlatVariance  float64 // Variance below which a channel is treated as flat (electrode off)
	ClipThreshold float64 // Absolute amplitude at which a channel is treated as clipping
	ExpectedRMS   float64 // RMS above which the score starts to decay
	BadThreshold  float64 // Scores below this map to QualityBad
}

// DefaultConfig returns thresholds suited to scalp EEG in microvolts
func DefaultConfig() Config {
	return Config{
		FlatVariance:  1e-6,
		ClipThreshold: 1000.0,
		ExpectedRMS:   100.0,
		BadThreshold:  0.5,
	}
}

// ChannelMetrics describes one channel over one batch
type ChannelMetrics struct {
	Mean       float64
	Variance   float64
	RMS        float64 // Of the mean-removed signal
	Peak       float64 // Largest absolute value
	IsFlat     bool
	IsClipping bool
	Score      float64
}

// Analyzer turns sample batches into quality samples
type Analyzer struct {
	cfg Config
}

// NewAnalyzer creates an analyzer, filling unset thresholds from DefaultConfig
func NewAnalyzer(cfg Config) *Analyzer {
	def := DefaultConfig()
	if cfg.FlatVariance <= 0 {
		cfg.FlatVariance = def.FlatVariance
	}
	if cfg.ClipThreshold <= 0 {
		cfg.ClipThreshold = def.ClipThreshold
	}
	if cfg.ExpectedRMS <= 0 {
		cfg.ExpectedRMS = def.ExpectedRMS
	}
	if cfg.BadThreshold <= 0 {
		cfg.BadThreshold = def.BadThreshold
	}
	return &Analyzer{cfg: cfg}
}

// AnalyzeChannels computes per-channel metrics for a batch. Samples shorter than
// the first sample's channel count contribute only the channels they carry.
func (a *Analyzer) AnalyzeChannels(samples []models.Sample) []ChannelMetrics {
	if len(samples) == 0 {
		return nil
	}
	channels := len(samples[0].Values)
	out := make([]ChannelMetrics, channels)

	for ch := 0; ch < channels; ch++ {
		var sum, sumSquares float64
		var peak float64
		n := 0
		for _, s := range samples {
			if ch >= len(s.Values) {
				continue
			}
			v := s.Values[ch]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			sum += v
			sumSquares += v * v
			if abs := math.Abs(v); abs > peak {
				peak = abs
			}
			n++
		}

		m := ChannelMetrics{Peak: peak}
		if n == 0 {
			m.IsFlat = true
			out[ch] = m
			continue
		}

		m.Mean = sum / float64(n)
		m.Variance = sumSquares/float64(n) - m.Mean*m.Mean
		if m.Variance < 0 {
			m.Variance = 0
		}
		m.RMS = math.Sqrt(m.Variance)
		m.IsFlat = m.Variance < a.cfg.FlatVariance
		m.IsClipping = peak >= a.cfg.ClipThreshold
		m.Score = a.channelScore(m)
		out[ch] = m
	}

	return out
}

func (a *Analyzer) channelScore(m ChannelMetrics) float64 {
	if m.IsFlat || m.IsClipping {
		return 0
	}
	if m.RMS <= a.cfg.ExpectedRMS {
		return 1
	}
	return a.cfg.ExpectedRMS / m.RMS
}

// Analyze scores a batch. An empty batch yields a zero score at QualityDisconnected.
func (a *Analyzer) Analyze(batch models.SampleBatch, at time.Time) models.QualitySample {
	q := models.QualitySample{
		Timestamp:  at,
		StreamID:   batch.StreamID,
		Generation: batch.Generation,
		Level:      models.QualityDisconnected,
	}

	channels := a.AnalyzeChannels(batch.Samples)
	if len(channels) == 0 {
		return q
	}

	q.ChannelScores = make([]float64, len(channels))
	var total float64
	for i, m := range channels {
		q.ChannelScores[i] = m.Score
		total += m.Score
	}
	q.Score = total / float64(len(channels))
	q.Level = a.Level(q.Score)
	return q
}

// Level maps a score of a non-empty batch to the coarse indicator
func (a *Analyzer) Level(score float64) models.QualityLevel {
	if score < a.cfg.BadThreshold {
		return models.QualityBad
	}
	return models.QualityGood
}
