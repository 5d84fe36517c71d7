package stream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"adalog/internal/models"
)

// SyntheticTransport is the descriptor prefix of generated streams
const SyntheticTransport = "synthetic"

// ErrSyntheticFailure is returned by a synthetic stream configured to fail
var ErrSyntheticFailure = errors.New("stream: synthetic failure")

// SyntheticStream configures one generated sine-wave stream
type SyntheticStream struct {
	Name         string
	ChannelCount int
	SampleRate   float64
	BatchSize    int     // Samples per pulled batch
	Amplitude    float64 // Peak amplitude per channel
	FailAfter    int     // Fail the connection after this many batches; 0 never fails
}

// DefaultSyntheticStream is an 8-channel 250 Hz stream in microvolts
func DefaultSyntheticStream() SyntheticStream {
	return SyntheticStream{
		Name:         "sine",
		ChannelCount: 8,
		SampleRate:   250,
		BatchSize:    10,
		Amplitude:    40,
	}
}

// SyntheticSource generates streams locally, for demos and tests without hardware
type SyntheticSource struct {
	streams []SyntheticStream
}

// NewSyntheticSource creates a source offering the given streams
func NewSyntheticSource(streams ...SyntheticStream) *SyntheticSource {
	return &SyntheticSource{streams: streams}
}

func (s *SyntheticSource) Name() string { return SyntheticTransport }

// Discover lists the configured streams
func (s *SyntheticSource) Discover(ctx context.Context) ([]models.StreamDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	host, _ := os.Hostname()
	out := make([]models.StreamDescriptor, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, models.StreamDescriptor{
			ID:           DescriptorID(SyntheticTransport, st.Name),
			Name:         st.Name,
			Hostname:     host,
			ChannelCount: st.ChannelCount,
			SampleRate:   st.SampleRate,
		})
	}
	return out, nil
}

// Open starts a generator for a configured stream
func (s *SyntheticSource) Open(ctx context.Context, desc models.StreamDescriptor) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, name, ok := SplitID(desc.ID)
	if !ok {
		return nil, fmt.Errorf("stream.SyntheticSource.Open: %q: %w", desc.ID, models.ErrSourceNotFound)
	}
	for _, st := range s.streams {
		if st.Name == name {
			return newSyntheticConn(st), nil
		}
	}
	return nil, fmt.Errorf("stream.SyntheticSource.Open: %q: %w", desc.ID, models.ErrSourceNotFound)
}

type syntheticConn struct {
	cfg     SyntheticStream
	period  time.Duration
	next    int // Index of the next sample
	batches int
	closed  chan struct{}
	once    sync.Once
}

func newSyntheticConn(cfg SyntheticStream) *syntheticConn {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 250
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.ChannelCount <= 0 {
		cfg.ChannelCount = 1
	}
	return &syntheticConn{
		cfg:    cfg,
		period: time.Duration(float64(cfg.BatchSize) / cfg.SampleRate * float64(time.Second)),
		closed: make(chan struct{}),
	}
}

// Pull paces batches at the nominal rate. Device time starts at zero when the stream opens.
func (c *syntheticConn) Pull(ctx context.Context) (RawBatch, error) {
	if c.cfg.FailAfter > 0 && c.batches >= c.cfg.FailAfter {
		return RawBatch{}, ErrSyntheticFailure
	}

	timer := time.NewTimer(c.period)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return RawBatch{}, ctx.Err()
	case <-c.closed:
		return RawBatch{}, errors.New("stream: synthetic connection closed")
	case <-timer.C:
	}

	batch := RawBatch{
		Timestamps: make([]float64, c.cfg.BatchSize),
		Values:     make([][]float64, c.cfg.BatchSize),
	}
	for i := 0; i < c.cfg.BatchSize; i++ {
		t := float64(c.next) / c.cfg.SampleRate
		values := make([]float64, c.cfg.ChannelCount)
		for ch := range values {
			// Alpha-band carrier, phase-shifted per channel
			values[ch] = c.cfg.Amplitude * math.Sin(2*math.Pi*10*t+float64(ch)*math.Pi/8)
		}
		batch.Timestamps[i] = t
		batch.Values[i] = values
		c.next++
	}
	c.batches++
	return batch, nil
}

func (c *syntheticConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
