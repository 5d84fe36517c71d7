package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"adalog/internal/models"
	"adalog/internal/stream"
)

// Transport is the descriptor prefix of MQTT streams
const Transport = "mqtt"

var (
	errSourceWithdrawn = errors.New("mqtt: source withdrawn its info")
	errConnClosed      = errors.New("mqtt: stream connection closed")
)

// InfoPayload is the retained message a device publishes on <prefix>/<id>/info.
// An empty retained payload withdraws the device.
type InfoPayload struct {
	Name         string  `json:"name"`
	Hostname     string  `json:"hostname"`
	ChannelCount int     `json:"channel_count"`
	SampleRate   float64 `json:"sample_rate"`
}

// SamplesPayload is one batch published on <prefix>/<id>/samples
type SamplesPayload struct {
	Timestamps []float64   `json:"timestamps"` // Device clock, seconds
	Samples    [][]float64 `json:"samples"`
}

// SourceConfig holds topic layout and timing for MQTT streams
type SourceConfig struct {
	TopicPrefix     string        // e.g. "eeg" -> eeg/{source_id}/info, eeg/{source_id}/samples
	DiscoveryWindow time.Duration // How long to collect retained info messages
	QueueSize       int           // Batches buffered per open connection
}

// Source discovers and opens biosignal streams published on the broker
type Source struct {
	client mqtt.Client
	cfg    SourceConfig

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// NewSource creates an MQTT stream source on an established client
func NewSource(client mqtt.Client, cfg SourceConfig) *Source {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "eeg"
	}
	if cfg.DiscoveryWindow <= 0 {
		cfg.DiscoveryWindow = time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Source{
		client: client,
		cfg:    cfg,
		conns:  make(map[*conn]struct{}),
	}
}

func (s *Source) Name() string { return Transport }

func (s *Source) infoTopic(sourceID string) string {
	return s.cfg.TopicPrefix + "/" + sourceID + "/info"
}

func (s *Source) samplesTopic(sourceID string) string {
	return s.cfg.TopicPrefix + "/" + sourceID + "/samples"
}

// Discover collects retained info messages until the discovery window or ctx ends
func (s *Source) Discover(ctx context.Context) ([]models.StreamDescriptor, error) {
	var mu sync.Mutex
	found := make(map[string]models.StreamDescriptor)

	topic := s.infoTopic("+")
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		desc, ok := parseInfo(msg)
		if !ok {
			return
		}
		mu.Lock()
		found[desc.ID] = desc
		mu.Unlock()
	}

	if err := subscribe(s.client, topic, handler); err != nil {
		return nil, fmt.Errorf("mqtt.Source.Discover: %w", err)
	}
	defer s.client.Unsubscribe(topic)

	timer := time.NewTimer(s.cfg.DiscoveryWindow)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]models.StreamDescriptor, 0, len(found))
	for _, desc := range found {
		out = append(out, desc)
	}
	return out, nil
}

// Open subscribes to the stream's samples and watches its info topic for withdrawal
func (s *Source) Open(ctx context.Context, desc models.StreamDescriptor) (stream.Conn, error) {
	_, sourceID, ok := stream.SplitID(desc.ID)
	if !ok {
		return nil, fmt.Errorf("mqtt.Source.Open: %q: %w", desc.ID, models.ErrSourceNotFound)
	}
	if !s.client.IsConnected() {
		return nil, fmt.Errorf("mqtt.Source.Open: %s: broker not connected", desc.ID)
	}

	c := &conn{
		source:   s,
		sourceID: sourceID,
		batches:  make(chan stream.RawBatch, s.cfg.QueueSize),
		failed:   make(chan struct{}),
		closed:   make(chan struct{}),
	}

	if err := subscribe(s.client, s.samplesTopic(sourceID), c.handleSamples); err != nil {
		return nil, fmt.Errorf("mqtt.Source.Open: %s: %w", desc.ID, err)
	}
	if err := subscribe(s.client, s.infoTopic(sourceID), c.handleInfo); err != nil {
		s.client.Unsubscribe(s.samplesTopic(sourceID))
		return nil, fmt.Errorf("mqtt.Source.Open: %s: %w", desc.ID, err)
	}
	if err := ctx.Err(); err != nil {
		c.Close()
		return nil, err
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	log.Info().Str("stream_id", desc.ID).Str("topic", s.samplesTopic(sourceID)).Msg("mqtt: stream subscribed")
	return c, nil
}

// ConnectionLost fails every open stream. Register it with Client.OnConnectionLost.
func (s *Source) ConnectionLost(err error) {
	s.mu.Lock()
	open := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()

	for _, c := range open {
		c.fail(fmt.Errorf("mqtt: broker connection lost: %w", err))
	}
}

func (s *Source) forget(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// conn is one subscribed MQTT stream
type conn struct {
	source   *Source
	sourceID string
	batches  chan stream.RawBatch

	failOnce  sync.Once
	failErr   error
	failed    chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

// Pull returns queued batches first, then any failure
func (c *conn) Pull(ctx context.Context) (stream.RawBatch, error) {
	select {
	case b := <-c.batches:
		return b, nil
	default:
	}

	select {
	case b := <-c.batches:
		return b, nil
	case <-ctx.Done():
		return stream.RawBatch{}, ctx.Err()
	case <-c.closed:
		return stream.RawBatch{}, errConnClosed
	case <-c.failed:
		return stream.RawBatch{}, c.failErr
	}
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.source.forget(c)
		c.source.client.Unsubscribe(c.source.samplesTopic(c.sourceID), c.source.infoTopic(c.sourceID))
	})
	return nil
}

func (c *conn) fail(err error) {
	c.failOnce.Do(func() {
		c.failErr = err
		close(c.failed)
	})
}

// handleSamples decodes a batch and queues it for Pull
func (c *conn) handleSamples(_ mqtt.Client, msg mqtt.Message) {
	batch, err := parseSamples(msg.Payload())
	if err != nil {
		log.Warn().Err(err).Str("topic", msg.Topic()).Msg("mqtt: malformed samples payload")
		return
	}

	// Write to channel (bounded wait so a stalled consumer cannot wedge the paho router)
	select {
	case c.batches <- batch:
	case <-c.closed:
	case <-time.After(1 * time.Second):
		log.Warn().Str("source_id", c.sourceID).Msg("mqtt: samples queue full, dropping batch")
	}
}

// handleInfo fails the stream when the device clears its retained info
func (c *conn) handleInfo(_ mqtt.Client, msg mqtt.Message) {
	if len(strings.TrimSpace(string(msg.Payload()))) == 0 {
		c.fail(errSourceWithdrawn)
	}
}

func parseInfo(msg mqtt.Message) (models.StreamDescriptor, bool) {
	sourceID := extractSourceID(msg.Topic())
	payload := msg.Payload()
	if sourceID == "" || len(strings.TrimSpace(string(payload))) == 0 {
		return models.StreamDescriptor{}, false
	}

	var info InfoPayload
	if err := json.Unmarshal(payload, &info); err != nil {
		log.Warn().Err(err).Str("topic", msg.Topic()).Msg("mqtt: malformed info payload")
		return models.StreamDescriptor{}, false
	}
	if info.Name == "" {
		info.Name = sourceID
	}
	return models.StreamDescriptor{
		ID:           stream.DescriptorID(Transport, sourceID),
		Name:         info.Name,
		Hostname:     info.Hostname,
		ChannelCount: info.ChannelCount,
		SampleRate:   info.SampleRate,
	}, true
}

func parseSamples(payload []byte) (stream.RawBatch, error) {
	var p SamplesPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return stream.RawBatch{}, err
	}
	if len(p.Timestamps) != 0 && len(p.Timestamps) != len(p.Samples) {
		return stream.RawBatch{}, fmt.Errorf("%d timestamps for %d samples", len(p.Timestamps), len(p.Samples))
	}
	for i, values := range p.Samples {
		if len(values) == 0 {
			return stream.RawBatch{}, fmt.Errorf("sample %d has no channels", i)
		}
		if len(values) != len(p.Samples[0]) {
			return stream.RawBatch{}, fmt.Errorf("sample %d has %d channels, expected %d", i, len(values), len(p.Samples[0]))
		}
	}
	return stream.RawBatch{Timestamps: p.Timestamps, Values: p.Samples}, nil
}

func subscribe(client mqtt.Client, topic string, handler mqtt.MessageHandler) error {
	token := client.Subscribe(topic, 1, handler)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}
	return nil
}

// extractSourceID extracts the source ID from an MQTT topic
// Example: "eeg/muse-01/samples" -> "muse-01"
func extractSourceID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 3 {
		return parts[len(parts)-2]
	}
	return ""
}
