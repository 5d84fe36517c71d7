package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"adalog/internal/models"
	"adalog/internal/quality"
)

// State is the stream client connection state
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Sink receives the client's output. The event buffer satisfies it.
type Sink interface {
	Push(ctx context.Context, e models.Entry) error
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithClock sets the session clock
func WithClock(clock Clock) ClientOption {
	return func(c *Client) { c.clock = clock }
}

// WithAnalyzer sets the quality analyzer
func WithAnalyzer(a *quality.Analyzer) ClientOption {
	return func(c *Client) { c.analyzer = a }
}

// WithConnectTimeout bounds Connect
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.connectTimeout = d }
}

// Client pulls one stream into a sink. Every entry it emits carries its generation.
// A client connects at most once; reselection creates a new client with a newer generation.
type Client struct {
	opener         Opener
	sink           Sink
	generation     uint64
	clock          Clock
	analyzer       *quality.Analyzer
	connectTimeout time.Duration

	mu        sync.Mutex
	state     State
	desc      models.StreamDescriptor
	conn      Conn
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewClient creates a disconnected client
func NewClient(opener Opener, sink Sink, generation uint64, opts ...ClientOption) *Client {
	c := &Client{
		opener:     opener,
		sink:       sink,
		generation: generation,
		clock:      SystemClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.analyzer == nil {
		c.analyzer = quality.NewAnalyzer(quality.DefaultConfig())
	}
	return c
}

// Generation returns the generation stamped on every entry from this client
func (c *Client) Generation() uint64 { return c.generation }

// State returns the current connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Descriptor returns the stream the client was asked to connect to
func (c *Client) Descriptor() models.StreamDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desc
}

// Connect opens the stream and starts pulling. Failures wrap models.ErrConnection.
func (c *Client) Connect(ctx context.Context, desc models.StreamDescriptor) error {
	c.mu.Lock()
	if c.state != StateDisconnected || c.done != nil {
		c.mu.Unlock()
		return fmt.Errorf("stream.Client.Connect: %s: client already used: %w", desc.ID, models.ErrConnection)
	}
	c.state = StateConnecting
	c.desc = desc
	c.mu.Unlock()

	openCtx := ctx
	if c.connectTimeout > 0 {
		var cancel context.CancelFunc
		openCtx, cancel = context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()
	}

	conn, err := c.opener.Open(openCtx, desc)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("stream.Client.Connect: %s: %w: %w", desc.ID, models.ErrConnection, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.state != StateConnecting {
		// Disconnect won the race
		c.mu.Unlock()
		cancel()
		_ = conn.Close()
		return fmt.Errorf("stream.Client.Connect: %s: disconnected while connecting: %w", desc.ID, models.ErrConnection)
	}
	c.conn = conn
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state = StateStreaming
	done := c.done
	c.mu.Unlock()

	log.Info().Str("stream_id", desc.ID).Uint64("generation", c.generation).Msg("stream connected")

	go c.pull(runCtx, conn, newClockSync(desc.SampleRate), done)
	return nil
}

// Disconnect stops pulling and releases the connection. It is idempotent and waits
// for the pull loop to exit, so no entry is emitted after it returns.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	conn := c.conn
	c.state = StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		c.closeConn(conn)
	}
	if done != nil {
		<-done
	}
}

func (c *Client) pull(ctx context.Context, conn Conn, cs *clockSync, done chan struct{}) {
	defer close(done)
	defer c.closeConn(conn)

	for {
		raw, err := conn.Pull(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.fail(ctx, err)
			return
		}

		batch := c.translate(raw, cs)
		if len(batch.Samples) == 0 {
			continue
		}

		q := c.analyzer.Analyze(batch, c.clock.Now())
		batch.Quality = q.Score

		if err := c.sink.Push(ctx, models.SamplesEntry(batch)); err != nil {
			c.stopOnPushError(err)
			return
		}
		if err := c.sink.Push(ctx, models.QualityEntry(q)); err != nil {
			c.stopOnPushError(err)
			return
		}
	}
}

func (c *Client) translate(raw RawBatch, cs *clockSync) models.SampleBatch {
	stamps := cs.translate(c.clock.Now(), raw.Timestamps, len(raw.Values))

	// Every sample of a batch must share the channel layout of the first one
	width := 0
	if len(raw.Values) > 0 {
		width = len(raw.Values[0])
	}
	samples := make([]models.Sample, 0, len(raw.Values))
	for i, values := range raw.Values {
		if width == 0 || len(values) != width {
			continue
		}
		samples = append(samples, models.Sample{Timestamp: stamps[i], Values: values})
	}
	if dropped := len(raw.Values) - len(samples); dropped > 0 {
		log.Warn().Str("stream_id", c.desc.ID).Int("dropped", dropped).Int("channels", width).Msg("stream.Client: dropping samples with a mismatched channel count")
	}

	return models.SampleBatch{
		StreamID:   c.desc.ID,
		Generation: c.generation,
		Samples:    samples,
	}
}

// fail reports a read failure exactly once and leaves the client disconnected
func (c *Client) fail(ctx context.Context, cause error) {
	c.setState(StateDisconnected)

	log.Warn().Err(cause).Str("stream_id", c.desc.ID).Uint64("generation", c.generation).Msg("stream lost")

	sig := models.ControlSignal{
		Kind:       models.ControlError,
		Generation: c.generation,
		StreamID:   c.desc.ID,
		Err:        fmt.Errorf("%w: %w", models.ErrStreamRead, cause),
	}
	if err := c.sink.Push(ctx, models.ControlEntry(sig)); err != nil {
		c.stopOnPushError(err)
	}
}

func (c *Client) stopOnPushError(err error) {
	c.setState(StateDisconnected)
	if errors.Is(err, models.ErrBufferClosed) || errors.Is(err, context.Canceled) {
		return
	}
	log.Warn().Err(err).Str("stream_id", c.desc.ID).Msg("stream.Client: sink rejected entry")
}

func (c *Client) closeConn(conn Conn) {
	c.closeOnce.Do(func() {
		if err := conn.Close(); err != nil {
			log.Debug().Err(err).Str("stream_id", c.desc.ID).Msg("stream.Client: close failed")
		}
	})
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
