// Package services hosts the session controller, which binds stream clients and
// producers to a session store through the event buffer.
package services

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"adalog/internal/buffer"
	"adalog/internal/metrics"
	"adalog/internal/models"
	"adalog/internal/quality"
	"adalog/internal/session"
	"adalog/internal/stream"
)

// Catalog indexes sessions. catalog.Store implements it.
type Catalog interface {
	Record(ctx context.Context, s *models.Session) error
	UpdateTags(ctx context.Context, id uuid.UUID, tags []string) error
	Complete(ctx context.Context, id uuid.UUID, endedAt time.Time, cause error) error
}

// Mirror receives a copy of every written entry. database.Mirror implements it.
type Mirror interface {
	SessionStarted(s *models.Session)
	SessionEnded(s *models.Session, endedAt time.Time, err error)
	Record(s *models.Session, e models.Entry)
}

// Announcer notifies external listeners about recording activity. mqtt.Announcer implements it.
type Announcer interface {
	SessionStarted(s *models.Session)
	SessionStopped(s *models.Session, err error)
	TextCaptured(s *models.Session, ev models.TextEvent)
	QualityChanged(q models.QualitySample)
}

// ControllerConfig holds session controller settings
type ControllerConfig struct {
	SessionsDir    string
	BufferCapacity int
	ConnectTimeout time.Duration
}

// Option configures a Controller
type Option func(*Controller)

// WithCatalog records every session in cat
func WithCatalog(cat Catalog) Option {
	return func(c *Controller) { c.catalog = cat }
}

// WithMirror copies written entries to m
func WithMirror(m Mirror) Option {
	return func(c *Controller) { c.mirror = m }
}

// WithAnnouncer publishes recording activity through a
func WithAnnouncer(a Announcer) Option {
	return func(c *Controller) { c.announcer = a }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock sets the session clock shared by producers and stream clients
func WithClock(clock stream.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

func WithAnalyzer(a *quality.Analyzer) Option {
	return func(c *Controller) { c.analyzer = a }
}

// Controller is the Idle/Recording state machine. Commands are serialized;
// entries flow to the session store only through the drain loop.
type Controller struct {
	cfg       ControllerConfig
	opener    stream.Opener
	clock     stream.Clock
	analyzer  *quality.Analyzer
	catalog   Catalog
	mirror    Mirror
	announcer Announcer
	metrics   *metrics.Metrics

	mu          sync.Mutex
	run         *recording
	lastSession *models.Session
	lastErr     error
}

// NewController creates an idle controller. opener resolves stream descriptors, usually a stream.Registry.
func NewController(cfg ControllerConfig, opener stream.Opener, opts ...Option) *Controller {
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = 4096
	}
	c := &Controller{
		cfg:    cfg,
		opener: opener,
		clock:  stream.SystemClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.analyzer == nil {
		c.analyzer = quality.NewAnalyzer(quality.DefaultConfig())
	}
	return c
}

// Start opens a new session and, when desc is non-nil, connects its stream.
// Subject and tags are validated before any I/O.
func (c *Controller) Start(ctx context.Context, subject string, tags []string, desc *models.StreamDescriptor) (*models.Session, error) {
	if err := session.ValidateSubject(subject); err != nil {
		return nil, fmt.Errorf("services.Controller.Start: %w", err)
	}
	tags = models.NormalizeTags(tags)
	if len(tags) == 0 {
		return nil, fmt.Errorf("services.Controller.Start: at least one tag is required: %w", models.ErrValidation)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != nil {
		return nil, fmt.Errorf("services.Controller.Start: %w", models.ErrAlreadyRecording)
	}

	run := &recording{
		buf:  buffer.New(c.cfg.BufferCapacity, buffer.WithMetrics(c.metrics)),
		done: make(chan struct{}),
	}

	// Connect first so a dead stream leaves no session directory behind
	if desc != nil {
		if err := c.bind(ctx, run, *desc); err != nil {
			run.buf.Close()
			return nil, fmt.Errorf("services.Controller.Start: %w", err)
		}
	}

	now := c.clock.Now()
	sess := models.NewSession(subject, tags, now)
	store, err := session.Create(c.cfg.SessionsDir, sess, session.WithMetrics(c.metrics))
	if err != nil {
		c.abort(run)
		return nil, fmt.Errorf("services.Controller.Start: %w", err)
	}
	if err := store.AppendTags(models.TagEvent{Timestamp: now, Tags: sess.Tags}); err != nil {
		_ = store.Finalize()
		c.abort(run)
		return nil, fmt.Errorf("services.Controller.Start: %w", err)
	}
	run.session = sess
	run.store = store
	run.tags = sess.Tags

	if c.catalog != nil {
		cctx, cancel := catalogContext()
		if err := c.catalog.Record(cctx, sess); err != nil {
			log.Warn().Err(err).Str("subject", sess.SubjectID).Msg("services.Controller.Start: failed to catalog session")
		}
		cancel()
	}
	if c.mirror != nil {
		c.mirror.SessionStarted(sess)
	}
	if c.announcer != nil {
		c.announcer.SessionStarted(sess)
	}

	c.run = run
	go c.drain(run)

	log.Info().Str("subject", sess.SubjectID).Strs("tags", sess.Tags).Str("session_dir", sess.Dir).Msg("session started")
	return sess, nil
}

// abort releases a recording that never started. Caller holds mu.
func (c *Controller) abort(run *recording) {
	if run.client != nil {
		run.client.Disconnect()
	}
	run.buf.Close()
}

// bind announces a new generation and connects a client for it. Caller holds mu.
func (c *Controller) bind(ctx context.Context, run *recording, desc models.StreamDescriptor) error {
	run.nextGen++
	gen := run.nextGen

	// The bind marker precedes every entry of the new client in the buffer
	bindSig := models.ControlSignal{Kind: models.ControlBind, Generation: gen, StreamID: desc.ID}
	if err := run.buf.Push(ctx, models.ControlEntry(bindSig)); err != nil {
		return err
	}

	client := stream.NewClient(c.opener, run.buf, gen,
		stream.WithClock(c.clock),
		stream.WithAnalyzer(c.analyzer),
		stream.WithConnectTimeout(c.cfg.ConnectTimeout),
	)
	if err := client.Connect(ctx, desc); err != nil {
		return err
	}
	run.client = client
	return nil
}

// ReselectStream replaces the session's stream without stopping the session.
// Entries still in flight from the previous client are discarded. A nil desc detaches the stream.
func (c *Controller) ReselectStream(ctx context.Context, desc *models.StreamDescriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	run := c.run
	if run == nil || run.stopping {
		return fmt.Errorf("services.Controller.ReselectStream: %w", models.ErrNotRecording)
	}

	if run.client != nil {
		run.client.Disconnect()
		run.client = nil
	}

	if desc == nil {
		run.nextGen++
		sig := models.ControlSignal{Kind: models.ControlBind, Generation: run.nextGen}
		if err := run.buf.Push(ctx, models.ControlEntry(sig)); err != nil {
			return fmt.Errorf("services.Controller.ReselectStream: %w", err)
		}
		log.Info().Str("subject", run.session.SubjectID).Msg("stream detached")
		return nil
	}

	if err := c.bind(ctx, run, *desc); err != nil {
		return fmt.Errorf("services.Controller.ReselectStream: %w", err)
	}
	log.Info().Str("subject", run.session.SubjectID).Str("stream_id", desc.ID).Uint64("generation", run.nextGen).Msg("stream reselected")
	return nil
}

// Stop drains every entry accepted before the call, disconnects the stream and
// finalizes the session store. It returns once the session is safely persisted,
// with the session's fatal error if one occurred.
func (c *Controller) Stop() error {
	c.mu.Lock()
	run := c.run
	if run == nil {
		c.mu.Unlock()
		return fmt.Errorf("services.Controller.Stop: %w", models.ErrNotRecording)
	}
	run.stopping = true
	client := run.client
	c.mu.Unlock()

	run.producers.Lock()
	if !run.producersClosed {
		run.producersClosed = true
		stopSig := models.ControlSignal{Kind: models.ControlStop}
		if err := run.buf.Push(context.Background(), models.ControlEntry(stopSig)); err != nil && !errors.Is(err, models.ErrBufferClosed) {
			log.Warn().Err(err).Msg("services.Controller.Stop: failed to post stop")
		}
	}
	run.producers.Unlock()

	if client != nil {
		client.Disconnect()
	}

	<-run.done
	return run.err
}

// Done returns a channel closed when the current session ends; it is already closed when idle
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.run.done
}

// Wait blocks until the current session ends and returns its fatal error, if any
func (c *Controller) Wait() error {
	<-c.Done()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// PushText enqueues a text entry. A zero timestamp is stamped with the session clock.
func (c *Controller) PushText(ctx context.Context, ev models.TextEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.clock.Now()
	}
	return c.produce(ctx, "services.Controller.PushText", func(run *recording) (models.Entry, error) {
		return models.TextEntry(ev), nil
	})
}

// SaveDrawing writes img into the session directory and enqueues its reference
func (c *Controller) SaveDrawing(ctx context.Context, img image.Image) (models.DrawingEvent, error) {
	var ev models.DrawingEvent
	err := c.produce(ctx, "services.Controller.SaveDrawing", func(run *recording) (models.Entry, error) {
		var err error
		ev, err = run.store.SaveDrawing(img, c.clock.Now())
		if err != nil {
			return models.Entry{}, err
		}
		return models.DrawingEntry(ev), nil
	})
	return ev, err
}

// UpdateTags records a new tag set for the rest of the session
func (c *Controller) UpdateTags(ctx context.Context, tags []string) error {
	tags = models.NormalizeTags(tags)
	if len(tags) == 0 {
		return fmt.Errorf("services.Controller.UpdateTags: at least one tag is required: %w", models.ErrValidation)
	}
	ev := models.TagEvent{Timestamp: c.clock.Now(), Tags: tags}
	return c.produce(ctx, "services.Controller.UpdateTags", func(run *recording) (models.Entry, error) {
		return models.TagsEntry(ev), nil
	})
}

// produce pushes a producer entry unless the session is stopping.
// Every push that returns nil is ordered before the stop marker.
func (c *Controller) produce(ctx context.Context, op string, build func(*recording) (models.Entry, error)) error {
	c.mu.Lock()
	run := c.run
	c.mu.Unlock()
	if run == nil {
		return fmt.Errorf("%s: %w", op, models.ErrNotRecording)
	}

	run.producers.RLock()
	defer run.producers.RUnlock()
	if run.producersClosed {
		return fmt.Errorf("%s: %w", op, models.ErrNotRecording)
	}

	e, err := build(run)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := run.buf.Push(ctx, e); err != nil {
		if errors.Is(err, models.ErrBufferClosed) {
			return fmt.Errorf("%s: %w", op, models.ErrNotRecording)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func catalogContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
