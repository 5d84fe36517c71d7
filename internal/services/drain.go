package services

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"adalog/internal/buffer"
	"adalog/internal/models"
	"adalog/internal/session"
	"adalog/internal/stream"
)

// recording is the state of one active session
type recording struct {
	session *models.Session
	store   *session.Store
	buf     *buffer.EventBuffer
	done    chan struct{}
	err     error // Fatal error, set before done is closed

	// Guarded by Controller.mu
	client   *stream.Client
	nextGen  uint64
	stopping bool

	// Producers hold the read lock while pushing; Stop takes the write lock to post the stop marker
	producers       sync.RWMutex
	producersClosed bool

	// Written by the drain loop, read by Status
	stateMu   sync.Mutex
	gen       uint64
	streamID  string
	streamErr error
	tags      []string
}

// drain routes buffered entries to the store until the stop marker or a fatal error
func (c *Controller) drain(run *recording) {
	var fatal error
	for {
		e, err := run.buf.Next()
		if err != nil {
			break
		}
		if e.Kind == models.EntryControl && e.Control.Kind == models.ControlStop {
			break
		}
		if err := c.route(run, e); err != nil {
			fatal = err
			log.Error().Err(err).Str("subject", run.session.SubjectID).Str("session_dir", run.session.Dir).Msg("session failed, finalizing")
			break
		}
	}
	c.teardown(run, fatal)
}

// route writes one entry. Only store failures are returned; they end the session.
func (c *Controller) route(run *recording, e models.Entry) error {
	switch e.Kind {
	case models.EntryText:
		if err := run.store.AppendText(*e.Text); err != nil {
			return err
		}
		if c.announcer != nil {
			c.announcer.TextCaptured(run.session, *e.Text)
		}

	case models.EntryDrawing:
		if err := run.store.AppendDrawing(*e.Drawing); err != nil {
			return err
		}

	case models.EntryTags:
		if err := run.store.AppendTags(*e.Tags); err != nil {
			return err
		}
		run.stateMu.Lock()
		run.tags = e.Tags.Tags
		run.stateMu.Unlock()
		if c.catalog != nil {
			ctx, cancel := catalogContext()
			if err := c.catalog.UpdateTags(ctx, run.session.ID, e.Tags.Tags); err != nil {
				log.Warn().Err(err).Str("subject", run.session.SubjectID).Msg("services.Controller: failed to catalog tags")
			}
			cancel()
		}

	case models.EntrySamples:
		if c.stale(run, e.Samples.Generation) {
			c.metrics.Stale()
			log.Debug().Str("stream_id", e.Samples.StreamID).Uint64("generation", e.Samples.Generation).Msg("discarding stale batch")
			return nil
		}
		if err := run.store.AppendSamples(*e.Samples); err != nil {
			return err
		}

	case models.EntryQuality:
		if c.stale(run, e.Quality.Generation) {
			return nil
		}
		if err := run.store.AppendQuality(*e.Quality); err != nil {
			return err
		}
		if c.announcer != nil {
			c.announcer.QualityChanged(*e.Quality)
		}

	case models.EntryControl:
		c.control(run, *e.Control)
		return nil
	}

	if c.mirror != nil {
		c.mirror.Record(run.session, e)
	}
	return nil
}

func (c *Controller) stale(run *recording, gen uint64) bool {
	run.stateMu.Lock()
	defer run.stateMu.Unlock()
	return gen != run.gen
}

func (c *Controller) control(run *recording, sig models.ControlSignal) {
	switch sig.Kind {
	case models.ControlBind:
		run.stateMu.Lock()
		run.gen = sig.Generation
		run.streamID = sig.StreamID
		run.streamErr = nil
		run.stateMu.Unlock()

	case models.ControlError:
		run.stateMu.Lock()
		current := sig.Generation == run.gen
		if current {
			run.streamErr = sig.Err
		}
		run.stateMu.Unlock()
		if !current {
			return
		}
		c.metrics.StreamError()
		log.Warn().Err(sig.Err).Str("subject", run.session.SubjectID).Str("stream_id", sig.StreamID).Uint64("generation", sig.Generation).
			Msg("stream lost; text and drawing capture continue until a stream is reselected")
	}
}

// teardown releases the stream, finalizes the store and returns the controller to Idle
func (c *Controller) teardown(run *recording, fatal error) {
	// Close first so producers blocked on a full buffer release their locks
	run.buf.Close()

	c.mu.Lock()
	run.stopping = true
	client := run.client
	c.mu.Unlock()

	run.producers.Lock()
	run.producersClosed = true
	run.producers.Unlock()

	if client != nil {
		client.Disconnect()
	}

	if err := run.store.Finalize(); err != nil {
		log.Error().Err(err).Str("session_dir", run.session.Dir).Msg("services.Controller: finalize failed")
		fatal = errors.Join(fatal, err)
	}
	if fatal != nil {
		fatal = fmt.Errorf("session %s: %w", run.session.Dir, fatal)
	}

	endedAt := c.clock.Now()
	if c.catalog != nil {
		ctx, cancel := catalogContext()
		if err := c.catalog.Complete(ctx, run.session.ID, endedAt, fatal); err != nil {
			log.Warn().Err(err).Str("subject", run.session.SubjectID).Msg("services.Controller: failed to complete catalog entry")
		}
		cancel()
	}
	if c.mirror != nil {
		c.mirror.SessionEnded(run.session, endedAt, fatal)
	}
	if c.announcer != nil {
		c.announcer.SessionStopped(run.session, fatal)
	}

	stats := run.buf.Stats()
	log.Info().
		Str("subject", run.session.SubjectID).
		Str("session_dir", run.session.Dir).
		Uint64("entries", stats.Drained).
		Uint64("dropped_quality", stats.Dropped).
		Bool("failed", fatal != nil).
		Msg("session stopped")

	c.mu.Lock()
	if c.run == run {
		c.run = nil
	}
	c.lastSession = run.session
	c.lastErr = fatal
	c.mu.Unlock()

	run.err = fatal
	close(run.done)
}
