package database

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"adalog/internal/metrics"
	"adalog/internal/models"
)

// RowWriter persists batches of mirror rows. ClickHouseDB implements it.
type RowWriter interface {
	WriteRows(ctx context.Context, rows Rows) error
}

// MirrorConfig holds batching settings
type MirrorConfig struct {
	QueueSize     int
	BatchSize     int           // Flush once this many rows are pending
	FlushInterval time.Duration // Flush pending rows at least this often
}

// Mirror copies captured entries to a RowWriter in the background.
// Producers never block on it: rows are dropped when its queue is full.
type Mirror struct {
	writer  RowWriter
	cfg     MirrorConfig
	metrics *metrics.Metrics
	queue   chan Rows
	now     func() time.Time
}

// NewMirror creates a mirror; run Start to begin flushing
func NewMirror(writer RowWriter, cfg MirrorConfig, m *metrics.Metrics) *Mirror {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 512
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	return &Mirror{
		writer:  writer,
		cfg:     cfg,
		metrics: m,
		queue:   make(chan Rows, cfg.QueueSize),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start flushes queued rows until ctx is cancelled, then flushes what remains
func (m *Mirror) Start(ctx context.Context) {
	log.Info().Int("batch_size", m.cfg.BatchSize).Dur("flush_interval", m.cfg.FlushInterval).Msg("mirror: starting")

	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	var pending Rows
	for {
		select {
		case <-ctx.Done():
			m.drainQueue(&pending)
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			m.flush(flushCtx, &pending)
			cancel()
			log.Info().Msg("mirror: shut down")
			return

		case rows := <-m.queue:
			pending.merge(rows)
			if pending.Len() >= m.cfg.BatchSize {
				m.flush(ctx, &pending)
			}

		case <-ticker.C:
			m.flush(ctx, &pending)
		}
	}
}

func (m *Mirror) drainQueue(pending *Rows) {
	for {
		select {
		case rows := <-m.queue:
			pending.merge(rows)
		default:
			return
		}
	}
}

func (m *Mirror) flush(ctx context.Context, pending *Rows) {
	n := pending.Len()
	if n == 0 {
		return
	}
	if err := m.writer.WriteRows(ctx, *pending); err != nil {
		log.Warn().Err(err).Int("rows", n).Msg("mirror: write failed, dropping rows")
		m.metrics.MirrorDrop(n)
	}
	*pending = Rows{}
}

func (m *Mirror) enqueue(rows Rows) {
	select {
	case m.queue <- rows:
	default:
		log.Warn().Int("rows", rows.Len()).Msg("mirror: queue full, dropping rows")
		m.metrics.MirrorDrop(rows.Len())
	}
}

// SessionStarted mirrors a new session
func (m *Mirror) SessionStarted(s *models.Session) {
	m.enqueue(Rows{Sessions: []SessionRow{sessionRow(s, "recording", nil, nil, m.now())}})
}

// SessionEnded mirrors the final state of a session
func (m *Mirror) SessionEnded(s *models.Session, endedAt time.Time, err error) {
	status := "completed"
	if err != nil {
		status = "failed"
	}
	m.enqueue(Rows{Sessions: []SessionRow{sessionRow(s, status, &endedAt, err, m.now())}})
}

// Record mirrors one entry written to the session store
func (m *Mirror) Record(s *models.Session, e models.Entry) {
	rows := entryRows(s, e)
	if rows.Len() == 0 {
		return
	}
	m.enqueue(rows)
}
