package cli

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"adalog/internal/catalog"
	"adalog/internal/database"
	"adalog/internal/metrics"
	"adalog/internal/mqtt"
	"adalog/internal/services"
	"adalog/internal/stream"
	"adalog/pkg/config"
)

// app holds the collaborators a command needs. Everything optional stays nil when disabled.
type app struct {
	cfg      *config.Config
	metrics  *metrics.Metrics
	registry *stream.Registry
	catalog  *catalog.Store

	mqtt      *mqtt.Client
	announcer *mqtt.Announcer
	db        *database.ClickHouseDB
	mirror    *database.Mirror
	server    *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// newApp builds the stream registry and the catalog. MQTT is connected only when enabled.
func newApp(cfg *config.Config) (*app, error) {
	a := &app{
		cfg:      cfg,
		metrics:  metrics.New(),
		registry: stream.NewRegistry(cfg.DiscoveryTimeout),
	}

	if cfg.SyntheticStream {
		a.registry.Register(stream.NewSyntheticSource(stream.DefaultSyntheticStream()))
	}

	if cfg.MQTT.Enabled {
		client, err := mqtt.NewClient(mqtt.ClientConfig{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			ConnectTimeout: cfg.ConnectTimeout,
		})
		if err != nil {
			return nil, err
		}
		a.mqtt = client

		source := mqtt.NewSource(client.Native(), mqtt.SourceConfig{
			TopicPrefix:     cfg.MQTT.TopicPrefix,
			DiscoveryWindow: cfg.DiscoveryTimeout / 2,
		})
		client.OnConnectionLost(source.ConnectionLost)
		a.registry.Register(source)
	}

	if cfg.Catalog.Enabled {
		cat, err := catalog.Open(cfg.Catalog.Path)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.catalog = cat
	}

	return a, nil
}

// controller starts the background publishers and builds the session controller
func (a *app) controller(ctx context.Context) (*services.Controller, error) {
	bg, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	opts := []services.Option{services.WithMetrics(a.metrics)}
	if a.catalog != nil {
		opts = append(opts, services.WithCatalog(a.catalog))
	}

	if a.mqtt != nil {
		a.announcer = mqtt.NewAnnouncer(a.mqtt.Native(), a.cfg.MQTT.AnnounceTopic, 0)
		a.goRun(func() { a.announcer.Start(bg) })
		opts = append(opts, services.WithAnnouncer(a.announcer))
	}

	if a.cfg.ClickHouse.Enabled {
		db, err := database.NewClickHouseDB(ctx, database.Config{
			Addr:     a.cfg.ClickHouse.Addr,
			Database: a.cfg.ClickHouse.DB,
			Username: a.cfg.ClickHouse.User,
			Password: a.cfg.ClickHouse.Pass,
		})
		if err != nil {
			return nil, err
		}
		a.db = db
		a.mirror = database.NewMirror(db, database.MirrorConfig{
			BatchSize:     a.cfg.ClickHouse.BatchSize,
			FlushInterval: a.cfg.ClickHouse.FlushInterval,
		}, a.metrics)
		a.goRun(func() { a.mirror.Start(bg) })
		opts = append(opts, services.WithMirror(a.mirror))
	}

	if a.cfg.MetricsAddr != "" {
		a.serveMetrics()
	}

	return services.NewController(services.ControllerConfig{
		SessionsDir:    a.cfg.SessionsDir,
		BufferCapacity: a.cfg.BufferCapacity,
		ConnectTimeout: a.cfg.ConnectTimeout,
	}, a.registry, opts...), nil
}

func (a *app) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

func (a *app) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.metrics.Registry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	a.server = &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.goRun(func() {
		log.Info().Str("addr", a.cfg.MetricsAddr).Msg("serving metrics")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server error")
		}
	})
}

// Close stops the background publishers, flushing the mirror, and releases every connection
func (a *app) Close() {
	if a.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("cli.app.Close: metrics server shutdown")
		}
		cancel()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.Warn().Err(err).Msg("cli.app.Close: clickhouse")
		}
	}
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	if a.catalog != nil {
		if err := a.catalog.Close(); err != nil {
			log.Warn().Err(err).Msg("cli.app.Close: catalog")
		}
	}
}

func requireCatalog(a *app) error {
	if a.catalog == nil {
		return errors.New("the session catalog is disabled (set ADALOG_CATALOG_ENABLED=true)")
	}
	return nil
}
