package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"nettrace-guardian/internal/archive"
	"nettrace-guardian/internal/blocklist"
	"nettrace-guardian/internal/config"
	"nettrace-guardian/internal/detection"
	"nettrace-guardian/internal/dispatch"
	"nettrace-guardian/internal/firewall"
	"nettrace-guardian/internal/ingest"
	"nettrace-guardian/internal/kafka"
	"nettrace-guardian/internal/metrics"
	"nettrace-guardian/internal/netif"
	"nettrace-guardian/internal/response"
	"nettrace-guardian/internal/schema"
	"nettrace-guardian/internal/server"
	"nettrace-guardian/internal/storage"
)

// app owns every running component, in the order shutdown needs them.
type app struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// Response side
	chClient   *storage.ClickHouseClient
	recorder   *storage.Recorder
	producer   *kafka.Producer
	redisStore *blocklist.RedisStore
	blocklist  *blocklist.Sink
	firewall   *firewall.Sink
	pipeline   *response.Pipeline
	dispatcher *dispatch.Dispatcher

	// Detection and ingest
	engine   *detection.Engine
	adapter  *ingest.Adapter
	udp      *ingest.UDPServer
	dtls     *ingest.DTLSServer
	tcp      *ingest.TCPServer
	nats     *ingest.NATSSource
	consumer *kafka.Consumer

	server  *server.Server
	watcher *config.Watcher

	reloadMu sync.Mutex
	bg       sync.WaitGroup
}

func newApp(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		metrics:    metrics.New(),
	}

	if err := a.buildStorage(ctx); err != nil {
		a.closeClients()
		return nil, err
	}
	if err := a.buildResponse(ctx); err != nil {
		a.closeClients()
		return nil, err
	}
	if err := a.buildDetection(); err != nil {
		a.closeClients()
		return nil, err
	}
	if err := a.buildIngest(); err != nil {
		a.closeClients()
		return nil, err
	}
	if err := a.buildServer(); err != nil {
		a.closeClients()
		return nil, err
	}
	a.watcher = config.NewWatcher(configPath, a.apply,
		config.WithWatcherLogger(logger.With("component", "config")))
	return a, nil
}

func (a *app) buildStorage(ctx context.Context) error {
	if !a.cfg.Storage.Enabled {
		return nil
	}

	a.logger.Info("initializing ClickHouse storage",
		"hosts", a.cfg.Storage.ClickHouse.Hosts,
		"database", a.cfg.Storage.ClickHouse.Database,
	)
	client, err := storage.NewClickHouseClient(ctx, a.cfg.Storage.ClickHouse)
	if err != nil {
		return fmt.Errorf("connect to ClickHouse: %w", err)
	}
	a.chClient = client

	if a.cfg.Storage.Migrate {
		if err := storage.NewMigrator(client, a.logger).Run(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	bw := storage.NewBatchWriter(client, a.cfg.Storage.BatchWriter, a.logger)
	a.recorder = storage.NewRecorder(bw, a.logger)
	return nil
}

func (a *app) buildResponse(ctx context.Context) error {
	sinks, err := a.buildSinks(ctx)
	if err != nil {
		return err
	}

	dirOpts := []response.DirectiveOption{
		response.WithDirectiveLogger(a.logger),
		response.WithDirectiveMetrics(a.metrics),
	}
	factories := map[string]response.Factory{
		"log": func() (response.Handler, error) {
			return response.NewLogHandler(a.logger), nil
		},
		string(response.KindRateLimit): func() (response.Handler, error) {
			return response.NewDirectiveHandler(a.cfg.Response.Directives.RateLimit(), sinks, dirOpts...)
		},
		string(response.KindBlock): func() (response.Handler, error) {
			return response.NewDirectiveHandler(a.cfg.Response.Directives.Block(), sinks, dirOpts...)
		},
		"archive": func() (response.Handler, error) {
			client, err := archive.NewClient(ctx, a.cfg.Archive.Config, a.logger)
			if err != nil {
				return nil, err
			}
			host, _ := os.Hostname()
			return archive.NewHandler(client, archive.WithSensor(host)), nil
		},
	}
	registry := response.NewRegistry()
	for name, f := range factories {
		if err := registry.Register(name, f); err != nil {
			return err
		}
	}

	handlers, err := registry.Build(a.cfg.Response.Handlers)
	if err != nil {
		return err
	}

	opts := []response.Option{
		response.WithLogger(a.logger),
		response.WithMetrics(a.metrics),
	}
	if a.recorder != nil {
		opts = append(opts, response.WithObservers(a.recorder))
	}
	a.pipeline, err = response.NewPipeline(a.cfg.Response.PipelineConfig, handlers, opts...)
	if err != nil {
		return err
	}

	a.dispatcher, err = dispatch.New(a.cfg.Dispatch, a.pipeline,
		dispatch.WithLogger(a.logger),
		dispatch.WithMetrics(a.metrics),
	)
	return err
}

// buildSinks connects the directive sinks named in the configuration.
func (a *app) buildSinks(ctx context.Context) ([]response.DirectiveSink, error) {
	var sinks []response.DirectiveSink
	for _, name := range a.cfg.Response.Directives.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, response.NewLogSink(a.logger))

		case "kafka":
			kcfg := a.cfg.Kafka.Config
			admin, err := kafka.NewAdmin(&kcfg, a.logger)
			if err != nil {
				return nil, err
			}
			if err := admin.EnsureTopic(ctx, admin.DirectiveTopic()); err != nil {
				a.logger.Warn("could not ensure directive topic", "topic", kcfg.Topic, "error", err)
			}
			a.producer, err = kafka.NewProducer(&kcfg, a.logger)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, kafka.NewDirectiveSink(a.producer))

		case "redis":
			store, err := blocklist.NewRedisStore(ctx, a.cfg.Redis.Config)
			if err != nil {
				return nil, err
			}
			a.redisStore = store
			a.blocklist = blocklist.NewSink(store, a.cfg.Redis.KeyPrefix, a.logger)
			sinks = append(sinks, a.blocklist)

		case "firewall":
			fw, err := firewall.NewSink(a.cfg.Firewall.Config, firewall.WithLogger(a.logger))
			if err != nil {
				return nil, err
			}
			if err := fw.Setup(ctx); err != nil {
				return nil, err
			}
			a.firewall = fw
			sinks = append(sinks, fw)

		default:
			return nil, schema.NewConfigError("response.directives.sinks", "unknown sink %q", name)
		}
	}
	return sinks, nil
}

func (a *app) buildDetection() error {
	engCfg, err := a.cfg.Detection.EngineConfig()
	if err != nil {
		return err
	}
	a.engine, err = detection.NewEngine(engCfg, a.dispatcher,
		detection.WithLogger(a.logger),
		detection.WithMetrics(a.metrics),
		detection.WithShards(a.cfg.Detection.Shards),
	)
	return err
}

func (a *app) buildIngest() error {
	ic := a.cfg.Ingest
	a.adapter = ingest.NewAdapter(a.engine,
		ingest.WithAdapterLogger(a.logger),
		ingest.WithAdapterMetrics(a.metrics),
		ingest.WithValidator(schema.NewValidatorWithConfig(ic.ValidatorConfig())),
		ingest.WithMaxBatch(ic.MaxBatchSize),
	)

	if ic.UDP.Enabled {
		a.udp = ingest.NewUDPServer(ic.UDP.ServerConfig(), a.adapter, a.logger)
	}
	if ic.DTLS.Enabled {
		srv, err := ingest.NewDTLSServer(ic.DTLS.ServerConfig(), a.adapter, a.logger)
		if err != nil {
			return err
		}
		a.dtls = srv
	}
	if ic.TCP.Enabled {
		a.tcp = ingest.NewTCPServer(ic.TCP.ServerConfig(), a.adapter, a.logger)
	}
	if ic.NATS.Enabled {
		a.nats = ingest.NewNATSSource(ic.NATS.SourceConfig(), a.adapter, a.logger)
	}
	if a.cfg.Kafka.Enabled && a.cfg.Kafka.IngestTopic != "" {
		kcfg := a.cfg.Kafka.Config
		c, err := kafka.NewConsumer(&kcfg, kafka.IngestHandler(a.adapter, a.logger), a.logger)
		if err != nil {
			return err
		}
		a.consumer = c
	}
	return nil
}

func (a *app) buildServer() error {
	deps := server.Deps{
		Engine:     a.engine,
		Pipeline:   a.pipeline,
		Dispatcher: a.dispatcher,
		Ingest:     a.adapter,
		Interfaces: netif.NewInspector(),
		Metrics:    a.metrics.Handler(),
		Reload:     a.reload,
	}
	if a.blocklist != nil {
		deps.Blocklist = a.blocklist
	}
	if a.cfg.Ingest.HTTP.Enabled {
		deps.Packets = ingest.NewHandler(a.adapter).WithMaxPayload(a.cfg.Ingest.HTTP.MaxPayloadSize).HandlePackets
	}

	srv, err := server.New(a.cfg, deps, server.WithLogger(a.logger))
	if err != nil {
		return err
	}
	a.server = srv
	return nil
}

// start brings components up consumers first, so nothing is produced
// before its reader is running.
func (a *app) start(ctx context.Context) error {
	a.pipeline.Start(ctx)
	a.dispatcher.Start(ctx)
	a.engine.Start(ctx)

	if a.firewall != nil {
		a.bg.Add(1)
		go func() {
			defer a.bg.Done()
			a.firewall.Run(ctx, a.cfg.Firewall.PruneInterval)
		}()
	}

	if a.udp != nil {
		if err := a.udp.Start(ctx); err != nil {
			return fmt.Errorf("start UDP server: %w", err)
		}
	}
	if a.dtls != nil {
		if err := a.dtls.Start(ctx); err != nil {
			return fmt.Errorf("start DTLS server: %w", err)
		}
	}
	if a.tcp != nil {
		if err := a.tcp.Start(ctx); err != nil {
			return fmt.Errorf("start TCP server: %w", err)
		}
	}
	if a.nats != nil {
		if err := a.nats.Start(ctx); err != nil {
			return fmt.Errorf("start NATS source: %w", err)
		}
	}
	if a.consumer != nil {
		if err := a.consumer.StartAsync(); err != nil {
			return fmt.Errorf("start Kafka consumer: %w", err)
		}
	}

	if err := a.server.Start(); err != nil {
		return err
	}
	if err := a.watcher.Start(ctx); err != nil {
		a.logger.Warn("configuration hot reload disabled", "error", err)
	}

	a.logger.Info("guardian started", "handlers", a.pipeline.Handlers())
	return nil
}

// reload re-reads the configuration file and applies it.
func (a *app) reload(context.Context) error {
	cfg, err := config.LoadFile(a.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return a.applyConfig(cfg)
}

// apply is the watcher callback.
func (a *app) apply(cfg *config.Config) {
	if err := a.applyConfig(cfg); err != nil {
		a.logger.Error("configuration not applied", "error", err)
	}
}

// applyConfig swaps the detection rules and the response cooldown. Other
// settings take effect on restart.
func (a *app) applyConfig(cfg *config.Config) error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	engCfg, err := cfg.Detection.EngineConfig()
	if err != nil {
		return err
	}
	if err := a.engine.Reconfigure(engCfg); err != nil {
		return err
	}
	if err := a.pipeline.SetCooldown(cfg.Response.Cooldown); err != nil {
		return err
	}
	a.logger.Info("configuration applied",
		"thresholds", len(engCfg.Thresholds),
		"cooldown", cfg.Response.Cooldown,
	)
	return nil
}

// shutdown stops ingestion first, then drains the queue into the
// pipeline, then flushes and closes the external clients.
func (a *app) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownWait)
	defer cancel()

	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("ops server shutdown error", "error", err)
		}
	}

	if a.consumer != nil {
		if err := a.consumer.Stop(); err != nil {
			a.logger.Error("kafka consumer stop error", "error", err)
		}
	}
	if a.nats != nil {
		a.nats.Stop()
	}
	if a.tcp != nil {
		a.tcp.Stop()
	}
	if a.dtls != nil {
		a.dtls.Stop()
	}
	if a.udp != nil {
		a.udp.Stop()
	}

	a.engine.Stop()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), a.cfg.Dispatch.ShutdownWait)
	if err := a.dispatcher.Stop(drainCtx); err != nil {
		a.logger.Warn("dispatch queue not fully drained", "error", err)
	}
	drainCancel()
	a.pipeline.Stop()
	a.bg.Wait()

	a.closeClients()

	es := a.engine.Stats()
	dm := a.dispatcher.Metrics()
	ps := a.pipeline.Stats()
	a.logger.Info("shutdown complete",
		"packets_processed", es.Processed,
		"alerts", es.Alerts,
		"events_published", dm.Published,
		"events_dropped", dm.Dropped,
		"responses_dispatched", ps.Dispatched,
		"responses_suppressed", ps.Suppressed,
	)
}

// closeClients flushes the recorder and closes external connections.
func (a *app) closeClients() {
	var errs []error
	if a.recorder != nil {
		errs = append(errs, a.recorder.Close())
	}
	if a.chClient != nil {
		errs = append(errs, a.chClient.Close())
	}
	if a.producer != nil {
		errs = append(errs, a.producer.Close())
	}
	if a.redisStore != nil {
		errs = append(errs, a.redisStore.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("error closing clients", "error", err)
	}
}
