package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"ngalert/internal/api"
	"ngalert/internal/clock"
	"ngalert/internal/config"
	"ngalert/internal/datasource"
	"ngalert/internal/eval"
	"ngalert/internal/history"
	"ngalert/internal/ingest"
	"ngalert/internal/logging"
	"ngalert/internal/metrics"
	"ngalert/internal/notifier"
	"ngalert/internal/notifyqueue"
	"ngalert/internal/rules"
	"ngalert/internal/schedule"
	"ngalert/internal/state"
	"ngalert/internal/store"
	"ngalert/internal/telemetry"
)

var errNotReady = errors.New("service is not ready")

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable alerting service.
type Service struct {
	source   config.ConfigSource
	cfg      config.Config
	logger   *slog.Logger
	closeLog func()
	clock    clock.Clock

	metrics         *metrics.Metrics
	shutdownTracing func(context.Context) error
	store           store.InstanceStore
	history         history.Recorder
	rules           *rules.Reader

	// alertmanagers is the engine-facing registry; queued when the delivery queue is enabled.
	alertmanagers *notifier.MultiOrgAlertmanager
	// direct pushes over HTTP from the queue worker; nil without queue.
	direct    *notifier.MultiOrgAlertmanager
	notifyQ   interface{ Close() error }
	notifyPub notifyqueue.Producer

	states    *state.Manager
	engine    *schedule.Engine
	scheduler *schedule.Scheduler
	api       *api.Service
	httpSrv   *http.Server
	natsSub   interface{ Close() error }
	readyFlag atomic.Bool
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	service := &Service{
		source:   source,
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		clock:    clk,
	}
	for _, build := range []func() error{
		service.buildTelemetry,
		service.buildStore,
		service.buildHistory,
		service.buildRules,
		service.buildNotifiers,
		service.buildPipeline,
		service.buildHTTPServer,
		service.buildNATSSubscriber,
	} {
		if err := build(); err != nil {
			service.cleanupInitResources()
			return nil, err
		}
	}
	return service, nil
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	shutdownCtx, shutdownCancel := context.WithCancel(ctx)
	defer shutdownCancel()

	if err := s.states.Warm(shutdownCtx); err != nil {
		_ = s.shutdown()
		return fmt.Errorf("warm state cache: %w", err)
	}
	if err := s.scheduler.UpdateRules(shutdownCtx, s.rules.Rules()); err != nil {
		s.logger.Error("some rules were rejected", "error", err.Error())
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.HTTP.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		if err := s.scheduler.Run(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("scheduler stopped", "error", err.Error())
		}
	}()

	if s.cfg.Service.ReloadEnabled {
		reloadInterval := time.Duration(s.cfg.Service.ReloadIntervalSec) * time.Second
		reloadTicker := time.NewTicker(reloadInterval)
		defer reloadTicker.Stop()
		go func() {
			for {
				select {
				case <-shutdownCtx.Done():
					return
				case <-reloadTicker.C:
					if err := s.reloadConfig(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
						s.logger.Error("reload failed", "error", err.Error())
					}
				}
			}
		}()
	}

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	stop := func() error {
		s.readyFlag.Store(false)
		shutdownCancel()
		<-schedulerDone
		return s.shutdown()
	}
	select {
	case <-ctx.Done():
		return stop()
	case err := <-errChan:
		_ = stop()
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		return stop()
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("nats subscriber close failed", "error", err.Error())
			markErr(fmt.Errorf("nats subscriber close: %w", err))
		}
	}
	if s.notifyQ != nil {
		if err := s.notifyQ.Close(); err != nil {
			s.logger.Error("alert queue worker close failed", "error", err.Error())
			markErr(fmt.Errorf("alert queue worker close: %w", err))
		}
	}
	if s.notifyPub != nil {
		if err := s.notifyPub.Close(); err != nil {
			s.logger.Error("alert queue producer close failed", "error", err.Error())
			markErr(fmt.Errorf("alert queue producer close: %w", err))
		}
	}
	s.alertmanagers.Stop()
	if s.direct != nil {
		s.direct.Stop()
	}
	if err := s.history.Close(); err != nil {
		s.logger.Error("history close failed", "error", err.Error())
		markErr(fmt.Errorf("history close: %w", err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", "error", err.Error())
		markErr(fmt.Errorf("store close: %w", err))
	}
	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("tracing shutdown: %w", err))
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.notifyQ != nil {
		_ = s.notifyQ.Close()
		s.notifyQ = nil
	}
	if s.notifyPub != nil {
		_ = s.notifyPub.Close()
		s.notifyPub = nil
	}
	if s.alertmanagers != nil {
		s.alertmanagers.Stop()
		s.alertmanagers = nil
	}
	if s.direct != nil {
		s.direct.Stop()
		s.direct = nil
	}
	if s.history != nil {
		_ = s.history.Close()
		s.history = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.shutdownTracing != nil {
		_ = s.shutdownTracing(context.Background())
		s.shutdownTracing = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildTelemetry creates metrics registry and trace exporter.
// Params: none.
// Returns: exporter setup error.
func (s *Service) buildTelemetry() error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = metrics.New(registry)

	shutdown, err := telemetry.InitTraceProvider(context.Background(), s.cfg.Tracing.OTLPEndpoint, s.cfg.Service.Name, s.cfg.Tracing.ServiceVersion)
	if err != nil {
		return err
	}
	s.shutdownTracing = shutdown
	return nil
}

// buildStore creates instance store backend from config.
// Params: none.
// Returns: connection or migration error.
func (s *Service) buildStore() error {
	instanceStore, err := openStore(context.Background(), s.cfg)
	if err != nil {
		return err
	}
	s.store = instanceStore
	return nil
}

// buildHistory creates state-transition recorder.
// Params: none.
// Returns: Kafka writer setup error.
func (s *Service) buildHistory() error {
	if !s.cfg.History.Kafka.Enabled {
		s.history = history.NopRecorder{}
		return nil
	}
	recorder, err := history.NewKafkaRecorder(s.cfg.History.Kafka, s.logger)
	if err != nil {
		return fmt.Errorf("kafka history: %w", err)
	}
	s.history = recorder
	return nil
}

// buildRules loads provisioned rule files.
// Params: none.
// Returns: rule load error.
func (s *Service) buildRules() error {
	reader := rules.NewReader(s.cfg.Rules.Paths, s.logger)
	if err := reader.Load(); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	s.rules = reader
	return nil
}

// buildNotifiers wires per-org alertmanager registry and optional delivery queue.
// Params: none.
// Returns: queue or registry setup error.
func (s *Service) buildNotifiers() error {
	httpFactory := notifier.HTTPFactory(s.logger)
	if isSingleMode(s.cfg) || !s.cfg.Alertmanager.Queue.Enabled {
		s.alertmanagers = notifier.NewMultiOrgAlertmanager(httpFactory, s.logger)
		return s.alertmanagers.ApplyConfig(s.cfg.Alertmanager.Org)
	}

	producer, err := notifyqueue.NewNATSProducer(s.cfg.Alertmanager.Queue)
	if err != nil {
		return err
	}
	s.notifyPub = producer
	s.alertmanagers = notifier.NewMultiOrgAlertmanager(func(org config.OrgAlertmanagerConfig) (notifier.Alertmanager, error) {
		return notifyqueue.NewQueuedAlertmanager(org.OrgID, producer), nil
	}, s.logger)
	s.direct = notifier.NewMultiOrgAlertmanager(httpFactory, s.logger)
	if err := s.applyAlertmanagers(s.cfg); err != nil {
		return err
	}

	worker, err := notifyqueue.NewNATSWorker(s.cfg.Alertmanager.Queue, s.logger,
		notifyqueue.Deliver(s.direct, s.cfg.Evaluation.NotificationTimeout()))
	if err != nil {
		return err
	}
	s.notifyQ = worker
	return nil
}

// buildPipeline wires evaluator, state manager, engine and scheduler.
// Params: none.
// Returns: data source or app URL error.
func (s *Service) buildPipeline() error {
	sources, err := datasource.NewFromConfig(s.cfg.Datasource, s.logger)
	if err != nil {
		return err
	}
	appURL, err := config.ParseAppURL(s.cfg)
	if err != nil {
		return err
	}
	evaluator := eval.NewConditionEvaluator(sources, s.logger)

	s.states = state.NewManager(state.ManagerConfig{
		Store:       s.store,
		History:     s.history,
		Metrics:     s.metrics,
		Clock:       s.clock,
		ResendDelay: s.cfg.Evaluation.ResendDelay(),
		Logger:      s.logger,
	})
	s.engine = schedule.NewEngine(schedule.EngineConfig{
		Evaluator:           evaluator,
		State:               s.states,
		Alertmanagers:       s.alertmanagers,
		AppURL:              appURL,
		EvalTimeout:         s.cfg.Evaluation.Timeout(),
		NotificationTimeout: s.cfg.Evaluation.NotificationTimeout(),
		Metrics:             s.metrics,
		Tracer:              telemetry.Tracer(),
		Logger:              s.logger,
	})
	s.scheduler = schedule.New(s.engine, schedule.Config{
		BaseInterval: s.cfg.Evaluation.BaseInterval(),
		Workers:      s.cfg.Evaluation.Workers,
		QueueSize:    s.cfg.Evaluation.QueueSize,
		Clock:        s.clock,
		Metrics:      s.metrics,
		Logger:       s.logger,
	})
	s.api = api.NewService(api.ServiceConfig{
		Evaluator:   evaluator,
		Engine:      s.engine,
		Rules:       s.rules,
		Clock:       s.clock,
		EvalTimeout: s.cfg.Evaluation.Timeout(),
		Logger:      s.logger,
	})
	return nil
}

// buildHTTPServer wires API router with health, readiness and metrics endpoints.
// Params: none.
// Returns: setup error.
func (s *Service) buildHTTPServer() error {
	router := api.NewRouter(api.RouterConfig{
		HTTP:    s.cfg.HTTP,
		Service: s.api,
		Metrics: s.metrics,
		Ready: func() error {
			if !s.readyFlag.Load() {
				return errNotReady
			}
			return nil
		},
		Logger: s.logger,
	})
	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTP.Listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// buildNATSSubscriber starts NATS process-request ingest when enabled.
// Params: none.
// Returns: initialization error.
func (s *Service) buildNATSSubscriber() error {
	if isSingleMode(s.cfg) {
		return nil
	}
	if !s.cfg.Ingest.NATS.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, s.api, s.logger)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

// reloadConfig reloads rule files and alertmanager org tables.
// Params: context for state cleanup of removed rules.
// Returns: reload or apply error.
func (s *Service) reloadConfig(ctx context.Context) error {
	nextCfg, err := config.LoadSnapshot(s.source)
	if err != nil {
		return err
	}
	if isSingleMode(nextCfg) != isSingleMode(s.cfg) {
		return fmt.Errorf("service.mode change requires restart")
	}
	if nextCfg.Alertmanager.Queue.Enabled != s.cfg.Alertmanager.Queue.Enabled {
		return fmt.Errorf("alertmanager.queue.enabled change requires restart")
	}

	if err := s.rules.Reload(nextCfg.Rules.Paths); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	if err := s.applyAlertmanagers(nextCfg); err != nil {
		return err
	}
	loaded := s.rules.Rules()
	updateErr := s.scheduler.UpdateRules(ctx, loaded)
	s.cfg = nextCfg
	s.logger.Info("configuration reloaded", "rules", len(loaded), "orgs", len(nextCfg.Alertmanager.Org))
	return updateErr
}

func (s *Service) applyAlertmanagers(cfg config.Config) error {
	if s.direct != nil {
		if err := s.direct.ApplyConfig(cfg.Alertmanager.Org); err != nil {
			return err
		}
	}
	return s.alertmanagers.ApplyConfig(cfg.Alertmanager.Org)
}

// openStore creates instance store backend from config.
// Params: ctx bounds connection and migration; root config snapshot.
// Returns: selected store backend.
func openStore(ctx context.Context, cfg config.Config) (store.InstanceStore, error) {
	switch cfg.InstanceStore.Backend {
	case config.InstanceStoreMemory:
		return store.NewMemoryStore(), nil
	case config.InstanceStoreNATS:
		return store.NewNATSStore(cfg.NATS.URL, cfg.InstanceStore)
	case config.InstanceStorePostgres, config.InstanceStoreMySQL:
		sqlStore, err := store.OpenSQL(ctx, cfg.InstanceStore.Backend, cfg.InstanceStore.DSN)
		if err != nil {
			return nil, err
		}
		if cfg.InstanceStore.Migrate {
			if err := sqlStore.Migrate(ctx); err != nil {
				_ = sqlStore.Close()
				return nil, err
			}
		}
		return sqlStore, nil
	default:
		return nil, fmt.Errorf("unsupported instance store backend %q", cfg.InstanceStore.Backend)
	}
}

func isSingleMode(cfg config.Config) bool {
	return config.NormalizeServiceMode(cfg.Service.Mode) == config.ServiceModeSingle
}
