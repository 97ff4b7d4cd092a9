// Package core wires the service components together and owns the
// start/stop lifecycle.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/veridian/sentinel/internal/alerting"
	"github.com/veridian/sentinel/internal/api"
	"github.com/veridian/sentinel/internal/config"
	"github.com/veridian/sentinel/internal/metrics"
	"github.com/veridian/sentinel/internal/security"
	"github.com/veridian/sentinel/internal/store"
)

// System assembles the metrics pipeline, alert engine, incident
// response and API server from configuration. All wiring is explicit;
// nothing here is a singleton.
type System struct {
	config config.Config
	logger *zap.Logger

	store        store.Store
	registry     *prometheus.Registry
	sampleStore  *metrics.SampleStore
	recorder     *metrics.Recorder
	aggregator   *metrics.Aggregator
	alerts       *alerting.Engine
	blacklist    *security.BlacklistManager
	playbooks    *security.PlaybookExecutor
	orchestrator *security.Orchestrator
	registrar    *security.Registrar
	apiServer    *api.Server
	watcher      *config.Watcher

	mu      sync.Mutex
	running bool
}

// NewSystem builds the full component graph. Nothing starts running
// until Start.
func NewSystem(cfg config.Config, logger *zap.Logger) (*System, error) {
	s := &System{config: cfg, logger: logger}

	st, err := store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	s.store = st

	s.registry = prometheus.NewRegistry()
	s.sampleStore = metrics.NewSampleStore(cfg.Metrics.BucketCapacity)
	s.recorder = metrics.NewRecorder(s.sampleStore, s.registry)
	s.aggregator = metrics.NewAggregator(s.sampleStore)

	blacklist, err := security.NewBlacklistManager(logger, cfg.Blacklist, st)
	if err != nil {
		return nil, fmt.Errorf("failed to create blacklist manager: %w", err)
	}
	s.blacklist = blacklist

	s.playbooks = security.NewPlaybookExecutor(logger, blacklist, cfg.Incident.MaxEscalationLevel)
	if cfg.PlaybookFile != "" {
		specs, err := security.LoadPlaybookFile(cfg.PlaybookFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load playbooks: %w", err)
		}
		if err := s.playbooks.Configure(specs); err != nil {
			return nil, fmt.Errorf("failed to configure playbooks: %w", err)
		}
	}

	var notifier security.Notifier
	if cfg.Sinks.SOCWebhookURL != "" {
		notifier = security.NewWebhookNotifier(logger, cfg.Sinks.SOCWebhookURL, cfg.Sinks.SOCWebhookToken)
	} else {
		notifier = security.NewLogNotifier(logger)
	}

	s.orchestrator = security.NewOrchestrator(logger, cfg.Incident, st, blacklist, notifier, s.playbooks)
	s.registrar = security.NewRegistrar(logger, st, s.orchestrator)

	s.apiServer = api.NewServer(logger, api.Config{
		ListenAddr:   cfg.API.ListenAddr,
		AllowOrigins: cfg.API.AllowOrigins,
		RateLimit:    cfg.API.RateLimit,
		RateBurst:    cfg.API.RateBurst,
	}, api.Deps{
		Recorder:     s.recorder,
		Aggregator:   s.aggregator,
		Registrar:    s.registrar,
		Orchestrator: s.orchestrator,
		Blacklist:    blacklist,
		Gatherer:     s.registry,
	})

	// Alerts stream to the dashboard websocket and, when configured,
	// the SIEM intake webhook.
	sinks := []alerting.EventSink{s.apiServer.EventHub()}
	if cfg.Sinks.EventWebhookURL != "" {
		sinks = append(sinks, alerting.NewWebhookSink(logger, cfg.Sinks.EventWebhookURL, cfg.Sinks.EventWebhookToken))
	}
	s.alerts = alerting.NewEngine(logger, cfg.Alerting, s.aggregator, st, alerting.NewMultiSink(sinks...))

	// Deps carries the alert engine too, wired after construction
	// because the engine needs the server's event hub first.
	s.apiServer.SetAlertEngine(s.alerts)

	return s, nil
}

// Registrar exposes the incident ingress for embedding callers.
func (s *System) Registrar() *security.Registrar { return s.registrar }

// Recorder exposes the request metrics hook for embedding callers.
func (s *System) Recorder() *metrics.Recorder { return s.recorder }

// Start brings up the background loops and the API server.
func (s *System) Start(configPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("system already running")
	}

	if err := s.blacklist.Start(); err != nil {
		return fmt.Errorf("failed to start blacklist manager: %w", err)
	}
	if err := s.alerts.Start(); err != nil {
		return fmt.Errorf("failed to start alert engine: %w", err)
	}
	if err := s.apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(s.logger, configPath)
		if err != nil {
			s.logger.Warn("Config watcher unavailable", zap.Error(err))
		} else {
			s.watcher = watcher
			if err := watcher.Start(s.applyConfig); err != nil {
				s.logger.Warn("Config watcher failed to start", zap.Error(err))
			}
		}
	}

	s.running = true
	s.logger.Info("System started",
		zap.String("mode", s.config.Mode),
		zap.String("listen_addr", s.config.API.ListenAddr),
		zap.String("store_driver", s.config.Store.Driver),
	)

	return nil
}

// Stop shuts everything down in reverse order of startup.
func (s *System) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.logger.Info("Stopping system")

	if s.watcher != nil {
		s.watcher.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.apiServer.Stop(shutdownCtx); err != nil {
		s.logger.Warn("API server shutdown error", zap.Error(err))
	}

	if err := s.alerts.Stop(); err != nil {
		s.logger.Warn("Alert engine shutdown error", zap.Error(err))
	}
	if err := s.blacklist.Stop(); err != nil {
		s.logger.Warn("Blacklist manager shutdown error", zap.Error(err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("Store close error", zap.Error(err))
	}

	s.running = false
	s.logger.Info("System stopped")

	return nil
}

// applyConfig propagates a hot-reloaded configuration to the parts that
// support runtime updates: alert thresholds and playbook bindings.
// Listener addresses and the store driver require a restart.
func (s *System) applyConfig(cfg config.Config) {
	s.alerts.UpdateConfig(cfg.Alerting)

	if cfg.PlaybookFile != "" {
		specs, err := security.LoadPlaybookFile(cfg.PlaybookFile)
		if err != nil {
			s.logger.Error("Reloaded playbook file invalid, keeping previous set", zap.Error(err))
			return
		}
		if err := s.playbooks.Configure(specs); err != nil {
			s.logger.Error("Reloaded playbook set rejected, keeping previous set", zap.Error(err))
		}
	}

	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()
}
