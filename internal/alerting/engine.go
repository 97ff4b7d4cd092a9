package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veridian/sentinel/internal/metrics"
)

// Thresholds are the breach conditions evaluated per endpoint window.
// A zero value disables the corresponding check.
type Thresholds struct {
	ErrorRatio   float64       `mapstructure:"error_ratio" yaml:"error_ratio"`
	MeanDuration time.Duration `mapstructure:"mean_duration" yaml:"mean_duration"`
	Rate         float64       `mapstructure:"rate" yaml:"rate"`
}

// SeverityBands map the observed-to-threshold ratio to a severity.
// Bands are configuration, not per-call-site constants.
type SeverityBands struct {
	Critical float64 `mapstructure:"critical" yaml:"critical"`
	High     float64 `mapstructure:"high" yaml:"high"`
	Medium   float64 `mapstructure:"medium" yaml:"medium"`
}

// Config configures the alert engine.
type Config struct {
	Window             time.Duration `mapstructure:"window" yaml:"window"`
	DedupWindow        time.Duration `mapstructure:"dedup_window" yaml:"dedup_window"`
	EvaluationInterval time.Duration `mapstructure:"evaluation_interval" yaml:"evaluation_interval"`
	SinkTimeout        time.Duration `mapstructure:"sink_timeout" yaml:"sink_timeout"`
	Thresholds         Thresholds    `mapstructure:"thresholds" yaml:"thresholds"`
	Bands              SeverityBands `mapstructure:"bands" yaml:"bands"`

	// Anomaly baseline settings
	AnomalySigma      float64 `mapstructure:"anomaly_sigma" yaml:"anomaly_sigma"`
	AnomalyMinSamples int     `mapstructure:"anomaly_min_samples" yaml:"anomaly_min_samples"`
}

// DefaultConfig returns the default alert engine configuration.
func DefaultConfig() Config {
	return Config{
		Window:             60 * time.Second,
		DedupWindow:        5 * time.Minute,
		EvaluationInterval: 30 * time.Second,
		SinkTimeout:        3 * time.Second,
		Thresholds: Thresholds{
			ErrorRatio:   0.05,
			MeanDuration: 2 * time.Second,
			Rate:         500,
		},
		Bands: SeverityBands{
			Critical: 4.0,
			High:     2.0,
			Medium:   1.5,
		},
		AnomalySigma:      3.0,
		AnomalyMinSamples: 30,
	}
}

// Engine evaluates RED windows against thresholds and emits deduplicated
// alerts. Emission to the external sink is fire-and-forget: a slow or
// failing sink never delays the caller.
type Engine struct {
	logger     *zap.Logger
	aggregator *metrics.Aggregator
	store      Store
	sink       EventSink
	baseline   *durationBaseline
	now        func() time.Time

	mu     sync.RWMutex
	config Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an alert engine. A nil sink disables forwarding.
func NewEngine(logger *zap.Logger, config Config, aggregator *metrics.Aggregator, store Store, sink EventSink) *Engine {
	if config.Window <= 0 {
		config.Window = 60 * time.Second
	}
	if config.DedupWindow <= 0 {
		config.DedupWindow = 5 * time.Minute
	}
	if config.EvaluationInterval <= 0 {
		config.EvaluationInterval = 30 * time.Second
	}
	if config.SinkTimeout <= 0 {
		config.SinkTimeout = 3 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		logger:     logger,
		aggregator: aggregator,
		store:      store,
		sink:       sink,
		baseline:   newDurationBaseline(config.AnomalySigma, config.AnomalyMinSamples),
		now:        time.Now,
		config:     config,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins periodic evaluation of all known endpoints.
func (e *Engine) Start() error {
	e.logger.Info("Starting alert engine",
		zap.Duration("window", e.config.Window),
		zap.Duration("evaluation_interval", e.config.EvaluationInterval),
	)

	e.wg.Add(1)
	go e.evaluationLoop()

	return nil
}

// Stop stops periodic evaluation.
func (e *Engine) Stop() error {
	e.cancel()
	e.wg.Wait()
	return nil
}

// UpdateConfig swaps thresholds and bands at runtime (config hot-reload).
func (e *Engine) UpdateConfig(config Config) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if config.Window > 0 {
		e.config.Window = config.Window
	}
	if config.DedupWindow > 0 {
		e.config.DedupWindow = config.DedupWindow
	}
	e.config.Thresholds = config.Thresholds
	e.config.Bands = config.Bands

	e.logger.Info("Alert thresholds updated",
		zap.Float64("error_ratio", config.Thresholds.ErrorRatio),
		zap.Duration("mean_duration", config.Thresholds.MeanDuration),
		zap.Float64("rate", config.Thresholds.Rate),
	)
}

// Evaluate checks one endpoint's trailing window against the configured
// thresholds, emitting at most one alert per breached condition.
func (e *Engine) Evaluate(ctx context.Context, endpointKey string) []*Alert {
	e.mu.RLock()
	cfg := e.config
	e.mu.RUnlock()

	window := e.aggregator.Window(endpointKey, cfg.Window)
	if window.SampleCount == 0 {
		return nil
	}

	emitted := make([]*Alert, 0, 3)

	if cfg.Thresholds.ErrorRatio > 0 {
		ratio := float64(window.ErrorCount) / (window.Rate * cfg.Window.Seconds())
		if ratio > cfg.Thresholds.ErrorRatio {
			msg := fmt.Sprintf("error ratio %.3f exceeds %.3f on %s", ratio, cfg.Thresholds.ErrorRatio, endpointKey)
			if a := e.emit(ctx, AlertTypeError, endpointKey, cfg.Thresholds.ErrorRatio, ratio, msg); a != nil {
				emitted = append(emitted, a)
			}
		}
	}

	if cfg.Thresholds.MeanDuration > 0 && window.MeanDuration > cfg.Thresholds.MeanDuration {
		msg := fmt.Sprintf("mean latency %s exceeds %s on %s", window.MeanDuration, cfg.Thresholds.MeanDuration, endpointKey)
		if a := e.emit(ctx, AlertTypeDuration, endpointKey,
			cfg.Thresholds.MeanDuration.Seconds(), window.MeanDuration.Seconds(), msg); a != nil {
			emitted = append(emitted, a)
		}
	}

	if cfg.Thresholds.Rate > 0 && window.Rate > cfg.Thresholds.Rate {
		msg := fmt.Sprintf("request rate %.1f/s exceeds %.1f/s on %s", window.Rate, cfg.Thresholds.Rate, endpointKey)
		if a := e.emit(ctx, AlertTypeRate, endpointKey, cfg.Thresholds.Rate, window.Rate, msg); a != nil {
			emitted = append(emitted, a)
		}
	}

	if anomaly := e.baseline.check(endpointKey, window); anomaly != nil {
		if a := e.emit(ctx, AlertTypeCustom, endpointKey, anomaly.expected, anomaly.observed, anomaly.message); a != nil {
			emitted = append(emitted, a)
		}
	}

	return emitted
}

// EvaluateAll evaluates every endpoint with recorded samples.
func (e *Engine) EvaluateAll(ctx context.Context) {
	for key := range e.aggregator.AllWindows(e.window()) {
		e.Evaluate(ctx, key)
	}
}

// ActiveAlerts returns all unresolved alerts.
func (e *Engine) ActiveAlerts(ctx context.Context) ([]*Alert, error) {
	return e.store.UnresolvedAlerts(ctx)
}

// Resolve flips an alert to resolved.
func (e *Engine) Resolve(ctx context.Context, id string) error {
	return e.store.ResolveAlert(ctx, id, e.now())
}

// emit deduplicates, persists and forwards one alert. Returns nil when
// suppressed. The dedup lookup followed by the insert is a tolerated
// race: a duplicate within the race window costs one extra alert.
func (e *Engine) emit(ctx context.Context, alertType AlertType, endpointKey string, threshold, observed float64, message string) *Alert {
	e.mu.RLock()
	dedup := e.config.DedupWindow
	sinkTimeout := e.config.SinkTimeout
	bands := e.config.Bands
	e.mu.RUnlock()

	dup, err := e.store.HasUnresolvedSince(ctx, alertType, endpointKey, e.now().Add(-dedup))
	if err != nil {
		e.logger.Warn("Alert dedup lookup failed", zap.Error(err))
	}
	if dup {
		return nil
	}

	alert := &Alert{
		ID:          uuid.NewString(),
		Type:        alertType,
		Severity:    severityFor(observed, threshold, bands),
		Message:     message,
		Threshold:   threshold,
		Observed:    observed,
		EndpointKey: endpointKey,
		Timestamp:   e.now(),
	}

	if err := e.store.SaveAlert(ctx, alert); err != nil {
		e.logger.Error("Failed to persist alert",
			zap.String("type", string(alertType)),
			zap.String("endpoint", endpointKey),
			zap.Error(err),
		)
		return nil
	}

	e.logger.Warn("Alert emitted",
		zap.String("id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.String("endpoint", endpointKey),
		zap.Float64("observed", observed),
		zap.Float64("threshold", threshold),
	)

	e.forward(alert, sinkTimeout)

	return alert
}

// forward pushes the alert to the external sink without blocking the
// caller. Sink failures are logged and swallowed.
func (e *Engine) forward(alert *Alert, timeout time.Duration) {
	if e.sink == nil {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(e.ctx, timeout)
		defer cancel()

		event := Event{
			Type:     "alert." + string(alert.Type),
			Severity: alert.Severity,
			Details: map[string]any{
				"alert_id":  alert.ID,
				"endpoint":  alert.EndpointKey,
				"message":   alert.Message,
				"threshold": alert.Threshold,
				"observed":  alert.Observed,
			},
		}

		if err := e.sink.Emit(ctx, event); err != nil {
			e.logger.Warn("Event sink emit failed",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
		}
	}()
}

func (e *Engine) evaluationLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.EvaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.EvaluateAll(e.ctx)
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) window() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config.Window
}

// severityFor bands the observed-to-threshold ratio.
func severityFor(observed, threshold float64, bands SeverityBands) Severity {
	if threshold <= 0 {
		return SeverityLow
	}

	ratio := observed / threshold
	switch {
	case bands.Critical > 0 && ratio > bands.Critical:
		return SeverityCritical
	case bands.High > 0 && ratio > bands.High:
		return SeverityHigh
	case bands.Medium > 0 && ratio > bands.Medium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
