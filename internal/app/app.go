// Package app is the composition root: it wires configuration, logging,
// metrics, and the five pipeline stages (parser, normaliser, statistics,
// anomaly detector, clue generator) into New/Run-style entry points used
// by the CLI and the watch mode.
package app

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"obdpipeline/internal/archive"
	"obdpipeline/internal/config"
	"obdpipeline/internal/metrics"
	"obdpipeline/internal/tracing"
	"obdpipeline/pkg/anomaly"
	"obdpipeline/pkg/clues"
	"obdpipeline/pkg/normalize"
	"obdpipeline/pkg/obdtypes"
	"obdpipeline/pkg/parser"
	"obdpipeline/pkg/stats"
)

// App holds the wiring needed to run the pipeline end to end.
type App struct {
	cfg             *config.PipelineConfig
	logger          *logrus.Logger
	metricsServer   *metrics.Server
	tracingManager  *tracing.Manager
	archiveRegistry *archive.Registry

	rulesMu sync.RWMutex
	rules   []clues.Rule
}

// New loads configuration, configures logging, and loads the rule base.
// configFile may be empty, in which case defaults apply.
func New(configFile string) (*App, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	logger := newLogger(cfg.Logging)

	rules, err := clues.LoadRulesFile(cfg.Clues.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("app: loading rule base: %w", err)
	}
	logger.WithField("rule_count", len(rules)).Info("loaded diagnostic rule base")

	tracingManager, err := tracing.NewManager(cfg.Tracing, logger)
	if err != nil {
		return nil, fmt.Errorf("app: initializing tracing: %w", err)
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.ListenAddr, logger)
	}

	return &App{
		cfg:             cfg,
		logger:          logger,
		metricsServer:   metricsServer,
		tracingManager:  tracingManager,
		archiveRegistry: archive.NewRegistry(),
		rules:           rules,
	}, nil
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

// StartMetrics starts the metrics HTTP server, if enabled. Callers that
// only want to run the pipeline once (no --serve-metrics) may skip this.
func (a *App) StartMetrics() error {
	if a.metricsServer == nil {
		return nil
	}
	return a.metricsServer.Start()
}

// StopMetrics gracefully shuts the metrics server down, if it was started.
func (a *App) StopMetrics(ctx context.Context) error {
	if a.metricsServer == nil {
		return nil
	}
	return a.metricsServer.Stop(ctx)
}

// StopTracing flushes and shuts down the tracing manager, if tracing is
// enabled. Safe to call even when tracing is disabled.
func (a *App) StopTracing(ctx context.Context) error {
	if a.tracingManager == nil {
		return nil
	}
	return a.tracingManager.Shutdown(ctx)
}

// CompressReport compresses a serialized report with the configured
// archive algorithm, returning the algorithm actually used alongside the
// compressed bytes.
func (a *App) CompressReport(data []byte) (string, []byte, error) {
	return a.archiveRegistry.Compress(a.cfg.Archive.Algorithm, data)
}

// RulesPath returns the configured path of the bundled rule file, so a
// caller (e.g. the watch package) can watch it for hot-reload.
func (a *App) RulesPath() string {
	return a.cfg.Clues.RulesPath
}

// ReloadRules re-reads and re-validates the rule file, swapping it in only
// if it loads cleanly — a malformed edit never takes a running pipeline
// down to zero rules.
func (a *App) ReloadRules() error {
	rules, err := clues.LoadRulesFile(a.cfg.Clues.RulesPath)
	if err != nil {
		return fmt.Errorf("app: reloading rule base: %w", err)
	}
	a.rulesMu.Lock()
	a.rules = rules
	a.rulesMu.Unlock()
	a.logger.WithField("rule_count", len(rules)).Info("reloaded diagnostic rule base")
	return nil
}

func (a *App) currentRules() []clues.Rule {
	a.rulesMu.RLock()
	defer a.rulesMu.RUnlock()
	return a.rules
}

// RunFile executes the full pipeline against one log file and returns the
// resulting DiagnosticClueReport.
func (a *App) RunFile(ctx context.Context, path string) (*obdtypes.DiagnosticClueReport, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("app: reading %s: %w", path, err)
	}
	return a.RunBytes(ctx, raw, path)
}

// RunBytes executes the full pipeline over raw log bytes. sourceName is
// carried through for logging/provenance only.
func (a *App) RunBytes(ctx context.Context, raw []byte, sourceName string) (*obdtypes.DiagnosticClueReport, error) {
	parsed, err := a.timedParse(ctx, raw, sourceName)
	if err != nil {
		metrics.RunsTotal.WithLabelValues("parse_error").Inc()
		return nil, err
	}

	series, err := a.timedNormalize(ctx, parsed)
	if err != nil {
		metrics.RunsTotal.WithLabelValues("normalize_error").Inc()
		return nil, err
	}

	signalStats, err := a.timedStats(ctx, series)
	if err != nil {
		metrics.RunsTotal.WithLabelValues("stats_error").Inc()
		return nil, err
	}

	anomalyReport, err := a.timedAnomaly(ctx, series)
	if err != nil {
		metrics.RunsTotal.WithLabelValues("anomaly_error").Inc()
		return nil, err
	}
	for _, ev := range anomalyReport.Events {
		metrics.AnomalyEventsTotal.WithLabelValues(string(ev.Detector), string(ev.Severity)).Inc()
	}

	report, err := a.timedClues(ctx, signalStats, anomalyReport, parsed.DTCCodes)
	if err != nil {
		metrics.RunsTotal.WithLabelValues("clues_error").Inc()
		return nil, err
	}
	for _, c := range report.Clues {
		metrics.CluesGeneratedTotal.WithLabelValues(string(c.Category)).Inc()
	}

	metrics.RunsTotal.WithLabelValues("success").Inc()
	return report, nil
}

func (a *App) timedParse(ctx context.Context, raw []byte, sourceName string) (*obdtypes.ParsedLog, error) {
	start := time.Now()
	defer func() { metrics.RecordStage("parse", time.Since(start)) }()

	var parsed *obdtypes.ParsedLog
	err := a.tracingManager.Stage(ctx, "parse", -1, func(ctx context.Context) error {
		var err error
		parsed, err = parser.Parse(raw, a.logger)
		return err
	})
	if err != nil {
		return nil, err
	}
	parsed.SourceName = sourceName
	metrics.RowsParsedTotal.Add(float64(len(parsed.Rows)))
	return parsed, nil
}

func (a *App) timedNormalize(ctx context.Context, parsed *obdtypes.ParsedLog) (*obdtypes.NormalizedTimeSeries, error) {
	start := time.Now()
	defer func() { metrics.RecordStage("normalize", time.Since(start)) }()

	opts := normalize.Options{
		IntervalSeconds: a.cfg.Normalize.IntervalSeconds,
		FillMethod:      obdtypes.FillMethod(a.cfg.Normalize.FillMethod),
	}

	var series *obdtypes.NormalizedTimeSeries
	err := a.tracingManager.Stage(ctx, "normalize", len(parsed.Rows), func(ctx context.Context) error {
		var err error
		series, err = normalize.Normalize(parsed, opts, a.logger)
		return err
	})
	return series, err
}

func (a *App) timedStats(ctx context.Context, series *obdtypes.NormalizedTimeSeries) (*obdtypes.SignalStatistics, error) {
	start := time.Now()
	defer func() { metrics.RecordStage("stats", time.Since(start)) }()

	var signalStats *obdtypes.SignalStatistics
	err := a.tracingManager.Stage(ctx, "stats", len(series.Index), func(ctx context.Context) error {
		var err error
		signalStats, err = stats.Extract(series, a.logger)
		return err
	})
	return signalStats, err
}

func (a *App) timedAnomaly(ctx context.Context, series *obdtypes.NormalizedTimeSeries) (*obdtypes.AnomalyReport, error) {
	start := time.Now()
	defer func() { metrics.RecordStage("anomaly", time.Since(start)) }()

	opts := anomaly.Options{
		MinSegmentLength: a.cfg.Anomaly.MinSegmentLength,
		Contamination:    a.cfg.Anomaly.Contamination,
		Pen:              a.cfg.Anomaly.Pen,
	}

	var report *obdtypes.AnomalyReport
	err := a.tracingManager.Stage(ctx, "anomaly", len(series.Index), func(ctx context.Context) error {
		var err error
		report, err = anomaly.Detect(series, opts, a.logger)
		return err
	})
	return report, err
}

func (a *App) timedClues(
	ctx context.Context,
	signalStats *obdtypes.SignalStatistics,
	anomalyReport *obdtypes.AnomalyReport,
	dtcCodes []string,
) (*obdtypes.DiagnosticClueReport, error) {
	start := time.Now()
	defer func() { metrics.RecordStage("clues", time.Since(start)) }()

	var report *obdtypes.DiagnosticClueReport
	err := a.tracingManager.Stage(ctx, "clues", -1, func(ctx context.Context) error {
		var err error
		report, err = clues.Generate(signalStats, anomalyReport, dtcCodes, a.currentRules(), a.logger)
		return err
	})
	return report, err
}
