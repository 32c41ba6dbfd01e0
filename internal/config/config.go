// Package config loads the pipeline's runtime configuration: a YAML file
// plus OBD_-prefixed environment variable overrides, in a
// load-warn-default-validate shape — a missing or malformed config file is
// a warning, not a fatal error, since defaults keep the pipeline runnable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"obdpipeline/internal/tracing"
	"obdpipeline/pkg/obdtypes"
)

// PipelineConfig is the root configuration object for obdpipeline.
type PipelineConfig struct {
	Normalize NormalizeConfig `yaml:"normalize"`
	Anomaly   AnomalyConfig   `yaml:"anomaly"`
	Clues     CluesConfig     `yaml:"clues"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Tracing   tracing.Config  `yaml:"tracing"`
}

type NormalizeConfig struct {
	IntervalSeconds float64 `yaml:"interval_seconds"`
	FillMethod      string  `yaml:"fill_method"`
}

type AnomalyConfig struct {
	MinSegmentLength int     `yaml:"min_segment_length"`
	Contamination    float64 `yaml:"contamination"`
	Pen              float64 `yaml:"pen"`
}

type CluesConfig struct {
	RulesPath string `yaml:"rules_path"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ArchiveConfig selects the compression codec used when a run's report is
// written to disk rather than stdout.
type ArchiveConfig struct {
	Algorithm string `yaml:"algorithm"` // "gzip", "zstd", "snappy", or "lz4"
}

// Load reads configFile if non-empty (warning, not failing, on read/parse
// errors — the pipeline still runs on defaults), applies OBD_ environment
// overrides, then validates the result.
func Load(configFile string) (*PipelineConfig, error) {
	cfg := defaultConfig()

	if configFile != "" {
		if err := loadFile(configFile, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load config file %s: %v\n", configFile, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *PipelineConfig {
	return &PipelineConfig{
		Normalize: NormalizeConfig{
			IntervalSeconds: 1.0,
			FillMethod:      string(obdtypes.FillInterpolate),
		},
		Anomaly: AnomalyConfig{
			MinSegmentLength: 10,
			Contamination:    0.05,
			Pen:              3.0,
		},
		Clues: CluesConfig{
			RulesPath: "rules/diagnostic_rules.yaml",
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9108",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Archive: ArchiveConfig{
			Algorithm: "zstd",
		},
		Tracing: tracing.DefaultConfig(),
	}
}

func loadFile(path string, cfg *PipelineConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnvOverrides(cfg *PipelineConfig) {
	if v := os.Getenv("OBD_NORMALIZE_INTERVAL_SECONDS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Normalize.IntervalSeconds = f
		}
	}
	if v := os.Getenv("OBD_NORMALIZE_FILL_METHOD"); v != "" {
		cfg.Normalize.FillMethod = v
	}
	if v := os.Getenv("OBD_ANOMALY_MIN_SEGMENT_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Anomaly.MinSegmentLength = n
		}
	}
	if v := os.Getenv("OBD_ANOMALY_CONTAMINATION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Anomaly.Contamination = f
		}
	}
	if v := os.Getenv("OBD_ANOMALY_PEN"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Anomaly.Pen = f
		}
	}
	if v := os.Getenv("OBD_CLUES_RULES_PATH"); v != "" {
		cfg.Clues.RulesPath = v
	}
	if v := os.Getenv("OBD_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("OBD_METRICS_LISTEN_ADDR"); v != "" {
		cfg.Metrics.ListenAddr = v
	}
	if v := os.Getenv("OBD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("OBD_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("OBD_ARCHIVE_ALGORITHM"); v != "" {
		cfg.Archive.Algorithm = v
	}
	if v := os.Getenv("OBD_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("OBD_TRACING_EXPORTER"); v != "" {
		cfg.Tracing.Exporter = v
	}
	if v := os.Getenv("OBD_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
}

var validFillMethods = map[string]bool{
	string(obdtypes.FillInterpolate): true,
	string(obdtypes.FillForward):     true,
	string(obdtypes.FillBackward):    true,
	string(obdtypes.FillNone):        true,
}

var validArchiveAlgorithms = map[string]bool{
	"gzip": true, "zstd": true, "snappy": true, "lz4": true,
}

var validTracingExporters = map[string]bool{
	"jaeger": true, "otlp": true, "console": true,
}

// Validate rejects a configuration that would make downstream stages
// misbehave rather than letting an obscure error surface mid-pipeline.
func Validate(cfg *PipelineConfig) error {
	if cfg.Normalize.IntervalSeconds <= 0 {
		return fmt.Errorf("config: normalize.interval_seconds must be positive, got %v", cfg.Normalize.IntervalSeconds)
	}
	if !validFillMethods[cfg.Normalize.FillMethod] {
		return fmt.Errorf("config: normalize.fill_method %q is not one of interpolate/ffill/bfill/none", cfg.Normalize.FillMethod)
	}
	if cfg.Anomaly.MinSegmentLength < 2 {
		return fmt.Errorf("config: anomaly.min_segment_length must be >= 2, got %d", cfg.Anomaly.MinSegmentLength)
	}
	if cfg.Anomaly.Contamination <= 0 || cfg.Anomaly.Contamination >= 0.5 {
		return fmt.Errorf("config: anomaly.contamination must be in (0, 0.5), got %v", cfg.Anomaly.Contamination)
	}
	if cfg.Clues.RulesPath == "" {
		return fmt.Errorf("config: clues.rules_path must not be empty")
	}
	if !validArchiveAlgorithms[cfg.Archive.Algorithm] {
		return fmt.Errorf("config: archive.algorithm %q is not one of gzip/zstd/snappy/lz4", cfg.Archive.Algorithm)
	}
	if cfg.Tracing.Enabled && !validTracingExporters[cfg.Tracing.Exporter] {
		return fmt.Errorf("config: tracing.exporter %q is not one of jaeger/otlp/console", cfg.Tracing.Exporter)
	}
	return nil
}
