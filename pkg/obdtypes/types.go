// Package obdtypes holds the immutable value objects passed between pipeline
// stages: ParsedLog, NormalizedTimeSeries, SignalStatistics, AnomalyReport,
// and DiagnosticClueReport. Every stage produces a fresh value from its
// inputs; nothing here is mutated after construction.
package obdtypes

import (
	"sort"
	"time"
)

// ParsedRow is one data line of a decoded OBD-II log: a UTC timestamp plus
// the raw, trimmed string cell for every column present in the header.
type ParsedRow struct {
	Timestamp time.Time
	Columns   map[string]string
}

// ParsedLog is the Parser stage's output.
type ParsedLog struct {
	Rows       []ParsedRow
	VehicleID  string   // pseudonymised, never a raw VIN
	DTCCodes   []string // deduplicated, insertion-ordered
	SourceName string   // informational only, not part of any invariant
}

// TimeRange is an inclusive UTC interval.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// FillMethod controls how the Normaliser fills gaps on the uniform grid.
type FillMethod string

const (
	FillInterpolate FillMethod = "interpolate"
	FillForward     FillMethod = "ffill"
	FillBackward    FillMethod = "bfill"
	FillNone        FillMethod = "none"
)

// Float is a nullable float64: Valid is false for "no data present" (a null
// marker), distinct from a computed NaN which has Valid=true and Value=NaN.
// Both serialise to JSON null; see Float.MarshalJSON.
type Float struct {
	Value float64
	Valid bool
}

// NullFloat returns a Float representing "no data present".
func NullFloat() Float { return Float{} }

// SomeFloat returns a Float wrapping a concrete (possibly NaN) value.
func SomeFloat(v float64) Float { return Float{Value: v, Valid: true} }

// NormalizedTimeSeries is the Normaliser stage's output: a uniform-grid
// numeric matrix labelled by semantic column name.
type NormalizedTimeSeries struct {
	Index                []time.Time          // strictly increasing, spaced by ResampleIntervalSecs
	Columns              map[string][]Float    // semantic name -> one value per Index row
	VehicleID            string
	TimeRange            TimeRange
	DTCCodes             []string
	ColumnUnits          map[string]string // semantic name -> unit
	ColumnPIDNames       map[string]string // semantic name -> original PID
	ResampleIntervalSecs float64
	FillMethod           FillMethod
	OriginalSampleCount  int
}

// ColumnNames returns the series' column names in a stable (sorted) order,
// for callers that need deterministic iteration.
func (n *NormalizedTimeSeries) ColumnNames() []string {
	names := make([]string, 0, len(n.Columns))
	for name := range n.Columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of rows (grid points) in the series.
func (n *NormalizedTimeSeries) Len() int {
	return len(n.Index)
}

// SignalStats is the 15-field descriptive/dynamic/information-theoretic
// profile of one signal, each field rounded to 4 decimal places.
type SignalStats struct {
	Mean                Float
	Std                 Float // population, ddof=0
	Min                 Float
	Max                 Float
	P5                  Float
	P25                 Float
	P50                 Float
	P75                 Float
	P95                 Float
	AutocorrelationLag1 Float
	MeanAbsChange       Float
	MaxAbsChange        Float
	Energy              Float
	Entropy             Float
	ValidCount          int
}

// Field looks up a SignalStats field by its lower_snake_case name (as used
// by the clue generator's stat_check/stat_compare conditions and template
// resolver). The second return is false for an unknown field name.
func (s SignalStats) Field(name string) (Float, bool) {
	switch name {
	case "mean":
		return s.Mean, true
	case "std":
		return s.Std, true
	case "min":
		return s.Min, true
	case "max":
		return s.Max, true
	case "p5":
		return s.P5, true
	case "p25":
		return s.P25, true
	case "p50":
		return s.P50, true
	case "p75":
		return s.P75, true
	case "p95":
		return s.P95, true
	case "autocorrelation_lag1":
		return s.AutocorrelationLag1, true
	case "mean_abs_change":
		return s.MeanAbsChange, true
	case "max_abs_change":
		return s.MaxAbsChange, true
	case "energy":
		return s.Energy, true
	case "entropy":
		return s.Entropy, true
	case "valid_count":
		return SomeFloat(float64(s.ValidCount)), true
	default:
		return Float{}, false
	}
}

// SignalStatistics is the Statistics Extractor's output.
type SignalStatistics struct {
	Stats                map[string]SignalStats // semantic name -> stats; excludes zero-observation columns
	VehicleID            string
	TimeRange            TimeRange
	DTCCodes             []string
	ColumnUnits          map[string]string // restricted to columns present in Stats
	ResampleIntervalSecs float64
}

// DrivingContext labels a time window's inferred vehicle state.
type DrivingContext string

const (
	ContextOff          DrivingContext = "off"
	ContextIdle         DrivingContext = "idle"
	ContextCruise       DrivingContext = "cruise"
	ContextAcceleration DrivingContext = "acceleration"
	ContextUnknown      DrivingContext = "unknown"
)

// AnomalySeverity is the coarse three-level risk label of an anomaly event
// ("low"/"medium"/"high"). Diagnostic clues use the separate ClueSeverity
// enumeration ("info"/"warning"/"critical").
type AnomalySeverity string

const (
	AnomalyLow    AnomalySeverity = "low"
	AnomalyMedium AnomalySeverity = "medium"
	AnomalyHigh   AnomalySeverity = "high"
)

// DetectorKind identifies which anomaly detector produced (or both
// detectors contributed to, via merging) an event.
type DetectorKind string

const (
	DetectorChangepoint      DetectorKind = "changepoint"
	DetectorIsolationForest  DetectorKind = "isolation_forest"
	DetectorCombined         DetectorKind = "combined"
)

// AnomalyEvent is one detected window of unusual behaviour.
type AnomalyEvent struct {
	Window   TimeRange
	Signals  []string // ordered, deduplicated
	Pattern  string
	Context  DrivingContext
	Severity AnomalySeverity
	Detector DetectorKind
	Score    float64 // in [0,1]
}

// AnomalyReport is the Anomaly Detector stage's output.
type AnomalyReport struct {
	Events          []AnomalyEvent // sorted ascending by Window.Start, overlap-merged
	VehicleID       string
	TimeRange       TimeRange
	DTCCodes        []string
	DetectionParams DetectionParams
}

// DetectionParams records the tuning actually used for a detection run, so
// reports are self-describing.
type DetectionParams struct {
	MinSegmentLength int
	Contamination    float64
	Pen              float64
}

// ClueSeverity is the three-level severity used by diagnostic clues.
type ClueSeverity string

const (
	ClueInfo     ClueSeverity = "info"
	ClueWarning  ClueSeverity = "warning"
	ClueCritical ClueSeverity = "critical"
)

// ClueCategory classifies the kind of evidence a rule draws on.
type ClueCategory string

const (
	CategoryStatistical    ClueCategory = "statistical"
	CategoryAnomaly        ClueCategory = "anomaly"
	CategoryInteraction    ClueCategory = "interaction"
	CategoryDTC            ClueCategory = "dtc"
	CategoryNegativeEvidence ClueCategory = "negative_evidence"
)

// DiagnosticClue is one fired rule's traceable output.
type DiagnosticClue struct {
	RuleID   string
	Category ClueCategory
	Clue     string
	Evidence []string // non-empty, in condition evaluation order
	Severity ClueSeverity
}

// DiagnosticClueReport is the Clue Generator stage's output.
type DiagnosticClueReport struct {
	RunID        string
	Clues        []DiagnosticClue // in rule evaluation order
	VehicleID    string
	TimeRange    TimeRange
	DTCCodes     []string
	RulesApplied int
	RulesMatched int
}
