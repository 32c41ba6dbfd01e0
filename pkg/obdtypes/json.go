package obdtypes

import (
	"encoding/json"
	"math"
	"time"
)

// MarshalJSON renders a Float as a JSON number, or null for an absent value,
// a computed NaN, or an Infinity — null markers and NaN serialise
// identically, and Infinity never survives into a valid output.
func (f Float) MarshalJSON() ([]byte, error) {
	if !f.Valid || math.IsNaN(f.Value) || math.IsInf(f.Value, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}

// UnmarshalJSON restores a Float from its JSON form: null becomes the
// invalid/null marker, any number becomes a valid value.
func (f *Float) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = Float{}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Float{Value: v, Valid: true}
	return nil
}

func iso(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

type jsonTimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (r TimeRange) marshalable() jsonTimeRange {
	return jsonTimeRange{Start: iso(r.Start), End: iso(r.End)}
}

func (j jsonTimeRange) toTimeRange() (TimeRange, error) {
	start, err := time.Parse(time.RFC3339Nano, j.Start)
	if err != nil {
		return TimeRange{}, err
	}
	end, err := time.Parse(time.RFC3339Nano, j.End)
	if err != nil {
		return TimeRange{}, err
	}
	return TimeRange{Start: start, End: end}, nil
}

// signalStatsJSON mirrors SignalStats for canonical JSON output with a
// fixed field order.
type signalStatsJSON struct {
	Mean                Float `json:"mean"`
	Std                 Float `json:"std"`
	Min                 Float `json:"min"`
	Max                 Float `json:"max"`
	P5                  Float `json:"p5"`
	P25                 Float `json:"p25"`
	P50                 Float `json:"p50"`
	P75                 Float `json:"p75"`
	P95                 Float `json:"p95"`
	AutocorrelationLag1 Float `json:"autocorrelation_lag1"`
	MeanAbsChange       Float `json:"mean_abs_change"`
	MaxAbsChange        Float `json:"max_abs_change"`
	Energy              Float `json:"energy"`
	Entropy             Float `json:"entropy"`
	ValidCount          int   `json:"valid_count"`
}

func (j signalStatsJSON) toSignalStats() SignalStats {
	return SignalStats{
		Mean: j.Mean, Std: j.Std, Min: j.Min, Max: j.Max,
		P5: j.P5, P25: j.P25, P50: j.P50, P75: j.P75, P95: j.P95,
		AutocorrelationLag1: j.AutocorrelationLag1,
		MeanAbsChange:       j.MeanAbsChange,
		MaxAbsChange:        j.MaxAbsChange,
		Energy:              j.Energy,
		Entropy:             j.Entropy,
		ValidCount:          j.ValidCount,
	}
}

func (s SignalStats) toJSON() signalStatsJSON {
	return signalStatsJSON{
		Mean: s.Mean, Std: s.Std, Min: s.Min, Max: s.Max,
		P5: s.P5, P25: s.P25, P50: s.P50, P75: s.P75, P95: s.P95,
		AutocorrelationLag1: s.AutocorrelationLag1,
		MeanAbsChange:       s.MeanAbsChange,
		MaxAbsChange:        s.MaxAbsChange,
		Energy:              s.Energy,
		Entropy:             s.Entropy,
		ValidCount:          s.ValidCount,
	}
}

// MarshalJSON renders SignalStatistics in canonical form.
func (s SignalStatistics) MarshalJSON() ([]byte, error) {
	stats := make(map[string]signalStatsJSON, len(s.Stats))
	for name, st := range s.Stats {
		stats[name] = st.toJSON()
	}
	return json.Marshal(struct {
		Stats       map[string]signalStatsJSON `json:"stats"`
		VehicleID   string                     `json:"vehicle_id"`
		TimeRange   jsonTimeRange              `json:"time_range"`
		DTCCodes    []string                   `json:"dtc_codes"`
		ColumnUnits map[string]string          `json:"column_units"`
		Interval    float64                    `json:"resample_interval_seconds"`
	}{
		Stats:       stats,
		VehicleID:   s.VehicleID,
		TimeRange:   s.TimeRange.marshalable(),
		DTCCodes:    s.DTCCodes,
		ColumnUnits: s.ColumnUnits,
		Interval:    s.ResampleIntervalSecs,
	})
}

// UnmarshalJSON restores a SignalStatistics from its canonical JSON form.
func (s *SignalStatistics) UnmarshalJSON(data []byte) error {
	var raw struct {
		Stats       map[string]signalStatsJSON `json:"stats"`
		VehicleID   string                     `json:"vehicle_id"`
		TimeRange   jsonTimeRange              `json:"time_range"`
		DTCCodes    []string                   `json:"dtc_codes"`
		ColumnUnits map[string]string          `json:"column_units"`
		Interval    float64                    `json:"resample_interval_seconds"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	timeRange, err := raw.TimeRange.toTimeRange()
	if err != nil {
		return err
	}

	stats := make(map[string]SignalStats, len(raw.Stats))
	for name, st := range raw.Stats {
		stats[name] = st.toSignalStats()
	}

	*s = SignalStatistics{
		Stats:                stats,
		VehicleID:            raw.VehicleID,
		TimeRange:            timeRange,
		DTCCodes:             raw.DTCCodes,
		ColumnUnits:          raw.ColumnUnits,
		ResampleIntervalSecs: raw.Interval,
	}
	return nil
}

// MarshalJSON renders an AnomalyEvent in canonical form.
func (e AnomalyEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Window   jsonTimeRange `json:"time_window"`
		Signals  []string      `json:"signals"`
		Pattern  string        `json:"pattern"`
		Context  string        `json:"context"`
		Severity string        `json:"severity"`
		Detector string        `json:"detector"`
		Score    float64       `json:"score"`
	}{
		Window:   e.Window.marshalable(),
		Signals:  e.Signals,
		Pattern:  e.Pattern,
		Context:  string(e.Context),
		Severity: string(e.Severity),
		Detector: string(e.Detector),
		Score:    round4(e.Score),
	})
}

// UnmarshalJSON restores an AnomalyEvent from its canonical JSON form.
func (e *AnomalyEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		Window   jsonTimeRange `json:"time_window"`
		Signals  []string      `json:"signals"`
		Pattern  string        `json:"pattern"`
		Context  string        `json:"context"`
		Severity string        `json:"severity"`
		Detector string        `json:"detector"`
		Score    float64       `json:"score"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	window, err := raw.Window.toTimeRange()
	if err != nil {
		return err
	}

	*e = AnomalyEvent{
		Window:   window,
		Signals:  raw.Signals,
		Pattern:  raw.Pattern,
		Context:  DrivingContext(raw.Context),
		Severity: AnomalySeverity(raw.Severity),
		Detector: DetectorKind(raw.Detector),
		Score:    raw.Score,
	}
	return nil
}

// MarshalJSON renders an AnomalyReport in canonical form.
func (r AnomalyReport) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Events    []AnomalyEvent `json:"events"`
		VehicleID string         `json:"vehicle_id"`
		TimeRange jsonTimeRange  `json:"time_range"`
		DTCCodes  []string       `json:"dtc_codes"`
		Params    struct {
			MinSegmentLength int     `json:"min_segment_length"`
			Contamination    float64 `json:"contamination"`
			Pen              float64 `json:"pen"`
		} `json:"detection_params"`
	}{
		Events:    r.Events,
		VehicleID: r.VehicleID,
		TimeRange: r.TimeRange.marshalable(),
		DTCCodes:  r.DTCCodes,
		Params: struct {
			MinSegmentLength int     `json:"min_segment_length"`
			Contamination    float64 `json:"contamination"`
			Pen              float64 `json:"pen"`
		}{
			MinSegmentLength: r.DetectionParams.MinSegmentLength,
			Contamination:    r.DetectionParams.Contamination,
			Pen:              r.DetectionParams.Pen,
		},
	})
}

// UnmarshalJSON restores an AnomalyReport from its canonical JSON form.
func (r *AnomalyReport) UnmarshalJSON(data []byte) error {
	var raw struct {
		Events    []AnomalyEvent `json:"events"`
		VehicleID string         `json:"vehicle_id"`
		TimeRange jsonTimeRange  `json:"time_range"`
		DTCCodes  []string       `json:"dtc_codes"`
		Params    struct {
			MinSegmentLength int     `json:"min_segment_length"`
			Contamination    float64 `json:"contamination"`
			Pen              float64 `json:"pen"`
		} `json:"detection_params"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	timeRange, err := raw.TimeRange.toTimeRange()
	if err != nil {
		return err
	}

	*r = AnomalyReport{
		Events:    raw.Events,
		VehicleID: raw.VehicleID,
		TimeRange: timeRange,
		DTCCodes:  raw.DTCCodes,
		DetectionParams: DetectionParams{
			MinSegmentLength: raw.Params.MinSegmentLength,
			Contamination:    raw.Params.Contamination,
			Pen:              raw.Params.Pen,
		},
	}
	return nil
}

// MarshalJSON renders a DiagnosticClueReport in canonical form, including
// both the flat clue strings and the detailed per-clue records.
func (r DiagnosticClueReport) MarshalJSON() ([]byte, error) {
	type detail struct {
		RuleID   string   `json:"rule_id"`
		Category string   `json:"category"`
		Clue     string   `json:"clue"`
		Evidence []string `json:"evidence"`
		Severity string   `json:"severity"`
	}
	flat := make([]string, 0, len(r.Clues))
	details := make([]detail, 0, len(r.Clues))
	for _, c := range r.Clues {
		flat = append(flat, c.Clue)
		details = append(details, detail{
			RuleID:   c.RuleID,
			Category: string(c.Category),
			Clue:     c.Clue,
			Evidence: c.Evidence,
			Severity: string(c.Severity),
		})
	}
	return json.Marshal(struct {
		RunID           string        `json:"run_id"`
		DiagnosticClues []string      `json:"diagnostic_clues"`
		ClueDetails     []detail      `json:"clue_details"`
		VehicleID       string        `json:"vehicle_id"`
		TimeRange       jsonTimeRange `json:"time_range"`
		DTCCodes        []string      `json:"dtc_codes"`
		RulesApplied    int           `json:"rules_applied"`
		RulesMatched    int           `json:"rules_matched"`
	}{
		RunID:           r.RunID,
		DiagnosticClues: flat,
		ClueDetails:     details,
		VehicleID:       r.VehicleID,
		TimeRange:       r.TimeRange.marshalable(),
		DTCCodes:        r.DTCCodes,
		RulesApplied:    r.RulesApplied,
		RulesMatched:    r.RulesMatched,
	})
}

// UnmarshalJSON restores a DiagnosticClueReport from its canonical JSON
// form, using clue_details (not the flat diagnostic_clues strings) to
// rebuild each DiagnosticClue in full.
func (r *DiagnosticClueReport) UnmarshalJSON(data []byte) error {
	type detail struct {
		RuleID   string   `json:"rule_id"`
		Category string   `json:"category"`
		Clue     string   `json:"clue"`
		Evidence []string `json:"evidence"`
		Severity string   `json:"severity"`
	}
	var raw struct {
		RunID        string        `json:"run_id"`
		ClueDetails  []detail      `json:"clue_details"`
		VehicleID    string        `json:"vehicle_id"`
		TimeRange    jsonTimeRange `json:"time_range"`
		DTCCodes     []string      `json:"dtc_codes"`
		RulesApplied int           `json:"rules_applied"`
		RulesMatched int           `json:"rules_matched"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	timeRange, err := raw.TimeRange.toTimeRange()
	if err != nil {
		return err
	}

	clues := make([]DiagnosticClue, 0, len(raw.ClueDetails))
	for _, d := range raw.ClueDetails {
		clues = append(clues, DiagnosticClue{
			RuleID:   d.RuleID,
			Category: ClueCategory(d.Category),
			Clue:     d.Clue,
			Evidence: d.Evidence,
			Severity: ClueSeverity(d.Severity),
		})
	}

	*r = DiagnosticClueReport{
		RunID:        raw.RunID,
		Clues:        clues,
		VehicleID:    raw.VehicleID,
		TimeRange:    timeRange,
		DTCCodes:     raw.DTCCodes,
		RulesApplied: raw.RulesApplied,
		RulesMatched: raw.RulesMatched,
	}
	return nil
}

func round4(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*10000) / 10000
}
