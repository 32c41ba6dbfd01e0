// Package anomaly implements the Anomaly Detector stage: change-point
// detection (pelt.go) and multivariate outlier detection
// (isolationforest.go), each annotated with driving context (context.go)
// and severity (severity.go), then overlap-merged (merge.go).
package anomaly

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	apperrors "obdpipeline/pkg/errors"
	"obdpipeline/pkg/obdtypes"
)

const (
	minRowsChangepoint     = 20
	minRowsIsolationForest = 30
	isolationForestSeed    = 42
)

// Options tunes a Detect call.
type Options struct {
	MinSegmentLength int
	Contamination    float64
	Pen              float64
}

// DefaultOptions returns the conservative defaults for Detect.
func DefaultOptions() Options {
	return Options{MinSegmentLength: 10, Contamination: 0.05, Pen: 3.0}
}

// Detect runs both detectors over series and returns a merged, sorted
// AnomalyReport.
func Detect(series *obdtypes.NormalizedTimeSeries, opts Options, logger *logrus.Logger) (*obdtypes.AnomalyReport, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.MinSegmentLength < 2 {
		return nil, apperrors.NewRejection("anomaly", "Detect", "min_segment_length must be >= 2")
	}
	if opts.Contamination <= 0 || opts.Contamination > 0.5 {
		return nil, apperrors.NewRejection("anomaly", "Detect", "contamination must be in (0, 0.5]")
	}

	params := obdtypes.DetectionParams{
		MinSegmentLength: opts.MinSegmentLength,
		Contamination:    opts.Contamination,
		Pen:              opts.Pen,
	}
	empty := &obdtypes.AnomalyReport{
		VehicleID: series.VehicleID, TimeRange: series.TimeRange, DTCCodes: series.DTCCodes,
		DetectionParams: params,
	}

	if series == nil || series.Len() < minRowsChangepoint {
		return empty, nil
	}

	variableCols := filterVariableColumns(series)
	if len(variableCols) == 0 {
		return empty, nil
	}

	var events []obdtypes.AnomalyEvent
	events = append(events, detectChangepoints(series, variableCols, opts, logger)...)
	events = append(events, detectMultivariateOutliers(series, variableCols, opts, logger)...)

	sort.Slice(events, func(i, j int) bool { return events[i].Window.Start.Before(events[j].Window.Start) })
	merged := mergeOverlapping(events)

	return &obdtypes.AnomalyReport{
		Events: merged, VehicleID: series.VehicleID, TimeRange: series.TimeRange, DTCCodes: series.DTCCodes,
		DetectionParams: params,
	}, nil
}

// filterVariableColumns drops all-null and constant columns, shared by both
// detectors so neither wastes work on a signal that can't move.
func filterVariableColumns(series *obdtypes.NormalizedTimeSeries) []string {
	var out []string
	for _, name := range series.ColumnNames() {
		vals := nonNullValues(series.Columns[name])
		if len(vals) == 0 {
			continue
		}
		min, max := vals[0], vals[0]
		for _, v := range vals {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		if min == max {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func nonNullValues(col []obdtypes.Float) []float64 {
	out := make([]float64, 0, len(col))
	for _, f := range col {
		if f.Valid {
			out = append(out, f.Value)
		}
	}
	return out
}

func fillForwardBackward(col []obdtypes.Float) []float64 {
	out := make([]float64, len(col))
	last := 0.0
	haveLast := false
	for i, f := range col {
		if f.Valid {
			last = f.Value
			haveLast = true
		}
		if haveLast {
			out[i] = last
		}
	}
	if !haveLast {
		return out
	}
	// Back-fill any leading gap.
	first := 0
	for !col[first].Valid {
		first++
	}
	for i := 0; i < first; i++ {
		out[i] = col[first].Value
	}
	return out
}

func detectChangepoints(series *obdtypes.NormalizedTimeSeries, columns []string, opts Options, logger *logrus.Logger) []obdtypes.AnomalyEvent {
	var events []obdtypes.AnomalyEvent
	halfWindow := opts.MinSegmentLength / 2
	if halfWindow < 2 {
		halfWindow = 2
	}

	rpmCol := fillForwardBackward(series.Columns["engine_rpm"])
	speedCol := fillForwardBackward(series.Columns["vehicle_speed"])
	throttleCol := fillForwardBackward(series.Columns["throttle_position"])

	for _, col := range columns {
		raw := series.Columns[col]
		valid := nonNullValues(raw)
		if len(valid) < opts.MinSegmentLength {
			continue
		}
		filled := fillForwardBackward(raw)

		min, max := filled[0], filled[0]
		for _, v := range filled {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		signalRange := max - min
		if signalRange == 0 {
			continue
		}

		breaks := peltBreakpoints(filled, opts.MinSegmentLength, opts.Pen)
		for _, bp := range breaks {
			lo := bp - halfWindow
			if lo < 0 {
				lo = 0
			}
			hi := bp + halfWindow
			if hi > len(filled) {
				hi = len(filled)
			}
			left := filled[lo:bp]
			right := filled[bp:hi]
			if len(left) == 0 || len(right) == 0 {
				continue
			}
			shift := meanOf(right) - meanOf(left)
			if shift < 0 {
				shift = -shift
			}
			score := shift / signalRange
			if score > 1.0 {
				score = 1.0
			}

			ctx := inferDrivingContext(sliceWindow(rpmCol, lo, hi), sliceWindow(speedCol, lo, hi), sliceWindow(throttleCol, lo, hi))
			window := obdtypes.TimeRange{Start: series.Index[lo], End: series.Index[hi-1]}
			severity := computeSeverity(score, 1, window.End.Sub(window.Start).Seconds(), criticalSignals[col])

			events = append(events, obdtypes.AnomalyEvent{
				Window:   window,
				Signals:  []string{col},
				Pattern:  fmt.Sprintf("Change-point in %s: level shift of %.2f (score %.2f)", col, shift, score),
				Context:  ctx,
				Severity: severity,
				Detector: obdtypes.DetectorChangepoint,
				Score:    score,
			})
		}
	}
	return events
}

func sliceWindow(col []float64, lo, hi int) []float64 {
	if lo < 0 {
		lo = 0
	}
	if hi > len(col) {
		hi = len(col)
	}
	if lo >= hi {
		return nil
	}
	return col[lo:hi]
}

func detectMultivariateOutliers(series *obdtypes.NormalizedTimeSeries, columns []string, opts Options, logger *logrus.Logger) []obdtypes.AnomalyEvent {
	if series.Len() < minRowsIsolationForest || len(columns) < 2 {
		return nil
	}

	// Fill, then drop any column that's still fully null.
	filled := make(map[string][]float64, len(columns))
	var usable []string
	for _, col := range columns {
		f := fillForwardBackward(series.Columns[col])
		if len(nonNullValues(series.Columns[col])) == 0 {
			continue
		}
		filled[col] = f
		usable = append(usable, col)
	}
	if len(usable) < 2 {
		return nil
	}

	n := series.Len()
	// Z-score normalise each column.
	zscores := make(map[string][]float64, len(usable))
	for _, col := range usable {
		vals := filled[col]
		mean := meanOf(vals)
		sd := popStdDev(vals, mean)
		if sd == 0 {
			sd = 1
		}
		z := make([]float64, n)
		for i, v := range vals {
			z[i] = (v - mean) / sd
		}
		zscores[col] = z
	}

	rows := make([][]float64, n)
	for i := 0; i < n; i++ {
		row := make([]float64, len(usable))
		for k, col := range usable {
			row[k] = zscores[col][i]
		}
		rows[i] = row
	}

	forest := newIsolationForest(usable, isolationForestSeed)
	forest.Fit(rows, opts.Contamination)

	outlierMask := make([]bool, n)
	for i, row := range rows {
		outlierMask[i] = forest.IsOutlier(row)
	}

	runs := contiguousRuns(outlierMask)

	rpmCol := fillForwardBackward(series.Columns["engine_rpm"])
	speedCol := fillForwardBackward(series.Columns["vehicle_speed"])
	throttleCol := fillForwardBackward(series.Columns["throttle_position"])

	var events []obdtypes.AnomalyEvent
	for _, run := range runs {
		start, end := run[0], run[1]

		signals := topSignalsByAbsZ(usable, zscores, start, end, 5)

		decisionSum := 0.0
		count := 0
		for i := start; i <= end; i++ {
			decisionSum += forest.DecisionFunction(rows[i])
			count++
		}
		meanDecision := decisionSum / float64(count)
		score := -meanDecision
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}

		window := obdtypes.TimeRange{Start: series.Index[start], End: series.Index[end]}
		ctx := inferDrivingContext(sliceWindow(rpmCol, start, end+1), sliceWindow(speedCol, start, end+1), sliceWindow(throttleCol, start, end+1))
		severity := computeSeverity(score, len(signals), window.End.Sub(window.Start).Seconds(), hasCriticalSignal(signals))

		events = append(events, obdtypes.AnomalyEvent{
			Window:   window,
			Signals:  signals,
			Pattern:  fmt.Sprintf("Multivariate outlier (%d rows): top signals %s", end-start+1, strings.Join(signals, ", ")),
			Context:  ctx,
			Severity: severity,
			Detector: obdtypes.DetectorIsolationForest,
			Score:    score,
		})
	}
	return events
}

// contiguousRuns groups a boolean mask into inclusive (start,end) pairs.
func contiguousRuns(mask []bool) [][2]int {
	var runs [][2]int
	start := -1
	for i, v := range mask {
		if v && start == -1 {
			start = i
		}
		if !v && start != -1 {
			runs = append(runs, [2]int{start, i - 1})
			start = -1
		}
	}
	if start != -1 {
		runs = append(runs, [2]int{start, len(mask) - 1})
	}
	return runs
}

func topSignalsByAbsZ(columns []string, zscores map[string][]float64, start, end, topN int) []string {
	type scored struct {
		name string
		abs  float64
	}
	var scoredCols []scored
	for _, col := range columns {
		sum := 0.0
		n := 0
		for i := start; i <= end; i++ {
			v := zscores[col][i]
			if v < 0 {
				v = -v
			}
			sum += v
			n++
		}
		scoredCols = append(scoredCols, scored{name: col, abs: sum / float64(n)})
	}
	sort.Slice(scoredCols, func(i, j int) bool { return scoredCols[i].abs > scoredCols[j].abs })
	if len(scoredCols) > topN {
		scoredCols = scoredCols[:topN]
	}
	out := make([]string, len(scoredCols))
	for i, s := range scoredCols {
		out[i] = s.name
	}
	return out
}
