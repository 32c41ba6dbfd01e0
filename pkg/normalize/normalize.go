// Package normalize turns a ParsedLog into a NormalizedTimeSeries on a
// uniform UTC time grid, renaming PIDs to their semantic names.
package normalize

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "obdpipeline/pkg/errors"
	"obdpipeline/pkg/obdtypes"
	"obdpipeline/pkg/parser"
)

// Options configures a Normalize call. Zero value is invalid; use
// DefaultOptions() as a base.
type Options struct {
	IntervalSeconds    float64
	FillMethod         obdtypes.FillMethod
	VehicleIDOverride  string
}

// DefaultOptions returns the standard defaults: 1-second interval, linear
// time-weighted interpolation.
func DefaultOptions() Options {
	return Options{IntervalSeconds: 1.0, FillMethod: obdtypes.FillInterpolate}
}

type rawSample struct {
	ts     time.Time
	values map[string]float64 // semantic name -> value, only for parseable cells
}

// Normalize converts log into a NormalizedTimeSeries per opts.
func Normalize(log *obdtypes.ParsedLog, opts Options, logger *logrus.Logger) (*obdtypes.NormalizedTimeSeries, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if len(log.Rows) == 0 {
		return nil, apperrors.NewRejection("normalize", "Normalize", "empty row list")
	}
	if opts.IntervalSeconds <= 0 {
		return nil, apperrors.NewRejection("normalize", "Normalize", "interval_seconds must be positive")
	}
	switch opts.FillMethod {
	case obdtypes.FillInterpolate, obdtypes.FillForward, obdtypes.FillBackward, obdtypes.FillNone:
	default:
		return nil, apperrors.NewRejection("normalize", "Normalize", "unknown fill method: "+string(opts.FillMethod))
	}

	pidUnits := parser.PIDUnits()
	semanticNames := make([]string, 0, len(pidUnits))
	columnUnits := make(map[string]string, len(pidUnits))
	columnPIDNames := make(map[string]string, len(pidUnits))
	for pid, mapping := range pidUnits {
		semanticNames = append(semanticNames, mapping.Name)
		columnUnits[mapping.Name] = mapping.Unit
		columnPIDNames[mapping.Name] = pid
	}
	sort.Strings(semanticNames)

	// Step 1: raw matrix, one row per ParsedRow, only parseable cells kept.
	raw := make([]rawSample, 0, len(log.Rows))
	for _, row := range log.Rows {
		values := make(map[string]float64, len(pidUnits))
		for pid, mapping := range pidUnits {
			cell, ok := row.Columns[pid]
			if !ok || cell == "" {
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil {
				continue // local data gap: non-numeric cell, silently dropped
			}
			values[mapping.Name] = v
		}
		raw = append(raw, rawSample{ts: row.Timestamp, values: values})
	}

	// Step 2: merge duplicate timestamps by per-column arithmetic mean.
	merged := mergeDuplicateTimestamps(raw)

	// Step 3: sort strictly ascending.
	sort.Slice(merged, func(i, j int) bool { return merged[i].ts.Before(merged[j].ts) })

	startTS := merged[0].ts
	endTS := merged[len(merged)-1].ts

	// Step 4: target index.
	index := buildTargetIndex(startTS, endTS, opts.IntervalSeconds)

	// Step 5: fill.
	columns := make(map[string][]obdtypes.Float, len(semanticNames))
	for _, name := range semanticNames {
		rawSeries := extractColumn(merged, name)
		columns[name] = resampleColumn(rawSeries, merged, index, opts.FillMethod)
	}

	vehicleID := log.VehicleID
	if opts.VehicleIDOverride != "" {
		vehicleID = opts.VehicleIDOverride
	}

	return &obdtypes.NormalizedTimeSeries{
		Index:                index,
		Columns:              columns,
		VehicleID:            vehicleID,
		TimeRange:            obdtypes.TimeRange{Start: index[0], End: index[len(index)-1]},
		DTCCodes:             log.DTCCodes,
		ColumnUnits:          columnUnits,
		ColumnPIDNames:       columnPIDNames,
		ResampleIntervalSecs: opts.IntervalSeconds,
		FillMethod:           opts.FillMethod,
		OriginalSampleCount:  len(log.Rows),
	}, nil
}

func mergeDuplicateTimestamps(raw []rawSample) []rawSample {
	order := make([]time.Time, 0, len(raw))
	sums := make(map[int64]map[string]float64)
	counts := make(map[int64]map[string]int)
	seen := make(map[int64]bool)

	for _, s := range raw {
		key := s.ts.UnixNano()
		if !seen[key] {
			seen[key] = true
			order = append(order, s.ts)
			sums[key] = make(map[string]float64)
			counts[key] = make(map[string]int)
		}
		for name, v := range s.values {
			sums[key][name] += v
			counts[key][name]++
		}
	}

	out := make([]rawSample, 0, len(order))
	for _, ts := range order {
		key := ts.UnixNano()
		values := make(map[string]float64, len(sums[key]))
		for name, sum := range sums[key] {
			values[name] = sum / float64(counts[key][name])
		}
		out = append(out, rawSample{ts: ts, values: values})
	}
	return out
}

func buildTargetIndex(start, end time.Time, intervalSeconds float64) []time.Time {
	step := time.Duration(intervalSeconds * float64(time.Second))
	var index []time.Time
	for t := start; !t.After(end); t = t.Add(step) {
		index = append(index, t)
	}
	if len(index) == 0 || !index[len(index)-1].Equal(end) {
		index = append(index, end)
	}
	return index
}

// point is one (timestamp, value) observation for a single column, used by
// the interpolation union-index technique.
type point struct {
	ts  time.Time
	val float64
	has bool // false for a grid point with no original observation
}

func extractColumn(samples []rawSample, name string) []point {
	out := make([]point, len(samples))
	for i, s := range samples {
		v, ok := s.values[name]
		out[i] = point{ts: s.ts, val: v, has: ok}
	}
	return out
}

func resampleColumn(raw []point, samples []rawSample, index []time.Time, method obdtypes.FillMethod) []obdtypes.Float {
	switch method {
	case obdtypes.FillForward:
		return fillDirectional(raw, index, true)
	case obdtypes.FillBackward:
		return fillDirectional(raw, index, false)
	case obdtypes.FillNone:
		return fillNone(raw, index)
	default: // interpolate
		return fillInterpolate(raw, index)
	}
}

// fillInterpolate unions the raw observed points with the target index,
// linearly interpolates each column on the time axis (weighted by
// wall-clock spacing, not position), then selects the target rows.
func fillInterpolate(raw []point, index []time.Time) []obdtypes.Float {
	var known []point
	for _, p := range raw {
		if p.has {
			known = append(known, p)
		}
	}
	out := make([]obdtypes.Float, len(index))
	if len(known) == 0 {
		for i := range out {
			out[i] = obdtypes.NullFloat()
		}
		return out
	}
	if len(known) == 1 {
		for i, t := range index {
			if t.Equal(known[0].ts) {
				out[i] = obdtypes.SomeFloat(known[0].val)
			} else {
				out[i] = obdtypes.NullFloat()
			}
		}
		return out
	}

	j := 0 // pointer into known, such that known[j].ts <= t < known[j+1].ts (or boundary)
	for i, t := range index {
		if t.Before(known[0].ts) || t.After(known[len(known)-1].ts) {
			out[i] = obdtypes.NullFloat()
			continue
		}
		for j < len(known)-2 && known[j+1].ts.Before(t) {
			j++
		}
		a, b := known[j], known[j+1]
		if !t.After(a.ts) {
			// advance backward if t sits before a (can happen after j moved too far)
			for j > 0 && known[j].ts.After(t) {
				j--
			}
			a, b = known[j], known[j+1]
		}
		if t.Equal(a.ts) {
			out[i] = obdtypes.SomeFloat(a.val)
			continue
		}
		if t.Equal(b.ts) {
			out[i] = obdtypes.SomeFloat(b.val)
			continue
		}
		if t.After(a.ts) && t.Before(b.ts) {
			span := b.ts.Sub(a.ts).Seconds()
			if span == 0 {
				out[i] = obdtypes.SomeFloat(a.val)
				continue
			}
			frac := t.Sub(a.ts).Seconds() / span
			out[i] = obdtypes.SomeFloat(a.val + frac*(b.val-a.val))
			continue
		}
		out[i] = obdtypes.NullFloat()
	}
	return out
}

func fillDirectional(raw []point, index []time.Time, forward bool) []obdtypes.Float {
	// Build the known series on its own timestamps, then step the target
	// index through it carrying the last (forward) or next (backward) value.
	var known []point
	for _, p := range raw {
		if p.has {
			known = append(known, p)
		}
	}
	out := make([]obdtypes.Float, len(index))
	if len(known) == 0 {
		for i := range out {
			out[i] = obdtypes.NullFloat()
		}
		return out
	}

	if forward {
		j := 0
		for i, t := range index {
			for j+1 < len(known) && !known[j+1].ts.After(t) {
				j++
			}
			if known[j].ts.After(t) {
				out[i] = obdtypes.NullFloat()
			} else {
				out[i] = obdtypes.SomeFloat(known[j].val)
			}
		}
		return out
	}

	j := len(known) - 1
	for i := len(index) - 1; i >= 0; i-- {
		t := index[i]
		for j-1 >= 0 && !known[j-1].ts.Before(t) {
			j--
		}
		if known[j].ts.Before(t) {
			out[i] = obdtypes.NullFloat()
		} else {
			out[i] = obdtypes.SomeFloat(known[j].val)
		}
	}
	return out
}

func fillNone(raw []point, index []time.Time) []obdtypes.Float {
	known := make(map[int64]float64, len(raw))
	for _, p := range raw {
		if p.has {
			known[p.ts.UnixNano()] = p.val
		}
	}
	out := make([]obdtypes.Float, len(index))
	for i, t := range index {
		if v, ok := known[t.UnixNano()]; ok {
			out[i] = obdtypes.SomeFloat(v)
		} else {
			out[i] = obdtypes.NullFloat()
		}
	}
	return out
}
