// Package stats computes the per-signal descriptive, dynamic and
// information-theoretic profile produced by the statistics extractor
// stage. Std is the population standard deviation (ddof=0), not the sample
// one (ddof=1).
package stats

import (
	"github.com/sirupsen/logrus"

	apperrors "obdpipeline/pkg/errors"
	"obdpipeline/pkg/numeric"
	"obdpipeline/pkg/obdtypes"
)

const entropyBins = 10

// Extract computes a SignalStatistics from a NormalizedTimeSeries. Columns
// with zero non-null observations are skipped entirely.
func Extract(series *obdtypes.NormalizedTimeSeries, logger *logrus.Logger) (*obdtypes.SignalStatistics, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if series == nil || series.Len() == 0 {
		return nil, apperrors.NewRejection("stats", "Extract", "empty input matrix")
	}

	stats := make(map[string]obdtypes.SignalStats)
	units := make(map[string]string)

	for _, name := range series.ColumnNames() {
		values := nonNull(series.Columns[name])
		if len(values) == 0 {
			logger.WithFields(logrus.Fields{"component": "stats", "signal": name}).
				WithField("error_code", apperrors.CodeDataGap).
				Debug("column has zero valid observations, skipping")
			continue
		}
		stats[name] = computeSignalStats(values)
		if unit, ok := series.ColumnUnits[name]; ok {
			units[name] = unit
		}
	}

	return &obdtypes.SignalStatistics{
		Stats:                stats,
		VehicleID:            series.VehicleID,
		TimeRange:            series.TimeRange,
		DTCCodes:             series.DTCCodes,
		ColumnUnits:          units,
		ResampleIntervalSecs: series.ResampleIntervalSecs,
	}, nil
}

func nonNull(col []obdtypes.Float) []float64 {
	out := make([]float64, 0, len(col))
	for _, f := range col {
		if f.Valid {
			out = append(out, f.Value)
		}
	}
	return out
}

func computeSignalStats(values []float64) obdtypes.SignalStats {
	sorted := numeric.Sorted(values)
	mean := numeric.Mean(values)
	std := numeric.PopulationStdDev(values, mean)

	r := func(v float64) obdtypes.Float { return obdtypes.SomeFloat(numeric.Round4(v)) }
	rOpt := func(v float64) obdtypes.Float {
		if isNaN(v) {
			return obdtypes.Float{Value: v, Valid: true} // computed NaN, distinct from a null marker
		}
		return obdtypes.SomeFloat(numeric.Round4(v))
	}

	return obdtypes.SignalStats{
		Mean:                r(mean),
		Std:                 r(std),
		Min:                 r(sorted[0]),
		Max:                 r(sorted[len(sorted)-1]),
		P5:                  r(numeric.Percentile(sorted, 5)),
		P25:                 r(numeric.Percentile(sorted, 25)),
		P50:                 r(numeric.Percentile(sorted, 50)),
		P75:                 r(numeric.Percentile(sorted, 75)),
		P95:                 r(numeric.Percentile(sorted, 95)),
		AutocorrelationLag1: rOpt(numeric.AutocorrelationLag1(values)),
		MeanAbsChange:       rOpt(numeric.MeanAbsChange(values)),
		MaxAbsChange:        rOpt(numeric.MaxAbsChange(values)),
		Energy:              r(numeric.Energy(values)),
		Entropy:             rOpt(numeric.ShannonEntropyBits(values, entropyBins)),
		ValidCount:          len(values),
	}
}

func isNaN(v float64) bool { return v != v }
