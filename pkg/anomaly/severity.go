package anomaly

import (
	"obdpipeline/pkg/numeric"
	"obdpipeline/pkg/obdtypes"
)

var criticalSignals = map[string]bool{
	"engine_rpm":          true,
	"vehicle_speed":       true,
	"coolant_temperature": true,
	"short_fuel_trim_1":   true,
	"long_fuel_trim_1":    true,
	"engine_load":         true,
	"throttle_position":   true,
	"mass_airflow":        true,
}

func hasCriticalSignal(signals []string) bool {
	for _, s := range signals {
		if criticalSignals[s] {
			return true
		}
	}
	return false
}

// computeSeverity blends anomaly score, signal count, duration, and whether
// any of a powertrain-critical signal is involved into one composite, then
// buckets it into low/medium/high.
func computeSeverity(score float64, nSignals int, durationSeconds float64, hasCritical bool) obdtypes.AnomalySeverity {
	scoreN := numeric.Clip(score, 0, 1)
	signalN := numeric.Clip(float64(nSignals)/8.0, 0, 1)
	durationN := numeric.Clip(durationSeconds/300.0, 0, 1)
	criticalN := 0.0
	if hasCritical {
		criticalN = 1.0
	}

	c := 0.40*scoreN + 0.25*signalN + 0.15*durationN + 0.20*criticalN

	switch {
	case c >= 0.66:
		return obdtypes.AnomalyHigh
	case c >= 0.33:
		return obdtypes.AnomalyMedium
	default:
		return obdtypes.AnomalyLow
	}
}
