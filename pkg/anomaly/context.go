package anomaly

import (
	"math"

	"obdpipeline/pkg/obdtypes"
)

const (
	rpmOff           = 50.0
	speedMoving      = 5.0
	throttleCruiseSD = 3.0
)

// inferDrivingContext classifies a window's driving state from its
// engine_rpm and vehicle_speed means, and (when available) the variability
// of throttle_position to distinguish steady cruise from acceleration.
func inferDrivingContext(rpm, speed, throttle []float64) obdtypes.DrivingContext {
	if len(rpm) == 0 || len(speed) == 0 {
		return obdtypes.ContextUnknown
	}

	meanRPM := meanOf(rpm)
	if meanRPM < rpmOff {
		return obdtypes.ContextOff
	}

	meanSpeed := meanOf(speed)
	if meanSpeed < speedMoving {
		return obdtypes.ContextIdle
	}

	if len(throttle) >= 2 {
		mean := meanOf(throttle)
		sd := popStdDev(throttle, mean)
		if sd <= throttleCruiseSD {
			return obdtypes.ContextCruise
		}
		return obdtypes.ContextAcceleration
	}

	return obdtypes.ContextUnknown
}

func meanOf(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func popStdDev(values []float64, mean float64) float64 {
	sumSq := 0.0
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)))
}
