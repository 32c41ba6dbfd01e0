package anomaly

import (
	"fmt"
	"sort"

	"obdpipeline/pkg/obdtypes"
)

// mergeOverlapping sorts events by start time and merges any whose windows
// overlap (next.start <= current.end).
func mergeOverlapping(events []obdtypes.AnomalyEvent) []obdtypes.AnomalyEvent {
	if len(events) == 0 {
		return events
	}

	sorted := append([]obdtypes.AnomalyEvent(nil), events...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Window.Start.Before(sorted[j].Window.Start)
	})

	var merged []obdtypes.AnomalyEvent
	current := sorted[0]

	for _, next := range sorted[1:] {
		if !next.Window.Start.After(current.Window.End) {
			current = mergeTwo(current, next)
			continue
		}
		merged = append(merged, current)
		current = next
	}
	merged = append(merged, current)
	return merged
}

func mergeTwo(a, b obdtypes.AnomalyEvent) obdtypes.AnomalyEvent {
	start := a.Window.Start
	end := a.Window.End
	if b.Window.Start.Before(start) {
		start = b.Window.Start
	}
	if b.Window.End.After(end) {
		end = b.Window.End
	}

	signals := unionPreserveOrder(a.Signals, b.Signals)

	detector := a.Detector
	if a.Detector != b.Detector {
		detector = obdtypes.DetectorCombined
	}

	score := (a.Score + b.Score) / 2.0
	duration := end.Sub(start).Seconds()
	severity := computeSeverity(score, len(signals), duration, hasCriticalSignal(signals))

	return obdtypes.AnomalyEvent{
		Window:   obdtypes.TimeRange{Start: start, End: end},
		Signals:  signals,
		Pattern:  fmt.Sprintf("%s; %s", a.Pattern, b.Pattern),
		Context:  a.Context,
		Severity: severity,
		Detector: detector,
		Score:    score,
	}
}

func unionPreserveOrder(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
