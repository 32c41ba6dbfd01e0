package clues

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"obdpipeline/pkg/obdtypes"
)

// evalResult carries whether a condition matched and the evidence string it
// contributes when it does.
type evalResult struct {
	matched  bool
	evidence string
}

func applyOp(op string, a, b float64) bool {
	switch op {
	case "eq":
		return a == b
	case "ne":
		return a != b
	case "lt":
		return a < b
	case "le":
		return a <= b
	case "gt":
		return a > b
	case "ge":
		return a >= b
	default:
		return false
	}
}

// evalStatCheck matches when signal exists, field is a valid SignalStats
// field with a non-NaN value, and op(value, threshold) holds.
func evalStatCheck(c Condition, stats *obdtypes.SignalStatistics, log *logrus.Logger) evalResult {
	sig, ok := stats.Stats[c.Signal]
	if !ok {
		return evalResult{}
	}
	f, ok := sig.Field(c.Field)
	if !ok {
		log.WithFields(logrus.Fields{"component": "clues", "signal": c.Signal, "field": c.Field}).
			Warn("stat_check references unknown field")
		return evalResult{}
	}
	if !f.Valid || f.Value != f.Value {
		return evalResult{}
	}
	if !validOps[c.Op] {
		log.WithFields(logrus.Fields{"component": "clues", "op": c.Op}).Warn("stat_check references unknown operator")
		return evalResult{}
	}
	if !applyOp(c.Op, f.Value, c.Value) {
		return evalResult{}
	}
	return evalResult{
		matched:  true,
		evidence: fmt.Sprintf("%s.%s %s %.4f (actual %.4f)", c.Signal, c.Field, c.Op, c.Value, f.Value),
	}
}

// evalStatCompare matches when both signals/fields are present, non-NaN,
// and op(val_a, val_b*ratio) holds.
func evalStatCompare(c Condition, stats *obdtypes.SignalStatistics, log *logrus.Logger) evalResult {
	sigA, ok := stats.Stats[c.SignalA]
	if !ok {
		return evalResult{}
	}
	sigB, ok := stats.Stats[c.SignalB]
	if !ok {
		return evalResult{}
	}
	fa, ok := sigA.Field(c.FieldA)
	if !ok {
		return evalResult{}
	}
	fb, ok := sigB.Field(c.FieldB)
	if !ok {
		return evalResult{}
	}
	if !fa.Valid || fa.Value != fa.Value || !fb.Valid || fb.Value != fb.Value {
		return evalResult{}
	}
	ratio := 1.0
	if c.Ratio != nil {
		ratio = *c.Ratio
	}
	if !validOps[c.Op] {
		log.WithFields(logrus.Fields{"component": "clues", "op": c.Op}).Warn("stat_compare references unknown operator")
		return evalResult{}
	}
	if !applyOp(c.Op, fa.Value, fb.Value*ratio) {
		return evalResult{}
	}
	return evalResult{
		matched: true,
		evidence: fmt.Sprintf("%s.%s %s %s.%s*%.2f (%.4f vs %.4f)",
			c.SignalA, c.FieldA, c.Op, c.SignalB, c.FieldB, ratio, fa.Value, fb.Value*ratio),
	}
}

// evalSignalExists matches when presence of signal in stats equals c.Exists.
func evalSignalExists(c Condition, stats *obdtypes.SignalStatistics) evalResult {
	_, present := stats.Stats[c.Signal]
	want := true
	if c.Exists != nil {
		want = *c.Exists
	}
	if present != want {
		return evalResult{}
	}
	return evalResult{matched: true, evidence: fmt.Sprintf("signal %s presence == %v", c.Signal, want)}
}

// evalDTCCheck implements the four dtc_check modes.
func evalDTCCheck(c Condition, dtcCodes []string, ctx *templateContext) evalResult {
	switch c.Mode {
	case "absent":
		if len(dtcCodes) == 0 {
			return evalResult{matched: true, evidence: "no DTCs present"}
		}
		return evalResult{}
	case "present":
		if c.Code != "" {
			for _, code := range dtcCodes {
				if code == c.Code {
					ctx.setVar("matched_dtcs", code)
					return evalResult{matched: true, evidence: fmt.Sprintf("DTC %s present", code)}
				}
			}
			return evalResult{}
		}
		if len(dtcCodes) > 0 {
			ctx.setVar("matched_dtcs", strings.Join(dtcCodes, ","))
			return evalResult{matched: true, evidence: "DTCs present: " + strings.Join(dtcCodes, ",")}
		}
		return evalResult{}
	case "prefix":
		var matches []string
		for _, code := range dtcCodes {
			if strings.HasPrefix(code, c.Prefix) {
				matches = append(matches, code)
			}
		}
		if len(matches) == 0 {
			return evalResult{}
		}
		ctx.setVar("matched_dtcs", strings.Join(matches, ","))
		return evalResult{matched: true, evidence: fmt.Sprintf("DTC(s) matching prefix %s: %s", c.Prefix, strings.Join(matches, ","))}
	case "absent_prefix":
		for _, code := range dtcCodes {
			if strings.HasPrefix(code, c.Prefix) {
				return evalResult{}
			}
		}
		return evalResult{matched: true, evidence: fmt.Sprintf("no DTC matching prefix %s", c.Prefix)}
	default:
		return evalResult{}
	}
}

// evalAnomalyCheck filters events by any provided filter and compares the
// surviving count against min_count/max_count (min_count takes precedence;
// with neither set, count > 0 is required).
func evalAnomalyCheck(c Condition, report *obdtypes.AnomalyReport, ctx *templateContext) evalResult {
	count := 0
	for _, ev := range report.Events {
		if c.Signal != "" && !containsString(ev.Signals, c.Signal) {
			continue
		}
		if c.Context != "" && string(ev.Context) != c.Context {
			continue
		}
		if c.Severity != "" && string(ev.Severity) != c.Severity {
			continue
		}
		count++
	}

	matched := false
	switch {
	case c.MinCount != nil:
		matched = count >= *c.MinCount
	case c.MaxCount != nil:
		matched = count <= *c.MaxCount
	default:
		matched = count > 0
	}
	if !matched {
		return evalResult{}
	}
	ctx.setVar("anomaly_count", fmt.Sprintf("%d", count))
	return evalResult{matched: true, evidence: fmt.Sprintf("%d matching anomaly event(s)", count)}
}

func containsString(items []string, target string) bool {
	for _, s := range items {
		if s == target {
			return true
		}
	}
	return false
}
