package clues

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"obdpipeline/pkg/obdtypes"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(nopWriter{})
	return l
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func statsFixture() *obdtypes.SignalStatistics {
	return &obdtypes.SignalStatistics{
		Stats: map[string]obdtypes.SignalStats{
			"engine_rpm": {Mean: obdtypes.SomeFloat(4200), ValidCount: 10},
			"coolant_temperature": {Mean: obdtypes.SomeFloat(90), ValidCount: 10},
		},
	}
}

func TestEvalStatCheck_Matches(t *testing.T) {
	c := Condition{Type: "stat_check", Signal: "engine_rpm", Field: "mean", Op: "gt", Value: 3000}
	res := evalStatCheck(c, statsFixture(), testLogger())
	assert.True(t, res.matched)
	assert.Contains(t, res.evidence, "engine_rpm.mean")
}

func TestEvalStatCheck_UnknownSignal(t *testing.T) {
	c := Condition{Type: "stat_check", Signal: "missing_signal", Field: "mean", Op: "gt", Value: 0}
	res := evalStatCheck(c, statsFixture(), testLogger())
	assert.False(t, res.matched)
}

func TestEvalStatCheck_UnknownField(t *testing.T) {
	c := Condition{Type: "stat_check", Signal: "engine_rpm", Field: "not_a_field", Op: "gt", Value: 0}
	res := evalStatCheck(c, statsFixture(), testLogger())
	assert.False(t, res.matched)
}

func TestEvalStatCompare_RatioApplied(t *testing.T) {
	ratio := 0.5
	c := Condition{Type: "stat_compare", SignalA: "engine_rpm", FieldA: "mean", SignalB: "coolant_temperature", FieldB: "mean", Op: "gt", Ratio: &ratio}
	res := evalStatCompare(c, statsFixture(), testLogger())
	assert.True(t, res.matched) // 4200 > 90*0.5
}

func TestEvalSignalExists(t *testing.T) {
	stats := statsFixture()
	exists := true
	res := evalSignalExists(Condition{Signal: "engine_rpm", Exists: &exists}, stats)
	assert.True(t, res.matched)

	notExists := false
	res = evalSignalExists(Condition{Signal: "missing", Exists: &notExists}, stats)
	assert.True(t, res.matched)

	res = evalSignalExists(Condition{Signal: "missing", Exists: &exists}, stats)
	assert.False(t, res.matched)
}

func TestEvalDTCCheck_AllModes(t *testing.T) {
	ctx := newTemplateContext(statsFixture())

	res := evalDTCCheck(Condition{Mode: "absent"}, nil, ctx)
	assert.True(t, res.matched)

	res = evalDTCCheck(Condition{Mode: "present", Code: "P0301"}, []string{"P0301", "P0171"}, ctx)
	assert.True(t, res.matched)
	_, strValue, isStr, ok := ctx.resolve("matched_dtcs")
	assert.True(t, ok)
	assert.True(t, isStr)
	assert.Equal(t, "P0301", strValue)

	ctx2 := newTemplateContext(statsFixture())
	res = evalDTCCheck(Condition{Mode: "present"}, []string{"P0301"}, ctx2)
	assert.True(t, res.matched)

	ctx3 := newTemplateContext(statsFixture())
	res = evalDTCCheck(Condition{Mode: "prefix", Prefix: "P03"}, []string{"P0301", "P0420"}, ctx3)
	assert.True(t, res.matched)

	res = evalDTCCheck(Condition{Mode: "absent_prefix", Prefix: "P03"}, []string{"P0420"}, ctx3)
	assert.True(t, res.matched)

	res = evalDTCCheck(Condition{Mode: "absent_prefix", Prefix: "P03"}, []string{"P0301"}, ctx3)
	assert.False(t, res.matched)
}

func TestEvalAnomalyCheck_CountFilters(t *testing.T) {
	report := &obdtypes.AnomalyReport{
		Events: []obdtypes.AnomalyEvent{
			{Signals: []string{"engine_rpm"}, Context: obdtypes.ContextCruise, Severity: obdtypes.AnomalyHigh},
			{Signals: []string{"vehicle_speed"}, Context: obdtypes.ContextIdle, Severity: obdtypes.AnomalyLow},
		},
	}
	ctx := newTemplateContext(statsFixture())

	minCount := 1
	res := evalAnomalyCheck(Condition{MinCount: &minCount}, report, ctx)
	assert.True(t, res.matched)

	ctx2 := newTemplateContext(statsFixture())
	res = evalAnomalyCheck(Condition{Signal: "engine_rpm"}, report, ctx2)
	assert.True(t, res.matched)

	ctx3 := newTemplateContext(statsFixture())
	maxCount := 0
	res = evalAnomalyCheck(Condition{Signal: "nonexistent_signal", MaxCount: &maxCount}, report, ctx3)
	assert.True(t, res.matched)
}

func TestRenderTemplate_MissingKeyRendersNA(t *testing.T) {
	ctx := newTemplateContext(statsFixture())
	out := renderTemplate("value is {unknown_signal.mean}", ctx)
	assert.Equal(t, "value is N/A", out)
}

func TestRenderTemplate_FormatsWithPrecisionSpec(t *testing.T) {
	ctx := newTemplateContext(statsFixture())
	out := renderTemplate("rpm={engine_rpm.mean:.1f}", ctx)
	assert.Equal(t, "rpm=4200.0", out)
}
