package clues

import (
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	apperrors "obdpipeline/pkg/errors"
	"obdpipeline/pkg/obdtypes"
)

// LoadRulesFile reads and validates a rule file from disk.
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewRejection("clues", "LoadRulesFile", "cannot read rule file: "+err.Error())
	}
	return LoadRules(data)
}

// Generate evaluates rules against stats/anomalies/dtcCodes and returns a
// DiagnosticClueReport preserving rule evaluation order.
func Generate(
	stats *obdtypes.SignalStatistics,
	anomalyReport *obdtypes.AnomalyReport,
	dtcCodes []string,
	rules []Rule,
	log *logrus.Logger,
) (*obdtypes.DiagnosticClueReport, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if anomalyReport == nil {
		anomalyReport = &obdtypes.AnomalyReport{}
	}

	base := newTemplateContext(stats)

	var clues []obdtypes.DiagnosticClue
	for _, rule := range rules {
		ctx := base.clone()
		var evidence []string
		allMatched := true

		for _, cond := range rule.Conditions {
			var res evalResult
			switch cond.Type {
			case "stat_check":
				res = evalStatCheck(cond, stats, log)
			case "stat_compare":
				res = evalStatCompare(cond, stats, log)
			case "signal_exists":
				res = evalSignalExists(cond, stats)
			case "dtc_check":
				res = evalDTCCheck(cond, dtcCodes, ctx)
			case "anomaly_check":
				res = evalAnomalyCheck(cond, anomalyReport, ctx)
			default:
				log.WithFields(logrus.Fields{"component": "clues", "rule_id": rule.ID, "condition_type": cond.Type}).
					WithField("error_code", apperrors.CodeRuleGlitch).
					Warn("unknown condition type")
				res = evalResult{}
			}
			if !res.matched {
				allMatched = false
				break
			}
			evidence = append(evidence, res.evidence)
		}

		if !allMatched {
			continue
		}

		clue := renderTemplate(rule.Template, ctx)
		clues = append(clues, obdtypes.DiagnosticClue{
			RuleID:   rule.ID,
			Category: obdtypes.ClueCategory(rule.Category),
			Clue:     clue,
			Evidence: evidence,
			Severity: obdtypes.ClueSeverity(rule.Severity),
		})
	}

	return &obdtypes.DiagnosticClueReport{
		RunID:        uuid.NewString(),
		Clues:        clues,
		VehicleID:    stats.VehicleID,
		TimeRange:    stats.TimeRange,
		DTCCodes:     dtcCodes,
		RulesApplied: len(rules),
		RulesMatched: len(clues),
	}, nil
}
