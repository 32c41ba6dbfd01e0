// Package parser decodes a raw tab-separated OBD-II log into a ParsedLog:
// typed rows, a deduplicated DTC list, and a pseudonymised vehicle
// identifier.
package parser

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "obdpipeline/pkg/errors"
	"obdpipeline/pkg/obdtypes"
)

const timestampLayout = "2006-01-02 15:04:05"

// pidUnits is the required 32-entry PID -> (semantic name, unit) table.
var pidUnits = map[string]struct {
	Name string
	Unit string
}{
	"RPM":                       {"engine_rpm", "rpm"},
	"SPEED":                     {"vehicle_speed", "km/h"},
	"THROTTLE_POS":              {"throttle_position", "percent"},
	"THROTTLE_POS_B":            {"throttle_position_b", "percent"},
	"ENGINE_LOAD":               {"engine_load", "percent"},
	"ABSOLUTE_LOAD":             {"absolute_load", "percent"},
	"RELATIVE_THROTTLE_POS":     {"relative_throttle_pos", "percent"},
	"THROTTLE_ACTUATOR":         {"throttle_actuator", "percent"},
	"COOLANT_TEMP":              {"coolant_temperature", "degC"},
	"INTAKE_TEMP":               {"intake_temperature", "degC"},
	"CATALYST_TEMP_B1S1":        {"catalyst_temp_b1s1", "degC"},
	"MAF":                       {"mass_airflow", "g/s"},
	"INTAKE_PRESSURE":           {"intake_pressure", "kPa"},
	"BAROMETRIC_PRESSURE":       {"barometric_pressure", "kPa"},
	"FUEL_RAIL_PRESSURE_DIRECT": {"fuel_rail_pressure_direct", "kPa"},
	"SHORT_FUEL_TRIM_1":         {"short_fuel_trim_1", "percent"},
	"LONG_FUEL_TRIM_1":          {"long_fuel_trim_1", "percent"},
	"TIMING_ADVANCE":            {"timing_advance", "degree"},
	"O2_B1S2":                   {"o2_b1s2", "volt"},
	"O2_S1_WR_CURRENT":          {"o2_s1_wr_current", "mA"},
	"EGR_ERROR":                 {"egr_error", "percent"},
	"COMMANDED_EGR":             {"commanded_egr", "percent"},
	"EVAPORATIVE_PURGE":         {"evaporative_purge", "percent"},
	"RUN_TIME":                  {"run_time", "second"},
	"WARMUPS_SINCE_DTC_CLEAR":   {"warmups_since_dtc_clear", "count"},
	"DISTANCE_W_MIL":            {"distance_w_mil", "km"},
	"DISTANCE_SINCE_DTC_CLEAR":  {"distance_since_dtc_clear", "km"},
	"CONTROL_MODULE_VOLTAGE":    {"control_module_voltage", "volt"},
	"ELM_VOLTAGE":               {"elm_voltage", "volt"},
	"ACCELERATOR_POS_D":         {"accelerator_pos_d", "percent"},
	"ACCELERATOR_POS_E":         {"accelerator_pos_e", "percent"},
	"COMMANDED_EQUIV_RATIO":     {"commanded_equiv_ratio", "ratio"},
}

// PIDUnits exposes the PID table for downstream stages (the Normaliser
// needs Name/Unit; the Statistics/Anomaly/Clue stages operate purely on
// semantic names).
func PIDUnits() map[string]struct {
	Name string
	Unit string
} {
	return pidUnits
}

const (
	colVIN           = "VIN"
	colGetDTC        = "GET_DTC"
	colGetCurrentDTC = "GET_CURRENT_DTC"
)

var (
	byteArrayRe = regexp.MustCompile(`bytearray\(b['"](.*?)['"]\)`)
	dtcCodeRe   = regexp.MustCompile(`[PCBU][0-9A-Fa-f]{4}`)
	dtcValidRe  = regexp.MustCompile(`^[PCBU][0-9A-F]{4}$`)
	dtcTupleRe  = regexp.MustCompile(`\(\s*'([^']*)'`)
)

// Parse decodes raw into a ParsedLog. Returns an input-rejection AppError
// when the `Timestamp\t`-led header line cannot be found.
func Parse(raw []byte, log *logrus.Logger) (*obdtypes.ParsedLog, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	lines := splitLines(raw)

	headerIdx := -1
	for i, line := range lines {
		if strings.HasPrefix(line, "Timestamp\t") {
			headerIdx = i
			break
		}
	}
	if headerIdx == -1 {
		return nil, apperrors.NewRejection("parser", "Parse", "no `Timestamp\\t`-led header line found")
	}

	columns := splitAndTrim(lines[headerIdx])
	dataStart := headerIdx + 2 // header line + separator line

	var rows []obdtypes.ParsedRow
	var vin string
	vinFound := false
	dtcSeen := make(map[string]bool)
	var dtcCodes []string

	for i := dataStart; i < len(lines); i++ {
		line := lines[i]
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "---") || strings.HasPrefix(line, "Log ") {
			break
		}

		cells := strings.Split(line, "\t")
		if len(cells) < len(columns) {
			log.WithFields(logrus.Fields{
				"component": "parser", "line": i, "got_cells": len(cells), "want_cells": len(columns),
			}).Debug("dropping short row")
			continue
		}

		rowMap := make(map[string]string, len(columns))
		for j, col := range columns {
			rowMap[col] = strings.TrimSpace(cells[j])
		}

		ts, ok := parseTimestamp(rowMap["Timestamp"])
		if !ok {
			log.WithFields(logrus.Fields{"component": "parser", "line": i}).
				WithField("error_code", apperrors.CodeDataGap).
				Warn("unparseable timestamp, dropping row")
			continue
		}

		if !vinFound {
			if v, found := extractVIN(rowMap[colVIN]); found {
				vin = v
				vinFound = true
			}
		}

		for _, col := range []string{colGetDTC, colGetCurrentDTC} {
			cell := rowMap[col]
			if cell == "" {
				continue
			}
			for _, code := range parseDTCList(cell) {
				if !dtcSeen[code] {
					dtcSeen[code] = true
					dtcCodes = append(dtcCodes, code)
				}
			}
		}

		rows = append(rows, obdtypes.ParsedRow{Timestamp: ts, Columns: rowMap})
	}

	vehicleID := "V-UNKNOWN"
	if vinFound {
		vehicleID = pseudonymiseVIN(vin)
	}

	return &obdtypes.ParsedLog{
		Rows:      rows,
		VehicleID: vehicleID,
		DTCCodes:  dtcCodes,
	}, nil
}

func splitLines(raw []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

func splitAndTrim(line string) []string {
	parts := strings.Split(line, "\t")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

func parseTimestamp(s string) (time.Time, bool) {
	t, err := time.ParseInLocation(timestampLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// extractVIN recognises both the Python-repr `bytearray(b'...')` form and a
// plain string; "N/A" and empty cells are treated as "no VIN present".
func extractVIN(cell string) (string, bool) {
	cell = strings.TrimSpace(cell)
	if cell == "" || strings.EqualFold(cell, "N/A") {
		return "", false
	}
	if m := byteArrayRe.FindStringSubmatch(cell); m != nil {
		return m[1], true
	}
	return cell, true
}

func pseudonymiseVIN(vin string) string {
	sum := sha256.Sum256([]byte(vin))
	return fmt.Sprintf("V-%X", sum[:4])
}

// parseDTCList extracts DTC codes from a cell that may be a Python-style
// list-of-tuples literal (`[('P0301','desc')]`) or free text salvageable by
// regex. Codes are upper-cased and validated against ^[PCBU][0-9A-F]{4}$.
func parseDTCList(cell string) []string {
	var raw []string
	if tuples := dtcTupleRe.FindAllStringSubmatch(cell, -1); len(tuples) > 0 {
		for _, m := range tuples {
			raw = append(raw, m[1])
		}
	} else {
		raw = dtcCodeRe.FindAllString(cell, -1)
	}

	var out []string
	for _, code := range raw {
		code = strings.ToUpper(strings.TrimSpace(code))
		if dtcValidRe.MatchString(code) {
			out = append(out, code)
		}
	}
	return out
}
