package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildLog(rows ...string) []byte {
	header := "Timestamp\tVIN\tRPM\tSPEED\tGET_DTC\tGET_CURRENT_DTC"
	sep := "----"
	lines := append([]string{header, sep}, rows...)
	return []byte(strings.Join(lines, "\n"))
}

func TestParse_MissingHeader(t *testing.T) {
	_, err := Parse([]byte("not a log\njust text"), nil)
	require.Error(t, err)
}

func TestParse_BasicRowsAndVIN(t *testing.T) {
	raw := buildLog(
		"2024-01-01 00:00:00\tbytearray(b'1HGCM82633A004352')\t800\t0\t\t",
		"2024-01-01 00:00:01\tN/A\t1200\t10\t\t",
	)
	log, err := Parse(raw, nil)
	require.NoError(t, err)
	require.Len(t, log.Rows, 2)
	assert.Equal(t, "800", log.Rows[0].Columns["RPM"])
	assert.True(t, strings.HasPrefix(log.VehicleID, "V-"))
	assert.NotEqual(t, "V-UNKNOWN", log.VehicleID)
}

func TestParse_NoVINFound(t *testing.T) {
	raw := buildLog("2024-01-01 00:00:00\tN/A\t800\t0\t\t")
	log, err := Parse(raw, nil)
	require.NoError(t, err)
	assert.Equal(t, "V-UNKNOWN", log.VehicleID)
}

func TestParse_DTCDedupAcrossColumns(t *testing.T) {
	raw := buildLog(
		"2024-01-01 00:00:00\tN/A\t800\t0\t[('P0301', 'Cylinder 1 Misfire')]\t",
		"2024-01-01 00:00:01\tN/A\t800\t0\t\t[('P0301', 'Cylinder 1 Misfire')]",
		"2024-01-01 00:00:02\tN/A\t800\t0\t[('P0171', 'System Too Lean')]\t",
	)
	log, err := Parse(raw, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"P0301", "P0171"}, log.DTCCodes)
}

func TestParse_DropsShortRows(t *testing.T) {
	raw := buildLog(
		"2024-01-01 00:00:00\tN/A\t800\t0\t\t",
		"2024-01-01 00:00:01\tN/A\t1200",
	)
	log, err := Parse(raw, nil)
	require.NoError(t, err)
	assert.Len(t, log.Rows, 1)
}

func TestParse_DropsUnparseableTimestamp(t *testing.T) {
	raw := buildLog(
		"not-a-timestamp\tN/A\t800\t0\t\t",
		"2024-01-01 00:00:01\tN/A\t1200\t10\t\t",
	)
	log, err := Parse(raw, nil)
	require.NoError(t, err)
	require.Len(t, log.Rows, 1)
	assert.Equal(t, "1200", log.Rows[0].Columns["RPM"])
}

func TestParse_StopsAtTrailer(t *testing.T) {
	raw := buildLog(
		"2024-01-01 00:00:00\tN/A\t800\t0\t\t",
		"--- end of log ---",
		"2024-01-01 00:00:01\tN/A\t1200\t10\t\t",
	)
	log, err := Parse(raw, nil)
	require.NoError(t, err)
	assert.Len(t, log.Rows, 1)
}

func TestPseudonymiseVIN_Deterministic(t *testing.T) {
	a := pseudonymiseVIN("1HGCM82633A004352")
	b := pseudonymiseVIN("1HGCM82633A004352")
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "V-"))
}

func TestParseDTCList_ValidatesFormat(t *testing.T) {
	codes := parseDTCList("garbage P0301 more garbage Z9999")
	assert.Equal(t, []string{"P0301"}, codes)
}
