package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeltBreakpoints_TooShortReturnsNil(t *testing.T) {
	signal := make([]float64, 10)
	breaks := peltBreakpoints(signal, 10, 3.0)
	assert.Nil(t, breaks)
}

func TestPeltBreakpoints_DetectsLevelShift(t *testing.T) {
	signal := make([]float64, 60)
	for i := range signal {
		if i < 30 {
			signal[i] = 10.0
		} else {
			signal[i] = 100.0
		}
	}

	breaks := peltBreakpoints(signal, 10, 1.0)
	require.NotEmpty(t, breaks)
	for _, bp := range breaks {
		assert.InDelta(t, 30, bp, 10)
	}
}

func TestPeltBreakpoints_ConstantSignalNoBreaks(t *testing.T) {
	signal := make([]float64, 60)
	for i := range signal {
		signal[i] = 42.0
	}
	breaks := peltBreakpoints(signal, 10, 3.0)
	assert.Empty(t, breaks)
}
