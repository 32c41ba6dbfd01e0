package anomaly

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func buildInlierOutlierRows() [][]float64 {
	rng := rand.New(rand.NewSource(7))
	rows := make([][]float64, 0, 120)
	for i := 0; i < 110; i++ {
		rows = append(rows, []float64{rng.NormFloat64() * 0.3, rng.NormFloat64() * 0.3})
	}
	for i := 0; i < 10; i++ {
		rows = append(rows, []float64{10 + rng.Float64(), 10 + rng.Float64()})
	}
	return rows
}

func TestIsolationForest_SeparatesOutliers(t *testing.T) {
	rows := buildInlierOutlierRows()
	forest := newIsolationForest([]string{"a", "b"}, isolationForestSeed)
	forest.Fit(rows, 0.08)

	outlierCount := 0
	for _, row := range rows[110:] {
		if forest.IsOutlier(row) {
			outlierCount++
		}
	}
	assert.Greater(t, outlierCount, 5)

	inlierOutliers := 0
	for _, row := range rows[:110] {
		if forest.IsOutlier(row) {
			inlierOutliers++
		}
	}
	assert.Less(t, inlierOutliers, 20)
}

func TestIsolationForest_Deterministic(t *testing.T) {
	rows := buildInlierOutlierRows()

	a := newIsolationForest([]string{"a", "b"}, isolationForestSeed)
	a.Fit(rows, 0.08)

	b := newIsolationForest([]string{"a", "b"}, isolationForestSeed)
	b.Fit(rows, 0.08)

	for _, row := range rows {
		assert.Equal(t, a.DecisionFunction(row), b.DecisionFunction(row))
		assert.Equal(t, a.IsOutlier(row), b.IsOutlier(row))
	}
}

func TestIsolationForest_DecisionFunctionSignConsistentWithLabel(t *testing.T) {
	rows := buildInlierOutlierRows()
	forest := newIsolationForest([]string{"a", "b"}, isolationForestSeed)
	forest.Fit(rows, 0.08)

	for _, row := range rows {
		if forest.IsOutlier(row) {
			assert.LessOrEqual(t, forest.DecisionFunction(row), 0.0)
		} else {
			assert.Greater(t, forest.DecisionFunction(row), 0.0)
		}
	}
}
