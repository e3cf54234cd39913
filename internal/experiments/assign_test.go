package experiments

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/cadence/internal/models"
)

func splitExperiment(id string, allocation int, weights ...int) *models.Experiment {
	exp := &models.Experiment{ID: id, TrafficAllocation: allocation, Status: models.ExperimentStatusRunning}
	for i, w := range weights {
		name := fmt.Sprintf("variant-%d", i)
		if i == 0 {
			name = "control"
		}
		exp.Variants = append(exp.Variants, models.Variant{
			ID:         name,
			TemplateID: "tmpl-" + name,
			Weight:     w,
			IsControl:  i == 0,
		})
	}
	return exp
}

func TestAssignVariantIsSticky(t *testing.T) {
	exp := splitExperiment("exp-sticky", 100, 50, 50)

	counts := map[string]int{}
	first := make(map[string]string, 10000)
	for i := 0; i < 10000; i++ {
		key := fmt.Sprintf("lead-%d", i)
		v := AssignVariant(exp, key)
		first[key] = v.ID
		counts[v.ID]++
	}

	require.Len(t, counts, 2)
	require.Greater(t, counts["control"], 0)
	require.Greater(t, counts["variant-1"], 0)

	// A copy stands in for the experiment reloaded after a restart.
	reloaded := splitExperiment("exp-sticky", 100, 50, 50)
	for key, id := range first {
		require.Equal(t, id, AssignVariant(exp, key).ID)
		require.Equal(t, id, AssignVariant(reloaded, key).ID)
	}
}

func TestAssignVariantDependsOnExperiment(t *testing.T) {
	a := splitExperiment("exp-a", 100, 50, 50)
	b := splitExperiment("exp-b", 100, 50, 50)

	differs := 0
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("lead-%d", i)
		if AssignVariant(a, key).ID != AssignVariant(b, key).ID {
			differs++
		}
	}
	require.Greater(t, differs, 300)
}

func TestAssignVariantNormalizesKeys(t *testing.T) {
	exp := splitExperiment("exp-unicode", 100, 10, 20, 30, 40)

	composed := "caf\u00e9@example.com"
	decomposed := "cafe\u0301@example.com"
	require.NotEqual(t, composed, decomposed)
	require.Equal(t, NormalizeKey(composed), NormalizeKey(decomposed))

	require.Equal(t, Bucket(exp.ID, variantSalt, composed), Bucket(exp.ID, variantSalt, decomposed))
	require.Equal(t, AssignVariant(exp, composed).ID, AssignVariant(exp, "  "+decomposed+" ").ID)
}

func TestAssignVariantTrafficAllocation(t *testing.T) {
	const n = 20000
	exp := splitExperiment("exp-traffic", 40, 50, 50)

	counts := map[string]int{}
	for i := 0; i < n; i++ {
		counts[AssignVariant(exp, fmt.Sprintf("entity-%d", i)).ID]++
	}

	// Non-control share converges to allocation * weight / 100.
	share := float64(counts["variant-1"]) / n
	require.InDelta(t, 0.20, share, 0.02)
	require.InDelta(t, 0.80, float64(counts["control"])/n, 0.02)
}

func TestAssignVariantWeights(t *testing.T) {
	const n = 20000
	exp := splitExperiment("exp-weights", 100, 10, 30, 60)

	counts := map[string]int{}
	for i := 0; i < n; i++ {
		counts[AssignVariant(exp, fmt.Sprintf("entity-%d", i)).ID]++
	}

	require.InDelta(t, 0.10, float64(counts["control"])/n, 0.02)
	require.InDelta(t, 0.30, float64(counts["variant-1"])/n, 0.02)
	require.InDelta(t, 0.60, float64(counts["variant-2"])/n, 0.02)
}

func TestAssignVariantEdges(t *testing.T) {
	none := splitExperiment("exp-none", 0, 0, 100)
	for i := 0; i < 500; i++ {
		require.Equal(t, "control", AssignVariant(none, fmt.Sprintf("k%d", i)).ID)
	}

	zeroWeight := splitExperiment("exp-zero", 100, 0, 100)
	for i := 0; i < 500; i++ {
		require.Equal(t, "variant-1", AssignVariant(zeroWeight, fmt.Sprintf("k%d", i)).ID)
	}

	require.Equal(t, models.Variant{}, AssignVariant(nil, "k"))
	require.Equal(t, models.Variant{}, AssignVariant(&models.Experiment{ID: "empty"}, "k"))
}
