package experiments

import (
	"context"

	"github.com/opencode-ai/cadence/internal/models"
)

// GetResults reports counters and rates per variant. It is available in
// every status.
func (m *Manager) GetResults(ctx context.Context, experimentID string) (*models.ExperimentResults, error) {
	exp, err := m.repo.Get(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	return Summarize(exp), nil
}

// Summarize computes descriptive rates for an experiment. The leader is the
// variant with the highest primary metric among those that have sent at
// least once; ties go to the earlier variant.
func Summarize(exp *models.Experiment) *models.ExperimentResults {
	results := &models.ExperimentResults{
		ExperimentID:  exp.ID,
		Name:          exp.Name,
		Status:        exp.Status,
		PrimaryMetric: exp.PrimaryMetric,
		Variants:      make([]models.VariantResult, 0, len(exp.Variants)),
	}

	best := -1.0
	for _, v := range exp.Variants {
		r := models.VariantResult{
			Variant:        v,
			OpenRate:       rate(v.Counters.Opens, v.Counters.Sent),
			ClickRate:      rate(v.Counters.Clicks, v.Counters.Sent),
			ConversionRate: rate(v.Counters.Conversions, v.Counters.Sent),
		}
		results.Variants = append(results.Variants, r)

		if v.Counters.Sent == 0 {
			continue
		}
		if score := r.Rate(exp.PrimaryMetric); score > best {
			best = score
			results.LeaderID = v.ID
		}
	}
	return results
}

func rate(n, sent int64) float64 {
	if sent <= 0 {
		return 0
	}
	return float64(n) / float64(sent)
}
