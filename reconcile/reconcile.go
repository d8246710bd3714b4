// Package reconcile merges per-provider records into one golden record using
// provider success rates as field weights.
package reconcile

import "context"

type (
	// WeightSource supplies the weight of a provider's testimony, in [0,1].
	// The GPS router's SuccessRate implements this; unknown providers weigh
	// 0.5.
	WeightSource interface {
		SuccessRate(ctx context.Context, provider string) float64
	}

	// ProviderRecord is one provider's extracted fields for a lead.
	ProviderRecord struct {
		Provider string
		Fields   map[string]any
	}

	// Reconciler merges provider records.
	Reconciler struct {
		weights WeightSource
	}

	candidate struct {
		value  any
		weight float64
		order  int
	}
)

// reservedFields are merged by weight; everything else is an "extra" carried
// over only from trusted providers.
var reservedFields = []string{"phone", "age", "income", "email", "address", "city", "state", "zipcode"}

// extraMinWeight is the trust floor for carrying non-reserved fields.
const extraMinWeight = 0.5

// New creates a Reconciler. A nil weight source weighs every provider 0.5.
func New(weights WeightSource) *Reconciler {
	return &Reconciler{weights: weights}
}

// Merge produces the golden record from per-provider records. For each
// reserved field the highest-weight non-null value wins; ties go to the
// provider listed first. Extra fields from providers at or above the trust
// floor are carried without overwriting chosen values.
func (r *Reconciler) Merge(ctx context.Context, records []ProviderRecord) map[string]any {
	merged := make(map[string]any)
	if len(records) == 0 {
		return merged
	}

	weights := make([]float64, len(records))
	for i, rec := range records {
		weights[i] = r.weight(ctx, rec.Provider)
	}

	for _, field := range reservedFields {
		var best *candidate
		for i, rec := range records {
			v, ok := rec.Fields[field]
			if !ok || v == nil || v == "" {
				continue
			}
			// Strictly greater: the first-listed provider keeps ties.
			if best == nil || weights[i] > best.weight {
				best = &candidate{value: v, weight: weights[i], order: i}
			}
		}
		if best != nil {
			merged[field] = best.value
		}
	}

	for i, rec := range records {
		if weights[i] < extraMinWeight {
			continue
		}
		for field, v := range rec.Fields {
			if v == nil || v == "" || isReserved(field) {
				continue
			}
			if _, taken := merged[field]; !taken {
				merged[field] = v
			}
		}
	}
	return merged
}

func (r *Reconciler) weight(ctx context.Context, provider string) float64 {
	if r.weights == nil {
		return 0.5
	}
	return r.weights.SuccessRate(ctx, provider)
}

func isReserved(field string) bool {
	for _, f := range reservedFields {
		if f == field {
			return true
		}
	}
	return false
}
