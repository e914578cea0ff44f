package models

// Scored field names. These key both weight maps and factor breakdowns.
const (
	FieldName            = "name"
	FieldCounterpartName = "counterpart_name"
	FieldVendorID        = "vendor_id"
	FieldValue           = "value"
	FieldCloseDate       = "close_date"
	FieldProducts        = "products"
	FieldContacts        = "contacts"
	FieldDescription     = "description"
)

// Weights assigns a relative importance to each scored field. Weights do not
// need to sum to 1; the scorer normalizes by the weight actually applied.
type Weights map[string]float64

// DefaultWeights returns the standard field weighting. Description carries no
// weight by default but remains a tunable slot.
func DefaultWeights() Weights {
	return Weights{
		FieldName:            0.25,
		FieldCounterpartName: 0.25,
		FieldVendorID:        0.15,
		FieldValue:           0.15,
		FieldCloseDate:       0.10,
		FieldProducts:        0.05,
		FieldContacts:        0.05,
		FieldDescription:     0,
	}
}

// SimilarityResult is the outcome of scoring two entities against each other.
type SimilarityResult struct {
	// Overall is the weighted average over the fields that participated.
	Overall float64 `json:"overall"`
	// Factors holds the per-field scores that went into Overall.
	Factors map[string]float64 `json:"factors"`
	// EffectiveWeight is the total weight of participating fields. Fields
	// absent on both entities are excluded and do not dilute Overall.
	EffectiveWeight float64 `json:"effective_weight"`
}
