package models

import "time"

// Conflict resolution strategies.
const (
	ResolvePreferSource    = "prefer_source"
	ResolvePreferTarget    = "prefer_target"
	ResolvePreferComplete  = "prefer_complete"
	ResolvePreferValidated = "prefer_validated"
	ResolveMergeArrays     = "merge_arrays"
	ResolveManual          = "manual"
)

// ConflictValue is one entity's contribution to a conflicted field.
type ConflictValue struct {
	EntityID         string    `json:"entity_id"`
	Value            any       `json:"value"`
	Confidence       float64   `json:"confidence"`
	ValidationStatus string    `json:"validation_status"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// FieldConflict describes a field where merge participants disagree.
type FieldConflict struct {
	Field string `json:"field"`
	// Values holds every meaningful contribution, one per entity.
	Values []ConflictValue `json:"values"`
	// Distinct is the number of distinct meaningful values.
	Distinct int `json:"distinct"`
	// RequiresManualReview is set when more than two distinct values exist.
	RequiresManualReview bool   `json:"requires_manual_review"`
	SuggestedValue       any    `json:"suggested_value,omitempty"`
	SuggestedSource      string `json:"suggested_source,omitempty"`
	// Resolution is the strategy that settled the conflict, once resolved.
	Resolution string `json:"resolution,omitempty"`
	// ResolvedValue is the value chosen by Resolution.
	ResolvedValue any `json:"resolved_value,omitempty"`
}
