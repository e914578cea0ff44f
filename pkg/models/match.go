package models

import "time"

// Detection strategies. Each strategy targets a different duplicate shape.
const (
	StrategyExactMatch     = "EXACT_MATCH"
	StrategyFuzzyName      = "FUZZY_NAME"
	StrategyCustomerValue  = "CUSTOMER_VALUE"
	StrategyCustomerDate   = "CUSTOMER_DATE"
	StrategyVendorCustomer = "VENDOR_CUSTOMER"
	StrategyMultiFactor    = "MULTI_FACTOR"
)

// AllStrategies lists every detection strategy in evaluation order.
func AllStrategies() []string {
	return []string{
		StrategyExactMatch,
		StrategyFuzzyName,
		StrategyCustomerValue,
		StrategyCustomerDate,
		StrategyVendorCustomer,
		StrategyMultiFactor,
	}
}

// Suggested actions for a detected match.
const (
	ActionAutoMerge    = "auto_merge"
	ActionManualReview = "manual_review"
	ActionNoAction     = "no_action"
)

// Persisted match candidate statuses.
const (
	MatchStatusPending    = "pending"
	MatchStatusApproved   = "approved"
	MatchStatusRejected   = "rejected"
	MatchStatusAutoMerged = "auto_merged"
	MatchStatusMerged     = "merged"
)

// Match is a single detected duplicate candidate.
type Match struct {
	MatchedEntityID string             `json:"matched_entity_id"`
	Score           float64            `json:"score"`
	Strategy        string             `json:"strategy"`
	Factors         map[string]float64 `json:"factors,omitempty"`
	SuggestedAction string             `json:"suggested_action"`
}

// DetectionResult is the full outcome of running detection for one entity.
// Matches are deduplicated by matched entity (highest score wins) and sorted
// by score descending. IsDuplicate, Confidence, and SuggestedAction summarize
// the best match; with no matches they stay false, 0, and no_action.
type DetectionResult struct {
	EntityID        string   `json:"entity_id"`
	IsDuplicate     bool     `json:"is_duplicate"`
	Confidence      float64  `json:"confidence"`
	SuggestedAction string   `json:"suggested_action"`
	Matches         []Match  `json:"matches"`
	PoolSize        int      `json:"pool_size"`
	Strategies      []string `json:"strategies"`
}

// DuplicateMatch is a persisted match candidate awaiting review or merge.
type DuplicateMatch struct {
	ID              string     `json:"id" db:"id"`
	TenantID        string     `json:"tenant_id" db:"tenant_id"`
	EntityID        string     `json:"entity_id" db:"entity_id"`
	MatchedEntityID string     `json:"matched_entity_id" db:"matched_entity_id"`
	Score           float64    `json:"score" db:"score"`
	Strategy        string     `json:"strategy" db:"strategy"`
	SuggestedAction string     `json:"suggested_action" db:"suggested_action"`
	Status          string     `json:"status" db:"status"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// BatchItemError records a single failed item inside a batch operation.
type BatchItemError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BatchDetectionResult aggregates per-entity detection outcomes. Failures are
// collected per item; a batch never aborts part way through.
type BatchDetectionResult struct {
	Results []DetectionResult `json:"results"`
	Errors  []BatchItemError  `json:"errors,omitempty"`
}
