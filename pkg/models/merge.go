package models

import (
	"time"

	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/database"
)

// Master selection strategies for cluster merges.
const (
	MasterHighestQuality = "highest_quality"
	MasterMostRecent     = "most_recent"
	MasterFirst          = "first"
)

// MergeOptions controls how a merge resolves conflicts and who it is
// attributed to.
type MergeOptions struct {
	// Strategy is the default resolution strategy for conflicted fields.
	// Defaults to prefer_complete.
	Strategy string `json:"strategy,omitempty" validate:"omitempty,oneof=prefer_source prefer_target prefer_complete prefer_validated merge_arrays manual"`
	// FieldStrategies overrides Strategy per field.
	FieldStrategies map[string]string `json:"field_strategies,omitempty"`
	// ManualValues supplies the chosen value for fields resolved manually.
	ManualValues map[string]any `json:"manual_values,omitempty"`
	// MasterStrategy picks the surviving record in a cluster merge when no
	// explicit target is given. Defaults to highest_quality.
	MasterStrategy string `json:"master_strategy,omitempty" validate:"omitempty,oneof=highest_quality most_recent first"`
	// TargetID forces a specific cluster member to survive.
	TargetID string `json:"target_id,omitempty"`
	// PreserveSource keeps source records active, only annotating them with
	// the record they merged into.
	PreserveSource bool   `json:"preserve_source,omitempty"`
	MergedBy       string `json:"merged_by,omitempty"`
}

// MergeResult is the outcome of a committed merge.
type MergeResult struct {
	HistoryID string          `json:"history_id"`
	Target    *EntityRecord   `json:"target"`
	SourceIDs []string        `json:"source_ids"`
	ClusterID *string         `json:"cluster_id,omitempty"`
	Conflicts []FieldConflict `json:"conflicts"`
	MergedAt  time.Time       `json:"merged_at"`
}

// MergePreview is a dry-run merge. Nothing is written.
type MergePreview struct {
	Target *EntityRecord `json:"target"`
	// Merged is the record as it would look after the merge.
	Merged    *EntityRecord   `json:"merged"`
	SourceIDs []string        `json:"source_ids"`
	Conflicts []FieldConflict `json:"conflicts"`
	// Confidence estimates merge safety from participant quality and the
	// share of conflicts needing manual review.
	Confidence float64 `json:"confidence"`
}

// MergeHistory is the append-only audit record of a merge. The snapshot holds
// full pre-merge copies of every participant so the merge can be undone.
type MergeHistory struct {
	ID              string                          `json:"id" db:"id"`
	TenantID        string                          `json:"tenant_id" db:"tenant_id"`
	TargetEntityID  string                          `json:"target_entity_id" db:"target_entity_id"`
	SourceEntityIDs pq.StringArray                  `json:"source_entity_ids" db:"source_entity_ids"`
	ClusterID       *string                         `json:"cluster_id,omitempty" db:"cluster_id"`
	Strategy        string                          `json:"strategy" db:"strategy"`
	Resolutions     database.JSONB[[]FieldConflict] `json:"resolutions" db:"resolutions"`
	Snapshot        database.JSONB[[]*EntityRecord] `json:"snapshot" db:"snapshot"`
	MergedBy        string                          `json:"merged_by" db:"merged_by"`
	CanUnmerge      bool                            `json:"can_unmerge" db:"can_unmerge"`
	Unmerged        bool                            `json:"unmerged" db:"unmerged"`
	UnmergedAt      *time.Time                      `json:"unmerged_at,omitempty" db:"unmerged_at"`
	UnmergeReason   *string                         `json:"unmerge_reason,omitempty" db:"unmerge_reason"`
	CreatedAt       time.Time                       `json:"created_at" db:"created_at"`
}
