package models

import (
	"time"

	"github.com/lib/pq"
)

// Cluster lifecycle statuses.
const (
	ClusterStatusOpen   = "open"
	ClusterStatusMerged = "merged"
)

// Cluster is a connected group of mutually similar entities. A cluster always
// holds at least two members; singletons are never stored.
type Cluster struct {
	ID              string         `json:"id" db:"id"`
	TenantID        string         `json:"tenant_id" db:"tenant_id"`
	ClusterKey      string         `json:"cluster_key" db:"cluster_key"`
	EntityIDs       pq.StringArray `json:"entity_ids" db:"entity_ids"`
	ConfidenceScore float64        `json:"confidence_score" db:"confidence_score"`
	Status          string         `json:"status" db:"status"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" db:"updated_at"`
	DeletedAt       *time.Time     `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Size returns the member count.
func (c *Cluster) Size() int {
	return len(c.EntityIDs)
}
