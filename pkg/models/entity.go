package models

import (
	"time"

	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/database"
)

// Entity types supported by the resolution engine.
const (
	EntityTypeDeal    = "deal"
	EntityTypeVendor  = "vendor"
	EntityTypeContact = "contact"
)

// Validation statuses an entity can carry from upstream validation.
const (
	ValidationPassed      = "passed"
	ValidationFailed      = "failed"
	ValidationUnvalidated = "unvalidated"
)

// Entity lifecycle statuses.
const (
	EntityStatusActive = "active"
	EntityStatusMerged = "merged"
)

// EntityRecord is a business record subject to resolution. Records arrive
// from heterogeneous sources, so every scored field is optional.
type EntityRecord struct {
	ID               string                         `json:"id" db:"id"`
	TenantID         string                         `json:"tenant_id" db:"tenant_id"`
	EntityType       string                         `json:"entity_type" db:"entity_type"`
	Name             string                         `json:"name" db:"name"`
	CounterpartName  string                         `json:"counterpart_name" db:"counterpart_name"`
	Value            *float64                       `json:"value,omitempty" db:"value"`
	CloseDate        *time.Time                     `json:"close_date,omitempty" db:"close_date"`
	VendorID         *string                        `json:"vendor_id,omitempty" db:"vendor_id"`
	Products         pq.StringArray                 `json:"products" db:"products"`
	Contacts         pq.StringArray                 `json:"contacts" db:"contacts"`
	Description      string                         `json:"description" db:"description"`
	Extensions       database.JSONB[map[string]any] `json:"extensions" db:"extensions"`
	Confidence       float64                        `json:"confidence" db:"confidence"`
	ValidationStatus string                         `json:"validation_status" db:"validation_status"`
	Status           string                         `json:"status" db:"status"`
	MergedIntoID     *string                        `json:"merged_into_id,omitempty" db:"merged_into_id"`
	SourceFileIDs    pq.StringArray                 `json:"source_file_ids" db:"source_file_ids"`
	CreatedAt        time.Time                      `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time                      `json:"updated_at" db:"updated_at"`
	DeletedAt        *time.Time                     `json:"deleted_at,omitempty" db:"deleted_at"`
}

// IsActive reports whether the record can participate in a merge.
func (e *EntityRecord) IsActive() bool {
	return e.Status == EntityStatusActive && e.DeletedAt == nil
}

// Clone returns a deep copy. Merge previews mutate the copy, never the
// original.
func (e *EntityRecord) Clone() *EntityRecord {
	clone := *e
	if e.Value != nil {
		v := *e.Value
		clone.Value = &v
	}
	if e.CloseDate != nil {
		d := *e.CloseDate
		clone.CloseDate = &d
	}
	if e.VendorID != nil {
		v := *e.VendorID
		clone.VendorID = &v
	}
	if e.MergedIntoID != nil {
		v := *e.MergedIntoID
		clone.MergedIntoID = &v
	}
	if e.DeletedAt != nil {
		d := *e.DeletedAt
		clone.DeletedAt = &d
	}
	clone.Products = append(pq.StringArray(nil), e.Products...)
	clone.Contacts = append(pq.StringArray(nil), e.Contacts...)
	clone.SourceFileIDs = append(pq.StringArray(nil), e.SourceFileIDs...)
	if e.Extensions.Data != nil {
		ext := make(map[string]any, len(e.Extensions.Data))
		for k, v := range e.Extensions.Data {
			ext[k] = v
		}
		clone.Extensions = database.NewJSONB(ext)
	}
	return &clone
}
