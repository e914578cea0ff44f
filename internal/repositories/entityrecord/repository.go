// Package entityrecord persists the business records subject to resolution.
package entityrecord

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const table = "entity_records"

var columns = []string{
	"id", "tenant_id", "entity_type", "name", "counterpart_name", "value",
	"close_date", "vendor_id", "products", "contacts", "description",
	"extensions", "confidence", "validation_status", "status",
	"merged_into_id", "source_file_ids", "created_at", "updated_at", "deleted_at",
}

// Repository handles entity record persistence
type Repository struct {
	db     database.DB
	logger logging.Logger
}

// NewRepository creates a new entity record repository
func NewRepository(db database.DB, logger logging.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// DB exposes the underlying database handle for transactional operations.
func (r *Repository) DB() database.DB {
	return r.db
}

// Create inserts a new entity record
func (r *Repository) Create(ctx context.Context, entity *models.EntityRecord) (*models.EntityRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "entityrecord.Repository.Create")
	defer span.End()

	if entity.ID == "" {
		entity.ID = uuid.New().String()
	}
	if entity.Status == "" {
		entity.Status = models.EntityStatusActive
	}
	if entity.ValidationStatus == "" {
		entity.ValidationStatus = models.ValidationUnvalidated
	}
	entity.CreatedAt = time.Now().UTC()
	entity.UpdatedAt = entity.CreatedAt

	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols(columns...)
	ib.Values(
		entity.ID, entity.TenantID, entity.EntityType, entity.Name, entity.CounterpartName, entity.Value,
		entity.CloseDate, entity.VendorID, entity.Products, entity.Contacts, entity.Description,
		entity.Extensions, entity.Confidence, entity.ValidationStatus, entity.Status,
		entity.MergedIntoID, entity.SourceFileIDs, entity.CreatedAt, entity.UpdatedAt, nil,
	)

	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create entity record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create entity record")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"id": entity.ID}).Info("Created entity record")
	return entity, nil
}

// GetByID retrieves an entity record by ID. Merged records are returned;
// soft deleted records are not.
func (r *Repository) GetByID(ctx context.Context, tenantID string, id string) (*models.EntityRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "entityrecord.Repository.GetByID")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	var entity models.EntityRecord
	if err := r.db.GetContext(ctx, &entity, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("entity %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get entity record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get entity record")
	}

	return &entity, nil
}

// GetByIDs retrieves multiple entity records. Missing IDs are simply absent
// from the result; callers decide whether that is an error.
func (r *Repository) GetByIDs(ctx context.Context, tenantID string, ids []string) ([]*models.EntityRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "entityrecord.Repository.GetByIDs")
	defer span.End()

	if len(ids) == 0 {
		return nil, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.In("id", toAny(ids)...),
		sb.Equal("tenant_id", tenantID),
		sb.IsNull("deleted_at"),
	)
	sb.OrderBy("id")

	query, args := sb.Build()
	var entities []*models.EntityRecord
	if err := r.db.SelectContext(ctx, &entities, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get entity records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get entity records")
	}

	return entities, nil
}

// GetByIDsForUpdate retrieves multiple entity records with row locks held
// until the surrounding transaction ends. It joins the transaction carried by
// the context; callers must run it inside one.
func (r *Repository) GetByIDsForUpdate(ctx context.Context, tenantID string, ids []string) ([]*models.EntityRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "entityrecord.Repository.GetByIDsForUpdate")
	defer span.End()

	if len(ids) == 0 {
		return nil, nil
	}

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.In("id", toAny(ids)...),
		sb.Equal("tenant_id", tenantID),
		sb.IsNull("deleted_at"),
	)
	sb.OrderBy("id")
	sb.SQL("FOR UPDATE")

	query, args := sb.Build()
	var entities []*models.EntityRecord
	if err := tx.SelectContext(ctx, &entities, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to lock entity records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to lock entity records")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit")
	}

	return entities, nil
}

// ListActiveByType lists active records of one type for a tenant. Merged and
// soft deleted records are excluded.
func (r *Repository) ListActiveByType(ctx context.Context, tenantID string, entityType string) ([]*models.EntityRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "entityrecord.Repository.ListActiveByType")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("entity_type", entityType),
		sb.Equal("status", models.EntityStatusActive),
		sb.IsNull("deleted_at"),
	)
	sb.OrderBy("id")

	query, args := sb.Build()
	var entities []*models.EntityRecord
	if err := r.db.SelectContext(ctx, &entities, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list entity records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list entity records")
	}

	return entities, nil
}

// Update writes every mutable column of an entity record. It joins the
// transaction carried by the context when one is open.
func (r *Repository) Update(ctx context.Context, entity *models.EntityRecord) error {
	ctx, span := tracing.StartSpan(ctx, "entityrecord.Repository.Update")
	defer span.End()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	entity.UpdatedAt = time.Now().UTC()

	ub := database.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("name", entity.Name),
		ub.Assign("counterpart_name", entity.CounterpartName),
		ub.Assign("value", entity.Value),
		ub.Assign("close_date", entity.CloseDate),
		ub.Assign("vendor_id", entity.VendorID),
		ub.Assign("products", entity.Products),
		ub.Assign("contacts", entity.Contacts),
		ub.Assign("description", entity.Description),
		ub.Assign("extensions", entity.Extensions),
		ub.Assign("confidence", entity.Confidence),
		ub.Assign("validation_status", entity.ValidationStatus),
		ub.Assign("status", entity.Status),
		ub.Assign("merged_into_id", entity.MergedIntoID),
		ub.Assign("source_file_ids", entity.SourceFileIDs),
		ub.Assign("updated_at", entity.UpdatedAt),
	)
	ub.Where(
		ub.Equal("id", entity.ID),
		ub.Equal("tenant_id", entity.TenantID),
		ub.IsNull("deleted_at"),
	)

	query, args := ub.Build()
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to update entity record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update entity record")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("entity %s not found", entity.ID))
	}

	if err := tx.Commit(ctx); err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit")
	}

	return nil
}

// SoftDelete marks an entity record as deleted
func (r *Repository) SoftDelete(ctx context.Context, tenantID string, id string) error {
	ctx, span := tracing.StartSpan(ctx, "entityrecord.Repository.SoftDelete")
	defer span.End()

	now := time.Now().UTC()
	ub := database.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("deleted_at", now),
		ub.Assign("updated_at", now),
	)
	ub.Where(
		ub.Equal("id", id),
		ub.Equal("tenant_id", tenantID),
		ub.IsNull("deleted_at"),
	)

	query, args := ub.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to soft delete entity record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete entity record")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("entity %s not found", id))
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"id": id}).Info("Soft deleted entity record")
	return nil
}

func toAny(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
