// Package mergehistory persists the append-only merge audit trail.
package mergehistory

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

const table = "merge_history"

var columns = []string{
	"id", "tenant_id", "target_entity_id", "source_entity_ids", "cluster_id",
	"strategy", "resolutions", "snapshot", "merged_by", "can_unmerge",
	"unmerged", "unmerged_at", "unmerge_reason", "created_at",
}

// Repository handles merge history persistence
type Repository struct {
	db     database.DB
	logger logging.Logger
}

// NewRepository creates a new merge history repository
func NewRepository(db database.DB, logger logging.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create appends a merge history record. It joins the transaction carried by
// the context when one is open.
func (r *Repository) Create(ctx context.Context, history *models.MergeHistory) error {
	ctx, span := tracing.StartSpan(ctx, "mergehistory.Repository.Create")
	defer span.End()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	if history.ID == "" {
		history.ID = uuid.New().String()
	}
	history.CreatedAt = time.Now().UTC()

	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols(columns...)
	ib.Values(
		history.ID, history.TenantID, history.TargetEntityID, history.SourceEntityIDs, history.ClusterID,
		history.Strategy, history.Resolutions, history.Snapshot, history.MergedBy, history.CanUnmerge,
		history.Unmerged, history.UnmergedAt, history.UnmergeReason, history.CreatedAt,
	)

	query, args := ib.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create merge history")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create merge history")
	}

	if err := tx.Commit(ctx); err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit")
	}

	return nil
}

// GetByID retrieves a merge history record by ID
func (r *Repository) GetByID(ctx context.Context, tenantID string, id string) (*models.MergeHistory, error) {
	ctx, span := tracing.StartSpan(ctx, "mergehistory.Repository.GetByID")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("id", id),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()
	var history models.MergeHistory
	if err := r.db.GetContext(ctx, &history, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("merge history %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get merge history")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get merge history")
	}

	return &history, nil
}

// ListByEntity lists merges that involved an entity as target or source,
// newest first.
func (r *Repository) ListByEntity(ctx context.Context, tenantID string, entityID string) ([]*models.MergeHistory, error) {
	ctx, span := tracing.StartSpan(ctx, "mergehistory.Repository.ListByEntity")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Or(
			sb.Equal("target_entity_id", entityID),
			fmt.Sprintf("%s = ANY(source_entity_ids)", sb.Var(entityID)),
		),
	)
	sb.OrderBy("created_at DESC")

	query, args := sb.Build()
	var records []*models.MergeHistory
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list merge history")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list merge history")
	}

	return records, nil
}

// MarkUnmerged records that a merge was undone. The record stays in the
// trail; it can never be unmerged a second time. Joins the transaction
// carried by the context when one is open.
func (r *Repository) MarkUnmerged(ctx context.Context, tenantID string, id string, reason string, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "mergehistory.Repository.MarkUnmerged")
	defer span.End()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	ub := database.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("unmerged", true),
		ub.Assign("unmerged_at", at),
		ub.Assign("unmerge_reason", reason),
		ub.Assign("can_unmerge", false),
	)
	ub.Where(
		ub.Equal("id", id),
		ub.Equal("tenant_id", tenantID),
		ub.Equal("unmerged", false),
	)

	query, args := ub.Build()
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to mark merge unmerged")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update merge history")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("merge history %s not found", id))
	}

	if err := tx.Commit(ctx); err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit")
	}

	return nil
}
