// Package duplicatematch persists detected duplicate candidates.
package duplicatematch

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const table = "duplicate_matches"

var columns = []string{
	"id", "tenant_id", "entity_id", "matched_entity_id", "score", "strategy",
	"suggested_action", "status", "created_at", "updated_at", "deleted_at",
}

// Repository handles duplicate match persistence
type Repository struct {
	db     database.DB
	logger logging.Logger
}

// NewRepository creates a new duplicate match repository
func NewRepository(db database.DB, logger logging.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// UpsertBatch stores match candidates. A re-detected pair keeps its highest
// score; a lower score never overwrites a higher one.
func (r *Repository) UpsertBatch(ctx context.Context, matches []*models.DuplicateMatch) error {
	ctx, span := tracing.StartSpan(ctx, "duplicatematch.Repository.UpsertBatch")
	defer span.End()

	if len(matches) == 0 {
		return nil
	}

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for _, match := range matches {
		if match.ID == "" {
			match.ID = uuid.New().String()
		}
		if match.Status == "" {
			match.Status = models.MatchStatusPending
		}
		match.CreatedAt = now
		match.UpdatedAt = now

		ib := database.NewInsertBuilder()
		ib.InsertInto(table)
		ib.Cols(columns...)
		ib.Values(
			match.ID, match.TenantID, match.EntityID, match.MatchedEntityID, match.Score, match.Strategy,
			match.SuggestedAction, match.Status, match.CreatedAt, match.UpdatedAt, nil,
		)

		ub := ib.OnConflict("tenant_id", "entity_id", "matched_entity_id")
		ub.Set(
			ub.Assign("score", database.Excluded("score")),
			ub.Assign("strategy", database.Excluded("strategy")),
			ub.Assign("suggested_action", database.Excluded("suggested_action")),
			ub.Assign("updated_at", now),
			ub.Assign("deleted_at", nil),
		)
		ib.SQL("WHERE EXCLUDED.score > duplicate_matches.score OR duplicate_matches.deleted_at IS NOT NULL")

		query, args := ib.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"entity_id":         match.EntityID,
				"matched_entity_id": match.MatchedEntityID,
			}).Error("Failed to upsert duplicate match")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to store duplicate matches")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"count": len(matches)}).Debug("Stored duplicate matches")
	return nil
}

// SetStatusBetween updates every match whose two sides both belong to the
// given ID set and whose current status is one of fromStatuses. It joins the
// transaction carried by the context when one is open.
func (r *Repository) SetStatusBetween(ctx context.Context, tenantID string, entityIDs []string, fromStatuses []string, status string) error {
	ctx, span := tracing.StartSpan(ctx, "duplicatematch.Repository.SetStatusBetween")
	defer span.End()

	if len(entityIDs) < 2 || len(fromStatuses) == 0 {
		return nil
	}

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	ids := toAny(entityIDs)

	ub := database.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("status", status),
		ub.Assign("updated_at", time.Now().UTC()),
	)
	ub.Where(
		ub.Equal("tenant_id", tenantID),
		ub.In("entity_id", ids...),
		ub.In("matched_entity_id", ids...),
		ub.In("status", toAny(fromStatuses)...),
		ub.IsNull("deleted_at"),
	)

	query, args := ub.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to update match statuses")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update match statuses")
	}

	if err := tx.Commit(ctx); err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit")
	}

	return nil
}

// ListByEntity lists matches involving an entity on either side, highest
// score first.
func (r *Repository) ListByEntity(ctx context.Context, tenantID string, entityID string) ([]*models.DuplicateMatch, error) {
	ctx, span := tracing.StartSpan(ctx, "duplicatematch.Repository.ListByEntity")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Or(
			sb.Equal("entity_id", entityID),
			sb.Equal("matched_entity_id", entityID),
		),
		sb.IsNull("deleted_at"),
	)
	sb.OrderBy("score DESC", "id")

	query, args := sb.Build()
	var matches []*models.DuplicateMatch
	if err := r.db.SelectContext(ctx, &matches, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list duplicate matches")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list duplicate matches")
	}

	return matches, nil
}

func toAny(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
