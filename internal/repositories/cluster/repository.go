// Package cluster persists duplicate clusters.
package cluster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const table = "entity_clusters"

var columns = []string{
	"id", "tenant_id", "cluster_key", "entity_ids", "confidence_score",
	"status", "created_at", "updated_at", "deleted_at",
}

// Repository handles cluster persistence
type Repository struct {
	db     database.DB
	logger logging.Logger
}

// NewRepository creates a new cluster repository
func NewRepository(db database.DB, logger logging.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// UpsertByKey stores a cluster keyed by its member set. Rebuilding the same
// member set refreshes the confidence score and reopens the cluster while
// keeping its original ID.
func (r *Repository) UpsertByKey(ctx context.Context, cluster *models.Cluster) (*models.Cluster, error) {
	ctx, span := tracing.StartSpan(ctx, "cluster.Repository.UpsertByKey")
	defer span.End()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	if cluster.ID == "" {
		cluster.ID = uuid.New().String()
	}
	if cluster.Status == "" {
		cluster.Status = models.ClusterStatusOpen
	}
	now := time.Now().UTC()
	cluster.CreatedAt = now
	cluster.UpdatedAt = now

	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols(columns...)
	ib.Values(
		cluster.ID, cluster.TenantID, cluster.ClusterKey, cluster.EntityIDs, cluster.ConfidenceScore,
		cluster.Status, cluster.CreatedAt, cluster.UpdatedAt, nil,
	)

	ub := ib.OnConflict("tenant_id", "cluster_key")
	ub.Set(
		ub.Assign("entity_ids", database.Excluded("entity_ids")),
		ub.Assign("confidence_score", database.Excluded("confidence_score")),
		ub.Assign("status", database.Excluded("status")),
		ub.Assign("updated_at", now),
		ub.Assign("deleted_at", nil),
	)
	ib.Returning(columns...)

	query, args := ib.Build()
	var stored models.Cluster
	if err := tx.GetContext(ctx, &stored, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"cluster_key": cluster.ClusterKey,
		}).Error("Failed to upsert cluster")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to store cluster")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit")
	}

	return &stored, nil
}

// GetByID retrieves a cluster by ID
func (r *Repository) GetByID(ctx context.Context, tenantID string, id string) (*models.Cluster, error) {
	ctx, span := tracing.StartSpan(ctx, "cluster.Repository.GetByID")
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
	var cluster models.Cluster
	if err := r.db.GetContext(ctx, &cluster, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("cluster %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get cluster")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get cluster")
	}

	return &cluster, nil
}

// FindCovering finds an open cluster containing every given entity ID.
// Returns nil without error when none exists.
func (r *Repository) FindCovering(ctx context.Context, tenantID string, entityIDs []string) (*models.Cluster, error) {
	ctx, span := tracing.StartSpan(ctx, "cluster.Repository.FindCovering")
	defer span.End()

	if len(entityIDs) == 0 {
		return nil, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("status", models.ClusterStatusOpen),
		fmt.Sprintf("entity_ids @> %s", sb.Var(pq.StringArray(entityIDs))),
		sb.IsNull("deleted_at"),
	)
	sb.OrderBy("updated_at DESC")
	sb.Limit(1)

	query, args := sb.Build()
	var cluster models.Cluster
	if err := r.db.GetContext(ctx, &cluster, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to find covering cluster")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find covering cluster")
	}

	return &cluster, nil
}

// SetStatus flips a cluster's status. It joins the transaction carried by the
// context when one is open.
func (r *Repository) SetStatus(ctx context.Context, tenantID string, id string, status string) error {
	ctx, span := tracing.StartSpan(ctx, "cluster.Repository.SetStatus")
	defer span.End()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	ub := database.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("status", status),
		ub.Assign("updated_at", time.Now().UTC()),
	)
	ub.Where(
		ub.Equal("id", id),
		ub.Equal("tenant_id", tenantID),
		ub.IsNull("deleted_at"),
	)

	query, args := ub.Build()
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to update cluster status")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update cluster status")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("cluster %s not found", id))
	}

	if err := tx.Commit(ctx); err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to commit")
	}

	return nil
}

// ListOpen lists open clusters for a tenant, highest confidence first.
func (r *Repository) ListOpen(ctx context.Context, tenantID string) ([]*models.Cluster, error) {
	ctx, span := tracing.StartSpan(ctx, "cluster.Repository.ListOpen")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("status", models.ClusterStatusOpen),
		sb.IsNull("deleted_at"),
	)
	sb.OrderBy("confidence_score DESC", "cluster_key")

	query, args := sb.Build()
	var clusters []*models.Cluster
	if err := r.db.SelectContext(ctx, &clusters, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list open clusters")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list clusters")
	}

	return clusters, nil
}
