// Package resolution ties the engines together behind one service surface.
package resolution

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"

	"github.com/Ramsey-B/fern/internal/repositories/cluster"
	"github.com/Ramsey-B/fern/internal/repositories/duplicatematch"
	"github.com/Ramsey-B/fern/internal/repositories/entityrecord"
	"github.com/Ramsey-B/fern/internal/repositories/mergehistory"
	"github.com/Ramsey-B/fern/pkg/automerge"
	"github.com/Ramsey-B/fern/pkg/clustering"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/quality"
	"github.com/Ramsey-B/fern/pkg/settings"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Service is the resolution engine facade. It owns the engines and their
// stores; callers go through it rather than wiring engines themselves.
type Service struct {
	logger   logging.Logger
	settings *settings.Store
	emitter  *events.Emitter

	entities  *entityrecord.Repository
	matches   *duplicatematch.Repository
	clusters  *cluster.Repository
	histories *mergehistory.Repository

	detector     *matching.Detector
	builder      *clustering.Builder
	quality      *quality.Scorer
	executor     *merging.Executor
	orchestrator *automerge.Orchestrator
}

// NewService wires the engines over the given repositories. The emitter may
// be nil; events are then skipped.
func NewService(
	logger logging.Logger,
	settingsStore *settings.Store,
	entities *entityrecord.Repository,
	matches *duplicatematch.Repository,
	clusters *cluster.Repository,
	histories *mergehistory.Repository,
	emitter *events.Emitter,
) *Service {
	var notifier matching.Notifier
	var mergeEmitter merging.Emitter
	if emitter != nil {
		notifier = emitter
		mergeEmitter = emitter
	}

	executor := merging.NewExecutor(logger, settingsStore, entities, matches, clusters, histories, mergeEmitter)

	return &Service{
		logger:       logger,
		settings:     settingsStore,
		emitter:      emitter,
		entities:     entities,
		matches:      matches,
		clusters:     clusters,
		histories:    histories,
		detector:     matching.NewDetector(logger, settingsStore, entities, matches, notifier),
		builder:      clustering.NewBuilder(logger, settingsStore, entities, clusters),
		quality:      quality.NewScorer(),
		executor:     executor,
		orchestrator: automerge.NewOrchestrator(logger, settingsStore, clusters, executor, entities),
	}
}

// CreateEntity stores a new entity record.
func (s *Service) CreateEntity(ctx context.Context, entity *models.EntityRecord) (*models.EntityRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "resolution.Service.CreateEntity")
	defer span.End()

	if entity == nil {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "entity is required")
	}
	if entity.TenantID == "" {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "tenant_id is required")
	}
	if entity.EntityType == "" {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "entity_type is required")
	}

	return s.entities.Create(ctx, entity)
}

// GetEntity retrieves one entity record.
func (s *Service) GetEntity(ctx context.Context, tenantID, id string) (*models.EntityRecord, error) {
	return s.entities.GetByID(ctx, tenantID, id)
}

// DetectDuplicates runs detection for a stored entity against its tenant
// pool and persists the resulting match candidates.
func (s *Service) DetectDuplicates(ctx context.Context, tenantID, entityID string, opts matching.DetectOptions) (*models.DetectionResult, error) {
	return s.detector.DetectFromStore(ctx, tenantID, entityID, opts)
}

// DetectBatch runs detection for many entities with bounded parallelism.
func (s *Service) DetectBatch(ctx context.Context, tenantID string, entityIDs []string, opts matching.DetectOptions) (*models.BatchDetectionResult, error) {
	return s.detector.DetectBatch(ctx, tenantID, entityIDs, opts)
}

// ListMatches lists stored match candidates involving an entity.
func (s *Service) ListMatches(ctx context.Context, tenantID, entityID string) ([]*models.DuplicateMatch, error) {
	return s.matches.ListByEntity(ctx, tenantID, entityID)
}

// BuildClusters rebuilds duplicate clusters for a tenant and entity type.
func (s *Service) BuildClusters(ctx context.Context, tenantID, entityType string, opts clustering.BuildOptions) ([]*models.Cluster, error) {
	ctx, span := tracing.StartSpan(ctx, "resolution.Service.BuildClusters")
	defer span.End()

	clusters, err := s.builder.BuildForTenant(ctx, tenantID, entityType, opts)
	if err != nil {
		return nil, err
	}

	if s.emitter != nil {
		for _, c := range clusters {
			s.emitter.EmitClusterCreated(tenantID, *c)
		}
	}

	return clusters, nil
}

// ListOpenClusters lists a tenant's open clusters, highest confidence first.
func (s *Service) ListOpenClusters(ctx context.Context, tenantID string) ([]*models.Cluster, error) {
	return s.clusters.ListOpen(ctx, tenantID)
}

// ScoreQuality computes the quality score of a stored entity.
func (s *Service) ScoreQuality(ctx context.Context, tenantID, entityID string) (quality.Score, error) {
	ctx, span := tracing.StartSpan(ctx, "resolution.Service.ScoreQuality")
	defer span.End()

	entity, err := s.entities.GetByID(ctx, tenantID, entityID)
	if err != nil {
		return quality.Score{}, err
	}

	return s.quality.Score(entity), nil
}

// MergeEntities merges source entities into a target transactionally.
func (s *Service) MergeEntities(ctx context.Context, tenantID, targetID string, sourceIDs []string, opts models.MergeOptions) (*models.MergeResult, error) {
	return s.executor.MergeEntities(ctx, tenantID, targetID, sourceIDs, opts)
}

// MergeCluster merges every member of a cluster into its chosen master.
func (s *Service) MergeCluster(ctx context.Context, tenantID, clusterID string, opts models.MergeOptions) (*models.MergeResult, error) {
	return s.executor.MergeCluster(ctx, tenantID, clusterID, opts)
}

// PreviewMerge computes the outcome of a merge without writing anything.
func (s *Service) PreviewMerge(ctx context.Context, tenantID, targetID string, sourceIDs []string, opts models.MergeOptions) (*models.MergePreview, error) {
	return s.executor.PreviewMerge(ctx, tenantID, targetID, sourceIDs, opts)
}

// UnmergeEntities undoes a merge from its history record.
func (s *Service) UnmergeEntities(ctx context.Context, tenantID, historyID, reason string) error {
	return s.executor.UnmergeEntities(ctx, tenantID, historyID, reason)
}

// GetMergeHistory retrieves one merge history record.
func (s *Service) GetMergeHistory(ctx context.Context, tenantID, historyID string) (*models.MergeHistory, error) {
	return s.histories.GetByID(ctx, tenantID, historyID)
}

// ListMergeHistory lists merges involving an entity, newest first.
func (s *Service) ListMergeHistory(ctx context.Context, tenantID, entityID string) ([]*models.MergeHistory, error) {
	return s.histories.ListByEntity(ctx, tenantID, entityID)
}

// AutoMerge merges every open cluster clearing the confidence threshold.
func (s *Service) AutoMerge(ctx context.Context, tenantID string, opts automerge.Options) (*automerge.Report, error) {
	ctx, span := tracing.StartSpan(ctx, "resolution.Service.AutoMerge")
	defer span.End()

	report, err := s.orchestrator.Run(ctx, tenantID, opts)
	if err != nil {
		return nil, err
	}

	if s.emitter != nil {
		s.emitter.EmitAutoMergeCompleted(tenantID, report.Considered, report.Eligible, report.Merged, report.Failed, report.DryRun)
	}

	return report, nil
}

// Settings returns the current settings snapshot.
func (s *Service) Settings() *settings.Snapshot {
	return s.settings.Load()
}

// UpdateSettings applies a validated settings change.
func (s *Service) UpdateSettings(fn func(settings.Snapshot) settings.Snapshot) error {
	return s.settings.Swap(fn)
}
