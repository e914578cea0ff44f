package merging

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/quality"
	"github.com/Ramsey-B/fern/pkg/settings"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// EntityStore is the entity persistence surface the executor needs.
// GetByIDsForUpdate must hold row locks for the transaction carried by the
// context so concurrent merges over overlapping entities serialize.
type EntityStore interface {
	DB() database.DB
	GetByID(ctx context.Context, tenantID, id string) (*models.EntityRecord, error)
	GetByIDs(ctx context.Context, tenantID string, ids []string) ([]*models.EntityRecord, error)
	GetByIDsForUpdate(ctx context.Context, tenantID string, ids []string) ([]*models.EntityRecord, error)
	Update(ctx context.Context, entity *models.EntityRecord) error
}

// MatchStore updates persisted match candidates as merges happen. Only rows
// currently in one of fromStatuses move to the new status.
type MatchStore interface {
	SetStatusBetween(ctx context.Context, tenantID string, entityIDs []string, fromStatuses []string, status string) error
}

// ClusterStore reads and flips clusters covering merge participants.
type ClusterStore interface {
	GetByID(ctx context.Context, tenantID, id string) (*models.Cluster, error)
	FindCovering(ctx context.Context, tenantID string, entityIDs []string) (*models.Cluster, error)
	SetStatus(ctx context.Context, tenantID, id, status string) error
}

// HistoryStore appends and reads the merge audit trail.
type HistoryStore interface {
	Create(ctx context.Context, history *models.MergeHistory) error
	GetByID(ctx context.Context, tenantID, id string) (*models.MergeHistory, error)
	MarkUnmerged(ctx context.Context, tenantID, id, reason string, at time.Time) error
}

// Emitter publishes merge lifecycle events. Implementations are
// fire-and-forget; delivery failures must not surface here.
type Emitter interface {
	EmitEntityMerged(tenantID, targetID string, sourceIDs []string, historyID string)
	EmitEntityUnmerged(tenantID, historyID string)
}

// Executor performs transactional merges. Every write path is all-or-nothing:
// any store error rolls back the whole merge.
type Executor struct {
	logger    logging.Logger
	settings  *settings.Store
	resolver  *Resolver
	quality   *quality.Scorer
	validate  *validator.Validate
	entities  EntityStore
	matches   MatchStore
	clusters  ClusterStore
	histories HistoryStore
	emitter   Emitter
}

func NewExecutor(
	logger logging.Logger,
	settingsStore *settings.Store,
	entities EntityStore,
	matches MatchStore,
	clusters ClusterStore,
	histories HistoryStore,
	emitter Emitter,
) *Executor {
	return &Executor{
		logger:    logger,
		settings:  settingsStore,
		resolver:  NewResolver(),
		quality:   quality.NewScorer(),
		validate:  validator.New(),
		entities:  entities,
		matches:   matches,
		clusters:  clusters,
		histories: histories,
		emitter:   emitter,
	}
}

// MergeEntities merges the source entities into the target inside one
// transaction: conflicts are resolved, the merged target is written, sources
// flip to merged, open matches between participants resolve, any covering
// cluster flips, and an undoable history record is appended. With an empty
// target the master is chosen by the configured master strategy. Participants
// are loaded under row locks in a serializable transaction so concurrent
// merges over overlapping entities cannot interleave.
func (e *Executor) MergeEntities(ctx context.Context, tenantID, targetID string, sourceIDs []string, opts models.MergeOptions) (*models.MergeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Executor.MergeEntities")
	defer span.End()

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":  tenantID,
		"target_id":  targetID,
		"source_ids": sourceIDs,
	})

	sourceIDs, err := e.checkMergeInput(targetID, sourceIDs, &opts)
	if err != nil {
		return nil, err
	}

	ctxTx, tx, err := e.entities.DB().GetTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctxTx)

	target, sources, err := e.loadParticipants(ctxTx, tenantID, targetID, sourceIDs, true, opts)
	if err != nil {
		metrics.MergesTotal.WithLabelValues(tenantID, "error").Inc()
		return nil, err
	}
	targetID = target.ID
	sourceIDs = make([]string, 0, len(sources))
	for _, s := range sources {
		sourceIDs = append(sourceIDs, s.ID)
	}
	participants := append([]*models.EntityRecord{target}, sources...)

	resolved, err := e.resolveConflicts(participants, targetID, opts)
	if err != nil {
		return nil, err
	}

	merged, err := e.resolver.ApplyMerge(target, sources, resolved)
	if err != nil {
		return nil, err
	}

	// Snapshot before any write so unmerge can restore every participant.
	snapshot := make([]*models.EntityRecord, 0, len(participants))
	for _, p := range participants {
		snapshot = append(snapshot, p.Clone())
	}

	now := time.Now().UTC()
	merged.UpdatedAt = now
	if err := e.entities.Update(ctxTx, merged); err != nil {
		metrics.MergesTotal.WithLabelValues(tenantID, "error").Inc()
		return nil, err
	}

	for _, source := range sources {
		// PreserveSource annotates the source in place and keeps it active.
		source.MergedIntoID = &merged.ID
		source.UpdatedAt = now
		if !opts.PreserveSource {
			source.Status = models.EntityStatusMerged
		}
		if err := e.entities.Update(ctxTx, source); err != nil {
			metrics.MergesTotal.WithLabelValues(tenantID, "error").Inc()
			return nil, err
		}
	}

	allIDs := append([]string{targetID}, sourceIDs...)
	if err := e.matches.SetStatusBetween(ctxTx, tenantID, allIDs, []string{models.MatchStatusPending}, models.MatchStatusMerged); err != nil {
		metrics.MergesTotal.WithLabelValues(tenantID, "error").Inc()
		return nil, err
	}

	var clusterID *string
	cluster, err := e.clusters.FindCovering(ctxTx, tenantID, allIDs)
	if err != nil {
		metrics.MergesTotal.WithLabelValues(tenantID, "error").Inc()
		return nil, err
	}
	if cluster != nil {
		if err := e.clusters.SetStatus(ctxTx, tenantID, cluster.ID, models.ClusterStatusMerged); err != nil {
			metrics.MergesTotal.WithLabelValues(tenantID, "error").Inc()
			return nil, err
		}
		clusterID = &cluster.ID
	}

	history := &models.MergeHistory{
		ID:              uuid.New().String(),
		TenantID:        tenantID,
		TargetEntityID:  targetID,
		SourceEntityIDs: sourceIDs,
		ClusterID:       clusterID,
		Strategy:        opts.Strategy,
		Resolutions:     database.NewJSONB(resolved),
		Snapshot:        database.NewJSONB(snapshot),
		MergedBy:        opts.MergedBy,
		CanUnmerge:      true,
		CreatedAt:       now,
	}
	if err := e.histories.Create(ctxTx, history); err != nil {
		metrics.MergesTotal.WithLabelValues(tenantID, "error").Inc()
		return nil, err
	}

	if err := tx.Commit(ctxTx); err != nil {
		metrics.MergesTotal.WithLabelValues(tenantID, "error").Inc()
		return nil, err
	}

	if e.emitter != nil {
		e.emitter.EmitEntityMerged(tenantID, targetID, sourceIDs, history.ID)
	}
	metrics.MergesTotal.WithLabelValues(tenantID, "success").Inc()

	log.WithFields(map[string]any{"history_id": history.ID, "conflict_count": len(resolved)}).Info("Merged entities")

	return &models.MergeResult{
		HistoryID: history.ID,
		Target:    merged,
		SourceIDs: sourceIDs,
		ClusterID: clusterID,
		Conflicts: resolved,
		MergedAt:  now,
	}, nil
}

// MergeCluster merges every member of a cluster into its master record. The
// master is the explicit target if given, otherwise chosen by the master
// strategy (highest quality by default).
func (e *Executor) MergeCluster(ctx context.Context, tenantID, clusterID string, opts models.MergeOptions) (*models.MergeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Executor.MergeCluster")
	defer span.End()

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":  tenantID,
		"cluster_id": clusterID,
	})

	cluster, err := e.clusters.GetByID(ctx, tenantID, clusterID)
	if err != nil {
		return nil, err
	}
	if cluster == nil {
		return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("cluster %s not found", clusterID))
	}
	if cluster.Status == models.ClusterStatusMerged {
		return nil, httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("cluster %s is already merged", clusterID))
	}
	if cluster.Size() < 2 {
		return nil, httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("cluster %s has fewer than two members", clusterID))
	}

	members, err := e.entities.GetByIDs(ctx, tenantID, cluster.EntityIDs)
	if err != nil {
		return nil, err
	}

	master, err := e.pickMaster(members, opts)
	if err != nil {
		return nil, err
	}

	sourceIDs := make([]string, 0, len(members)-1)
	for _, m := range members {
		if m.ID != master.ID {
			sourceIDs = append(sourceIDs, m.ID)
		}
	}

	log.WithFields(map[string]any{"master_id": master.ID}).Debug("Merging cluster into master")

	return e.MergeEntities(ctx, tenantID, master.ID, sourceIDs, opts)
}

// UnmergeEntities undoes a merge from its history record, restoring every
// participant from the pre-merge snapshot. Unmerge is only allowed inside the
// unmerge window and only once per history record.
func (e *Executor) UnmergeEntities(ctx context.Context, tenantID, historyID, reason string) error {
	ctx, span := tracing.StartSpan(ctx, "merging.Executor.UnmergeEntities")
	defer span.End()

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":  tenantID,
		"history_id": historyID,
	})

	snap := e.settings.Load()

	ctxTx, tx, err := e.entities.DB().GetTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctxTx)

	history, err := e.histories.GetByID(ctxTx, tenantID, historyID)
	if err != nil {
		metrics.UnmergesTotal.WithLabelValues(tenantID, "error").Inc()
		return err
	}
	if history == nil {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("merge history %s not found", historyID))
	}
	if history.Unmerged {
		return httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("merge %s is already unmerged", historyID))
	}
	if !history.CanUnmerge {
		return httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("merge %s cannot be unmerged", historyID))
	}

	now := time.Now().UTC()
	if now.Sub(history.CreatedAt) > snap.UnmergeWindow {
		return httperror.NewHTTPError(http.StatusConflict,
			fmt.Sprintf("merge %s is outside the unmerge window", historyID))
	}

	for _, record := range history.Snapshot.Data {
		restored := record.Clone()
		restored.UpdatedAt = now
		if err := e.entities.Update(ctxTx, restored); err != nil {
			metrics.UnmergesTotal.WithLabelValues(tenantID, "error").Inc()
			return err
		}
	}

	participantIDs := append([]string{history.TargetEntityID}, history.SourceEntityIDs...)
	reopen := []string{models.MatchStatusMerged, models.MatchStatusAutoMerged}
	if err := e.matches.SetStatusBetween(ctxTx, tenantID, participantIDs, reopen, models.MatchStatusPending); err != nil {
		metrics.UnmergesTotal.WithLabelValues(tenantID, "error").Inc()
		return err
	}

	if history.ClusterID != nil {
		if err := e.clusters.SetStatus(ctxTx, tenantID, *history.ClusterID, models.ClusterStatusOpen); err != nil {
			metrics.UnmergesTotal.WithLabelValues(tenantID, "error").Inc()
			return err
		}
	}

	if err := e.histories.MarkUnmerged(ctxTx, tenantID, historyID, reason, now); err != nil {
		metrics.UnmergesTotal.WithLabelValues(tenantID, "error").Inc()
		return err
	}

	if err := tx.Commit(ctxTx); err != nil {
		metrics.UnmergesTotal.WithLabelValues(tenantID, "error").Inc()
		return err
	}

	if e.emitter != nil {
		e.emitter.EmitEntityUnmerged(tenantID, historyID)
	}
	metrics.UnmergesTotal.WithLabelValues(tenantID, "success").Inc()

	log.Info("Unmerged entities")

	return nil
}

// PreviewMerge computes what a merge would produce without writing anything.
// Conflicts a manual strategy cannot resolve (no value supplied) stay
// unresolved in the preview instead of failing it.
func (e *Executor) PreviewMerge(ctx context.Context, tenantID, targetID string, sourceIDs []string, opts models.MergeOptions) (*models.MergePreview, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Executor.PreviewMerge")
	defer span.End()

	sourceIDs, err := e.checkMergeInput(targetID, sourceIDs, &opts)
	if err != nil {
		return nil, err
	}

	target, sources, err := e.loadParticipants(ctx, tenantID, targetID, sourceIDs, false, opts)
	if err != nil {
		return nil, err
	}
	targetID = target.ID
	sourceIDs = make([]string, 0, len(sources))
	for _, s := range sources {
		sourceIDs = append(sourceIDs, s.ID)
	}
	participants := append([]*models.EntityRecord{target}, sources...)

	conflicts := e.resolver.DetectConflicts(participants)
	resolved := make([]models.FieldConflict, 0, len(conflicts))
	applied := make([]models.FieldConflict, 0, len(conflicts))
	manualReview := 0
	for _, conflict := range conflicts {
		if conflict.RequiresManualReview {
			manualReview++
		}

		strategy := e.strategyFor(conflict.Field, opts)
		res, err := e.resolver.Resolve(conflict, strategy, targetID, opts.ManualValues[conflict.Field])
		if err != nil {
			// Preview keeps unresolvable conflicts visible instead of failing.
			resolved = append(resolved, conflict)
			continue
		}
		resolved = append(resolved, res)
		applied = append(applied, res)
	}

	merged, err := e.resolver.ApplyMerge(target, sources, applied)
	if err != nil {
		return nil, err
	}

	var qualitySum float64
	for _, p := range participants {
		qualitySum += e.quality.Score(p).Overall
	}
	confidence := qualitySum / float64(len(participants))
	if len(conflicts) > 0 {
		manualFraction := float64(manualReview) / float64(len(conflicts))
		confidence *= 1 - manualFraction/2
	}

	return &models.MergePreview{
		Target:     target,
		Merged:     merged,
		SourceIDs:  sourceIDs,
		Conflicts:  resolved,
		Confidence: confidence,
	}, nil
}

// checkMergeInput validates and normalizes merge arguments. An empty target
// is allowed when at least two participants are given; the master is then
// chosen at load time.
func (e *Executor) checkMergeInput(targetID string, sourceIDs []string, opts *models.MergeOptions) ([]string, error) {
	if err := e.validate.Struct(opts); err != nil {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	seen := make(map[string]struct{}, len(sourceIDs))
	deduped := make([]string, 0, len(sourceIDs))
	for _, id := range sourceIDs {
		if id == "" {
			continue
		}
		if id == targetID {
			return nil, httperror.NewHTTPError(http.StatusBadRequest, "target cannot be one of its own sources")
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		deduped = append(deduped, id)
	}
	if targetID == "" && len(deduped) < 2 {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "at least two entity ids are required when no target is given")
	}
	if len(deduped) == 0 {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "at least one source entity id is required")
	}

	if opts.Strategy == "" {
		opts.Strategy = models.ResolvePreferComplete
	}
	if opts.MergedBy == "" {
		opts.MergedBy = "system"
	}

	return deduped, nil
}

// loadParticipants loads the target and sources and verifies all of them can
// be merged. With lock set the records are read under row locks inside the
// transaction carried by the context. With an empty targetID the master is
// chosen from the loaded records by pickMaster.
func (e *Executor) loadParticipants(ctx context.Context, tenantID, targetID string, sourceIDs []string, lock bool, opts models.MergeOptions) (*models.EntityRecord, []*models.EntityRecord, error) {
	allIDs := sourceIDs
	if targetID != "" {
		allIDs = append([]string{targetID}, sourceIDs...)
	}

	var records []*models.EntityRecord
	var err error
	if lock {
		records, err = e.entities.GetByIDsForUpdate(ctx, tenantID, allIDs)
	} else {
		records, err = e.entities.GetByIDs(ctx, tenantID, allIDs)
	}
	if err != nil {
		return nil, nil, err
	}

	byID := make(map[string]*models.EntityRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}

	ordered := make([]*models.EntityRecord, 0, len(allIDs))
	for _, id := range allIDs {
		record, ok := byID[id]
		if !ok {
			return nil, nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("entity %s not found", id))
		}
		if !record.IsActive() {
			return nil, nil, httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("entity %s is not active", id))
		}
		ordered = append(ordered, record)
	}

	if targetID == "" {
		master, err := e.pickMaster(ordered, opts)
		if err != nil {
			return nil, nil, err
		}
		targetID = master.ID
	}

	var target *models.EntityRecord
	sources := make([]*models.EntityRecord, 0, len(ordered)-1)
	for _, record := range ordered {
		if record.ID == targetID {
			target = record
		} else {
			sources = append(sources, record)
		}
	}

	return target, sources, nil
}

func (e *Executor) resolveConflicts(participants []*models.EntityRecord, targetID string, opts models.MergeOptions) ([]models.FieldConflict, error) {
	conflicts := e.resolver.DetectConflicts(participants)
	resolved := make([]models.FieldConflict, 0, len(conflicts))
	for _, conflict := range conflicts {
		strategy := e.strategyFor(conflict.Field, opts)
		res, err := e.resolver.Resolve(conflict, strategy, targetID, opts.ManualValues[conflict.Field])
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, res)
	}
	return resolved, nil
}

func (e *Executor) strategyFor(field string, opts models.MergeOptions) string {
	if s, ok := opts.FieldStrategies[field]; ok {
		return s
	}
	return opts.Strategy
}

// pickMaster chooses the surviving record for a cluster merge.
func (e *Executor) pickMaster(members []*models.EntityRecord, opts models.MergeOptions) (*models.EntityRecord, error) {
	if len(members) == 0 {
		return nil, httperror.NewHTTPError(http.StatusConflict, "cluster has no loadable members")
	}

	if opts.TargetID != "" {
		for _, m := range members {
			if m.ID == opts.TargetID {
				return m, nil
			}
		}
		return nil, httperror.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("target %s is not a member of the cluster", opts.TargetID))
	}

	strategy := opts.MasterStrategy
	if strategy == "" {
		strategy = models.MasterHighestQuality
	}

	switch strategy {
	case models.MasterHighestQuality:
		best := members[0]
		bestScore := e.quality.Score(best).Overall
		for _, m := range members[1:] {
			score := e.quality.Score(m).Overall
			switch {
			case score > bestScore:
				best, bestScore = m, score
			case score == bestScore && m.UpdatedAt.After(best.UpdatedAt):
				best = m
			case score == bestScore && m.UpdatedAt.Equal(best.UpdatedAt) && m.ID < best.ID:
				best = m
			}
		}
		return best, nil
	case models.MasterMostRecent:
		best := members[0]
		for _, m := range members[1:] {
			if m.UpdatedAt.After(best.UpdatedAt) ||
				(m.UpdatedAt.Equal(best.UpdatedAt) && m.ID < best.ID) {
				best = m
			}
		}
		return best, nil
	case models.MasterFirst:
		best := members[0]
		for _, m := range members[1:] {
			if m.CreatedAt.Before(best.CreatedAt) ||
				(m.CreatedAt.Equal(best.CreatedAt) && m.ID < best.ID) {
				best = m
			}
		}
		return best, nil
	default:
		return nil, httperror.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("unknown master strategy %q", strategy))
	}
}
