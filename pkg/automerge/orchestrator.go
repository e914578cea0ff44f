// Package automerge batch-merges high confidence clusters.
package automerge

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/settings"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ClusterSource lists the clusters eligible for automatic merging.
type ClusterSource interface {
	ListOpen(ctx context.Context, tenantID string) ([]*models.Cluster, error)
}

// Merger is the slice of the merge executor the orchestrator drives.
type Merger interface {
	MergeCluster(ctx context.Context, tenantID, clusterID string, opts models.MergeOptions) (*models.MergeResult, error)
}

// Options tunes one orchestrator run.
type Options struct {
	// Threshold overrides the auto-merge threshold from settings.
	Threshold float64
	// DryRun reports eligible clusters without merging them.
	DryRun bool
	// EntityType restricts the run to clusters of one entity type. Empty
	// means all types.
	EntityType string
	// MergeOptions are passed through to each cluster merge.
	MergeOptions models.MergeOptions
}

// ClusterOutcome records what happened to one cluster during a run.
type ClusterOutcome struct {
	ClusterID  string  `json:"cluster_id"`
	Confidence float64 `json:"confidence"`
	Merged     bool    `json:"merged"`
	HistoryID  string  `json:"history_id,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Report summarizes an orchestrator run.
type Report struct {
	Considered int              `json:"considered"`
	Eligible   int              `json:"eligible"`
	Merged     int              `json:"merged"`
	Failed     int              `json:"failed"`
	DryRun     bool             `json:"dry_run"`
	Outcomes   []ClusterOutcome `json:"outcomes"`
}

// Orchestrator merges every open cluster whose confidence clears the
// threshold. Failures are isolated per cluster; one bad cluster never stops
// the rest of the batch.
type Orchestrator struct {
	logger   logging.Logger
	settings *settings.Store
	clusters ClusterSource
	merger   Merger
	entities merging.EntityStore
}

func NewOrchestrator(logger logging.Logger, settingsStore *settings.Store, clusters ClusterSource, merger Merger, entities merging.EntityStore) *Orchestrator {
	return &Orchestrator{
		logger:   logger,
		settings: settingsStore,
		clusters: clusters,
		merger:   merger,
		entities: entities,
	}
}

// Run executes one auto-merge pass for a tenant. Context cancellation is
// honored between clusters; work already committed stays committed.
func (o *Orchestrator) Run(ctx context.Context, tenantID string, opts Options) (*Report, error) {
	ctx, span := tracing.StartSpan(ctx, "automerge.Orchestrator.Run")
	defer span.End()

	snap := o.settings.Load()
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = snap.AutoMergeThreshold
	}

	log := o.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id": tenantID,
		"threshold": threshold,
		"dry_run":   opts.DryRun,
	})
	log.Info("Starting auto-merge run")

	clusters, err := o.clusters.ListOpen(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	report := &Report{DryRun: opts.DryRun}

	for _, cluster := range clusters {
		if err := ctx.Err(); err != nil {
			log.WithError(err).Warn("Auto-merge run cancelled")
			return report, err
		}

		report.Considered++

		if cluster.ConfidenceScore < threshold || cluster.Size() < 2 {
			metrics.AutoMergeClusters.WithLabelValues(tenantID, "skipped").Inc()
			continue
		}
		if opts.EntityType != "" {
			match, err := o.clusterMatchesType(ctx, tenantID, cluster, opts.EntityType)
			if err != nil {
				report.Failed++
				report.Outcomes = append(report.Outcomes, ClusterOutcome{
					ClusterID:  cluster.ID,
					Confidence: cluster.ConfidenceScore,
					Error:      err.Error(),
				})
				continue
			}
			if !match {
				metrics.AutoMergeClusters.WithLabelValues(tenantID, "skipped").Inc()
				continue
			}
		}

		report.Eligible++
		outcome := ClusterOutcome{ClusterID: cluster.ID, Confidence: cluster.ConfidenceScore}

		if opts.DryRun {
			metrics.AutoMergeClusters.WithLabelValues(tenantID, "dry_run").Inc()
			report.Outcomes = append(report.Outcomes, outcome)
			continue
		}

		mergeOpts := opts.MergeOptions
		if mergeOpts.MergedBy == "" {
			mergeOpts.MergedBy = "automerge"
		}

		result, err := o.merger.MergeCluster(ctx, tenantID, cluster.ID, mergeOpts)
		if err != nil {
			// A cluster that fails to merge must not poison the batch.
			log.WithError(err).WithFields(map[string]any{"cluster_id": cluster.ID}).Warn("Cluster auto-merge failed")
			metrics.AutoMergeClusters.WithLabelValues(tenantID, "error").Inc()
			report.Failed++
			outcome.Error = err.Error()
			report.Outcomes = append(report.Outcomes, outcome)
			continue
		}

		metrics.AutoMergeClusters.WithLabelValues(tenantID, "merged").Inc()
		report.Merged++
		outcome.Merged = true
		outcome.HistoryID = result.HistoryID
		report.Outcomes = append(report.Outcomes, outcome)
	}

	log.WithFields(map[string]any{
		"considered": report.Considered,
		"eligible":   report.Eligible,
		"merged":     report.Merged,
		"failed":     report.Failed,
	}).Info("Auto-merge run complete")

	return report, nil
}

// clusterMatchesType checks the entity type of a cluster via its first
// loadable member.
func (o *Orchestrator) clusterMatchesType(ctx context.Context, tenantID string, cluster *models.Cluster, entityType string) (bool, error) {
	if len(cluster.EntityIDs) == 0 {
		return false, nil
	}
	entity, err := o.entities.GetByID(ctx, tenantID, cluster.EntityIDs[0])
	if err != nil {
		return false, err
	}
	return entity.EntityType == entityType, nil
}
