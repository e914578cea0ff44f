// Package matching implements similarity scoring and duplicate detection.
package matching

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/settings"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// EntityStore is the slice of entity persistence the detector needs.
type EntityStore interface {
	GetByID(ctx context.Context, tenantID, id string) (*models.EntityRecord, error)
	ListActiveByType(ctx context.Context, tenantID, entityType string) ([]*models.EntityRecord, error)
}

// MatchStore persists detected match candidates.
type MatchStore interface {
	UpsertBatch(ctx context.Context, matches []*models.DuplicateMatch) error
}

// Notifier receives fire-and-forget duplicate notifications. Implementations
// must not block; failures are theirs to log.
type Notifier interface {
	NotifyDuplicateFound(tenantID, entityID string, match models.Match)
}

// DetectOptions tunes a detection run. The zero value means: all strategies,
// thresholds from the settings snapshot, default weights.
type DetectOptions struct {
	Strategies []string
	MinScore   float64
	MaxMatches int
	Weights    models.Weights
}

// Detector finds duplicate candidates for an entity within a pool.
type Detector struct {
	logger     logging.Logger
	settings   *settings.Store
	similarity *Similarity
	scorer     *Scorer
	entities   EntityStore
	matches    MatchStore
	notifier   Notifier
}

// NewDetector creates a detector. entities, matches, and notifier may be nil
// for pool-only detection.
func NewDetector(logger logging.Logger, settingsStore *settings.Store, entities EntityStore, matches MatchStore, notifier Notifier) *Detector {
	return &Detector{
		logger:     logger,
		settings:   settingsStore,
		similarity: NewSimilarity(),
		scorer:     NewScorer(),
		entities:   entities,
		matches:    matches,
		notifier:   notifier,
	}
}

// Detect runs the enabled strategies for entity against the supplied pool.
// The entity never matches itself; results are deduplicated by matched entity
// keeping the highest score, then sorted by score descending.
func (d *Detector) Detect(ctx context.Context, entity *models.EntityRecord, pool []*models.EntityRecord, opts DetectOptions) (*models.DetectionResult, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Detector.Detect")
	defer span.End()

	if entity == nil || entity.ID == "" {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "entity is required")
	}

	snap := d.settings.Load()
	strategies := opts.Strategies
	if len(strategies) == 0 {
		strategies = models.AllStrategies()
	}
	minScore := opts.MinScore
	if minScore <= 0 {
		minScore = snap.MinimumMatch
	}
	maxMatches := opts.MaxMatches
	if maxMatches <= 0 {
		maxMatches = snap.BatchSize
	}
	weights := opts.Weights
	if len(weights) == 0 {
		weights = snap.Weights
	}

	log := d.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":   entity.TenantID,
		"entity_id":   entity.ID,
		"entity_type": entity.EntityType,
		"pool_size":   len(pool),
	})
	log.Debug("Detecting duplicates for entity")

	best := make(map[string]models.Match)
	poolSize := 0

	for _, candidate := range pool {
		if candidate == nil || candidate.ID == "" {
			// Malformed pool entries are skipped, never fatal.
			continue
		}
		if candidate.ID == entity.ID {
			continue
		}
		poolSize++

		for _, strategy := range strategies {
			score, factors, ok := d.evaluateStrategy(strategy, entity, candidate, weights, snap)
			if !ok || score < minScore {
				continue
			}

			existing, seen := best[candidate.ID]
			if !seen || score > existing.Score {
				best[candidate.ID] = models.Match{
					MatchedEntityID: candidate.ID,
					Score:           score,
					Strategy:        strategy,
					Factors:         factors,
					SuggestedAction: suggestedAction(score, snap),
				}
			}
		}
	}

	result := &models.DetectionResult{
		EntityID:   entity.ID,
		Matches:    make([]models.Match, 0, len(best)),
		PoolSize:   poolSize,
		Strategies: strategies,
	}
	for _, match := range best {
		result.Matches = append(result.Matches, match)
	}

	sort.Slice(result.Matches, func(i, j int) bool {
		if result.Matches[i].Score != result.Matches[j].Score {
			return result.Matches[i].Score > result.Matches[j].Score
		}
		return result.Matches[i].MatchedEntityID < result.Matches[j].MatchedEntityID
	})
	if len(result.Matches) > maxMatches {
		result.Matches = result.Matches[:maxMatches]
	}

	result.SuggestedAction = models.ActionNoAction
	if len(result.Matches) > 0 {
		result.IsDuplicate = true
		result.Confidence = result.Matches[0].Score
		result.SuggestedAction = result.Matches[0].SuggestedAction
	}

	for _, match := range result.Matches {
		metrics.MatchesFound.WithLabelValues(entity.TenantID, match.SuggestedAction).Inc()
	}

	log.WithFields(map[string]any{"match_count": len(result.Matches)}).Debug("Detection complete")

	return result, nil
}

// DetectFromStore loads the entity and its candidate pool from the entity
// store, runs detection, persists pending match candidates, and emits a
// notification per match. Notification failures never surface; store errors
// propagate unmodified.
func (d *Detector) DetectFromStore(ctx context.Context, tenantID, entityID string, opts DetectOptions) (*models.DetectionResult, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Detector.DetectFromStore")
	defer span.End()

	started := time.Now()

	log := d.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id": tenantID,
		"entity_id": entityID,
	})

	entity, err := d.entities.GetByID(ctx, tenantID, entityID)
	if err != nil {
		metrics.DetectionsTotal.WithLabelValues(tenantID, "", "error").Inc()
		return nil, err
	}

	pool, err := d.entities.ListActiveByType(ctx, tenantID, entity.EntityType)
	if err != nil {
		metrics.DetectionsTotal.WithLabelValues(tenantID, entity.EntityType, "error").Inc()
		return nil, err
	}

	result, err := d.Detect(ctx, entity, pool, opts)
	if err != nil {
		metrics.DetectionsTotal.WithLabelValues(tenantID, entity.EntityType, "error").Inc()
		return nil, err
	}

	if len(result.Matches) > 0 && d.matches != nil {
		now := time.Now().UTC()
		candidates := make([]*models.DuplicateMatch, 0, len(result.Matches))
		for _, match := range result.Matches {
			candidates = append(candidates, &models.DuplicateMatch{
				ID:              uuid.New().String(),
				TenantID:        tenantID,
				EntityID:        entity.ID,
				MatchedEntityID: match.MatchedEntityID,
				Score:           match.Score,
				Strategy:        match.Strategy,
				SuggestedAction: match.SuggestedAction,
				Status:          models.MatchStatusPending,
				CreatedAt:       now,
				UpdatedAt:       now,
			})
		}
		if err := d.matches.UpsertBatch(ctx, candidates); err != nil {
			metrics.DetectionsTotal.WithLabelValues(tenantID, entity.EntityType, "error").Inc()
			return nil, err
		}
	}

	if d.notifier != nil {
		for _, match := range result.Matches {
			d.notifier.NotifyDuplicateFound(tenantID, entity.ID, match)
		}
	}

	metrics.DetectionsTotal.WithLabelValues(tenantID, entity.EntityType, "success").Inc()
	metrics.DetectionDuration.WithLabelValues(tenantID).Observe(time.Since(started).Seconds())

	log.WithFields(map[string]any{"match_count": len(result.Matches)}).Info("Stored duplicate detection complete")

	return result, nil
}

// DetectBatch runs stored detection for a set of entities with bounded
// parallelism. Individual failures are collected; the batch never aborts.
func (d *Detector) DetectBatch(ctx context.Context, tenantID string, entityIDs []string, opts DetectOptions) (*models.BatchDetectionResult, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Detector.DetectBatch")
	defer span.End()

	snap := d.settings.Load()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		sem    = make(chan struct{}, snap.DetectWorkers)
		result = &models.BatchDetectionResult{}
	)

	for _, entityID := range entityIDs {
		if err := ctx.Err(); err != nil {
			mu.Lock()
			result.Errors = append(result.Errors, models.BatchItemError{ID: entityID, Error: err.Error()})
			mu.Unlock()
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := d.DetectFromStore(ctx, tenantID, id, opts)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors = append(result.Errors, models.BatchItemError{ID: id, Error: err.Error()})
				return
			}
			result.Results = append(result.Results, *res)
		}(entityID)
	}

	wg.Wait()

	sort.Slice(result.Results, func(i, j int) bool {
		return result.Results[i].EntityID < result.Results[j].EntityID
	})

	return result, nil
}

// evaluateStrategy scores candidate against entity under one strategy. The
// third return is false when the strategy's preconditions are not met.
func (d *Detector) evaluateStrategy(strategy string, entity, candidate *models.EntityRecord, weights models.Weights, snap *settings.Snapshot) (float64, map[string]float64, bool) {
	tol := Tolerances{ValuePercent: snap.ValueTolerancePercent, DateDays: snap.DateToleranceDays}

	switch strategy {
	case models.StrategyExactMatch:
		name := normalizers.NormalizeCompanyName(entity.Name)
		if name == "" || name != normalizers.NormalizeCompanyName(candidate.Name) {
			return 0, nil, false
		}
		counterpart := normalizers.NormalizeCompanyName(entity.CounterpartName)
		if counterpart == "" || counterpart != normalizers.NormalizeCompanyName(candidate.CounterpartName) {
			return 0, nil, false
		}
		return 1.0, map[string]float64{models.FieldName: 1.0, models.FieldCounterpartName: 1.0}, true

	case models.StrategyFuzzyName:
		score, present := d.similarity.compareNames(entity.Name, candidate.Name)
		if !present || score < snap.FuzzyNameThreshold {
			return 0, nil, false
		}
		return score, map[string]float64{models.FieldName: score}, true

	case models.StrategyCustomerValue:
		counterpart, present := d.similarity.compareNames(entity.CounterpartName, candidate.CounterpartName)
		if !present || counterpart < snap.FuzzyNameThreshold {
			return 0, nil, false
		}
		if entity.Value == nil || candidate.Value == nil {
			return 0, nil, false
		}
		proximity := d.scorer.RelativeNumericProximity(*entity.Value, *candidate.Value, snap.ValueTolerancePercent)
		if proximity <= 0 {
			return 0, nil, false
		}
		return (counterpart + proximity) / 2, map[string]float64{
			models.FieldCounterpartName: counterpart,
			models.FieldValue:           proximity,
		}, true

	case models.StrategyCustomerDate:
		counterpart, present := d.similarity.compareNames(entity.CounterpartName, candidate.CounterpartName)
		if !present || counterpart < snap.FuzzyNameThreshold {
			return 0, nil, false
		}
		if entity.CloseDate == nil || candidate.CloseDate == nil {
			return 0, nil, false
		}
		proximity := d.scorer.DateProximity(*entity.CloseDate, *candidate.CloseDate, snap.DateToleranceDays)
		if proximity <= 0 {
			return 0, nil, false
		}
		return (counterpart + proximity) / 2, map[string]float64{
			models.FieldCounterpartName: counterpart,
			models.FieldCloseDate:       proximity,
		}, true

	case models.StrategyVendorCustomer:
		vendorA, vendorB := strPtr(entity.VendorID), strPtr(candidate.VendorID)
		if vendorA == "" || vendorB == "" || d.scorer.ExactMatch(vendorA, vendorB, false) == 0 {
			return 0, nil, false
		}
		counterpart, present := d.similarity.compareNames(entity.CounterpartName, candidate.CounterpartName)
		if !present || counterpart < snap.FuzzyNameThreshold {
			return 0, nil, false
		}
		return (1.0 + counterpart) / 2, map[string]float64{
			models.FieldVendorID:        1.0,
			models.FieldCounterpartName: counterpart,
		}, true

	case models.StrategyMultiFactor:
		result := d.similarity.Score(entity, candidate, weights, tol)
		if result.Overall < snap.MinimumMatch {
			return 0, nil, false
		}
		return result.Overall, result.Factors, true

	default:
		return 0, nil, false
	}
}

// suggestedAction maps a score to the action a reviewer should take.
func suggestedAction(score float64, snap *settings.Snapshot) string {
	switch {
	case score >= snap.AutoMergeThreshold:
		return models.ActionAutoMerge
	case score >= snap.HighConfidence:
		return models.ActionManualReview
	default:
		return models.ActionNoAction
	}
}
