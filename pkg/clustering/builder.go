// Package clustering groups mutually similar entities into clusters via
// pairwise scoring and connected components.
package clustering

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/settings"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ClusterStore persists clusters keyed by their member set.
type ClusterStore interface {
	UpsertByKey(ctx context.Context, cluster *models.Cluster) (*models.Cluster, error)
}

// BuildOptions tunes a cluster build. Zero values fall back to the settings
// snapshot.
type BuildOptions struct {
	Threshold float64
	Weights   models.Weights
}

// Builder constructs entity clusters. Pairwise scoring fans out over a
// bounded worker pool; component traversal is single threaded.
type Builder struct {
	logger     logging.Logger
	settings   *settings.Store
	similarity *matching.Similarity
	entities   matching.EntityStore
	clusters   ClusterStore
}

// NewBuilder creates a builder. entities and clusters may be nil when only
// Build is used.
func NewBuilder(logger logging.Logger, settingsStore *settings.Store, entities matching.EntityStore, clusters ClusterStore) *Builder {
	return &Builder{
		logger:     logger,
		settings:   settingsStore,
		similarity: matching.NewSimilarity(),
		entities:   entities,
		clusters:   clusters,
	}
}

// edge is one similarity link at or above the threshold.
type edge struct {
	a, b   int
	weight float64
}

// Build clusters the given entities. Every pair is scored with the full
// weighted similarity; pairs at or above the threshold become edges and the
// connected components of the resulting graph become clusters. Components of
// size one are dropped. Output is independent of input order: members are
// sorted within a cluster and clusters are sorted by key.
func (b *Builder) Build(ctx context.Context, entities []*models.EntityRecord, opts BuildOptions) ([]*models.Cluster, error) {
	ctx, span := tracing.StartSpan(ctx, "clustering.Builder.Build")
	defer span.End()

	snap := b.settings.Load()
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = snap.ClusterThreshold
	}
	weights := opts.Weights
	if len(weights) == 0 {
		weights = snap.Weights
	}
	tol := matching.Tolerances{ValuePercent: snap.ValueTolerancePercent, DateDays: snap.DateToleranceDays}

	pool := make([]*models.EntityRecord, 0, len(entities))
	for _, e := range entities {
		if e == nil || e.ID == "" {
			continue
		}
		pool = append(pool, e)
	}
	// Index order must not leak into the output; sort up front so edge
	// traversal is deterministic regardless of caller ordering.
	sort.Slice(pool, func(i, j int) bool { return pool[i].ID < pool[j].ID })

	if len(pool) < 2 {
		return []*models.Cluster{}, nil
	}

	log := b.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_count": len(pool),
		"threshold":    threshold,
	})
	log.Debug("Building clusters")

	edges, err := b.scorePairs(ctx, pool, weights, tol, threshold, snap.ScoreWorkers)
	if err != nil {
		return nil, err
	}

	components := connectedComponents(len(pool), edges)

	clusters := make([]*models.Cluster, 0, len(components))
	for _, member := range components {
		if len(member) < 2 {
			continue
		}

		ids := make([]string, 0, len(member))
		inComponent := make(map[int]struct{}, len(member))
		for _, idx := range member {
			ids = append(ids, pool[idx].ID)
			inComponent[idx] = struct{}{}
		}
		sort.Strings(ids)

		var weightSum float64
		edgeCount := 0
		for _, e := range edges {
			if _, ok := inComponent[e.a]; !ok {
				continue
			}
			if _, ok := inComponent[e.b]; !ok {
				continue
			}
			weightSum += e.weight
			edgeCount++
		}

		confidence := 0.0
		if edgeCount > 0 {
			confidence = weightSum / float64(edgeCount)
		}

		clusters = append(clusters, &models.Cluster{
			ID:              uuid.New().String(),
			TenantID:        pool[member[0]].TenantID,
			ClusterKey:      strings.Join(ids, "|"),
			EntityIDs:       ids,
			ConfidenceScore: confidence,
			Status:          models.ClusterStatusOpen,
		})
	}

	sort.Slice(clusters, func(i, j int) bool { return clusters[i].ClusterKey < clusters[j].ClusterKey })

	log.WithFields(map[string]any{"cluster_count": len(clusters), "edge_count": len(edges)}).Debug("Clusters built")

	return clusters, nil
}

// BuildForTenant loads the active entities of one type, builds clusters, and
// upserts them by cluster key. Store errors propagate unmodified.
func (b *Builder) BuildForTenant(ctx context.Context, tenantID, entityType string, opts BuildOptions) ([]*models.Cluster, error) {
	ctx, span := tracing.StartSpan(ctx, "clustering.Builder.BuildForTenant")
	defer span.End()

	log := b.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":   tenantID,
		"entity_type": entityType,
	})

	entities, err := b.entities.ListActiveByType(ctx, tenantID, entityType)
	if err != nil {
		return nil, err
	}

	clusters, err := b.Build(ctx, entities, opts)
	if err != nil {
		return nil, err
	}

	stored := make([]*models.Cluster, 0, len(clusters))
	for _, cluster := range clusters {
		saved, err := b.clusters.UpsertByKey(ctx, cluster)
		if err != nil {
			return nil, err
		}
		stored = append(stored, saved)
	}

	metrics.ClustersBuilt.WithLabelValues(tenantID).Add(float64(len(stored)))
	log.WithFields(map[string]any{"cluster_count": len(stored)}).Info("Cluster build complete")

	return stored, nil
}

// scorePairs scores every index pair over a bounded worker pool and returns
// the edges at or above the threshold.
func (b *Builder) scorePairs(ctx context.Context, pool []*models.EntityRecord, weights models.Weights, tol matching.Tolerances, threshold float64, workers int) ([]edge, error) {
	if workers <= 0 {
		workers = 1
	}

	type pair struct{ a, b int }
	pairs := make(chan pair)

	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		edges []edge
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range pairs {
				result := b.similarity.Score(pool[p.a], pool[p.b], weights, tol)
				if result.Overall >= threshold {
					mu.Lock()
					edges = append(edges, edge{a: p.a, b: p.b, weight: result.Overall})
					mu.Unlock()
				}
			}
		}()
	}

	var ctxErr error
	for i := 0; i < len(pool) && ctxErr == nil; i++ {
		for j := i + 1; j < len(pool); j++ {
			if err := ctx.Err(); err != nil {
				ctxErr = err
				break
			}
			pairs <- pair{a: i, b: j}
		}
	}
	close(pairs)
	wg.Wait()

	if ctxErr != nil {
		return nil, ctxErr
	}

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].a != edges[j].a {
			return edges[i].a < edges[j].a
		}
		return edges[i].b < edges[j].b
	})

	return edges, nil
}

// connectedComponents finds the components of the edge graph using an
// explicit stack. Recursion is avoided so pathological clusters cannot
// overflow the goroutine stack.
func connectedComponents(n int, edges []edge) [][]int {
	adjacency := make([][]int, n)
	for _, e := range edges {
		adjacency[e.a] = append(adjacency[e.a], e.b)
		adjacency[e.b] = append(adjacency[e.b], e.a)
	}

	visited := make([]bool, n)
	components := make([][]int, 0)

	for start := 0; start < n; start++ {
		if visited[start] {
			continue
		}

		component := []int{}
		stack := []int{start}
		visited[start] = true

		for len(stack) > 0 {
			node := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			component = append(component, node)

			for _, next := range adjacency[node] {
				if !visited[next] {
					visited[next] = true
					stack = append(stack, next)
				}
			}
		}

		sort.Ints(component)
		components = append(components, component)
	}

	return components
}
