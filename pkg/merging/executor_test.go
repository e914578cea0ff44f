package merging

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/settings"
)

// stubTx records commit and rollback without touching a database. Only the
// methods the executor calls are implemented; anything else panics.
type stubTx struct {
	database.Tx
	opts       *sql.TxOptions
	committed  bool
	rolledBack bool
}

func (t *stubTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *stubTx) Rollback(ctx context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

func (t *stubTx) IsOpen() bool { return !t.committed && !t.rolledBack }

type stubDB struct {
	database.DB
	mu  sync.Mutex
	txs []*stubTx
}

func (d *stubDB) GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx := &stubTx{opts: opts}
	d.txs = append(d.txs, tx)
	return ctx, tx, nil
}

func (d *stubDB) lastTx(t *testing.T) *stubTx {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.txs)
	return d.txs[len(d.txs)-1]
}

type memEntityStore struct {
	mu          sync.Mutex
	db          *stubDB
	entities    map[string]*models.EntityRecord
	updates     int
	lockedReads int
}

func newMemEntityStore(records ...*models.EntityRecord) *memEntityStore {
	s := &memEntityStore{db: &stubDB{}, entities: make(map[string]*models.EntityRecord)}
	for _, r := range records {
		s.entities[r.ID] = r.Clone()
	}
	return s
}

func (s *memEntityStore) DB() database.DB { return s.db }

func (s *memEntityStore) GetByID(ctx context.Context, tenantID, id string) (*models.EntityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, httperror.NewHTTPError(http.StatusNotFound, "entity not found")
	}
	return e.Clone(), nil
}

func (s *memEntityStore) GetByIDs(ctx context.Context, tenantID string, ids []string) ([]*models.EntityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.EntityRecord, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.entities[id]; ok {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (s *memEntityStore) GetByIDsForUpdate(ctx context.Context, tenantID string, ids []string) ([]*models.EntityRecord, error) {
	s.mu.Lock()
	s.lockedReads++
	s.mu.Unlock()
	return s.GetByIDs(ctx, tenantID, ids)
}

func (s *memEntityStore) Update(ctx context.Context, entity *models.EntityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	s.entities[entity.ID] = entity.Clone()
	return nil
}

func (s *memEntityStore) get(id string) *models.EntityRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entities[id]
}

// memMatchRow is one persisted match candidate, tracked so tests can observe
// which rows a status transition actually touches.
type memMatchRow struct {
	entityID        string
	matchedEntityID string
	status          string
}

type memMatchStore struct {
	mu      sync.Mutex
	rows    []*memMatchRow
	calls   []string
	lastIDs []string
	err     error
}

func (s *memMatchStore) SetStatusBetween(ctx context.Context, tenantID string, entityIDs []string, fromStatuses []string, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, status)
	s.lastIDs = entityIDs

	in := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		in[id] = struct{}{}
	}
	from := make(map[string]struct{}, len(fromStatuses))
	for _, st := range fromStatuses {
		from[st] = struct{}{}
	}
	for _, row := range s.rows {
		if _, ok := in[row.entityID]; !ok {
			continue
		}
		if _, ok := in[row.matchedEntityID]; !ok {
			continue
		}
		if _, ok := from[row.status]; !ok {
			continue
		}
		row.status = status
	}
	return nil
}

type memClusterStore struct {
	mu       sync.Mutex
	clusters map[string]*models.Cluster
	covering *models.Cluster
	statuses map[string]string
}

func newMemClusterStore(clusters ...*models.Cluster) *memClusterStore {
	s := &memClusterStore{clusters: make(map[string]*models.Cluster), statuses: make(map[string]string)}
	for _, c := range clusters {
		s.clusters[c.ID] = c
	}
	return s
}

func (s *memClusterStore) GetByID(ctx context.Context, tenantID, id string) (*models.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clusters[id]
	if !ok {
		return nil, httperror.NewHTTPError(http.StatusNotFound, "cluster not found")
	}
	return c, nil
}

func (s *memClusterStore) FindCovering(ctx context.Context, tenantID string, entityIDs []string) (*models.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.covering, nil
}

func (s *memClusterStore) SetStatus(ctx context.Context, tenantID, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = status
	if c, ok := s.clusters[id]; ok {
		c.Status = status
	}
	return nil
}

type memHistoryStore struct {
	mu        sync.Mutex
	histories map[string]*models.MergeHistory
	created   int
}

func newMemHistoryStore(histories ...*models.MergeHistory) *memHistoryStore {
	s := &memHistoryStore{histories: make(map[string]*models.MergeHistory)}
	for _, h := range histories {
		s.histories[h.ID] = h
	}
	return s
}

func (s *memHistoryStore) Create(ctx context.Context, history *models.MergeHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created++
	s.histories[history.ID] = history
	return nil
}

func (s *memHistoryStore) GetByID(ctx context.Context, tenantID, id string) (*models.MergeHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.histories[id]
	if !ok {
		return nil, httperror.NewHTTPError(http.StatusNotFound, "merge history not found")
	}
	return h, nil
}

func (s *memHistoryStore) MarkUnmerged(ctx context.Context, tenantID, id, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.histories[id]
	if !ok {
		return httperror.NewHTTPError(http.StatusNotFound, "merge history not found")
	}
	h.Unmerged = true
	h.UnmergedAt = &at
	h.UnmergeReason = &reason
	h.CanUnmerge = false
	return nil
}

type memEmitter struct {
	mu       sync.Mutex
	merged   []string
	unmerged []string
}

func (e *memEmitter) EmitEntityMerged(tenantID, targetID string, sourceIDs []string, historyID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.merged = append(e.merged, historyID)
}

func (e *memEmitter) EmitEntityUnmerged(tenantID, historyID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unmerged = append(e.unmerged, historyID)
}

type executorFixture struct {
	executor  *Executor
	entities  *memEntityStore
	matches   *memMatchStore
	clusters  *memClusterStore
	histories *memHistoryStore
	emitter   *memEmitter
}

func newExecutorFixture(t *testing.T, records ...*models.EntityRecord) *executorFixture {
	t.Helper()
	store, err := settings.NewStore(settings.Default())
	require.NoError(t, err)

	f := &executorFixture{
		entities:  newMemEntityStore(records...),
		matches:   &memMatchStore{},
		clusters:  newMemClusterStore(),
		histories: newMemHistoryStore(),
		emitter:   &memEmitter{},
	}
	f.executor = NewExecutor(logging.NewNop(), store, f.entities, f.matches, f.clusters, f.histories, f.emitter)
	return f
}

func TestMergeEntitiesCommitsAllWrites(t *testing.T) {
	now := time.Now().UTC()
	target := mergeRecord("target", now)
	source := mergeRecord("source", now)
	source.Contacts = []string{"extra@hooli.example"}

	f := newExecutorFixture(t, target, source)

	result, err := f.executor.MergeEntities(context.Background(), "tenant-1", "target", []string{"source"}, models.MergeOptions{})
	require.NoError(t, err)

	assert.NotEmpty(t, result.HistoryID)
	assert.Equal(t, []string{"source"}, result.SourceIDs)

	// The source record flips to merged and points at the survivor.
	mergedSource := f.entities.get("source")
	assert.Equal(t, models.EntityStatusMerged, mergedSource.Status)
	require.NotNil(t, mergedSource.MergedIntoID)
	assert.Equal(t, "target", *mergedSource.MergedIntoID)

	// The survivor absorbed the source's contacts.
	survivor := f.entities.get("target")
	assert.Contains(t, []string(survivor.Contacts), "extra@hooli.example")

	// Open matches between participants are resolved.
	require.Len(t, f.matches.calls, 1)
	assert.Equal(t, models.MatchStatusMerged, f.matches.calls[0])
	assert.ElementsMatch(t, []string{"target", "source"}, f.matches.lastIDs)

	// History carries a restorable snapshot of both participants.
	history, err := f.histories.GetByID(context.Background(), "tenant-1", result.HistoryID)
	require.NoError(t, err)
	assert.True(t, history.CanUnmerge)
	require.Len(t, history.Snapshot.Data, 2)
	for _, rec := range history.Snapshot.Data {
		assert.Equal(t, models.EntityStatusActive, rec.Status)
	}

	assert.True(t, f.entities.db.lastTx(t).committed)
	assert.Equal(t, []string{result.HistoryID}, f.emitter.merged)
}

func TestMergeEntitiesFlipsCoveringCluster(t *testing.T) {
	now := time.Now().UTC()
	f := newExecutorFixture(t, mergeRecord("target", now), mergeRecord("source", now))

	cluster := &models.Cluster{ID: "c1", TenantID: "tenant-1", Status: models.ClusterStatusOpen}
	f.clusters.clusters["c1"] = cluster
	f.clusters.covering = cluster

	result, err := f.executor.MergeEntities(context.Background(), "tenant-1", "target", []string{"source"}, models.MergeOptions{})
	require.NoError(t, err)

	require.NotNil(t, result.ClusterID)
	assert.Equal(t, "c1", *result.ClusterID)
	assert.Equal(t, models.ClusterStatusMerged, f.clusters.statuses["c1"])
}

func TestMergeEntitiesRollsBackOnStoreError(t *testing.T) {
	now := time.Now().UTC()
	f := newExecutorFixture(t, mergeRecord("target", now), mergeRecord("source", now))
	f.matches.err = httperror.NewHTTPError(http.StatusInternalServerError, "boom")

	_, err := f.executor.MergeEntities(context.Background(), "tenant-1", "target", []string{"source"}, models.MergeOptions{})
	require.Error(t, err)

	tx := f.entities.db.lastTx(t)
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBack)
	assert.Zero(t, f.histories.created)
	assert.Empty(t, f.emitter.merged)
}

func TestMergeEntitiesInputValidation(t *testing.T) {
	now := time.Now().UTC()
	f := newExecutorFixture(t, mergeRecord("target", now), mergeRecord("source", now))

	_, err := f.executor.MergeEntities(context.Background(), "tenant-1", "target", []string{"target"}, models.MergeOptions{})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))

	_, err = f.executor.MergeEntities(context.Background(), "tenant-1", "target", nil, models.MergeOptions{})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))

	// No target needs at least two participants to choose a master from.
	_, err = f.executor.MergeEntities(context.Background(), "tenant-1", "", []string{"source"}, models.MergeOptions{})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))

	_, err = f.executor.MergeEntities(context.Background(), "tenant-1", "target", []string{"source"}, models.MergeOptions{Strategy: "coin_flip"})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))
}

func TestMergeEntitiesDeduplicatesSources(t *testing.T) {
	now := time.Now().UTC()
	f := newExecutorFixture(t, mergeRecord("target", now), mergeRecord("source", now))

	result, err := f.executor.MergeEntities(context.Background(), "tenant-1", "target", []string{"source", "source", ""}, models.MergeOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"source"}, result.SourceIDs)
}

func TestMergeEntitiesMissingParticipant(t *testing.T) {
	now := time.Now().UTC()
	f := newExecutorFixture(t, mergeRecord("target", now))

	_, err := f.executor.MergeEntities(context.Background(), "tenant-1", "target", []string{"ghost"}, models.MergeOptions{})
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
}

func TestMergeEntitiesRejectsInactiveParticipant(t *testing.T) {
	now := time.Now().UTC()
	target := mergeRecord("target", now)
	source := mergeRecord("source", now)
	source.Status = models.EntityStatusMerged

	f := newExecutorFixture(t, target, source)

	_, err := f.executor.MergeEntities(context.Background(), "tenant-1", "target", []string{"source"}, models.MergeOptions{})
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, httperror.GetStatusCode(err))
}

func TestMergeEntitiesPicksMasterWhenNoTarget(t *testing.T) {
	now := time.Now().UTC()
	older := mergeRecord("older", now.Add(-48*time.Hour))
	newer := mergeRecord("newer", now)

	f := newExecutorFixture(t, older, newer)

	result, err := f.executor.MergeEntities(context.Background(), "tenant-1", "", []string{"older", "newer"},
		models.MergeOptions{MasterStrategy: models.MasterMostRecent})
	require.NoError(t, err)

	assert.Equal(t, "newer", result.Target.ID)
	assert.Equal(t, []string{"older"}, result.SourceIDs)
	assert.Equal(t, models.EntityStatusMerged, f.entities.get("older").Status)
	assert.Equal(t, models.EntityStatusActive, f.entities.get("newer").Status)
}

func TestMergeEntitiesPreservesSources(t *testing.T) {
	now := time.Now().UTC()
	f := newExecutorFixture(t, mergeRecord("target", now), mergeRecord("source", now))

	_, err := f.executor.MergeEntities(context.Background(), "tenant-1", "target", []string{"source"},
		models.MergeOptions{PreserveSource: true})
	require.NoError(t, err)

	// The source stays active but records what it merged into.
	source := f.entities.get("source")
	assert.Equal(t, models.EntityStatusActive, source.Status)
	require.NotNil(t, source.MergedIntoID)
	assert.Equal(t, "target", *source.MergedIntoID)
}

func TestMergeEntitiesLocksParticipants(t *testing.T) {
	now := time.Now().UTC()
	f := newExecutorFixture(t, mergeRecord("target", now), mergeRecord("source", now))

	_, err := f.executor.MergeEntities(context.Background(), "tenant-1", "target", []string{"source"}, models.MergeOptions{})
	require.NoError(t, err)

	// Participants are read under row locks inside a serializable transaction.
	assert.Equal(t, 1, f.entities.lockedReads)
	tx := f.entities.db.lastTx(t)
	require.NotNil(t, tx.opts)
	assert.Equal(t, sql.LevelSerializable, tx.opts.Isolation)
}

func TestMergeThenUnmergeReopensMatches(t *testing.T) {
	now := time.Now().UTC()
	f := newExecutorFixture(t, mergeRecord("target", now), mergeRecord("source", now))

	between := &memMatchRow{entityID: "target", matchedEntityID: "source", status: models.MatchStatusPending}
	unrelated := &memMatchRow{entityID: "target", matchedEntityID: "other", status: models.MatchStatusPending}
	f.matches.rows = []*memMatchRow{between, unrelated}

	result, err := f.executor.MergeEntities(context.Background(), "tenant-1", "target", []string{"source"}, models.MergeOptions{})
	require.NoError(t, err)

	// Only the pending row between participants closes.
	assert.Equal(t, models.MatchStatusMerged, between.status)
	assert.Equal(t, models.MatchStatusPending, unrelated.status)

	err = f.executor.UnmergeEntities(context.Background(), "tenant-1", result.HistoryID, "wrong pair")
	require.NoError(t, err)

	// The row closed by the merge reopens for review.
	assert.Equal(t, models.MatchStatusPending, between.status)
	assert.Equal(t, models.MatchStatusPending, unrelated.status)
}

func TestMergeClusterPicksHighestQualityMaster(t *testing.T) {
	now := time.Now().UTC()
	weak := mergeRecord("weak", now.Add(-48*time.Hour))
	weak.VendorID = nil
	weak.Value = nil
	weak.Description = ""

	strong := mergeRecord("strong", now)
	strong.ValidationStatus = models.ValidationPassed
	strong.Confidence = 0.95
	strong.CloseDate = &now
	strong.Products = []string{"widgets"}
	strong.Contacts = []string{"a@hooli.example"}
	strong.CreatedAt = now
	strong.UpdatedAt = now

	f := newExecutorFixture(t, weak, strong)
	f.clusters.clusters["c1"] = &models.Cluster{
		ID:        "c1",
		TenantID:  "tenant-1",
		EntityIDs: []string{"weak", "strong"},
		Status:    models.ClusterStatusOpen,
	}

	result, err := f.executor.MergeCluster(context.Background(), "tenant-1", "c1", models.MergeOptions{})
	require.NoError(t, err)

	assert.Equal(t, "strong", result.Target.ID)
	assert.Equal(t, []string{"weak"}, result.SourceIDs)
}

func TestMergeClusterHonorsExplicitTarget(t *testing.T) {
	now := time.Now().UTC()
	f := newExecutorFixture(t, mergeRecord("a", now), mergeRecord("b", now))
	f.clusters.clusters["c1"] = &models.Cluster{
		ID:        "c1",
		TenantID:  "tenant-1",
		EntityIDs: []string{"a", "b"},
		Status:    models.ClusterStatusOpen,
	}

	result, err := f.executor.MergeCluster(context.Background(), "tenant-1", "c1", models.MergeOptions{TargetID: "b"})
	require.NoError(t, err)
	assert.Equal(t, "b", result.Target.ID)

	_, err = f.executor.MergeCluster(context.Background(), "tenant-1", "c1", models.MergeOptions{TargetID: "outsider"})
	require.Error(t, err)
}

func TestMergeClusterRejectsMergedCluster(t *testing.T) {
	now := time.Now().UTC()
	f := newExecutorFixture(t, mergeRecord("a", now), mergeRecord("b", now))
	f.clusters.clusters["c1"] = &models.Cluster{
		ID:        "c1",
		TenantID:  "tenant-1",
		EntityIDs: []string{"a", "b"},
		Status:    models.ClusterStatusMerged,
	}

	_, err := f.executor.MergeCluster(context.Background(), "tenant-1", "c1", models.MergeOptions{})
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, httperror.GetStatusCode(err))
}

func TestUnmergeRestoresSnapshot(t *testing.T) {
	now := time.Now().UTC()
	target := mergeRecord("target", now)
	source := mergeRecord("source", now)
	f := newExecutorFixture(t, target, source)

	result, err := f.executor.MergeEntities(context.Background(), "tenant-1", "target", []string{"source"}, models.MergeOptions{})
	require.NoError(t, err)
	require.Equal(t, models.EntityStatusMerged, f.entities.get("source").Status)

	err = f.executor.UnmergeEntities(context.Background(), "tenant-1", result.HistoryID, "merged in error")
	require.NoError(t, err)

	restored := f.entities.get("source")
	assert.Equal(t, models.EntityStatusActive, restored.Status)
	assert.Nil(t, restored.MergedIntoID)

	history, err := f.histories.GetByID(context.Background(), "tenant-1", result.HistoryID)
	require.NoError(t, err)
	assert.True(t, history.Unmerged)
	assert.False(t, history.CanUnmerge)

	// Matches between participants reopen.
	require.Len(t, f.matches.calls, 2)
	assert.Equal(t, models.MatchStatusPending, f.matches.calls[1])

	assert.Equal(t, []string{result.HistoryID}, f.emitter.unmerged)
}

func TestUnmergeOutsideWindow(t *testing.T) {
	now := time.Now().UTC()
	f := newExecutorFixture(t)
	f.histories.histories["h1"] = &models.MergeHistory{
		ID:             "h1",
		TenantID:       "tenant-1",
		TargetEntityID: "target",
		CanUnmerge:     true,
		CreatedAt:      now.Add(-25 * time.Hour),
	}

	err := f.executor.UnmergeEntities(context.Background(), "tenant-1", "h1", "too late")
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, httperror.GetStatusCode(err))
}

func TestUnmergeOnlyOnce(t *testing.T) {
	now := time.Now().UTC()
	f := newExecutorFixture(t)
	f.histories.histories["h1"] = &models.MergeHistory{
		ID:             "h1",
		TenantID:       "tenant-1",
		TargetEntityID: "target",
		Unmerged:       true,
		CreatedAt:      now,
	}

	err := f.executor.UnmergeEntities(context.Background(), "tenant-1", "h1", "again")
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, httperror.GetStatusCode(err))
}

func TestUnmergeUnknownHistory(t *testing.T) {
	f := newExecutorFixture(t)

	err := f.executor.UnmergeEntities(context.Background(), "tenant-1", "ghost", "missing")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
}

func TestPreviewMergeWritesNothing(t *testing.T) {
	now := time.Now().UTC()
	target := mergeRecord("target", now)
	source := mergeRecord("source", now.Add(time.Hour))
	v := 12500.0
	source.Value = &v

	f := newExecutorFixture(t, target, source)

	preview, err := f.executor.PreviewMerge(context.Background(), "tenant-1", "target", []string{"source"}, models.MergeOptions{})
	require.NoError(t, err)

	require.Len(t, preview.Conflicts, 1)
	assert.Equal(t, models.FieldValue, preview.Conflicts[0].Field)
	assert.NotNil(t, preview.Merged)
	assert.Greater(t, preview.Confidence, 0.0)

	assert.Zero(t, f.entities.updates)
	assert.Zero(t, f.histories.created)
	assert.Empty(t, f.matches.calls)
	assert.Empty(t, f.emitter.merged)
}

func TestPreviewMergeKeepsUnresolvableConflicts(t *testing.T) {
	now := time.Now().UTC()
	target := mergeRecord("target", now)
	source := mergeRecord("source", now)
	v := 12500.0
	source.Value = &v

	f := newExecutorFixture(t, target, source)

	// Manual strategy with no supplied value cannot resolve; the preview
	// surfaces the conflict unresolved instead of failing.
	preview, err := f.executor.PreviewMerge(context.Background(), "tenant-1", "target", []string{"source"}, models.MergeOptions{Strategy: models.ResolveManual})
	require.NoError(t, err)

	require.Len(t, preview.Conflicts, 1)
	assert.Empty(t, preview.Conflicts[0].Resolution)
}
