package merging

import (
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func mergeRecord(id string, updated time.Time) *models.EntityRecord {
	value := 10000.0
	vendorID := "vendor-1"
	return &models.EntityRecord{
		ID:               id,
		TenantID:         "tenant-1",
		EntityType:       models.EntityTypeDeal,
		Name:             "Hooli Renewal",
		CounterpartName:  "Hooli",
		VendorID:         &vendorID,
		Value:            &value,
		Description:      "yearly renewal",
		Confidence:       0.5,
		ValidationStatus: models.ValidationUnvalidated,
		Status:           models.EntityStatusActive,
		UpdatedAt:        updated,
	}
}

func TestDetectConflictsNoConflictWhenValuesAgree(t *testing.T) {
	r := NewResolver()
	now := time.Now().UTC()

	conflicts := r.DetectConflicts([]*models.EntityRecord{
		mergeRecord("e1", now),
		mergeRecord("e2", now),
	})

	assert.Empty(t, conflicts)
}

func TestDetectConflictsMissingValueIsNotAConflict(t *testing.T) {
	r := NewResolver()
	now := time.Now().UTC()

	a := mergeRecord("e1", now)
	b := mergeRecord("e2", now)
	b.Value = nil
	b.Description = "  "

	conflicts := r.DetectConflicts([]*models.EntityRecord{a, b})

	assert.Empty(t, conflicts)
}

func TestDetectConflictsTwoDistinctValues(t *testing.T) {
	r := NewResolver()
	now := time.Now().UTC()

	a := mergeRecord("e1", now)
	b := mergeRecord("e2", now.Add(time.Hour))
	v := 12000.0
	b.Value = &v

	conflicts := r.DetectConflicts([]*models.EntityRecord{a, b})

	require.Len(t, conflicts, 1)
	assert.Equal(t, models.FieldValue, conflicts[0].Field)
	assert.Equal(t, 2, conflicts[0].Distinct)
	assert.False(t, conflicts[0].RequiresManualReview)
	assert.Len(t, conflicts[0].Values, 2)
}

func TestDetectConflictsThreeDistinctValuesRequireReview(t *testing.T) {
	r := NewResolver()
	now := time.Now().UTC()

	a := mergeRecord("e1", now)
	b := mergeRecord("e2", now)
	c := mergeRecord("e3", now)
	b.Name = "Hooli Renewal 2026"
	c.Name = "Hooli Annual Contract"

	conflicts := r.DetectConflicts([]*models.EntityRecord{a, b, c})

	require.Len(t, conflicts, 1)
	assert.Equal(t, models.FieldName, conflicts[0].Field)
	assert.Equal(t, 3, conflicts[0].Distinct)
	assert.True(t, conflicts[0].RequiresManualReview)
}

func TestDetectConflictsSuggestionPrefersValidated(t *testing.T) {
	r := NewResolver()
	now := time.Now().UTC()

	validated := mergeRecord("e1", now)
	validated.ValidationStatus = models.ValidationPassed
	validated.Name = "Hooli Renewal"

	confident := mergeRecord("e2", now.Add(time.Hour))
	confident.Confidence = 0.95
	confident.Name = "Hooli Renewal 2026"

	conflicts := r.DetectConflicts([]*models.EntityRecord{validated, confident})

	require.Len(t, conflicts, 1)
	assert.Equal(t, "e1", conflicts[0].SuggestedSource)
	assert.Equal(t, "Hooli Renewal", conflicts[0].SuggestedValue)
}

func TestDetectConflictsSuggestionFallsBackToConfidence(t *testing.T) {
	r := NewResolver()
	now := time.Now().UTC()

	confident := mergeRecord("e1", now)
	confident.Confidence = 0.9
	confident.Name = "Hooli Renewal"

	recent := mergeRecord("e2", now.Add(time.Hour))
	recent.Confidence = 0.2
	recent.Name = "Hooli Renewal 2026"

	conflicts := r.DetectConflicts([]*models.EntityRecord{confident, recent})

	require.Len(t, conflicts, 1)
	assert.Equal(t, "e1", conflicts[0].SuggestedSource)
}

func TestDetectConflictsSuggestionFallsBackToMostRecent(t *testing.T) {
	r := NewResolver()
	now := time.Now().UTC()

	older := mergeRecord("e1", now)
	older.Name = "Hooli Renewal"

	newer := mergeRecord("e2", now.Add(time.Hour))
	newer.Name = "Hooli Renewal 2026"

	conflicts := r.DetectConflicts([]*models.EntityRecord{older, newer})

	require.Len(t, conflicts, 1)
	assert.Equal(t, "e2", conflicts[0].SuggestedSource)
	assert.Equal(t, "Hooli Renewal 2026", conflicts[0].SuggestedValue)
}

func conflictFixture() models.FieldConflict {
	now := time.Now().UTC()
	return models.FieldConflict{
		Field: models.FieldName,
		Values: []models.ConflictValue{
			{EntityID: "target", Value: "Target Name", UpdatedAt: now},
			{EntityID: "source", Value: "Source Name", UpdatedAt: now.Add(time.Hour)},
		},
		Distinct:       2,
		SuggestedValue: "Source Name",
	}
}

func TestResolvePreferTarget(t *testing.T) {
	r := NewResolver()

	resolved, err := r.Resolve(conflictFixture(), models.ResolvePreferTarget, "target", nil)
	require.NoError(t, err)

	assert.Equal(t, models.ResolvePreferTarget, resolved.Resolution)
	assert.Equal(t, "Target Name", resolved.ResolvedValue)
}

func TestResolvePreferSource(t *testing.T) {
	r := NewResolver()

	resolved, err := r.Resolve(conflictFixture(), models.ResolvePreferSource, "target", nil)
	require.NoError(t, err)

	assert.Equal(t, "Source Name", resolved.ResolvedValue)
}

func TestResolvePreferComplete(t *testing.T) {
	r := NewResolver()

	conflict := conflictFixture()
	conflict.Values[1].Value = "Source Name With More Detail"

	resolved, err := r.Resolve(conflict, models.ResolvePreferComplete, "target", nil)
	require.NoError(t, err)

	assert.Equal(t, "Source Name With More Detail", resolved.ResolvedValue)
}

func TestResolvePreferValidated(t *testing.T) {
	r := NewResolver()

	conflict := conflictFixture()
	conflict.Values[0].ValidationStatus = models.ValidationPassed

	resolved, err := r.Resolve(conflict, models.ResolvePreferValidated, "target", nil)
	require.NoError(t, err)

	assert.Equal(t, "Target Name", resolved.ResolvedValue)
}

func TestResolvePreferValidatedFallsBackToSuggestion(t *testing.T) {
	r := NewResolver()

	resolved, err := r.Resolve(conflictFixture(), models.ResolvePreferValidated, "target", nil)
	require.NoError(t, err)

	assert.Equal(t, "Source Name", resolved.ResolvedValue)
}

func TestResolveManualWithoutValueStaysUnresolved(t *testing.T) {
	r := NewResolver()

	resolved, err := r.Resolve(conflictFixture(), models.ResolveManual, "target", nil)
	require.NoError(t, err)
	assert.Empty(t, resolved.Resolution)
	assert.Nil(t, resolved.ResolvedValue)

	resolved, err = r.Resolve(conflictFixture(), models.ResolveManual, "target", "Chosen Name")
	require.NoError(t, err)
	assert.Equal(t, models.ResolveManual, resolved.Resolution)
	assert.Equal(t, "Chosen Name", resolved.ResolvedValue)
}

func TestResolveMergeArraysRejectedForScalars(t *testing.T) {
	r := NewResolver()

	_, err := r.Resolve(conflictFixture(), models.ResolveMergeArrays, "target", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))
}

func TestResolveUnknownStrategyFallsBackToSuggestion(t *testing.T) {
	r := NewResolver()

	resolved, err := r.Resolve(conflictFixture(), "coin_flip", "target", nil)
	require.NoError(t, err)
	assert.Equal(t, "Source Name", resolved.ResolvedValue)
}

func TestApplyMergeSkipsUnresolvedConflicts(t *testing.T) {
	r := NewResolver()
	now := time.Now().UTC()

	target := &models.EntityRecord{ID: "target", Name: "Target Name", UpdatedAt: now}
	source := &models.EntityRecord{ID: "source", Name: "Source Name", UpdatedAt: now}

	// A conflict with no resolution leaves the target's value in place.
	unresolved := models.FieldConflict{Field: models.FieldName, Distinct: 2}

	merged, err := r.ApplyMerge(target, []*models.EntityRecord{source}, []models.FieldConflict{unresolved})
	require.NoError(t, err)

	assert.Equal(t, "Target Name", merged.Name)
}

func TestResolveDefaultsToPreferComplete(t *testing.T) {
	r := NewResolver()

	conflict := conflictFixture()
	conflict.Values[1].Value = "Source Name With More Detail"

	resolved, err := r.Resolve(conflict, "", "target", nil)
	require.NoError(t, err)

	assert.Equal(t, models.ResolvePreferComplete, resolved.Resolution)
	assert.Equal(t, "Source Name With More Detail", resolved.ResolvedValue)
}

func TestApplyMergeFillsGapsAndUnionsArrays(t *testing.T) {
	r := NewResolver()
	now := time.Now().UTC()

	target := mergeRecord("target", now)
	target.VendorID = nil
	target.Products = []string{"widgets"}
	target.Contacts = []string{"a@hooli.example"}
	target.SourceFileIDs = []string{"file-1"}

	source := mergeRecord("source", now)
	source.Products = []string{"Widgets", "support"}
	source.Contacts = []string{"b@hooli.example"}
	source.SourceFileIDs = []string{"file-2"}
	source.Confidence = 0.9

	merged, err := r.ApplyMerge(target, []*models.EntityRecord{source}, nil)
	require.NoError(t, err)

	// Vendor gap filled from the source; no conflict since the target had none.
	require.NotNil(t, merged.VendorID)
	assert.Equal(t, "vendor-1", *merged.VendorID)

	// Arrays union case-insensitively, first spelling wins.
	assert.Equal(t, []string{"widgets", "support"}, []string(merged.Products))
	assert.ElementsMatch(t, []string{"a@hooli.example", "b@hooli.example"}, []string(merged.Contacts))
	assert.ElementsMatch(t, []string{"file-1", "file-2"}, []string(merged.SourceFileIDs))

	// Confidence rises to the best participant.
	assert.Equal(t, 0.9, merged.Confidence)
}

func TestApplyMergeAppliesResolvedConflicts(t *testing.T) {
	r := NewResolver()
	now := time.Now().UTC()

	target := mergeRecord("target", now)
	source := mergeRecord("source", now)
	v := 15000.0
	source.Value = &v

	conflict := models.FieldConflict{
		Field:         models.FieldValue,
		Resolution:    models.ResolveManual,
		ResolvedValue: 13500.0,
	}

	merged, err := r.ApplyMerge(target, []*models.EntityRecord{source}, []models.FieldConflict{conflict})
	require.NoError(t, err)

	require.NotNil(t, merged.Value)
	assert.Equal(t, 13500.0, *merged.Value)
}

func TestApplyMergeRejectsBadResolvedType(t *testing.T) {
	r := NewResolver()
	now := time.Now().UTC()

	target := mergeRecord("target", now)

	conflict := models.FieldConflict{
		Field:         models.FieldValue,
		ResolvedValue: "not a number",
	}

	_, err := r.ApplyMerge(target, nil, []models.FieldConflict{conflict})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))
}
