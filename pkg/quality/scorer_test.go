package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Ramsey-B/fern/pkg/models"
)

func fixedScorer(now time.Time) *Scorer {
	s := NewScorer()
	s.now = func() time.Time { return now }
	return s
}

func fullRecord(now time.Time) *models.EntityRecord {
	value := 50000.0
	closeDate := now.AddDate(0, 1, 0)
	vendorID := "vendor-1"
	return &models.EntityRecord{
		ID:               "e1",
		Name:             "Acme Renewal",
		CounterpartName:  "Acme Corp",
		Value:            &value,
		CloseDate:        &closeDate,
		VendorID:         &vendorID,
		Products:         []string{"widgets"},
		Contacts:         []string{"jane@acme.com"},
		Description:      "annual renewal",
		Confidence:       1.0,
		ValidationStatus: models.ValidationPassed,
		UpdatedAt:        now,
	}
}

func TestScoreFullyPopulatedRecord(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	s := fixedScorer(now)

	result := s.Score(fullRecord(now))

	// Every component maxes out: 0.4*1 + 0.3*1 + 0.2*1 + 0.1*1 = 1.
	assert.Equal(t, 1.0, result.Completeness)
	assert.Equal(t, 1.0, result.Confidence)
	assert.Equal(t, 1.0, result.Validation)
	assert.Equal(t, 1.0, result.Recency)
	assert.InDelta(t, 1.0, result.Overall, 0.0001)
}

func TestScoreCompletenessIsSquared(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	s := fixedScorer(now)

	// Half populated: name, counterpart, value, products.
	value := 100.0
	e := &models.EntityRecord{
		Name:             "Acme",
		CounterpartName:  "Acme Corp",
		Value:            &value,
		Products:         []string{"widgets"},
		Confidence:       1.0,
		ValidationStatus: models.ValidationPassed,
		UpdatedAt:        now,
	}

	result := s.Score(e)

	assert.Equal(t, 0.5, result.Completeness)
	// 0.4*0.25 + 0.3*1 + 0.2*1 + 0.1*1
	assert.InDelta(t, 0.7, result.Overall, 0.0001)
}

func TestScoreValidationStatuses(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	s := fixedScorer(now)

	e := fullRecord(now)

	e.ValidationStatus = models.ValidationPassed
	assert.Equal(t, 1.0, s.Score(e).Validation)

	e.ValidationStatus = models.ValidationUnvalidated
	assert.Equal(t, 0.5, s.Score(e).Validation)

	e.ValidationStatus = models.ValidationFailed
	assert.Equal(t, 0.0, s.Score(e).Validation)
}

func TestScoreRecencyDecay(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	s := fixedScorer(now)

	e := fullRecord(now)

	// Fresh record.
	e.UpdatedAt = now
	assert.Equal(t, 1.0, s.Score(e).Recency)

	// Halfway to the 180 day horizon.
	e.UpdatedAt = now.Add(-90 * 24 * time.Hour)
	assert.InDelta(t, 0.5, s.Score(e).Recency, 0.0001)

	// Past the horizon.
	e.UpdatedAt = now.Add(-200 * 24 * time.Hour)
	assert.Equal(t, 0.0, s.Score(e).Recency)

	// Never updated.
	e.UpdatedAt = time.Time{}
	assert.Equal(t, 0.0, s.Score(e).Recency)
}

func TestScoreClampsConfidence(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	s := fixedScorer(now)

	e := fullRecord(now)
	e.Confidence = 1.7
	assert.Equal(t, 1.0, s.Score(e).Confidence)

	e.Confidence = -0.3
	assert.Equal(t, 0.0, s.Score(e).Confidence)
}

func TestScoreNilRecord(t *testing.T) {
	s := NewScorer()
	assert.Equal(t, Score{}, s.Score(nil))
}
