// Package quality scores how trustworthy an entity record is. Merge master
// selection and merge previews rank participants by this score.
package quality

import (
	"strings"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Component weights of the composite score.
const (
	completenessWeight = 0.4
	confidenceWeight   = 0.3
	validationWeight   = 0.2
	recencyWeight      = 0.1
)

// recencyHorizon is how long a record stays "fresh". Recency decays linearly
// from 1 at the moment of update to 0 at the horizon.
const recencyHorizon = 180 * 24 * time.Hour

// scoredFields is the number of fields completeness is measured over.
const scoredFields = 8

// Score is a quality assessment with its component breakdown.
type Score struct {
	Overall      float64 `json:"overall"`
	Completeness float64 `json:"completeness"`
	Confidence   float64 `json:"confidence"`
	Validation   float64 `json:"validation"`
	Recency      float64 `json:"recency"`
}

// Scorer computes entity quality scores. The zero value is usable; NewScorer
// exists for symmetry with the other engines.
type Scorer struct {
	// now is swappable for tests.
	now func() time.Time
}

func NewScorer() *Scorer {
	return &Scorer{now: time.Now}
}

// Score computes the composite quality of an entity:
// 0.4*completeness^2 + 0.3*confidence + 0.2*validation + 0.1*recency.
// Completeness is squared so missing data is punished superlinearly.
func (s *Scorer) Score(e *models.EntityRecord) Score {
	if e == nil {
		return Score{}
	}

	completeness := s.completeness(e)
	confidence := clamp01(e.Confidence)
	validation := validationScore(e.ValidationStatus)
	recency := s.recency(e.UpdatedAt)

	return Score{
		Overall: completenessWeight*completeness*completeness +
			confidenceWeight*confidence +
			validationWeight*validation +
			recencyWeight*recency,
		Completeness: completeness,
		Confidence:   confidence,
		Validation:   validation,
		Recency:      recency,
	}
}

// completeness is the populated fraction of the scored fields.
func (s *Scorer) completeness(e *models.EntityRecord) float64 {
	populated := 0
	if strings.TrimSpace(e.Name) != "" {
		populated++
	}
	if strings.TrimSpace(e.CounterpartName) != "" {
		populated++
	}
	if e.VendorID != nil && strings.TrimSpace(*e.VendorID) != "" {
		populated++
	}
	if e.Value != nil {
		populated++
	}
	if e.CloseDate != nil && !e.CloseDate.IsZero() {
		populated++
	}
	if hasValues(e.Products) {
		populated++
	}
	if hasValues(e.Contacts) {
		populated++
	}
	if strings.TrimSpace(e.Description) != "" {
		populated++
	}

	return float64(populated) / scoredFields
}

func (s *Scorer) recency(updatedAt time.Time) float64 {
	if updatedAt.IsZero() {
		return 0
	}

	age := s.nowFn().Sub(updatedAt)
	if age <= 0 {
		return 1
	}
	if age >= recencyHorizon {
		return 0
	}

	return 1 - float64(age)/float64(recencyHorizon)
}

func (s *Scorer) nowFn() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

func validationScore(status string) float64 {
	switch status {
	case models.ValidationPassed:
		return 1
	case models.ValidationFailed:
		return 0
	default:
		return 0.5
	}
}

func hasValues(values []string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
