package matching

import (
	"strings"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
)

// Tolerances carries the numeric and date comparison bounds used when scoring
// value and close-date fields.
type Tolerances struct {
	ValuePercent float64
	DateDays     int
}

// Similarity scores two entity records field by field and combines the field
// scores into a weighted overall score.
//
// A field that is absent on both records is excluded entirely; its weight is
// removed from the denominator so sparse records are not punished for data
// neither side has. A field present on exactly one side scores 0 with its
// weight retained.
type Similarity struct {
	scorer *Scorer
}

func NewSimilarity() *Similarity {
	return &Similarity{scorer: NewScorer()}
}

// Score compares a and b under the given weights. Zero-weight fields do not
// participate. Malformed or empty values degrade to a 0 field score; Score
// never fails.
func (s *Similarity) Score(a, b *models.EntityRecord, weights models.Weights, tol Tolerances) models.SimilarityResult {
	result := models.SimilarityResult{
		Factors: make(map[string]float64),
	}
	if a == nil || b == nil {
		return result
	}
	if len(weights) == 0 {
		weights = models.DefaultWeights()
	}

	var weightedSum float64

	for field, weight := range weights {
		if weight <= 0 {
			continue
		}

		score, present := s.compareField(field, a, b, tol)
		if !present {
			continue
		}

		result.Factors[field] = score
		weightedSum += score * weight
		result.EffectiveWeight += weight
	}

	if result.EffectiveWeight > 0 {
		result.Overall = weightedSum / result.EffectiveWeight
	}

	return result
}

// compareField scores one field. The second return is false when the field is
// absent on both records and should not participate.
func (s *Similarity) compareField(field string, a, b *models.EntityRecord, tol Tolerances) (float64, bool) {
	switch field {
	case models.FieldName:
		return s.compareNames(a.Name, b.Name)
	case models.FieldCounterpartName:
		return s.compareNames(a.CounterpartName, b.CounterpartName)
	case models.FieldVendorID:
		av, bv := strPtr(a.VendorID), strPtr(b.VendorID)
		if av == "" && bv == "" {
			return 0, false
		}
		if av == "" || bv == "" {
			return 0, true
		}
		return s.scorer.ExactMatch(strings.TrimSpace(av), strings.TrimSpace(bv), false), true
	case models.FieldValue:
		if a.Value == nil && b.Value == nil {
			return 0, false
		}
		if a.Value == nil || b.Value == nil {
			return 0, true
		}
		return s.scorer.RelativeNumericProximity(*a.Value, *b.Value, tol.ValuePercent), true
	case models.FieldCloseDate:
		ad, bd := datePtr(a.CloseDate), datePtr(b.CloseDate)
		if ad.IsZero() && bd.IsZero() {
			return 0, false
		}
		if ad.IsZero() || bd.IsZero() {
			return 0, true
		}
		return s.scorer.DateProximity(ad, bd, tol.DateDays), true
	case models.FieldProducts:
		return s.compareSets(a.Products, b.Products)
	case models.FieldContacts:
		return s.compareSets(a.Contacts, b.Contacts)
	case models.FieldDescription:
		ad, bd := strings.TrimSpace(a.Description), strings.TrimSpace(b.Description)
		if ad == "" && bd == "" {
			return 0, false
		}
		if ad == "" || bd == "" {
			return 0, true
		}
		return s.scorer.TokenOverlap(ad, bd), true
	default:
		// Unknown weight keys are ignored rather than failing the score.
		return 0, false
	}
}

func (s *Similarity) compareNames(a, b string) (float64, bool) {
	na := normalizers.NormalizeCompanyName(a)
	nb := normalizers.NormalizeCompanyName(b)
	if na == "" && nb == "" {
		return 0, false
	}
	if na == "" || nb == "" {
		return 0, true
	}
	if na == nb {
		return 1.0, true
	}
	return s.scorer.JaroWinkler(na, nb), true
}

func (s *Similarity) compareSets(a, b []string) (float64, bool) {
	if !hasValues(a) && !hasValues(b) {
		return 0, false
	}
	if !hasValues(a) || !hasValues(b) {
		return 0, true
	}
	return s.scorer.SetOverlap(a, b), true
}

func hasValues(values []string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

func strPtr(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

func datePtr(p *time.Time) time.Time {
	if p == nil {
		return time.Time{}
	}
	return *p
}
