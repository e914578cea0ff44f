package matching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExactMatch(t *testing.T) {
	s := NewScorer()

	assert.Equal(t, 1.0, s.ExactMatch("Acme", "acme", false))
	assert.Equal(t, 0.0, s.ExactMatch("Acme", "acme", true))
	assert.Equal(t, 1.0, s.ExactMatch("Acme", "Acme", true))
	assert.Equal(t, 0.0, s.ExactMatch("Acme", "Globex", false))
}

func TestJaroWinkler(t *testing.T) {
	s := NewScorer()

	assert.Equal(t, 1.0, s.JaroWinkler("martha", "martha"))
	assert.Equal(t, 0.0, s.JaroWinkler("abc", "xyz"))

	// Classic worked example: jaro(martha, marhta) = 0.944..., common
	// prefix "mar" boosts it to ~0.961.
	score := s.JaroWinkler("martha", "marhta")
	assert.InDelta(t, 0.961, score, 0.001)

	// Similar strings score above dissimilar ones.
	assert.Greater(t, s.JaroWinkler("acme corp", "acme corp."), s.JaroWinkler("acme corp", "initech"))
}

func TestJaro(t *testing.T) {
	s := NewScorer()

	assert.InDelta(t, 0.944, s.Jaro("martha", "marhta"), 0.001)
	assert.InDelta(t, 0.767, s.Jaro("dixon", "dicksonx"), 0.001)
	assert.Equal(t, 0.0, s.Jaro("", "abc"))
	assert.Equal(t, 1.0, s.Jaro("", ""))
}

func TestLevenshtein(t *testing.T) {
	s := NewScorer()

	assert.Equal(t, 0, s.LevenshteinDistance("same", "same"))
	assert.Equal(t, 3, s.LevenshteinDistance("kitten", "sitting"))
	assert.Equal(t, 5, s.LevenshteinDistance("", "hello"))

	// Similarity normalizes by the longer string.
	assert.InDelta(t, 1.0-3.0/7.0, s.Levenshtein("kitten", "sitting"), 0.0001)
	assert.Equal(t, 1.0, s.Levenshtein("", ""))
}

func TestSoundex(t *testing.T) {
	s := NewScorer()

	assert.Equal(t, "R163", s.Soundex("Robert"))
	assert.Equal(t, "R163", s.Soundex("Rupert"))
	assert.Equal(t, 1.0, s.SoundexMatch("Robert", "Rupert"))
	assert.Equal(t, 0.0, s.SoundexMatch("Robert", "Smith"))
}

func TestMetaphoneMatch(t *testing.T) {
	s := NewScorer()

	assert.Equal(t, 1.0, s.MetaphoneMatch("Smith", "Smyth"))
	assert.Equal(t, 0.0, s.MetaphoneMatch("Smith", "Jones"))
}

func TestDateProximity(t *testing.T) {
	s := NewScorer()
	base := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 1.0, s.DateProximity(base, base, 7))
	// Anywhere inside the tolerance window scores 1.0.
	assert.Equal(t, 1.0, s.DateProximity(base, base.Add(3*24*time.Hour+12*time.Hour), 7))
	// 10 days with a 7-day tolerance decays to 1 - 3/7.
	assert.InDelta(t, 0.5714, s.DateProximity(base, base.AddDate(0, 0, 10), 7), 0.0001)
	// Twice the tolerance and beyond scores 0.
	assert.Equal(t, 0.0, s.DateProximity(base, base.AddDate(0, 0, 14), 7))
	assert.Equal(t, 0.0, s.DateProximity(time.Time{}, base, 7))
}

func TestRelativeNumericProximity(t *testing.T) {
	s := NewScorer()

	assert.Equal(t, 1.0, s.RelativeNumericProximity(1000, 1000, 10))
	// Anywhere inside the tolerance band scores 1.0.
	assert.Equal(t, 1.0, s.RelativeNumericProximity(50000, 52000, 10))
	assert.Equal(t, 1.0, s.RelativeNumericProximity(1000, 950, 10))
	// 25% apart with 10% tolerance decays to 0.75/0.90.
	assert.InDelta(t, 0.8333, s.RelativeNumericProximity(1000, 800, 10), 0.0001)
	// A full 100% apart scores 0.
	assert.Equal(t, 0.0, s.RelativeNumericProximity(50000, 100000, 10))
	assert.Equal(t, 1.0, s.RelativeNumericProximity(0, 0, 10))
	assert.Equal(t, 0.0, s.RelativeNumericProximity(0, 100, 10))
}

func TestSetOverlap(t *testing.T) {
	s := NewScorer()

	assert.Equal(t, 1.0, s.SetOverlap([]string{"a", "b"}, []string{"B", "A"}))
	assert.Equal(t, 0.5, s.SetOverlap([]string{"a", "b", "c"}, []string{"a", "b", "d"}))
	assert.Equal(t, 0.0, s.SetOverlap([]string{"a"}, []string{"b"}))
	assert.Equal(t, 0.0, s.SetOverlap(nil, nil))
	// Duplicates inside a set are ignored.
	assert.Equal(t, 1.0, s.SetOverlap([]string{"a", "a"}, []string{"a"}))
}

func TestTokenOverlap(t *testing.T) {
	s := NewScorer()

	assert.Equal(t, 1.0, s.TokenOverlap("annual license renewal", "renewal license annual"))
	assert.InDelta(t, 1.0/3.0, s.TokenOverlap("annual license", "annual contract"), 0.0001)
	assert.Equal(t, 0.0, s.TokenOverlap("", ""))
}

func TestWeightedScore(t *testing.T) {
	s := NewScorer()

	scores := map[string]float64{"name": 1.0, "value": 0.5}
	weights := map[string]float64{"name": 3, "value": 1}
	assert.InDelta(t, (3.0+0.5)/4.0, s.WeightedScore(scores, weights), 0.0001)

	// Missing weights default to 1.
	assert.InDelta(t, 0.75, s.WeightedScore(scores, nil), 0.0001)
	assert.Equal(t, 0.0, s.WeightedScore(nil, nil))
}
