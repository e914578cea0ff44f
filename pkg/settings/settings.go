// Package settings holds the runtime-tunable resolution thresholds. Readers
// take one immutable snapshot per operation; updates swap the whole snapshot
// atomically so no operation ever observes a half-applied change.
package settings

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Snapshot is one immutable view of the resolution settings. Treat every
// field as read-only; to change anything, build a new snapshot via Swap.
type Snapshot struct {
	AutoMergeThreshold    float64        `json:"auto_merge_threshold" validate:"gt=0,lte=1"`
	HighConfidence        float64        `json:"high_confidence" validate:"gt=0,lte=1,ltefield=AutoMergeThreshold"`
	MinimumMatch          float64        `json:"minimum_match" validate:"gt=0,lte=1,ltefield=HighConfidence"`
	FuzzyNameThreshold    float64        `json:"fuzzy_name_threshold" validate:"gt=0,lte=1"`
	ClusterThreshold      float64        `json:"cluster_threshold" validate:"gt=0,lte=1"`
	ValueTolerancePercent float64        `json:"value_tolerance_percent" validate:"gte=0,lte=100"`
	DateToleranceDays     int            `json:"date_tolerance_days" validate:"gte=0"`
	UnmergeWindow         time.Duration  `json:"unmerge_window" validate:"gt=0"`
	BatchSize             int            `json:"batch_size" validate:"gt=0"`
	DetectWorkers         int            `json:"detect_workers" validate:"gt=0"`
	ScoreWorkers          int            `json:"score_workers" validate:"gt=0"`
	Weights               models.Weights `json:"weights" validate:"required"`
}

// Default returns the standard settings snapshot.
func Default() Snapshot {
	return Snapshot{
		AutoMergeThreshold:    0.95,
		HighConfidence:        0.85,
		MinimumMatch:          0.5,
		FuzzyNameThreshold:    0.85,
		ClusterThreshold:      0.8,
		ValueTolerancePercent: 10,
		DateToleranceDays:     7,
		UnmergeWindow:         24 * time.Hour,
		BatchSize:             100,
		DetectWorkers:         4,
		ScoreWorkers:          4,
		Weights:               models.DefaultWeights(),
	}
}

// FromConfig seeds a snapshot from the service configuration.
func FromConfig(cfg *config.Config) Snapshot {
	s := Default()
	s.AutoMergeThreshold = cfg.AutoMergeThreshold
	s.HighConfidence = cfg.HighConfidence
	s.MinimumMatch = cfg.MinimumMatch
	s.FuzzyNameThreshold = cfg.FuzzyNameThreshold
	s.ClusterThreshold = cfg.ClusterThreshold
	s.ValueTolerancePercent = cfg.ValueTolerancePercent
	s.DateToleranceDays = cfg.DateToleranceDays
	s.UnmergeWindow = time.Duration(cfg.UnmergeWindowHours) * time.Hour
	s.BatchSize = cfg.MatchBatchSize
	s.DetectWorkers = cfg.DetectWorkerCount
	s.ScoreWorkers = cfg.ScoreWorkerCount
	return s
}

// Store publishes the current snapshot to all engines.
type Store struct {
	current  atomic.Pointer[Snapshot]
	validate *validator.Validate
}

// NewStore creates a store seeded with the given snapshot.
func NewStore(initial Snapshot) (*Store, error) {
	s := &Store{
		validate: validator.New(),
	}
	if err := s.validateSnapshot(&initial); err != nil {
		return nil, err
	}
	s.current.Store(&initial)
	return s, nil
}

// Load returns the current snapshot. The returned pointer must be treated as
// immutable.
func (s *Store) Load() *Snapshot {
	return s.current.Load()
}

// Swap applies fn to a copy of the current snapshot and installs the result
// if it validates. Concurrent readers keep the snapshot they already loaded.
func (s *Store) Swap(fn func(Snapshot) Snapshot) error {
	next := fn(*s.current.Load())

	if err := s.validateSnapshot(&next); err != nil {
		return err
	}

	s.current.Store(&next)
	return nil
}

func (s *Store) validateSnapshot(snap *Snapshot) error {
	if err := s.validate.Struct(snap); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	var total float64
	for field, w := range snap.Weights {
		if w < 0 {
			return fmt.Errorf("invalid settings: negative weight for %s", field)
		}
		total += w
	}
	if total <= 0 {
		return fmt.Errorf("invalid settings: weights sum to zero")
	}

	return nil
}
