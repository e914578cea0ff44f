// Package merging implements field-level conflict handling and transactional
// entity merges.
package merging

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

// confidentSource is the confidence at which an unvalidated source is still
// trusted for conflict suggestions.
const confidentSource = 0.85

// scalarFields are the fields that can conflict. Array fields union instead.
var scalarFields = []string{
	models.FieldName,
	models.FieldCounterpartName,
	models.FieldVendorID,
	models.FieldValue,
	models.FieldCloseDate,
	models.FieldDescription,
}

// Resolver detects and resolves field-level conflicts between merge
// participants.
type Resolver struct{}

func NewResolver() *Resolver {
	return &Resolver{}
}

// DetectConflicts inspects every mergeable scalar field across the given
// entities. A field conflicts when two or more distinct meaningful values
// exist; more than two distinct values flags the conflict for manual review.
// Array fields never conflict.
func (r *Resolver) DetectConflicts(entities []*models.EntityRecord) []models.FieldConflict {
	conflicts := make([]models.FieldConflict, 0)

	for _, field := range scalarFields {
		values := make([]models.ConflictValue, 0, len(entities))
		distinct := make(map[string]struct{})

		for _, e := range entities {
			if e == nil {
				continue
			}
			value, ok := fieldValueOf(e, field)
			if !ok {
				continue
			}
			values = append(values, models.ConflictValue{
				EntityID:         e.ID,
				Value:            value,
				Confidence:       e.Confidence,
				ValidationStatus: e.ValidationStatus,
				UpdatedAt:        e.UpdatedAt,
			})
			distinct[stringify(value)] = struct{}{}
		}

		if len(distinct) < 2 {
			continue
		}

		conflict := models.FieldConflict{
			Field:                field,
			Values:               values,
			Distinct:             len(distinct),
			RequiresManualReview: len(distinct) > 2,
		}
		conflict.SuggestedValue, conflict.SuggestedSource = suggest(values)
		conflicts = append(conflicts, conflict)
	}

	return conflicts
}

// Resolve settles one conflict under the given strategy and returns the
// conflict with Resolution and ResolvedValue populated. Manual resolution
// without a supplied value leaves the conflict unresolved; an unrecognized
// strategy falls back to the suggested value.
func (r *Resolver) Resolve(conflict models.FieldConflict, strategy, targetID string, manual any) (models.FieldConflict, error) {
	if strategy == "" {
		strategy = models.ResolvePreferComplete
	}

	var resolved any
	switch strategy {
	case models.ResolvePreferTarget:
		resolved = valueFrom(conflict.Values, targetID)
		if resolved == nil {
			resolved = conflict.SuggestedValue
		}
	case models.ResolvePreferSource:
		resolved = mostRecentExcept(conflict.Values, targetID)
		if resolved == nil {
			resolved = conflict.SuggestedValue
		}
	case models.ResolvePreferComplete:
		resolved = mostComplete(conflict.Values)
	case models.ResolvePreferValidated:
		resolved = latestValidated(conflict.Values)
		if resolved == nil {
			resolved = conflict.SuggestedValue
		}
	case models.ResolveMergeArrays:
		return conflict, httperror.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("merge_arrays cannot resolve scalar field %s", conflict.Field))
	case models.ResolveManual:
		if manual == nil {
			return conflict, nil
		}
		resolved = manual
	default:
		resolved = conflict.SuggestedValue
	}

	conflict.Resolution = strategy
	conflict.ResolvedValue = resolved
	return conflict, nil
}

// ApplyMerge produces the merged record: the target's clone with resolved
// conflict values applied, unconflicted gaps filled from sources, arrays and
// extensions unioned, and provenance combined.
func (r *Resolver) ApplyMerge(target *models.EntityRecord, sources []*models.EntityRecord, resolved []models.FieldConflict) (*models.EntityRecord, error) {
	merged := target.Clone()

	resolvedByField := make(map[string]models.FieldConflict, len(resolved))
	for _, c := range resolved {
		resolvedByField[c.Field] = c
	}

	participants := append([]*models.EntityRecord{target}, sources...)

	for _, field := range scalarFields {
		if conflict, ok := resolvedByField[field]; ok {
			// An unresolved conflict leaves the target's value untouched.
			if conflict.Resolution == "" {
				continue
			}
			if err := setFieldValue(merged, field, conflict.ResolvedValue); err != nil {
				return nil, err
			}
			continue
		}

		// No conflict: at most one distinct meaningful value exists, so fill
		// the field if the target is missing it.
		if _, present := fieldValueOf(merged, field); present {
			continue
		}
		for _, p := range participants {
			if value, ok := fieldValueOf(p, field); ok {
				if err := setFieldValue(merged, field, value); err != nil {
					return nil, err
				}
				break
			}
		}
	}

	merged.Products = unionStrings(collect(participants, func(e *models.EntityRecord) []string { return e.Products }))
	merged.Contacts = unionStrings(collect(participants, func(e *models.EntityRecord) []string { return e.Contacts }))
	merged.SourceFileIDs = unionStrings(collect(participants, func(e *models.EntityRecord) []string { return e.SourceFileIDs }))

	extensions := make(map[string]any)
	for i := len(participants) - 1; i >= 0; i-- {
		for k, v := range participants[i].Extensions.Data {
			extensions[k] = v
		}
	}
	if len(extensions) > 0 {
		merged.Extensions = database.NewJSONB(extensions)
	}

	if merged.Confidence < highestConfidence(participants) {
		merged.Confidence = highestConfidence(participants)
	}

	return merged, nil
}

// suggest picks the value a reviewer would most likely accept: a validated
// source first, then any source confident enough, then the most recent.
func suggest(values []models.ConflictValue) (any, string) {
	if v := pickLatest(values, func(fv models.ConflictValue) bool {
		return fv.ValidationStatus == models.ValidationPassed
	}); v != nil {
		return v.Value, v.EntityID
	}

	if v := pickLatest(values, func(fv models.ConflictValue) bool {
		return fv.Confidence >= confidentSource
	}); v != nil {
		return v.Value, v.EntityID
	}

	if v := pickLatest(values, func(models.ConflictValue) bool { return true }); v != nil {
		return v.Value, v.EntityID
	}

	return nil, ""
}

func pickLatest(values []models.ConflictValue, accept func(models.ConflictValue) bool) *models.ConflictValue {
	var best *models.ConflictValue
	for i := range values {
		if !accept(values[i]) {
			continue
		}
		if best == nil || values[i].UpdatedAt.After(best.UpdatedAt) {
			best = &values[i]
		}
	}
	return best
}

func valueFrom(values []models.ConflictValue, entityID string) any {
	for _, v := range values {
		if v.EntityID == entityID {
			return v.Value
		}
	}
	return nil
}

func mostRecentExcept(values []models.ConflictValue, entityID string) any {
	if v := pickLatest(values, func(fv models.ConflictValue) bool { return fv.EntityID != entityID }); v != nil {
		return v.Value
	}
	return nil
}

func mostComplete(values []models.ConflictValue) any {
	var best any
	bestLen := -1
	for _, v := range values {
		l := len(stringify(v.Value))
		if l > bestLen {
			best = v.Value
			bestLen = l
		}
	}
	return best
}

func latestValidated(values []models.ConflictValue) any {
	if v := pickLatest(values, func(fv models.ConflictValue) bool {
		return fv.ValidationStatus == models.ValidationPassed
	}); v != nil {
		return v.Value
	}
	return nil
}

// fieldValueOf returns the meaningful value of a scalar field, or false when
// the field is empty on this entity.
func fieldValueOf(e *models.EntityRecord, field string) (any, bool) {
	switch field {
	case models.FieldName:
		if v := strings.TrimSpace(e.Name); v != "" {
			return v, true
		}
	case models.FieldCounterpartName:
		if v := strings.TrimSpace(e.CounterpartName); v != "" {
			return v, true
		}
	case models.FieldVendorID:
		if e.VendorID != nil {
			if v := strings.TrimSpace(*e.VendorID); v != "" {
				return v, true
			}
		}
	case models.FieldValue:
		if e.Value != nil {
			return *e.Value, true
		}
	case models.FieldCloseDate:
		if e.CloseDate != nil && !e.CloseDate.IsZero() {
			return *e.CloseDate, true
		}
	case models.FieldDescription:
		if v := strings.TrimSpace(e.Description); v != "" {
			return v, true
		}
	}
	return nil, false
}

// setFieldValue writes a resolved value back onto the record, coercing the
// loose types that survive JSON round trips.
func setFieldValue(e *models.EntityRecord, field string, value any) error {
	switch field {
	case models.FieldName:
		s, err := toString(value)
		if err != nil {
			return badValue(field, err)
		}
		e.Name = s
	case models.FieldCounterpartName:
		s, err := toString(value)
		if err != nil {
			return badValue(field, err)
		}
		e.CounterpartName = s
	case models.FieldDescription:
		s, err := toString(value)
		if err != nil {
			return badValue(field, err)
		}
		e.Description = s
	case models.FieldVendorID:
		s, err := toString(value)
		if err != nil {
			return badValue(field, err)
		}
		e.VendorID = &s
	case models.FieldValue:
		n, err := toNumber(value)
		if err != nil {
			return badValue(field, err)
		}
		e.Value = &n
	case models.FieldCloseDate:
		t, err := toTime(value)
		if err != nil {
			return badValue(field, err)
		}
		e.CloseDate = &t
	default:
		return httperror.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown field %q", field))
	}
	return nil
}

func badValue(field string, err error) error {
	return httperror.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid value for field %s: %v", field, err))
}

func toString(value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", value)
	}
	return s, nil
}

func toNumber(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", value)
	}
}

func toTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, err
		}
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("expected time, got %T", value)
	}
}

func stringify(value any) string {
	if t, ok := value.(time.Time); ok {
		return t.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%v", value)
}

func collect(entities []*models.EntityRecord, get func(*models.EntityRecord) []string) [][]string {
	out := make([][]string, 0, len(entities))
	for _, e := range entities {
		out = append(out, get(e))
	}
	return out
}

// unionStrings merges string slices preserving first-seen order.
func unionStrings(groups [][]string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, group := range groups {
		for _, v := range group {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			key := strings.ToLower(v)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func highestConfidence(entities []*models.EntityRecord) float64 {
	best := 0.0
	for _, e := range entities {
		if e.Confidence > best {
			best = e.Confidence
		}
	}
	return best
}
