package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// EventType defines the type of event
type EventType string

const (
	EventTypeDuplicateFound    EventType = "entity.duplicate.found"
	EventTypeEntityMerged      EventType = "entity.merged"
	EventTypeEntityUnmerged    EventType = "entity.unmerged"
	EventTypeClusterCreated    EventType = "entity.cluster.created"
	EventTypeAutoMergeComplete EventType = "automerge.completed"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventType     EventType `json:"event_type"`
	SchemaVersion string    `json:"schema_version"`
	TenantID      string    `json:"tenant_id"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
}

// DuplicateFoundEvent is emitted when detection records a potential duplicate
type DuplicateFoundEvent struct {
	BaseEvent
	EntityID        string  `json:"entity_id"`
	DuplicateID     string  `json:"duplicate_id"`
	Strategy        string  `json:"strategy"`
	Score           float64 `json:"score"`
	SuggestedAction string  `json:"suggested_action"`
}

// EntityMergedEvent is emitted after a merge transaction commits
type EntityMergedEvent struct {
	BaseEvent
	TargetID       string   `json:"target_id"`
	SourceEntities []string `json:"source_entities"`
	HistoryID      string   `json:"history_id"`
}

// EntityUnmergedEvent is emitted after a merge is rolled back
type EntityUnmergedEvent struct {
	BaseEvent
	HistoryID string `json:"history_id"`
}

// ClusterCreatedEvent is emitted when cluster building stores a cluster
type ClusterCreatedEvent struct {
	BaseEvent
	ClusterID  string   `json:"cluster_id"`
	ClusterKey string   `json:"cluster_key"`
	EntityIDs  []string `json:"entity_ids"`
	Confidence float64  `json:"confidence"`
}

// AutoMergeCompletedEvent summarizes one auto-merge run
type AutoMergeCompletedEvent struct {
	BaseEvent
	Considered int  `json:"considered"`
	Eligible   int  `json:"eligible"`
	Merged     int  `json:"merged"`
	Failed     int  `json:"failed"`
	DryRun     bool `json:"dry_run"`
}

// NewBaseEvent creates a base event with common fields
func NewBaseEvent(eventType EventType, tenantID string) BaseEvent {
	return BaseEvent{
		EventType:     eventType,
		SchemaVersion: SchemaVersion,
		TenantID:      tenantID,
		Timestamp:     time.Now().UTC(),
		CorrelationID: uuid.New().String(),
	}
}

func newDuplicateFoundEvent(tenantID, entityID string, match models.Match) DuplicateFoundEvent {
	return DuplicateFoundEvent{
		BaseEvent:       NewBaseEvent(EventTypeDuplicateFound, tenantID),
		EntityID:        entityID,
		DuplicateID:     match.MatchedEntityID,
		Strategy:        match.Strategy,
		Score:           match.Score,
		SuggestedAction: match.SuggestedAction,
	}
}
