// Package events publishes resolution lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/models"
)

// publishTimeout bounds each background publish so a dead broker cannot
// stall the drain loop forever.
const publishTimeout = 10 * time.Second

// Publisher is the producer surface the emitter needs. *kafka.Producer
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, msg kafka.Message) error
}

// Emitter fans events out to Kafka from a buffered channel. Emission is
// fire-and-forget: callers never block on the broker, and a full buffer
// drops the event with a warning instead of stalling the caller.
type Emitter struct {
	producer Publisher
	logger   logging.Logger

	queue  chan kafka.Message
	done   chan struct{}
	closed chan struct{}
	once   sync.Once
}

// NewEmitter creates an emitter and starts its background publisher.
func NewEmitter(producer Publisher, logger logging.Logger, bufferSize int) *Emitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}

	e := &Emitter{
		producer: producer,
		logger:   logger,
		queue:    make(chan kafka.Message, bufferSize),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}

	go e.run()

	return e
}

// Close stops accepting events and drains the queue.
func (e *Emitter) Close() {
	e.once.Do(func() {
		close(e.done)
	})
	<-e.closed
}

func (e *Emitter) run() {
	defer close(e.closed)

	for {
		select {
		case msg := <-e.queue:
			e.publish(msg)
		case <-e.done:
			// Drain whatever was enqueued before Close.
			for {
				select {
				case msg := <-e.queue:
					e.publish(msg)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) publish(msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := e.producer.Publish(ctx, msg); err != nil {
		e.logger.WithError(err).WithField("event_type", msg.Headers["event_type"]).Warn("Dropped event after publish failure")
	}
}

func (e *Emitter) enqueue(eventType EventType, key string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		e.logger.WithError(err).WithField("event_type", string(eventType)).Warn("Failed to encode event")
		return
	}

	msg := kafka.Message{
		Key:   key,
		Value: payload,
		Headers: map[string]string{
			"event_type":     string(eventType),
			"schema_version": SchemaVersion,
		},
	}

	select {
	case <-e.done:
		e.logger.WithField("event_type", string(eventType)).Warn("Emitter closed, dropping event")
	case e.queue <- msg:
	default:
		e.logger.WithField("event_type", string(eventType)).Warn("Event buffer full, dropping event")
	}
}

// NotifyDuplicateFound emits an entity.duplicate.found event.
func (e *Emitter) NotifyDuplicateFound(tenantID, entityID string, match models.Match) {
	e.enqueue(EventTypeDuplicateFound, entityID, newDuplicateFoundEvent(tenantID, entityID, match))
}

// EmitEntityMerged emits an entity.merged event.
func (e *Emitter) EmitEntityMerged(tenantID, targetID string, sourceIDs []string, historyID string) {
	e.enqueue(EventTypeEntityMerged, targetID, EntityMergedEvent{
		BaseEvent:      NewBaseEvent(EventTypeEntityMerged, tenantID),
		TargetID:       targetID,
		SourceEntities: sourceIDs,
		HistoryID:      historyID,
	})
}

// EmitEntityUnmerged emits an entity.unmerged event.
func (e *Emitter) EmitEntityUnmerged(tenantID, historyID string) {
	e.enqueue(EventTypeEntityUnmerged, historyID, EntityUnmergedEvent{
		BaseEvent: NewBaseEvent(EventTypeEntityUnmerged, tenantID),
		HistoryID: historyID,
	})
}

// EmitClusterCreated emits an entity.cluster.created event.
func (e *Emitter) EmitClusterCreated(tenantID string, cluster models.Cluster) {
	e.enqueue(EventTypeClusterCreated, cluster.ClusterKey, ClusterCreatedEvent{
		BaseEvent:  NewBaseEvent(EventTypeClusterCreated, tenantID),
		ClusterID:  cluster.ID,
		ClusterKey: cluster.ClusterKey,
		EntityIDs:  []string(cluster.EntityIDs),
		Confidence: cluster.ConfidenceScore,
	})
}

// EmitAutoMergeCompleted emits an automerge.completed event.
func (e *Emitter) EmitAutoMergeCompleted(tenantID string, considered, eligible, merged, failed int, dryRun bool) {
	e.enqueue(EventTypeAutoMergeComplete, tenantID, AutoMergeCompletedEvent{
		BaseEvent:  NewBaseEvent(EventTypeAutoMergeComplete, tenantID),
		Considered: considered,
		Eligible:   eligible,
		Merged:     merged,
		Failed:     failed,
		DryRun:     dryRun,
	})
}
