package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a fan-out progress event.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// FanOutID is the fan-out the event belongs to.
	FanOutID string `json:"fanout_id"`

	// TargetID is the associated target, if applicable.
	TargetID string `json:"target_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeFanOutStarted   = "fanout.started"
	EventTypeTargetSucceeded = "target.succeeded"
	EventTypeTargetFailed    = "target.failed"
	EventTypeFanOutCompleted = "fanout.completed"
	EventTypeAuditFailed     = "audit.failed"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans progress events out to subscribers.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers. In synchronous mode the
// subscribers have run when Publish returns.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishFanOutStarted publishes a fan-out started event.
func (ep *EventPublisher) PublishFanOutStarted(fanoutID, operation string, targets int) error {
	return ep.Publish(Event{
		Type:     EventTypeFanOutStarted,
		FanOutID: fanoutID,
		Message:  fmt.Sprintf("%s on %d target(s)", operation, targets),
		Level:    EventLevelInfo,
		Data: map[string]interface{}{
			"operation": operation,
			"targets":   targets,
		},
	})
}

// PublishTargetCompleted publishes the outcome of one target.
func (ep *EventPublisher) PublishTargetCompleted(fanoutID, targetID, targetName string, success bool, message string, duration time.Duration) error {
	event := Event{
		Type:     EventTypeTargetSucceeded,
		FanOutID: fanoutID,
		TargetID: targetID,
		Message:  targetName + ": success",
		Level:    EventLevelInfo,
		Data: map[string]interface{}{
			"target":      targetName,
			"duration_ms": duration.Milliseconds(),
		},
	}
	if !success {
		event.Type = EventTypeTargetFailed
		event.Message = targetName + ": " + message
		event.Level = EventLevelWarning
	}
	return ep.Publish(event)
}

// PublishFanOutCompleted publishes a fan-out completed event.
func (ep *EventPublisher) PublishFanOutCompleted(fanoutID, status string, succeeded, total int) error {
	level := EventLevelInfo
	if status != "success" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:     EventTypeFanOutCompleted,
		FanOutID: fanoutID,
		Message:  fmt.Sprintf("%s (%d/%d succeeded)", status, succeeded, total),
		Level:    level,
		Data: map[string]interface{}{
			"status":    status,
			"succeeded": succeeded,
			"total":     total,
		},
	})
}

// PublishAuditFailed publishes an audit persistence failure.
func (ep *EventPublisher) PublishAuditFailed(fanoutID, reason string) error {
	return ep.Publish(Event{
		Type:     EventTypeAuditFailed,
		FanOutID: fanoutID,
		Message:  reason,
		Level:    EventLevelError,
	})
}

// Subscribe adds a new event subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil || !ep.config.Enabled {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents delivers buffered events in order.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			// Drain what is left before stopping
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all matching subscribers in order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByFanOut creates a filter that only allows events for one fan-out.
func FilterByFanOut(fanoutID string) EventFilter {
	return func(event Event) bool {
		return event.FanOutID == fanoutID
	}
}
