package telemetry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"code.cloudfoundry.org/clock"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// EventType represents the type of operational event
type EventType string

const (
	EventTypeScalingAction   EventType = "scaling_action"
	EventTypeTargetLifecycle EventType = "target_lifecycle"
	EventTypeHealthChange    EventType = "health_change"
	EventTypeConfiguration   EventType = "configuration"
	EventTypeLeadership      EventType = "leadership"
)

// Event represents a structured operational event
type Event struct {
	ID            string                 `json:"id"`
	Type          EventType              `json:"type"`
	Timestamp     time.Time              `json:"timestamp"`
	Target        string                 `json:"target,omitempty"`
	Summary       string                 `json:"summary"`
	Details       map[string]interface{} `json:"details"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Severity      EventSeverity          `json:"severity"`
}

// EventSeverity represents the severity level of an event
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

// ScalingEventDetails describes an executed scaling action
type ScalingEventDetails struct {
	Operation string `json:"operation"` // "scale_up", "scale_down"
	Amount    int    `json:"amount"`
	Running   int    `json:"running"`
	Staging   int    `json:"staging"`
	Proposed  string `json:"proposed,omitempty"`
	Reason    string `json:"reason,omitempty"` // "analysis", "first_run", "starvation"
}

// TargetLifecycleEventDetails describes a target entering or leaving the schedule
type TargetLifecycleEventDetails struct {
	Action string `json:"action"` // "scheduled", "removed", "action_failed"
	Metric string `json:"metric,omitempty"`
	Ref    string `json:"ref,omitempty"`
	Stage  string `json:"stage,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ConfigurationEventDetails represents details for configuration events
type ConfigurationEventDetails struct {
	Action   string   `json:"action"` // "loaded", "validated"
	Errors   []string `json:"errors,omitempty"`
	FilePath string   `json:"file_path,omitempty"`
}

// HealthChangeEventDetails represents details for health change events
type HealthChangeEventDetails struct {
	PreviousState string `json:"previous_state"`
	NewState      string `json:"new_state"`
	Message       string `json:"message,omitempty"`
}

// LeadershipEventDetails records a change between active and standby
type LeadershipEventDetails struct {
	Mode   string `json:"mode"` // "active", "standby"
	Reason string `json:"reason"`
}

// EventStorage interface for persisting events
type EventStorage interface {
	StoreEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, filter EventFilter) ([]Event, error)
}

// EventFilter represents filters for querying events
type EventFilter struct {
	StartTime time.Time
	EndTime   time.Time
	Target    string
	Type      EventType
	Severity  EventSeverity
	Limit     int
}

// EventEmitter handles structured event emission with telemetry integration
type EventEmitter struct {
	service *Service
	logger  *zap.Logger
	storage EventStorage
	clock   clock.Clock
}

// NewEventEmitter creates a new event emitter. storage may be nil, in which
// case events are only logged.
func NewEventEmitter(service *Service, logger *zap.Logger, storage EventStorage) *EventEmitter {
	return NewEventEmitterWithClock(service, logger, storage, clock.NewClock())
}

// NewEventEmitterWithClock creates an emitter stamping events with clk
func NewEventEmitterWithClock(service *Service, logger *zap.Logger, storage EventStorage, clk clock.Clock) *EventEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventEmitter{
		service: service,
		logger:  logger,
		storage: storage,
		clock:   clk,
	}
}

// EmitScalingEvent emits an executed scaling action
func (e *EventEmitter) EmitScalingEvent(ctx context.Context, target string, details ScalingEventDetails) error {
	return e.emitEvent(ctx, Event{
		Type:     EventTypeScalingAction,
		Target:   target,
		Summary:  formatScalingSummary(details),
		Details:  structToMap(details),
		Severity: SeverityInfo,
	})
}

// EmitTargetLifecycleEvent emits a target lifecycle event
func (e *EventEmitter) EmitTargetLifecycleEvent(ctx context.Context, target string, details TargetLifecycleEventDetails) error {
	severity := SeverityInfo
	if details.Error != "" {
		severity = SeverityWarning
	}

	return e.emitEvent(ctx, Event{
		Type:     EventTypeTargetLifecycle,
		Target:   target,
		Summary:  formatLifecycleSummary(details),
		Details:  structToMap(details),
		Severity: severity,
	})
}

// EmitConfigurationEvent emits a configuration event
func (e *EventEmitter) EmitConfigurationEvent(ctx context.Context, details ConfigurationEventDetails) error {
	severity := SeverityInfo
	if len(details.Errors) > 0 {
		severity = SeverityError
	}

	return e.emitEvent(ctx, Event{
		Type:     EventTypeConfiguration,
		Summary:  formatConfigurationSummary(details),
		Details:  structToMap(details),
		Severity: severity,
	})
}

// EmitHealthChangeEvent emits a health change event
func (e *EventEmitter) EmitHealthChangeEvent(ctx context.Context, details HealthChangeEventDetails) error {
	severity := SeverityInfo
	if details.NewState == "unhealthy" || details.NewState == "unknown" {
		severity = SeverityWarning
	}

	return e.emitEvent(ctx, Event{
		Type:     EventTypeHealthChange,
		Summary:  formatHealthChangeSummary(details),
		Details:  structToMap(details),
		Severity: severity,
	})
}

// EmitLeadershipEvent emits a switch between active and standby
func (e *EventEmitter) EmitLeadershipEvent(ctx context.Context, details LeadershipEventDetails) error {
	return e.emitEvent(ctx, Event{
		Type:     EventTypeLeadership,
		Summary:  fmt.Sprintf("Autoscaler is now %s (%s)", details.Mode, details.Reason),
		Details:  structToMap(details),
		Severity: SeverityInfo,
	})
}

// emitEvent handles the actual event emission with telemetry and storage
func (e *EventEmitter) emitEvent(ctx context.Context, event Event) error {
	event.ID = generateEventID()
	event.Timestamp = e.clock.Now().UTC()

	if span := oteltrace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		event.CorrelationID = span.SpanContext().TraceID().String()
	}

	if e.service != nil && e.service.IsEnabled() {
		_, span := e.service.Tracer().Start(ctx, TraceEventEmit,
			oteltrace.WithAttributes(
				attribute.String("event.type", string(event.Type)),
				attribute.String(AttrTargetID, event.Target),
				attribute.String("event.severity", string(event.Severity)),
			),
		)
		defer span.End()
	}

	if e.storage != nil {
		if err := e.storage.StoreEvent(ctx, event); err != nil {
			e.logger.Error("Failed to store event",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
				zap.Error(err))
			return err
		}
	}

	e.logger.Info("Event emitted",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("target", event.Target),
		zap.String("summary", event.Summary),
		zap.String("severity", string(event.Severity)))

	return nil
}

// GetEvents retrieves events from storage
func (e *EventEmitter) GetEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	if e.storage == nil {
		return nil, fmt.Errorf("event storage not configured")
	}

	return e.storage.GetEvents(ctx, filter)
}

func formatScalingSummary(details ScalingEventDetails) string {
	direction := "up"
	if details.Operation == "scale_down" {
		direction = "down"
	}
	summary := fmt.Sprintf("Scaled %s by %d from %d running", direction, details.Amount, details.Running)
	if details.Reason != "" {
		summary += fmt.Sprintf(" (%s)", details.Reason)
	}
	return summary
}

func formatLifecycleSummary(details TargetLifecycleEventDetails) string {
	switch details.Action {
	case "scheduled":
		return fmt.Sprintf("Target scheduled on %s/%s", details.Metric, details.Ref)
	case "removed":
		return "Target removed"
	case "action_failed":
		return fmt.Sprintf("Scaling action failed at %s: %s", details.Stage, details.Error)
	default:
		return fmt.Sprintf("Target %s", details.Action)
	}
}

func formatConfigurationSummary(details ConfigurationEventDetails) string {
	if len(details.Errors) > 0 {
		return fmt.Sprintf("Configuration %s failed: %d errors", details.Action, len(details.Errors))
	}
	return fmt.Sprintf("Configuration %s successfully", details.Action)
}

func formatHealthChangeSummary(details HealthChangeEventDetails) string {
	return fmt.Sprintf("Health changed from %s to %s", details.PreviousState, details.NewState)
}

func generateEventID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("evt_%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("evt_%s", hex.EncodeToString(bytes))
}

func structToMap(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return make(map[string]interface{})
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return make(map[string]interface{})
	}

	return result
}
