// Package events publishes lattice events as CloudEvents.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/reglet-dev/latticed/internal/application/ports"
	"github.com/reglet-dev/latticed/internal/infrastructure/metrics"
)

// TypePrefix prefixes every CloudEvent type emitted by a host.
const TypePrefix = "com.wasmcloud.lattice."

// Event names.
const (
	ActorStarted        = "actor_started"
	ActorStartFailed    = "actor_start_failed"
	ActorStopped        = "actor_stopped"
	ProviderStarted     = "provider_started"
	ProviderStartFailed = "provider_start_failed"
	ProviderStopped     = "provider_stopped"
	HealthCheckPassed   = "health_check_passed"
	HealthCheckFailed   = "health_check_failed"
	HealthCheckStatus   = "health_check_status"
	LinkdefSet          = "linkdef_set"
	LinkdefSetFailed    = "linkdef_set_failed"
	LinkdefDeleted      = "linkdef_deleted"
	ConfigSet           = "config_set"
	ConfigDeleted       = "config_deleted"
	LabelsChanged       = "labels_changed"
	HostStarted         = "host_started"
	HostStopped         = "host_stopped"
)

// SubjectFunc maps an event type to the subject it is published on.
type SubjectFunc func(eventType string) string

// Publisher encodes events as structured-mode CloudEvents JSON and sends them
// on the transport.
type Publisher struct {
	transport ports.Transport
	subject   SubjectFunc
	source    string
	metrics   *metrics.Metrics
	now       func() time.Time
}

var _ ports.EventPublisher = (*Publisher)(nil)

// NewPublisher creates a publisher whose events carry source (the host id).
func NewPublisher(transport ports.Transport, subject SubjectFunc, source string, m *metrics.Metrics) *Publisher {
	return &Publisher{
		transport: transport,
		subject:   subject,
		source:    source,
		metrics:   m,
		now:       time.Now,
	}
}

// Publish emits one event.
func (p *Publisher) Publish(ctx context.Context, eventType string, data map[string]any) error {
	encoded, err := p.encode(eventType, data)
	if err != nil {
		p.metrics.IncEvent(eventType, true)
		return err
	}
	if err := p.transport.Publish(ctx, p.subject(eventType), encoded); err != nil {
		p.metrics.IncEvent(eventType, true)
		return fmt.Errorf("failed to publish %s event: %w", eventType, err)
	}
	p.metrics.IncEvent(eventType, false)
	return nil
}

func (p *Publisher) encode(eventType string, data map[string]any) ([]byte, error) {
	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetSource(p.source)
	event.SetType(TypePrefix + eventType)
	event.SetTime(p.now().UTC())
	if data == nil {
		data = map[string]any{}
	}
	if err := event.SetData(cloudevents.ApplicationJSON, data); err != nil {
		return nil, fmt.Errorf("failed to set %s event data: %w", eventType, err)
	}
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s event: %w", eventType, err)
	}
	return json.Marshal(event)
}

// Emit publishes an event, logging any failure.
func Emit(ctx context.Context, pub ports.EventPublisher, eventType string, data map[string]any) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, eventType, data); err != nil {
		slog.Warn("failed to publish event", "event", eventType, "error", err)
	}
}

// Noop discards events.
type Noop struct{}

var _ ports.EventPublisher = Noop{}

// Publish does nothing.
func (Noop) Publish(context.Context, string, map[string]any) error { return nil }
