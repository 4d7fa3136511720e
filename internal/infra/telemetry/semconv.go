// Package telemetry provides semantic conventions and provider wiring for aarbus observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for aarbus telemetry, following OpenTelemetry naming: namespace.attribute_name.
const (
	// AttrEventType annotates counters/histograms with the dispatched event type (e.g. data_loaded).
	AttrEventType = attribute.Key("event.type")
	// AttrEventDomain groups event types by family (data, analysis, ui, report, status, application).
	AttrEventDomain = attribute.Key("event.domain")
	// AttrHandlerID identifies the subscription a handler metric belongs to.
	AttrHandlerID = attribute.Key("handler.id")
	// AttrResult records the outcome of an operation (dispatched, filtered, no_subscribers).
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment (development/staging/production) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrReason explains why an event was dropped (queue_full, stopped, cancelled).
	AttrReason = attribute.Key("reason")
)

// Drop reasons.
const (
	ReasonQueueFull = "queue_full"
	ReasonStopped   = "stopped"
	ReasonCancelled = "cancelled"
)

// Dispatch results.
const (
	ResultDispatched    = "dispatched"
	ResultFiltered      = "filtered"
	ResultNoSubscribers = "no_subscribers"
)

// EventAttributes returns common attributes for event metrics.
func EventAttributes(environment, eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
	}
}

// HandlerAttributes returns attributes for per-handler metrics.
func HandlerAttributes(environment, eventType, handlerID string) []attribute.KeyValue {
	attrs := EventAttributes(environment, eventType)
	if handlerID != "" {
		attrs = append(attrs, AttrHandlerID.String(handlerID))
	}
	return attrs
}
