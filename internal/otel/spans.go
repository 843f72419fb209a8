package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for netmend spans.
var (
	AttrTaskID     = attribute.Key("netmend.task.id")
	AttrTaskType   = attribute.Key("netmend.task.type")
	AttrPriority   = attribute.Key("netmend.task.priority")
	AttrAgentID    = attribute.Key("netmend.agent.id")
	AttrAgentType  = attribute.Key("netmend.agent.type")
	AttrIncidentID = attribute.Key("netmend.incident.id")
	AttrStage      = attribute.Key("netmend.incident.stage")
	AttrDeviceID   = attribute.Key("netmend.device.id")
	AttrFaultType  = attribute.Key("netmend.fault.type")
	AttrPlaybook   = attribute.Key("netmend.playbook.name")
	AttrAttempt    = attribute.Key("netmend.task.attempt")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (device command, datastore).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
