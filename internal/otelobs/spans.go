package otelobs

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for node spans, one per the subsystems that
// carry tracing despite telemetry format being a non-goal (spec §1):
// DAG runs, sandbox invocations, and federation handshakes.
var (
	AttrRunID        = attribute.Key("cis.dag.run_id")
	AttrNodeID       = attribute.Key("cis.dag.node_id")
	AttrAgentID      = attribute.Key("cis.agent.id")
	AttrSkillName    = attribute.Key("cis.skill.name")
	AttrSkillVersion = attribute.Key("cis.skill.version")
	AttrRoomID       = attribute.Key("cis.federation.room_id")
	AttrPeerNodeID   = attribute.Key("cis.federation.peer_node_id")
	AttrRequestID    = attribute.Key("cis.crossnode.request_id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (e.g. an accepted
// federation peer connection).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (a dialed peer, a
// Cloud Anchor HTTP request).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
