package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each event becomes a span named after event.Msg, carrying the instance
// and node IDs plus all Meta fields as attributes. An "error" Meta field
// sets the span's error status. Spans are ended immediately: engine events
// are points in time, not durations.
//
// Setup:
//
//	tracer := otel.Tracer("flowgraph")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter using the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates and immediately ends one span for the event.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Msg)
	defer span.End()

	span.SetAttributes(
		attribute.String("workflow.instance_id", event.InstanceID),
		attribute.String("workflow.node_id", event.NodeID),
	)
	o.addMetaAttributes(span, event.Meta)

	if errMsg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

// EmitBatch creates spans for several events under one context, letting
// the span processor batch the export.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) {
	for _, event := range events {
		_, span := o.tracer.Start(ctx, event.Msg)
		span.SetAttributes(
			attribute.String("workflow.instance_id", event.InstanceID),
			attribute.String("workflow.node_id", event.NodeID),
		)
		o.addMetaAttributes(span, event.Meta)
		if errMsg, ok := event.Meta["error"].(string); ok {
			span.SetStatus(codes.Error, errMsg)
			span.RecordError(fmt.Errorf("%s", errMsg))
		}
		span.End()
	}
}

func (o *OTelEmitter) addMetaAttributes(span trace.Span, meta map[string]any) {
	for key, value := range meta {
		attrKey := "workflow.meta." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}
