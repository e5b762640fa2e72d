package emit_test

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dshills/flowgraph-go/engine/emit"
)

func newRecordingEmitter() (*emit.OTelEmitter, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return emit.NewOTelEmitter(provider.Tracer("flowgraph-test")), recorder
}

func attrValue(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

// TestOTelEmitter covers span creation, attributes, and error status.
func TestOTelEmitter(t *testing.T) {
	t.Run("span per event", func(t *testing.T) {
		e, recorder := newRecordingEmitter()
		e.Emit(emit.Event{
			InstanceID: "wi-1",
			NodeID:     "approve",
			Msg:        "node_completed",
			Meta: map[string]any{
				"approved":    true,
				"amount":      99.5,
				"attempt":     2,
				"assignee":    "alice",
				"correlation": []string{"a", "b"},
			},
		})

		spans := recorder.Ended()
		if len(spans) != 1 {
			t.Fatalf("spans = %d, want 1", len(spans))
		}
		span := spans[0]
		if span.Name() != "node_completed" {
			t.Errorf("span name = %q", span.Name())
		}
		if v, ok := attrValue(span, "workflow.instance_id"); !ok || v.AsString() != "wi-1" {
			t.Errorf("instance_id attr = %v", v)
		}
		if v, ok := attrValue(span, "workflow.node_id"); !ok || v.AsString() != "approve" {
			t.Errorf("node_id attr = %v", v)
		}
		if v, ok := attrValue(span, "workflow.meta.approved"); !ok || !v.AsBool() {
			t.Errorf("approved attr = %v", v)
		}
		if v, ok := attrValue(span, "workflow.meta.amount"); !ok || v.AsFloat64() != 99.5 {
			t.Errorf("amount attr = %v", v)
		}
		if v, ok := attrValue(span, "workflow.meta.attempt"); !ok || v.AsInt64() != 2 {
			t.Errorf("attempt attr = %v", v)
		}
		if v, ok := attrValue(span, "workflow.meta.assignee"); !ok || v.AsString() != "alice" {
			t.Errorf("assignee attr = %v", v)
		}
		// Non-scalar meta falls back to a formatted string.
		if v, ok := attrValue(span, "workflow.meta.correlation"); !ok || v.AsString() != "[a b]" {
			t.Errorf("correlation attr = %v", v)
		}
		if span.Status().Code == codes.Error {
			t.Error("clean event must not carry an error status")
		}
	})

	t.Run("error meta sets status", func(t *testing.T) {
		e, recorder := newRecordingEmitter()
		e.Emit(emit.Event{
			InstanceID: "wi-1",
			NodeID:     "notify",
			Msg:        "node_failed",
			Meta:       map[string]any{"error": "webhook returned 502"},
		})

		spans := recorder.Ended()
		if len(spans) != 1 {
			t.Fatalf("spans = %d, want 1", len(spans))
		}
		status := spans[0].Status()
		if status.Code != codes.Error || status.Description != "webhook returned 502" {
			t.Errorf("status = %+v", status)
		}
		if len(spans[0].Events()) == 0 {
			t.Error("expected a recorded error event on the span")
		}
	})

	t.Run("batch", func(t *testing.T) {
		e, recorder := newRecordingEmitter()
		e.EmitBatch(context.Background(), []emit.Event{
			{InstanceID: "wi-1", NodeID: "a", Msg: "node_entered"},
			{InstanceID: "wi-1", NodeID: "a", Msg: "node_completed"},
			{InstanceID: "wi-1", Msg: "instance_completed"},
		})

		spans := recorder.Ended()
		if len(spans) != 3 {
			t.Fatalf("spans = %d, want 3", len(spans))
		}
		if spans[0].Name() != "node_entered" || spans[2].Name() != "instance_completed" {
			t.Errorf("span names = %s, %s, %s", spans[0].Name(), spans[1].Name(), spans[2].Name())
		}
	})
}
