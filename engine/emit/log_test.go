package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

// TestLogEmitter_Text covers the key=value line format.
func TestLogEmitter_Text(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, false)

	e.Emit(Event{InstanceID: "wi-001", NodeID: "approve", Msg: "node_completed"})
	e.Emit(Event{InstanceID: "wi-001", Msg: "instance_failed", Meta: map[string]any{"error": "boom"}})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if lines[0] != "[node_completed] instance=wi-001 node=approve" {
		t.Errorf("line = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "[instance_failed] instance=wi-001 node=") {
		t.Errorf("line = %q", lines[1])
	}
	if !strings.Contains(lines[1], `"error":"boom"`) {
		t.Errorf("meta missing from %q", lines[1])
	}
}

// TestLogEmitter_JSON covers the JSONL format.
func TestLogEmitter_JSON(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, true)

	e.Emit(Event{InstanceID: "wi-001", NodeID: "approve", Msg: "node_completed", Meta: map[string]any{"duration_ms": 12}})

	var decoded struct {
		InstanceID string         `json:"instanceId"`
		NodeID     string         `json:"nodeId"`
		Msg        string         `json:"msg"`
		Meta       map[string]any `json:"meta"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not one JSON line: %v (%q)", err, buf.String())
	}
	if decoded.InstanceID != "wi-001" || decoded.NodeID != "approve" || decoded.Msg != "node_completed" {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.Meta["duration_ms"] != float64(12) {
		t.Errorf("meta = %v", decoded.Meta)
	}
}
