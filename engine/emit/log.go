package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter implements Emitter by writing structured log output to a
// writer.
//
// Two output modes:
//   - Text (default): human-readable key=value lines
//   - JSON: machine-readable JSONL, one event per line
//
// Example text output:
//
//	[node_completed] instance=wi-001 node=approve
//
// Example JSON output:
//
//	{"instanceId":"wi-001","nodeId":"approve","msg":"node_completed","meta":null}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter. A nil writer defaults to stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes one event in the configured format.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		InstanceID string         `json:"instanceId"`
		NodeID     string         `json:"nodeId"`
		Msg        string         `json:"msg"`
		Meta       map[string]any `json:"meta"`
	}{
		InstanceID: event.InstanceID,
		NodeID:     event.NodeID,
		Msg:        event.Msg,
		Meta:       event.Meta,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] instance=%s node=%s", event.Msg, event.InstanceID, event.NodeID)
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	fmt.Fprint(l.writer, "\n")
}
