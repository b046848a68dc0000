package bus

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogSubscriber writes every event it receives to a writer, either as
// human-readable key=value text or as JSON Lines. Adapted from the
// teacher's emit.LogEmitter (graph/emit/log.go), generalized from the
// engine's fixed {runID, step, nodeID, msg, meta} event shape to this
// package's {topic, type, payload, timestamp}.
type LogSubscriber struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogSubscriber creates a LogSubscriber. A nil writer defaults to
// os.Stdout, matching the teacher's NewLogEmitter behavior.
func NewLogSubscriber(w io.Writer, jsonMode bool) *LogSubscriber {
	if w == nil {
		w = os.Stdout
	}
	return &LogSubscriber{writer: w, jsonMode: jsonMode}
}

// Receive implements Subscriber.
func (l *LogSubscriber) Receive(event Event) {
	if l.jsonMode {
		l.receiveJSON(event)
		return
	}
	l.receiveText(event)
}

func (l *LogSubscriber) receiveJSON(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogSubscriber) receiveText(event Event) {
	_, _ = fmt.Fprintf(l.writer, "[%s] topic=%s", event.Type, event.Topic)
	if len(event.Payload) > 0 {
		if payloadJSON, err := json.Marshal(event.Payload); err == nil {
			_, _ = fmt.Fprintf(l.writer, " payload=%s", payloadJSON)
		}
	}
	_, _ = fmt.Fprint(l.writer, "\n")
}
