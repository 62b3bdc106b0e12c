package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter writes one line per event.
//
// Text mode:
//
//	[superstep_started] runID=run-001 step=1 executor=
//	[executor_failed] runID=run-001 step=2 executor=parse meta={"error":"bad input"}
//
// JSON mode writes JSON lines:
//
//	{"runID":"run-001","step":2,"executorID":"parse","kind":"executor_failed","meta":{"error":"bad input"}}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter returns a LogEmitter writing to writer, or to os.Stdout when
// writer is nil.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes event. Lines from concurrent callers are not interleaved.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.emitJSON(event)
		return
	}
	l.emitText(event)
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		RunID      string         `json:"runID"`
		Step       int            `json:"step"`
		ExecutorID string         `json:"executorID"`
		Kind       string         `json:"kind"`
		Meta       map[string]any `json:"meta"`
	}{
		RunID:      event.RunID,
		Step:       event.Step,
		ExecutorID: event.ExecutorID,
		Kind:       event.Kind,
		Meta:       event.Meta,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":%q}\n", "failed to marshal event: "+err.Error())
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] runID=%s step=%d executor=%s",
		event.Kind, event.RunID, event.Step, event.ExecutorID)
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	fmt.Fprint(l.writer, "\n")
}
