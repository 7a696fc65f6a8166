package metrics

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// JSONLObserver appends one JSON object per event to w. Tags and fields are
// flattened next to name, time and value. Writes are buffered until Flush.
type JSONLObserver struct {
	mu  sync.Mutex
	buf *bufio.Writer
	enc *json.Encoder
	err error
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	buf := bufio.NewWriter(w)
	return &JSONLObserver{buf: buf, enc: json.NewEncoder(buf)}
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	line := make(map[string]any, 3+len(ev.Tags)+len(ev.Fields))
	for k, v := range ev.Fields {
		line[k] = v
	}
	for k, v := range ev.Tags {
		line[k] = v
	}
	line["name"] = ev.Name
	line["time"] = ev.Time.UTC().Format(time.RFC3339Nano)
	line["value"] = ev.Value

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return
	}
	o.err = o.enc.Encode(line)
}

// Flush writes buffered lines and reports the first write error seen.
func (o *JSONLObserver) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.buf.Flush(); err != nil && o.err == nil {
		o.err = err
	}
	return o.err
}

var _ Flusher = (*JSONLObserver)(nil)
