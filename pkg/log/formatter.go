package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// JSONFormatter renders one JSON object per line.
type JSONFormatter struct {
	// TimeFormat defaults to RFC3339 with milliseconds.
	TimeFormat string
}

func (f *JSONFormatter) Format(e *Entry) ([]byte, error) {
	m := make(map[string]interface{}, len(e.Fields)+4)
	for k, v := range e.Fields {
		m[k] = v
	}
	m["ts"] = e.Timestamp.Format(timeFormat(f.TimeFormat))
	m["level"] = e.Level.String()
	m["msg"] = e.Message
	if e.Caller != "" {
		m["caller"] = e.Caller
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// TextFormatter renders "ts LEVEL msg k=v ..." with keys sorted.
type TextFormatter struct {
	TimeFormat string
	// ShowCaller appends the call site.
	ShowCaller bool
}

func (f *TextFormatter) Format(e *Entry) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(e.Timestamp.Format(timeFormat(f.TimeFormat)))
	fmt.Fprintf(&b, " %-5s %s", e.Level.String(), e.Message)

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
	}
	if f.ShowCaller && e.Caller != "" {
		fmt.Fprintf(&b, " caller=%s", e.Caller)
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func timeFormat(f string) string {
	if f == "" {
		return "2006-01-02T15:04:05.000Z07:00"
	}
	return f
}

