// Package tracing turns trace events published by agent runtimes onto a
// redis stream into OTLP spans. The registry hosts the pipeline so agents
// never need a collector endpoint of their own.
package tracing

import (
	"strconv"
)

// TraceEvent is one span lifecycle event read from the trace stream. The
// field names are a wire contract with the agent runtimes.
type TraceEvent struct {
	TraceID      string  `json:"trace_id"`
	SpanID       string  `json:"span_id"`
	ParentSpan   *string `json:"parent_span,omitempty"`
	AgentName    string  `json:"agent_name"`
	AgentID      string  `json:"agent_id"`
	IPAddress    string  `json:"ip_address"`
	Operation    string  `json:"operation"`
	EventType    string  `json:"event_type"` // span_start, span_end, error
	Timestamp    float64 `json:"timestamp"`  // unix seconds, fractional
	DurationMS   *int64  `json:"duration_ms,omitempty"`
	Success      *bool   `json:"success,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
	Capability   *string `json:"capability,omitempty"`
	TargetAgent  *string `json:"target_agent,omitempty"`
	Runtime      string  `json:"runtime"`
}

// FromRedisMap populates the event from redis stream field values. Runtimes
// in different languages spell some fields differently; both forms are
// accepted.
func (te *TraceEvent) FromRedisMap(data map[string]interface{}) {
	te.TraceID = streamField(data, "trace_id")
	te.SpanID = streamField(data, "span_id")
	te.AgentName = streamField(data, "agent_name")
	te.AgentID = streamField(data, "agent_id")
	te.EventType = streamField(data, "event_type")
	te.Runtime = streamField(data, "runtime")

	te.IPAddress = streamField(data, "ip_address")
	if te.IPAddress == "" {
		te.IPAddress = streamField(data, "agent_ip")
	}

	te.Operation = streamField(data, "operation")
	if te.Operation == "" {
		te.Operation = streamField(data, "function_name")
	}

	if v := streamField(data, "timestamp"); v != "" {
		te.Timestamp, _ = strconv.ParseFloat(v, 64)
	} else if v := streamField(data, "start_time"); v != "" {
		te.Timestamp, _ = strconv.ParseFloat(v, 64)
	}

	if v := streamField(data, "parent_span"); v != "" && v != "null" {
		te.ParentSpan = &v
	}
	if v := streamField(data, "duration_ms"); v != "" {
		if d, err := strconv.ParseInt(v, 10, 64); err == nil {
			te.DurationMS = &d
		}
	}
	if v := streamField(data, "success"); v != "" {
		b := v == "true" || v == "True" || v == "1"
		te.Success = &b
	}
	if v := streamField(data, "error_message"); v != "" {
		te.ErrorMessage = &v
	}
	if v := streamField(data, "capability"); v != "" {
		te.Capability = &v
	}
	if v := streamField(data, "target_agent"); v != "" {
		te.TargetAgent = &v
	}
}

// IsTerminal reports whether the event closes a span. Only terminal events
// become OTLP spans; span_start events carry no duration to export.
func (te *TraceEvent) IsTerminal() bool {
	return te.EventType == "span_end" || te.EventType == "error"
}

// Failed reports whether the span ended in error.
func (te *TraceEvent) Failed() bool {
	if te.EventType == "error" {
		return true
	}
	return te.Success != nil && !*te.Success
}

func streamField(data map[string]interface{}, key string) string {
	if v, ok := data[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
