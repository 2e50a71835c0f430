// Package audit emits the structured, totally ordered event trail that records
// every routing, policy, guardrail and tool decision made for a request.
package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// EventType names one kind of audit event.
type EventType string

const (
	EventRouteSelected    EventType = "route_selected"
	EventToolStart        EventType = "tool_start"
	EventToolEnd          EventType = "tool_end"
	EventGuardrailBlocked EventType = "guardrail_blocked"
	EventPolicyBlocked    EventType = "policy_blocked"
	EventPolicyAllowed    EventType = "policy_allowed"
	EventAgentError       EventType = "agent_error"
)

// Event is one append-only audit record. Payload keys are flattened into the
// top-level JSON object next to the envelope fields.
type Event struct {
	Type      EventType
	RequestID string
	Timestamp time.Time
	Seq       uint64
	Payload   map[string]any
}

var envelopeKeys = map[string]bool{
	"type":       true,
	"request_id": true,
	"timestamp":  true,
	"seq":        true,
}

// MarshalJSON writes the flat wire form. Payload keys that collide with
// envelope keys are dropped.
func (e Event) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(e.Payload)+4)
	for k, v := range e.Payload {
		if envelopeKeys[k] {
			continue
		}
		flat[k] = v
	}
	flat["type"] = e.Type
	flat["request_id"] = e.RequestID
	flat["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	flat["seq"] = e.Seq
	return json.Marshal(flat)
}

// UnmarshalJSON reads the flat wire form back into an Event.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var typ, reqID, ts string
	if err := decodeField(raw, "type", &typ); err != nil {
		return err
	}
	if err := decodeField(raw, "request_id", &reqID); err != nil {
		return err
	}
	if err := decodeField(raw, "timestamp", &ts); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", ts, err)
	}

	var seq uint64
	if v, ok := raw["seq"]; ok {
		if err := json.Unmarshal(v, &seq); err != nil {
			return fmt.Errorf("invalid seq: %w", err)
		}
	}

	payload := make(map[string]any)
	for k, v := range raw {
		if envelopeKeys[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		payload[k] = val
	}

	*e = Event{
		Type:      EventType(typ),
		RequestID: reqID,
		Timestamp: parsed,
		Seq:       seq,
		Payload:   payload,
	}
	return nil
}

func decodeField(raw map[string]json.RawMessage, key string, dst *string) error {
	v, ok := raw[key]
	if !ok {
		return fmt.Errorf("missing %q field", key)
	}
	return json.Unmarshal(v, dst)
}

// ParseLine decodes a single JSONL audit record.
func ParseLine(line []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(line, &ev)
	return ev, err
}

// Timeline filters events down to one request and orders them by timestamp,
// breaking ties with the sequence number.
func Timeline(events []Event, requestID string) []Event {
	var out []Event
	for _, ev := range events {
		if ev.RequestID == requestID {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Types projects a list of events onto their types.
func Types(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// String returns a payload value as a string, or "" when absent.
func (e Event) String(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

// Bool returns a payload value as a bool.
func (e Event) Bool(key string) bool {
	v, _ := e.Payload[key].(bool)
	return v
}
