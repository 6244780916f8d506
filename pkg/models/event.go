// Package models contains shared data models used across the bugtrap codebase.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of reported occurrence. Values travel as small
// integers on the wire; anything unrecognised decodes to EventTypeUnknown.
type EventType int

const (
	EventTypeUnknown EventType = iota
	EventTypeUnhandledError
	EventTypeUnhandledRejection
	EventTypeConsoleError
	EventTypeProgrammatic
	EventTypeCSPReport
	EventTypeDeprecationReport
	EventTypeInterventionReport
	EventTypeCrashReport
	EventTypeCTReport
	EventTypeNELReport
	EventTypeCustom1
	EventTypeCustom2
	EventTypeCustom3
	EventTypeTest
)

var eventTypeNames = map[EventType]string{
	EventTypeUnknown:            "unknown",
	EventTypeUnhandledError:     "unhandled_error",
	EventTypeUnhandledRejection: "unhandled_rejection",
	EventTypeConsoleError:       "console_error",
	EventTypeProgrammatic:       "programmatic",
	EventTypeCSPReport:          "csp_report",
	EventTypeDeprecationReport:  "deprecation_report",
	EventTypeInterventionReport: "intervention_report",
	EventTypeCrashReport:        "crash_report",
	EventTypeCTReport:           "ct_report",
	EventTypeNELReport:          "nel_report",
	EventTypeCustom1:            "custom_1",
	EventTypeCustom2:            "custom_2",
	EventTypeCustom3:            "custom_3",
	EventTypeTest:               "test",
}

// ParseEventType maps a wire name to an EventType. Unknown names yield EventTypeUnknown.
func ParseEventType(name string) EventType {
	for t, n := range eventTypeNames {
		if n == name {
			return t
		}
	}
	return EventTypeUnknown
}

// EventTypeFromInt maps a wire integer to an EventType.
func EventTypeFromInt(v int) EventType {
	t := EventType(v)
	if _, ok := eventTypeNames[t]; !ok {
		return EventTypeUnknown
	}
	return t
}

func (t EventType) String() string {
	if n, ok := eventTypeNames[t]; ok {
		return n
	}
	return "unknown"
}

func (t EventType) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Itoa(int(t))), nil
}

// UnmarshalJSON accepts either the integer discriminant or its name.
func (t *EventType) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = EventTypeUnknown
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("decode event type: %w", err)
		}
		if n, err := strconv.Atoi(s); err == nil {
			*t = EventTypeFromInt(n)
			return nil
		}
		*t = ParseEventType(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("decode event type: %w", err)
	}
	i, err := n.Int64()
	if err != nil {
		*t = EventTypeUnknown
		return nil
	}
	*t = EventTypeFromInt(int(i))
	return nil
}

// rawEventTypeInt extracts the integer discriminant from a JSON type value,
// whether sent as a number or a numeric string.
func rawEventTypeInt(b []byte) (int, bool) {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		i, err := n.Int64()
		return int(i), err == nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return 0, false
	}
	i, err := strconv.Atoi(s)
	return i, err == nil
}

// Frame is a single stack frame. Resolved is set once a source map mapped it
// back to original source.
type Frame struct {
	Function string `json:"function,omitempty"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Resolved bool   `json:"resolved,omitempty"`
}

// Reserved meta keys. Anything starting with ReservedMetaPrefix is system-populated.
const (
	ReservedMetaPrefix = "$"
	MetaClientType     = "$client.type"
	MetaClientVersion  = "$client.version"
)

// EventPayload is one reported occurrence as submitted by a client library.
type EventPayload struct {
	Type          EventType            `json:"type"`
	RawType       *int                 `json:"raw_type,omitempty"`
	Name          string               `json:"name,omitempty"`
	Message       string               `json:"message"`
	Stack         []Frame              `json:"stack,omitempty"`
	URI           string               `json:"uri,omitempty"`
	UserAgent     string               `json:"user_agent,omitempty"`
	ClientType    string               `json:"client_type,omitempty"`
	ClientVersion string               `json:"client_version,omitempty"`
	Meta          map[string]MetaValue `json:"meta,omitempty"`
	Timestamp     *time.Time           `json:"timestamp,omitempty"`
}

// UnmarshalJSON decodes a payload. When the type integer is not one this
// server knows, Type falls back to EventTypeUnknown and RawType keeps the
// value the client sent. RawType is cleared for recognised types.
func (p *EventPayload) UnmarshalJSON(b []byte) error {
	type plain EventPayload
	if err := json.Unmarshal(b, (*plain)(p)); err != nil {
		return err
	}
	if p.Type != EventTypeUnknown {
		p.RawType = nil
		return nil
	}
	var wire struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(b, &wire); err != nil || len(wire.Type) == 0 {
		return nil
	}
	// A stored payload carries type 0 alongside the raw_type it was given.
	if n, ok := rawEventTypeInt(wire.Type); ok && n != int(EventTypeUnknown) {
		p.RawType = &n
	}
	return nil
}

// TypeCode is the discriminant the client sent: RawType when the type was not
// recognised, Type otherwise.
func (p *EventPayload) TypeCode() int {
	if p.RawType != nil {
		return *p.RawType
	}
	return int(p.Type)
}

// Event is the stored, immutable record of one occurrence.
type Event struct {
	ID          uuid.UUID    `db:"id"          json:"id"`
	Fingerprint Fingerprint  `db:"fingerprint" json:"-"`
	Seq         int64        `db:"seq"         json:"seq"`
	ReceivedAt  time.Time    `db:"received_at" json:"received_at"`
	Payload     EventPayload `json:"payload"`
}
