package activity

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Status is the lifecycle stage an agent reports for an action. Values the
// client does not know are kept verbatim.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusIdle      Status = "idle"
	StatusCancelled Status = "cancelled"
)

// Known reports whether s is one of the statuses agents are known to emit.
func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusIdle, StatusCancelled:
		return true
	default:
		return false
	}
}

// Event is one observation emitted by a remote job.
type Event struct {
	AgentName string          `json:"agent_name"`
	Action    string          `json:"action"`
	Status    Status          `json:"status"`
	Timestamp string          `json:"timestamp"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// Key identifies an occurrence. Both fields are compared byte for byte.
type Key struct {
	AgentName string
	Timestamp string
}

func (e Event) Key() Key {
	return Key{AgentName: e.AgentName, Timestamp: e.Timestamp}
}

// At parses the event timestamp. Server timestamps may omit the zone, in
// which case UTC is assumed.
func (e Event) At() (time.Time, error) {
	return ParseTimestamp(e.Timestamp)
}

func ParseTimestamp(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	var lastErr error
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999"} {
		parsed, err := time.Parse(layout, trimmed)
		if err == nil {
			return parsed, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// ShortTime renders the timestamp as local HH:MM:SS, or a placeholder when it
// cannot be parsed.
func (e Event) ShortTime() string {
	parsed, err := e.At()
	if err != nil {
		return "--:--:--"
	}
	return parsed.Local().Format("15:04:05")
}
