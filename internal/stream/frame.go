package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"agentwatch/internal/activity"
)

type FrameType string

const (
	FrameConnected FrameType = "connected"
	FrameError     FrameType = "error"
	FrameActivity  FrameType = "activity"
)

// Frame is a decoded wire message. Exactly one of Event (activity frames) or
// Message (error frames) is meaningful; connected frames carry only JobID.
type Frame struct {
	Type    FrameType
	JobID   string
	Message string
	Event   *activity.Event
}

const frameSchemaURL = "https://agentwatch.local/schemas/frame.schema.json"

// Activity frames have no fixed discriminator on the wire: the workers
// publish their activity dicts as-is, so anything that is not a control
// frame must look like an activity.
const frameSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "type": {"type": "string"}
  },
  "if": {"required": ["type"], "properties": {"type": {"const": "error"}}},
  "then": {
    "properties": {"message": {"type": ["string", "null"]}}
  },
  "else": {
    "if": {"required": ["type"], "properties": {"type": {"const": "connected"}}},
    "then": {
      "properties": {"task_id": {"type": ["string", "null"]}}
    },
    "else": {
      "required": ["agent_name", "status", "timestamp"],
      "properties": {
        "agent_name": {"type": "string", "minLength": 1},
        "action": {"type": ["string", "null"]},
        "status": {"type": "string", "minLength": 1},
        "timestamp": {"type": "string", "minLength": 1}
      }
    }
  }
}`

type wireFrame struct {
	Type      string          `json:"type"`
	TaskID    string          `json:"task_id"`
	Message   string          `json:"message"`
	AgentName string          `json:"agent_name"`
	Action    string          `json:"action"`
	Status    string          `json:"status"`
	Timestamp string          `json:"timestamp"`
	Details   json.RawMessage `json:"details"`
}

// Decoder validates and decodes frames. It is safe for concurrent use.
type Decoder struct {
	schema *jsonschema.Schema
}

func NewDecoder() (*Decoder, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(frameSchemaURL, strings.NewReader(frameSchema)); err != nil {
		return nil, fmt.Errorf("frame schema load failed: %w", err)
	}
	compiled, err := c.Compile(frameSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("frame schema compile failed: %w", err)
	}
	return &Decoder{schema: compiled}, nil
}

func MustDecoder() *Decoder {
	d, err := NewDecoder()
	if err != nil {
		panic(err)
	}
	return d
}

// Decode turns one raw frame into a typed Frame. Failures wrap
// ErrMalformedFrame.
func (d *Decoder) Decode(raw []byte) (Frame, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Frame{}, fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if dec.More() {
		return Frame{}, fmt.Errorf("%w: trailing data after frame", ErrMalformedFrame)
	}
	if err := d.schema.Validate(doc); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var wire wireFrame
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch FrameType(wire.Type) {
	case FrameConnected:
		return Frame{Type: FrameConnected, JobID: wire.TaskID}, nil
	case FrameError:
		message := strings.TrimSpace(wire.Message)
		if message == "" {
			message = "unspecified server error"
		}
		return Frame{Type: FrameError, Message: message}, nil
	default:
		event := activity.Event{
			AgentName: wire.AgentName,
			Action:    wire.Action,
			Status:    activity.Status(strings.ToLower(strings.TrimSpace(wire.Status))),
			Timestamp: wire.Timestamp,
		}
		if len(wire.Details) > 0 && !bytes.Equal(wire.Details, []byte("null")) {
			event.Details = wire.Details
		}
		return Frame{Type: FrameActivity, Event: &event}, nil
	}
}
