package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reserved control keys.
const (
	// KeyWorkerReporting is sent by a freshly started worker to announce itself.
	KeyWorkerReporting = "new_fw_reporting"

	// KeySpawnerReporting is sent by the process that forks workers for a topic.
	KeySpawnerReporting = "new_parent_reporting"

	// KeyWorkerCommand is the sentinel key of every manager-to-worker command
	// (stop, fork and generic updates).
	KeyWorkerCommand = "0l"
)

// Worker actions carried in the value of a KeyWorkerCommand message.
const (
	ActionStop = "stop"
	ActionFork = "fork"
)

// ControlMessage is one unit of control-plane traffic.
type ControlMessage struct {
	ID       string `json:"id"`         // UUID - lets receivers drop redelivered messages
	Key      string `json:"key"`        // Handler selector on the receiving side
	Value    string `json:"value"`      // Opaque payload, JSON text by convention
	SentAtMs int64  `json:"sent_at_ms"` // Unix timestamp in milliseconds
}

// Reporting is the payload of KeyWorkerReporting and KeySpawnerReporting.
// Fields are pointers so that a missing field can be told apart from a zero value.
type Reporting struct {
	FunctionTopic *string `json:"functionTopic"`
	PID           *int    `json:"pid"`
}

// Command is the payload of a KeyWorkerCommand message carrying an action.
type Command struct {
	Action string `json:"action"`
}

// NewControlMessage builds a message with a fresh ID and the current time.
func NewControlMessage(key, value string) *ControlMessage {
	return &ControlMessage{
		ID:       uuid.New().String(),
		Key:      key,
		Value:    value,
		SentAtMs: time.Now().UnixMilli(),
	}
}

// NewCommandMessage builds a KeyWorkerCommand message for the given action.
func NewCommandMessage(action string) (*ControlMessage, error) {
	value, err := json.Marshal(Command{Action: action})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s command: %w", action, err)
	}
	return NewControlMessage(KeyWorkerCommand, string(value)), nil
}

// Validate checks that the message can be routed.
func (m *ControlMessage) Validate() error {
	if m.Key == "" {
		return fmt.Errorf("control message key cannot be empty")
	}
	if m.ID != "" {
		if _, err := uuid.Parse(m.ID); err != nil {
			return fmt.Errorf("invalid control message ID %q: %w", m.ID, err)
		}
	}
	return nil
}

// Encode serializes the message for the wire.
func (m *ControlMessage) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal control message: %w", err)
	}
	return data, nil
}

// DecodeControlMessage parses a message read from a topic.
func DecodeControlMessage(data []byte) (*ControlMessage, error) {
	var m ControlMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal control message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeReporting parses and checks a registration payload.
func DecodeReporting(value string) (topic string, pid int, err error) {
	var r Reporting
	if err := json.Unmarshal([]byte(value), &r); err != nil {
		return "", 0, fmt.Errorf("failed to unmarshal reporting payload: %w", err)
	}
	if r.FunctionTopic == nil || *r.FunctionTopic == "" {
		return "", 0, fmt.Errorf("reporting payload missing functionTopic")
	}
	if r.PID == nil {
		return "", 0, fmt.Errorf("reporting payload missing pid")
	}
	if *r.PID <= 0 {
		return "", 0, fmt.Errorf("reporting payload has invalid pid %d", *r.PID)
	}
	return *r.FunctionTopic, *r.PID, nil
}

// EncodeReporting builds a registration payload.
func EncodeReporting(topic string, pid int) string {
	data, _ := json.Marshal(Reporting{FunctionTopic: &topic, PID: &pid})
	return string(data)
}
