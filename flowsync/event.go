package flowsync

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

const (
	FrameTypeWorkflowStatus          = "workflow_status"
	FrameTypeWorkflowComponentStream = "workflow_component_stream"
)

type WorkflowStatus string

const (
	StatusUnknown             WorkflowStatus = ""
	StatusQueued              WorkflowStatus = "QUEUED"
	StatusRunning             WorkflowStatus = "RUNNING"
	StatusPausedAwaitingInput WorkflowStatus = "PAUSED_AWAITING_INPUT"
	StatusCompleted           WorkflowStatus = "COMPLETED"
	StatusFailed              WorkflowStatus = "FAILED"
)

// actions that imply a status when upstream omits one.
// high-frequency progress ticks drop the redundant status field
const (
	actionPauseForInput = "pause_for_input"
	actionProgress      = "progress"
)

// the outer shape of every inbound frame
type wireFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// StatusEvent is the normalized, server-independent form of one status update.
// Identity is always usable: derived from the payload identifiers, or
// synthesized locally so downstream deduplication never fails.
type StatusEvent struct {
	Identity    string
	Category    string
	Status      WorkflowStatus
	ReceiptTime time.Time
	Payload     map[string]any
}

func NormalizeStatusEvent(payload json.RawMessage, receiptTime time.Time) (*StatusEvent, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	event := &StatusEvent{
		Identity:    deriveIdentity(fields),
		Category:    FrameTypeWorkflowStatus,
		Status:      inferStatus(fields),
		ReceiptTime: receiptTime,
		Payload:     fields,
	}
	return event, nil
}

func deriveIdentity(fields map[string]any) string {
	for _, key := range []string{"execution_id", "conversation_id", "workflowId"} {
		if value, ok := fields[key].(string); ok && value != "" {
			return value
		}
	}
	// upstream omitted every identifier
	return NewId().String()
}

func inferStatus(fields map[string]any) WorkflowStatus {
	if status, ok := fields["status"].(string); ok && status != "" {
		return WorkflowStatus(strings.ToUpper(status))
	}
	switch fields["action"] {
	case actionPauseForInput:
		return StatusPausedAwaitingInput
	case actionProgress:
		return StatusRunning
	}
	return StatusUnknown
}

// component stream payloads sometimes arrive double-encoded,
// a json string whose contents are the json object
func decodeComponentStream(payload json.RawMessage) json.RawMessage {
	var encoded string
	if err := json.Unmarshal(payload, &encoded); err == nil {
		return json.RawMessage(encoded)
	}
	return payload
}

// receiptClock assigns strictly increasing local receipt times,
// so two events received back to back never tie on recency
type receiptClock struct {
	mutex sync.Mutex
	last  time.Time
}

func (self *receiptClock) Now() time.Time {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	now := time.Now()
	if !self.last.Before(now) {
		now = self.last.Add(time.Nanosecond)
	}
	self.last = now
	return now
}
