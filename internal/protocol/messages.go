package protocol

import (
	"encoding/json"
	"time"
)

// AssemblyRequest asks the engine to build a protocol recording for a user.
// Published by backend collaborators on SubjectAssemblyRequest.
type AssemblyRequest struct {
	UserID       string          `json:"user_id"`
	SessionID    string          `json:"session_id,omitempty"`
	Instructions json.RawMessage `json:"instructions"`
}

// AssemblyAccepted is the reply sent when a bus-triggered submission is accepted.
type AssemblyAccepted struct {
	JobID             string  `json:"job_id"`
	EstimatedDuration float64 `json:"estimated_duration"`
}

// Notification is a user-facing event emitted when a job reaches a terminal state.
type Notification struct {
	UserID    string            `json:"user_id"`
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

const (
	SubjectAssemblyRequest = "assembly.request"

	// SubjectNotifyPrefix is completed by the recipient user id.
	SubjectNotifyPrefix = "notify.user"

	NotifyAssemblyCompleted = "protocol_assembly_completed"
	NotifyAssemblyFailed    = "protocol_assembly_failed"
)
