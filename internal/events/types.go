// Package events defines event types and payloads for the courier event system.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Transfer lifecycle events
	EventTransferQueued     EventType = "transfer_queued"
	EventTransferRedirected EventType = "transfer_redirected"
	EventTransferCompleted  EventType = "transfer_completed"
	EventTransferFailed     EventType = "transfer_failed"
	EventTransferTimedOut   EventType = "transfer_timed_out"
	EventTransferCancelled  EventType = "transfer_cancelled"

	// Patch events
	EventPatchAvailable EventType = "patch_available"
	EventPatchCheck     EventType = "cmd_patch_check"

	// Notification events
	EventNotifyAdmin EventType = "notify_admin"
	EventNotifyMQTT  EventType = "notify_mqtt"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// JobState is the lifecycle state of a fetch job.
type JobState int

const (
	JobStateQueued JobState = iota
	JobStateRunning
	JobStateCompleted
	JobStateFailed
	JobStateTimedOut
	JobStateCancelled
)

// jobStateStrings maps JobState values to their JSON string representation.
var jobStateStrings = map[JobState]string{
	JobStateQueued:    "queued",
	JobStateRunning:   "running",
	JobStateCompleted: "completed",
	JobStateFailed:    "failed",
	JobStateTimedOut:  "timed_out",
	JobStateCancelled: "cancelled",
}

// String returns the string representation of JobState.
func (s JobState) String() string {
	if str, ok := jobStateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// Finished reports whether the job will not be advanced again.
func (s JobState) Finished() bool {
	return s >= JobStateCompleted
}

// MarshalJSON serializes JobState as a JSON string (e.g. "running").
func (s JobState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// TransferPayload describes a transfer at the moment an event is emitted.
type TransferPayload struct {
	ID          uint64        `json:"id"`
	URL         string        `json:"url"`
	Protocol    string        `json:"protocol"`
	Method      string        `json:"method"`
	Source      string        `json:"source,omitempty"`
	State       JobState      `json:"state"`
	StatusCode  int           `json:"status_code,omitempty"`
	Bytes       int64         `json:"bytes"`
	Redirects   int           `json:"redirects,omitempty"`
	Duration    time.Duration `json:"duration"`
	SavedTo     string        `json:"saved_to,omitempty"`
	Error       string        `json:"error,omitempty"`
	RedirectURL string        `json:"redirect_url,omitempty"`
}

// PatchFile is one file listed by a patch manifest.
type PatchFile struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

// PatchAvailablePayload announces a newer version on the patch server.
type PatchAvailablePayload struct {
	CurrentVersion string      `json:"current_version"`
	LatestVersion  string      `json:"latest_version"`
	Files          []PatchFile `json:"files,omitempty"`
}

// NotifyAdminPayload is a message for the admin webhook.
type NotifyAdminPayload struct {
	Title   string
	Message string
	Level   string // "info", "warning", "error"
}

// MQTTPayload is a message to publish on a telemetry topic.
type MQTTPayload struct {
	Topic string
	Data  interface{}
}

// ConfigChangedPayload names the configuration section that changed.
type ConfigChangedPayload struct {
	Section string
}
