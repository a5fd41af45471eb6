package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a HashJob.
const (
	JobStatusPending   = "pending"   // Created by extraction, waiting for a device slot
	JobStatusRunning   = "running"   // Claimed by the processor, hashcat is executing
	JobStatusSucceeded = "succeeded" // Hashcat recovered the plaintext
	JobStatusFailed    = "failed"    // Engine failure after the retry was used up
	JobStatusNoResult  = "no_result" // Dictionary exhausted without a crack
	JobStatusCancelled = "cancelled" // Cancelled externally from pending or running
)

// MaxJobAttempts caps automatic retries: a job is started at most twice.
const MaxJobAttempts = 2

// DeviceClass is the compute backend a job is assigned to.
type DeviceClass string

const (
	DeviceCPU DeviceClass = "cpu"
	DeviceGPU DeviceClass = "gpu"
)

// Valid reports whether the device class is one the engine can target.
func (d DeviceClass) Valid() bool {
	return d == DeviceCPU || d == DeviceGPU
}

// IsTerminalStatus returns true if no transition out of the status is allowed.
func IsTerminalStatus(status string) bool {
	switch status {
	case JobStatusSucceeded, JobStatusFailed, JobStatusNoResult, JobStatusCancelled:
		return true
	}
	return false
}

// CaptureFile represents a capture artifact detected in the capture store.
// Identity is the content checksum: the same bytes under a different name are
// the same capture. Immutable once recorded.
type CaptureFile struct {
	ID         uuid.UUID `json:"id"`
	Path       string    `json:"path"`
	Checksum   string    `json:"checksum"` // SHA-256 of file content
	Size       int64     `json:"size"`
	DetectedAt time.Time `json:"detected_at"`
	// ParseError records a non-fatal extraction failure for this file.
	// The file is processed-with-error and not retried automatically.
	ParseError *string `json:"parse_error,omitempty"`
}

// HashJob is one unit of cracking work: one extracted hash, one dictionary
// set, one device class. Owned by the job repository; mutated only through
// state transitions issued by the processor.
type HashJob struct {
	ID           uuid.UUID   `json:"id"`
	CaptureID    uuid.UUID   `json:"capture_id"`
	HashPayload  string      `json:"hash_payload"` // hashcat 22000 line
	HashAlgo     string      `json:"hash_algo"`    // hashcat mode, e.g. "22000"
	ESSID        string      `json:"essid"`
	BSSID        string      `json:"bssid"`
	Status       string      `json:"status"`
	Dictionaries []string    `json:"dictionaries"`
	DeviceClass  DeviceClass `json:"device_class"`
	AttemptCount int         `json:"attempt_count"`
	Result       *string     `json:"result,omitempty"` // cracked plaintext
	ErrorDetail  *string     `json:"error_detail,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
}

// CanTransition reports whether moving a job from one status to another is a
// legal state machine edge. running -> pending is the one-shot retry path;
// the attempt cap is enforced by the processor, not here.
func CanTransition(from, to string) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusRunning || to == JobStatusCancelled
	case JobStatusRunning:
		switch to {
		case JobStatusSucceeded, JobStatusFailed, JobStatusNoResult, JobStatusCancelled, JobStatusPending:
			return true
		}
	}
	return false
}
