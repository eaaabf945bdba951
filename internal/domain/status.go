package domain

import "strings"

// JobStatus is the externally visible state of a job. While the pipeline is
// executing, the status carries the name of the step currently running.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "QUEUED"
	JobStatusReady    JobStatus = "READY"
	JobStatusFailed   JobStatus = "FAILED"
	JobStatusCanceled JobStatus = "CANCELED"
)

// StatusForStep returns the status shown while step is executing.
func StatusForStep(step Step) JobStatus {
	return JobStatus(step)
}

// NormalizeJobStatus maps free-form status values to canonical ones.
func NormalizeJobStatus(value string) JobStatus {
	status := JobStatus(strings.ToUpper(strings.TrimSpace(value)))
	switch status {
	case JobStatusQueued, JobStatusReady, JobStatusFailed, JobStatusCanceled:
		return status
	}
	if _, ok := ParseStep(string(status)); ok {
		return status
	}
	return ""
}

// IsTerminalStatus reports whether no further pipeline work happens for a job
// in this status.
func IsTerminalStatus(status JobStatus) bool {
	switch status {
	case JobStatusReady, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}
