package enums

import "fmt"

// JobState tracks a job through its lifecycle. Transitions go through the
// job repository's compare-and-swap update only.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

var validJobStates = []JobState{
	JobStatePending,
	JobStateRunning,
	JobStateCompleted,
	JobStateFailed,
}

// String implements fmt.Stringer.
func (s JobState) String() string {
	return string(s)
}

// IsValid reports whether the value is known.
func (s JobState) IsValid() bool {
	for _, candidate := range validJobStates {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// ParseJobState converts raw input into a JobState.
func ParseJobState(value string) (JobState, error) {
	for _, candidate := range validJobStates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid job state %q", value)
}
