package enums

import "fmt"

// JobKind distinguishes the two billable job families.
type JobKind string

const (
	JobKindGeneration JobKind = "generation"
	JobKindTraining   JobKind = "training"
)

var validJobKinds = []JobKind{
	JobKindGeneration,
	JobKindTraining,
}

// String implements fmt.Stringer.
func (k JobKind) String() string {
	return string(k)
}

// IsValid reports whether the value is known.
func (k JobKind) IsValid() bool {
	for _, candidate := range validJobKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

// TransactionKind maps the job kind to the ledger kind charged for it.
func (k JobKind) TransactionKind() TransactionKind {
	if k == JobKindTraining {
		return TransactionKindTraining
	}
	return TransactionKindGeneration
}

// ParseJobKind converts raw input into a JobKind.
func ParseJobKind(value string) (JobKind, error) {
	for _, candidate := range validJobKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid job kind %q", value)
}
