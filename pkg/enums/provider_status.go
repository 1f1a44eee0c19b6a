package enums

import "fmt"

// ProviderStatus is the normalized status reported by the inference provider
// for a queued request.
type ProviderStatus string

const (
	ProviderStatusSubmitted  ProviderStatus = "submitted"
	ProviderStatusInProgress ProviderStatus = "in_progress"
	ProviderStatusCompleted  ProviderStatus = "completed"
	ProviderStatusFailed     ProviderStatus = "failed"
)

var validProviderStatuses = []ProviderStatus{
	ProviderStatusSubmitted,
	ProviderStatusInProgress,
	ProviderStatusCompleted,
	ProviderStatusFailed,
}

// String implements fmt.Stringer.
func (s ProviderStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is known.
func (s ProviderStatus) IsValid() bool {
	for _, candidate := range validProviderStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseProviderStatus converts raw input into a ProviderStatus.
func ParseProviderStatus(value string) (ProviderStatus, error) {
	for _, candidate := range validProviderStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid provider status %q", value)
}
