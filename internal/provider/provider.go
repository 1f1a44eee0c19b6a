package provider

import (
	"context"
	"encoding/json"

	"github.com/starforgehq/starforge-backend/pkg/enums"
)

// Client is the interface an inference provider adapter must implement. The
// provider only supports asynchronous queueing: callers submit, then poll
// until a terminal status, then fetch results separately.
type Client interface {
	// Submit queues a job with the provider and returns its request id.
	Submit(ctx context.Context, input SubmitInput) (string, error)

	// Poll reports the current status of a queued request, including the
	// free-form log lines the provider has emitted so far.
	Poll(ctx context.Context, externalRequestID string) (*PollResponse, error)

	// FetchResult retrieves the output references of a completed request.
	FetchResult(ctx context.Context, externalRequestID string) (*Result, error)
}

// SubmitInput describes the job handed to the provider.
type SubmitInput struct {
	Kind       enums.JobKind
	Parameters map[string]any
}

// PollResponse is the normalized view of one status observation.
type PollResponse struct {
	Status        enums.ProviderStatus
	LogLines      []string
	QueuePosition int
	ErrorMessage  string
}

// Result carries the opaque output of a finished request.
type Result struct {
	OutputURLs []string
	Payload    json.RawMessage
}
