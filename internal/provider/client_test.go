package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starforgehq/starforge-backend/pkg/config"
	"github.com/starforgehq/starforge-backend/pkg/enums"
	pkgerrors "github.com/starforgehq/starforge-backend/pkg/errors"
	"github.com/starforgehq/starforge-backend/pkg/logger"
)

func newTestClient(t *testing.T, handler http.Handler) Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(config.ProviderConfig{
		BaseURL:     server.URL,
		APIKey:      "secret-key",
		HTTPTimeout: 5 * time.Second,
	}, logger.New(logger.Options{ServiceName: "test", Output: io.Discard}))
	require.NoError(t, err)
	return client
}

func TestSubmitReturnsRequestID(t *testing.T) {
	var gotAuth string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/generations", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"request_id":"req-42"}`))
	}))

	id, err := client.Submit(context.Background(), SubmitInput{
		Kind:       enums.JobKindGeneration,
		Parameters: map[string]any{"prompt": "a red fox"},
	})
	require.NoError(t, err)
	assert.Equal(t, "req-42", id)
	assert.Equal(t, "Key secret-key", gotAuth)
}

func TestSubmitTrainingUsesTrainingEndpoint(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/trainings", r.URL.Path)
		_, _ = w.Write([]byte(`{"request_id":"train-1"}`))
	}))

	id, err := client.Submit(context.Background(), SubmitInput{Kind: enums.JobKindTraining})
	require.NoError(t, err)
	assert.Equal(t, "train-1", id)
}

func TestSubmitMissingRequestIDIsDependencyError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))

	_, err := client.Submit(context.Background(), SubmitInput{Kind: enums.JobKindGeneration})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeDependency, pkgerrors.As(err).Code())
}

func TestPollNormalizesStatusesAndLogs(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/requests/req-42/status", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("logs"))
		_, _ = w.Write([]byte(`{
			"status": "IN_PROGRESS",
			"queue_position": 0,
			"logs": [{"message": "step 12/50"}, {"message": "progress: 24%"}]
		}`))
	}))

	resp, err := client.Poll(context.Background(), "req-42")
	require.NoError(t, err)
	assert.Equal(t, enums.ProviderStatusInProgress, resp.Status)
	assert.Equal(t, []string{"step 12/50", "progress: 24%"}, resp.LogLines)
}

func TestPollUnknownStatusFails(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": "EXPLODED"}`))
	}))

	_, err := client.Poll(context.Background(), "req-42")
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeDependency, pkgerrors.As(err).Code())
}

func TestPollNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such request", http.StatusNotFound)
	}))

	_, err := client.Poll(context.Background(), "req-gone")
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.As(err).Code())
}

func TestFetchResultCollectsOutputURLs(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/requests/req-42", r.URL.Path)
		_, _ = w.Write([]byte(`{"outputs":[{"url":"https://cdn.example.com/a.png"},{"url":""}]}`))
	}))

	result, err := client.FetchResult(context.Background(), "req-42")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.example.com/a.png"}, result.OutputURLs)
	assert.NotEmpty(t, result.Payload)
}

func TestServerErrorMapsToDependency(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))

	_, err := client.Poll(context.Background(), "req-42")
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeDependency, pkgerrors.As(err).Code())
}
