package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/starforgehq/starforge-backend/pkg/config"
	"github.com/starforgehq/starforge-backend/pkg/enums"
	pkgerrors "github.com/starforgehq/starforge-backend/pkg/errors"
	"github.com/starforgehq/starforge-backend/pkg/logger"
)

const (
	generationEndpoint = "v1/generations"
	trainingEndpoint   = "v1/trainings"
	requestsEndpoint   = "v1/requests"
)

var (
	errBaseURLRequired = errors.New("provider base url is required")
	errLoggerRequired  = errors.New("provider logger is required")
)

// queue statuses as the provider reports them
const (
	wireStatusQueued     = "IN_QUEUE"
	wireStatusInProgress = "IN_PROGRESS"
	wireStatusCompleted  = "COMPLETED"
	wireStatusFailed     = "FAILED"
)

// httpClient talks to the provider's asynchronous request queue over HTTP.
type httpClient struct {
	http    *http.Client
	baseURL string
	apiKey  string
	logger  *logger.Logger
}

// NewClient builds the HTTP provider client from configuration.
func NewClient(cfg config.ProviderConfig, logg *logger.Logger) (Client, error) {
	if logg == nil {
		return nil, errLoggerRequired
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errBaseURLRequired
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid provider base url: %w", err)
	}
	return &httpClient{
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
		baseURL: base,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		logger:  logg,
	}, nil
}

type submitResponse struct {
	RequestID string `json:"request_id"`
}

type statusResponse struct {
	Status        string `json:"status"`
	QueuePosition int    `json:"queue_position"`
	Error         string `json:"error"`
	Logs          []struct {
		Message string `json:"message"`
	} `json:"logs"`
}

type resultResponse struct {
	Outputs []struct {
		URL string `json:"url"`
	} `json:"outputs"`
}

func (c *httpClient) Submit(ctx context.Context, input SubmitInput) (string, error) {
	endpoint := generationEndpoint
	if input.Kind == enums.JobKindTraining {
		endpoint = trainingEndpoint
	}

	body, err := json.Marshal(input.Parameters)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "encode job parameters")
	}

	var parsed submitResponse
	if err := c.do(ctx, http.MethodPost, endpoint, bytes.NewReader(body), &parsed); err != nil {
		return "", err
	}
	if strings.TrimSpace(parsed.RequestID) == "" {
		return "", pkgerrors.New(pkgerrors.CodeDependency, "provider accepted the job without a request id")
	}

	c.logger.Info(ctx, "job submitted to provider")
	return parsed.RequestID, nil
}

func (c *httpClient) Poll(ctx context.Context, externalRequestID string) (*PollResponse, error) {
	if strings.TrimSpace(externalRequestID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "external request id required")
	}

	path := fmt.Sprintf("%s/%s/status?logs=1", requestsEndpoint, url.PathEscape(externalRequestID))
	var parsed statusResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &parsed); err != nil {
		return nil, err
	}

	status, err := normalizeStatus(parsed.Status)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "unexpected provider status")
	}

	lines := make([]string, 0, len(parsed.Logs))
	for _, entry := range parsed.Logs {
		lines = append(lines, entry.Message)
	}

	return &PollResponse{
		Status:        status,
		LogLines:      lines,
		QueuePosition: parsed.QueuePosition,
		ErrorMessage:  parsed.Error,
	}, nil
}

func (c *httpClient) FetchResult(ctx context.Context, externalRequestID string) (*Result, error) {
	if strings.TrimSpace(externalRequestID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "external request id required")
	}

	path := fmt.Sprintf("%s/%s", requestsEndpoint, url.PathEscape(externalRequestID))
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch provider result")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read provider result")
	}
	if err := statusError(resp.StatusCode, payload); err != nil {
		return nil, err
	}

	var parsed resultResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode provider result")
	}

	urls := make([]string, 0, len(parsed.Outputs))
	for _, output := range parsed.Outputs {
		if strings.TrimSpace(output.URL) != "" {
			urls = append(urls, output.URL)
		}
	}
	return &Result{OutputURLs: urls, Payload: payload}, nil
}

func (c *httpClient) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "call provider")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read provider response")
	}
	if err := statusError(resp.StatusCode, payload); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode provider response")
	}
	return nil
}

func (c *httpClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+path, body)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build provider request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Key "+c.apiKey)
	}
	return req, nil
}

func statusError(code int, payload []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return pkgerrors.New(pkgerrors.CodeNotFound, "provider request not found")
	default:
		message := strings.TrimSpace(string(payload))
		if len(message) > 256 {
			message = message[:256]
		}
		return pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("provider returned status %d", code)).
			WithDetails(map[string]any{"body": message})
	}
}

func normalizeStatus(raw string) (enums.ProviderStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case wireStatusQueued:
		return enums.ProviderStatusSubmitted, nil
	case wireStatusInProgress:
		return enums.ProviderStatusInProgress, nil
	case wireStatusCompleted:
		return enums.ProviderStatusCompleted, nil
	case wireStatusFailed:
		return enums.ProviderStatusFailed, nil
	default:
		return "", fmt.Errorf("unknown status %q", raw)
	}
}
