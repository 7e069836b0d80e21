// Package executor invokes the external stage compute functions over HTTP.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single invocation round-trip. The orchestrator
// never waits on stage completion, only on the accept response.
const DefaultTimeout = 30 * time.Second

// httpDoer abstracts the HTTP client, enabling test mocks.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client dispatches stage invocations to per-job-type endpoints.
type Client struct {
	endpoints map[string]string
	http      httpDoer
}

// invokePayload is the wire body for a stage invocation.
type invokePayload struct {
	InspectionID      string `json:"inspection_id"`
	CompletedSequence *int   `json:"completed_sequence,omitempty"`
}

// New creates a Client from a job-type → endpoint URL map.
func New(endpoints map[string]string) *Client {
	return &Client{
		endpoints: endpoints,
		http:      &http.Client{Timeout: DefaultTimeout},
	}
}

// Invoke POSTs an invocation for jobType. completedSequence < 0 means "start
// from scratch"; otherwise the executor resumes after that sequence. A 2xx
// response means accepted; the body is not interpreted.
func (c *Client) Invoke(ctx context.Context, jobType, inspectionID string, completedSequence int) error {
	endpoint, ok := c.endpoints[jobType]
	if !ok {
		return fmt.Errorf("executor: no endpoint configured for job type %s", jobType)
	}

	payload := invokePayload{InspectionID: inspectionID}
	if completedSequence >= 0 {
		payload.CompletedSequence = &completedSequence
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("executor: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("executor: build request for %s: %w", jobType, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("executor: invoke %s: %w", jobType, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("executor: invoke %s: unexpected status %d", jobType, resp.StatusCode)
	}
	return nil
}
