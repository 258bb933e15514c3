package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPPredictionTool calls a molecular-property prediction service over
// HTTP. The request body is the node input; the response body is passed
// through as the node result.
type HTTPPredictionTool struct {
	endpoint string
	client   *http.Client
}

// NewHTTPPredictionTool builds a prediction tool for the given endpoint.
func NewHTTPPredictionTool(endpoint string, timeout time.Duration) *HTTPPredictionTool {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPPredictionTool{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Predict posts the input payload and returns the service's JSON result.
// Server-side errors are transient; client-side rejections are fatal.
func (t *HTTPPredictionTool) Predict(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(input))
	if err != nil {
		return nil, Fatal(fmt.Errorf("build prediction request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("prediction request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(fmt.Errorf("read prediction response: %w", err))
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, Transient(fmt.Errorf("prediction service returned %d: %s", resp.StatusCode, body))
	case resp.StatusCode >= 400:
		return nil, Fatal(fmt.Errorf("prediction service rejected input (%d): %s", resp.StatusCode, body))
	}

	if !json.Valid(body) {
		return nil, Transient(fmt.Errorf("prediction service returned invalid JSON"))
	}
	return body, nil
}
