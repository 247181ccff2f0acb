package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// HTTPExecutor hands jobs to an external execution service over HTTP. The
// POST happens in a background goroutine; Submit returns as soon as the job
// is handed off, and done fires once with the outcome (including transport
// failures, which surface as failed outcomes).
type HTTPExecutor struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

func NewHTTPExecutor(endpoint string, requestTimeout time.Duration, logger *slog.Logger) *HTTPExecutor {
	return &HTTPExecutor{
		endpoint: endpoint,
		client:   &http.Client{Timeout: requestTimeout},
		logger:   logger.With(slog.String("component", "executor_http")),
	}
}

var _ Executor = (*HTTPExecutor)(nil)

type execResponse struct {
	Status string `json:"status"` // "succeeded" or "failed"
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (e *HTTPExecutor) Submit(ctx context.Context, job Job, done func(Outcome)) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal execution job: %w", err)
	}

	go func() {
		outcome := e.execute(ctx, job, body)
		done(outcome)
	}()
	return nil
}

func (e *HTTPExecutor) execute(ctx context.Context, job Job, body []byte) Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return Outcome{Succeeded: false, Error: "executor request build failed: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Warn("execution request failed", slog.String("requestID", job.RequestID), slog.Any("error", err))
		return Outcome{Succeeded: false, Error: "executor unreachable: " + err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e.logger.Warn("executor returned non-OK status",
			slog.String("requestID", job.RequestID),
			slog.Int("status", resp.StatusCode),
		)
		return Outcome{Succeeded: false, Error: fmt.Sprintf("executor returned status %d", resp.StatusCode)}
	}

	var parsed execResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Outcome{Succeeded: false, Error: "invalid executor response: " + err.Error()}
	}
	return Outcome{
		Succeeded: parsed.Status == "succeeded",
		Output:    parsed.Output,
		Error:     parsed.Error,
	}
}
