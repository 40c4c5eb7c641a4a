package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/netunicorn/director/pkg/apierr"
)

// retryCeiling is the fixed ceiling on exponential-backoff retries when
// loading a pipeline from the gateway, per spec §4.6 step 1.
const retryCeiling = 5

// backoffBase is the base delay of the exponential backoff; attempt 0 runs
// at once and attempt n (n >= 1) first waits backoffBase * 2^(n-1).
const backoffBase = 200 * time.Millisecond

// gatewayClient is a thin HTTP client over the gateway endpoints an
// executor talks to (spec §4.5).
type gatewayClient struct {
	baseURL    string
	executorID string
	http       *http.Client
}

func newGatewayClient(baseURL, executorID string) *gatewayClient {
	return &gatewayClient{
		baseURL:    baseURL,
		executorID: executorID,
		http:       &http.Client{Timeout: 15 * time.Second},
	}
}

// fetchPipeline retries GET /pipeline/{executor_id} with exponential
// backoff up to retryCeiling attempts; a 404 persisting past the ceiling
// terminates with a transport error, per spec §4.6 step 1.
func (c *gatewayClient) fetchPipeline(ctx context.Context) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < retryCeiling; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoffBase << uint(attempt-1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		blob, err := c.tryFetchPipeline(ctx)
		if err == nil {
			return blob, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("executor: fetch pipeline after %d attempts: %w: %w", retryCeiling, apierr.ErrTransport, lastErr)
}

func (c *gatewayClient) tryFetchPipeline(ctx context.Context) ([]byte, error) {
	url := fmt.Sprintf("%s/pipeline/%s", c.baseURL, c.executorID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// postHeartbeat sends one heartbeat; failures are logged by the caller
// and otherwise ignored, per spec §4.6 step 2 — the processor, not the
// executor, is the authority on liveness.
func (c *gatewayClient) postHeartbeat(ctx context.Context) error {
	url := fmt.Sprintf("%s/heartbeat/%s", c.baseURL, c.executorID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}
	return nil
}

// postResult submits the final composite result blob.
func (c *gatewayClient) postResult(ctx context.Context, blob []byte) error {
	url := fmt.Sprintf("%s/result/%s", c.baseURL, c.executorID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(blob))
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", apierr.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: gateway returned %s", apierr.ErrTransport, resp.Status)
	}
	return nil
}
