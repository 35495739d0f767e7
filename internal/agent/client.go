package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"kairos/internal/util"
)

// Compile-time interface check.
var _ Actor = (*HTTPClient)(nil)

const maxErrorBody = 512

// HTTPClient talks to an agent over JSON/HTTP.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	retries    int
	logger     *slog.Logger
}

// NewHTTPClient creates a client for baseURL. timeout bounds each attempt;
// retries is the number of extra attempts after the first one.
func NewHTTPClient(baseURL string, timeout time.Duration, retries int, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = util.Discard()
	}
	if retries < 0 {
		retries = 0
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    timeout,
		retries:    retries,
		logger:     logger,
	}
}

// Act sends one request to POST {base}/v1/act.
func (c *HTTPClient) Act(ctx context.Context, req Request) (Response, CallInfo, error) {
	var resp Response
	info, err := c.post(ctx, "/v1/act", req, func(body []byte) error {
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		return resp.Validate()
	})
	if err != nil {
		return Response{}, info, err
	}
	return resp, info, nil
}

// ActBatch sends several requests to POST {base}/v1/act_batch.
func (c *HTTPClient) ActBatch(ctx context.Context, reqs []Request) ([]Response, CallInfo, error) {
	var out BatchResponse
	info, err := c.post(ctx, "/v1/act_batch", BatchRequest{Items: reqs}, func(body []byte) error {
		if err := json.Unmarshal(body, &out); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		if len(out.Items) != len(reqs) {
			return fmt.Errorf("%w: sent %d, got %d", ErrBatchMismatch, len(reqs), len(out.Items))
		}
		for i, item := range out.Items {
			if err := item.Validate(); err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, info, err
	}
	return out.Items, info, nil
}

// post runs the bounded retry loop. Transport errors and 5xx responses are
// retried; other statuses and decode failures end the loop at once.
func (c *HTTPClient) post(ctx context.Context, path string, payload any, decode func([]byte) error) (CallInfo, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return CallInfo{}, fmt.Errorf("encoding agent request: %w", err)
	}

	var info CallInfo
	start := time.Now()
	err = util.Retry(ctx, c.retries+1, 0, func() error {
		info.Attempts++
		status, respBody, err := c.do(ctx, path, body)
		info.Status = status
		if err != nil {
			c.logger.Debug("agent transport error", "path", path, "attempt", info.Attempts, "error", err)
			return err
		}
		if status >= 500 {
			return &StatusError{Code: status, Body: truncate(respBody)}
		}
		if status != http.StatusOK {
			return util.Permanent(&StatusError{Code: status, Body: truncate(respBody)})
		}
		if err := decode(respBody); err != nil {
			return util.Permanent(err)
		}
		return nil
	})
	info.Duration = time.Since(start)
	if err != nil {
		info.Err = err.Error()
	}
	return info, err
}

func (c *HTTPClient) do(ctx context.Context, path string, body []byte) (int, []byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, util.Permanent(fmt.Errorf("building agent request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}
