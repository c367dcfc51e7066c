package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/foundry/pkg/retry"
)

// Config holds provider API connection settings
type Config struct {
	APIBaseURL        string
	AccountID         string
	APIToken          string
	DispatchNamespace string
}

// Provider error codes with dedicated handling
const (
	// errCodeWorkerNotFound: secrets PUT against a script that does
	// not exist yet
	errCodeWorkerNotFound = 10007
	// errCodeClassExists: durable object migration collides with an
	// already-created class
	errCodeClassExists = 10074
)

// ProviderError is a structured failure from the provider API
type ProviderError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d (http %d): %s", e.Code, e.StatusCode, e.Message)
}

// envelope is the provider's standard response wrapper
type envelope struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Result json.RawMessage `json:"result"`
}

// isRetryable retries only transient provider failures (HTTP 5xx)
func isRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode >= 500 && pe.StatusCode <= 599
	}
	// Transport errors are not retried; the orchestrator surfaces them
	return false
}

// request performs one provider API call and decodes the envelope.
// The result parameter may be nil when the caller only needs success.
func (c *Client) request(ctx context.Context, method, url string, contentType string, body []byte, result interface{}) error {
	return c.requestAuth(ctx, method, url, contentType, body, "Bearer "+c.cfg.APIToken, result)
}

func (c *Client) requestAuth(ctx context.Context, method, url, contentType string, body []byte, authorization string, result interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to build provider request: %w", err)
	}
	req.Header.Set("Authorization", authorization)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read provider response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &ProviderError{StatusCode: resp.StatusCode, Message: string(data)}
		}
		return fmt.Errorf("failed to decode provider response: %w", err)
	}

	if !env.Success || resp.StatusCode < 200 || resp.StatusCode > 299 {
		pe := &ProviderError{StatusCode: resp.StatusCode}
		if len(env.Errors) > 0 {
			pe.Code = env.Errors[0].Code
			pe.Message = env.Errors[0].Message
		}
		return pe
	}

	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("failed to decode provider result: %w", err)
		}
	}
	return nil
}

// requestWithRetry wraps request in the provider backoff schedule:
// 1s base doubling, 30s cap, 3 attempts, 5xx only
func (c *Client) requestWithRetry(ctx context.Context, name, method, url, contentType string, body []byte, result interface{}) error {
	return retry.Do(ctx, name, retry.DefaultProviderConfig, isRetryable, func() error {
		return c.request(ctx, method, url, contentType, body, result)
	})
}

// scriptURL addresses one worker script in a dispatch namespace
func (c *Client) scriptURL(namespace, scriptName, suffix string) string {
	return fmt.Sprintf("%s/accounts/%s/workers/dispatch/namespaces/%s/scripts/%s%s",
		c.cfg.APIBaseURL, c.cfg.AccountID, namespace, scriptName, suffix)
}

// assetsUploadURL is the namespace-independent asset upload endpoint
func (c *Client) assetsUploadURL() string {
	return fmt.Sprintf("%s/accounts/%s/workers/assets/upload?base64=true", c.cfg.APIBaseURL, c.cfg.AccountID)
}

// newHTTPClient bounds individual provider calls
func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 120 * time.Second}
}
