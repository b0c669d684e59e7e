// Package indexer talks to the external document indexing service that makes
// uploaded files searchable by the AI provider.
package indexer

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
	"time"

	"assessline/internal/domain"
	"assessline/internal/retry"
)

// Service is the narrow contract the pipeline needs from the indexer.
type Service interface {
	Submit(ctx context.Context, storageRef, namespace string) (string, error)
	Status(ctx context.Context, operationID string) (Status, error)
}

// Status is an indexing operation's state as reported by the indexer.
type Status struct {
	Status string  `json:"status"`
	Error  *string `json:"error,omitempty"`
}

// Terminal reports whether the operation can no longer change.
func (s Status) Terminal() bool {
	return domain.IsTerminalIndexing(s.Status)
}

// HTTPError is a non-2xx indexer response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("indexer: status=%d body=%s", e.StatusCode, e.Body)
}

// Client is the HTTP implementation of Service.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
	Retry      retry.Policy
}

func New(baseURL, token string, timeout time.Duration, policy retry.Policy) *Client {
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: timeout},
		Timeout:    timeout,
		Retry:      policy,
	}
}

type submitRequest struct {
	StorageRef string `json:"storage_ref"`
	Namespace  string `json:"namespace"`
}

type submitResponse struct {
	OperationID string `json:"operation_id"`
}

func (c *Client) Submit(ctx context.Context, storageRef, namespace string) (string, error) {
	if strings.TrimSpace(storageRef) == "" || strings.TrimSpace(namespace) == "" {
		return "", fmt.Errorf("indexer: storage ref and namespace are required")
	}
	var resp submitResponse
	if err := c.call(ctx, http.MethodPost, "v1/operations", submitRequest{StorageRef: storageRef, Namespace: namespace}, &resp); err != nil {
		return "", err
	}
	if resp.OperationID == "" {
		return "", fmt.Errorf("indexer: empty operation id")
	}
	return resp.OperationID, nil
}

func (c *Client) Status(ctx context.Context, operationID string) (Status, error) {
	var resp Status
	err := c.call(ctx, http.MethodGet, "v1/operations/"+url.PathEscape(operationID), nil, &resp)
	if err != nil {
		return Status{}, err
	}
	resp.Status = normalizeStatus(resp.Status)
	if !domain.IsIndexingStatus(resp.Status) {
		return Status{}, fmt.Errorf("indexer: unknown status %q for operation %s", resp.Status, operationID)
	}
	return resp, nil
}

func (c *Client) call(ctx context.Context, method, endpoint string, body, out any) error {
	policy := c.Retry
	policy.Retryable = Retryable
	_, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		return c.do(ctx, method, endpoint, body, out)
	})
	return err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: c.Timeout}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Retryable reports whether an indexer error is transient: network failures,
// timeouts, 429 and the 502/503/504 gateway errors.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	return retry.IsTransientNetwork(err)
}

func normalizeStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "done", "succeeded", "success", "complete", "completed", "indexed":
		return domain.IndexingCompleted
	case "running", "in_progress", "processing", "indexing":
		return domain.IndexingProcessing
	case "queued", "pending", "":
		return domain.IndexingPending
	case "error", "failed", "failure":
		return domain.IndexingFailed
	case "timeout", "timed_out", "expired":
		return domain.IndexingTimeout
	}
	return strings.ToLower(strings.TrimSpace(s))
}
