package assesslinesdk

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

	"assessline/internal/retry"
)

// Client is a minimal Assessline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Session struct {
	ID               string  `json:"id"`
	OrgCode          string  `json:"org_code"`
	UnitCode         string  `json:"unit_code"`
	Namespace        string  `json:"namespace"`
	RequirementTotal int     `json:"requirement_total"`
	CompletedCount   int     `json:"completed_count"`
	Status           string  `json:"status"`
	LastError        *string `json:"last_error,omitempty"`
	Progress         float64 `json:"progress"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
}

type SessionStatus struct {
	SessionID string  `json:"session_id"`
	Status    string  `json:"status"`
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
	Progress  float64 `json:"progress"`
	LastError *string `json:"last_error,omitempty"`
	Ready     bool    `json:"ready"`
}

// Indexing reports whether the session is still waiting for documents.
func (s SessionStatus) Indexing() bool {
	return s.Status == "pending" || s.Status == "document_processing"
}

type Document struct {
	ID                  string  `json:"id"`
	SessionID           string  `json:"session_id"`
	Name                string  `json:"name"`
	StorageRef          string  `json:"storage_ref"`
	Namespace           string  `json:"namespace"`
	IndexingOperationID *string `json:"indexing_operation_id,omitempty"`
	IndexingStatus      string  `json:"indexing_status"`
	IndexingError       *string `json:"indexing_error,omitempty"`
}

type Citation struct {
	DocumentName string `json:"document_name"`
	PageNumbers  []int  `json:"page_numbers"`
	Snippet      string `json:"snippet,omitempty"`
}

type SmartQuestion struct {
	Question        string `json:"question"`
	BenchmarkAnswer string `json:"benchmark_answer"`
}

type Outcome struct {
	ID                string          `json:"id"`
	SessionID         string          `json:"session_id"`
	Category          string          `json:"category"`
	RequirementNumber string          `json:"requirement_number"`
	Status            string          `json:"status"`
	Reasoning         string          `json:"reasoning"`
	MappedContent     string          `json:"mapped_content,omitempty"`
	Citations         []Citation      `json:"citations"`
	SmartQuestions    []SmartQuestion `json:"smart_questions"`
	Confidence        *float64        `json:"confidence,omitempty"`
	ValidationError   bool            `json:"validation_error"`
	RetryCount        int             `json:"retry_count"`
	UpdatedAt         string          `json:"updated_at"`
}

type TriggerResult struct {
	SessionID string  `json:"session_id"`
	Source    string  `json:"source"`
	Triggered bool    `json:"triggered"`
	Status    string  `json:"status"`
	Reason    *string `json:"reason,omitempty"`
}

type TriggerLogEntry struct {
	ID        int64   `json:"id"`
	SessionID string  `json:"session_id"`
	Source    string  `json:"source"`
	Succeeded bool    `json:"succeeded"`
	Error     *string `json:"error,omitempty"`
	TS        string  `json:"ts"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrWaitTimeout is returned by WaitReady when the session is still indexing
// after the last poll.
var ErrWaitTimeout = errors.New("session still indexing")

// StartSession creates a validation session for an organisation and unit.
func (c *Client) StartSession(ctx context.Context, orgCode, unitCode string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, "sessions", map[string]any{"org_code": orgCode, "unit_code": unitCode}, &resp)
	return resp, err
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, "sessions/"+url.PathEscape(sessionID), nil, &resp)
	return resp, err
}

// GetSessionStatus returns the progress rollup.
func (c *Client) GetSessionStatus(ctx context.Context, sessionID string) (SessionStatus, error) {
	var resp SessionStatus
	err := c.do(ctx, http.MethodGet, "sessions/"+url.PathEscape(sessionID)+"/status", nil, &resp)
	return resp, err
}

// RegisterDocument attaches an uploaded file to a session.
func (c *Client) RegisterDocument(ctx context.Context, sessionID, name, storageRef string) (Document, error) {
	var resp Document
	err := c.do(ctx, http.MethodPost, "sessions/"+url.PathEscape(sessionID)+"/documents",
		map[string]any{"name": name, "storage_ref": storageRef}, &resp)
	return resp, err
}

func (c *Client) ListDocuments(ctx context.Context, sessionID string) ([]Document, error) {
	var resp struct {
		Items []Document `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "sessions/"+url.PathEscape(sessionID)+"/documents", nil, &resp)
	return resp.Items, err
}

// ReportIndexingStatus is the indexer callback for one document.
func (c *Client) ReportIndexingStatus(ctx context.Context, documentID, status string, indexErr *string) (Document, error) {
	body := map[string]any{"status": status}
	if indexErr != nil {
		body["error"] = *indexErr
	}
	var resp Document
	err := c.do(ctx, http.MethodPost, "documents/"+url.PathEscape(documentID)+"/indexing-status", body, &resp)
	return resp, err
}

// TriggerSession asks the server to start validation. A session that is not
// ready yet comes back with Triggered false and a Reason.
func (c *Client) TriggerSession(ctx context.Context, sessionID string) (TriggerResult, error) {
	var resp TriggerResult
	err := c.do(ctx, http.MethodPost, "sessions/"+url.PathEscape(sessionID)+"/trigger", map[string]any{"source": "manual"}, &resp)
	return resp, err
}

// OutcomeFilter narrows ListOutcomes.
type OutcomeFilter struct {
	Category   string
	Status     string
	ErrorsOnly bool
}

func (c *Client) ListOutcomes(ctx context.Context, sessionID string, f OutcomeFilter) ([]Outcome, error) {
	q := url.Values{}
	if f.Category != "" {
		q.Set("category", f.Category)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.ErrorsOnly {
		q.Set("errors_only", "true")
	}
	endpoint := "sessions/" + url.PathEscape(sessionID) + "/outcomes"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Outcome `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// RevalidateRequirement re-runs validation for one requirement and returns
// the replaced outcome.
func (c *Client) RevalidateRequirement(ctx context.Context, sessionID, category, number string) (Outcome, error) {
	var resp Outcome
	endpoint := fmt.Sprintf("sessions/%s/outcomes/%s/%s/revalidate", url.PathEscape(sessionID), url.PathEscape(category), url.PathEscape(number))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) ListTriggers(ctx context.Context, sessionID string) ([]TriggerLogEntry, error) {
	var resp struct {
		Items []TriggerLogEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "sessions/"+url.PathEscape(sessionID)+"/triggers", nil, &resp)
	return resp.Items, err
}

// WaitReady polls the session status every interval until it leaves
// indexing, at most maxAttempts times. Transient request failures count as
// attempts.
func (c *Client) WaitReady(ctx context.Context, sessionID string, interval time.Duration, maxAttempts int) (SessionStatus, error) {
	var last SessionStatus
	policy := retry.Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   interval,
		MaxDelay:    interval,
		Retryable: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode >= 500
			}
			return true
		},
	}
	_, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		st, err := c.GetSessionStatus(ctx, sessionID)
		if err != nil {
			return err
		}
		last = st
		if st.Indexing() {
			return ErrWaitTimeout
		}
		return nil
	})
	if err != nil && retry.IsExhausted(err) && errors.Is(err, ErrWaitTimeout) {
		return last, ErrWaitTimeout
	}
	return last, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
