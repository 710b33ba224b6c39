// Package client is an HTTP client for the send queue control surface.
package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/campaign-sendqueue/internal/job"
	"github.com/campaign-sendqueue/internal/models"
	"github.com/campaign-sendqueue/internal/types"
)

// ErrRejected is returned when the server refused a control operation
var ErrRejected = errors.New("operation rejected")

// Client talks to the send queue API
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Failures is the failed-item listing of one campaign
type Failures struct {
	CampaignID int64               `json:"campaignId"`
	Failures   []models.FailedItem `json:"failures"`
}

// APIError is a non-2xx response other than a rejection
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error %s: %s (status code %d)", e.Code, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("API error: %s (status code %d)", e.Message, e.StatusCode)
}

// NewClient creates a new API client
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Control invokes a campaign control operation such as "start" or "retry-failed".
// A rejected operation returns its result together with ErrRejected.
func (c *Client) Control(id int64, op string) (*types.ControlResult, error) {
	var result types.ControlResult
	status, err := c.do(http.MethodPost, fmt.Sprintf("/api/campaigns/%d/%s", id, op), nil, &result)
	if err != nil {
		return nil, err
	}
	if status == http.StatusConflict || !result.OK {
		return &result, ErrRejected
	}
	return &result, nil
}

// Campaign returns one campaign
func (c *Client) Campaign(id int64) (*models.Campaign, error) {
	var campaign models.Campaign
	if _, err := c.do(http.MethodGet, fmt.Sprintf("/api/campaigns/%d", id), nil, &campaign); err != nil {
		return nil, err
	}
	return &campaign, nil
}

// Progress returns a campaign's progress counters
func (c *Client) Progress(id int64) (*models.CampaignProgress, error) {
	var progress models.CampaignProgress
	if _, err := c.do(http.MethodGet, fmt.Sprintf("/api/campaigns/%d/progress", id), nil, &progress); err != nil {
		return nil, err
	}
	return &progress, nil
}

// Failures lists terminally failed items of a campaign; limit 0 uses the server default
func (c *Client) Failures(id int64, limit int) (*Failures, error) {
	path := fmt.Sprintf("/api/campaigns/%d/failures", id)
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var out Failures
	if _, err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Process runs one processor invocation on the server
func (c *Client) Process(in job.RunOptions) (*job.BatchResult, error) {
	var result job.BatchResult
	if _, err := c.do(http.MethodPost, "/api/queue/process", in, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// do performs a request and decodes a 2xx or 409 body into result
func (c *Client) do(method, path string, body interface{}, result interface{}) (int, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusConflict {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(raw)}
		var envelope struct {
			Error types.ServiceError `json:"error"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return resp.StatusCode, apiErr
	}

	if result != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
