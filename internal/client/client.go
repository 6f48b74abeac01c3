// Package client is the Go client for the kvadmin daemon's HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"kvadmin/internal/models"
	"kvadmin/internal/progress"
)

// ErrNotFound is returned when the daemon does not know the job.
var ErrNotFound = progress.ErrJobNotFound

// Client talks to one kvadmin daemon.
type Client struct {
	baseURL string
	actor   string
	http    *http.Client
}

// New builds a client for the daemon at baseURL. actor is sent with every
// mutating request for the audit trail.
func New(baseURL, actor string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		actor:   actor,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// BaseURL returns the daemon address the client was built with.
func (c *Client) BaseURL() string { return c.baseURL }

// SubmitJob creates a new job.
func (c *Client) SubmitJob(ctx context.Context, req models.SubmitRequest) (models.Job, error) {
	var job models.Job
	err := c.do(ctx, http.MethodPost, "/api/jobs", req, &job)
	return job, err
}

// GetJob fetches the latest state of a job.
func (c *Client) GetJob(ctx context.Context, id string) (models.Job, error) {
	var job models.Job
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &job)
	return job, err
}

// JobProgress fetches a job and returns its progress view. It satisfies
// the poll transport's fetcher contract.
func (c *Client) JobProgress(ctx context.Context, id string) (models.ProgressUpdate, error) {
	job, err := c.GetJob(ctx, id)
	if err != nil {
		return models.ProgressUpdate{}, err
	}
	return job.Progress(), nil
}

// ListJobs queries the job history.
func (c *Client) ListJobs(ctx context.Context, q models.JobQuery) (models.JobList, error) {
	var list models.JobList
	err := c.do(ctx, http.MethodGet, "/api/jobs?"+encodeQuery(q), nil, &list)
	return list, err
}

// ListEvents fetches the event timeline of a job. It satisfies the
// timeline reader's source contract.
func (c *Client) ListEvents(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	var events []models.JobEvent
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID)+"/events", nil, &events)
	return events, err
}

// CancelJob requests cancellation of a job.
func (c *Client) CancelJob(ctx context.Context, id string) (models.Job, error) {
	var job models.Job
	err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(id)+"/cancel", nil, &job)
	return job, err
}

func encodeQuery(q models.JobQuery) string {
	v := url.Values{}
	if q.Status != nil {
		v.Set("status", string(*q.Status))
	}
	if q.Operation != nil {
		v.Set("operation_type", string(*q.Operation))
	}
	if q.Namespace != nil {
		v.Set("namespace_id", *q.Namespace)
	}
	if q.IDContains != "" {
		v.Set("id_contains", q.IDContains)
	}
	if q.MinErrors != nil {
		v.Set("min_errors", strconv.Itoa(*q.MinErrors))
	}
	if q.StartedFrom != nil {
		v.Set("started_from", q.StartedFrom.Format(time.RFC3339))
	}
	if q.StartedTo != nil {
		v.Set("started_to", q.StartedTo.Format(time.RFC3339))
	}
	if q.SortBy != "" {
		v.Set("sort_by", q.SortBy)
	}
	if q.SortOrder != "" {
		v.Set("sort_order", q.SortOrder)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	return v.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.actor != "" {
		req.Header.Set("X-Actor", c.actor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", method, path, apiError(resp.Body, resp.Status))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// apiError extracts the daemon's error message, falling back to the HTTP
// status line.
func apiError(body io.Reader, status string) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(body).Decode(&e); err == nil && e.Error != "" {
		return e.Error
	}
	return status
}
