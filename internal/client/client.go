// Package client is the HTTP client the CLI uses to talk to a running
// scalpel-hitl server.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
	"github.com/xkilldash9x/scalpel-hitl/internal/api"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx reply. It unwraps to the matching schemas sentinel
// so callers can use errors.Is across the wire.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
	Field      string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%d): %s [field %s]", e.Kind, e.StatusCode, e.Message, e.Field)
	}
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Kind {
	case "validation":
		return schemas.ErrValidation
	case "not_found":
		return schemas.ErrNotFound
	case "run_busy":
		return schemas.ErrRunBusy
	case "conflict":
		return schemas.ErrConflict
	case "invalid_transition":
		return schemas.ErrInvalidTransition
	case "resume_failed":
		return schemas.ErrResumeFailed
	}
	return nil
}

// retryable reports whether a retry might succeed: a busy run, a gateway
// error from the server, or no response at all.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == "run_busy" || apiErr.StatusCode == http.StatusBadGateway ||
			apiErr.StatusCode == http.StatusServiceUnavailable
	}
	return true
}

// Client calls the scalpel-hitl API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
	// maxElapsed bounds retries of one call. Zero disables retrying.
	maxElapsed time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends token as a bearer credential.
func WithToken(token string) Option { return func(c *Client) { c.token = token } }

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

// WithLogger sets the logger used for retry warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger.Named("api_client") }
}

// WithRetry bounds how long a call keeps retrying transient failures.
func WithRetry(maxElapsed time.Duration) Option { return func(c *Client) { c.maxElapsed = maxElapsed } }

// New creates a client for the server at baseURL, e.g. http://127.0.0.1:8480.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid server URL %q", baseURL)
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     zap.NewNop(),
		maxElapsed: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// do sends one request with retries and decodes a 2xx JSON reply into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to marshal request payload: %w", err)
		}
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.logger.Warn("Network error calling API, retrying...", zap.String("path", path), zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			apiErr := decodeError(resp.StatusCode, respBody)
			if !retryable(apiErr) {
				return backoff.Permanent(apiErr)
			}
			return apiErr
		}
		if out == nil || len(respBody) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}
		return nil
	}

	if c.maxElapsed <= 0 {
		err := operation()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = c.maxElapsed
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

func decodeError(status int, body []byte) *APIError {
	var er api.ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Kind == "" {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(status)
		}
		kind := "http"
		if status == http.StatusUnauthorized {
			kind = "unauthorized"
		}
		return &APIError{StatusCode: status, Kind: kind, Message: msg}
	}
	return &APIError{StatusCode: status, Kind: er.Kind, Message: er.Error, Field: er.Field}
}

// -- Health --

// Health returns the server's health report.
func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, http.MethodGet, "/api/health", nil, nil, &out)
	return out, err
}

// -- Runs --

// SubmitRun creates a run and, unless start is false, starts it.
func (c *Client) SubmitRun(ctx context.Context, jobID, target string, start bool) (*schemas.Run, error) {
	var run schemas.Run
	req := api.CreateRunRequest{JobID: jobID, Target: target, Start: &start}
	if err := c.do(ctx, http.MethodPost, "/api/runs", nil, req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns lists runs matching filter.
func (c *Client) ListRuns(ctx context.Context, filter schemas.RunFilter) ([]*schemas.Run, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.JobID != "" {
		q.Set("job_id", filter.JobID)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	var runs []*schemas.Run
	err := c.do(ctx, http.MethodGet, "/api/runs", q, nil, &runs)
	return runs, err
}

// GetRun fetches one run.
func (c *Client) GetRun(ctx context.Context, id string) (*schemas.Run, error) {
	var run schemas.Run
	if err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(id), nil, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// StartRun starts a pending run.
func (c *Client) StartRun(ctx context.Context, id string) (*schemas.Run, error) {
	var run schemas.Run
	if err := c.do(ctx, http.MethodPost, "/api/runs/"+url.PathEscape(id)+"/start", nil, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// AbandonRun gives up on a run.
func (c *Client) AbandonRun(ctx context.Context, id, reason string) (*schemas.Run, error) {
	var run schemas.Run
	if err := c.do(ctx, http.MethodPost, "/api/runs/"+url.PathEscape(id)+"/abandon", nil, api.AbandonRequest{Reason: reason}, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// -- Interventions --

// ListInterventions lists intervention tasks matching filter.
func (c *Client) ListInterventions(ctx context.Context, filter schemas.InterventionFilter) ([]*schemas.InterventionTask, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.RunID != "" {
		q.Set("run_id", filter.RunID)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	var tasks []*schemas.InterventionTask
	err := c.do(ctx, http.MethodGet, "/api/interventions", q, nil, &tasks)
	return tasks, err
}

// GetIntervention fetches one intervention task.
func (c *Client) GetIntervention(ctx context.Context, id string) (*schemas.InterventionTask, error) {
	var task schemas.InterventionTask
	if err := c.do(ctx, http.MethodGet, "/api/interventions/"+url.PathEscape(id), nil, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ResolveIntervention submits a human's resolution.
func (c *Client) ResolveIntervention(ctx context.Context, id string, body schemas.ResolutionBody) (*api.ResolveResponse, error) {
	var out api.ResolveResponse
	if err := c.do(ctx, http.MethodPost, "/api/interventions/"+url.PathEscape(id)+"/resolve", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// -- Domains --

// ListDomains lists every learned domain.
func (c *Client) ListDomains(ctx context.Context) ([]*schemas.DomainConfig, error) {
	var domains []*schemas.DomainConfig
	err := c.do(ctx, http.MethodGet, "/api/domains", nil, nil, &domains)
	return domains, err
}

// GetDomain fetches what has been learned about domain.
func (c *Client) GetDomain(ctx context.Context, domain string) (*schemas.DomainConfig, error) {
	var d schemas.DomainConfig
	if err := c.do(ctx, http.MethodGet, "/api/domains/"+url.PathEscape(domain), nil, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Recommend returns the engine order the server would use for domain.
func (c *Client) Recommend(ctx context.Context, domain string) (*schemas.Recommendation, error) {
	var rec schemas.Recommendation
	if err := c.do(ctx, http.MethodGet, "/api/domains/"+url.PathEscape(domain)+"/recommendation", nil, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Override pins operator settings for domain.
func (c *Client) Override(ctx context.Context, domain string, o schemas.DomainOverride) (*schemas.DomainConfig, error) {
	var d schemas.DomainConfig
	if err := c.do(ctx, http.MethodPost, "/api/domains/"+url.PathEscape(domain)+"/override", nil, o, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// -- Sessions --

// ListSessions lists vault entries without their material.
func (c *Client) ListSessions(ctx context.Context) ([]api.SessionView, error) {
	var views []api.SessionView
	err := c.do(ctx, http.MethodGet, "/api/sessions", nil, nil, &views)
	return views, err
}

// GetSession inspects the current vault entry for domain.
func (c *Client) GetSession(ctx context.Context, domain string) (*api.SessionView, error) {
	var v api.SessionView
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(domain), nil, nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
