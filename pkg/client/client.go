package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tanvigunjal/multimodal-rag-client/pkg/chat"
)

// Client talks to the retrieval backend's REST surface: auth, title
// generation, the non-streaming query endpoint, document ingestion and
// media retrieval. Streaming answers go through pkg/streaming instead.
type Client struct {
	httpClient *http.Client
	BaseURL    string
	Token      string

	// PollInterval is the delay between job-status polls.
	PollInterval time.Duration
}

const defaultPollInterval = 2 * time.Second

// maxPollAttempts bounds PollJob so an abandoned backend job cannot
// pin a poller forever. 150 attempts at the default interval is five
// minutes.
const maxPollAttempts = 150

// NewClient initializes and returns a new backend client. The token
// may be empty until Login succeeds.
func NewClient(baseURL string, token string) *Client {
	return &Client{
		httpClient:   &http.Client{},
		BaseURL:      strings.TrimRight(baseURL, "/"),
		Token:        token,
		PollInterval: defaultPollInterval,
	}
}

func (c *Client) setHeaders(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("Content-Type", "application/json")
}

// errorResponse is the backend's uniform error body.
type errorResponse struct {
	Detail string `json:"detail"`
}

// doJSON performs a request with an optional JSON body and decodes the
// JSON response into out. Non-2xx responses surface the server's
// `detail` message when present.
func (c *Client) doJSON(ctx context.Context, method, path string, in interface{}, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encoding request")
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return errors.Wrapf(err, "building %s request", path)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "requesting %s", path)
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "reading %s response", path)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Detail != "" {
			return errors.New(errResp.Detail)
		}
		return errors.Errorf("%s returned status %d", path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return errors.Wrapf(err, "decoding %s response", path)
	}
	return nil
}

// Session is a successful login.
type Session struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

// Login exchanges credentials for a token. The token is stored on the
// client so subsequent calls authenticate.
func (c *Client) Login(ctx context.Context, email string, password string) (*Session, error) {
	var session Session
	err := c.doJSON(ctx, http.MethodPost, "/v1/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &session)
	if err != nil {
		return nil, err
	}
	c.Token = session.Token
	return &session, nil
}

// CheckAuth verifies the stored token and returns the account email.
func (c *Client) CheckAuth(ctx context.Context) (string, error) {
	var resp struct {
		Email string `json:"email"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/auth/me", nil, &resp); err != nil {
		return "", err
	}
	return resp.Email, nil
}

// Summarize asks the backend for a short conversation title derived
// from the first query.
func (c *Client) Summarize(ctx context.Context, query string) (string, error) {
	var resp struct {
		Title string `json:"title"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/v1/query/summarize", map[string]string{"query": query}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Title, nil
}

// InvokeResponse is the complete answer of the non-streaming endpoint.
type InvokeResponse struct {
	Answer  string        `json:"answer"`
	Sources []chat.Source `json:"sources"`
}

// Invoke returns the full answer and citations in one round trip.
func (c *Client) Invoke(ctx context.Context, query string) (*InvokeResponse, error) {
	var resp InvokeResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/query/invoke", map[string]string{"query": query}, &resp)
	if err != nil {
		return nil, err
	}
	resp.Sources = chat.DedupSources(resp.Sources)
	return &resp, nil
}

// Health pings the backend.
func (c *Client) Health(ctx context.Context) error {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return errors.Errorf("backend unhealthy: %q", resp.Status)
	}
	return nil
}

// ImageURL returns the retrieval URL for a figure referenced by a
// citation's image_path.
func (c *Client) ImageURL(name string) string {
	return c.BaseURL + "/v1/image?path=" + url.QueryEscape(name)
}

// PDFURL returns the retrieval URL for an uploaded document. The path
// is "<sha-prefix>/<filename>" as reported at upload time.
func (c *Client) PDFURL(path string) string {
	return c.BaseURL + "/v1/pdf?path=" + url.QueryEscape(path)
}

// JobState is the lifecycle of one ingestion job.
type JobState string

const (
	JobQueued     JobState = "QUEUED"
	JobProcessing JobState = "PROCESSING"
	JobSuccess    JobState = "SUCCESS"
	JobFailed     JobState = "FAILED"
	JobDuplicate  JobState = "DUPLICATE"
)

// IsTerminal reports whether the job will never change state again.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobSuccess, JobFailed, JobDuplicate:
		return true
	default:
		return false
	}
}

// JobStatus is one poll of an ingestion job. Progress stays a string
// on the wire.
type JobStatus struct {
	JobID       string   `json:"job_id"`
	Status      JobState `json:"status"`
	FileName    string   `json:"file_name"`
	Progress    string   `json:"progress"`
	CurrentStep string   `json:"current_step"`
}

// GetJobStatus fetches the current state of an ingestion job.
func (c *Client) GetJobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	var status JobStatus
	if err := c.doJSON(ctx, http.MethodGet, "/v1/job-status/"+url.PathEscape(jobID), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// PollJob polls a job until it reaches a terminal state, invoking
// onUpdate after every poll. Polling is bounded: after maxPollAttempts
// the last observed status is returned with an error.
func (c *Client) PollJob(ctx context.Context, jobID string, onUpdate func(JobStatus)) (*JobStatus, error) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	var last *JobStatus
	for attempt := 0; attempt < maxPollAttempts; attempt++ {
		status, err := c.GetJobStatus(ctx, jobID)
		if err != nil {
			return last, err
		}
		last = status
		if onUpdate != nil {
			onUpdate(*status)
		}
		if status.Status.IsTerminal() {
			return status, nil
		}

		log.Trace().Str("job_id", jobID).Str("status", string(status.Status)).Str("progress", status.Progress).Msg("job still running")
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(interval):
		}
	}
	return last, errors.Errorf("job %s did not finish within %d polls", jobID, maxPollAttempts)
}
