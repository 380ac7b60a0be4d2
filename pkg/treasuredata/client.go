// Package treasuredata is a client for the Treasure Data v3 REST API,
// covering what a query consumer needs: issuing a query job, polling its
// status, reading its metadata and streaming its result.
//
// On top of the raw client, Connect opens a Session whose cursors follow
// the familiar database cursor life cycle: Execute blocks while the remote
// job runs, polling its status at a fixed pace and reporting each status to
// a progress callback, after which FetchMany reads the result in chunks.
package treasuredata

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/ajitpratap0/tdbridge/pkg/models"
)

// DefaultEndpoint is the public API endpoint.
const DefaultEndpoint = "https://api.treasuredata.com"

const userAgent = "tdbridge/1.0"

// Job statuses reported by the API.
const (
	StatusQueued  = "queued"
	StatusBooting = "booting"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusError   = "error"
	StatusKilled  = "killed"
)

// IsFinished reports whether status is terminal.
func IsFinished(status string) bool {
	switch status {
	case StatusSuccess, StatusError, StatusKilled:
		return true
	}
	return false
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Endpoint       string
	APIKey         string
	RequestTimeout time.Duration
	// HTTPClient replaces the default transport, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to the REST API with one API key.
type Client struct {
	endpoint *url.URL
	apiKey   string
	http     *http.Client
	logger   *zap.Logger
}

// APIError is a non-2xx API response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// NewClient creates a client. An empty endpoint means DefaultEndpoint.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient(cfg.RequestTimeout, logger)
	}

	return &Client{
		endpoint: u,
		apiKey:   cfg.APIKey,
		http:     httpClient,
		logger:   logger.With(zap.String("component", "td_client")),
	}, nil
}

func newHTTPClient(timeout time.Duration, logger *zap.Logger) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.Warn("failed to configure HTTP/2", zap.Error(err))
	}
	// Result downloads can be long; the timeout only bounds waiting for headers.
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: transport}
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.endpoint
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "TD1 "+c.apiKey)
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return req, nil
}

// do sends req and returns the body of a 2xx response, transparently
// decompressing gzip. The caller closes the body.
func (c *Client) do(req *http.Request) (io.ReadCloser, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, decodeAPIError(req, resp)
	}
	if resp.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("invalid gzip response: %w", err)
		}
		return &gzipBody{Reader: zr, body: resp.Body}, nil
	}
	return resp.Body, nil
}

type gzipBody struct {
	*gzip.Reader
	body io.ReadCloser
}

func (g *gzipBody) Close() error {
	g.Reader.Close()
	return g.body.Close()
}

func decodeAPIError(req *http.Request, resp *http.Response) error {
	apiErr := &APIError{Method: req.Method, Path: req.URL.Path, StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && (payload.Message != "" || payload.Error != "") {
		apiErr.Message = payload.Message
		if apiErr.Message == "" {
			apiErr.Message = payload.Error
		}
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	body, err := c.do(req)
	if err != nil {
		return err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodPost, path, nil, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	body, err := c.do(req)
	if err != nil {
		return err
	}
	defer body.Close()
	if out == nil {
		_, err = io.Copy(io.Discard, body)
		return err
	}
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// IssueQuery submits a query job and returns its id.
func (c *Client) IssueQuery(ctx context.Context, dialect models.Dialect, database, query string) (string, error) {
	var resp struct {
		Job   string `json:"job"`
		JobID string `json:"job_id"`
	}
	path := "/v3/job/issue/" + url.PathEscape(dialect.String()) + "/" + url.PathEscape(database)
	if err := c.postForm(ctx, path, url.Values{"query": {query}}, &resp); err != nil {
		return "", err
	}
	id := resp.JobID
	if id == "" {
		id = resp.Job
	}
	if id == "" {
		return "", fmt.Errorf("issue query: response carried no job id")
	}
	c.logger.Debug("issued query job", zap.String("job_id", id), zap.String("type", dialect.String()), zap.String("database", database))
	return id, nil
}

// JobStatus returns the current status of a job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.getJSON(ctx, "/v3/job/status/"+url.PathEscape(jobID), &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Job is the metadata of a query job.
type Job struct {
	ID           string
	Status       string
	Database     string
	Type         string
	NumRecords   int64
	ResultSchema []models.ColumnDescriptor
	Stderr       string
}

// ShowJob returns the metadata of a job.
func (c *Client) ShowJob(ctx context.Context, jobID string) (*Job, error) {
	var resp struct {
		JobID            string          `json:"job_id"`
		Status           string          `json:"status"`
		Database         string          `json:"database"`
		Type             string          `json:"type"`
		NumRecords       *int64          `json:"num_records"`
		HiveResultSchema json.RawMessage `json:"hive_result_schema"`
		Debug            struct {
			Stderr string `json:"stderr"`
		} `json:"debug"`
	}
	if err := c.getJSON(ctx, "/v3/job/show/"+url.PathEscape(jobID), &resp); err != nil {
		return nil, err
	}

	schema, err := parseResultSchema(resp.HiveResultSchema)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", jobID, err)
	}

	job := &Job{
		ID:           resp.JobID,
		Status:       resp.Status,
		Database:     resp.Database,
		Type:         resp.Type,
		ResultSchema: schema,
		Stderr:       resp.Debug.Stderr,
	}
	if job.ID == "" {
		job.ID = jobID
	}
	if resp.NumRecords != nil {
		job.NumRecords = *resp.NumRecords
	}
	return job, nil
}

// parseResultSchema accepts the schema either as a JSON array of
// [name, type] pairs or as a string holding that array.
func parseResultSchema(raw json.RawMessage) ([]models.ColumnDescriptor, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("invalid result schema: %w", err)
		}
		if s == "" {
			return nil, nil
		}
		raw = json.RawMessage(s)
	}
	var pairs [][]string
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, fmt.Errorf("invalid result schema: %w", err)
	}
	cols := make([]models.ColumnDescriptor, 0, len(pairs))
	for _, p := range pairs {
		if len(p) == 0 {
			continue
		}
		col := models.ColumnDescriptor{Name: p[0]}
		if len(p) > 1 {
			col.Type = p[1]
		}
		cols = append(cols, col)
	}
	return cols, nil
}

// KillJob asks the API to stop a job.
func (c *Client) KillJob(ctx context.Context, jobID string) error {
	return c.postForm(ctx, "/v3/job/kill/"+url.PathEscape(jobID), url.Values{}, nil)
}

// JobResult opens the result of a finished job.
func (c *Client) JobResult(ctx context.Context, jobID string) (*ResultReader, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v3/job/result/"+url.PathEscape(jobID), url.Values{"format": {"json"}}, nil)
	if err != nil {
		return nil, err
	}
	// Asking explicitly turns off net/http's transparent decompression; do handles it.
	req.Header.Set("Accept-Encoding", "gzip")
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return newResultReader(body), nil
}
