package optimizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/sw33tLie/dockopt/pkg/failures"
	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL = "http://127.0.0.1:8000/api"
	DefaultTimeout = 120 * time.Second
	// DefaultMaxResponseBytes bounds how much of a response body is read.
	DefaultMaxResponseBytes = 32 << 20
)

// Options configures the backend client.
type Options struct {
	BaseURL string
	Timeout time.Duration
	Proxy   string
	Logger  *logrus.Logger

	MaxResponseBytes int64
}

// Client talks to the optimizer backend: repository scans, per-path analysis,
// pull request publishing and consent records.
type Client struct {
	baseURL  string
	http     *retryablehttp.Client
	maxBytes int64
}

// NewClient builds a client. Requests are attempted exactly once; a failed
// call is returned to the caller so the user can trigger it again.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", base, err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 0
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil
	if opts.Logger != nil {
		rc.Logger = leveledLogger{opts.Logger}
	}

	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %v", err)
		}
		if t, ok := rc.HTTPClient.Transport.(*http.Transport); ok {
			t.Proxy = http.ProxyURL(proxyURL)
		}
	}

	maxBytes := opts.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResponseBytes
	}

	return &Client{baseURL: base, http: rc, maxBytes: maxBytes}, nil
}

// ScanRepository resolves a repository into its manifests. With a single
// manifest (or an explicit path) the response already holds the analysis.
func (c *Client) ScanRepository(ctx context.Context, repoURL, path, token string) (Report, error) {
	body, err := c.do(ctx, failures.KindScan, http.MethodPost, "/scan-github", scanRequest{URL: repoURL, Path: path, Token: token})
	if err != nil {
		return Report{}, err
	}
	return NewReport(body), nil
}

// AnalyzePath analyzes one discovered manifest.
func (c *Client) AnalyzePath(ctx context.Context, repoURL, path, token string) (Report, error) {
	if path == "" {
		return Report{}, failures.New(failures.KindAnalysis, "manifest path is required")
	}
	body, err := c.do(ctx, failures.KindAnalysis, http.MethodPost, "/scan-github", scanRequest{URL: repoURL, Path: path, Token: token})
	if err != nil {
		return Report{}, err
	}
	report := NewReport(body)
	if report.MultiService() {
		return Report{}, failures.New(failures.KindAnalysis, fmt.Sprintf("server returned a discovery listing for %s instead of an analysis", path))
	}
	return report, nil
}

// CreatePullRequest publishes a batch of manifest updates.
func (c *Client) CreatePullRequest(ctx context.Context, pr PullRequest) (PublishResponse, error) {
	body, err := c.do(ctx, failures.KindPublish, http.MethodPost, "/create-bulk-pr", pr)
	if err != nil {
		return PublishResponse{}, err
	}
	return PublishResponse{Message: gjson.Get(body, "message").String()}, nil
}

func (c *Client) GetConsent(ctx context.Context, id string) (ConsentPayload, error) {
	body, err := c.do(ctx, failures.KindConsentLoad, http.MethodGet, "/consent/"+url.PathEscape(id), nil)
	if err != nil {
		return ConsentPayload{}, err
	}
	if !gjson.Valid(body) || !gjson.Parse(body).IsObject() {
		return ConsentPayload{}, failures.New(failures.KindConsentLoad, "malformed consent record")
	}
	r := gjson.Parse(body)
	payload := ConsentPayload{
		ID:               r.Get("id").String(),
		URL:              r.Get("url").String(),
		Path:             r.Get("path").String(),
		OriginalContent:  r.Get("original_content").String(),
		OptimizedContent: r.Get("optimized_content").String(),
		PRTitle:          r.Get("pr_title").String(),
		CommitMessage:    r.Get("commit_message").String(),
		Status:           r.Get("status").String(),
		PRLink:           r.Get("pr_link").String(),
	}
	if payload.ID == "" {
		payload.ID = id
	}
	return payload, nil
}

// ApproveConsent approves a pending review and returns the pull request link.
func (c *Client) ApproveConsent(ctx context.Context, id string) (string, error) {
	body, err := c.do(ctx, failures.KindConsentApprove, http.MethodPost, "/consent/"+url.PathEscape(id)+"/approve", nil)
	if err != nil {
		return "", err
	}
	return gjson.Get(body, "pr_link").String(), nil
}

// RegisterConsent queues an optimization for review and returns its id.
func (c *Client) RegisterConsent(ctx context.Context, req ConsentRequest) (string, error) {
	body, err := c.do(ctx, failures.KindPublish, http.MethodPost, "/consent/register", req)
	if err != nil {
		return "", err
	}
	id := gjson.Get(body, "consent_id").String()
	if id == "" {
		return "", failures.New(failures.KindPublish, "server did not return a consent id")
	}
	return id, nil
}

func (c *Client) do(ctx context.Context, kind failures.Kind, method, path string, payload interface{}) (string, error) {
	var reqBody interface{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return "", failures.Wrap(err, kind, "could not encode request")
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return "", failures.Wrap(err, kind, "could not build request")
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", failures.Wrap(err, kind, "")
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return "", failures.Wrap(err, kind, "could not read response")
	}
	if int64(len(bodyBytes)) > c.maxBytes {
		return "", failures.New(kind, fmt.Sprintf("response from %s exceeds %d bytes", path, c.maxBytes))
	}
	body := string(bodyBytes)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", failures.FromStatus(kind, resp.StatusCode, detail(body))
	}
	return body, nil
}

// detail extracts the provider's error text from a failure body.
func detail(body string) string {
	if gjson.Valid(body) {
		d := gjson.Get(body, "detail")
		if d.Type == gjson.String {
			return d.Str
		}
		if d.IsArray() {
			var msgs []string
			for _, item := range d.Array() {
				if m := item.Get("msg").String(); m != "" {
					msgs = append(msgs, m)
				}
			}
			return strings.Join(msgs, "; ")
		}
		return ""
	}
	return strings.TrimSpace(body)
}
