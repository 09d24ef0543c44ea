// Package colab issues requests to the two Colab host families: the
// API host (assignment lifecycle, keep-alive, proxy-token refresh) and
// the per-runtime proxy host (Jupyter REST). Both clients are
// stateless request issuers; connection state lives in
// internal/connection.
package colab

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/lecoder/lecoder/internal/core"
)

// xssiPrefix is the anti-XSSI sentinel Colab prepends to API host GET
// responses. It must be stripped before JSON parsing.
var xssiPrefix = []byte(")]}'\n")

// Client talks to the Colab API host, authenticated by the user's
// OAuth access token.
type Client struct {
	baseURL string
	agent   string
	tokens  oauth2.TokenSource
	http    *http.Client
	log     *slog.Logger
}

// NewClient returns a Client for the given API host. agent is the
// client-agent identifier sent with every request.
func NewClient(baseURL, agent string, tokens oauth2.TokenSource) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		agent:   agent,
		tokens:  tokens,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     slog.Default().With("component", "colab"),
	}
}

// assignResponse is the wire shape of assign and list-assignments
// payloads.
type assignResponse struct {
	Endpoint      string `json:"endpoint"`
	Accelerator   string `json:"accelerator"`
	Variant       string `json:"variant"`
	XSRFToken     string `json:"xsrfToken"`
	FailureReason string `json:"failureReason"`
}

type assignmentsResponse struct {
	Assignments []assignResponse `json:"assignments"`
}

type ccuInfoResponse struct {
	EligibleGPUs     []string `json:"eligibleGpus"`
	AssignmentsCount int      `json:"assignmentsCount"`
}

type refreshResponse struct {
	URL                   string `json:"url"`
	Token                 string `json:"token"`
	TokenExpiresInSeconds int    `json:"tokenExpiresInSeconds"`
}

// CcuInfo fetches the account's compute summary.
func (c *Client) CcuInfo(ctx context.Context) (*core.CcuInfo, error) {
	var resp ccuInfoResponse
	if err := c.do(ctx, http.MethodGet, "/tun/m/ccu-info", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &core.CcuInfo{
		EligibleGPUs:     resp.EligibleGPUs,
		AssignmentsCount: resp.AssignmentsCount,
	}, nil
}

// Assign creates or returns an assignment for the variant. The API
// host answers a plain GET with either the assignment or an XSRF
// token; in the latter case a POST carrying the token finalizes the
// assignment.
func (c *Client) Assign(ctx context.Context, notebookHash string, variant core.Variant, accelerator string) (*core.Assignment, error) {
	query := url.Values{}
	query.Set("nbh", base64.RawURLEncoding.EncodeToString([]byte(notebookHash)))
	query.Set("variant", string(variant))
	if accelerator != "" {
		query.Set("accelerator", accelerator)
	}
	path := "/tun/m/assign?" + query.Encode()

	var resp assignResponse
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, c.assignError(err)
	}

	if resp.XSRFToken != "" {
		headers := http.Header{"X-Colab-Xsrf-Token": []string{resp.XSRFToken}}
		resp = assignResponse{}
		if err := c.do(ctx, http.MethodPost, path, headers, nil, &resp); err != nil {
			return nil, c.assignError(err)
		}
	}

	if resp.FailureReason != "" {
		switch resp.FailureReason {
		case "QUOTA_DENIED_REQUESTED_VARIANTS", "QUOTA_EXCEEDED_USAGE_TIME":
			return nil, &InsufficientQuotaError{Reason: resp.FailureReason}
		case "DENYLISTED":
			return nil, &DenylistedError{}
		default:
			return nil, fmt.Errorf("assignment failed: %s", resp.FailureReason)
		}
	}
	if resp.Endpoint == "" {
		return nil, fmt.Errorf("assignment response carried no endpoint")
	}

	return &core.Assignment{
		Endpoint:    resp.Endpoint,
		Accelerator: resp.Accelerator,
		Variant:     core.Variant(resp.Variant),
	}, nil
}

// assignError upgrades transport errors to the assignment-specific
// error types.
func (c *Client) assignError(err error) error {
	if apiErr, ok := err.(*APIError); ok {
		switch {
		case apiErr.Status == http.StatusPreconditionFailed:
			return &TooManyAssignmentsError{APIError: *apiErr}
		case strings.Contains(apiErr.Body, "DENYLISTED"):
			return &DenylistedError{}
		case strings.Contains(apiErr.Body, "QUOTA_DENIED_REQUESTED_VARIANTS"):
			return &InsufficientQuotaError{Reason: "QUOTA_DENIED_REQUESTED_VARIANTS"}
		case strings.Contains(apiErr.Body, "QUOTA_EXCEEDED_USAGE_TIME"):
			return &InsufficientQuotaError{Reason: "QUOTA_EXCEEDED_USAGE_TIME"}
		}
	}
	return err
}

// ListAssignments returns the account's current assignments across
// variants.
func (c *Client) ListAssignments(ctx context.Context) ([]core.Assignment, error) {
	var resp assignmentsResponse
	if err := c.do(ctx, http.MethodGet, "/tun/m/assignments", nil, nil, &resp); err != nil {
		return nil, err
	}
	assignments := make([]core.Assignment, 0, len(resp.Assignments))
	for _, a := range resp.Assignments {
		assignments = append(assignments, core.Assignment{
			Endpoint:    a.Endpoint,
			Accelerator: a.Accelerator,
			Variant:     core.Variant(a.Variant),
		})
	}
	return assignments, nil
}

// RefreshConnection returns fresh proxy credentials for an endpoint.
func (c *Client) RefreshConnection(ctx context.Context, endpoint string) (*core.ProxyCredentials, error) {
	query := url.Values{}
	query.Set("endpoint", endpoint)
	query.Set("port", "8080")

	var resp refreshResponse
	if err := c.do(ctx, http.MethodGet, "/tun/m/runtime-proxy-token?"+query.Encode(), nil, nil, &resp); err != nil {
		return nil, err
	}
	if resp.URL == "" || resp.Token == "" {
		return nil, fmt.Errorf("runtime-proxy-token response missing url or token")
	}
	return &core.ProxyCredentials{
		URL:       strings.TrimSuffix(resp.URL, "/"),
		Token:     resp.Token,
		ExpiresIn: time.Duration(resp.TokenExpiresInSeconds) * time.Second,
	}, nil
}

// KeepAlive pokes the runtime to prevent idle eviction.
func (c *Client) KeepAlive(ctx context.Context, endpoint string) error {
	return c.do(ctx, http.MethodGet, "/tun/m/"+url.PathEscape(endpoint)+"/keep-alive/", nil, nil, nil)
}

// do issues one request to the API host: bearer token, tunnel marker,
// authuser=0, anti-XSSI stripping, and structured errors.
func (c *Client) do(ctx context.Context, method, path string, headers http.Header, body []byte, out any) error {
	u := c.baseURL + path
	if strings.Contains(path, "?") {
		u += "&authuser=0"
	} else {
		u += "?authuser=0"
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}

	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("obtain access token: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("User-Agent", c.agent)
	req.Header.Set("X-Colab-Tunnel", "Google")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("request failed", "method", method, "path", path, "error", err)
		return err
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	c.log.Debug("request", "method", method, "path", path, "status", resp.StatusCode, "elapsed_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if readErr != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, readErr)
	}
	if out == nil {
		return nil
	}

	data = bytes.TrimPrefix(data, xssiPrefix)
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
