package colab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lecoder/lecoder/internal/core"
)

// proxyTokenHeader authenticates every proxy host request, REST and
// WebSocket alike.
const proxyTokenHeader = "X-Colab-Runtime-Proxy-Token"

// createSessionRetries and createSessionBaseDelay define the retry
// policy for session creation: transient 502/503/504 statuses are
// retried with delays of 1s, 2s, 4s. Nothing else on the proxy host is
// retried; execute and WebSocket traffic has its own reconnect path.
const (
	createSessionRetries   = 3
	createSessionBaseDelay = time.Second
)

// Session is a Jupyter-server session on the runtime.
type Session struct {
	ID     string  `json:"id"`
	Path   string  `json:"path"`
	Name   string  `json:"name"`
	Type   string  `json:"type"`
	Kernel *Kernel `json:"kernel"`
}

// Kernel is the remote execution context embedded in a session.
type Kernel struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ExecutionState string `json:"execution_state"`
	Connections    int    `json:"connections"`
}

// sessionCreateRequest is the POST /api/sessions body.
type sessionCreateRequest struct {
	Path   string     `json:"path"`
	Name   string     `json:"name"`
	Type   string     `json:"type"`
	Kernel kernelSpec `json:"kernel"`
}

type kernelSpec struct {
	Name string `json:"name"`
}

// ProxyClient talks to one runtime's proxy host, authenticated by the
// short-lived proxy token. A ProxyClient is bound to the credentials
// it was built with; reconnecting with fresh credentials means
// building a fresh ProxyClient.
type ProxyClient struct {
	baseURL string
	token   string
	agent   string
	http    *http.Client
	log     *slog.Logger
}

// NewProxyClient returns a ProxyClient for the given credentials.
func NewProxyClient(creds core.ProxyCredentials, agent string) *ProxyClient {
	return &ProxyClient{
		baseURL: strings.TrimSuffix(creds.URL, "/"),
		token:   creds.Token,
		agent:   agent,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     slog.Default().With("component", "proxy"),
	}
}

// BaseURL returns the https base of the proxy host.
func (p *ProxyClient) BaseURL() string { return p.baseURL }

// WebSocketURL builds the kernel channels URL for a kernel id and
// client session id.
func (p *ProxyClient) WebSocketURL(kernelID, clientSession string) string {
	wsBase := strings.Replace(p.baseURL, "https://", "wss://", 1)
	wsBase = strings.Replace(wsBase, "http://", "ws://", 1)
	query := url.Values{}
	query.Set("session_id", clientSession)
	query.Set("authuser", "0")
	return fmt.Sprintf("%s/api/kernels/%s/channels?%s", wsBase, url.PathEscape(kernelID), query.Encode())
}

// WebSocketHeaders returns the handshake headers the proxy requires:
// the proxy token, the client agent, and Origin set to the proxy URL.
func (p *ProxyClient) WebSocketHeaders() http.Header {
	h := http.Header{}
	h.Set(proxyTokenHeader, p.token)
	h.Set("User-Agent", p.agent)
	h.Set("Origin", p.baseURL)
	return h
}

// CreateSession creates a Jupyter session with an embedded kernel.
// Transient proxy unavailability is retried per the documented policy.
func (p *ProxyClient) CreateSession(ctx context.Context, path, kernelName string) (*Session, error) {
	body, err := json.Marshal(sessionCreateRequest{
		Path:   path,
		Name:   path,
		Type:   "notebook",
		Kernel: kernelSpec{Name: kernelName},
	})
	if err != nil {
		return nil, err
	}

	var session Session
	delay := createSessionBaseDelay
	for attempt := 0; ; attempt++ {
		err = p.do(ctx, http.MethodPost, "/api/sessions", body, &session)
		if err == nil {
			return &session, nil
		}

		apiErr, ok := err.(*APIError)
		if !ok || !transient(apiErr.Status) || attempt+1 > createSessionRetries {
			return nil, err
		}

		p.log.Warn("session creation failed, retrying", "status", apiErr.Status, "attempt", attempt+1, "delay", delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// transient reports whether a proxy status is retryable. 504 is kept
// retryable as an operational heuristic.
func transient(status int) bool {
	return status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

// GetSession fetches a Jupyter session by id.
func (p *ProxyClient) GetSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	if err := p.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// GetKernel fetches a kernel by id.
func (p *ProxyClient) GetKernel(ctx context.Context, id string) (*Kernel, error) {
	var kernel Kernel
	if err := p.do(ctx, http.MethodGet, "/api/kernels/"+url.PathEscape(id), nil, &kernel); err != nil {
		return nil, err
	}
	return &kernel, nil
}

// ListKernels lists the runtime's kernels.
func (p *ProxyClient) ListKernels(ctx context.Context) ([]Kernel, error) {
	var kernels []Kernel
	if err := p.do(ctx, http.MethodGet, "/api/kernels", nil, &kernels); err != nil {
		return nil, err
	}
	return kernels, nil
}

// DeleteKernel shuts down a kernel.
func (p *ProxyClient) DeleteKernel(ctx context.Context, id string) error {
	return p.do(ctx, http.MethodDelete, "/api/kernels/"+url.PathEscape(id), nil, nil)
}

// InterruptKernel requests a cooperative interrupt of the kernel's
// running execution.
func (p *ProxyClient) InterruptKernel(ctx context.Context, id string) error {
	return p.do(ctx, http.MethodPost, "/api/kernels/"+url.PathEscape(id)+"/interrupt", nil, nil)
}

func (p *ProxyClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(proxyTokenHeader, p.token)
	req.Header.Set("User-Agent", p.agent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := p.http.Do(req)
	if err != nil {
		p.log.Warn("request failed", "method", method, "path", path, "error", err)
		return err
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	p.log.Debug("request", "method", method, "path", path, "status", resp.StatusCode, "elapsed_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if readErr != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, readErr)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
