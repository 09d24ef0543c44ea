// Package connection maintains the live attachment between a session
// and its remote kernel: Jupyter REST session negotiation, the kernel
// WebSocket, the connection state machine, and reconnection with
// credential refresh.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lecoder/lecoder/internal/colab"
	"github.com/lecoder/lecoder/internal/core"
	"github.com/lecoder/lecoder/internal/jupyter"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// defaultNotebookPath is the stable path used for the first session so
// Colab can hand back a cached one. A stale cached session falls back
// to a timestamped unique path.
const defaultNotebookPath = "/content/lecoder.ipynb"

const defaultKernelName = "python3"

// Config tunes the connection state machine.
type Config struct {
	KernelName            string
	ReadyTimeout          time.Duration
	ReconnectReadyTimeout time.Duration
	MaxReconnectAttempts  int
	BackoffBase           time.Duration
	BackoffMax            time.Duration
}

// DefaultConfig returns the documented defaults: 60 s readiness on
// first connect, 30 s on reconnect, five reconnect attempts with
// delays doubling from 1 s and capped at 16 s.
func DefaultConfig() Config {
	return Config{
		KernelName:            defaultKernelName,
		ReadyTimeout:          60 * time.Second,
		ReconnectReadyTimeout: 30 * time.Second,
		MaxReconnectAttempts:  5,
		BackoffBase:           time.Second,
		BackoffMax:            16 * time.Second,
	}
}

// ProxyAPI is the slice of the runtime proxy surface the connection
// needs. colab.ProxyClient implements it.
type ProxyAPI interface {
	CreateSession(ctx context.Context, path, kernelName string) (*colab.Session, error)
	GetKernel(ctx context.Context, id string) (*colab.Kernel, error)
	DeleteKernel(ctx context.Context, id string) error
	InterruptKernel(ctx context.Context, id string) error
	WebSocketURL(kernelID, clientSession string) string
	WebSocketHeaders() http.Header
}

// ProxyFactory builds a proxy client from credentials. Reconnects
// refresh the credentials and therefore rebuild the proxy client.
type ProxyFactory func(creds core.ProxyCredentials) ProxyAPI

// Connection drives one kernel attachment through its state machine.
// All state transitions are serialized by the mutex, so a close event
// racing an initialize cannot interleave.
type Connection struct {
	colab    core.ColabRepo
	newProxy ProxyFactory
	runtime  *core.Runtime
	cfg      Config
	log      *slog.Logger

	mu             sync.Mutex
	state          State
	stateChanged   chan struct{}
	proxy          ProxyAPI
	kc             *jupyter.Client
	jupyterSession *colab.Session
	kernelID       string
	shuttingDown   bool
	// bg is the context background work (reconnects) runs under; it
	// outlives the Initialize call but not Shutdown.
	bg       context.Context
	cancelBg context.CancelFunc
}

// New returns a Connection for the runtime in the DISCONNECTED state.
func New(colabRepo core.ColabRepo, newProxy ProxyFactory, runtime *core.Runtime, cfg Config) *Connection {
	if cfg.KernelName == "" {
		cfg.KernelName = defaultKernelName
	}
	return &Connection{
		colab:        colabRepo,
		newProxy:     newProxy,
		runtime:      runtime,
		cfg:          cfg,
		state:        StateDisconnected,
		stateChanged: make(chan struct{}),
		log:          slog.Default().With("component", "connection", "endpoint", runtime.Endpoint),
	}
}

// NewFactory adapts this package to the domain-level factory the
// runtime manager consumes.
func NewFactory(colabRepo core.ColabRepo, agent string, cfg Config) core.ConnectionFactory {
	return func(runtime *core.Runtime) core.KernelConnection {
		return New(colabRepo, func(creds core.ProxyCredentials) ProxyAPI {
			return colab.NewProxyClient(creds, agent)
		}, runtime, cfg)
	}
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setStateLocked transitions the state and wakes waiters. Callers hold
// the mutex.
func (c *Connection) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.log.Debug("state transition", "from", c.state.String(), "to", s.String())
	c.state = s
	close(c.stateChanged)
	c.stateChanged = make(chan struct{})
}

// Initialize brings the connection from DISCONNECTED to CONNECTED:
// create (or verify) the Jupyter session over REST, attach the
// WebSocket, and wait for the first status:idle. Polling the REST
// kernel state instead would deadlock on a fresh Colab runtime, which
// reports "starting" until a WebSocket client attaches.
func (c *Connection) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("initialize from %s state", state)
	}
	c.bg, c.cancelBg = context.WithCancel(context.WithoutCancel(ctx))
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	proxy := c.newProxy(c.runtime.Proxy)
	session, err := c.ensureSession(ctx, proxy)
	if err != nil {
		c.fail(fmt.Errorf("create jupyter session: %w", err))
		return err
	}

	kc, err := c.attach(ctx, proxy, session.Kernel.ID, c.cfg.ReadyTimeout)
	if err != nil {
		c.fail(err)
		return err
	}

	c.mu.Lock()
	c.proxy = proxy
	c.kc = kc
	c.jupyterSession = session
	c.kernelID = session.Kernel.ID
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.log.Info("kernel connected", "kernel_id", session.Kernel.ID, "session_id", session.ID)
	return nil
}

// ensureSession creates the Jupyter session and verifies its kernel is
// actually alive. The proxy may hand back a cached session whose
// kernel died with a previous runtime; in that case a session is
// created under a unique notebook path.
func (c *Connection) ensureSession(ctx context.Context, proxy ProxyAPI) (*colab.Session, error) {
	session, err := proxy.CreateSession(ctx, defaultNotebookPath, c.cfg.KernelName)
	if err != nil {
		return nil, err
	}
	if session.Kernel == nil {
		return nil, fmt.Errorf("session %s carries no kernel", session.ID)
	}

	if _, err := proxy.GetKernel(ctx, session.Kernel.ID); err == nil {
		return session, nil
	} else if !isNotFound(err) {
		return nil, err
	}

	freshPath := fmt.Sprintf("/content/lecoder-%d.ipynb", time.Now().UnixMilli())
	c.log.Warn("cached jupyter session is stale, creating a fresh one", "path", freshPath)
	session, err = proxy.CreateSession(ctx, freshPath, c.cfg.KernelName)
	if err != nil {
		return nil, err
	}
	if session.Kernel == nil {
		return nil, fmt.Errorf("session %s carries no kernel", session.ID)
	}
	return session, nil
}

func isNotFound(err error) bool {
	var apiErr *colab.APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// attach opens the kernel WebSocket and waits for readiness: the first
// status:idle observed over the socket within the timeout.
func (c *Connection) attach(ctx context.Context, proxy ProxyAPI, kernelID string, readyTimeout time.Duration) (*jupyter.Client, error) {
	clientSession := uuid.New().String()
	kc := jupyter.NewClient(
		kernelID,
		proxy.WebSocketURL(kernelID, clientSession),
		proxy.WebSocketHeaders(),
		proxy,
		jupyter.WithSession(clientSession),
		jupyter.WithEvents(jupyter.Events{
			OnDisconnected: func(code int, reason string) {
				go c.reconnect()
			},
		}),
	)

	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	if err := kc.Connect(readyCtx); err != nil {
		return nil, err
	}
	if err := kc.AwaitIdle(readyCtx); err != nil {
		_ = kc.Close()
		return nil, fmt.Errorf("kernel readiness: %w", err)
	}
	return kc, nil
}

// reconnect runs after an unexpected WebSocket close. Each attempt
// waits the backoff delay, refreshes the proxy credentials (the old
// token is likely stale and the proxy would answer 404/401), rebuilds
// the WebSocket URL, and goes back through CONNECTING.
func (c *Connection) reconnect() {
	c.mu.Lock()
	if c.shuttingDown || c.state == StateFailed || c.state == StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateReconnecting)
	ctx := c.bg
	c.mu.Unlock()

	c.log.Warn("kernel websocket lost, reconnecting")
	bo := newBackoff(c.cfg.BackoffBase, c.cfg.BackoffMax)

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		if !sleepCtx(ctx, bo.Next()) {
			return
		}

		creds, err := c.colab.RefreshConnection(ctx, c.runtime.Endpoint)
		if err != nil {
			c.log.Warn("credential refresh failed", "attempt", attempt, "error", err)
			continue
		}
		c.mu.Lock()
		c.runtime.Proxy = *creds
		c.mu.Unlock()
		proxy := c.newProxy(*creds)

		session, err := c.ensureSession(ctx, proxy)
		if err != nil {
			c.log.Warn("session verification failed", "attempt", attempt, "error", err)
			continue
		}

		kc, err := c.attach(ctx, proxy, session.Kernel.ID, c.cfg.ReconnectReadyTimeout)
		if err != nil {
			c.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		c.mu.Lock()
		if c.shuttingDown {
			c.mu.Unlock()
			_ = kc.Close()
			return
		}
		old := c.kc
		c.proxy = proxy
		c.kc = kc
		c.jupyterSession = session
		c.kernelID = session.Kernel.ID
		c.setStateLocked(StateConnected)
		c.mu.Unlock()

		// The dead client still owns a socket fd until closed.
		if old != nil {
			_ = old.Close()
		}

		c.log.Info("kernel reconnected", "attempt", attempt, "kernel_id", session.Kernel.ID)
		return
	}

	c.fail(&core.ErrConnectionFailed{Reason: fmt.Sprintf("%d reconnect attempts exhausted", c.cfg.MaxReconnectAttempts)})
}

func (c *Connection) fail(err error) {
	c.mu.Lock()
	c.setStateLocked(StateFailed)
	c.mu.Unlock()
	c.log.Error("connection failed", "error", err)
}

// waitConnected blocks until the connection is CONNECTED, or returns
// the terminal error when it is FAILED.
func (c *Connection) waitConnected(ctx context.Context) (*jupyter.Client, error) {
	for {
		c.mu.Lock()
		switch c.state {
		case StateConnected:
			kc := c.kc
			c.mu.Unlock()
			return kc, nil
		case StateFailed:
			c.mu.Unlock()
			return nil, &core.ErrConnectionFailed{Reason: "connection is in the failed state"}
		case StateDisconnected:
			c.mu.Unlock()
			return nil, fmt.Errorf("connection is not initialized")
		}
		changed := c.stateChanged
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Execute submits code to the kernel once the connection is ready.
// Kernel errors come back inside the result.
func (c *Connection) Execute(ctx context.Context, code string, opts core.ExecuteOptions) (*core.ExecutionResult, error) {
	kc, err := c.waitConnected(ctx)
	if err != nil {
		return nil, err
	}
	return kc.Execute(ctx, code, opts)
}

// Interrupt cancels the in-flight execution cooperatively.
func (c *Connection) Interrupt(ctx context.Context) error {
	kc, err := c.waitConnected(ctx)
	if err != nil {
		return err
	}
	return kc.Interrupt(ctx)
}

// Status fetches the kernel's REST-reported execution state.
func (c *Connection) Status(ctx context.Context) (string, error) {
	c.mu.Lock()
	proxy, kernelID := c.proxy, c.kernelID
	c.mu.Unlock()
	if proxy == nil || kernelID == "" {
		return "", fmt.Errorf("connection is not initialized")
	}
	kernel, err := proxy.GetKernel(ctx, kernelID)
	if err != nil {
		return "", err
	}
	return kernel.ExecutionState, nil
}

// KernelID returns the remote kernel id. It is exposed only while the
// connection is CONNECTED or RECONNECTING.
func (c *Connection) KernelID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected && c.state != StateReconnecting {
		return "", false
	}
	return c.kernelID, true
}

// Session returns the negotiated Jupyter session, if any.
func (c *Connection) Session() *colab.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jupyterSession
}

// Shutdown closes the WebSocket, stops background reconnects, and
// optionally deletes the remote kernel. The connection ends in
// DISCONNECTED regardless of prior state.
func (c *Connection) Shutdown(ctx context.Context, deleteKernel bool) error {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return nil
	}
	c.shuttingDown = true
	kc := c.kc
	proxy := c.proxy
	kernelID := c.kernelID
	if c.cancelBg != nil {
		c.cancelBg()
	}
	c.kc = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	var errs []error
	if kc != nil {
		if err := kc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if deleteKernel && proxy != nil && kernelID != "" {
		if err := proxy.DeleteKernel(ctx, kernelID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
