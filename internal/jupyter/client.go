package jupyter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lecoder/lecoder/internal/core"
)

// MaxStreamBytes caps captured stdout and stderr, independently.
const MaxStreamBytes = 1 << 20

// truncationMarker is the single warning line appended to a stream
// once output beyond the cap is dropped.
const truncationMarker = "[output truncated at 1 MiB]"

// interruptGrace bounds how long an interrupted or timed-out execute
// waits for the kernel's reply before resolving with what it has.
const interruptGrace = 5 * time.Second

// closeLinger bounds how long Close waits for the server to
// acknowledge the closing handshake.
const closeLinger = 2 * time.Second

// Events are the callbacks a Client emits. All fields are optional.
// Callbacks run on the read-pump goroutine and must not block.
type Events struct {
	OnStatus       func(state string)
	OnDisconnected func(code int, reason string)
	OnError        func(err error)
}

// Interrupter requests a cooperative kernel interrupt over REST.
// Implemented by colab.ProxyClient.
type Interrupter interface {
	InterruptKernel(ctx context.Context, kernelID string) error
}

// HandshakeError is a categorized WebSocket handshake failure.
type HandshakeError struct {
	Status int
}

func (e *HandshakeError) Error() string {
	switch e.Status {
	case http.StatusNotFound:
		return "kernel endpoint not found: likely wrong kernel id, wrong proxy url, or missing/invalid auth header"
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Sprintf("kernel WebSocket handshake rejected (HTTP %d): re-authenticate", e.Status)
	default:
		return fmt.Sprintf("kernel WebSocket handshake failed (HTTP %d)", e.Status)
	}
}

// HTTPStatus implements core.HTTPStatusError.
func (e *HandshakeError) HTTPStatus() int { return e.Status }

// ErrClosed is returned for operations on a closed client.
var ErrClosed = errors.New("kernel client is closed")

// Client owns one WebSocket to a kernel's channels endpoint and
// implements the execute_request/execute_reply/iopub cycle. At most
// one execute is outstanding at a time; Jupyter serializes execution
// per kernel and so does this client.
type Client struct {
	kernelID    string
	wsURL       string
	headers     http.Header
	session     string
	interrupter Interrupter
	events      Events
	dialer      *websocket.Dialer
	log         *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu     sync.Mutex
	exec   *execution
	infoCh chan *Message
	closed bool

	idleOnce sync.Once
	idleCh   chan struct{}
	done     chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithEvents sets the event callbacks.
func WithEvents(events Events) Option {
	return func(c *Client) { c.events = events }
}

// WithDialer overrides the WebSocket dialer.
func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = dialer }
}

// WithSession sets the client session id instead of generating one.
// The caller must embed the same id in the channels URL.
func WithSession(session string) Option {
	return func(c *Client) { c.session = session }
}

// NewClient returns a Client for one kernel. wsURL and headers come
// from the proxy credentials current at connect time; a reconnect with
// refreshed credentials means a new Client.
func NewClient(kernelID, wsURL string, headers http.Header, interrupter Interrupter, opts ...Option) *Client {
	c := &Client{
		kernelID:    kernelID,
		wsURL:       wsURL,
		headers:     headers,
		session:     uuid.New().String(),
		interrupter: interrupter,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
		},
		infoCh: make(chan *Message, 1),
		idleCh: make(chan struct{}),
		done:   make(chan struct{}),
		log:    slog.Default().With("component", "kernel", "kernel_id", kernelID),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns the client session id used in message headers and
// the channels URL.
func (c *Client) Session() string { return c.session }

// Connect opens the WebSocket, starts the read pump, and sends one
// kernel_info_request. It resolves when either the reply arrives or
// the first status:idle is observed, whichever comes first.
func (c *Client) Connect(ctx context.Context) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL, c.headers)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return &HandshakeError{Status: resp.StatusCode}
		}
		return fmt.Errorf("dial kernel websocket: %w", err)
	}
	c.conn = conn
	go c.readLoop()

	info, err := NewRequest(c.session, MsgKernelInfoRequest, map[string]any{})
	if err != nil {
		return err
	}
	if err := c.send(info); err != nil {
		return err
	}

	select {
	case <-c.infoCh:
		return nil
	case <-c.idleCh:
		return nil
	case <-c.done:
		return fmt.Errorf("kernel websocket closed during connect")
	case <-ctx.Done():
		return fmt.Errorf("kernel did not answer within the connect timeout: %w", ctx.Err())
	}
}

// AwaitIdle blocks until the kernel's first status:idle over this
// socket. On a fresh Colab runtime this is the load-bearing readiness
// signal: the REST execution state stays "starting" until a WebSocket
// client attaches.
func (c *Client) AwaitIdle(ctx context.Context) error {
	select {
	case <-c.idleCh:
		return nil
	case <-c.done:
		return fmt.Errorf("kernel websocket closed while waiting for idle")
	case <-ctx.Done():
		return fmt.Errorf("kernel did not reach idle: %w", ctx.Err())
	}
}

// Execute submits code and blocks until the kernel both replies and
// returns to idle, so late output frames are never lost. Kernel
// exceptions come back inside the result; only transport failures
// return errors. Concurrent calls are rejected.
func (c *Client) Execute(ctx context.Context, code string, opts core.ExecuteOptions) (*core.ExecutionResult, error) {
	msg, err := NewRequest(c.session, MsgExecuteRequest, ExecuteRequest{
		Code:            code,
		Silent:          false,
		StoreHistory:    true,
		UserExpressions: map[string]any{},
		AllowStdin:      false,
		StopOnError:     true,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.exec != nil {
		c.mu.Unlock()
		return nil, &core.ErrExecutionBusy{KernelID: c.kernelID}
	}
	exec := newExecution(msg.Header.MsgID, opts.OnStream)
	c.exec = exec
	c.mu.Unlock()

	exec.started = time.Now().UTC()
	if err := c.send(msg); err != nil {
		c.clearExec(exec)
		return nil, err
	}

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-exec.done:
	case <-timeout:
		c.log.Warn("execution timed out, interrupting", "timeout", opts.Timeout)
		c.abortAfterGrace(ctx, exec)
	case <-ctx.Done():
		c.abortAfterGrace(context.WithoutCancel(ctx), exec)
	}

	result := c.finishExec(exec)
	return result, nil
}

// abortAfterGrace interrupts the kernel and gives the outstanding
// execute a short grace period to complete with the kernel's reply
// before force-aborting it.
func (c *Client) abortAfterGrace(ctx context.Context, exec *execution) {
	c.mu.Lock()
	exec.interrupted = true
	c.mu.Unlock()

	if c.interrupter != nil {
		interruptCtx, cancel := context.WithTimeout(ctx, interruptGrace)
		defer cancel()
		if err := c.interrupter.InterruptKernel(interruptCtx, c.kernelID); err != nil {
			c.log.Warn("kernel interrupt failed", "error", err)
		}
	}

	select {
	case <-exec.done:
	case <-time.After(interruptGrace):
		c.mu.Lock()
		exec.finish()
		c.mu.Unlock()
	}
}

// finishExec builds the result and releases the in-flight slot.
func (c *Client) finishExec(exec *execution) *core.ExecutionResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := exec.result()
	if c.exec == exec {
		c.exec = nil
	}
	return result
}

func (c *Client) clearExec(exec *execution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exec == exec {
		c.exec = nil
	}
}

// Interrupt requests a cooperative interrupt of the running execution
// via the REST endpoint. The outstanding Execute resolves with status
// abort and whatever output was captured. The WebSocket stays up.
func (c *Client) Interrupt(ctx context.Context) error {
	if c.interrupter == nil {
		return fmt.Errorf("no interrupter configured")
	}
	c.mu.Lock()
	if c.exec != nil {
		c.exec.interrupted = true
	}
	c.mu.Unlock()
	return c.interrupter.InterruptKernel(ctx, c.kernelID)
}

// KernelInfo sends a kernel_info_request and returns the decoded
// reply.
func (c *Client) KernelInfo(ctx context.Context) (*KernelInfoReply, error) {
	msg, err := NewRequest(c.session, MsgKernelInfoRequest, map[string]any{})
	if err != nil {
		return nil, err
	}
	if err := c.send(msg); err != nil {
		return nil, err
	}
	select {
	case reply := <-c.infoCh:
		var info KernelInfoReply
		if err := reply.DecodeContent(&info); err != nil {
			return nil, err
		}
		return &info, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close half-closes the WebSocket and waits for the server to
// acknowledge, or for a short linger to pass.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	c.writeMu.Lock()
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return c.conn.Close()
	}

	select {
	case <-c.done:
	case <-time.After(closeLinger):
	}
	return c.conn.Close()
}

func (c *Client) send(msg *Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrClosed
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Header.MsgType, err)
	}
	return nil
}

// readLoop is the single reader of the WebSocket. It dispatches every
// frame and resolves the in-flight execute with abort when the socket
// drops.
func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			code, reason := closeDetails(err)

			c.mu.Lock()
			wasClosed := c.closed
			if c.exec != nil {
				c.exec.aborted = true
				c.exec.finish()
			}
			c.mu.Unlock()

			if !wasClosed {
				c.log.Warn("kernel websocket disconnected", "code", code, "reason", reason)
				if c.events.OnDisconnected != nil {
					c.events.OnDisconnected(code, reason)
				}
			}
			return
		}

		msg, err := DecodeFrame(data)
		if err != nil {
			c.log.Warn("discarding undecodable frame", "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

func closeDetails(err error) (int, string) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

// dispatch routes one message. Output messages are credited strictly
// to the execution whose msg_id matches the parent header. Unknown
// message types are logged and ignored, never fatal.
func (c *Client) dispatch(msg *Message) {
	switch msg.Header.MsgType {
	case MsgStatus:
		var status StatusContent
		if err := msg.DecodeContent(&status); err != nil {
			c.log.Warn("bad status message", "error", err)
			return
		}
		if status.ExecutionState == StateIdle {
			c.idleOnce.Do(func() { close(c.idleCh) })
		}
		c.mu.Lock()
		if exec := c.exec; exec != nil && msg.ParentHeader.MsgID == exec.msgID {
			exec.idle = status.ExecutionState == StateIdle
			exec.maybeFinish()
		}
		c.mu.Unlock()
		if c.events.OnStatus != nil {
			c.events.OnStatus(status.ExecutionState)
		}

	case MsgStream:
		var stream StreamContent
		if err := msg.DecodeContent(&stream); err != nil {
			c.log.Warn("bad stream message", "error", err)
			return
		}
		c.mu.Lock()
		exec := c.exec
		matched := exec != nil && msg.ParentHeader.MsgID == exec.msgID
		if matched {
			switch stream.Name {
			case "stdout":
				exec.stdout.append(stream.Text)
			case "stderr":
				exec.stderr.append(stream.Text)
			}
		}
		c.mu.Unlock()
		if matched && exec.onStream != nil {
			exec.onStream(stream.Name, stream.Text)
		}

	case MsgExecuteResult, MsgDisplayData, MsgUpdateDisplayData:
		var display DisplayDataContent
		if err := msg.DecodeContent(&display); err != nil {
			c.log.Warn("bad display message", "error", err)
			return
		}
		c.mu.Lock()
		if exec := c.exec; exec != nil && msg.ParentHeader.MsgID == exec.msgID {
			exec.display = append(exec.display, core.DisplayData{
				Data:     display.Data,
				Metadata: display.Metadata,
			})
			if display.ExecutionCount > 0 {
				exec.count = display.ExecutionCount
			}
		}
		c.mu.Unlock()

	case MsgError:
		var errContent ErrorContent
		if err := msg.DecodeContent(&errContent); err != nil {
			c.log.Warn("bad error message", "error", err)
			return
		}
		c.mu.Lock()
		if exec := c.exec; exec != nil && msg.ParentHeader.MsgID == exec.msgID {
			exec.execErr = &core.ExecError{
				Name:      errContent.EName,
				Message:   errContent.EValue,
				Traceback: errContent.Traceback,
			}
		}
		c.mu.Unlock()

	case MsgExecuteReply:
		var reply ExecuteReply
		if err := msg.DecodeContent(&reply); err != nil {
			c.log.Warn("bad execute reply", "error", err)
			return
		}
		c.mu.Lock()
		if exec := c.exec; exec != nil && msg.ParentHeader.MsgID == exec.msgID {
			exec.replyStatus = reply.Status
			if reply.ExecutionCount > 0 {
				exec.count = reply.ExecutionCount
			}
			if reply.Status == "error" && exec.execErr == nil {
				exec.execErr = &core.ExecError{
					Name:      reply.EName,
					Message:   reply.EValue,
					Traceback: reply.Traceback,
				}
			}
			exec.maybeFinish()
		}
		c.mu.Unlock()

	case MsgKernelInfoReply:
		select {
		case c.infoCh <- msg:
		default:
		}

	case MsgExecuteInput:
		// Echo of our own request; nothing to record.

	default:
		c.log.Debug("ignoring message", "msg_type", msg.Header.MsgType)
	}
}

// ---------------------------------------------------------------------------
// In-flight execution state
// ---------------------------------------------------------------------------

// execution accumulates the outputs of one execute_request. All fields
// are guarded by the client mutex; done is closed exactly once when
// the execution completes or aborts.
type execution struct {
	msgID    string
	started  time.Time
	onStream func(name, text string)

	stdout cappedStream
	stderr cappedStream

	display     []core.DisplayData
	execErr     *core.ExecError
	count       int
	replyStatus string
	idle        bool
	interrupted bool
	aborted     bool

	once sync.Once
	done chan struct{}
}

func newExecution(msgID string, onStream func(name, text string)) *execution {
	return &execution{
		msgID:    msgID,
		onStream: onStream,
		stdout:   cappedStream{limit: MaxStreamBytes},
		stderr:   cappedStream{limit: MaxStreamBytes},
		done:     make(chan struct{}),
	}
}

// maybeFinish completes the execution once both the reply has arrived
// and the kernel has returned to idle. Requiring both guards against
// stream frames racing in after the reply.
func (e *execution) maybeFinish() {
	if e.replyStatus != "" && e.idle {
		e.finish()
	}
}

func (e *execution) finish() {
	e.once.Do(func() { close(e.done) })
}

// result assembles the final ExecutionResult.
func (e *execution) result() *core.ExecutionResult {
	completed := time.Now().UTC()

	status := core.StatusOK
	switch {
	case e.aborted || e.interrupted || e.replyStatus == "aborted":
		status = core.StatusAbort
	case e.replyStatus == "error" || e.execErr != nil:
		status = core.StatusError
	}

	return &core.ExecutionResult{
		Status:         status,
		Stdout:         e.stdout.String(),
		Stderr:         e.stderr.String(),
		DisplayData:    e.display,
		Error:          e.execErr,
		ExecutionCount: e.count,
		Timing: core.Timing{
			Started:    e.started,
			Completed:  completed,
			DurationMS: completed.Sub(e.started).Milliseconds(),
		},
	}
}

// cappedStream captures one output stream up to a byte limit. Output
// exactly at the limit is untouched; the first byte beyond it drops
// the rest of the stream and appends the truncation marker once.
type cappedStream struct {
	buf       strings.Builder
	limit     int
	truncated bool
}

func (s *cappedStream) append(text string) {
	if s.truncated {
		return
	}
	remain := s.limit - s.buf.Len()
	if len(text) <= remain {
		s.buf.WriteString(text)
		return
	}
	s.buf.WriteString(text[:remain])
	s.truncated = true
}

func (s *cappedStream) String() string {
	if !s.truncated {
		return s.buf.String()
	}
	out := s.buf.String()
	if out != "" && !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return out + truncationMarker + "\n"
}
