package jupyter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lecoder/lecoder/internal/core"
)

// fakeKernel is an httptest WebSocket server that scripts kernel
// behavior per incoming message.
type fakeKernel struct {
	t      *testing.T
	server *httptest.Server
	// script decides how to answer one decoded client message. send
	// writes a kernel message to the socket.
	script func(msg *Message, send func(channel, msgType string, parent Header, content any))
}

func newFakeKernel(t *testing.T, script func(msg *Message, send func(channel, msgType string, parent Header, content any))) *fakeKernel {
	t.Helper()
	k := &fakeKernel{t: t, script: script}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	k.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		send := func(channel, msgType string, parent Header, content any) {
			raw, err := json.Marshal(content)
			if err != nil {
				t.Errorf("marshal %s content: %v", msgType, err)
				return
			}
			out := Message{
				Channel: channel,
				Header: Header{
					MsgID:   "srv-" + msgType + "-" + time.Now().Format("150405.000000000"),
					Session: "kernel",
					MsgType: msgType,
					Version: ProtocolVersion,
				},
				ParentHeader: parent,
				Metadata:     map[string]any{},
				Content:      raw,
				Buffers:      []json.RawMessage{},
			}
			data, err := out.Encode()
			if err != nil {
				t.Errorf("encode %s: %v", msgType, err)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := DecodeFrame(data)
			if err != nil {
				t.Errorf("server decode: %v", err)
				continue
			}
			k.script(msg, send)
		}
	}))
	t.Cleanup(k.server.Close)
	return k
}

func (k *fakeKernel) wsURL() string {
	return "ws" + strings.TrimPrefix(k.server.URL, "http")
}

// answerKernelInfo emits the idle status and info reply a live kernel
// sends after attach.
func answerKernelInfo(msg *Message, send func(channel, msgType string, parent Header, content any)) {
	send(ChannelIOPub, MsgStatus, msg.Header, StatusContent{ExecutionState: StateIdle})
	send(ChannelShell, MsgKernelInfoReply, msg.Header, KernelInfoReply{Status: "ok", ProtocolVersion: ProtocolVersion})
}

func connectTestClient(t *testing.T, kernel *fakeKernel, opts ...Option) *Client {
	t.Helper()
	client := NewClient("kern-1", kernel.wsURL(), nil, nil, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := client.AwaitIdle(ctx); err != nil {
		t.Fatalf("AwaitIdle: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestConnectResolvesOnFirstIdle(t *testing.T) {
	kernel := newFakeKernel(t, func(msg *Message, send func(channel, msgType string, parent Header, content any)) {
		if msg.Header.MsgType == MsgKernelInfoRequest {
			// No kernel_info_reply: readiness must come from idle alone.
			send(ChannelIOPub, MsgStatus, msg.Header, StatusContent{ExecutionState: StateIdle})
		}
	})
	connectTestClient(t, kernel)
}

func TestExecuteCollectsOutputsUntilReplyAndIdle(t *testing.T) {
	kernel := newFakeKernel(t, func(msg *Message, send func(channel, msgType string, parent Header, content any)) {
		switch msg.Header.MsgType {
		case MsgKernelInfoRequest:
			answerKernelInfo(msg, send)
		case MsgExecuteRequest:
			send(ChannelIOPub, MsgStatus, msg.Header, StatusContent{ExecutionState: StateBusy})
			send(ChannelIOPub, MsgStream, msg.Header, StreamContent{Name: "stdout", Text: "hello "})
			send(ChannelIOPub, MsgStream, msg.Header, StreamContent{Name: "stdout", Text: "world\n"})
			send(ChannelIOPub, MsgStream, msg.Header, StreamContent{Name: "stderr", Text: "warn\n"})
			send(ChannelIOPub, MsgExecuteResult, msg.Header, DisplayDataContent{
				Data:           map[string]any{"text/plain": "2"},
				ExecutionCount: 7,
			})
			send(ChannelShell, MsgExecuteReply, msg.Header, ExecuteReply{Status: "ok", ExecutionCount: 7})
			send(ChannelIOPub, MsgStatus, msg.Header, StatusContent{ExecutionState: StateIdle})
		}
	})
	client := connectTestClient(t, kernel)

	var streamed strings.Builder
	result, err := client.Execute(context.Background(), "print('hello world')", core.ExecuteOptions{
		OnStream: func(name, text string) {
			if name == "stdout" {
				streamed.WriteString(text)
			}
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.Status != core.StatusOK {
		t.Fatalf("status = %q, want ok", result.Status)
	}
	if result.Stdout != "hello world\n" {
		t.Fatalf("stdout = %q", result.Stdout)
	}
	if result.Stderr != "warn\n" {
		t.Fatalf("stderr = %q", result.Stderr)
	}
	if result.ExecutionCount != 7 {
		t.Fatalf("execution_count = %d, want 7", result.ExecutionCount)
	}
	if len(result.DisplayData) != 1 {
		t.Fatalf("display_data count = %d, want 1", len(result.DisplayData))
	}
	if streamed.String() != "hello world\n" {
		t.Fatalf("streamed = %q", streamed.String())
	}
	if result.Timing.DurationMS < 0 {
		t.Fatalf("negative duration %d", result.Timing.DurationMS)
	}
}

func TestExecuteKernelException(t *testing.T) {
	kernel := newFakeKernel(t, func(msg *Message, send func(channel, msgType string, parent Header, content any)) {
		switch msg.Header.MsgType {
		case MsgKernelInfoRequest:
			answerKernelInfo(msg, send)
		case MsgExecuteRequest:
			send(ChannelIOPub, MsgStatus, msg.Header, StatusContent{ExecutionState: StateBusy})
			send(ChannelIOPub, MsgError, msg.Header, ErrorContent{
				EName:     "ZeroDivisionError",
				EValue:    "division by zero",
				Traceback: []string{"Traceback (most recent call last)", "ZeroDivisionError: division by zero"},
			})
			send(ChannelShell, MsgExecuteReply, msg.Header, ExecuteReply{Status: "error", ExecutionCount: 3, EName: "ZeroDivisionError", EValue: "division by zero"})
			send(ChannelIOPub, MsgStatus, msg.Header, StatusContent{ExecutionState: StateIdle})
		}
	})
	client := connectTestClient(t, kernel)

	result, err := client.Execute(context.Background(), "1/0", core.ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != core.StatusError {
		t.Fatalf("status = %q, want error", result.Status)
	}
	if result.Error == nil || result.Error.Name != "ZeroDivisionError" {
		t.Fatalf("error = %+v", result.Error)
	}
	if len(result.Error.Traceback) != 2 {
		t.Fatalf("traceback = %v", result.Error.Traceback)
	}
}

func TestExecuteIgnoresForeignParents(t *testing.T) {
	kernel := newFakeKernel(t, func(msg *Message, send func(channel, msgType string, parent Header, content any)) {
		switch msg.Header.MsgType {
		case MsgKernelInfoRequest:
			answerKernelInfo(msg, send)
		case MsgExecuteRequest:
			stranger := Header{MsgID: "someone-else", MsgType: MsgExecuteRequest}
			send(ChannelIOPub, MsgStatus, msg.Header, StatusContent{ExecutionState: StateBusy})
			// Output credited to another request must not leak in.
			send(ChannelIOPub, MsgStream, stranger, StreamContent{Name: "stdout", Text: "not yours\n"})
			send(ChannelIOPub, MsgStream, msg.Header, StreamContent{Name: "stdout", Text: "mine\n"})
			send(ChannelShell, MsgExecuteReply, msg.Header, ExecuteReply{Status: "ok", ExecutionCount: 1})
			send(ChannelIOPub, MsgStatus, msg.Header, StatusContent{ExecutionState: StateIdle})
		}
	})
	client := connectTestClient(t, kernel)

	result, err := client.Execute(context.Background(), "print('mine')", core.ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Stdout != "mine\n" {
		t.Fatalf("stdout = %q, want only own output", result.Stdout)
	}
}

func TestExecuteRejectsConcurrentCalls(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	kernel := newFakeKernel(t, func(msg *Message, send func(channel, msgType string, parent Header, content any)) {
		switch msg.Header.MsgType {
		case MsgKernelInfoRequest:
			answerKernelInfo(msg, send)
		case MsgExecuteRequest:
			close(started)
			<-release
			send(ChannelShell, MsgExecuteReply, msg.Header, ExecuteReply{Status: "ok", ExecutionCount: 1})
			send(ChannelIOPub, MsgStatus, msg.Header, StatusContent{ExecutionState: StateIdle})
		}
	})
	client := connectTestClient(t, kernel)

	first := make(chan error, 1)
	go func() {
		_, err := client.Execute(context.Background(), "import time; time.sleep(1)", core.ExecuteOptions{})
		first <- err
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first execute_request never reached the kernel")
	}

	_, err := client.Execute(context.Background(), "2+2", core.ExecuteOptions{})
	var busy *core.ErrExecutionBusy
	if !errors.As(err, &busy) {
		t.Fatalf("second execute err = %v, want ErrExecutionBusy", err)
	}
	if busy.KernelID != "kern-1" {
		t.Fatalf("busy kernel = %q, want kern-1", busy.KernelID)
	}

	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first execute: %v", err)
	}
}

func TestStreamTruncationAtCap(t *testing.T) {
	chunk := strings.Repeat("x", 600*1024)
	kernel := newFakeKernel(t, func(msg *Message, send func(channel, msgType string, parent Header, content any)) {
		switch msg.Header.MsgType {
		case MsgKernelInfoRequest:
			answerKernelInfo(msg, send)
		case MsgExecuteRequest:
			send(ChannelIOPub, MsgStatus, msg.Header, StatusContent{ExecutionState: StateBusy})
			send(ChannelIOPub, MsgStream, msg.Header, StreamContent{Name: "stdout", Text: chunk})
			send(ChannelIOPub, MsgStream, msg.Header, StreamContent{Name: "stdout", Text: chunk})
			send(ChannelIOPub, MsgStream, msg.Header, StreamContent{Name: "stderr", Text: "small\n"})
			send(ChannelShell, MsgExecuteReply, msg.Header, ExecuteReply{Status: "ok", ExecutionCount: 1})
			send(ChannelIOPub, MsgStatus, msg.Header, StatusContent{ExecutionState: StateIdle})
		}
	})
	client := connectTestClient(t, kernel)

	result, err := client.Execute(context.Background(), "spam()", core.ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if !strings.HasSuffix(result.Stdout, truncationMarker+"\n") {
		t.Fatal("stdout lacks the truncation marker")
	}
	captured := strings.TrimSuffix(result.Stdout, "\n"+truncationMarker+"\n")
	if len(captured) != MaxStreamBytes {
		t.Fatalf("captured %d bytes of stdout, want exactly %d", len(captured), MaxStreamBytes)
	}
	// Streams are capped independently.
	if result.Stderr != "small\n" {
		t.Fatalf("stderr = %q", result.Stderr)
	}
}

func TestStreamExactlyAtCapIsNotAnnotated(t *testing.T) {
	var s cappedStream
	s.limit = 8
	s.append("12345678")
	if got := s.String(); got != "12345678" {
		t.Fatalf("exactly-at-cap output = %q, want untouched", got)
	}

	s.append("9")
	if !strings.Contains(s.String(), truncationMarker) {
		t.Fatal("first byte beyond the cap did not trigger the marker")
	}
}

func TestDisconnectAbortsInFlightExecute(t *testing.T) {
	disconnected := make(chan struct{})
	kernel := newFakeKernel(t, func(msg *Message, send func(channel, msgType string, parent Header, content any)) {
		switch msg.Header.MsgType {
		case MsgKernelInfoRequest:
			answerKernelInfo(msg, send)
		case MsgExecuteRequest:
			send(ChannelIOPub, MsgStatus, msg.Header, StatusContent{ExecutionState: StateBusy})
			send(ChannelIOPub, MsgStream, msg.Header, StreamContent{Name: "stdout", Text: "partial"})
			panic(http.ErrAbortHandler) // drop the connection mid-execution
		}
	})
	client := connectTestClient(t, kernel, WithEvents(Events{
		OnDisconnected: func(int, string) { close(disconnected) },
	}))

	result, err := client.Execute(context.Background(), "while True: pass", core.ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != core.StatusAbort {
		t.Fatalf("status = %q, want abort", result.Status)
	}
	if result.Stdout != "partial" {
		t.Fatalf("stdout = %q, want the output captured so far", result.Stdout)
	}

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnected never fired")
	}
}
