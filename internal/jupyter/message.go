// Package jupyter implements the Jupyter wire protocol as spoken over
// Colab's kernel WebSocket: ZMQ-style framed messages carried as JSON,
// request/reply correlation by message id, and the kernel client that
// drives the execute cycle.
package jupyter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the Jupyter message protocol version this client
// speaks.
const ProtocolVersion = "5.3"

// Channels a message can travel on.
const (
	ChannelShell   = "shell"
	ChannelIOPub   = "iopub"
	ChannelControl = "control"
	ChannelStdin   = "stdin"
)

// Message types sent by this client.
const (
	MsgExecuteRequest    = "execute_request"
	MsgKernelInfoRequest = "kernel_info_request"
)

// Message types consumed from the kernel.
const (
	MsgExecuteReply      = "execute_reply"
	MsgKernelInfoReply   = "kernel_info_reply"
	MsgStatus            = "status"
	MsgStream            = "stream"
	MsgExecuteResult     = "execute_result"
	MsgDisplayData       = "display_data"
	MsgUpdateDisplayData = "update_display_data"
	MsgExecuteInput      = "execute_input"
	MsgError             = "error"
)

// headerDateLayout is the ISO-8601 UTC format Jupyter uses for header
// dates.
const headerDateLayout = "2006-01-02T15:04:05.000000Z"

// Header is the six-field Jupyter message header. Date stays a string:
// it is opaque to this client and parent headers of broadcast messages
// may be empty objects.
type Header struct {
	MsgID    string `json:"msg_id,omitempty"`
	Username string `json:"username,omitempty"`
	Session  string `json:"session,omitempty"`
	Date     string `json:"date,omitempty"`
	MsgType  string `json:"msg_type,omitempty"`
	Version  string `json:"version,omitempty"`
}

// Message is one Jupyter protocol message plus its channel tag.
type Message struct {
	Channel      string            `json:"channel,omitempty"`
	Header       Header            `json:"header"`
	ParentHeader Header            `json:"parent_header"`
	Metadata     map[string]any    `json:"metadata"`
	Content      json.RawMessage   `json:"content"`
	Buffers      []json.RawMessage `json:"buffers"`
}

// NewRequest builds a request message with a fresh msg_id on the shell
// channel. session identifies this client for its lifetime.
func NewRequest(session, msgType string, content any) (*Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encode %s content: %w", msgType, err)
	}
	return &Message{
		Channel: ChannelShell,
		Header: Header{
			MsgID:    uuid.New().String(),
			Username: "lecoder",
			Session:  session,
			Date:     time.Now().UTC().Format(headerDateLayout),
			MsgType:  msgType,
			Version:  ProtocolVersion,
		},
		Metadata: map[string]any{},
		Content:  raw,
		Buffers:  []json.RawMessage{},
	}, nil
}

// Encode serializes the message in the object frame form, the only
// form this client sends.
func (m *Message) Encode() ([]byte, error) {
	if m.Content == nil {
		m.Content = json.RawMessage("{}")
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	if m.Buffers == nil {
		m.Buffers = []json.RawMessage{}
	}
	return json.Marshal(m)
}

// DecodeFrame parses one WebSocket frame into a Message. Colab emits
// two frame shapes: a JSON object with a top-level channel field, and
// a JSON array [channel, header, parent_header, metadata, content,
// buffers]. Both are accepted.
func DecodeFrame(data []byte) (*Message, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	if trimmed[0] == '[' {
		var parts []json.RawMessage
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return nil, fmt.Errorf("decode array frame: %w", err)
		}
		if len(parts) < 5 {
			return nil, fmt.Errorf("array frame has %d parts, want at least 5", len(parts))
		}
		var msg Message
		if err := json.Unmarshal(parts[0], &msg.Channel); err != nil {
			return nil, fmt.Errorf("decode frame channel: %w", err)
		}
		if err := json.Unmarshal(parts[1], &msg.Header); err != nil {
			return nil, fmt.Errorf("decode frame header: %w", err)
		}
		if err := json.Unmarshal(parts[2], &msg.ParentHeader); err != nil {
			return nil, fmt.Errorf("decode frame parent header: %w", err)
		}
		if err := json.Unmarshal(parts[3], &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decode frame metadata: %w", err)
		}
		msg.Content = parts[4]
		if len(parts) > 5 {
			if err := json.Unmarshal(parts[5], &msg.Buffers); err != nil {
				return nil, fmt.Errorf("decode frame buffers: %w", err)
			}
		}
		return &msg, nil
	}

	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, fmt.Errorf("decode object frame: %w", err)
	}
	return &msg, nil
}

// DecodeContent unmarshals the message content into v.
func (m *Message) DecodeContent(v any) error {
	if len(m.Content) == 0 {
		return fmt.Errorf("%s message has no content", m.Header.MsgType)
	}
	if err := json.Unmarshal(m.Content, v); err != nil {
		return fmt.Errorf("decode %s content: %w", m.Header.MsgType, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Content records
// ---------------------------------------------------------------------------

// ExecuteRequest is the content of an execute_request.
type ExecuteRequest struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
	StopOnError     bool           `json:"stop_on_error"`
}

// ExecuteReply is the content of an execute_reply.
type ExecuteReply struct {
	Status         string   `json:"status"`
	ExecutionCount int      `json:"execution_count"`
	EName          string   `json:"ename,omitempty"`
	EValue         string   `json:"evalue,omitempty"`
	Traceback      []string `json:"traceback,omitempty"`
}

// StatusContent is the content of an iopub status message.
type StatusContent struct {
	ExecutionState string `json:"execution_state"`
}

// Kernel execution states carried in status messages.
const (
	StateStarting = "starting"
	StateBusy     = "busy"
	StateIdle     = "idle"
	StateDead     = "dead"
)

// StreamContent is the content of a stream message.
type StreamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// DisplayDataContent is the content of execute_result, display_data,
// and update_display_data messages.
type DisplayDataContent struct {
	Data           map[string]any `json:"data"`
	Metadata       map[string]any `json:"metadata"`
	ExecutionCount int            `json:"execution_count,omitempty"`
}

// ErrorContent is the content of an iopub error message.
type ErrorContent struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// KernelInfoReply is the subset of kernel_info_reply content this
// client uses.
type KernelInfoReply struct {
	Status          string `json:"status"`
	ProtocolVersion string `json:"protocol_version"`
	Implementation  string `json:"implementation"`
	Banner          string `json:"banner"`
	LanguageInfo    struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"language_info"`
}
