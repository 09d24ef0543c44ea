package jupyter

import (
	"encoding/json"
	"testing"
)

func TestNewRequestHeaders(t *testing.T) {
	msg, err := NewRequest("sess-1", MsgExecuteRequest, ExecuteRequest{Code: "1+1"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if msg.Header.MsgID == "" {
		t.Fatal("msg_id is empty")
	}
	if msg.Header.Session != "sess-1" {
		t.Fatalf("session = %q, want sess-1", msg.Header.Session)
	}
	if msg.Header.MsgType != MsgExecuteRequest {
		t.Fatalf("msg_type = %q", msg.Header.MsgType)
	}
	if msg.Header.Version != ProtocolVersion {
		t.Fatalf("version = %q, want %q", msg.Header.Version, ProtocolVersion)
	}
	if msg.Channel != ChannelShell {
		t.Fatalf("channel = %q, want shell", msg.Channel)
	}
}

func TestEncodeEmitsObjectForm(t *testing.T) {
	msg, err := NewRequest("sess-1", MsgKernelInfoRequest, map[string]any{})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("encoded frame is not a JSON object: %v", err)
	}
	for _, key := range []string{"channel", "header", "parent_header", "metadata", "content"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("encoded frame lacks %q", key)
		}
	}
}

func TestDecodeFrameObjectForm(t *testing.T) {
	frame := `{
		"channel": "iopub",
		"header": {"msg_id": "m1", "msg_type": "status", "session": "s"},
		"parent_header": {"msg_id": "p1"},
		"metadata": {},
		"content": {"execution_state": "idle"}
	}`

	msg, err := DecodeFrame([]byte(frame))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if msg.Channel != ChannelIOPub {
		t.Fatalf("channel = %q, want iopub", msg.Channel)
	}
	if msg.Header.MsgType != MsgStatus {
		t.Fatalf("msg_type = %q, want status", msg.Header.MsgType)
	}
	if msg.ParentHeader.MsgID != "p1" {
		t.Fatalf("parent msg_id = %q, want p1", msg.ParentHeader.MsgID)
	}

	var status StatusContent
	if err := msg.DecodeContent(&status); err != nil {
		t.Fatalf("DecodeContent: %v", err)
	}
	if status.ExecutionState != StateIdle {
		t.Fatalf("execution_state = %q, want idle", status.ExecutionState)
	}
}

func TestDecodeFrameArrayForm(t *testing.T) {
	frame := `["iopub",
		{"msg_id": "m2", "msg_type": "stream"},
		{"msg_id": "p2"},
		{},
		{"name": "stdout", "text": "hello"},
		[]]`

	msg, err := DecodeFrame([]byte(frame))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if msg.Channel != ChannelIOPub || msg.Header.MsgType != MsgStream {
		t.Fatalf("decoded header = %+v", msg.Header)
	}

	var stream StreamContent
	if err := msg.DecodeContent(&stream); err != nil {
		t.Fatalf("DecodeContent: %v", err)
	}
	if stream.Name != "stdout" || stream.Text != "hello" {
		t.Fatalf("stream = %+v", stream)
	}
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "   ", "not json", `["iopub", {}]`} {
		if _, err := DecodeFrame([]byte(bad)); err == nil {
			t.Errorf("DecodeFrame(%q) succeeded, want error", bad)
		}
	}
}
