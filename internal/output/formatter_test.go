package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/lecoder/lecoder/internal/core"
)

func importErrorResult() (*core.ExecutionResult, core.Classification) {
	result := &core.ExecutionResult{
		Status: core.StatusError,
		Stdout: "",
		Error: &core.ExecError{
			Name:      "ModuleNotFoundError",
			Message:   "No module named 'pandas'",
			Traceback: []string{"\x1b[31mModuleNotFoundError\x1b[0m: No module named 'pandas'"},
		},
		Timing: core.Timing{
			Started:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			Completed:  time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC),
			DurationMS: 1000,
		},
	}
	return result, core.Classify(result.Error.Name, result.Error.Message)
}

func TestResultJSONForImportError(t *testing.T) {
	result, cls := importErrorResult()

	var buf bytes.Buffer
	if err := New(&buf, true).Result(result, cls); err != nil {
		t.Fatalf("Result: %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	if doc["status"] != "error" {
		t.Fatalf("status = %v", doc["status"])
	}
	if doc["errorCode"] != float64(1005) {
		t.Fatalf("errorCode = %v, want 1005", doc["errorCode"])
	}
	// Stdout is part of the schema even when empty.
	if _, ok := doc["stdout"]; !ok {
		t.Fatal("stdout key is absent")
	}
	// Empty stderr is omitted, never null.
	if v, ok := doc["stderr"]; ok {
		t.Fatalf("stderr = %v, want omitted", v)
	}

	errBlock, ok := doc["error"].(map[string]any)
	if !ok {
		t.Fatalf("error block = %v", doc["error"])
	}
	if errBlock["name"] != "ModuleNotFoundError" {
		t.Fatalf("error name = %v", errBlock["name"])
	}
	if errBlock["category"] != "import" {
		t.Fatalf("category = %v", errBlock["category"])
	}
	if errBlock["suggestion"] != "pip install pandas" {
		t.Fatalf("suggestion = %v", errBlock["suggestion"])
	}
	traceback := errBlock["traceback"].([]any)
	if strings.Contains(traceback[0].(string), "\x1b") {
		t.Fatalf("traceback still carries ANSI escapes: %q", traceback[0])
	}

	timing := doc["timing"].(map[string]any)
	if timing["duration_ms"] != float64(1000) {
		t.Fatalf("duration_ms = %v", timing["duration_ms"])
	}
	if timing["started"] != "2026-03-01T12:00:00Z" {
		t.Fatalf("started = %v", timing["started"])
	}
}

func TestResultJSONForSuccess(t *testing.T) {
	result := &core.ExecutionResult{
		Status:         core.StatusOK,
		Stdout:         "\x1b[32mdone\x1b[0m\n",
		ExecutionCount: 4,
		DisplayData: []core.DisplayData{
			{Data: map[string]any{"text/plain": "42"}},
		},
	}

	var buf bytes.Buffer
	if err := New(&buf, true).Result(result, core.ClassifySuccess()); err != nil {
		t.Fatalf("Result: %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if doc["status"] != "ok" || doc["errorCode"] != float64(0) {
		t.Fatalf("status/errorCode = %v/%v", doc["status"], doc["errorCode"])
	}
	if doc["stdout"] != "done\n" {
		t.Fatalf("stdout = %q, want ANSI stripped", doc["stdout"])
	}
	if _, ok := doc["error"]; ok {
		t.Fatal("success result carries an error block")
	}
	if doc["execution_count"] != float64(4) {
		t.Fatalf("execution_count = %v", doc["execution_count"])
	}
}

func TestResultEnvelopeRoundTrip(t *testing.T) {
	result, cls := importErrorResult()
	env := buildResultEnvelope(result, cls)

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back resultEnvelope
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if back.Status != env.Status || back.ErrorCode != env.ErrorCode {
		t.Fatalf("round trip changed status/code: %+v", back)
	}
	if back.Error == nil {
		t.Fatal("round trip dropped the error block")
	}
	if back.Error.Name != env.Error.Name || back.Error.Category != env.Error.Category || back.Error.Suggestion != env.Error.Suggestion {
		t.Fatalf("round trip changed error: %+v", back.Error)
	}
	if len(back.Error.Traceback) != len(env.Error.Traceback) {
		t.Fatalf("round trip changed traceback: %v", back.Error.Traceback)
	}
	if back.Timing != env.Timing {
		t.Fatalf("round trip changed timing: %+v", back.Timing)
	}
}

func TestHumanResultError(t *testing.T) {
	result, cls := importErrorResult()

	var buf bytes.Buffer
	if err := New(&buf, false).Result(result, cls); err != nil {
		t.Fatalf("Result: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "error [1005 import]: ModuleNotFoundError: No module named 'pandas'") {
		t.Fatalf("output = %q", out)
	}
	if !strings.Contains(out, "suggestion: pip install pandas") {
		t.Fatalf("output lacks suggestion: %q", out)
	}
	if strings.Contains(out, "\x1b") {
		t.Fatalf("output carries ANSI escapes: %q", out)
	}
}

func TestHumanResultSuccess(t *testing.T) {
	result := &core.ExecutionResult{
		Status: core.StatusOK,
		Stdout: "hello\n",
		DisplayData: []core.DisplayData{
			{Data: map[string]any{"text/plain": "42"}},
			{Data: map[string]any{"image/png": "aGkK"}},
		},
	}

	var buf bytes.Buffer
	if err := New(&buf, false).Result(result, core.ClassifySuccess()); err != nil {
		t.Fatalf("Result: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "hello\n") {
		t.Fatalf("output = %q", out)
	}
	if !strings.Contains(out, "42") {
		t.Fatalf("output lacks text display data: %q", out)
	}
	if !strings.Contains(out, "[image/png output]") {
		t.Fatalf("output lacks the non-text placeholder: %q", out)
	}
}

func TestShortID(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{id: "1b9d6bcd-bbfd-4b2d-9b5d-ab8dfbbd4bed", want: "1b9d6bcd"},
		{id: "12345678", want: "12345678"},
		{id: "abc", want: "abc"},
		{id: "", want: ""},
	}
	for _, tt := range tests {
		if got := ShortID(tt.id); got != tt.want {
			t.Errorf("ShortID(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestSessionTableHandlesShortIDs(t *testing.T) {
	list := &SessionList{
		Tier:  "free",
		Max:   1,
		Total: 1,
		Sessions: []SessionDisplay{
			{ID: "abc", Label: "gpu-t4", Active: true, LastUsedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		},
	}

	var buf bytes.Buffer
	if err := New(&buf, false).Sessions(list); err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if !strings.Contains(buf.String(), "* abc") {
		t.Fatalf("output = %q, want the short id rendered as-is", buf.String())
	}
}

func TestHistoryJSONShape(t *testing.T) {
	var buf bytes.Buffer
	if err := New(&buf, true).History(nil); err != nil {
		t.Fatalf("History: %v", err)
	}

	var doc struct {
		Entries []core.HistoryEntry `json:"entries"`
		Count   int                 `json:"count"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if doc.Entries == nil {
		t.Fatal("entries is null, want an empty array")
	}
	if doc.Count != 0 {
		t.Fatalf("count = %d", doc.Count)
	}
}

func TestMessageModes(t *testing.T) {
	var buf bytes.Buffer
	if err := New(&buf, true).Message("session %s closed", "abcd1234"); err != nil {
		t.Fatalf("Message: %v", err)
	}
	var doc map[string]string
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("json message: %v", err)
	}
	if doc["message"] != "session abcd1234 closed" {
		t.Fatalf("message = %q", doc["message"])
	}

	buf.Reset()
	if err := New(&buf, false).Message("hello"); err != nil {
		t.Fatalf("Message: %v", err)
	}
	if buf.String() != "hello\n" {
		t.Fatalf("human message = %q", buf.String())
	}
}
