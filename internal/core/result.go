package core

import "time"

// ExecutionStatus is the outcome of one code submission.
type ExecutionStatus string

const (
	StatusOK    ExecutionStatus = "ok"
	StatusError ExecutionStatus = "error"
	StatusAbort ExecutionStatus = "abort"
)

// DisplayData is one rich output emitted by the kernel: a map of MIME
// type to payload plus optional metadata. Payloads are kept as decoded
// JSON values so that text/plain, image/png (base64), and structured
// types all pass through unchanged.
type DisplayData struct {
	Data     map[string]any `json:"data"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ExecError carries the kernel-reported exception for a failed
// execution.
type ExecError struct {
	Name      string   `json:"name"`
	Message   string   `json:"message"`
	Traceback []string `json:"traceback,omitempty"`
}

// Timing records when an execution was sent and when it completed.
type Timing struct {
	Started    time.Time `json:"started"`
	Completed  time.Time `json:"completed"`
	DurationMS int64     `json:"duration_ms"`
}

// ExecutionResult is the structured outcome of one code submission.
// Kernel execution errors are represented here, never as Go errors, so
// that the surrounding flow always persists a history entry and emits
// output.
type ExecutionResult struct {
	Status         ExecutionStatus `json:"status"`
	Stdout         string          `json:"stdout"`
	Stderr         string          `json:"stderr,omitempty"`
	DisplayData    []DisplayData   `json:"display_data,omitempty"`
	Error          *ExecError      `json:"error,omitempty"`
	ExecutionCount int             `json:"execution_count,omitempty"`
	Timing         Timing          `json:"timing"`
}
