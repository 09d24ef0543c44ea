package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Category is the coarse classification of an execution failure, used
// by the machine-readable output contract.
type Category string

const (
	CategorySuccess Category = "success"
	CategorySyntax  Category = "syntax"
	CategoryRuntime Category = "runtime"
	CategoryTimeout Category = "timeout"
	CategoryMemory  Category = "memory"
	CategoryImport  Category = "import"
	CategoryIO      Category = "io"
	CategoryUnknown Category = "unknown"
)

// Numeric error codes. These are part of the documented output schema
// and must stay stable.
const (
	CodeSuccess = 0
	CodeSyntax  = 1001
	CodeRuntime = 1002
	CodeTimeout = 1003
	CodeMemory  = 1004
	CodeImport  = 1005
	CodeIO      = 1006
	CodeUnknown = 1999
)

// categoryCodes is the 1:1 map between categories and numeric codes.
var categoryCodes = map[Category]int{
	CategorySuccess: CodeSuccess,
	CategorySyntax:  CodeSyntax,
	CategoryRuntime: CodeRuntime,
	CategoryTimeout: CodeTimeout,
	CategoryMemory:  CodeMemory,
	CategoryImport:  CodeImport,
	CategoryIO:      CodeIO,
	CategoryUnknown: CodeUnknown,
}

// Code returns the numeric error code for the category.
func (c Category) Code() int {
	code, ok := categoryCodes[c]
	if !ok {
		return CodeUnknown
	}
	return code
}

// Classification is the result of mapping a kernel exception or a
// transport failure onto the error taxonomy.
type Classification struct {
	Category    Category
	Code        int
	Description string
	Suggestion  string
}

func classification(cat Category, description, suggestion string) Classification {
	return Classification{Category: cat, Code: cat.Code(), Description: description, Suggestion: suggestion}
}

// ClassifySuccess is the classification for a successful execution.
func ClassifySuccess() Classification {
	return classification(CategorySuccess, "execution completed", "")
}

// ClassifyAbort is the classification for an execution that was
// interrupted or lost its connection before completing.
func ClassifyAbort() Classification {
	return classification(CategoryTimeout, "execution was aborted before completion",
		"re-run the command; use --new-runtime if the kernel is wedged")
}

// ClassifyResult classifies a completed execution result.
func ClassifyResult(result *ExecutionResult) Classification {
	switch result.Status {
	case StatusOK:
		return ClassifySuccess()
	case StatusAbort:
		return ClassifyAbort()
	}
	if result.Error != nil {
		return Classify(result.Error.Name, result.Error.Message)
	}
	return classification(CategoryUnknown, "the kernel reported an error without details",
		"retry; if the problem persists, use --new-runtime")
}

// syntaxExceptions are Python exception names mapped to the syntax
// category.
var syntaxExceptions = map[string]bool{
	"SyntaxError":      true,
	"IndentationError": true,
	"TabError":         true,
}

// runtimeExceptions are common Python runtime exception names. Any
// exception name ending in "Error" that is not otherwise classified
// also falls into the runtime category.
var runtimeExceptions = map[string]bool{
	"NameError":           true,
	"TypeError":           true,
	"ValueError":          true,
	"AttributeError":      true,
	"ZeroDivisionError":   true,
	"IndexError":          true,
	"KeyError":            true,
	"RuntimeError":        true,
	"AssertionError":      true,
	"StopIteration":       true,
	"RecursionError":      true,
	"UnboundLocalError":   true,
	"OverflowError":       true,
	"FloatingPointError":  true,
	"ArithmeticError":     true,
	"NotImplementedError": true,
}

var ioExceptions = map[string]bool{
	"FileNotFoundError":    true,
	"PermissionError":      true,
	"IsADirectoryError":    true,
	"NotADirectoryError":   true,
	"FileExistsError":      true,
	"BlockingIOError":      true,
	"ConnectionError":      true,
	"BrokenPipeError":      true,
	"ConnectionResetError": true,
	"OSError":              true,
	"IOError":              true,
}

var moduleNameRe = regexp.MustCompile(`No module named '?([A-Za-z0-9_.]+)'?`)

// cudaOOMMarkers are substrings in an evalue that indicate GPU memory
// exhaustion regardless of the exception name.
var cudaOOMMarkers = []string{
	"CUDA out of memory",
	"CUDA error: out of memory",
	"RESOURCE_EXHAUSTED",
	"failed to allocate",
}

// Classify maps a kernel exception (ename/evalue) to a classification.
// The suggestion is derived deterministically from the category; for
// import errors it includes the pip install command for the missing
// module extracted from the evalue.
func Classify(ename, evalue string) Classification {
	switch {
	case syntaxExceptions[ename]:
		return classification(CategorySyntax, fmt.Sprintf("%s: invalid Python syntax", ename),
			"fix the syntax error at the reported line and re-run")

	case ename == "ImportError" || ename == "ModuleNotFoundError":
		suggestion := "install the missing package on the runtime"
		if m := moduleNameRe.FindStringSubmatch(evalue); m != nil {
			// Only the top-level package is installable.
			pkg, _, _ := strings.Cut(m[1], ".")
			suggestion = "pip install " + pkg
		}
		return classification(CategoryImport, fmt.Sprintf("%s: a required module is not installed", ename), suggestion)

	case ename == "MemoryError" || hasCUDAOOM(evalue):
		return classification(CategoryMemory, "the runtime ran out of memory",
			"reduce memory usage, restart with --new-runtime, or request a larger accelerator")

	case ename == "KeyboardInterrupt":
		return classification(CategoryTimeout, "execution was interrupted",
			"the execution was cancelled; re-run with a higher --timeout if it needs more time")

	case ename == "TimeoutError":
		return classification(CategoryTimeout, "execution timed out",
			"re-run with a higher --timeout")

	case ioExceptions[ename]:
		return classification(CategoryIO, fmt.Sprintf("%s: an I/O operation failed", ename),
			"check the file path and permissions on the runtime")

	case runtimeExceptions[ename] || strings.HasSuffix(ename, "Error") || strings.HasSuffix(ename, "Exception"):
		return classification(CategoryRuntime, fmt.Sprintf("%s: the code raised a runtime exception", ename),
			"inspect the traceback and fix the failing expression")

	case ename == "":
		return ClassifySuccess()
	}
	return classification(CategoryUnknown, fmt.Sprintf("unrecognized kernel error %s", ename),
		"inspect the traceback; if the runtime is wedged, retry with --new-runtime")
}

func hasCUDAOOM(evalue string) bool {
	for _, marker := range cudaOOMMarkers {
		if strings.Contains(evalue, marker) {
			return true
		}
	}
	return false
}

// transientStatus reports whether an HTTP status from the proxy is a
// transient availability failure.
func transientStatus(status int) bool {
	return status == 502 || status == 503 || status == 504
}

// HTTPStatusError is implemented by transport errors that carry an
// HTTP response status (see colab.APIError).
type HTTPStatusError interface {
	error
	HTTPStatus() int
}

// ClassifyTransport maps a transport-level failure (REST or WebSocket)
// to a classification. Kernel exceptions never reach this path.
func ClassifyTransport(err error) Classification {
	switch {
	case err == nil:
		return ClassifySuccess()

	case errors.Is(err, context.DeadlineExceeded):
		return classification(CategoryTimeout, "the operation timed out",
			"retry; if the runtime stays unresponsive, use --new-runtime")
	}

	var connFailed *ErrConnectionFailed
	if errors.As(err, &connFailed) {
		return classification(CategoryIO, "the connection to the runtime is unstable",
			"retry with --new-runtime")
	}

	var statusErr HTTPStatusError
	if errors.As(err, &statusErr) && transientStatus(statusErr.HTTPStatus()) {
		return classification(CategoryIO, fmt.Sprintf("the runtime proxy returned HTTP %d", statusErr.HTTPStatus()),
			"retry in a moment, or use --new-runtime")
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return classification(CategoryTimeout, "the network operation timed out",
				"check connectivity and retry")
		}
		return classification(CategoryIO, "a network operation failed",
			"check connectivity and retry")
	}

	if strings.Contains(err.Error(), "connection refused") {
		return classification(CategoryIO, "the runtime refused the connection",
			"the runtime may have been evicted; use --new-runtime")
	}

	return classification(CategoryUnknown, err.Error(),
		"retry; if the problem persists, use --new-runtime")
}
