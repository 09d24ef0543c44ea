package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyKernelExceptions(t *testing.T) {
	tests := []struct {
		name       string
		ename      string
		evalue     string
		category   Category
		code       int
		suggestion string
	}{
		{name: "syntax", ename: "SyntaxError", evalue: "invalid syntax", category: CategorySyntax, code: 1001},
		{name: "indentation", ename: "IndentationError", evalue: "unexpected indent", category: CategorySyntax, code: 1001},
		{name: "name error", ename: "NameError", evalue: "name 'x' is not defined", category: CategoryRuntime, code: 1002},
		{name: "zero division", ename: "ZeroDivisionError", evalue: "division by zero", category: CategoryRuntime, code: 1002},
		{name: "keyboard interrupt", ename: "KeyboardInterrupt", evalue: "", category: CategoryTimeout, code: 1003},
		{name: "timeout", ename: "TimeoutError", evalue: "", category: CategoryTimeout, code: 1003},
		{name: "memory", ename: "MemoryError", evalue: "", category: CategoryMemory, code: 1004},
		{name: "cuda oom", ename: "RuntimeError", evalue: "CUDA out of memory. Tried to allocate 20.00 GiB", category: CategoryMemory, code: 1004},
		{name: "missing module", ename: "ModuleNotFoundError", evalue: "No module named 'pandas'", category: CategoryImport, code: 1005, suggestion: "pip install pandas"},
		{name: "missing submodule installs top level", ename: "ModuleNotFoundError", evalue: "No module named 'sklearn.linear_model'", category: CategoryImport, code: 1005, suggestion: "pip install sklearn"},
		{name: "import error", ename: "ImportError", evalue: "cannot import name 'foo'", category: CategoryImport, code: 1005},
		{name: "file not found", ename: "FileNotFoundError", evalue: "[Errno 2] No such file", category: CategoryIO, code: 1006},
		{name: "unknown Error suffix is runtime", ename: "CustomWidgetError", evalue: "", category: CategoryRuntime, code: 1002},
		{name: "unrecognized", ename: "SystemExit", evalue: "", category: CategoryUnknown, code: 1999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls := Classify(tt.ename, tt.evalue)
			if cls.Category != tt.category {
				t.Fatalf("category = %q, want %q", cls.Category, tt.category)
			}
			if cls.Code != tt.code {
				t.Fatalf("code = %d, want %d", cls.Code, tt.code)
			}
			if tt.suggestion != "" && cls.Suggestion != tt.suggestion {
				t.Fatalf("suggestion = %q, want %q", cls.Suggestion, tt.suggestion)
			}
			if cls.Description == "" {
				t.Fatal("description is empty")
			}
		})
	}
}

func TestClassifyCategoryCodesAreStable(t *testing.T) {
	want := map[Category]int{
		CategorySuccess: 0,
		CategorySyntax:  1001,
		CategoryRuntime: 1002,
		CategoryTimeout: 1003,
		CategoryMemory:  1004,
		CategoryImport:  1005,
		CategoryIO:      1006,
		CategoryUnknown: 1999,
	}
	for cat, code := range want {
		if got := cat.Code(); got != code {
			t.Errorf("%s.Code() = %d, want %d", cat, got, code)
		}
	}
}

type statusErr struct{ status int }

func (e *statusErr) Error() string   { return fmt.Sprintf("HTTP %d", e.status) }
func (e *statusErr) HTTPStatus() int { return e.status }

func TestClassifyTransport(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category Category
	}{
		{name: "deadline", err: context.DeadlineExceeded, category: CategoryTimeout},
		{name: "connection failed", err: &ErrConnectionFailed{Reason: "5 attempts"}, category: CategoryIO},
		{name: "bad gateway", err: &statusErr{status: 502}, category: CategoryIO},
		{name: "gateway timeout", err: &statusErr{status: 504}, category: CategoryIO},
		{name: "non transient status", err: &statusErr{status: 500}, category: CategoryUnknown},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), category: CategoryIO},
		{name: "unknown", err: errors.New("weird"), category: CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls := ClassifyTransport(tt.err)
			if cls.Category != tt.category {
				t.Fatalf("category = %q, want %q", cls.Category, tt.category)
			}
			if cls.Code != tt.category.Code() {
				t.Fatalf("code = %d, want %d", cls.Code, tt.category.Code())
			}
		})
	}
}

func TestClassifyResult(t *testing.T) {
	ok := ClassifyResult(&ExecutionResult{Status: StatusOK})
	if ok.Code != CodeSuccess {
		t.Fatalf("ok code = %d, want 0", ok.Code)
	}

	abort := ClassifyResult(&ExecutionResult{Status: StatusAbort})
	if abort.Code != CodeTimeout {
		t.Fatalf("abort code = %d, want %d", abort.Code, CodeTimeout)
	}

	failed := ClassifyResult(&ExecutionResult{
		Status: StatusError,
		Error:  &ExecError{Name: "ValueError", Message: "boom"},
	})
	if failed.Category != CategoryRuntime {
		t.Fatalf("error category = %q, want runtime", failed.Category)
	}
}
