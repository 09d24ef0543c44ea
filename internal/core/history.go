package core

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// ExecutionMode distinguishes shell-style and kernel executions in
// history entries.
type ExecutionMode string

const (
	ModeKernel   ExecutionMode = "kernel"
	ModeTerminal ExecutionMode = "terminal"
)

// HistoryRuntime is the runtime provenance recorded with each entry.
type HistoryRuntime struct {
	Label       string `json:"label"`
	Accelerator string `json:"accelerator"`
}

// HistoryEntry is a persisted ExecutionResult plus provenance.
type HistoryEntry struct {
	Timestamp      time.Time       `json:"timestamp"`
	Command        string          `json:"command"`
	Mode           ExecutionMode   `json:"mode"`
	Runtime        HistoryRuntime  `json:"runtime"`
	Status         ExecutionStatus `json:"status"`
	ErrorCode      int             `json:"errorCode"`
	Category       Category        `json:"category,omitempty"`
	Stdout         string          `json:"stdout"`
	Stderr         string          `json:"stderr,omitempty"`
	Error          *ExecError      `json:"error,omitempty"`
	ExecutionCount int             `json:"execution_count,omitempty"`
	Timing         Timing          `json:"timing"`
}

// HistoryFilter selects entries for a query. Zero values match
// everything. Limit bounds how many entries are returned, newest
// first.
type HistoryFilter struct {
	Status   ExecutionStatus
	Category Category
	Mode     ExecutionMode
	Since    time.Time
	Limit    int
}

// Matches reports whether an entry passes the filter.
func (f HistoryFilter) Matches(e *HistoryEntry) bool {
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.Mode != "" && e.Mode != f.Mode {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// HistoryStats aggregates the whole history file.
type HistoryStats struct {
	Total       int                `json:"total"`
	ByMode      map[string]int     `json:"byMode"`
	ByCategory  map[string]int     `json:"byCategory,omitempty"`
	SuccessRate float64            `json:"successRate"`
	First       time.Time          `json:"first,omitzero"`
	Last        time.Time          `json:"last,omitzero"`
}

// HistoryRepo abstracts the append-only execution history store.
type HistoryRepo interface {
	// Append persists one entry atomically.
	Append(ctx context.Context, entry *HistoryEntry) error
	// Query returns the newest matching entries, newest first.
	Query(ctx context.Context, filter HistoryFilter) ([]HistoryEntry, error)
	// Stats aggregates the full store.
	Stats(ctx context.Context) (*HistoryStats, error)
	// Clear truncates the store.
	Clear(ctx context.Context) error
}

var relativeSinceRe = regexp.MustCompile(`^(\d+)([smhd])$`)

// ParseSince parses a --since argument: either an ISO-8601 timestamp
// or a relative form like "90s", "15m", "2h", "7d" anchored at now.
func ParseSince(s string, now time.Time) (time.Time, error) {
	if m := relativeSinceRe.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, &ErrInvalidInput{Field: "since", Message: fmt.Sprintf("%q is out of range", s)}
		}
		var unit time.Duration
		switch m[2] {
		case "s":
			unit = time.Second
		case "m":
			unit = time.Minute
		case "h":
			unit = time.Hour
		case "d":
			unit = 24 * time.Hour
		}
		return now.Add(-time.Duration(n) * unit), nil
	}

	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &ErrInvalidInput{Field: "since", Message: fmt.Sprintf("%q is neither an ISO-8601 timestamp nor a relative duration like 30m or 2d", s)}
}

// HistoryUseCase provides validated access to the execution history.
type HistoryUseCase struct {
	repo HistoryRepo
}

// NewHistoryUseCase returns a HistoryUseCase over the given store.
func NewHistoryUseCase(repo HistoryRepo) *HistoryUseCase {
	return &HistoryUseCase{repo: repo}
}

// Record builds a history entry from an execution result and appends
// it.
func (uc *HistoryUseCase) Record(ctx context.Context, command string, mode ExecutionMode, runtime HistoryRuntime, result *ExecutionResult, cls Classification) error {
	entry := &HistoryEntry{
		Timestamp:      time.Now().UTC(),
		Command:        command,
		Mode:           mode,
		Runtime:        runtime,
		Status:         result.Status,
		ErrorCode:      cls.Code,
		Stdout:         result.Stdout,
		Stderr:         result.Stderr,
		Error:          result.Error,
		ExecutionCount: result.ExecutionCount,
		Timing:         result.Timing,
	}
	if cls.Code != CodeSuccess {
		entry.Category = cls.Category
	}
	return uc.repo.Append(ctx, entry)
}

// Query validates the filter inputs and returns matching entries.
func (uc *HistoryUseCase) Query(ctx context.Context, filter HistoryFilter) ([]HistoryEntry, error) {
	switch filter.Status {
	case "", StatusOK, StatusError, StatusAbort:
	default:
		return nil, &ErrInvalidInput{Field: "status", Message: fmt.Sprintf("%q is not one of ok, error, abort", filter.Status)}
	}
	switch filter.Mode {
	case "", ModeKernel, ModeTerminal:
	default:
		return nil, &ErrInvalidInput{Field: "mode", Message: fmt.Sprintf("%q is not one of kernel, terminal", filter.Mode)}
	}
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	return uc.repo.Query(ctx, filter)
}

// Stats aggregates the history store.
func (uc *HistoryUseCase) Stats(ctx context.Context) (*HistoryStats, error) {
	return uc.repo.Stats(ctx)
}

// Clear truncates the history store.
func (uc *HistoryUseCase) Clear(ctx context.Context) error {
	return uc.repo.Clear(ctx)
}
