package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		in   string
		want time.Time
	}{
		{in: "90s", want: now.Add(-90 * time.Second)},
		{in: "15m", want: now.Add(-15 * time.Minute)},
		{in: "2h", want: now.Add(-2 * time.Hour)},
		{in: "7d", want: now.Add(-7 * 24 * time.Hour)},
		{in: "2026-02-01", want: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)},
		{in: "2026-02-01T10:30:00Z", want: time.Date(2026, 2, 1, 10, 30, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSince(tt.in, now)
			if err != nil {
				t.Fatalf("ParseSince(%q): %v", tt.in, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("ParseSince(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}

	for _, bad := range []string{"", "yesterday", "5x", "m5"} {
		if _, err := ParseSince(bad, now); err == nil {
			t.Errorf("ParseSince(%q) succeeded, want error", bad)
		}
	}
}

func TestHistoryFilterMatches(t *testing.T) {
	entry := &HistoryEntry{
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Mode:      ModeKernel,
		Status:    StatusError,
		Category:  CategoryImport,
	}

	tests := []struct {
		name   string
		filter HistoryFilter
		want   bool
	}{
		{name: "empty matches", filter: HistoryFilter{}, want: true},
		{name: "status match", filter: HistoryFilter{Status: StatusError}, want: true},
		{name: "status mismatch", filter: HistoryFilter{Status: StatusOK}, want: false},
		{name: "category match", filter: HistoryFilter{Category: CategoryImport}, want: true},
		{name: "category mismatch", filter: HistoryFilter{Category: CategoryMemory}, want: false},
		{name: "mode mismatch", filter: HistoryFilter{Mode: ModeTerminal}, want: false},
		{name: "since before entry", filter: HistoryFilter{Since: entry.Timestamp.Add(-time.Hour)}, want: true},
		{name: "since after entry", filter: HistoryFilter{Since: entry.Timestamp.Add(time.Hour)}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(entry); got != tt.want {
				t.Fatalf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

// memHistoryRepo records appended entries.
type memHistoryRepo struct {
	entries []HistoryEntry
}

func (m *memHistoryRepo) Append(_ context.Context, e *HistoryEntry) error {
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memHistoryRepo) Query(_ context.Context, filter HistoryFilter) ([]HistoryEntry, error) {
	var out []HistoryEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if filter.Matches(&m.entries[i]) {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

func (m *memHistoryRepo) Stats(context.Context) (*HistoryStats, error) {
	return &HistoryStats{Total: len(m.entries)}, nil
}

func (m *memHistoryRepo) Clear(context.Context) error {
	m.entries = nil
	return nil
}

func TestHistoryRecordSetsCategoryOnlyOnFailure(t *testing.T) {
	repo := &memHistoryRepo{}
	uc := NewHistoryUseCase(repo)
	rt := HistoryRuntime{Label: "gpu-t4", Accelerator: "T4"}

	ok := &ExecutionResult{Status: StatusOK, Stdout: "hi\n", ExecutionCount: 1}
	if err := uc.Record(context.Background(), "print('hi')", ModeKernel, rt, ok, ClassifySuccess()); err != nil {
		t.Fatalf("record ok: %v", err)
	}

	failed := &ExecutionResult{Status: StatusError, Error: &ExecError{Name: "ValueError"}}
	if err := uc.Record(context.Background(), "boom()", ModeKernel, rt, failed, Classify("ValueError", "")); err != nil {
		t.Fatalf("record error: %v", err)
	}

	if got := repo.entries[0].Category; got != "" {
		t.Fatalf("success entry category = %q, want empty", got)
	}
	if got := repo.entries[1].Category; got != CategoryRuntime {
		t.Fatalf("failure entry category = %q, want runtime", got)
	}
	if repo.entries[1].ErrorCode != CodeRuntime {
		t.Fatalf("failure errorCode = %d, want %d", repo.entries[1].ErrorCode, CodeRuntime)
	}
}

func TestHistoryQueryValidation(t *testing.T) {
	uc := NewHistoryUseCase(&memHistoryRepo{})

	var invalidErr *ErrInvalidInput
	if _, err := uc.Query(context.Background(), HistoryFilter{Status: "flaky"}); !errors.As(err, &invalidErr) {
		t.Fatalf("bad status err = %v, want ErrInvalidInput", err)
	}
	if _, err := uc.Query(context.Background(), HistoryFilter{Mode: "ssh"}); !errors.As(err, &invalidErr) {
		t.Fatalf("bad mode err = %v, want ErrInvalidInput", err)
	}
}
