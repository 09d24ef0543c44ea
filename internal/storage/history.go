package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/lecoder/lecoder/internal/core"
)

const historyFile = "history.jsonl"

// Rotation policy: once the file grows past the size threshold, it is
// rewritten keeping only the newest entries.
const (
	historyMaxBytes   = 10 << 20
	historyKeepOnRoll = 1000
)

// maxLineBytes bounds a single history line. Stdout and stderr are
// already capped at 1 MiB each upstream; 4 MiB leaves room for
// tracebacks and JSON escaping.
const maxLineBytes = 4 << 20

// HistoryStore implements core.HistoryRepo as an append-only JSONL
// file. One entry per line keeps appends atomic enough for a CLI
// (O_APPEND, single write) while staying greppable.
type HistoryStore struct {
	path string
	log  *slog.Logger
}

// NewHistoryStore returns a store rooted at dir, creating dir if
// needed.
func NewHistoryStore(dir string) (*HistoryStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &HistoryStore{
		path: filepath.Join(dir, historyFile),
		log:  slog.Default().With("component", "history"),
	}, nil
}

// Append writes one entry as a single JSONL line, rotating first when
// the file is over the size threshold.
func (s *HistoryStore) Append(ctx context.Context, entry *core.HistoryEntry) error {
	unlock, err := s.lock(syscall.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.rotateIfNeeded(); err != nil {
		return err
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// Query returns the newest entries passing the filter, newest first.
func (s *HistoryStore) Query(ctx context.Context, filter core.HistoryFilter) ([]core.HistoryEntry, error) {
	unlock, err := s.lock(syscall.LOCK_SH)
	if err != nil {
		return nil, err
	}
	defer unlock()

	entries, err := s.readAll()
	if err != nil {
		return nil, err
	}

	// The file is oldest-first; walk backwards so Limit keeps the
	// newest matches.
	var out []core.HistoryEntry
	for i := len(entries) - 1; i >= 0; i-- {
		if !filter.Matches(&entries[i]) {
			continue
		}
		out = append(out, entries[i])
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Stats aggregates the full file.
func (s *HistoryStore) Stats(ctx context.Context) (*core.HistoryStats, error) {
	unlock, err := s.lock(syscall.LOCK_SH)
	if err != nil {
		return nil, err
	}
	defer unlock()

	entries, err := s.readAll()
	if err != nil {
		return nil, err
	}

	stats := &core.HistoryStats{
		Total:      len(entries),
		ByMode:     map[string]int{},
		ByCategory: map[string]int{},
	}
	succeeded := 0
	for i := range entries {
		e := &entries[i]
		stats.ByMode[string(e.Mode)]++
		if e.Category != "" {
			stats.ByCategory[string(e.Category)]++
		}
		if e.Status == core.StatusOK {
			succeeded++
		}
		if stats.First.IsZero() || e.Timestamp.Before(stats.First) {
			stats.First = e.Timestamp
		}
		if e.Timestamp.After(stats.Last) {
			stats.Last = e.Timestamp
		}
	}
	if len(entries) > 0 {
		stats.SuccessRate = float64(succeeded) / float64(len(entries))
	}
	if len(stats.ByCategory) == 0 {
		stats.ByCategory = nil
	}
	return stats, nil
}

// Clear truncates the store.
func (s *HistoryStore) Clear(ctx context.Context) error {
	unlock, err := s.lock(syscall.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()

	err = os.Remove(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// rotateIfNeeded rewrites the file with only the newest entries once
// it exceeds the size threshold. Undecodable lines are dropped in the
// process.
func (s *HistoryStore) rotateIfNeeded() error {
	info, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() <= historyMaxBytes {
		return nil
	}

	entries, err := s.readAll()
	if err != nil {
		return err
	}
	if len(entries) > historyKeepOnRoll {
		entries = entries[len(entries)-historyKeepOnRoll:]
	}

	var buf []byte
	for i := range entries {
		line, err := json.Marshal(&entries[i])
		if err != nil {
			return err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	s.log.Info("rotating history", "kept", len(entries), "size", info.Size())
	return atomicWrite(s.path, buf, 0o600)
}

// readAll decodes every line, skipping corrupt ones. A torn final line
// from a crashed writer must not take the whole history with it.
func (s *HistoryStore) readAll() ([]core.HistoryEntry, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	var entries []core.HistoryEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry core.HistoryEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			s.log.Warn("skipping corrupt history line", "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	return entries, nil
}

func (s *HistoryStore) lock(how int) (func(), error) {
	f, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open history lock: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock history store: %w", err)
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}
