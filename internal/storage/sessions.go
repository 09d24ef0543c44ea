// Package storage persists CLI state on the local filesystem: durable
// session records as a locked JSON document and execution history as
// an append-only JSONL file.
package storage

import (
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

const sessionsFile = "sessions.json"

// sessionsDocument is the on-disk shape: records keyed by account id,
// so switching Google accounts never mixes session lists.
type sessionsDocument struct {
	Sessions map[string][]core.SessionRecord `json:"sessions"`
}

// SessionStore implements core.SessionRepo on a single JSON file. A
// BSD flock on a sidecar lock file serializes read-modify-write cycles
// across concurrent CLI processes; writes go through a temp file and
// rename so a crash never leaves a half-written document.
type SessionStore struct {
	path string
	log  *slog.Logger
}

// NewSessionStore returns a store rooted at dir, creating dir if
// needed.
func NewSessionStore(dir string) (*SessionStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &SessionStore{
		path: filepath.Join(dir, sessionsFile),
		log:  slog.Default().With("component", "storage"),
	}, nil
}

// Load returns the account's session records. A missing file means no
// sessions, not an error.
func (s *SessionStore) Load(ctx context.Context, account string) ([]core.SessionRecord, error) {
	unlock, err := s.lock(syscall.LOCK_SH)
	if err != nil {
		return nil, err
	}
	defer unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	return doc.Sessions[account], nil
}

// Update runs mutate on the account's records under the exclusive lock
// and persists the result atomically. A nil result from mutate clears
// the account's records.
func (s *SessionStore) Update(ctx context.Context, account string, mutate func(records []core.SessionRecord) ([]core.SessionRecord, error)) error {
	unlock, err := s.lock(syscall.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}

	updated, err := mutate(doc.Sessions[account])
	if err != nil {
		return err
	}
	if len(updated) == 0 {
		delete(doc.Sessions, account)
	} else {
		doc.Sessions[account] = updated
	}
	return s.write(doc)
}

func (s *SessionStore) read() (*sessionsDocument, error) {
	doc := &sessionsDocument{Sessions: map[string][]core.SessionRecord{}}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if doc.Sessions == nil {
		doc.Sessions = map[string][]core.SessionRecord{}
	}
	return doc, nil
}

func (s *SessionStore) write(doc *sessionsDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(s.path, append(data, '\n'), 0o600)
}

// lock takes the given flock mode on the sidecar lock file and returns
// the release function.
func (s *SessionStore) lock(how int) (func(), error) {
	f, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open session lock: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock session store: %w", err)
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}

// atomicWrite writes data to a sibling temp file and renames it over
// path.
func atomicWrite(path string, data []byte, mode fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
