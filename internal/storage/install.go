package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const installIDFile = "install_id"

// InstallID returns the install-stable UUID used as the notebook hash
// for assignment requests, creating it on first use. Colab keys
// assignment caching on this value, so it must survive restarts.
func InstallID(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(dir, installIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, parseErr := uuid.Parse(id); parseErr == nil {
			return id, nil
		}
		// Corrupt id: regenerate rather than fail.
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("read install id: %w", err)
	}

	id := uuid.New().String()
	if err := atomicWrite(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist install id: %w", err)
	}
	return id, nil
}
