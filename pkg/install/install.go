// Package install manages the durable installation identifier: a single
// uuid created on first run and read once at startup. It is the only state
// remotedeck persists beyond a process lifetime.
package install

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DefaultPath returns the default identifier location.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".remotedeck", "installation-id"), nil
}

// LoadOrCreate returns the persisted installation identifier, creating it
// atomically on first run. An unparseable file is replaced rather than
// propagated, so a corrupted identifier can never wedge startup.
func LoadOrCreate(path string) (string, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return "", err
		}
	}

	if data, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(data))
		if _, parseErr := uuid.Parse(id); parseErr == nil {
			return id, nil
		}
	}

	id := uuid.New().String()

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}

	// Write-then-rename keeps the identifier atomic on disk.
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to write installation id: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("failed to persist installation id: %w", err)
	}

	return id, nil
}
