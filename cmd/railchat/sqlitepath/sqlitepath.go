// Package sqlitepath resolves which transcript database a command works on.
package sqlitepath

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	envVar   = "RAILCHAT_DB"
	fileName = "railchat.db"
	dirName  = ".railchat"
)

// ResolveSQLitePath picks the database path in order: the explicit override,
// $RAILCHAT_DB, ./railchat.db if it exists, then ~/.railchat/railchat.db
// (creating the directory).
func ResolveSQLitePath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if p := os.Getenv(envVar); p != "" {
		return p, nil
	}

	if _, err := os.Stat(fileName); err == nil {
		return fileName, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("stat %s: %w", fileName, err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find home directory: %w", err)
	}
	dir := filepath.Join(home, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, fileName), nil
}
