package logging

import (
	"fmt"
	"os"
	"path/filepath"
)

// LogFileName is the name of the tamizdat log file.
const LogFileName = "tamizdat.log"

// DefaultLogDir returns ~/.tamizdat/logs, or a directory under the system
// temp dir when there is no home directory.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".tamizdat", "logs")
	}
	return filepath.Join(home, ".tamizdat", "logs")
}

// DefaultLogPath returns the default log file path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), LogFileName)
}

// FindLogFile resolves the file `tamizdat logs` should read: explicit if
// given, otherwise the default path. It fails when the file does not exist.
func FindLogFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("log file not found: %s", explicit)
		}
		return explicit, nil
	}

	path := DefaultLogPath()
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("no log file found at %s\nRun a command with --debug to create one", path)
	}
	return path, nil
}
