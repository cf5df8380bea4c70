// Package paths resolves the on-disk layout of a mediate installation.
package paths

import (
	"os"
	"path/filepath"
)

// BaseDir returns $MEDIATE_HOME, or ~/.mediate when unset.
func BaseDir() string {
	if dir := os.Getenv("MEDIATE_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mediate")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnvPath returns the optional dotenv file path.
func EnvPath() string {
	return filepath.Join(BaseDir(), ".env")
}

// DataDir returns configured, or BaseDir()/data when empty.
func DataDir(configured string) string {
	if configured != "" {
		return configured
	}
	return filepath.Join(BaseDir(), "data")
}

// DBPath returns the SQLite database path inside dataDir.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, "mediate.db")
}

// LogDir returns the log directory inside dataDir.
func LogDir(dataDir string) string {
	return filepath.Join(dataDir, "logs")
}

// LogPath returns the daemon log file path.
func LogPath(dataDir string) string {
	return filepath.Join(LogDir(dataDir), "mediated.log")
}

// EnsureDir creates the data directory tree with proper permissions.
func EnsureDir(dataDir string) error {
	for _, d := range []string{dataDir, LogDir(dataDir)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
