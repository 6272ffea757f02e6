package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.duet.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".duet")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// SocketPath returns the local API unix socket path for a session.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "duetd.sock")
}

// DBPath returns the session's SQLite database path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "duet.db")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(Dir(name), "logs", "duetd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with owner-only permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), filepath.Join(Dir(name), "logs")} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
