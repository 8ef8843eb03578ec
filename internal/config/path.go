package config

import (
	"os"
	"path/filepath"
)

// DefaultDataDir picks where the Pebble store lives when storage.data_dir is
// unset: $XDG_DATA_HOME, /var/lib for root, the platform's per-user
// application directory, then ~/.local/share.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "pushhub")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}
	if os.Geteuid() == 0 && isDir("/var/lib") {
		return "/var/lib/pushhub"
	}
	for _, parent := range []string{
		filepath.Join(home, "Library", "Application Support"), // macOS
		filepath.Join(home, "AppData", "Local"),               // Windows
	} {
		if isDir(parent) {
			return filepath.Join(parent, "PushHub")
		}
	}
	return filepath.Join(home, ".local", "share", "pushhub")
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
