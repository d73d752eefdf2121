package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// appDirName is a directory in the user's config and data directories where incident-live keeps its files
	appDirName string = "incident-live"
)

func MustConfigDir() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		panic(fmt.Errorf("cannot obtain user config dir: %w", err))
	}

	return filepath.Join(configDir, appDirName)
}

// DataDir returns the data directory path, honoring XDG_DATA_HOME
func DataDir() (string, error) {
	var dataDir string

	// Try XDG_DATA_HOME first, then fallback to ~/.local/share
	if xdgDataHome := os.Getenv("XDG_DATA_HOME"); xdgDataHome != "" {
		dataDir = xdgDataHome
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot obtain user home dir: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, appDirName), nil
}
