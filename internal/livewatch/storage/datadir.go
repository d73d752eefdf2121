package storage

import (
	"fmt"
	"path/filepath"

	"github.com/petr-muller/incident-live/internal/config"
)

const (
	// dataDirName is the subdirectory within the data directory where presets are stored
	dataDirName = "presets"
)

// PresetsDir returns the directory where query presets are stored
func PresetsDir() (string, error) {
	dataDir, err := config.DataDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine data dir: %w", err)
	}

	return filepath.Join(dataDir, dataDirName), nil
}
