package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrPresetNotFound is returned when loading a preset that was never saved
	ErrPresetNotFound = errors.New("preset not found")

	validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// Store handles persistent storage of query presets
type Store struct {
	dataDir string
}

// NewStore creates a new storage instance
func NewStore(dataDir string) *Store {
	return &Store{
		dataDir: dataDir,
	}
}

// ensureDataDir creates the data directory if it doesn't exist
func (s *Store) ensureDataDir() error {
	return os.MkdirAll(s.dataDir, 0755)
}

func (s *Store) presetFilePath(name string) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("%s.yaml", name))
}

func checkName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("invalid preset name %q: use letters, digits, dots, dashes and underscores", name)
	}
	return nil
}

// SavePreset saves a preset, replacing any preset of the same name
func (s *Store) SavePreset(preset Preset) error {
	if err := checkName(preset.Name); err != nil {
		return err
	}
	if err := s.ensureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	data, err := yaml.Marshal(preset)
	if err != nil {
		return fmt.Errorf("failed to marshal preset: %w", err)
	}

	if err := os.WriteFile(s.presetFilePath(preset.Name), data, 0644); err != nil {
		return fmt.Errorf("failed to write preset file: %w", err)
	}

	return nil
}

// LoadPreset loads a preset from storage
func (s *Store) LoadPreset(name string) (Preset, error) {
	if err := checkName(name); err != nil {
		return Preset{}, err
	}

	data, err := os.ReadFile(s.presetFilePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return Preset{}, fmt.Errorf("%w: %s", ErrPresetNotFound, name)
		}
		return Preset{}, fmt.Errorf("failed to read preset file: %w", err)
	}

	var preset Preset
	if err := yaml.Unmarshal(data, &preset); err != nil {
		return Preset{}, fmt.Errorf("failed to unmarshal preset: %w", err)
	}
	preset.Name = name

	return preset, nil
}

// ListPresets returns summaries of all stored presets, ordered by name. Files that cannot be
// loaded are skipped.
func (s *Store) ListPresets() ([]PresetListItem, error) {
	if err := s.ensureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	var presets []PresetListItem
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		preset, err := s.LoadPreset(strings.TrimSuffix(entry.Name(), ".yaml"))
		if err != nil {
			continue
		}
		presets = append(presets, PresetListItem{
			Name:    preset.Name,
			Filters: preset.Filters(),
			SavedAt: preset.SavedAt,
		})
	}

	return presets, nil
}

// DeletePreset removes a preset from storage. Deleting a missing preset is not an error.
func (s *Store) DeletePreset(name string) error {
	if err := checkName(name); err != nil {
		return err
	}

	if err := os.Remove(s.presetFilePath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete preset file: %w", err)
	}

	return nil
}

// GetDataDir returns the data directory path
func (s *Store) GetDataDir() string {
	return s.dataDir
}
