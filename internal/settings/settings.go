package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/petr-muller/incident-live/internal/config"
)

const (
	settingsFileName = "settings.yaml"

	DefaultMaxResultLimit       = 200
	DefaultPollIntervalMs       = 5000
	DefaultMaxRequestsPerMinute = 200
	DefaultSince                = "24h"
)

// Settings are the operator-tunable knobs of the console
type Settings struct {
	// MaxResultLimit is the largest query that may run without confirmation
	MaxResultLimit int `yaml:"maxResultLimit" validate:"gt=0"`
	// AutoAcceptLargeQueries runs queries over the limit without asking
	AutoAcceptLargeQueries bool `yaml:"autoAcceptLargeQueries"`
	// PollIntervalMs is the delay between incremental polls
	PollIntervalMs int `yaml:"pollIntervalMs" validate:"gt=0"`
	// MaxRequestsPerMinute caps requests sent upstream, zero means no cap
	MaxRequestsPerMinute int `yaml:"maxRequestsPerMinute" validate:"gte=0"`
	// DefaultSince is how far back a query reaches when no --since is given
	DefaultSince string `yaml:"defaultSince" validate:"required,duration"`
}

// Defaults returns the settings used when no file exists
func Defaults() Settings {
	return Settings{
		MaxResultLimit:       DefaultMaxResultLimit,
		PollIntervalMs:       DefaultPollIntervalMs,
		MaxRequestsPerMinute: DefaultMaxRequestsPerMinute,
		DefaultSince:         DefaultSince,
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})
	return v
}

// Validate checks that all settings are within their allowed ranges
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// PollInterval returns the poll interval as a duration
func (s Settings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// DefaultSinceDuration returns DefaultSince parsed, falling back to the built-in default
func (s Settings) DefaultSinceDuration() time.Duration {
	d, err := time.ParseDuration(s.DefaultSince)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

var setters = map[string]func(*Settings, string) error{
	"maxResultLimit": func(s *Settings, value string) error {
		return setInt(&s.MaxResultLimit, value)
	},
	"autoAcceptLargeQueries": func(s *Settings, value string) error {
		v, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		s.AutoAcceptLargeQueries = v
		return nil
	},
	"pollIntervalMs": func(s *Settings, value string) error {
		return setInt(&s.PollIntervalMs, value)
	},
	"maxRequestsPerMinute": func(s *Settings, value string) error {
		return setInt(&s.MaxRequestsPerMinute, value)
	},
	"defaultSince": func(s *Settings, value string) error {
		s.DefaultSince = value
		return nil
	},
}

func setInt(target *int, value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*target = v
	return nil
}

// Keys returns the names of all settings, as used in the settings file
func Keys() []string {
	keys := make([]string, 0, len(setters))
	for key := range setters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Set changes the setting named key, parsing value. The result must be valid as a whole.
func (s *Settings) Set(key, value string) error {
	setter, ok := setters[key]
	if !ok {
		return fmt.Errorf("unknown setting %q, known settings: %v", key, Keys())
	}
	next := *s
	if err := setter(&next, value); err != nil {
		return fmt.Errorf("invalid value %q for %s: %w", value, key, err)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*s = next
	return nil
}

// DefaultPath returns the path of the settings file in the user's config directory
func DefaultPath() string {
	return filepath.Join(config.MustConfigDir(), settingsFileName)
}

// Load reads settings from path. A missing file yields defaults; fields missing from the
// file keep their default values.
func Load(path string) (Settings, error) {
	s := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return Settings{}, fmt.Errorf("failed to read settings file: %w", err)
	}

	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to parse settings file: %w", err)
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}

	return s, nil
}

// Save writes settings to path, creating the directory if needed
func Save(path string, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}

	return nil
}

// Provider hands out the settings in effect. Consumers read it once per cycle.
type Provider interface {
	Current() Settings
}

// Store holds the settings in effect and allows replacing them atomically
type Store struct {
	current atomic.Pointer[Settings]
}

// NewStore creates a store holding s
func NewStore(s Settings) *Store {
	store := &Store{}
	store.current.Store(&s)
	return store
}

func (s *Store) Current() Settings {
	return *s.current.Load()
}

// Update replaces the settings if they are valid
func (s *Store) Update(next Settings) error {
	if err := next.Validate(); err != nil {
		return err
	}
	s.current.Store(&next)
	return nil
}
