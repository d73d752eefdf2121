package storage

import (
	"time"
)

// Preset is a saved set of query filters. Time bounds are stored relative to the moment the
// preset is used, so a preset keeps selecting "the last day" rather than a fixed date.
type Preset struct {
	Name string `yaml:"name"`
	// Since and Until are durations before now; an empty Until means "up to now"
	Since              string    `yaml:"since,omitempty"`
	Until              string    `yaml:"until,omitempty"`
	Statuses           []string  `yaml:"statuses,omitempty"`
	Urgencies          []string  `yaml:"urgencies,omitempty"`
	Teams              []string  `yaml:"teams,omitempty"`
	Services           []string  `yaml:"services,omitempty"`
	EscalationPolicies []string  `yaml:"escalation_policies,omitempty"`
	Users              []string  `yaml:"users,omitempty"`
	SavedAt            time.Time `yaml:"saved_at"`
}

// PresetListItem is a summary of a stored preset
type PresetListItem struct {
	Name    string
	Filters int
	SavedAt time.Time
}

// Filters returns how many filter values the preset sets
func (p Preset) Filters() int {
	return len(p.Statuses) + len(p.Urgencies) + len(p.Teams) + len(p.Services) + len(p.EscalationPolicies) + len(p.Users)
}
