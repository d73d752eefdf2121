package flagutil

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/petr-muller/incident-live/internal/livewatch/model"
	"github.com/petr-muller/incident-live/internal/livewatch/storage"
)

// QueryOptions are the flags selecting which incidents to mirror
type QueryOptions struct {
	Since time.Duration
	Until time.Duration

	Statuses           []string
	Urgencies          []string
	Teams              []string
	Services           []string
	EscalationPolicies []string
	Users              []string
}

// AddPFlags injects query options into the given pflag.FlagSet
func (o *QueryOptions) AddPFlags(fs *pflag.FlagSet) {
	fs.DurationVar(&o.Since, "since", 0, "Select incidents created at most this long ago (default from settings)")
	fs.DurationVar(&o.Until, "until", 0, "Select incidents created at least this long ago (default: up to now)")
	fs.StringSliceVar(&o.Statuses, "status", nil, "Incident statuses to select (triggered, acknowledged, resolved)")
	fs.StringSliceVar(&o.Urgencies, "urgency", nil, "Incident urgencies to select (high, low)")
	fs.StringSliceVar(&o.Teams, "team", nil, "Team IDs to select")
	fs.StringSliceVar(&o.Services, "service", nil, "Service IDs to select")
	fs.StringSliceVar(&o.EscalationPolicies, "escalation-policy", nil, "Escalation policy IDs to select")
	fs.StringSliceVar(&o.Users, "user", nil, "Assigned user IDs to select")
}

// Validate checks the flag values without building a query
func (o *QueryOptions) Validate() error {
	if o.Since < 0 {
		return fmt.Errorf("--since must not be negative")
	}
	if o.Until < 0 {
		return fmt.Errorf("--until must not be negative")
	}
	if o.Since > 0 && o.Until > 0 && o.Until >= o.Since {
		return fmt.Errorf("--until (%s) must be shorter than --since (%s)", o.Until, o.Since)
	}
	if _, err := model.ParseStatuses(o.Statuses); err != nil {
		return err
	}
	if _, err := model.ParseUrgencies(o.Urgencies); err != nil {
		return err
	}
	return nil
}

// Query builds the query the options select at time now. When --since was not given,
// defaultSince is used.
func (o *QueryOptions) Query(now time.Time, defaultSince time.Duration) (model.Query, error) {
	statuses, err := model.ParseStatuses(o.Statuses)
	if err != nil {
		return model.Query{}, err
	}
	urgencies, err := model.ParseUrgencies(o.Urgencies)
	if err != nil {
		return model.Query{}, err
	}

	since := o.Since
	if since == 0 {
		since = defaultSince
	}

	query := model.Query{
		Since:               now.Add(-since),
		Statuses:            statuses,
		Urgencies:           urgencies,
		TeamIDs:             sets.New(o.Teams...),
		ServiceIDs:          sets.New(o.Services...),
		EscalationPolicyIDs: sets.New(o.EscalationPolicies...),
		UserIDs:             sets.New(o.Users...),
	}
	if o.Until > 0 {
		query.Until = now.Add(-o.Until)
	}

	if err := query.Validate(); err != nil {
		return model.Query{}, fmt.Errorf("invalid query: %w", err)
	}
	return query, nil
}

// Preset captures the options as a named preset
func (o *QueryOptions) Preset(name string, now time.Time) storage.Preset {
	preset := storage.Preset{
		Name:               name,
		Statuses:           o.Statuses,
		Urgencies:          o.Urgencies,
		Teams:              o.Teams,
		Services:           o.Services,
		EscalationPolicies: o.EscalationPolicies,
		Users:              o.Users,
		SavedAt:            now,
	}
	if o.Since > 0 {
		preset.Since = o.Since.String()
	}
	if o.Until > 0 {
		preset.Until = o.Until.String()
	}
	return preset
}

// ApplyPreset fills the options from preset. Flags the user set explicitly on fs take
// precedence over the preset.
func (o *QueryOptions) ApplyPreset(fs *pflag.FlagSet, preset storage.Preset) error {
	if !fs.Changed("since") && preset.Since != "" {
		since, err := time.ParseDuration(preset.Since)
		if err != nil {
			return fmt.Errorf("preset %s has invalid since %q: %w", preset.Name, preset.Since, err)
		}
		o.Since = since
	}
	if !fs.Changed("until") && preset.Until != "" {
		until, err := time.ParseDuration(preset.Until)
		if err != nil {
			return fmt.Errorf("preset %s has invalid until %q: %w", preset.Name, preset.Until, err)
		}
		o.Until = until
	}

	for flagName, pair := range map[string]struct {
		target *[]string
		value  []string
	}{
		"status":            {&o.Statuses, preset.Statuses},
		"urgency":           {&o.Urgencies, preset.Urgencies},
		"team":              {&o.Teams, preset.Teams},
		"service":           {&o.Services, preset.Services},
		"escalation-policy": {&o.EscalationPolicies, preset.EscalationPolicies},
		"user":              {&o.Users, preset.Users},
	} {
		if !fs.Changed(flagName) && len(pair.value) > 0 {
			*pair.target = pair.value
		}
	}

	return o.Validate()
}
