package flagutil

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/petr-muller/incident-live/internal/livewatch/model"
	"github.com/petr-muller/incident-live/internal/livewatch/storage"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func parse(t *testing.T, args ...string) (*QueryOptions, *pflag.FlagSet) {
	t.Helper()
	o := &QueryOptions{}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o.AddPFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("cannot parse %v: %v", args, err)
	}
	return o, fs
}

func TestQueryOptionsValidate(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		expectError bool
	}{
		{
			name: "no flags",
		},
		{
			name: "full window",
			args: []string{"--since=48h", "--until=24h", "--status=triggered,acknowledged", "--urgency=high"},
		},
		{
			name:        "negative since",
			args:        []string{"--since=-1h"},
			expectError: true,
		},
		{
			name:        "until not shorter than since",
			args:        []string{"--since=24h", "--until=24h"},
			expectError: true,
		},
		{
			name:        "unknown status",
			args:        []string{"--status=open"},
			expectError: true,
		},
		{
			name:        "unknown urgency",
			args:        []string{"--urgency=medium"},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _ := parse(t, tt.args...)
			err := o.Validate()
			if tt.expectError && err == nil {
				t.Errorf("expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestQueryOptionsQuery(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected model.Query
	}{
		{
			name:     "default since",
			expected: model.Query{Since: now.Add(-24 * time.Hour)},
		},
		{
			name: "every filter",
			args: []string{
				"--since=48h", "--until=1h",
				"--status=Triggered", "--urgency=low",
				"--team=OCPBUGS", "--service=Networking,Auth",
				"--escalation-policy=sev1", "--user=jdoe",
			},
			expected: model.Query{
				Since:               now.Add(-48 * time.Hour),
				Until:               now.Add(-time.Hour),
				Statuses:            sets.New(model.StatusTriggered),
				Urgencies:           sets.New(model.UrgencyLow),
				TeamIDs:             sets.New("OCPBUGS"),
				ServiceIDs:          sets.New("Networking", "Auth"),
				EscalationPolicyIDs: sets.New("sev1"),
				UserIDs:             sets.New("jdoe"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _ := parse(t, tt.args...)
			query, err := o.Query(now, 24*time.Hour)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.expected.Key(), query.Key()); diff != "" {
				t.Errorf("unexpected query (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPresetRoundTrip(t *testing.T) {
	o, _ := parse(t, "--since=12h", "--status=triggered", "--team=OCPBUGS")
	preset := o.Preset("oncall", now)

	expected := storage.Preset{
		Name:     "oncall",
		Since:    "12h0m0s",
		Statuses: []string{"triggered"},
		Teams:    []string{"OCPBUGS"},
		SavedAt:  now,
	}
	if diff := cmp.Diff(expected, preset); diff != "" {
		t.Errorf("unexpected preset (-want +got):\n%s", diff)
	}

	applied, fs := parse(t)
	if err := applied.ApplyPreset(fs, preset); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(o, applied); diff != "" {
		t.Errorf("unexpected options (-want +got):\n%s", diff)
	}
}

func TestApplyPresetKeepsExplicitFlags(t *testing.T) {
	preset := storage.Preset{
		Name:      "oncall",
		Since:     "12h",
		Until:     "1h",
		Statuses:  []string{"triggered"},
		Urgencies: []string{"high"},
	}

	o, fs := parse(t, "--since=2h", "--status=resolved")
	if err := o.ApplyPreset(fs, preset); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := &QueryOptions{
		Since:     2 * time.Hour,
		Until:     time.Hour,
		Statuses:  []string{"resolved"},
		Urgencies: []string{"high"},
	}
	if diff := cmp.Diff(expected, o); diff != "" {
		t.Errorf("unexpected options (-want +got):\n%s", diff)
	}
}

func TestApplyPresetRejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		preset storage.Preset
	}{
		{
			name:   "unparsable since",
			preset: storage.Preset{Name: "bad", Since: "yesterday"},
		},
		{
			name:   "unknown status",
			preset: storage.Preset{Name: "bad", Statuses: []string{"open"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, fs := parse(t)
			if err := o.ApplyPreset(fs, tt.preset); err == nil {
				t.Errorf("expected error but got none")
			}
		})
	}
}
