package admission

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/petr-muller/incident-live/internal/livewatch/health"
	"github.com/petr-muller/incident-live/internal/livewatch/model"
	"github.com/petr-muller/incident-live/internal/livewatch/remote"
	"github.com/petr-muller/incident-live/internal/livewatch/remote/fakesource"
	"github.com/petr-muller/incident-live/internal/settings"
)

var since = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func testSettings(limit int, autoAccept bool) *settings.Store {
	s := settings.Defaults()
	s.MaxResultLimit = limit
	s.AutoAcceptLargeQueries = autoAccept
	return settings.NewStore(s)
}

func newController(source *fakesource.Source, store *settings.Store) (*Controller, *health.Monitor) {
	logger := logrus.NewEntry(logrus.New())
	monitor := health.NewMonitor(source, logger)
	return NewController(source, monitor, store, logger), monitor
}

func total(n int) *int {
	return &n
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name       string
		total      int
		limit      int
		autoAccept bool
		expected   Result
	}{
		{
			name:     "within limit",
			total:    57,
			limit:    100,
			expected: Result{Total: 57, Known: true, Limit: 100, WithinLimit: true},
		},
		{
			name:     "exactly at limit",
			total:    100,
			limit:    100,
			expected: Result{Total: 100, Known: true, Limit: 100, WithinLimit: true},
		},
		{
			name:     "over limit needs confirmation",
			total:    150,
			limit:    100,
			expected: Result{Total: 150, Known: true, Limit: 100, RequiresConfirmation: true},
		},
		{
			name:       "over limit auto accepted",
			total:      150,
			limit:      100,
			autoAccept: true,
			expected:   Result{Total: 150, Known: true, Limit: 100},
		},
		{
			name:     "empty result",
			total:    0,
			limit:    100,
			expected: Result{Known: true, Limit: 100, WithinLimit: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := fakesource.New()
			source.Total = total(tt.total)
			controller, monitor := newController(source, testSettings(tt.limit, tt.autoAccept))

			result, err := controller.Validate(context.Background(), model.Query{Since: since})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.expected, result); diff != "" {
				t.Errorf("unexpected result (-want +got):\n%s", diff)
			}
			if source.CallCount("list") != 0 {
				t.Errorf("validation must not list incidents")
			}
			if monitor.Current().Phase != health.Connected {
				t.Errorf("expected a successful count to connect, got %s", monitor.Current().Phase)
			}
		})
	}
}

func TestValidateFailsClosed(t *testing.T) {
	tests := []struct {
		name          string
		countErr      error
		total         int
		expectedPhase health.Phase
	}{
		{
			name:          "rate limited",
			countErr:      fmt.Errorf("count incidents: %w", remote.ErrRateLimited),
			expectedPhase: health.Degraded,
		},
		{
			name:          "unauthorized",
			countErr:      fmt.Errorf("count incidents: %w", remote.ErrUnauthorized),
			expectedPhase: health.Unauthorized,
		},
		{
			name:          "transient",
			countErr:      &remote.TransientError{Op: "count incidents", StatusCode: 500, Err: errors.New("boom")},
			expectedPhase: health.Dormant,
		},
		{
			name:          "negative total",
			total:         -1,
			expectedPhase: health.Connected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := fakesource.New()
			source.CountErr = tt.countErr
			source.Total = total(tt.total)
			controller, monitor := newController(source, testSettings(100, true))

			result, err := controller.Validate(context.Background(), model.Query{Since: since})
			if !errors.Is(err, ErrValidationFailed) {
				t.Fatalf("expected ErrValidationFailed, got %v", err)
			}
			if tt.countErr != nil && !errors.Is(err, tt.countErr) {
				t.Errorf("expected the count error to be wrapped, got %v", err)
			}
			if result.Known || result.WithinLimit || !result.RequiresConfirmation {
				t.Errorf("a failed validation must not admit the query: %+v", result)
			}
			if got := monitor.Current().Phase; got != tt.expectedPhase {
				t.Errorf("expected %s, got %s", tt.expectedPhase, got)
			}
		})
	}
}

func TestValidateSkipsCountWhenNotReady(t *testing.T) {
	source := fakesource.New()
	controller, monitor := newController(source, testSettings(100, false))
	monitor.Observe(fmt.Errorf("poll: %w", remote.ErrRateLimited))

	_, err := controller.Validate(context.Background(), model.Query{Since: since})
	if !errors.Is(err, ErrValidationFailed) || !errors.Is(err, health.ErrNotReady) {
		t.Fatalf("expected a not-ready validation failure, got %v", err)
	}
	if source.CallCount("count") != 0 {
		t.Errorf("no count may be sent while degraded")
	}
}

func TestValidateRejectsMalformedQuery(t *testing.T) {
	source := fakesource.New()
	controller, _ := newController(source, testSettings(100, false))

	_, err := controller.Validate(context.Background(), model.Query{})
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed, got %v", err)
	}
	if source.CallCount("count") != 0 {
		t.Errorf("a malformed query must not be counted")
	}
}

func TestValidateChecksAbilities(t *testing.T) {
	tests := []struct {
		name        string
		abilities   []string
		query       model.Query
		expectError bool
	}{
		{
			name:        "team scoping without ability",
			abilities:   []string{model.AbilityRead, model.AbilityUrgencies},
			query:       model.Query{Since: since, TeamIDs: sets.New("team-a")},
			expectError: true,
		},
		{
			name:        "urgency filter without ability",
			abilities:   []string{model.AbilityRead, model.AbilityTeams},
			query:       model.Query{Since: since, Urgencies: sets.New(model.UrgencyHigh)},
			expectError: true,
		},
		{
			name:      "no restricted filters",
			abilities: []string{model.AbilityRead},
			query:     model.Query{Since: since, ServiceIDs: sets.New("svc")},
		},
		{
			name:      "granted",
			abilities: []string{model.AbilityRead, model.AbilityTeams, model.AbilityUrgencies},
			query:     model.Query{Since: since, TeamIDs: sets.New("team-a"), Urgencies: sets.New(model.UrgencyLow)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := fakesource.New()
			source.SetAbilities(tt.abilities...)
			controller, monitor := newController(source, testSettings(100, false))
			if _, err := monitor.Check(context.Background()); err != nil {
				t.Fatalf("check failed: %v", err)
			}

			_, err := controller.Validate(context.Background(), tt.query)
			if tt.expectError {
				if !errors.Is(err, ErrValidationFailed) {
					t.Errorf("expected ErrValidationFailed, got %v", err)
				}
				if source.CallCount("count") != 0 {
					t.Errorf("a disallowed query must not be counted")
				}
				return
			}
			if err != nil {
				t.Errorf("expected no error but got: %v", err)
			}
		})
	}
}

func TestValidateReadsSettingsPerCall(t *testing.T) {
	source := fakesource.New()
	source.Total = total(150)
	store := testSettings(100, false)
	controller, _ := newController(source, store)

	result, err := controller.Validate(context.Background(), model.Query{Since: since})
	if err != nil || !result.RequiresConfirmation {
		t.Fatalf("expected confirmation to be required, got %+v, %v", result, err)
	}

	next := store.Current()
	next.MaxResultLimit = 200
	if err := store.Update(next); err != nil {
		t.Fatalf("cannot update settings: %v", err)
	}
	result, err = controller.Validate(context.Background(), model.Query{Since: since})
	if err != nil || !result.WithinLimit || result.Limit != 200 {
		t.Errorf("expected the new limit to apply, got %+v, %v", result, err)
	}
}
