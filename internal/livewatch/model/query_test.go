package model

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"k8s.io/apimachinery/pkg/util/sets"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestQueryValidate(t *testing.T) {
	tests := []struct {
		name        string
		query       Query
		expectError bool
	}{
		{
			name:  "since only",
			query: Query{Since: base},
		},
		{
			name:        "missing since",
			query:       Query{},
			expectError: true,
		},
		{
			name:        "until before since",
			query:       Query{Since: base, Until: base.Add(-time.Hour)},
			expectError: true,
		},
		{
			name:        "until equal to since",
			query:       Query{Since: base, Until: base},
			expectError: true,
		},
		{
			name:  "full window with filters",
			query: Query{Since: base, Until: base.Add(time.Hour), Statuses: sets.New(StatusTriggered), Urgencies: sets.New(UrgencyHigh)},
		},
		{
			name:        "unknown status",
			query:       Query{Since: base, Statuses: sets.New(Status("snoozed"))},
			expectError: true,
		},
		{
			name:        "unknown urgency",
			query:       Query{Since: base, Urgencies: sets.New(Urgency("medium"))},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.query.Validate()
			if tt.expectError && err == nil {
				t.Errorf("expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("expected no error but got: %v", err)
			}
		})
	}
}

func TestQueryKey(t *testing.T) {
	a := Query{Since: base, TeamIDs: sets.New("b", "a"), Statuses: sets.New(StatusResolved, StatusTriggered)}
	b := Query{Since: base.In(time.FixedZone("CET", 3600)), TeamIDs: sets.New("a", "b"), Statuses: sets.New(StatusTriggered, StatusResolved)}
	if a.Key() != b.Key() {
		t.Errorf("equal scopes have different keys: %q != %q", a.Key(), b.Key())
	}

	c := Query{Since: base, TeamIDs: sets.New("a")}
	if a.Key() == c.Key() {
		t.Errorf("different scopes share key %q", a.Key())
	}

	empty := Query{Since: base, TeamIDs: sets.New[string]()}
	none := Query{Since: base}
	if empty.Key() != none.Key() {
		t.Errorf("empty filter and missing filter have different keys: %q != %q", empty.Key(), none.Key())
	}
}

func TestQueryKeyDistinguishesScopes(t *testing.T) {
	tests := []struct {
		name  string
		left  Query
		right Query
	}{
		{
			name:  "separator inside an id",
			left:  Query{Since: base, ServiceIDs: sets.New("a,b")},
			right: Query{Since: base, ServiceIDs: sets.New("a", "b")},
		},
		{
			name:  "filter syntax inside an id",
			left:  Query{Since: base, TeamIDs: sets.New("x;user=y")},
			right: Query{Since: base, TeamIDs: sets.New("x"), UserIDs: sets.New("y")},
		},
		{
			name:  "since below one second",
			left:  Query{Since: base},
			right: Query{Since: base.Add(300 * time.Millisecond)},
		},
		{
			name:  "until below one second",
			left:  Query{Since: base, Until: base.Add(time.Hour)},
			right: Query{Since: base, Until: base.Add(time.Hour + time.Millisecond)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.left.Key() == tt.right.Key() {
				t.Errorf("different scopes share key %q", tt.left.Key())
			}
		})
	}
}

func TestQueryMatches(t *testing.T) {
	incident := Incident{
		ID:                 "P1",
		Status:             StatusAcknowledged,
		Urgency:            UrgencyHigh,
		ServiceID:          "svc",
		TeamIDs:            []string{"team-a"},
		EscalationPolicyID: "ep",
		Assignees:          []string{"alice", "bob"},
		CreatedAt:          base.Add(time.Hour),
	}

	tests := []struct {
		name     string
		query    Query
		expected bool
	}{
		{name: "no filters", query: Query{Since: base}, expected: true},
		{name: "created before since", query: Query{Since: base.Add(2 * time.Hour)}, expected: false},
		{name: "created at until", query: Query{Since: base, Until: base.Add(time.Hour)}, expected: false},
		{name: "status matches", query: Query{Since: base, Statuses: sets.New(StatusAcknowledged, StatusTriggered)}, expected: true},
		{name: "status differs", query: Query{Since: base, Statuses: sets.New(StatusResolved)}, expected: false},
		{name: "urgency differs", query: Query{Since: base, Urgencies: sets.New(UrgencyLow)}, expected: false},
		{name: "service matches", query: Query{Since: base, ServiceIDs: sets.New("svc")}, expected: true},
		{name: "team differs", query: Query{Since: base, TeamIDs: sets.New("team-b")}, expected: false},
		{name: "one of the assignees", query: Query{Since: base, UserIDs: sets.New("bob")}, expected: true},
		{name: "escalation policy differs", query: Query{Since: base, EscalationPolicyIDs: sets.New("other")}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.query.Matches(incident); got != tt.expected {
				t.Errorf("Matches() = %v, expected %v", got, tt.expected)
			}
		})
	}
}

func TestParseStatuses(t *testing.T) {
	got, err := ParseStatuses([]string{" Triggered", "resolved", "triggered"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(sets.New(StatusTriggered, StatusResolved), got); diff != "" {
		t.Errorf("unexpected statuses (-want +got):\n%s", diff)
	}

	if _, err := ParseStatuses([]string{"open"}); err == nil {
		t.Errorf("expected error for unknown status")
	}
	if _, err := ParseUrgencies([]string{"urgent"}); err == nil {
		t.Errorf("expected error for unknown urgency")
	}
}
