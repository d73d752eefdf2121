package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Status is the lifecycle state of an incident on the remote side
type Status string

const (
	StatusTriggered    Status = "triggered"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// Urgency is the remote urgency of an incident
type Urgency string

const (
	UrgencyHigh Urgency = "high"
	UrgencyLow  Urgency = "low"
)

var (
	knownStatuses  = sets.New(StatusTriggered, StatusAcknowledged, StatusResolved)
	knownUrgencies = sets.New(UrgencyHigh, UrgencyLow)
)

// Query describes which incidents the console mirrors. A Query is a value: build a new one
// instead of modifying the sets of an existing one.
type Query struct {
	Since time.Time
	// Until is optional, zero means "up to now"
	Until time.Time

	Statuses  sets.Set[Status]
	Urgencies sets.Set[Urgency]

	TeamIDs             sets.Set[string]
	ServiceIDs          sets.Set[string]
	EscalationPolicyIDs sets.Set[string]
	UserIDs             sets.Set[string]
}

// Validate checks that the query is well-formed
func (q Query) Validate() error {
	if q.Since.IsZero() {
		return fmt.Errorf("since must be set")
	}
	if !q.Until.IsZero() && !q.Since.Before(q.Until) {
		return fmt.Errorf("since (%s) must be before until (%s)", q.Since.Format(time.RFC3339), q.Until.Format(time.RFC3339))
	}
	for status := range q.Statuses {
		if !knownStatuses.Has(status) {
			return fmt.Errorf("unknown status %q", status)
		}
	}
	for urgency := range q.Urgencies {
		if !knownUrgencies.Has(urgency) {
			return fmt.Errorf("unknown urgency %q", urgency)
		}
	}
	return nil
}

// Key returns a canonical identity of the query scope. Two queries with the same key select
// the same incidents.
func (q Query) Key() string {
	var b strings.Builder
	b.WriteString("since=")
	b.WriteString(q.Since.UTC().Format(time.RFC3339Nano))
	if !q.Until.IsZero() {
		b.WriteString(";until=")
		b.WriteString(q.Until.UTC().Format(time.RFC3339Nano))
	}
	writeSet(&b, "status", statusStrings(q.Statuses))
	writeSet(&b, "urgency", urgencyStrings(q.Urgencies))
	writeSet(&b, "team", sortedOrNil(q.TeamIDs))
	writeSet(&b, "service", sortedOrNil(q.ServiceIDs))
	writeSet(&b, "ep", sortedOrNil(q.EscalationPolicyIDs))
	writeSet(&b, "user", sortedOrNil(q.UserIDs))
	return b.String()
}

func writeSet(b *strings.Builder, name string, values []string) {
	if len(values) == 0 {
		return
	}
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, strconv.Quote(value))
	}
	fmt.Fprintf(b, ";%s=%s", name, strings.Join(quoted, ","))
}

// Matches reports whether the incident falls within the query scope. Empty filters match
// everything.
func (q Query) Matches(incident Incident) bool {
	if incident.CreatedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !incident.CreatedAt.Before(q.Until) {
		return false
	}
	if q.Statuses.Len() > 0 && !q.Statuses.Has(incident.Status) {
		return false
	}
	if q.Urgencies.Len() > 0 && !q.Urgencies.Has(incident.Urgency) {
		return false
	}
	if q.ServiceIDs.Len() > 0 && !q.ServiceIDs.Has(incident.ServiceID) {
		return false
	}
	if q.EscalationPolicyIDs.Len() > 0 && !q.EscalationPolicyIDs.Has(incident.EscalationPolicyID) {
		return false
	}
	if q.TeamIDs.Len() > 0 && !q.TeamIDs.HasAny(incident.TeamIDs...) {
		return false
	}
	if q.UserIDs.Len() > 0 && !q.UserIDs.HasAny(incident.Assignees...) {
		return false
	}
	return true
}

// StatusList returns the status filter as sorted strings
func (q Query) StatusList() []string {
	return statusStrings(q.Statuses)
}

// UrgencyList returns the urgency filter as sorted strings
func (q Query) UrgencyList() []string {
	return urgencyStrings(q.Urgencies)
}

func statusStrings(s sets.Set[Status]) []string {
	var out []string
	for status := range s {
		out = append(out, string(status))
	}
	sort.Strings(out)
	return out
}

func urgencyStrings(s sets.Set[Urgency]) []string {
	var out []string
	for urgency := range s {
		out = append(out, string(urgency))
	}
	sort.Strings(out)
	return out
}

func sortedOrNil(s sets.Set[string]) []string {
	if s.Len() == 0 {
		return nil
	}
	return sets.List(s)
}

// ParseStatuses converts user input into a status set
func ParseStatuses(values []string) (sets.Set[Status], error) {
	out := sets.New[Status]()
	for _, v := range values {
		status := Status(strings.ToLower(strings.TrimSpace(v)))
		if !knownStatuses.Has(status) {
			return nil, fmt.Errorf("unknown status %q", v)
		}
		out.Insert(status)
	}
	return out, nil
}

// ParseUrgencies converts user input into an urgency set
func ParseUrgencies(values []string) (sets.Set[Urgency], error) {
	out := sets.New[Urgency]()
	for _, v := range values {
		urgency := Urgency(strings.ToLower(strings.TrimSpace(v)))
		if !knownUrgencies.Has(urgency) {
			return nil, fmt.Errorf("unknown urgency %q", v)
		}
		out.Insert(urgency)
	}
	return out, nil
}
