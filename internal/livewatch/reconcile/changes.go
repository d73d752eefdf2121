package reconcile

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/petr-muller/incident-live/internal/livewatch/model"
)

// FieldChange describes how one field of an incident changed between two versions. It is
// informational only; records are always replaced as a whole.
type FieldChange struct {
	Field    string
	OldValue string
	NewValue string
}

// Changes lists the fields that differ between the previous and current version
func Changes(previous, current model.Incident) []FieldChange {
	var changes []FieldChange

	add := func(field, oldValue, newValue string) {
		if oldValue != newValue {
			changes = append(changes, FieldChange{Field: field, OldValue: oldValue, NewValue: newValue})
		}
	}

	add("title", previous.Title, current.Title)
	add("status", string(previous.Status), string(current.Status))
	add("urgency", string(previous.Urgency), string(current.Urgency))
	add("priority", previous.Priority, current.Priority)
	add("service", previous.ServiceID, current.ServiceID)
	add("escalation_policy", previous.EscalationPolicyID, current.EscalationPolicyID)

	if !slices.Equal(previous.Assignees, current.Assignees) {
		changes = append(changes, FieldChange{
			Field:    "assignees",
			OldValue: strings.Join(previous.Assignees, ", "),
			NewValue: strings.Join(current.Assignees, ", "),
		})
	}

	if !slices.Equal(previous.TeamIDs, current.TeamIDs) {
		changes = append(changes, FieldChange{
			Field:    "teams",
			OldValue: strings.Join(previous.TeamIDs, ", "),
			NewValue: strings.Join(current.TeamIDs, ", "),
		})
	}

	if len(previous.Notes) != len(current.Notes) {
		changes = append(changes, FieldChange{
			Field:    "notes",
			OldValue: strconv.Itoa(len(previous.Notes)),
			NewValue: strconv.Itoa(len(current.Notes)),
		})
	}

	if !previous.LastStatusChangeAt.Equal(current.LastStatusChangeAt) {
		changes = append(changes, FieldChange{
			Field:    "last_status_change_at",
			OldValue: previous.LastStatusChangeAt.Format(time.RFC3339),
			NewValue: current.LastStatusChangeAt.Format(time.RFC3339),
		})
	}

	return changes
}
