package jira

import (
	"fmt"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/petr-muller/incident-live/internal/livewatch/model"
)

// jqlTimeFormat is the only timestamp format JQL accepts; it has minute precision
const jqlTimeFormat = "2006/01/02 15:04"

var (
	statusCategories = map[model.Status]string{
		model.StatusTriggered:    "To Do",
		model.StatusAcknowledged: "In Progress",
		model.StatusResolved:     "Done",
	}

	// highPriorities are the Jira priorities that count as high urgency
	highPriorities = []string{"Blocker", "Critical"}
)

// buildJQL translates a query into JQL. Scoping maps onto Jira as follows: services are
// components, teams are projects, escalation policies are labels and users are assignees.
func buildJQL(q model.Query, loc *time.Location, extra ...string) string {
	var clauses []string

	clauses = append(clauses, fmt.Sprintf("created >= %s", quote(q.Since.In(loc).Format(jqlTimeFormat))))
	if !q.Until.IsZero() {
		clauses = append(clauses, fmt.Sprintf("created < %s", quote(q.Until.In(loc).Format(jqlTimeFormat))))
	}

	if q.Statuses.Len() > 0 && q.Statuses.Len() < len(statusCategories) {
		var categories []string
		for _, status := range q.StatusList() {
			categories = append(categories, statusCategories[model.Status(status)])
		}
		clauses = append(clauses, inClause("statusCategory", categories))
	}

	switch {
	case q.Urgencies.Has(model.UrgencyHigh) && !q.Urgencies.Has(model.UrgencyLow):
		clauses = append(clauses, inClause("priority", highPriorities))
	case q.Urgencies.Has(model.UrgencyLow) && !q.Urgencies.Has(model.UrgencyHigh):
		clauses = append(clauses, fmt.Sprintf("(priority is EMPTY OR priority not in (%s))", quoteAll(highPriorities)))
	}

	if q.ServiceIDs.Len() > 0 {
		clauses = append(clauses, inClause("component", sets.List(q.ServiceIDs)))
	}
	if q.TeamIDs.Len() > 0 {
		clauses = append(clauses, inClause("project", sets.List(q.TeamIDs)))
	}
	if q.EscalationPolicyIDs.Len() > 0 {
		clauses = append(clauses, inClause("labels", sets.List(q.EscalationPolicyIDs)))
	}
	if q.UserIDs.Len() > 0 {
		clauses = append(clauses, inClause("assignee", sets.List(q.UserIDs)))
	}

	clauses = append(clauses, extra...)

	return strings.Join(clauses, " AND ") + " ORDER BY created ASC, key ASC"
}

// sinceClause selects issues changed at or after watermark. JQL has minute precision, so
// the watermark is rounded down.
func sinceClause(watermark time.Time, loc *time.Location) string {
	return fmt.Sprintf("updated >= %s", quote(watermark.In(loc).Truncate(time.Minute).Format(jqlTimeFormat)))
}

func inClause(field string, values []string) string {
	return fmt.Sprintf("%s in (%s)", field, quoteAll(values))
}

func quoteAll(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, v := range values {
		quoted = append(quoted, quote(v))
	}
	return strings.Join(quoted, ", ")
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
