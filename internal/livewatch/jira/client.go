package jira

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/andygrunwald/go-jira"

	"github.com/petr-muller/incident-live/internal/flagutil"
	"github.com/petr-muller/incident-live/internal/livewatch/model"
	"github.com/petr-muller/incident-live/internal/livewatch/remote"
)

const (
	jiraTimeFormat = "2006-01-02T15:04:05.000-0700"

	// sincePageSize is the page size used when reading changed issues
	sincePageSize = 200
)

// incidentFields are the issue fields needed to build an incident
var incidentFields = []string{"summary", "status", "priority", "components", "project", "labels", "assignee", "comment", "created", "updated", "statuscategorychangedate"}

// permissionAbilities maps Jira permissions onto abilities. Project scoping and priority
// filtering only need the issues to be visible.
var permissionAbilities = map[string][]string{
	"BROWSE_PROJECTS": {model.AbilityRead, model.AbilityTeams, model.AbilityUrgencies},
}

type jiraClient interface {
	SearchWithContext(context.Context, string, *jira.SearchOptions) ([]jira.Issue, *jira.Response, error)
	JiraURL() string
	JiraClient() *jira.Client
}

// Client is a remote.Source backed by Jira issues
type Client struct {
	jiraClient jiraClient
	location   *time.Location
}

// NewClient creates a JIRA-backed source using the existing flagutil pattern
func NewClient(jiraOptions flagutil.JiraOptions) (*Client, error) {
	jc, err := jiraOptions.Client()
	if err != nil {
		return nil, fmt.Errorf("failed to create JIRA client: %w", err)
	}

	return newClient(jc, time.Local), nil
}

func newClient(jc jiraClient, location *time.Location) *Client {
	return &Client{jiraClient: jc, location: location}
}

func (c *Client) search(ctx context.Context, op, jql string, options *jira.SearchOptions) ([]jira.Issue, *jira.Response, error) {
	issues, resp, err := c.jiraClient.SearchWithContext(ctx, jql, options)
	if err := remote.Classify(op, statusCode(resp), err); err != nil {
		return nil, nil, err
	}
	return issues, resp, nil
}

// CountIncidents asks for a single issue key and reads the total from the response
func (c *Client) CountIncidents(ctx context.Context, query model.Query) (int, error) {
	options := &jira.SearchOptions{
		MaxResults: 1,
		Fields:     []string{"key"},
	}

	_, resp, err := c.search(ctx, "count incidents", buildJQL(query, c.location), options)
	if err != nil {
		return 0, err
	}

	return resp.Total, nil
}

// ListIncidents returns one page of issues matching the query
func (c *Client) ListIncidents(ctx context.Context, query model.Query, page remote.Page) (remote.ListResult, error) {
	options := &jira.SearchOptions{
		StartAt:    page.Offset,
		MaxResults: page.Limit,
		Fields:     incidentFields,
	}

	issues, resp, err := c.search(ctx, "list incidents", buildJQL(query, c.location), options)
	if err != nil {
		return remote.ListResult{}, err
	}

	result := remote.ListResult{
		More: resp.StartAt+len(issues) < resp.Total,
	}
	for _, issue := range issues {
		result.Incidents = append(result.Incidents, c.convertIssue(issue))
	}

	return result, nil
}

// ListIncidentsSince returns the issues matching the query updated at or after watermark.
// Jira does not report deleted issues, so removals are left to the caller.
func (c *Client) ListIncidentsSince(ctx context.Context, query model.Query, watermark time.Time) (remote.Changes, error) {
	jql := buildJQL(query, c.location, sinceClause(watermark, c.location))

	var changes remote.Changes
	for startAt := 0; ; {
		options := &jira.SearchOptions{
			StartAt:    startAt,
			MaxResults: sincePageSize,
			Fields:     incidentFields,
		}
		issues, resp, err := c.search(ctx, "list incidents since", jql, options)
		if err != nil {
			return remote.Changes{}, err
		}
		for _, issue := range issues {
			changes.Incidents = append(changes.Incidents, c.convertIssue(issue))
		}
		startAt += len(issues)
		if len(issues) == 0 || startAt >= resp.Total {
			return changes, nil
		}
	}
}

type permission struct {
	Key            string `json:"key"`
	HavePermission bool   `json:"havePermission"`
}

type myPermissions struct {
	Permissions map[string]permission `json:"permissions"`
}

// CheckAbilities reads the permissions of the current credential
func (c *Client) CheckAbilities(ctx context.Context) (model.Abilities, error) {
	var keys []string
	for key := range permissionAbilities {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	upstream := c.jiraClient.JiraClient()
	endpoint := "rest/api/2/mypermissions?permissions=" + url.QueryEscape(strings.Join(keys, ","))
	req, err := upstream.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.Abilities{}, remote.Classify("check abilities", 0, fmt.Errorf("cannot build request: %w", err))
	}

	var out myPermissions
	resp, err := upstream.Do(req, &out)
	if err := remote.Classify("check abilities", statusCode(resp), err); err != nil {
		return model.Abilities{}, err
	}

	var granted []string
	for key, perm := range out.Permissions {
		if perm.HavePermission {
			granted = append(granted, permissionAbilities[key]...)
		}
	}
	return model.NewAbilities(granted...), nil
}

// convertIssue converts a go-jira Issue to an incident
func (c *Client) convertIssue(issue jira.Issue) model.Incident {
	incident := model.Incident{
		ID:     issue.Key,
		Number: issue.ID,
		URL:    c.issueURL(issue.Key),
	}
	if issue.Fields == nil {
		return incident
	}
	fields := issue.Fields

	incident.Title = fields.Summary
	incident.CreatedAt = time.Time(fields.Created)
	incident.UpdatedAt = time.Time(fields.Updated)
	incident.LastStatusChangeAt = incident.UpdatedAt
	if changed, ok := fields.Unknowns["statuscategorychangedate"].(string); ok {
		if t, err := time.Parse(jiraTimeFormat, changed); err == nil {
			incident.LastStatusChangeAt = t
		}
	}

	incident.Status = model.StatusTriggered
	if fields.Status != nil {
		switch fields.Status.StatusCategory.Key {
		case jira.StatusCategoryInProgress:
			incident.Status = model.StatusAcknowledged
		case jira.StatusCategoryComplete:
			incident.Status = model.StatusResolved
		}
	}

	incident.Urgency = model.UrgencyLow
	if fields.Priority != nil {
		incident.Priority = fields.Priority.Name
		if slices.Contains(highPriorities, fields.Priority.Name) {
			incident.Urgency = model.UrgencyHigh
		}
	}

	// Extract component (take first one if multiple)
	if len(fields.Components) > 0 && fields.Components[0] != nil {
		incident.ServiceID = fields.Components[0].Name
	}
	if fields.Project.Key != "" {
		incident.TeamIDs = []string{fields.Project.Key}
	}
	if len(fields.Labels) > 0 {
		incident.EscalationPolicyID = fields.Labels[0]
	}
	if fields.Assignee != nil {
		incident.Assignees = []string{userID(*fields.Assignee)}
	}

	if fields.Comments != nil {
		for _, comment := range fields.Comments.Comments {
			if comment == nil {
				continue
			}
			created, _ := time.Parse(jiraTimeFormat, comment.Created)
			incident.Notes = append(incident.Notes, model.Note{
				Author:    comment.Author.DisplayName,
				Content:   comment.Body,
				CreatedAt: created,
			})
		}
	}

	return incident
}

func (c *Client) issueURL(key string) string {
	itemURL, err := url.JoinPath(c.jiraClient.JiraURL(), "browse", key)
	if err != nil {
		return ""
	}
	return itemURL
}

// userID prefers the server user name and falls back to the cloud account ID
func userID(user jira.User) string {
	if user.Name != "" {
		return user.Name
	}
	return user.AccountID
}

func statusCode(resp *jira.Response) int {
	if resp == nil || resp.Response == nil {
		return 0
	}
	return resp.StatusCode
}
