package ui

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/petr-muller/incident-live/internal/livewatch/confirm"
	"github.com/petr-muller/incident-live/internal/livewatch/engine"
	"github.com/petr-muller/incident-live/internal/livewatch/health"
	"github.com/petr-muller/incident-live/internal/livewatch/model"
	"github.com/petr-muller/incident-live/internal/livewatch/reconcile"
	"github.com/petr-muller/incident-live/internal/livewatch/service"
)

const maxTableRows = 15

// formatDuration formats a duration into a human-readable string
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

type connectedMsg struct {
	err error
}

// workflowMsg arrives when a validation or confirmation finished
type workflowMsg struct {
	err error
}

type pollTickMsg time.Time

type polledMsg struct {
	previous *model.Snapshot
	delta    model.Delta
	err      error
}

// Model is the console: it owns no incident data, it renders what the service publishes and
// turns key presses into commands
type Model struct {
	ctx context.Context
	svc *service.Service
	now func() time.Time

	query     model.Query
	snapshot  *model.Snapshot
	displayed []model.Incident

	// highlights of the last reconciled poll
	added   sets.Set[string]
	changed map[string][]reconcile.FieldChange

	table   table.Model
	spinner spinner.Model
	width   int
	height  int

	connected bool
	ticking   bool
	polling   bool
	notice    string
}

// NewModel creates the console for svc, starting with query
func NewModel(ctx context.Context, svc *service.Service, query model.Query) Model {
	t := table.New(
		table.WithColumns(columns(nil)),
		table.WithFocused(true),
		table.WithHeight(2),
	)
	s := table.DefaultStyles()
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("240")).
		Bold(true)
	t.SetStyles(s)

	return Model{
		ctx:      ctx,
		svc:      svc,
		now:      time.Now,
		query:    query,
		snapshot: model.EmptySnapshot(),
		added:    sets.New[string](),
		changed:  map[string][]reconcile.FieldChange{},
		table:    t,
		spinner:  spinner.New(spinner.WithSpinner(spinner.Points)),
	}
}

// Init starts the connection check
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.connect(), m.spinner.Tick)
}

func (m Model) connect() tea.Cmd {
	return func() tea.Msg {
		return connectedMsg{err: m.svc.Connect(m.ctx)}
	}
}

func (m Model) requestValidation(query model.Query) tea.Cmd {
	return func() tea.Msg {
		return workflowMsg{err: m.svc.Workflow.RequestValidation(m.ctx, query)}
	}
}

func (m Model) confirm(decision bool) tea.Cmd {
	return func() tea.Msg {
		return workflowMsg{err: m.svc.Workflow.Confirm(m.ctx, decision)}
	}
}

func (m Model) poll() tea.Cmd {
	return func() tea.Msg {
		previous := m.svc.Engine.Snapshot()
		delta, err := m.svc.Tick(m.ctx)
		return polledMsg{previous: previous, delta: delta, err: err}
	}
}

func (m Model) nextTick() tea.Cmd {
	return tea.Tick(m.svc.Settings().PollInterval(), func(t time.Time) tea.Msg {
		return pollTickMsg(t)
	})
}

func (m Model) openSelected() tea.Cmd {
	cursor := m.table.Cursor()
	if cursor < 0 || cursor >= len(m.displayed) || m.displayed[cursor].URL == "" {
		return nil
	}
	target := m.displayed[cursor].URL
	return func() tea.Msg {
		_ = exec.Command("xdg-open", target).Start()
		return nil
	}
}

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateTable()
		return m, nil
	case connectedMsg:
		if msg.err != nil {
			m.notice = fmt.Sprintf("Connection check failed: %v", msg.err)
			return m, nil
		}
		m.notice = ""
		cmds := []tea.Cmd{m.requestValidation(m.query)}
		if !m.connected {
			m.connected = true
			m.ticking = true
			cmds = append(cmds, m.nextTick())
		}
		return m, tea.Batch(cmds...)
	case workflowMsg:
		switch {
		case msg.err == nil:
			m.notice = ""
		case errors.Is(msg.err, confirm.ErrSuperseded), errors.Is(msg.err, engine.ErrStaleResult):
			// a newer request owns the screen
		default:
			m.notice = msg.err.Error()
		}
		m.setSnapshot(m.svc.Engine.Snapshot())
		return m, nil
	case pollTickMsg:
		if m.polling {
			return m, m.nextTick()
		}
		m.polling = true
		return m, m.poll()
	case polledMsg:
		m.polling = false
		switch {
		case msg.err == nil:
			m.notice = ""
			if !msg.delta.Empty() {
				m.highlight(msg.previous, msg.delta)
			}
		case errors.Is(msg.err, engine.ErrNoActiveQuery), errors.Is(msg.err, engine.ErrSyncInFlight), errors.Is(msg.err, engine.ErrStaleResult):
		default:
			m.notice = fmt.Sprintf("Poll failed: %v", msg.err)
		}
		m.setSnapshot(m.svc.Engine.Snapshot())
		return m, m.nextTick()
	case tea.KeyMsg:
		if cmd, handled := m.handleKey(msg); handled {
			return m, cmd
		}
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	cmds = append(cmds, cmd)
	m.spinner, cmd = m.spinner.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	awaiting := m.svc.Workflow.Status().Phase == confirm.AwaitingConfirmation

	switch key := msg.String(); key {
	case "q", "ctrl+c":
		return tea.Quit, true
	case "y", "n":
		if !awaiting {
			return nil, false
		}
		return m.confirm(key == "y"), true
	case "m":
		m.svc.Workflow.ToggleModal()
		return nil, true
	case "r":
		return m.connect(), true
	case "f":
		return m.requestValidation(m.query), true
	case "enter":
		return m.openSelected(), true
	case "1", "2", "3":
		status := []model.Status{model.StatusTriggered, model.StatusAcknowledged, model.StatusResolved}[key[0]-'1']
		m.query = toggleStatus(m.query, status)
		return m.requestValidation(m.query), true
	case "h", "l":
		urgency := model.UrgencyHigh
		if key == "l" {
			urgency = model.UrgencyLow
		}
		m.query = toggleUrgency(m.query, urgency)
		return m.requestValidation(m.query), true
	}
	return nil, false
}

// toggleStatus returns a copy of query with status added to or removed from the filter
func toggleStatus(query model.Query, status model.Status) model.Query {
	statuses := sets.New[model.Status]()
	if query.Statuses != nil {
		statuses = query.Statuses.Clone()
	}
	if statuses.Has(status) {
		statuses.Delete(status)
	} else {
		statuses.Insert(status)
	}
	query.Statuses = statuses
	return query
}

// toggleUrgency returns a copy of query with urgency added to or removed from the filter
func toggleUrgency(query model.Query, urgency model.Urgency) model.Query {
	urgencies := sets.New[model.Urgency]()
	if query.Urgencies != nil {
		urgencies = query.Urgencies.Clone()
	}
	if urgencies.Has(urgency) {
		urgencies.Delete(urgency)
	} else {
		urgencies.Insert(urgency)
	}
	query.Urgencies = urgencies
	return query
}

func (m *Model) setSnapshot(snapshot *model.Snapshot) {
	if snapshot.Generation() != m.snapshot.Generation() {
		m.added = sets.New[string]()
		m.changed = map[string][]reconcile.FieldChange{}
	}
	m.snapshot = snapshot
	m.updateTable()
}

func (m *Model) highlight(previous *model.Snapshot, delta model.Delta) {
	m.added = sets.New[string]()
	m.changed = map[string][]reconcile.FieldChange{}
	for _, incident := range delta.Added {
		m.added.Insert(incident.ID)
	}
	for _, incident := range delta.Updated {
		if old, ok := previous.Get(incident.ID); ok {
			m.changed[incident.ID] = reconcile.Changes(old, incident)
		}
	}
}

func columns(incidents []model.Incident) []table.Column {
	titles := []string{"ID", "Status", "Urgency", "Service", "Assignees", "Updated", "Title"}
	widths := make([]int, len(titles))
	for i, title := range titles {
		widths[i] = len(title)
	}
	for _, incident := range incidents {
		for i, cell := range cells(incident, time.Time{}) {
			if i == len(titles)-1 {
				break
			}
			widths[i] = max(widths[i], min(len(cell), 30))
		}
	}
	widths[len(widths)-1] = 50

	cols := make([]table.Column, len(titles))
	for i, title := range titles {
		cols[i] = table.Column{Title: title, Width: widths[i]}
	}
	return cols
}

func cells(incident model.Incident, now time.Time) []string {
	updated := incident.UpdatedAt.Format("2006-01-02")
	if !now.IsZero() {
		updated = formatDuration(now.Sub(incident.UpdatedAt)) + " ago"
	}
	return []string{
		incident.ID,
		string(incident.Status),
		string(incident.Urgency),
		incident.ServiceID,
		strings.Join(incident.Assignees, ", "),
		updated,
		incident.Title,
	}
}

// updateTable updates the table with current data
func (m *Model) updateTable() {
	m.displayed = m.snapshot.Incidents()

	now := m.now()
	rows := make([]table.Row, 0, len(m.displayed))
	for _, incident := range m.displayed {
		rows = append(rows, cells(incident, now))
	}

	m.table.SetColumns(columns(m.displayed))
	m.table.SetRows(rows)
	m.table.SetHeight(max(2, min(len(rows), maxTableRows)+1))
}

// View renders the model
func (m Model) View() string {
	var s strings.Builder

	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	infoStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	s.WriteString(headerStyle.Render("Incidents: " + describe(m.query)))
	s.WriteString("\n")
	s.WriteString(m.renderConnection())
	s.WriteString("\n")

	status := m.svc.Workflow.Status()
	switch status.Phase {
	case confirm.Validating, confirm.Executing:
		s.WriteString(m.spinner.View() + " " + string(status.Phase))
		s.WriteString("\n")
	case confirm.AwaitingConfirmation:
		if status.DisplayConfirmModal && status.Pending != nil {
			s.WriteString(renderModal(*status.Pending))
		} else {
			s.WriteString(infoStyle.Render("A query awaits confirmation, press 'm' to review it"))
		}
		s.WriteString("\n")
	}

	if !m.snapshot.SyncedAt().IsZero() {
		s.WriteString(infoStyle.Render(fmt.Sprintf("%d incidents, synced %s ago", m.snapshot.Len(), formatDuration(m.now().Sub(m.snapshot.SyncedAt())))))
		s.WriteString("\n")
	}

	s.WriteString(m.table.View())
	s.WriteString("\n")
	if len(m.displayed) > maxTableRows {
		s.WriteString(infoStyle.Italic(true).Render(fmt.Sprintf("Showing %d of %d items - use arrow keys to scroll", maxTableRows, len(m.displayed))))
		s.WriteString("\n")
	}
	s.WriteString(m.renderSelected())

	if m.notice != "" {
		s.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render(m.notice))
		s.WriteString("\n")
	}

	stats := m.svc.Source.Stats()
	s.WriteString(infoStyle.Render(fmt.Sprintf("Requests: %d received, %d queued, %d running, %d completed", stats.Received, stats.Queued, stats.Running, stats.Completed)))
	s.WriteString("\n")

	helpStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("240")).MarginTop(1)
	s.WriteString(helpStyle.Render("q quit | 1/2/3 toggle triggered/acknowledged/resolved | h/l toggle high/low urgency | f refetch | r reconnect | enter open"))

	return s.String()
}

func (m Model) renderConnection() string {
	state := m.svc.Health.Current()
	color := map[health.Phase]string{
		health.Dormant:      "240",
		health.Connecting:   "33",
		health.Connected:    "46",
		health.Degraded:     "226",
		health.Unauthorized: "196",
	}[state.Phase]
	text := fmt.Sprintf("Connection: %s", state.Phase)
	if state.Phase != health.Connected && state.Reason != "" {
		text += " (" + state.Reason + ")"
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Render(text)
}

func renderModal(pending confirm.Pending) string {
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("226")).
		Padding(0, 1)
	body := fmt.Sprintf("This query matches %d incidents, more than the limit of %d.\nRun it anyway? [y/n]   (m hides this)", pending.Result.Total, pending.Result.Limit)
	return box.Render(body)
}

func (m Model) renderSelected() string {
	cursor := m.table.Cursor()
	if cursor < 0 || cursor >= len(m.displayed) {
		return ""
	}
	selected := m.displayed[cursor]

	var s strings.Builder
	switch {
	case m.added.Has(selected.ID):
		s.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true).Render("NEW INCIDENT"))
		s.WriteString("\n")
	case len(m.changed[selected.ID]) > 0:
		s.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("226")).Bold(true).Render("CHANGED INCIDENT"))
		s.WriteString("\n")
		for _, change := range m.changed[selected.ID] {
			s.WriteString(fmt.Sprintf("  • %s changed from '%s' to '%s'\n", change.Field, change.OldValue, change.NewValue))
		}
	}
	if n := len(selected.Notes); n > 0 {
		last := selected.Notes[n-1]
		s.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("250")).Render(fmt.Sprintf("Last note by %s: %s", last.Author, firstLine(last.Content))))
		s.WriteString("\n")
	}
	return s.String()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// describe summarizes the filters of a query in one line
func describe(query model.Query) string {
	parts := []string{"since " + query.Since.Format("2006-01-02 15:04")}
	if !query.Until.IsZero() {
		parts = append(parts, "until "+query.Until.Format("2006-01-02 15:04"))
	}
	if statuses := query.StatusList(); len(statuses) > 0 {
		parts = append(parts, "status "+strings.Join(statuses, ","))
	}
	if urgencies := query.UrgencyList(); len(urgencies) > 0 {
		parts = append(parts, "urgency "+strings.Join(urgencies, ","))
	}
	for _, filter := range []struct {
		name string
		ids  sets.Set[string]
	}{
		{"team", query.TeamIDs},
		{"service", query.ServiceIDs},
		{"policy", query.EscalationPolicyIDs},
		{"user", query.UserIDs},
	} {
		if filter.ids.Len() > 0 {
			parts = append(parts, filter.name+" "+strings.Join(sets.List(filter.ids), ","))
		}
	}
	return strings.Join(parts, ", ")
}
