// Package tui is the live gateway monitor behind "system monitor". It reads
// the ops API: health and jobs by polling, activity via the SSE stream.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/sherpa-gw/internal/api"
	"github.com/mattjoyce/sherpa-gw/internal/events"
	"github.com/mattjoyce/sherpa-gw/internal/history"
	"github.com/mattjoyce/sherpa-gw/internal/jobs"
)

const (
	refreshEvery = 2 * time.Second
	maxEventLog  = 50
)

type Model struct {
	client *client
	theme  Theme

	width  int
	height int

	health   api.HealthzResponse
	live     []jobs.JobInfo
	finished []history.Entry
	eventLog []events.Event
	lastID   int64
	lastErr  string

	table   table.Model
	spinner spinner.Model
	stream  chan events.Event
}

// New returns a monitor for the API at baseURL.
func New(baseURL, token string) Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Class", Width: 11},
			{Title: "Operation", Width: 22},
			{Title: "Job", Width: 10},
			{Title: "PID", Width: 8},
			{Title: "Running", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(6),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return Model{
		client:  newClient(baseURL, token),
		theme:   DefaultTheme(),
		table:   t,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		stream:  make(chan events.Event, 128),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.client.stream(0, m.stream),
		receive(m.stream),
		m.refresh(),
		tick(),
		m.spinner.Tick,
	)
}

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

func (m Model) refresh() tea.Cmd {
	return tea.Batch(m.client.fetchHealth, m.client.fetchJobs, m.client.fetchHistory)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.refresh()
		case "x":
			if row := m.table.SelectedRow(); row != nil {
				return m, m.client.cancel(row[0])
			}
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.table.SetWidth(max(m.width-6, 20))

	case healthMsg:
		m.health = api.HealthzResponse(msg)
		m.lastErr = ""

	case refreshMsg:
		return m, tea.Batch(m.refresh(), tick())

	case jobsMsg:
		m.live = msg.Jobs
		m.syncTable()

	case historyMsg:
		m.finished = msg.Jobs

	case cancelledMsg:
		m.lastErr = fmt.Sprintf("cancelled %d %s job(s)", len(msg.Cancelled), msg.Class)
		return m, m.client.fetchJobs

	case eventMsg:
		m.record(events.Event(msg))
		cmds := []tea.Cmd{receive(m.stream)}
		switch msg.Type {
		case events.TypeJobFinished, events.TypeStopRequested:
			cmds = append(cmds, m.client.fetchJobs, m.client.fetchHistory)
		}
		return m, tea.Batch(cmds...)

	case streamClosedMsg:
		last := msg.lastID
		return m, tea.Tick(time.Second, func(time.Time) tea.Msg {
			return m.client.stream(last, m.stream)()
		})

	case errMsg:
		m.lastErr = msg.err.Error()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *Model) record(ev events.Event) {
	if ev.ID > m.lastID {
		m.lastID = ev.ID
	}
	m.eventLog = append([]events.Event{ev}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}
}

func (m *Model) syncTable() {
	rows := make([]table.Row, 0, len(m.live))
	for _, j := range m.live {
		rows = append(rows, table.Row{
			string(j.Class),
			string(j.Operation),
			shortID(j.ID),
			fmt.Sprint(j.PID),
			time.Since(j.CreatedAt).Round(time.Second).String(),
		})
	}
	m.table.SetRows(rows)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}
	w := m.width - 4
	panel := func(title, body string) string {
		return m.theme.Border.Width(w).Render(
			lipgloss.JoinVertical(lipgloss.Left, m.theme.Title.Render(title), body))
	}

	help := " [q] quit • [r] refresh • [x] cancel selected class • [↑/↓] select"
	if m.lastErr != "" {
		help = m.lastErr + " |" + help
	}
	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(w),
		panel("Live jobs", m.table.View()),
		panel("Recent jobs", m.renderFinished()),
		panel("Activity", m.renderEvents()),
		m.theme.Help.Render(help),
	))
}

func (m Model) renderHeader(w int) string {
	status := m.theme.OK.Render("REGISTERED")
	switch {
	case m.health.Status == "":
		status = m.theme.Dim.Render("UNKNOWN")
	case m.health.Status != "ok":
		status = m.theme.Failed.Render(strings.ToUpper(m.health.BusState))
	}
	cell := lipgloss.NewStyle().Width(w / 4)
	return m.theme.Border.Width(w).Render(lipgloss.JoinHorizontal(lipgloss.Top,
		cell.Render("Bus: "+status),
		cell.Render(fmt.Sprintf("Uptime: %s", time.Duration(m.health.UptimeSeconds)*time.Second)),
		cell.Render(fmt.Sprintf("Reconnects: %d", m.health.Reconnects)),
		cell.Render(fmt.Sprintf("Jobs: %d %s", m.health.JobsRunning, m.spinner.View())),
	))
}

func (m Model) renderFinished() string {
	if len(m.finished) == 0 {
		return m.theme.Dim.Render("  No finished jobs")
	}
	lines := make([]string, 0, len(m.finished))
	for _, e := range m.finished {
		line := fmt.Sprintf("%s  %-11s %-22s %-8s %s",
			e.CompletedAt.Local().Format("15:04:05"), e.Class, e.Operation, shortID(e.ID), m.theme.outcome(e.Outcome))
		if e.Message != "" {
			line += m.theme.Dim.Render("  " + e.Message)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderEvents() string {
	if len(m.eventLog) == 0 {
		return m.theme.Dim.Render("  No events yet...")
	}
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, fmt.Sprintf("%s | %-15s | %s", e.At.Local().Format("15:04:05"), e.Type, string(e.Data)))
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

// Run starts the monitor on the terminal.
func Run(baseURL, token string) error {
	_, err := tea.NewProgram(New(baseURL, token), tea.WithAltScreen()).Run()
	return err
}
