// Package tui is the terminal dashboard for a single job's agent activity.
package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"agentwatch/internal/activity"
	"agentwatch/internal/present"
	"agentwatch/internal/stream"
	"agentwatch/internal/telemetry"
)

// Subscriber opens job subscriptions. *stream.Manager satisfies it.
type Subscriber interface {
	Subscribe(jobID string, creds stream.Credentials) (*stream.Subscription, error)
}

type Options struct {
	JobID       string
	Subscriber  Subscriber
	Credentials stream.Credentials
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
}

type Model struct {
	subscriber Subscriber
	creds      stream.Credentials
	metrics    *telemetry.Metrics
	logger     *slog.Logger

	jobID    string
	sub      *stream.Subscription
	state    stream.State
	attempt  int
	timeline *activity.Timeline

	latestErr   error
	latestErrAt time.Time
	statusLine  string

	width     int
	height    int
	inputMode bool

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	help     help.Model
	keys     keyMap
	theme    uiTheme
}

// notificationMsg carries one subscription output. subID lets Update drop
// anything still in flight from a subscription that has been replaced.
type notificationMsg struct {
	subID        string
	notification stream.Notification
}

type endedMsg struct {
	subID string
}

type retargetMsg struct {
	jobID string
}

func New(opts Options) Model {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	input := textinput.New()
	input.Prompt = "job ❯ "
	input.CharLimit = 256
	input.Placeholder = "analysis job id"

	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(present.Mint)

	vp := viewport.New(0, 0)
	vp.MouseWheelEnabled = true
	vp.MouseWheelDelta = 4

	jobID := strings.TrimSpace(opts.JobID)
	return Model{
		subscriber: opts.Subscriber,
		creds:      opts.Credentials,
		metrics:    opts.Metrics,
		logger:     logger,
		jobID:      jobID,
		timeline:   activity.NewTimeline(jobID),
		statusLine: "starting...",
		input:      input,
		viewport:   vp,
		spinner:    sp,
		help:       help.New(),
		keys:       defaultKeys,
		theme:      newTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	jobID := m.jobID
	return tea.Batch(
		m.spinner.Tick,
		func() tea.Msg { return retargetMsg{jobID: jobID} },
	)
}

// Close ends the live subscription, if any. Safe to call more than once.
func (m Model) Close() {
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
}

func (m Model) JobID() string {
	return m.jobID
}

func (m Model) State() stream.State {
	return m.state
}

func (m Model) Timeline() *activity.Timeline {
	return m.timeline
}

func (m Model) LatestError() error {
	return m.latestErr
}

func waitNotification(sub *stream.Subscription) tea.Cmd {
	if sub == nil {
		return nil
	}
	return func() tea.Msg {
		n, err := sub.Next(context.Background())
		if err != nil {
			return endedMsg{subID: sub.ID()}
		}
		return notificationMsg{subID: sub.ID(), notification: n}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case retargetMsg:
		cmds = append(cmds, m.retarget(msg.jobID))
	case notificationMsg:
		if m.sub == nil || msg.subID != m.sub.ID() {
			break
		}
		m.apply(msg.notification)
		cmds = append(cmds, waitNotification(m.sub))
	case endedMsg:
		if m.sub == nil || msg.subID != m.sub.ID() {
			break
		}
		m.state = m.sub.State()
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.renderPanes()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.Close()
			return m, tea.Quit
		}
		if m.inputMode {
			return m.updateInput(msg)
		}
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.Close()
			return m, tea.Quit
		case key.Matches(msg, m.keys.Retarget):
			m.inputMode = true
			m.input.SetValue("")
			cmds = append(cmds, m.input.Focus())
		case key.Matches(msg, m.keys.Retry):
			if m.sub == nil || m.state.Terminal() {
				cmds = append(cmds, m.subscribe())
			}
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
			m.resize()
			m.renderPanes()
		case key.Matches(msg, m.keys.Top):
			m.viewport.GotoTop()
		case key.Matches(msg, m.keys.Bottom):
			m.viewport.GotoBottom()
		default:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			cmds = append(cmds, cmd)
		}
	}
	return m, tea.Batch(cmds...)
}

func (m Model) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.inputMode = false
		m.input.Blur()
		return m, nil
	case tea.KeyEnter:
		value := strings.TrimSpace(m.input.Value())
		if value == "" {
			return m, nil
		}
		m.inputMode = false
		m.input.Blur()
		return m, m.retarget(value)
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// retarget switches the dashboard to jobID. The old subscription is torn
// down before the timeline is replaced, so nothing from the previous job can
// land in the new one.
func (m *Model) retarget(jobID string) tea.Cmd {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		m.statusLine = "enter a job id to start watching"
		m.inputMode = true
		m.renderPanes()
		return m.input.Focus()
	}
	if jobID == m.jobID && m.sub != nil && !m.state.Terminal() {
		return nil
	}
	m.Close()
	m.sub = nil
	if jobID != m.jobID || m.timeline == nil {
		m.timeline = activity.NewTimeline(jobID)
	}
	m.jobID = jobID
	m.latestErr = nil
	m.state = 0
	m.attempt = 0
	cmd := m.subscribe()
	m.renderPanes()
	return cmd
}

// subscribe opens a subscription for the current job, keeping the timeline.
func (m *Model) subscribe() tea.Cmd {
	if m.subscriber == nil || m.jobID == "" {
		return nil
	}
	m.Close()
	sub, err := m.subscriber.Subscribe(m.jobID, m.creds)
	if err != nil {
		m.sub = nil
		m.setError(err)
		m.statusLine = "subscribe failed"
		return nil
	}
	m.sub = sub
	m.state = stream.StateConnecting
	m.statusLine = "watching " + m.jobID
	m.logger.Info("watching job", "job_id", m.jobID, "subscription_id", sub.ID())
	return waitNotification(sub)
}

func (m *Model) apply(n stream.Notification) {
	m.state = n.State
	if n.Attempt > 0 {
		m.attempt = n.Attempt
	}
	if n.Event != nil {
		appended := m.timeline.Merge(*n.Event)
		m.metrics.Merged(appended)
		if appended {
			m.renderPanes()
		}
		return
	}
	var transportErr *stream.TransportError
	switch {
	case n.Err == nil:
		if n.State == stream.StateOpen {
			m.statusLine = "live · " + m.jobID
		}
	case errors.As(n.Err, &transportErr):
		// shown through the reconnecting indicator only
		m.statusLine = "connection lost, reconnecting"
	default:
		m.setError(n.Err)
		if n.State.Terminal() {
			m.statusLine = "stream closed · press r to reconnect or / to pick another job"
		}
	}
}

func (m *Model) setError(err error) {
	m.latestErr = err
	m.latestErrAt = time.Now()
}

func (m *Model) resize() {
	contentWidth := maxInt(40, m.width-4)
	m.input.Width = maxInt(20, contentWidth-10)
	m.help.Width = contentWidth
}

func (m *Model) renderPanes() {
	prevYOffset := m.viewport.YOffset
	prevAtBottom := m.viewport.AtBottom()

	reserved := 10
	if m.inputMode {
		reserved += 3
	}
	if m.help.ShowAll {
		reserved += 3
	}
	m.viewport.Width = maxInt(20, m.width-8)
	m.viewport.Height = maxInt(4, m.height-reserved)

	m.viewport.SetContent(m.renderTimeline())
	if prevAtBottom {
		m.viewport.GotoBottom()
	} else {
		m.viewport.SetYOffset(prevYOffset)
	}
}

func (m *Model) renderTimeline() string {
	if m.jobID == "" {
		return m.theme.helpText.Render("No job selected. Press / to enter a job id.")
	}
	if m.timeline.Len() == 0 {
		return m.theme.helpText.Render(fmt.Sprintf("Waiting for agent activity on %s.", m.jobID))
	}
	width := maxInt(16, m.viewport.Width-2)
	var b strings.Builder
	for i, event := range m.timeline.Events() {
		if i > 0 {
			b.WriteString("\n")
		}
		agent := present.ForAgent(event.AgentName)
		status := present.ForStatus(event.Status)
		header := fmt.Sprintf("%s %s", event.ShortTime(), agent.Render(agent.Icon+" "+agent.Label))
		b.WriteString(header + "  " + status.Render())
		b.WriteString("\n")
		if action := strings.TrimSpace(event.Action); action != "" {
			b.WriteString(indent(m.theme.action.Render(wordwrap.String(action, width-2)), "  "))
			b.WriteString("\n")
		}
		if len(event.Details) > 0 {
			b.WriteString("  " + m.theme.details.Render(compactSingleLine(string(event.Details), width-2)))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (m Model) View() string {
	header := m.renderHeader()
	content := m.theme.panel.Width(maxInt(20, m.width-4)).Render(
		m.theme.panelTitle.Render(fmt.Sprintf("Activity · %d events", m.timeline.Len())) + "\n" + m.viewport.View(),
	)
	parts := []string{header, content}
	if m.inputMode {
		parts = append(parts, m.theme.inputPanel.Width(maxInt(20, m.width-4)).Render(m.input.View()))
	}
	parts = append(parts, m.renderFooter())
	return m.theme.root.Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) renderHeader() string {
	conn := present.ForConnection(m.state)
	indicator := lipgloss.NewStyle().Foreground(conn.Color).Bold(true).Render("● " + conn.Label)
	if m.state == stream.StateConnecting || m.state == stream.StateClosedRetrying {
		indicator = m.spinner.View() + " " + indicator
	}
	job := m.jobID
	if job == "" {
		job = "n/a"
	}
	segments := []string{
		m.theme.title.Render("agentwatch"),
		" ",
		m.theme.helpText.Render("Job: " + job),
		"  ",
		indicator,
	}
	if m.attempt > 1 {
		segments = append(segments, m.theme.helpText.Render(fmt.Sprintf("  attempt %d", m.attempt)))
	}
	joined := lipgloss.JoinHorizontal(lipgloss.Left, segments...)
	return m.theme.header.Width(maxInt(20, m.width-4)).Render(joined)
}

func (m Model) renderFooter() string {
	contentWidth := maxInt(40, m.width-4)
	line := m.theme.status.Render(compactSingleLine(m.statusLine, 180))
	if m.latestErr != nil {
		stamp := m.latestErrAt.Local().Format("15:04:05")
		line = m.theme.errorStatus.Render(compactSingleLine(stamp+" "+m.latestErr.Error(), 180))
	}
	return m.theme.footer.Width(contentWidth).Render(line + "\n" + m.help.View(m.keys))
}

func indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}

func compactSingleLine(text string, limit int) string {
	compact := strings.Join(strings.Fields(text), " ")
	runes := []rune(compact)
	if limit <= 0 || len(runes) <= limit {
		return compact
	}
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
