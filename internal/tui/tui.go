// Package tui is the host-side terminal dashboard: bridge status, live
// connections, pending approvals and recent commands.
package tui

import (
	"fmt"
	"strings"
	"time"

	"livebridge/internal/approval"
	"livebridge/internal/bridge"
	"livebridge/internal/events"
	"livebridge/internal/server"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Version can be set at build time
var Version = "dev"

// CommandEntry is a recent command for display.
type CommandEntry struct {
	ConnectionID uint64
	Kind         string
	Code         string
	Success      bool
	Error        string
	Duration     time.Duration
}

// Model is the main Bubble Tea model
type Model struct {
	controller *bridge.Controller
	queue      *approval.Queue
	eventSub   <-chan events.Event

	running     bool
	port        int
	tokenIssued bool
	connections []server.ConnectionInfo

	pending  []approval.Request
	selected int

	commands    []CommandEntry
	maxCommands int

	logs    []string
	maxLogs int

	width     int
	height    int
	startTime time.Time

	lastError string
}

// NewModel creates a dashboard for controller. queue may be nil when
// approvals are answered elsewhere.
func NewModel(controller *bridge.Controller, queue *approval.Queue, bus *events.Bus) Model {
	var sub <-chan events.Event
	if bus != nil {
		sub = bus.Subscribe()
	}
	m := Model{
		controller:  controller,
		queue:       queue,
		eventSub:    sub,
		startTime:   time.Now(),
		maxCommands: 10,
		maxLogs:     5,
	}
	return m.refresh()
}

// Messages
type tickMsg time.Time
type eventMsg events.Event
type toggleMsg struct {
	running bool
	err     error
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		if sub == nil {
			return nil
		}
		event, ok := <-sub
		if !ok {
			return nil
		}
		return eventMsg(event)
	}
}

// Stopping can wait for in-flight work, so it runs off the UI loop.
func toggleCmd(c *bridge.Controller) tea.Cmd {
	return func() tea.Msg {
		running, err := c.Toggle()
		return toggleMsg{running: running, err: err}
	}
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{tickCmd()}
	if m.eventSub != nil {
		cmds = append(cmds, waitForEvent(m.eventSub))
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m.refresh(), tickCmd()

	case toggleMsg:
		if msg.err != nil {
			m.lastError = msg.err.Error()
		} else {
			m.lastError = ""
		}
		return m.refresh(), nil

	case eventMsg:
		m = m.handleEvent(events.Event(msg))
		return m, waitForEvent(m.eventSub)
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "s":
		return m, toggleCmd(m.controller)
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
	case "down", "j":
		if m.selected < len(m.pending)-1 {
			m.selected++
		}
	case "y", "n":
		if m.queue == nil || len(m.pending) == 0 {
			return m, nil
		}
		req := m.pending[m.selected]
		approve := msg.String() == "y"
		reason := ""
		if !approve {
			reason = approval.ReasonDenied
		}
		m.queue.Resolve(req.ID, approve, reason)
		return m.refresh(), nil
	}
	return m, nil
}

// refresh pulls state that is cheaper to read than to reconstruct from
// events.
func (m Model) refresh() Model {
	if m.controller != nil {
		m.running = m.controller.IsRunning()
		m.port, _ = m.controller.CurrentPort()
		m.tokenIssued = m.controller.TokenIssued()
		m.connections = m.controller.Server().Connections()
	}
	if m.queue != nil {
		m.pending = m.queue.ListPending()
	}
	if m.selected >= len(m.pending) {
		m.selected = max(len(m.pending)-1, 0)
	}
	return m
}

func (m Model) handleEvent(event events.Event) Model {
	switch event.Type {
	case events.EventServerStarted, events.EventServerStopped,
		events.EventConnectionPending, events.EventConnectionApproved,
		events.EventConnectionRejected, events.EventConnectionClosed,
		events.EventApprovalRequested, events.EventApprovalResolved:
		m = m.refresh()

	case events.EventCommandExecuted:
		if data, ok := event.Data.(events.CommandData); ok {
			entry := CommandEntry{
				ConnectionID: data.ConnectionID,
				Kind:         data.Kind,
				Code:         data.Code,
				Success:      data.Success,
				Error:        data.Error,
				Duration:     data.Duration,
			}
			m.commands = append([]CommandEntry{entry}, m.commands...)
			if len(m.commands) > m.maxCommands {
				m.commands = m.commands[:m.maxCommands]
			}
		}

	case events.EventLog:
		if data, ok := event.Data.(events.LogData); ok {
			m.logs = append(m.logs, data.Message)
			if len(m.logs) > m.maxLogs {
				m.logs = m.logs[len(m.logs)-m.maxLogs:]
			}
		}

	case events.EventError:
		if data, ok := event.Data.(events.ErrorData); ok {
			m.lastError = fmt.Sprintf("%s: %v", data.Context, data.Error)
		}
	}
	return m
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n\n")
	b.WriteString(m.renderStatus())
	b.WriteString("\n")

	if len(m.pending) > 0 {
		b.WriteString(m.renderApprovals())
		b.WriteString("\n")
	}
	if len(m.connections) > 0 {
		b.WriteString(m.renderConnections())
		b.WriteString("\n")
	}
	if len(m.commands) > 0 {
		b.WriteString(m.renderCommands())
		b.WriteString("\n")
	}
	if len(m.logs) > 0 {
		b.WriteString(m.renderLogs())
		b.WriteString("\n")
	}
	if m.lastError != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render(m.lastError))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderHeader() string {
	title := titleStyle.Render("livebridge")
	hint := hintStyle.Render("(s start/stop, y/n approve, q quit)")

	spacing := strings.Repeat(" ", 4)
	if m.width > 0 {
		if spaces := m.width - lipgloss.Width(title) - lipgloss.Width(hint); spaces > 0 {
			spacing = strings.Repeat(" ", spaces)
		}
	}
	return title + spacing + hint
}

func (m Model) renderStatus() string {
	var lines []string
	lines = append(lines, m.renderField("Bridge", StatusText(m.running)))
	if m.running {
		lines = append(lines, m.renderField("Listening", addrStyle.Render(fmt.Sprintf("%s:%d", server.DefaultHost, m.port))))
	}
	token := "not issued"
	if m.tokenIssued {
		token = "issued"
	}
	lines = append(lines, m.renderField("Session token", valueStyle.Render(token)))
	lines = append(lines, m.renderField("Version", valueStyle.Render(Version)))
	lines = append(lines, m.renderField("Uptime", valueStyle.Render(time.Since(m.startTime).Truncate(time.Second).String())))
	return strings.Join(lines, "\n")
}

func (m Model) renderField(label, value string) string {
	return labelStyle.Render(label) + value
}

func (m Model) renderApprovals() string {
	lines := []string{"", sectionStyle.Render("Connection requests")}
	for i, req := range m.pending {
		line := fmt.Sprintf("Allow connection from %s? [y/N]", req.Peer)
		if i == m.selected {
			line = selectedStyle.Render(line)
		} else {
			line = approvalStyle.Render(line)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderConnections() string {
	lines := []string{"", sectionStyle.Render("Connections")}
	for _, c := range m.connections {
		lines = append(lines, fmt.Sprintf("#%-4d %-22s %-10s %d cmds",
			c.ID, c.Peer.String(), StateText(c.State), c.Commands))
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderCommands() string {
	lines := []string{"", sectionStyle.Render("Recent commands")}
	for _, c := range m.commands {
		code := codeStyle.Render(truncate(firstLine(c.Code), 48))
		line := fmt.Sprintf("%s %s #%d %s %s",
			ResultText(c.Success), kindStyle.Render(c.Kind), c.ConnectionID, code,
			durationStyle.Render(formatDuration(c.Duration)))
		if !c.Success && c.Error != "" {
			line += " " + failStyle.Render(truncate(c.Error, 40))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderLogs() string {
	lines := []string{""}
	for _, l := range m.logs {
		lines = append(lines, logStyle.Render(l))
	}
	return strings.Join(lines, "\n")
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

// Run starts the dashboard and blocks until the user quits.
func Run(controller *bridge.Controller, queue *approval.Queue, bus *events.Bus) error {
	model := NewModel(controller, queue, bus)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
