package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aelling/parley/internal/engine"
	"github.com/aelling/parley/internal/wire"
)

var (
	userLabelStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	assistantLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("5"))
	errorLabelStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
	pendingStyle        = lipgloss.NewStyle().Faint(true)
	stepStyle           = lipgloss.NewStyle().Faint(true)
	headerStyle         = lipgloss.NewStyle().Bold(true)
	statusRunningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	statusDoneStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	statusFailedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	offlineStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	noticeStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// reconnectMsg fires after a stream drop to retry the subscription;
// reconnectFailedMsg schedules the next attempt when the retry itself fails.
type (
	reconnectMsg       struct{}
	reconnectFailedMsg struct{}
)

// submitRejectedMsg reports a synchronous Submit error. Unlike
// submitFailedMsg it does not come through the listener channel, so handling
// it must not re-arm the channel read.
type submitRejectedMsg struct {
	input   string
	message string
}

// Model is the interactive chat view: a transcript viewport over an input
// line, with a live step indicator while a turn runs.
type Model struct {
	engine         *engine.Engine
	listener       *EngineListener
	reconnectEvery time.Duration

	viewport viewport.Model
	input    textinput.Model
	spin     spinner.Model

	transcript []engine.DisplayMessage
	session    wire.Session
	steps      []engine.StepSummary
	connected  bool
	notice     string

	width  int
	height int
	ready  bool
}

// NewModel creates the chat model. The engine must already have the listener
// registered. reconnectEvery is the delay before retrying a dropped stream;
// zero disables automatic reconnection.
func NewModel(eng *engine.Engine, listener *EngineListener, reconnectEvery time.Duration) Model {
	input := textinput.New()
	input.Placeholder = "Type a message and press enter"
	input.Focus()
	input.CharLimit = 4096

	spin := spinner.New(spinner.WithSpinner(spinner.Dot))

	return Model{
		engine:         eng,
		listener:       listener,
		reconnectEvery: reconnectEvery,
		input:          input,
		spin:           spin,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		listenForEngineEvent(m.listener.Events()),
		textinput.Blink,
		m.spin.Tick,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		chromeHeight := 4 // header, steps line, notice, input
		if !m.ready {
			m.viewport = viewport.New(msg.Width, max(1, msg.Height-chromeHeight))
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = max(1, msg.Height-chromeHeight)
		}
		m.input.Width = max(10, msg.Width-4)
		m.refreshViewport(true)

	case tea.KeyMsg:
		m.notice = ""
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			if text != "" {
				m.input.Reset()
				cmds = append(cmds, m.submitCmd(text))
			}
		}

	case transcriptMsg:
		m.transcript = msg
		m.steps = m.engine.RunningSteps()
		m.refreshViewport(true)
		cmds = append(cmds, listenForEngineEvent(m.listener.Events()))

	case sessionMsg:
		m.session = wire.Session(msg)
		cmds = append(cmds, listenForEngineEvent(m.listener.Events()))

	case connectionMsg:
		m.connected = bool(msg)
		if !m.connected {
			cmds = append(cmds, m.scheduleReconnect())
		}
		cmds = append(cmds, listenForEngineEvent(m.listener.Events()))

	case reconnectMsg:
		cmds = append(cmds, m.reconnectCmd())

	case reconnectFailedMsg:
		cmds = append(cmds, m.scheduleReconnect())

	case submitFailedMsg:
		m.notice = fmt.Sprintf("send failed: %s", msg.message)
		// Hand the text back so a retry is one keypress away.
		m.input.SetValue(msg.input)
		m.input.CursorEnd()
		cmds = append(cmds, listenForEngineEvent(m.listener.Events()))

	case submitRejectedMsg:
		m.notice = fmt.Sprintf("send failed: %s", msg.message)
		m.input.SetValue(msg.input)
		m.input.CursorEnd()

	case engineErrorMsg:
		m.notice = string(msg)
		cmds = append(cmds, listenForEngineEvent(m.listener.Events()))

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m Model) View() string {
	if !m.ready {
		return "starting..."
	}

	var b strings.Builder
	b.WriteString(m.headerView())
	b.WriteByte('\n')
	b.WriteString(m.viewport.View())
	b.WriteByte('\n')
	b.WriteString(m.stepsView())
	b.WriteByte('\n')
	if m.notice != "" {
		b.WriteString(noticeStyle.Render(m.notice))
	}
	b.WriteByte('\n')
	b.WriteString("> " + m.input.View())
	return b.String()
}

func (m Model) headerView() string {
	title := "parley"
	if m.session.SessionID != "" {
		title = fmt.Sprintf("parley %s %s", m.session.SessionID, statusBadge(m.session.Status))
	}
	header := headerStyle.Render(title)
	if !m.connected && m.session.SessionID != "" {
		header += "  " + offlineStyle.Render("offline")
	}
	return header
}

func (m Model) stepsView() string {
	if m.session.Status != wire.StatusRunning && m.session.Status != wire.StatusPending {
		return ""
	}
	line := m.spin.View() + " working"
	if len(m.steps) > 0 {
		current := m.steps[len(m.steps)-1]
		line = fmt.Sprintf("%s %s (%d steps)", m.spin.View(), current.Description, len(m.steps))
	}
	return stepStyle.Render(line)
}

// refreshViewport re-renders the transcript into the viewport. atBottom
// pins the view to the newest message, matching chat expectations.
func (m *Model) refreshViewport(atBottom bool) {
	if !m.ready {
		return
	}
	m.viewport.SetContent(renderTranscript(m.transcript, m.viewport.Width))
	if atBottom {
		m.viewport.GotoBottom()
	}
}

// scheduleReconnect arms one retry after the configured delay. The retry
// itself re-checks connectivity, so a recovered stream makes this a no-op.
func (m Model) scheduleReconnect() tea.Cmd {
	if m.reconnectEvery <= 0 {
		return nil
	}
	return tea.Tick(m.reconnectEvery, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

func (m Model) reconnectCmd() tea.Cmd {
	return func() tea.Msg {
		if m.engine.Connected() || m.engine.SessionID() == "" {
			return nil
		}
		if err := m.engine.Reconnect(context.Background()); err != nil {
			return reconnectFailedMsg{}
		}
		return nil
	}
}

// submitCmd sends text to the engine. A synchronous rejection (empty input,
// create still in flight) restores the text to the input line, the same as
// an asynchronous submit failure.
func (m Model) submitCmd(text string) tea.Cmd {
	return func() tea.Msg {
		if err := m.engine.Submit(context.Background(), text); err != nil {
			return submitRejectedMsg{input: text, message: err.Error()}
		}
		return nil
	}
}

func renderTranscript(messages []engine.DisplayMessage, width int) string {
	if len(messages) == 0 {
		return pendingStyle.Render("No messages yet.")
	}
	body := lipgloss.NewStyle().Width(max(10, width-2))

	var b strings.Builder
	for i, message := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(roleLabel(message))
		b.WriteByte('\n')
		content := message.Content
		if message.Pending {
			content = pendingStyle.Render(content + " (sending...)")
		}
		b.WriteString(body.Render(content))
		b.WriteByte('\n')
		for _, step := range message.Steps {
			b.WriteString(stepStyle.Render(fmt.Sprintf("  %d. %s", step.Number, step.Description)))
			b.WriteByte('\n')
		}
		if message.ExecutionTime > 0 {
			b.WriteString(stepStyle.Render(fmt.Sprintf("  took %.1fs", message.ExecutionTime)))
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func roleLabel(message engine.DisplayMessage) string {
	timestamp := message.Timestamp.Local().Format("15:04:05")
	switch message.Role {
	case engine.RoleUser:
		return userLabelStyle.Render("you") + " " + stepStyle.Render(timestamp)
	case engine.RoleError:
		return errorLabelStyle.Render("error") + " " + stepStyle.Render(timestamp)
	default:
		return assistantLabelStyle.Render("agent") + " " + stepStyle.Render(timestamp)
	}
}

func statusBadge(status string) string {
	switch status {
	case wire.StatusRunning, wire.StatusPending:
		return statusRunningStyle.Render("[" + status + "]")
	case wire.StatusCompleted:
		return statusDoneStyle.Render("[completed]")
	case wire.StatusFailed:
		return statusFailedStyle.Render("[failed]")
	default:
		return "[" + status + "]"
	}
}

// Run drives the chat UI until the user quits or ctx is canceled.
func Run(ctx context.Context, eng *engine.Engine, listener *EngineListener, reconnectEvery time.Duration) error {
	model := NewModel(eng, listener, reconnectEvery)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := program.Run()
	return err
}
