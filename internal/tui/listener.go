package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/aelling/parley/internal/engine"
	"github.com/aelling/parley/internal/wire"
	"github.com/aelling/parley/pkg/logger"
)

// Messages delivered from the engine into the bubbletea loop.
type (
	transcriptMsg   []engine.DisplayMessage
	sessionMsg      wire.Session
	connectionMsg   bool
	submitFailedMsg struct {
		input   string
		message string
	}
	engineErrorMsg string
)

// EngineListener bridges engine callbacks onto a channel the bubbletea
// program drains. Callbacks arrive on the engine's callback goroutine; the
// channel keeps them off the render loop.
type EngineListener struct {
	events chan tea.Msg
}

// NewEngineListener creates the bridge.
func NewEngineListener() *EngineListener {
	return &EngineListener{events: make(chan tea.Msg, 64)}
}

// Events is the channel the TUI listens on.
func (l *EngineListener) Events() <-chan tea.Msg {
	return l.events
}

func (l *EngineListener) OnTranscript(messages []engine.DisplayMessage) {
	l.push(transcriptMsg(messages))
}

func (l *EngineListener) OnSession(session wire.Session) {
	l.push(sessionMsg(session))
}

func (l *EngineListener) OnConnection(connected bool) {
	l.push(connectionMsg(connected))
}

func (l *EngineListener) OnSubmitFailed(input, message string) {
	l.push(submitFailedMsg{input: input, message: message})
}

func (l *EngineListener) OnError(message string) {
	l.push(engineErrorMsg(message))
}

// push never blocks the engine's callback goroutine. Transcript updates are
// full snapshots, so dropping one under backpressure only delays the render
// until the next update.
func (l *EngineListener) push(msg tea.Msg) {
	select {
	case l.events <- msg:
	default:
		logger.Debugf("tui: event channel full, dropping update")
	}
}

// listenForEngineEvent returns a tea.Cmd that blocks until the next engine
// update arrives, then delivers it as a message. The model re-arms it after
// every delivery.
func listenForEngineEvent(events <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-events
		if !ok {
			return nil
		}
		return msg
	}
}
