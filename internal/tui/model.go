// Package tui is the interactive terminal chat over the news corpus.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/abdul-hamid-achik/newsrag/internal/rag"
)

// Asker is the chat-facing subset of the question service.
type Asker interface {
	AnswerQuestion(ctx context.Context, question string) (*rag.Answer, error)
}

type exchange struct {
	question string
	answer   *rag.Answer
	err      error
}

// answerMsg carries a finished question back to Update.
type answerMsg exchange

// Model is the Bubble Tea model for the chat.
type Model struct {
	ctx      context.Context
	asker    Asker
	input    textinput.Model
	viewport viewport.Model
	history  []exchange
	summary  string
	status   string
	busy     bool
	ready    bool
}

// New creates a chat model. summary is shown under the header.
func New(ctx context.Context, asker Asker, summary string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask about the news and press Enter"
	ti.Focus()
	ti.CharLimit = 500
	vp := viewport.New(0, 0)
	return Model{
		ctx:      ctx,
		asker:    asker,
		input:    ti,
		viewport: vp,
		summary:  summary,
		status:   "Ready. Ctrl+C to quit.",
	}
}

// Init initializes the model (text input cursor blink).
func (m Model) Init() tea.Cmd { return textinput.Blink }

// Update handles key, window and answer events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, rh := transcriptStyle.GetFrameSize()
		_, qh := inputStyle.GetFrameSize()
		reserved := 2 + 1 + qh + 1 // header+summary, status, input box, spacer
		m.viewport.Width = max(20, msg.Width-2)
		m.viewport.Height = max(3, msg.Height-reserved-rh)
		m.refresh()
		return m, nil

	case answerMsg:
		m.busy = false
		m.history = append(m.history, exchange(msg))
		switch {
		case msg.err != nil:
			m.status = "Error: " + msg.err.Error()
		case msg.answer.Degraded:
			m.status = "Generation failed, showing sources only"
		default:
			m.status = fmt.Sprintf("Answered in %.2fs from %d sources", msg.answer.LatencySeconds, len(msg.answer.Sources))
		}
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q == "" || m.busy {
				return m, nil
			}
			m.busy = true
			m.status = "Thinking..."
			m.input.SetValue("")
			return m, m.ask(q)
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) ask(q string) tea.Cmd {
	ctx, asker := m.ctx, m.asker
	return func() tea.Msg {
		answer, err := asker.AnswerQuestion(ctx, q)
		return answerMsg{question: q, answer: answer, err: err}
	}
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.transcript())
	m.viewport.GotoBottom()
}

// View renders the chat layout.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := headerStyle.Render("newsrag chat")
	summary := dimStyle.Render(m.summary)
	transcript := transcriptStyle.Render(m.viewport.View())
	input := inputStyle.Render(m.input.View())
	status := statusStyle.Render(m.status)
	return header + "\n" + summary + "\n" + transcript + "\n" + input + "\n" + status
}

func (m Model) transcript() string {
	if len(m.history) == 0 {
		return dimStyle.Render("Ask a question about recent financial news.")
	}

	var sb strings.Builder
	for i, ex := range m.history {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(questionStyle.Render("You: " + ex.question))
		sb.WriteString("\n")
		if ex.err != nil {
			sb.WriteString(errorStyle.Render(ex.err.Error()))
			sb.WriteString("\n")
			continue
		}
		sb.WriteString(rag.FormatAnswer(ex.answer))
	}
	return sb.String()
}

var (
	headerStyle     = lipgloss.NewStyle().Bold(true)
	dimStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	statusStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	questionStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	errorStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	transcriptStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	inputStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)
