// Package tui renders the progress of a submit, claim or create session.
package tui

import (
	"fmt"
	"strings"
	"time"

	"question-bounty/internal/orchestrator"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/ethereum/go-ethereum/common"
	"github.com/mattn/go-runewidth"
)

const (
	defaultWidth = 80
	minWidth     = 24
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	boldStyle = lipgloss.NewStyle().Bold(true)
)

func padToWidth(s string, width int) string {
	current := lipgloss.Width(s)
	if current >= width {
		return s
	}
	return s + strings.Repeat(" ", width-current)
}

// truncate cuts s to width display cells, marking the cut with "...".
func truncate(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}
	if width <= 3 {
		return runewidth.Truncate(s, width, "")
	}
	return runewidth.Truncate(s, width, "...")
}

func separatorLine(width int) string {
	if width < 2 {
		return strings.Repeat("─", width)
	}
	return "├" + strings.Repeat("─", width-2) + "┤"
}

func formatInfoLine(text string, width int) string {
	if width < 2 {
		return padToWidth(text, width)
	}
	return "│" + padToWidth(text, width-2) + "│"
}

// Step is one rendered transition.
type Step struct {
	From   orchestrator.State
	To     orchestrator.State
	TxHash common.Hash
	Err    error
	At     time.Time
}

// ProgressMsg carries one orchestrator transition into the program.
type ProgressMsg struct {
	Progress orchestrator.Progress
}

// DoneMsg is sent when the session's progress channel closes.
type DoneMsg struct{}

// Model holds the TUI state
type Model struct {
	title      string
	sessionID  string
	flow       string
	questionID uint64
	steps      []Step
	current    orchestrator.State
	lastErr    error
	done       bool
	width      int
}

// NewModel creates a model for one session.
func NewModel(title string) Model {
	return Model{title: title, current: orchestrator.Idle}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case ProgressMsg:
		p := msg.Progress
		m.sessionID = p.SessionID
		m.flow = p.Flow.String()
		if p.QuestionID != 0 {
			m.questionID = p.QuestionID
		}
		m.current = p.To
		m.lastErr = p.Err
		m.steps = append(m.steps, Step{From: p.From, To: p.To, TxHash: p.TxHash, Err: p.Err, At: p.At})
		return m, nil

	case DoneMsg:
		m.done = true
		return m, tea.Quit

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	}

	return m, nil
}

// Current is the latest state reported.
func (m Model) Current() orchestrator.State { return m.current }

// Err is the error carried by the latest transition, if any.
func (m Model) Err() error { return m.lastErr }

func (m Model) Steps() []Step { return m.steps }

// Done reports whether the progress channel closed before the user quit.
func (m Model) Done() bool { return m.done }

func (m Model) View() string {
	width := m.width
	if width == 0 {
		width = defaultWidth
	}
	if width < minWidth {
		width = minWidth
	}

	header := []string{
		"┌" + strings.Repeat("─", width-2) + "┐",
		formatInfoLine(truncate(" "+m.title, width-2), width),
		formatInfoLine(truncate(fmt.Sprintf(" flow: %s  question: %s  session: %s", orDash(m.flow), questionLabel(m.questionID), orDash(shortID(m.sessionID))), width-2), width),
		separatorLine(width),
	}

	var body []string
	if len(m.steps) == 0 {
		body = append(body, formatInfoLine(dimStyle.Render(" waiting for the first transition..."), width))
	}
	for _, s := range m.steps {
		body = append(body, m.renderStep(s, width))
	}

	footer := []string{separatorLine(width), formatInfoLine(m.status(width-2), width), "└" + strings.Repeat("─", width-2) + "┘"}

	return lipgloss.JoinVertical(lipgloss.Left,
		strings.Join(header, "\n"),
		strings.Join(body, "\n"),
		strings.Join(footer, "\n"),
	)
}

func (m Model) renderStep(s Step, width int) string {
	line := fmt.Sprintf(" %s  %s -> %s", s.At.Format("15:04:05"), s.From, s.To)
	if s.TxHash != (common.Hash{}) {
		line += "  tx " + shortHash(s.TxHash)
	}
	if s.Err != nil {
		line += "  " + s.Err.Error()
	}
	line = truncate(line, width-2)
	switch {
	case s.Err != nil:
		line = errStyle.Render(line)
	case s.To.Terminal():
		line = okStyle.Render(line)
	}
	return formatInfoLine(line, width)
}

func (m Model) status(width int) string {
	switch {
	case m.lastErr != nil:
		return errStyle.Render(truncate(" failed: "+m.lastErr.Error(), width))
	case m.current.Terminal():
		return boldStyle.Inherit(okStyle).Render(truncate(" "+m.current.String(), width))
	case m.done:
		return truncate(" finished in "+m.current.String(), width)
	}
	return truncate(" running: "+m.current.String()+"  (q to cancel)", width)
}

func shortHash(h common.Hash) string {
	s := h.Hex()
	return s[:10] + "..." + s[len(s)-4:]
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func questionLabel(id uint64) string {
	if id == 0 {
		return "-"
	}
	return fmt.Sprintf("#%d", id)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// Run renders updates until the channel closes or the user quits, and
// returns the final model.
func Run(title string, updates <-chan orchestrator.Progress) (Model, error) {
	p := tea.NewProgram(NewModel(title))

	go func() {
		for u := range updates {
			p.Send(ProgressMsg{Progress: u})
		}
		p.Send(DoneMsg{})
	}()

	final, err := p.Run()
	if m, ok := final.(Model); ok {
		return m, err
	}
	return NewModel(title), err
}
