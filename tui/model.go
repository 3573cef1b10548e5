package tui

import (
	"fmt"
	"strings"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// state represents the current phase of a command.
type state int

const (
	stateWorking    state = iota
	stateRefreshing       // renewing the access token
	stateSuccess          // result shown
	stateError            // command failed
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model for one CLI command.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	command string
	working string

	resultTitle string
	resultLines []string
	errMsg      string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

// Lipgloss styles, defined once at package level.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleResultBox = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("42")).
			Padding(0, 1)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateWorking,
		spinner: s,
		working: "Starting...",
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── command messages ────────────────────────────────────────────────────

	case MsgBanner:
		m.command = msg.Command
		return m, nil

	case MsgSessionRestored:
		m.addStatus(statusOK, "Signed in as "+msg.User)
		return m, nil

	case MsgNotAuthenticated:
		m.addStatus(statusInfo, "Not signed in")
		return m, nil

	case MsgWorking:
		m.state = stateWorking
		m.working = msg.Text
		return m, nil

	case MsgAccessTokenRejected:
		m.addStatus(statusWarn, fmt.Sprintf("Access token rejected (401) for %s %s", msg.Method, msg.Path))
		return m, nil

	case MsgRefreshing:
		m.state = stateRefreshing
		m.addStatus(statusInfo, "Refreshing access token...")
		return m, nil

	case MsgRefreshOK:
		m.state = stateWorking
		m.addStatus(statusOK, "Token refreshed, retrying request")
		return m, nil

	case MsgSessionExpired:
		m.addStatus(statusWarn, "Session expired, sign in again")
		return m, nil

	case MsgStorageFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Warning: failed to save credentials: %v", msg.Err))
		return m, nil

	case MsgResult:
		m.resultTitle = msg.Title
		m.resultLines = msg.Lines
		m.state = stateSuccess
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Text
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

func (m Model) title() string {
	title := "  Scanner  "
	if m.command != "" {
		title = "  Scanner · " + m.command + "  "
	}
	return styleTitleBox.Render(title)
}

// viewMain is shown while requests are in flight.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(m.title())
	b.WriteString("\n\n")

	b.WriteString(m.spinner.View())
	if m.state == stateRefreshing {
		b.WriteString(" Refreshing access token...\n")
	} else {
		b.WriteString(" " + m.working + "\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewSuccess shows the command result.
func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleOK.Render("  ✓ " + m.resultTitle))
	b.WriteString("\n")

	if len(m.resultLines) > 0 {
		b.WriteString("\n")
		b.WriteString(styleResultBox.Render(strings.Join(m.resultLines, "\n")))
		b.WriteString("\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when the command fails.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ " + styleBold.Render(m.command) + " failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
}
