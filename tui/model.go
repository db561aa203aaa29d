package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"

	"github.com/pocketbudget/budget-cli/api"
)

// state represents the current phase of a command.
type state int

const (
	stateInit       state = iota
	stateLoggingIn        // exchanging the identity token
	stateRefreshing       // refreshing the access token
	stateLoading          // fetching a page
	stateSuccess          // all done
	stateError            // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model for command progress.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	server  string
	loading string

	summary string
	elapsed time.Duration
	errMsg  string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
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

	case MsgBanner:
		m.server = msg.Server
		return m, nil

	case MsgCredentialsFound:
		m.addStatus(statusOK, fmt.Sprintf("Found stored session (%s)", msg.Profile))
		return m, nil

	case MsgCredentialsNotFound:
		m.addStatus(statusWarn, "No stored session, run `budget-cli login` first")
		return m, nil

	case MsgLoggingIn:
		m.state = stateLoggingIn
		return m, nil

	case MsgLoginOK:
		text := "Logged in"
		if msg.User != "" {
			text += " as " + msg.User
		}
		m.addStatus(statusOK, text)
		return m, nil

	case MsgAccessTokenRejected:
		m.addStatus(statusWarn, "Access token rejected, refreshing...")
		return m, nil

	case MsgRefreshing:
		m.state = stateRefreshing
		return m, nil

	case MsgRefreshOK:
		m.addStatus(statusOK, "Token refreshed successfully")
		return m, nil

	case MsgRefreshFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Refresh failed: %v", msg.Err))
		return m, nil

	case MsgTokenRefreshedRetrying:
		m.addStatus(statusInfo, "Retrying request with the new token")
		return m, nil

	case MsgLoading:
		m.state = stateLoading
		m.loading = fmt.Sprintf("Loading %s page %d...", msg.Kind, msg.Page)
		return m, nil

	case MsgPageLoaded:
		text := fmt.Sprintf("%s page %d: %d of %d", msg.Kind, msg.Page, msg.Count, msg.Total)
		if msg.HasMore {
			text += ", more available"
		}
		m.addStatus(statusOK, text)
		return m, nil

	case MsgNeedsInitialSetup:
		m.addStatus(statusWarn, "No budgets yet, create one to finish setup")
		return m, nil

	case MsgSessionExpired:
		m.addStatus(statusWarn, "Session expired, please log in again")
		return m, nil

	case MsgLoggedOut:
		m.addStatus(statusOK, "Logged out")
		return m, nil

	case MsgDone:
		m.summary = msg.Summary
		m.elapsed = msg.Elapsed
		m.state = stateSuccess
		return m, nil

	case MsgFatal:
		m.errMsg = api.UserMessage(msg.Err)
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	return tea.NewView(m.render())
}

func (m Model) render() string {
	switch m.state {
	case stateSuccess:
		return m.viewSuccess()
	case stateError:
		return m.viewError()
	default:
		return m.viewMain()
	}
}

func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	title := "  Budget CLI  "
	if m.server != "" {
		title = "  Budget CLI · " + m.server + "  "
	}
	b.WriteString(styleTitleBox.Render(title))
	b.WriteString("\n\n")

	b.WriteString(m.spinner.View())
	switch m.state {
	case stateLoggingIn:
		b.WriteString(" Logging in...\n")
	case stateRefreshing:
		b.WriteString(" Refreshing access token...\n")
	case stateLoading:
		b.WriteString(" " + m.loading + "\n")
	default:
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleOK.Render("  ✓ " + m.summary))
	b.WriteString(styleDim.Render("  " + formatDuration(m.elapsed)))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Command failed"))
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

func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
}

// formatDuration formats a duration as "Xm Ys", "Xs" or "Xms".
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	d = d.Round(time.Second)
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
