package tui

import (
	"io"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/router-for-me/easycli/internal/management"
	"github.com/router-for-me/easycli/internal/oauth"
)

// App is the root bubbletea model.
type App struct {
	login  loginTabModel
	source management.ConnectionSource

	width  int
	height int
	ready  bool
}

// NewApp creates the root TUI application model.
func NewApp(orchestrator *oauth.Orchestrator, source management.ConnectionSource) App {
	return App{
		login:  newLoginTabModel(orchestrator),
		source: source,
	}
}

func (a App) Init() tea.Cmd {
	return a.login.Init()
}

func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.ready = true
		contentH := a.height - 2 // status bar
		if contentH < 1 {
			contentH = 1
		}
		a.login.SetSize(a.width, contentH)
		return a, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit
		case "q":
			if !a.login.editing {
				return a, tea.Quit
			}
		}
	}

	var cmd tea.Cmd
	a.login, cmd = a.login.Update(msg)
	return a, cmd
}

func (a App) View() string {
	if !a.ready {
		return "Initializing..."
	}

	var sb strings.Builder
	sb.WriteString(a.login.View())
	sb.WriteString("\n")
	sb.WriteString(a.renderStatusBar())
	return sb.String()
}

func (a App) renderStatusBar() string {
	left := a.connectionLabel()
	right := "EasyCLI"

	width := a.width
	if width < 1 {
		width = 1
	}
	contentWidth := width - 2
	if contentWidth < 0 {
		contentWidth = 0
	}
	if lipgloss.Width(left) > contentWidth {
		left = fitStringWidth(left, contentWidth)
		right = ""
	}
	gap := contentWidth - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 0 {
		gap = 0
	}
	return statusBarStyle.Width(width).Render(left + strings.Repeat(" ", gap) + right)
}

func (a App) connectionLabel() string {
	conn, err := a.source.Connection()
	if err != nil {
		return "backend: unavailable (" + err.Error() + ")"
	}
	return conn.Mode.String() + " " + conn.BaseURL
}

func fitStringWidth(text string, maxWidth int) string {
	if maxWidth <= 0 {
		return ""
	}
	if lipgloss.Width(text) <= maxWidth {
		return text
	}
	out := ""
	for _, r := range text {
		next := out + string(r)
		if lipgloss.Width(next) > maxWidth {
			break
		}
		out = next
	}
	return out
}

// Run starts the TUI application.
// output specifies where bubbletea renders. If nil, defaults to os.Stdout.
func Run(orchestrator *oauth.Orchestrator, source management.ConnectionSource, output io.Writer) error {
	if output == nil {
		output = os.Stdout
	}
	app := NewApp(orchestrator, source)
	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithOutput(output))
	_, err := p.Run()
	return err
}
