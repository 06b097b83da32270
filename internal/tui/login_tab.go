package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/router-for-me/easycli/internal/browser"
	"github.com/router-for-me/easycli/internal/oauth"
)

// loginRow is the per-provider display state.
type loginRow struct {
	session *oauth.Session
	authURL string
	status  string
	busy    bool
}

// loginTabModel drives interactive provider logins.
type loginTabModel struct {
	orchestrator *oauth.Orchestrator
	providers    []oauth.Provider
	rows         map[string]*loginRow
	projects     map[string]string

	viewport viewport.Model
	spinner  spinner.Model
	cursor   int
	width    int
	height   int
	ready    bool
	notice   string

	// Project ID editing state
	editing      bool
	editInput    textinput.Model
	editProvider string
}

type loginStartedMsg struct {
	providerID string
	session    *oauth.Session
	err        error
}

type loginDoneMsg struct {
	providerID string
	result     oauth.Result
}

type loginNoticeMsg struct {
	text string
	err  error
}

func newLoginTabModel(orchestrator *oauth.Orchestrator) loginTabModel {
	ti := textinput.New()
	ti.CharLimit = 128
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(colorPrimary)

	providers := oauth.Providers()
	rows := make(map[string]*loginRow, len(providers))
	for _, p := range providers {
		rows[p.ID] = &loginRow{}
	}
	return loginTabModel{
		orchestrator: orchestrator,
		providers:    providers,
		rows:         rows,
		projects:     make(map[string]string),
		spinner:      sp,
		editInput:    ti,
	}
}

func (m loginTabModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m loginTabModel) Update(msg tea.Msg) (loginTabModel, tea.Cmd) {
	switch msg := msg.(type) {
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		m.viewport.SetContent(m.renderContent())
		return m, cmd

	case loginStartedMsg:
		row := m.rows[msg.providerID]
		if row == nil {
			return m, nil
		}
		if msg.err != nil {
			row.busy = false
			row.status = errorStyle.Render("✗ " + msg.err.Error())
			m.viewport.SetContent(m.renderContent())
			return m, nil
		}
		row.session = msg.session
		row.authURL = msg.session.AuthURL()
		row.status = warningStyle.Render("waiting for browser authorization...")
		m.viewport.SetContent(m.renderContent())
		url := row.authURL
		openCmd := func() tea.Msg {
			if err := browser.OpenURL(url); err != nil {
				return loginNoticeMsg{err: fmt.Errorf("could not open browser, press c to copy the URL")}
			}
			return nil
		}
		return m, tea.Batch(waitForResult(msg.providerID, msg.session), openCmd)

	case loginDoneMsg:
		row := m.rows[msg.providerID]
		if row == nil {
			return m, nil
		}
		row.busy = false
		row.session = nil
		switch msg.result.Outcome {
		case oauth.OutcomeSuccess:
			row.status = successStyle.Render("✓ authenticated")
		case oauth.OutcomeCancelled:
			row.status = subtitleStyle.Render("cancelled")
		default:
			row.status = errorStyle.Render("✗ " + msg.result.Err.Error())
		}
		m.viewport.SetContent(m.renderContent())
		return m, nil

	case loginNoticeMsg:
		if msg.err != nil {
			m.notice = errorStyle.Render("✗ " + msg.err.Error())
		} else {
			m.notice = successStyle.Render("✓ " + msg.text)
		}
		m.viewport.SetContent(m.renderContent())
		return m, nil

	case tea.KeyMsg:
		if m.editing {
			return m.handleEditInput(msg)
		}
		return m.handleNormalInput(msg)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m loginTabModel) handleNormalInput(msg tea.KeyMsg) (loginTabModel, tea.Cmd) {
	switch msg.String() {
	case "j", "down":
		m.cursor = (m.cursor + 1) % len(m.providers)
		m.viewport.SetContent(m.renderContent())
		return m, nil
	case "k", "up":
		m.cursor = (m.cursor - 1 + len(m.providers)) % len(m.providers)
		m.viewport.SetContent(m.renderContent())
		return m, nil
	case "enter":
		provider := m.providers[m.cursor]
		row := m.rows[provider.ID]
		if row.busy {
			m.notice = warningStyle.Render("login already in progress for " + provider.DisplayName)
			m.viewport.SetContent(m.renderContent())
			return m, nil
		}
		row.busy = true
		row.authURL = ""
		row.status = warningStyle.Render("requesting authorization URL...")
		m.notice = ""
		m.viewport.SetContent(m.renderContent())
		return m, m.startLogin(provider)
	case "esc":
		provider := m.providers[m.cursor]
		if m.rows[provider.ID].busy {
			m.orchestrator.Cancel(provider.ID)
		}
		return m, nil
	case "o":
		row := m.rows[m.providers[m.cursor].ID]
		if row.authURL == "" {
			return m, nil
		}
		url := row.authURL
		return m, func() tea.Msg {
			if err := browser.OpenURL(url); err != nil {
				return loginNoticeMsg{err: err}
			}
			return loginNoticeMsg{text: "opened in browser"}
		}
	case "c":
		row := m.rows[m.providers[m.cursor].ID]
		if row.authURL == "" {
			return m, nil
		}
		url := row.authURL
		return m, func() tea.Msg {
			if err := clipboard.WriteAll(url); err != nil {
				return loginNoticeMsg{err: err}
			}
			return loginNoticeMsg{text: "URL copied to clipboard"}
		}
	case "p":
		provider := m.providers[m.cursor]
		if !provider.SupportsProject {
			return m, nil
		}
		m.editing = true
		m.editProvider = provider.ID
		m.editInput.SetValue(m.projects[provider.ID])
		m.editInput.Prompt = "  Project ID: "
		m.editInput.Focus()
		m.viewport.SetContent(m.renderContent())
		return m, textinput.Blink
	default:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}
}

func (m loginTabModel) handleEditInput(msg tea.KeyMsg) (loginTabModel, tea.Cmd) {
	switch msg.String() {
	case "enter":
		m.projects[m.editProvider] = strings.TrimSpace(m.editInput.Value())
		m.editing = false
		m.editInput.Blur()
		m.viewport.SetContent(m.renderContent())
		return m, nil
	case "esc":
		m.editing = false
		m.editInput.Blur()
		m.viewport.SetContent(m.renderContent())
		return m, nil
	default:
		var cmd tea.Cmd
		m.editInput, cmd = m.editInput.Update(msg)
		m.viewport.SetContent(m.renderContent())
		return m, cmd
	}
}

func (m loginTabModel) startLogin(provider oauth.Provider) tea.Cmd {
	projectID := m.projects[provider.ID]
	return func() tea.Msg {
		session, err := m.orchestrator.Start(context.Background(), provider.ID, oauth.StartOptions{ProjectID: projectID})
		if err != nil {
			return loginStartedMsg{providerID: provider.ID, err: err}
		}
		return loginStartedMsg{providerID: provider.ID, session: session}
	}
}

// waitForResult blocks on the session's terminal result and forwards it as a
// message.
func waitForResult(providerID string, session *oauth.Session) tea.Cmd {
	return func() tea.Msg {
		<-session.Done()
		return loginDoneMsg{providerID: providerID, result: session.Result()}
	}
}

func (m *loginTabModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.editInput.Width = w - 20
	if !m.ready {
		m.viewport = viewport.New(w, h)
		m.viewport.SetContent(m.renderContent())
		m.ready = true
	} else {
		m.viewport.Width = w
		m.viewport.Height = h
	}
}

func (m loginTabModel) View() string {
	if !m.ready {
		return "Loading..."
	}
	return m.viewport.View()
}

func (m loginTabModel) renderContent() string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render("Provider Login"))
	sb.WriteString("\n")
	sb.WriteString(helpStyle.Render("↑/↓: select • enter: login • esc: cancel • o: open URL • c: copy URL"))
	sb.WriteString("\n")
	sb.WriteString(helpStyle.Render("p: set project ID (Gemini CLI) • q: quit"))
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("─", max(m.width, 1)))
	sb.WriteString("\n")

	for i, p := range m.providers {
		row := m.rows[p.ID]

		cursor := "  "
		rowStyle := lipgloss.NewStyle()
		if i == m.cursor {
			cursor = "▸ "
			rowStyle = lipgloss.NewStyle().Bold(true)
		}

		marker := "  "
		if row.busy {
			marker = m.spinner.View()
		}

		port := ""
		if p.NeedsRedirector() {
			port = fmt.Sprintf(":%d", p.CallbackPort)
		}
		line := fmt.Sprintf("%s%s %-14s %-6s", cursor, marker, p.DisplayName, port)
		sb.WriteString(rowStyle.Render(line))
		if row.status != "" {
			sb.WriteString("  ")
			sb.WriteString(row.status)
		}
		sb.WriteString("\n")

		if p.SupportsProject {
			if m.editing && m.editProvider == p.ID {
				sb.WriteString(m.editInput.View())
				sb.WriteString("\n")
				sb.WriteString(helpStyle.Render("    enter: save • esc: cancel"))
				sb.WriteString("\n")
			} else if project := m.projects[p.ID]; project != "" {
				sb.WriteString(subtitleStyle.Render("      project: " + project))
				sb.WriteString("\n")
			}
		}

		if row.busy && row.authURL != "" && i == m.cursor {
			sb.WriteString(infoStyle.Render("      " + truncate(row.authURL, max(m.width-8, 16))))
			sb.WriteString("\n")
		}
	}

	if m.notice != "" {
		sb.WriteString("\n")
		sb.WriteString(m.notice)
		sb.WriteString("\n")
	}

	return sb.String()
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
