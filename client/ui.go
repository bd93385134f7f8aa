package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/puyokura/dashchat/apperrors"
	"github.com/puyokura/dashchat/model"
)

const commandTimeout = 15 * time.Second

// chatClient is the slice of chat.Client the UI drives.
type chatClient interface {
	Login(ctx context.Context, username, password string) (model.Credentials, error)
	Logout(ctx context.Context)
	Start(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Send(ctx context.Context, text string) error
	Delete(ctx context.Context, id int64) error
	LoadPage(ctx context.Context, page int) (int, error)
	CurrentUser() *model.User
	IsAuthenticated() bool
}

type (
	timelineMsg   []model.ChatMessage
	stateMsg      model.ConnectionState
	terminatedMsg struct{ err error }
	noticeMsg     string
	errMsg        struct{ err error }
	startedMsg    struct{}
	pageMsg       struct{ page, total int }
)

var (
	borderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#505050"))
	noticeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0A0A0")).Italic(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F"))
	selfStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FD7FF")).Bold(true)
	senderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#D7AF5F"))
	statusStyles = map[model.ConnectionState]lipgloss.Style{
		model.Connected:    lipgloss.NewStyle().Foreground(lipgloss.Color("#5FFF87")),
		model.Connecting:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD75F")),
		model.Degraded:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FF875F")),
		model.Disconnected: lipgloss.NewStyle().Foreground(lipgloss.Color("#808080")),
	}
)

type modelState struct {
	client    chatClient
	viewport  viewport.Model
	textInput textinput.Model
	timeline  []model.ChatMessage
	notices   []string
	state     model.ConnectionState
	nextPage  int
	ready     bool
}

func initialModel(c chatClient) modelState {
	ti := textinput.New()
	ti.Placeholder = "Type a message or /help"
	ti.Focus()
	ti.CharLimit = 1000
	ti.Width = 20

	return modelState{
		client:    c,
		textInput: ti,
		nextPage:  1,
		notices:   []string{"Type /login <user> <password> to sign in."},
	}
}

func (m modelState) Init() tea.Cmd {
	if m.client.IsAuthenticated() {
		return tea.Batch(textinput.Blink, m.start())
	}
	return textinput.Blink
}

func (m modelState) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			content := strings.TrimSpace(m.textInput.Value())
			m.textInput.SetValue("")
			if content == "" {
				return m, nil
			}
			if strings.HasPrefix(content, "/") {
				return m.command(content)
			}
			return m, m.send(content)
		}

	case tea.WindowSizeMsg:
		headerHeight := 1
		footerHeight := 2
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - footerHeight
		}
		m.textInput.Width = msg.Width
		m.refresh()

	case timelineMsg:
		m.timeline = msg
		m.refresh()
		return m, nil

	case stateMsg:
		m.state = model.ConnectionState(msg)
		return m, nil

	case startedMsg:
		m.notice("Connected as " + m.username() + ".")
		return m, nil

	case pageMsg:
		if msg.page+1 >= msg.total {
			m.notice("No older messages.")
		}
		m.nextPage = msg.page + 1
		return m, nil

	case terminatedMsg:
		m.nextPage = 1
		m.notice("Session ended: " + msg.err.Error() + ". Please /login again.")
		return m, nil

	case noticeMsg:
		m.notice(string(msg))
		return m, nil

	case errMsg:
		m.notice(errorStyle.Render("Error: " + describe(msg.err)))
		return m, nil
	}

	m.textInput, tiCmd = m.textInput.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	return m, tea.Batch(tiCmd, vpCmd)
}

func (m modelState) command(line string) (tea.Model, tea.Cmd) {
	parts := strings.Fields(line)
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "/help":
		m.notice("Commands: /login <user> <pass>, /logout, /delete <id>, /more, /reconnect, /quit")
	case "/quit":
		return m, tea.Quit
	case "/login":
		if len(args) != 2 {
			m.notice("Usage: /login <username> <password>")
			return m, nil
		}
		return m, m.login(args[0], args[1])
	case "/logout":
		c := m.client
		m.nextPage = 1
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			c.Logout(ctx)
			return noticeMsg("Logged out.")
		}
	case "/delete":
		if len(args) != 1 {
			m.notice("Usage: /delete <id>")
			return m, nil
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			m.notice("Usage: /delete <id>")
			return m, nil
		}
		c := m.client
		return m, runCmd(func(ctx context.Context) (tea.Msg, error) {
			return noticeMsg(fmt.Sprintf("Deleted #%d.", id)), c.Delete(ctx, id)
		})
	case "/more":
		c, page := m.client, m.nextPage
		return m, runCmd(func(ctx context.Context) (tea.Msg, error) {
			total, err := c.LoadPage(ctx, page)
			return pageMsg{page: page, total: total}, err
		})
	case "/reconnect":
		c := m.client
		return m, runCmd(func(ctx context.Context) (tea.Msg, error) {
			return noticeMsg("Reconnected."), c.Reconnect(ctx)
		})
	default:
		m.notice("Unknown command: " + cmd)
	}
	return m, nil
}

func (m modelState) login(username, password string) tea.Cmd {
	c := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if _, err := c.Login(ctx, username, password); err != nil {
			return errMsg{err}
		}
		if err := c.Start(ctx); err != nil {
			return errMsg{err}
		}
		return startedMsg{}
	}
}

func (m modelState) start() tea.Cmd {
	c := m.client
	return runCmd(func(ctx context.Context) (tea.Msg, error) {
		return startedMsg{}, c.Start(ctx)
	})
}

func (m modelState) send(text string) tea.Cmd {
	c := m.client
	return runCmd(func(ctx context.Context) (tea.Msg, error) {
		return nil, c.Send(ctx, text)
	})
}

// runCmd executes fn off the update loop with a bounded context.
func runCmd(fn func(ctx context.Context) (tea.Msg, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		msg, err := fn(ctx)
		if err != nil {
			return errMsg{err}
		}
		return msg
	}
}

func describe(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrInvalidCredentials):
		return "wrong username or password"
	case errors.Is(err, apperrors.ErrUnauthenticated):
		return "not signed in"
	case errors.Is(err, apperrors.ErrForbidden):
		return "not allowed"
	case errors.Is(err, apperrors.ErrNetwork):
		return "server unreachable"
	}
	return err.Error()
}

func (m *modelState) notice(text string) {
	m.notices = append(m.notices, text)
	if len(m.notices) > 5 {
		m.notices = m.notices[len(m.notices)-5:]
	}
	m.refresh()
}

func (m *modelState) username() string {
	if u := m.client.CurrentUser(); u != nil {
		return u.Username
	}
	return ""
}

func (m *modelState) refresh() {
	if !m.ready {
		return
	}
	self := m.username()
	var b strings.Builder
	for _, msg := range m.timeline {
		b.WriteString(formatMessage(msg, self, m.viewport.Width))
	}
	for _, n := range m.notices {
		b.WriteString(noticeStyle.Render(n))
		b.WriteString("\n")
	}
	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m modelState) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}
	return fmt.Sprintf("%s\n%s\n%s\n%s",
		m.statusLine(),
		m.viewport.View(),
		borderStyle.Render(strings.Repeat("─", m.viewport.Width)),
		m.textInput.View(),
	)
}

func (m modelState) statusLine() string {
	who := "signed out"
	if name := m.username(); name != "" {
		who = name
	}
	style, ok := statusStyles[m.state]
	if !ok {
		style = lipgloss.NewStyle()
	}
	return fmt.Sprintf("dashchat │ %s │ %s", who, style.Render(m.state.String()))
}

// formatMessage renders "│ time │ sender │ #id │ text", wrapping text under
// its own column.
func formatMessage(msg model.ChatMessage, self string, width int) string {
	if width < 50 {
		width = 80
	}
	vLine := borderStyle.Render("│")

	sender := msg.SenderUsername
	if len([]rune(sender)) > 15 {
		sender = string([]rune(sender)[:15])
	}
	padded := fmt.Sprintf("%-15s", sender)
	if sender == self {
		padded = selfStyle.Render(padded)
	} else {
		padded = senderStyle.Render(padded)
	}
	id := fmt.Sprintf("#%-7d", msg.ID)

	prefix := fmt.Sprintf("%s %s %s %s %s %s %s ", vLine, msg.Timestamp.Local().Format("15:04"), vLine, padded, vLine, id, vLine)
	prefixWidth := lipgloss.Width(prefix)

	msgWidth := max(width-prefixWidth, 10)
	wrapped := lipgloss.NewStyle().Width(msgWidth).Render(msg.Text)
	lines := strings.Split(wrapped, "\n")

	emptyPrefix := fmt.Sprintf("%s %s %s %s %s %s %s ",
		vLine, strings.Repeat(" ", 5),
		vLine, strings.Repeat(" ", 15),
		vLine, strings.Repeat(" ", len(id)),
		vLine)

	var result strings.Builder
	for i, line := range lines {
		if i == 0 {
			result.WriteString(prefix)
		} else {
			result.WriteString(emptyPrefix)
		}
		result.WriteString(line)
		result.WriteString("\n")
	}
	return result.String()
}
