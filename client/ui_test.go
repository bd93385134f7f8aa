package main

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puyokura/dashchat/apperrors"
	"github.com/puyokura/dashchat/model"
)

type fakeClient struct {
	user     *model.User
	sent     []string
	deleted  []int64
	pages    []int
	loginErr error
	started  int
}

func (f *fakeClient) Login(_ context.Context, username, _ string) (model.Credentials, error) {
	if f.loginErr != nil {
		return model.Credentials{}, f.loginErr
	}
	f.user = &model.User{ID: 1, Username: username}
	return model.Credentials{User: f.user}, nil
}
func (f *fakeClient) Logout(context.Context) { f.user = nil }
func (f *fakeClient) Start(context.Context) error { f.started++; return nil }
func (f *fakeClient) Reconnect(context.Context) error { return nil }
func (f *fakeClient) CurrentUser() *model.User { return f.user }
func (f *fakeClient) IsAuthenticated() bool { return f.user != nil }
func (f *fakeClient) Send(_ context.Context, text string) error {
	f.sent = append(f.sent, text)
	return nil
}
func (f *fakeClient) Delete(_ context.Context, id int64) error {
	f.deleted = append(f.deleted, id)
	return nil
}
func (f *fakeClient) LoadPage(_ context.Context, page int) (int, error) {
	f.pages = append(f.pages, page)
	return 2, nil
}

func ready(t *testing.T, c chatClient) modelState {
	t.Helper()
	next, _ := initialModel(c).Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return next.(modelState)
}

func enter(t *testing.T, m modelState, line string) (modelState, tea.Msg) {
	t.Helper()
	m.textInput.SetValue(line)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	var msg tea.Msg
	if cmd != nil {
		msg = cmd()
	}
	return next.(modelState), msg
}

func TestUI_LoginStartsClient(t *testing.T) {
	fc := &fakeClient{}
	m := ready(t, fc)

	m, msg := enter(t, m, "/login alice pw")
	assert.IsType(t, startedMsg{}, msg)
	assert.Equal(t, 1, fc.started)

	next, _ := m.Update(msg)
	m = next.(modelState)
	assert.Contains(t, m.notices[len(m.notices)-1], "Connected as alice")
}

func TestUI_LoginFailureIsReported(t *testing.T) {
	fc := &fakeClient{loginErr: apperrors.InvalidCredentials("nope")}
	m := ready(t, fc)

	m, msg := enter(t, m, "/login alice bad")
	require.IsType(t, errMsg{}, msg)
	next, _ := m.Update(msg)
	m = next.(modelState)
	assert.Contains(t, m.notices[len(m.notices)-1], "wrong username or password")
	assert.Equal(t, 0, fc.started)
}

func TestUI_PlainTextSends(t *testing.T) {
	fc := &fakeClient{user: &model.User{ID: 1, Username: "alice"}}
	m := ready(t, fc)

	_, msg := enter(t, m, "  hello  ")
	assert.Nil(t, msg)
	assert.Equal(t, []string{"hello"}, fc.sent)
}

func TestUI_Commands(t *testing.T) {
	fc := &fakeClient{user: &model.User{ID: 1, Username: "alice"}}
	m := ready(t, fc)

	m, msg := enter(t, m, "/delete 7")
	assert.Equal(t, noticeMsg("Deleted #7."), msg)
	assert.Equal(t, []int64{7}, fc.deleted)

	m, _ = enter(t, m, "/delete x")
	assert.Contains(t, m.notices[len(m.notices)-1], "Usage")

	m, msg = enter(t, m, "/more")
	assert.Equal(t, pageMsg{page: 1, total: 2}, msg)
	next, _ := m.Update(msg)
	m = next.(modelState)
	assert.Equal(t, 2, m.nextPage)
	assert.Contains(t, m.notices[len(m.notices)-1], "No older messages")

	m, msg = enter(t, m, "/logout")
	assert.Equal(t, noticeMsg("Logged out."), msg)
	assert.Nil(t, fc.user)

	_, msg = enter(t, m, "/quit")
	assert.IsType(t, tea.QuitMsg{}, msg)
}

func TestUI_TimelineAndState(t *testing.T) {
	fc := &fakeClient{user: &model.User{ID: 1, Username: "alice"}}
	m := ready(t, fc)

	next, _ := m.Update(timelineMsg{{ID: 3, SenderUsername: "bob", Text: "yo", Timestamp: time.Now()}})
	m = next.(modelState)
	next, _ = m.Update(stateMsg(model.Degraded))
	m = next.(modelState)

	view := m.View()
	assert.Contains(t, view, "#3")
	assert.Contains(t, view, "yo")
	assert.Contains(t, view, "degraded")
	assert.Contains(t, view, "alice")
}

func TestFormatMessage_Wraps(t *testing.T) {
	long := strings.Repeat("word ", 40)
	out := formatMessage(model.ChatMessage{ID: 12, SenderUsername: "bob", Text: long, Timestamp: time.Now()}, "alice", 80)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Greater(t, len(lines), 1)
	for _, l := range lines {
		assert.LessOrEqual(t, lipgloss.Width(l), 80)
	}
	assert.Contains(t, lines[0], "#12")
}
