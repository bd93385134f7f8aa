package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWellFormedToken(t *testing.T) {
	tests := []struct {
		token string
		want  bool
	}{
		{"h.p.s", true},
		{"eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxIn0.sig", true},
		{"", false},
		{"opaque", false},
		{"h.p", false},
		{"h..s", false},
		{"h.p.s.x", false},
		{"h.p .s", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, WellFormedToken(tt.token), "token %q", tt.token)
	}
}

func TestCredentials_Authenticated(t *testing.T) {
	user := &User{ID: 1, Username: "alice"}

	assert.True(t, Credentials{AccessToken: "h.p.s", User: user}.Authenticated())
	assert.False(t, Credentials{AccessToken: "h.p.s"}.Authenticated(), "token without user")
	assert.False(t, Credentials{User: user}.Authenticated(), "user without token")
	assert.False(t, Credentials{AccessToken: "bad", User: user}.Authenticated(), "malformed token")
	assert.False(t, Credentials{}.Authenticated())
}

func TestCredentials_CloneIsDeep(t *testing.T) {
	orig := Credentials{AccessToken: "h.p.s", User: &User{ID: 1, Username: "alice", Roles: []string{"user"}}}
	cp := orig.Clone()
	cp.User.Roles[0] = "admin"
	cp.User.Username = "mallory"

	assert.Equal(t, "alice", orig.User.Username)
	assert.Equal(t, []string{"user"}, orig.User.Roles)
}

func TestNewUser(t *testing.T) {
	u, err := NewUser(User{ID: 7, Username: " bob ", Email: "bob@example.com", Roles: []string{"admin"}})
	require.NoError(t, err)
	assert.Equal(t, "bob", u.Username)
	assert.True(t, u.HasRole("admin"))
	assert.False(t, u.HasRole("owner"))

	_, err = NewUser(User{ID: 0, Username: "bob"})
	assert.Error(t, err)

	_, err = NewUser(User{ID: 1, Username: ""})
	assert.Error(t, err)

	_, err = NewUser(User{ID: 1, Username: "bob", Email: "not-an-email"})
	assert.Error(t, err)
}

func TestNewChatMessage(t *testing.T) {
	ts := time.UnixMilli(100)

	m, err := NewChatMessage(ChatMessage{ID: 1, SenderUsername: "alice", Text: "hi", Timestamp: ts})
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.ID)

	_, err = NewChatMessage(ChatMessage{ID: 1, SenderUsername: "alice", Text: "hi"})
	assert.Error(t, err, "zero timestamp")

	_, err = NewChatMessage(ChatMessage{ID: 1, Text: "hi", Timestamp: ts})
	assert.Error(t, err, "missing sender")

	_, err = NewChatMessage(ChatMessage{SenderUsername: "alice", Text: "hi", Timestamp: ts})
	assert.Error(t, err, "missing id")
}

func TestLessAndCompare(t *testing.T) {
	a := ChatMessage{ID: 5, Timestamp: time.UnixMilli(100)}
	b := ChatMessage{ID: 3, Timestamp: time.UnixMilli(100)}
	c := ChatMessage{ID: 1, Timestamp: time.UnixMilli(200)}

	assert.True(t, Less(b, a), "tie broken by id")
	assert.False(t, Less(a, b))
	assert.True(t, Less(a, c), "timestamp wins over id")
	assert.Equal(t, -1, Compare(b, a))
	assert.Equal(t, 1, Compare(c, a))
	assert.Equal(t, 0, Compare(a, a))
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "degraded", Degraded.String())
	assert.Equal(t, "state(9)", ConnectionState(9).String())
}

func TestNewEvent(t *testing.T) {
	ev, err := NewEvent(EventMessage, "/topic/public", SendPayload{Text: "hello"})
	require.NoError(t, err)

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"message","topic":"/topic/public","payload":{"text":"hello"}}`, string(raw))

	ev, err = NewEvent(EventSubscribe, "/topic/public", nil)
	require.NoError(t, err)
	assert.Nil(t, ev.Payload)
}
