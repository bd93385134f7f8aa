package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// User is the authenticated-user descriptor returned by signin/refresh.
// It is a snapshot: replaced wholesale on re-login, never patched.
type User struct {
	ID        int64    `json:"id" validate:"gt=0"`
	Username  string   `json:"username" validate:"required"`
	Email     string   `json:"email,omitempty" validate:"omitempty,email"`
	Roles     []string `json:"roles,omitempty"`
	FirstName string   `json:"firstName,omitempty"`
	LastName  string   `json:"lastName,omitempty"`
	AvatarURL string   `json:"avatarUrl,omitempty"`
}

// NewUser validates a decoded user payload.
func NewUser(u User) (*User, error) {
	u.Username = strings.TrimSpace(u.Username)
	if err := validate.Struct(u); err != nil {
		return nil, fmt.Errorf("invalid user: %w", err)
	}
	return u.Clone(), nil
}

// Clone returns a deep copy so callers cannot mutate a stored snapshot.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	cp := *u
	cp.Roles = slices.Clone(u.Roles)
	return &cp
}

func (u *User) HasRole(role string) bool {
	return u != nil && slices.Contains(u.Roles, role)
}

// Credentials is the unit CredentialStore persists. The zero value means
// "not authenticated".
type Credentials struct {
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	User         *User  `json:"user,omitempty"`
}

// Authenticated is true iff a well-formed access token and a user are both present.
func (c Credentials) Authenticated() bool {
	return WellFormedToken(c.AccessToken) && c.User != nil
}

// Clone deep-copies the user descriptor.
func (c Credentials) Clone() Credentials {
	c.User = c.User.Clone()
	return c
}

// WellFormedToken reports whether tok has the header.payload.signature shape.
func WellFormedToken(tok string) bool {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" || strings.ContainsAny(p, " \t\r\n") {
			return false
		}
	}
	return true
}

// ChatMessage is one entry of the chat timeline. Identity is ID; order is
// Timestamp then ID.
type ChatMessage struct {
	ID             int64     `json:"id" validate:"gt=0"`
	SenderUsername string    `json:"senderUsername" validate:"required"`
	Text           string    `json:"text" validate:"required"`
	Timestamp      time.Time `json:"timestamp" validate:"required"`
}

// NewChatMessage validates a decoded message payload.
func NewChatMessage(m ChatMessage) (ChatMessage, error) {
	if err := validate.Struct(m); err != nil {
		return ChatMessage{}, fmt.Errorf("invalid chat message: %w", err)
	}
	if m.Timestamp.IsZero() {
		return ChatMessage{}, fmt.Errorf("invalid chat message %d: timestamp is required", m.ID)
	}
	return m, nil
}

// Less orders by timestamp ascending, ties broken by id.
func Less(a, b ChatMessage) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

// Compare is Less as a three-way comparison for slices.SortFunc.
func Compare(a, b ChatMessage) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// ConnectionState is the realtime transport state.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Degraded
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventType represents the type of websocket event.
type EventType string

const (
	EventSubscribe   EventType = "subscribe"
	EventSubscribed  EventType = "subscribed"
	EventUnsubscribe EventType = "unsubscribe"
	EventJoin        EventType = "join"
	EventMessage     EventType = "message"
	EventDelete      EventType = "delete"
	EventError       EventType = "error"
)

// Event is the wrapper for websocket frames.
type Event struct {
	Type    EventType       `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an Event.
func NewEvent(t EventType, topic string, payload any) (Event, error) {
	ev := Event{Type: t, Topic: topic}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		ev.Payload = raw
	}
	return ev, nil
}

// SendPayload is published on "message" and posted to the REST send endpoint.
type SendPayload struct {
	Text string `json:"text"`
}

// JoinPayload announces presence after subscribing.
type JoinPayload struct {
	Username string `json:"username"`
}

// DeletePayload carries the id of a removed message.
type DeletePayload struct {
	ID int64 `json:"id"`
}

// ErrorPayload is sent by the server on a rejected frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// LoginPayload is the signin request body.
type LoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RefreshPayload is the refresh-token request body.
type RefreshPayload struct {
	RefreshToken string `json:"refreshToken"`
}

// SessionPayload is the signin response; refresh responses use the same
// shape with User and RefreshToken optional.
type SessionPayload struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	User         *User  `json:"user,omitempty"`
}

// HistoryPage is one page of GET history.
type HistoryPage struct {
	Content    []ChatMessage `json:"content"`
	TotalPages int           `json:"totalPages"`
}
