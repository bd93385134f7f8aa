package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/puyokura/dashchat/model"
)

var (
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type userRecord struct {
	model.User
	PasswordHash string `json:"passwordHash"`
}

// Users is a bcrypt user directory persisted as a JSON file. An empty path
// keeps it in memory.
type Users struct {
	mu     sync.RWMutex
	byName map[string]*userRecord
	nextID int64
	path   string
	cost   int
}

func NewUsers(path string) *Users {
	return &Users{
		byName: make(map[string]*userRecord),
		nextID: 1,
		path:   path,
		cost:   bcrypt.DefaultCost,
	}
}

// Load reads the user file if it exists.
func (u *Users) Load() error {
	if u.path == "" {
		return nil
	}
	data, err := os.ReadFile(u.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read users: %w", err)
	}
	var list []*userRecord
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("decode users: %w", err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	for _, r := range list {
		u.byName[r.Username] = r
		if r.ID >= u.nextID {
			u.nextID = r.ID + 1
		}
	}
	return nil
}

// Register creates a user. Roles are optional.
func (u *Users) Register(username, password string, roles ...string) (*model.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), u.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if _, exists := u.byName[username]; exists {
		return nil, ErrUserExists
	}
	rec := &userRecord{
		User:         model.User{ID: u.nextID, Username: username, Roles: slices.Clone(roles)},
		PasswordHash: string(hash),
	}
	u.byName[username] = rec
	u.nextID++

	if err := u.saveLocked(); err != nil {
		delete(u.byName, username)
		u.nextID--
		return nil, err
	}
	return rec.User.Clone(), nil
}

// Authenticate checks a password. Unknown users and wrong passwords are
// indistinguishable.
func (u *Users) Authenticate(username, password string) (*model.User, error) {
	u.mu.RLock()
	rec, ok := u.byName[username]
	u.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return rec.User.Clone(), nil
}

func (u *Users) Lookup(username string) (*model.User, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	rec, ok := u.byName[username]
	if !ok {
		return nil, false
	}
	return rec.User.Clone(), true
}

func (u *Users) saveLocked() error {
	if u.path == "" {
		return nil
	}
	list := make([]*userRecord, 0, len(u.byName))
	for _, r := range u.byName {
		list = append(list, r)
	}
	slices.SortFunc(list, func(a, b *userRecord) int { return int(a.ID - b.ID) })
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encode users: %w", err)
	}
	if err := os.WriteFile(u.path, data, 0o600); err != nil {
		return fmt.Errorf("write users: %w", err)
	}
	return nil
}
