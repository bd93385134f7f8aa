package devserver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	errTokenInvalid = errors.New("token invalid")
	errTokenExpired = errors.New("token expired")
)

// Claims is the access-token payload. Version ties the token to the user's
// current session generation so signout revokes it early.
type Claims struct {
	Username string `json:"username"`
	Version  int    `json:"ver"`
	jwt.RegisteredClaims
}

type refreshEntry struct {
	username string
	expires  time.Time
}

// Tokens issues HS256 access tokens and opaque, single-use refresh tokens.
type Tokens struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time

	mu       sync.Mutex
	refresh  map[string]refreshEntry
	versions map[string]int
}

func NewTokens(secret string, accessTTL, refreshTTL time.Duration) *Tokens {
	return &Tokens{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
		refresh:    make(map[string]refreshEntry),
		versions:   make(map[string]int),
	}
}

// Issue returns a fresh access/refresh pair for username.
func (t *Tokens) Issue(username string) (access, refresh string, err error) {
	access, err = t.Access(username)
	if err != nil {
		return "", "", err
	}
	refresh = uuid.NewString()
	t.mu.Lock()
	t.refresh[refresh] = refreshEntry{username: username, expires: t.now().Add(t.refreshTTL)}
	t.mu.Unlock()
	return access, refresh, nil
}

// Access signs an access token only.
func (t *Tokens) Access(username string) (string, error) {
	t.mu.Lock()
	ver := t.versions[username]
	t.mu.Unlock()

	now := t.now().UTC()
	claims := &Claims{
		Username: username,
		Version:  ver,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.accessTTL)),
			Issuer:    "dashchat-devserver",
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Validate parses an access token and checks it against the user's session
// generation.
func (t *Tokens) Validate(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", errTokenInvalid, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errTokenInvalid
	}

	t.mu.Lock()
	ver := t.versions[claims.Username]
	t.mu.Unlock()
	if claims.Version != ver {
		return nil, fmt.Errorf("%w: revoked", errTokenInvalid)
	}
	return claims, nil
}

// Rotate consumes a refresh token and issues a new pair. Each refresh token
// works once.
func (t *Tokens) Rotate(refresh string) (username, access, next string, err error) {
	t.mu.Lock()
	entry, ok := t.refresh[refresh]
	delete(t.refresh, refresh)
	t.mu.Unlock()

	if !ok {
		return "", "", "", errTokenInvalid
	}
	if t.now().After(entry.expires) {
		return "", "", "", errTokenExpired
	}
	access, next, err = t.Issue(entry.username)
	if err != nil {
		return "", "", "", err
	}
	return entry.username, access, next, nil
}

// Revoke drops every refresh token of username and invalidates its
// outstanding access tokens.
func (t *Tokens) Revoke(username string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.versions[username]++
	for tok, e := range t.refresh {
		if e.username == username {
			delete(t.refresh, tok)
		}
	}
}
