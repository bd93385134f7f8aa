package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/puyokura/dashchat/apperrors"
	"github.com/puyokura/dashchat/logger"
	"github.com/puyokura/dashchat/model"
)

var allKeys = []string{KeyAccessToken, KeyRefreshToken, KeyUser}

// Store is the CredentialStore: the single shared mutable session resource.
// Readers get a consistent snapshot without locking; writers are serialized
// and always replace the whole triple.
type Store struct {
	kv     KV
	logger *slog.Logger

	mu      sync.Mutex
	current atomic.Pointer[model.Credentials]

	obsMu     sync.Mutex
	nextObsID int
	observers map[int]func(model.Credentials)
}

// NewStore creates an empty store backed by kv. Call Load to pick up
// credentials persisted by a previous run.
func NewStore(kv KV, log *slog.Logger) *Store {
	if kv == nil {
		kv = NewMemoryKV()
	}
	s := &Store{
		kv:        kv,
		logger:    logger.OrDefault(log).With(slog.String("component", "credential_store")),
		observers: make(map[int]func(model.Credentials)),
	}
	s.current.Store(&model.Credentials{})
	return s
}

// Get returns a copy of the current credentials.
func (s *Store) Get() model.Credentials {
	return s.current.Load().Clone()
}

// Set validates and persists creds, then makes them current. A malformed
// access token is rejected and the previous state is kept.
func (s *Store) Set(ctx context.Context, creds model.Credentials) error {
	_, err := s.swap(ctx, creds, nil)
	return err
}

// SetIf is Set guarded by pred, evaluated against the current credentials
// under the writer lock. It reports whether the write happened.
func (s *Store) SetIf(ctx context.Context, creds model.Credentials, pred func(model.Credentials) bool) (bool, error) {
	return s.swap(ctx, creds, pred)
}

func (s *Store) swap(ctx context.Context, creds model.Credentials, pred func(model.Credentials) bool) (bool, error) {
	if creds.AccessToken != "" && !model.WellFormedToken(creds.AccessToken) {
		err := apperrors.MalformedToken("refusing to persist access token without header.payload.signature shape")
		s.logger.WarnContext(ctx, "credential set rejected", slog.String("error", err.Error()))
		return false, err
	}
	creds = creds.Clone()

	s.mu.Lock()
	if pred != nil && !pred(*s.current.Load()) {
		s.mu.Unlock()
		return false, nil
	}
	if err := s.persist(ctx, creds); err != nil {
		s.mu.Unlock()
		return false, err
	}
	s.current.Store(&creds)
	s.mu.Unlock()

	s.notify(creds)
	return true, nil
}

// Clear drops all credentials. The in-memory state is cleared even if the
// persistent backend fails; that failure is returned for logging.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.Take(ctx)
	return err
}

// Take clears the store and returns what it held. Concurrent callers are
// serialized, so exactly one of them observes a non-empty result.
func (s *Store) Take(ctx context.Context) (model.Credentials, error) {
	s.mu.Lock()
	prev := *s.current.Load()
	s.current.Store(&model.Credentials{})
	err := s.kv.Apply(ctx, nil, allKeys)
	s.mu.Unlock()

	s.notify(model.Credentials{})
	if err != nil {
		return prev, fmt.Errorf("clear persisted credentials: %w", err)
	}
	return prev, nil
}

// Load re-reads persisted credentials. Entries that fail validation are
// discarded and the store starts unauthenticated. Writers wait for the whole
// load, so a concurrent Set is never overwritten by older persisted values.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	creds, err := s.loadLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.current.Store(&creds)
	s.mu.Unlock()

	s.notify(creds)
	return nil
}

// must be called with s.mu held
func (s *Store) loadLocked(ctx context.Context) (model.Credentials, error) {
	access, _, err := s.kv.Get(ctx, KeyAccessToken)
	if err != nil {
		return model.Credentials{}, fmt.Errorf("load access token: %w", err)
	}
	refresh, _, err := s.kv.Get(ctx, KeyRefreshToken)
	if err != nil {
		return model.Credentials{}, fmt.Errorf("load refresh token: %w", err)
	}
	rawUser, hasUser, err := s.kv.Get(ctx, KeyUser)
	if err != nil {
		return model.Credentials{}, fmt.Errorf("load user: %w", err)
	}

	creds := model.Credentials{AccessToken: access, RefreshToken: refresh}
	if hasUser {
		var u model.User
		if err := json.Unmarshal([]byte(rawUser), &u); err != nil {
			s.logger.WarnContext(ctx, "discarding unreadable persisted user", slog.String("error", err.Error()))
		} else if user, err := model.NewUser(u); err != nil {
			s.logger.WarnContext(ctx, "discarding invalid persisted user", slog.String("error", err.Error()))
		} else {
			creds.User = user
		}
	}
	if creds.AccessToken != "" && !model.WellFormedToken(creds.AccessToken) {
		s.logger.WarnContext(ctx, "discarding malformed persisted access token")
		creds = model.Credentials{}
	}
	return creds, nil
}

// OnChange registers fn to be called with every new credential snapshot.
// The returned func unregisters it.
func (s *Store) OnChange(fn func(model.Credentials)) func() {
	s.obsMu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Store) notify(creds model.Credentials) {
	s.obsMu.Lock()
	fns := make([]func(model.Credentials), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		fn(creds.Clone())
	}
}

func (s *Store) persist(ctx context.Context, creds model.Credentials) error {
	set := make(map[string]string, 3)
	var del []string

	if creds.AccessToken != "" {
		set[KeyAccessToken] = creds.AccessToken
	} else {
		del = append(del, KeyAccessToken)
	}
	if creds.RefreshToken != "" {
		set[KeyRefreshToken] = creds.RefreshToken
	} else {
		del = append(del, KeyRefreshToken)
	}
	if creds.User != nil {
		raw, err := json.Marshal(creds.User)
		if err != nil {
			return fmt.Errorf("encode user: %w", err)
		}
		set[KeyUser] = string(raw)
	} else {
		del = append(del, KeyUser)
	}

	if err := s.kv.Apply(ctx, set, del); err != nil {
		return fmt.Errorf("persist credentials: %w", err)
	}
	return nil
}
