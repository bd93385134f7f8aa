package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puyokura/dashchat/apperrors"
	"github.com/puyokura/dashchat/model"
	"github.com/puyokura/dashchat/session"
)

// backend is a fake API: signin/refresh-token plus one protected resource
// whose accepted token the test controls.
type backend struct {
	mu          sync.Mutex
	validToken  string
	seenAuth    []string
	seenCorrIDs []string

	refreshCalls  atomic.Int32
	protectedHits atomic.Int32
	refreshGate   func()
	refreshStatus int
	protected     func(w http.ResponseWriter, r *http.Request) bool
}

func newBackend(t *testing.T) (*backend, *httptest.Server) {
	t.Helper()
	b := &backend{validToken: "h2.p2.s2", refreshStatus: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /signin", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, model.SessionPayload{
			AccessToken:  "h.p.s",
			RefreshToken: "r1",
			User:         &model.User{ID: 1, Username: "alice"},
		})
	})
	mux.HandleFunc("POST /refresh-token", func(w http.ResponseWriter, r *http.Request) {
		b.refreshCalls.Add(1)
		var p model.RefreshPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		if b.refreshGate != nil {
			b.refreshGate()
		}
		if b.refreshStatus != http.StatusOK || p.RefreshToken != "r1" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "REFRESH_INVALID"})
			return
		}
		writeJSON(w, http.StatusOK, model.SessionPayload{AccessToken: "h2.p2.s2"})
	})
	mux.HandleFunc("/protected", func(w http.ResponseWriter, r *http.Request) {
		b.protectedHits.Add(1)
		b.mu.Lock()
		b.seenAuth = append(b.seenAuth, r.Header.Get("Authorization"))
		b.seenCorrIDs = append(b.seenCorrIDs, r.Header.Get("X-Correlation-ID"))
		valid := b.validToken
		b.mu.Unlock()

		if b.protected != nil && b.protected(w, r) {
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+valid {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "TOKEN_EXPIRED", "message": "token expired"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return b, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func setup(t *testing.T) (*backend, *session.Client, *Pipeline) {
	t.Helper()
	b, srv := newBackend(t)
	sc := session.NewClient(srv.URL, 2*time.Second, session.NewStore(nil, nil), nil, nil)
	_, err := sc.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)

	sender := NewHTTPSender(nil, 2*time.Second, DefaultBreakerConfig(t.Name()), nil)
	return b, sc, New(srv.URL, sender, sc, nil)
}

func TestPipeline_RefreshesAndRetriesTransparently(t *testing.T) {
	b, sc, p := setup(t)

	var out map[string]bool
	err := p.DoJSON(context.Background(), http.MethodGet, "/protected", nil, nil, &out)
	require.NoError(t, err)
	assert.True(t, out["ok"])

	assert.Equal(t, []string{"Bearer h.p.s", "Bearer h2.p2.s2"}, b.seenAuth)
	assert.Equal(t, int32(1), b.refreshCalls.Load())
	assert.Equal(t, "h2.p2.s2", sc.AccessToken())
	require.Len(t, b.seenCorrIDs, 2)
	assert.NotEmpty(t, b.seenCorrIDs[0])
	assert.Equal(t, b.seenCorrIDs[0], b.seenCorrIDs[1], "a replay keeps its correlation id")
}

func TestPipeline_SingleFlightAcrossConcurrentRequests(t *testing.T) {
	const n = 8
	b, _, p := setup(t)
	b.refreshGate = func() {
		deadline := time.Now().Add(2 * time.Second)
		for b.protectedHits.Load() < n && time.Now().Before(deadline) {
			time.Sleep(2 * time.Millisecond)
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = p.DoJSON(context.Background(), http.MethodGet, "/protected", nil, nil, nil)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), b.refreshCalls.Load())

	retried := 0
	for _, h := range b.seenAuth {
		if h == "Bearer h2.p2.s2" {
			retried++
		}
	}
	assert.Equal(t, n, retried, "every request retried with the single refreshed token")
}

func TestPipeline_BoundedRetry(t *testing.T) {
	b, sc, p := setup(t)
	b.mu.Lock()
	b.validToken = "never.accepted.token"
	b.mu.Unlock()

	var terminations atomic.Int32
	sc.OnTerminated(func(error) { terminations.Add(1) })

	_, err := p.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/protected"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrUnauthenticated)

	assert.Equal(t, int32(2), b.protectedHits.Load(), "original plus exactly one replay")
	assert.Equal(t, int32(1), b.refreshCalls.Load())
	assert.False(t, sc.IsAuthenticated())
	assert.Equal(t, int32(1), terminations.Load())
}

func TestPipeline_RefreshFailureEndsSession(t *testing.T) {
	b, sc, p := setup(t)
	b.refreshStatus = http.StatusUnauthorized

	var reasons []error
	sc.OnTerminated(func(err error) { reasons = append(reasons, err) })

	_, err := p.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/protected"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrUnauthenticated)
	assert.ErrorIs(t, err, apperrors.ErrRefreshInvalid)
	assert.Equal(t, int32(1), b.protectedHits.Load(), "no replay without a fresh token")
	assert.False(t, sc.IsAuthenticated())
	assert.Len(t, reasons, 1)

	// Subsequent calls go out unauthenticated and are not retried forever.
	_, err = p.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/protected"})
	assert.ErrorIs(t, err, apperrors.ErrUnauthenticated)
	assert.Equal(t, "", b.seenAuth[len(b.seenAuth)-1])
}

func TestPipeline_ForbiddenNeverRefreshes(t *testing.T) {
	b, sc, p := setup(t)
	b.protected = func(w http.ResponseWriter, _ *http.Request) bool {
		writeJSON(w, http.StatusForbidden, map[string]string{"code": "FORBIDDEN", "message": "admins only"})
		return true
	}

	_, err := p.Do(context.Background(), &Request{Method: http.MethodDelete, Path: "/protected"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
	assert.Equal(t, int32(0), b.refreshCalls.Load())
	assert.True(t, sc.IsAuthenticated())
}

func TestPipeline_ForbiddenWithTokenMarkerRefreshes(t *testing.T) {
	b, _, p := setup(t)
	b.protected = func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get("Authorization") == "Bearer h.p.s" {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": map[string]string{"code": "TOKEN_EXPIRED", "message": "jwt expired"}})
			return true
		}
		return false
	}

	resp, err := p.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/protected"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, int32(1), b.refreshCalls.Load())
}

func TestPipeline_ServerErrorPassesThrough(t *testing.T) {
	b, sc, p := setup(t)
	b.protected = func(w http.ResponseWriter, _ *http.Request) bool {
		w.WriteHeader(http.StatusInternalServerError)
		return true
	}

	_, err := p.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/protected"})
	assert.ErrorIs(t, err, apperrors.ErrServer)
	assert.Equal(t, int32(0), b.refreshCalls.Load())
	assert.True(t, sc.IsAuthenticated())
}

func TestPipeline_OtherStatusesReturnResponse(t *testing.T) {
	b, _, p := setup(t)
	b.protected = func(w http.ResponseWriter, _ *http.Request) bool {
		writeJSON(w, http.StatusNotFound, map[string]string{"code": "NOT_FOUND", "message": "no such message"})
		return true
	}

	resp, err := p.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/protected"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)

	err = p.DoJSON(context.Background(), http.MethodGet, "/protected", nil, nil, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, apperrors.HTTPStatus(err))
}

func TestPipeline_NetworkError(t *testing.T) {
	_, srv := newBackend(t)
	sc := session.NewClient(srv.URL, time.Second, session.NewStore(nil, nil), nil, nil)
	_, err := sc.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	p := New(srv.URL, NewHTTPSender(nil, time.Second, DefaultBreakerConfig(t.Name()), nil), sc, nil)
	srv.Close()

	_, err = p.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/protected"})
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
	assert.True(t, sc.IsAuthenticated(), "network failure does not end the session")
}

// fakeSessions drives the pipeline without a real auth server.
type fakeSessions struct {
	mu         sync.Mutex
	token      string
	exp        time.Time
	refreshErr error
	attempts   int
	refreshed  int
	terminated []error
}

func (f *fakeSessions) AccessToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeSessions) AccessTokenExpiry() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exp, !f.exp.IsZero()
}

func (f *fakeSessions) RefreshIfStale(_ context.Context, stale string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.token != stale {
		return f.token, nil
	}
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	f.refreshed++
	f.token = "new.access.token"
	f.exp = time.Time{}
	return f.token, nil
}

func (f *fakeSessions) TerminateLocal(_ context.Context, reason error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, reason)
	f.token = ""
}

func TestPipeline_ProactiveRefreshOnExpiredToken(t *testing.T) {
	fs := &fakeSessions{token: "old.access.token", exp: time.Now().Add(-time.Minute)}
	var sent []string
	sender := SenderFunc(func(_ context.Context, req *http.Request) (*Response, error) {
		sent = append(sent, req.Header.Get("Authorization"))
		return &Response{Status: http.StatusOK, Header: http.Header{}}, nil
	})

	p := New("http://api", sender, fs, nil)
	_, err := p.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Bearer new.access.token"}, sent)
	assert.Equal(t, 1, fs.refreshed)
}

func TestPipeline_FailedProactiveRefreshIsNotRepeated(t *testing.T) {
	fs := &fakeSessions{
		token:      "old.access.token",
		exp:        time.Now().Add(-time.Minute),
		refreshErr: apperrors.Network("refresh request failed", errors.New("connection refused")),
	}
	var calls int
	sender := SenderFunc(func(_ context.Context, _ *http.Request) (*Response, error) {
		calls++
		return &Response{Status: http.StatusUnauthorized, Header: http.Header{}}, nil
	})

	p := New("http://api", sender, fs, nil)
	_, err := p.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/x"})
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
	assert.Equal(t, 1, fs.attempts)
	assert.Equal(t, 0, calls, "an expired token is never sent")
	assert.Empty(t, fs.terminated, "a network failure keeps the session")
}

func TestPipeline_RejectedAfterProactiveRefreshEndsSession(t *testing.T) {
	fs := &fakeSessions{token: "old.access.token", exp: time.Now().Add(-time.Minute)}
	var calls int
	sender := SenderFunc(func(_ context.Context, _ *http.Request) (*Response, error) {
		calls++
		return &Response{Status: http.StatusUnauthorized, Header: http.Header{}}, nil
	})

	p := New("http://api", sender, fs, nil)
	_, err := p.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/x"})
	assert.ErrorIs(t, err, apperrors.ErrUnauthenticated)
	assert.Equal(t, 1, fs.attempts, "one refresh per call")
	assert.Equal(t, 1, calls)
	assert.Len(t, fs.terminated, 1)
}

func TestPipeline_NoTokenRejectionIsNotRefreshed(t *testing.T) {
	fs := &fakeSessions{}
	sender := SenderFunc(func(_ context.Context, _ *http.Request) (*Response, error) {
		return &Response{
			Status: http.StatusUnauthorized,
			Header: http.Header{},
			Body:   []byte(`{"error":{"code":"TOKEN_REQUIRED","message":"token required"}}`),
		}, nil
	})

	p := New("http://api", sender, fs, nil)
	_, err := p.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/messages/history"})
	assert.ErrorIs(t, err, apperrors.ErrUnauthenticated)
	assert.Contains(t, err.Error(), "token required")
	assert.Equal(t, 0, fs.attempts)
	assert.Empty(t, fs.terminated)
}

func TestPipeline_NoTokenSendsUnauthenticated(t *testing.T) {
	fs := &fakeSessions{}
	var got *http.Request
	sender := SenderFunc(func(_ context.Context, req *http.Request) (*Response, error) {
		got = req
		return &Response{Status: http.StatusOK}, nil
	})

	p := New("http://api/", sender, fs, nil)
	_, err := p.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/messages/history", Query: map[string][]string{"page": {"0"}}})
	require.NoError(t, err)
	assert.Empty(t, got.Header.Get("Authorization"))
	assert.Equal(t, "http://api/messages/history?page=0", got.URL.String())
}

func TestPipeline_ReplaysBodyVerbatim(t *testing.T) {
	fs := &fakeSessions{token: "a.b.c"}
	var bodies []string
	sender := SenderFunc(func(_ context.Context, req *http.Request) (*Response, error) {
		var p model.SendPayload
		_ = json.NewDecoder(req.Body).Decode(&p)
		bodies = append(bodies, p.Text)
		if req.Header.Get("Authorization") == "Bearer a.b.c" {
			return &Response{Status: http.StatusUnauthorized}, nil
		}
		return &Response{Status: http.StatusOK, Body: []byte(`{"id":1}`)}, nil
	})

	p := New("http://api", sender, fs, nil)
	err := p.DoJSON(context.Background(), http.MethodPost, "/messages/send", nil, model.SendPayload{Text: "hello"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "hello"}, bodies)
	assert.Empty(t, fs.terminated)
}

func TestIsAuthFailure(t *testing.T) {
	tests := []struct {
		name string
		resp *Response
		want bool
	}{
		{"401", &Response{Status: 401}, true},
		{"403 plain", &Response{Status: 403, Body: []byte(`{"code":"FORBIDDEN"}`)}, false},
		{"403 token expired code", &Response{Status: 403, Body: []byte(`{"code":"TOKEN_EXPIRED"}`)}, true},
		{"403 token required message", &Response{Status: 403, Body: []byte(`{"message":"Token required"}`)}, true},
		{"403 www-authenticate", &Response{Status: 403, Header: http.Header{"Www-Authenticate": {`Bearer error="invalid_token"`}}}, true},
		{"200", &Response{Status: 200}, false},
		{"500", &Response{Status: 500}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAuthFailure(tt.resp))
		})
	}
}
