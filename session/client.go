package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/puyokura/dashchat/apperrors"
	"github.com/puyokura/dashchat/logger"
	"github.com/puyokura/dashchat/metrics"
	"github.com/puyokura/dashchat/model"
)

const (
	signinPath  = "/signin"
	refreshPath = "/refresh-token"
	signoutPath = "/signout"

	defaultTimeout = 10 * time.Second
	maxBody        = 1 << 20
)

// Client is the SessionClient. It talks to the auth endpoints directly over
// plain HTTP; those calls never go through the interception pipeline.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	store   *Store
	logger  *slog.Logger

	flight singleflight.Group

	termMu       sync.Mutex
	onTerminated []func(error)
}

// NewClient creates a SessionClient for the auth API rooted at baseURL.
// httpClient may be nil.
func NewClient(baseURL string, timeout time.Duration, store *Store, httpClient *http.Client, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		timeout: timeout,
		store:   store,
		logger:  logger.OrDefault(log).With(slog.String("component", "session_client")),
	}
}

// Store exposes the credential store this client writes to.
func (c *Client) Store() *Store {
	return c.store
}

// Login exchanges a username and password for a session and stores it.
func (c *Client) Login(ctx context.Context, identifier, password string) (model.Credentials, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return model.Credentials{}, apperrors.InvalidCredentials("username and password are required")
	}

	status, body, err := c.post(ctx, signinPath, model.LoginPayload{Username: identifier, Password: password}, "")
	if err != nil {
		return model.Credentials{}, err
	}
	switch {
	case status == http.StatusBadRequest, status == http.StatusUnauthorized, status == http.StatusForbidden:
		return model.Credentials{}, apperrors.InvalidCredentials("invalid username or password")
	case status >= 500:
		return model.Credentials{}, apperrors.Server(status, "signin failed")
	case status < 200 || status >= 300:
		return model.Credentials{}, apperrors.FromStatus(status, body, "signin")
	}

	var payload model.SessionPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return model.Credentials{}, apperrors.Server(status, "signin returned an unreadable body")
	}
	if payload.User == nil {
		return model.Credentials{}, apperrors.Server(status, "signin response has no user")
	}
	user, err := model.NewUser(*payload.User)
	if err != nil {
		return model.Credentials{}, apperrors.Server(status, err.Error())
	}
	if !model.WellFormedToken(payload.AccessToken) {
		return model.Credentials{}, apperrors.Server(status, "signin returned a malformed access token")
	}

	creds := model.Credentials{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		User:         user,
	}
	if err := c.store.Set(ctx, creds); err != nil {
		return model.Credentials{}, err
	}
	c.logger.InfoContext(ctx, "signed in", slog.Int64("user_id", user.ID), slog.String("username", user.Username))
	return creds.Clone(), nil
}

// Refresh exchanges the stored refresh token for a new access token.
// Concurrent callers share one network exchange.
func (c *Client) Refresh(ctx context.Context) (string, error) {
	return c.RefreshIfStale(ctx, "")
}

// RefreshIfStale refreshes only if the stored access token is still stale.
// When another caller has already replaced it, the current token is
// returned without a network call. An empty stale token forces a refresh.
func (c *Client) RefreshIfStale(ctx context.Context, stale string) (string, error) {
	if tok, ok := c.alreadyRefreshed(stale); ok {
		return tok, nil
	}

	// The flight outlives any single caller: one caller giving up must not
	// fail the others waiting on the same result.
	ch := c.flight.DoChan("refresh", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.exchange(fctx, stale)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", apperrors.Network("refresh abandoned", ctx.Err())
	}
}

func (c *Client) alreadyRefreshed(stale string) (string, bool) {
	if stale == "" {
		return "", false
	}
	cur := c.store.Get().AccessToken
	if cur != "" && cur != stale {
		metrics.RefreshTotal.WithLabelValues(metrics.OutcomeSkipped).Inc()
		return cur, true
	}
	return "", false
}

func (c *Client) exchange(ctx context.Context, stale string) (string, error) {
	if tok, ok := c.alreadyRefreshed(stale); ok {
		return tok, nil
	}

	cur := c.store.Get()
	if cur.RefreshToken == "" {
		metrics.RefreshTotal.WithLabelValues(metrics.OutcomeFailure).Inc()
		return "", apperrors.Unauthenticated("no refresh token stored", nil)
	}

	status, body, err := c.post(ctx, refreshPath, model.RefreshPayload{RefreshToken: cur.RefreshToken}, "")
	if err != nil {
		metrics.RefreshTotal.WithLabelValues(metrics.OutcomeFailure).Inc()
		return "", err
	}
	switch {
	case status == http.StatusBadRequest, status == http.StatusUnauthorized, status == http.StatusForbidden:
		metrics.RefreshTotal.WithLabelValues(metrics.OutcomeFailure).Inc()
		rerr := apperrors.RefreshInvalid("refresh token rejected")
		c.TerminateLocal(ctx, rerr)
		return "", rerr
	case status >= 500:
		metrics.RefreshTotal.WithLabelValues(metrics.OutcomeFailure).Inc()
		return "", apperrors.Server(status, "refresh failed")
	case status < 200 || status >= 300:
		metrics.RefreshTotal.WithLabelValues(metrics.OutcomeFailure).Inc()
		return "", apperrors.FromStatus(status, body, "refresh")
	}

	var payload model.SessionPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.RefreshTotal.WithLabelValues(metrics.OutcomeFailure).Inc()
		return "", apperrors.Server(status, "refresh returned an unreadable body")
	}

	next := cur.Clone()
	next.AccessToken = payload.AccessToken
	if payload.RefreshToken != "" {
		next.RefreshToken = payload.RefreshToken
	}
	if payload.User != nil {
		if u, err := model.NewUser(*payload.User); err == nil {
			next.User = u
		} else {
			c.logger.WarnContext(ctx, "ignoring invalid user in refresh response", slog.String("error", err.Error()))
		}
	}

	// A logout or re-login while the exchange was in flight wins.
	applied, err := c.store.SetIf(ctx, next, func(now model.Credentials) bool {
		return now.RefreshToken == cur.RefreshToken
	})
	if err != nil {
		metrics.RefreshTotal.WithLabelValues(metrics.OutcomeFailure).Inc()
		return "", err
	}
	if !applied {
		metrics.RefreshTotal.WithLabelValues(metrics.OutcomeStale).Inc()
		c.logger.WarnContext(ctx, "discarding refresh result, session changed meanwhile")
		return "", apperrors.Unauthenticated("session ended during refresh", nil)
	}

	metrics.RefreshTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
	c.logger.DebugContext(ctx, "access token refreshed", slog.Bool("rotated", payload.RefreshToken != ""))
	return next.AccessToken, nil
}

// Logout invalidates the session server-side on a best-effort basis, then
// clears local state unconditionally.
func (c *Client) Logout(ctx context.Context) {
	creds := c.store.Get()
	if creds.AccessToken != "" {
		status, _, err := c.post(ctx, signoutPath, nil, creds.AccessToken)
		switch {
		case err != nil:
			c.logger.WarnContext(ctx, "signout call failed", slog.String("error", err.Error()))
		case status < 200 || status >= 300:
			c.logger.WarnContext(ctx, "signout rejected", slog.Int("status", status))
		}
	}
	if err := c.store.Clear(ctx); err != nil {
		c.logger.WarnContext(ctx, "clearing credentials", slog.String("error", err.Error()))
	}
	c.logger.InfoContext(ctx, "signed out")
}

// TerminateLocal ends the session without contacting the server. Observers
// registered with OnTerminated hear about it once per session.
func (c *Client) TerminateLocal(ctx context.Context, reason error) {
	prev, err := c.store.Take(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "clearing credentials", slog.String("error", err.Error()))
	}
	if prev.AccessToken == "" && prev.RefreshToken == "" && prev.User == nil {
		return
	}

	attrs := []any{}
	if reason != nil {
		attrs = append(attrs, slog.String("reason", reason.Error()))
	}
	c.logger.WarnContext(ctx, "session terminated", attrs...)

	c.termMu.Lock()
	fns := append([]func(error){}, c.onTerminated...)
	c.termMu.Unlock()
	for _, fn := range fns {
		fn(reason)
	}
}

// OnTerminated registers fn to run when a session ends by failure. It is
// not called on Logout.
func (c *Client) OnTerminated(fn func(error)) {
	c.termMu.Lock()
	c.onTerminated = append(c.onTerminated, fn)
	c.termMu.Unlock()
}

func (c *Client) CurrentUser() *model.User {
	return c.store.Get().User
}

func (c *Client) IsAuthenticated() bool {
	return c.store.Get().Authenticated()
}

// AccessToken returns the stored access token, empty when signed out.
func (c *Client) AccessToken() string {
	return c.store.Get().AccessToken
}

// AccessTokenExpiry reports the exp claim of the stored access token.
func (c *Client) AccessTokenExpiry() (time.Time, bool) {
	return TokenExpiry(c.store.Get().AccessToken)
}

// TokenExpiry reads the exp claim of a JWT without verifying it. Opaque
// tokens and tokens without exp report ok=false.
func TokenExpiry(token string) (time.Time, bool) {
	if !model.WellFormedToken(token) {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func (c *Client) post(ctx context.Context, path string, in any, bearer string) (int, []byte, error) {
	var reader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, nil, fmt.Errorf("encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, apperrors.Network(path+" request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, nil, apperrors.Network(path+" response unreadable", err)
	}
	return resp.StatusCode, body, nil
}
