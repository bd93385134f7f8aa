// Package chat wires the session, pipeline, realtime, poller and timeline
// together behind the handful of calls a UI needs.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/puyokura/dashchat/apperrors"
	"github.com/puyokura/dashchat/config"
	"github.com/puyokura/dashchat/history"
	"github.com/puyokura/dashchat/logger"
	"github.com/puyokura/dashchat/model"
	"github.com/puyokura/dashchat/pipeline"
	"github.com/puyokura/dashchat/realtime"
	"github.com/puyokura/dashchat/session"
	"github.com/puyokura/dashchat/timeline"
)

type Client struct {
	cfg    config.Client
	logger *slog.Logger

	store    *session.Store
	sessions *session.Client
	pipeline *pipeline.Pipeline
	api      *history.API
	conn     *realtime.Connection
	poller   *history.Poller
	timeline *timeline.Timeline

	mu           sync.Mutex
	runCtx       context.Context
	// fences catch-up batches against halt
	resyncMu     sync.Mutex
	cancel       context.CancelFunc
	onTerminated []func(error)
	closers      []func() error
}

// New assembles a client over the given credential persistence.
func New(cfg config.Client, kv session.KV, log *slog.Logger) *Client {
	log = logger.OrDefault(log)

	store := session.NewStore(kv, log)
	sessions := session.NewClient(cfg.BaseURL, cfg.HTTPTimeout, store, nil, log)
	sender := pipeline.NewHTTPSender(nil, cfg.HTTPTimeout, pipeline.DefaultBreakerConfig("dashchat-api"), log)
	pipe := pipeline.New(cfg.BaseURL, sender, sessions, log)
	api := history.NewAPI(pipe, cfg.HistoryPageSize, log)
	conn := realtime.New(realtime.Config{
		URL:                  cfg.WSURL,
		Topic:                cfg.Topic,
		HandshakeTimeout:     cfg.HandshakeTimeout,
		HeartbeatTimeout:     cfg.HeartbeatTimeout,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		ReconnectMinWait:     cfg.ReconnectMinWait,
		ReconnectMaxWait:     cfg.ReconnectMaxWait,
		TokenExpiry:          session.TokenExpiry,
	}, sessions, log)
	tl := timeline.New(log)

	c := &Client{
		cfg:      cfg,
		logger:   log.With(slog.String("component", "chat")),
		store:    store,
		sessions: sessions,
		pipeline: pipe,
		api:      api,
		conn:     conn,
		poller:   history.NewPoller(conn, api, tl, cfg.PollInterval, log),
		timeline: tl,
	}
	sessions.OnTerminated(c.terminated)
	conn.OnConnected(c.resync)
	return c
}

// Open builds a client from configuration, choosing the credential backend
// and restoring any persisted session.
func Open(ctx context.Context, cfg config.Client, log *slog.Logger) (*Client, error) {
	var (
		kv      session.KV
		closers []func() error
	)
	switch cfg.Store {
	case config.StoreMemory:
		kv = session.NewMemoryKV()
	case config.StoreFile:
		kv = session.NewFileKV(cfg.StorePath)
	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		kv = session.NewRedisKV(rdb, cfg.RedisPrefix, 0)
		closers = append(closers, rdb.Close)
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	c := New(cfg, kv, log)
	c.closers = closers
	if err := c.store.Load(ctx); err != nil {
		c.logger.WarnContext(ctx, "could not restore session", slog.String("error", err.Error()))
	}
	return c, nil
}

func (c *Client) Login(ctx context.Context, username, password string) (model.Credentials, error) {
	return c.sessions.Login(ctx, username, password)
}

// Logout stops live updates, ends the session server-side best effort and
// clears everything local.
func (c *Client) Logout(ctx context.Context) {
	c.halt()
	c.sessions.Logout(ctx)
	c.timeline.Reset()
}

// Start loads recent history, connects the realtime transport and arms the
// fallback poller. A transport failure is not fatal: polling covers it.
func (c *Client) Start(ctx context.Context) error {
	if !c.sessions.IsAuthenticated() {
		return apperrors.Unauthenticated("sign in first", nil)
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.runCtx, c.cancel = runCtx, cancel
	c.mu.Unlock()

	if msgs, err := c.api.Recent(ctx); err != nil {
		if errors.Is(err, apperrors.ErrUnauthenticated) {
			c.halt()
			return err
		}
		c.logger.WarnContext(ctx, "initial history fetch failed", slog.String("error", err.Error()))
	} else {
		c.timeline.ApplyAll(msgs)
	}

	if err := c.connect(ctx); err != nil {
		if errors.Is(err, apperrors.ErrUnauthenticated) && !c.sessions.IsAuthenticated() {
			c.halt()
			return err
		}
		c.logger.WarnContext(ctx, "realtime unavailable, polling instead", slog.String("error", err.Error()))
	}
	c.poller.Start(runCtx)
	return nil
}

// connect tries the transport once, and once more after a refresh if the
// handshake rejected the token.
func (c *Client) connect(ctx context.Context) error {
	token := c.sessions.AccessToken()
	err := c.conn.Connect(ctx, c.deliver)
	if err == nil || !errors.Is(err, apperrors.ErrUnauthenticated) {
		return err
	}
	if _, rerr := c.sessions.RefreshIfStale(ctx, token); rerr != nil {
		c.sessions.TerminateLocal(ctx, rerr)
		return apperrors.Unauthenticated("realtime rejected the session", rerr)
	}
	return c.conn.Connect(ctx, c.deliver)
}

// Reconnect retries the realtime transport on demand.
func (c *Client) Reconnect(ctx context.Context) error {
	return c.connect(ctx)
}

// resync runs after every confirmed subscription. Messages posted between
// the last history read and the subscription never reach the socket, so
// recent history is fetched once more and merged.
func (c *Client) resync() {
	c.mu.Lock()
	ctx := c.runCtx
	c.mu.Unlock()
	if ctx == nil {
		return
	}

	go func() {
		msgs, err := c.api.Recent(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.WarnContext(ctx, "catch-up fetch failed", slog.String("error", err.Error()))
			}
			return
		}
		// halt cancels under resyncMu, so a stopped client never gets this batch
		c.resyncMu.Lock()
		defer c.resyncMu.Unlock()
		if ctx.Err() != nil {
			return
		}
		c.timeline.ApplyAll(msgs)
	}()
}

func (c *Client) deliver(d realtime.Delivery) {
	switch d.Kind {
	case realtime.DeliveryMessage:
		c.timeline.Apply(d.Message)
	case realtime.DeliveryDelete:
		c.timeline.Remove(d.ID)
	}
}

// Send publishes over the realtime channel when it is up, otherwise over
// REST. Only the REST path returns the stored message immediately; realtime
// sends arrive back through the channel.
func (c *Client) Send(ctx context.Context, text string) error {
	err := c.conn.Send(ctx, text)
	if err == nil || !errors.Is(err, apperrors.ErrNotConnected) {
		return err
	}
	m, err := c.api.Send(ctx, text)
	if err != nil {
		return err
	}
	c.timeline.Apply(m)
	return nil
}

func (c *Client) Delete(ctx context.Context, id int64) error {
	if err := c.api.Delete(ctx, id); err != nil {
		return err
	}
	c.timeline.Remove(id)
	return nil
}

// LoadPage merges an older history page into the timeline and reports how
// many pages exist.
func (c *Client) LoadPage(ctx context.Context, page int) (int, error) {
	p, err := c.api.Page(ctx, page, c.cfg.HistoryPageSize)
	if err != nil {
		return 0, err
	}
	c.timeline.ApplyAll(p.Content)
	return p.TotalPages, nil
}

func (c *Client) Messages() []model.ChatMessage {
	return c.timeline.Snapshot()
}

// OnMessages registers fn for every timeline change.
func (c *Client) OnMessages(fn func([]model.ChatMessage)) func() {
	return c.timeline.OnChange(fn)
}

func (c *Client) State() model.ConnectionState {
	return c.conn.State()
}

func (c *Client) WatchState() (<-chan model.ConnectionState, func()) {
	return c.conn.Watch()
}

func (c *Client) Polling() bool {
	return c.poller.Active()
}

func (c *Client) CurrentUser() *model.User {
	return c.sessions.CurrentUser()
}

func (c *Client) IsAuthenticated() bool {
	return c.sessions.IsAuthenticated()
}

// OnTerminated registers fn for sessions that end by failure. It fires once
// per session so the UI can send the user back to the login screen.
func (c *Client) OnTerminated(fn func(error)) {
	c.mu.Lock()
	c.onTerminated = append(c.onTerminated, fn)
	c.mu.Unlock()
}

func (c *Client) terminated(reason error) {
	c.halt()
	c.timeline.Reset()

	c.mu.Lock()
	fns := append([]func(error){}, c.onTerminated...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(reason)
	}
}

// halt stops live updates without touching the session.
func (c *Client) halt() {
	c.resyncMu.Lock()
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.runCtx, c.cancel = nil, nil
	c.mu.Unlock()
	c.resyncMu.Unlock()

	c.conn.Disconnect()
	c.poller.Stop()
}

// Close stops live updates and releases backends. The persisted session is
// kept for the next run.
func (c *Client) Close() error {
	c.halt()
	var errs []error
	for _, fn := range c.closers {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}
