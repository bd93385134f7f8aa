// Package realtime supervises the websocket push transport: handshake with
// the session's bearer token, topic subscription, heartbeats and automatic
// reconnect. It does not deduplicate; every frame is handed to the handler.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/puyokura/dashchat/apperrors"
	"github.com/puyokura/dashchat/logger"
	"github.com/puyokura/dashchat/metrics"
	"github.com/puyokura/dashchat/model"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
	sendBuffer     = 64
	// a link whose token expires within this window is not used to publish
	expirySkew = time.Second
)

// Sessions is what the connection needs from the session client.
type Sessions interface {
	IsAuthenticated() bool
	AccessToken() string
	CurrentUser() *model.User
	RefreshIfStale(ctx context.Context, stale string) (string, error)
}

type Config struct {
	URL              string
	Topic            string
	HandshakeTimeout time.Duration
	// HeartbeatTimeout is how long the connection may stay silent before it
	// is considered dead. Pings go out at 9/10 of it.
	HeartbeatTimeout     time.Duration
	ReconnectMaxAttempts int
	ReconnectMinWait     time.Duration
	ReconnectMaxWait     time.Duration
	Dialer               *websocket.Dialer
	// TokenExpiry reads a token's expiry. When set, a link whose handshake
	// token has expired is replaced before it is used to publish.
	TokenExpiry func(token string) (time.Time, bool)
}

func (c *Config) defaults() {
	if c.Topic == "" {
		c.Topic = "/topic/public"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.ReconnectMaxAttempts <= 0 {
		c.ReconnectMaxAttempts = 5
	}
	if c.ReconnectMinWait <= 0 {
		c.ReconnectMinWait = 500 * time.Millisecond
	}
	if c.ReconnectMaxWait < c.ReconnectMinWait {
		c.ReconnectMaxWait = c.ReconnectMinWait
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

// DeliveryKind tells a handler what arrived.
type DeliveryKind int

const (
	DeliveryMessage DeliveryKind = iota
	DeliveryDelete
)

// Delivery is one inbound event: a new message, or the id of a deleted one.
type Delivery struct {
	Kind    DeliveryKind
	Message model.ChatMessage
	ID      int64
}

// Handler receives deliveries on the connection's read goroutine.
type Handler func(Delivery)

// Connection is the RealtimeConnection state machine. The zero state is
// Disconnected. Every Connect or Disconnect starts a new generation; work
// belonging to an older generation is discarded when it completes.
type Connection struct {
	cfg      Config
	sessions Sessions
	logger   *slog.Logger

	mu        sync.Mutex
	state     model.ConnectionState
	gen       uint64
	wanted    bool
	handler   Handler
	link      *link
	cancel    context.CancelFunc
	watchers  map[int]chan model.ConnectionState
	nextWatch int

	onConnected func()
}

func New(cfg Config, sessions Sessions, log *slog.Logger) *Connection {
	cfg.defaults()
	return &Connection{
		cfg:      cfg,
		sessions: sessions,
		logger:   logger.OrDefault(log).With(slog.String("component", "realtime")),
		watchers: make(map[int]chan model.ConnectionState),
	}
}

func (c *Connection) State() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Watch returns a channel carrying the latest state after each change. A
// slow reader only ever misses intermediate states, never the last one.
// The returned func cancels the subscription and closes the channel.
func (c *Connection) Watch() (<-chan model.ConnectionState, func()) {
	ch := make(chan model.ConnectionState, 1)
	c.mu.Lock()
	id := c.nextWatch
	c.nextWatch++
	c.watchers[id] = ch
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.watchers[id]; ok {
			delete(c.watchers, id)
			close(ch)
		}
	}
}

// OnConnected registers fn to run each time a subscription is confirmed:
// after Connect and after every automatic reconnect. It runs on the read
// goroutine before any frame of the new link is delivered.
func (c *Connection) OnConnected(fn func()) {
	c.mu.Lock()
	c.onConnected = fn
	c.mu.Unlock()
}

// must be called with c.mu held
func (c *Connection) setStateLocked(st model.ConnectionState) {
	if c.state == st {
		return
	}
	c.logger.Debug("realtime state", slog.String("from", c.state.String()), slog.String("to", st.String()))
	c.state = st
	metrics.RealtimeState.Set(float64(st))
	for _, ch := range c.watchers {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- st
		}
	}
}

// Connect dials, subscribes to the topic and announces presence. It returns
// once the server has confirmed the subscription. A rejected token leaves
// the connection Disconnected with an error matching ErrUnauthenticated;
// the caller should refresh before trying again.
func (c *Connection) Connect(ctx context.Context, onMessage Handler) error {
	if !c.sessions.IsAuthenticated() {
		return apperrors.Unauthenticated("realtime connect requires a session", nil)
	}

	c.mu.Lock()
	if c.state == model.Connected && c.link != nil {
		c.handler = onMessage
		c.mu.Unlock()
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	gen := c.gen
	c.wanted = false
	c.handler = onMessage
	attemptCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setStateLocked(model.Connecting)
	c.mu.Unlock()

	l, err := c.dial(attemptCtx, c.sessions.AccessToken())
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.cancel = nil
			c.setStateLocked(model.Disconnected)
		}
		c.mu.Unlock()
		cancel()
		c.logger.WarnContext(ctx, "realtime connect failed", slog.String("error", err.Error()))
		return err
	}
	if !c.adopt(l, gen) {
		l.close()
		return apperrors.Handshake("connect superseded", context.Canceled)
	}
	c.logger.InfoContext(ctx, "realtime connected", slog.String("topic", c.cfg.Topic))
	return nil
}

// Send publishes text on the topic. It never queues for later: when the
// transport is down the caller gets NotConnected and should use REST.
func (c *Connection) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return apperrors.InvalidInput("message text is empty")
	}

	c.mu.Lock()
	l := c.link
	connected := c.state == model.Connected && l != nil
	c.mu.Unlock()
	if !connected {
		return apperrors.NotConnected()
	}
	if l.expiredAt(time.Now()) {
		// the server would reject the publish; swap the link and let the
		// caller take the REST path meanwhile
		c.logger.InfoContext(ctx, "realtime token expired, renewing link")
		l.revoke()
		return apperrors.NotConnected()
	}

	data, err := encode(model.EventMessage, c.cfg.Topic, model.SendPayload{Text: text})
	if err != nil {
		return err
	}
	select {
	case l.send <- data:
		return nil
	case <-l.done:
		return apperrors.NotConnected()
	case <-ctx.Done():
		return apperrors.Network("realtime send", ctx.Err())
	}
}

// Disconnect unsubscribes and closes the transport, cancelling any connect
// or reconnect in flight. Safe to call at any time, any number of times.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.wanted = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	l := c.link
	c.link = nil
	c.setStateLocked(model.Disconnected)
	c.mu.Unlock()

	if l != nil {
		l.stop()
		c.logger.Info("realtime disconnected")
	}
}

// adopt installs a freshly handshaken link if gen is still current.
func (c *Connection) adopt(l *link, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.link = l
	c.wanted = true
	c.setStateLocked(model.Connected)

	go c.writePump(l)
	go c.readPump(l, gen)
	return true
}

// lost runs when a link's read side fails. For the current generation it
// starts reconnecting; stale links are ignored.
func (c *Connection) lost(l *link, gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	if !c.wanted {
		c.setStateLocked(model.Disconnected)
		c.mu.Unlock()
		return
	}
	c.setStateLocked(model.Degraded)
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	attrs := []any{}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	c.logger.Warn("realtime connection lost, reconnecting", attrs...)

	stale := ""
	if errors.Is(cause, apperrors.ErrUnauthenticated) {
		stale = l.token
	}
	go c.reconnect(ctx, gen, stale)
}

// transition moves to st if gen is still current.
func (c *Connection) transition(gen uint64, st model.ConnectionState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.setStateLocked(st)
	return true
}

func (c *Connection) abandon(gen uint64, err error) {
	c.mu.Lock()
	if c.gen == gen {
		c.wanted = false
		c.cancel = nil
		c.setStateLocked(model.Disconnected)
	}
	c.mu.Unlock()
	c.logger.Warn("realtime reconnect abandoned", slog.String("error", err.Error()))
}

// reconnect redials with backoff. A non-empty stale token means the link
// was lost to an auth rejection, so the session is refreshed first.
func (c *Connection) reconnect(ctx context.Context, gen uint64, stale string) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectMinWait
	b.MaxInterval = c.cfg.ReconnectMaxWait
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()

	refreshed := false
	immediate := false
	if stale != "" {
		refreshed = true
		if _, err := c.sessions.RefreshIfStale(ctx, stale); err != nil {
			if ctx.Err() == nil {
				c.abandon(gen, err)
			}
			return
		}
		immediate = true
	}
	for attempt := 1; ; attempt++ {
		wait := b.NextBackOff()
		if wait < 0 || attempt > c.cfg.ReconnectMaxAttempts {
			if attempt == c.cfg.ReconnectMaxAttempts+1 {
				c.logger.Warn("realtime reconnect attempts exhausted, retrying slowly",
					slog.Int("attempts", c.cfg.ReconnectMaxAttempts),
					slog.Duration("interval", c.cfg.ReconnectMaxWait))
			}
			wait = c.cfg.ReconnectMaxWait
		}
		if immediate {
			wait, immediate = 0, false
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if !c.transition(gen, model.Connecting) {
			return
		}
		metrics.RealtimeReconnects.Inc()

		token := c.sessions.AccessToken()
		l, err := c.dial(ctx, token)
		if err == nil {
			if c.adopt(l, gen) {
				c.logger.Info("realtime reconnected", slog.Int("attempt", attempt))
			} else {
				l.close()
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, apperrors.ErrUnauthenticated) {
			if refreshed || !c.sessions.IsAuthenticated() {
				c.abandon(gen, err)
				return
			}
			refreshed = true
			if _, rerr := c.sessions.RefreshIfStale(ctx, token); rerr != nil {
				c.abandon(gen, rerr)
				return
			}
			immediate = true
		} else {
			c.logger.Debug("realtime reconnect attempt failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
		}

		if !c.transition(gen, model.Degraded) {
			return
		}
	}
}

// dial performs the handshake: upgrade with the bearer token, subscribe,
// wait for the confirmation, then announce presence. The whole exchange
// is bounded by the handshake timeout.
func (c *Connection) dial(ctx context.Context, token string) (*link, error) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, resp, err := c.cfg.Dialer.DialContext(hctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, apperrors.Handshake("realtime handshake rejected",
				apperrors.Unauthenticated("access token rejected at connect", err))
		}
		if hctx.Err() != nil {
			return nil, apperrors.Handshake("realtime dial timed out", hctx.Err())
		}
		return nil, apperrors.Handshake("realtime dial failed", apperrors.Network("dial "+c.cfg.URL, err))
	}

	// Reads below have no context; closing the socket unblocks them.
	stop := context.AfterFunc(hctx, func() { _ = ws.Close() })
	fail := func(err error) (*link, error) {
		stop()
		_ = ws.Close()
		return nil, err
	}

	deadline, _ := hctx.Deadline()
	_ = ws.SetWriteDeadline(deadline)
	_ = ws.SetReadDeadline(deadline)
	ws.SetReadLimit(maxMessageSize)

	sub, err := encode(model.EventSubscribe, c.cfg.Topic, nil)
	if err != nil {
		return fail(err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, sub); err != nil {
		return fail(apperrors.Handshake("subscribe", err))
	}
	if err := awaitSubscribed(ws, c.cfg.Topic); err != nil {
		if hctx.Err() != nil {
			return fail(apperrors.Handshake("subscription not confirmed in time", hctx.Err()))
		}
		return fail(err)
	}

	var join model.JoinPayload
	if u := c.sessions.CurrentUser(); u != nil {
		join.Username = u.Username
	}
	joinFrame, err := encode(model.EventJoin, c.cfg.Topic, join)
	if err != nil {
		return fail(err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, joinFrame); err != nil {
		return fail(apperrors.Handshake("join", err))
	}

	if !stop() {
		// the handshake window closed under us
		return fail(apperrors.Handshake("realtime handshake cancelled", hctx.Err()))
	}
	_ = ws.SetWriteDeadline(time.Time{})
	_ = ws.SetReadDeadline(time.Time{})

	l := newLink(ws, token)
	if c.cfg.TokenExpiry != nil {
		if exp, ok := c.cfg.TokenExpiry(token); ok {
			l.expires = exp
		}
	}
	return l, nil
}

func awaitSubscribed(ws *websocket.Conn, topic string) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return apperrors.Handshake("awaiting subscription", err)
		}
		var ev model.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case model.EventSubscribed:
			if ev.Topic == "" || ev.Topic == topic {
				return nil
			}
		case model.EventError:
			var p model.ErrorPayload
			_ = json.Unmarshal(ev.Payload, &p)
			if p.Code == apperrors.CodeUnauthenticated || p.Code == apperrors.CodeTokenExpired {
				return apperrors.Handshake("subscription rejected", apperrors.Unauthenticated(p.Message, nil))
			}
			return apperrors.Handshake("subscription rejected: "+p.Message, nil)
		}
	}
}

func encode(t model.EventType, topic string, payload any) ([]byte, error) {
	ev, err := model.NewEvent(t, topic, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}
