package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/puyokura/dashchat/apperrors"
	"github.com/puyokura/dashchat/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 10
	peerBuffer     = 256

	codeRateLimited = "RATE_LIMITED"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// peer is one websocket connection attached to the hub.
type peer struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	username string
	token    string
	limiter  *rate.Limiter

	subscribed atomic.Bool
}

// Hub fans frames out to every subscribed peer.
type Hub struct {
	topic    string
	fps      int
	tokens   *Tokens
	messages *Messages
	logger   *slog.Logger

	peers      map[*peer]bool
	broadcast  chan []byte
	unregister chan *peer
	kick       chan string
	done       chan struct{}
	mu         sync.Mutex
}

func NewHub(topic string, framesPerSecond int, tokens *Tokens, messages *Messages, log *slog.Logger) *Hub {
	return &Hub{
		topic:      topic,
		fps:        framesPerSecond,
		tokens:     tokens,
		messages:   messages,
		logger:     log.With(slog.String("component", "hub")),
		peers:      make(map[*peer]bool),
		broadcast:  make(chan []byte),
		unregister: make(chan *peer),
		kick:       make(chan string),
		done:       make(chan struct{}),
	}
}

// Run owns the peer set until ctx ends, then closes every peer.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		for p := range h.peers {
			delete(h.peers, p)
			close(p.send)
		}
		close(h.done)
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.peers[p]; ok {
				delete(h.peers, p)
				close(p.send)
			}
			h.mu.Unlock()
		case username := <-h.kick:
			h.mu.Lock()
			for p := range h.peers {
				if p.username == username {
					delete(h.peers, p)
					close(p.send)
				}
			}
			h.mu.Unlock()
		case frame := <-h.broadcast:
			h.mu.Lock()
			for p := range h.peers {
				if !p.subscribed.Load() {
					continue
				}
				select {
				case p.send <- frame:
				default:
					close(p.send)
					delete(h.peers, p)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a frame for every subscribed peer.
func (h *Hub) Broadcast(t model.EventType, payload any) {
	frame, err := encodeFrame(t, h.topic, payload)
	if err != nil {
		h.logger.Error("encode broadcast", slog.String("error", err.Error()))
		return
	}
	select {
	case h.broadcast <- frame:
	case <-h.done:
	}
}

// Kick closes every connection of username.
func (h *Hub) Kick(username string) {
	select {
	case h.kick <- username:
	case <-h.done:
	}
}

// Count reports connected peers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Serve upgrades an authenticated request and attaches it to the hub.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, claims *Claims, token string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	p := &peer{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, peerBuffer),
		username: claims.Username,
		token:    token,
		limiter:  rate.NewLimiter(rate.Limit(h.fps), h.fps),
	}
	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		_ = conn.Close()
		return
	default:
	}
	h.peers[p] = true
	h.mu.Unlock()

	go p.writePump()
	go p.readPump()
}

func (p *peer) readPump() {
	defer func() {
		select {
		case p.hub.unregister <- p:
		case <-p.hub.done:
		}
		_ = p.conn.Close()
	}()
	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error { return p.conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.hub.logger.Debug("peer read", slog.String("user", p.username), slog.String("error", err.Error()))
			}
			return
		}
		if !p.limiter.Allow() {
			p.reply(model.EventError, model.ErrorPayload{Code: codeRateLimited, Message: "slow down"})
			continue
		}

		var ev model.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			p.reply(model.EventError, model.ErrorPayload{Code: apperrors.CodeInvalidInput, Message: "invalid frame"})
			continue
		}
		p.handle(ev)
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (p *peer) handle(ev model.Event) {
	switch ev.Type {
	case model.EventSubscribe:
		if ev.Topic != "" && ev.Topic != p.hub.topic {
			p.reply(model.EventError, model.ErrorPayload{Code: apperrors.CodeInvalidInput, Message: "unknown topic " + ev.Topic})
			return
		}
		p.subscribed.Store(true)
		p.reply(model.EventSubscribed, nil)
	case model.EventUnsubscribe:
		p.subscribed.Store(false)
	case model.EventJoin:
		p.hub.logger.Info("peer joined", slog.String("user", p.username))
	case model.EventMessage:
		p.publish(ev)
	default:
		p.reply(model.EventError, model.ErrorPayload{Code: apperrors.CodeInvalidInput, Message: "unsupported frame " + string(ev.Type)})
	}
}

func (p *peer) publish(ev model.Event) {
	if _, err := p.hub.tokens.Validate(p.token); err != nil {
		code := apperrors.CodeUnauthenticated
		if errors.Is(err, errTokenExpired) {
			code = apperrors.CodeTokenExpired
		}
		p.reply(model.EventError, model.ErrorPayload{Code: code, Message: err.Error()})
		return
	}
	if !p.subscribed.Load() {
		p.reply(model.EventError, model.ErrorPayload{Code: apperrors.CodeInvalidInput, Message: "subscribe first"})
		return
	}

	var in model.SendPayload
	if err := json.Unmarshal(ev.Payload, &in); err != nil || strings.TrimSpace(in.Text) == "" {
		p.reply(model.EventError, model.ErrorPayload{Code: apperrors.CodeInvalidInput, Message: "text is required"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	msg, err := p.hub.messages.Add(ctx, p.username, strings.TrimSpace(in.Text))
	if err != nil {
		p.hub.logger.Error("store message", slog.String("error", err.Error()))
		p.reply(model.EventError, model.ErrorPayload{Code: apperrors.CodeServer, Message: "could not store message"})
		return
	}
	p.hub.Broadcast(model.EventMessage, msg)
}

// reply queues a frame for this peer only. A full buffer drops it.
func (p *peer) reply(t model.EventType, payload any) {
	frame, err := encodeFrame(t, p.hub.topic, payload)
	if err != nil {
		return
	}
	p.hub.mu.Lock()
	defer p.hub.mu.Unlock()
	if !p.hub.peers[p] {
		return
	}
	select {
	case p.send <- frame:
	default:
	}
}

func encodeFrame(t model.EventType, topic string, payload any) ([]byte, error) {
	ev, err := model.NewEvent(t, topic, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}
