package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/puyokura/dashchat/apperrors"
	"github.com/puyokura/dashchat/model"
)

// link is one established websocket. writePump is its only writer.
type link struct {
	ws      *websocket.Conn
	send    chan []byte
	token   string
	expires time.Time

	// set when the server rejected the handshake token mid-session
	authLost atomic.Bool

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

func newLink(ws *websocket.Conn, token string) *link {
	return &link{
		ws:    ws,
		send:  make(chan []byte, sendBuffer),
		token: token,
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (l *link) expiredAt(now time.Time) bool {
	return !l.expires.IsZero() && !now.Add(expirySkew).Before(l.expires)
}

// revoke drops the link because its token is no longer accepted.
func (l *link) revoke() {
	l.authLost.Store(true)
	l.close()
}

// stop asks the write pump to unsubscribe and close gracefully.
func (l *link) stop() {
	l.quitOnce.Do(func() { close(l.quit) })
}

// close tears the socket down immediately.
func (l *link) close() {
	l.doneOnce.Do(func() {
		close(l.done)
		_ = l.ws.Close()
	})
}

func (c *Connection) readPump(l *link, gen uint64) {
	var cause error
	defer func() {
		l.close()
		if l.authLost.Load() {
			cause = apperrors.Unauthenticated("realtime token no longer accepted", nil)
		}
		c.lost(l, gen, cause)
	}()

	c.mu.Lock()
	current := c.gen == gen && c.link == l
	onConnected := c.onConnected
	c.mu.Unlock()
	if current && onConnected != nil {
		onConnected()
	}

	pongWait := c.cfg.HeartbeatTimeout
	l.ws.SetReadLimit(maxMessageSize)
	_ = l.ws.SetReadDeadline(time.Now().Add(pongWait))
	l.ws.SetPongHandler(func(string) error {
		return l.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := l.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				cause = err
			}
			return
		}
		// any traffic proves the peer is alive
		_ = l.ws.SetReadDeadline(time.Now().Add(pongWait))

		var ev model.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("invalid realtime frame", slog.String("error", err.Error()))
			continue
		}
		c.dispatch(l, gen, ev)
	}
}

func (c *Connection) writePump(l *link) {
	ticker := time.NewTicker(c.cfg.HeartbeatTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		l.close()
	}()

	for {
		select {
		case data := <-l.send:
			_ = l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-l.quit:
			_ = l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if frame, err := encode(model.EventUnsubscribe, c.cfg.Topic, nil); err == nil {
				_ = l.ws.WriteMessage(websocket.TextMessage, frame)
			}
			_ = l.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-l.done:
			return
		}
	}
}

// dispatch hands a decoded frame to the handler, unless the link has been
// superseded in the meantime.
func (c *Connection) dispatch(l *link, gen uint64, ev model.Event) {
	var d Delivery
	switch ev.Type {
	case model.EventMessage:
		var raw model.ChatMessage
		if err := json.Unmarshal(ev.Payload, &raw); err != nil {
			c.logger.Warn("undecodable message frame", slog.String("error", err.Error()))
			return
		}
		m, err := model.NewChatMessage(raw)
		if err != nil {
			c.logger.Warn("dropping malformed message frame", slog.String("error", err.Error()))
			return
		}
		d = Delivery{Kind: DeliveryMessage, Message: m, ID: m.ID}
	case model.EventDelete:
		var p model.DeletePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.ID <= 0 {
			c.logger.Warn("dropping malformed delete frame")
			return
		}
		d = Delivery{Kind: DeliveryDelete, ID: p.ID}
	case model.EventError:
		var p model.ErrorPayload
		_ = json.Unmarshal(ev.Payload, &p)
		c.logger.Warn("realtime server error", slog.String("code", p.Code), slog.String("message", p.Message))
		if p.Code == apperrors.CodeTokenExpired || p.Code == apperrors.CodeUnauthenticated {
			l.revoke()
		}
		return
	default:
		return
	}

	c.mu.Lock()
	current := c.gen == gen && c.link == l
	h := c.handler
	c.mu.Unlock()
	if current && h != nil {
		h(d)
	}
}
