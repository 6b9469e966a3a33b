package ws

import (
	"context"
	"sync"
	"time"

	"github.com/Aidin1998/pincex_marketgw/internal/marketdata/broadcast"
	apperrors "github.com/Aidin1998/pincex_marketgw/pkg/errors"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client message events
const (
	EventSubscribe    = "subscribe"
	EventUnsubscribe  = "unsubscribe"
	EventPing         = "ping"
	EventPong         = "pong"
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventError        = "error"
)

const wsInstance = "/ws/market"

// Request is a client message.
type Request struct {
	Event string      `json:"event"`
	Data  RequestData `json:"data"`
}

// RequestData carries subscription parameters.
type RequestData struct {
	Symbol string `json:"symbol"`
	Depth  int    `json:"depth,omitempty"`
}

// Reply is a control message sent to the client.
type Reply struct {
	Event     string      `json:"event"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Client represents a single WebSocket connection.
type Client struct {
	id      string
	conn    *websocket.Conn
	hub     *Hub
	send    chan []byte
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter
	logger  *zap.Logger

	closeOnce sync.Once
}

// ID implements broadcast.Subscriber.
func (c *Client) ID() string { return c.id }

// Deliver implements broadcast.Subscriber. Events for a client whose send
// buffer is full are dropped.
func (c *Client) Deliver(ev broadcast.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("failed to encode event", zap.Error(err))
		return
	}
	c.enqueue(data)
}

func (c *Client) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.logger.Debug("dropping message for slow client")
	}
}

func (c *Client) reply(r Reply) {
	r.Timestamp = time.Now()
	data, err := json.Marshal(r)
	if err != nil {
		c.logger.Error("failed to encode reply", zap.Error(err))
		return
	}
	c.enqueue(data)
}

func (c *Client) replyError(err error) {
	c.reply(Reply{Event: EventError, Data: apperrors.ProblemFor(err, wsInstance)})
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.done)
		deadline := time.Now().Add(c.hub.cfg.WriteWait)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.conn.Close()
	})
}

// readPump handles incoming control frames and client messages.
func (c *Client) readPump() {
	defer func() {
		c.close()
		c.hub.unregister(c)
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		// any client traffic counts as liveness
		_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))

		if !c.limiter.Allow() {
			c.replyError(apperrors.RateLimited(time.Second))
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg []byte) {
	var req Request
	if err := json.Unmarshal(msg, &req); err != nil {
		c.replyError(apperrors.InvalidInput("malformed message"))
		return
	}

	switch req.Event {
	case EventPing:
		c.reply(Reply{Event: EventPong})
	case EventSubscribe:
		c.subscribe(req.Data)
	case EventUnsubscribe:
		symbol, err := c.hub.validator.ValidateSymbol(req.Data.Symbol)
		if err != nil {
			c.replyError(err)
			return
		}
		c.hub.broadcaster.Unsubscribe(c.id, symbol)
		c.reply(Reply{Event: EventUnsubscribed, Channel: broadcast.Channel(symbol)})
	default:
		c.replyError(apperrors.InvalidInput("unsupported event %q", req.Event))
	}
}

func (c *Client) subscribe(data RequestData) {
	symbol, err := c.hub.validator.ValidateSymbol(data.Symbol)
	if err != nil {
		c.replyError(err)
		return
	}
	depth, err := c.hub.validator.ValidateDepth(data.Depth)
	if err != nil {
		c.replyError(err)
		return
	}

	c.reply(Reply{
		Event:   EventSubscribed,
		Channel: broadcast.Channel(symbol),
		Data:    RequestData{Symbol: symbol, Depth: depth},
	})
	// the subscription survives a failed first snapshot; updates follow
	if err := c.hub.broadcaster.Subscribe(c.ctx, c, symbol, depth); err != nil {
		c.logger.Warn("subscribe snapshot failed", zap.String("symbol", symbol), zap.Error(err))
		if apperrors.Is(err, broadcast.ErrClosed) {
			c.replyError(apperrors.UpstreamUnavailable(err, "broadcast unavailable"))
		}
	}
}

// writePump sends messages and heartbeats to the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
