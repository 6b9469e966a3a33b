// Package ws serves the real-time market data WebSocket. Each connection
// subscribes to order book channels through the broadcast scheduler, which
// owns all subscription state; the hub only tracks live connections.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/Aidin1998/pincex_marketgw/internal/marketdata/broadcast"
	"github.com/Aidin1998/pincex_marketgw/pkg/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Broadcaster is the subscription surface of the broadcast scheduler.
type Broadcaster interface {
	Subscribe(ctx context.Context, sub broadcast.Subscriber, symbol string, depth int) error
	Unsubscribe(id, symbol string)
	Disconnect(id string)
}

// Validator checks subscription parameters.
type Validator interface {
	ValidateSymbol(symbol string) (string, error)
	ValidateDepth(depth int) (int, error)
}

// Config tunes connection handling.
type Config struct {
	WriteWait      time.Duration `mapstructure:"write_wait"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	// MessageRate bounds inbound client messages per second.
	MessageRate  float64 `mapstructure:"message_rate"`
	MessageBurst int     `mapstructure:"message_burst"`
}

// DefaultConfig pings every 30s and drops connections silent for 60s.
func DefaultConfig() Config {
	return Config{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     30 * time.Second,
		MaxMessageSize: 512,
		SendBuffer:     256,
		MessageRate:    10,
		MessageBurst:   20,
	}
}

// Hub manages all WebSocket clients.
type Hub struct {
	cfg         Config
	broadcaster Broadcaster
	validator   Validator
	logger      *zap.Logger
	upgrader    websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*Client
	wg      conc.WaitGroup
}

// NewHub creates a hub that routes subscriptions to broadcaster.
func NewHub(cfg Config, broadcaster Broadcaster, validator Validator, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		cfg:         cfg,
		broadcaster: broadcaster,
		validator:   validator,
		logger:      logger.With(zap.String("component", "ws")),
		clients:     make(map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades HTTP to WS and starts the connection pumps. identity is
// the caller identity used for logging.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, identity string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		id:      uuid.NewString(),
		conn:    conn,
		hub:     h,
		send:    make(chan []byte, h.cfg.SendBuffer),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		limiter: rate.NewLimiter(rate.Limit(h.cfg.MessageRate), h.cfg.MessageBurst),
		logger:  h.logger.With(zap.String("identity", identity)),
	}
	c.logger = c.logger.With(zap.String("conn_id", c.id))

	h.register(c)
	h.wg.Go(c.writePump)
	h.wg.Go(c.readPump)
}

// Connections returns the number of live connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and waits for their pumps to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	if r := h.wg.WaitAndRecover(); r != nil {
		h.logger.Error("websocket pump panicked", zap.String("panic", r.String()))
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WSConnections.Set(float64(n))
	c.logger.Debug("client connected")
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WSConnections.Set(float64(n))
	h.broadcaster.Disconnect(c.id)
	c.logger.Debug("client disconnected")
}
