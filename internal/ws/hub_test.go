package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Aidin1998/pincex_marketgw/internal/marketdata/analytics"
	"github.com/Aidin1998/pincex_marketgw/internal/marketdata/broadcast"
	"github.com/Aidin1998/pincex_marketgw/internal/marketdata/symbols"
	apperrors "github.com/Aidin1998/pincex_marketgw/pkg/errors"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type staticBooks struct{}

func (staticBooks) OrderBookSnapshot(_ context.Context, symbol string, depth int) (analytics.OrderBook, error) {
	return analytics.OrderBook{
		Symbol: symbol,
		Depth:  depth,
		Bids:   []analytics.BookLevel{{Price: "50000.00000000", Amount: "1.00000000", Total: "1.00000000"}},
		Asks:   []analytics.BookLevel{},
	}, nil
}

type testValidator struct{ reg *symbols.Registry }

func (v testValidator) ValidateSymbol(s string) (string, error) { return v.reg.Validate(s) }

func (v testValidator) ValidateDepth(d int) (int, error) {
	if d == 0 {
		return 20, nil
	}
	if d < 1 || d > 100 {
		return 0, apperrors.InvalidInput("depth out of range")
	}
	return d, nil
}

type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Symbol  string          `json:"symbol"`
	Data    json.RawMessage `json:"data"`
}

func setup(t *testing.T, cfg Config) (*Hub, *broadcast.Scheduler, *websocket.Conn) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	sched := broadcast.NewScheduler(staticBooks{}, logger, broadcast.WithInterval(20*time.Millisecond))
	hub := NewHub(cfg, sched, testValidator{reg: symbols.NewRegistry(nil)}, logger)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, "ip:127.0.0.1")
	}))
	t.Cleanup(func() {
		hub.Close()
		sched.Close()
		srv.Close()
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return hub, sched, conn
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func next(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

// nextEvent skips frames until one with the given event arrives.
func nextEvent(t *testing.T, conn *websocket.Conn, event string) frame {
	t.Helper()
	for i := 0; i < 50; i++ {
		if f := next(t, conn); f.Event == event {
			return f
		}
	}
	t.Fatalf("no %s event received", event)
	return frame{}
}

func TestHub_PingPong(t *testing.T) {
	_, _, conn := setup(t, DefaultConfig())
	send(t, conn, `{"event":"ping"}`)
	assert.Equal(t, EventPong, next(t, conn).Event)
}

func TestHub_SubscribeStreamsSnapshotThenUpdates(t *testing.T) {
	_, sched, conn := setup(t, DefaultConfig())
	send(t, conn, `{"event":"subscribe","data":{"symbol":"btc_try","depth":5}}`)

	sub := next(t, conn)
	assert.Equal(t, EventSubscribed, sub.Event)
	assert.Equal(t, "orderbook:BTC_TRY", sub.Channel)

	snap := next(t, conn)
	assert.Equal(t, broadcast.EventSnapshot, snap.Event)
	assert.Equal(t, "orderbook:BTC_TRY", snap.Channel)

	upd := nextEvent(t, conn, broadcast.EventUpdate)
	assert.Equal(t, "BTC_TRY", upd.Symbol)
	assert.True(t, sched.HasTask("BTC_TRY"))

	send(t, conn, `{"event":"unsubscribe","data":{"symbol":"BTC_TRY"}}`)
	un := nextEvent(t, conn, EventUnsubscribed)
	assert.Equal(t, "orderbook:BTC_TRY", un.Channel)
	assert.False(t, sched.HasTask("BTC_TRY"))
}

func TestHub_InvalidSubscription(t *testing.T) {
	_, sched, conn := setup(t, DefaultConfig())

	send(t, conn, `{"event":"subscribe","data":{"symbol":"BTC-TRY"}}`)
	f := next(t, conn)
	require.Equal(t, EventError, f.Event)
	var problem map[string]interface{}
	require.NoError(t, json.Unmarshal(f.Data, &problem))
	assert.Equal(t, float64(http.StatusBadRequest), problem["status"])
	assert.Equal(t, "BTC_TRY", problem["suggestion"])

	send(t, conn, `{"event":"subscribe","data":{"symbol":"BTC_TRY","depth":500}}`)
	assert.Equal(t, EventError, next(t, conn).Event)

	send(t, conn, `not json`)
	assert.Equal(t, EventError, next(t, conn).Event)

	send(t, conn, `{"event":"teleport"}`)
	assert.Equal(t, EventError, next(t, conn).Event)
	assert.Equal(t, 0, sched.ActiveTasks())
}

func TestHub_DisconnectReleasesTasks(t *testing.T) {
	hub, sched, conn := setup(t, DefaultConfig())
	send(t, conn, `{"event":"subscribe","data":{"symbol":"ETH_TRY"}}`)
	nextEvent(t, conn, broadcast.EventSnapshot)
	require.Equal(t, 1, hub.Connections())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return sched.ActiveTasks() == 0 && hub.Connections() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_MessageRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MessageRate = 0.001
	cfg.MessageBurst = 2
	_, _, conn := setup(t, cfg)

	for i := 0; i < 3; i++ {
		send(t, conn, `{"event":"ping"}`)
	}
	assert.Equal(t, EventPong, next(t, conn).Event)
	assert.Equal(t, EventPong, next(t, conn).Event)

	f := next(t, conn)
	require.Equal(t, EventError, f.Event)
	var problem map[string]interface{}
	require.NoError(t, json.Unmarshal(f.Data, &problem))
	assert.Equal(t, float64(http.StatusTooManyRequests), problem["status"])
}
