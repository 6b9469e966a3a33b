package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Aidin1998/pincex_marketgw/internal/marketdata/analytics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSnapshots struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (f *fakeSnapshots) OrderBookSnapshot(_ context.Context, symbol string, depth int) (analytics.OrderBook, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return analytics.OrderBook{}, errors.New("engine down")
	}
	book := analytics.OrderBook{Symbol: symbol, Depth: depth}
	for i := 0; i < depth; i++ {
		book.Bids = append(book.Bids, analytics.BookLevel{Price: fmt.Sprint(100 - i)})
		book.Asks = append(book.Asks, analytics.BookLevel{Price: fmt.Sprint(101 + i)})
	}
	return book, nil
}

type recorder struct {
	id string
	mu sync.Mutex
	ev []Event
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Deliver(e Event) {
	r.mu.Lock()
	r.ev = append(r.ev, e)
	r.mu.Unlock()
}

func (r *recorder) events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.ev...)
}

func (r *recorder) count(symbol string) int {
	n := 0
	for _, e := range r.events() {
		if e.Symbol == symbol {
			n++
		}
	}
	return n
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeSnapshots) {
	t.Helper()
	snaps := &fakeSnapshots{}
	s := NewScheduler(snaps, zaptest.NewLogger(t), WithInterval(10*time.Millisecond))
	t.Cleanup(s.Close)
	return s, snaps
}

func TestScheduler_SnapshotThenUpdates(t *testing.T) {
	s, _ := newTestScheduler(t)
	a := &recorder{id: "a"}

	require.NoError(t, s.Subscribe(context.Background(), a, "BTC_TRY", 5))

	evs := a.events()
	require.NotEmpty(t, evs)
	assert.Equal(t, EventSnapshot, evs[0].Type)
	assert.Equal(t, "orderbook:BTC_TRY", evs[0].Channel)

	require.Eventually(t, func() bool { return a.count("BTC_TRY") >= 3 }, time.Second, 5*time.Millisecond)
	for _, e := range a.events()[1:] {
		assert.Equal(t, EventUpdate, e.Type)
	}
}

func TestScheduler_OneTaskPerSymbol(t *testing.T) {
	s, _ := newTestScheduler(t)
	a, b := &recorder{id: "a"}, &recorder{id: "b"}
	ctx := context.Background()

	require.NoError(t, s.Subscribe(ctx, a, "BTC_TRY", 5))
	require.NoError(t, s.Subscribe(ctx, b, "BTC_TRY", 5))
	assert.Equal(t, 1, s.ActiveTasks())

	s.Unsubscribe("a", "BTC_TRY")
	assert.True(t, s.HasTask("BTC_TRY"))
	before := b.count("BTC_TRY")
	require.Eventually(t, func() bool { return b.count("BTC_TRY") > before }, time.Second, 5*time.Millisecond)

	s.Unsubscribe("b", "BTC_TRY")
	assert.False(t, s.HasTask("BTC_TRY"))
	assert.Equal(t, 0, s.ActiveTasks())
}

func TestScheduler_UnsubscribeStopsEvents(t *testing.T) {
	s, snaps := newTestScheduler(t)
	a := &recorder{id: "a"}

	require.NoError(t, s.Subscribe(context.Background(), a, "ETH_TRY", 5))
	require.Eventually(t, func() bool { return a.count("ETH_TRY") >= 2 }, time.Second, 5*time.Millisecond)

	s.Unsubscribe("a", "ETH_TRY")
	got := a.count("ETH_TRY")
	calls := snaps.calls.Load()
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, got, a.count("ETH_TRY"))
	// at most one in-flight fetch may complete after cancellation
	assert.LessOrEqual(t, snaps.calls.Load(), calls+1)
	assert.Empty(t, s.Subscriptions("a"))
}

func TestScheduler_DisconnectReleasesAllSymbols(t *testing.T) {
	s, _ := newTestScheduler(t)
	a, b := &recorder{id: "a"}, &recorder{id: "b"}
	ctx := context.Background()

	require.NoError(t, s.Subscribe(ctx, a, "BTC_TRY", 5))
	require.NoError(t, s.Subscribe(ctx, a, "ETH_TRY", 5))
	require.NoError(t, s.Subscribe(ctx, b, "ETH_TRY", 5))
	assert.Equal(t, 2, s.ActiveTasks())
	assert.ElementsMatch(t, []string{"BTC_TRY", "ETH_TRY"}, s.Subscriptions("a"))

	s.Disconnect("a")
	assert.False(t, s.HasTask("BTC_TRY"))
	assert.True(t, s.HasTask("ETH_TRY"))
	assert.Nil(t, s.Subscriptions("a"))

	// unknown ids are ignored
	s.Disconnect("nobody")
	s.Unsubscribe("nobody", "BTC_TRY")
}

func TestScheduler_PerSubscriberDepth(t *testing.T) {
	s, _ := newTestScheduler(t)
	shallow, deep := &recorder{id: "shallow"}, &recorder{id: "deep"}
	ctx := context.Background()

	require.NoError(t, s.Subscribe(ctx, shallow, "BTC_TRY", 2))
	require.NoError(t, s.Subscribe(ctx, deep, "BTC_TRY", 10))

	require.Eventually(t, func() bool {
		evs := shallow.events()
		for _, e := range evs {
			if e.Type == EventUpdate {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	for _, e := range shallow.events() {
		assert.LessOrEqual(t, len(e.Data.Bids), 2)
	}
	require.Eventually(t, func() bool {
		for _, e := range deep.events() {
			if e.Type == EventUpdate && len(e.Data.Bids) == 10 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_FailedSnapshotKeepsSubscription(t *testing.T) {
	s, snaps := newTestScheduler(t)
	snaps.fail.Store(true)
	a := &recorder{id: "a"}

	err := s.Subscribe(context.Background(), a, "BTC_TRY", 5)
	require.Error(t, err)
	assert.True(t, s.HasTask("BTC_TRY"))

	snaps.fail.Store(false)
	require.Eventually(t, func() bool { return a.count("BTC_TRY") > 0 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_Close(t *testing.T) {
	snaps := &fakeSnapshots{}
	s := NewScheduler(snaps, zaptest.NewLogger(t), WithInterval(5*time.Millisecond))
	a := &recorder{id: "a"}

	require.NoError(t, s.Subscribe(context.Background(), a, "BTC_TRY", 5))
	s.Close()
	assert.Equal(t, 0, s.ActiveTasks())

	err := s.Subscribe(context.Background(), a, "BTC_TRY", 5)
	assert.ErrorIs(t, err, ErrClosed)
	s.Close()
}
