// Package broadcast pushes periodic order book updates to real-time
// subscribers. The Scheduler owns every subscription and runs exactly one
// polling task per symbol that has at least one subscriber.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Aidin1998/pincex_marketgw/internal/marketdata/analytics"
	"github.com/Aidin1998/pincex_marketgw/pkg/metrics"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// DefaultInterval is the tick period of a symbol task.
const DefaultInterval = 100 * time.Millisecond

// Event types
const (
	EventSnapshot = "orderbook_snapshot"
	EventUpdate   = "orderbook_update"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("broadcast scheduler closed")

// Channel names the stream a symbol's events are published on.
func Channel(symbol string) string {
	return "orderbook:" + symbol
}

// Event is one order book push.
type Event struct {
	Channel   string              `json:"channel"`
	Type      string              `json:"event"`
	Symbol    string              `json:"symbol"`
	Data      analytics.OrderBook `json:"data"`
	Stale     bool                `json:"stale,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// Snapshotter produces fresh order book snapshots.
type Snapshotter interface {
	OrderBookSnapshot(ctx context.Context, symbol string, depth int) (analytics.OrderBook, error)
}

// Subscriber receives events. Deliver must not block.
type Subscriber interface {
	ID() string
	Deliver(Event)
}

type subscription struct {
	sub     Subscriber
	symbols map[string]*symbolState
}

type symbolState struct {
	depth int
	// primed is set once the initial snapshot was attempted; ticks skip
	// unprimed subscriptions so the snapshot always arrives first
	primed bool
}

type task struct {
	cancel      context.CancelFunc
	subscribers map[string]struct{}
}

// Scheduler coordinates per-symbol broadcast tasks.
type Scheduler struct {
	snap     Snapshotter
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu     sync.Mutex
	subs   map[string]*subscription
	tasks  map[string]*task
	closed bool
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithInterval overrides the tick period.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// NewScheduler creates a scheduler that reads snapshots from snap.
func NewScheduler(snap Snapshotter, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		snap:     snap,
		interval: DefaultInterval,
		logger:   logger.With(zap.String("component", "broadcast")),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[string]*subscription),
		tasks:    make(map[string]*task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers sub for symbol, starts the symbol task if needed and
// delivers one immediate snapshot. The subscription stays in place when the
// snapshot fails; later ticks retry.
func (s *Scheduler) Subscribe(ctx context.Context, sub Subscriber, symbol string, depth int) error {
	id := sub.ID()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	entry, ok := s.subs[id]
	if !ok {
		entry = &subscription{sub: sub, symbols: make(map[string]*symbolState)}
		s.subs[id] = entry
	}
	state := &symbolState{depth: depth}
	entry.symbols[symbol] = state

	t, running := s.tasks[symbol]
	if !running {
		t = s.startTaskLocked(symbol)
	}
	t.subscribers[id] = struct{}{}
	s.mu.Unlock()

	book, err := s.snap.OrderBookSnapshot(ctx, symbol, depth)
	if err != nil {
		s.logger.Warn("initial snapshot failed",
			zap.String("symbol", symbol), zap.String("subscriber", id), zap.Error(err))
		s.prime(state)
		return err
	}
	if s.subscribed(id, symbol) {
		sub.Deliver(s.event(EventSnapshot, symbol, book))
	}
	s.prime(state)
	return nil
}

func (s *Scheduler) prime(state *symbolState) {
	s.mu.Lock()
	state.primed = true
	s.mu.Unlock()
}

// Unsubscribe removes sub from symbol and stops the task once no subscriber
// is left.
func (s *Scheduler) Unsubscribe(id, symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.subs[id]; ok {
		delete(entry.symbols, symbol)
		if len(entry.symbols) == 0 {
			delete(s.subs, id)
		}
	}
	s.releaseLocked(id, symbol)
}

// Disconnect removes id from every symbol.
func (s *Scheduler) Disconnect(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.subs[id]
	if !ok {
		return
	}
	delete(s.subs, id)
	for symbol := range entry.symbols {
		s.releaseLocked(id, symbol)
	}
}

// Subscriptions returns the symbols id is subscribed to.
func (s *Scheduler) Subscriptions(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.subs[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(entry.symbols))
	for symbol := range entry.symbols {
		out = append(out, symbol)
	}
	return out
}

// ActiveTasks returns the number of running symbol tasks.
func (s *Scheduler) ActiveTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// HasTask reports whether symbol has a running task.
func (s *Scheduler) HasTask(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[symbol]
	return ok
}

// Close cancels every task and waits for them to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for symbol, t := range s.tasks {
		t.cancel()
		delete(s.tasks, symbol)
	}
	s.subs = make(map[string]*subscription)
	metrics.BroadcastTasks.Set(0)
	s.mu.Unlock()

	s.cancel()
	if r := s.wg.WaitAndRecover(); r != nil {
		s.logger.Error("broadcast task panicked", zap.String("panic", r.String()))
	}
}

func (s *Scheduler) startTaskLocked(symbol string) *task {
	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{cancel: cancel, subscribers: make(map[string]struct{})}
	s.tasks[symbol] = t
	metrics.BroadcastTasks.Set(float64(len(s.tasks)))

	s.wg.Go(func() { s.run(ctx, symbol, t) })
	s.logger.Debug("started broadcast task", zap.String("symbol", symbol))
	return t
}

func (s *Scheduler) releaseLocked(id, symbol string) {
	t, ok := s.tasks[symbol]
	if !ok {
		return
	}
	delete(t.subscribers, id)
	if len(t.subscribers) > 0 {
		return
	}
	t.cancel()
	delete(s.tasks, symbol)
	metrics.BroadcastTasks.Set(float64(len(s.tasks)))
	s.logger.Debug("stopped broadcast task", zap.String("symbol", symbol))
}

func (s *Scheduler) subscribed(id, symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.subs[id]
	if !ok {
		return false
	}
	_, ok = entry.symbols[symbol]
	return ok
}

// run ticks until ctx is cancelled. Ticks are sequential; a slow fetch
// causes missed ticks rather than overlap.
func (s *Scheduler) run(ctx context.Context, symbol string, self *task) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, symbol, self)
		}
	}
}

type target struct {
	id    string
	sub   Subscriber
	depth int
}

func (s *Scheduler) targets(symbol string, self *task) []target {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tasks[symbol] != self {
		return nil
	}
	out := make([]target, 0, len(self.subscribers))
	for id := range self.subscribers {
		entry, ok := s.subs[id]
		if !ok {
			continue
		}
		state, ok := entry.symbols[symbol]
		if !ok || !state.primed {
			continue
		}
		out = append(out, target{id: id, sub: entry.sub, depth: state.depth})
	}
	return out
}

func (s *Scheduler) tick(ctx context.Context, symbol string, self *task) {
	targets := s.targets(symbol, self)
	if len(targets) == 0 {
		return
	}
	depth := 0
	for _, t := range targets {
		depth = max(depth, t.depth)
	}

	book, err := s.snap.OrderBookSnapshot(ctx, symbol, depth)
	if err != nil {
		if ctx.Err() == nil {
			metrics.BroadcastTicks.WithLabelValues(symbol, "error").Inc()
			s.logger.Warn("broadcast snapshot failed", zap.String("symbol", symbol), zap.Error(err))
		}
		return
	}
	metrics.BroadcastTicks.WithLabelValues(symbol, "ok").Inc()

	for _, t := range targets {
		if ctx.Err() != nil {
			return
		}
		if !s.subscribed(t.id, symbol) {
			continue
		}
		view := book
		if t.depth > 0 && t.depth < book.Depth {
			view = book.Truncate(t.depth)
		}
		t.sub.Deliver(s.event(EventUpdate, symbol, view))
	}
}

func (s *Scheduler) event(typ, symbol string, book analytics.OrderBook) Event {
	return Event{
		Channel:   Channel(symbol),
		Type:      typ,
		Symbol:    symbol,
		Data:      book,
		Stale:     book.Stale,
		Timestamp: s.now(),
	}
}
