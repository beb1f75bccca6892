// Package marketdata implements the Market-Data Multiplexer (C3): owns one
// upstream bar feed subscription inside an exchange worker, persists every
// bar, and fans it out to N downstream subscribers with per-subscriber
// backpressure and dead-subscriber eviction. Fan-out shape (snapshot
// handlers, invoke without holding the lock) mirrors the teacher's
// internal/events.Bus.Emit.
package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/exosim/control-plane/internal/domain"
	"github.com/exosim/control-plane/internal/events"
	"github.com/exosim/control-plane/internal/rpc"
	"github.com/exosim/control-plane/internal/store"
	"github.com/rs/zerolog"
)

const (
	defaultSendDeadline = 200 * time.Millisecond
	defaultBufferSize   = 32
)

type subscriber struct {
	id      string
	symbols map[string]struct{} // empty/nil means all
	ch      chan rpc.MarketDataUpdate
	ctx     context.Context // caller-owned; Done() means the subscriber's stream closed
}

func (s *subscriber) wants(symbol string) bool {
	if len(s.symbols) == 0 {
		return true
	}
	_, ok := s.symbols[symbol]
	return ok
}

// Multiplexer is one exchange worker's market-data fan-out.
type Multiplexer struct {
	st  store.Store
	bus *events.Bus
	log zerolog.Logger

	sendDeadline time.Duration
	bufferSize   int

	mu          sync.RWMutex
	subscribers map[string]*subscriber
	lastBar     map[string]domain.MarketDataBar // last-observed snapshot per symbol

	updatesSent  int64
	batchCount   int64
}

// New builds a Multiplexer bound to st/bus.
func New(st store.Store, bus *events.Bus, log zerolog.Logger) *Multiplexer {
	return &Multiplexer{
		st:           st,
		bus:          bus,
		log:          log.With().Str("component", "marketdata_multiplexer").Logger(),
		sendDeadline: defaultSendDeadline,
		bufferSize:   defaultBufferSize,
		subscribers:  make(map[string]*subscriber),
		lastBar:      make(map[string]domain.MarketDataBar),
	}
}

// Subscribe registers subscriberID for symbols (empty means all) and
// immediately sends a snapshot of the last-observed bar per requested
// symbol as the first frame, so new subscribers don't wait up to a minute
// to see prices. ctx.Done() signals the subscriber's stream has closed;
// the next broadcast sweep evicts it.
func (m *Multiplexer) Subscribe(ctx context.Context, subscriberID string, symbols []string) (<-chan rpc.MarketDataUpdate, error) {
	symSet := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		symSet[s] = struct{}{}
	}

	sub := &subscriber{
		id:      subscriberID,
		symbols: symSet,
		ch:      make(chan rpc.MarketDataUpdate, m.bufferSize),
		ctx:     ctx,
	}

	m.mu.Lock()
	m.subscribers[subscriberID] = sub
	snapshot := make([]rpc.SymbolData, 0, len(m.lastBar))
	for sym, bar := range m.lastBar {
		if sub.wants(sym) {
			snapshot = append(snapshot, toSymbolData(bar))
		}
	}
	m.mu.Unlock()

	if len(snapshot) > 0 {
		select {
		case sub.ch <- rpc.MarketDataUpdate{Timestamp: time.Now().UTC(), Data: snapshot}:
		default:
			// Buffer size always exceeds a one-off snapshot in practice;
			// drop-newest applies here too rather than blocking Subscribe.
		}
	}

	return sub.ch, nil
}

// Unsubscribe removes subscriberID. Idempotent.
func (m *Multiplexer) Unsubscribe(subscriberID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribers, subscriberID)
}

// OnUpstreamBar is the upstream callback: persist every bar in batch
// (timestamp floored to the minute) and broadcast one envelope built once
// to every subscriber, filtered by each subscriber's symbol set.
func (m *Multiplexer) OnUpstreamBar(ctx context.Context, batch []domain.MarketDataBar) {
	floored := make([]domain.MarketDataBar, len(batch))
	for i, bar := range batch {
		bar.Timestamp = domain.FloorToMinute(bar.Timestamp)
		floored[i] = bar

		if err := m.st.UpsertBar(ctx, bar); err != nil {
			m.log.Error().Err(err).Str("symbol", bar.Symbol).Msg("failed to persist bar; broadcast continues")
		}
	}

	m.mu.Lock()
	for _, bar := range floored {
		m.lastBar[bar.Symbol] = bar
	}
	subs := make([]*subscriber, 0, len(m.subscribers))
	for _, s := range m.subscribers {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	if len(floored) == 0 {
		return
	}
	ts := floored[0].Timestamp
	allData := make([]rpc.SymbolData, len(floored))
	for i, bar := range floored {
		allData[i] = toSymbolData(bar)
	}

	var dead []string
	for _, sub := range subs {
		if sub.ctx != nil && sub.ctx.Err() != nil {
			dead = append(dead, sub.id)
			continue
		}

		filtered := make([]rpc.SymbolData, 0, len(allData))
		for _, d := range allData {
			if sub.wants(d.Symbol) {
				filtered = append(filtered, d)
			}
		}
		if len(filtered) == 0 {
			continue
		}

		update := rpc.MarketDataUpdate{Timestamp: ts, Data: filtered}
		select {
		case sub.ch <- update:
			m.updatesSent++
		default:
			// Drop-newest: never block the broadcaster on a slow consumer
			// (spec requires drop-newest, diverging from the teacher's
			// drop-oldest reference policy — see DESIGN.md Open Question O2).
			m.bus.Emit(events.EventSubscriberEvicted, "marketdata", map[string]interface{}{
				"subscriber_id": sub.id, "reason": "buffer_full_drop_newest",
			})
		}
	}

	m.batchCount++

	if len(dead) > 0 {
		m.mu.Lock()
		for _, id := range dead {
			delete(m.subscribers, id)
		}
		m.mu.Unlock()
		for _, id := range dead {
			m.log.Info().Str("subscriber_id", id).Msg("evicted dead subscriber")
			m.bus.Emit(events.EventSubscriberEvicted, "marketdata", map[string]interface{}{
				"subscriber_id": id, "reason": "stream_closed",
			})
		}
	}

	m.bus.Emit(events.EventBarIngested, "marketdata", map[string]interface{}{
		"batch_size": len(floored), "subscribers_count": m.SubscriberCount(),
	})
}

// SubscriberCount returns the current registered subscriber count.
func (m *Multiplexer) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}

func toSymbolData(bar domain.MarketDataBar) rpc.SymbolData {
	return rpc.SymbolData{
		Symbol:     bar.Symbol,
		Open:       bar.Open.Float64(),
		High:       bar.High.Float64(),
		Low:        bar.Low.Float64(),
		Close:      bar.Close.Float64(),
		Volume:     bar.Volume,
		TradeCount: bar.TradeCount,
		VWAP:       bar.VWAP.Float64(),
	}
}
