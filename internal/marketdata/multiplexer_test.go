package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/exosim/control-plane/internal/domain"
	"github.com/exosim/control-plane/internal/events"
	"github.com/exosim/control-plane/internal/rpc"
	"github.com/exosim/control-plane/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func newFixture() (*Multiplexer, store.Store) {
	st := store.NewMemoryStore()
	bus := events.NewBus(zerolog.Nop())
	return New(st, bus, zerolog.Nop()), st
}

func bar(symbol string, ts time.Time) domain.MarketDataBar {
	return domain.MarketDataBar{
		Timestamp: ts,
		Symbol:    symbol,
		Open:      domain.DecimalFromFloat64(100, 2),
		High:      domain.DecimalFromFloat64(101, 2),
		Low:       domain.DecimalFromFloat64(99, 2),
		Close:     domain.DecimalFromFloat64(100.5, 2),
		Volume:    1000,
	}
}

// TestBroadcastEviction implements seed scenario S3: three subscribers A, B,
// C; B's stream closes externally; after one broadcast, A and C receive the
// update and subscribers_count becomes 2.
func TestBroadcastEviction(t *testing.T) {
	mux, _ := newFixture()
	ctxA, _ := context.WithCancel(context.Background())
	ctxB, cancelB := context.WithCancel(context.Background())
	ctxC, _ := context.WithCancel(context.Background())

	chA, err := mux.Subscribe(ctxA, "A", nil)
	require.NoError(t, err)
	chB, err := mux.Subscribe(ctxB, "B", nil)
	require.NoError(t, err)
	chC, err := mux.Subscribe(ctxC, "C", nil)
	require.NoError(t, err)
	require.Equal(t, 3, mux.SubscriberCount())

	cancelB() // B's stream closes externally

	ts := time.Date(2025, 11, 3, 14, 30, 0, 0, time.UTC)
	mux.OnUpstreamBar(context.Background(), []domain.MarketDataBar{bar("AAPL", ts)})

	require.Eventually(t, func() bool { return mux.SubscriberCount() == 2 }, time.Second, time.Millisecond)

	select {
	case u := <-chA:
		require.Equal(t, "AAPL", u.Data[0].Symbol)
	default:
		t.Fatal("A did not receive broadcast")
	}
	select {
	case u := <-chC:
		require.Equal(t, "AAPL", u.Data[0].Symbol)
	default:
		t.Fatal("C did not receive broadcast")
	}
	select {
	case <-chB:
		t.Fatal("B should have been evicted before receiving")
	default:
	}
}

// TestBarTimestampFlooredToMinute is testable invariant #3.
func TestBarTimestampFlooredToMinute(t *testing.T) {
	mux, st := newFixture()
	ts := time.Date(2025, 11, 3, 14, 30, 45, 123, time.UTC)
	mux.OnUpstreamBar(context.Background(), []domain.MarketDataBar{bar("AAPL", ts)})

	stored, err := st.LatestBar(context.Background(), "AAPL")
	require.NoError(t, err)
	require.Equal(t, 0, stored.Timestamp.Second())
	require.Equal(t, 0, stored.Timestamp.Nanosecond())
}

// TestSubscribeFirstFrameFiltered is testable invariant #4: the first frame
// a subscriber receives contains only symbols in its requested set.
func TestSubscribeFirstFrameFiltered(t *testing.T) {
	mux, _ := newFixture()
	ts := time.Date(2025, 11, 3, 14, 30, 0, 0, time.UTC)
	mux.OnUpstreamBar(context.Background(), []domain.MarketDataBar{bar("AAPL", ts), bar("MSFT", ts)})

	ch, err := mux.Subscribe(context.Background(), "sub1", []string{"AAPL"})
	require.NoError(t, err)

	select {
	case u := <-ch:
		require.Len(t, u.Data, 1)
		require.Equal(t, "AAPL", u.Data[0].Symbol)
	case <-time.After(time.Second):
		t.Fatal("expected an immediate snapshot frame")
	}
}

// TestMarketDataUpdateRoundTrip is testable invariant #6.
func TestMarketDataUpdateRoundTrip(t *testing.T) {
	update := rpc.MarketDataUpdate{
		Timestamp: time.Date(2025, 11, 3, 14, 30, 0, 0, time.UTC),
		Data: []rpc.SymbolData{
			{Symbol: "AAPL", Open: 100.1, High: 101.2, Low: 99.3, Close: 100.5, Volume: 1000, TradeCount: 42, VWAP: 100.4},
		},
	}

	encoded, err := msgpack.Marshal(update)
	require.NoError(t, err)

	var decoded rpc.MarketDataUpdate
	require.NoError(t, msgpack.Unmarshal(encoded, &decoded))
	require.Equal(t, update, decoded)
}

// TestBroadcast_DropNewestOnFullBuffer covers the backpressure policy: a
// full subscriber channel drops the newest update rather than blocking the
// broadcaster or evicting the subscriber.
func TestBroadcast_DropNewestOnFullBuffer(t *testing.T) {
	mux, _ := newFixture()
	mux.bufferSize = 1
	ch, err := mux.Subscribe(context.Background(), "slow", nil)
	require.NoError(t, err)

	ts := time.Date(2025, 11, 3, 14, 30, 0, 0, time.UTC)
	mux.OnUpstreamBar(context.Background(), []domain.MarketDataBar{bar("AAPL", ts)})
	mux.OnUpstreamBar(context.Background(), []domain.MarketDataBar{bar("AAPL", ts.Add(time.Minute))})

	require.Equal(t, 1, mux.SubscriberCount(), "a full buffer must not evict the subscriber")
	<-ch // drain the one update that made it through
}
