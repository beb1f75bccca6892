package market_hours

import (
	"testing"
	"time"

	"github.com/exosim/control-plane/internal/domain"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

// TestShouldBeRunning_MarketHoursBoundary implements seed scenario S1:
// exchange e1 in America/New_York, pre_open=04:00, post_close=16:00.
func TestShouldBeRunning_MarketHoursBoundary(t *testing.T) {
	e1 := domain.ExchangeWorker{
		ExchID:        "e1",
		ExchangeType:  "equity",
		Timezone:      "America/New_York",
		PreOpenTime:   "04:00",
		PostCloseTime: "16:00",
	}

	// Monday 2025-11-03, 03:54:59 local == 08:54:59Z (EST, UTC-5)
	require.False(t, ShouldBeRunning(e1, mustParse(t, "2025-11-03T08:54:59Z")))
	// 03:55:00 local — exactly pre_open-5min
	require.True(t, ShouldBeRunning(e1, mustParse(t, "2025-11-03T08:55:00Z")))
	// 16:05:01 local — one second past post_close+5min
	require.False(t, ShouldBeRunning(e1, mustParse(t, "2025-11-03T21:05:01Z")))
}

func TestShouldBeRunning_Weekend(t *testing.T) {
	e1 := domain.ExchangeWorker{
		ExchID:        "e1",
		Timezone:      "America/New_York",
		PreOpenTime:   "04:00",
		PostCloseTime: "16:00",
	}
	// Saturday 2025-11-01, mid-day local
	require.False(t, ShouldBeRunning(e1, mustParse(t, "2025-11-01T15:00:00Z")))
}

func TestShouldBeRunning_PureAcrossCallSites(t *testing.T) {
	e1 := domain.ExchangeWorker{
		ExchID:        "e1",
		Timezone:      "Europe/London",
		PreOpenTime:   "07:55",
		PostCloseTime: "16:35",
	}
	instant := mustParse(t, "2025-11-04T10:00:00Z")
	a := ShouldBeRunning(e1, instant)
	b := ShouldBeRunning(e1, instant)
	require.Equal(t, a, b)
}
