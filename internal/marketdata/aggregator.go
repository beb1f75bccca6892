package marketdata

import (
	"gonum.org/v1/gonum/stat"

	"github.com/exosim/control-plane/internal/domain"
)

// Trade is one raw upstream print feeding a not-yet-aggregated bar. Some
// upstream feeds hand the multiplexer bars already aggregated
// (onUpstreamBar's batch); others hand it raw per-trade prints, which this
// file aggregates into one MarketDataBar using volume-weighted means —
// generalized from the teacher's gonum-based portfolio scoring to bar
// aggregation.
type Trade struct {
	Price  float64
	Spread float64
	Volume float64
}

// AggregateTrades builds a MarketDataBar for symbol/ts from a batch of raw
// trade prints, computing VWAP/VWAS/VWAV via gonum.org/v1/gonum/stat's
// weighted-mean helper.
func AggregateTrades(symbol string, ts int64, trades []Trade) domain.MarketDataBar {
	if len(trades) == 0 {
		return domain.MarketDataBar{Symbol: symbol}
	}

	prices := make([]float64, len(trades))
	spreads := make([]float64, len(trades))
	volumes := make([]float64, len(trades))
	var totalVolume, tradeCount int64
	high, low := trades[0].Price, trades[0].Price

	for i, tr := range trades {
		prices[i] = tr.Price
		spreads[i] = tr.Spread
		volumes[i] = tr.Volume
		totalVolume += int64(tr.Volume)
		tradeCount++
		if tr.Price > high {
			high = tr.Price
		}
		if tr.Price < low {
			low = tr.Price
		}
	}

	vwap := stat.Mean(prices, volumes)
	vwas := stat.Mean(spreads, volumes)
	vwav := stat.Mean(volumes, volumes)

	return domain.MarketDataBar{
		Symbol:     symbol,
		Open:       domain.DecimalFromFloat64(trades[0].Price, 8),
		High:       domain.DecimalFromFloat64(high, 8),
		Low:        domain.DecimalFromFloat64(low, 8),
		Close:      domain.DecimalFromFloat64(trades[len(trades)-1].Price, 8),
		VWAP:       domain.DecimalFromFloat64(vwap, 8),
		VWAS:       domain.DecimalFromFloat64(vwas, 8),
		VWAV:       domain.DecimalFromFloat64(vwav, 8),
		Volume:     totalVolume,
		TradeCount: tradeCount,
	}
}
