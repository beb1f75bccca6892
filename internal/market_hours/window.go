package market_hours

import (
	"time"

	"github.com/exosim/control-plane/internal/domain"
)

const boundaryExtension = 5 * time.Minute

// Window computes the MarketHoursWindow for exchange e on the local date
// corresponding to nowUTC — pre_open_local-5min to post_close_local+5min,
// converted to UTC. Weekends (Saturday/Sunday in the exchange's local
// timezone) yield an empty window.
func Window(e domain.ExchangeWorker, nowUTC time.Time) (domain.MarketHoursWindow, error) {
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return domain.MarketHoursWindow{}, err
	}

	local := nowUTC.In(loc)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return domain.MarketHoursWindow{Empty: true}, nil
	}

	preOpen, err := parseLocalClock(local, e.PreOpenTime, loc)
	if err != nil {
		return domain.MarketHoursWindow{}, err
	}
	postClose, err := parseLocalClock(local, e.PostCloseTime, loc)
	if err != nil {
		return domain.MarketHoursWindow{}, err
	}

	return domain.MarketHoursWindow{
		Start: preOpen.Add(-boundaryExtension).UTC(),
		End:   postClose.Add(boundaryExtension).UTC(),
	}, nil
}

// parseLocalClock builds a time.Time on base's local date at the "HH:MM"
// wall-clock value clock, in loc.
func parseLocalClock(base time.Time, clock string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation("15:04", clock, loc)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(base.Year(), base.Month(), base.Day(), t.Hour(), t.Minute(), 0, 0, loc), nil
}

// ShouldBeRunning is the pure function the Lifecycle Controller reconciles
// against: true iff nowUTC falls within e's market-hours window for the
// local date nowUTC corresponds to. It depends only on e's metadata and
// nowUTC, never on wall-clock time read elsewhere, so two callers evaluating
// the same (e, nowUTC) pair always agree regardless of clock skew between
// them.
func ShouldBeRunning(e domain.ExchangeWorker, nowUTC time.Time) bool {
	w, err := Window(e, nowUTC)
	if err != nil {
		return false
	}
	return w.Contains(nowUTC)
}
