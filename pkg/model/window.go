package model

import (
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// Window is a half-open UTC time range [Start, End)
type Window struct {
	Start time.Time
	End   time.Time
}

// LastDays returns the window of the given number of days ending at now
func LastDays(now time.Time, days int) Window {
	now = now.UTC()
	return Window{
		Start: now.Add(-time.Duration(days) * 24 * time.Hour),
		End:   now,
	}
}

// DateRange builds a window from two YYYY-MM-DD dates interpreted as UTC midnight
func DateRange(start, end string) (Window, error) {
	s, err := time.Parse(time.DateOnly, start)
	if err != nil {
		return Window{}, goerr.Wrap(err, "invalid start date", goerr.V("start", start))
	}
	e, err := time.Parse(time.DateOnly, end)
	if err != nil {
		return Window{}, goerr.Wrap(err, "invalid end date", goerr.V("end", end))
	}
	w := Window{Start: s.UTC(), End: e.UTC()}
	if err := w.Validate(); err != nil {
		return Window{}, err
	}
	return w, nil
}

// Validate checks that the window is non-empty
func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return goerr.Wrap(ErrInvalidConfig, "window bounds must be set")
	}
	if !w.End.After(w.Start) {
		return goerr.Wrap(ErrInvalidConfig, "window end must be after start",
			goerr.V("start", w.Start), goerr.V("end", w.End))
	}
	return nil
}
