// Package window resolves report request parameters (date, start, end) into
// an absolute, inclusive query window.
package window

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/errors"
)

// Named periods.
const (
	PeriodWeek  = "week"
	PeriodMonth = "month"
)

const (
	dateLayout     = "2006-01-02"
	minuteLayout   = "2006-01-02 15:04"
	sqlLayout      = "2006-01-02 15:04:05"
	acceptedForms  = "Use date=YYYY-MM-DD, date=week, date=month, or start/end as YYYY-MM-DD or YYYY-MM-DD HH:MM"
	formatMessage  = "invalid date format. " + acceptedForms
	rangeMessage   = "invalid date format: start must not be after end. " + acceptedForms
	pairingMessage = "invalid date format: start and end must be supplied together. " + acceptedForms
)

// Params are the raw request parameters.
type Params struct {
	Date  string
	Start string
	End   string
}

// ParamsFromQuery extracts Params from URL query values.
func ParamsFromQuery(q url.Values) Params {
	return Params{
		Date:  strings.TrimSpace(q.Get("date")),
		Start: strings.TrimSpace(q.Get("start")),
		End:   strings.TrimSpace(q.Get("end")),
	}
}

// Window is an inclusive time range. Period is set for named periods; it is
// empty otherwise. Named periods still carry concrete bounds. Ranged is set
// when the bounds came from explicit start/end parameters.
type Window struct {
	Period string
	Ranged bool
	Start  time.Time
	End    time.Time
}

// IsNamed reports whether w is a named period (week or month).
func (w Window) IsNamed() bool {
	return w.Period != ""
}

// Label is the human-readable name of the window: the period name, a single
// date for a whole day, or "start - end" otherwise.
func (w Window) Label() string {
	if w.IsNamed() {
		return w.Period
	}
	if w.isWholeDay() {
		return w.Start.Format(dateLayout)
	}
	return w.StartLabel() + " - " + w.EndLabel()
}

// StartLabel formats the start bound at minute precision.
func (w Window) StartLabel() string {
	return w.Start.Format(minuteLayout)
}

// EndLabel formats the end bound at minute precision.
func (w Window) EndLabel() string {
	return w.End.Format(minuteLayout)
}

// SQLBounds returns the bounds formatted as local timestamps for a
// BETWEEN clause.
func (w Window) SQLBounds() (string, string) {
	return w.Start.Format(sqlLayout), w.End.Format(sqlLayout)
}

// Key is a stable identifier of the window, used for cache keys.
func (w Window) Key() string {
	return fmt.Sprintf("%s|%s|%s", w.Period, w.Start.Format(sqlLayout), w.End.Format(sqlLayout))
}

// ClosedBefore reports whether the whole window lies before t.
func (w Window) ClosedBefore(t time.Time) bool {
	return w.End.Before(t)
}

func (w Window) isWholeDay() bool {
	y1, m1, d1 := w.Start.Date()
	y2, m2, d2 := w.End.Date()
	return y1 == y2 && m1 == m2 && d1 == d2 &&
		w.Start.Hour() == 0 && w.Start.Minute() == 0 &&
		w.End.Hour() == 23 && w.End.Minute() == 59
}

// Resolve turns request parameters into a Window. now supplies both the
// current instant and the time zone used for parsing.
func Resolve(p Params, now time.Time) (Window, error) {
	loc := now.Location()

	switch strings.ToLower(p.Date) {
	case PeriodWeek:
		return lastWeek(now), nil
	case PeriodMonth:
		return lastMonth(now), nil
	}

	if p.Start != "" || p.End != "" {
		if p.Start == "" || p.End == "" {
			return Window{}, apperrors.New(apperrors.ErrInvalidDate, http.StatusBadRequest, pairingMessage)
		}
		start, ok := parseBound(p.Start, loc, false)
		if !ok {
			return Window{}, apperrors.New(apperrors.ErrInvalidDate, http.StatusBadRequest, formatMessage)
		}
		end, ok := parseBound(p.End, loc, true)
		if !ok {
			return Window{}, apperrors.New(apperrors.ErrInvalidDate, http.StatusBadRequest, formatMessage)
		}
		if start.After(end) {
			return Window{}, apperrors.New(apperrors.ErrInvalidRange, http.StatusBadRequest, rangeMessage)
		}
		return Window{Ranged: true, Start: start, End: end}, nil
	}

	if p.Date != "" {
		day, err := time.ParseInLocation(dateLayout, p.Date, loc)
		if err != nil {
			return Window{}, apperrors.New(apperrors.ErrInvalidDate, http.StatusBadRequest, formatMessage)
		}
		return wholeDay(day), nil
	}

	return wholeDay(now), nil
}

// parseBound accepts "YYYY-MM-DD HH:MM" or "YYYY-MM-DD". A date-only start
// is 00:00; a date-only end is 23:59. End bounds include their whole minute.
func parseBound(s string, loc *time.Location, isEnd bool) (time.Time, bool) {
	if t, err := time.ParseInLocation(minuteLayout, s, loc); err == nil {
		if isEnd {
			t = t.Add(59 * time.Second)
		}
		return t, true
	}
	t, err := time.ParseInLocation(dateLayout, s, loc)
	if err != nil {
		return time.Time{}, false
	}
	if isEnd {
		return endOfDay(t), true
	}
	return t, true
}

func wholeDay(t time.Time) Window {
	y, m, d := t.Date()
	return Window{
		Start: time.Date(y, m, d, 0, 0, 0, 0, t.Location()),
		End:   time.Date(y, m, d, 23, 59, 59, 0, t.Location()),
	}
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, t.Location())
}

// lastWeek is the previous calendar week, Monday 00:00:00 to Sunday 23:59:59.
func lastWeek(now time.Time) Window {
	y, m, d := now.Date()
	sinceMonday := (int(now.Weekday()) + 6) % 7
	return Window{
		Period: PeriodWeek,
		Start:  time.Date(y, m, d-sinceMonday-7, 0, 0, 0, 0, now.Location()),
		End:    time.Date(y, m, d-sinceMonday-1, 23, 59, 59, 0, now.Location()),
	}
}

// lastMonth is the previous calendar month.
func lastMonth(now time.Time) Window {
	y, m, _ := now.Date()
	return Window{
		Period: PeriodMonth,
		Start:  time.Date(y, m-1, 1, 0, 0, 0, 0, now.Location()),
		End:    time.Date(y, m, 0, 23, 59, 59, 0, now.Location()),
	}
}
