package window

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/cdr-stats-api/pkg/errors"
)

// 2024-05-15 is a Wednesday.
var now = time.Date(2024, 5, 15, 14, 30, 0, 0, time.UTC)

func TestResolveSingleDate(t *testing.T) {
	for _, d := range []string{"2024-01-01", "2024-02-29", "2023-12-31", "2024-05-15"} {
		w, err := Resolve(Params{Date: d}, now)
		require.NoError(t, err, d)

		day, _ := time.ParseInLocation(dateLayout, d, time.UTC)
		assert.Equal(t, day, w.Start, d)
		assert.Equal(t, day.Add(23*time.Hour+59*time.Minute+59*time.Second), w.End, d)
		assert.False(t, w.IsNamed())
		assert.False(t, w.Ranged)
		assert.Equal(t, d, w.Label())
	}
}

func TestResolveDefaultsToToday(t *testing.T) {
	w, err := Resolve(Params{}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2024, 5, 15, 23, 59, 59, 0, time.UTC), w.End)
}

func TestResolveNamedPeriods(t *testing.T) {
	tests := []struct {
		date      string
		period    string
		wantStart time.Time
		wantEnd   time.Time
	}{
		{"week", PeriodWeek, time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC), time.Date(2024, 5, 12, 23, 59, 59, 0, time.UTC)},
		{"WEEK", PeriodWeek, time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC), time.Date(2024, 5, 12, 23, 59, 59, 0, time.UTC)},
		{"Month", PeriodMonth, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 4, 30, 23, 59, 59, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.date, func(t *testing.T) {
			// start/end are ignored for named periods.
			w, err := Resolve(Params{Date: tt.date, Start: "garbage", End: "2020-01-01"}, now)
			require.NoError(t, err)
			assert.Equal(t, tt.period, w.Period)
			assert.Equal(t, tt.wantStart, w.Start)
			assert.Equal(t, tt.wantEnd, w.End)
			assert.Equal(t, tt.period, w.Label())
		})
	}
}

func TestLastWeekOnMondayAndSunday(t *testing.T) {
	monday := time.Date(2024, 5, 13, 8, 0, 0, 0, time.UTC)
	w := lastWeek(monday)
	assert.Equal(t, time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2024, 5, 12, 23, 59, 59, 0, time.UTC), w.End)

	sunday := time.Date(2024, 5, 19, 23, 0, 0, 0, time.UTC)
	w = lastWeek(sunday)
	assert.Equal(t, time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2024, 5, 12, 23, 59, 59, 0, time.UTC), w.End)
}

func TestLastMonthAcrossYear(t *testing.T) {
	w := lastMonth(time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2023, 12, 31, 23, 59, 59, 0, time.UTC), w.End)

	w = lastMonth(time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC), w.End)
}

func TestResolveExplicitRange(t *testing.T) {
	t.Run("date only defaults", func(t *testing.T) {
		w, err := Resolve(Params{Start: "2024-05-01", End: "2024-05-03"}, now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), w.Start)
		assert.Equal(t, time.Date(2024, 5, 3, 23, 59, 59, 0, time.UTC), w.End)
		assert.Equal(t, "2024-05-01 00:00 - 2024-05-03 23:59", w.Label())
		assert.Equal(t, "2024-05-01 00:00", w.StartLabel())
		assert.Equal(t, "2024-05-03 23:59", w.EndLabel())
		assert.True(t, w.Ranged)
	})

	t.Run("with times", func(t *testing.T) {
		w, err := Resolve(Params{Start: "2024-05-01 08:15", End: "2024-05-01 17:45"}, now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 5, 1, 8, 15, 0, 0, time.UTC), w.Start)
		assert.Equal(t, time.Date(2024, 5, 1, 17, 45, 59, 0, time.UTC), w.End)
		from, to := w.SQLBounds()
		assert.Equal(t, "2024-05-01 08:15:00", from)
		assert.Equal(t, "2024-05-01 17:45:59", to)
	})

	t.Run("same day single date label", func(t *testing.T) {
		w, err := Resolve(Params{Start: "2024-05-01", End: "2024-05-01"}, now)
		require.NoError(t, err)
		assert.Equal(t, "2024-05-01", w.Label())
	})

	t.Run("same minute is valid", func(t *testing.T) {
		_, err := Resolve(Params{Start: "2024-05-01 10:00", End: "2024-05-01 10:00"}, now)
		require.NoError(t, err)
	})

	t.Run("explicit range wins over plain date", func(t *testing.T) {
		w, err := Resolve(Params{Date: "2020-01-01", Start: "2024-05-01", End: "2024-05-02"}, now)
		require.NoError(t, err)
		assert.Equal(t, 2024, w.Start.Year())
	})
}

func TestResolveInvalidRange(t *testing.T) {
	cases := []Params{
		{Start: "2024-05-03", End: "2024-05-01"},
		{Start: "2024-05-01 10:01", End: "2024-05-01 10:00"},
		{Start: "2024-05-02 00:00", End: "2024-05-01"},
	}
	for _, p := range cases {
		_, err := Resolve(p, now)
		require.Error(t, err, p)
		assert.ErrorIs(t, err, apperrors.ErrInvalidRange, p)
		assert.Equal(t, 400, apperrors.HTTPStatusCode(err))
		assert.Contains(t, apperrors.PublicMessage(err), "invalid date format")
	}
}

func TestResolveInvalidFormat(t *testing.T) {
	cases := []Params{
		{Date: "2024/05/01"},
		{Date: "yesterday"},
		{Date: "2024-13-01"},
		{Date: "2024-5-1"},
		{Start: "2024-05-01"},
		{End: "2024-05-01"},
		{Start: "2024-05-01T10:00", End: "2024-05-02"},
		{Start: "2024-05-01", End: "not-a-date"},
		{Start: "2024-05-01 25:00", End: "2024-05-02"},
	}
	for _, p := range cases {
		_, err := Resolve(p, now)
		require.Error(t, err, p)
		assert.ErrorIs(t, err, apperrors.ErrInvalidDate, p)
		msg := apperrors.PublicMessage(err)
		assert.Contains(t, msg, "invalid date format")
		assert.Contains(t, msg, "YYYY-MM-DD HH:MM")
	}
}

func TestParamsFromQuery(t *testing.T) {
	q := url.Values{"date": {" week "}, "start": {"2024-05-01 10:00"}}
	p := ParamsFromQuery(q)
	assert.Equal(t, Params{Date: "week", Start: "2024-05-01 10:00"}, p)
}

func TestClosedBeforeAndKey(t *testing.T) {
	w, err := Resolve(Params{Date: "2024-05-14"}, now)
	require.NoError(t, err)
	assert.True(t, w.ClosedBefore(now))

	today, err := Resolve(Params{}, now)
	require.NoError(t, err)
	assert.False(t, today.ClosedBefore(now))
	assert.NotEqual(t, w.Key(), today.Key())
}
