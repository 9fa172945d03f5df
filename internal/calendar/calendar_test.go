package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pvm/internal/clock"
	"github.com/roach88/pvm/internal/fault"
)

func TestDurationCalendar_SimpleDuration(t *testing.T) {
	now := time.Date(2010, time.June, 11, 17, 23, 0, 0, time.UTC)
	cal := DurationCalendar{Clock: clock.NewManual(now)}

	due, err := cal.ResolveDueDate("P2DT5H70M")
	require.NoError(t, err)

	assert.Equal(t, time.Date(2010, time.June, 13, 23, 33, 0, 0, time.UTC), due)
}

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		expr string
		want Period
	}{
		{"P1Y", Period{Years: 1}},
		{"P2M", Period{Months: 2}},
		{"P3W", Period{Weeks: 3}},
		{"P4D", Period{Days: 4}},
		{"PT5H", Period{Hours: 5}},
		{"PT6M", Period{Minutes: 6}},
		{"PT7S", Period{Seconds: 7}},
		{"P1Y2M3W4DT5H6M7S", Period{1, 2, 3, 4, 5, 6, 7}},
		{" PT90S ", Period{Seconds: 90}},
	}

	for _, tc := range tests {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := ParsePeriod(tc.expr)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParsePeriod_Invalid(t *testing.T) {
	for _, expr := range []string{"", "P", "PT", "2D", "P2H", "PT2D", "P-1D", "P1.5D", "P1DT", "P1D5H", "tomorrow"} {
		t.Run(expr, func(t *testing.T) {
			_, err := ParsePeriod(expr)
			require.Error(t, err)
			assert.True(t, fault.IsValidation(err))
		})
	}
}

func TestPeriod_AddToOverflow(t *testing.T) {
	start := time.Date(2010, time.January, 31, 23, 0, 0, 0, time.UTC)

	// 70 minutes folds into the next hour and day
	p, err := ParsePeriod("PT70M")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2010, time.February, 1, 0, 10, 0, 0, time.UTC), p.AddTo(start))

	// Weeks are seven days
	p, err = ParsePeriod("P1W")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2010, time.February, 7, 23, 0, 0, 0, time.UTC), p.AddTo(start))
}

func TestParsePeriod_ClockPartOutOfRange(t *testing.T) {
	for _, expr := range []string{"PT3000000H", "PT2562048H", "PT2562047H3600S", "P1DT200000000M", "PT99999999999999999999S"} {
		t.Run(expr, func(t *testing.T) {
			_, err := ParsePeriod(expr)
			require.Error(t, err)
			assert.True(t, fault.IsValidation(err), "got %v", err)
		})
	}

	start := time.Date(2010, time.June, 11, 17, 23, 0, 0, time.UTC)
	p, err := ParsePeriod("PT2562047H")
	require.NoError(t, err)
	assert.Equal(t, start.Add(2562047*time.Hour), p.AddTo(start))
	assert.True(t, p.AddTo(start).After(start))
}

func TestPeriod_String(t *testing.T) {
	assert.Equal(t, "P2DT5H70M", Period{Days: 2, Hours: 5, Minutes: 70}.String())
	assert.Equal(t, "P1Y", Period{Years: 1}.String())
	assert.Equal(t, "PT0S", Period{}.String())
}

func TestDueDateCalendar(t *testing.T) {
	due, err := DueDateCalendar{}.ResolveDueDate("2010-06-13T23:33:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2010, time.June, 13, 21, 33, 0, 0, time.UTC), due)

	_, err = DueDateCalendar{}.ResolveDueDate("13 June")
	assert.True(t, fault.IsValidation(err))
}

func TestRegistry_Resolve(t *testing.T) {
	now := time.Date(2010, time.June, 11, 17, 23, 0, 0, time.UTC)
	r := NewRegistry(clock.NewManual(now))

	due, err := r.Resolve(Duration, "PT1H")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), due)

	due, err = r.Resolve(DueDate, "2011-01-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 2011, due.Year())

	_, err = r.Resolve("cycle", "R3/PT10H")
	assert.True(t, fault.IsValidation(err))
}
