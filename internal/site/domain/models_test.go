package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestParseOpenHours(t *testing.T) {
	spec, err := ParseOpenHours(nil)
	require.NoError(t, err)
	assert.Nil(t, spec)

	doc := `{"intervals":[{"weekday":1,"open_min":540,"close_min":1020}]}`
	spec, err = ParseOpenHours(datatypes.JSON(doc))
	require.NoError(t, err)
	require.Len(t, spec.Intervals, 1)
	assert.Equal(t, time.Monday, spec.Intervals[0].Weekday)

	_, err = ParseOpenHours(datatypes.JSON(`{"intervals":[{"weekday":1,"open_min":600,"close_min":500}]}`))
	assert.ErrorIs(t, err, ErrInvalidOpenHours)
}

func TestOpenHoursContains(t *testing.T) {
	// Mondays 09:00-17:00.
	spec := &OpenHoursSpec{Intervals: []OpenInterval{
		{Weekday: time.Monday, OpenMin: 9 * 60, CloseMin: 17 * 60},
	}}

	// 2025-06-02 is a Monday.
	monday10 := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	assert.True(t, spec.Contains(monday10, monday10.Add(2*time.Hour), time.UTC))
	// Runs past closing.
	assert.False(t, spec.Contains(monday10, monday10.Add(8*time.Hour), time.UTC))
	// Wrong day.
	tuesday10 := monday10.Add(24 * time.Hour)
	assert.False(t, spec.Contains(tuesday10, tuesday10.Add(time.Hour), time.UTC))
	// Before opening.
	monday8 := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	assert.False(t, spec.Contains(monday8, monday8.Add(time.Hour), time.UTC))

	// A nil spec is always open.
	var always *OpenHoursSpec
	assert.True(t, always.Contains(monday10, monday10.Add(100*time.Hour), time.UTC))
}

func TestSiteLocation(t *testing.T) {
	site := &Site{}
	assert.Equal(t, time.UTC, site.Location())

	tz := "America/New_York"
	site.Timezone = &tz
	assert.Equal(t, "America/New_York", site.Location().String())

	bad := "Not/AZone"
	site.Timezone = &bad
	assert.Equal(t, time.UTC, site.Location())
}
