package localtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	got, err := Normalize("2025-12-01", "10:00", "Asia/Seoul")
	require.NoError(t, err)

	// Seoul is UTC+9 year round.
	want := time.Date(2025, 12, 1, 1, 0, 0, 0, time.UTC)
	assert.True(t, got.Equal(want), "got %s want %s", got, want)
}

func TestNormalizeUnknownTimezone(t *testing.T) {
	_, err := Normalize("2025-12-01", "10:00", "Mars/Olympus_Mons")
	require.ErrorIs(t, err, ErrInvalidTimeInput)
}

func TestNormalizeUnparsableInput(t *testing.T) {
	cases := []struct {
		name  string
		date  string
		clock string
	}{
		{"bad date", "12/01/2025", "10:00"},
		{"bad clock", "2025-12-01", "10am"},
		{"empty", "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Normalize(tc.date, tc.clock, "UTC")
			require.ErrorIs(t, err, ErrInvalidTimeInput)
		})
	}
}

func TestRoundTripAcrossDSTTransition(t *testing.T) {
	// New York leaves DST on 2025-11-02. Both sides of the transition must
	// round-trip to the same wall clock even though the UTC offset differs.
	cases := []struct {
		date       string
		clock      string
		wantOffset time.Duration
	}{
		{"2025-11-01", "09:30", -4 * time.Hour}, // EDT
		{"2025-11-03", "09:30", -5 * time.Hour}, // EST
	}

	for _, tc := range cases {
		t.Run(tc.date, func(t *testing.T) {
			instant, err := Normalize(tc.date, tc.clock, "America/New_York")
			require.NoError(t, err)

			local, err := Normalize(tc.date, tc.clock, "UTC")
			require.NoError(t, err)
			assert.Equal(t, -tc.wantOffset, instant.Sub(local))

			date, clock, err := Render(instant, "America/New_York")
			require.NoError(t, err)
			assert.Equal(t, tc.date, date)
			assert.Equal(t, tc.clock, clock)
		})
	}
}

func TestRenderUnknownTimezone(t *testing.T) {
	_, _, err := Render(time.Now(), "Not/A_Zone")
	require.ErrorIs(t, err, ErrInvalidTimeInput)
}
