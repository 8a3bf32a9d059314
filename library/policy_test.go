package library

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeLateFee(t *testing.T) {
	borrowed := t0
	due := borrowed.Add(LoanPeriod)

	cases := []struct {
		name     string
		now      time.Time
		daysLate int
		fee      int
	}{
		{"before due", borrowed.Add(time.Hour), 0, 0},
		{"exactly due", due, 0, 0},
		{"less than a day late", due.Add(23 * time.Hour), 0, 0},
		{"one day late", due.Add(24 * time.Hour), 1, 50},
		{"two and a half days late", due.Add(60 * time.Hour), 2, 100},
		{"borrowed in the future", borrowed.Add(-48 * time.Hour), 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			days, fee := ComputeLateFee(borrowed, tc.now)
			assert.Equal(t, tc.daysLate, days)
			assert.Equal(t, tc.fee, fee)
		})
	}

	// A loan borrowed after now owes nothing.
	days, fee := ComputeLateFee(t0.Add(240*time.Hour), t0)
	assert.Zero(t, days)
	assert.Zero(t, fee)
}

func TestIsOnTime(t *testing.T) {
	assert.True(t, IsOnTime(t0, t0.Add(LoanPeriod)))
	assert.False(t, IsOnTime(t0, t0.Add(LoanPeriod+time.Second)))
	assert.Equal(t, time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC), DueDate(t0))
}

func TestNextMembershipNumber(t *testing.T) {
	assert.Equal(t, "2024LIB0001", nextMembershipNumber(2024, nil))
	assert.Equal(t, "2024LIB0003", nextMembershipNumber(2024, []string{"2024LIB0001", "2024LIB0002"}))
	assert.Equal(t, "2024LIB0002", nextMembershipNumber(2024, []string{"2024LIB0001", "2024LIBabcd", "2024LIB"}))
	assert.Equal(t, "2025LIB0001", nextMembershipNumber(2025, []string{"2024LIB0042"}))
	assert.Equal(t, "2024LIB10000", nextMembershipNumber(2024, []string{"2024LIB9999", "2024LIB0500"}))
}
