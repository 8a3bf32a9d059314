package library

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Lending policy. These are fixed for every loan.
const (
	MaxActiveLoans = 3
	LoanPeriod     = 3 * 24 * time.Hour
	LateFeePerDay  = 50
)

const libNumMarker = "LIB"

// DueDate returns the date a loan borrowed at borrowedAt must be back.
func DueDate(borrowedAt time.Time) time.Time {
	return borrowedAt.Add(LoanPeriod)
}

// IsOnTime reports whether a return at returnedAt met the due date.
func IsOnTime(borrowedAt, returnedAt time.Time) bool {
	return !returnedAt.After(DueDate(borrowedAt))
}

// ComputeLateFee returns the whole days past due at now and the fee owed for
// them. Loans that are not yet due, including loans borrowed in the future,
// owe nothing.
func ComputeLateFee(borrowedAt, now time.Time) (daysLate, fee int) {
	due := DueDate(borrowedAt)
	if !now.After(due) {
		return 0, 0
	}
	daysLate = int(now.Sub(due) / (24 * time.Hour))
	return daysLate, daysLate * LateFeePerDay
}

// membershipPrefix is the scan prefix for numbers issued in year.
func membershipPrefix(year int) string {
	return fmt.Sprintf("%04d%s", year, libNumMarker)
}

// FormatMembershipNumber renders a membership number, e.g. 2024LIB0001.
func FormatMembershipNumber(year, seq int) string {
	return fmt.Sprintf("%s%04d", membershipPrefix(year), seq)
}

// nextMembershipNumber picks the number following the highest valid sequence
// among existing numbers carrying the prefix of year. Malformed suffixes are
// ignored.
func nextMembershipNumber(year int, existing []string) string {
	prefix := membershipPrefix(year)
	highest := 0
	for _, num := range existing {
		if !strings.HasPrefix(num, prefix) {
			continue
		}
		seq, err := strconv.Atoi(num[len(prefix):])
		if err != nil || seq < 0 {
			continue
		}
		if seq > highest {
			highest = seq
		}
	}
	return FormatMembershipNumber(year, highest+1)
}
