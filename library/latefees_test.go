package library

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepLateFees_IsIdempotent(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	m := addMember(t, db, "alice")
	title := addTitle(t, db, "111", "Dune", 1)

	loan, err := db.Borrow(ctx, m.ID, title.ID, t0)
	require.NoError(t, err)

	now := DueDate(t0).Add(2*24*time.Hour + time.Hour)
	for i := 0; i < 2; i++ {
		res, err := db.SweepLateFees(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, SweepResult{Examined: 1, Updated: 1}, res)

		loans, err := db.GetLoans(ctx, m.ID)
		require.NoError(t, err)
		require.Len(t, loans, 1)
		assert.Equal(t, loan.ID, loans[0].ID)
		assert.Equal(t, 2, loans[0].DaysLate)
		assert.Equal(t, 100, loans[0].Fee)
	}
}

func TestSweepLateFees_FutureBorrowOwesNothing(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	m := addMember(t, db, "alice")
	title := addTitle(t, db, "111", "Dune", 1)

	_, err := db.Borrow(ctx, m.ID, title.ID, t0.Add(30*24*time.Hour))
	require.NoError(t, err)

	_, err = db.SweepLateFees(ctx, t0)
	require.NoError(t, err)
	loans, err := db.GetLoans(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, loans, 1)
	assert.Zero(t, loans[0].Fee)
	assert.Zero(t, loans[0].DaysLate)
}

func TestApplyLateFee_SkipsVanishedLoan(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	m := addMember(t, db, "alice")
	title := addTitle(t, db, "111", "Dune", 1)

	loan, err := db.Borrow(ctx, m.ID, title.ID, t0)
	require.NoError(t, err)
	_, err = db.Return(ctx, m.ID, loan.ID, t0.Add(time.Hour))
	require.NoError(t, err)

	// The sweep listed the loan before it was returned.
	fee, ok, err := db.applyLateFee(ctx, *loan, t0.Add(10*24*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, fee)

	_, err = db.RecomputeLateFee(ctx, loan.ID, t0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyLateFee_RecreatesMissingFeeRow(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	m := addMember(t, db, "alice")
	title := addTitle(t, db, "111", "Dune", 1)

	loan, err := db.Borrow(ctx, m.ID, title.ID, t0)
	require.NoError(t, err)
	_, err = db.db.Exec(`DELETE FROM late_fees WHERE loan_id = ?`, loan.ID)
	require.NoError(t, err)

	fee, err := db.RecomputeLateFee(ctx, loan.ID, DueDate(t0).Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, fee.DaysLate)
	assert.Equal(t, LateFeePerDay, fee.Fee)
}

func TestGetLateFees_OrderedByFee(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	m := addMember(t, db, "alice")
	oldest := addTitle(t, db, "111", "Oldest", 1)
	recent := addTitle(t, db, "222", "Recent", 1)

	_, err := db.Borrow(ctx, m.ID, oldest.ID, t0)
	require.NoError(t, err)
	_, err = db.Borrow(ctx, m.ID, recent.ID, t0.Add(3*24*time.Hour))
	require.NoError(t, err)

	fees, err := db.GetLateFees(ctx, m.ID, t0.Add(7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, fees, 2)
	assert.Equal(t, "Recent", fees[0].Title)
	assert.Equal(t, 50, fees[0].Fee)
	assert.Equal(t, "Oldest", fees[1].Title)
	assert.Equal(t, 200, fees[1].Fee)
}
