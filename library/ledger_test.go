package library

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBorrow_DecrementsAndCreatesZeroFee(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	m := addMember(t, db, "alice")
	title := addTitle(t, db, "111", "Dune", 2)

	loan, err := db.Borrow(ctx, m.ID, title.ID, t0)
	require.NoError(t, err)
	assert.True(t, loan.DueAt().Equal(t0.Add(72*time.Hour)))
	assert.Equal(t, 1, availability(t, db, title.ID).Available)

	loans, err := db.GetLoans(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, loans, 1)
	assert.Equal(t, "Dune", loans[0].Title)
	assert.Equal(t, 0, loans[0].Fee)
	assert.True(t, loans[0].Due.Equal(DueDate(t0)))
}

func TestBorrow_LimitExceeded(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	m := addMember(t, db, "alice")

	var loans []*Loan
	for i := 0; i < MaxActiveLoans; i++ {
		title := addTitle(t, db, fmt.Sprintf("isbn-%d", i), fmt.Sprintf("Book %d", i), 1)
		loan, err := db.Borrow(ctx, m.ID, title.ID, t0)
		require.NoError(t, err)
		loans = append(loans, loan)
	}

	extra := addTitle(t, db, "isbn-extra", "One Too Many", 1)
	_, err := db.Borrow(ctx, m.ID, extra.ID, t0)
	assert.ErrorIs(t, err, ErrLimitExceeded)
	assert.Equal(t, 1, availability(t, db, extra.ID).Available, "refused borrow must not touch stock")

	n, err := db.ActiveLoanCount(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, MaxActiveLoans, n)

	// Returning one loan frees a slot.
	_, err = db.Return(ctx, m.ID, loans[0].ID, t0.Add(time.Hour))
	require.NoError(t, err)
	_, err = db.Borrow(ctx, m.ID, extra.ID, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, availability(t, db, extra.ID).Available)

	n, err = db.ActiveLoanCount(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, MaxActiveLoans, n)
}

func TestBorrow_Unavailable(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	alice := addMember(t, db, "alice")
	bob := addMember(t, db, "bob")
	single := addTitle(t, db, "111", "Single Copy", 1)
	none := addTitle(t, db, "222", "No Copies", 0)

	_, err := db.Borrow(ctx, alice.ID, single.ID, t0)
	require.NoError(t, err)
	_, err = db.Borrow(ctx, bob.ID, single.ID, t0)
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = db.Borrow(ctx, bob.ID, none.ID, t0)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, availability(t, db, none.ID).Available)
}

func TestBorrow_InactiveAndMissing(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	m := addMember(t, db, "alice")
	title := addTitle(t, db, "111", "Dune", 1)

	require.NoError(t, db.SetMemberActive(ctx, m.ID, false))
	_, err := db.Borrow(ctx, m.ID, title.ID, t0)
	assert.ErrorIs(t, err, ErrInactive)

	_, err = db.Borrow(ctx, 999, title.ID, t0)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.SetMemberActive(ctx, m.ID, true))
	_, err = db.Borrow(ctx, m.ID, 999, t0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReturn_OnTimeFlag(t *testing.T) {
	cases := []struct {
		name     string
		after    time.Duration
		onTime   bool
		daysLate int
		fee      int
	}{
		{"same day", 2 * time.Hour, true, 0, 0},
		{"exactly due", 72 * time.Hour, true, 0, 0},
		{"one second late", 72*time.Hour + time.Second, false, 0, 0},
		{"two days late", 5 * 24 * time.Hour, false, 2, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db := tempDB(t)
			ctx := context.Background()
			m := addMember(t, db, "alice")
			title := addTitle(t, db, "111", "Dune", 1)

			loan, err := db.Borrow(ctx, m.ID, title.ID, t0)
			require.NoError(t, err)

			rec, err := db.Return(ctx, m.ID, loan.ID, t0.Add(tc.after))
			require.NoError(t, err)
			assert.Equal(t, tc.onTime, rec.OnTime)
			assert.Equal(t, tc.daysLate, rec.DaysLate)
			assert.Equal(t, tc.fee, rec.Fee)

			a := availability(t, db, title.ID)
			assert.Equal(t, a.Total, a.Available)

			history, err := db.GetHistory(ctx, m.ID)
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.Equal(t, tc.onTime, history[0].OnTime)
			assert.Equal(t, "Dune", history[0].Title)
			assert.True(t, history[0].BorrowedAt.Equal(t0))
		})
	}
}

func TestReturn_RemovesLoanAndFee(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	m := addMember(t, db, "alice")
	title := addTitle(t, db, "111", "Dune", 1)

	loan, err := db.Borrow(ctx, m.ID, title.ID, t0)
	require.NoError(t, err)
	_, err = db.Return(ctx, m.ID, loan.ID, t0.Add(time.Hour))
	require.NoError(t, err)

	_, err = db.GetLoan(ctx, loan.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	var fees int
	require.NoError(t, db.db.Get(&fees, `SELECT COUNT(*) FROM late_fees WHERE loan_id = ?`, loan.ID))
	assert.Zero(t, fees)

	_, err = db.Return(ctx, m.ID, loan.ID, t0.Add(time.Hour))
	assert.ErrorIs(t, err, ErrNotFound, "a loan can only be returned once")
}

func TestReturn_OnlyOwnLoans(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	alice := addMember(t, db, "alice")
	bob := addMember(t, db, "bob")
	title := addTitle(t, db, "111", "Dune", 1)

	loan, err := db.Borrow(ctx, alice.ID, title.ID, t0)
	require.NoError(t, err)

	_, err = db.Return(ctx, bob.ID, loan.ID, t0)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, availability(t, db, title.ID).Available)
}

func TestReturn_FullShelfStaysWithinTotal(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	m := addMember(t, db, "alice")
	title := addTitle(t, db, "111", "Dune", 2)

	loan, err := db.Borrow(ctx, m.ID, title.ID, t0)
	require.NoError(t, err)
	require.NoError(t, db.SetStock(ctx, "111", 2, 2))

	_, err = db.Return(ctx, m.ID, loan.ID, t0.Add(time.Hour))
	require.NoError(t, err)
	a := availability(t, db, title.ID)
	assert.Equal(t, 2, a.Available)
	assert.Equal(t, 2, a.Total)
}

func TestBorrow_ConcurrentSingleCopy(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	title := addTitle(t, db, "111", "Contested", 1)

	const n = 6
	members := make([]*Member, n)
	for i := range members {
		members[i] = addMember(t, db, fmt.Sprintf("member%d", i))
	}

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		successes   int
		unavailable int
	)
	for _, m := range members {
		wg.Add(1)
		go func(memberID int64) {
			defer wg.Done()
			_, err := db.Borrow(ctx, memberID, title.ID, t0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrUnavailable):
				unavailable++
			default:
				t.Errorf("unexpected borrow error: %v", err)
			}
		}(m.ID)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, unavailable)
	a := availability(t, db, title.ID)
	assert.Equal(t, 0, a.Available)
	assert.Equal(t, 1, a.Borrowed())
}

func TestGetHistory_NewestBorrowFirst(t *testing.T) {
	db := tempDB(t)
	ctx := context.Background()
	m := addMember(t, db, "alice")
	a := addTitle(t, db, "111", "First", 1)
	b := addTitle(t, db, "222", "Second", 1)

	l1, err := db.Borrow(ctx, m.ID, a.ID, t0)
	require.NoError(t, err)
	l2, err := db.Borrow(ctx, m.ID, b.ID, t0.Add(time.Hour))
	require.NoError(t, err)
	_, err = db.Return(ctx, m.ID, l2.ID, t0.Add(2*time.Hour))
	require.NoError(t, err)
	_, err = db.Return(ctx, m.ID, l1.ID, t0.Add(3*time.Hour))
	require.NoError(t, err)

	history, err := db.GetHistory(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Second", history[0].Title)
	assert.Equal(t, "First", history[1].Title)
}
