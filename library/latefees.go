package library

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
)

// RecomputeLateFee refreshes the stored fee of one loan as of now.
func (d *Database) RecomputeLateFee(ctx context.Context, loanID int64, now time.Time) (*LateFee, error) {
	loan, err := d.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	fee, ok, err := d.applyLateFee(ctx, *loan, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFoundf("loan #%d", loanID)
	}
	return fee, nil
}

// applyLateFee writes the fee of loan as of now. ok is false when the loan
// no longer exists, which happens when it is returned concurrently.
func (d *Database) applyLateFee(ctx context.Context, loan Loan, now time.Time) (fee *LateFee, ok bool, err error) {
	now = now.UTC()
	daysLate, amount := ComputeLateFee(loan.BorrowedAt, now)
	record := goqu.Record{"days_late": daysLate, "fee": amount, "updated_at": now}

	err = d.inTx(ctx, func(tx *sqlx.Tx) error {
		ok = false
		n, err := executeAffecting(ctx, tx, d.update("late_fees").
			Set(record).
			Where(goqu.C("loan_id").Eq(loan.ID)))
		if err != nil {
			return fmt.Errorf("update late fee of loan #%d: %w", loan.ID, err)
		}
		if n > 0 {
			ok = true
			return nil
		}

		// No fee row: either the loan is gone or it predates its fee row.
		if _, err := d.getLoan(ctx, tx, loan.ID); err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		if _, err := execute(ctx, tx, d.insertInto("late_fees").Rows(goqu.Record{
			"loan_id":    loan.ID,
			"days_late":  daysLate,
			"fee":        amount,
			"updated_at": now,
		})); err != nil {
			return fmt.Errorf("insert late fee of loan #%d: %w", loan.ID, err)
		}
		ok = true
		return nil
	})
	if err != nil || !ok {
		return nil, ok, err
	}
	return &LateFee{LoanID: loan.ID, DaysLate: daysLate, Fee: amount, UpdatedAt: now}, true, nil
}

func (d *Database) listLoans(ctx context.Context, memberID int64) ([]Loan, error) {
	ds := d.from("loans").
		Select("id", "member_id", "title_id", "borrowed_at").
		Order(goqu.C("id").Asc())
	if memberID != 0 {
		ds = ds.Where(goqu.C("member_id").Eq(memberID))
	}
	var loans []Loan
	if err := selectAll(ctx, d.db, &loans, ds); err != nil {
		return nil, fmt.Errorf("list loans: %w", err)
	}
	return loans, nil
}

// SweepLateFees recomputes the fee of every active loan as of now. Each loan
// is written in its own transaction, so running the sweep twice at the same
// instant leaves the same state, and loans returned mid-sweep are counted as
// skipped rather than failing the run.
func (d *Database) SweepLateFees(ctx context.Context, now time.Time) (SweepResult, error) {
	var result SweepResult

	loans, err := d.listLoans(ctx, 0)
	if err != nil {
		return result, err
	}
	for _, loan := range loans {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Examined++
		_, ok, err := d.applyLateFee(ctx, loan, now)
		if err != nil {
			return result, err
		}
		if ok {
			result.Updated++
		} else {
			result.Skipped++
		}
	}
	return result, nil
}

// GetLateFees recomputes a member's loans as of now and lists them ordered
// by fee, smallest first.
func (d *Database) GetLateFees(ctx context.Context, memberID int64, now time.Time) ([]LoanView, error) {
	loans, err := d.listLoans(ctx, memberID)
	if err != nil {
		return nil, err
	}
	for _, loan := range loans {
		if _, _, err := d.applyLateFee(ctx, loan, now); err != nil {
			return nil, err
		}
	}

	views, err := d.GetLoans(ctx, memberID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(views, func(i, j int) bool { return views[i].Fee < views[j].Fee })
	return views, nil
}
