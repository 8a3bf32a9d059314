package library

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
)

// Borrow lends one copy of a title to a member. Copy counters, the loan and
// its zero late fee are written in one transaction; the decrement is
// conditional on a copy still being available.
func (d *Database) Borrow(ctx context.Context, memberID, titleID int64, now time.Time) (*Loan, error) {
	now = now.UTC()

	var loan *Loan
	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		member, err := d.getMember(ctx, tx, goqu.I("m.id").Eq(memberID), fmt.Sprintf("#%d", memberID))
		if err != nil {
			return err
		}
		if !member.IsActive() {
			return fmt.Errorf("%w: %s", ErrInactive, member.LibNum)
		}
		if _, err := d.getTitle(ctx, tx, goqu.C("id").Eq(titleID), fmt.Sprintf("#%d", titleID)); err != nil {
			return err
		}

		active, err := d.countLoans(ctx, tx, memberID)
		if err != nil {
			return err
		}
		if active >= MaxActiveLoans {
			return fmt.Errorf("%w: %s already has %d loans", ErrLimitExceeded, member.LibNum, active)
		}

		n, err := executeAffecting(ctx, tx, d.update("availability").
			Set(goqu.Record{"available": goqu.L("available - 1")}).
			Where(goqu.C("title_id").Eq(titleID), goqu.C("available").Gt(0)))
		if err != nil {
			return fmt.Errorf("decrement availability: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: title #%d", ErrUnavailable, titleID)
		}

		loanID, err := d.insertID(ctx, tx, d.insertInto("loans").Rows(goqu.Record{
			"member_id":   memberID,
			"title_id":    titleID,
			"borrowed_at": now,
		}))
		if err != nil {
			return fmt.Errorf("insert loan: %w", err)
		}
		if _, err := execute(ctx, tx, d.insertInto("late_fees").Rows(goqu.Record{
			"loan_id":    loanID,
			"days_late":  0,
			"fee":        0,
			"updated_at": now,
		})); err != nil {
			return fmt.Errorf("insert late fee: %w", err)
		}

		loan = &Loan{ID: loanID, MemberID: memberID, TitleID: titleID, BorrowedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return loan, nil
}

// Return closes a member's loan: the copy goes back on the shelf, a history
// record with the on-time flag and the fee owed at now is archived, and the
// loan is deleted together with its late fee.
func (d *Database) Return(ctx context.Context, memberID, loanID int64, now time.Time) (*HistoryRecord, error) {
	now = now.UTC()

	var record *HistoryRecord
	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		loan, err := d.getLoan(ctx, tx, loanID)
		if err != nil {
			return err
		}
		if loan.MemberID != memberID {
			return notFoundf("loan #%d of member #%d", loanID, memberID)
		}

		// A full shelf means the counters were reset by hand; the return still
		// goes through without pushing available past total.
		if _, err := execute(ctx, tx, d.update("availability").
			Set(goqu.Record{"available": goqu.L("available + 1")}).
			Where(goqu.C("title_id").Eq(loan.TitleID), goqu.L("available < total"))); err != nil {
			return fmt.Errorf("increment availability: %w", err)
		}

		daysLate, fee := ComputeLateFee(loan.BorrowedAt, now)
		rec := HistoryRecord{
			MemberID:   loan.MemberID,
			TitleID:    loan.TitleID,
			BorrowedAt: loan.BorrowedAt,
			ReturnedAt: now,
			OnTime:     IsOnTime(loan.BorrowedAt, now),
			DaysLate:   daysLate,
			Fee:        fee,
		}
		rec.ID, err = d.insertID(ctx, tx, d.insertInto("history").Rows(goqu.Record{
			"member_id":   rec.MemberID,
			"title_id":    rec.TitleID,
			"borrowed_at": rec.BorrowedAt,
			"returned_at": rec.ReturnedAt,
			"on_time":     rec.OnTime,
			"days_late":   rec.DaysLate,
			"fee":         rec.Fee,
		}))
		if err != nil {
			return fmt.Errorf("insert history: %w", err)
		}

		if _, err := execute(ctx, tx, d.deleteFrom("loans").Where(goqu.C("id").Eq(loanID))); err != nil {
			return fmt.Errorf("delete loan: %w", err)
		}
		record = &rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (d *Database) getLoan(ctx context.Context, q sqlx.QueryerContext, loanID int64) (*Loan, error) {
	var l Loan
	ds := d.from("loans").
		Select("id", "member_id", "title_id", "borrowed_at").
		Where(goqu.C("id").Eq(loanID))
	if err := getOne(ctx, q, &l, ds); err != nil {
		if noRows(err) {
			return nil, notFoundf("loan #%d", loanID)
		}
		return nil, fmt.Errorf("get loan #%d: %w", loanID, err)
	}
	return &l, nil
}

// GetLoan returns an active loan.
func (d *Database) GetLoan(ctx context.Context, loanID int64) (*Loan, error) {
	return d.getLoan(ctx, d.db, loanID)
}

func (d *Database) countLoans(ctx context.Context, q sqlx.QueryerContext, memberID int64) (int, error) {
	var n int
	ds := d.from("loans").
		Select(goqu.COUNT(goqu.Star())).
		Where(goqu.C("member_id").Eq(memberID))
	if err := getOne(ctx, q, &n, ds); err != nil {
		return 0, fmt.Errorf("count loans: %w", err)
	}
	return n, nil
}

// ActiveLoanCount returns how many loans a member currently holds.
func (d *Database) ActiveLoanCount(ctx context.Context, memberID int64) (int, error) {
	return d.countLoans(ctx, d.db, memberID)
}

// GetLoans lists a member's active loans with title, due date and the fee
// stored by the last recomputation, oldest first.
func (d *Database) GetLoans(ctx context.Context, memberID int64) ([]LoanView, error) {
	ds := d.from(goqu.T("loans").As("l")).
		Join(goqu.T("titles").As("t"), goqu.On(goqu.I("t.id").Eq(goqu.I("l.title_id")))).
		LeftJoin(goqu.T("late_fees").As("f"), goqu.On(goqu.I("f.loan_id").Eq(goqu.I("l.id")))).
		Select(
			goqu.I("l.id"), goqu.I("l.member_id"), goqu.I("l.title_id"), goqu.I("l.borrowed_at"),
			goqu.I("t.isbn"), goqu.I("t.title"), goqu.I("t.author"),
			goqu.COALESCE(goqu.I("f.days_late"), 0).As("days_late"),
			goqu.COALESCE(goqu.I("f.fee"), 0).As("fee"),
		).
		Where(goqu.I("l.member_id").Eq(memberID)).
		Order(goqu.I("l.borrowed_at").Asc(), goqu.I("l.id").Asc())

	var loans []LoanView
	if err := selectAll(ctx, d.db, &loans, ds); err != nil {
		return nil, fmt.Errorf("list loans: %w", err)
	}
	for i := range loans {
		loans[i].Due = loans[i].DueAt()
	}
	return loans, nil
}

// GetHistory lists a member's returned loans, most recently borrowed first.
func (d *Database) GetHistory(ctx context.Context, memberID int64) ([]HistoryView, error) {
	ds := d.from(goqu.T("history").As("h")).
		Join(goqu.T("titles").As("t"), goqu.On(goqu.I("t.id").Eq(goqu.I("h.title_id")))).
		Select(
			goqu.I("h.id"), goqu.I("h.member_id"), goqu.I("h.title_id"),
			goqu.I("h.borrowed_at"), goqu.I("h.returned_at"), goqu.I("h.on_time"),
			goqu.I("h.days_late"), goqu.I("h.fee"),
			goqu.I("t.isbn"), goqu.I("t.title"),
		).
		Where(goqu.I("h.member_id").Eq(memberID)).
		Order(goqu.I("h.borrowed_at").Desc(), goqu.I("h.id").Desc())

	var history []HistoryView
	if err := selectAll(ctx, d.db, &history, ds); err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return history, nil
}
