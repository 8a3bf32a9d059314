package library

import (
	"context"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
)

// Rating bounds.
const (
	MinRating = 0
	MaxRating = 5
)

// ------------------ Requests ------------------

// AddRequest records a member asking for a book that is not in the catalog.
func (d *Database) AddRequest(ctx context.Context, r Request) (*Request, error) {
	r.ISBN = strings.TrimSpace(r.ISBN)
	if r.ISBN == "" {
		return nil, validationf("isbn is required")
	}
	r.Title = strings.TrimSpace(r.Title)
	r.Author = strings.TrimSpace(r.Author)
	r.RequestedAt = r.RequestedAt.UTC()

	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		id, err := d.insertID(ctx, tx, d.insertInto("requests").Rows(goqu.Record{
			"member_id":    r.MemberID,
			"isbn":         r.ISBN,
			"title":        r.Title,
			"author":       r.Author,
			"requested_at": r.RequestedAt,
		}))
		if err != nil {
			return fmt.Errorf("insert request: %w", err)
		}
		r.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRequests lists a member's requests, newest first.
func (d *Database) GetRequests(ctx context.Context, memberID int64) ([]Request, error) {
	ds := d.from("requests").
		Select("id", "member_id", "isbn", "title", "author", "requested_at").
		Where(goqu.C("member_id").Eq(memberID)).
		Order(goqu.C("requested_at").Desc(), goqu.C("id").Desc())
	var requests []Request
	if err := selectAll(ctx, d.db, &requests, ds); err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return requests, nil
}

// ------------------ Ratings ------------------

// AddRating stores a member's rating of a title. A member rates a title once.
func (d *Database) AddRating(ctx context.Context, r Rating) (*Rating, error) {
	if r.Rating < MinRating || r.Rating > MaxRating {
		return nil, validationf("rating must be between %d and %d, got %d", MinRating, MaxRating, r.Rating)
	}
	r.Review = strings.TrimSpace(r.Review)
	r.CreatedAt = r.CreatedAt.UTC()

	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := d.getTitle(ctx, tx, goqu.C("id").Eq(r.TitleID), fmt.Sprintf("#%d", r.TitleID)); err != nil {
			return err
		}
		id, err := d.insertID(ctx, tx, d.insertInto("ratings").Rows(goqu.Record{
			"member_id":  r.MemberID,
			"title_id":   r.TitleID,
			"rating":     r.Rating,
			"review":     r.Review,
			"created_at": r.CreatedAt,
		}))
		if err != nil {
			if isUniqueViolation(err) {
				return validationf("member #%d already rated title #%d", r.MemberID, r.TitleID)
			}
			return fmt.Errorf("insert rating: %w", err)
		}
		r.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRatings lists the ratings of a title with the reviewers' membership
// numbers, newest first.
func (d *Database) GetRatings(ctx context.Context, titleID int64) ([]RatingView, error) {
	ds := d.from(goqu.T("ratings").As("r")).
		Join(goqu.T("members").As("m"), goqu.On(goqu.I("m.id").Eq(goqu.I("r.member_id")))).
		Select(
			goqu.I("r.id"), goqu.I("r.member_id"), goqu.I("r.title_id"),
			goqu.I("r.rating"), goqu.I("r.review"), goqu.I("r.created_at"),
			goqu.I("m.lib_num"),
		).
		Where(goqu.I("r.title_id").Eq(titleID)).
		Order(goqu.I("r.created_at").Desc(), goqu.I("r.id").Desc())
	ratings := []RatingView{}
	if err := selectAll(ctx, d.db, &ratings, ds); err != nil {
		return nil, fmt.Errorf("list ratings: %w", err)
	}
	return ratings, nil
}

func averageRating(ratings []RatingView) float64 {
	if len(ratings) == 0 {
		return 0
	}
	sum := 0
	for _, r := range ratings {
		sum += r.Rating.Rating
	}
	return float64(sum) / float64(len(ratings))
}
