package library

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jmoiron/sqlx"
)

// PopularLimit is how many titles the popularity listing returns.
const PopularLimit = 10

// AddTitle stores a catalog entry with copies copies, all available.
func (d *Database) AddTitle(ctx context.Context, t Title, copies int, now time.Time) (*Title, error) {
	t.ISBN = strings.TrimSpace(t.ISBN)
	t.Title = strings.TrimSpace(t.Title)
	t.Author = strings.TrimSpace(t.Author)
	switch {
	case t.ISBN == "":
		return nil, validationf("isbn is required")
	case t.Title == "":
		return nil, validationf("title is required")
	case t.Author == "":
		return nil, validationf("author is required")
	case copies < 0:
		return nil, validationf("copies must not be negative, got %d", copies)
	}
	t.CreatedAt = now.UTC()

	var stored Title
	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		id, err := d.insertID(ctx, tx, d.insertInto("titles").Rows(goqu.Record{
			"isbn":       t.ISBN,
			"title":      t.Title,
			"author":     t.Author,
			"genre":      t.Genre,
			"created_at": t.CreatedAt,
		}))
		if err != nil {
			if isUniqueViolation(err) {
				return validationf("isbn %s is already in the catalog", t.ISBN)
			}
			return fmt.Errorf("insert title: %w", err)
		}
		if _, err := execute(ctx, tx, d.insertInto("availability").Rows(goqu.Record{
			"title_id":  id,
			"total":     copies,
			"available": copies,
		})); err != nil {
			return fmt.Errorf("insert availability: %w", err)
		}
		stored = t
		stored.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// SetStock overwrites the copy counters of the title with the given ISBN,
// creating its availability record if it has none.
func (d *Database) SetStock(ctx context.Context, isbn string, total, available int) error {
	if total < 0 || available < 0 || available > total {
		return validationf("stock must satisfy 0 <= available <= total, got available=%d total=%d", available, total)
	}
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		title, err := d.getTitle(ctx, tx, goqu.C("isbn").Eq(isbn), isbn)
		if err != nil {
			return err
		}
		n, err := executeAffecting(ctx, tx, d.update("availability").
			Set(goqu.Record{"total": total, "available": available}).
			Where(goqu.C("title_id").Eq(title.ID)))
		if err != nil {
			return fmt.Errorf("update availability: %w", err)
		}
		if n > 0 {
			return nil
		}
		if _, err := execute(ctx, tx, d.insertInto("availability").Rows(goqu.Record{
			"title_id":  title.ID,
			"total":     total,
			"available": available,
		})); err != nil {
			return fmt.Errorf("insert availability: %w", err)
		}
		return nil
	})
}

func (d *Database) getTitle(ctx context.Context, q sqlx.QueryerContext, where exp.Expression, what string) (*Title, error) {
	var t Title
	ds := d.from("titles").
		Select("id", "isbn", "title", "author", "genre", "created_at").
		Where(where)
	if err := getOne(ctx, q, &t, ds); err != nil {
		if noRows(err) {
			return nil, notFoundf("title %s", what)
		}
		return nil, fmt.Errorf("get title %s: %w", what, err)
	}
	return &t, nil
}

// GetTitle returns the title with the given id.
func (d *Database) GetTitle(ctx context.Context, id int64) (*Title, error) {
	return d.getTitle(ctx, d.db, goqu.C("id").Eq(id), fmt.Sprintf("#%d", id))
}

// GetTitleByISBN returns the title with the given ISBN.
func (d *Database) GetTitleByISBN(ctx context.Context, isbn string) (*Title, error) {
	return d.getTitle(ctx, d.db, goqu.C("isbn").Eq(strings.TrimSpace(isbn)), strings.TrimSpace(isbn))
}

// GetAvailability returns the copy counters of a title.
func (d *Database) GetAvailability(ctx context.Context, titleID int64) (*Availability, error) {
	var a Availability
	ds := d.from("availability").
		Select("title_id", "total", "available").
		Where(goqu.C("title_id").Eq(titleID))
	if err := getOne(ctx, d.db, &a, ds); err != nil {
		if noRows(err) {
			return nil, notFoundf("availability of title #%d", titleID)
		}
		return nil, fmt.Errorf("get availability: %w", err)
	}
	return &a, nil
}

// SearchTitles does a case-insensitive substring match over title, author,
// genre and ISBN. Results are ordered by average rating, then by copies
// currently on loan, then by title. An empty query matches everything and a
// limit of 0 means no limit.
func (d *Database) SearchTitles(ctx context.Context, query string, limit int) ([]TitleSummary, error) {
	avgRating := d.from(goqu.T("ratings").As("r")).
		Select(goqu.AVG(goqu.I("r.rating"))).
		Where(goqu.I("r.title_id").Eq(goqu.I("t.id")))
	borrowed := d.from(goqu.T("loans").As("l")).
		Select(goqu.COUNT(goqu.Star())).
		Where(goqu.I("l.title_id").Eq(goqu.I("t.id")))

	ds := d.from(goqu.T("titles").As("t")).
		LeftJoin(goqu.T("availability").As("a"), goqu.On(goqu.I("a.title_id").Eq(goqu.I("t.id")))).
		Select(
			goqu.I("t.id"), goqu.I("t.isbn"), goqu.I("t.title"),
			goqu.I("t.author"), goqu.I("t.genre"), goqu.I("t.created_at"),
			goqu.COALESCE(avgRating, 0).As("avg_rating"),
			goqu.COALESCE(borrowed, 0).As("borrowed_count"),
			goqu.COALESCE(goqu.I("a.total"), 0).As("total"),
			goqu.COALESCE(goqu.I("a.available"), 0).As("available"),
		).
		Order(
			// Unrated titles rank after every rated one, including 0-star titles.
			goqu.L("?", avgRating).Desc().NullsLast(),
			goqu.I("borrowed_count").Desc(),
			goqu.I("t.title").Asc(),
		)

	if q := strings.ToLower(strings.TrimSpace(query)); q != "" {
		pattern := "%" + q + "%"
		ds = ds.Where(goqu.Or(
			goqu.Func("LOWER", goqu.I("t.title")).Like(pattern),
			goqu.Func("LOWER", goqu.I("t.author")).Like(pattern),
			goqu.Func("LOWER", goqu.I("t.genre")).Like(pattern),
			goqu.Func("LOWER", goqu.I("t.isbn")).Like(pattern),
		))
	}
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}

	var titles []TitleSummary
	if err := selectAll(ctx, d.db, &titles, ds); err != nil {
		return nil, fmt.Errorf("search titles: %w", err)
	}
	return titles, nil
}

// PopularTitles returns the top PopularLimit titles in search order.
func (d *Database) PopularTitles(ctx context.Context) ([]TitleSummary, error) {
	return d.SearchTitles(ctx, "", PopularLimit)
}

// EarliestReturn returns the due date of the oldest active loan of a title,
// or nil when every copy is on the shelf.
func (d *Database) EarliestReturn(ctx context.Context, titleID int64) (*time.Time, error) {
	avail, err := d.GetAvailability(ctx, titleID)
	if err != nil {
		return nil, err
	}
	if avail.Available >= avail.Total {
		return nil, nil
	}

	var borrowedAt time.Time
	ds := d.from("loans").
		Select("borrowed_at").
		Where(goqu.C("title_id").Eq(titleID)).
		Order(goqu.C("borrowed_at").Asc()).
		Limit(1)
	if err := getOne(ctx, d.db, &borrowedAt, ds); err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("earliest return: %w", err)
	}
	due := DueDate(borrowedAt)
	return &due, nil
}

// GetTitleDetail gathers everything shown for a single title.
func (d *Database) GetTitleDetail(ctx context.Context, isbn string) (*TitleDetail, error) {
	title, err := d.GetTitleByISBN(ctx, isbn)
	if err != nil {
		return nil, err
	}
	detail := &TitleDetail{Title: *title}

	avail, err := d.GetAvailability(ctx, title.ID)
	switch {
	case err == nil:
		detail.Availability = avail
		if detail.EarliestReturn, err = d.EarliestReturn(ctx, title.ID); err != nil {
			return nil, err
		}
	case isNotFound(err):
	default:
		return nil, err
	}

	if detail.Ratings, err = d.GetRatings(ctx, title.ID); err != nil {
		return nil, err
	}
	detail.AvgRating = averageRating(detail.Ratings)
	return detail, nil
}
