package library

import "time"

// Member joins a user identity with its library membership record.
// Active reports the membership flag, UserActive the identity flag; a member
// is only usable when both are set.
type Member struct {
	ID         int64     `json:"id" db:"id"`
	UserID     int64     `json:"user_id" db:"user_id"`
	Username   string    `json:"username" db:"username"`
	Email      string    `json:"email" db:"email"`
	LibNum     string    `json:"lib_num" db:"lib_num"`
	Active     bool      `json:"is_active" db:"is_active"`
	UserActive bool      `json:"-" db:"user_active"`
	FavGenre   string    `json:"fav_genre" db:"fav_genre"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// IsActive reports whether both the identity and the membership are active.
func (m *Member) IsActive() bool { return m.Active && m.UserActive }

// Title is a catalog entry.
type Title struct {
	ID        int64     `json:"id" db:"id"`
	ISBN      string    `json:"isbn" db:"isbn"`
	Title     string    `json:"title" db:"title"`
	Author    string    `json:"author" db:"author"`
	Genre     string    `json:"genre" db:"genre"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Availability tracks the copy counters of a title. 0 <= Available <= Total.
type Availability struct {
	TitleID   int64 `json:"title_id" db:"title_id"`
	Total     int   `json:"total" db:"total"`
	Available int   `json:"available" db:"available"`
}

// Borrowed is the number of copies currently out on loan.
func (a Availability) Borrowed() int { return a.Total - a.Available }

// Loan is an active borrow.
type Loan struct {
	ID         int64     `json:"id" db:"id"`
	MemberID   int64     `json:"member_id" db:"member_id"`
	TitleID    int64     `json:"title_id" db:"title_id"`
	BorrowedAt time.Time `json:"borrowed_at" db:"borrowed_at"`
}

// DueAt returns the loan's due date.
func (l Loan) DueAt() time.Time { return DueDate(l.BorrowedAt) }

// LateFee belongs to exactly one Loan.
type LateFee struct {
	LoanID    int64     `json:"loan_id" db:"loan_id"`
	DaysLate  int       `json:"days_late" db:"days_late"`
	Fee       int       `json:"fee" db:"fee"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HistoryRecord is the archival snapshot of a returned loan. Never mutated.
type HistoryRecord struct {
	ID         int64     `json:"id" db:"id"`
	MemberID   int64     `json:"member_id" db:"member_id"`
	TitleID    int64     `json:"title_id" db:"title_id"`
	BorrowedAt time.Time `json:"borrowed_at" db:"borrowed_at"`
	ReturnedAt time.Time `json:"returned_at" db:"returned_at"`
	OnTime     bool      `json:"on_time" db:"on_time"`
	DaysLate   int       `json:"days_late" db:"days_late"`
	Fee        int       `json:"fee" db:"fee"`
}

// Request records a member asking for a book that is not in the catalog.
type Request struct {
	ID          int64     `json:"id" db:"id"`
	MemberID    int64     `json:"member_id" db:"member_id"`
	ISBN        string    `json:"isbn" db:"isbn"`
	Title       string    `json:"title" db:"title"`
	Author      string    `json:"author" db:"author"`
	RequestedAt time.Time `json:"requested_at" db:"requested_at"`
}

// Rating is a member's 0-5 score and optional review of a title.
type Rating struct {
	ID        int64     `json:"id" db:"id"`
	MemberID  int64     `json:"member_id" db:"member_id"`
	TitleID   int64     `json:"title_id" db:"title_id"`
	Rating    int       `json:"rating" db:"rating"`
	Review    string    `json:"review" db:"review"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ---------------------------------------------------------------------------
// Read projections
// ---------------------------------------------------------------------------

// TitleSummary is a catalog row annotated for search and popularity listings.
type TitleSummary struct {
	Title
	AvgRating     float64 `json:"avg_rating" db:"avg_rating"`
	BorrowedCount int     `json:"borrowed_count" db:"borrowed_count"`
	Total         int     `json:"total" db:"total"`
	Available     int     `json:"available" db:"available"`
}

// TitleDetail is everything shown for a single title.
type TitleDetail struct {
	Title          Title         `json:"title"`
	Availability   *Availability `json:"availability,omitempty"`
	AvgRating      float64       `json:"avg_rating"`
	EarliestReturn *time.Time    `json:"earliest_return,omitempty"`
	Ratings        []RatingView  `json:"ratings"`
}

// RatingView is a rating with the reviewer's membership number.
type RatingView struct {
	Rating
	LibNum string `json:"lib_num" db:"lib_num"`
}

// LoanView is an active loan joined with its title and current late fee.
type LoanView struct {
	Loan
	ISBN     string    `json:"isbn" db:"isbn"`
	Title    string    `json:"title" db:"title"`
	Author   string    `json:"author" db:"author"`
	Due      time.Time `json:"due_at" db:"-"`
	DaysLate int       `json:"days_late" db:"days_late"`
	Fee      int       `json:"fee" db:"fee"`
}

// HistoryView is a history record joined with its title.
type HistoryView struct {
	HistoryRecord
	ISBN  string `json:"isbn" db:"isbn"`
	Title string `json:"title" db:"title"`
}

// SweepResult summarises one pass of the late-fee sweep.
type SweepResult struct {
	Examined int `json:"examined"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}
