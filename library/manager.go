package library

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"library-web/metrics"
)

// MinPasswordLength is the shortest password accepted on sign-up and reset.
const MinPasswordLength = 8

// LibraryManager is the service façade over the Database: it hashes
// passwords, stamps operations with the clock, and logs and counts outcomes.
type LibraryManager struct {
	db         *Database
	log        logrus.FieldLogger
	metrics    *metrics.Collector
	now        func() time.Time
	bcryptCost int
}

// Option configures a LibraryManager.
type Option func(*LibraryManager)

// WithLogger sets the logger. Defaults to logrus.StandardLogger().
func WithLogger(log logrus.FieldLogger) Option {
	return func(lm *LibraryManager) { lm.log = log }
}

// WithMetrics sets the metrics collector. Nil disables metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(lm *LibraryManager) { lm.metrics = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(lm *LibraryManager) { lm.now = now }
}

// WithBcryptCost sets the bcrypt work factor; tests use bcrypt.MinCost.
func WithBcryptCost(cost int) Option {
	return func(lm *LibraryManager) { lm.bcryptCost = cost }
}

// NewLibraryManager wraps an open Database.
func NewLibraryManager(db *Database, opts ...Option) *LibraryManager {
	lm := &LibraryManager{
		db:         db,
		log:        logrus.StandardLogger(),
		now:        time.Now,
		bcryptCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(lm)
	}
	return lm
}

// OpenLibraryManager opens the database for driver and dsn and wraps it.
func OpenLibraryManager(driver, dsn string, opts ...Option) (*LibraryManager, error) {
	db, err := Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	return NewLibraryManager(db, opts...), nil
}

// Close closes the underlying database.
func (lm *LibraryManager) Close() error { return lm.db.Close() }

// DB exposes the underlying database.
func (lm *LibraryManager) DB() *Database { return lm.db }

// Now returns the manager's notion of the current time in UTC.
func (lm *LibraryManager) Now() time.Time { return lm.now().UTC() }

// resultLabel classifies err for metrics labels.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrInactive):
		return "inactive"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrInvalidCredentials):
		return "bad_credentials"
	default:
		return "error"
	}
}

func (lm *LibraryManager) hashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", validationf("password must be at least %d characters", MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), lm.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// ------------------ Identity ------------------

// SignUp registers a user and its membership. The member stays inactive until
// the first sign-in.
func (lm *LibraryManager) SignUp(ctx context.Context, username, email, password string) (*Member, error) {
	member, err := lm.signUp(ctx, username, email, password)
	lm.metrics.RecordMemberEvent("signup", resultLabel(err))
	if err != nil {
		return nil, err
	}
	lm.log.WithFields(logrus.Fields{"member_id": member.ID, "lib_num": member.LibNum}).Info("member registered")
	return member, nil
}

func (lm *LibraryManager) signUp(ctx context.Context, username, email, password string) (*Member, error) {
	if strings.TrimSpace(username) == "" {
		return nil, validationf("username is required")
	}
	hash, err := lm.hashPassword(password)
	if err != nil {
		return nil, err
	}
	return lm.db.CreateMember(ctx, username, strings.TrimSpace(email), hash, lm.Now())
}

// Authenticate checks a username/password pair. Unknown users and wrong
// passwords are both ErrInvalidCredentials.
func (lm *LibraryManager) Authenticate(ctx context.Context, username, password string) (*Member, error) {
	hash, err := lm.db.PasswordHash(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return lm.db.GetMemberByUsername(ctx, username)
}

// SignIn authenticates and activates both the identity and the membership.
func (lm *LibraryManager) SignIn(ctx context.Context, username, password string) (*Member, error) {
	member, err := lm.signIn(ctx, username, password)
	lm.metrics.RecordMemberEvent("signin", resultLabel(err))
	if err != nil {
		lm.log.WithField("username", username).WithError(err).Warn("sign-in refused")
		return nil, err
	}
	lm.log.WithField("lib_num", member.LibNum).Info("member signed in")
	return member, nil
}

func (lm *LibraryManager) signIn(ctx context.Context, username, password string) (*Member, error) {
	member, err := lm.Authenticate(ctx, username, password)
	if err != nil {
		return nil, err
	}
	if err := lm.db.SetMemberActive(ctx, member.ID, true); err != nil {
		return nil, err
	}
	member.Active, member.UserActive = true, true
	return member, nil
}

// SignOut deactivates both the identity and the membership.
func (lm *LibraryManager) SignOut(ctx context.Context, memberID int64) error {
	err := lm.db.SetMemberActive(ctx, memberID, false)
	lm.metrics.RecordMemberEvent("signout", resultLabel(err))
	if err != nil {
		return err
	}
	lm.log.WithField("member_id", memberID).Info("member signed out")
	return nil
}

// Deactivate clears both active flags after an inactivity timeout.
func (lm *LibraryManager) Deactivate(ctx context.Context, memberID int64) error {
	err := lm.db.SetMemberActive(ctx, memberID, false)
	lm.metrics.RecordMemberEvent("expire", resultLabel(err))
	if err != nil {
		return err
	}
	lm.log.WithField("member_id", memberID).Info("member deactivated after inactivity")
	return nil
}

// ResetPassword sets a new password when username and libNum name the same
// member. Any mismatch is reported as ErrNotFound.
func (lm *LibraryManager) ResetPassword(ctx context.Context, username, libNum, newPassword string) error {
	err := lm.resetPassword(ctx, username, libNum, newPassword)
	lm.metrics.RecordMemberEvent("password_reset", resultLabel(err))
	if err != nil {
		return err
	}
	lm.log.WithField("lib_num", libNum).Info("password reset")
	return nil
}

func (lm *LibraryManager) resetPassword(ctx context.Context, username, libNum, newPassword string) error {
	byUser, err := lm.db.GetMemberByUsername(ctx, username)
	if err != nil {
		return err
	}
	byNum, err := lm.db.GetMemberByLibNum(ctx, libNum)
	if err != nil {
		return err
	}
	if byUser.ID != byNum.ID {
		return notFoundf("membership %s does not belong to %q", libNum, username)
	}
	hash, err := lm.hashPassword(newPassword)
	if err != nil {
		return err
	}
	return lm.db.SetPasswordHash(ctx, byUser.UserID, hash)
}

// ------------------ Member helpers ------------------

func (lm *LibraryManager) GetMember(ctx context.Context, id int64) (*Member, error) {
	return lm.db.GetMember(ctx, id)
}

func (lm *LibraryManager) GetMemberByLibNum(ctx context.Context, libNum string) (*Member, error) {
	return lm.db.GetMemberByLibNum(ctx, libNum)
}

func (lm *LibraryManager) GetAllMembers(ctx context.Context) ([]Member, error) {
	return lm.db.GetAllMembers(ctx)
}

// UpdateProfile stores the member's favourite genres.
func (lm *LibraryManager) UpdateProfile(ctx context.Context, memberID int64, favGenre string) (*Member, error) {
	if err := lm.db.SetFavGenre(ctx, memberID, favGenre); err != nil {
		return nil, err
	}
	return lm.db.GetMember(ctx, memberID)
}

// Home is the landing view of a member.
type Home struct {
	Member  *Member        `json:"member"`
	Loans   []LoanView     `json:"loans"`
	Popular []TitleSummary `json:"popular"`
	ForYou  []TitleSummary `json:"for_you,omitempty"`
}

// Home gathers the member's loans, the popular titles and, when a favourite
// genre is set, the best titles matching it.
func (lm *LibraryManager) Home(ctx context.Context, memberID int64) (*Home, error) {
	member, err := lm.db.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	home := &Home{Member: member}
	if home.Loans, err = lm.db.GetLoans(ctx, memberID); err != nil {
		return nil, err
	}
	if home.Popular, err = lm.db.PopularTitles(ctx); err != nil {
		return nil, err
	}
	if member.FavGenre != "" {
		if home.ForYou, err = lm.db.SearchTitles(ctx, member.FavGenre, PopularLimit); err != nil {
			return nil, err
		}
	}
	return home, nil
}

// ------------------ Catalog helpers ------------------

func (lm *LibraryManager) AddTitle(ctx context.Context, isbn, title, author, genre string, copies int) (*Title, error) {
	t, err := lm.db.AddTitle(ctx, Title{ISBN: isbn, Title: title, Author: author, Genre: genre}, copies, lm.Now())
	if err != nil {
		return nil, err
	}
	lm.log.WithFields(logrus.Fields{"isbn": t.ISBN, "copies": copies}).Info("title added")
	return t, nil
}

func (lm *LibraryManager) SetStock(ctx context.Context, isbn string, total, available int) error {
	return lm.db.SetStock(ctx, isbn, total, available)
}

func (lm *LibraryManager) SearchTitles(ctx context.Context, query string) ([]TitleSummary, error) {
	return lm.db.SearchTitles(ctx, query, 0)
}

func (lm *LibraryManager) PopularTitles(ctx context.Context) ([]TitleSummary, error) {
	return lm.db.PopularTitles(ctx)
}

func (lm *LibraryManager) TitleDetail(ctx context.Context, isbn string) (*TitleDetail, error) {
	return lm.db.GetTitleDetail(ctx, isbn)
}

// ------------------ Ledger helpers ------------------

// Borrow lends the title with the given ISBN to a member.
func (lm *LibraryManager) Borrow(ctx context.Context, memberID int64, isbn string) (*Loan, error) {
	loan, err := lm.borrow(ctx, memberID, isbn)
	lm.metrics.RecordBorrow(resultLabel(err))
	entry := lm.log.WithFields(logrus.Fields{"member_id": memberID, "isbn": isbn})
	if err != nil {
		entry.WithError(err).Info("borrow refused")
		return nil, err
	}
	entry.WithField("loan_id", loan.ID).Info("title borrowed")
	return loan, nil
}

func (lm *LibraryManager) borrow(ctx context.Context, memberID int64, isbn string) (*Loan, error) {
	title, err := lm.db.GetTitleByISBN(ctx, isbn)
	if err != nil {
		return nil, err
	}
	return lm.db.Borrow(ctx, memberID, title.ID, lm.Now())
}

// Return closes one of the member's loans.
func (lm *LibraryManager) Return(ctx context.Context, memberID, loanID int64) (*HistoryRecord, error) {
	rec, err := lm.db.Return(ctx, memberID, loanID, lm.Now())
	entry := lm.log.WithFields(logrus.Fields{"member_id": memberID, "loan_id": loanID})
	if err != nil {
		entry.WithError(err).Info("return refused")
		return nil, err
	}
	lm.metrics.RecordReturn(rec.OnTime)
	entry.WithFields(logrus.Fields{"on_time": rec.OnTime, "fee": rec.Fee}).Info("title returned")
	return rec, nil
}

func (lm *LibraryManager) Loans(ctx context.Context, memberID int64) ([]LoanView, error) {
	return lm.db.GetLoans(ctx, memberID)
}

func (lm *LibraryManager) History(ctx context.Context, memberID int64) ([]HistoryView, error) {
	return lm.db.GetHistory(ctx, memberID)
}

// ------------------ Late fees ------------------

// LateFees recomputes and lists the member's fees, smallest first.
func (lm *LibraryManager) LateFees(ctx context.Context, memberID int64) ([]LoanView, error) {
	return lm.db.GetLateFees(ctx, memberID, lm.Now())
}

func (lm *LibraryManager) RecomputeLateFee(ctx context.Context, loanID int64) (*LateFee, error) {
	return lm.db.RecomputeLateFee(ctx, loanID, lm.Now())
}

// SweepLateFees recomputes every active loan's fee.
func (lm *LibraryManager) SweepLateFees(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	res, err := lm.db.SweepLateFees(ctx, lm.Now())
	lm.metrics.RecordSweep(res.Updated, res.Skipped, time.Since(start), err)

	entry := lm.log.WithFields(logrus.Fields{
		"examined": res.Examined,
		"updated":  res.Updated,
		"skipped":  res.Skipped,
	})
	if err != nil {
		entry.WithError(err).Error("late-fee sweep failed")
		return res, err
	}
	entry.Info("late-fee sweep finished")
	return res, nil
}

// ------------------ Feedback ------------------

// RequestBook records a request for a book missing from the catalog. When the
// ISBN is already catalogued the existing title is returned instead and no
// request is stored.
func (lm *LibraryManager) RequestBook(ctx context.Context, memberID int64, isbn, title, author string) (*Request, *Title, error) {
	existing, err := lm.db.GetTitleByISBN(ctx, isbn)
	switch {
	case err == nil:
		return nil, existing, nil
	case !errors.Is(err, ErrNotFound):
		return nil, nil, err
	}

	req, err := lm.db.AddRequest(ctx, Request{
		MemberID:    memberID,
		ISBN:        isbn,
		Title:       title,
		Author:      author,
		RequestedAt: lm.Now(),
	})
	if err != nil {
		return nil, nil, err
	}
	lm.log.WithFields(logrus.Fields{"member_id": memberID, "isbn": req.ISBN}).Info("book requested")
	return req, nil, nil
}

func (lm *LibraryManager) Requests(ctx context.Context, memberID int64) ([]Request, error) {
	return lm.db.GetRequests(ctx, memberID)
}

// Rate stores a member's rating of the title with the given ISBN.
func (lm *LibraryManager) Rate(ctx context.Context, memberID int64, isbn string, rating int, review string) (*Rating, error) {
	title, err := lm.db.GetTitleByISBN(ctx, isbn)
	if err != nil {
		return nil, err
	}
	return lm.db.AddRating(ctx, Rating{
		MemberID:  memberID,
		TitleID:   title.ID,
		Rating:    rating,
		Review:    review,
		CreatedAt: lm.Now(),
	})
}
