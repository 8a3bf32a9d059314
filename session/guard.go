// Package session tracks signed-in members and expires them after a period
// of inactivity.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"library-web/library"
	"library-web/metrics"
)

// DefaultTimeout is the inactivity period after which a member is signed out.
const DefaultTimeout = 5 * time.Minute

// Outcome is the verdict of a session check.
type Outcome int

const (
	// Anonymous: no token, or the token is unknown. Sign in.
	Anonymous Outcome = iota
	// Active: the session was refreshed and the request may proceed.
	Active
	// Expired: the member was idle past the timeout and has been deactivated.
	Expired
	// Revoked: the member is gone, inactive or could not be looked up.
	Revoked
)

func (o Outcome) String() string {
	switch o {
	case Anonymous:
		return "anonymous"
	case Active:
		return "active"
	case Expired:
		return "expired"
	case Revoked:
		return "revoked"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Members is the slice of the library service the guard depends on.
type Members interface {
	GetMember(ctx context.Context, id int64) (*library.Member, error)
	Deactivate(ctx context.Context, id int64) error
}

// Result carries the outcome of Check and, when Active, the refreshed state
// and the member.
type Result struct {
	Outcome Outcome
	State   *State
	Member  *library.Member
}

// Guard enforces the inactivity timeout and the single-session rule.
type Guard struct {
	store   Store
	members Members
	timeout time.Duration
	now     func() time.Time
	log     logrus.FieldLogger
	metrics *metrics.Collector
}

type Option func(*Guard)

func WithTimeout(d time.Duration) Option { return func(g *Guard) { g.timeout = d } }

func WithClock(now func() time.Time) Option { return func(g *Guard) { g.now = now } }

func WithLogger(log logrus.FieldLogger) Option { return func(g *Guard) { g.log = log } }

func WithMetrics(c *metrics.Collector) Option { return func(g *Guard) { g.metrics = c } }

func NewGuard(store Store, members Members, opts ...Option) *Guard {
	g := &Guard{
		store:   store,
		members: members,
		timeout: DefaultTimeout,
		now:     time.Now,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Timeout returns the configured inactivity timeout.
func (g *Guard) Timeout() time.Duration { return g.timeout }

func (g *Guard) stamp() string { return g.now().UTC().Format(time.RFC3339Nano) }

// Start opens a session for a freshly signed-in member, revoking any session
// the member already had.
func (g *Guard) Start(ctx context.Context, m *library.Member) (*State, error) {
	if err := g.store.DeleteByMember(ctx, m.ID); err != nil {
		return nil, fmt.Errorf("revoke previous session: %w", err)
	}
	s := &State{
		Token:        uuid.NewString(),
		MemberID:     m.ID,
		LibNum:       m.LibNum,
		LastActivity: g.stamp(),
		CreatedAt:    g.now().UTC(),
	}
	if err := g.store.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return s, nil
}

// Session returns the stored state behind token without touching it.
func (g *Guard) Session(ctx context.Context, token string) (*State, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return g.store.Get(ctx, token)
}

// End removes the session behind token. Unknown tokens are not an error.
func (g *Guard) End(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return g.store.Delete(ctx, token)
}

// Check runs the guard for a request carrying token.
func (g *Guard) Check(ctx context.Context, token string) Result {
	res := g.check(ctx, token)
	g.metrics.RecordSession(res.Outcome.String())
	return res
}

func (g *Guard) check(ctx context.Context, token string) Result {
	if token == "" {
		return Result{Outcome: Anonymous}
	}
	s, err := g.store.Get(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return Result{Outcome: Anonymous}
	}
	if err != nil {
		g.log.WithError(err).Error("session lookup failed")
		return Result{Outcome: Revoked}
	}
	entry := g.log.WithFields(logrus.Fields{"member_id": s.MemberID, "lib_num": s.LibNum})

	now := g.now()
	if s.LastActivity != "" {
		last, err := time.Parse(time.RFC3339Nano, s.LastActivity)
		switch {
		case err != nil:
			entry.WithField("last_activity", s.LastActivity).Debug("unreadable last activity, resetting")
		case now.Sub(last) > g.timeout:
			if err := g.members.Deactivate(ctx, s.MemberID); err != nil {
				entry.WithError(err).Warn("deactivate idle member")
			}
			g.drop(ctx, entry, token)
			entry.WithField("idle", now.Sub(last).Round(time.Second).String()).Info("session expired")
			return Result{Outcome: Expired}
		}
	}

	m, err := g.members.GetMember(ctx, s.MemberID)
	if err != nil || !m.IsActive() {
		if err != nil && !errors.Is(err, library.ErrNotFound) {
			entry.WithError(err).Error("member lookup failed")
		}
		g.drop(ctx, entry, token)
		return Result{Outcome: Revoked}
	}

	// A sign-in or sign-out may have removed the token since it was read;
	// the refresh must not bring it back.
	s.LastActivity = g.stamp()
	if err := g.store.Touch(ctx, s); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Result{Outcome: Anonymous}
		}
		entry.WithError(err).Error("refresh session")
		return Result{Outcome: Revoked}
	}
	return Result{Outcome: Active, State: s, Member: m}
}

func (g *Guard) drop(ctx context.Context, entry logrus.FieldLogger, token string) {
	if err := g.store.Delete(ctx, token); err != nil {
		entry.WithError(err).Warn("delete session")
	}
}
