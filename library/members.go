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

func (d *Database) memberQuery() *goqu.SelectDataset {
	return d.from(goqu.T("members").As("m")).
		Join(goqu.T("users").As("u"), goqu.On(goqu.I("u.id").Eq(goqu.I("m.user_id")))).
		Select(
			goqu.I("m.id").As("id"),
			goqu.I("m.user_id").As("user_id"),
			goqu.I("u.username").As("username"),
			goqu.I("u.email").As("email"),
			goqu.I("m.lib_num").As("lib_num"),
			goqu.I("m.is_active").As("is_active"),
			goqu.I("u.is_active").As("user_active"),
			goqu.I("m.fav_genre").As("fav_genre"),
			goqu.I("m.created_at").As("created_at"),
		)
}

func (d *Database) getMember(ctx context.Context, q sqlx.QueryerContext, where exp.Expression, what string) (*Member, error) {
	var m Member
	if err := getOne(ctx, q, &m, d.memberQuery().Where(where)); err != nil {
		if noRows(err) {
			return nil, notFoundf("member %s", what)
		}
		return nil, fmt.Errorf("get member %s: %w", what, err)
	}
	return &m, nil
}

// CreateMember stores a new user identity together with its membership and
// assigns the next membership number for the year of now. Both records start
// inactive.
func (d *Database) CreateMember(ctx context.Context, username, email, passwordHash string, now time.Time) (*Member, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, validationf("username is required")
	}
	if passwordHash == "" {
		return nil, validationf("password hash is required")
	}
	now = now.UTC()

	var member *Member
	err := d.inTx(ctx, func(tx *sqlx.Tx) error {
		userID, err := d.insertID(ctx, tx, d.insertInto("users").Rows(goqu.Record{
			"username":      username,
			"email":         email,
			"password_hash": passwordHash,
			"is_active":     false,
			"created_at":    now,
		}))
		if err != nil {
			if isUniqueViolation(err) {
				return validationf("username %q is already taken", username)
			}
			return fmt.Errorf("insert user: %w", err)
		}

		libNum, err := d.assignMembershipNumber(ctx, tx, now.Year())
		if err != nil {
			return err
		}

		memberID, err := d.insertID(ctx, tx, d.insertInto("members").Rows(goqu.Record{
			"user_id":    userID,
			"lib_num":    libNum,
			"is_active":  false,
			"fav_genre":  "",
			"created_at": now,
		}))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: membership number %s taken concurrently: %v", errConflict, libNum, err)
			}
			return fmt.Errorf("insert member: %w", err)
		}

		member = &Member{
			ID:        memberID,
			UserID:    userID,
			Username:  username,
			Email:     email,
			LibNum:    libNum,
			CreatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return member, nil
}

// assignMembershipNumber must run inside the member-creation transaction so
// the scan and the insert see the same state.
func (d *Database) assignMembershipNumber(ctx context.Context, tx *sqlx.Tx, year int) (string, error) {
	var existing []string
	q := d.from("members").
		Select("lib_num").
		Where(goqu.C("lib_num").Like(membershipPrefix(year) + "%"))
	if err := selectAll(ctx, tx, &existing, q); err != nil {
		return "", fmt.Errorf("scan membership numbers: %w", err)
	}
	return nextMembershipNumber(year, existing), nil
}

// GetMember returns the member with the given id.
func (d *Database) GetMember(ctx context.Context, id int64) (*Member, error) {
	return d.getMember(ctx, d.db, goqu.I("m.id").Eq(id), fmt.Sprintf("#%d", id))
}

// GetMemberByLibNum looks a member up by membership number.
func (d *Database) GetMemberByLibNum(ctx context.Context, libNum string) (*Member, error) {
	return d.getMember(ctx, d.db, goqu.I("m.lib_num").Eq(libNum), libNum)
}

// GetMemberByUsername looks a member up by the username of its identity.
func (d *Database) GetMemberByUsername(ctx context.Context, username string) (*Member, error) {
	return d.getMember(ctx, d.db, goqu.I("u.username").Eq(username), fmt.Sprintf("%q", username))
}

// GetAllMembers lists members ordered by membership number.
func (d *Database) GetAllMembers(ctx context.Context) ([]Member, error) {
	var members []Member
	if err := selectAll(ctx, d.db, &members, d.memberQuery().Order(goqu.I("m.lib_num").Asc())); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

// PasswordHash returns the stored bcrypt hash of the user behind username.
func (d *Database) PasswordHash(ctx context.Context, username string) (string, error) {
	var hash string
	q := d.from("users").Select("password_hash").Where(goqu.C("username").Eq(username))
	if err := getOne(ctx, d.db, &hash, q); err != nil {
		if noRows(err) {
			return "", notFoundf("user %q", username)
		}
		return "", fmt.Errorf("get password hash: %w", err)
	}
	return hash, nil
}

// SetMemberActive flips the active flag of both the membership and its identity.
func (d *Database) SetMemberActive(ctx context.Context, memberID int64, active bool) error {
	return d.inTx(ctx, func(tx *sqlx.Tx) error {
		var userID int64
		q := d.from("members").Select("user_id").Where(goqu.C("id").Eq(memberID))
		if err := getOne(ctx, tx, &userID, q); err != nil {
			if noRows(err) {
				return notFoundf("member #%d", memberID)
			}
			return fmt.Errorf("get member #%d: %w", memberID, err)
		}

		if _, err := execute(ctx, tx, d.update("members").
			Set(goqu.Record{"is_active": active}).
			Where(goqu.C("id").Eq(memberID))); err != nil {
			return fmt.Errorf("update member active flag: %w", err)
		}
		if _, err := execute(ctx, tx, d.update("users").
			Set(goqu.Record{"is_active": active}).
			Where(goqu.C("id").Eq(userID))); err != nil {
			return fmt.Errorf("update user active flag: %w", err)
		}
		return nil
	})
}

// SetPasswordHash replaces the password hash of a user.
func (d *Database) SetPasswordHash(ctx context.Context, userID int64, hash string) error {
	n, err := executeAffecting(ctx, d.db, d.update("users").
		Set(goqu.Record{"password_hash": hash}).
		Where(goqu.C("id").Eq(userID)))
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if n == 0 {
		return notFoundf("user #%d", userID)
	}
	return nil
}

// SetFavGenre stores the member's favourite genres as free text.
func (d *Database) SetFavGenre(ctx context.Context, memberID int64, genre string) error {
	n, err := executeAffecting(ctx, d.db, d.update("members").
		Set(goqu.Record{"fav_genre": strings.TrimSpace(genre)}).
		Where(goqu.C("id").Eq(memberID)))
	if err != nil {
		return fmt.Errorf("update favourite genre: %w", err)
	}
	if n == 0 {
		return notFoundf("member #%d", memberID)
	}
	return nil
}
