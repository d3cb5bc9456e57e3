package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"
)

// MemberRepo owns the members table.
type MemberRepo struct {
	db    *Database
	clock Clock
}

func NewMemberRepo(db *Database, clock Clock) *MemberRepo {
	if clock == nil {
		clock = SystemClock()
	}
	return &MemberRepo{db: db, clock: clock}
}

var memberColumns = []string{
	"id", "name", "email", "phone", "address", "pin_hash", "is_active",
	"registration_date", "created_at", "updated_at",
}

type memberRow struct {
	ID               int64          `db:"id"`
	Name             string         `db:"name"`
	Email            string         `db:"email"`
	Phone            sql.NullString `db:"phone"`
	Address          sql.NullString `db:"address"`
	PINHash          sql.NullString `db:"pin_hash"`
	IsActive         bool           `db:"is_active"`
	RegistrationDate int64          `db:"registration_date"`
	CreatedAt        int64          `db:"created_at"`
	UpdatedAt        int64          `db:"updated_at"`
}

func (r memberRow) decode() (*Member, error) {
	if r.ID <= 0 {
		return nil, fmt.Errorf("member row has invalid id %d", r.ID)
	}
	if r.Name == "" || r.Email == "" {
		return nil, fmt.Errorf("member %d has empty name or email", r.ID)
	}
	return &Member{
		ID:               r.ID,
		Name:             r.Name,
		Email:            r.Email,
		Phone:            r.Phone.String,
		Address:          r.Address.String,
		IsActive:         r.IsActive,
		HasPIN:           r.PINHash.Valid && r.PINHash.String != "",
		RegistrationDate: fromUnix(r.RegistrationDate),
		CreatedAt:        fromUnix(r.CreatedAt),
		UpdatedAt:        fromUnix(r.UpdatedAt),
	}, nil
}

func getMember(ctx context.Context, q sqlx.QueryerContext, op string, where goqu.Ex) (*Member, error) {
	query, args, err := dialect.From("members").Select(columns("", memberColumns)...).Where(where).Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}
	var row memberRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundErr(op, "member not found")
		}
		return nil, err
	}
	return row.decode()
}

// Create registers m as an active member and returns the new id.
func (r *MemberRepo) Create(ctx context.Context, m *Member) (int64, error) {
	const op = "create member"
	if m == nil {
		return 0, validationErr(op, "member is required")
	}
	normalizeMember(m)
	if err := checkStruct(op, m); err != nil {
		return 0, err
	}

	now := unixTime(r.clock.Now())
	var id int64
	err := r.db.withTx(ctx, op, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO members
            (name, email, phone, address, is_active, registration_date, created_at, updated_at)
            VALUES (?,?,?,?,1,?,?,?)`,
			m.Name, m.Email, nullString(m.Phone), nullString(m.Address), now, now, now)
		if err != nil {
			if isUniqueViolation(err) {
				return conflictErr(op, "email %s is already registered", m.Email)
			}
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	m.ID = id
	m.IsActive = true
	m.RegistrationDate, m.CreatedAt, m.UpdatedAt = fromUnix(now), fromUnix(now), fromUnix(now)
	return id, nil
}

func (r *MemberRepo) Get(ctx context.Context, id int64) (*Member, error) {
	const op = "get member"
	var m *Member
	err := r.db.read(ctx, op, func(q sqlx.QueryerContext) (err error) {
		m, err = getMember(ctx, q, op, goqu.Ex{"id": id})
		return err
	})
	return m, err
}

func (r *MemberRepo) GetByEmail(ctx context.Context, email string) (*Member, error) {
	const op = "get member by email"
	email = clean(email)
	if email == "" {
		return nil, validationErr(op, "email cannot be empty")
	}
	var m *Member
	err := r.db.read(ctx, op, func(q sqlx.QueryerContext) (err error) {
		m, err = getMember(ctx, q, op, goqu.Ex{"email": email})
		return err
	})
	return m, err
}

func (r *MemberRepo) selectMembers(ctx context.Context, op string, ds *goqu.SelectDataset) ([]*Member, error) {
	var members []*Member
	err := r.db.read(ctx, op, func(q sqlx.QueryerContext) error {
		var rows []memberRow
		if err := selectDataset(ctx, q, ds, &rows); err != nil {
			return err
		}
		members = make([]*Member, 0, len(rows))
		for _, row := range rows {
			m, err := row.decode()
			if err != nil {
				return err
			}
			members = append(members, m)
		}
		return nil
	})
	return members, err
}

func (r *MemberRepo) search(ctx context.Context, op, col, term string) ([]*Member, error) {
	term = clean(term)
	if term == "" {
		return []*Member{}, nil
	}
	ds := dialect.From("members").Select(columns("", memberColumns)...).
		Where(containsFold(col, term)).
		Order(goqu.I("name").Asc(), goqu.I("id").Asc()).
		Limit(MaxSearchResults)
	return r.selectMembers(ctx, op, ds)
}

// SearchByName matches name case-insensitively as a substring.
func (r *MemberRepo) SearchByName(ctx context.Context, term string) ([]*Member, error) {
	return r.search(ctx, "search members by name", "name", term)
}

// SearchByPhone matches phone as a substring.
func (r *MemberRepo) SearchByPhone(ctx context.Context, term string) ([]*Member, error) {
	return r.search(ctx, "search members by phone", "phone", term)
}

// Update replaces name, email, phone and address. The active flag and PIN are left alone.
func (r *MemberRepo) Update(ctx context.Context, m *Member) error {
	const op = "update member"
	if m == nil {
		return validationErr(op, "member is required")
	}
	normalizeMember(m)
	if err := checkStruct(op, m); err != nil {
		return err
	}

	now := unixTime(r.clock.Now())
	err := r.db.withTx(ctx, op, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE members SET name=?, email=?, phone=?, address=?, updated_at=? WHERE id=?`,
			m.Name, m.Email, nullString(m.Phone), nullString(m.Address), now, m.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return conflictErr(op, "email %s belongs to another member", m.Email)
			}
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return notFoundErr(op, "member %d not found", m.ID)
		}
		return nil
	})
	if err == nil {
		m.UpdatedAt = fromUnix(now)
	}
	return err
}

// Delete removes a member with no open loans, along with their loan history.
func (r *MemberRepo) Delete(ctx context.Context, id int64) error {
	const op = "delete member"
	return r.db.withTx(ctx, op, func(tx *sqlx.Tx) error {
		ok, err := exists(ctx, tx, `SELECT EXISTS(SELECT 1 FROM members WHERE id=?)`, id)
		if err != nil {
			return err
		}
		if !ok {
			return notFoundErr(op, "member %d not found", id)
		}
		open, err := count(ctx, tx, `SELECT COUNT(*) FROM loans WHERE member_id=? AND is_returned=0`, id)
		if err != nil {
			return err
		}
		if open > 0 {
			return conflictErr(op, "member %d has %d open loan(s)", id, open)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM members WHERE id=?`, id)
		return err
	})
}

func (r *MemberRepo) setActive(ctx context.Context, op string, id int64, active bool) error {
	now := unixTime(r.clock.Now())
	return r.db.withTx(ctx, op, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE members SET is_active=?, updated_at=? WHERE id=?`, active, now, id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return notFoundErr(op, "member %d not found", id)
		}
		return nil
	})
}

func (r *MemberRepo) Activate(ctx context.Context, id int64) error {
	return r.setActive(ctx, "activate member", id, true)
}

// Deactivate stops the member from borrowing. Open loans stay open.
func (r *MemberRepo) Deactivate(ctx context.Context, id int64) error {
	return r.setActive(ctx, "deactivate member", id, false)
}

// List returns members ordered by id. limit <= 0 means no limit.
func (r *MemberRepo) List(ctx context.Context, limit, offset int) ([]*Member, error) {
	ds := dialect.From("members").Select(columns("", memberColumns)...).Order(goqu.I("id").Asc())
	return r.selectMembers(ctx, "list members", page(ds, limit, offset))
}

func (r *MemberRepo) ListActive(ctx context.Context) ([]*Member, error) {
	ds := dialect.From("members").Select(columns("", memberColumns)...).
		Where(goqu.C("is_active").IsTrue()).
		Order(goqu.I("name").Asc(), goqu.I("id").Asc()).
		Limit(MaxSearchResults)
	return r.selectMembers(ctx, "list active members", ds)
}

// LoanStats counts a member's loans: all of them, the open ones, and open ones past due.
func (r *MemberRepo) LoanStats(ctx context.Context, id int64) (MemberLoanStats, error) {
	const op = "member loan stats"
	now := unixTime(r.clock.Now())
	var st MemberLoanStats
	err := r.db.read(ctx, op, func(q sqlx.QueryerContext) error {
		ok, err := exists(ctx, q, `SELECT EXISTS(SELECT 1 FROM members WHERE id=?)`, id)
		if err != nil {
			return err
		}
		if !ok {
			return notFoundErr(op, "member %d not found", id)
		}
		return sqlx.GetContext(ctx, q, &st, `SELECT
            COUNT(*) AS total,
            COALESCE(SUM(CASE WHEN is_returned=0 THEN 1 ELSE 0 END),0) AS current,
            COALESCE(SUM(CASE WHEN is_returned=0 AND due_date<? THEN 1 ELSE 0 END),0) AS overdue
            FROM loans WHERE member_id=?`, now, id)
	})
	return st, err
}

// ---------------------------------------------------------------------------
// PINs
// ---------------------------------------------------------------------------

const (
	minPINLength = 4
	maxPINLength = 12
)

// SetPIN stores a bcrypt hash of pin for the member.
func (r *MemberRepo) SetPIN(ctx context.Context, id int64, pin string) error {
	const op = "set member pin"
	if len(pin) < minPINLength || len(pin) > maxPINLength {
		return validationErr(op, "PIN must be %d to %d digits", minPINLength, maxPINLength)
	}
	for _, c := range pin {
		if c < '0' || c > '9' {
			return validationErr(op, "PIN must contain digits only")
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return validationErr(op, "%v", err)
	}
	return r.writePIN(ctx, op, id, sql.NullString{String: string(hash), Valid: true})
}

// ClearPIN removes the member's PIN.
func (r *MemberRepo) ClearPIN(ctx context.Context, id int64) error {
	return r.writePIN(ctx, "clear member pin", id, sql.NullString{})
}

func (r *MemberRepo) writePIN(ctx context.Context, op string, id int64, hash sql.NullString) error {
	now := unixTime(r.clock.Now())
	return r.db.withTx(ctx, op, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE members SET pin_hash=?, updated_at=? WHERE id=?`, hash, now, id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return notFoundErr(op, "member %d not found", id)
		}
		return nil
	})
}

// VerifyPIN returns nil when pin matches, or when the member has no PIN set.
func (r *MemberRepo) VerifyPIN(ctx context.Context, id int64, pin string) error {
	const op = "verify member pin"
	var hash sql.NullString
	err := r.db.read(ctx, op, func(q sqlx.QueryerContext) error {
		err := sqlx.GetContext(ctx, q, &hash, `SELECT pin_hash FROM members WHERE id=?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundErr(op, "member %d not found", id)
		}
		return err
	})
	if err != nil {
		return err
	}
	if !hash.Valid || hash.String == "" {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash.String), []byte(pin)); err != nil {
		return validationErr(op, "incorrect PIN")
	}
	return nil
}
