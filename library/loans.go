package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultLoanDays   = 14
	MaxBooksPerMember = 5
	MaxRenewalCount   = 2
	// MaxLoanDays bounds both a loan period and a single extension.
	MaxLoanDays = 365
)

// Policy holds the borrowing limits for one process. Zero fields take the package defaults.
type Policy struct {
	DefaultLoanDays int
	MaxLoans        int
	MaxRenewals     int
}

func DefaultPolicy() Policy {
	return Policy{DefaultLoanDays: DefaultLoanDays, MaxLoans: MaxBooksPerMember, MaxRenewals: MaxRenewalCount}
}

func (p Policy) withDefaults() Policy {
	if p.DefaultLoanDays <= 0 {
		p.DefaultLoanDays = DefaultLoanDays
	}
	if p.MaxLoans <= 0 {
		p.MaxLoans = MaxBooksPerMember
	}
	if p.MaxRenewals < 0 {
		p.MaxRenewals = MaxRenewalCount
	}
	return p
}

// LoanEngine moves loans through borrow, renewal and return. Every operation that reads
// eligibility and then writes runs in a single write transaction.
type LoanEngine struct {
	db     *Database
	policy Policy
	clock  Clock
	sink   AuditSink
	logger *slog.Logger
	tracer trace.Tracer
}

// NewLoanEngine wires an engine. nil clock, sink and logger get working defaults.
func NewLoanEngine(db *Database, policy Policy, clock Clock, sink AuditSink, logger *slog.Logger) *LoanEngine {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = discardLogger()
	}
	if sink == nil {
		sink = NewSlogAudit(logger)
	}
	return &LoanEngine{
		db:     db,
		policy: policy.withDefaults(),
		clock:  clock,
		sink:   sink,
		logger: logger,
		tracer: otel.Tracer("library-catalog/library/loans"),
	}
}

// WithTracer replaces the tracer spans are started on.
func (e *LoanEngine) WithTracer(t trace.Tracer) *LoanEngine {
	e.tracer = t
	return e
}

// Policy returns the limits in force.
func (e *LoanEngine) Policy() Policy { return e.policy }

var loanColumns = []string{
	"id", "book_id", "member_id", "loan_date", "due_date", "return_date",
	"is_returned", "renewal_count", "created_at", "updated_at",
}

type loanRow struct {
	ID           int64         `db:"id"`
	BookID       int64         `db:"book_id"`
	MemberID     int64         `db:"member_id"`
	LoanDate     int64         `db:"loan_date"`
	DueDate      int64         `db:"due_date"`
	ReturnDate   sql.NullInt64 `db:"return_date"`
	IsReturned   bool          `db:"is_returned"`
	RenewalCount int           `db:"renewal_count"`
	CreatedAt    int64         `db:"created_at"`
	UpdatedAt    int64         `db:"updated_at"`
}

func (r loanRow) decode() (*Loan, error) {
	if r.ID <= 0 || r.BookID <= 0 || r.MemberID <= 0 {
		return nil, fmt.Errorf("loan row has invalid ids (%d, %d, %d)", r.ID, r.BookID, r.MemberID)
	}
	if r.DueDate <= r.LoanDate {
		return nil, fmt.Errorf("loan %d is due before it was lent", r.ID)
	}
	if r.IsReturned != r.ReturnDate.Valid {
		return nil, fmt.Errorf("loan %d has inconsistent return state", r.ID)
	}
	if r.RenewalCount < 0 {
		return nil, fmt.Errorf("loan %d has negative renewal count", r.ID)
	}
	l := &Loan{
		ID:           r.ID,
		BookID:       r.BookID,
		MemberID:     r.MemberID,
		LoanDate:     fromUnix(r.LoanDate),
		DueDate:      fromUnix(r.DueDate),
		IsReturned:   r.IsReturned,
		RenewalCount: r.RenewalCount,
		CreatedAt:    fromUnix(r.CreatedAt),
		UpdatedAt:    fromUnix(r.UpdatedAt),
	}
	if r.ReturnDate.Valid {
		t := fromUnix(r.ReturnDate.Int64)
		l.ReturnDate = &t
	}
	return l, nil
}

func getLoan(ctx context.Context, q sqlx.QueryerContext, op string, id int64) (*Loan, error) {
	var row loanRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT id, book_id, member_id, loan_date, due_date, return_date,
        is_returned, renewal_count, created_at, updated_at FROM loans WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundErr(op, "loan %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	return row.decode()
}

// Get returns one loan by id.
func (e *LoanEngine) Get(ctx context.Context, id int64) (*Loan, error) {
	const op = "get loan"
	var l *Loan
	err := e.db.read(ctx, op, func(q sqlx.QueryerContext) (err error) {
		l, err = getLoan(ctx, q, op, id)
		return err
	})
	return l, err
}

// begin opens a span and an audit event for op. The returned func closes both.
func (e *LoanEngine) begin(ctx context.Context, op string, ev *AuditEvent, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	ctx, span := e.tracer.Start(ctx, "loans."+op, trace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		err := *errp
		ev.complete(err)
		span.SetAttributes(attribute.String("outcome", ev.Outcome))
		if ev.LoanID != 0 {
			span.SetAttributes(attribute.Int64("loan.id", ev.LoanID))
		}
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.String("error.kind", ev.Kind.String()))
			if ev.Reason != "" {
				span.SetAttributes(attribute.String("error.reason", string(ev.Reason)))
			}
			if ev.Outcome == OutcomeFailed {
				span.SetStatus(codes.Error, err.Error())
			}
		}
		span.End()
		e.emit(ctx, *ev)
	}
}

// emit hands ev to the sink. Sink errors and panics are logged, never returned.
func (e *LoanEngine) emit(ctx context.Context, ev AuditEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("audit sink panicked", "event_id", ev.ID, "panic", r)
		}
	}()
	if err := e.sink.Record(ctx, ev); err != nil {
		e.logger.Warn("audit sink failed", "event_id", ev.ID, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Borrow
// ---------------------------------------------------------------------------

// Borrow lends one copy of bookID to memberID for loanDays days (policy default when <= 0)
// and returns the new loan id.
func (e *LoanEngine) Borrow(ctx context.Context, bookID, memberID int64, loanDays int) (loanID int64, err error) {
	const op = "borrow"
	now := e.clock.Now()
	ev := newAuditEvent(op, now)
	ev.BookID, ev.MemberID = bookID, memberID
	ctx, done := e.begin(ctx, op, &ev,
		attribute.Int64("book.id", bookID),
		attribute.Int64("member.id", memberID),
		attribute.Int("loan.days", loanDays),
	)
	defer func() { ev.LoanID = loanID; done(&err) }()

	if loanDays <= 0 {
		loanDays = e.policy.DefaultLoanDays
	}
	if loanDays > MaxLoanDays {
		return 0, validationErr(op, "loan period cannot exceed %d days, got %d", MaxLoanDays, loanDays)
	}
	due := now.Add(time.Duration(loanDays) * 24 * time.Hour)

	err = e.db.withTx(ctx, op, func(tx *sqlx.Tx) error {
		if err := e.checkEligibility(ctx, tx, op, bookID, memberID, now); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `INSERT INTO loans
            (book_id, member_id, loan_date, due_date, is_returned, renewal_count, created_at, updated_at)
            VALUES (?,?,?,?,0,0,?,?)`,
			bookID, memberID, unixTime(now), unixTime(due), unixTime(now), unixTime(now))
		if err != nil {
			if isUniqueViolation(err) {
				return policyErr(op, ReasonDuplicateLoan, "member %d already has book %d on loan", memberID, bookID)
			}
			return err
		}
		if loanID, err = res.LastInsertId(); err != nil {
			return err
		}

		// Re-check availability at write time.
		res, err = tx.ExecContext(ctx, `UPDATE books SET available_copies = available_copies - 1, updated_at=?
            WHERE id=? AND available_copies > 0`, unixTime(now), bookID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n != 1 {
			return policyErr(op, ReasonNotAvailable, "book %d has no available copies", bookID)
		}
		return nil
	})
	if err != nil {
		loanID = 0
		return 0, err
	}
	e.logger.Debug("book borrowed", "loan_id", loanID, "book_id", bookID, "member_id", memberID, "due", due)
	return loanID, nil
}

// checkEligibility applies the borrow preconditions in order; the first failure wins.
func (e *LoanEngine) checkEligibility(ctx context.Context, q sqlx.QueryerContext, op string, bookID, memberID int64, now time.Time) error {
	var available int
	err := sqlx.GetContext(ctx, q, &available, `SELECT available_copies FROM books WHERE id=?`, bookID)
	if errors.Is(err, sql.ErrNoRows) {
		return policyErr(op, ReasonNotAvailable, "book %d does not exist", bookID)
	}
	if err != nil {
		return err
	}
	if available <= 0 {
		return policyErr(op, ReasonNotAvailable, "book %d has no available copies", bookID)
	}

	var active bool
	err = sqlx.GetContext(ctx, q, &active, `SELECT is_active FROM members WHERE id=?`, memberID)
	if errors.Is(err, sql.ErrNoRows) {
		return policyErr(op, ReasonMemberInactive, "member %d does not exist", memberID)
	}
	if err != nil {
		return err
	}
	if !active {
		return policyErr(op, ReasonMemberInactive, "member %d is not active", memberID)
	}

	open, err := count(ctx, q, `SELECT COUNT(*) FROM loans WHERE member_id=? AND is_returned=0`, memberID)
	if err != nil {
		return err
	}
	if open >= e.policy.MaxLoans {
		return policyErr(op, ReasonLoanLimitExceeded, "member %d already has %d of %d loans", memberID, open, e.policy.MaxLoans)
	}

	overdue, err := count(ctx, q, `SELECT COUNT(*) FROM loans WHERE member_id=? AND is_returned=0 AND due_date<?`, memberID, unixTime(now))
	if err != nil {
		return err
	}
	if overdue > 0 {
		return policyErr(op, ReasonHasOverdue, "member %d has %d overdue loan(s)", memberID, overdue)
	}

	dup, err := exists(ctx, q, `SELECT EXISTS(SELECT 1 FROM loans WHERE book_id=? AND member_id=? AND is_returned=0)`, bookID, memberID)
	if err != nil {
		return err
	}
	if dup {
		return policyErr(op, ReasonDuplicateLoan, "member %d already has book %d on loan", memberID, bookID)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Return
// ---------------------------------------------------------------------------

// Return closes an open loan and puts the copy back on the shelf.
func (e *LoanEngine) Return(ctx context.Context, loanID int64) (loan *Loan, err error) {
	const op = "return"
	now := e.clock.Now()
	ev := newAuditEvent(op, now)
	ev.LoanID = loanID
	ctx, done := e.begin(ctx, op, &ev, attribute.Int64("loan.id", loanID))
	defer func() {
		if loan != nil {
			ev.BookID, ev.MemberID = loan.BookID, loan.MemberID
		}
		done(&err)
	}()

	err = e.db.withTx(ctx, op, func(tx *sqlx.Tx) error {
		loan, err = e.closeLoan(ctx, tx, op, loanID, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return loan, nil
}

// ReturnByBookMember closes the most recent open loan of bookID by memberID.
func (e *LoanEngine) ReturnByBookMember(ctx context.Context, bookID, memberID int64) (loan *Loan, err error) {
	const op = "return_by_book_member"
	now := e.clock.Now()
	ev := newAuditEvent(op, now)
	ev.BookID, ev.MemberID = bookID, memberID
	ctx, done := e.begin(ctx, op, &ev,
		attribute.Int64("book.id", bookID),
		attribute.Int64("member.id", memberID),
	)
	defer func() {
		if loan != nil {
			ev.LoanID = loan.ID
		}
		done(&err)
	}()

	err = e.db.withTx(ctx, op, func(tx *sqlx.Tx) error {
		var id int64
		err := sqlx.GetContext(ctx, tx, &id, `SELECT id FROM loans
            WHERE book_id=? AND member_id=? AND is_returned=0
            ORDER BY loan_date DESC, id DESC LIMIT 1`, bookID, memberID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundErr(op, "member %d has no open loan for book %d", memberID, bookID)
		}
		if err != nil {
			return err
		}
		loan, err = e.closeLoan(ctx, tx, op, id, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return loan, nil
}

func (e *LoanEngine) closeLoan(ctx context.Context, tx *sqlx.Tx, op string, loanID int64, now time.Time) (*Loan, error) {
	loan, err := getLoan(ctx, tx, op, loanID)
	if err != nil {
		return nil, err
	}
	if loan.IsReturned {
		return nil, policyErr(op, ReasonAlreadyReturned, "loan %d is already returned", loanID)
	}

	res, err := tx.ExecContext(ctx, `UPDATE loans SET is_returned=1, return_date=?, updated_at=?
        WHERE id=? AND is_returned=0`, unixTime(now), unixTime(now), loanID)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n != 1 {
		return nil, policyErr(op, ReasonAlreadyReturned, "loan %d is already returned", loanID)
	}

	res, err = tx.ExecContext(ctx, `UPDATE books SET available_copies = available_copies + 1, updated_at=?
        WHERE id=? AND available_copies < total_copies`, unixTime(now), loan.BookID)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n != 1 {
		// Copies were edited below the number on loan; keep the book at total.
		e.logger.Warn("return would exceed total copies; availability left at total",
			"loan_id", loanID, "book_id", loan.BookID)
	}

	returned := fromUnix(unixTime(now))
	loan.IsReturned = true
	loan.ReturnDate = &returned
	loan.UpdatedAt = returned
	return loan, nil
}

// ---------------------------------------------------------------------------
// Extend
// ---------------------------------------------------------------------------

// Extend renews an open, not yet overdue loan by extendDays days.
func (e *LoanEngine) Extend(ctx context.Context, loanID int64, extendDays int) (loan *Loan, err error) {
	const op = "extend"
	now := e.clock.Now()
	ev := newAuditEvent(op, now)
	ev.LoanID = loanID
	ctx, done := e.begin(ctx, op, &ev,
		attribute.Int64("loan.id", loanID),
		attribute.Int("extend.days", extendDays),
	)
	defer func() {
		if loan != nil {
			ev.BookID, ev.MemberID = loan.BookID, loan.MemberID
		}
		done(&err)
	}()

	if extendDays <= 0 {
		return nil, validationErr(op, "extension must be at least one day, got %d", extendDays)
	}
	if extendDays > MaxLoanDays {
		return nil, validationErr(op, "extension cannot exceed %d days, got %d", MaxLoanDays, extendDays)
	}
	shift := int64(extendDays) * secondsPerDay

	err = e.db.withTx(ctx, op, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE loans
            SET due_date = due_date + ?, renewal_count = renewal_count + 1, updated_at=?
            WHERE id=? AND is_returned=0 AND renewal_count < ? AND due_date >= ?`,
			shift, unixTime(now), loanID, e.policy.MaxRenewals, unixTime(now))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		current, err := getLoan(ctx, tx, op, loanID)
		if err != nil {
			return err
		}
		if n == 1 {
			loan = current
			return nil
		}
		switch {
		case current.IsReturned:
			return policyErr(op, ReasonAlreadyReturned, "loan %d is already returned", loanID)
		case current.RenewalCount >= e.policy.MaxRenewals:
			return policyErr(op, ReasonRenewalLimitExceeded, "loan %d was renewed %d times already", loanID, current.RenewalCount)
		case current.DueDate.Before(now):
			return policyErr(op, ReasonOverdue, "loan %d is overdue", loanID)
		default:
			return conflictErr(op, "loan %d changed concurrently", loanID)
		}
	})
	if err != nil {
		return nil, err
	}
	return loan, nil
}
