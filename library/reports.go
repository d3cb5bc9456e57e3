package library

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jmoiron/sqlx"
)

// Reports are read-only projections over loans. Each call sees committed state only.
type Reports struct {
	db    *Database
	clock Clock
}

func NewReports(db *Database, clock Clock) *Reports {
	if clock == nil {
		clock = SystemClock()
	}
	return &Reports{db: db, clock: clock}
}

// LoanDetail is a loan with the title and borrower name needed to display it.
type LoanDetail struct {
	Loan
	BookTitle  string `json:"book_title"`
	MemberName string `json:"member_name"`
}

type loanDetailRow struct {
	loanRow
	BookTitle  string `db:"book_title"`
	MemberName string `db:"member_name"`
}

func loanDetails() *goqu.SelectDataset {
	cols := append(columns("l", loanColumns),
		goqu.I("b.title").As("book_title"),
		goqu.I("m.name").As("member_name"),
	)
	return dialect.From(goqu.T("loans").As("l")).
		Join(goqu.T("books").As("b"), goqu.On(goqu.I("b.id").Eq(goqu.I("l.book_id")))).
		Join(goqu.T("members").As("m"), goqu.On(goqu.I("m.id").Eq(goqu.I("l.member_id")))).
		Select(cols...)
}

func (r *Reports) list(ctx context.Context, op string, where []exp.Expression, order ...exp.OrderedExpression) ([]LoanDetail, error) {
	ds := loanDetails().Where(where...).Order(order...).Limit(MaxSearchResults)
	var out []LoanDetail
	err := r.db.read(ctx, op, func(q sqlx.QueryerContext) error {
		var rows []loanDetailRow
		if err := selectDataset(ctx, q, ds, &rows); err != nil {
			return err
		}
		out = make([]LoanDetail, 0, len(rows))
		for _, row := range rows {
			l, err := row.decode()
			if err != nil {
				return err
			}
			out = append(out, LoanDetail{Loan: *l, BookTitle: row.BookTitle, MemberName: row.MemberName})
		}
		return nil
	})
	return out, err
}

var (
	openLoan    = goqu.I("l.is_returned").Eq(0)
	newestFirst = []exp.OrderedExpression{goqu.I("l.loan_date").Desc(), goqu.I("l.id").Desc()}
	dueFirst    = []exp.OrderedExpression{goqu.I("l.due_date").Asc(), goqu.I("l.id").Asc()}
)

// MemberHistory lists a member's loans, newest first. Returned loans are dropped unless includeReturned.
func (r *Reports) MemberHistory(ctx context.Context, memberID int64, includeReturned bool) ([]LoanDetail, error) {
	where := []exp.Expression{goqu.I("l.member_id").Eq(memberID)}
	if !includeReturned {
		where = append(where, openLoan)
	}
	return r.list(ctx, "member loan history", where, newestFirst...)
}

// MemberCurrent lists a member's open loans, soonest due first.
func (r *Reports) MemberCurrent(ctx context.Context, memberID int64) ([]LoanDetail, error) {
	where := []exp.Expression{goqu.I("l.member_id").Eq(memberID), openLoan}
	return r.list(ctx, "member current loans", where, dueFirst...)
}

// BookHistory lists every loan of a book, newest first.
func (r *Reports) BookHistory(ctx context.Context, bookID int64) ([]LoanDetail, error) {
	where := []exp.Expression{goqu.I("l.book_id").Eq(bookID)}
	return r.list(ctx, "book loan history", where, newestFirst...)
}

// Current lists all open loans, soonest due first.
func (r *Reports) Current(ctx context.Context) ([]LoanDetail, error) {
	return r.list(ctx, "current loans", []exp.Expression{openLoan}, dueFirst...)
}

// Overdue lists open loans whose due date has passed, oldest due first.
func (r *Reports) Overdue(ctx context.Context) ([]LoanDetail, error) {
	now := unixTime(r.clock.Now())
	where := []exp.Expression{openLoan, goqu.I("l.due_date").Lt(now)}
	return r.list(ctx, "overdue loans", where, dueFirst...)
}

// DueOn lists open loans falling due on the calendar day of day, in day's location.
func (r *Reports) DueOn(ctx context.Context, day time.Time) ([]LoanDetail, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.AddDate(0, 0, 1)
	where := []exp.Expression{
		openLoan,
		goqu.I("l.due_date").Gte(unixTime(start)),
		goqu.I("l.due_date").Lt(unixTime(end)),
	}
	return r.list(ctx, "loans due on date", where, dueFirst...)
}

// Statistics counts every loan by state.
func (r *Reports) Statistics(ctx context.Context) (LoanStatistics, error) {
	now := unixTime(r.clock.Now())
	var st LoanStatistics
	err := r.db.read(ctx, "loan statistics", func(q sqlx.QueryerContext) error {
		return sqlx.GetContext(ctx, q, &st, `SELECT
            COUNT(*) AS total,
            COALESCE(SUM(CASE WHEN is_returned=0 THEN 1 ELSE 0 END),0) AS current,
            COALESCE(SUM(CASE WHEN is_returned=0 AND due_date<? THEN 1 ELSE 0 END),0) AS overdue,
            COALESCE(SUM(CASE WHEN is_returned=1 THEN 1 ELSE 0 END),0) AS returned
            FROM loans`, now)
	})
	return st, err
}

// Popular ranks lent books by loan count, ties by title. Books never lent are left out.
func (r *Reports) Popular(ctx context.Context, limit int) ([]BookLoanCount, error) {
	if limit <= 0 || limit > MaxSearchResults {
		limit = MaxSearchResults
	}
	ds := dialect.From(goqu.T("loans").As("l")).
		Join(goqu.T("books").As("b"), goqu.On(goqu.I("b.id").Eq(goqu.I("l.book_id")))).
		Select(goqu.I("l.book_id").As("book_id"), goqu.COUNT(goqu.I("l.id")).As("loan_count")).
		GroupBy(goqu.I("l.book_id"), goqu.I("b.title")).
		Order(goqu.I("loan_count").Desc(), goqu.I("b.title").Asc(), goqu.I("l.book_id").Asc()).
		Limit(uint(limit))
	var out []BookLoanCount
	err := r.db.read(ctx, "popular books by loans", func(q sqlx.QueryerContext) error {
		return selectDataset(ctx, q, ds, &out)
	})
	return out, err
}
