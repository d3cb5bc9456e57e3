package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"
)

// MaxSearchResults caps every search and list that has no explicit limit.
const MaxSearchResults = 1000

// BookRepo owns the books table.
type BookRepo struct {
	db    *Database
	clock Clock
}

// NewBookRepo returns a repository over db. A nil clock means the system clock.
func NewBookRepo(db *Database, clock Clock) *BookRepo {
	if clock == nil {
		clock = SystemClock()
	}
	return &BookRepo{db: db, clock: clock}
}

var bookColumns = []string{
	"id", "title", "author", "isbn", "publisher", "category", "publication_year",
	"total_copies", "available_copies", "created_at", "updated_at",
}

func columns(prefix string, cols []string) []any {
	out := make([]any, len(cols))
	for i, c := range cols {
		if prefix != "" {
			out[i] = goqu.I(prefix + "." + c)
		} else {
			out[i] = goqu.I(c)
		}
	}
	return out
}

type bookRow struct {
	ID              int64          `db:"id"`
	Title           string         `db:"title"`
	Author          string         `db:"author"`
	ISBN            sql.NullString `db:"isbn"`
	Publisher       sql.NullString `db:"publisher"`
	Category        sql.NullString `db:"category"`
	PublicationYear sql.NullInt64  `db:"publication_year"`
	TotalCopies     int            `db:"total_copies"`
	AvailableCopies int            `db:"available_copies"`
	CreatedAt       int64          `db:"created_at"`
	UpdatedAt       int64          `db:"updated_at"`
}

func (r bookRow) decode() (*Book, error) {
	if r.ID <= 0 {
		return nil, fmt.Errorf("book row has invalid id %d", r.ID)
	}
	if r.Title == "" || r.Author == "" {
		return nil, fmt.Errorf("book %d has empty title or author", r.ID)
	}
	if r.TotalCopies < 0 || r.AvailableCopies < 0 || r.AvailableCopies > r.TotalCopies {
		return nil, fmt.Errorf("book %d has inconsistent copies %d/%d", r.ID, r.AvailableCopies, r.TotalCopies)
	}
	return &Book{
		ID:              r.ID,
		Title:           r.Title,
		Author:          r.Author,
		ISBN:            r.ISBN.String,
		Publisher:       r.Publisher.String,
		Category:        r.Category.String,
		PublicationYear: int(r.PublicationYear.Int64),
		TotalCopies:     r.TotalCopies,
		AvailableCopies: r.AvailableCopies,
		CreatedAt:       fromUnix(r.CreatedAt),
		UpdatedAt:       fromUnix(r.UpdatedAt),
	}, nil
}

func decodeBooks(rows []bookRow) ([]*Book, error) {
	books := make([]*Book, 0, len(rows))
	for _, r := range rows {
		b, err := r.decode()
		if err != nil {
			return nil, err
		}
		books = append(books, b)
	}
	return books, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Create validates b, stores it and returns the new id. b.ID and timestamps are filled in.
func (r *BookRepo) Create(ctx context.Context, b *Book) (int64, error) {
	const op = "create book"
	if b == nil {
		return 0, validationErr(op, "book is required")
	}
	normalizeBook(b)
	if err := checkStruct(op, b); err != nil {
		return 0, err
	}

	now := r.clock.Now()
	var id int64
	err := r.db.withTx(ctx, op, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO books
            (title, author, isbn, publisher, category, publication_year, total_copies, available_copies, created_at, updated_at)
            VALUES (?,?,?,?,?,?,?,?,?,?)`,
			b.Title, b.Author, nullString(b.ISBN), nullString(b.Publisher), nullString(b.Category),
			b.PublicationYear, b.TotalCopies, b.AvailableCopies, unixTime(now), unixTime(now))
		if err != nil {
			if isUniqueViolation(err) {
				return conflictErr(op, "a book with ISBN %q already exists", b.ISBN)
			}
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	b.ID = id
	b.CreatedAt, b.UpdatedAt = fromUnix(unixTime(now)), fromUnix(unixTime(now))
	return id, nil
}

func getBook(ctx context.Context, q sqlx.QueryerContext, op string, where goqu.Ex) (*Book, error) {
	query, args, err := dialect.From("books").Select(columns("", bookColumns)...).Where(where).Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}
	var row bookRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundErr(op, "book not found")
		}
		return nil, err
	}
	return row.decode()
}

// Get returns the book with the given id.
func (r *BookRepo) Get(ctx context.Context, id int64) (*Book, error) {
	const op = "get book"
	var b *Book
	err := r.db.read(ctx, op, func(q sqlx.QueryerContext) (err error) {
		b, err = getBook(ctx, q, op, goqu.Ex{"id": id})
		return err
	})
	return b, err
}

// GetByISBN returns the book carrying isbn.
func (r *BookRepo) GetByISBN(ctx context.Context, isbn string) (*Book, error) {
	const op = "get book by isbn"
	isbn = clean(isbn)
	if isbn == "" {
		return nil, validationErr(op, "ISBN cannot be empty")
	}
	var b *Book
	err := r.db.read(ctx, op, func(q sqlx.QueryerContext) (err error) {
		b, err = getBook(ctx, q, op, goqu.Ex{"isbn": isbn})
		return err
	})
	return b, err
}

func (r *BookRepo) search(ctx context.Context, op, col, term string) ([]*Book, error) {
	term = clean(term)
	if term == "" {
		return []*Book{}, nil
	}
	ds := dialect.From("books").Select(columns("", bookColumns)...).
		Where(containsFold(col, term)).
		Order(goqu.I("title").Asc(), goqu.I("id").Asc()).
		Limit(MaxSearchResults)
	return r.selectBooks(ctx, op, ds)
}

func (r *BookRepo) selectBooks(ctx context.Context, op string, ds *goqu.SelectDataset) ([]*Book, error) {
	var books []*Book
	err := r.db.read(ctx, op, func(q sqlx.QueryerContext) error {
		var rows []bookRow
		if err := selectDataset(ctx, q, ds, &rows); err != nil {
			return err
		}
		var err error
		books, err = decodeBooks(rows)
		return err
	})
	return books, err
}

// SearchByTitle matches title case-insensitively as a substring, ordered by title.
func (r *BookRepo) SearchByTitle(ctx context.Context, term string) ([]*Book, error) {
	return r.search(ctx, "search books by title", "title", term)
}

// SearchByAuthor matches author case-insensitively as a substring, ordered by title.
func (r *BookRepo) SearchByAuthor(ctx context.Context, term string) ([]*Book, error) {
	return r.search(ctx, "search books by author", "author", term)
}

// SearchByCategory matches category case-insensitively as a substring, ordered by title.
func (r *BookRepo) SearchByCategory(ctx context.Context, term string) ([]*Book, error) {
	return r.search(ctx, "search books by category", "category", term)
}

// Update replaces every mutable field of the stored book with b's. The copy counts must
// stay consistent with the book's open loans: available = total - open.
func (r *BookRepo) Update(ctx context.Context, b *Book) error {
	const op = "update book"
	if b == nil {
		return validationErr(op, "book is required")
	}
	normalizeBook(b)
	if err := checkStruct(op, b); err != nil {
		return err
	}

	now := r.clock.Now()
	err := r.db.withTx(ctx, op, func(tx *sqlx.Tx) error {
		ok, err := exists(ctx, tx, `SELECT EXISTS(SELECT 1 FROM books WHERE id=?)`, b.ID)
		if err != nil {
			return err
		}
		if !ok {
			return notFoundErr(op, "book %d not found", b.ID)
		}
		open, err := count(ctx, tx, `SELECT COUNT(*) FROM loans WHERE book_id=? AND is_returned=0`, b.ID)
		if err != nil {
			return err
		}
		if b.TotalCopies < open {
			return conflictErr(op, "book %d has %d open loan(s), cannot reduce total copies to %d", b.ID, open, b.TotalCopies)
		}
		if b.AvailableCopies != b.TotalCopies-open {
			return conflictErr(op, "book %d has %d open loan(s), available copies must be %d",
				b.ID, open, b.TotalCopies-open)
		}

		res, err := tx.ExecContext(ctx, `UPDATE books SET
            title=?, author=?, isbn=?, publisher=?, category=?, publication_year=?,
            total_copies=?, available_copies=?, updated_at=?
            WHERE id=?`,
			b.Title, b.Author, nullString(b.ISBN), nullString(b.Publisher), nullString(b.Category),
			b.PublicationYear, b.TotalCopies, b.AvailableCopies, unixTime(now), b.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return conflictErr(op, "a book with ISBN %q already exists", b.ISBN)
			}
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return notFoundErr(op, "book %d not found", b.ID)
		}
		return nil
	})
	if err == nil {
		b.UpdatedAt = fromUnix(unixTime(now))
	}
	return err
}

// Delete removes a book that has no open loans. Its closed loans go with it.
func (r *BookRepo) Delete(ctx context.Context, id int64) error {
	const op = "delete book"
	return r.db.withTx(ctx, op, func(tx *sqlx.Tx) error {
		ok, err := exists(ctx, tx, `SELECT EXISTS(SELECT 1 FROM books WHERE id=?)`, id)
		if err != nil {
			return err
		}
		if !ok {
			return notFoundErr(op, "book %d not found", id)
		}
		open, err := count(ctx, tx, `SELECT COUNT(*) FROM loans WHERE book_id=? AND is_returned=0`, id)
		if err != nil {
			return err
		}
		if open > 0 {
			return conflictErr(op, "book %d has %d open loan(s)", id, open)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM books WHERE id=?`, id)
		return err
	})
}

// List returns books ordered by id. limit <= 0 means no limit.
func (r *BookRepo) List(ctx context.Context, limit, offset int) ([]*Book, error) {
	ds := dialect.From("books").Select(columns("", bookColumns)...).Order(goqu.I("id").Asc())
	return r.selectBooks(ctx, "list books", page(ds, limit, offset))
}

// ListAvailable returns books with at least one copy on the shelf, ordered by title.
func (r *BookRepo) ListAvailable(ctx context.Context) ([]*Book, error) {
	ds := dialect.From("books").Select(columns("", bookColumns)...).
		Where(goqu.C("available_copies").Gt(0)).
		Order(goqu.I("title").Asc(), goqu.I("id").Asc()).
		Limit(MaxSearchResults)
	return r.selectBooks(ctx, "list available books", ds)
}

type popularRow struct {
	bookRow
	LoanCount int `db:"loan_count"`
}

// Popular ranks books by how often they were lent, most first, ties by title.
// Books never lent are included with a zero count. limit <= 0 means MaxSearchResults.
func (r *BookRepo) Popular(ctx context.Context, limit int) ([]PopularBook, error) {
	const op = "popular books"
	if limit <= 0 || limit > MaxSearchResults {
		limit = MaxSearchResults
	}
	ds := dialect.From(goqu.T("books").As("b")).
		LeftJoin(goqu.T("loans").As("l"), goqu.On(goqu.I("l.book_id").Eq(goqu.I("b.id")))).
		Select(append(columns("b", bookColumns), goqu.COUNT(goqu.I("l.id")).As("loan_count"))...).
		GroupBy(goqu.I("b.id")).
		Order(goqu.I("loan_count").Desc(), goqu.I("b.title").Asc(), goqu.I("b.id").Asc()).
		Limit(uint(limit))

	var out []PopularBook
	err := r.db.read(ctx, op, func(q sqlx.QueryerContext) error {
		var rows []popularRow
		if err := selectDataset(ctx, q, ds, &rows); err != nil {
			return err
		}
		out = make([]PopularBook, 0, len(rows))
		for _, row := range rows {
			b, err := row.decode()
			if err != nil {
				return err
			}
			out = append(out, PopularBook{Book: b, LoanCount: row.LoanCount})
		}
		return nil
	})
	return out, err
}
