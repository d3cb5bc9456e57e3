package library

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGetBook(t *testing.T) {
	f := newFixture(t)
	b := &Book{
		Title:           "  The Hobbit ",
		Author:          "J.R.R. Tolkien",
		ISBN:            "9780261102217",
		Publisher:       "Allen & Unwin",
		Category:        "Fantasy",
		PublicationYear: 1937,
		TotalCopies:     3,
		AvailableCopies: 3,
	}
	id, err := f.books.Create(f.ctx, b)
	require.NoError(t, err)
	assert.Equal(t, id, b.ID)

	got, err := f.books.Get(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "The Hobbit", got.Title)
	assert.Equal(t, "Fantasy", got.Category)
	assert.Equal(t, 1937, got.PublicationYear)
	assert.Equal(t, 3, got.AvailableCopies)
	assert.Equal(t, baseTime.Unix(), got.CreatedAt.Unix())

	byISBN, err := f.books.GetByISBN(f.ctx, "9780261102217")
	require.NoError(t, err)
	assert.Equal(t, id, byISBN.ID)

	_, err = f.books.Get(f.ctx, id+100)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.books.GetByISBN(f.ctx, "0000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateBookValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]Book{
		"empty title":       {Author: "A", TotalCopies: 1, AvailableCopies: 1},
		"blank author":      {Title: "T", Author: "   ", TotalCopies: 1, AvailableCopies: 1},
		"long title":        {Title: strings.Repeat("x", 256), Author: "A"},
		"long isbn":         {Title: "T", Author: "A", ISBN: strings.Repeat("1", 20)},
		"malformed isbn":    {Title: "T", Author: "A", ISBN: "abc"},
		"long category":     {Title: "T", Author: "A", Category: strings.Repeat("c", 64)},
		"negative total":    {Title: "T", Author: "A", TotalCopies: -1},
		"negative avail":    {Title: "T", Author: "A", TotalCopies: 1, AvailableCopies: -1},
		"avail above total": {Title: "T", Author: "A", TotalCopies: 1, AvailableCopies: 2},
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.books.Create(f.ctx, &b)
			require.ErrorIs(t, err, ErrValidation)
		})
	}

	list, err := f.books.List(f.ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestBookLengthCountsCharacters(t *testing.T) {
	f := newFixture(t)
	// 255 two-byte characters fit.
	_, err := f.books.Create(f.ctx, &Book{Title: strings.Repeat("é", 255), Author: "A"})
	require.NoError(t, err)
}

func TestDuplicateISBN(t *testing.T) {
	f := newFixture(t)
	_, err := f.books.Create(f.ctx, &Book{Title: "One", Author: "A", ISBN: "0306406152"})
	require.NoError(t, err)
	_, err = f.books.Create(f.ctx, &Book{Title: "Two", Author: "B", ISBN: "0306406152"})
	require.ErrorIs(t, err, ErrConflict)

	// Books without ISBN never collide.
	_, err = f.books.Create(f.ctx, &Book{Title: "Three", Author: "C"})
	require.NoError(t, err)
	_, err = f.books.Create(f.ctx, &Book{Title: "Four", Author: "D"})
	require.NoError(t, err)
}

func TestSearchBooks(t *testing.T) {
	f := newFixture(t)
	for _, b := range []Book{
		{Title: "Moby Dick", Author: "Herman Melville", Category: "Classic Fiction"},
		{Title: "Dune", Author: "Frank Herbert", Category: "Science Fiction"},
		{Title: "Dubliners", Author: "James Joyce", Category: "Short Stories"},
		{Title: "100% Pure", Author: "Percent", Category: "Misc"},
		{Title: "1000 Nights", Author: "Anon", Category: "Misc"},
		{Title: "snake_case", Author: "Dev", Category: "Tech"},
		{Title: "snakeXcase", Author: "Dev", Category: "Tech"},
	} {
		b := b
		_, err := f.books.Create(f.ctx, &b)
		require.NoError(t, err)
	}

	res, err := f.books.SearchByTitle(f.ctx, "du")
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "Dubliners", res[0].Title)
	assert.Equal(t, "Dune", res[1].Title)

	res, err = f.books.SearchByAuthor(f.ctx, "HERBERT")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "Dune", res[0].Title)

	res, err = f.books.SearchByCategory(f.ctx, "fiction")
	require.NoError(t, err)
	assert.Len(t, res, 2)

	res, err = f.books.SearchByTitle(f.ctx, "100%")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "100% Pure", res[0].Title)

	res, err = f.books.SearchByTitle(f.ctx, "snake_")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "snake_case", res[0].Title)

	res, err = f.books.SearchByTitle(f.ctx, "' OR 1=1 --")
	require.NoError(t, err)
	assert.Empty(t, res)

	res, err = f.books.SearchByTitle(f.ctx, "   ")
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestSearchNormalisesUnicode(t *testing.T) {
	f := newFixture(t)
	// Stored decomposed, searched composed.
	_, err := f.books.Create(f.ctx, &Book{Title: "Cafe\u0301 Society", Author: "A"})
	require.NoError(t, err)

	res, err := f.books.SearchByTitle(f.ctx, "Caf\u00e9")
	require.NoError(t, err)
	assert.Len(t, res, 1)
}

func TestSearchFoldsUnicodeCase(t *testing.T) {
	f := newFixture(t)
	_, err := f.books.Create(f.ctx, &Book{Title: "Thérèse Raquin", Author: "Émile Zola", Category: "Naturalisme"})
	require.NoError(t, err)
	_, err = f.books.Create(f.ctx, &Book{Title: "Ωmega", Author: "Anon"})
	require.NoError(t, err)

	res, err := f.books.SearchByAuthor(f.ctx, "émile")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "Thérèse Raquin", res[0].Title)

	res, err = f.books.SearchByTitle(f.ctx, "THÉRÈSE")
	require.NoError(t, err)
	assert.Len(t, res, 1)

	res, err = f.books.SearchByTitle(f.ctx, "ωMEGA")
	require.NoError(t, err)
	assert.Len(t, res, 1)

	res, err = f.books.SearchByCategory(f.ctx, "é")
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestUpdateBook(t *testing.T) {
	f := newFixture(t)
	id := f.addBook(t, "Draft", 2)
	f.clock.Advance(days(1))

	b, err := f.books.Get(f.ctx, id)
	require.NoError(t, err)
	b.Title = "Final"
	b.TotalCopies = 5
	b.AvailableCopies = 5
	require.NoError(t, f.books.Update(f.ctx, b))

	got, err := f.books.Get(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Final", got.Title)
	assert.Equal(t, 5, got.TotalCopies)
	assert.Equal(t, 5, got.AvailableCopies)
	assert.Equal(t, baseTime.Add(days(1)).Unix(), got.UpdatedAt.Unix())
	assert.Equal(t, baseTime.Unix(), got.CreatedAt.Unix())

	got.AvailableCopies = 6
	require.ErrorIs(t, f.books.Update(f.ctx, got), ErrValidation)

	got.AvailableCopies = 1
	got.ID = 777
	require.ErrorIs(t, f.books.Update(f.ctx, got), ErrNotFound)
}

func TestUpdateBookKeepsCopiesConsistent(t *testing.T) {
	f := newFixture(t)
	id := f.addBook(t, "Shared", 2)
	alice := f.addMember(t, "alice")
	bob := f.addMember(t, "bob")
	carol := f.addMember(t, "carol")
	_, err := f.loans.Borrow(f.ctx, id, alice, 0)
	require.NoError(t, err)

	b, err := f.books.Get(f.ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, b.AvailableCopies)

	b.AvailableCopies = 2
	require.ErrorIs(t, f.books.Update(f.ctx, b), ErrConflict)
	assert.Equal(t, 1, f.available(t, id))

	b.TotalCopies, b.AvailableCopies = 0, 0
	require.ErrorIs(t, f.books.Update(f.ctx, b), ErrConflict)

	_, err = f.loans.Borrow(f.ctx, id, bob, 0)
	require.NoError(t, err)
	_, err = f.loans.Borrow(f.ctx, id, carol, 0)
	require.ErrorIs(t, err, ErrNotAvailable)

	b, err = f.books.Get(f.ctx, id)
	require.NoError(t, err)
	b.TotalCopies, b.AvailableCopies = 3, 1
	require.NoError(t, f.books.Update(f.ctx, b))
	_, err = f.loans.Borrow(f.ctx, id, carol, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, f.available(t, id))
}

func TestUpdateBookISBNCollision(t *testing.T) {
	f := newFixture(t)
	_, err := f.books.Create(f.ctx, &Book{Title: "One", Author: "A", ISBN: "0306406152"})
	require.NoError(t, err)
	second := &Book{Title: "Two", Author: "B", ISBN: "9780306406157"}
	_, err = f.books.Create(f.ctx, second)
	require.NoError(t, err)

	second.ISBN = "0306406152"
	require.ErrorIs(t, f.books.Update(f.ctx, second), ErrConflict)
}

func TestDeleteBook(t *testing.T) {
	f := newFixture(t)
	id := f.addBook(t, "Gone", 1)
	require.NoError(t, f.books.Delete(f.ctx, id))
	assert.ErrorIs(t, f.books.Delete(f.ctx, id), ErrNotFound)
}

func TestListBooksPaging(t *testing.T) {
	f := newFixture(t)
	var ids []int64
	for _, title := range []string{"a", "b", "c", "d", "e"} {
		ids = append(ids, f.addBook(t, title, 1))
	}

	all, err := f.books.List(f.ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	page, err := f.books.List(f.ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[1], page[0].ID)
	assert.Equal(t, ids[2], page[1].ID)

	tail, err := f.books.List(f.ctx, 0, 3)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, ids[3], tail[0].ID)
}

func TestListAvailable(t *testing.T) {
	f := newFixture(t)
	shelf := f.addBook(t, "On shelf", 1)
	out := f.addBook(t, "Out", 1)
	_, err := f.books.Create(f.ctx, &Book{Title: "Reference only", Author: "A"})
	require.NoError(t, err)
	alice := f.addMember(t, "alice")
	_, err = f.loans.Borrow(f.ctx, out, alice, 0)
	require.NoError(t, err)

	avail, err := f.books.ListAvailable(f.ctx)
	require.NoError(t, err)
	require.Len(t, avail, 1)
	assert.Equal(t, shelf, avail[0].ID)
}

func TestPopularBooks(t *testing.T) {
	f := newFixture(t)
	hot := f.addBook(t, "Hot", 3)
	warm := f.addBook(t, "Warm", 3)
	also := f.addBook(t, "Also warm", 3)
	cold := f.addBook(t, "Cold", 3)
	alice := f.addMember(t, "alice")
	bob := f.addMember(t, "bob")

	borrowReturn := func(book, member int64) {
		id, err := f.loans.Borrow(f.ctx, book, member, 0)
		require.NoError(t, err)
		_, err = f.loans.Return(f.ctx, id)
		require.NoError(t, err)
	}
	borrowReturn(hot, alice)
	borrowReturn(hot, bob)
	borrowReturn(hot, alice)
	borrowReturn(warm, alice)
	borrowReturn(also, bob)

	top, err := f.books.Popular(f.ctx, 0)
	require.NoError(t, err)
	require.Len(t, top, 4)
	assert.Equal(t, hot, top[0].Book.ID)
	assert.Equal(t, 3, top[0].LoanCount)
	assert.Equal(t, also, top[1].Book.ID)
	assert.Equal(t, warm, top[2].Book.ID)
	assert.Equal(t, cold, top[3].Book.ID)
	assert.Zero(t, top[3].LoanCount)

	top, err = f.books.Popular(f.ctx, 1)
	require.NoError(t, err)
	assert.Len(t, top, 1)
}

func TestMalformedRowIsStorageError(t *testing.T) {
	f := newFixture(t)
	id := f.addBook(t, "Broken", 1)
	_, err := f.db.db.Exec(`UPDATE books SET author='' WHERE id=?`, id)
	require.NoError(t, err)

	_, err = f.books.Get(f.ctx, id)
	require.ErrorIs(t, err, ErrStorage)
}
