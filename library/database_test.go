package library

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "lib.db")
	db, err := NewDatabase(path, nil)
	require.NoError(t, err)
	id, err := NewBookRepo(db, nil).Create(context.Background(), &Book{Title: "Kept", Author: "A", TotalCopies: 1, AvailableCopies: 1})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = NewDatabase(path, nil)
	require.NoError(t, err)
	defer db.Close()

	var version int
	require.NoError(t, db.db.Get(&version, `SELECT value FROM meta WHERE key='schema_version'`))
	assert.Equal(t, schemaVersion, version)

	b, err := NewBookRepo(db, nil).Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Kept", b.Title)
}

func TestSchemaRejectsBrokenCounts(t *testing.T) {
	db := tempDB(t)
	_, err := db.db.Exec(`INSERT INTO books (title, author, total_copies, available_copies, created_at, updated_at)
        VALUES ('T','A',1,2,0,0)`)
	require.Error(t, err)
	assert.ErrorIs(t, storageErr("insert", err), ErrValidation)
	assert.False(t, IsTransient(storageErr("insert", err)))

	_, err = db.db.Exec(`INSERT INTO loans (book_id, member_id, loan_date, due_date, created_at, updated_at)
        VALUES (1,1,0,10,0,0)`)
	assert.Error(t, err, "foreign keys must be enforced")
}

func TestOpenLoanPairIsUnique(t *testing.T) {
	f := newFixture(t)
	book := f.addBook(t, "Pair", 2)
	alice := f.addMember(t, "alice")
	_, err := f.loans.Borrow(f.ctx, book, alice, 0)
	require.NoError(t, err)

	_, err = f.db.db.Exec(`INSERT INTO loans (book_id, member_id, loan_date, due_date, created_at, updated_at)
        VALUES (?,?,0,10,0,0)`, book, alice)
	require.Error(t, err)
	assert.ErrorIs(t, storageErr("insert", err), ErrConflict)
}

func TestBackupAndRestore(t *testing.T) {
	f := newFixture(t)
	book := f.addBook(t, "Snapshot", 2)
	alice := f.addMember(t, "alice")
	_, err := f.loans.Borrow(f.ctx, book, alice, 0)
	require.NoError(t, err)

	backup := filepath.Join(t.TempDir(), "backups", "snap.db")
	require.NoError(t, f.db.Backup(f.ctx, backup))
	require.ErrorIs(t, f.db.Backup(f.ctx, backup), ErrConflict)

	// Change everything after the snapshot.
	later := f.addBook(t, "Later", 1)
	_, err = f.loans.Borrow(f.ctx, later, alice, 0)
	require.NoError(t, err)

	require.NoError(t, f.db.Restore(f.ctx, backup))

	_, err = f.books.Get(f.ctx, later)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, f.available(t, book))
	st, err := f.reports.Statistics(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Current)

	// The restored store is fully usable.
	id := f.addBook(t, "After restore", 1)
	_, err = f.loans.Borrow(f.ctx, id, alice, 0)
	require.NoError(t, err)
}

func TestRestoreMissingFile(t *testing.T) {
	db := tempDB(t)
	err := db.Restore(context.Background(), filepath.Join(t.TempDir(), "none.db"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.Backup(context.Background(), " "), ErrValidation)
}
