package library

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGetMember(t *testing.T) {
	f := newFixture(t)
	m := &Member{Name: "Ada Lovelace", Email: "ada@example.org", Phone: "(020) 555-0101", Address: "12 St James's Sq"}
	id, err := f.members.Create(f.ctx, m)
	require.NoError(t, err)
	assert.True(t, m.IsActive)

	got, err := f.members.Get(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", got.Name)
	assert.Equal(t, "(020) 555-0101", got.Phone)
	assert.True(t, got.IsActive)
	assert.False(t, got.HasPIN)
	assert.Equal(t, baseTime.Unix(), got.RegistrationDate.Unix())

	byEmail, err := f.members.GetByEmail(f.ctx, " ada@example.org ")
	require.NoError(t, err)
	assert.Equal(t, id, byEmail.ID)

	_, err = f.members.GetByEmail(f.ctx, "nobody@example.org")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateMemberValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]Member{
		"empty name":       {Email: "a@b.co"},
		"long name":        {Name: strings.Repeat("n", 64), Email: "a@b.co"},
		"no at":            {Name: "A", Email: "ab.co"},
		"at first":         {Name: "A", Email: "@b.co"},
		"no dot after at":  {Name: "A", Email: "a.b@co"},
		"long email":       {Name: "A", Email: strings.Repeat("e", 120) + "@b.co.uk"},
		"letters in phone": {Name: "A", Email: "a@b.co", Phone: "555-CALL"},
		"long phone":       {Name: "A", Email: "a@b.co", Phone: strings.Repeat("1", 20)},
		"long address":     {Name: "A", Email: "a@b.co", Address: strings.Repeat("x", 256)},
	}
	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.members.Create(f.ctx, &m)
			require.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestDuplicateEmail(t *testing.T) {
	f := newFixture(t)
	_, err := f.members.Create(f.ctx, &Member{Name: "One", Email: "same@example.org"})
	require.NoError(t, err)
	_, err = f.members.Create(f.ctx, &Member{Name: "Two", Email: "same@example.org"})
	require.ErrorIs(t, err, ErrConflict)
}

func TestUpdateMember(t *testing.T) {
	f := newFixture(t)
	alice := f.addMember(t, "alice")
	bob := f.addMember(t, "bob")

	m, err := f.members.Get(f.ctx, alice)
	require.NoError(t, err)
	m.Name = "Alice Smith"
	m.Phone = "555 0100"
	require.NoError(t, f.members.Update(f.ctx, m))

	got, err := f.members.Get(f.ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "Alice Smith", got.Name)
	assert.Equal(t, "555 0100", got.Phone)

	// Keeping one's own email is fine, taking someone else's is not.
	require.NoError(t, f.members.Update(f.ctx, got))
	got.Email = "bob@example.org"
	require.ErrorIs(t, f.members.Update(f.ctx, got), ErrConflict)

	b, err := f.members.Get(f.ctx, bob)
	require.NoError(t, err)
	b.ID = 999
	require.ErrorIs(t, f.members.Update(f.ctx, b), ErrNotFound)
}

func TestSearchMembers(t *testing.T) {
	f := newFixture(t)
	for _, m := range []Member{
		{Name: "Grace Hopper", Email: "grace@example.org", Phone: "555-1000"},
		{Name: "Alan Turing", Email: "alan@example.org", Phone: "555-2000"},
		{Name: "Barbara Liskov", Email: "barbara@example.org"},
	} {
		m := m
		_, err := f.members.Create(f.ctx, &m)
		require.NoError(t, err)
	}

	res, err := f.members.SearchByName(f.ctx, "an")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "Alan Turing", res[0].Name)

	res, err = f.members.SearchByName(f.ctx, "GRACE")
	require.NoError(t, err)
	assert.Len(t, res, 1)

	res, err = f.members.SearchByPhone(f.ctx, "555")
	require.NoError(t, err)
	assert.Len(t, res, 2)

	_, err = f.members.Create(f.ctx, &Member{Name: "Émilie du Châtelet", Email: "emilie@example.org"})
	require.NoError(t, err)
	res, err = f.members.SearchByName(f.ctx, "ÉMILIE DU CHÂ")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "emilie@example.org", res[0].Email)
}

func TestActivateDeactivate(t *testing.T) {
	f := newFixture(t)
	alice := f.addMember(t, "alice")
	bob := f.addMember(t, "bob")

	require.NoError(t, f.members.Deactivate(f.ctx, alice))
	active, err := f.members.ListActive(f.ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, bob, active[0].ID)

	all, err := f.members.List(f.ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, f.members.Activate(f.ctx, alice))
	active, err = f.members.ListActive(f.ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	assert.ErrorIs(t, f.members.Deactivate(f.ctx, 999), ErrNotFound)
}

func TestDeleteMember(t *testing.T) {
	f := newFixture(t)
	book := f.addBook(t, "Loaned", 1)
	alice := f.addMember(t, "alice")
	id, err := f.loans.Borrow(f.ctx, book, alice, 0)
	require.NoError(t, err)

	require.ErrorIs(t, f.members.Delete(f.ctx, alice), ErrConflict)

	_, err = f.loans.Return(f.ctx, id)
	require.NoError(t, err)
	require.NoError(t, f.members.Delete(f.ctx, alice))
	assert.ErrorIs(t, f.members.Delete(f.ctx, alice), ErrNotFound)

	history, err := f.reports.BookHistory(f.ctx, book)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestMemberLoanStats(t *testing.T) {
	f := newFixture(t)
	alice := f.addMember(t, "alice")
	b1 := f.addBook(t, "One", 1)
	b2 := f.addBook(t, "Two", 1)
	b3 := f.addBook(t, "Three", 1)

	id1, err := f.loans.Borrow(f.ctx, b1, alice, 0)
	require.NoError(t, err)
	_, err = f.loans.Return(f.ctx, id1)
	require.NoError(t, err)
	_, err = f.loans.Borrow(f.ctx, b2, alice, 3)
	require.NoError(t, err)
	_, err = f.loans.Borrow(f.ctx, b3, alice, 0)
	require.NoError(t, err)

	f.clock.Advance(days(5))
	st, err := f.members.LoanStats(f.ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, MemberLoanStats{Total: 3, Current: 2, Overdue: 1}, st)

	_, err = f.members.LoanStats(f.ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemberPIN(t *testing.T) {
	f := newFixture(t)
	alice := f.addMember(t, "alice")

	// No PIN set: anything verifies.
	require.NoError(t, f.members.VerifyPIN(f.ctx, alice, ""))

	require.ErrorIs(t, f.members.SetPIN(f.ctx, alice, "12"), ErrValidation)
	require.ErrorIs(t, f.members.SetPIN(f.ctx, alice, "12ab"), ErrValidation)
	require.NoError(t, f.members.SetPIN(f.ctx, alice, "4321"))

	m, err := f.members.Get(f.ctx, alice)
	require.NoError(t, err)
	assert.True(t, m.HasPIN)

	require.NoError(t, f.members.VerifyPIN(f.ctx, alice, "4321"))
	require.ErrorIs(t, f.members.VerifyPIN(f.ctx, alice, "0000"), ErrValidation)

	require.NoError(t, f.members.ClearPIN(f.ctx, alice))
	require.NoError(t, f.members.VerifyPIN(f.ctx, alice, "0000"))

	assert.ErrorIs(t, f.members.VerifyPIN(f.ctx, 999, "1234"), ErrNotFound)
	assert.ErrorIs(t, f.members.SetPIN(f.ctx, 999, "1234"), ErrNotFound)
}
