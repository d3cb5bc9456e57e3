package library

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.Local)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: baseTime} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

func tempDB(t testing.TB) *Database {
	t.Helper()
	db, err := NewDatabase(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// recordingSink keeps every audit event it receives.
type recordingSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (s *recordingSink) Record(_ context.Context, ev AuditEvent) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) all() []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEvent(nil), s.events...)
}

type fixture struct {
	ctx     context.Context
	db      *Database
	clock   *fakeClock
	books   *BookRepo
	members *MemberRepo
	loans   *LoanEngine
	reports *Reports
	audit   *recordingSink
}

func newFixture(t testing.TB) *fixture {
	t.Helper()
	return newFixtureWithPolicy(t, DefaultPolicy())
}

func newFixtureWithPolicy(t testing.TB, p Policy) *fixture {
	t.Helper()
	db := tempDB(t)
	clock := newFakeClock()
	sink := &recordingSink{}
	return &fixture{
		ctx:     context.Background(),
		db:      db,
		clock:   clock,
		books:   NewBookRepo(db, clock),
		members: NewMemberRepo(db, clock),
		loans:   NewLoanEngine(db, p, clock, sink, nil),
		reports: NewReports(db, clock),
		audit:   sink,
	}
}

func (f *fixture) addBook(t testing.TB, title string, copies int) int64 {
	t.Helper()
	id, err := f.books.Create(f.ctx, &Book{Title: title, Author: "Author of " + title, TotalCopies: copies, AvailableCopies: copies})
	require.NoError(t, err)
	return id
}

func (f *fixture) addMember(t testing.TB, name string) int64 {
	t.Helper()
	id, err := f.members.Create(f.ctx, &Member{Name: name, Email: name + "@example.org"})
	require.NoError(t, err)
	return id
}

func (f *fixture) available(t testing.TB, bookID int64) int {
	t.Helper()
	b, err := f.books.Get(f.ctx, bookID)
	require.NoError(t, err)
	return b.AvailableCopies
}
