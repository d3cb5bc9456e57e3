package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/term"

	"library-catalog/library"
)

const maxStorageAttempts = 4

// shell is the interactive console: one command per line, prompts for the arguments.
type shell struct {
	ctx context.Context
	sc  *bufio.Scanner
	out io.Writer
	mgr *library.LibraryManager

	// readSecret reads a masked value; scripted sessions read it as a plain line.
	readSecret func(prompt string) (string, error)
	backOff    func() backoff.BackOff
}

func newShell(ctx context.Context, in io.Reader, out io.Writer, mgr *library.LibraryManager) *shell {
	s := &shell{
		ctx: ctx,
		sc:  bufio.NewScanner(in),
		out: out,
		mgr: mgr,
		backOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
	}
	s.readSecret = s.readLineSecret
	return s
}

// useTerminal switches secret prompts to masked terminal input when fd is a tty.
func (s *shell) useTerminal(fd int) {
	if !term.IsTerminal(fd) {
		return
	}
	s.readSecret = func(prompt string) (string, error) {
		fmt.Fprint(s.out, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(s.out)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
}

func (s *shell) readLineSecret(prompt string) (string, error) {
	v, ok := s.prompt(prompt)
	if !ok {
		return "", io.ErrUnexpectedEOF
	}
	return v, nil
}

var commandHelp = []string{
	"  Books: add book, get book, find isbn, search book, update book, delete book,",
	"         list books, list available, popular books",
	"  Members: add member, get member, find email, search member, update member, delete member,",
	"           activate member, deactivate member, list members, list active, member stats,",
	"           set pin, clear pin",
	"  Circulation: borrow, return, return book, extend, loan status",
	"  Reports: member history, member loans, book history, current loans, overdue,",
	"           due on, statistics",
	"  System: backup, restore, help, exit",
}

func (s *shell) printHelp() {
	fmt.Fprintln(s.out, "Available commands:")
	for _, l := range commandHelp {
		fmt.Fprintln(s.out, l)
	}
}

// run reads commands until "exit" or end of input.
func (s *shell) run() {
	fmt.Fprintln(s.out, "Welcome to the Library Catalog!")
	s.printHelp()

	for {
		fmt.Fprint(s.out, "\n> ")
		if !s.sc.Scan() {
			return
		}
		cmd := strings.ToLower(strings.TrimSpace(s.sc.Text()))

		switch cmd {
		case "":
		case "add book":
			s.handleAddBook()
		case "get book":
			s.handleGetBook()
		case "find isbn":
			s.handleFindISBN()
		case "search book":
			s.handleSearchBooks()
		case "update book":
			s.handleUpdateBook()
		case "delete book":
			s.handleDeleteBook()
		case "list books":
			s.handleListBooks()
		case "list available":
			s.handleListAvailable()
		case "popular books":
			s.handlePopular()
		case "add member":
			s.handleAddMember()
		case "get member":
			s.handleGetMember()
		case "find email":
			s.handleFindEmail()
		case "search member":
			s.handleSearchMembers()
		case "update member":
			s.handleUpdateMember()
		case "delete member":
			s.handleDeleteMember()
		case "activate member":
			s.handleSetActive(true)
		case "deactivate member":
			s.handleSetActive(false)
		case "list members":
			s.handleListMembers()
		case "list active":
			s.handleListActive()
		case "member stats":
			s.handleMemberStats()
		case "set pin":
			s.handleSetPIN()
		case "clear pin":
			s.handleClearPIN()
		case "borrow":
			s.handleBorrow()
		case "return":
			s.handleReturn()
		case "return book":
			s.handleReturnByBookMember()
		case "extend":
			s.handleExtend()
		case "loan status":
			s.handleLoanStatus()
		case "member history":
			s.handleMemberHistory()
		case "member loans":
			s.handleMemberLoans()
		case "book history":
			s.handleBookHistory()
		case "current loans":
			s.handleCurrentLoans()
		case "overdue":
			s.handleOverdue()
		case "due on":
			s.handleDueOn()
		case "statistics":
			s.handleStatistics()
		case "backup":
			s.handleBackup()
		case "restore":
			s.handleRestore()
		case "help":
			s.printHelp()
		case "exit", "quit":
			fmt.Fprintln(s.out, "Goodbye!")
			return
		default:
			fmt.Fprintln(s.out, "Unknown command. Type 'help' to see the available commands.")
		}
	}
}

// ---- input helpers ----

func (s *shell) prompt(label string) (string, bool) {
	fmt.Fprint(s.out, label)
	if !s.sc.Scan() {
		return "", false
	}
	return strings.TrimSpace(s.sc.Text()), true
}

func (s *shell) promptID(label string) (int64, bool) {
	v, ok := s.prompt(label)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		fmt.Fprintln(s.out, "Invalid ID")
		return 0, false
	}
	return id, true
}

// promptInt parses an integer; an empty answer yields def.
func (s *shell) promptInt(label string, def int) (int, bool) {
	v, ok := s.prompt(label)
	if !ok {
		return 0, false
	}
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintln(s.out, "Invalid number")
		return 0, false
	}
	return n, true
}

// promptKeep returns cur when the answer is empty.
func (s *shell) promptKeep(label, cur string) (string, bool) {
	v, ok := s.prompt(fmt.Sprintf("%s [%s]: ", label, cur))
	if !ok {
		return "", false
	}
	if v == "" {
		return cur, true
	}
	return v, true
}

// ---- error presentation and retry ----

var reasonText = map[library.Reason]string{
	library.ReasonNotAvailable:         "the book is not available",
	library.ReasonMemberInactive:       "the member is not active",
	library.ReasonLoanLimitExceeded:    "the member has reached the loan limit",
	library.ReasonHasOverdue:           "the member has overdue loans",
	library.ReasonDuplicateLoan:        "the member already has this book",
	library.ReasonAlreadyReturned:      "the loan is already returned",
	library.ReasonRenewalLimitExceeded: "the loan cannot be renewed again",
	library.ReasonOverdue:              "overdue loans cannot be renewed",
}

func (s *shell) fail(err error) {
	kind := library.KindOf(err)
	switch {
	case kind == library.KindPolicy:
		text := reasonText[library.ReasonOf(err)]
		if text == "" {
			text = string(library.ReasonOf(err))
		}
		fmt.Fprintf(s.out, "Not allowed: %s (%v)\n", text, err)
	case kind == 0:
		fmt.Fprintf(s.out, "Error: %v\n", err)
	default:
		fmt.Fprintf(s.out, "Error [%s]: %v\n", kind, err)
	}
}

// retry repeats op while it fails with a transient storage error.
func retry[T any](s *shell, op func() (T, error)) (T, error) {
	return backoff.Retry(s.ctx, func() (T, error) {
		v, err := op()
		if err != nil && !library.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(s.backOff()), backoff.WithMaxTries(maxStorageAttempts))
}

func retryErr(s *shell, op func() error) error {
	_, err := retry(s, func() (struct{}, error) { return struct{}{}, op() })
	return err
}

// ---- books ----

func (s *shell) readBook(b *library.Book) bool {
	var ok bool
	if b.Title, ok = s.promptKeep("Title", b.Title); !ok {
		return false
	}
	if b.Author, ok = s.promptKeep("Author", b.Author); !ok {
		return false
	}
	if b.ISBN, ok = s.promptKeep("ISBN", b.ISBN); !ok {
		return false
	}
	if b.Publisher, ok = s.promptKeep("Publisher", b.Publisher); !ok {
		return false
	}
	if b.Category, ok = s.promptKeep("Category", b.Category); !ok {
		return false
	}
	if b.PublicationYear, ok = s.promptInt(fmt.Sprintf("Publication year [%d]: ", b.PublicationYear), b.PublicationYear); !ok {
		return false
	}
	return true
}

func (s *shell) handleAddBook() {
	b := &library.Book{}
	if !s.readBook(b) {
		return
	}
	copies, ok := s.promptInt("Copies [1]: ", 1)
	if !ok {
		return
	}
	b.TotalCopies, b.AvailableCopies = copies, copies

	id, err := retry(s, func() (int64, error) { return s.mgr.Books.Create(s.ctx, b) })
	if err != nil {
		s.fail(err)
		return
	}
	fmt.Fprintf(s.out, "Book added with ID %d\n", id)
}

func (s *shell) printBook(b *library.Book) {
	fmt.Fprintf(s.out, "ID:          %d\n", b.ID)
	fmt.Fprintf(s.out, "Title:       %s\n", b.Title)
	fmt.Fprintf(s.out, "Author:      %s\n", b.Author)
	fmt.Fprintf(s.out, "ISBN:        %s\n", b.ISBN)
	fmt.Fprintf(s.out, "Publisher:   %s\n", b.Publisher)
	fmt.Fprintf(s.out, "Category:    %s\n", b.Category)
	fmt.Fprintf(s.out, "Year:        %d\n", b.PublicationYear)
	fmt.Fprintf(s.out, "Copies:      %d of %d available\n", b.AvailableCopies, b.TotalCopies)
}

func (s *shell) printBooks(books []*library.Book) {
	if len(books) == 0 {
		fmt.Fprintln(s.out, "No books found.")
		return
	}
	fmt.Fprintf(s.out, "%-5s %-30s %-20s %-15s %s\n", "ID", "Title", "Author", "Category", "Avail")
	for _, b := range books {
		fmt.Fprintln(s.out, library.PrettyBook(b))
	}
}

func (s *shell) handleGetBook() {
	id, ok := s.promptID("Book ID: ")
	if !ok {
		return
	}
	b, err := retry(s, func() (*library.Book, error) { return s.mgr.Books.Get(s.ctx, id) })
	if err != nil {
		s.fail(err)
		return
	}
	s.printBook(b)
}

func (s *shell) handleFindISBN() {
	isbn, ok := s.prompt("ISBN: ")
	if !ok {
		return
	}
	b, err := retry(s, func() (*library.Book, error) { return s.mgr.Books.GetByISBN(s.ctx, isbn) })
	if err != nil {
		s.fail(err)
		return
	}
	s.printBook(b)
}

func (s *shell) handleSearchBooks() {
	field, ok := s.prompt("Search by (title/author/category) [title]: ")
	if !ok {
		return
	}
	term, ok := s.prompt("Search: ")
	if !ok {
		return
	}
	var search func(context.Context, string) ([]*library.Book, error)
	switch strings.ToLower(field) {
	case "", "title":
		search = s.mgr.Books.SearchByTitle
	case "author":
		search = s.mgr.Books.SearchByAuthor
	case "category":
		search = s.mgr.Books.SearchByCategory
	default:
		fmt.Fprintln(s.out, "Unknown search field")
		return
	}
	books, err := retry(s, func() ([]*library.Book, error) { return search(s.ctx, term) })
	if err != nil {
		s.fail(err)
		return
	}
	s.printBooks(books)
}

func (s *shell) handleUpdateBook() {
	id, ok := s.promptID("Book ID: ")
	if !ok {
		return
	}
	b, err := s.mgr.Books.Get(s.ctx, id)
	if err != nil {
		s.fail(err)
		return
	}
	if !s.readBook(b) {
		return
	}
	onLoan := b.TotalCopies - b.AvailableCopies
	if b.TotalCopies, ok = s.promptInt(fmt.Sprintf("Total copies (%d on loan) [%d]: ", onLoan, b.TotalCopies), b.TotalCopies); !ok {
		return
	}
	b.AvailableCopies = b.TotalCopies - onLoan
	if err := retryErr(s, func() error { return s.mgr.Books.Update(s.ctx, b) }); err != nil {
		s.fail(err)
		return
	}
	fmt.Fprintln(s.out, "Book updated")
}

func (s *shell) handleDeleteBook() {
	id, ok := s.promptID("Book ID: ")
	if !ok {
		return
	}
	if err := retryErr(s, func() error { return s.mgr.Books.Delete(s.ctx, id) }); err != nil {
		s.fail(err)
		return
	}
	fmt.Fprintln(s.out, "Book deleted")
}

func (s *shell) handleListBooks() {
	limit, ok := s.promptInt("Page size (0 for all) [0]: ", 0)
	if !ok {
		return
	}
	offset := 0
	if limit > 0 {
		if offset, ok = s.promptInt("Skip [0]: ", 0); !ok {
			return
		}
	}
	books, err := retry(s, func() ([]*library.Book, error) { return s.mgr.Books.List(s.ctx, limit, offset) })
	if err != nil {
		s.fail(err)
		return
	}
	s.printBooks(books)
}

func (s *shell) handleListAvailable() {
	books, err := retry(s, func() ([]*library.Book, error) { return s.mgr.Books.ListAvailable(s.ctx) })
	if err != nil {
		s.fail(err)
		return
	}
	s.printBooks(books)
}

func (s *shell) handlePopular() {
	limit, ok := s.promptInt("How many [10]: ", 10)
	if !ok {
		return
	}
	books, err := retry(s, func() ([]library.PopularBook, error) { return s.mgr.Books.Popular(s.ctx, limit) })
	if err != nil {
		s.fail(err)
		return
	}
	if len(books) == 0 {
		fmt.Fprintln(s.out, "No books found.")
		return
	}
	for i, p := range books {
		fmt.Fprintf(s.out, "%2d. %s  (%d loans)\n", i+1, library.PrettyBook(p.Book), p.LoanCount)
	}
}

// ---- members ----

func (s *shell) readMember(m *library.Member) bool {
	var ok bool
	if m.Name, ok = s.promptKeep("Name", m.Name); !ok {
		return false
	}
	if m.Email, ok = s.promptKeep("Email", m.Email); !ok {
		return false
	}
	if m.Phone, ok = s.promptKeep("Phone", m.Phone); !ok {
		return false
	}
	if m.Address, ok = s.promptKeep("Address", m.Address); !ok {
		return false
	}
	return true
}

func (s *shell) handleAddMember() {
	m := &library.Member{}
	if !s.readMember(m) {
		return
	}
	id, err := retry(s, func() (int64, error) { return s.mgr.Members.Create(s.ctx, m) })
	if err != nil {
		s.fail(err)
		return
	}
	fmt.Fprintf(s.out, "Member added with ID %d\n", id)
}

func (s *shell) printMember(m *library.Member) {
	fmt.Fprintf(s.out, "ID:          %d\n", m.ID)
	fmt.Fprintf(s.out, "Name:        %s\n", m.Name)
	fmt.Fprintf(s.out, "Email:       %s\n", m.Email)
	fmt.Fprintf(s.out, "Phone:       %s\n", m.Phone)
	fmt.Fprintf(s.out, "Address:     %s\n", m.Address)
	fmt.Fprintf(s.out, "Active:      %t\n", m.IsActive)
	fmt.Fprintf(s.out, "PIN set:     %t\n", m.HasPIN)
	fmt.Fprintf(s.out, "Registered:  %s\n", m.RegistrationDate.Format("2006-01-02"))
}

func (s *shell) printMembers(members []*library.Member) {
	if len(members) == 0 {
		fmt.Fprintln(s.out, "No members found.")
		return
	}
	fmt.Fprintf(s.out, "%-5s %-25s %-30s %-15s %s\n", "ID", "Name", "Email", "Phone", "State")
	for _, m := range members {
		fmt.Fprintln(s.out, library.PrettyMember(m))
	}
}

func (s *shell) handleGetMember() {
	id, ok := s.promptID("Member ID: ")
	if !ok {
		return
	}
	m, err := retry(s, func() (*library.Member, error) { return s.mgr.Members.Get(s.ctx, id) })
	if err != nil {
		s.fail(err)
		return
	}
	s.printMember(m)
}

func (s *shell) handleFindEmail() {
	email, ok := s.prompt("Email: ")
	if !ok {
		return
	}
	m, err := retry(s, func() (*library.Member, error) { return s.mgr.Members.GetByEmail(s.ctx, email) })
	if err != nil {
		s.fail(err)
		return
	}
	s.printMember(m)
}

func (s *shell) handleSearchMembers() {
	field, ok := s.prompt("Search by (name/phone) [name]: ")
	if !ok {
		return
	}
	term, ok := s.prompt("Search: ")
	if !ok {
		return
	}
	var search func(context.Context, string) ([]*library.Member, error)
	switch strings.ToLower(field) {
	case "", "name":
		search = s.mgr.Members.SearchByName
	case "phone":
		search = s.mgr.Members.SearchByPhone
	default:
		fmt.Fprintln(s.out, "Unknown search field")
		return
	}
	members, err := retry(s, func() ([]*library.Member, error) { return search(s.ctx, term) })
	if err != nil {
		s.fail(err)
		return
	}
	s.printMembers(members)
}

func (s *shell) handleUpdateMember() {
	id, ok := s.promptID("Member ID: ")
	if !ok {
		return
	}
	m, err := s.mgr.Members.Get(s.ctx, id)
	if err != nil {
		s.fail(err)
		return
	}
	if !s.readMember(m) {
		return
	}
	if err := retryErr(s, func() error { return s.mgr.Members.Update(s.ctx, m) }); err != nil {
		s.fail(err)
		return
	}
	fmt.Fprintln(s.out, "Member updated")
}

func (s *shell) handleDeleteMember() {
	id, ok := s.promptID("Member ID: ")
	if !ok {
		return
	}
	if err := retryErr(s, func() error { return s.mgr.Members.Delete(s.ctx, id) }); err != nil {
		s.fail(err)
		return
	}
	fmt.Fprintln(s.out, "Member deleted")
}

func (s *shell) handleSetActive(active bool) {
	id, ok := s.promptID("Member ID: ")
	if !ok {
		return
	}
	op, msg := s.mgr.Members.Deactivate, "Member deactivated"
	if active {
		op, msg = s.mgr.Members.Activate, "Member activated"
	}
	if err := retryErr(s, func() error { return op(s.ctx, id) }); err != nil {
		s.fail(err)
		return
	}
	fmt.Fprintln(s.out, msg)
}

func (s *shell) handleListMembers() {
	members, err := retry(s, func() ([]*library.Member, error) { return s.mgr.Members.List(s.ctx, 0, 0) })
	if err != nil {
		s.fail(err)
		return
	}
	s.printMembers(members)
}

func (s *shell) handleListActive() {
	members, err := retry(s, func() ([]*library.Member, error) { return s.mgr.Members.ListActive(s.ctx) })
	if err != nil {
		s.fail(err)
		return
	}
	s.printMembers(members)
}

func (s *shell) handleMemberStats() {
	id, ok := s.promptID("Member ID: ")
	if !ok {
		return
	}
	st, err := retry(s, func() (library.MemberLoanStats, error) { return s.mgr.Members.LoanStats(s.ctx, id) })
	if err != nil {
		s.fail(err)
		return
	}
	fmt.Fprintf(s.out, "Total loans: %d\nCurrent:     %d\nOverdue:     %d\n", st.Total, st.Current, st.Overdue)
}

func (s *shell) handleSetPIN() {
	id, ok := s.promptID("Member ID: ")
	if !ok {
		return
	}
	pin, err := s.readSecret("New PIN: ")
	if err != nil {
		s.fail(fmt.Errorf("failed to read PIN: %w", err))
		return
	}
	confirm, err := s.readSecret("Confirm PIN: ")
	if err != nil {
		s.fail(fmt.Errorf("failed to read PIN: %w", err))
		return
	}
	if pin != confirm {
		fmt.Fprintln(s.out, "PINs do not match")
		return
	}
	if err := retryErr(s, func() error { return s.mgr.Members.SetPIN(s.ctx, id, pin) }); err != nil {
		s.fail(err)
		return
	}
	fmt.Fprintln(s.out, "PIN set")
}

func (s *shell) handleClearPIN() {
	id, ok := s.promptID("Member ID: ")
	if !ok {
		return
	}
	if err := retryErr(s, func() error { return s.mgr.Members.ClearPIN(s.ctx, id) }); err != nil {
		s.fail(err)
		return
	}
	fmt.Fprintln(s.out, "PIN cleared")
}

// authenticateMember asks for the member's PIN when one is set.
func (s *shell) authenticateMember(memberID int64) error {
	m, err := s.mgr.Members.Get(s.ctx, memberID)
	if err != nil {
		if library.KindOf(err) == library.KindNotFound {
			// Let the loan engine report the missing member.
			return nil
		}
		return err
	}
	if !m.HasPIN {
		return nil
	}
	pin, err := s.readSecret("Member PIN: ")
	if err != nil {
		return fmt.Errorf("failed to read PIN: %w", err)
	}
	return s.mgr.Members.VerifyPIN(s.ctx, memberID, pin)
}

// ---- circulation ----

func (s *shell) handleBorrow() {
	bookID, ok := s.promptID("Book ID: ")
	if !ok {
		return
	}
	memberID, ok := s.promptID("Member ID: ")
	if !ok {
		return
	}
	days, ok := s.promptInt(fmt.Sprintf("Loan days [%d]: ", s.mgr.Loans.Policy().DefaultLoanDays), 0)
	if !ok {
		return
	}
	if err := s.authenticateMember(memberID); err != nil {
		s.fail(err)
		return
	}
	id, err := retry(s, func() (int64, error) { return s.mgr.Loans.Borrow(s.ctx, bookID, memberID, days) })
	if err != nil {
		s.fail(err)
		return
	}
	loan, err := s.mgr.Loans.Get(s.ctx, id)
	if err != nil {
		fmt.Fprintf(s.out, "Loan %d created\n", id)
		return
	}
	fmt.Fprintf(s.out, "Loan %d created, due %s\n", id, loan.DueDate.Format("2006-01-02"))
}

func (s *shell) reportReturn(l *library.Loan) {
	fmt.Fprintf(s.out, "Loan %d returned\n", l.ID)
	if days := l.OverdueDays(s.mgr.Now()); days > 0 {
		fmt.Fprintf(s.out, "Returned %d day(s) late\n", days)
	}
}

func (s *shell) handleReturn() {
	id, ok := s.promptID("Loan ID: ")
	if !ok {
		return
	}
	l, err := retry(s, func() (*library.Loan, error) { return s.mgr.Loans.Return(s.ctx, id) })
	if err != nil {
		s.fail(err)
		return
	}
	s.reportReturn(l)
}

func (s *shell) handleReturnByBookMember() {
	bookID, ok := s.promptID("Book ID: ")
	if !ok {
		return
	}
	memberID, ok := s.promptID("Member ID: ")
	if !ok {
		return
	}
	l, err := retry(s, func() (*library.Loan, error) { return s.mgr.Loans.ReturnByBookMember(s.ctx, bookID, memberID) })
	if err != nil {
		s.fail(err)
		return
	}
	s.reportReturn(l)
}

func (s *shell) handleExtend() {
	id, ok := s.promptID("Loan ID: ")
	if !ok {
		return
	}
	days, ok := s.promptInt(fmt.Sprintf("Extend by days [%d]: ", s.mgr.Loans.Policy().DefaultLoanDays), s.mgr.Loans.Policy().DefaultLoanDays)
	if !ok {
		return
	}
	l, err := retry(s, func() (*library.Loan, error) { return s.mgr.Loans.Extend(s.ctx, id, days) })
	if err != nil {
		s.fail(err)
		return
	}
	fmt.Fprintf(s.out, "Loan %d now due %s (renewal %d of %d)\n",
		l.ID, l.DueDate.Format("2006-01-02"), l.RenewalCount, s.mgr.Loans.Policy().MaxRenewals)
}

func (s *shell) handleLoanStatus() {
	id, ok := s.promptID("Loan ID: ")
	if !ok {
		return
	}
	l, err := retry(s, func() (*library.Loan, error) { return s.mgr.Loans.Get(s.ctx, id) })
	if err != nil {
		s.fail(err)
		return
	}
	now := s.mgr.Now()
	fmt.Fprintf(s.out, "Loan %d: book %d, member %d\n", l.ID, l.BookID, l.MemberID)
	fmt.Fprintf(s.out, "Lent %s, due %s, renewals %d\n", l.LoanDate.Format("2006-01-02"), l.DueDate.Format("2006-01-02"), l.RenewalCount)
	fmt.Fprintf(s.out, "Status: %s\n", l.Status(now))
	if days := l.OverdueDays(now); days > 0 {
		fmt.Fprintf(s.out, "Overdue by %d day(s)\n", days)
	}
}

// ---- reports ----

func (s *shell) printLoans(loans []library.LoanDetail) {
	if len(loans) == 0 {
		fmt.Fprintln(s.out, "No loans found.")
		return
	}
	now := s.mgr.Now()
	for _, l := range loans {
		fmt.Fprintln(s.out, library.PrettyLoan(l, now))
	}
}

func (s *shell) runReport(fn func() ([]library.LoanDetail, error)) {
	loans, err := retry(s, fn)
	if err != nil {
		s.fail(err)
		return
	}
	s.printLoans(loans)
}

func (s *shell) handleMemberHistory() {
	id, ok := s.promptID("Member ID: ")
	if !ok {
		return
	}
	all, ok := s.prompt("Include returned loans? (y/N): ")
	if !ok {
		return
	}
	include := strings.HasPrefix(strings.ToLower(all), "y")
	s.runReport(func() ([]library.LoanDetail, error) { return s.mgr.Reports.MemberHistory(s.ctx, id, include) })
}

func (s *shell) handleMemberLoans() {
	id, ok := s.promptID("Member ID: ")
	if !ok {
		return
	}
	s.runReport(func() ([]library.LoanDetail, error) { return s.mgr.Reports.MemberCurrent(s.ctx, id) })
}

func (s *shell) handleBookHistory() {
	id, ok := s.promptID("Book ID: ")
	if !ok {
		return
	}
	s.runReport(func() ([]library.LoanDetail, error) { return s.mgr.Reports.BookHistory(s.ctx, id) })
}

func (s *shell) handleCurrentLoans() {
	s.runReport(func() ([]library.LoanDetail, error) { return s.mgr.Reports.Current(s.ctx) })
}

func (s *shell) handleOverdue() {
	s.runReport(func() ([]library.LoanDetail, error) { return s.mgr.Reports.Overdue(s.ctx) })
}

func (s *shell) handleDueOn() {
	v, ok := s.prompt("Date (YYYY-MM-DD) [today]: ")
	if !ok {
		return
	}
	day := s.mgr.Now()
	if v != "" {
		var err error
		if day, err = time.ParseInLocation("2006-01-02", v, time.Local); err != nil {
			fmt.Fprintln(s.out, "Invalid date")
			return
		}
	}
	s.runReport(func() ([]library.LoanDetail, error) { return s.mgr.Reports.DueOn(s.ctx, day) })
}

func (s *shell) handleStatistics() {
	st, err := retry(s, func() (library.LoanStatistics, error) { return s.mgr.Reports.Statistics(s.ctx) })
	if err != nil {
		s.fail(err)
		return
	}
	printStatistics(s.out, st)
}

func printStatistics(w io.Writer, st library.LoanStatistics) {
	fmt.Fprintf(w, "Total loans:    %d\n", st.Total)
	fmt.Fprintf(w, "Current loans:  %d\n", st.Current)
	fmt.Fprintf(w, "Overdue loans:  %d\n", st.Overdue)
	fmt.Fprintf(w, "Returned loans: %d\n", st.Returned)
}

// ---- maintenance ----

func (s *shell) handleBackup() {
	path, ok := s.prompt("Backup file (empty for a timestamped file in the backup directory): ")
	if !ok {
		return
	}
	if path == "" {
		p, err := s.mgr.AutoBackup(s.ctx)
		if err != nil {
			s.fail(err)
			return
		}
		path = p
	} else if err := s.mgr.Backup(s.ctx, path); err != nil {
		s.fail(err)
		return
	}
	fmt.Fprintf(s.out, "Backup written to %s\n", path)
}

func (s *shell) handleRestore() {
	path, ok := s.prompt("Backup file to restore: ")
	if !ok {
		return
	}
	confirm, ok := s.prompt("This replaces all current data. Continue? (y/N): ")
	if !ok || !strings.HasPrefix(strings.ToLower(confirm), "y") {
		fmt.Fprintln(s.out, "Restore cancelled")
		return
	}
	if err := s.mgr.Restore(s.ctx, path); err != nil {
		s.fail(err)
		return
	}
	fmt.Fprintln(s.out, "Database restored")
}

// autoBackup runs on exit when enabled; failures are reported, never fatal.
func autoBackup(ctx context.Context, mgr *library.LibraryManager, w io.Writer) {
	if !mgr.Config().AutoBackupEnabled {
		return
	}
	path, err := mgr.AutoBackup(ctx)
	if err != nil {
		fmt.Fprintf(w, "Auto-backup failed: %v\n", err)
		return
	}
	fmt.Fprintf(w, "Auto-backup written to %s\n", path)
}

func stdinFD() int { return int(os.Stdin.Fd()) }
