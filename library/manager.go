package library

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"library-catalog/config"
)

// LibraryManager is a thin façade over the store, keeping CLI code simple.
// It owns the Database; everything else borrows it.
type LibraryManager struct {
	db  *Database
	cfg config.Config

	Books   *BookRepo
	Members *MemberRepo
	Loans   *LoanEngine
	Reports *Reports

	clock  Clock
	logger *slog.Logger
}

// NewLibraryManager opens (or creates) the database named by cfg and wires the repositories
// and loan engine around it.
func NewLibraryManager(cfg config.Config, logger *slog.Logger, clock Clock) (*LibraryManager, error) {
	if logger == nil {
		logger = discardLogger()
	}
	if clock == nil {
		clock = SystemClock()
	}
	db, err := NewDatabase(cfg.DatabasePath, logger.With("component", "store"))
	if err != nil {
		return nil, err
	}
	policy := Policy{
		DefaultLoanDays: cfg.DefaultLoanDays,
		MaxLoans:        cfg.MaxLoanCount,
		MaxRenewals:     cfg.MaxRenewalCount,
	}
	engineLog := logger.With("component", "loans")
	return &LibraryManager{
		db:      db,
		cfg:     cfg,
		Books:   NewBookRepo(db, clock),
		Members: NewMemberRepo(db, clock),
		Loans:   NewLoanEngine(db, policy, clock, NewSlogAudit(logger), engineLog),
		Reports: NewReports(db, clock),
		clock:   clock,
		logger:  logger,
	}, nil
}

// Close closes the underlying database.
func (lm *LibraryManager) Close() error { return lm.db.Close() }

// Config returns the settings the manager was built from.
func (lm *LibraryManager) Config() config.Config { return lm.cfg }

// Now is the manager's notion of the current time.
func (lm *LibraryManager) Now() time.Time { return lm.clock.Now() }

// ------------------ Maintenance ------------------

func (lm *LibraryManager) Backup(ctx context.Context, path string) error {
	return lm.db.Backup(ctx, path)
}

func (lm *LibraryManager) Restore(ctx context.Context, path string) error {
	return lm.db.Restore(ctx, path)
}

// AutoBackup writes a timestamped snapshot into the configured backup directory.
func (lm *LibraryManager) AutoBackup(ctx context.Context) (string, error) {
	name := fmt.Sprintf("library_backup_%s.db", lm.clock.Now().Format("20060102_150405"))
	path := filepath.Join(lm.cfg.BackupDirectory, name)
	if err := lm.db.Backup(ctx, path); err != nil {
		return "", err
	}
	return path, nil
}

// ------------------ Utilities ------------------

// PrettyBook formats a book for lists.
func PrettyBook(b *Book) string {
	return fmt.Sprintf("%-5d %-30s %-20s %-15s %d/%d",
		b.ID, truncate(b.Title, 30), truncate(b.Author, 20), truncate(b.Category, 15), b.AvailableCopies, b.TotalCopies)
}

// PrettyMember formats a member for lists.
func PrettyMember(m *Member) string {
	state := "active"
	if !m.IsActive {
		state = "inactive"
	}
	return fmt.Sprintf("%-5d %-25s %-30s %-15s %s", m.ID, truncate(m.Name, 25), truncate(m.Email, 30), m.Phone, state)
}

// PrettyLoan formats a loan for lists, including its status at now.
func PrettyLoan(l LoanDetail, now time.Time) string {
	status := string(l.Status(now))
	if days := l.OverdueDays(now); days > 0 {
		status = fmt.Sprintf("%s (%d days late)", status, days)
	}
	return fmt.Sprintf("%-5d %-25s %-20s %s  due %s  renewals %d  %s",
		l.ID, truncate(l.BookTitle, 25), truncate(l.MemberName, 20),
		l.LoanDate.Format("2006-01-02"), l.DueDate.Format("2006-01-02"), l.RenewalCount, status)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
