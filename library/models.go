package library

import (
	"math"
	"time"
)

// Book is a catalog entry together with its copy counters.
// AvailableCopies is owned by the loan engine once the book is in circulation.
type Book struct {
	ID              int64     `json:"id"`
	Title           string    `json:"title" validate:"required,max=255"`
	Author          string    `json:"author" validate:"required,max=127"`
	ISBN            string    `json:"isbn,omitempty" validate:"omitempty,max=19,book_isbn"`
	Publisher       string    `json:"publisher,omitempty" validate:"max=127"`
	Category        string    `json:"category,omitempty" validate:"max=63"`
	PublicationYear int       `json:"publication_year,omitempty" validate:"gte=0,lte=9999"`
	TotalCopies     int       `json:"total_copies" validate:"gte=0"`
	AvailableCopies int       `json:"available_copies" validate:"gte=0,ltefield=TotalCopies"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Member is a registered library member.
type Member struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name" validate:"required,max=63"`
	Email            string    `json:"email" validate:"required,max=127,member_email"`
	Phone            string    `json:"phone,omitempty" validate:"omitempty,max=19,member_phone"`
	Address          string    `json:"address,omitempty" validate:"max=255"`
	IsActive         bool      `json:"is_active"`
	HasPIN           bool      `json:"has_pin"`
	RegistrationDate time.Time `json:"registration_date"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Loan ties one book copy to one member until it is returned.
type Loan struct {
	ID           int64      `json:"id"`
	BookID       int64      `json:"book_id"`
	MemberID     int64      `json:"member_id"`
	LoanDate     time.Time  `json:"loan_date"`
	DueDate      time.Time  `json:"due_date"`
	ReturnDate   *time.Time `json:"return_date,omitempty"`
	IsReturned   bool       `json:"is_returned"`
	RenewalCount int        `json:"renewal_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// LoanStatus is the display state of a loan at a given instant.
type LoanStatus string

const (
	LoanOpen     LoanStatus = "open"
	LoanOverdue  LoanStatus = "overdue"
	LoanReturned LoanStatus = "returned"
)

// Status reports whether the loan is returned, open, or open past its due date at now.
func (l *Loan) Status(now time.Time) LoanStatus {
	if l.IsReturned {
		return LoanReturned
	}
	if l.DueDate.Before(now) {
		return LoanOverdue
	}
	return LoanOpen
}

// OverdueDays reports how many whole days the loan is (or was, when returned) overdue at now.
func (l *Loan) OverdueDays(now time.Time) int {
	effective := now
	if l.ReturnDate != nil {
		effective = *l.ReturnDate
	}
	return OverdueDays(l.DueDate, effective)
}

// OverdueDays is floor((effective - due) / 1 day). Non-positive means not overdue.
func OverdueDays(due, effective time.Time) int {
	secs := effective.Unix() - due.Unix()
	return int(math.Floor(float64(secs) / secondsPerDay))
}

const secondsPerDay = 24 * 60 * 60

// MemberLoanStats summarises one member's borrowing.
type MemberLoanStats struct {
	Total   int `json:"total" db:"total"`
	Current int `json:"current" db:"current"`
	Overdue int `json:"overdue" db:"overdue"`
}

// LoanStatistics summarises the whole loans table.
type LoanStatistics struct {
	Total    int `json:"total" db:"total"`
	Current  int `json:"current" db:"current"`
	Overdue  int `json:"overdue" db:"overdue"`
	Returned int `json:"returned" db:"returned"`
}

// PopularBook pairs a book with the number of times it has been lent.
type PopularBook struct {
	Book      *Book `json:"book"`
	LoanCount int   `json:"loan_count"`
}

// BookLoanCount is a bare (book id, loan count) ranking row.
type BookLoanCount struct {
	BookID    int64 `json:"book_id" db:"book_id"`
	LoanCount int   `json:"loan_count" db:"loan_count"`
}
