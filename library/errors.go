package library

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// Kind classifies a failure so callers can react without looking at storage internals.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindConflict
	KindPolicy
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindPolicy:
		return "policy"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Reason narrows a policy rejection.
type Reason string

const (
	ReasonNotAvailable         Reason = "not_available"
	ReasonMemberInactive       Reason = "member_inactive"
	ReasonLoanLimitExceeded    Reason = "loan_limit_exceeded"
	ReasonHasOverdue           Reason = "has_overdue"
	ReasonDuplicateLoan        Reason = "duplicate_loan"
	ReasonAlreadyReturned      Reason = "already_returned"
	ReasonRenewalLimitExceeded Reason = "renewal_limit_exceeded"
	ReasonOverdue              Reason = "overdue"
)

// Error is the single error type returned by the store, repositories and loan engine.
type Error struct {
	Kind   Kind
	Reason Reason
	Op     string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	if e.Msg != "" {
		sb.WriteString(e.Msg)
	} else if e.Reason != "" {
		sb.WriteString(string(e.Reason))
	} else {
		sb.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind, and by reason when the sentinel carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != 0 && t.Kind != e.Kind {
		return false
	}
	if t.Reason != "" && t.Reason != e.Reason {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil
}

var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrConflict   = &Error{Kind: KindConflict}
	ErrPolicy     = &Error{Kind: KindPolicy}
	ErrStorage    = &Error{Kind: KindStorage}

	ErrNotAvailable         = &Error{Kind: KindPolicy, Reason: ReasonNotAvailable}
	ErrMemberInactive       = &Error{Kind: KindPolicy, Reason: ReasonMemberInactive}
	ErrLoanLimitExceeded    = &Error{Kind: KindPolicy, Reason: ReasonLoanLimitExceeded}
	ErrHasOverdue           = &Error{Kind: KindPolicy, Reason: ReasonHasOverdue}
	ErrDuplicateLoan        = &Error{Kind: KindPolicy, Reason: ReasonDuplicateLoan}
	ErrAlreadyReturned      = &Error{Kind: KindPolicy, Reason: ReasonAlreadyReturned}
	ErrRenewalLimitExceeded = &Error{Kind: KindPolicy, Reason: ReasonRenewalLimitExceeded}
	ErrOverdue              = &Error{Kind: KindPolicy, Reason: ReasonOverdue}
)

func validationErr(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func notFoundErr(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func conflictErr(op, format string, args ...any) error {
	return &Error{Kind: KindConflict, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func policyErr(op string, reason Reason, format string, args ...any) error {
	return &Error{Kind: KindPolicy, Reason: reason, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// storageErr wraps a driver error. Unique and foreign-key violations become conflicts,
// CHECK and NOT NULL violations are validation failures, everything else is a retryable
// storage failure. Errors that are already classified pass through untouched.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return &Error{Kind: KindConflict, Op: op, Msg: "duplicate value", Err: err}
		case sqlite3.ErrConstraintForeignKey:
			return &Error{Kind: KindConflict, Op: op, Msg: "referenced row is missing or still referenced", Err: err}
		case sqlite3.ErrConstraintCheck, sqlite3.ErrConstraintNotNull:
			return &Error{Kind: KindValidation, Op: op, Msg: "value rejected by the schema", Err: err}
		}
	}
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// KindOf reports the kind of err, or 0 when err did not come from this package.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return 0
}

// ReasonOf reports the policy reason carried by err, if any.
func ReasonOf(err error) Reason {
	var le *Error
	if errors.As(err, &le) {
		return le.Reason
	}
	return ""
}

// IsTransient reports whether the caller may retry the operation as is.
// The engine itself never retries.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) == KindStorage
}
