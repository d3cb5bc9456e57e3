package library

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("member_email", func(fl validator.FieldLevel) bool {
			return validEmail(fl.Field().String())
		})
		_ = v.RegisterValidation("member_phone", func(fl validator.FieldLevel) bool {
			return validPhone(fl.Field().String())
		})
		_ = v.RegisterValidation("book_isbn", func(fl validator.FieldLevel) bool {
			return validISBN(fl.Field().String())
		})
		validate = v
	})
	return validate
}

// validEmail accepts a@b.c shapes: one "@" that is neither first nor last, with a "." after it.
func validEmail(s string) bool {
	at := strings.Index(s, "@")
	if at <= 0 || at == len(s)-1 {
		return false
	}
	return strings.Contains(s[at+1:], ".")
}

// validPhone allows digits, spaces, hyphens and parentheses only.
func validPhone(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == ' ', r == '-', r == '(', r == ')':
		default:
			return false
		}
	}
	return true
}

// validISBN accepts ISBN-10 or ISBN-13 digits, optionally hyphenated (17 characters at most),
// with an X allowed as the final character. Check digits are not verified.
func validISBN(s string) bool {
	switch len(s) {
	case 10, 13, 17:
	default:
		return false
	}
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9', r == 'X' && i == len(s)-1:
			digits++
		case r == '-':
		default:
			return false
		}
	}
	return digits == 10 || digits == 13
}

// clean trims surrounding whitespace and normalises to NFC so lookups and length
// checks agree on what a character is.
func clean(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func normalizeBook(b *Book) {
	b.Title = clean(b.Title)
	b.Author = clean(b.Author)
	b.ISBN = clean(b.ISBN)
	b.Publisher = clean(b.Publisher)
	b.Category = clean(b.Category)
}

func normalizeMember(m *Member) {
	m.Name = clean(m.Name)
	m.Email = clean(m.Email)
	m.Phone = clean(m.Phone)
	m.Address = clean(m.Address)
}

// checkStruct runs the struct tags and turns the first failure into a validation error.
func checkStruct(op string, v any) error {
	err := validatorInstance().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return validationErr(op, "%v", err)
	}
	return validationErr(op, "%s", describeFieldError(verrs[0]))
}

func describeFieldError(fe validator.FieldError) string {
	field := fieldLabel(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s cannot be empty", field)
	case "max":
		return fmt.Sprintf("%s cannot exceed %s characters", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s cannot be negative", field)
	case "lte":
		return fmt.Sprintf("%s cannot exceed %s", field, fe.Param())
	case "ltefield":
		return fmt.Sprintf("%s cannot exceed total copies", field)
	case "member_email":
		return "invalid email format"
	case "book_isbn":
		return "ISBN must be 10 or 13 digits, optionally hyphenated"
	case "member_phone":
		return "phone may contain only digits, spaces, hyphens and parentheses"
	default:
		return fmt.Sprintf("%s is invalid (%s)", field, fe.Tag())
	}
}

var fieldLabels = map[string]string{
	"ISBN":            "ISBN",
	"PublicationYear": "publication year",
	"TotalCopies":     "total copies",
	"AvailableCopies": "available copies",
}

func fieldLabel(name string) string {
	if l, ok := fieldLabels[name]; ok {
		return l
	}
	return strings.ToLower(name)
}
