package library

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
)

func TestErrorMatching(t *testing.T) {
	err := policyErr("borrow", ReasonHasOverdue, "member %d has overdue loans", 7)

	assert.ErrorIs(t, err, ErrPolicy)
	assert.ErrorIs(t, err, ErrHasOverdue)
	assert.NotErrorIs(t, err, ErrNotAvailable)
	assert.NotErrorIs(t, err, ErrValidation)
	assert.Equal(t, "borrow: member 7 has overdue loans", err.Error())

	wrapped := fmt.Errorf("shell: %w", err)
	assert.ErrorIs(t, wrapped, ErrHasOverdue)
	assert.Equal(t, KindPolicy, KindOf(wrapped))
	assert.Equal(t, ReasonHasOverdue, ReasonOf(wrapped))
}

func TestStorageErrClassification(t *testing.T) {
	unique := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}
	assert.ErrorIs(t, storageErr("op", unique), ErrConflict)

	check := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintCheck}
	err := storageErr("op", check)
	assert.ErrorIs(t, err, ErrValidation)
	assert.False(t, IsTransient(err))
	assert.True(t, isUniqueViolation(unique))
	assert.False(t, isUniqueViolation(check))

	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	err = storageErr("op", busy)
	assert.ErrorIs(t, err, ErrStorage)
	assert.True(t, IsTransient(err))

	classified := notFoundErr("get", "missing")
	assert.Same(t, classified, storageErr("other", classified))

	assert.Nil(t, storageErr("op", nil))
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(ErrNotAvailable))
	assert.False(t, IsTransient(validationErr("op", "bad")))
	assert.True(t, IsTransient(storageErr("op", errors.New("disk I/O error"))))
	assert.False(t, IsTransient(storageErr("op", context.Canceled)))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "policy", KindPolicy.String())
	assert.Equal(t, "unknown", Kind(0).String())
}
