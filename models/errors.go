package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrValidation         = errors.New("validation failed")
	ErrInvariantViolation = errors.New("ledger invariant violated")
)

type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.Key)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type ConflictError struct {
	Entity string
	Key    string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Entity, e.Key, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// ValidationError maps payload field names to the rule they failed.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func newValidationError(field string, rule string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: rule}}
}

// InvariantViolationError means stored ledger totals disagree with the entries they summarize.
type InvariantViolationError struct {
	Ledger   string
	Key      string
	Field    string
	Stored   decimal.Decimal
	Computed decimal.Decimal
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("%s %q: stored %s %s, computed %s", e.Ledger, e.Key, e.Field, e.Stored.String(), e.Computed.String())
}

func (e *InvariantViolationError) Unwrap() error { return ErrInvariantViolation }

func IsNotFound(err error) bool           { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool           { return errors.Is(err, ErrConflict) }
func IsValidation(err error) bool         { return errors.Is(err, ErrValidation) }
func IsInvariantViolation(err error) bool { return errors.Is(err, ErrInvariantViolation) }

// MySQL server error numbers surfaced as conflicts.
const (
	mysqlDuplicateEntry  = 1062
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// translateDBError maps storage errors onto the domain error kinds. Domain errors pass through.
func translateDBError(entity string, key string, err error) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) || IsConflict(err) || IsValidation(err) || IsInvariantViolation(err) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &NotFoundError{Entity: entity, Key: key}
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return &ConflictError{Entity: entity, Key: key, Reason: "already exists"}
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlDuplicateEntry:
			return &ConflictError{Entity: entity, Key: key, Reason: "already exists"}
		case mysqlLockWaitTimeout, mysqlDeadlock:
			return &ConflictError{Entity: entity, Key: key, Reason: "concurrent update, resubmit"}
		}
	}
	return err
}
