// Package txscope carries the transaction a caller is already in, if any.
//
// Operations that must be atomic accept a Scope instead of a bare *gorm.DB, so
// the choice between joining an existing transaction and opening a fresh one is
// an explicit branch rather than a comparison of handles.
package txscope

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
)

// ErrNestedTransaction is reported when the driver refuses to open a
// transaction because one is already active on the connection.
var ErrNestedTransaction = errors.New("nested transaction")

// Scope is either "no transaction yet" (the zero value) or "inside tx".
type Scope struct {
	tx *gorm.DB
}

// None returns a scope with no active transaction.
func None() Scope {
	return Scope{}
}

// Within returns a scope bound to an open transaction.
func Within(tx *gorm.DB) Scope {
	return Scope{tx: tx}
}

// InTx reports whether the scope carries an open transaction.
func (s Scope) InTx() bool {
	return s.tx != nil
}

// DB returns the handle statements should run on: the transaction when there
// is one, otherwise db.
func (s Scope) DB(ctx context.Context, db *gorm.DB) *gorm.DB {
	if s.tx != nil {
		return s.tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}

// Run executes fn atomically. Inside an existing transaction fn joins it;
// otherwise a new transaction is opened on db and committed when fn returns nil.
func Run(ctx context.Context, db *gorm.DB, s Scope, fn func(Scope) error) error {
	if s.InTx() {
		return fn(s)
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(Within(tx))
	})
	if err != nil && isNested(err) {
		return errors.Join(ErrNestedTransaction, err)
	}
	return err
}

// IsNested reports whether err came from an attempt to nest transactions.
func IsNested(err error) bool {
	return errors.Is(err, ErrNestedTransaction) || isNested(err)
}

func isNested(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "cannot start a transaction within a transaction") ||
		strings.Contains(msg, "already a transaction in progress") ||
		strings.Contains(msg, "transaction has already been committed or rolled back")
}

// IsConflict reports a unique-key violation. gorm translates it when
// TranslateError is enabled; the message checks cover drivers that do not.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry")
}
