// Package dummydb is an in-memory store for tests and local runs.
// A single mutex serializes transactions; each one works on a copy of the tables
// that replaces the originals on commit.
package dummydb

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/trezcool/escudos/core/escudo"
	"github.com/trezcool/escudos/core/user"
)

// ErrConflict is a retryable transaction failure; tests inject it with FailNext.
var ErrConflict = errors.New("dummydb: transaction conflict")

type (
	DB struct {
		mu       sync.Mutex
		t        *tables
		failures map[string]error // {operation: error}, consumed once
	}

	tables struct {
		users    map[string]user.User
		grants   map[string]escudo.Grant
		courses  map[string]escudo.CourseSummary
		payments map[string]escudo.PaymentSummary
	}
)

func Open() (*DB, error) {
	db := &DB{
		t: &tables{
			users:    make(map[string]user.User),
			grants:   make(map[string]escudo.Grant),
			courses:  make(map[string]escudo.CourseSummary),
			payments: make(map[string]escudo.PaymentSummary),
		},
		failures: make(map[string]error),
	}
	return db, nil
}

func (t *tables) clone() *tables {
	c := &tables{
		users:    make(map[string]user.User, len(t.users)),
		grants:   make(map[string]escudo.Grant, len(t.grants)),
		courses:  make(map[string]escudo.CourseSummary, len(t.courses)),
		payments: make(map[string]escudo.PaymentSummary, len(t.payments)),
	}
	for k, v := range t.users {
		v.Roles = append([]string(nil), v.Roles...)
		c.users[k] = v
	}
	for k, v := range t.grants {
		c.grants[k] = v
	}
	for k, v := range t.courses {
		c.courses[k] = v
	}
	for k, v := range t.payments {
		c.payments[k] = v
	}
	return c
}

// FailNext makes the next call to the named repository operation (e.g. "MarkGrants") return err.
func (db *DB) FailNext(op string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.failures[op] = err
}

// failure must be called with db.mu held.
func (db *DB) failure(op string) error {
	err, ok := db.failures[op]
	if !ok {
		return nil
	}
	delete(db.failures, op)
	return err
}

// Reset drops every row.
func (db *DB) Reset() {
	fresh, _ := Open()
	db.mu.Lock()
	defer db.mu.Unlock()
	db.t = fresh.t
	db.failures = fresh.failures
}
