package sqlxrepos

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/trezcool/escudos/core"
)

const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqInvalidText          = "22P02"
	pqUniqueViolation      = "23505"
)

// runInTx runs fn in a READ COMMITTED transaction. Row locks taken with FOR UPDATE serialize writers.
func runInTx(ctx context.Context, db *sqlx.DB, fn func(tx core.DBExecutor) error) (err error) {
	tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

// pqConstraint returns the constraint named by a pq error, if any.
func pqConstraint(err error) string {
	if pqErr, ok := errors.Cause(err).(*pq.Error); ok {
		return pqErr.Constraint
	}
	return ""
}

func pqCode(err error) string {
	if pqErr, ok := errors.Cause(err).(*pq.Error); ok {
		return string(pqErr.Code)
	}
	return ""
}

// isRetryable reports whether a transaction failed only because of a concurrent one.
func isRetryable(err error) bool {
	switch pqCode(err) {
	case pqSerializationFailure, pqDeadlockDetected:
		return true
	}
	return false
}
