package covdata

import (
	"database/sql"
	"errors"

	"github.com/egdaemon/covdata/internal/debugx"
	"github.com/egdaemon/covdata/internal/errorsx"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// retryable classifies engine failures representing short lived lock
// contention from concurrent writers; overridable for tests.
var retryable = func(err error) bool {
	var serr *sqlite.Error

	if !errors.As(err, &serr) {
		return false
	}

	switch serr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	default:
		return false
	}
}

// conn wraps the shared database handle for a single container. all mutations
// funnel through here: a statement failing with transient contention is
// attempted once more, a second failure is promoted to a hard error.
type conn struct {
	db       *sql.DB
	filename string
}

func openConn(dsn, filename string) (*conn, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, dataError(errorsx.Wrapf(err, "couldn't open data file '%s'", filename))
	}

	// the handle is exclusively owned by the facade that opened it.
	db.SetMaxOpenConns(1)

	t := &conn{db: db, filename: filename}

	// rollback journaling is unnecessary, every fact write is idempotent.
	t.bestEffort("pragma journal_mode = off")
	t.bestEffort("pragma synchronous = off")

	return t, nil
}

func (t *conn) close() error {
	return errorsx.Wrapf(t.db.Close(), "couldn't close data file '%s'", t.filename)
}

// wrap promotes engine failures into the DataError taxonomy, always naming
// the offending container. domain errors pass through untouched.
func (t *conn) wrap(err error) error {
	if err == nil {
		return nil
	}

	var derr *DataError
	if errors.As(err, &derr) {
		return err
	}

	return dataError(errorsx.Wrapf(err, "couldn't use data file '%s'", t.filename))
}

// execute runs a required mutating statement under the retry budget.
func (t *conn) execute(query string, args ...interface{}) (sql.Result, error) {
	res, err := t.db.Exec(query, args...)
	if err != nil && retryable(err) {
		debugx.Println("retrying statement after lock contention:", query)
		res, err = t.db.Exec(query, args...)
	}

	return res, t.wrap(err)
}

// bestEffort runs a statement whose failure never blocks measurement, e.g.
// performance pragmas.
func (t *conn) bestEffort(query string, args ...interface{}) {
	if _, err := t.execute(query, args...); err != nil {
		debugx.Println("best effort statement failed:", err)
	}
}

func (t *conn) query(query string, args ...interface{}) (*sql.Rows, error) {
	rows, err := t.db.Query(query, args...)
	return rows, t.wrap(err)
}

// transact runs fn inside a transaction so each mutating operation commits
// atomically. transient contention aborts the transaction and earns the
// operation a single additional attempt.
func (t *conn) transact(fn func(tx *sql.Tx) error) error {
	err := t.attempt(fn)
	if err != nil && retryable(err) {
		debugx.Println("retrying transaction after lock contention")
		err = t.attempt(fn)
	}

	return t.wrap(err)
}

func (t *conn) attempt(fn func(tx *sql.Tx) error) error {
	tx, err := t.db.Begin()
	if err != nil {
		return err
	}

	if err = fn(tx); err != nil {
		errorsx.Log(errorsx.Wrap(tx.Rollback(), "rollback failed"))
		return err
	}

	return tx.Commit()
}
