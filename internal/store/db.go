package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/matheus3301/anomess/internal/bus"
	"github.com/mattn/go-sqlite3"
)

// Tables touched by writes. Reactive views subscribe to TableEvent(name).
const (
	TableContacts = "contacts"
	TableMessages = "messages"
)

// TableEvent returns the bus event kind published after a commit touching table.
func TableEvent(table string) string {
	return "table." + table
}

// ErrIDConflict is returned when a message is inserted with an explicit id that
// already exists. The store is left unchanged.
var ErrIDConflict = errors.New("message id already exists")

// DB wraps the process-wide SQLite handle for the app-owned anomess.db.
type DB struct {
	*sqlx.DB
	bus *bus.Bus
}

// Option configures a DB at Open time.
type Option func(*DB)

// WithBus attaches the bus that receives table events after every commit.
func WithBus(b *bus.Bus) Option {
	return func(db *DB) { db.bus = b }
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// Write transactions take the RESERVED lock up front (_txlock=immediate) so
// concurrent writers queue on the busy timeout instead of failing on upgrade,
// while WAL keeps readers running alongside them.
func Open(path string, opts ...Option) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	conn, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	db := &DB{DB: conn}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

// withTx runs fn in a single transaction. On commit it announces every table in
// tables; on any error (including a cancelled ctx) nothing is committed and
// nothing is announced.
func (db *DB) withTx(ctx context.Context, tables []string, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr(ctx, "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return wrapErr(ctx, "", err)
	}
	if err := tx.Commit(); err != nil {
		return wrapErr(ctx, "commit", err)
	}
	db.touch(tables...)
	return nil
}

func (db *DB) touch(tables ...string) {
	if db.bus == nil {
		return
	}
	for _, t := range tables {
		db.bus.Publish(bus.Event{Kind: TableEvent(t), Payload: t})
	}
}

// wrapErr prefers the context error so callers can tell cancellation apart
// from storage faults with errors.Is.
func wrapErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w (%v)", ctxErr, err)
	}
	if op == "" {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isPrimaryKeyConflict(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		se.ExtendedCode == sqlite3.ErrConstraintUnique
}
