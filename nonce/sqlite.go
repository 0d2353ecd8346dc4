package nonce

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mark3labs/x402-gateway"
)

const schema = `
CREATE TABLE IF NOT EXISTS payment_nonces (
	"network" TEXT NOT NULL,
	"asset" TEXT NOT NULL,
	"payer" TEXT NOT NULL,
	"nonce" TEXT NOT NULL,
	"state" TEXT NOT NULL,
	"tx_hash" TEXT NOT NULL DEFAULT '',
	"receipt" BLOB,
	"reason" TEXT NOT NULL DEFAULT '',
	"reserved_at" INTEGER NOT NULL, -- unix nanoseconds
	"updated_at" INTEGER NOT NULL,  -- unix nanoseconds
	"generation" INTEGER NOT NULL DEFAULT 1,

	PRIMARY KEY(network, asset, payer, nonce)
);
CREATE INDEX IF NOT EXISTS idx_payment_nonces_state ON payment_nonces(state, updated_at);
`

// SQLLedger is a Ledger persisted in SQLite through the pure-Go modernc.org/sqlite driver.
// Reservations survive restarts, so a payment consumed before a crash stays consumed and a
// pending settlement can be resumed afterwards.
type SQLLedger struct {
	db   *sql.DB
	opts options
	own  bool
}

var _ Ledger = (*SQLLedger)(nil)

// StaleAfter reports how old a Reserved record must be before it is resumable.
func (l *SQLLedger) StaleAfter() time.Duration { return l.opts.staleAfter }

// OpenSQLite opens (creating if needed) the ledger database at path. ":memory:" gives a
// private in-memory database.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLLedger, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", x402.ErrLedgerUnavailable, path, err)
	}
	l, err := NewSQLLedger(ctx, db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	l.own = true
	return l, nil
}

// NewSQLLedger creates the ledger table in db if needed. SQLite allows one writer at a
// time, so the pool is limited to a single connection; this also keeps ":memory:"
// databases from being split across connections.
func NewSQLLedger(ctx context.Context, db *sql.DB, opts ...Option) (*SQLLedger, error) {
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("%w: create schema: %v", x402.ErrLedgerUnavailable, err)
	}
	return &SQLLedger{db: db, opts: newOptions(opts)}, nil
}

func (l *SQLLedger) Reserve(ctx context.Context, key Key) (res Reservation, err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return res, unavailable("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := l.opts.now()
	inserted, err := tx.ExecContext(ctx, `
		INSERT INTO payment_nonces (network, asset, payer, nonce, state, reserved_at, updated_at, generation)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT DO NOTHING`,
		key.Network, key.Asset, key.From, key.Nonce, string(StateReserved), now.UnixNano(), now.UnixNano())
	if err != nil {
		return res, unavailable("reserve", err)
	}

	if n, _ := inserted.RowsAffected(); n == 1 {
		if err = tx.Commit(); err != nil {
			return res, unavailable("commit", err)
		}
		return Reservation{
			Outcome: Granted,
			Record:  Record{Key: key, State: StateReserved, ReservedAt: now, UpdatedAt: now, Generation: 1},
		}, nil
	}

	rec, err := scanRecord(tx.QueryRowContext(ctx, selectRecord, key.Network, key.Asset, key.From, key.Nonce), key)
	if err != nil {
		return res, unavailable("load", err)
	}

	outcome := l.opts.decide(rec)
	if outcome == Resumed {
		// Conditional on the observed row, so two resumers cannot both win.
		updated, err := tx.ExecContext(ctx, `
			UPDATE payment_nonces SET state = ?, updated_at = ?, generation = generation + 1
			WHERE network = ? AND asset = ? AND payer = ? AND nonce = ? AND state = ? AND generation = ?`,
			string(StateReserved), now.UnixNano(),
			key.Network, key.Asset, key.From, key.Nonce, string(rec.State), rec.Generation)
		if err != nil {
			return res, unavailable("resume", err)
		}
		if n, _ := updated.RowsAffected(); n == 1 {
			l.opts.logger.Info("resuming payment reservation", "key", key.String(), "from", rec.State, "tx", rec.TxHash)
			rec.State = StateReserved
			rec.UpdatedAt = now
			rec.Generation++
		} else {
			outcome = AlreadyReserved
		}
	}

	if err = tx.Commit(); err != nil {
		return res, unavailable("commit", err)
	}
	return Reservation{Outcome: outcome, Record: rec}, nil
}

func (l *SQLLedger) Suspend(ctx context.Context, lease Lease, txHash string) error {
	return l.transition(ctx, lease, `
		UPDATE payment_nonces SET state = ?, tx_hash = CASE WHEN ? = '' THEN tx_hash ELSE ? END, updated_at = ?
		WHERE network = ? AND asset = ? AND payer = ? AND nonce = ? AND state IN ('reserved', 'pending') AND generation = ?`,
		string(StatePending), txHash, txHash, l.opts.now().UnixNano())
}

func (l *SQLLedger) Commit(ctx context.Context, lease Lease, receipt []byte) error {
	return l.transition(ctx, lease, `
		UPDATE payment_nonces SET state = ?, receipt = ?, updated_at = ?
		WHERE network = ? AND asset = ? AND payer = ? AND nonce = ? AND state IN ('reserved', 'pending') AND generation = ?`,
		string(StateConsumed), receipt, l.opts.now().UnixNano())
}

func (l *SQLLedger) Burn(ctx context.Context, lease Lease, reason string) error {
	return l.transition(ctx, lease, `
		UPDATE payment_nonces SET state = ?, reason = ?, updated_at = ?
		WHERE network = ? AND asset = ? AND payer = ? AND nonce = ? AND state IN ('reserved', 'pending') AND generation = ?`,
		string(StateBurned), reason, l.opts.now().UnixNano())
}

func (l *SQLLedger) Release(ctx context.Context, lease Lease) error {
	return l.transition(ctx, lease, `
		DELETE FROM payment_nonces
		WHERE network = ? AND asset = ? AND payer = ? AND nonce = ? AND state IN ('reserved', 'pending') AND generation = ?`)
}

func (l *SQLLedger) Get(ctx context.Context, key Key) (*Record, error) {
	rec, err := scanRecord(l.db.QueryRowContext(ctx, selectRecord, key.Network, key.Asset, key.From, key.Nonce), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	return &rec, nil
}

// Close closes the database if the ledger opened it.
func (l *SQLLedger) Close() error {
	if !l.own {
		return nil
	}
	return l.db.Close()
}

// transition runs a single-row update whose WHERE clause ends with the key columns, the
// held-state condition and the lease generation. args are the values bound before the key.
func (l *SQLLedger) transition(ctx context.Context, lease Lease, query string, args ...interface{}) error {
	key := lease.Key
	args = append(args, key.Network, key.Asset, key.From, key.Nonce, lease.Generation)
	result, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return unavailable("update", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return unavailable("update", err)
	}
	if n == 0 {
		return notReserved(lease)
	}
	return nil
}

const selectRecord = `
	SELECT state, tx_hash, receipt, reason, reserved_at, updated_at, generation
	FROM payment_nonces
	WHERE network = ? AND asset = ? AND payer = ? AND nonce = ?`

func scanRecord(row *sql.Row, key Key) (Record, error) {
	var (
		rec        = Record{Key: key}
		state      string
		reservedAt int64
		updatedAt  int64
	)
	if err := row.Scan(&state, &rec.TxHash, &rec.Receipt, &rec.Reason, &reservedAt, &updatedAt, &rec.Generation); err != nil {
		return rec, err
	}
	rec.State = State(state)
	rec.ReservedAt = time.Unix(0, reservedAt)
	rec.UpdatedAt = time.Unix(0, updatedAt)
	return rec, nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("nonce: %s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", x402.ErrLedgerUnavailable, op, err)
}
