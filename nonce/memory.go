package nonce

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is a Ledger held in process memory. It is suitable for a single gateway
// instance and for tests; records are lost on restart.
type MemoryLedger struct {
	opts    options
	mu      sync.Mutex
	records map[Key]*Record
	closed  bool
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger(opts ...Option) *MemoryLedger {
	return &MemoryLedger{
		opts:    newOptions(opts),
		records: make(map[Key]*Record),
	}
}

// StaleAfter reports how old a Reserved record must be before it is resumable.
func (l *MemoryLedger) StaleAfter() time.Duration { return l.opts.staleAfter }

func (l *MemoryLedger) Reserve(ctx context.Context, key Key) (Reservation, error) {
	if err := ctx.Err(); err != nil {
		return Reservation{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Reservation{}, errClosed
	}

	now := l.opts.now()
	rec, ok := l.records[key]
	if !ok {
		rec = &Record{Key: key, State: StateReserved, ReservedAt: now, UpdatedAt: now, Generation: 1}
		l.records[key] = rec
		return Reservation{Outcome: Granted, Record: rec.clone()}, nil
	}

	outcome := l.opts.decide(*rec)
	if outcome == Resumed {
		l.opts.logger.Info("resuming payment reservation", "key", key.String(), "from", rec.State, "tx", rec.TxHash)
		rec.State = StateReserved
		rec.UpdatedAt = now
		rec.Generation++
	}
	return Reservation{Outcome: outcome, Record: rec.clone()}, nil
}

func (l *MemoryLedger) Suspend(_ context.Context, lease Lease, txHash string) error {
	return l.transition(lease, func(rec *Record) {
		rec.State = StatePending
		if txHash != "" {
			rec.TxHash = txHash
		}
	})
}

func (l *MemoryLedger) Commit(_ context.Context, lease Lease, receipt []byte) error {
	return l.transition(lease, func(rec *Record) {
		rec.State = StateConsumed
		rec.Receipt = append([]byte(nil), receipt...)
	})
}

func (l *MemoryLedger) Burn(_ context.Context, lease Lease, reason string) error {
	return l.transition(lease, func(rec *Record) {
		rec.State = StateBurned
		rec.Reason = reason
	})
}

func (l *MemoryLedger) Release(_ context.Context, lease Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.held(lease); err != nil {
		return err
	}
	delete(l.records, lease.Key)
	return nil
}

func (l *MemoryLedger) Get(_ context.Context, key Key) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errClosed
	}
	rec, ok := l.records[key]
	if !ok {
		return nil, nil
	}
	c := rec.clone()
	return &c, nil
}

// Len returns the number of records, released keys excluded.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *MemoryLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *MemoryLedger) transition(lease Lease, apply func(*Record)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, err := l.held(lease)
	if err != nil {
		return err
	}
	apply(rec)
	rec.UpdatedAt = l.opts.now()
	return nil
}

// held returns the record lease still holds. l.mu must be held.
func (l *MemoryLedger) held(lease Lease) (*Record, error) {
	if l.closed {
		return nil, errClosed
	}
	rec, ok := l.records[lease.Key]
	if !ok || !held(rec.State) || rec.Generation != lease.Generation {
		return nil, notReserved(lease)
	}
	return rec, nil
}

func (r *Record) clone() Record {
	c := *r
	if r.Receipt != nil {
		c.Receipt = append([]byte(nil), r.Receipt...)
	}
	return c
}
