// Package nonce is the single point of truth for payment redemption.
//
// Every EIP-3009 authorization and every native transaction hash passes through a Ledger
// before anything is submitted or granted. Reserve is an atomic compare-and-set: of any
// number of concurrent callers presenting the same key exactly one is granted the
// reservation, and at most one reservation per key ever reaches the Consumed state.
//
// A released reservation is represented by the absence of a record.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mark3labs/x402-gateway"
)

// State is the lifecycle state of a ledger record.
type State string

const (
	// StateReserved is held by exactly one in-flight request.
	StateReserved State = "reserved"
	// StatePending means settlement was submitted but its outcome is unknown; TxHash is set.
	StatePending State = "pending"
	// StateConsumed is terminal: the payment settled and was granted.
	StateConsumed State = "consumed"
	// StateBurned is terminal: settlement failed under the burn policy.
	StateBurned State = "burned"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateConsumed || s == StateBurned
}

// Key identifies one redeemable payment.
type Key struct {
	Network string
	Asset   string
	From    string
	Nonce   string
}

// AuthorizationKey is the key of an EIP-3009 authorization. On-chain, authorization nonces
// are scoped per token contract and per payer.
func AuthorizationKey(network string, asset, from common.Address, nonce common.Hash) Key {
	return Key{
		Network: network,
		Asset:   strings.ToLower(asset.Hex()),
		From:    strings.ToLower(from.Hex()),
		Nonce:   strings.ToLower(nonce.Hex()),
	}
}

// TransactionKey is the key of a native-asset payment, so the ledger doubles as the set of
// consumed transaction hashes.
func TransactionKey(network string, txHash common.Hash) Key {
	return Key{
		Network: network,
		Asset:   x402.NativeAsset,
		Nonce:   strings.ToLower(txHash.Hex()),
	}
}

func (k Key) String() string {
	if k.From == "" {
		return fmt.Sprintf("%s/tx/%s", k.Network, k.Nonce)
	}
	return fmt.Sprintf("%s/%s/%s/%s", k.Network, k.Asset, k.From, k.Nonce)
}

// Record is the ledger's view of one key.
type Record struct {
	Key        Key
	State      State
	TxHash     string
	Receipt    []byte
	Reason     string
	ReservedAt time.Time
	UpdatedAt  time.Time
	// Generation increases every time the key is reserved or resumed.
	Generation uint64
}

// Outcome is the result of a Reserve call.
type Outcome int

const (
	// Granted means the caller now holds a fresh reservation.
	Granted Outcome = iota + 1
	// Resumed means the caller took over a pending or stale reservation; the record's
	// TxHash, if set, must be reconciled instead of submitting again.
	Resumed
	// AlreadyReserved means another request holds the reservation.
	AlreadyReserved
	// AlreadyConsumed means the key reached a terminal state.
	AlreadyConsumed
)

func (o Outcome) String() string {
	switch o {
	case Granted:
		return "granted"
	case Resumed:
		return "resumed"
	case AlreadyReserved:
		return "already_reserved"
	case AlreadyConsumed:
		return "already_consumed"
	default:
		return "unknown"
	}
}

// Held reports whether the caller holds the reservation after Reserve.
func (o Outcome) Held() bool {
	return o == Granted || o == Resumed
}

// Lease is one holding of a key. Once the key is resumed by another request, transitions
// made with the older lease fail with ErrNotReserved.
type Lease struct {
	Key        Key
	Generation uint64
}

// Reservation is returned by Reserve. Record is a snapshot taken under the ledger's lock.
type Reservation struct {
	Outcome Outcome
	Record  Record
}

// Lease returns the caller's lease. It is only usable when Outcome.Held().
func (r Reservation) Lease() Lease {
	return Lease{Key: r.Record.Key, Generation: r.Record.Generation}
}

// ErrNotReserved is returned by a transition on a key that is not currently held, or that
// is held under a newer lease.
var ErrNotReserved = errors.New("nonce: key is not reserved")

var errClosed = fmt.Errorf("%w: ledger closed", x402.ErrLedgerUnavailable)

// Ledger records the redemption state of payment keys.
type Ledger interface {
	// Reserve atomically claims key.
	Reserve(ctx context.Context, key Key) (Reservation, error)
	// Suspend moves a held key to Pending, remembering the submitted transaction.
	Suspend(ctx context.Context, lease Lease, txHash string) error
	// Commit moves a held key to Consumed.
	Commit(ctx context.Context, lease Lease, receipt []byte) error
	// Release forgets a held key so the same payment may be presented again.
	Release(ctx context.Context, lease Lease) error
	// Burn moves a held key to Burned; it can never be redeemed.
	Burn(ctx context.Context, lease Lease, reason string) error
	// Get returns the record for key, or nil when there is none.
	Get(ctx context.Context, key Key) (*Record, error)
	Close() error
}

// DefaultStaleAfter is how long a Reserved record may sit untouched before another
// request may take it over. It should exceed the longest settlement; a holder that
// outlives it loses its lease.
const DefaultStaleAfter = 5 * time.Minute

type options struct {
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a ledger.
type Option func(*options)

// WithStaleAfter sets how old a Reserved record must be before it is resumable. Zero
// disables takeover of reserved records.
func WithStaleAfter(d time.Duration) Option {
	return func(o *options) {
		o.staleAfter = d
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// StaleAfterer is implemented by ledgers that take over stale reservations.
type StaleAfterer interface {
	StaleAfter() time.Duration
}

func newOptions(opts []Option) options {
	o := options{
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// decide applies the Reserve transition table to an existing record.
func (o options) decide(rec Record) Outcome {
	switch rec.State {
	case StateConsumed, StateBurned:
		return AlreadyConsumed
	case StatePending:
		return Resumed
	case StateReserved:
		if o.staleAfter > 0 && o.now().Sub(rec.UpdatedAt) >= o.staleAfter {
			return Resumed
		}
		return AlreadyReserved
	default:
		return AlreadyReserved
	}
}

func held(s State) bool {
	return s == StateReserved || s == StatePending
}

func notReserved(lease Lease) error {
	return fmt.Errorf("%w: %s", ErrNotReserved, lease.Key)
}
