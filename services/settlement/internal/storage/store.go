package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrWalletInvariant     = errors.New("wallet invariant violated")
	// ErrStaleOrder means an order changed between the book snapshot and the
	// row lock. The book must be rebuilt before retrying.
	ErrStaleOrder = errors.New("stale order state")
	// ErrConflict is a transient serialization or deadlock failure; the
	// whole operation may be retried.
	ErrConflict = errors.New("transaction conflict")
)

// Tx is the set of reads and writes available inside one atomic settlement
// unit. Nothing written through a Tx is visible to others until WithTx
// returns nil.
type Tx interface {
	// LockSymbol serializes settlement for symbol across processes for the
	// remainder of the transaction.
	LockSymbol(ctx context.Context, symbol string) error
	// BumpBookVersion advances the symbol's book version and returns the
	// value it had before. Callers hold the symbol lock.
	BumpBookVersion(ctx context.Context, symbol string) (int64, error)

	// CreateOrder inserts order unless (participant, idempotency key) already
	// exists, in which case the stored order is returned with existing=true.
	CreateOrder(ctx context.Context, order *Order) (stored Order, existing bool, err error)
	GetOrderForUpdate(ctx context.Context, id uuid.UUID) (*Order, error)
	UpdateOrder(ctx context.Context, order *Order) error
	// RequeueOrder persists order and moves it to the back of its price level.
	RequeueOrder(ctx context.Context, order *Order) error
	ListOpenOrders(ctx context.Context, symbol string) ([]Order, error)

	GetWallet(ctx context.Context, participantID uuid.UUID, asset string) (Wallet, error)
	// GetWalletForUpdate locks the wallet row, creating an empty one first if
	// needed.
	GetWalletForUpdate(ctx context.Context, participantID uuid.UUID, asset string) (*Wallet, error)
	SaveWallet(ctx context.Context, wallet *Wallet) error

	InsertTrade(ctx context.Context, trade *Trade) error
	// InsertLedgerTransaction returns false without writing when a row with
	// the same non-empty reference already exists.
	InsertLedgerTransaction(ctx context.Context, entry *LedgerTransaction) (bool, error)
	EnqueueJob(ctx context.Context, job *Job) error
}

type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetInstrument(ctx context.Context, symbol string) (Instrument, error)
	ListInstruments(ctx context.Context) ([]Instrument, error)
	GetParticipant(ctx context.Context, id uuid.UUID) (Participant, error)

	GetOrder(ctx context.Context, id uuid.UUID) (Order, error)
	// GetOrderByIdempotencyKey returns ErrNotFound when the participant never
	// used key.
	GetOrderByIdempotencyKey(ctx context.Context, participantID uuid.UUID, key string) (Order, error)
	ListStopOrders(ctx context.Context, symbol string) ([]Order, error)
	ListTrades(ctx context.Context, symbol string, limit int) ([]Trade, error)
	GetWallet(ctx context.Context, participantID uuid.UUID, asset string) (Wallet, error)
	ListLedgerTransactions(ctx context.Context, participantID uuid.UUID, asset string) ([]LedgerTransaction, error)
}

// JobStore persists the revenue queue. ClaimJobs must never hand the same
// job to two callers.
type JobStore interface {
	EnqueueJob(ctx context.Context, job *Job) error
	ClaimJobs(ctx context.Context, limit int, now time.Time) ([]Job, error)
	CompleteJob(ctx context.Context, id uuid.UUID, now time.Time) error
	RetryJob(ctx context.Context, id uuid.UUID, scheduledFor time.Time, lastErr string) error
	FailJob(ctx context.Context, id uuid.UUID, lastErr string, now time.Time) error
	RecoverStaleJobs(ctx context.Context, lockedBefore time.Time) (int64, error)
	PurgeCompletedJobs(ctx context.Context, completedBefore time.Time) (int64, error)
	RequeueJob(ctx context.Context, id uuid.UUID, now time.Time) error
	GetJob(ctx context.Context, id uuid.UUID) (Job, error)
	ListJobs(ctx context.Context, status string, limit int) ([]Job, error)
}
