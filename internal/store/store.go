// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/temisangerrard/kai-ledger/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionConflict is returned when a version-conditioned balance
	// write loses an optimistic-concurrency race. Callers re-read and
	// retry a bounded number of times.
	ErrVersionConflict = errors.New("store: balance version conflict")

	// ErrAlreadyExists is returned when creating a record whose key is
	// already taken.
	ErrAlreadyExists = errors.New("store: already exists")
)

// LedgerTx is one atomic ledger mutation: a version-guarded balance write
// plus the records that must land with it. Partial application — a
// commitment without its balance debit, or vice versa — must be
// impossible in every implementation.
type LedgerTx struct {
	// Balance is the post-transition balance to write. Required.
	Balance *model.UserBalance

	// ExpectedVersion is the version the balance was read at. The write
	// commits only if the stored version still matches; otherwise the
	// whole unit fails with ErrVersionConflict. Zero means the balance
	// is being created (versions start at 1, so 0 never matches a row).
	ExpectedVersion int64

	// InsertCommitment, if set, is persisted as a new commitment record.
	InsertCommitment *model.PredictionCommitment

	// UpdateCommitment, if set, replaces an existing commitment record
	// (status transition during resolution or refund).
	UpdateCommitment *model.PredictionCommitment

	// Transaction, if set, is appended to the immutable transaction log.
	Transaction *model.TokenTransaction
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. The UserBalance record is
// the only contended resource: all mutual exclusion goes through
// ApplyLedgerTx's version guard, never in-process locks held by callers.
type Store interface {
	// --- Market reads (markets are owned by the platform) ---

	// CreateMarket persists a market. The ledger engine itself never
	// mutates markets; this exists for the platform side and tests.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// --- Balances ---

	// GetBalance retrieves a user's balance, or ErrNotFound.
	GetBalance(ctx context.Context, userID string) (*model.UserBalance, error)

	// --- Immutable transaction log ---

	// ListTransactions returns a user's ledger entries in append order.
	ListTransactions(ctx context.Context, userID string) ([]model.TokenTransaction, error)

	// --- Commitments ---

	// GetCommitment retrieves a commitment by its ID.
	GetCommitment(ctx context.Context, id string) (*model.PredictionCommitment, error)

	// ListUserCommitments returns a user's commitments, optionally only
	// the active ones.
	ListUserCommitments(ctx context.Context, userID string, activeOnly bool) ([]model.PredictionCommitment, error)

	// ListMarketCommitments returns a market's commitments, optionally
	// only the active ones.
	ListMarketCommitments(ctx context.Context, marketID string, activeOnly bool) ([]model.PredictionCommitment, error)

	// --- Atomic mutation ---

	// ApplyLedgerTx applies one LedgerTx as a single atomic unit.
	ApplyLedgerTx(ctx context.Context, tx LedgerTx) error
}
