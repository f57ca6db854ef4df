package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/temisangerrard/kai-ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence). The
// version guard in ApplyLedgerTx gives it the same CAS semantics as the
// PostgreSQL implementation, so concurrency tests run against it.
type MemoryStore struct {
	mu          sync.RWMutex
	markets     map[string]*model.Market
	balances    map[string]*model.UserBalance
	commitments map[string]*model.PredictionCommitment
	ledger      []model.TokenTransaction
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:     make(map[string]*model.Market),
		balances:    make(map[string]*model.UserBalance),
		commitments: make(map[string]*model.PredictionCommitment),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("%w: market %s", ErrAlreadyExists, m.ID)
	}

	// Store a copy to avoid external mutation.
	mc := copyMarket(m)
	s.markets[m.ID] = mc
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	return copyMarket(m), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *copyMarket(m))
	}
	return markets, nil
}

func (s *MemoryStore) GetBalance(_ context.Context, userID string) (*model.UserBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[userID]
	if !ok {
		return nil, fmt.Errorf("%w: balance for user %s", ErrNotFound, userID)
	}
	bc := *b
	return &bc, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string) ([]model.TokenTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TokenTransaction
	for _, e := range s.ledger {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetCommitment(_ context.Context, id string) (*model.PredictionCommitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.commitments[id]
	if !ok {
		return nil, fmt.Errorf("%w: commitment %s", ErrNotFound, id)
	}
	cc := *c
	return &cc, nil
}

func (s *MemoryStore) ListUserCommitments(_ context.Context, userID string, activeOnly bool) ([]model.PredictionCommitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PredictionCommitment
	for _, c := range s.commitments {
		if c.UserID != userID {
			continue
		}
		if activeOnly && c.Status != model.CommitmentActive {
			continue
		}
		result = append(result, *c)
	}
	return result, nil
}

func (s *MemoryStore) ListMarketCommitments(_ context.Context, marketID string, activeOnly bool) ([]model.PredictionCommitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PredictionCommitment
	for _, c := range s.commitments {
		if c.PredictionID != marketID && c.MarketID != marketID {
			continue
		}
		if activeOnly && c.Status != model.CommitmentActive {
			continue
		}
		result = append(result, *c)
	}
	return result, nil
}

// ApplyLedgerTx applies the unit under one lock. The version check and
// all writes happen inside the same critical section, so no interleaving
// can produce a commitment without its balance debit.
func (s *MemoryStore) ApplyLedgerTx(_ context.Context, tx LedgerTx) error {
	if tx.Balance == nil {
		return fmt.Errorf("store: ledger tx requires a balance write")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.balances[tx.Balance.UserID]
	switch {
	case tx.ExpectedVersion == 0:
		if exists {
			return fmt.Errorf("%w: balance for user %s", ErrAlreadyExists, tx.Balance.UserID)
		}
	case !exists:
		return fmt.Errorf("%w: balance for user %s", ErrNotFound, tx.Balance.UserID)
	case current.Version != tx.ExpectedVersion:
		return fmt.Errorf("%w: user %s read at v%d, now v%d",
			ErrVersionConflict, tx.Balance.UserID, tx.ExpectedVersion, current.Version)
	}

	bc := *tx.Balance
	s.balances[tx.Balance.UserID] = &bc

	if tx.InsertCommitment != nil {
		cc := *tx.InsertCommitment
		s.commitments[cc.ID] = &cc
	}
	if tx.UpdateCommitment != nil {
		cc := *tx.UpdateCommitment
		s.commitments[cc.ID] = &cc
	}
	if tx.Transaction != nil {
		s.ledger = append(s.ledger, *tx.Transaction)
	}
	return nil
}

func copyMarket(m *model.Market) *model.Market {
	mc := *m
	mc.Options = make([]model.MarketOption, len(m.Options))
	copy(mc.Options, m.Options)
	return &mc
}
