package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/temisangerrard/kai-ledger/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for balances and markets. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary. The version guard lives entirely in the primary store — the
// cache never participates in concurrency control.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetBalance(ctx context.Context, userID string) (*model.UserBalance, error) {
	data, err := s.rdb.Get(ctx, balanceKey(userID)).Bytes()
	if err == nil {
		var b model.UserBalance
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	b, err := s.primary.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(b); err == nil {
		s.rdb.Set(ctx, balanceKey(userID), data, s.ttl)
	}
	return b, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) ApplyLedgerTx(ctx context.Context, tx LedgerTx) error {
	if err := s.primary.ApplyLedgerTx(ctx, tx); err != nil {
		// A conflicting writer may have updated the row; drop the stale
		// cached copy so the retry re-reads from the primary.
		if tx.Balance != nil {
			s.rdb.Del(ctx, balanceKey(tx.Balance.UserID))
		}
		return err
	}
	if tx.Balance != nil {
		s.rdb.Del(ctx, balanceKey(tx.Balance.UserID))
	}
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListTransactions(ctx context.Context, userID string) ([]model.TokenTransaction, error) {
	return s.primary.ListTransactions(ctx, userID)
}

func (s *CachedStore) GetCommitment(ctx context.Context, id string) (*model.PredictionCommitment, error) {
	return s.primary.GetCommitment(ctx, id)
}

func (s *CachedStore) ListUserCommitments(ctx context.Context, userID string, activeOnly bool) ([]model.PredictionCommitment, error) {
	return s.primary.ListUserCommitments(ctx, userID, activeOnly)
}

func (s *CachedStore) ListMarketCommitments(ctx context.Context, marketID string, activeOnly bool) ([]model.PredictionCommitment, error) {
	return s.primary.ListMarketCommitments(ctx, marketID, activeOnly)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string   { return fmt.Sprintf("market:%s", id) }
func balanceKey(uid string) string { return fmt.Sprintf("balance:%s", uid) }
