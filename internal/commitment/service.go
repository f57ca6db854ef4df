// Package commitment provides the HTTP handlers and business logic for
// placing stakes, purchasing tokens, and the ledger side of market
// resolution and refunds.
//
// All mutation of a user's balance goes through a single atomic
// read-compute-write cycle guarded by the balance version; there is no
// in-process serialization of writers.
package commitment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/temisangerrard/kai-ledger/internal/balance"
	"github.com/temisangerrard/kai-ledger/internal/events"
	"github.com/temisangerrard/kai-ledger/internal/metrics"
	"github.com/temisangerrard/kai-ledger/internal/model"
	"github.com/temisangerrard/kai-ledger/internal/store"
	"github.com/temisangerrard/kai-ledger/internal/validation"
)

var (
	// ErrConcurrentModification is returned when a balance write keeps
	// losing the optimistic-concurrency race after the retry budget is
	// spent. The operation is safe to retry by the caller.
	ErrConcurrentModification = errors.New("commitment: concurrent balance modification, retry")

	// ErrMarketNotResolvable is returned when resolution or refund is
	// requested for a market in the wrong state.
	ErrMarketNotResolvable = errors.New("commitment: market cannot be resolved in its current state")
)

// ValidationError carries the full multi-error validation result so
// callers can display every problem at once.
type ValidationError struct {
	Result validation.Result
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Result.Errors))
	for _, fe := range e.Result.Errors {
		msgs = append(msgs, fe.Message)
	}
	return "commitment: validation failed: " + strings.Join(msgs, "; ")
}

// Options configures the service.
type Options struct {
	Limits      validation.Limits
	MaxRetries  int
	SignupBonus decimal.Decimal
}

// Service orchestrates ledger mutations. The store's version-guarded
// ApplyLedgerTx is the only mutual-exclusion mechanism; conflicting
// writers retry the whole read-compute-write cycle a bounded number of
// times.
type Service struct {
	store     store.Store
	validator *validation.CommitmentValidator
	opts      Options
	hub       *events.Hub // optional; nil disables broadcasting
}

// NewService creates a new ledger service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, opts Options, hub *events.Hub) *Service {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &Service{
		store:     st,
		validator: validation.NewCommitmentValidator(st, opts.Limits),
		opts:      opts,
		hub:       hub,
	}
}

// Validator exposes the request validator for validation-only calls.
func (s *Service) Validator() *validation.CommitmentValidator {
	return s.validator
}

// CreateCommitment validates and applies a stake as one atomic unit:
// the commitment record, the balance debit, and the ledger entry land
// together or not at all. On a version conflict the whole cycle
// (validate, read, compute, write) is retried up to the configured bound.
func (s *Service) CreateCommitment(ctx context.Context, req model.CommitmentRequest) (*model.PredictionCommitment, error) {
	start := time.Now()
	defer func() {
		metrics.CommitmentLatency.Observe(time.Since(start).Seconds())
	}()

	if req.Source == "" {
		req.Source = model.SourceAPI
	}

	for attempt := 0; attempt < s.opts.MaxRetries; attempt++ {
		c, err := s.tryCreate(ctx, req)
		if errors.Is(err, store.ErrVersionConflict) {
			metrics.CommitmentRetries.Inc()
			continue
		}
		if err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				metrics.CommitmentsTotal.WithLabelValues("validation_failed").Inc()
			} else {
				metrics.CommitmentsTotal.WithLabelValues("error").Inc()
			}
			return nil, err
		}

		metrics.CommitmentsTotal.WithLabelValues("created").Inc()
		metrics.TransactionsTotal.WithLabelValues(string(model.TransactionCommit)).Inc()

		slog.Info("commitment created",
			"commitment_id", c.ID,
			"user", c.UserID,
			"market", c.PredictionID,
			"option", c.OptionID,
			"position", string(c.Position),
			"tokens", c.TokensCommitted.String(),
			"odds", c.Odds.String(),
			"potential_winning", c.PotentialWinning.String(),
		)

		s.hub.Broadcast(events.Event{
			Type:         events.TypeCommitmentCreated,
			UserID:       c.UserID,
			MarketID:     c.PredictionID,
			CommitmentID: c.ID,
			OptionID:     c.OptionID,
			Amount:       c.TokensCommitted.String(),
		})
		return c, nil
	}

	metrics.CommitmentsTotal.WithLabelValues("conflict").Inc()
	return nil, ErrConcurrentModification
}

// tryCreate is one read-compute-write cycle. A store.ErrVersionConflict
// return means another writer won the race and the cycle must restart
// from fresh reads.
func (s *Service) tryCreate(ctx context.Context, req model.CommitmentRequest) (*model.PredictionCommitment, error) {
	// Re-validate against current state; the conflict guard on the write
	// closes the remaining check-then-act window.
	if res := s.validator.Validate(ctx, req); !res.Valid {
		return nil, &ValidationError{Result: res}
	}

	market, err := s.store.GetMarket(ctx, req.MarketRef())
	if err != nil {
		return nil, fmt.Errorf("load market %s: %w", req.MarketRef(), err)
	}
	bal, err := s.store.GetBalance(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load balance %s: %w", req.UserID, err)
	}

	opt, position, err := validation.ResolveOption(market, req.Position, req.OptionID)
	if err != nil {
		return nil, err
	}

	odds := optionOdds(market, opt, position)
	potential := balance.PotentialWinnings(req.TokensToCommit, odds)

	newBal, err := balance.AfterCommitment(*bal, req.TokensToCommit)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	c := &model.PredictionCommitment{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		PredictionID:     market.ID,
		MarketID:         market.ID,
		TokensCommitted:  req.TokensToCommit,
		Position:         position,
		OptionID:         opt.ID,
		Odds:             odds,
		PotentialWinning: potential,
		Status:           model.CommitmentActive,
		CommittedAt:      now,
		Metadata: model.CommitmentMetadata{
			MarketStatus:    market.Status,
			MarketTitle:     market.Title,
			MarketEndsAt:    market.EndsAt,
			Odds:            snapshotOdds(market),
			BalanceAtCommit: bal.AvailableTokens,
			Source:          req.Source,
		},
	}

	entry := &model.TokenTransaction{
		ID:            uuid.New().String(),
		UserID:        req.UserID,
		Type:          model.TransactionCommit,
		Amount:        req.TokensToCommit,
		BalanceBefore: bal.AvailableTokens,
		BalanceAfter:  newBal.AvailableTokens,
		RelatedID:     c.ID,
		Metadata: map[string]string{
			model.MetaOptionID: opt.ID,
			model.MetaSource:   string(req.Source),
		},
		Timestamp: now,
		Status:    model.TransactionCompleted,
	}

	err = s.store.ApplyLedgerTx(ctx, store.LedgerTx{
		Balance:          &newBal,
		ExpectedVersion:  bal.Version,
		InsertCommitment: c,
		Transaction:      entry,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CreateBinaryCommitment is a thin adapter preserved for the historical
// binary call shape: yes/no position against a two-option market.
func (s *Service) CreateBinaryCommitment(ctx context.Context, userID, marketID string, position model.Position, tokens decimal.Decimal, source model.CommitmentSource) (*model.PredictionCommitment, error) {
	return s.CreateCommitment(ctx, model.CommitmentRequest{
		UserID:         userID,
		PredictionID:   marketID,
		Position:       position,
		TokensToCommit: tokens,
		Source:         source,
	})
}

// CreateMultiOptionCommitment is a thin adapter preserved for the second
// historical call shape: explicit option ID.
func (s *Service) CreateMultiOptionCommitment(ctx context.Context, userID, marketID, optionID string, tokens decimal.Decimal, source model.CommitmentSource) (*model.PredictionCommitment, error) {
	return s.CreateCommitment(ctx, model.CommitmentRequest{
		UserID:         userID,
		PredictionID:   marketID,
		OptionID:       optionID,
		TokensToCommit: tokens,
		Source:         source,
	})
}

// EnsureBalance returns the user's balance, creating it with the signup
// bonus on first touch. Creation races resolve through the store's
// uniqueness guarantee: the loser re-reads the winner's row.
func (s *Service) EnsureBalance(ctx context.Context, userID string) (*model.UserBalance, error) {
	bal, err := s.store.GetBalance(ctx, userID)
	if err == nil {
		return bal, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	nb := &model.UserBalance{
		UserID:          userID,
		AvailableTokens: s.opts.SignupBonus,
		CommittedTokens: decimal.Zero,
		TotalEarned:     s.opts.SignupBonus,
		TotalSpent:      decimal.Zero,
		Version:         1,
		LastUpdated:     now,
	}
	entry := &model.TokenTransaction{
		ID:            uuid.New().String(),
		UserID:        userID,
		Type:          model.TransactionPurchase,
		Amount:        s.opts.SignupBonus,
		BalanceBefore: decimal.Zero,
		BalanceAfter:  s.opts.SignupBonus,
		Metadata: map[string]string{
			"reason":            "signup_bonus",
			model.MetaTokensWon: s.opts.SignupBonus.String(),
			model.MetaAmountUSD: "0",
		},
		Timestamp: now,
		Status:    model.TransactionCompleted,
	}

	err = s.store.ApplyLedgerTx(ctx, store.LedgerTx{Balance: nb, Transaction: entry})
	if errors.Is(err, store.ErrAlreadyExists) {
		return s.store.GetBalance(ctx, userID)
	}
	if err != nil {
		return nil, err
	}

	metrics.TransactionsTotal.WithLabelValues(string(model.TransactionPurchase)).Inc()
	slog.Info("balance created", "user", userID, "signup_bonus", s.opts.SignupBonus.String())
	return nb, nil
}

// RecordPurchase credits purchased tokens to a user. Tokens purchased are
// an external input; payment itself is handled upstream.
func (s *Service) RecordPurchase(ctx context.Context, userID string, tokens, amountUSD decimal.Decimal) (*model.UserBalance, error) {
	if _, err := s.EnsureBalance(ctx, userID); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < s.opts.MaxRetries; attempt++ {
		bal, err := s.store.GetBalance(ctx, userID)
		if err != nil {
			return nil, err
		}
		newBal, err := balance.AfterPurchase(*bal, tokens, amountUSD)
		if err != nil {
			return nil, err
		}

		entry := &model.TokenTransaction{
			ID:            uuid.New().String(),
			UserID:        userID,
			Type:          model.TransactionPurchase,
			Amount:        tokens,
			BalanceBefore: bal.AvailableTokens,
			BalanceAfter:  newBal.AvailableTokens,
			Metadata:      map[string]string{model.MetaAmountUSD: amountUSD.String()},
			Timestamp:     time.Now().UTC(),
			Status:        model.TransactionCompleted,
		}

		err = s.store.ApplyLedgerTx(ctx, store.LedgerTx{
			Balance:         &newBal,
			ExpectedVersion: bal.Version,
			Transaction:     entry,
		})
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		metrics.TransactionsTotal.WithLabelValues(string(model.TransactionPurchase)).Inc()
		slog.Info("purchase recorded",
			"user", userID,
			"tokens", tokens.String(),
			"amount_usd", amountUSD.String(),
		)
		s.hub.Broadcast(events.Event{
			Type:      events.TypeBalanceUpdated,
			UserID:    userID,
			Amount:    tokens.String(),
			Available: newBal.AvailableTokens.String(),
			Committed: newBal.CommittedTokens.String(),
		})
		return &newBal, nil
	}
	return nil, ErrConcurrentModification
}

// ResolveMarket applies the ledger side of a market resolution: every
// active commitment on the winning option pays out at its locked odds,
// every other active commitment forfeits its stake. Each commitment is
// settled through its own version-guarded unit so one contended balance
// cannot roll back another user's payout.
func (s *Service) ResolveMarket(ctx context.Context, marketID, winningOptionID string) (settled int, err error) {
	market, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return 0, err
	}
	if market.Option(winningOptionID) == nil {
		return 0, fmt.Errorf("%w: option %s not on market %s", validation.ErrOptionNotFound, winningOptionID, marketID)
	}
	if market.Status == model.MarketResolved || market.Status == model.MarketCancelled {
		return 0, fmt.Errorf("%w: market %s is %s", ErrMarketNotResolvable, marketID, market.Status)
	}

	active, err := s.store.ListMarketCommitments(ctx, marketID, true)
	if err != nil {
		return 0, err
	}

	for i := range active {
		c := active[i]
		won := c.OptionID == winningOptionID
		if err := s.settleCommitment(ctx, &c, won); err != nil {
			return settled, fmt.Errorf("settle commitment %s: %w", c.ID, err)
		}
		settled++
	}

	slog.Info("market resolved",
		"market", marketID,
		"winning_option", winningOptionID,
		"commitments_settled", settled,
	)
	s.hub.Broadcast(events.Event{
		Type:     events.TypeMarketResolved,
		MarketID: marketID,
		OptionID: winningOptionID,
	})
	return settled, nil
}

// RefundMarket returns every active stake on a cancelled market.
func (s *Service) RefundMarket(ctx context.Context, marketID string) (refunded int, err error) {
	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		return 0, err
	}

	active, err := s.store.ListMarketCommitments(ctx, marketID, true)
	if err != nil {
		return 0, err
	}

	for i := range active {
		c := active[i]
		if err := s.refundCommitment(ctx, &c); err != nil {
			return refunded, fmt.Errorf("refund commitment %s: %w", c.ID, err)
		}
		refunded++
	}

	slog.Info("market refunded", "market", marketID, "commitments_refunded", refunded)
	s.hub.Broadcast(events.Event{
		Type:     events.TypeMarketRefunded,
		MarketID: marketID,
	})
	return refunded, nil
}

func (s *Service) settleCommitment(ctx context.Context, c *model.PredictionCommitment, won bool) error {
	for attempt := 0; attempt < s.opts.MaxRetries; attempt++ {
		bal, err := s.store.GetBalance(ctx, c.UserID)
		if err != nil {
			return err
		}

		var (
			newBal model.UserBalance
			entry  *model.TokenTransaction
		)
		now := time.Now().UTC()

		if won {
			// PotentialWinning is the total payout; the profit portion is
			// what counts as earnings.
			profit := c.PotentialWinning.Sub(c.TokensCommitted)
			if profit.IsNegative() {
				profit = decimal.Zero
			}
			newBal, err = balance.AfterWin(*bal, c.TokensCommitted, profit)
			if err != nil {
				return err
			}
			entry = &model.TokenTransaction{
				ID:            uuid.New().String(),
				UserID:        c.UserID,
				Type:          model.TransactionWin,
				Amount:        c.TokensCommitted.Add(profit),
				BalanceBefore: bal.AvailableTokens,
				BalanceAfter:  newBal.AvailableTokens,
				RelatedID:     c.ID,
				Metadata:      map[string]string{model.MetaTokensWon: profit.String()},
				Timestamp:     now,
				Status:        model.TransactionCompleted,
			}
		} else {
			newBal, err = balance.AfterLoss(*bal, c.TokensCommitted)
			if err != nil {
				return err
			}
			entry = &model.TokenTransaction{
				ID:            uuid.New().String(),
				UserID:        c.UserID,
				Type:          model.TransactionLoss,
				Amount:        c.TokensCommitted,
				BalanceBefore: bal.AvailableTokens,
				BalanceAfter:  newBal.AvailableTokens,
				RelatedID:     c.ID,
				Timestamp:     now,
				Status:        model.TransactionCompleted,
			}
		}

		updated := *c
		updated.Status = model.CommitmentLost
		if won {
			updated.Status = model.CommitmentWon
		}
		updated.ResolvedAt = &now

		err = s.store.ApplyLedgerTx(ctx, store.LedgerTx{
			Balance:          &newBal,
			ExpectedVersion:  bal.Version,
			UpdateCommitment: &updated,
			Transaction:      entry,
		})
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}
		metrics.TransactionsTotal.WithLabelValues(string(entry.Type)).Inc()
		return nil
	}
	return ErrConcurrentModification
}

func (s *Service) refundCommitment(ctx context.Context, c *model.PredictionCommitment) error {
	for attempt := 0; attempt < s.opts.MaxRetries; attempt++ {
		bal, err := s.store.GetBalance(ctx, c.UserID)
		if err != nil {
			return err
		}
		newBal, err := balance.AfterRefund(*bal, c.TokensCommitted)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		updated := *c
		updated.Status = model.CommitmentRefunded
		updated.ResolvedAt = &now

		entry := &model.TokenTransaction{
			ID:            uuid.New().String(),
			UserID:        c.UserID,
			Type:          model.TransactionRefund,
			Amount:        c.TokensCommitted,
			BalanceBefore: bal.AvailableTokens,
			BalanceAfter:  newBal.AvailableTokens,
			RelatedID:     c.ID,
			Timestamp:     now,
			Status:        model.TransactionCompleted,
		}

		err = s.store.ApplyLedgerTx(ctx, store.LedgerTx{
			Balance:          &newBal,
			ExpectedVersion:  bal.Version,
			UpdateCommitment: &updated,
			Transaction:      entry,
		})
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}
		metrics.TransactionsTotal.WithLabelValues(string(model.TransactionRefund)).Inc()
		return nil
	}
	return ErrConcurrentModification
}

// optionOdds prices a stake: binary markets use the classic two-pool
// odds, larger markets price the chosen option against the whole pool.
func optionOdds(m *model.Market, opt *model.MarketOption, position model.Position) decimal.Decimal {
	if m.IsBinary() {
		return balance.CalculateOdds(m.Options[0].TotalTokens, m.Options[1].TotalTokens, position)
	}
	return balance.PoolOdds(m.TotalPool(), opt.TotalTokens)
}

// snapshotOdds freezes the market's current odds distribution. The yes/no
// fields always carry the first two options for legacy consumers; the
// per-option maps are added for markets with more than two options.
func snapshotOdds(m *model.Market) model.OddsSnapshot {
	snap := model.OddsSnapshot{}
	if len(m.Options) >= 2 {
		snap.TotalYesTokens = m.Options[0].TotalTokens
		snap.TotalNoTokens = m.Options[1].TotalTokens
		snap.YesOdds = balance.CalculateOdds(snap.TotalYesTokens, snap.TotalNoTokens, model.PositionYes)
		snap.NoOdds = balance.CalculateOdds(snap.TotalYesTokens, snap.TotalNoTokens, model.PositionNo)
	}
	if !m.IsBinary() {
		pool := m.TotalPool()
		snap.OptionOdds = make(map[string]decimal.Decimal, len(m.Options))
		snap.OptionTokens = make(map[string]decimal.Decimal, len(m.Options))
		snap.OptionParticipants = make(map[string]int, len(m.Options))
		for _, opt := range m.Options {
			snap.OptionOdds[opt.ID] = balance.PoolOdds(pool, opt.TotalTokens)
			snap.OptionTokens[opt.ID] = opt.TotalTokens
			snap.OptionParticipants[opt.ID] = opt.ParticipantCount
		}
	}
	return snap
}
