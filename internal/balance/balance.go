// Package balance implements the pure arithmetic for token balance
// transitions: purchases, commitments, wins, losses, and refunds.
//
// Every transition returns a new UserBalance with Version incremented by
// exactly one and LastUpdated stamped; inputs are never mutated. None of
// these functions perform I/O, so they are deterministic given inputs and
// exhaustively unit-testable.
//
// All token amounts use shopspring/decimal — never float64 for money.
package balance

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/temisangerrard/kai-ledger/internal/model"
)

var (
	// ErrInsufficientBalance is returned when a commitment exceeds the
	// user's available tokens. The message carries the literal substring
	// "Insufficient balance" for caller pattern-matching.
	ErrInsufficientBalance = errors.New("Insufficient balance")

	// ErrNonPositiveAmount is returned when a transition amount is zero
	// or negative.
	ErrNonPositiveAmount = errors.New("balance: amount must be positive")
)

// one is the floor for odds: a winning stake never pays back less than
// itself.
var one = decimal.NewFromInt(1)

// next copies a balance with the version bumped and timestamp refreshed.
func next(b model.UserBalance) model.UserBalance {
	b.Version++
	b.LastUpdated = time.Now().UTC()
	return b
}

// AfterCommitment locks tokens against a new commitment, moving them from
// available to committed.
func AfterCommitment(b model.UserBalance, tokensToCommit decimal.Decimal) (model.UserBalance, error) {
	if tokensToCommit.LessThanOrEqual(decimal.Zero) {
		return b, ErrNonPositiveAmount
	}
	if b.AvailableTokens.LessThan(tokensToCommit) {
		return b, fmt.Errorf("%w: have %s available, need %s",
			ErrInsufficientBalance, b.AvailableTokens, tokensToCommit)
	}
	nb := next(b)
	nb.AvailableTokens = b.AvailableTokens.Sub(tokensToCommit)
	nb.CommittedTokens = b.CommittedTokens.Add(tokensToCommit)
	return nb, nil
}

// AfterPurchase credits purchased tokens and records the USD spent.
func AfterPurchase(b model.UserBalance, tokensPurchased, amountSpentUSD decimal.Decimal) (model.UserBalance, error) {
	if tokensPurchased.LessThanOrEqual(decimal.Zero) {
		return b, ErrNonPositiveAmount
	}
	nb := next(b)
	nb.AvailableTokens = b.AvailableTokens.Add(tokensPurchased)
	nb.TotalSpent = b.TotalSpent.Add(amountSpentUSD)
	return nb, nil
}

// AfterWin releases a winning stake back to available together with the
// winnings, and records the winnings as lifetime earnings.
func AfterWin(b model.UserBalance, tokensCommitted, tokensWon decimal.Decimal) (model.UserBalance, error) {
	if tokensCommitted.LessThanOrEqual(decimal.Zero) {
		return b, ErrNonPositiveAmount
	}
	nb := next(b)
	nb.AvailableTokens = b.AvailableTokens.Add(tokensCommitted).Add(tokensWon)
	nb.CommittedTokens = b.CommittedTokens.Sub(tokensCommitted)
	nb.TotalEarned = b.TotalEarned.Add(tokensWon)
	return nb, nil
}

// AfterLoss forfeits a losing stake. The tokens leave committed and are
// not returned to available.
func AfterLoss(b model.UserBalance, tokensCommitted decimal.Decimal) (model.UserBalance, error) {
	if tokensCommitted.LessThanOrEqual(decimal.Zero) {
		return b, ErrNonPositiveAmount
	}
	nb := next(b)
	nb.CommittedTokens = b.CommittedTokens.Sub(tokensCommitted)
	return nb, nil
}

// AfterRefund returns a stake from committed to available, e.g. when a
// market is cancelled.
func AfterRefund(b model.UserBalance, tokensToRefund decimal.Decimal) (model.UserBalance, error) {
	if tokensToRefund.LessThanOrEqual(decimal.Zero) {
		return b, ErrNonPositiveAmount
	}
	nb := next(b)
	nb.AvailableTokens = b.AvailableTokens.Add(tokensToRefund)
	nb.CommittedTokens = b.CommittedTokens.Sub(tokensToRefund)
	return nb, nil
}

// Total returns the user's total holdings: available + committed.
func Total(b model.UserBalance) decimal.Decimal {
	return b.AvailableTokens.Add(b.CommittedTokens)
}

// NetProfitLoss returns lifetime earnings minus lifetime spending.
func NetProfitLoss(b model.UserBalance) decimal.Decimal {
	return b.TotalEarned.Sub(b.TotalSpent)
}

// CalculateOdds returns the payout multiplier for the given side of a
// binary pool. Degenerate cases (empty pool, empty own side) return 1.0
// to avoid divide-by-zero; otherwise odds = max(1, pool / ownSide).
func CalculateOdds(totalYes, totalNo decimal.Decimal, position model.Position) decimal.Decimal {
	own := totalYes
	if position == model.PositionNo {
		own = totalNo
	}
	return PoolOdds(totalYes.Add(totalNo), own)
}

// PoolOdds returns the payout multiplier for a side holding ownTokens of
// a pool totalling poolTokens. This is the general form used for markets
// with more than two options: the specific option's tokens against the
// whole pool.
func PoolOdds(poolTokens, ownTokens decimal.Decimal) decimal.Decimal {
	if poolTokens.LessThanOrEqual(decimal.Zero) || ownTokens.LessThanOrEqual(decimal.Zero) {
		return one
	}
	odds := poolTokens.Div(ownTokens)
	if odds.LessThan(one) {
		return one
	}
	return odds
}

// PotentialWinnings returns the total payout for a stake at the given
// odds, rounded to the nearest whole token.
func PotentialWinnings(tokensCommitted, odds decimal.Decimal) decimal.Decimal {
	return tokensCommitted.Mul(odds).Round(0)
}

// FormatTokens renders a token amount for display with K/M suffixes:
// 2500 → "2.5K", 3250 → "3.3K", 1500000 → "1.5M". Amounts below one
// thousand render as-is.
func FormatTokens(amount decimal.Decimal) string {
	thousand := decimal.NewFromInt(1000)
	million := decimal.NewFromInt(1000000)

	switch {
	case amount.Abs().GreaterThanOrEqual(million):
		return amount.Div(million).Round(1).String() + "M"
	case amount.Abs().GreaterThanOrEqual(thousand):
		return amount.Div(thousand).Round(1).String() + "K"
	default:
		return amount.String()
	}
}
