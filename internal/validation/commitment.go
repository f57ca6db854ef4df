package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/temisangerrard/kai-ledger/internal/model"
	"github.com/temisangerrard/kai-ledger/internal/store"
)

// Limits bound the size of a single commitment. A zero MaxTokens means
// no upper bound.
type Limits struct {
	MinTokens decimal.Decimal
	MaxTokens decimal.Decimal
}

// CommitmentValidator checks a proposed commitment against market state,
// option existence, amount bounds, and balance sufficiency. It performs
// reads only and has no side effects, so a validation call can be
// abandoned freely.
type CommitmentValidator struct {
	store  store.Store
	limits Limits
}

// NewCommitmentValidator creates a validator reading markets and balances
// from the given store.
func NewCommitmentValidator(st store.Store, limits Limits) *CommitmentValidator {
	return &CommitmentValidator{store: st, limits: limits}
}

// Validate runs every check and collects all failures. The creation
// service re-runs this inside its transaction to close the race between
// check and act.
func (v *CommitmentValidator) Validate(ctx context.Context, req model.CommitmentRequest) Result {
	var res Result

	if req.UserID == "" {
		res.addError("user_id", CodeMissingField, "User ID is required")
	}

	marketID := req.MarketRef()
	if marketID == "" {
		res.addError("prediction_id", CodeMissingField, "Market reference is required")
	}

	var market *model.Market
	if marketID != "" {
		m, err := v.store.GetMarket(ctx, marketID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			res.addError("prediction_id", CodeMarketNotFound,
				fmt.Sprintf("Market not found: %s", marketID))
		case err != nil:
			res.addError("prediction_id", CodeMarketNotFound,
				fmt.Sprintf("Market lookup failed: %v", err))
		default:
			market = m
		}
	}

	if market != nil {
		if market.Status != model.MarketActive {
			res.addError("prediction_id", CodeMarketClosed,
				fmt.Sprintf("Market is not active (status: %s)", market.Status))
		} else if !market.EndsAt.After(time.Now().UTC()) {
			res.addError("prediction_id", CodeMarketClosed, "Market has ended")
		}

		if _, _, err := ResolveOption(market, req.Position, req.OptionID); err != nil {
			code := CodeOptionNotFound
			if errors.Is(err, ErrOptionAmbiguous) || errors.Is(err, ErrOptionMismatch) {
				code = CodeOptionAmbiguous
			}
			res.addError("option_id", code, fmt.Sprintf("Option not resolved: %v", err))
		}
	}

	res = v.checkAmount(res, req.TokensToCommit)

	if req.UserID != "" {
		available := decimal.Zero
		bal, err := v.store.GetBalance(ctx, req.UserID)
		if err == nil {
			available = bal.AvailableTokens
		} else if !errors.Is(err, store.ErrNotFound) {
			res.addError("user_id", CodeInsufficientBalance,
				fmt.Sprintf("Balance lookup failed: %v", err))
			return res.finalize()
		}
		// Missing balance record reads as zero available tokens.
		if available.LessThan(req.TokensToCommit) {
			res.addError("tokens_to_commit", CodeInsufficientBalance,
				fmt.Sprintf("Insufficient balance: have %s available, need %s",
					available, req.TokensToCommit))
		}
	}

	return res.finalize()
}

func (v *CommitmentValidator) checkAmount(res Result, tokens decimal.Decimal) Result {
	switch {
	case tokens.LessThanOrEqual(decimal.Zero):
		res.addError("tokens_to_commit", CodeInvalidAmount, "Token amount must be positive")
	case !tokens.Equal(tokens.Truncate(0)):
		res.addError("tokens_to_commit", CodeInvalidAmount, "Token amount must be a whole number")
	case tokens.LessThan(v.limits.MinTokens):
		res.addError("tokens_to_commit", CodeInvalidAmount,
			fmt.Sprintf("Token amount below minimum of %s", v.limits.MinTokens))
	case !v.limits.MaxTokens.IsZero() && tokens.GreaterThan(v.limits.MaxTokens):
		res.addError("tokens_to_commit", CodeInvalidAmount,
			fmt.Sprintf("Token amount above maximum of %s", v.limits.MaxTokens))
	}
	return res
}
