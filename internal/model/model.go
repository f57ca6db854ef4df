// Package model defines the core domain types shared across the ledger engine.
// All token amounts use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType classifies a balance-affecting event.
type TransactionType string

const (
	TransactionPurchase TransactionType = "purchase"
	TransactionCommit   TransactionType = "commit"
	TransactionWin      TransactionType = "win"
	TransactionLoss     TransactionType = "loss"
	TransactionRefund   TransactionType = "refund"
)

// TransactionStatus is the lifecycle state of a ledger entry.
// Entries are immutable once completed.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

// CommitmentStatus is the lifecycle state of a prediction commitment.
type CommitmentStatus string

const (
	CommitmentActive   CommitmentStatus = "active"
	CommitmentWon      CommitmentStatus = "won"
	CommitmentLost     CommitmentStatus = "lost"
	CommitmentRefunded CommitmentStatus = "refunded"
)

// Position is the legacy binary slot for a commitment. Binary markets
// historically addressed their two options as "yes"/"no"; multi-option
// markets use an explicit option ID with Position derived on read.
type Position string

const (
	PositionYes Position = "yes"
	PositionNo  Position = "no"
)

// MarketStatus is the lifecycle state of a market. Markets are owned by
// the platform; the ledger engine only reads them.
type MarketStatus string

const (
	MarketDraft     MarketStatus = "draft"
	MarketActive    MarketStatus = "active"
	MarketClosed    MarketStatus = "closed"
	MarketResolved  MarketStatus = "resolved"
	MarketCancelled MarketStatus = "cancelled"
)

// CommitmentSource identifies the surface a commitment arrived from.
type CommitmentSource string

const (
	SourceWeb    CommitmentSource = "web"
	SourceMobile CommitmentSource = "mobile"
	SourceAPI    CommitmentSource = "api"
)

// UserBalance is the per-user token ledger head. Version implements
// optimistic concurrency: every mutation increments it by exactly one,
// and a write is accepted only against the version it was read at.
type UserBalance struct {
	UserID          string          `json:"user_id" db:"user_id"`
	AvailableTokens decimal.Decimal `json:"available_tokens" db:"available_tokens"`
	CommittedTokens decimal.Decimal `json:"committed_tokens" db:"committed_tokens"`
	TotalEarned     decimal.Decimal `json:"total_earned" db:"total_earned"`
	TotalSpent      decimal.Decimal `json:"total_spent" db:"total_spent"`
	Version         int64           `json:"version" db:"version"`
	LastUpdated     time.Time       `json:"last_updated" db:"last_updated"`
}

// TokenTransaction is an append-only log entry, one per balance-affecting
// event. Completed entries are never modified or deleted; they are the
// source of truth for balance reconciliation.
type TokenTransaction struct {
	ID            string            `json:"id" db:"id"`
	UserID        string            `json:"user_id" db:"user_id"`
	Type          TransactionType   `json:"type" db:"type"`
	Amount        decimal.Decimal   `json:"amount" db:"amount"` // always positive
	BalanceBefore decimal.Decimal   `json:"balance_before" db:"balance_before"`
	BalanceAfter  decimal.Decimal   `json:"balance_after" db:"balance_after"`
	RelatedID     string            `json:"related_id,omitempty" db:"related_id"` // market or commitment reference
	Metadata      map[string]string `json:"metadata,omitempty" db:"metadata"`
	Timestamp     time.Time         `json:"timestamp" db:"timestamp"`
	Status        TransactionStatus `json:"status" db:"status"`
}

// Well-known metadata keys on TokenTransaction. The map is otherwise an
// open extension point for callers.
const (
	MetaAmountUSD = "amount_usd" // purchase: USD spent acquiring the tokens
	MetaTokensWon = "tokens_won" // win: profit portion of the payout
	MetaOptionID  = "option_id"  // commit: the resolved option
	MetaSource    = "source"     // commit: originating surface
)

// OddsSnapshot freezes the market's odds distribution at commitment time.
// The yes/no fields are the legacy binary view; the per-option maps are
// populated for markets with more than two options.
type OddsSnapshot struct {
	YesOdds            decimal.Decimal            `json:"yes_odds"`
	NoOdds             decimal.Decimal            `json:"no_odds"`
	TotalYesTokens     decimal.Decimal            `json:"total_yes_tokens"`
	TotalNoTokens      decimal.Decimal            `json:"total_no_tokens"`
	OptionOdds         map[string]decimal.Decimal `json:"option_odds,omitempty"`
	OptionTokens       map[string]decimal.Decimal `json:"option_tokens,omitempty"`
	OptionParticipants map[string]int             `json:"option_participants,omitempty"`
}

// CommitmentMetadata is the immutable snapshot taken when a commitment is
// created. Required sub-fields are typed; Extra is the open extension map.
type CommitmentMetadata struct {
	MarketStatus    MarketStatus      `json:"market_status"`
	MarketTitle     string            `json:"market_title"`
	MarketEndsAt    time.Time         `json:"market_ends_at"`
	Odds            OddsSnapshot      `json:"odds_snapshot"`
	BalanceAtCommit decimal.Decimal   `json:"user_balance_at_commitment"`
	Source          CommitmentSource  `json:"commitment_source"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// PredictionCommitment is one user-market stake. PredictionID is the
// legacy name for the market reference; MarketID carries the same value
// under the new name. OptionID is the single source of truth for which
// option the stake is on; Position is derived for legacy consumers.
type PredictionCommitment struct {
	ID               string             `json:"id" db:"id"`
	UserID           string             `json:"user_id" db:"user_id"`
	PredictionID     string             `json:"prediction_id" db:"prediction_id"`
	MarketID         string             `json:"market_id,omitempty" db:"market_id"`
	TokensCommitted  decimal.Decimal    `json:"tokens_committed" db:"tokens_committed"`
	Position         Position           `json:"position" db:"position"`
	OptionID         string             `json:"option_id,omitempty" db:"option_id"`
	Odds             decimal.Decimal    `json:"odds" db:"odds"`
	PotentialWinning decimal.Decimal    `json:"potential_winning" db:"potential_winning"`
	Status           CommitmentStatus   `json:"status" db:"status"`
	CommittedAt      time.Time          `json:"committed_at" db:"committed_at"`
	ResolvedAt       *time.Time         `json:"resolved_at,omitempty" db:"resolved_at"`
	Metadata         CommitmentMetadata `json:"metadata" db:"metadata"`
}

// MarketOption is one outcome of a market with its running stake totals.
type MarketOption struct {
	ID               string          `json:"id"`
	Text             string          `json:"text"`
	TotalTokens      decimal.Decimal `json:"total_tokens"`
	ParticipantCount int             `json:"participant_count"`
}

// Market is the platform's market entity, consumed read-only by the
// ledger engine. The engine never creates or mutates markets; it reads
// them to validate and price commitments.
type Market struct {
	ID        string         `json:"id" db:"id"`
	Title     string         `json:"title" db:"title"`
	Status    MarketStatus   `json:"status" db:"status"`
	EndsAt    time.Time      `json:"ends_at" db:"ends_at"`
	Options   []MarketOption `json:"options"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// IsBinary reports whether the market has exactly two options and can be
// addressed through the legacy yes/no position slot.
func (m *Market) IsBinary() bool {
	return len(m.Options) == 2
}

// Option returns the option with the given ID, or nil.
func (m *Market) Option(id string) *MarketOption {
	for i := range m.Options {
		if m.Options[i].ID == id {
			return &m.Options[i]
		}
	}
	return nil
}

// TotalPool returns the sum of tokens across all options.
func (m *Market) TotalPool() decimal.Decimal {
	total := decimal.Zero
	for _, opt := range m.Options {
		total = total.Add(opt.TotalTokens)
	}
	return total
}

// CommitmentRequest is the API-boundary shape for placing a stake.
// Exactly one of Position/OptionID must resolve to a valid option of the
// referenced market; when both are supplied they must agree.
type CommitmentRequest struct {
	UserID         string           `json:"user_id"`
	PredictionID   string           `json:"prediction_id"`
	MarketID       string           `json:"market_id,omitempty"` // same value, new name
	Position       Position         `json:"position,omitempty"`
	OptionID       string           `json:"option_id,omitempty"`
	TokensToCommit decimal.Decimal  `json:"tokens_to_commit"`
	Source         CommitmentSource `json:"source,omitempty"`
}

// MarketRef returns the market reference, preferring the legacy
// PredictionID field when both are present.
func (r *CommitmentRequest) MarketRef() string {
	if r.PredictionID != "" {
		return r.PredictionID
	}
	return r.MarketID
}
